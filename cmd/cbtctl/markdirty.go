package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/joshuapare/cbtkit/cbt/control"
	"github.com/joshuapare/cbtkit/pkg/types"
)

func init() {
	rootCmd.AddCommand(newMarkDirtyCmd())
}

func newMarkDirtyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mark-dirty <major:minor> <start:count>...",
		Short: "Mark sector ranges as changed",
		Long: `The mark-dirty command records sector ranges as written in both the
current and the published map, for changes made behind the tracker's back.

Example:
  cbtctl mark-dirty 8:1 0:8 4096:128`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMarkDirty(args)
		},
	}
}

func runMarkDirty(args []string) error {
	id, err := types.ParseVolumeID(args[0])
	if err != nil {
		return err
	}
	ranges := make([]types.SectorRange, 0, len(args)-1)
	for _, a := range args[1:] {
		r, err := parseRange(a)
		if err != nil {
			return err
		}
		ranges = append(ranges, r)
	}
	return withClient(func(ctx context.Context, c *control.Client) error {
		if err := c.MarkDirty(ctx, id, ranges); err != nil {
			return err
		}
		printInfo("Marked %d range(s) of %s\n", len(ranges), id)
		return nil
	})
}
