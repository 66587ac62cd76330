package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/joshuapare/cbtkit/cbt/control"
	"github.com/joshuapare/cbtkit/pkg/types"
)

func init() {
	rootCmd.AddCommand(newListCmd())
}

func newListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked volumes",
		Long: `The list command prints every tracked volume with its map size, last
published generation and redirection counters.

Example:
  cbtctl list
  cbtctl list --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(limit)
		},
	}
	cmd.Flags().IntVar(&limit, "max", 256, "Print at most this many volumes; more fail with ENOBUFS")
	return cmd
}

func runList(limit int) error {
	return withClient(func(ctx context.Context, c *control.Client) error {
		infos, err := c.ListTracked(ctx, limit)
		if err != nil && !errors.Is(err, types.ErrNoBuffers) {
			return err
		}
		// A truncated list is still printed before the error is reported.
		if jsonOut {
			if infos == nil {
				infos = []types.CBTInfo{}
			}
			if perr := printJSON(infos); perr != nil {
				return perr
			}
			return err
		}
		if len(infos) == 0 {
			if err == nil {
				printInfo("No volumes tracked\n")
			}
			return err
		}
		printInfo("%-10s %12s %10s %5s %9s %8s %s\n",
			"VOLUME", "CAPACITY", "BLOCKS", "GEN", "SNAPSHOT", "STATE", "GENERATION ID")
		for _, info := range infos {
			printInfo("%-10s %12d %10d %5d %9d %8s %s\n",
				info.Volume, info.Capacity, info.MapSize, info.SnapNumber,
				info.SnapshotID, state(info), info.GenerationID)
			if r := info.Redirect; r != nil {
				printVerbose("  writes %d/%d, sectors %d/%d, copied %d\n",
					r.WritesProcessed, r.WritesReceived,
					r.SectorsProcessed, r.SectorsReceived, r.SectorsCopied)
			}
		}
		return err
	})
}

func state(info types.CBTInfo) string {
	switch {
	case info.Corrupt:
		return "corrupt"
	case info.Captured:
		return "captured"
	default:
		return "tracking"
	}
}
