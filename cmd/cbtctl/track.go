package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/joshuapare/cbtkit/cbt/control"
	"github.com/joshuapare/cbtkit/pkg/types"
)

func init() {
	rootCmd.AddCommand(newTrackCmd(), newUntrackCmd())
}

func newTrackCmd() *cobra.Command {
	var (
		degree   uint
		snapshot uint64
	)
	cmd := &cobra.Command{
		Use:   "track <major:minor>",
		Short: "Start tracking changes to a volume",
		Long: `The track command asks the daemon to record writes to a volume. A
tracked volume that overlaps the new one is dropped first.

Example:
  cbtctl track 8:1
  cbtctl track 8:1 --degree 20`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrack(args, degree, types.SnapshotID(snapshot))
		},
	}
	cmd.Flags().UintVar(&degree, "degree", 0, "Tracking block size as log2 bytes (0: daemon default)")
	cmd.Flags().Uint64Var(&snapshot, "snapshot", 0, "Live snapshot to add the volume to")
	return cmd
}

func runTrack(args []string, degree uint, snapshot types.SnapshotID) error {
	id, err := types.ParseVolumeID(args[0])
	if err != nil {
		return err
	}
	return withClient(func(ctx context.Context, c *control.Client) error {
		if err := c.AddTracking(ctx, id, degree, snapshot); err != nil {
			return err
		}
		printInfo("Tracking %s\n", id)
		return nil
	})
}

func newUntrackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "untrack <major:minor>",
		Short: "Stop tracking a volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUntrack(args)
		},
	}
}

func runUntrack(args []string) error {
	id, err := types.ParseVolumeID(args[0])
	if err != nil {
		return err
	}
	return withClient(func(ctx context.Context, c *control.Client) error {
		if err := c.RemoveTracking(ctx, id); err != nil {
			return err
		}
		printInfo("Stopped tracking %s\n", id)
		return nil
	})
}
