package main

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/joshuapare/cbtkit/cbt/control"
	"github.com/joshuapare/cbtkit/pkg/types"
)

func init() {
	rootCmd.AddCommand(newSnapshotCmd())
}

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Create and release snapshots",
	}
	cmd.AddCommand(newSnapshotCreateCmd(), newSnapshotReleaseCmd())
	return cmd
}

func newSnapshotCreateCmd() *cobra.Command {
	var degree uint
	cmd := &cobra.Command{
		Use:   "create <major:minor>...",
		Short: "Capture a consistent snapshot of one or more volumes",
		Long: `The create command tracks every listed volume if needed, then captures
them together: the change maps are published and the original contents of
blocks written afterwards are kept until the snapshot is released.

Example:
  cbtctl snapshot create 8:1 8:2`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshotCreate(args, degree)
		},
	}
	cmd.Flags().UintVar(&degree, "degree", 0, "Tracking block size for newly tracked volumes (0: daemon default)")
	return cmd
}

func runSnapshotCreate(args []string, degree uint) error {
	ids, err := parseVolumes(args)
	if err != nil {
		return err
	}
	return withClient(func(ctx context.Context, c *control.Client) error {
		id, err := c.CreateSnapshot(ctx, ids, degree)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(control.CreateSnapshotResponse{ID: id})
		}
		printInfo("Snapshot %d created (%d volume(s))\n", id, len(ids))
		return nil
	})
}

func newSnapshotReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <id>",
		Short: "Release a snapshot and drop the kept original data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshotRelease(args)
		},
	}
}

func runSnapshotRelease(args []string) error {
	n, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return types.Wrap(types.ErrKindInvalid, "snapshot id "+args[0], err)
	}
	return withClient(func(ctx context.Context, c *control.Client) error {
		if err := c.ReleaseSnapshot(ctx, types.SnapshotID(n)); err != nil {
			return err
		}
		printInfo("Snapshot %d released\n", n)
		return nil
	})
}
