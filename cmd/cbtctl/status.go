package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/joshuapare/cbtkit/cbt/control"
	"github.com/joshuapare/cbtkit/cbt/pagebuf"
)

func init() {
	rootCmd.AddCommand(newStatusCmd())
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
}

func runStatus() error {
	return withClient(func(ctx context.Context, c *control.Client) error {
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(st)
		}
		printInfo("\nDaemon Status:\n")
		printInfo("  Socket: %s\n", socketPath)
		printInfo("  Tracked volumes: %d\n", st.Tracked)
		printInfo("  Intercepted queues: %d\n", st.Queues)
		printInfo("  Buffers: %d (%s)\n", st.Memory.Buffers, formatSize(st.Memory.Pages*int64(pagebuf.PageSize)))
		if len(st.Snapshots) == 0 {
			printInfo("  Snapshots: none\n")
			return nil
		}
		printInfo("  Snapshots:\n")
		for _, s := range st.Snapshots {
			printInfo("    %d: %v\n", s.ID, s.Volumes)
		}
		return nil
	})
}

func formatSize(n int64) string {
	switch {
	case n < 1024:
		return strconv.FormatInt(n, 10) + " bytes"
	case n < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	}
}
