package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joshuapare/cbtkit/cbt/control"
	"github.com/joshuapare/cbtkit/internal/config"
	"github.com/joshuapare/cbtkit/pkg/types"
)

var (
	// Global flags
	verbose    bool
	quiet      bool
	jsonOut    bool
	configPath string
	socketPath string
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "cbtctl",
	Short: "Track changed blocks of volumes and take consistent snapshots",
	Long: `cbtctl runs and controls the cbtkit daemon. The daemon records which
blocks of each tracked volume were written, publishes that map when a
snapshot is taken, and keeps the original contents of blocks overwritten
while the snapshot is held.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath, cmd.Root().PersistentFlags())
		if err != nil {
			return err
		}
		socketPath = cfg.Socket
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file (default: search for cbtkit.yaml)")
	rootCmd.PersistentFlags().String("socket", config.DefaultSocket, "Daemon control socket")
	rootCmd.PersistentFlags().
		DurationVar(&timeout, "timeout", 30*time.Second, "Time limit for one daemon request")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode is the errno of the error's kind.
func exitCode(err error) int {
	if errno := control.Errno(err); errno != 0 {
		return int(errno)
	}
	return 1
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printError prints an error message
func printError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format, args...)
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...any) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// withClient dials the daemon and runs fn under the request timeout.
func withClient(fn func(ctx context.Context, c *control.Client) error) error {
	printVerbose("Connecting to %s\n", socketPath)
	c, err := control.Dial(socketPath)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return fn(ctx, c)
}

// parseVolumes parses major:minor arguments.
func parseVolumes(args []string) ([]types.VolumeID, error) {
	ids := make([]types.VolumeID, 0, len(args))
	for _, a := range args {
		id, err := types.ParseVolumeID(a)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// parseRange parses "start:count" or "start+count" in sectors.
func parseRange(s string) (types.SectorRange, error) {
	start, count, ok := strings.Cut(s, ":")
	if !ok {
		start, count, ok = strings.Cut(s, "+")
	}
	if !ok {
		return types.SectorRange{}, types.Errorf(types.ErrKindInvalid, "range %q: want start:count", s)
	}
	a, errA := strconv.ParseUint(start, 0, 64)
	n, errN := strconv.ParseUint(count, 0, 64)
	if err := errors.Join(errA, errN); err != nil {
		return types.SectorRange{}, types.Wrap(types.ErrKindInvalid, fmt.Sprintf("range %q", s), err)
	}
	if n == 0 {
		return types.SectorRange{}, types.Errorf(types.ErrKindInvalid, "range %q is empty", s)
	}
	return types.SectorRange{Start: a, Count: n}, nil
}
