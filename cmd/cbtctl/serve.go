package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joshuapare/cbtkit/cbt/control"
	"github.com/joshuapare/cbtkit/cbt/tracking"
	"github.com/joshuapare/cbtkit/internal/blockdev"
	"github.com/joshuapare/cbtkit/internal/config"
	"github.com/joshuapare/cbtkit/internal/logger"
	"github.com/joshuapare/cbtkit/pkg/types"
)

func init() {
	rootCmd.AddCommand(newServeCmd())
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tracking daemon",
		Long: `The serve command runs the daemon in the foreground. It listens on the
control socket until interrupted, then stops tracking every volume.

Example:
  cbtctl serve --config /etc/cbtkit/cbtkit.yaml
  cbtctl serve --socket /tmp/cbtkit.sock --log-level debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			dev := blockdev.NewLinux()
			return runServe(ctx, cfg, dev, dev, dev)
		},
	}
	cmd.Flags().Uint("degree", tracking.DefaultDegree, "Default tracking block size as log2 bytes")
	cmd.Flags().String("log-level", "info", "Minimum log level (debug, info, warn, error)")
	cmd.Flags().String("log-dir", "", "Write daily log files to this directory")
	cmd.Flags().Bool("log-json", false, "Log JSON records")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, opener types.Opener, freezer types.Freezer, ic types.Interceptor) error {
	// Components capture their logger when built.
	if err := logger.Init(cfg.LoggerOptions()); err != nil {
		return fmt.Errorf("failed to initialise logging: %w", err)
	}

	svc := tracking.New(tracking.Options{
		Opener:      opener,
		Freezer:     freezer,
		Interceptor: ic,
		Redirect:    cfg.RedirectOptions(),
		Map:         cfg.MapOptions(),
	})

	l, err := control.Listen(cfg.Socket)
	if err != nil {
		return err
	}
	printVerbose("Listening on %s\n", cfg.Socket)
	logger.Info("daemon started", "socket", cfg.Socket, "degree", cfg.Tracking.Degree)

	srv := control.NewServer(svc, control.WithDefaultDegree(cfg.Tracking.Degree))
	serveErr := srv.Serve(ctx, l)

	removeErr := svc.RemoveAll(context.Background())
	if err := os.Remove(cfg.Socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove socket", "socket", cfg.Socket, "error", err)
	}
	logger.Info("daemon stopped")
	return errors.Join(serveErr, removeErr)
}
