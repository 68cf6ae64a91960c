package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/toolgate/internal/app"
	"github.com/mattjoyce/toolgate/internal/lock"
	"github.com/mattjoyce/toolgate/internal/log"
)

func serveCmd(opts *globalOptions) *cobra.Command {
	var (
		noStdio  bool
		apiAddr  string
		withNATS bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the protocol on stdin/stdout and run the dispatcher",
		Long: "Serve reads one JSON request per line from stdin and writes one response per line\n" +
			"to stdout until stdin closes. With --no-stdio only the HTTP API and NATS bridge\n" +
			"are served, until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			if apiAddr != "" {
				cfg.API.Enabled = true
				cfg.API.Listen = apiAddr
			}
			if withNATS {
				cfg.NATS.Enabled = true
			}
			if noStdio && !cfg.API.Enabled && !cfg.NATS.Enabled {
				return fmt.Errorf("--no-stdio needs the API or the NATS bridge enabled")
			}

			logger := log.WithComponent("main")
			logger.Info("toolgate starting", "version", version, "config", cfg.SourcePath)

			if cfg.Service.PIDFile != "" {
				pidLock, err := lock.Acquire(cfg.Service.PIDFile)
				if err != nil {
					return fmt.Errorf("another instance may be running: %w", err)
				}
				defer pidLock.Release()
				logger.Info("acquired PID lock", "path", pidLock.Path())
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, app.Options{Version: version})
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Warn("shutdown incomplete", "error", err)
				}
			}()

			if noStdio {
				err = a.Run(ctx, nil, nil)
			} else {
				err = a.Run(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
			}
			logger.Info("toolgate stopped")
			return err
		},
	}
	cmd.Flags().BoolVar(&noStdio, "no-stdio", false, "do not serve the protocol on stdin/stdout")
	cmd.Flags().StringVar(&apiAddr, "api", "", "enable the HTTP API on this address")
	cmd.Flags().BoolVar(&withNATS, "nats", false, "enable the NATS bridge")
	return cmd
}
