package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/meshview/meshview/internal/config"
	"github.com/meshview/meshview/internal/diag"
	"github.com/meshview/meshview/internal/session"
	"github.com/meshview/meshview/internal/tui/dashboard"
)

func newDashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dash [config-file]",
		Short: "Open the dashboard TUI (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runDash,
	}
}

func runDash(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, defaultConfigPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	// The TUI owns the terminal; logs are suppressed.
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	cred, err := loadCredential(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	sess := session.New(cfg, cred, nil, reg, logger)

	if cfg.Diag.Enabled {
		diagSrv := diag.NewServer(cfg.Diag.Listen, sess, reg, logger)
		if err := diagSrv.Start(); err != nil {
			return fmt.Errorf("start diag server: %w", err)
		}
		defer func() { _ = diagSrv.Close() }()
	}

	// A dead session closes the TUI through context cancellation.
	sessErr := make(chan error, 1)
	go func() {
		sessErr <- sess.Run(ctx)
		cancel()
	}()

	if err := dashboard.Run(ctx, sess); err != nil {
		return err
	}
	cancel()

	if err := <-sessErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
