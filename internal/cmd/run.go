package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/meshview/meshview/internal/auth"
	"github.com/meshview/meshview/internal/config"
	"github.com/meshview/meshview/internal/diag"
	"github.com/meshview/meshview/internal/session"
)

const defaultConfigPath = "meshview.json"

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Run headless: keep state synced and serve the diag endpoint",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, defaultConfigPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	logger := newLogger(cfg, os.Stdout)

	cred, err := loadCredential(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	reg := prometheus.NewRegistry()
	sess := session.New(cfg, cred, nil, reg, logger)

	if cfg.Diag.Enabled {
		diagSrv := diag.NewServer(cfg.Diag.Listen, sess, reg, logger)
		if err := diagSrv.Start(); err != nil {
			return fmt.Errorf("start diag server: %w", err)
		}
		defer func() { _ = diagSrv.Close() }()
	}

	logger.Info("meshview starting", "version", version, "config", configPath)

	if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("session error", "error", err)
		os.Exit(1)
	}

	logger.Info("meshview stopped")
	return nil
}

// newLogger builds the structured logger from config.
func newLogger(cfg *config.Config, w *os.File) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Dashboard.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

// loadCredential reads the cached credential and rejects expired ones with a
// pointer to the login command.
func loadCredential(cfg *config.Config) (auth.Credential, error) {
	cred, err := auth.Load(cfg.API.CredentialPath)
	if err != nil {
		return auth.Credential{}, fmt.Errorf("no credential at %s: run 'meshview login' first", cfg.API.CredentialPath)
	}
	if !cred.Valid(time.Now()) {
		return auth.Credential{}, errors.New("credential expired: run 'meshview login' again")
	}
	return cred, nil
}
