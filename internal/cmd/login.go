package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/meshview/meshview/internal/api"
	"github.com/meshview/meshview/internal/auth"
	"github.com/meshview/meshview/internal/config"
	"github.com/meshview/meshview/pkg/cli"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login [config-file]",
		Short: "Authenticate against the control plane and cache the credential",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLogin,
	}
}

func runLogin(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, defaultConfigPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	prompter := cli.DefaultPrompter()
	email := prompter.Ask("Email", "")
	if email == "" {
		return fmt.Errorf("email is required")
	}
	password := prompter.AskPassword("Password")
	if password == "" {
		return fmt.Errorf("password is required")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := api.NewClient(cfg.API, auth.Credential{}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cred, err := client.Login(ctx, email, password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	if err := auth.Save(cfg.API.CredentialPath, cred); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "Logged in. Credential cached at %s", cfg.API.CredentialPath)
	if !cred.ExpiresAt.IsZero() {
		_, _ = fmt.Fprintf(os.Stdout, " (expires %s)", cred.ExpiresAt.Local().Format(time.RFC1123))
	}
	_, _ = fmt.Fprintln(os.Stdout)
	return nil
}
