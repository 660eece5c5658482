package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/meshview/meshview/internal/config"
	"github.com/meshview/meshview/internal/diag"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running meshview instance",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, nil, defaultConfigPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	status, err := queryDiagStatus(cfg.Diag.Listen)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stdout, "Status:  not running (%s unreachable)\n", cfg.Diag.Listen)
		_, _ = fmt.Fprintf(os.Stdout, "Config:  %s\n", configPath)
		_, _ = fmt.Fprintf(os.Stdout, "API:     %s\n", cfg.API.BaseURL)
		_, _ = fmt.Fprintf(os.Stdout, "Push:    %s\n", cfg.Push.URL)
		return nil
	}

	connStatus := "disconnected"
	if status.Connected {
		connStatus = "connected"
	} else if status.Reconnecting {
		connStatus = "reconnecting"
	}

	_, _ = fmt.Fprintf(os.Stdout, "Status:      running\n")
	_, _ = fmt.Fprintf(os.Stdout, "Push:        %s (%s)\n", status.PushURL, connStatus)
	_, _ = fmt.Fprintf(os.Stdout, "Uptime:      %s\n", status.Uptime)
	_, _ = fmt.Fprintf(os.Stdout, "Services:    %d\n", status.Services)
	_, _ = fmt.Fprintf(os.Stdout, "Connections: %d\n", status.Connections)
	_, _ = fmt.Fprintf(os.Stdout, "Alerts:      %d\n", status.Alerts)
	return nil
}

func queryDiagStatus(listen string) (*diag.StatusInfo, error) {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + listen + "/api/status")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var status diag.StatusInfo
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}
