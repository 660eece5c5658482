// Package config handles meshview configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the top-level meshview configuration.
type Config struct {
	API       APIConfig       `json:"api"`
	Push      PushConfig      `json:"push"`
	Dashboard DashboardConfig `json:"dashboard"`
	Diag      DiagConfig      `json:"diag"`
}

// APIConfig defines how the REST bootstrap client reaches the backend.
type APIConfig struct {
	BaseURL        string   `json:"base_url"`
	Timeout        Duration `json:"timeout,omitempty"`
	CredentialPath string   `json:"credential_path,omitempty"`
}

// PushConfig defines the push-channel connection and retry policy.
type PushConfig struct {
	URL               string   `json:"url"`
	TLSSkipVerify     bool     `json:"tls_skip_verify,omitempty"` // dev only
	HandshakeTimeout  Duration `json:"handshake_timeout,omitempty"`
	MaxAttempts       int      `json:"max_attempts,omitempty"`
	ReconnectInterval Duration `json:"reconnect_interval,omitempty"`
	MaxReconnectDelay Duration `json:"max_reconnect_delay,omitempty"`
}

// DashboardConfig defines in-memory state limits and refresh behavior.
type DashboardConfig struct {
	AlertCapacity   int      `json:"alert_capacity,omitempty"`
	PendingWindow   Duration `json:"pending_window,omitempty"`
	RefreshInterval Duration `json:"refresh_interval,omitempty"`
	LogLevel        string   `json:"log_level,omitempty"`
}

// DiagConfig defines the local diagnostics HTTP endpoint.
type DiagConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Listen  string `json:"listen,omitempty"`
}

// Duration is a JSON-friendly time.Duration (accepts strings like "30s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.Push.URL == "" {
		return fmt.Errorf("push.url is required")
	}
	if c.Push.MaxAttempts < 0 {
		return fmt.Errorf("push.max_attempts must not be negative")
	}
	if c.Dashboard.AlertCapacity < 0 {
		return fmt.Errorf("dashboard.alert_capacity must not be negative")
	}
	switch c.Dashboard.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("dashboard.log_level must be debug, info, warn, or error")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.API.Timeout.Duration == 0 {
		c.API.Timeout.Duration = 15 * time.Second
	}
	if c.API.CredentialPath == "" {
		c.API.CredentialPath = defaultCredentialPath()
	}
	if c.Push.HandshakeTimeout.Duration == 0 {
		c.Push.HandshakeTimeout.Duration = 10 * time.Second
	}
	if c.Push.MaxAttempts == 0 {
		c.Push.MaxAttempts = 5
	}
	if c.Push.ReconnectInterval.Duration == 0 {
		c.Push.ReconnectInterval.Duration = 2 * time.Second
	}
	if c.Push.MaxReconnectDelay.Duration == 0 {
		c.Push.MaxReconnectDelay.Duration = 60 * time.Second
	}
	if c.Dashboard.AlertCapacity == 0 {
		c.Dashboard.AlertCapacity = 50
	}
	if c.Dashboard.RefreshInterval.Duration == 0 {
		c.Dashboard.RefreshInterval.Duration = 30 * time.Second
	}
	// The pending window defaults to one refresh interval: an update that
	// out-raced its node by more than a full reconciliation cycle is stale.
	if c.Dashboard.PendingWindow.Duration == 0 {
		c.Dashboard.PendingWindow.Duration = c.Dashboard.RefreshInterval.Duration
	}
	if c.Dashboard.LogLevel == "" {
		c.Dashboard.LogLevel = "info"
	}
	if c.Diag.Listen == "" {
		c.Diag.Listen = "127.0.0.1:7070"
	}
}

func defaultCredentialPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".meshview-credentials.json"
	}
	return home + "/.meshview/credentials.json"
}
