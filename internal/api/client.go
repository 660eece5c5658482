// Package api is the REST client used to bootstrap and reconcile dashboard
// state before the push channel is trusted as authoritative.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/meshview/meshview/internal/auth"
	"github.com/meshview/meshview/internal/config"
	"github.com/meshview/meshview/pkg/wire"
)

// TopologySnapshot is the REST topology response.
type TopologySnapshot struct {
	Nodes      []wire.Node `json:"nodes"`
	Edges      []wire.Edge `json:"edges"`
	Namespaces []string    `json:"namespaces,omitempty"`
}

// Certificate describes one mTLS workload certificate nearing expiry.
type Certificate struct {
	Service         string    `json:"service"`
	Namespace       string    `json:"namespace"`
	Issuer          string    `json:"issuer,omitempty"`
	DaysUntilExpiry int       `json:"days_until_expiry"`
	ExpiresAt       time.Time `json:"expires_at,omitempty"`
	Status          string    `json:"status,omitempty"`
}

// Anomaly is one backend anomaly detection, used to seed the alert feed.
// Kind is the detection category, e.g. "data_exfiltration".
type Anomaly struct {
	ID           string    `json:"id"`
	Kind         string    `json:"type"`
	Severity     string    `json:"severity"`
	Description  string    `json:"description,omitempty"`
	Service      string    `json:"service,omitempty"`
	Namespace    string    `json:"namespace,omitempty"`
	Score        float64   `json:"score,omitempty"`
	Timestamp    time.Time `json:"timestamp,omitempty"`
	Acknowledged bool      `json:"acknowledged,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// Client talks to the backend's v1 REST API with an injected bearer
// credential.
type Client struct {
	baseURL string
	http    *http.Client
	cred    auth.Credential
	logger  *slog.Logger
}

// NewClient creates a REST client. The credential may be empty until Login.
func NewClient(cfg config.APIConfig, cred auth.Credential, logger *slog.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout.Duration},
		cred:    cred,
		logger:  logger.With("component", "api"),
	}
}

// Credential returns the client's current credential.
func (c *Client) Credential() auth.Credential {
	return c.cred
}

// Login exchanges user credentials for a bearer token and adopts it for
// subsequent calls. Expiry is taken from the token's exp claim when present,
// falling back to the advertised expires_in.
func (c *Client) Login(ctx context.Context, email, password string) (auth.Credential, error) {
	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", loginRequest{Email: email, Password: password}, &resp); err != nil {
		return auth.Credential{}, fmt.Errorf("login: %w", err)
	}

	cred := auth.Credential{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    resp.TokenType,
	}
	if exp, err := auth.TokenExpiry(resp.AccessToken); err == nil {
		cred.ExpiresAt = exp
	} else if resp.ExpiresIn > 0 {
		cred.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}

	c.cred = cred
	c.logger.Info("logged in", "expires_at", cred.ExpiresAt)
	return cred, nil
}

// Topology fetches the full graph snapshot.
func (c *Client) Topology(ctx context.Context) (TopologySnapshot, error) {
	var snap TopologySnapshot
	if err := c.do(ctx, http.MethodGet, "/api/v1/topology", nil, &snap); err != nil {
		return TopologySnapshot{}, fmt.Errorf("fetch topology: %w", err)
	}
	return snap, nil
}

// MetricsOverview fetches the mesh-wide metrics roll-up.
func (c *Client) MetricsOverview(ctx context.Context) (wire.Overview, error) {
	var o wire.Overview
	if err := c.do(ctx, http.MethodGet, "/api/v1/metrics/overview", nil, &o); err != nil {
		return wire.Overview{}, fmt.Errorf("fetch metrics overview: %w", err)
	}
	return o, nil
}

// ExpiringCertificates fetches certificates expiring within the given number
// of days.
func (c *Client) ExpiringCertificates(ctx context.Context, days int) ([]Certificate, error) {
	var resp struct {
		ExpiringCertificates []Certificate `json:"expiring_certificates"`
		Count                int           `json:"count"`
	}
	path := fmt.Sprintf("/api/v1/certificates/expiring?days=%d", days)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch expiring certificates: %w", err)
	}
	return resp.ExpiringCertificates, nil
}

// RecentAnomalies fetches the most recent anomaly detections.
func (c *Client) RecentAnomalies(ctx context.Context, limit int) ([]Anomaly, error) {
	var resp struct {
		Anomalies []Anomaly `json:"anomalies"`
		Count     int       `json:"count"`
	}
	path := fmt.Sprintf("/api/v1/anomalies?limit=%d", limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch anomalies: %w", err)
	}
	return resp.Anomalies, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cred.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cred.AccessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		sample, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, sample)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
