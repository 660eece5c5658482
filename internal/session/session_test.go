package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshview/meshview/internal/alerts"
	"github.com/meshview/meshview/internal/auth"
	"github.com/meshview/meshview/internal/config"
	"github.com/meshview/meshview/internal/eventbus"
	"github.com/meshview/meshview/pkg/wire"
)

func testBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/topology", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"nodes": [
				{"id": "svc-gw", "name": "gateway", "namespace": "edge", "type": "gateway"},
				{"id": "svc-api", "name": "api", "namespace": "core"}
			],
			"edges": [{"source": "svc-gw", "target": "svc-api", "request_rate": 12.0}]
		}`))
	})
	mux.HandleFunc("GET /api/v1/metrics/overview", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"request_rate": 120.5, "error_rate": 0.002, "p95_latency": 210, "active_connections": 9}`))
	})
	mux.HandleFunc("GET /api/v1/anomalies", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"anomalies": [
			{"id": "an-1", "severity": "warning", "type": "latency_spike",
			 "timestamp": "2026-02-28T09:00:00Z", "service": "svc-api", "acknowledged": true}
		], "count": 1}`))
	})
	mux.HandleFunc("GET /api/v1/certificates/expiring", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"expiring_certificates": [
			{"service": "svc-gw", "namespace": "edge", "days_until_expiry": 5, "expires_at": "2026-03-06T00:00:00Z"}
		], "count": 1}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testSession(t *testing.T, apiURL string) *Session {
	t.Helper()
	cfg := &config.Config{
		API:  config.APIConfig{BaseURL: apiURL, Timeout: config.Duration{Duration: 2 * time.Second}},
		Push: config.PushConfig{URL: "ws://127.0.0.1:1/ws", MaxAttempts: 1},
		Dashboard: config.DashboardConfig{
			AlertCapacity:   10,
			PendingWindow:   config.Duration{Duration: time.Second},
			RefreshInterval: config.Duration{Duration: time.Hour},
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, auth.Credential{AccessToken: "tok"}, eventbus.New(), prometheus.NewRegistry(), logger)
}

func envelope(t *testing.T, msgType, severity string, data any) wire.Envelope {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return wire.Envelope{
		Type:      msgType,
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Severity:  severity,
		Data:      raw,
	}
}

func TestSession_Bootstrap(t *testing.T) {
	backend := testBackend(t)
	s := testSession(t, backend.URL)

	if err := s.bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap() error = %v", err)
	}

	snap := s.Topology().Snapshot()
	if snap.Summary.TotalServices != 2 || snap.Summary.TotalConnections != 1 {
		t.Errorf("summary = %+v", snap.Summary)
	}
	if snap.Overview == nil || snap.Overview.ActiveConnections != 9 || snap.Overview.P95LatencyMS != 210 {
		t.Errorf("overview = %+v", snap.Overview)
	}

	// One anomaly plus one certificate warning seeded, newest first.
	feed := s.Alerts().Snapshot()
	if len(feed) != 2 {
		t.Fatalf("feed length = %d, want 2", len(feed))
	}
	if feed[0].Severity != alerts.SeverityCritical {
		t.Errorf("cert warning severity = %q, want critical for 5 days", feed[0].Severity)
	}
	anom := feed[1]
	if anom.Title != "latency spike" {
		t.Errorf("anomaly title = %q, want detection type with spaces", anom.Title)
	}
	if want := time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC); !anom.CreatedAt.Equal(want) {
		t.Errorf("anomaly CreatedAt = %v, want backend timestamp %v", anom.CreatedAt, want)
	}
	if !anom.Acknowledged {
		t.Error("anomaly acknowledged flag not carried over from backfill")
	}
}

func TestSession_Bootstrap_SeedsFeedOnlyOnce(t *testing.T) {
	backend := testBackend(t)
	s := testSession(t, backend.URL)

	if err := s.bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap() error = %v", err)
	}
	if err := s.bootstrap(context.Background()); err != nil {
		t.Fatalf("second bootstrap() error = %v", err)
	}
	if got := s.Alerts().Len(); got != 2 {
		t.Errorf("feed length after re-bootstrap = %d, want 2", got)
	}
}

func TestSession_Bootstrap_TopologyFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	s := testSession(t, srv.URL)
	if err := s.bootstrap(context.Background()); err == nil {
		t.Fatal("bootstrap() succeeded with backend down")
	}
}

func TestSession_HandleMetricsUpdate(t *testing.T) {
	backend := testBackend(t)
	s := testSession(t, backend.URL)
	if err := s.bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap() error = %v", err)
	}

	rate := 88.0
	env := envelope(t, wire.TypeMetricsUpdate, "", wire.MetricsUpdate{
		ServiceID: "svc-api",
		Metrics:   &wire.MetricsDelta{RequestRate: &rate},
	})
	if err := s.handleMetricsUpdate(env); err != nil {
		t.Fatalf("handleMetricsUpdate() error = %v", err)
	}

	node, ok := s.Topology().Get("svc-api")
	if !ok {
		t.Fatal("svc-api missing")
	}
	if node.Metrics.RequestRate != 88.0 {
		t.Errorf("RequestRate = %v", node.Metrics.RequestRate)
	}
}

func TestSession_HandleMetricsUpdate_OverviewOnly(t *testing.T) {
	backend := testBackend(t)
	s := testSession(t, backend.URL)
	if err := s.bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap() error = %v", err)
	}

	env := envelope(t, wire.TypeMetricsUpdate, "", wire.MetricsUpdate{
		Overview: &wire.Overview{RequestRate: 300, ActiveConnections: 40},
	})
	if err := s.handleMetricsUpdate(env); err != nil {
		t.Fatalf("handleMetricsUpdate() error = %v", err)
	}

	snap := s.Topology().Snapshot()
	if snap.Overview == nil || snap.Overview.ActiveConnections != 40 {
		t.Errorf("overview = %+v", snap.Overview)
	}
}

func TestSession_HandleMetricsUpdate_FlatOverview(t *testing.T) {
	backend := testBackend(t)
	s := testSession(t, backend.URL)
	if err := s.bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap() error = %v", err)
	}

	// The periodic mesh-wide broadcast carries the overview fields flat in
	// data, with no service_id or nesting.
	env := envelope(t, wire.TypeMetricsUpdate, "", json.RawMessage(`{
		"timestamp": "2026-03-01T10:00:00Z",
		"request_rate": 410.5,
		"error_rate": 1.2,
		"p50_latency": 12,
		"p95_latency": 95,
		"p99_latency": 180,
		"active_connections": 52
	}`))
	if err := s.handleMetricsUpdate(env); err != nil {
		t.Fatalf("handleMetricsUpdate() error = %v", err)
	}

	snap := s.Topology().Snapshot()
	if snap.Overview == nil {
		t.Fatal("flat overview frame did not update the overview")
	}
	if snap.Overview.RequestRate != 410.5 || snap.Overview.P95LatencyMS != 95 || snap.Overview.ActiveConnections != 52 {
		t.Errorf("overview = %+v", snap.Overview)
	}
}

func TestSession_HandleTopologyUpdate_Delta(t *testing.T) {
	backend := testBackend(t)
	s := testSession(t, backend.URL)
	if err := s.bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap() error = %v", err)
	}

	env := envelope(t, wire.TypeTopologyUpdate, "", wire.TopologyUpdate{
		NodesAdded:   []wire.Node{{ID: "svc-db", Name: "postgres", Namespace: "core", Kind: "database"}},
		NodesRemoved: []string{"svc-gw"},
	})
	if err := s.handleTopologyUpdate(env); err != nil {
		t.Fatalf("handleTopologyUpdate() error = %v", err)
	}

	if _, ok := s.Topology().Get("svc-gw"); ok {
		t.Error("svc-gw still present after removal")
	}
	if _, ok := s.Topology().Get("svc-db"); !ok {
		t.Error("svc-db missing after add")
	}
}

func TestSession_HandleAlert(t *testing.T) {
	backend := testBackend(t)
	s := testSession(t, backend.URL)

	bus := s.Bus()
	updates := bus.Subscribe(eventbus.AlertsUpdated)
	defer bus.Unsubscribe(updates)

	env := envelope(t, wire.TypeAlert, "critical", wire.Alert{
		ID:      "al-9",
		Title:   "error rate breach",
		Service: "svc-api",
	})
	if err := s.handleAlert(env); err != nil {
		t.Fatalf("handleAlert() error = %v", err)
	}

	feed := s.Alerts().Snapshot()
	if len(feed) != 1 {
		t.Fatalf("feed length = %d", len(feed))
	}
	got := feed[0]
	if got.ID != "al-9" || got.Severity != "critical" || !got.CreatedAt.Equal(env.Timestamp) {
		t.Errorf("entry = %+v", got)
	}

	select {
	case <-updates:
	case <-time.After(time.Second):
		t.Error("no alerts-updated event published")
	}
}

func TestSession_HandleCertExpiry(t *testing.T) {
	backend := testBackend(t)
	s := testSession(t, backend.URL)

	env := envelope(t, wire.TypeCertExpiryWarning, "", json.RawMessage(
		`{"service": "svc-gw", "namespace": "edge", "days_until_expiry": 21, "expires_at": "2026-03-22T00:00:00Z"}`,
	))
	if err := s.handleCertExpiry(env); err != nil {
		t.Fatalf("handleCertExpiry() error = %v", err)
	}

	feed := s.Alerts().Snapshot()
	if len(feed) != 1 {
		t.Fatalf("feed length = %d", len(feed))
	}
	if feed[0].Severity != alerts.SeverityMedium {
		t.Errorf("severity = %q, want medium for 21 days", feed[0].Severity)
	}
	if want := "certificate for svc-gw expires in 21 days"; feed[0].Title != want {
		t.Errorf("title = %q, want %q", feed[0].Title, want)
	}
}

func TestSession_HandleAlert_MalformedPayload(t *testing.T) {
	backend := testBackend(t)
	s := testSession(t, backend.URL)

	env := wire.Envelope{Type: wire.TypeAlert, Data: json.RawMessage(`"not an object"`)}
	if err := s.handleAlert(env); err == nil {
		t.Fatal("handleAlert() accepted malformed payload")
	}
	if s.Alerts().Len() != 0 {
		t.Error("malformed alert was appended")
	}
}

func TestSession_AcknowledgeAlert(t *testing.T) {
	backend := testBackend(t)
	s := testSession(t, backend.URL)

	s.feed.Append(alerts.Entry{ID: "al-1", Title: "latency spike"})

	// Push channel is idle: the outbound ack is dropped, the local flag
	// still flips.
	if err := s.AcknowledgeAlert("al-1", "rolled back deploy"); err != nil {
		t.Fatalf("AcknowledgeAlert() error = %v", err)
	}

	feed := s.Alerts().Snapshot()
	if !feed[0].Acknowledged || feed[0].AckNotes != "rolled back deploy" {
		t.Errorf("entry = %+v", feed[0])
	}

	if err := s.AcknowledgeAlert("missing", ""); err == nil {
		t.Error("AcknowledgeAlert() accepted unknown id")
	}
}

func TestSession_ReconcilesAfterReconnect(t *testing.T) {
	backend := testBackend(t)
	s := testSession(t, backend.URL)
	if err := s.bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap() error = %v", err)
	}

	// Drift the local graph, then replay the event sequence of a drop and
	// recovery.
	s.handleTopologyUpdate(envelope(t, wire.TypeTopologyUpdate, "", wire.TopologyUpdate{
		NodesRemoved: []string{"svc-api"},
	}))
	if _, ok := s.Topology().Get("svc-api"); ok {
		t.Fatal("svc-api still present after removal")
	}

	ctx := context.Background()
	s.handleConnEvent(ctx, eventbus.Event{Type: eventbus.PushReconnecting})
	s.handleConnEvent(ctx, eventbus.Event{Type: eventbus.PushConnected})

	if _, ok := s.Topology().Get("svc-api"); !ok {
		t.Error("svc-api not restored by reconnect reconcile")
	}
	if !s.Connected() {
		t.Error("Connected() = false after connected event")
	}
}

func TestSession_Status(t *testing.T) {
	backend := testBackend(t)
	s := testSession(t, backend.URL)
	if err := s.bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap() error = %v", err)
	}

	info := s.Status()
	if info.Connected {
		t.Error("Connected = true before any connection")
	}
	if info.Services != 2 || info.Alerts != 2 {
		t.Errorf("status = %+v", info)
	}
}
