// Package session is the main orchestrator that ties together the REST
// client, push channel, router, and in-memory stores.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshview/meshview/internal/alerts"
	"github.com/meshview/meshview/internal/api"
	"github.com/meshview/meshview/internal/auth"
	"github.com/meshview/meshview/internal/config"
	"github.com/meshview/meshview/internal/diag"
	"github.com/meshview/meshview/internal/eventbus"
	"github.com/meshview/meshview/internal/push"
	"github.com/meshview/meshview/internal/topology"
	"github.com/meshview/meshview/pkg/wire"
)

const (
	certLookaheadDays = 30
	anomalySeedLimit  = 25
	ackWaitTimeout    = 10 * time.Second
)

// Session is the dashboard's live state: one push connection, one topology
// store, one alert feed, reconciled against the REST API.
type Session struct {
	cfg     *config.Config
	api     *api.Client
	conn    *push.Conn
	router  *push.Router
	corr    *push.Correlator
	topo    *topology.Store
	feed    *alerts.Buffer
	bus     *eventbus.Bus
	metrics *diag.Metrics
	logger  *slog.Logger

	startedAt time.Time

	mu           sync.Mutex
	connected    bool
	reconnecting bool
}

// New creates a session from configuration and a previously obtained
// credential. If bus is nil, events are not published.
func New(cfg *config.Config, cred auth.Credential, bus *eventbus.Bus, reg prometheus.Registerer, logger *slog.Logger) *Session {
	if bus == nil {
		bus = eventbus.New()
	}
	metrics := diag.NewMetrics(reg)

	s := &Session{
		cfg:       cfg,
		api:       api.NewClient(cfg.API, cred, logger),
		topo:      topology.NewStore(cfg.Dashboard.PendingWindow.Duration, metrics, logger),
		feed:      alerts.NewBuffer(cfg.Dashboard.AlertCapacity, metrics, logger),
		corr:      push.NewCorrelator(logger),
		bus:       bus,
		metrics:   metrics,
		logger:    logger.With("component", "session"),
		startedAt: time.Now(),
	}

	s.router = push.NewRouter(bus, metrics, logger)
	s.router.Register(wire.TypeMetricsUpdate, s.handleMetricsUpdate)
	s.router.Register(wire.TypeTopologyUpdate, s.handleTopologyUpdate)
	s.router.Register(wire.TypeAlert, s.handleAlert)
	s.router.Register(wire.TypeCertExpiryWarning, s.handleCertExpiry)
	s.router.Register(wire.TypeAck, s.corr.HandleAck)

	s.conn = push.NewConn(cfg.Push, cred.AccessToken, s.router.HandleFrame, bus, metrics, logger)
	return s
}

// Bus returns the session's event bus.
func (s *Session) Bus() *eventbus.Bus {
	return s.bus
}

// Topology returns the live graph store.
func (s *Session) Topology() *topology.Store {
	return s.topo
}

// Alerts returns the live alert feed.
func (s *Session) Alerts() *alerts.Buffer {
	return s.feed
}

// Run bootstraps state over REST, opens the push channel, and blocks until
// the context is canceled. State kept flowing by push frames is reconciled
// against REST on every reconnect and on a periodic timer.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Info("starting session",
		"api", s.cfg.API.BaseURL,
		"push", s.cfg.Push.URL,
	)

	if err := s.bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	events := s.bus.Subscribe(
		eventbus.PushConnected,
		eventbus.PushDisconnected,
		eventbus.PushReconnecting,
		eventbus.PushExhausted,
	)
	defer s.bus.Unsubscribe(events)

	s.conn.Connect()
	defer func() {
		s.logger.Info("shutting down session")
		s.conn.Disconnect()
	}()

	ticker := time.NewTicker(s.cfg.Dashboard.RefreshInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			s.handleConnEvent(ctx, ev)
		case <-ticker.C:
			if s.Connected() {
				s.reconcile(ctx)
			}
		}
	}
}

// Connected reports whether the push channel is currently open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Status returns the current session status (implements diag.StateProvider).
func (s *Session) Status() diag.StatusInfo {
	s.mu.Lock()
	connected := s.connected
	reconnecting := s.reconnecting
	s.mu.Unlock()

	snap := s.topo.Snapshot()
	return diag.StatusInfo{
		APIURL:       s.cfg.API.BaseURL,
		PushURL:      s.cfg.Push.URL,
		Connected:    connected,
		Reconnecting: reconnecting,
		StartedAt:    s.startedAt,
		Uptime:       time.Since(s.startedAt).Truncate(time.Second).String(),
		Services:     snap.Summary.TotalServices,
		Connections:  snap.Summary.TotalConnections,
		Alerts:       s.feed.Len(),
	}
}

// TopologySnapshot implements diag.StateProvider.
func (s *Session) TopologySnapshot() any {
	return s.topo.Snapshot()
}

// AlertsSnapshot implements diag.StateProvider.
func (s *Session) AlertsSnapshot() any {
	return s.feed.Snapshot()
}

// AcknowledgeAlert marks an alert acknowledged locally and notifies the
// backend over the push channel, best effort. The local flag flips even when
// the channel is down; the backend reconciles on its side.
func (s *Session) AcknowledgeAlert(id, notes string) error {
	if err := s.feed.Acknowledge(id, notes); err != nil {
		return err
	}
	s.bus.PublishType(eventbus.AlertsUpdated, nil)

	requestID := uuid.New().String()
	ackCh := s.corr.Expect(requestID)
	s.conn.Send(wire.TypeAckSend, wire.AckSend{
		RequestID: requestID,
		AlertID:   id,
		Notes:     notes,
	})

	go func() {
		defer s.corr.Forget(requestID)
		select {
		case ack := <-ackCh:
			if !ack.OK {
				s.logger.Warn("alert ack rejected", "alert_id", id, "error", ack.Error)
			}
		case <-time.After(ackWaitTimeout):
			s.logger.Debug("alert ack unconfirmed", "alert_id", id)
		}
	}()
	return nil
}

// bootstrap loads the full graph, overview, recent anomalies, and expiring
// certificates over REST so the dashboard is populated before the first
// push frame arrives.
func (s *Session) bootstrap(ctx context.Context) error {
	snap, err := s.api.Topology(ctx)
	if err != nil {
		return err
	}
	s.topo.Replace(snap.Nodes, snap.Edges)

	if overview, err := s.api.MetricsOverview(ctx); err != nil {
		s.logger.Warn("metrics overview unavailable", "error", err)
	} else {
		s.topo.SetOverview(overview)
	}

	if s.feed.Len() == 0 {
		s.seedFeed(ctx)
	}

	s.bus.PublishType(eventbus.TopologyUpdated, nil)
	s.bus.PublishType(eventbus.AlertsUpdated, nil)
	s.logger.Info("bootstrapped", "nodes", len(snap.Nodes), "edges", len(snap.Edges))
	return nil
}

// seedFeed backfills the alert feed from REST. Only done while the feed is
// empty: push frames own the feed once it has content, and a later re-seed
// would duplicate entries the feed already holds.
func (s *Session) seedFeed(ctx context.Context) {
	anomalies, err := s.api.RecentAnomalies(ctx, anomalySeedLimit)
	if err != nil {
		s.logger.Warn("anomaly backfill unavailable", "error", err)
	}
	for i := len(anomalies) - 1; i >= 0; i-- {
		a := anomalies[i]
		s.feed.Append(alerts.Entry{
			ID:           a.ID,
			Severity:     a.Severity,
			Title:        anomalyTitle(a.Kind),
			Description:  a.Description,
			Service:      a.Service,
			Namespace:    a.Namespace,
			CreatedAt:    a.Timestamp,
			Acknowledged: a.Acknowledged,
		})
	}

	certs, err := s.api.ExpiringCertificates(ctx, certLookaheadDays)
	if err != nil {
		s.logger.Warn("certificate backfill unavailable", "error", err)
	}
	for _, c := range certs {
		s.feed.Append(certEntry(c.Service, c.Namespace, c.DaysUntilExpiry, ""))
	}
}

// anomalyTitle turns a detection category like "data_exfiltration" into a
// readable feed title.
func anomalyTitle(kind string) string {
	if kind == "" {
		return "anomaly detected"
	}
	return strings.ReplaceAll(kind, "_", " ")
}

// reconcile refreshes graph and overview from REST to catch anything the
// push channel missed. Failures are logged and retried on the next cycle.
func (s *Session) reconcile(ctx context.Context) {
	snap, err := s.api.Topology(ctx)
	if err != nil {
		s.logger.Warn("reconcile failed", "error", err)
		return
	}
	s.topo.Replace(snap.Nodes, snap.Edges)

	if overview, err := s.api.MetricsOverview(ctx); err == nil {
		s.topo.SetOverview(overview)
	}

	s.bus.PublishType(eventbus.TopologyUpdated, nil)
	s.logger.Debug("reconciled", "nodes", len(snap.Nodes), "edges", len(snap.Edges))
}

func (s *Session) handleConnEvent(ctx context.Context, ev eventbus.Event) {
	s.mu.Lock()
	wasReconnecting := s.reconnecting
	switch ev.Type {
	case eventbus.PushConnected:
		s.connected = true
		s.reconnecting = false
	case eventbus.PushReconnecting:
		s.connected = false
		s.reconnecting = true
	case eventbus.PushDisconnected, eventbus.PushExhausted:
		s.connected = false
		s.reconnecting = false
	}
	s.mu.Unlock()

	if ev.Type == eventbus.PushConnected {
		s.conn.Send(wire.TypeSubscribe, wire.Subscribe{
			Topics: []string{"metrics", "topology", "alerts", "certificates"},
		})
		// A connection that recovered may have missed frames while down.
		if wasReconnecting {
			s.reconcile(ctx)
		}
	}
	if ev.Type == eventbus.PushExhausted {
		s.logger.Error("push channel gave up; REST reconcile continues on the refresh timer")
	}
}

func (s *Session) handleMetricsUpdate(env wire.Envelope) error {
	var upd wire.MetricsUpdate
	if err := wire.DecodeData(env, &upd); err != nil {
		return fmt.Errorf("unmarshal metrics update: %w", err)
	}

	if upd.Overview != nil {
		s.topo.SetOverview(*upd.Overview)
	}
	if upd.ServiceID != "" && upd.Metrics != nil {
		s.topo.ApplyMetrics(upd.ServiceID, *upd.Metrics, env.Timestamp)
	}

	s.bus.PublishType(eventbus.TopologyUpdated, nil)
	return nil
}

func (s *Session) handleTopologyUpdate(env wire.Envelope) error {
	var upd wire.TopologyUpdate
	if err := wire.DecodeData(env, &upd); err != nil {
		return fmt.Errorf("unmarshal topology update: %w", err)
	}

	s.topo.ApplyUpdate(upd)
	s.bus.PublishType(eventbus.TopologyUpdated, nil)
	return nil
}

func (s *Session) handleAlert(env wire.Envelope) error {
	var a wire.Alert
	if err := wire.DecodeData(env, &a); err != nil {
		return fmt.Errorf("unmarshal alert: %w", err)
	}

	s.feed.Append(alerts.Entry{
		ID:          a.ID,
		Severity:    env.Severity,
		Title:       a.Title,
		Description: a.Description,
		Service:     a.Service,
		Namespace:   a.Namespace,
		CreatedAt:   env.Timestamp,
	})
	s.bus.PublishType(eventbus.AlertsUpdated, nil)
	return nil
}

func (s *Session) handleCertExpiry(env wire.Envelope) error {
	var warn wire.CertExpiryWarning
	if err := wire.DecodeData(env, &warn); err != nil {
		return fmt.Errorf("unmarshal cert expiry warning: %w", err)
	}

	e := certEntry(warn.Service, warn.Namespace, warn.DaysUntilExpiry, env.Severity)
	e.CreatedAt = env.Timestamp
	s.feed.Append(e)
	s.bus.PublishType(eventbus.AlertsUpdated, nil)
	return nil
}

func certEntry(service, namespace string, days int, severity string) alerts.Entry {
	if severity == "" {
		switch {
		case days <= 7:
			severity = alerts.SeverityCritical
		case days <= 14:
			severity = alerts.SeverityHigh
		default:
			severity = alerts.SeverityMedium
		}
	}
	return alerts.Entry{
		Severity:  severity,
		Title:     fmt.Sprintf("certificate for %s expires in %d days", service, days),
		Service:   service,
		Namespace: namespace,
	}
}
