package diag

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StateProvider supplies live state to the diagnostics endpoint. Snapshot
// methods return copies; handlers never touch live structures.
type StateProvider interface {
	Status() StatusInfo
	TopologySnapshot() any
	AlertsSnapshot() any
}

// StatusInfo is the response shape of /api/status.
type StatusInfo struct {
	APIURL       string    `json:"api_url"`
	PushURL      string    `json:"push_url"`
	Connected    bool      `json:"connected"`
	Reconnecting bool      `json:"reconnecting"`
	StartedAt    time.Time `json:"started_at"`
	Uptime       string    `json:"uptime"`
	Services     int       `json:"services"`
	Connections  int       `json:"connections"`
	Alerts       int       `json:"alerts"`
}

// Server is the local diagnostics HTTP endpoint: health, Prometheus metrics,
// and JSON views of session state. It binds loopback by default and carries
// no auth.
type Server struct {
	listen   string
	provider StateProvider
	reg      *prometheus.Registry
	logger   *slog.Logger
	srv      *http.Server
}

// NewServer creates a diagnostics server. reg is the registry the session's
// instruments were registered with.
func NewServer(listen string, provider StateProvider, reg *prometheus.Registry, logger *slog.Logger) *Server {
	return &Server{
		listen:   listen,
		provider: provider,
		reg:      reg,
		logger:   logger.With("component", "diag"),
	}
}

// Start begins serving. Non-blocking; serve errors other than a clean close
// are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}

	s.srv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("diag server stopped", "error", err)
		}
	}()

	s.logger.Info("diag server listening", "addr", ln.Addr().String())
	return nil
}

// Close shuts the server down, waiting briefly for in-flight requests.
func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			s.writeJSON(w, s.provider.Status())
		})
		r.Get("/topology", func(w http.ResponseWriter, _ *http.Request) {
			s.writeJSON(w, s.provider.TopologySnapshot())
		})
		r.Get("/alerts", func(w http.ResponseWriter, _ *http.Request) {
			s.writeJSON(w, s.provider.AlertsSnapshot())
		})
	})

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", "error", err)
	}
}
