// Package diag exposes meshview's self-diagnostics: Prometheus instruments
// for the sync pipeline and a small local HTTP server serving health, metrics
// and read-only state snapshots.
package diag

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the sync core.
type Metrics struct {
	FramesReceived  *prometheus.CounterVec
	DecodeErrors    prometheus.Counter
	UnknownTypes    prometheus.Counter
	HandlerErrors   *prometheus.CounterVec
	Reconnects      prometheus.Counter
	SendsDropped    prometheus.Counter
	AlertsEvicted   prometheus.Counter
	PendingExpired  *prometheus.CounterVec
	ConnectionState prometheus.Gauge
}

// NewMetrics registers all instruments on the given registerer and returns
// them. Passing a fresh registry keeps tests independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshview_frames_received_total",
			Help: "Total push-channel frames received, by message type",
		}, []string{"type"}),

		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshview_decode_errors_total",
			Help: "Total frames dropped because they failed to decode",
		}),

		UnknownTypes: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshview_unknown_type_total",
			Help: "Total well-formed frames ignored for carrying an unknown type",
		}),

		HandlerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshview_handler_errors_total",
			Help: "Total dispatch handler failures, by message type",
		}, []string{"type"}),

		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshview_reconnects_total",
			Help: "Total scheduled push-channel reconnection attempts",
		}),

		SendsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshview_sends_dropped_total",
			Help: "Total outbound payloads dropped because the channel was not open",
		}),

		AlertsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshview_alerts_evicted_total",
			Help: "Total alert entries evicted by capacity pressure",
		}),

		PendingExpired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshview_pending_expired_total",
			Help: "Total pending updates expired unresolved, by kind (edge or metrics)",
		}, []string{"kind"}),

		ConnectionState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshview_connection_state",
			Help: "Push-channel state: 0 idle, 1 connecting, 2 open, 3 closing, 4 closed",
		}),
	}
}
