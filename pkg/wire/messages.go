// Package wire defines the push-channel wire protocol between meshview and
// the mesh control plane.
//
// All frames are JSON-encoded text messages sharing a common envelope with a
// "type" field that determines the payload structure. The set of inbound
// types is closed: frames with an unrecognized type are counted and ignored
// so that newer backends never break older clients.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Inbound message types.
const (
	TypeMetricsUpdate     = "metrics_update"
	TypeTopologyUpdate    = "topology_update"
	TypeAlert             = "alert"
	TypeCertExpiryWarning = "cert_expiry_warning"
	TypeAck               = "ack"
)

// Outbound message types.
const (
	TypeAckSend   = "ack"
	TypeSubscribe = "subscribe"
)

// ErrUnknownType is returned by Decode for a well-formed frame whose type is
// not part of the closed inbound set.
var ErrUnknownType = errors.New("unknown message type")

// Envelope is the top-level wire format for all push-channel messages.
// Timestamp is event time assigned by the producer, not receipt time.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Severity  string          `json:"severity,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Decode parses a raw text frame into an Envelope. It fails on malformed
// JSON or a missing type, and returns ErrUnknownType (with the envelope
// still populated) for types outside the closed set.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.New("decode frame: missing type")
	}
	switch env.Type {
	case TypeMetricsUpdate, TypeTopologyUpdate, TypeAlert, TypeCertExpiryWarning, TypeAck:
		return env, nil
	default:
		return env, ErrUnknownType
	}
}

// Node is one mesh workload as it appears on the wire and in REST snapshots.
type Node struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Namespace string            `json:"namespace"`
	Kind      string            `json:"type,omitempty"` // gateway/frontend/backend/database/cache/auth/other
	Labels    map[string]string `json:"labels,omitempty"`
	Metrics   *MetricsDelta     `json:"metrics,omitempty"`
}

// Edge is a directed service-to-service relationship with its observed
// traffic rate.
type Edge struct {
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	RequestRate float64 `json:"request_rate"`
}

// EdgeKey identifies an edge for removal.
type EdgeKey struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// MetricsDelta is a partial per-service metrics update. Nil fields were
// absent from the frame and must leave the stored value untouched
// (field-level last-write-wins).
type MetricsDelta struct {
	RequestRate  *float64 `json:"request_rate,omitempty"`
	ErrorRate    *float64 `json:"error_rate,omitempty"`
	P95LatencyMS *float64 `json:"p95_latency_ms,omitempty"`
	MTLS         *bool    `json:"mtls,omitempty"`
}

// MetricsUpdate is the payload of a metrics_update frame. When ServiceID is
// empty the frame carries a mesh-wide overview instead of a per-service
// delta.
type MetricsUpdate struct {
	ServiceID string        `json:"service_id,omitempty"`
	Metrics   *MetricsDelta `json:"metrics,omitempty"`
	Overview  *Overview     `json:"overview,omitempty"`
}

// UnmarshalJSON accepts both payload shapes the backend produces: per-service
// deltas nested under service_id/metrics, and the periodic mesh-wide roll-up
// whose overview fields sit flat at the top level of data.
func (u *MetricsUpdate) UnmarshalJSON(data []byte) error {
	var raw struct {
		ServiceID string        `json:"service_id"`
		Metrics   *MetricsDelta `json:"metrics"`
		Overview  *Overview     `json:"overview"`

		RequestRate       *float64 `json:"request_rate"`
		ErrorRate         *float64 `json:"error_rate"`
		P50Latency        *float64 `json:"p50_latency"`
		P95Latency        *float64 `json:"p95_latency"`
		P99Latency        *float64 `json:"p99_latency"`
		ActiveConnections *int     `json:"active_connections"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	u.ServiceID = raw.ServiceID
	u.Metrics = raw.Metrics
	u.Overview = raw.Overview
	if u.Overview != nil || u.ServiceID != "" {
		return nil
	}
	if raw.RequestRate == nil && raw.ErrorRate == nil && raw.P50Latency == nil &&
		raw.P95Latency == nil && raw.P99Latency == nil && raw.ActiveConnections == nil {
		return nil
	}

	o := &Overview{}
	if raw.RequestRate != nil {
		o.RequestRate = *raw.RequestRate
	}
	if raw.ErrorRate != nil {
		o.ErrorRate = *raw.ErrorRate
	}
	if raw.P50Latency != nil {
		o.P50LatencyMS = *raw.P50Latency
	}
	if raw.P95Latency != nil {
		o.P95LatencyMS = *raw.P95Latency
	}
	if raw.P99Latency != nil {
		o.P99LatencyMS = *raw.P99Latency
	}
	if raw.ActiveConnections != nil {
		o.ActiveConnections = *raw.ActiveConnections
	}
	u.Overview = o
	return nil
}

// Overview is the mesh-wide metrics roll-up produced by the backend. Latency
// keys carry no unit suffix on the wire; the values are milliseconds.
type Overview struct {
	RequestRate       float64 `json:"request_rate"`
	ErrorRate         float64 `json:"error_rate"`
	P50LatencyMS      float64 `json:"p50_latency"`
	P95LatencyMS      float64 `json:"p95_latency"`
	P99LatencyMS      float64 `json:"p99_latency"`
	ActiveConnections int     `json:"active_connections"`
}

// TopologyUpdate is the payload of a topology_update frame. The backend
// broadcasts either the full graph (Nodes/Edges populated, treated as a
// replacement) or an incremental delta.
type TopologyUpdate struct {
	Nodes []Node `json:"nodes,omitempty"`
	Edges []Edge `json:"edges,omitempty"`

	NodesAdded   []Node    `json:"nodes_added,omitempty"`
	NodesRemoved []string  `json:"nodes_removed,omitempty"`
	EdgesAdded   []Edge    `json:"edges_added,omitempty"`
	EdgesRemoved []EdgeKey `json:"edges_removed,omitempty"`
}

// IsFull reports whether the update replaces the whole graph.
func (u TopologyUpdate) IsFull() bool {
	return len(u.Nodes) > 0 || len(u.Edges) > 0
}

// Alert is the payload of an alert frame. Severity rides on the envelope.
type Alert struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Service     string `json:"service,omitempty"`
	Namespace   string `json:"namespace,omitempty"`
}

// CertExpiryWarning is the payload of a cert_expiry_warning frame. The
// backend broadcasts the certificate record itself.
type CertExpiryWarning struct {
	Service         string    `json:"service"`
	Namespace       string    `json:"namespace"`
	DaysUntilExpiry int       `json:"days_until_expiry"`
	ExpiresAt       time.Time `json:"expires_at,omitempty"`
}

// Ack is the payload of an ack frame, correlating a prior outbound request.
type Ack struct {
	RequestID string `json:"request_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// AckSend is the outbound acknowledgement of a received alert.
type AckSend struct {
	RequestID string `json:"request_id"`
	AlertID   string `json:"alert_id,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// Subscribe declares which event topics the client wants pushed.
type Subscribe struct {
	Topics []string `json:"topics"`
}

// Outbound wraps an outbound payload in the shared envelope shape.
func Outbound(msgType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(Envelope{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	})
}

// DecodeData unmarshals the envelope payload into v.
func DecodeData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return errors.New("empty payload")
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return nil
}
