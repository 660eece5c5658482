package push

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/meshview/meshview/internal/diag"
	"github.com/meshview/meshview/internal/eventbus"
	"github.com/meshview/meshview/pkg/wire"
)

func newTestRouter(t *testing.T) (*Router, *eventbus.Bus, *diag.Metrics) {
	t.Helper()
	bus := eventbus.New()
	m := diag.NewMetrics(prometheus.NewRegistry())
	return NewRouter(bus, m, testLogger()), bus, m
}

func TestRouter_DispatchByType(t *testing.T) {
	r, _, _ := newTestRouter(t)

	var gotMetrics, gotAlerts []wire.Envelope
	r.Register(wire.TypeMetricsUpdate, func(env wire.Envelope) error {
		gotMetrics = append(gotMetrics, env)
		return nil
	})
	r.Register(wire.TypeAlert, func(env wire.Envelope) error {
		gotAlerts = append(gotAlerts, env)
		return nil
	})

	r.HandleFrame([]byte(`{"type":"metrics_update","data":{"service_id":"a"}}`))
	r.HandleFrame([]byte(`{"type":"alert","severity":"high","data":{"title":"x"}}`))

	if len(gotMetrics) != 1 {
		t.Errorf("expected 1 metrics envelope, got %d", len(gotMetrics))
	}
	if len(gotAlerts) != 1 {
		t.Errorf("expected 1 alert envelope, got %d", len(gotAlerts))
	}
	if len(gotAlerts) == 1 && gotAlerts[0].Severity != "high" {
		t.Errorf("expected severity high, got %s", gotAlerts[0].Severity)
	}
}

func TestRouter_MalformedFrameDropped(t *testing.T) {
	r, bus, m := newTestRouter(t)
	dropped := bus.Subscribe(eventbus.MessageDropped)

	r.Register(wire.TypeAlert, func(wire.Envelope) error { return nil })

	r.HandleFrame([]byte(`{not json`))
	r.HandleFrame([]byte(`{"timestamp":"2026-01-01T00:00:00Z"}`)) // missing type

	if got := testutil.ToFloat64(m.DecodeErrors); got != 2 {
		t.Errorf("expected 2 decode errors, got %v", got)
	}

	select {
	case <-dropped:
	case <-time.After(time.Second):
		t.Fatal("expected a message.dropped diagnostic")
	}

	// Pipeline keeps working after bad frames.
	r.HandleFrame([]byte(`{"type":"alert","data":{"title":"still alive"}}`))
	if got := testutil.ToFloat64(m.FramesReceived.WithLabelValues(wire.TypeAlert)); got != 1 {
		t.Errorf("expected alert frame processed after decode errors, got %v", got)
	}
}

func TestRouter_UnknownTypeIgnored(t *testing.T) {
	r, _, m := newTestRouter(t)

	// Future message types must not break older clients.
	r.HandleFrame([]byte(`{"type":"hologram_update","data":{}}`))

	if got := testutil.ToFloat64(m.UnknownTypes); got != 1 {
		t.Errorf("expected 1 unknown type, got %v", got)
	}
	if got := testutil.ToFloat64(m.DecodeErrors); got != 0 {
		t.Errorf("unknown type must not count as decode error, got %v", got)
	}
}

func TestRouter_HandlerErrorCountedNotFatal(t *testing.T) {
	r, _, m := newTestRouter(t)

	calls := 0
	r.Register(wire.TypeAlert, func(wire.Envelope) error {
		calls++
		return errors.New("boom")
	})

	r.HandleFrame([]byte(`{"type":"alert","data":{}}`))
	r.HandleFrame([]byte(`{"type":"alert","data":{}}`))

	if calls != 2 {
		t.Errorf("expected handler still invoked after error, got %d calls", calls)
	}
	if got := testutil.ToFloat64(m.HandlerErrors.WithLabelValues(wire.TypeAlert)); got != 2 {
		t.Errorf("expected 2 handler errors, got %v", got)
	}
}

func TestRouter_MultipleHandlersPerType(t *testing.T) {
	r, _, _ := newTestRouter(t)

	order := []string{}
	r.Register(wire.TypeTopologyUpdate, func(wire.Envelope) error {
		order = append(order, "first")
		return nil
	})
	r.Register(wire.TypeTopologyUpdate, func(wire.Envelope) error {
		order = append(order, "second")
		return nil
	})

	r.HandleFrame([]byte(`{"type":"topology_update","data":{}}`))

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("expected handlers in registration order, got %v", order)
	}
}

func TestCorrelator_AckDelivered(t *testing.T) {
	c := NewCorrelator(testLogger())
	ch := c.Expect("req-1")

	env := wire.Envelope{Type: wire.TypeAck, Data: []byte(`{"request_id":"req-1","ok":true}`)}
	if err := c.HandleAck(env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case ack := <-ch:
		if !ack.OK {
			t.Error("expected ok ack")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ack")
	}
}

func TestCorrelator_UnknownAckIsPassThrough(t *testing.T) {
	c := NewCorrelator(testLogger())

	env := wire.Envelope{Type: wire.TypeAck, Data: []byte(`{"request_id":"nobody","ok":false}`)}
	if err := c.HandleAck(env); err != nil {
		t.Errorf("unexpected error for unmatched ack: %v", err)
	}
}

func TestCorrelator_Forget(t *testing.T) {
	c := NewCorrelator(testLogger())
	ch := c.Expect("req-2")
	c.Forget("req-2")

	env := wire.Envelope{Type: wire.TypeAck, Data: []byte(`{"request_id":"req-2","ok":true}`)}
	_ = c.HandleAck(env)

	select {
	case <-ch:
		t.Error("expected no delivery after Forget")
	default:
	}
}
