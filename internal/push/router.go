package push

import (
	"log/slog"

	"github.com/meshview/meshview/internal/diag"
	"github.com/meshview/meshview/internal/eventbus"
	"github.com/meshview/meshview/pkg/wire"
)

// Handler processes one decoded envelope. Handler errors are logged and
// counted; they never propagate back to the connection.
type Handler func(env wire.Envelope) error

// Router decodes inbound frames and dispatches them by declared type to the
// registered handlers. Downstream stores never see the wire format directly.
// Decode failures and unknown types are counted and surfaced as diagnostics;
// neither ever stops the connection.
type Router struct {
	handlers map[string][]Handler
	bus      *eventbus.Bus
	metrics  *diag.Metrics
	logger   *slog.Logger
}

// NewRouter creates a router with no registered handlers.
func NewRouter(bus *eventbus.Bus, metrics *diag.Metrics, logger *slog.Logger) *Router {
	return &Router{
		handlers: make(map[string][]Handler),
		bus:      bus,
		metrics:  metrics,
		logger:   logger.With("component", "router"),
	}
}

// Register adds a handler for the given message type. Multiple handlers per
// type are invoked in registration order.
func (r *Router) Register(msgType string, h Handler) {
	r.handlers[msgType] = append(r.handlers[msgType], h)
}

// HandleFrame decodes a raw frame and dispatches it. It satisfies
// push.FrameHandler.
func (r *Router) HandleFrame(frame []byte) {
	env, err := wire.Decode(frame)
	if err != nil {
		if err == wire.ErrUnknownType {
			// Forward compatibility: newer backends may emit types this
			// client does not know. Count and move on.
			r.metrics.UnknownTypes.Inc()
			r.logger.Debug("ignoring unknown message type", "type", env.Type)
			return
		}
		r.metrics.DecodeErrors.Inc()
		r.logger.Warn("dropped undecodable frame", "error", err)
		r.bus.PublishType(eventbus.MessageDropped, map[string]string{
			"reason": err.Error(),
			"sample": truncate(frame, 256),
		})
		return
	}

	r.metrics.FramesReceived.WithLabelValues(env.Type).Inc()

	hs, ok := r.handlers[env.Type]
	if !ok {
		// Known type with nothing registered: counted, otherwise ignored.
		r.metrics.UnknownTypes.Inc()
		return
	}
	for _, h := range hs {
		if err := h(env); err != nil {
			r.metrics.HandlerErrors.WithLabelValues(env.Type).Inc()
			r.logger.Warn("handler error", "type", env.Type, "error", err)
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
