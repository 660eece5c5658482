// Package push owns the persistent push-channel connection to the mesh
// backend: the connection lifecycle state machine with bounded reconnection,
// and the router that dispatches inbound frames to the in-memory stores.
package push

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshview/meshview/internal/config"
	"github.com/meshview/meshview/internal/diag"
	"github.com/meshview/meshview/internal/eventbus"
	"github.com/meshview/meshview/pkg/wire"
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// FrameHandler consumes raw inbound frames. It must not block: decode and
// merge are synchronous, bounded-time operations.
type FrameHandler func(frame []byte)

// Conn maintains exactly zero or one live push-channel connection and
// recovers automatically from unexpected closure, with exponential backoff
// capped at the configured maximum and a bounded number of attempts.
// Exhaustion is terminal until an explicit Connect.
type Conn struct {
	cfg     config.PushConfig
	token   string
	handler FrameHandler
	bus     *eventbus.Bus
	metrics *diag.Metrics
	logger  *slog.Logger

	mu             sync.Mutex
	state          State
	attempts       int
	delay          time.Duration
	gen            uint64 // increments per dial and per disconnect; stale callbacks are no-ops
	ws             *websocket.Conn
	reconnectTimer *time.Timer
}

// NewConn creates a connection manager in the Idle state. token, when
// non-empty, is sent as a bearer Authorization header on the handshake.
func NewConn(cfg config.PushConfig, token string, handler FrameHandler, bus *eventbus.Bus, metrics *diag.Metrics, logger *slog.Logger) *Conn {
	return &Conn{
		cfg:     cfg,
		token:   token,
		handler: handler,
		bus:     bus,
		metrics: metrics,
		logger:  logger.With("component", "push"),
		state:   StateIdle,
		delay:   cfg.ReconnectInterval.Duration,
	}
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect begins the handshake. It is a no-op while already Open or
// Connecting. A fresh Connect resets the attempt budget, so it is also the
// explicit recovery path after exhaustion.
func (c *Conn) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateOpen || c.state == StateConnecting {
		return
	}
	c.stopReconnectTimerLocked()
	c.attempts = 0
	c.delay = c.cfg.ReconnectInterval.Duration
	c.startDialLocked()
}

// Disconnect cancels any pending reconnection, tears down the transport and
// transitions to the terminal Closed state. Safe to call multiple times; the
// disconnected notification fires at most once per actual transition.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	hadTimer := c.reconnectTimer != nil
	c.stopReconnectTimerLocked()
	transitioned := c.state != StateClosed && c.state != StateIdle || hadTimer

	// Invalidate in-flight dials and read loops of the superseded connection.
	c.gen++
	ws := c.ws
	c.ws = nil
	if ws != nil {
		c.setStateLocked(StateClosing)
	}
	c.setStateLocked(StateClosed)
	c.mu.Unlock()

	if ws != nil {
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"))
		_ = ws.Close()
	}

	if transitioned {
		c.logger.Info("push channel disconnected")
		c.bus.PublishType(eventbus.PushDisconnected, nil)
	}
}

// Send marshals and writes an outbound message. Payloads are silently
// dropped unless the connection is Open — at-most-once, best-effort delivery
// for non-critical client-to-server signals.
func (c *Conn) Send(msgType string, data any) {
	frame, err := wire.Outbound(msgType, data)
	if err != nil {
		c.logger.Warn("marshal outbound message", "type", msgType, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen || c.ws == nil {
		c.metrics.SendsDropped.Inc()
		c.logger.Debug("dropped outbound message, channel not open", "type", msgType, "state", c.state.String())
		return
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.logger.Warn("write outbound message", "type", msgType, "error", err)
	}
}

// --- internal ---

func (c *Conn) setStateLocked(s State) {
	c.state = s
	c.metrics.ConnectionState.Set(float64(s))
}

func (c *Conn) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// startDialLocked transitions to Connecting and dials on a fresh generation.
func (c *Conn) startDialLocked() {
	c.setStateLocked(StateConnecting)
	c.gen++
	go c.dial(c.gen)
}

func (c *Conn) dial(gen uint64) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout.Duration,
	}
	if c.cfg.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	ws, resp, err := dialer.Dial(c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c.mu.Lock()
	if gen != c.gen || c.state != StateConnecting {
		// Superseded by Disconnect while dialing.
		c.mu.Unlock()
		if ws != nil {
			_ = ws.Close()
		}
		return
	}

	if err != nil {
		c.logger.Warn("push channel dial failed", "url", c.cfg.URL, "error", err)
		c.bus.PublishType(eventbus.PushError, map[string]string{"error": err.Error()})
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}

	c.ws = ws
	c.setStateLocked(StateOpen)
	c.attempts = 0
	c.delay = c.cfg.ReconnectInterval.Duration
	c.mu.Unlock()

	c.logger.Info("push channel connected", "url", c.cfg.URL)
	c.bus.PublishType(eventbus.PushConnected, nil)

	go c.readLoop(gen, ws)
}

func (c *Conn) readLoop(gen uint64, ws *websocket.Conn) {
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			c.handleTransportClose(gen, err)
			return
		}
		c.handler(frame)
	}
}

// handleTransportClose reacts to a read error on the given generation.
// Errors from superseded connections (after Disconnect) are no-ops.
func (c *Conn) handleTransportClose(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateOpen {
		c.mu.Unlock()
		return
	}

	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
	c.logger.Warn("push channel transport closed", "error", err)
	c.bus.PublishType(eventbus.PushError, map[string]string{"error": err.Error()})
	c.scheduleReconnectLocked()
	c.mu.Unlock()
}

// scheduleReconnectLocked transitions to Closed and either arms the backoff
// timer for the next attempt or reports exhaustion.
func (c *Conn) scheduleReconnectLocked() {
	c.setStateLocked(StateClosed)

	if c.attempts >= c.cfg.MaxAttempts {
		c.logger.Warn("reconnect attempts exhausted", "attempts", c.attempts)
		c.bus.PublishType(eventbus.PushExhausted, map[string]int{"attempts": c.attempts})
		return
	}

	delay := c.delay
	c.attempts++
	c.delay *= 2
	if c.delay > c.cfg.MaxReconnectDelay.Duration {
		c.delay = c.cfg.MaxReconnectDelay.Duration
	}

	c.metrics.Reconnects.Inc()
	c.logger.Info("reconnecting", "attempt", c.attempts, "max", c.cfg.MaxAttempts, "delay", delay)
	c.bus.PublishType(eventbus.PushReconnecting, map[string]any{
		"attempt": c.attempts,
		"delay":   delay.String(),
	})

	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state != StateClosed || c.reconnectTimer == nil {
			return
		}
		c.reconnectTimer = nil
		c.startDialLocked()
	})
}
