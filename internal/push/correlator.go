package push

import (
	"log/slog"
	"sync"

	"github.com/meshview/meshview/pkg/wire"
)

// Correlator matches inbound ack frames to prior outbound requests. Acks
// without a waiting request are logged as pass-through notifications.
type Correlator struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan wire.Ack
}

// NewCorrelator creates an empty correlator.
func NewCorrelator(logger *slog.Logger) *Correlator {
	return &Correlator{
		logger:  logger.With("component", "correlator"),
		pending: make(map[string]chan wire.Ack),
	}
}

// Expect registers interest in an ack for requestID. The returned channel
// receives at most one ack. Call Forget when the caller stops waiting.
func (c *Correlator) Expect(requestID string) <-chan wire.Ack {
	ch := make(chan wire.Ack, 1)
	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()
	return ch
}

// Forget discards a pending expectation.
func (c *Correlator) Forget(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// HandleAck routes an ack envelope to its waiter. It is a router Handler.
func (c *Correlator) HandleAck(env wire.Envelope) error {
	var ack wire.Ack
	if err := wire.DecodeData(env, &ack); err != nil {
		return err
	}

	c.mu.Lock()
	ch, ok := c.pending[ack.RequestID]
	if ok {
		delete(c.pending, ack.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("ack for unknown request", "request_id", ack.RequestID)
		return nil
	}
	ch <- ack
	return nil
}
