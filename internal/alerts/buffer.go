// Package alerts maintains the bounded, newest-first feed of operational
// alert entries. The buffer owns its entries exclusively; observers only
// ever receive copies.
package alerts

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshview/meshview/internal/diag"
)

// DefaultCapacity is the buffer size when none is configured.
const DefaultCapacity = 50

// Severity levels, lowest to highest.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Entry is one alert or warning in the feed. Only the acknowledgement flag
// and notes ever change after insertion.
type Entry struct {
	ID           string    `json:"id"`
	Severity     string    `json:"severity"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Service      string    `json:"service,omitempty"`
	Namespace    string    `json:"namespace,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Acknowledged bool      `json:"acknowledged"`
	AckNotes     string    `json:"ack_notes,omitempty"`
}

// Buffer is a fixed-capacity, insertion-ordered alert feed, newest first.
// Capacity pressure evicts the oldest entry silently; loss of low-priority
// history is accepted.
type Buffer struct {
	logger   *slog.Logger
	metrics  *diag.Metrics
	capacity int

	mu      sync.RWMutex
	entries []Entry // index 0 is newest
}

// NewBuffer creates a buffer with the given capacity (DefaultCapacity if
// zero or negative).
func NewBuffer(capacity int, metrics *diag.Metrics, logger *slog.Logger) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		logger:   logger.With("component", "alerts"),
		metrics:  metrics,
		capacity: capacity,
		entries:  make([]Entry, 0, capacity),
	}
}

// Append inserts an entry at the front. Entries without an ID get one
// assigned; a zero CreatedAt is stamped with the current time.
func (b *Buffer) Append(e Entry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Severity == "" {
		e.Severity = SeverityLow
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append([]Entry{e}, b.entries...)
	for len(b.entries) > b.capacity {
		evicted := b.entries[len(b.entries)-1]
		b.entries = b.entries[:len(b.entries)-1]
		b.metrics.AlertsEvicted.Inc()
		b.logger.Debug("alert evicted by capacity pressure", "id", evicted.ID)
	}
}

// Acknowledge flips the acknowledgement flag in place. An unknown id is
// reported, not fatal.
func (b *Buffer) Acknowledge(id, notes string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.entries {
		if b.entries[i].ID == id {
			b.entries[i].Acknowledged = true
			b.entries[i].AckNotes = notes
			return nil
		}
	}
	return fmt.Errorf("alert %s not found", id)
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = b.entries[:0]
}

// Snapshot returns an immutable ordered view, newest first.
func (b *Buffer) Snapshot() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Len returns the current number of entries.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
