package alerts

import (
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshview/meshview/internal/diag"
)

func newTestBuffer(t *testing.T, capacity int) *Buffer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewBuffer(capacity, diag.NewMetrics(prometheus.NewRegistry()), logger)
}

func TestBuffer_Append_NewestFirst(t *testing.T) {
	b := newTestBuffer(t, 10)

	b.Append(Entry{ID: "a", Title: "first"})
	b.Append(Entry{ID: "b", Title: "second"})

	snap := b.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
	if snap[0].ID != "b" || snap[1].ID != "a" {
		t.Errorf("expected newest first, got %s then %s", snap[0].ID, snap[1].ID)
	}
}

func TestBuffer_CapacityEviction(t *testing.T) {
	b := newTestBuffer(t, 50)

	for i := 0; i < 60; i++ {
		b.Append(Entry{ID: fmt.Sprintf("alert-%02d", i)})
	}

	snap := b.Snapshot()
	if len(snap) != 50 {
		t.Fatalf("expected exactly 50 entries, got %d", len(snap))
	}
	// The 50 most recent remain, newest first.
	if snap[0].ID != "alert-59" {
		t.Errorf("expected newest alert-59 at front, got %s", snap[0].ID)
	}
	if snap[49].ID != "alert-10" {
		t.Errorf("expected alert-10 as oldest survivor, got %s", snap[49].ID)
	}
}

func TestBuffer_Append_AssignsDefaults(t *testing.T) {
	b := newTestBuffer(t, 10)

	b.Append(Entry{Title: "no id"})

	snap := b.Snapshot()
	if snap[0].ID == "" {
		t.Error("expected generated ID")
	}
	if snap[0].CreatedAt.IsZero() {
		t.Error("expected CreatedAt stamped")
	}
	if snap[0].Severity != SeverityLow {
		t.Errorf("expected default severity low, got %s", snap[0].Severity)
	}
}

func TestBuffer_Acknowledge(t *testing.T) {
	b := newTestBuffer(t, 10)
	b.Append(Entry{ID: "a", Title: "x"})

	if err := b.Acknowledge("a", "looked into it"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := b.Snapshot()
	if !snap[0].Acknowledged {
		t.Error("expected acknowledged flag set")
	}
	if snap[0].AckNotes != "looked into it" {
		t.Errorf("expected notes stored, got %q", snap[0].AckNotes)
	}
}

func TestBuffer_Acknowledge_UnknownID(t *testing.T) {
	b := newTestBuffer(t, 10)

	if err := b.Acknowledge("nope", ""); err == nil {
		t.Fatal("expected error for unknown id")
	}
}

func TestBuffer_Clear(t *testing.T) {
	b := newTestBuffer(t, 10)
	b.Append(Entry{ID: "a"})
	b.Append(Entry{ID: "b"})

	b.Clear()

	if b.Len() != 0 {
		t.Errorf("expected empty buffer, got %d", b.Len())
	}
}

func TestBuffer_SnapshotIsCopy(t *testing.T) {
	b := newTestBuffer(t, 10)
	b.Append(Entry{ID: "a", Title: "original"})

	snap := b.Snapshot()
	snap[0].Title = "mutated"

	if b.Snapshot()[0].Title != "original" {
		t.Error("snapshot mutation leaked into buffer")
	}
}

func TestBuffer_ZeroCapacityUsesDefault(t *testing.T) {
	b := newTestBuffer(t, 0)
	for i := 0; i < DefaultCapacity+5; i++ {
		b.Append(Entry{ID: fmt.Sprintf("a-%d", i)})
	}
	if b.Len() != DefaultCapacity {
		t.Errorf("expected default capacity %d, got %d", DefaultCapacity, b.Len())
	}
}
