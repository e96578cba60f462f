// Package testutil holds helpers shared by package tests: a manual clock and
// a store opened against it.
package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/kalambet/runq/internal/storage"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// OpenStore opens an in-memory store driven by clock. A nil clock uses wall time.
func OpenStore(t *testing.T, clock *Clock) *storage.Store {
	t.Helper()
	var opts []storage.Option
	if clock != nil {
		opts = append(opts, storage.WithClock(clock.Now))
	}
	s, err := storage.Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// OpenFileStore is OpenStore backed by a database file in a temp dir, for
// tests that open several handles on the same database.
func OpenFileStore(t *testing.T, dir string, clock *Clock) *storage.Store {
	t.Helper()
	var opts []storage.Option
	if clock != nil {
		opts = append(opts, storage.WithClock(clock.Now))
	}
	s, err := storage.Open(dir, opts...)
	if err != nil {
		t.Fatalf("Open(%s) failed: %v", dir, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// SeedRun creates a run and enqueues docs, failing the test on error.
func SeedRun(t *testing.T, s *storage.Store, runID string, docs ...string) {
	t.Helper()
	ctx := t.Context()
	if _, err := s.EnsureRun(ctx, runID, "{}"); err != nil {
		t.Fatalf("EnsureRun: %v", err)
	}
	if _, err := s.EnqueueBatch(ctx, runID, docs); err != nil {
		t.Fatalf("EnqueueBatch: %v", err)
	}
}
