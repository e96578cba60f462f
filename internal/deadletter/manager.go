// Package deadletter is the operator-facing side of permanent failures:
// inspecting dead letters, sending them back to the queue, and purging old
// ones. Items are moved into the dead-letter table by the queue's fail
// transition, in the same transaction that records the final attempt.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/runq/internal/storage"
)

// ErrNotFound is returned by Retry when the document has no open dead letter.
var ErrNotFound = errors.New("dead letter not found")

// Store is the dead-letter subset of the coordination store.
type Store interface {
	ListDeadLetters(ctx context.Context, f storage.DeadLetterFilter) ([]storage.DeadLetterEntry, error)
	GetDeadLetter(ctx context.Context, id string) (storage.DeadLetterEntry, error)
	RequeueDeadLetter(ctx context.Context, runID, documentID, actor string) (storage.DeadLetterEntry, error)
	RequeueRun(ctx context.Context, runID, actor string) (int, error)
	PurgeDeadLetters(ctx context.Context, olderThan time.Duration, actor string) (int, error)
	AuditTrail(ctx context.Context, runID, documentID string) ([]storage.AuditEntry, error)
	DeadLetterCounts(ctx context.Context) (map[string]int, error)
}

// Manager runs operator actions against dead letters. Actor names who is
// acting and is written to the audit trail.
type Manager struct {
	store  Store
	logger *slog.Logger
}

func NewManager(store Store) *Manager {
	return &Manager{store: store, logger: slog.Default()}
}

// List returns dead letters matching f, newest first.
func (m *Manager) List(ctx context.Context, f storage.DeadLetterFilter) ([]storage.DeadLetterEntry, error) {
	entries, err := m.store.ListDeadLetters(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	return entries, nil
}

// Get returns a single dead letter by id.
func (m *Manager) Get(ctx context.Context, id string) (storage.DeadLetterEntry, error) {
	d, err := m.store.GetDeadLetter(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.DeadLetterEntry{}, ErrNotFound
	}
	return d, err
}

// Retry sends the document back to the queue as a fresh pending item with a
// reset attempt count. The dead letter is kept, marked requeued.
func (m *Manager) Retry(ctx context.Context, runID, documentID, actor string) (storage.DeadLetterEntry, error) {
	entry, err := m.store.RequeueDeadLetter(ctx, runID, documentID, actor)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.DeadLetterEntry{}, ErrNotFound
	}
	if err != nil {
		return storage.DeadLetterEntry{}, fmt.Errorf("retrying %s: %w", documentID, err)
	}
	m.logger.Info("dead letter requeued", "run_id", runID, "document_id", documentID, "actor", actor)
	return entry, nil
}

// RetryAll requeues every open dead letter of the run.
func (m *Manager) RetryAll(ctx context.Context, runID, actor string) (int, error) {
	n, err := m.store.RequeueRun(ctx, runID, actor)
	if err != nil {
		return 0, fmt.Errorf("retrying dead letters of run %s: %w", runID, err)
	}
	m.logger.Info("dead letters requeued", "run_id", runID, "count", n, "actor", actor)
	return n, nil
}

// Purge deletes dead letters whose last failure is older than olderThan.
func (m *Manager) Purge(ctx context.Context, olderThan time.Duration, actor string) (int, error) {
	if olderThan < 0 {
		return 0, fmt.Errorf("purge window must not be negative, got %s", olderThan)
	}
	n, err := m.store.PurgeDeadLetters(ctx, olderThan, actor)
	if err != nil {
		return 0, fmt.Errorf("purging dead letters: %w", err)
	}
	if n > 0 {
		m.logger.Info("dead letters purged", "count", n, "older_than", olderThan, "actor", actor)
	}
	return n, nil
}

// Audit returns the manual actions taken on a run's dead letters.
func (m *Manager) Audit(ctx context.Context, runID, documentID string) ([]storage.AuditEntry, error) {
	return m.store.AuditTrail(ctx, runID, documentID)
}

// Counts returns open dead letters per run.
func (m *Manager) Counts(ctx context.Context) (map[string]int, error) {
	return m.store.DeadLetterCounts(ctx)
}
