// Package queue is the per-run work queue: atomic claiming, heartbeats,
// completion and failure routing, plus the two sweeps that recover work from
// dead or stuck workers. All state lives in the shared store; a Queue holds
// nothing but configuration.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kalambet/runq/internal/storage"
)

// Status is the outcome of an operation on a claim the caller believes it owns.
type Status int

const (
	StatusOK Status = iota
	// StatusLost means the claim was reclaimed by someone else. The caller
	// must abandon its in-flight work.
	StatusLost
)

func (s Status) String() string {
	if s == StatusOK {
		return "ok"
	}
	return "lost"
}

// EnqueueResult reports whether an enqueue created a new work item.
type EnqueueResult int

const (
	Inserted EnqueueResult = iota
	AlreadyExists
)

func (r EnqueueResult) String() string {
	if r == Inserted {
		return "inserted"
	}
	return "already_exists"
}

// Failure routing outcomes, re-exported so callers need not import storage.
const (
	Lost         = storage.FailLost
	Retried      = storage.FailRetried
	DeadLettered = storage.FailDeadLettered
)

// Store is the subset of the coordination store the queue drives.
type Store interface {
	ClaimNext(ctx context.Context, runID, workerID string, claimTimeout time.Duration) (*storage.WorkItem, error)
	Begin(ctx context.Context, c storage.Claim) (bool, error)
	Heartbeat(ctx context.Context, c storage.Claim) (bool, error)
	Complete(ctx context.Context, c storage.Claim) (storage.Terminal, error)
	Fail(ctx context.Context, in storage.FailInput) (storage.FailResult, error)
	EnqueueBatch(ctx context.Context, runID string, documentIDs []string) (int, error)
	ReclaimExpired(ctx context.Context, runID string, claimTimeout time.Duration, maxReclaims int) ([]storage.Reclaim, error)
	ListStale(ctx context.Context, runID string, threshold time.Duration) ([]storage.WorkItem, error)
}

// Options are the queue's timing and retry knobs.
type Options struct {
	// ClaimTimeout is how long a claim may go without a heartbeat before any
	// worker may reclaim it.
	ClaimTimeout time.Duration
	// MaxRetries is how many times a retryable failure re-queues an item
	// before the next failure dead-letters it.
	MaxRetries int
	// StaleThreshold bounds how long a claim may be held at all, heartbeats
	// notwithstanding. Zero disables the watchdog.
	StaleThreshold time.Duration
	// RetryBackoff delays the next claim of a retried item.
	RetryBackoff time.Duration

	// TransientAttempts and TransientBackoff control how store round-trips
	// are retried on connection drops and lock contention.
	TransientAttempts int
	TransientBackoff  time.Duration
}

// DefaultOptions returns the queue defaults.
func DefaultOptions() Options {
	return Options{
		ClaimTimeout:      60 * time.Second,
		MaxRetries:        3,
		StaleThreshold:    30 * time.Minute,
		TransientAttempts: 5,
		TransientBackoff:  100 * time.Millisecond,
	}
}

// Queue is the work queue of a single run.
type Queue struct {
	store   Store
	runID   string
	opts    Options
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// New returns the queue of runID backed by store.
func New(store Store, runID string, opts Options) *Queue {
	if opts.TransientAttempts < 1 {
		opts.TransientAttempts = 1
	}
	return &Queue{
		store: store,
		runID: runID,
		opts:  opts,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "store:" + runID,
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     2 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// Only infrastructure failures count against the store.
			IsSuccessful: func(err error) bool {
				return err == nil || !storage.IsTransient(err)
			},
		}),
		logger: slog.Default(),
	}
}

// WithLogger sets the logger used for sweep and routing events.
func (q *Queue) WithLogger(l *slog.Logger) *Queue {
	q.logger = l
	return q
}

// RunID returns the run this queue serves.
func (q *Queue) RunID() string { return q.runID }

// Options returns the queue's configuration.
func (q *Queue) Options() Options { return q.opts }

// ClaimNext atomically claims one claimable item for workerID. It returns nil
// when nothing is claimable; losing a race for a row is not an error.
func (q *Queue) ClaimNext(ctx context.Context, workerID string) (*storage.WorkItem, error) {
	var item *storage.WorkItem
	err := q.do(ctx, "claim", func() error {
		var err error
		item, err = q.store.ClaimNext(ctx, q.runID, workerID, q.opts.ClaimTimeout)
		return err
	})
	if err != nil {
		return nil, err
	}
	if item != nil {
		q.logger.Debug("claimed", "run_id", q.runID, "document_id", item.DocumentID, "worker_id", workerID)
	}
	return item, nil
}

// Begin marks the start of processing.
func (q *Queue) Begin(ctx context.Context, c storage.Claim) (Status, error) {
	return q.owned(ctx, "begin", func() (bool, error) { return q.store.Begin(ctx, c) })
}

// Heartbeat extends the claim's liveness window.
func (q *Queue) Heartbeat(ctx context.Context, c storage.Claim) (Status, error) {
	return q.owned(ctx, "heartbeat", func() (bool, error) { return q.store.Heartbeat(ctx, c) })
}

func (q *Queue) owned(ctx context.Context, op string, fn func() (bool, error)) (Status, error) {
	var ok bool
	err := q.do(ctx, op, func() error {
		var err error
		ok, err = fn()
		return err
	})
	if err != nil {
		return StatusLost, err
	}
	if !ok {
		return StatusLost, nil
	}
	return StatusOK, nil
}

// Complete transitions the claimed item to completed. The returned Terminal
// carries the run's outstanding count after the decrement; it must be handed
// to the completion tracker.
func (q *Queue) Complete(ctx context.Context, c storage.Claim) (Status, storage.Terminal, error) {
	var term storage.Terminal
	err := q.do(ctx, "complete", func() error {
		var err error
		term, err = q.store.Complete(ctx, c)
		return err
	})
	if err != nil {
		return StatusLost, storage.Terminal{}, err
	}
	if !term.Applied {
		return StatusLost, term, nil
	}
	return StatusOK, term, nil
}

// Fail records a failed attempt and routes the item to retry or dead letter.
// Whether the failure is retryable is the caller's call.
func (q *Queue) Fail(ctx context.Context, c storage.Claim, cause error, retryable bool) (storage.FailResult, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.fail(ctx, storage.FailInput{
		Claim:        c,
		Error:        msg,
		Retryable:    retryable,
		MaxRetries:   q.opts.MaxRetries,
		RetryBackoff: q.opts.RetryBackoff,
		Kind:         storage.AttemptFailure,
	})
}

func (q *Queue) fail(ctx context.Context, in storage.FailInput) (storage.FailResult, error) {
	var res storage.FailResult
	err := q.do(ctx, "fail", func() error {
		var err error
		res, err = q.store.Fail(ctx, in)
		return err
	})
	if err != nil {
		return storage.FailResult{}, err
	}
	switch res.Outcome {
	case storage.FailDeadLettered:
		q.logger.Warn("dead-lettered",
			"run_id", q.runID, "document_id", in.Claim.DocumentID, "worker_id", in.Claim.WorkerID,
			"attempts", res.Attempts, "error", in.Error)
	case storage.FailRetried:
		q.logger.Info("retrying",
			"run_id", q.runID, "document_id", in.Claim.DocumentID, "attempts", res.Attempts, "error", in.Error)
	}
	return res, nil
}

// Enqueue adds documentID to the run unless it is already there.
func (q *Queue) Enqueue(ctx context.Context, documentID string) (EnqueueResult, error) {
	n, err := q.EnqueueBatch(ctx, []string{documentID})
	if err != nil {
		return AlreadyExists, err
	}
	if n == 1 {
		return Inserted, nil
	}
	return AlreadyExists, nil
}

// EnqueueBatch enqueues several documents in one transaction and returns how
// many were new.
func (q *Queue) EnqueueBatch(ctx context.Context, documentIDs []string) (int, error) {
	var n int
	err := q.do(ctx, "enqueue", func() error {
		var err error
		n, err = q.store.EnqueueBatch(ctx, q.runID, documentIDs)
		return err
	})
	return n, err
}

// ReclaimExpired returns claims whose heartbeat lapsed past ClaimTimeout to
// pending. An item reclaimed MaxRetries times is dead-lettered on its next
// expiry; callers must report those terminal transitions to the tracker.
func (q *Queue) ReclaimExpired(ctx context.Context) ([]storage.Reclaim, error) {
	var reclaimed []storage.Reclaim
	err := q.do(ctx, "reclaim", func() error {
		var err error
		reclaimed, err = q.store.ReclaimExpired(ctx, q.runID, q.opts.ClaimTimeout, q.opts.MaxRetries)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, r := range reclaimed {
		it := r.Item
		if r.DeadLetter != nil {
			q.logger.Warn("dead-lettered item that keeps losing its claim",
				"run_id", q.runID, "document_id", it.DocumentID, "worker_id", it.OwnerID, "reclaims", it.Reclaims+1)
			continue
		}
		q.logger.Info("reclaimed expired claim",
			"run_id", q.runID, "document_id", it.DocumentID, "worker_id", it.OwnerID,
			"last_heartbeat", it.HeartbeatAt)
	}
	return reclaimed, nil
}

// StaleResult is the routing of one claim failed by the watchdog.
type StaleResult struct {
	Item   storage.WorkItem
	Result storage.FailResult
}

// FailStale is the watchdog pass: every claim held longer than StaleThreshold
// is failed as retryable on behalf of its owner, whether or not it is still
// heartbeating. The owner's next heartbeat then reports lost. Results with a
// dead-letter outcome are terminal and must reach the completion tracker.
func (q *Queue) FailStale(ctx context.Context) ([]StaleResult, error) {
	if q.opts.StaleThreshold <= 0 {
		return nil, nil
	}
	var stale []storage.WorkItem
	err := q.do(ctx, "list stale", func() error {
		var err error
		stale, err = q.store.ListStale(ctx, q.runID, q.opts.StaleThreshold)
		return err
	})
	if err != nil {
		return nil, err
	}

	var out []StaleResult
	for _, it := range stale {
		res, err := q.fail(ctx, storage.FailInput{
			Claim:        it.Claim(),
			Error:        fmt.Sprintf("claim held since %s exceeded stale threshold %s", it.ClaimedAt.Format(time.RFC3339), q.opts.StaleThreshold),
			Retryable:    true,
			MaxRetries:   q.opts.MaxRetries,
			RetryBackoff: q.opts.RetryBackoff,
			Kind:         storage.AttemptWatchdog,
		})
		if err != nil {
			return out, fmt.Errorf("failing stale claim on %s: %w", it.DocumentID, err)
		}
		if res.Outcome == storage.FailLost {
			continue
		}
		q.logger.Warn("watchdog failed stale claim",
			"run_id", q.runID, "document_id", it.DocumentID, "worker_id", it.OwnerID, "outcome", res.Outcome)
		out = append(out, StaleResult{Item: it, Result: res})
	}
	return out, nil
}

// do runs one store round-trip through the circuit breaker, retrying
// transient failures with exponential backoff. Non-transient errors and
// context cancellation return immediately.
func (q *Queue) do(ctx context.Context, op string, fn func() error) error {
	backoff := q.opts.TransientBackoff
	for attempt := 1; ; attempt++ {
		_, err := q.breaker.Execute(func() (interface{}, error) {
			return nil, fn()
		})
		if err == nil {
			return nil
		}
		retryable := storage.IsTransient(err) ||
			errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
		if !retryable || attempt >= q.opts.TransientAttempts {
			return fmt.Errorf("%s: %w", op, err)
		}
		q.logger.Debug("transient store error, retrying", "op", op, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}
