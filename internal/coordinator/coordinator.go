// Package coordinator elects a per-run leader through a lease on the run row
// and, while the lease is held, discovers documents and enqueues them. Every
// worker runs the same code; leadership is a role any of them may win.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/runq/internal/storage"
)

// ErrLeadershipLost cancels discovery when the lease is taken over or cannot
// be renewed.
var ErrLeadershipLost = errors.New("leadership lost")

// Store is the run-row subset of the coordination store.
type Store interface {
	EnsureRun(ctx context.Context, id, configJSON string) (storage.Run, error)
	GetRun(ctx context.Context, id string) (storage.Run, error)
	AcquireLease(ctx context.Context, runID, holder string, d time.Duration) (storage.LeaseResult, error)
	RenewLease(ctx context.Context, runID, holder string, d time.Duration) (bool, error)
	LeaseValid(ctx context.Context, runID, holder string) (bool, error)
	ReleaseLease(ctx context.Context, runID, holder string) error
	BeginDiscovery(ctx context.Context, runID, holder string) (storage.Run, bool, error)
	FinishDiscovery(ctx context.Context, runID, holder string) (int64, bool, error)
}

// Enqueuer receives discovered documents. The queue satisfies it.
type Enqueuer interface {
	EnqueueBatch(ctx context.Context, documentIDs []string) (int, error)
}

// Source yields the document ids of a run. Discover calls yield once per
// document and stops at the first error yield returns.
type Source interface {
	Discover(ctx context.Context, yield func(documentID string) error) error
}

// LeaseStatus is the outcome of a renewal.
type LeaseStatus int

const (
	Renewed LeaseStatus = iota
	Lost
)

func (s LeaseStatus) String() string {
	if s == Renewed {
		return "renewed"
	}
	return "lost"
}

// Options configure leadership and discovery.
type Options struct {
	LeaseDuration time.Duration
	// RenewInterval must be strictly shorter than LeaseDuration.
	RenewInterval time.Duration
	// BatchSize is the number of documents enqueued per lease check.
	BatchSize int
}

func DefaultOptions() Options {
	return Options{
		LeaseDuration: 30 * time.Second,
		RenewInterval: 10 * time.Second,
		BatchSize:     100,
	}
}

// Coordinator acts on behalf of one worker within one run.
type Coordinator struct {
	store    Store
	queue    Enqueuer
	run      RunConfig
	runID    string
	workerID string
	opts     Options
	logger   *slog.Logger
}

func New(store Store, queue Enqueuer, run RunConfig, workerID string, opts Options) (*Coordinator, error) {
	if opts.RenewInterval >= opts.LeaseDuration {
		return nil, fmt.Errorf("renew interval %s must be shorter than lease duration %s", opts.RenewInterval, opts.LeaseDuration)
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	return &Coordinator{
		store:    store,
		queue:    queue,
		run:      run.Normalize(),
		runID:    RunID(run),
		workerID: workerID,
		opts:     opts,
		logger:   slog.Default(),
	}, nil
}

// WithLogger sets the logger.
func (c *Coordinator) WithLogger(l *slog.Logger) *Coordinator {
	c.logger = l
	return c
}

func (c *Coordinator) RunID() string { return c.runID }

// EnsureRun creates the run row on first use.
func (c *Coordinator) EnsureRun(ctx context.Context) (storage.Run, error) {
	return c.store.EnsureRun(ctx, c.runID, c.run.JSON())
}

// Run returns the current state of the run row.
func (c *Coordinator) Run(ctx context.Context) (storage.Run, error) {
	return c.store.GetRun(ctx, c.runID)
}

// TryBecomeLeader attempts to take the run's lease. Denial is a normal
// outcome reported in the result, not an error.
func (c *Coordinator) TryBecomeLeader(ctx context.Context) (storage.LeaseResult, error) {
	res, err := c.store.AcquireLease(ctx, c.runID, c.workerID, c.opts.LeaseDuration)
	if err != nil {
		return storage.LeaseResult{}, err
	}
	if res.Outcome == storage.LeaseDenied {
		c.logger.Debug("leadership denied", "run_id", c.runID, "worker_id", c.workerID, "holder", res.Holder)
	}
	return res, nil
}

// RenewLease extends this worker's lease.
func (c *Coordinator) RenewLease(ctx context.Context) (LeaseStatus, error) {
	ok, err := c.store.RenewLease(ctx, c.runID, c.workerID, c.opts.LeaseDuration)
	if err != nil {
		return Lost, err
	}
	if !ok {
		return Lost, nil
	}
	return Renewed, nil
}

// Relinquish releases the lease if this worker holds it.
func (c *Coordinator) Relinquish(ctx context.Context) error {
	return c.store.ReleaseLease(ctx, c.runID, c.workerID)
}

// DiscoveryResult describes one discovery attempt.
type DiscoveryResult struct {
	// Leader is false when another worker holds the lease; Holder names it.
	Leader bool
	Holder string
	// Skipped is set when the run is already finalizing or completed.
	Skipped bool
	// LeadershipLost is set when the lease was lost mid-discovery. Partial
	// discovery is safe; the next leader starts over.
	LeadershipLost bool
	Discovered     int
	Enqueued       int
	// Finished reports a full pass; Remaining is the run's outstanding
	// count observed as the run became active.
	Finished  bool
	Remaining int64
}

// Discover runs one discovery pass if this worker can become leader. The
// lease is renewed in the background and checked before every enqueue
// batch; it is released when the pass ends.
func (c *Coordinator) Discover(ctx context.Context, src Source) (DiscoveryResult, error) {
	if _, err := c.EnsureRun(ctx); err != nil {
		return DiscoveryResult{}, fmt.Errorf("ensuring run: %w", err)
	}

	lease, err := c.TryBecomeLeader(ctx)
	if err != nil {
		return DiscoveryResult{}, fmt.Errorf("acquiring leadership: %w", err)
	}
	if lease.Outcome == storage.LeaseDenied {
		return DiscoveryResult{Holder: lease.Holder}, nil
	}
	defer func() {
		if err := c.Relinquish(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn("releasing leadership", "run_id", c.runID, "error", err)
		}
	}()

	run, ok, err := c.store.BeginDiscovery(ctx, c.runID, c.workerID)
	if err != nil {
		return DiscoveryResult{}, err
	}
	if !ok {
		if run.Status == storage.RunFinalizing || run.Status == storage.RunCompleted {
			c.logger.Debug("run already finishing, skipping discovery", "run_id", c.runID, "status", run.Status)
			return DiscoveryResult{Leader: true, Skipped: true}, nil
		}
		return DiscoveryResult{Leader: true, LeadershipLost: true}, nil
	}
	c.logger.Info("leading discovery", "run_id", c.runID, "worker_id", c.workerID)

	dctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		c.renew(dctx, cancel)
	}()

	result := DiscoveryResult{Leader: true}
	err = c.discover(dctx, src, &result)
	cancel(nil)
	<-renewDone

	if errors.Is(err, ErrLeadershipLost) || errors.Is(context.Cause(dctx), ErrLeadershipLost) {
		c.logger.Info("leadership lost, discovery aborted", "run_id", c.runID, "worker_id", c.workerID, "enqueued", result.Enqueued)
		result.LeadershipLost = true
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("discovering documents: %w", err)
	}

	remaining, ok, err := c.store.FinishDiscovery(ctx, c.runID, c.workerID)
	if err != nil {
		return result, err
	}
	if !ok {
		result.LeadershipLost = true
		return result, nil
	}
	result.Finished = true
	result.Remaining = remaining
	c.logger.Info("discovery finished", "run_id", c.runID,
		"discovered", result.Discovered, "enqueued", result.Enqueued, "outstanding", remaining)
	return result, nil
}

func (c *Coordinator) discover(ctx context.Context, src Source, result *DiscoveryResult) error {
	batch := make([]string, 0, c.opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		valid, err := c.store.LeaseValid(ctx, c.runID, c.workerID)
		if err != nil {
			return fmt.Errorf("checking lease: %w", err)
		}
		if !valid {
			return ErrLeadershipLost
		}
		n, err := c.queue.EnqueueBatch(ctx, batch)
		if err != nil {
			return fmt.Errorf("enqueueing batch: %w", err)
		}
		result.Enqueued += n
		batch = batch[:0]
		return nil
	}

	err := src.Discover(ctx, func(id string) error {
		if err := context.Cause(ctx); err != nil {
			return err
		}
		result.Discovered++
		batch = append(batch, id)
		if len(batch) >= c.opts.BatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

// renew keeps the lease alive until ctx ends, cancelling it with
// ErrLeadershipLost if a renewal is refused.
func (c *Coordinator) renew(ctx context.Context, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(c.opts.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := c.RenewLease(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// A failed round-trip is not a lost lease; the next tick or
				// the pre-batch check decides.
				c.logger.Warn("renewing leadership", "run_id", c.runID, "error", err)
				continue
			}
			if status == Lost {
				cancel(ErrLeadershipLost)
				return
			}
		}
	}
}
