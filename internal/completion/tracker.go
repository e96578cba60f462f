// Package completion detects run quiescence and fires post-processing
// exactly once per finalization epoch.
//
// The outstanding counter lives on the run row and moves in the same
// transaction as every enqueue and terminal transition. A terminal transition
// that leaves it at zero makes its caller a candidate finalizer; the
// candidate then has to win a compare-and-swap from active to finalizing,
// which only one caller per epoch can do.
package completion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/runq/internal/storage"
)

// PostProcessor consumes the run-complete signal.
type PostProcessor interface {
	OnRunQuiescent(ctx context.Context, runID string, epoch int64, completedDocumentIDs []string) error
}

// PostProcessorFunc adapts a function to PostProcessor.
type PostProcessorFunc func(ctx context.Context, runID string, epoch int64, completedDocumentIDs []string) error

func (f PostProcessorFunc) OnRunQuiescent(ctx context.Context, runID string, epoch int64, ids []string) error {
	return f(ctx, runID, epoch, ids)
}

// Store is the finalization subset of the coordination store.
type Store interface {
	BeginFinalizing(ctx context.Context, runID, finalizer string) (int64, bool, error)
	TakeOverFinalizing(ctx context.Context, runID, finalizer string, cutoff time.Time) (int64, bool, error)
	FinishFinalizing(ctx context.Context, runID string, epoch int64) (bool, error)
	CompletedDocuments(ctx context.Context, runID string) ([]string, error)
	ListRuns(ctx context.Context, status storage.RunStatus) ([]storage.Run, error)
}

// Outcome is what a terminal transition meant for the run.
type Outcome int

const (
	StillOutstanding Outcome = iota
	Quiescent
)

func (o Outcome) String() string {
	if o == Quiescent {
		return "quiescent"
	}
	return "still_outstanding"
}

// Tracker runs the last-worker-standing protocol on behalf of one worker.
type Tracker struct {
	store    Store
	post     PostProcessor
	workerID string
	now      func() time.Time
	logger   *slog.Logger
}

func NewTracker(store Store, post PostProcessor, workerID string) *Tracker {
	return &Tracker{store: store, post: post, workerID: workerID, now: time.Now, logger: slog.Default()}
}

// WithClock sets the time source used to age stuck finalizations.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

func (t *Tracker) WithLogger(l *slog.Logger) *Tracker {
	t.logger = l
	return t
}

// OnTerminal is called after every completed or dead-lettered item with the
// counter value its transition produced. Only a caller that brought the
// counter to zero and then wins finalization gets Quiescent; it has already
// run post-processing when OnTerminal returns.
func (t *Tracker) OnTerminal(ctx context.Context, runID string, term storage.Terminal) (Outcome, error) {
	if !term.Applied || term.Remaining > 0 {
		return StillOutstanding, nil
	}
	return t.tryFinalize(ctx, runID)
}

// AfterDiscovery covers runs whose work all finished while the leader was
// still discovering: those terminal transitions could not finalize, so the
// leader checks once it marks the run active.
func (t *Tracker) AfterDiscovery(ctx context.Context, runID string, remaining int64) (Outcome, error) {
	if remaining > 0 {
		return StillOutstanding, nil
	}
	return t.tryFinalize(ctx, runID)
}

func (t *Tracker) tryFinalize(ctx context.Context, runID string) (Outcome, error) {
	epoch, ok, err := t.store.BeginFinalizing(ctx, runID, t.workerID)
	if err != nil {
		return StillOutstanding, err
	}
	if !ok {
		// Another worker won, the run is still discovering, or new work
		// arrived after our decrement.
		return StillOutstanding, nil
	}
	t.logger.Info("run quiescent, finalizing", "run_id", runID, "worker_id", t.workerID, "epoch", epoch)
	if err := t.finalize(ctx, runID, epoch); err != nil {
		return Quiescent, err
	}
	return Quiescent, nil
}

func (t *Tracker) finalize(ctx context.Context, runID string, epoch int64) error {
	ids, err := t.store.CompletedDocuments(ctx, runID)
	if err != nil {
		return fmt.Errorf("listing completed documents: %w", err)
	}
	if err := t.post.OnRunQuiescent(ctx, runID, epoch, ids); err != nil {
		t.logger.Error("post-processing failed; run left finalizing",
			"run_id", runID, "epoch", epoch, "error", err)
		return fmt.Errorf("post-processing run %s: %w", runID, err)
	}
	done, err := t.store.FinishFinalizing(ctx, runID, epoch)
	if err != nil {
		return err
	}
	if !done {
		t.logger.Info("run reopened during finalization", "run_id", runID, "epoch", epoch)
		return nil
	}
	t.logger.Info("run completed", "run_id", runID, "epoch", epoch, "documents", len(ids))
	return nil
}

// ReconcileResult counts what a reconcile pass recovered.
type ReconcileResult struct {
	// Finalized counts active runs with no outstanding work that nobody had
	// finalized, e.g. because the last worker died right after its decrement.
	Finalized int
	// Recovered counts runs stuck in finalizing that were taken over.
	Recovered int
}

// Reconcile finalizes idle active runs and, when stuckAfter is positive,
// takes over finalizations that have been in progress longer than that and
// re-runs their post-processing under the same epoch. An empty runID
// reconciles every run.
func (t *Tracker) Reconcile(ctx context.Context, runID string, stuckAfter time.Duration) (ReconcileResult, error) {
	var res ReconcileResult

	active, err := t.store.ListRuns(ctx, storage.RunActive)
	if err != nil {
		return res, fmt.Errorf("listing active runs: %w", err)
	}
	for _, r := range active {
		if r.Outstanding != 0 || (runID != "" && r.ID != runID) {
			continue
		}
		outcome, err := t.tryFinalize(ctx, r.ID)
		if err != nil {
			return res, err
		}
		if outcome == Quiescent {
			res.Finalized++
		}
	}

	if stuckAfter <= 0 {
		return res, nil
	}
	finalizing, err := t.store.ListRuns(ctx, storage.RunFinalizing)
	if err != nil {
		return res, fmt.Errorf("listing finalizing runs: %w", err)
	}
	cutoff := t.now().Add(-stuckAfter)
	for _, r := range finalizing {
		if runID != "" && r.ID != runID {
			continue
		}
		epoch, ok, err := t.store.TakeOverFinalizing(ctx, r.ID, t.workerID, cutoff)
		if err != nil {
			return res, err
		}
		if !ok {
			continue
		}
		t.logger.Warn("taking over stuck finalization",
			"run_id", r.ID, "epoch", epoch, "previous_finalizer", r.FinalizerID, "since", r.FinalizingSince)
		if err := t.finalize(ctx, r.ID, epoch); err != nil {
			return res, err
		}
		res.Recovered++
	}
	return res, nil
}
