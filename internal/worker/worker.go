// Package worker is the per-process driver: claim, heartbeat, process,
// complete or fail, repeat. Every process runs the same loop; whichever one
// wins the run's lease also performs discovery.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/runq/internal/completion"
	"github.com/kalambet/runq/internal/coordinator"
	"github.com/kalambet/runq/internal/extract"
	"github.com/kalambet/runq/internal/queue"
	"github.com/kalambet/runq/internal/storage"
)

var errClaimLost = errors.New("claim lost")

// Processor does the work for one document. Errors wrapped with
// extract.Fatal are not retried.
type Processor interface {
	Process(ctx context.Context, documentID string) (extract.Document, error)
}

// Sink receives the output of a processed document. It is only called after
// the worker has re-confirmed it still owns the claim.
type Sink interface {
	Store(ctx context.Context, runID, documentID, text string) error
}

// Registry records worker liveness for the monitoring read model.
type Registry interface {
	RegisterWorker(ctx context.Context, w storage.Worker) error
	TouchWorker(ctx context.Context, id, currentDocument string) error
	RemoveWorker(ctx context.Context, id string) error
}

// Config holds the loop's timing knobs.
type Config struct {
	ID                string
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	SweepInterval     time.Duration
	Concurrency       int
	// ReconcileAfter enables taking over finalizations stuck longer than
	// this. Zero leaves stuck finalizations alone.
	ReconcileAfter time.Duration
	// ExitWhenDone makes Run return once the run has completed and the
	// queue is idle.
	ExitWhenDone bool
}

// NewID returns a worker identity unique across hosts and restarts.
func NewID() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[:8])
}

// Worker drives one run.
type Worker struct {
	cfg      Config
	queue    *queue.Queue
	coord    *coordinator.Coordinator
	tracker  *completion.Tracker
	source   coordinator.Source
	proc     Processor
	sink     Sink
	registry Registry
	logger   *slog.Logger
}

// Deps are the collaborators of a Worker. Sink and Registry are optional.
type Deps struct {
	Queue       *queue.Queue
	Coordinator *coordinator.Coordinator
	Tracker     *completion.Tracker
	Source      coordinator.Source
	Processor   Processor
	Sink        Sink
	Registry    Registry
}

// New creates a Worker. Zero intervals fall back to defaults.
func New(cfg Config, deps Deps) *Worker {
	if cfg.ID == "" {
		cfg.ID = NewID()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Worker{
		cfg:      cfg,
		queue:    deps.Queue,
		coord:    deps.Coordinator,
		tracker:  deps.Tracker,
		source:   deps.Source,
		proc:     deps.Processor,
		sink:     deps.Sink,
		registry: deps.Registry,
		logger:   slog.Default().With("worker_id", cfg.ID),
	}
}

func (w *Worker) ID() string { return w.cfg.ID }

// Run registers the worker, attempts discovery, then claims and processes
// items until ctx is cancelled. Cancellation stops claiming; items already
// in flight run to completion (or until their claim is lost) and are never
// released early.
func (w *Worker) Run(ctx context.Context) error {
	if w.registry != nil {
		host, _ := os.Hostname()
		if err := w.registry.RegisterWorker(ctx, storage.Worker{
			ID: w.cfg.ID, Hostname: host, PID: os.Getpid(), RunID: w.queue.RunID(),
		}); err != nil {
			return fmt.Errorf("registering worker: %w", err)
		}
		defer func() {
			if err := w.registry.RemoveWorker(context.WithoutCancel(ctx), w.cfg.ID); err != nil {
				w.logger.Warn("deregistering worker", "error", err)
			}
		}()
	}

	if err := w.discover(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error("discovery failed", "run_id", w.queue.RunID(), "error", err)
	}

	loops, lctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		loops.Go(func() error {
			w.loop(lctx)
			return nil
		})
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweeper := make(chan struct{})
	go func() {
		defer close(sweeper)
		w.sweepLoop(sweepCtx)
	}()

	err := loops.Wait()
	stopSweep()
	<-sweeper
	return err
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}
		if w.cfg.ExitWhenDone && w.runCompleted(ctx) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

func (w *Worker) runCompleted(ctx context.Context) bool {
	run, err := w.coord.Run(ctx)
	return err == nil && run.Status == storage.RunCompleted
}

// RunOnce claims and processes a single item. It returns true if an item was
// claimed, whatever became of it.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	item, err := w.queue.ClaimNext(ctx, w.cfg.ID)
	if err != nil {
		return false, fmt.Errorf("claiming: %w", err)
	}
	if item == nil {
		return false, nil
	}
	w.touch(ctx, item.DocumentID)
	defer w.touch(ctx, "")
	return true, w.handle(ctx, item)
}

func (w *Worker) handle(ctx context.Context, item *storage.WorkItem) error {
	claim := item.Claim()
	log := w.logger.With("run_id", claim.RunID, "document_id", claim.DocumentID)

	// In-flight work outlives ctx; only losing the claim cancels it.
	pctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancel(nil)

	st, err := w.queue.Begin(pctx, claim)
	if err != nil {
		return fmt.Errorf("beginning %s: %w", claim.DocumentID, err)
	}
	if st == queue.StatusLost {
		log.Debug("claim lost before processing")
		return nil
	}

	hbDone := make(chan struct{})
	hbCtx, stopHeartbeat := context.WithCancel(pctx)
	go func() {
		defer close(hbDone)
		w.heartbeat(hbCtx, claim, cancel)
	}()
	doc, perr := w.process(pctx, claim.DocumentID)
	stopHeartbeat()
	<-hbDone

	if errors.Is(context.Cause(pctx), errClaimLost) {
		log.Warn("claim lost during processing, abandoning")
		return nil
	}

	if perr == nil {
		perr = w.commit(pctx, claim, doc)
		if errors.Is(perr, errClaimLost) {
			log.Warn("claim lost before commit, abandoning")
			return nil
		}
	}
	if perr != nil {
		return w.fail(pctx, claim, perr)
	}

	st, term, err := w.queue.Complete(pctx, claim)
	if err != nil {
		return fmt.Errorf("completing %s: %w", claim.DocumentID, err)
	}
	if st == queue.StatusLost {
		log.Warn("claim lost at completion")
		return nil
	}
	log.Debug("completed", "remaining", term.Remaining)
	return w.onTerminal(pctx, claim.RunID, term)
}

// process runs the processor, turning a panic into a fatal failure of the
// document so one bad input cannot take down the worker and its other claims.
func (w *Worker) process(ctx context.Context, documentID string) (doc extract.Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("processor panicked", "document_id", documentID, "panic", r, "stack", string(debug.Stack()))
			err = extract.Fatal(fmt.Errorf("processor panicked: %v", r))
		}
	}()
	return w.proc.Process(ctx, documentID)
}

// commit publishes the results of a processed document: discovered links are
// enqueued before the item's own completion so the run cannot look
// quiescent in between, and the sink is written only after ownership is
// re-confirmed.
func (w *Worker) commit(ctx context.Context, claim storage.Claim, doc extract.Document) error {
	if len(doc.Links) > 0 {
		n, err := w.queue.EnqueueBatch(ctx, doc.Links)
		if err != nil {
			return fmt.Errorf("enqueueing discovered links: %w", err)
		}
		if n > 0 {
			w.logger.Debug("discovered documents", "run_id", claim.RunID, "document_id", claim.DocumentID, "new", n)
		}
	}
	if w.sink == nil {
		return nil
	}
	st, err := w.queue.Heartbeat(ctx, claim)
	if err != nil {
		return fmt.Errorf("confirming claim: %w", err)
	}
	if st == queue.StatusLost {
		return errClaimLost
	}
	if err := w.sink.Store(ctx, claim.RunID, claim.DocumentID, doc.Text); err != nil {
		return fmt.Errorf("storing output: %w", err)
	}
	return nil
}

func (w *Worker) fail(ctx context.Context, claim storage.Claim, cause error) error {
	retryable := !extract.IsFatal(cause)
	res, err := w.queue.Fail(ctx, claim, cause, retryable)
	if err != nil {
		return fmt.Errorf("failing %s: %w", claim.DocumentID, err)
	}
	switch res.Outcome {
	case queue.DeadLettered:
		return w.onTerminal(ctx, claim.RunID, res.Terminal)
	case queue.Lost:
		w.logger.Warn("claim lost while recording failure", "run_id", claim.RunID, "document_id", claim.DocumentID, "error", cause)
	}
	return nil
}

func (w *Worker) onTerminal(ctx context.Context, runID string, term storage.Terminal) error {
	if _, err := w.tracker.OnTerminal(ctx, runID, term); err != nil {
		return fmt.Errorf("finalizing run %s: %w", runID, err)
	}
	return nil
}

// heartbeat renews the claim every HeartbeatInterval and cancels processing
// with errClaimLost as soon as the claim turns out to be lost.
func (w *Worker) heartbeat(ctx context.Context, claim storage.Claim, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := w.queue.Heartbeat(ctx, claim)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Warn("heartbeat failed", "document_id", claim.DocumentID, "error", err)
				continue
			}
			if st == queue.StatusLost {
				cancel(errClaimLost)
				return
			}
			w.touch(ctx, claim.DocumentID)
		}
	}
}

func (w *Worker) touch(ctx context.Context, doc string) {
	if w.registry == nil {
		return
	}
	if err := w.registry.TouchWorker(context.WithoutCancel(ctx), w.cfg.ID, doc); err != nil {
		w.logger.Debug("touching worker record", "error", err)
	}
}

// discover runs a discovery pass if this worker can lead, and checks for
// quiescence when the pass finishes with nothing outstanding.
func (w *Worker) discover(ctx context.Context) error {
	res, err := w.coord.Discover(ctx, w.source)
	if err != nil {
		return err
	}
	if !res.Finished {
		return nil
	}
	_, err = w.tracker.AfterDiscovery(ctx, w.coord.RunID(), res.Remaining)
	return err
}

func (w *Worker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep is one pass of the background maintenance every worker performs:
// reclaim expired claims, fail claims stuck past the stale threshold, resume
// discovery abandoned by a dead leader, and reconcile finalization.
func (w *Worker) Sweep(ctx context.Context) error {
	w.touch(ctx, "")

	reclaimed, err := w.queue.ReclaimExpired(ctx)
	if err != nil {
		return fmt.Errorf("reclaiming expired claims: %w", err)
	}
	for _, r := range reclaimed {
		if r.DeadLetter == nil {
			continue
		}
		if err := w.onTerminal(ctx, r.Item.RunID, r.Terminal); err != nil {
			return err
		}
	}

	stale, err := w.queue.FailStale(ctx)
	if err != nil {
		return fmt.Errorf("failing stale claims: %w", err)
	}
	for _, s := range stale {
		if s.Result.Outcome != queue.DeadLettered {
			continue
		}
		if err := w.onTerminal(ctx, s.Item.RunID, s.Result.Terminal); err != nil {
			return err
		}
	}

	run, err := w.coord.Run(ctx)
	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}
	if run.Status == storage.RunDiscovering {
		if err := w.discover(ctx); err != nil {
			return fmt.Errorf("resuming discovery: %w", err)
		}
	}

	if _, err := w.tracker.Reconcile(ctx, w.queue.RunID(), w.cfg.ReconcileAfter); err != nil {
		return fmt.Errorf("reconciling: %w", err)
	}
	return nil
}
