package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/runq/internal/completion"
	"github.com/kalambet/runq/internal/coordinator"
	"github.com/kalambet/runq/internal/extract"
	"github.com/kalambet/runq/internal/queue"
	"github.com/kalambet/runq/internal/storage"
	"github.com/kalambet/runq/internal/testutil"
)

type sliceSource []string

func (s sliceSource) Discover(ctx context.Context, yield func(string) error) error {
	for _, id := range s {
		if err := yield(id); err != nil {
			return err
		}
	}
	return nil
}

type procFunc func(ctx context.Context, documentID string) (extract.Document, error)

func (f procFunc) Process(ctx context.Context, id string) (extract.Document, error) { return f(ctx, id) }

func ok(_ context.Context, id string) (extract.Document, error) {
	return extract.Document{ID: id, Text: "text of " + id}, nil
}

type countingPost struct {
	calls atomic.Int32
	mu    sync.Mutex
	ids   []string
}

func (p *countingPost) OnRunQuiescent(_ context.Context, _ string, _ int64, ids []string) error {
	p.calls.Add(1)
	p.mu.Lock()
	p.ids = ids
	p.mu.Unlock()
	return nil
}

type memSink struct {
	mu   sync.Mutex
	docs map[string]string
}

func (m *memSink) Store(_ context.Context, _, id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs == nil {
		m.docs = make(map[string]string)
	}
	m.docs[id] = text
	return nil
}

type harness struct {
	t     *testing.T
	store *storage.Store
	clock *testutil.Clock
	post  *countingPost
	run   coordinator.RunConfig
	src   coordinator.Source
	qopts queue.Options
}

func newHarness(t *testing.T, docs ...string) *harness {
	clock := testutil.NewClock()
	qopts := queue.DefaultOptions()
	qopts.ClaimTimeout = time.Minute
	qopts.TransientBackoff = time.Millisecond
	return &harness{
		t:     t,
		store: testutil.OpenStore(t, clock),
		clock: clock,
		post:  &countingPost{},
		run:   coordinator.RunConfig{Name: t.Name()},
		src:   sliceSource(docs),
		qopts: qopts,
	}
}

func (h *harness) runID() string { return coordinator.RunID(h.run) }

func (h *harness) worker(cfg Config, proc Processor, sink Sink) *Worker {
	h.t.Helper()
	q := queue.New(h.store, h.runID(), h.qopts)
	c, err := coordinator.New(h.store, q, h.run, cfg.ID, coordinator.DefaultOptions())
	require.NoError(h.t, err)
	tr := completion.NewTracker(h.store, h.post, cfg.ID).WithClock(h.clock.Now)
	return New(cfg, Deps{
		Queue: q, Coordinator: c, Tracker: tr, Source: h.src,
		Processor: proc, Sink: sink, Registry: h.store,
	})
}

func (h *harness) count(status storage.ItemStatus) int {
	items, err := h.store.ListItems(context.Background(), h.runID(), status, 0)
	require.NoError(h.t, err)
	return len(items)
}

func (h *harness) runStatus() storage.RunStatus {
	r, err := h.store.GetRun(context.Background(), h.runID())
	if err != nil {
		return ""
	}
	return r.Status
}

func fastConfig(id string) Config {
	return Config{
		ID:                id,
		HeartbeatInterval: 10 * time.Millisecond,
		PollInterval:      2 * time.Millisecond,
		SweepInterval:     10 * time.Millisecond,
		ExitWhenDone:      true,
	}
}

func docs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("doc-%02d", i)
	}
	return out
}

func TestWorker_ProcessesRunWithLinkDiscovery(t *testing.T) {
	h := newHarness(t, docs(3)...)
	sink := &memSink{}
	proc := procFunc(func(ctx context.Context, id string) (extract.Document, error) {
		doc, _ := ok(ctx, id)
		if id == "doc-00" {
			doc.Links = []string{"linked-a", "linked-b", "doc-01"}
		}
		return doc, nil
	})
	cfg := fastConfig("w1")
	cfg.Concurrency = 2
	w := h.worker(cfg, proc, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	assert.Equal(t, storage.RunCompleted, h.runStatus())
	assert.Equal(t, 5, h.count(storage.ItemCompleted))
	assert.EqualValues(t, 1, h.post.calls.Load())
	assert.Len(t, h.post.ids, 5)
	assert.Len(t, sink.docs, 5)
	assert.Equal(t, "text of linked-a", sink.docs["linked-a"])

	workers, err := h.store.ListWorkers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, workers, "worker should deregister on exit")
}

// TestWorker_KilledWorkerScenario: ten documents, three workers, one of
// which dies holding a claim. A survivor reclaims it after the claim
// timeout; the run finalizes exactly once with nothing dead-lettered.
func TestWorker_KilledWorkerScenario(t *testing.T) {
	h := newHarness(t, docs(10)...)

	held := make(chan string, 1)
	release := make(chan struct{})
	var once sync.Once
	victimProc := procFunc(func(ctx context.Context, id string) (extract.Document, error) {
		once.Do(func() { held <- id })
		<-release
		return ok(ctx, id)
	})
	victimCfg := fastConfig("victim")
	victimCfg.HeartbeatInterval = time.Hour
	victimCfg.SweepInterval = time.Hour
	victimCfg.ExitWhenDone = false
	victim := h.worker(victimCfg, victimProc, nil)

	victimCtx, kill := context.WithCancel(context.Background())
	victimDone := make(chan error, 1)
	go func() { victimDone <- victim.Run(victimCtx) }()

	var heldDoc string
	select {
	case heldDoc = <-held:
	case <-time.After(5 * time.Second):
		t.Fatal("victim never claimed a document")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	survivorsDone := make(chan error, 2)
	for _, id := range []string{"s1", "s2"} {
		w := h.worker(fastConfig(id), procFunc(ok), nil)
		go func() { survivorsDone <- w.Run(ctx) }()
	}

	require.Eventually(t, func() bool { return h.count(storage.ItemCompleted) == 9 },
		10*time.Second, 5*time.Millisecond)
	assert.NotEqual(t, storage.RunCompleted, h.runStatus())

	// The victim stops heartbeating; the claim expires.
	h.clock.Advance(2 * time.Minute)

	for i := 0; i < 2; i++ {
		select {
		case err := <-survivorsDone:
			require.NoError(t, err)
		case <-ctx.Done():
			t.Fatal("survivors did not finish the run")
		}
	}

	assert.Equal(t, storage.RunCompleted, h.runStatus())
	assert.Equal(t, 10, h.count(storage.ItemCompleted))
	assert.EqualValues(t, 1, h.post.calls.Load())

	item, err := h.store.GetItem(context.Background(), h.runID(), heldDoc)
	require.NoError(t, err)
	assert.Equal(t, storage.ItemCompleted, item.Status)
	assert.NotEqual(t, "victim", item.OwnerID)

	dl, err := h.store.ListDeadLetters(context.Background(), storage.DeadLetterFilter{RunID: h.runID(), IncludeRequeued: true})
	require.NoError(t, err)
	assert.Empty(t, dl)

	// The victim wakes up; its completion is refused.
	kill()
	close(release)
	select {
	case err := <-victimDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("victim did not stop")
	}
	assert.EqualValues(t, 1, h.post.calls.Load())
	assert.Equal(t, 10, h.count(storage.ItemCompleted))
}

func TestWorker_RetryableFailuresDeadLetter(t *testing.T) {
	h := newHarness(t, "doc-a")
	h.qopts.MaxRetries = 2
	var attempts atomic.Int32
	proc := procFunc(func(context.Context, string) (extract.Document, error) {
		attempts.Add(1)
		return extract.Document{}, errors.New("extractor timed out")
	})
	w := h.worker(fastConfig("w1"), proc, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	assert.EqualValues(t, 3, attempts.Load())
	assert.Equal(t, 1, h.count(storage.ItemDeadLetter))
	assert.Equal(t, storage.RunCompleted, h.runStatus())
	assert.EqualValues(t, 1, h.post.calls.Load())
	assert.Empty(t, h.post.ids)
}

func TestWorker_FatalFailureSkipsRetries(t *testing.T) {
	h := newHarness(t, "doc-a", "doc-b")
	var attempts atomic.Int32
	proc := procFunc(func(ctx context.Context, id string) (extract.Document, error) {
		if id == "doc-a" {
			attempts.Add(1)
			return extract.Document{}, extract.Fatal(errors.New("unsupported document format"))
		}
		return ok(ctx, id)
	})
	w := h.worker(fastConfig("w1"), proc, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	assert.EqualValues(t, 1, attempts.Load())
	dl, err := h.store.ListDeadLetters(context.Background(), storage.DeadLetterFilter{RunID: h.runID()})
	require.NoError(t, err)
	require.Len(t, dl, 1)
	assert.Equal(t, "fatal", dl[0].Reason)
	assert.Equal(t, []string{"doc-b"}, h.post.ids)
}

func TestWorker_LostClaimAbandonsWork(t *testing.T) {
	h := newHarness(t, "doc-a")
	started := make(chan struct{})
	proc := procFunc(func(ctx context.Context, id string) (extract.Document, error) {
		close(started)
		<-ctx.Done()
		return extract.Document{}, context.Cause(ctx)
	})
	cfg := fastConfig("w1")
	w := h.worker(cfg, proc, nil)
	ctx := context.Background()
	require.NoError(t, w.discover(ctx))

	done := make(chan error, 1)
	go func() {
		_, err := w.RunOnce(ctx)
		done <- err
	}()
	<-started

	// Heartbeats keep pushing the claim forward; keep jumping past the
	// timeout until a thief gets in between two of them.
	require.Eventually(t, func() bool {
		h.clock.Advance(2 * time.Minute)
		thief, err := h.store.ClaimNext(ctx, h.runID(), "thief", time.Minute)
		return err == nil && thief != nil
	}, 5*time.Second, time.Millisecond)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker kept processing a lost claim")
	}

	item, err := h.store.GetItem(ctx, h.runID(), "doc-a")
	require.NoError(t, err)
	assert.Equal(t, "thief", item.OwnerID)
	assert.Zero(t, item.Attempts, "a lost claim must not record a failure")
}

func TestWorker_ShutdownLetsInFlightFinish(t *testing.T) {
	h := newHarness(t, "doc-a")
	started := make(chan struct{})
	release := make(chan struct{})
	proc := procFunc(func(ctx context.Context, id string) (extract.Document, error) {
		close(started)
		<-release
		if ctx.Err() != nil {
			return extract.Document{}, ctx.Err()
		}
		return ok(ctx, id)
	})
	w := h.worker(fastConfig("w1"), proc, nil)
	require.NoError(t, w.discover(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := w.RunOnce(ctx)
		done <- err
	}()
	<-started
	cancel()
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, 1, h.count(storage.ItemCompleted))
	assert.Equal(t, storage.RunCompleted, h.runStatus())
}

func TestWorker_SweepResumesAbandonedDiscovery(t *testing.T) {
	h := newHarness(t, docs(4)...)
	ctx := context.Background()

	// A leader died mid-discovery having enqueued one document.
	_, err := h.store.EnsureRun(ctx, h.runID(), h.run.JSON())
	require.NoError(t, err)
	_, err = h.store.AcquireLease(ctx, h.runID(), "dead-leader", 30*time.Second)
	require.NoError(t, err)
	_, err = h.store.Enqueue(ctx, h.runID(), "doc-00")
	require.NoError(t, err)

	w := h.worker(fastConfig("w1"), procFunc(ok), nil)
	require.NoError(t, w.Sweep(ctx))
	assert.Equal(t, 1, h.count(storage.ItemPending), "live lease must block takeover")

	h.clock.Advance(31 * time.Second)
	require.NoError(t, w.Sweep(ctx))
	assert.Equal(t, 4, h.count(storage.ItemPending))
	assert.Equal(t, storage.RunActive, h.runStatus())
}

func TestWorker_SweepDeadLettersStuckClaim(t *testing.T) {
	h := newHarness(t, "doc-a")
	h.qopts.StaleThreshold = 10 * time.Minute
	h.qopts.MaxRetries = 0
	ctx := context.Background()
	w := h.worker(fastConfig("w1"), procFunc(ok), nil)
	require.NoError(t, w.discover(ctx))

	stuck, err := h.store.ClaimNext(ctx, h.runID(), "stuck", time.Minute)
	require.NoError(t, err)
	for i := 0; i < 11; i++ {
		h.clock.Advance(time.Minute - time.Second)
		alive, err := h.store.Heartbeat(ctx, stuck.Claim())
		require.NoError(t, err)
		require.True(t, alive)
	}

	require.NoError(t, w.Sweep(ctx))
	assert.Equal(t, 1, h.count(storage.ItemDeadLetter))
	assert.Equal(t, storage.RunCompleted, h.runStatus())
	assert.EqualValues(t, 1, h.post.calls.Load())
}

func TestWorker_PanickingProcessorDeadLetters(t *testing.T) {
	h := newHarness(t, "doc-a", "doc-b")
	var attempts atomic.Int32
	proc := procFunc(func(ctx context.Context, id string) (extract.Document, error) {
		if id == "doc-a" {
			attempts.Add(1)
			panic("index out of range")
		}
		return ok(ctx, id)
	})
	w := h.worker(fastConfig("w1"), proc, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	assert.EqualValues(t, 1, attempts.Load())
	dl, err := h.store.ListDeadLetters(context.Background(), storage.DeadLetterFilter{RunID: h.runID()})
	require.NoError(t, err)
	require.Len(t, dl, 1)
	assert.Equal(t, "fatal", dl[0].Reason)
	assert.Contains(t, dl[0].LastError, "index out of range")
	assert.Equal(t, storage.RunCompleted, h.runStatus())
	assert.Equal(t, []string{"doc-b"}, h.post.ids)
}

// TestWorker_CrashLoopingDocumentDeadLetters: a document whose worker dies
// every time it is claimed is reclaimed MaxRetries times, then dead-lettered
// by the next sweep, and the run still finalizes.
func TestWorker_CrashLoopingDocumentDeadLetters(t *testing.T) {
	h := newHarness(t, "doc-a")
	h.qopts.MaxRetries = 2
	ctx := context.Background()
	w := h.worker(fastConfig("w1"), procFunc(ok), nil)
	require.NoError(t, w.discover(ctx))

	for round := 1; round <= 3; round++ {
		item, err := h.store.ClaimNext(ctx, h.runID(), fmt.Sprintf("crashed-%d", round), time.Minute)
		require.NoError(t, err)
		require.NotNil(t, item, "round %d: nothing to claim", round)
		_, err = h.store.Begin(ctx, item.Claim())
		require.NoError(t, err)

		h.clock.Advance(2 * time.Minute)
		require.NoError(t, w.Sweep(ctx))

		if round < 3 {
			assert.Equal(t, 1, h.count(storage.ItemPending), "round %d", round)
			assert.Zero(t, h.post.calls.Load())
		}
	}

	assert.Equal(t, 1, h.count(storage.ItemDeadLetter))
	assert.Equal(t, storage.RunCompleted, h.runStatus())
	assert.EqualValues(t, 1, h.post.calls.Load())

	dl, err := h.store.ListDeadLetters(ctx, storage.DeadLetterFilter{RunID: h.runID()})
	require.NoError(t, err)
	require.Len(t, dl, 1)
	assert.Equal(t, "reclaimed", dl[0].Reason)
	assert.Len(t, dl[0].History, 3)
}

func TestWorker_HeartbeatRefreshesRegistry(t *testing.T) {
	h := newHarness(t, "doc-a")
	started := make(chan struct{})
	release := make(chan struct{})
	proc := procFunc(func(ctx context.Context, id string) (extract.Document, error) {
		close(started)
		<-release
		return ok(ctx, id)
	})
	cfg := fastConfig("w1")
	cfg.SweepInterval = time.Hour
	w := h.worker(cfg, proc, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	<-started

	// Only a heartbeat tick can put the document back while it is processing.
	require.NoError(t, h.store.TouchWorker(ctx, "w1", ""))
	require.Eventually(t, func() bool {
		workers, err := h.store.ListWorkers(ctx)
		return err == nil && len(workers) == 1 && workers[0].CurrentDocument == "doc-a"
	}, 5*time.Second, 5*time.Millisecond)

	close(release)
	require.NoError(t, <-done)
}
