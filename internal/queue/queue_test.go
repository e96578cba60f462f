package queue

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kalambet/runq/internal/storage"
	"github.com/kalambet/runq/internal/testutil"
)

func newTestQueue(t *testing.T, opts Options, docs ...string) (*Queue, *storage.Store, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock()
	s := testutil.OpenStore(t, clock)
	testutil.SeedRun(t, s, "run-1", docs...)
	return New(s, "run-1", opts), s, clock
}

func TestQueue_ClaimBeginComplete(t *testing.T) {
	q, _, _ := newTestQueue(t, DefaultOptions(), "doc-a")
	ctx := context.Background()

	item, err := q.ClaimNext(ctx, "w1")
	if err != nil || item == nil {
		t.Fatalf("ClaimNext: %v %v", item, err)
	}
	if st, err := q.Begin(ctx, item.Claim()); err != nil || st != StatusOK {
		t.Fatalf("Begin: %v %v", st, err)
	}
	if st, err := q.Heartbeat(ctx, item.Claim()); err != nil || st != StatusOK {
		t.Fatalf("Heartbeat: %v %v", st, err)
	}
	st, term, err := q.Complete(ctx, item.Claim())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if st != StatusOK || term.Remaining != 0 {
		t.Errorf("Complete = %v %+v, want ok with 0 remaining", st, term)
	}

	next, err := q.ClaimNext(ctx, "w1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if next != nil {
		t.Errorf("claimed %q from an empty queue", next.DocumentID)
	}
}

func TestQueue_Enqueue(t *testing.T) {
	q, _, _ := newTestQueue(t, DefaultOptions())
	ctx := context.Background()

	r, err := q.Enqueue(ctx, "doc-a")
	if err != nil || r != Inserted {
		t.Fatalf("first Enqueue = %v %v, want inserted", r, err)
	}
	r, err = q.Enqueue(ctx, "doc-a")
	if err != nil || r != AlreadyExists {
		t.Fatalf("second Enqueue = %v %v, want already_exists", r, err)
	}
}

func TestQueue_ReclaimMakesCompleteLost(t *testing.T) {
	opts := DefaultOptions()
	opts.ClaimTimeout = time.Minute
	q, _, clock := newTestQueue(t, opts, "doc-a")
	ctx := context.Background()

	item, _ := q.ClaimNext(ctx, "w1")
	q.Begin(ctx, item.Claim())
	clock.Advance(2 * time.Minute)

	reclaimed, err := q.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if len(reclaimed) != 1 {
		t.Fatalf("reclaimed %d, want 1", len(reclaimed))
	}

	if st, _ := q.Heartbeat(ctx, item.Claim()); st != StatusLost {
		t.Errorf("Heartbeat after reclaim = %v, want lost", st)
	}
	st, term, err := q.Complete(ctx, item.Claim())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if st != StatusLost || term.Applied {
		t.Errorf("Complete after reclaim = %v %+v, want lost", st, term)
	}

	again, _ := q.ClaimNext(ctx, "w2")
	if again == nil || again.DocumentID != "doc-a" {
		t.Fatalf("w2 could not claim the reclaimed item: %+v", again)
	}
}

func TestQueue_BoundedRetries(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxRetries = 2
	q, s, _ := newTestQueue(t, opts, "doc-a")
	ctx := context.Background()

	want := []storage.FailOutcome{Retried, Retried, DeadLettered}
	for i, w := range want {
		item, err := q.ClaimNext(ctx, "w1")
		if err != nil || item == nil {
			t.Fatalf("failure %d: ClaimNext: %v %v", i+1, item, err)
		}
		q.Begin(ctx, item.Claim())
		// The last failure dead-letters whatever its retryability.
		res, err := q.Fail(ctx, item.Claim(), errors.New("parse error"), i < 2)
		if err != nil {
			t.Fatalf("Fail: %v", err)
		}
		if res.Outcome != w {
			t.Fatalf("failure %d: outcome = %v, want %v", i+1, res.Outcome, w)
		}
	}

	got, _ := s.GetItem(ctx, "run-1", "doc-a")
	if got.Status != storage.ItemDeadLetter || got.Attempts != 3 {
		t.Errorf("item = %+v, want dead_letter after 3 attempts", got)
	}
	if item, _ := q.ClaimNext(ctx, "w1"); item != nil {
		t.Error("dead-lettered item re-entered the queue")
	}
}

func TestQueue_FailStaleCatchesHeartbeatingWorker(t *testing.T) {
	opts := DefaultOptions()
	opts.ClaimTimeout = time.Minute
	opts.StaleThreshold = 10 * time.Minute
	opts.MaxRetries = 1
	q, _, clock := newTestQueue(t, opts, "doc-a")
	ctx := context.Background()

	item, _ := q.ClaimNext(ctx, "w1")
	q.Begin(ctx, item.Claim())
	for i := 0; i < 12; i++ {
		clock.Advance(time.Minute - time.Second)
		if st, _ := q.Heartbeat(ctx, item.Claim()); st != StatusOK {
			t.Fatalf("heartbeat %d lost before the watchdog ran", i)
		}
	}
	if reclaimed, _ := q.ReclaimExpired(ctx); len(reclaimed) != 0 {
		t.Fatal("liveness sweep reclaimed a heartbeating claim")
	}

	results, err := q.FailStale(ctx)
	if err != nil {
		t.Fatalf("FailStale: %v", err)
	}
	if len(results) != 1 || results[0].Result.Outcome != Retried {
		t.Fatalf("FailStale = %+v, want one retried item", results)
	}
	if st, _ := q.Heartbeat(ctx, item.Claim()); st != StatusLost {
		t.Error("stuck worker still owns its claim after the watchdog")
	}

	item, _ = q.ClaimNext(ctx, "w1")
	q.Begin(ctx, item.Claim())
	clock.Advance(11 * time.Minute)
	q.Heartbeat(ctx, item.Claim())
	results, _ = q.FailStale(ctx)
	if len(results) != 1 || results[0].Result.Outcome != DeadLettered {
		t.Fatalf("second FailStale = %+v, want dead-lettered", results)
	}
	if !results[0].Result.Terminal.Applied {
		t.Error("watchdog dead letter did not report a terminal transition")
	}
}

func TestQueue_FailStaleDisabled(t *testing.T) {
	opts := DefaultOptions()
	opts.StaleThreshold = 0
	q, _, clock := newTestQueue(t, opts, "doc-a")
	q.ClaimNext(context.Background(), "w1")
	clock.Advance(24 * time.Hour)

	results, err := q.FailStale(context.Background())
	if err != nil || results != nil {
		t.Errorf("FailStale = %v %v, want nothing when disabled", results, err)
	}
}

// flakyStore fails the first n ClaimNext calls with err.
type flakyStore struct {
	Store
	n     int
	err   error
	calls int
}

func (f *flakyStore) ClaimNext(ctx context.Context, runID, workerID string, d time.Duration) (*storage.WorkItem, error) {
	f.calls++
	if f.calls <= f.n {
		return nil, f.err
	}
	return &storage.WorkItem{RunID: runID, DocumentID: "doc-a", OwnerID: workerID}, nil
}

func TestQueue_RetriesTransientErrors(t *testing.T) {
	fs := &flakyStore{n: 2, err: fmt.Errorf("exec: %w", driver.ErrBadConn)}
	opts := DefaultOptions()
	opts.TransientBackoff = time.Millisecond
	q := New(fs, "run-1", opts)

	item, err := q.ClaimNext(context.Background(), "w1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if item == nil || fs.calls != 3 {
		t.Errorf("item=%v calls=%d, want success on third call", item, fs.calls)
	}
}

func TestQueue_GivesUpAfterTransientAttempts(t *testing.T) {
	fs := &flakyStore{n: 100, err: driver.ErrBadConn}
	opts := DefaultOptions()
	opts.TransientBackoff = time.Millisecond
	opts.TransientAttempts = 3
	q := New(fs, "run-1", opts)

	_, err := q.ClaimNext(context.Background(), "w1")
	if !errors.Is(err, driver.ErrBadConn) {
		t.Fatalf("error = %v, want ErrBadConn", err)
	}
	if fs.calls != 3 {
		t.Errorf("calls = %d, want 3", fs.calls)
	}
}

func TestQueue_DoesNotRetryPermanentErrors(t *testing.T) {
	fs := &flakyStore{n: 100, err: errors.New("no such table: work_items")}
	q := New(fs, "run-1", DefaultOptions())

	if _, err := q.ClaimNext(context.Background(), "w1"); err == nil {
		t.Fatal("expected error")
	}
	if fs.calls != 1 {
		t.Errorf("calls = %d, want 1", fs.calls)
	}
}

func TestQueue_TransientRetryStopsOnCancel(t *testing.T) {
	fs := &flakyStore{n: 100, err: driver.ErrBadConn}
	opts := DefaultOptions()
	opts.TransientBackoff = time.Hour
	q := New(fs, "run-1", opts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.ClaimNext(ctx, "w1")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}
