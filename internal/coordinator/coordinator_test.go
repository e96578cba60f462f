package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/runq/internal/queue"
	"github.com/kalambet/runq/internal/storage"
	"github.com/kalambet/runq/internal/testutil"
)

// sliceSource yields ids in order, calling hook (if set) before each one.
type sliceSource struct {
	ids  []string
	hook func(i int)
}

func (s sliceSource) Discover(ctx context.Context, yield func(string) error) error {
	for i, id := range s.ids {
		if s.hook != nil {
			s.hook(i)
		}
		if err := yield(id); err != nil {
			return err
		}
	}
	return nil
}

func docs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("doc-%02d", i)
	}
	return out
}

var testRun = RunConfig{Name: "nightly", Sources: []string{"/data/docs"}, Extensions: []string{"md"}}

func newCoordinator(t *testing.T, s *storage.Store, workerID string, opts Options) *Coordinator {
	t.Helper()
	q := queue.New(s, RunID(testRun), queue.DefaultOptions())
	c, err := New(s, q, testRun, workerID, opts)
	require.NoError(t, err)
	return c
}

func TestRunID_Deterministic(t *testing.T) {
	a := RunConfig{Name: "nightly", Sources: []string{"/data/b", "/data/a/"}, Extensions: []string{"MD", ".txt"}}
	b := RunConfig{Name: " nightly ", Sources: []string{"/data/a", "/data/b", "/data/a"}, Extensions: []string{".txt", "md"}}
	assert.Equal(t, RunID(a), RunID(b))
	assert.Regexp(t, `^run-[0-9a-f]{16}$`, RunID(a))

	c := a
	c.Extensions = []string{"md"}
	assert.NotEqual(t, RunID(a), RunID(c))
}

func TestNew_RejectsRenewNotShorterThanLease(t *testing.T) {
	s := testutil.OpenStore(t, testutil.NewClock())
	_, err := New(s, nil, testRun, "w1", Options{LeaseDuration: time.Second, RenewInterval: time.Second})
	assert.Error(t, err)
}

func TestTryBecomeLeader_SingleWinner(t *testing.T) {
	s := testutil.OpenStore(t, testutil.NewClock())
	ctx := context.Background()

	var (
		mu      sync.Mutex
		granted []string
		holders = make(map[string]bool)
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		c := newCoordinator(t, s, fmt.Sprintf("w%d", i), DefaultOptions())
		_, err := c.EnsureRun(ctx)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.TryBecomeLeader(ctx)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Outcome == storage.LeaseGranted {
				granted = append(granted, c.workerID)
			} else {
				holders[res.Holder] = true
			}
		}()
	}
	wg.Wait()

	require.Len(t, granted, 1)
	for h := range holders {
		assert.Equal(t, granted[0], h)
	}
}

func TestRenewLease_LostAfterTakeover(t *testing.T) {
	clock := testutil.NewClock()
	s := testutil.OpenStore(t, clock)
	ctx := context.Background()

	w1 := newCoordinator(t, s, "w1", DefaultOptions())
	w2 := newCoordinator(t, s, "w2", DefaultOptions())
	_, err := w1.EnsureRun(ctx)
	require.NoError(t, err)

	res, err := w1.TryBecomeLeader(ctx)
	require.NoError(t, err)
	require.Equal(t, storage.LeaseGranted, res.Outcome)

	status, err := w1.RenewLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, Renewed, status)

	clock.Advance(31 * time.Second)
	res, err = w2.TryBecomeLeader(ctx)
	require.NoError(t, err)
	require.Equal(t, storage.LeaseGranted, res.Outcome)

	status, err = w1.RenewLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, Lost, status)

	require.NoError(t, w1.Relinquish(ctx))
	res, err = w1.TryBecomeLeader(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.LeaseDenied, res.Outcome)
	assert.Equal(t, "w2", res.Holder)
}

func TestDiscover_EnqueuesAndActivates(t *testing.T) {
	s := testutil.OpenStore(t, testutil.NewClock())
	ctx := context.Background()
	opts := DefaultOptions()
	opts.BatchSize = 3
	c := newCoordinator(t, s, "w1", opts)

	res, err := c.Discover(ctx, sliceSource{ids: docs(10)})
	require.NoError(t, err)
	assert.True(t, res.Leader)
	assert.True(t, res.Finished)
	assert.Equal(t, 10, res.Discovered)
	assert.Equal(t, 10, res.Enqueued)
	assert.EqualValues(t, 10, res.Remaining)

	run, err := s.GetRun(ctx, c.RunID())
	require.NoError(t, err)
	assert.Equal(t, storage.RunActive, run.Status)
	assert.Empty(t, run.LeaderID, "lease should be released after discovery")

	// A second pass by another worker is idempotent.
	other := newCoordinator(t, s, "w2", opts)
	res, err = other.Discover(ctx, sliceSource{ids: docs(10)})
	require.NoError(t, err)
	assert.True(t, res.Finished)
	assert.Zero(t, res.Enqueued)
	assert.EqualValues(t, 10, res.Remaining)
}

func TestDiscover_DeniedWhileAnotherLeads(t *testing.T) {
	s := testutil.OpenStore(t, testutil.NewClock())
	ctx := context.Background()
	leader := newCoordinator(t, s, "w1", DefaultOptions())
	follower := newCoordinator(t, s, "w2", DefaultOptions())

	_, err := leader.EnsureRun(ctx)
	require.NoError(t, err)
	_, err = leader.TryBecomeLeader(ctx)
	require.NoError(t, err)

	res, err := follower.Discover(ctx, sliceSource{ids: docs(3)})
	require.NoError(t, err)
	assert.False(t, res.Leader)
	assert.Equal(t, "w1", res.Holder)
	assert.Zero(t, res.Enqueued)
}

func TestDiscover_AbortsOnLeadershipLoss(t *testing.T) {
	clock := testutil.NewClock()
	s := testutil.OpenStore(t, clock)
	ctx := context.Background()
	opts := DefaultOptions()
	opts.BatchSize = 2

	w1 := newCoordinator(t, s, "w1", opts)
	w2 := newCoordinator(t, s, "w2", opts)

	src := sliceSource{ids: docs(6), hook: func(i int) {
		if i == 3 {
			// w1 stalls past its lease and w2 takes over.
			clock.Advance(31 * time.Second)
			res, err := w2.TryBecomeLeader(ctx)
			require.NoError(t, err)
			require.Equal(t, storage.LeaseGranted, res.Outcome)
		}
	}}

	res, err := w1.Discover(ctx, src)
	require.NoError(t, err)
	assert.True(t, res.LeadershipLost)
	assert.False(t, res.Finished)
	assert.Equal(t, 2, res.Enqueued)

	run, err := s.GetRun(ctx, w1.RunID())
	require.NoError(t, err)
	assert.Equal(t, storage.RunDiscovering, run.Status)
	assert.Equal(t, "w2", run.LeaderID, "w1 must not release a lease it no longer holds")

	require.NoError(t, w2.Relinquish(ctx))
	res, err = w2.Discover(ctx, sliceSource{ids: docs(6)})
	require.NoError(t, err)
	assert.True(t, res.Finished)
	assert.Equal(t, 4, res.Enqueued)
	assert.EqualValues(t, 6, res.Remaining)
}

func TestDiscover_SkipsFinishedRun(t *testing.T) {
	s := testutil.OpenStore(t, testutil.NewClock())
	ctx := context.Background()
	c := newCoordinator(t, s, "w1", DefaultOptions())

	res, err := c.Discover(ctx, sliceSource{})
	require.NoError(t, err)
	require.True(t, res.Finished)
	require.Zero(t, res.Remaining)

	epoch, ok, err := s.BeginFinalizing(ctx, c.RunID(), "w1")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = s.FinishFinalizing(ctx, c.RunID(), epoch)
	require.NoError(t, err)

	res, err = c.Discover(ctx, sliceSource{ids: docs(2)})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, res.Enqueued)
}
