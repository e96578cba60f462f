package storage

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// openPostgres connects to the database named by RUNQ_POSTGRES_DSN, skipping
// the test when it is unset.
func openPostgres(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("RUNQ_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RUNQ_POSTGRES_DSN not set")
	}
	s, err := OpenPostgres(context.Background(), dsn)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgres_ClaimSkipLocked(t *testing.T) {
	s := openPostgres(t)
	ctx := context.Background()
	runID := "pg-" + uuid.NewString()

	docs := make([]string, 50)
	for i := range docs {
		docs[i] = uuid.NewString()
	}
	seedRun(t, s, runID, docs...)

	var (
		mu     sync.Mutex
		claims = make(map[string]int)
		wg     sync.WaitGroup
	)
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				item, err := s.ClaimNext(ctx, runID, workerID, time.Hour)
				if err != nil {
					if IsTransient(err) {
						continue
					}
					t.Errorf("ClaimNext: %v", err)
					return
				}
				if item == nil {
					return
				}
				mu.Lock()
				claims[item.DocumentID]++
				mu.Unlock()
			}
		}(uuid.NewString())
	}
	wg.Wait()

	if len(claims) != len(docs) {
		t.Errorf("claimed %d distinct items, want %d", len(claims), len(docs))
	}
	for doc, n := range claims {
		if n != 1 {
			t.Errorf("document %s claimed %d times", doc, n)
		}
	}
}

func TestPostgres_FinalizeOnce(t *testing.T) {
	s := openPostgres(t)
	ctx := context.Background()
	runID := "pg-" + uuid.NewString()
	seedRun(t, s, runID, "a", "b")
	s.AcquireLease(ctx, runID, "leader", time.Minute)
	if _, ok, err := s.FinishDiscovery(ctx, runID, "leader"); !ok || err != nil {
		t.Fatalf("FinishDiscovery: %v %v", ok, err)
	}

	a, _ := s.ClaimNext(ctx, runID, "w1", time.Minute)
	b, _ := s.ClaimNext(ctx, runID, "w2", time.Minute)
	s.Begin(ctx, a.Claim())
	s.Begin(ctx, b.Claim())

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for _, item := range []*WorkItem{a, b} {
		wg.Add(1)
		go func(c Claim) {
			defer wg.Done()
			term, err := s.Complete(ctx, c)
			if err != nil || !term.Applied {
				t.Errorf("Complete: %+v %v", term, err)
				return
			}
			if term.Remaining != 0 {
				return
			}
			if _, ok, _ := s.BeginFinalizing(ctx, runID, c.WorkerID); ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(item.Claim())
	}
	wg.Wait()
	if winners != 1 {
		t.Errorf("finalization winners = %d, want 1", winners)
	}
}
