package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// clockResync is how long a measured store clock offset is trusted before it
// is measured again.
const clockResync = time.Minute

// storeClock reads the database server's time as an offset from the local
// clock. Leases and claims are stamped and compared in store time, so hosts
// with skewed clocks sharing one store still agree on expiry.
type storeClock struct {
	db    *sql.DB
	query string
	local func() time.Time

	mu       sync.Mutex
	offset   time.Duration
	syncedAt time.Time
	syncing  atomic.Bool
}

func newStoreClock(db *sql.DB, query string, local func() time.Time) *storeClock {
	return &storeClock{db: db, query: query, local: local}
}

// sync measures the offset, assuming the server read the clock halfway
// through the round trip.
func (c *storeClock) sync(ctx context.Context) error {
	before := c.local()
	var serverMS int64
	if err := c.db.QueryRowContext(ctx, c.query).Scan(&serverMS); err != nil {
		return fmt.Errorf("reading store clock: %w", err)
	}
	after := c.local()
	mid := before.Add(after.Sub(before) / 2)

	c.mu.Lock()
	c.offset = fromMS(serverMS).Sub(mid)
	c.syncedAt = after
	c.mu.Unlock()
	return nil
}

// Now returns the current store time. A stale offset is refreshed in the
// background; Now itself never touches the database, so it is safe to call
// inside a transaction holding the only connection.
func (c *storeClock) Now() time.Time {
	local := c.local()
	c.mu.Lock()
	offset, stale := c.offset, local.Sub(c.syncedAt) > clockResync
	c.mu.Unlock()

	if stale && c.syncing.CompareAndSwap(false, true) {
		go func() {
			defer c.syncing.Store(false)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			// On failure the previous offset stays in use until the next try.
			_ = c.sync(ctx)
		}()
	}
	return local.Add(offset)
}

func (c *storeClock) Offset() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}
