package storage

import (
	"context"
	"fmt"
)

// RegisterWorker records a live worker process, replacing any previous record
// with the same id.
func (s *Store) RegisterWorker(ctx context.Context, w Worker) error {
	now := ms(s.now())
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO workers (id, hostname, pid, run_id, current_document, started_at, last_seen_at)
		VALUES (?, ?, ?, ?, '', ?, ?)
		ON CONFLICT (id) DO UPDATE SET hostname = excluded.hostname, pid = excluded.pid, run_id = excluded.run_id,
			started_at = excluded.started_at, last_seen_at = excluded.last_seen_at`),
		w.ID, w.Hostname, w.PID, w.RunID, now, now,
	)
	if err != nil {
		return fmt.Errorf("registering worker %s: %w", w.ID, err)
	}
	return nil
}

// TouchWorker refreshes the worker's last-seen stamp and the document it is
// currently holding (empty when idle).
func (s *Store) TouchWorker(ctx context.Context, id, currentDocument string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE workers SET last_seen_at = ?, current_document = ? WHERE id = ?`),
		ms(s.now()), currentDocument, id,
	)
	if err != nil {
		return fmt.Errorf("touching worker %s: %w", id, err)
	}
	return nil
}

// RemoveWorker deletes the worker's liveness record on graceful shutdown.
func (s *Store) RemoveWorker(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM workers WHERE id = ?`), id); err != nil {
		return fmt.Errorf("removing worker %s: %w", id, err)
	}
	return nil
}

// ListWorkers returns known workers, most recently seen first.
func (s *Store) ListWorkers(ctx context.Context) ([]Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hostname, pid, run_id, current_document, started_at, last_seen_at
		FROM workers ORDER BY last_seen_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Worker
	for rows.Next() {
		var w Worker
		var startedAt, lastSeen int64
		if err := rows.Scan(&w.ID, &w.Hostname, &w.PID, &w.RunID, &w.CurrentDocument, &startedAt, &lastSeen); err != nil {
			return nil, err
		}
		w.StartedAt = fromMS(startedAt)
		w.LastSeenAt = fromMS(lastSeen)
		out = append(out, w)
	}
	return out, rows.Err()
}

// RunStats returns the monitoring projection of one run: item counts by
// status, the outstanding counter and open dead letters.
func (s *Store) RunStats(ctx context.Context, runID string) (RunStats, error) {
	r, err := s.GetRun(ctx, runID)
	if err != nil {
		return RunStats{}, err
	}
	stats := RunStats{Run: r, Counts: make(map[ItemStatus]int)}

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT status, COUNT(*) FROM work_items WHERE run_id = ? GROUP BY status`), runID)
	if err != nil {
		return RunStats{}, fmt.Errorf("counting items of run %s: %w", runID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return RunStats{}, err
		}
		stats.Counts[ItemStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return RunStats{}, err
	}

	if err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM dead_letters WHERE run_id = ? AND requeued_at = 0`), runID,
	).Scan(&stats.DeadLetters); err != nil {
		return RunStats{}, fmt.Errorf("counting dead letters of run %s: %w", runID, err)
	}
	return stats, nil
}
