package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const deadLetterColumns = `id, run_id, document_id, generation, attempts, reason, last_error, history_json,
	first_failed_at, last_failed_at, created_at, requeued_at, requeued_by`

func scanDeadLetter(row rowScanner) (DeadLetterEntry, error) {
	var d DeadLetterEntry
	var historyJSON string
	var firstFailed, lastFailed, createdAt, requeuedAt int64
	if err := row.Scan(&d.ID, &d.RunID, &d.DocumentID, &d.Generation, &d.Attempts, &d.Reason, &d.LastError, &historyJSON,
		&firstFailed, &lastFailed, &createdAt, &requeuedAt, &d.RequeuedBy); err != nil {
		return DeadLetterEntry{}, err
	}
	if err := json.Unmarshal([]byte(historyJSON), &d.History); err != nil {
		return DeadLetterEntry{}, fmt.Errorf("parsing history of dead letter %s: %w", d.ID, err)
	}
	d.FirstFailedAt = fromMS(firstFailed)
	d.LastFailedAt = fromMS(lastFailed)
	d.CreatedAt = fromMS(createdAt)
	d.RequeuedAt = fromMS(requeuedAt)
	return d, nil
}

// ListDeadLetters returns dead letters newest first.
func (s *Store) ListDeadLetters(ctx context.Context, f DeadLetterFilter) ([]DeadLetterEntry, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters WHERE 1 = 1`
	var args []any
	if f.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, f.RunID)
	}
	if f.DocumentID != "" {
		query += ` AND document_id = ?`
		args = append(args, f.DocumentID)
	}
	if !f.IncludeRequeued {
		query += ` AND requeued_at = 0`
	}
	query += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetterEntry
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) GetDeadLetter(ctx context.Context, id string) (DeadLetterEntry, error) {
	d, err := scanDeadLetter(s.db.QueryRowContext(ctx, s.q(`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return DeadLetterEntry{}, ErrNotFound
	}
	if err != nil {
		return DeadLetterEntry{}, fmt.Errorf("loading dead letter %s: %w", id, err)
	}
	return d, nil
}

// RequeueDeadLetter sends the document's open dead letter back to the queue:
// the work item restarts as pending with fresh attempt and reclaim budgets under a new
// generation, the dead letter stays as history with a requeued marker, and
// the run's counter is incremented (reopening a finished run). Returns
// ErrNotFound if the document has no open dead letter.
func (s *Store) RequeueDeadLetter(ctx context.Context, runID, documentID, actor string) (DeadLetterEntry, error) {
	var entry DeadLetterEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		d, err := scanDeadLetter(tx.QueryRowContext(ctx, s.q(`
			SELECT `+deadLetterColumns+` FROM dead_letters
			WHERE run_id = ? AND document_id = ? AND requeued_at = 0
			ORDER BY created_at DESC
			LIMIT 1`+s.dialect.forUpdate),
			runID, documentID,
		))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("loading dead letter for %s: %w", documentID, err)
		}
		if err := s.requeueTx(ctx, tx, &d, actor); err != nil {
			return err
		}
		entry = d
		return nil
	})
	if err != nil {
		return DeadLetterEntry{}, err
	}
	return entry, nil
}

// RequeueRun requeues every open dead letter of the run and returns how many
// documents re-entered the queue.
func (s *Store) RequeueRun(ctx context.Context, runID, actor string) (int, error) {
	count := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		count = 0
		rows, err := tx.QueryContext(ctx, s.q(`
			SELECT `+deadLetterColumns+` FROM dead_letters
			WHERE run_id = ? AND requeued_at = 0
			ORDER BY created_at`+s.dialect.forUpdate),
			runID,
		)
		if err != nil {
			return fmt.Errorf("listing dead letters of run %s: %w", runID, err)
		}
		var open []DeadLetterEntry
		for rows.Next() {
			d, err := scanDeadLetter(rows)
			if err != nil {
				rows.Close()
				return err
			}
			open = append(open, d)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		seen := make(map[string]bool, len(open))
		for i := range open {
			if seen[open[i].DocumentID] {
				continue
			}
			seen[open[i].DocumentID] = true
			if err := s.requeueTx(ctx, tx, &open[i], actor); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) requeueTx(ctx context.Context, tx *sql.Tx, d *DeadLetterEntry, actor string) error {
	now := s.now()
	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE work_items SET status = ?, owner_id = '', claim_token = '', claimed_at = 0, heartbeat_at = 0, begun_at = 0,
			retry_after = 0, attempts = 0, reclaims = 0, generation = generation + 1, last_error = '', updated_at = ?
		WHERE run_id = ? AND document_id = ? AND status = ?`),
		ItemPending, ms(now), d.RunID, d.DocumentID, ItemDeadLetter,
	)
	if err != nil {
		return fmt.Errorf("requeueing %s: %w", d.DocumentID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, s.q(`
		UPDATE dead_letters SET requeued_at = ?, requeued_by = ? WHERE id = ?`),
		ms(now), actor, d.ID,
	); err != nil {
		return fmt.Errorf("marking dead letter %s requeued: %w", d.ID, err)
	}
	if err := s.insertAudit(ctx, tx, AuditEntry{
		DeadLetterID: d.ID, RunID: d.RunID, DocumentID: d.DocumentID, Action: "requeued", Actor: actor, At: now,
	}); err != nil {
		return err
	}
	if _, err := s.adjustOutstanding(ctx, tx, d.RunID, 1); err != nil {
		return err
	}
	d.RequeuedAt = now.UTC()
	d.RequeuedBy = actor
	return nil
}

// PurgeDeadLetters deletes dead letters whose last failure is older than
// olderThan and returns how many were removed. Each purge leaves an audit row.
func (s *Store) PurgeDeadLetters(ctx context.Context, olderThan time.Duration, actor string) (int, error) {
	count := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		count = 0
		now := s.now()
		cutoff := ms(now.Add(-olderThan))

		rows, err := tx.QueryContext(ctx, s.q(`
			SELECT id, run_id, document_id FROM dead_letters WHERE last_failed_at < ?`), cutoff)
		if err != nil {
			return fmt.Errorf("finding dead letters to purge: %w", err)
		}
		var victims []AuditEntry
		for rows.Next() {
			var a AuditEntry
			if err := rows.Scan(&a.DeadLetterID, &a.RunID, &a.DocumentID); err != nil {
				rows.Close()
				return err
			}
			victims = append(victims, a)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		for _, v := range victims {
			v.Action, v.Actor, v.At = "purged", actor, now
			if err := s.insertAudit(ctx, tx, v); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM dead_letters WHERE id = ?`), v.DeadLetterID); err != nil {
				return fmt.Errorf("deleting dead letter %s: %w", v.DeadLetterID, err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) insertAudit(ctx context.Context, tx *sql.Tx, a AuditEntry) error {
	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO dead_letter_audit (dead_letter_id, run_id, document_id, action, actor, at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		a.DeadLetterID, a.RunID, a.DocumentID, a.Action, a.Actor, ms(a.At),
	)
	if err != nil {
		return fmt.Errorf("recording %s audit for %s: %w", a.Action, a.DocumentID, err)
	}
	return nil
}

// AuditTrail returns the manual actions taken on the run's dead letters,
// oldest first. An empty documentID matches every document.
func (s *Store) AuditTrail(ctx context.Context, runID, documentID string) ([]AuditEntry, error) {
	query := `SELECT dead_letter_id, run_id, document_id, action, actor, at FROM dead_letter_audit WHERE run_id = ?`
	args := []any{runID}
	if documentID != "" {
		query += ` AND document_id = ?`
		args = append(args, documentID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var a AuditEntry
		var at int64
		if err := rows.Scan(&a.DeadLetterID, &a.RunID, &a.DocumentID, &a.Action, &a.Actor, &at); err != nil {
			return nil, err
		}
		a.At = fromMS(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeadLetterCounts returns the number of open (not requeued) dead letters per run.
func (s *Store) DeadLetterCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, COUNT(*) FROM dead_letters WHERE requeued_at = 0 GROUP BY run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var runID string
		var n int
		if err := rows.Scan(&runID, &n); err != nil {
			return nil, err
		}
		counts[runID] = n
	}
	return counts, rows.Err()
}
