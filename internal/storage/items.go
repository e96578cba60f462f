package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const itemColumns = `id, run_id, document_id, status, owner_id, claim_token, claimed_at, heartbeat_at,
	begun_at, attempts, reclaims, generation, last_error, created_at, updated_at, completed_at`

func scanItem(row rowScanner) (WorkItem, error) {
	var w WorkItem
	var status string
	var claimedAt, heartbeatAt, begunAt, createdAt, updatedAt, completedAt int64
	if err := row.Scan(&w.ID, &w.RunID, &w.DocumentID, &status, &w.OwnerID, &w.ClaimToken, &claimedAt, &heartbeatAt,
		&begunAt, &w.Attempts, &w.Reclaims, &w.Generation, &w.LastError, &createdAt, &updatedAt, &completedAt); err != nil {
		return WorkItem{}, err
	}
	w.Status = ItemStatus(status)
	w.ClaimedAt = fromMS(claimedAt)
	w.HeartbeatAt = fromMS(heartbeatAt)
	w.BegunAt = fromMS(begunAt)
	w.CreatedAt = fromMS(createdAt)
	w.UpdatedAt = fromMS(updatedAt)
	w.CompletedAt = fromMS(completedAt)
	return w, nil
}

// Enqueue inserts a pending item for documentID unless one already exists for
// the run. A successful insert bumps the run's outstanding counter in the same
// transaction, so the counter never lags the rows it counts.
func (s *Store) Enqueue(ctx context.Context, runID, documentID string) (inserted bool, err error) {
	n, err := s.EnqueueBatch(ctx, runID, []string{documentID})
	return n == 1, err
}

// EnqueueBatch is Enqueue for many documents in one transaction. It returns
// how many were new.
func (s *Store) EnqueueBatch(ctx context.Context, runID string, documentIDs []string) (int, error) {
	if len(documentIDs) == 0 {
		return 0, nil
	}
	inserted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		inserted = 0
		now := ms(s.now())
		for _, docID := range documentIDs {
			res, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO work_items (run_id, document_id, status, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (run_id, document_id) DO NOTHING`),
				runID, docID, ItemPending, now, now,
			)
			if err != nil {
				return fmt.Errorf("inserting work item %s: %w", docID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("checking inserted rows: %w", err)
			}
			inserted += int(n)
		}
		if inserted == 0 {
			return nil
		}
		_, err := s.adjustOutstanding(ctx, tx, runID, int64(inserted))
		return err
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ClaimNext atomically takes one claimable item of the run for workerID:
// a pending item, a retryable failure whose backoff elapsed, or a claim whose
// heartbeat is older than claimTimeout. Selection and transition are one
// statement; on Postgres the candidate row is locked with SKIP LOCKED so
// concurrent claimers never wait on or receive the same row. Returns nil when
// nothing is claimable.
func (s *Store) ClaimNext(ctx context.Context, runID, workerID string, claimTimeout time.Duration) (*WorkItem, error) {
	now := s.now()
	expiredBefore := ms(now.Add(-claimTimeout))
	token := uuid.New().String()

	claimable := `(status = ? OR (status = ? AND retry_after <= ?) OR (status IN (?, ?) AND heartbeat_at < ?))`
	claimableArgs := []any{ItemPending, ItemFailedRetryable, ms(now), ItemClaimed, ItemProcessing, expiredBefore}

	query := `UPDATE work_items SET status = ?, owner_id = ?, claim_token = ?, claimed_at = ?, heartbeat_at = ?,
			begun_at = 0, retry_after = 0, updated_at = ?
		WHERE id = (
			SELECT id FROM work_items
			WHERE run_id = ? AND ` + claimable + `
			ORDER BY id
			LIMIT 1` + s.dialect.skipLocked + `
		) AND ` + claimable + `
		RETURNING ` + itemColumns

	args := []any{ItemClaimed, workerID, token, ms(now), ms(now), ms(now), runID}
	args = append(args, claimableArgs...)
	args = append(args, claimableArgs...)

	w, err := scanItem(s.db.QueryRowContext(ctx, s.q(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming next item of run %s: %w", runID, err)
	}
	return &w, nil
}

// Begin moves a claimed item into processing. False means the claim is lost.
func (s *Store) Begin(ctx context.Context, c Claim) (bool, error) {
	now := ms(s.now())
	return s.execOwned(ctx, `
		UPDATE work_items SET status = ?, begun_at = ?, heartbeat_at = ?, updated_at = ?
		WHERE run_id = ? AND document_id = ? AND owner_id = ? AND claim_token = ? AND status = ?`,
		ItemProcessing, now, now, now, c.RunID, c.DocumentID, c.WorkerID, c.Token, ItemClaimed,
	)
}

// Heartbeat extends the claim's liveness window. False means someone else has
// reclaimed the item and the caller must abandon its work.
func (s *Store) Heartbeat(ctx context.Context, c Claim) (bool, error) {
	now := ms(s.now())
	return s.execOwned(ctx, `
		UPDATE work_items SET heartbeat_at = ?, updated_at = ?
		WHERE run_id = ? AND document_id = ? AND owner_id = ? AND claim_token = ? AND status IN (?, ?)`,
		now, now, c.RunID, c.DocumentID, c.WorkerID, c.Token, ItemClaimed, ItemProcessing,
	)
}

func (s *Store) execOwned(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking updated rows: %w", err)
	}
	return n == 1, nil
}

// Terminal reports the effect of a transition on the run's outstanding
// counter. Remaining is only meaningful when Applied is true.
type Terminal struct {
	Applied   bool
	Remaining int64
}

// Complete transitions processing → completed for the claim owner and
// decrements the run's counter in the same transaction. Applied is false if
// the claim was lost.
func (s *Store) Complete(ctx context.Context, c Claim) (Terminal, error) {
	var t Terminal
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := ms(s.now())
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE work_items SET status = ?, completed_at = ?, updated_at = ?
			WHERE run_id = ? AND document_id = ? AND owner_id = ? AND claim_token = ? AND status = ?`),
			ItemCompleted, now, now, c.RunID, c.DocumentID, c.WorkerID, c.Token, ItemProcessing,
		)
		if err != nil {
			return fmt.Errorf("completing %s: %w", c.DocumentID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking updated rows: %w", err)
		}
		if n != 1 {
			return nil
		}
		remaining, err := s.adjustOutstanding(ctx, tx, c.RunID, -1)
		if err != nil {
			return err
		}
		t = Terminal{Applied: true, Remaining: remaining}
		return nil
	})
	if err != nil {
		return Terminal{}, err
	}
	return t, nil
}

// FailOutcome is where a failed item was routed.
type FailOutcome int

const (
	FailLost FailOutcome = iota
	FailRetried
	FailDeadLettered
)

func (o FailOutcome) String() string {
	switch o {
	case FailRetried:
		return "retried"
	case FailDeadLettered:
		return "dead_lettered"
	default:
		return "lost"
	}
}

// FailInput describes one failure of a claimed item.
type FailInput struct {
	Claim      Claim
	Error      string
	Retryable  bool
	MaxRetries int
	// RetryBackoff delays the next claim of a retried item; zero re-queues it
	// as pending immediately.
	RetryBackoff time.Duration
	Kind         AttemptKind
}

// FailResult reports the routing of a failure. Terminal is set when the item
// was dead-lettered.
type FailResult struct {
	Outcome    FailOutcome
	Attempts   int
	DeadLetter *DeadLetterEntry
	Terminal   Terminal
}

// Fail records a failed attempt and routes the item: back to the queue while
// it is retryable and within budget, otherwise to the dead-letter table. An
// item fails over to dead letter once attempts exceed MaxRetries, so it is
// retried exactly MaxRetries times.
func (s *Store) Fail(ctx context.Context, in FailInput) (FailResult, error) {
	if in.Kind == "" {
		in.Kind = AttemptFailure
	}
	var result FailResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result = FailResult{Outcome: FailLost}
		c := in.Claim

		var attempts, generation int
		err := tx.QueryRowContext(ctx, s.q(`
			SELECT attempts, generation FROM work_items
			WHERE run_id = ? AND document_id = ? AND owner_id = ? AND claim_token = ? AND status IN (?, ?)`+s.dialect.forUpdate),
			c.RunID, c.DocumentID, c.WorkerID, c.Token, ItemClaimed, ItemProcessing,
		).Scan(&attempts, &generation)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("loading %s for failure: %w", c.DocumentID, err)
		}

		now := s.now()
		attempts++
		result.Attempts = attempts

		if err := s.insertAttempt(ctx, tx, Attempt{
			RunID: c.RunID, DocumentID: c.DocumentID, Generation: generation, Attempt: attempts,
			WorkerID: c.WorkerID, Kind: in.Kind, Retryable: in.Retryable, Error: in.Error, At: now,
		}); err != nil {
			return err
		}

		if in.Retryable && attempts <= in.MaxRetries {
			status, retryAfter := ItemPending, int64(0)
			if in.RetryBackoff > 0 {
				status, retryAfter = ItemFailedRetryable, ms(now.Add(in.RetryBackoff))
			}
			if _, err := tx.ExecContext(ctx, s.q(`
				UPDATE work_items SET status = ?, owner_id = '', claim_token = '', attempts = ?, last_error = ?,
					retry_after = ?, updated_at = ?
				WHERE run_id = ? AND document_id = ?`),
				status, attempts, in.Error, retryAfter, ms(now), c.RunID, c.DocumentID,
			); err != nil {
				return fmt.Errorf("requeueing %s: %w", c.DocumentID, err)
			}
			result.Outcome = FailRetried
			return nil
		}

		if _, err := tx.ExecContext(ctx, s.q(`
			UPDATE work_items SET status = ?, attempts = ?, last_error = ?, updated_at = ?
			WHERE run_id = ? AND document_id = ?`),
			ItemDeadLetter, attempts, in.Error, ms(now), c.RunID, c.DocumentID,
		); err != nil {
			return fmt.Errorf("dead-lettering %s: %w", c.DocumentID, err)
		}

		reason := "exhausted"
		if !in.Retryable {
			reason = "fatal"
		}
		entry, term, err := s.deadLetterTx(ctx, tx, c.RunID, c.DocumentID, generation, attempts, reason, in.Error)
		if err != nil {
			return err
		}
		result.Outcome = FailDeadLettered
		result.DeadLetter = &entry
		result.Terminal = term
		return nil
	})
	if err != nil {
		return FailResult{}, err
	}
	return result, nil
}

func (s *Store) insertAttempt(ctx context.Context, tx *sql.Tx, a Attempt) error {
	retryable := 0
	if a.Retryable {
		retryable = 1
	}
	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO attempts (run_id, document_id, generation, attempt, worker_id, kind, retryable, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.RunID, a.DocumentID, a.Generation, a.Attempt, a.WorkerID, a.Kind, retryable, a.Error, ms(a.At),
	)
	if err != nil {
		return fmt.Errorf("recording attempt for %s: %w", a.DocumentID, err)
	}
	return nil
}

// deadLetterTx records the dead letter of an item already marked
// dead_letter and takes it off the run's outstanding counter.
func (s *Store) deadLetterTx(ctx context.Context, tx *sql.Tx, runID, documentID string, generation, attempts int, reason, lastErr string) (DeadLetterEntry, Terminal, error) {
	entry, err := s.insertDeadLetter(ctx, tx, runID, documentID, generation, attempts, reason, lastErr)
	if err != nil {
		return DeadLetterEntry{}, Terminal{}, err
	}
	remaining, err := s.adjustOutstanding(ctx, tx, runID, -1)
	if err != nil {
		return DeadLetterEntry{}, Terminal{}, err
	}
	return entry, Terminal{Applied: true, Remaining: remaining}, nil
}

func (s *Store) insertDeadLetter(ctx context.Context, tx *sql.Tx, runID, documentID string, generation, attempts int, reason, lastErr string) (DeadLetterEntry, error) {
	history, err := s.attemptsTx(ctx, tx, runID, documentID, generation)
	if err != nil {
		return DeadLetterEntry{}, err
	}
	now := s.now().UTC()
	entry := DeadLetterEntry{
		ID:           uuid.New().String(),
		RunID:        runID,
		DocumentID:   documentID,
		Generation:   generation,
		Attempts:     attempts,
		Reason:       reason,
		LastError:    lastErr,
		History:      history,
		LastFailedAt: now,
		CreatedAt:    now,
	}
	entry.FirstFailedAt = now
	for _, a := range history {
		if a.Kind != AttemptReclaim && a.At.Before(entry.FirstFailedAt) {
			entry.FirstFailedAt = a.At
		}
	}

	historyJSON, err := json.Marshal(history)
	if err != nil {
		return DeadLetterEntry{}, fmt.Errorf("marshalling attempt history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO dead_letters (id, run_id, document_id, generation, attempts, reason, last_error, history_json,
			first_failed_at, last_failed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.ID, runID, documentID, generation, attempts, reason, lastErr, string(historyJSON),
		ms(entry.FirstFailedAt), ms(entry.LastFailedAt), ms(entry.CreatedAt),
	); err != nil {
		return DeadLetterEntry{}, fmt.Errorf("inserting dead letter for %s: %w", documentID, err)
	}
	return entry, nil
}

func (s *Store) attemptsTx(ctx context.Context, tx *sql.Tx, runID, documentID string, generation int) ([]Attempt, error) {
	rows, err := tx.QueryContext(ctx, s.q(`
		SELECT attempt, worker_id, kind, retryable, error, at FROM attempts
		WHERE run_id = ? AND document_id = ? AND generation = ?
		ORDER BY id`),
		runID, documentID, generation,
	)
	if err != nil {
		return nil, fmt.Errorf("loading attempt history for %s: %w", documentID, err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		a := Attempt{RunID: runID, DocumentID: documentID, Generation: generation}
		var kind string
		var retryable int
		var at int64
		if err := rows.Scan(&a.Attempt, &a.WorkerID, &kind, &retryable, &a.Error, &at); err != nil {
			return nil, err
		}
		a.Kind = AttemptKind(kind)
		a.Retryable = retryable == 1
		a.At = fromMS(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Attempts returns the full attempt history of a document across generations.
func (s *Store) Attempts(ctx context.Context, runID, documentID string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT generation, attempt, worker_id, kind, retryable, error, at FROM attempts
		WHERE run_id = ? AND document_id = ?
		ORDER BY id`),
		runID, documentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		a := Attempt{RunID: runID, DocumentID: documentID}
		var kind string
		var retryable int
		var at int64
		if err := rows.Scan(&a.Generation, &a.Attempt, &a.WorkerID, &kind, &retryable, &a.Error, &at); err != nil {
			return nil, err
		}
		a.Kind = AttemptKind(kind)
		a.Retryable = retryable == 1
		a.At = fromMS(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Reclaim is one expired claim taken back by a sweep. DeadLetter is set when
// the item had used up its reclaim budget and was dead-lettered instead of
// re-queued.
type Reclaim struct {
	Item       WorkItem
	DeadLetter *DeadLetterEntry
	Terminal   Terminal
}

// ReclaimExpired returns claims whose heartbeat is older than claimTimeout to
// pending. Reclaims do not consume the attempt budget; they are counted and
// recorded in the history. An item already reclaimed maxReclaims times is
// dead-lettered on its next expiry, so a document that keeps killing its
// worker cannot circulate forever. A negative maxReclaims never caps. An
// empty runID sweeps every run.
func (s *Store) ReclaimExpired(ctx context.Context, runID string, claimTimeout time.Duration, maxReclaims int) ([]Reclaim, error) {
	var reclaimed []Reclaim
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		reclaimed = nil
		now := s.now()
		cutoff := ms(now.Add(-claimTimeout))

		query := `SELECT ` + itemColumns + ` FROM work_items WHERE status IN (?, ?) AND heartbeat_at < ?`
		args := []any{ItemClaimed, ItemProcessing, cutoff}
		if runID != "" {
			query += ` AND run_id = ?`
			args = append(args, runID)
		}
		query += ` ORDER BY id` + s.dialect.skipLocked

		expired, err := s.queryItems(ctx, tx, query, args...)
		if err != nil {
			return fmt.Errorf("finding expired claims: %w", err)
		}

		for _, w := range expired {
			exhausted := maxReclaims >= 0 && w.Reclaims >= maxReclaims
			msg := fmt.Sprintf("no heartbeat since %s", w.HeartbeatAt.Format(time.RFC3339))
			status, lastErr := ItemPending, w.LastError
			if exhausted {
				msg = fmt.Sprintf("%s after %d reclaims", msg, w.Reclaims)
				status, lastErr = ItemDeadLetter, msg
			}

			res, err := tx.ExecContext(ctx, s.q(`
				UPDATE work_items SET status = ?, owner_id = '', claim_token = '', reclaims = reclaims + 1,
					last_error = ?, updated_at = ?
				WHERE id = ? AND claim_token = ? AND status IN (?, ?) AND heartbeat_at < ?`),
				status, lastErr, ms(now), w.ID, w.ClaimToken, ItemClaimed, ItemProcessing, cutoff,
			)
			if err != nil {
				return fmt.Errorf("reclaiming %s: %w", w.DocumentID, err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				continue
			}
			if err := s.insertAttempt(ctx, tx, Attempt{
				RunID: w.RunID, DocumentID: w.DocumentID, Generation: w.Generation, Attempt: w.Attempts,
				WorkerID: w.OwnerID, Kind: AttemptReclaim, Retryable: !exhausted, Error: msg, At: now,
			}); err != nil {
				return err
			}

			r := Reclaim{Item: w}
			if exhausted {
				entry, term, err := s.deadLetterTx(ctx, tx, w.RunID, w.DocumentID, w.Generation, w.Attempts, "reclaimed", msg)
				if err != nil {
					return err
				}
				r.DeadLetter, r.Terminal = &entry, term
			}
			reclaimed = append(reclaimed, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reclaimed, nil
}

// ListStale returns claims taken before now-threshold that are still not
// terminal, whether or not they keep heartbeating.
func (s *Store) ListStale(ctx context.Context, runID string, threshold time.Duration) ([]WorkItem, error) {
	query := `SELECT ` + itemColumns + ` FROM work_items WHERE status IN (?, ?) AND claimed_at < ?`
	args := []any{ItemClaimed, ItemProcessing, ms(s.now().Add(-threshold))}
	if runID != "" {
		query += ` AND run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY claimed_at`
	return s.queryItems(ctx, s.db, query, args...)
}

func (s *Store) GetItem(ctx context.Context, runID, documentID string) (WorkItem, error) {
	w, err := scanItem(s.db.QueryRowContext(ctx, s.q(`SELECT `+itemColumns+` FROM work_items WHERE run_id = ? AND document_id = ?`), runID, documentID))
	if errors.Is(err, sql.ErrNoRows) {
		return WorkItem{}, ErrNotFound
	}
	if err != nil {
		return WorkItem{}, fmt.Errorf("loading item %s: %w", documentID, err)
	}
	return w, nil
}

// ListItems returns the run's items in enqueue order. An empty status matches
// all; limit <= 0 means no limit.
func (s *Store) ListItems(ctx context.Context, runID string, status ItemStatus, limit int) ([]WorkItem, error) {
	query := `SELECT ` + itemColumns + ` FROM work_items WHERE run_id = ?`
	args := []any{runID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryItems(ctx, s.db, query, args...)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) queryItems(ctx context.Context, q querier, query string, args ...any) ([]WorkItem, error) {
	rows, err := q.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []WorkItem
	for rows.Next() {
		w, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, w)
	}
	return items, rows.Err()
}
