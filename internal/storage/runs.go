package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LeaseOutcome is the result of a leadership acquisition attempt. Losing is
// not an error.
type LeaseOutcome int

const (
	LeaseGranted LeaseOutcome = iota
	LeaseDenied
)

func (o LeaseOutcome) String() string {
	if o == LeaseGranted {
		return "granted"
	}
	return "denied"
}

// LeaseResult describes the lease after an acquisition attempt. On denial
// Holder and ExpiresAt describe the current holder.
type LeaseResult struct {
	Outcome   LeaseOutcome
	Holder    string
	ExpiresAt time.Time
}

const runColumns = `id, config_json, status, leader_id, lease_expires_at, outstanding,
	finalization_epoch, finalizing_since, finalizer_id, discovered_at, completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var r Run
	var status string
	var leaseExpires, finalizingSince, discoveredAt, completedAt, createdAt, updatedAt int64
	if err := row.Scan(&r.ID, &r.ConfigJSON, &status, &r.LeaderID, &leaseExpires, &r.Outstanding,
		&r.FinalizationEpoch, &finalizingSince, &r.FinalizerID, &discoveredAt, &completedAt, &createdAt, &updatedAt); err != nil {
		return Run{}, err
	}
	r.Status = RunStatus(status)
	r.LeaseExpiresAt = fromMS(leaseExpires)
	r.FinalizingSince = fromMS(finalizingSince)
	r.DiscoveredAt = fromMS(discoveredAt)
	r.CompletedAt = fromMS(completedAt)
	r.CreatedAt = fromMS(createdAt)
	r.UpdatedAt = fromMS(updatedAt)
	return r, nil
}

// EnsureRun creates the run row if it does not exist yet and returns it.
// Identically configured workers race here harmlessly.
func (s *Store) EnsureRun(ctx context.Context, id, configJSON string) (Run, error) {
	now := ms(s.now())
	if _, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO runs (id, config_json, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		id, configJSON, RunDiscovering, now, now,
	); err != nil {
		return Run{}, fmt.Errorf("inserting run %s: %w", id, err)
	}
	return s.GetRun(ctx, id)
}

func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, s.q(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("loading run %s: %w", id, err)
	}
	return r, nil
}

// ListRuns returns runs newest first. An empty status matches all runs.
func (s *Store) ListRuns(ctx context.Context, status RunStatus) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// AcquireLease grants run leadership to holder if nobody holds an unexpired
// lease, or if holder already holds it. The check and the write are one
// conditional update.
func (s *Store) AcquireLease(ctx context.Context, runID, holder string, d time.Duration) (LeaseResult, error) {
	now := s.now()
	expires := now.Add(d)
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE runs SET leader_id = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND (leader_id = '' OR leader_id = ? OR lease_expires_at <= ?)`),
		holder, ms(expires), ms(now), runID, holder, ms(now),
	)
	if err != nil {
		return LeaseResult{}, fmt.Errorf("acquiring lease on run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return LeaseResult{}, fmt.Errorf("checking lease rows: %w", err)
	}
	if n == 1 {
		return LeaseResult{Outcome: LeaseGranted, Holder: holder, ExpiresAt: expires.UTC()}, nil
	}

	r, err := s.GetRun(ctx, runID)
	if err != nil {
		return LeaseResult{}, err
	}
	return LeaseResult{Outcome: LeaseDenied, Holder: r.LeaderID, ExpiresAt: r.LeaseExpiresAt}, nil
}

// RenewLease extends holder's lease. It fails (false) once another worker has
// taken the lease over. A lapsed lease nobody else took is renewed, since no
// other holder existed in between.
func (s *Store) RenewLease(ctx context.Context, runID, holder string, d time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE runs SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND leader_id = ?`),
		ms(now.Add(d)), ms(now), runID, holder,
	)
	if err != nil {
		return false, fmt.Errorf("renewing lease on run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking lease rows: %w", err)
	}
	return n == 1, nil
}

// LeaseValid reports whether holder currently holds an unexpired lease.
func (s *Store) LeaseValid(ctx context.Context, runID, holder string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM runs WHERE id = ? AND leader_id = ? AND lease_expires_at > ?`),
		runID, holder, ms(s.now()),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking lease on run %s: %w", runID, err)
	}
	return n == 1, nil
}

// ReleaseLease gives up holder's lease. Releasing a lease held by someone
// else is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, runID, holder string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE runs SET leader_id = '', lease_expires_at = 0, updated_at = ?
		WHERE id = ? AND leader_id = ?`),
		ms(s.now()), runID, holder,
	)
	if err != nil {
		return fmt.Errorf("releasing lease on run %s: %w", runID, err)
	}
	return nil
}

// BeginDiscovery moves a run that is not finishing back into discovering,
// provided holder still holds the lease. Quiescence cannot be claimed while a
// run is discovering. It returns the run after the attempt; callers skip
// discovery unless the returned status is RunDiscovering and ok is true.
func (s *Store) BeginDiscovery(ctx context.Context, runID, holder string) (Run, bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE runs SET status = ?, updated_at = ?
		WHERE id = ? AND leader_id = ? AND lease_expires_at > ? AND status IN (?, ?)`),
		RunDiscovering, ms(now), runID, holder, ms(now), RunDiscovering, RunActive,
	)
	if err != nil {
		return Run{}, false, fmt.Errorf("beginning discovery on run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Run{}, false, fmt.Errorf("checking run rows: %w", err)
	}
	r, err := s.GetRun(ctx, runID)
	if err != nil {
		return Run{}, false, err
	}
	return r, n == 1, nil
}

// FinishDiscovery marks the run active after a complete discovery pass and
// returns the outstanding count observed in the same statement. ok is false
// if holder lost the lease first.
func (s *Store) FinishDiscovery(ctx context.Context, runID, holder string) (remaining int64, ok bool, err error) {
	now := s.now()
	err = s.db.QueryRowContext(ctx, s.q(`
		UPDATE runs SET status = ?, discovered_at = ?, updated_at = ?
		WHERE id = ? AND leader_id = ? AND lease_expires_at > ? AND status = ?
		RETURNING outstanding`),
		RunActive, ms(now), ms(now), runID, holder, ms(now), RunDiscovering,
	).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("finishing discovery on run %s: %w", runID, err)
	}
	return remaining, true, nil
}

// BeginFinalizing is the single-winner step of quiescence: it moves an active
// run with no outstanding work into finalizing and opens a new finalization
// epoch. Exactly one caller per epoch gets ok.
func (s *Store) BeginFinalizing(ctx context.Context, runID, finalizer string) (epoch int64, ok bool, err error) {
	now := ms(s.now())
	err = s.db.QueryRowContext(ctx, s.q(`
		UPDATE runs SET status = ?, finalizing_since = ?, finalizer_id = ?,
			finalization_epoch = finalization_epoch + 1, updated_at = ?
		WHERE id = ? AND status = ? AND outstanding = 0
		RETURNING finalization_epoch`),
		RunFinalizing, now, finalizer, now, runID, RunActive,
	).Scan(&epoch)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("beginning finalization of run %s: %w", runID, err)
	}
	return epoch, true, nil
}

// TakeOverFinalizing lets a reconciler re-own a finalization that has been
// stuck since before cutoff. The epoch is unchanged: it is the same
// finalization, retried.
func (s *Store) TakeOverFinalizing(ctx context.Context, runID, finalizer string, cutoff time.Time) (epoch int64, ok bool, err error) {
	now := ms(s.now())
	err = s.db.QueryRowContext(ctx, s.q(`
		UPDATE runs SET finalizing_since = ?, finalizer_id = ?, updated_at = ?
		WHERE id = ? AND status = ? AND finalizing_since < ?
		RETURNING finalization_epoch`),
		now, finalizer, now, runID, RunFinalizing, ms(cutoff),
	).Scan(&epoch)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("taking over finalization of run %s: %w", runID, err)
	}
	return epoch, true, nil
}

// FinishFinalizing marks epoch's finalization done. It returns false if the
// run was reopened (operator retry) while post-processing ran.
func (s *Store) FinishFinalizing(ctx context.Context, runID string, epoch int64) (bool, error) {
	now := ms(s.now())
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE runs SET status = ?, completed_at = ?, finalizer_id = '', updated_at = ?
		WHERE id = ? AND status = ? AND finalization_epoch = ?`),
		RunCompleted, now, now, runID, RunFinalizing, epoch,
	)
	if err != nil {
		return false, fmt.Errorf("finishing finalization of run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking run rows: %w", err)
	}
	return n == 1, nil
}

// Outstanding returns the run's live count of non-terminal work items.
func (s *Store) Outstanding(ctx context.Context, runID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT outstanding FROM runs WHERE id = ?`), runID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("loading outstanding count of run %s: %w", runID, err)
	}
	return n, nil
}

// CompletedDocuments lists the ids of every completed item in the run.
func (s *Store) CompletedDocuments(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT document_id FROM work_items WHERE run_id = ? AND status = ? ORDER BY document_id`),
		runID, ItemCompleted,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// adjustOutstanding moves the run's counter by delta inside tx and returns the
// new value. Incrementing a finished run reopens it.
func (s *Store) adjustOutstanding(ctx context.Context, tx *sql.Tx, runID string, delta int64) (int64, error) {
	var remaining int64
	err := tx.QueryRowContext(ctx, s.q(`
		UPDATE runs SET outstanding = outstanding + ?,
			status = CASE WHEN ? > 0 AND status IN (?, ?) THEN ? ELSE status END,
			updated_at = ?
		WHERE id = ?
		RETURNING outstanding`),
		delta, delta, RunFinalizing, RunCompleted, RunActive, ms(s.now()), runID,
	).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("adjusting outstanding count of run %s: %w", runID, err)
	}
	return remaining, nil
}
