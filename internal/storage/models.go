package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// RunStatus is the lifecycle state of a processing run.
type RunStatus string

const (
	RunDiscovering RunStatus = "discovering"
	RunActive      RunStatus = "active"
	RunFinalizing  RunStatus = "finalizing"
	RunCompleted   RunStatus = "completed"
)

// ItemStatus is the lifecycle state of a work item.
type ItemStatus string

const (
	ItemPending         ItemStatus = "pending"
	ItemClaimed         ItemStatus = "claimed"
	ItemProcessing      ItemStatus = "processing"
	ItemCompleted       ItemStatus = "completed"
	ItemFailedRetryable ItemStatus = "failed_retryable"
	ItemDeadLetter      ItemStatus = "dead_letter"
)

// Terminal reports whether no further transitions are allowed without operator action.
func (s ItemStatus) Terminal() bool {
	return s == ItemCompleted || s == ItemDeadLetter
}

// AttemptKind labels a row in an item's attempt history.
type AttemptKind string

const (
	AttemptFailure  AttemptKind = "failure"
	AttemptReclaim  AttemptKind = "reclaim"
	AttemptWatchdog AttemptKind = "watchdog"
)

// Run is one processing pass over a document set. Leadership is a lease on this row.
type Run struct {
	ID                string
	ConfigJSON        string
	Status            RunStatus
	LeaderID          string // empty when nobody holds the lease
	LeaseExpiresAt    time.Time
	Outstanding       int64
	FinalizationEpoch int64
	FinalizingSince   time.Time
	FinalizerID       string
	DiscoveredAt      time.Time
	CompletedAt       time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// WorkItem tracks one document's processing lifecycle within a run.
type WorkItem struct {
	ID          int64
	RunID       string
	DocumentID  string
	Status      ItemStatus
	OwnerID     string // empty when unowned
	ClaimToken  string
	ClaimedAt   time.Time
	HeartbeatAt time.Time
	BegunAt     time.Time
	Attempts    int
	Reclaims    int
	Generation  int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
}

// Claim identifies one exclusive ownership grant over a work item.
// The token changes on every claim, so a stale claim never matches a newer one.
type Claim struct {
	RunID      string
	DocumentID string
	WorkerID   string
	Token      string
}

// Claim returns the ownership handle for the item's current claim.
func (w WorkItem) Claim() Claim {
	return Claim{RunID: w.RunID, DocumentID: w.DocumentID, WorkerID: w.OwnerID, Token: w.ClaimToken}
}

// Attempt is one entry of an item's failure/reclaim history.
type Attempt struct {
	RunID      string      `json:"run_id"`
	DocumentID string      `json:"document_id"`
	Generation int         `json:"generation"`
	Attempt    int         `json:"attempt"`
	WorkerID   string      `json:"worker_id"`
	Kind       AttemptKind `json:"kind"`
	Retryable  bool        `json:"retryable"`
	Error      string      `json:"error"`
	At         time.Time   `json:"at"`
}

// DeadLetterEntry is the immutable record of a work item that exhausted its
// retries or failed with a non-retryable error.
type DeadLetterEntry struct {
	ID            string
	RunID         string
	DocumentID    string
	Generation    int
	Attempts      int
	Reason        string // "exhausted" or "fatal"
	LastError     string
	History       []Attempt
	FirstFailedAt time.Time
	LastFailedAt  time.Time
	CreatedAt     time.Time
	RequeuedAt    time.Time
	RequeuedBy    string
}

// Requeued reports whether an operator already sent this entry back to the queue.
func (d DeadLetterEntry) Requeued() bool {
	return !d.RequeuedAt.IsZero()
}

// DeadLetterFilter narrows ListDeadLetters. Zero values match everything.
type DeadLetterFilter struct {
	RunID           string
	DocumentID      string
	IncludeRequeued bool
	Limit           int
}

// AuditEntry records a manual operator action on a dead letter. Audit rows
// outlive the dead letters they describe.
type AuditEntry struct {
	DeadLetterID string
	RunID        string
	DocumentID   string
	Action       string // "requeued" or "purged"
	Actor        string
	At           time.Time
}

// Worker is the liveness record of one running worker process.
type Worker struct {
	ID              string
	Hostname        string
	PID             int
	RunID           string
	CurrentDocument string
	StartedAt       time.Time
	LastSeenAt      time.Time
}

// RunStats is the monitoring projection of a single run.
type RunStats struct {
	Run         Run
	Counts      map[ItemStatus]int
	DeadLetters int
}

// Depth is the number of items waiting to be claimed.
func (s RunStats) Depth() int {
	return s.Counts[ItemPending]
}
