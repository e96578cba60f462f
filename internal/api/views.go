package api

import (
	"time"

	"github.com/kalambet/runq/internal/storage"
)

// JSON projections of the store's records. Zero timestamps are omitted.

type RunView struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	Leader            string `json:"leader,omitempty"`
	LeaseExpiresAt    string `json:"lease_expires_at,omitempty"`
	Outstanding       int64  `json:"outstanding"`
	FinalizationEpoch int64  `json:"finalization_epoch"`
	FinalizingSince   string `json:"finalizing_since,omitempty"`
	Finalizer         string `json:"finalizer,omitempty"`
	DiscoveredAt      string `json:"discovered_at,omitempty"`
	CompletedAt       string `json:"completed_at,omitempty"`
	CreatedAt         string `json:"created_at"`
}

type RunStatsView struct {
	RunView
	Counts      map[string]int `json:"counts"`
	Depth       int            `json:"depth"`
	DeadLetters int            `json:"dead_letters"`
}

type ItemView struct {
	DocumentID  string `json:"document_id"`
	Status      string `json:"status"`
	Owner       string `json:"owner,omitempty"`
	ClaimedAt   string `json:"claimed_at,omitempty"`
	HeartbeatAt string `json:"heartbeat_at,omitempty"`
	Attempts    int    `json:"attempts"`
	Reclaims    int    `json:"reclaims"`
	Generation  int    `json:"generation"`
	LastError   string `json:"last_error,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
}

type DeadLetterView struct {
	ID            string            `json:"id"`
	RunID         string            `json:"run_id"`
	DocumentID    string            `json:"document_id"`
	Generation    int               `json:"generation"`
	Attempts      int               `json:"attempts"`
	Reason        string            `json:"reason"`
	LastError     string            `json:"last_error"`
	History       []storage.Attempt `json:"history"`
	FirstFailedAt string            `json:"first_failed_at"`
	LastFailedAt  string            `json:"last_failed_at"`
	RequeuedAt    string            `json:"requeued_at,omitempty"`
	RequeuedBy    string            `json:"requeued_by,omitempty"`
}

type WorkerView struct {
	ID              string `json:"id"`
	Hostname        string `json:"hostname"`
	PID             int    `json:"pid"`
	RunID           string `json:"run_id"`
	CurrentDocument string `json:"current_document,omitempty"`
	StartedAt       string `json:"started_at"`
	LastSeenAt      string `json:"last_seen_at"`
}

type AuditView struct {
	DeadLetterID string `json:"dead_letter_id"`
	DocumentID   string `json:"document_id"`
	Action       string `json:"action"`
	Actor        string `json:"actor"`
	At           string `json:"at"`
}

func ts(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func NewRunView(r storage.Run) RunView {
	return RunView{
		ID:                r.ID,
		Status:            string(r.Status),
		Leader:            r.LeaderID,
		LeaseExpiresAt:    ts(r.LeaseExpiresAt),
		Outstanding:       r.Outstanding,
		FinalizationEpoch: r.FinalizationEpoch,
		FinalizingSince:   ts(r.FinalizingSince),
		Finalizer:         r.FinalizerID,
		DiscoveredAt:      ts(r.DiscoveredAt),
		CompletedAt:       ts(r.CompletedAt),
		CreatedAt:         ts(r.CreatedAt),
	}
}

func NewRunStatsView(s storage.RunStats) RunStatsView {
	counts := make(map[string]int, len(s.Counts))
	for status, n := range s.Counts {
		counts[string(status)] = n
	}
	return RunStatsView{RunView: NewRunView(s.Run), Counts: counts, Depth: s.Depth(), DeadLetters: s.DeadLetters}
}

func NewItemView(w storage.WorkItem) ItemView {
	return ItemView{
		DocumentID:  w.DocumentID,
		Status:      string(w.Status),
		Owner:       w.OwnerID,
		ClaimedAt:   ts(w.ClaimedAt),
		HeartbeatAt: ts(w.HeartbeatAt),
		Attempts:    w.Attempts,
		Reclaims:    w.Reclaims,
		Generation:  w.Generation,
		LastError:   w.LastError,
		CompletedAt: ts(w.CompletedAt),
	}
}

func NewDeadLetterView(d storage.DeadLetterEntry) DeadLetterView {
	history := d.History
	if history == nil {
		history = []storage.Attempt{}
	}
	return DeadLetterView{
		ID:            d.ID,
		RunID:         d.RunID,
		DocumentID:    d.DocumentID,
		Generation:    d.Generation,
		Attempts:      d.Attempts,
		Reason:        d.Reason,
		LastError:     d.LastError,
		History:       history,
		FirstFailedAt: ts(d.FirstFailedAt),
		LastFailedAt:  ts(d.LastFailedAt),
		RequeuedAt:    ts(d.RequeuedAt),
		RequeuedBy:    d.RequeuedBy,
	}
}

func NewWorkerView(w storage.Worker) WorkerView {
	return WorkerView{
		ID:              w.ID,
		Hostname:        w.Hostname,
		PID:             w.PID,
		RunID:           w.RunID,
		CurrentDocument: w.CurrentDocument,
		StartedAt:       ts(w.StartedAt),
		LastSeenAt:      ts(w.LastSeenAt),
	}
}

func NewAuditView(a storage.AuditEntry) AuditView {
	return AuditView{DeadLetterID: a.DeadLetterID, DocumentID: a.DocumentID, Action: a.Action, Actor: a.Actor, At: ts(a.At)}
}

func mapSlice[T, V any](in []T, f func(T) V) []V {
	out := make([]V, 0, len(in))
	for _, v := range in {
		out = append(out, f(v))
	}
	return out
}
