package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/runq/internal/completion"
	"github.com/kalambet/runq/internal/deadletter"
	"github.com/kalambet/runq/internal/storage"
)

const maxRequestBodySize = 1 << 20

// Monitor is the read model the ops API serves.
type Monitor interface {
	ListRuns(ctx context.Context, status storage.RunStatus) ([]storage.Run, error)
	RunStats(ctx context.Context, runID string) (storage.RunStats, error)
	ListItems(ctx context.Context, runID string, status storage.ItemStatus, limit int) ([]storage.WorkItem, error)
	Attempts(ctx context.Context, runID, documentID string) ([]storage.Attempt, error)
	ListWorkers(ctx context.Context) ([]storage.Worker, error)
}

// Reconciler finalizes runs that were left behind by dead workers.
type Reconciler interface {
	Reconcile(ctx context.Context, runID string, stuckAfter time.Duration) (completion.ReconcileResult, error)
}

type AppDeps struct {
	Monitor     Monitor
	DeadLetters *deadletter.Manager
	Reconciler  Reconciler // optional; if nil, the reconcile route is not mounted
	Token       string     // empty disables bearer auth
}

// NewAppHandler returns the monitoring and operations API.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Get("/runs", handleListRuns(deps))
		r.Get("/runs/{id}", handleGetRun(deps))
		r.Get("/runs/{id}/items", handleListItems(deps))
		r.Get("/runs/{id}/attempts", handleAttempts(deps))
		r.Get("/runs/{id}/audit", handleAudit(deps))
		r.Post("/runs/{id}/dead-letters/retry", handleRetryDeadLetter(deps))
		r.Post("/runs/{id}/dead-letters/retry-all", handleRetryRun(deps))
		if deps.Reconciler != nil {
			r.Post("/runs/{id}/reconcile", handleReconcile(deps))
		}
		r.Get("/workers", handleListWorkers(deps))
		r.Get("/dead-letters", handleListDeadLetters(deps))
		r.Get("/dead-letters/{id}", handleGetDeadLetter(deps))
		r.Delete("/dead-letters", handlePurgeDeadLetters(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleListRuns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := deps.Monitor.ListRuns(r.Context(), storage.RunStatus(r.URL.Query().Get("status")))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, mapSlice(runs, NewRunView))
	}
}

func handleGetRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Monitor.RunStats(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "run not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load run: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, NewRunStatsView(stats))
	}
}

func handleListItems(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 100, 1000)
		status := storage.ItemStatus(r.URL.Query().Get("status"))
		items, err := deps.Monitor.ListItems(r.Context(), chi.URLParam(r, "id"), status, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list items: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, mapSlice(items, NewItemView))
	}
}

func handleAttempts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc := r.URL.Query().Get("document")
		if doc == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "document is required")
			return
		}
		attempts, err := deps.Monitor.Attempts(r.Context(), chi.URLParam(r, "id"), doc)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load attempts: %v", err)
			return
		}
		if attempts == nil {
			attempts = []storage.Attempt{}
		}
		writeJSON(w, http.StatusOK, attempts)
	}
}

func handleAudit(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		trail, err := deps.DeadLetters.Audit(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("document"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load audit trail: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, mapSlice(trail, NewAuditView))
	}
}

type retryRequest struct {
	DocumentID string `json:"document_id"`
	Actor      string `json:"actor"`
}

func handleRetryDeadLetter(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeRetry(w, r)
		if !ok {
			return
		}
		if req.DocumentID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "document_id is required")
			return
		}
		entry, err := deps.DeadLetters.Retry(r.Context(), chi.URLParam(r, "id"), req.DocumentID, req.Actor)
		if errors.Is(err, deadletter.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no open dead letter for %s", req.DocumentID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to retry: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, NewDeadLetterView(entry))
	}
}

func handleRetryRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeRetry(w, r)
		if !ok {
			return
		}
		n, err := deps.DeadLetters.RetryAll(r.Context(), chi.URLParam(r, "id"), req.Actor)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to retry run: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
	}
}

func decodeRetry(w http.ResponseWriter, r *http.Request) (retryRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return retryRequest{}, false
	}
	if req.Actor == "" {
		req.Actor = "api"
	}
	return req, true
}

func handleReconcile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stuckAfter, err := parseDurationParam(r, "stuck_after")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		res, err := deps.Reconciler.Reconcile(r.Context(), chi.URLParam(r, "id"), stuckAfter)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to reconcile: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"finalized": res.Finalized, "recovered": res.Recovered})
	}
}

func handleListWorkers(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workers, err := deps.Monitor.ListWorkers(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list workers: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, mapSlice(workers, NewWorkerView))
	}
}

func handleListDeadLetters(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		includeRequeued, _ := strconv.ParseBool(q.Get("include_requeued"))
		entries, err := deps.DeadLetters.List(r.Context(), storage.DeadLetterFilter{
			RunID:           q.Get("run"),
			DocumentID:      q.Get("document"),
			IncludeRequeued: includeRequeued,
			Limit:           parseIntParam(r, "limit", 50, 500),
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list dead letters: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, mapSlice(entries, NewDeadLetterView))
	}
}

func handleGetDeadLetter(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry, err := deps.DeadLetters.Get(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, deadletter.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "dead letter not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load dead letter: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, NewDeadLetterView(entry))
	}
}

func handlePurgeDeadLetters(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		olderThan, err := parseDurationParam(r, "older_than")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if r.URL.Query().Get("older_than") == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "older_than is required")
			return
		}
		actor := r.URL.Query().Get("actor")
		if actor == "" {
			actor = "api"
		}
		n, err := deps.DeadLetters.Purge(r.Context(), olderThan, actor)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "failed to purge: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"purged": n})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func parseDurationParam(r *http.Request, key string) (time.Duration, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
