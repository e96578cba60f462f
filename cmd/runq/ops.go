package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kalambet/runq/internal/api"
	"github.com/kalambet/runq/internal/completion"
	"github.com/kalambet/runq/internal/config"
	"github.com/kalambet/runq/internal/deadletter"
	"github.com/kalambet/runq/internal/storage"
)

// errNotFound is what both backends report for a missing run or dead letter.
var errNotFound = errors.New("not found")

// ops is what the operator commands need. localOps talks to the store
// directly; remoteOps goes through a running `runq serve`.
type ops interface {
	ListRuns(ctx context.Context, status string) ([]api.RunView, error)
	RunStats(ctx context.Context, runID string) (api.RunStatsView, error)
	ListWorkers(ctx context.Context) ([]api.WorkerView, error)
	ListDeadLetters(ctx context.Context, f storage.DeadLetterFilter) ([]api.DeadLetterView, error)
	Retry(ctx context.Context, runID, documentID, actor string) (api.DeadLetterView, error)
	RetryAll(ctx context.Context, runID, actor string) (int, error)
	Purge(ctx context.Context, olderThan time.Duration, actor string) (int, error)
	Reconcile(ctx context.Context, runID string, stuckAfter time.Duration) (completion.ReconcileResult, error)
	Close() error
}

func openOps(ctx context.Context, cfg config.Config) (ops, error) {
	if remote {
		c, err := newAPIClient(cfg)
		if err != nil {
			return nil, err
		}
		return &remoteOps{client: c}, nil
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newLocalOps(store, reconciler(store, cfg, "cli")), nil
}

type localOps struct {
	store   *storage.Store
	dlq     *deadletter.Manager
	tracker *completion.Tracker
}

func newLocalOps(store *storage.Store, tracker *completion.Tracker) *localOps {
	return &localOps{store: store, dlq: deadletter.NewManager(store), tracker: tracker}
}

func (o *localOps) ListRuns(ctx context.Context, status string) ([]api.RunView, error) {
	runs, err := o.store.ListRuns(ctx, storage.RunStatus(status))
	if err != nil {
		return nil, err
	}
	out := make([]api.RunView, 0, len(runs))
	for _, r := range runs {
		out = append(out, api.NewRunView(r))
	}
	return out, nil
}

func (o *localOps) RunStats(ctx context.Context, runID string) (api.RunStatsView, error) {
	stats, err := o.store.RunStats(ctx, runID)
	if errors.Is(err, storage.ErrNotFound) {
		return api.RunStatsView{}, fmt.Errorf("run %s: %w", runID, errNotFound)
	}
	if err != nil {
		return api.RunStatsView{}, err
	}
	return api.NewRunStatsView(stats), nil
}

func (o *localOps) ListWorkers(ctx context.Context) ([]api.WorkerView, error) {
	workers, err := o.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]api.WorkerView, 0, len(workers))
	for _, w := range workers {
		out = append(out, api.NewWorkerView(w))
	}
	return out, nil
}

func (o *localOps) ListDeadLetters(ctx context.Context, f storage.DeadLetterFilter) ([]api.DeadLetterView, error) {
	entries, err := o.dlq.List(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]api.DeadLetterView, 0, len(entries))
	for _, d := range entries {
		out = append(out, api.NewDeadLetterView(d))
	}
	return out, nil
}

func (o *localOps) Retry(ctx context.Context, runID, documentID, actor string) (api.DeadLetterView, error) {
	entry, err := o.dlq.Retry(ctx, runID, documentID, actor)
	if errors.Is(err, deadletter.ErrNotFound) {
		return api.DeadLetterView{}, fmt.Errorf("open dead letter for %s: %w", documentID, errNotFound)
	}
	if err != nil {
		return api.DeadLetterView{}, err
	}
	return api.NewDeadLetterView(entry), nil
}

func (o *localOps) RetryAll(ctx context.Context, runID, actor string) (int, error) {
	return o.dlq.RetryAll(ctx, runID, actor)
}

func (o *localOps) Purge(ctx context.Context, olderThan time.Duration, actor string) (int, error) {
	return o.dlq.Purge(ctx, olderThan, actor)
}

func (o *localOps) Reconcile(ctx context.Context, runID string, stuckAfter time.Duration) (completion.ReconcileResult, error) {
	return o.tracker.Reconcile(ctx, runID, stuckAfter)
}

func (o *localOps) Close() error {
	return o.store.Close()
}

type remoteOps struct {
	client *apiClient
}

func (o *remoteOps) getJSON(ctx context.Context, path string, v any) error {
	resp, err := o.client.get(ctx, path)
	if err != nil {
		return err
	}
	return translate(decodeJSON(resp, v))
}

func (o *remoteOps) postJSON(ctx context.Context, path string, body, v any) error {
	resp, err := o.client.post(ctx, path, body)
	if err != nil {
		return err
	}
	return translate(decodeJSON(resp, v))
}

// translate maps a 404 from the server onto errNotFound.
func translate(err error) error {
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return fmt.Errorf("%s: %w", apiErr.Message, errNotFound)
	}
	return err
}

func (o *remoteOps) ListRuns(ctx context.Context, status string) ([]api.RunView, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	var runs []api.RunView
	err := o.getJSON(ctx, withQuery("/runs", q), &runs)
	return runs, err
}

func (o *remoteOps) RunStats(ctx context.Context, runID string) (api.RunStatsView, error) {
	var stats api.RunStatsView
	err := o.getJSON(ctx, "/runs/"+url.PathEscape(runID), &stats)
	return stats, err
}

func (o *remoteOps) ListWorkers(ctx context.Context) ([]api.WorkerView, error) {
	var workers []api.WorkerView
	err := o.getJSON(ctx, "/workers", &workers)
	return workers, err
}

func (o *remoteOps) ListDeadLetters(ctx context.Context, f storage.DeadLetterFilter) ([]api.DeadLetterView, error) {
	q := url.Values{}
	if f.RunID != "" {
		q.Set("run", f.RunID)
	}
	if f.DocumentID != "" {
		q.Set("document", f.DocumentID)
	}
	if f.IncludeRequeued {
		q.Set("include_requeued", "true")
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var entries []api.DeadLetterView
	err := o.getJSON(ctx, withQuery("/dead-letters", q), &entries)
	return entries, err
}

func (o *remoteOps) Retry(ctx context.Context, runID, documentID, actor string) (api.DeadLetterView, error) {
	var entry api.DeadLetterView
	err := o.postJSON(ctx, "/runs/"+url.PathEscape(runID)+"/dead-letters/retry",
		map[string]string{"document_id": documentID, "actor": actor}, &entry)
	return entry, err
}

func (o *remoteOps) RetryAll(ctx context.Context, runID, actor string) (int, error) {
	var body map[string]int
	err := o.postJSON(ctx, "/runs/"+url.PathEscape(runID)+"/dead-letters/retry-all",
		map[string]string{"actor": actor}, &body)
	return body["requeued"], err
}

func (o *remoteOps) Purge(ctx context.Context, olderThan time.Duration, actor string) (int, error) {
	q := url.Values{"older_than": {olderThan.String()}, "actor": {actor}}
	resp, err := o.client.delete(ctx, withQuery("/dead-letters", q))
	if err != nil {
		return 0, err
	}
	var body map[string]int
	if err := translate(decodeJSON(resp, &body)); err != nil {
		return 0, err
	}
	return body["purged"], nil
}

func (o *remoteOps) Reconcile(ctx context.Context, runID string, stuckAfter time.Duration) (completion.ReconcileResult, error) {
	if runID == "" {
		return completion.ReconcileResult{}, errors.New("a run id is required when reconciling through the server")
	}
	q := url.Values{}
	if stuckAfter > 0 {
		q.Set("stuck_after", stuckAfter.String())
	}
	var body map[string]int
	err := o.postJSON(ctx, withQuery("/runs/"+url.PathEscape(runID)+"/reconcile", q), nil, &body)
	return completion.ReconcileResult{Finalized: body["finalized"], Recovered: body["recovered"]}, err
}

func (o *remoteOps) Close() error { return nil }

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
