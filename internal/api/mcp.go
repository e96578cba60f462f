package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/runq/internal/deadletter"
	"github.com/kalambet/runq/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Monitor     Monitor
	DeadLetters *deadletter.Manager
	Actor       string // recorded in the audit trail for retries issued over MCP
}

// NewMCPServer creates an MCP server exposing queue status and dead-letter
// operations as tools, and runs and workers as resources.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Actor == "" {
		deps.Actor = "mcp"
	}
	s := server.NewMCPServer(
		"runq",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("runq: distributed document processing runs. Inspect queue depth and dead letters, and requeue failed documents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("queue_status",
			mcp.WithDescription("Show a run's queue: item counts by status, outstanding work, leader and open dead letters. Without run_id, lists all runs."),
			mcp.WithString("run_id", mcp.Description("Run to inspect")),
		),
		mcpQueueStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("list_dead_letters",
			mcp.WithDescription("List open dead letters, newest first, with their failure history."),
			mcp.WithString("run_id", mcp.Description("Only this run")),
			mcp.WithString("document_id", mcp.Description("Only this document")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default 20)")),
		),
		mcpListDeadLetters(deps),
	)

	s.AddTool(
		mcp.NewTool("retry_dead_letter",
			mcp.WithDescription("Send one dead-lettered document back to the queue with a fresh attempt budget."),
			mcp.WithString("run_id", mcp.Description("Run the document belongs to"), mcp.Required()),
			mcp.WithString("document_id", mcp.Description("Document to requeue"), mcp.Required()),
		),
		mcpRetryDeadLetter(deps),
	)

	s.AddTool(
		mcp.NewTool("retry_run_dead_letters",
			mcp.WithDescription("Requeue every open dead letter of a run."),
			mcp.WithString("run_id", mcp.Description("Run to requeue"), mcp.Required()),
		),
		mcpRetryRun(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"runq://runs",
			"Runs",
			mcp.WithResourceDescription("All runs with their status and outstanding counter, as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRuns(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"runq://workers",
			"Workers",
			mcp.WithResourceDescription("Live worker processes and the document each is holding, as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceWorkers(deps),
	)

	return s
}

func mcpQueueStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID := req.GetString("run_id", "")
		if runID == "" {
			runs, err := deps.Monitor.ListRuns(ctx, "")
			if err != nil {
				return mcpError(fmt.Sprintf("failed to list runs: %v", err)), nil
			}
			return mcpJSON(mapSlice(runs, NewRunView))
		}

		stats, err := deps.Monitor.RunStats(ctx, runID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("run %s not found", runID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load run: %v", err)), nil
		}
		return mcpJSON(NewRunStatsView(stats))
	}
}

func mcpListDeadLetters(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		entries, err := deps.DeadLetters.List(ctx, storage.DeadLetterFilter{
			RunID:      req.GetString("run_id", ""),
			DocumentID: req.GetString("document_id", ""),
			Limit:      limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list dead letters: %v", err)), nil
		}
		if len(entries) == 0 {
			return mcpText("No open dead letters."), nil
		}
		return mcpJSON(mapSlice(entries, NewDeadLetterView))
	}
}

func mcpRetryDeadLetter(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, err := req.RequireString("run_id")
		if err != nil {
			return mcpError("run_id is required"), nil
		}
		docID, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}

		entry, err := deps.DeadLetters.Retry(ctx, runID, docID, deps.Actor)
		if errors.Is(err, deadletter.ErrNotFound) {
			return mcpError(fmt.Sprintf("no open dead letter for %s in run %s", docID, runID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to retry: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Requeued %s (dead letter %s, %d previous attempts)", docID, entry.ID, entry.Attempts)), nil
	}
}

func mcpRetryRun(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, err := req.RequireString("run_id")
		if err != nil {
			return mcpError("run_id is required"), nil
		}
		n, err := deps.DeadLetters.RetryAll(ctx, runID, deps.Actor)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to retry run: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Requeued %d document(s) in run %s", n, runID)), nil
	}
}

func mcpResourceRuns(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		runs, err := deps.Monitor.ListRuns(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("failed to list runs: %w", err)
		}
		return jsonResource(req.Params.URI, mapSlice(runs, NewRunView))
	}
}

func mcpResourceWorkers(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		workers, err := deps.Monitor.ListWorkers(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list workers: %w", err)
		}
		return jsonResource(req.Params.URI, mapSlice(workers, NewWorkerView))
	}
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
