package mcp

import (
	"context"
	"encoding/json"

	"github.com/ByteMirror/agentfactory/analysis"
	"github.com/ByteMirror/agentfactory/config"
	"github.com/ByteMirror/agentfactory/monitoring"
	"github.com/ByteMirror/agentfactory/orchestrator"
	"github.com/ByteMirror/agentfactory/store"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

const defaultMetricsDays = 7

// metricsView is the JSON returned by get_metrics.
type metricsView struct {
	Days   []monitoring.DailyStats    `json:"days"`
	Totals []monitoring.CategoryTotal `json:"totals"`
	Runs   []monitoring.Run           `json:"recent_runs"`
}

// backlogView is the JSON returned by analyze_backlog.
type backlogView struct {
	Report *analysis.Report  `json:"report"`
	Plan   orchestrator.Plan `json:"plan"`
	Slots  int               `json:"slots"`
}

func jsonResult(v any) (*gomcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return gomcp.NewToolResultError("failed to marshal result: " + err.Error()), nil
	}
	return gomcp.NewToolResultText(string(data)), nil
}

// handleGetStatus returns the state directory snapshot.
func handleGetStatus(st *store.Store) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		Log("tool call: get_status")
		status := orchestrator.ReadStatus(st)
		if len(status.Errors) > 0 {
			Log("get_status: %d unreadable document(s)", len(status.Errors))
		}
		return jsonResult(status)
	}
}

// handleGetMetrics returns daily statistics from the metrics database.
func handleGetMetrics(metrics *monitoring.MetricsStore) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		days := req.GetInt("days", defaultMetricsDays)
		if days <= 0 {
			days = defaultMetricsDays
		}
		Log("tool call: get_metrics (days=%d)", days)
		if metrics == nil {
			return gomcp.NewToolResultError("telemetry is disabled; no metrics are recorded"), nil
		}

		var view metricsView
		var err error
		if view.Days, err = metrics.Daily(ctx, days); err != nil {
			return gomcp.NewToolResultError("failed to read daily metrics: " + err.Error()), nil
		}
		if view.Totals, err = metrics.Totals(ctx, days); err != nil {
			return gomcp.NewToolResultError("failed to read category totals: " + err.Error()), nil
		}
		if view.Runs, err = metrics.Runs(ctx, 10); err != nil {
			return gomcp.NewToolResultError("failed to read runs: " + err.Error()), nil
		}
		return jsonResult(view)
	}
}

// handleAnalyzeBacklog analyses a backlog file and plans workers for it.
func handleAnalyzeBacklog(cfg *config.Config) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		path := req.GetString("path", "")
		Log("tool call: analyze_backlog (path=%s)", path)
		if path == "" {
			return gomcp.NewToolResultError("missing required parameter: path"), nil
		}

		opts := analysis.DefaultOptions()
		opts.SeverityOverrides = cfg.Analysis.Severity
		report, err := analysis.AnalyzeFile(path, opts)
		if err != nil {
			Log("analyze_backlog error: %v", err)
			return gomcp.NewToolResultError("failed to analyze backlog: " + err.Error()), nil
		}

		plan := orchestrator.BuildPlan(report.Items, cfg.Planner)
		return jsonResult(backlogView{Report: report, Plan: plan, Slots: plan.Slots()})
	}
}
