// Package mcp exposes read-only agentfactory state to MCP clients over
// stdio.
package mcp

import (
	"github.com/ByteMirror/agentfactory/config"
	"github.com/ByteMirror/agentfactory/monitoring"
	"github.com/ByteMirror/agentfactory/store"
	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

const serverInstructions = "You are connected to agentfactory, which runs build-fix workers for " +
	"categorised compiler error backlogs. All tools are read-only. " +
	"Call get_status to see health, workers, circuit breakers and the worker pool. " +
	"Call get_metrics for per-day execution statistics. " +
	"Call analyze_backlog with a build log path to see how errors would be grouped and how many workers each category would get."

// Server wraps an MCP server over one state directory.
type Server struct {
	server  *mcpserver.MCPServer
	cfg     *config.Config
	store   *store.Store
	metrics *monitoring.MetricsStore
}

// NewServer creates the server. metrics may be nil when telemetry is
// disabled; get_metrics then reports that.
func NewServer(cfg *config.Config, st *store.Store, metrics *monitoring.MetricsStore, version string) *Server {
	s := mcpserver.NewMCPServer(
		"agentfactory",
		version,
		mcpserver.WithInstructions(serverInstructions),
	)

	srv := &Server{
		server:  s,
		cfg:     cfg,
		store:   st,
		metrics: metrics,
	}
	srv.registerTools()

	Log("server created: state dir %s", st.Dir())
	return srv
}

func (s *Server) registerTools() {
	getStatus := gomcp.NewTool("get_status",
		gomcp.WithDescription(
			"Read the orchestrator state: overall health and its checks, every worker record, "+
				"circuit breaker states per error category and worker pool occupancy.",
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	s.server.AddTool(getStatus, handleGetStatus(s.store))

	getMetrics := gomcp.NewTool("get_metrics",
		gomcp.WithDescription(
			"Per-day worker execution statistics (executions, successes, failures, timeouts, "+
				"durations) plus per-category totals, newest day first.",
		),
		gomcp.WithNumber("days",
			gomcp.Description("Number of days to include, counting today. 0 or omitted means 7."),
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	s.server.AddTool(getMetrics, handleGetMetrics(s.metrics))

	analyzeBacklog := gomcp.NewTool("analyze_backlog",
		gomcp.WithDescription(
			"Parse a compiler output file, group errors by code with severity and diversity, "+
				"and show the worker plan an orchestrate run would use. Nothing is executed.",
		),
		gomcp.WithString("path",
			gomcp.Required(),
			gomcp.Description("Path of the build log or error backlog file."),
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	s.server.AddTool(analyzeBacklog, handleAnalyzeBacklog(s.cfg))
}

// Serve runs the server on stdin and stdout until the client disconnects.
func (s *Server) Serve() error {
	return mcpserver.ServeStdio(s.server)
}
