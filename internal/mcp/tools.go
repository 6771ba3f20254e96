package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/txload/pkg/types"
)

// RegisterTools registers all txload tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	s.AddTool(gomcp.NewTool("txload_status",
		gomcp.WithDescription("Get the live load run status: state, sent/succeeded/failed counters, failovers, in-flight sends and submission rate."),
	), statusHandler(client))

	s.AddTool(gomcp.NewTool("txload_health",
		gomcp.WithDescription("Check that the load generator can reach its receipt RPC endpoint."),
	), healthHandler(client))

	s.AddTool(gomcp.NewTool("txload_runs",
		gomcp.WithDescription("List recorded load runs with their final counters (paginated)."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max runs to return (default 10, max 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Number of runs to skip"),
		),
	), runsHandler(client))

	s.AddTool(gomcp.NewTool("txload_run",
		gomcp.WithDescription("Get a recorded load run by ID, including its parameters."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	), runHandler(client))
}

func statusHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		status, err := client.Status(ctx)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Load generator unreachable: %v\n\nIs a run active with STATUS_ADDR set?", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(status)), nil
	}
}

func healthHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		r, err := client.Ready(ctx)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Load generator unreachable: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(r)), nil
	}
}

func runsHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		offset := req.GetInt("offset", 0)

		page, err := client.Runs(ctx, limit, offset)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run history failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRuns(page)), nil
	}
}

func runHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		run, err := client.Run(ctx, id)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run detail failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRun(run)), nil
	}
}

// Response formatting functions

func formatStatus(s *types.StatusResponse) string {
	lines := joinLines(
		section("Load Run Status"),
		kv("Status", s.Status),
		kv("Run ID", s.RunID),
		kv("TXs Sent", formatNumber(s.Sent)),
		kv("TXs Succeeded", formatNumber(s.Succeeded)),
		kv("TXs Failed", formatNumber(s.Failed)),
		kv("Success Rate", formatPct(s.Succeeded, s.Sent)),
		kv("Failovers", formatNumber(s.Failovers)),
		kv("In Flight", formatNumber(s.InFlight)),
		kv("Bucket Tokens", formatNumber(s.BucketTokens)),
		kv("Sent TPS", fmt.Sprintf("%.1f", s.SentTPS)),
		kv("Elapsed", fmt.Sprintf("%.1fs", float64(s.ElapsedMs)/1000)),
	)

	if p := s.Params; p != nil {
		lines += "\n\n" + formatParams(p)
	}
	return lines
}

func formatParams(p *types.RunParams) string {
	tps := "unlimited"
	if p.TargetTPS > 0 {
		tps = fmt.Sprintf("%g", p.TargetTPS)
	}
	return joinLines(
		section("Parameters"),
		kv("Duration", fmt.Sprintf("%gs", p.DurationSec)),
		kv("Workers", p.Workers),
		kv("In Flight/Worker", p.InflightPerWorker),
		kv("Target TPS", tps),
		kv("Mode", p.Mode+" / "+p.SendMode),
		kv("Node Kind", p.NodeKind),
		kv("Chain ID", p.ChainID),
		kv("Endpoints", strings.Join(p.Endpoints, ", ")),
		kv("Offsets", fmt.Sprintf("url=%d account=%d", p.URLOffset, p.AccountOffset)),
	)
}

func formatHealth(r *Readiness) string {
	state := "READY"
	if !r.Ready {
		state = "NOT READY"
	}

	lines := section("Load Generator Health: " + state)
	for _, c := range r.Checks {
		line := fmt.Sprintf("  %-15s %s (%dms)", c.Name, c.Status, c.LatencyMs)
		if c.Error != "" {
			line += " - " + c.Error
		}
		lines += "\n" + line
	}
	return lines
}

func formatRuns(page *types.PaginatedRuns) string {
	lines := joinLines(
		section("Run History"),
		kv("Total Runs", formatNumber(page.Total)),
	) + "\n\n"

	if len(page.Runs) == 0 {
		return lines + "No runs found."
	}

	for _, run := range page.Runs {
		started := run.StartedAt.Local().Format(time.DateTime)
		forced := ""
		if run.Forced {
			forced = " (watchdog)"
		}
		lines += fmt.Sprintf("- %s  %s  %s  sent=%s succ=%s fail=%s%s\n",
			run.ID, started, run.Status,
			formatNumber(run.Sent), formatNumber(run.Succeeded), formatNumber(run.Failed), forced)
	}

	if page.Offset+len(page.Runs) < page.Total {
		lines += fmt.Sprintf("\nShowing %d-%d of %d. Use offset=%d for more.",
			page.Offset+1, page.Offset+len(page.Runs), page.Total, page.Offset+len(page.Runs))
	}
	return strings.TrimRight(lines, "\n")
}

func formatRun(run *types.RunRecord) string {
	completed := "-"
	if run.CompletedAt != nil {
		completed = run.CompletedAt.Local().Format(time.DateTime)
	}

	lines := joinLines(
		section("Run "+run.ID),
		kv("Status", run.Status),
		kv("Started", run.StartedAt.Local().Format(time.DateTime)),
		kv("Completed", completed),
		kv("Forced Exit", run.Forced),
		kv("TXs Sent", formatNumber(run.Sent)),
		kv("TXs Succeeded", formatNumber(run.Succeeded)),
		kv("TXs Failed", formatNumber(run.Failed)),
		kv("Success Rate", formatPct(run.Succeeded, run.Sent)),
	)
	if run.ErrorMessage != "" {
		lines += "\n" + kv("Error", run.ErrorMessage)
	}
	if run.Params != nil {
		lines += "\n\n" + formatParams(run.Params)
	}
	return lines
}
