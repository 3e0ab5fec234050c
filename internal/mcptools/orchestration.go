package mcptools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"crewline/internal/engine"
)

// WaveTool handles wave_next.
type WaveTool struct {
	engine  engine.Engine
	project string
}

func NewWaveTool(e engine.Engine, projectID string) *WaveTool {
	return &WaveTool{engine: e, project: projectID}
}

func (t *WaveTool) Definition() mcp.Tool {
	return mcp.NewTool("wave_next",
		mcp.WithDescription(
			"Return the tasks ready to dispatch in the lowest unfinished wave. "+
				"Tasks in one wave are independent and may run in parallel.",
		),
		mcp.WithString("orchestration_id", mcp.Required(), mcp.Description("Orchestration to advance")),
		mcp.WithBoolean("start", mcp.Description("Also mark every returned task as started")),
		mcp.WithString("agent", mcp.Description("Who is dispatching")),
	)
}

func (t *WaveTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("orchestration_id", "")
	if id == "" {
		return mcp.NewToolResultError("'orchestration_id' is required"), nil
	}
	actor := actorArg(req)
	w, err := t.engine.NextWave(ctx, t.project, id, actor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get next wave: %v", err)), nil
	}
	if w.Done {
		return mcp.NewToolResultText(fmt.Sprintf("Orchestration %s is complete.", id)), nil
	}
	if req.GetBool("start", false) {
		for i, task := range w.Tasks {
			started, err := t.engine.StartTask(ctx, t.project, id, task.ID, actor)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("failed to start %s: %v", task.ID, err)), nil
			}
			w.Tasks[i] = started
		}
	}
	return jsonResult(w), nil
}

// ReportTool handles report_submit.
type ReportTool struct {
	engine  engine.Engine
	project string
}

func NewReportTool(e engine.Engine, projectID string) *ReportTool {
	return &ReportTool{engine: e, project: projectID}
}

func (t *ReportTool) Definition() mcp.Tool {
	return mcp.NewTool("report_submit",
		mcp.WithDescription(
			"Submit your task report. The report is a JSON object with agent, task_id, status "+
				"(DONE, FAILED or BLOCKED), optional findings and messages. Markdown with a fenced json block is accepted.",
		),
		mcp.WithString("orchestration_id", mcp.Required(), mcp.Description("Orchestration the task belongs to")),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task being reported")),
		mcp.WithString("report", mcp.Required(), mcp.Description("The report text")),
		mcp.WithString("agent", mcp.Description("Who is reporting")),
	)
}

func (t *ReportTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts := engine.ReportOptions{
		ProjectID:       t.project,
		OrchestrationID: req.GetString("orchestration_id", ""),
		TaskID:          req.GetString("task_id", ""),
		Raw:             req.GetString("report", ""),
		ActorID:         actorArg(req),
	}
	if opts.OrchestrationID == "" || opts.TaskID == "" {
		return mcp.NewToolResultError("'orchestration_id' and 'task_id' are required"), nil
	}
	res, err := t.engine.SubmitReport(ctx, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to submit report: %v", err)), nil
	}
	if !res.Accepted {
		var b strings.Builder
		fmt.Fprintf(&b, "Report rejected: %s\n", res.Error)
		if res.Hint != "" {
			fmt.Fprintf(&b, "Fix and resubmit: %s\n", res.Hint)
		}
		if res.HITLRequired {
			b.WriteString("Too many malformed reports; a human has been asked to step in.\n")
		}
		return mcp.NewToolResultError(strings.TrimSpace(b.String())), nil
	}
	return jsonResult(res), nil
}
