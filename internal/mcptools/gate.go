package mcptools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"crewline/internal/engine"
	"crewline/internal/gate"
)

// GateCheckTool handles gate_check.
type GateCheckTool struct {
	engine  engine.Engine
	project string
}

func NewGateCheckTool(e engine.Engine, projectID string) *GateCheckTool {
	return &GateCheckTool{engine: e, project: projectID}
}

func (t *GateCheckTool) Definition() mcp.Tool {
	return mcp.NewTool("gate_check",
		mcp.WithDescription(
			"Ask whether a tool call may proceed. Call before writing files, running shell commands or spawning agents. "+
				"A block decision means do not perform the call; the reason says what must happen first.",
		),
		mcp.WithString("tool_name",
			mcp.Required(),
			mcp.Description("Tool about to run, e.g. Write, Edit, Bash, Task"),
		),
		mcp.WithString("target",
			mcp.Description("File path, command line or agent role the tool acts on"),
		),
		mcp.WithObject("tool_input",
			mcp.Description("The raw tool input; file_path, command or subagent_type is used when target is empty"),
		),
	)
}

func (t *GateCheckTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in := gate.HookInput{
		ToolName: req.GetString("tool_name", ""),
		Target:   req.GetString("target", ""),
	}
	if in.ToolName == "" {
		return mcp.NewToolResultError("'tool_name' is required"), nil
	}
	if raw, ok := req.GetArguments()["tool_input"].(map[string]any); ok {
		in.ToolInput = raw
	}
	d := t.engine.Gate().CheckMutation(ctx, t.project, in.ToolName, in.ResolveTarget())
	return jsonResult(d.HookResult()), nil
}

// GateStateTool handles gate_state.
type GateStateTool struct {
	engine  engine.Engine
	project string
}

func NewGateStateTool(e engine.Engine, projectID string) *GateStateTool {
	return &GateStateTool{engine: e, project: projectID}
}

func (t *GateStateTool) Definition() mcp.Tool {
	return mcp.NewTool("gate_state",
		mcp.WithDescription("Show the active goal, lifecycle phase, tier and spec approval."),
	)
}

func (t *GateStateTool) Handle(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := t.engine.Gate().State(ctx, t.project)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read gate state: %v", err)), nil
	}
	return jsonResult(s), nil
}
