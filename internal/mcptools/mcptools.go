// Package mcptools exposes the gate, the mail system and wave dispatch to
// agents as MCP tools over stdio.
//
// Each tool is a struct holding the engine and the project it serves, with
// Definition() returning the mcp.Tool schema and Handle() running the call.
// Domain failures come back as tool errors, never as protocol errors.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"crewline/internal/engine"
)

const Version = "0.1.0"

// Tool is one MCP tool handler.
type Tool interface {
	Definition() mcp.Tool
	Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// Tools returns every tool bound to projectID.
func Tools(e engine.Engine, projectID string) []Tool {
	return []Tool{
		NewGateCheckTool(e, projectID),
		NewGateStateTool(e, projectID),
		NewInboxTool(e, projectID),
		NewSendTool(e, projectID),
		NewMarkTool(e, projectID),
		NewWaveTool(e, projectID),
		NewReportTool(e, projectID),
	}
}

// New builds the MCP server for one project.
func New(e engine.Engine, projectID string) *server.MCPServer {
	s := server.NewMCPServer(
		"crewline",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	for _, t := range Tools(e, projectID) {
		s.AddTool(t.Definition(), t.Handle)
	}
	return s
}

const instructions = `crewline coordinates agents working on one project.
Call gate_check before any file write, shell command or agent spawn and stop if it says block.
Read your inbox with mail_inbox when you start and acknowledge what you act on.
Finish every task by calling report_submit with your JSON report.`

// jsonResult renders v as indented JSON text.
func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

func actorArg(req mcp.CallToolRequest) string {
	return req.GetString("agent", "agent")
}
