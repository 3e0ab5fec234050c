package mcptools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/gate"
	"crewline/internal/mail"
	"crewline/internal/migrate"
)

const project = "proj-1"

func newTestEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	e := engine.New(conn, config.Default(project))
	_, err = e.InitProject(context.Background(), project, "", "tester")
	require.NoError(t, err)
	return e
}

func makeReq(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(r *mcp.CallToolResult) string {
	if r == nil {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func approve(t *testing.T, e engine.Engine) {
	t.Helper()
	ctx := context.Background()
	g := e.Gate()
	require.True(t, g.SetGoal(ctx, project, "add login page", domain.TierStandard, "pm").Allowed)
	require.True(t, g.AdvancePhase(ctx, project, domain.PhaseDebate, "pm").Allowed)
	require.True(t, g.AdvancePhase(ctx, project, domain.PhaseSpec, "pm").Allowed)
	require.True(t, g.ApproveSpec(ctx, project, "login", "human").Allowed)
	require.True(t, g.AdvancePhase(ctx, project, domain.PhaseApprove, "pm").Allowed)
	require.True(t, g.AdvancePhase(ctx, project, domain.PhaseImplement, "pm").Allowed)
}

func TestDefinitions(t *testing.T) {
	e := newTestEngine(t)
	want := map[string][]string{
		"gate_check":    {"tool_name"},
		"gate_state":    nil,
		"mail_inbox":    {"agent"},
		"mail_send":     {"thread_id", "agent", "to", "body"},
		"mail_mark":     {"message_id", "status"},
		"wave_next":     {"orchestration_id"},
		"report_submit": {"orchestration_id", "task_id", "report"},
	}
	tools := Tools(e, project)
	require.Len(t, tools, len(want))
	for _, tool := range tools {
		def := tool.Definition()
		required, ok := want[def.Name]
		require.True(t, ok, "unexpected tool %s", def.Name)
		require.ElementsMatch(t, required, def.InputSchema.Required, def.Name)
	}
	require.NotNil(t, New(e, project))
}

func TestGateCheckTool(t *testing.T) {
	e := newTestEngine(t)
	tool := NewGateCheckTool(e, project)
	ctx := context.Background()

	res, err := tool.Handle(ctx, makeReq(map[string]any{
		"tool_name":  "Write",
		"tool_input": map[string]any{"file_path": "src/login.go"},
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	var out gate.HookResult
	require.NoError(t, json.Unmarshal([]byte(resultText(res)), &out))
	require.Equal(t, "block", out.Decision)
	require.Equal(t, gate.GateGoal, out.Gate)

	approve(t, e)
	res, err = tool.Handle(ctx, makeReq(map[string]any{"tool_name": "Write", "target": "src/login.go"}))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(resultText(res)), &out))
	require.Equal(t, "allow", out.Decision)

	res, err = tool.Handle(ctx, makeReq(map[string]any{}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestMailTools(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	th, err := e.Mail().CreateThread(ctx, mail.ThreadOptions{ProjectID: project, Type: domain.ThreadDecision, Subject: "db"})
	require.NoError(t, err)

	inbox := NewInboxTool(e, project)
	res, err := inbox.Handle(ctx, makeReq(map[string]any{"agent": "dev"}))
	require.NoError(t, err)
	require.Contains(t, resultText(res), "No messages")

	send := NewSendTool(e, project)
	res, err = send.Handle(ctx, makeReq(map[string]any{"thread_id": th.ID, "agent": "architect", "to": "dev", "body": "use sqlite", "importance": "high"}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(res))

	res, err = send.Handle(ctx, makeReq(map[string]any{"thread_id": th.ID, "agent": "architect", "to": "dev"}))
	require.NoError(t, err)
	require.True(t, res.IsError)

	res, err = inbox.Handle(ctx, makeReq(map[string]any{"agent": "dev", "status": "unread"}))
	require.NoError(t, err)
	var msgs []domain.Message
	require.NoError(t, json.Unmarshal([]byte(resultText(res)), &msgs))
	require.Len(t, msgs, 1)
	require.Equal(t, domain.ImportanceHigh, msgs[0].Importance)

	mark := NewMarkTool(e, project)
	res, err = mark.Handle(ctx, makeReq(map[string]any{"message_id": msgs[0].ID, "status": "acknowledged", "agent": "dev"}))
	require.NoError(t, err)
	require.Contains(t, resultText(res), "acknowledged")

	res, err = mark.Handle(ctx, makeReq(map[string]any{"message_id": msgs[0].ID, "status": "assigned"}))
	require.NoError(t, err)
	require.True(t, res.IsError, "assigned without assignee")
}

func TestWaveAndReportTools(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	approve(t, e)
	o, err := e.StartOrchestration(ctx, engine.StartOptions{
		ProjectID: project,
		SpecName:  "login",
		Tasks:     []domain.Task{{ID: "api", Role: domain.RoleDev}},
		ActorID:   "pm",
	})
	require.NoError(t, err)

	wave := NewWaveTool(e, project)
	res, err := wave.Handle(ctx, makeReq(map[string]any{"orchestration_id": o.ID, "start": true}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(res))
	var w engine.Wave
	require.NoError(t, json.Unmarshal([]byte(resultText(res)), &w))
	require.Len(t, w.Tasks, 1)
	require.Equal(t, domain.TaskActive, w.Tasks[0].Status)

	report := NewReportTool(e, project)
	res, err = report.Handle(ctx, makeReq(map[string]any{"orchestration_id": o.ID, "task_id": "api", "report": "all good"}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.True(t, strings.HasPrefix(resultText(res), "Report rejected"))

	res, err = report.Handle(ctx, makeReq(map[string]any{
		"orchestration_id": o.ID,
		"task_id":          "api",
		"report":           `{"agent":"dev","task_id":"api","status":"DONE"}`,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(res))

	res, err = wave.Handle(ctx, makeReq(map[string]any{"orchestration_id": o.ID}))
	require.NoError(t, err)
	require.Contains(t, resultText(res), "complete")
}
