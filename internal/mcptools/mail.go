package mcptools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/mail"
	"crewline/internal/repo"
)

// InboxTool handles mail_inbox.
type InboxTool struct {
	engine  engine.Engine
	project string
}

func NewInboxTool(e engine.Engine, projectID string) *InboxTool {
	return &InboxTool{engine: e, project: projectID}
}

func (t *InboxTool) Definition() mcp.Tool {
	return mcp.NewTool("mail_inbox",
		mcp.WithDescription("List messages addressed to an agent, most important first."),
		mcp.WithString("agent",
			mcp.Required(),
			mcp.Description("Recipient name, e.g. dev or qa"),
		),
		mcp.WithString("status",
			mcp.Description("Only messages in this status"),
			mcp.Enum("unread", "read", "acknowledged", "assigned", "resolved"),
		),
		mcp.WithString("importance",
			mcp.Description("Only messages of this importance"),
			mcp.Enum("low", "normal", "high", "critical"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum messages to return (default: 50)"),
		),
	)
}

func (t *InboxTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agent := req.GetString("agent", "")
	if agent == "" {
		return mcp.NewToolResultError("'agent' is required"), nil
	}
	msgs, err := t.engine.Mail().Inbox(ctx, repo.InboxFilter{
		ProjectID:  t.project,
		Agent:      agent,
		Status:     domain.MessageStatus(req.GetString("status", "")),
		Importance: domain.Importance(req.GetString("importance", "")),
		Limit:      intArg(req, "limit", 50),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read inbox: %v", err)), nil
	}
	if len(msgs) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No messages for %s.", agent)), nil
	}
	return jsonResult(msgs), nil
}

// SendTool handles mail_send.
type SendTool struct {
	engine  engine.Engine
	project string
}

func NewSendTool(e engine.Engine, projectID string) *SendTool {
	return &SendTool{engine: e, project: projectID}
}

func (t *SendTool) Definition() mcp.Tool {
	return mcp.NewTool("mail_send",
		mcp.WithDescription("Send a message into an existing thread."),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Thread to post into")),
		mcp.WithString("agent", mcp.Required(), mcp.Description("Sender name")),
		mcp.WithString("to", mcp.Required(), mcp.Description("Recipient name")),
		mcp.WithString("body", mcp.Required(), mcp.Description("Message text")),
		mcp.WithString("subject", mcp.Description("Optional subject line")),
		mcp.WithString("importance",
			mcp.Description("Importance (default: normal)"),
			mcp.Enum("low", "normal", "high", "critical"),
		),
		mcp.WithString("task_id", mcp.Description("Task the message is about")),
	)
}

func (t *SendTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts := mail.SendOptions{
		ProjectID:  t.project,
		ThreadID:   req.GetString("thread_id", ""),
		From:       req.GetString("agent", ""),
		To:         req.GetString("to", ""),
		Subject:    req.GetString("subject", ""),
		Body:       req.GetString("body", ""),
		Importance: req.GetString("importance", ""),
		TaskID:     req.GetString("task_id", ""),
	}
	for name, v := range map[string]string{"thread_id": opts.ThreadID, "agent": opts.From, "to": opts.To, "body": opts.Body} {
		if v == "" {
			return mcp.NewToolResultError(fmt.Sprintf("'%s' is required", name)), nil
		}
	}
	m, err := t.engine.Mail().Send(ctx, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to send: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Sent %s to %s (importance %s).", m.ID, m.To, m.Importance)), nil
}

// MarkTool handles mail_mark.
type MarkTool struct {
	engine  engine.Engine
	project string
}

func NewMarkTool(e engine.Engine, projectID string) *MarkTool {
	return &MarkTool{engine: e, project: projectID}
}

func (t *MarkTool) Definition() mcp.Tool {
	return mcp.NewTool("mail_mark",
		mcp.WithDescription("Move a message to read, acknowledged, assigned or resolved."),
		mcp.WithString("message_id", mcp.Required(), mcp.Description("Message to update")),
		mcp.WithString("status",
			mcp.Required(),
			mcp.Description("New status"),
			mcp.Enum("read", "acknowledged", "assigned", "resolved"),
		),
		mcp.WithString("assignee", mcp.Description("Required when status is assigned")),
		mcp.WithString("agent", mcp.Description("Who is making the change")),
	)
}

func (t *MarkTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("message_id", "")
	status := req.GetString("status", "")
	if id == "" || status == "" {
		return mcp.NewToolResultError("'message_id' and 'status' are required"), nil
	}
	m, err := t.engine.Mail().SetStatus(ctx, t.project, id, domain.MessageStatus(status), req.GetString("assignee", ""), actorArg(req))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to update %s: %v", id, err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Message %s is now %s.", m.ID, m.Status)), nil
}
