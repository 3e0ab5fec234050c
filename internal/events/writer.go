// Package events appends to the project audit log. Every state change is
// written in the same transaction as the change itself.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	ProjectInit          = "project.init"
	GoalSet              = "gate.goal.set"
	PhaseAdvanced        = "gate.phase.advanced"
	SpecApproved         = "gate.spec.approved"
	OrchestrationStarted = "orchestration.started"
	OrchestrationDone    = "orchestration.completed"
	WaveDispatched       = "orchestration.wave"
	TaskStarted          = "task.started"
	TaskCompleted        = "task.completed"
	TaskFailed           = "task.failed"
	TaskRetry            = "task.retry"
	ReportRejected       = "report.rejected"
	BugFiled             = "bug.filed"
	BugUpdated           = "bug.updated"
	BugReopened          = "bug.reopened"
	BugEscalated         = "bug.hitl"
	DebateRound          = "debate.round"
	HITLEscalated        = "hitl.escalated"
	HITLResolved         = "hitl.resolved"
	ThreadCreated        = "mail.thread.created"
	MessageSent          = "mail.message.sent"
	MessageStatus        = "mail.message.status"
	ThreadArchived       = "mail.thread.archived"
)

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

type Entry struct {
	Type       string
	ProjectID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    Payload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	if e.ActorID == "" {
		e.ActorID = "system"
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), e.Type, nullable(e.ProjectID), e.EntityKind, nullable(e.EntityID), e.ActorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", e.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
