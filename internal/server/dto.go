package server

import (
	"encoding/json"

	"crewline/internal/domain"
	"crewline/internal/gate"
)

// Request DTOs

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type GateCheckRequest struct {
	ToolName  string         `json:"tool_name" example:"Write"`
	Target    string         `json:"target,omitempty" example:"src/login.go"`
	ToolInput map[string]any `json:"tool_input,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type SetGoalRequest struct {
	Goal string `json:"goal"`
	Tier string `json:"tier,omitempty" enum:"minimal,standard,full"`
}

type AdvancePhaseRequest struct {
	Phase string `json:"phase" enum:"intake,debate,spec,approve,implement,review,complete"`
}

type ApproveSpecRequest struct {
	Spec string `json:"spec"`
}

type CreateThreadRequest struct {
	Type     string `json:"type" enum:"project,sprint,task,bug,hitl,decision,handoff"`
	ParentID string `json:"parent_id,omitempty"`
	Subject  string `json:"subject,omitempty"`
	Ref      string `json:"ref,omitempty"`
}

type SendMessageRequest struct {
	ThreadID   string `json:"thread_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Subject    string `json:"subject,omitempty"`
	Body       string `json:"body"`
	Importance string `json:"importance,omitempty" enum:"low,normal,high,critical"`
	TaskID     string `json:"task_id,omitempty"`
}

type MessageStatusRequest struct {
	Status   string `json:"status" enum:"unread,read,acknowledged,assigned,resolved"`
	Assignee string `json:"assignee,omitempty"`
}

type TaskInput struct {
	ID           string   `json:"id"`
	Description  string   `json:"description,omitempty"`
	Role         string   `json:"agent_role,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	MaxAttempts  int      `json:"max_attempts,omitempty"`
	FileScope    []string `json:"file_scope,omitempty"`
}

type StartOrchestrationRequest struct {
	SpecName string      `json:"spec_name"`
	SpecPath string      `json:"spec_path,omitempty"`
	Tasks    []TaskInput `json:"tasks"`
}

type SubmitReportRequest struct {
	Raw string `json:"raw" doc:"Agent output: raw JSON, JSONC or markdown with a fenced report"`
}

type ResolveHITLRequest struct {
	OrchestrationID string `json:"orchestration_id,omitempty"`
	Resolution      string `json:"resolution"`
}

type FileBugRequest struct {
	OrchestrationID string `json:"orchestration_id"`
	TaskID          string `json:"task_id,omitempty"`
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	FoundBy         string `json:"found_by"`
	Severity        string `json:"severity,omitempty" enum:"low,medium,high,critical"`
}

type BugActionRequest struct {
	Assignee string `json:"assignee,omitempty"`
	Summary  string `json:"summary,omitempty"`
	Passed   bool   `json:"passed,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

type DebateRoundRequest struct {
	SpecName  string `json:"spec_name"`
	Converged bool   `json:"converged"`
	Summary   string `json:"summary,omitempty"`
}

// Response DTOs

type DecisionResponse struct {
	Decision string            `json:"decision" enum:"allow,block"`
	Gate     string            `json:"gate,omitempty"`
	Reason   string            `json:"reason"`
	Class    string            `json:"class,omitempty"`
	State    *domain.GateState `json:"state,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type ResolveHITLResponse struct {
	Resolved int `json:"resolved"`
}

// Conversion helpers

func decisionResponse(d gate.Decision) DecisionResponse {
	return DecisionResponse{
		Decision: d.Verdict(),
		Gate:     d.Gate,
		Reason:   d.Reason,
		Class:    string(d.Class),
		State:    d.State,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func taskInputs(in []TaskInput) []domain.Task {
	out := make([]domain.Task, 0, len(in))
	for _, t := range in {
		out = append(out, domain.Task{
			ID:           t.ID,
			Description:  t.Description,
			Role:         domain.Role(t.Role),
			Dependencies: t.Dependencies,
			MaxAttempts:  t.MaxAttempts,
			FileScope:    t.FileScope,
		})
	}
	return out
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
