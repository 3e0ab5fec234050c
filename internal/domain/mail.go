package domain

import "fmt"

type ThreadType string

const (
	ThreadProject  ThreadType = "project"
	ThreadSprint   ThreadType = "sprint"
	ThreadTask     ThreadType = "task"
	ThreadBug      ThreadType = "bug"
	ThreadHITL     ThreadType = "hitl"
	ThreadDecision ThreadType = "decision"
	ThreadHandoff  ThreadType = "handoff"
)

var validThreadTypes = map[ThreadType]bool{
	ThreadProject: true, ThreadSprint: true, ThreadTask: true, ThreadBug: true,
	ThreadHITL: true, ThreadDecision: true, ThreadHandoff: true,
}

func ParseThreadType(s string) (ThreadType, error) {
	if !validThreadTypes[ThreadType(s)] {
		return "", fmt.Errorf("invalid thread type %q", s)
	}
	return ThreadType(s), nil
}

type ThreadStatus string

const (
	ThreadActive   ThreadStatus = "active"
	ThreadArchived ThreadStatus = "archived"
)

type Thread struct {
	ID        string       `json:"id"`
	ProjectID string       `json:"project_id"`
	ParentID  string       `json:"parent_id,omitempty"`
	Type      ThreadType   `json:"type"`
	Status    ThreadStatus `json:"status" enum:"active,archived"`
	Subject   string       `json:"subject,omitempty"`
	Ref       string       `json:"ref,omitempty"`
	CreatedAt string       `json:"created_at" format:"date-time"`
	UpdatedAt string       `json:"updated_at" format:"date-time"`
}

type Importance string

const (
	ImportanceLow      Importance = "low"
	ImportanceNormal   Importance = "normal"
	ImportanceHigh     Importance = "high"
	ImportanceCritical Importance = "critical"
)

// importanceRank orders inboxes. low and normal share a rank.
var importanceRank = map[Importance]int{
	ImportanceLow:      1,
	ImportanceNormal:   1,
	ImportanceHigh:     2,
	ImportanceCritical: 3,
}

// ParseImportance validates importance, defaulting empty input to normal.
func ParseImportance(s string) (Importance, error) {
	if s == "" {
		return ImportanceNormal, nil
	}
	if _, ok := importanceRank[Importance(s)]; !ok {
		return "", fmt.Errorf("invalid importance %q", s)
	}
	return Importance(s), nil
}

func (i Importance) Rank() int { return importanceRank[i] }

type MessageStatus string

const (
	MessageUnread       MessageStatus = "unread"
	MessageRead         MessageStatus = "read"
	MessageAcknowledged MessageStatus = "acknowledged"
	MessageAssigned     MessageStatus = "assigned"
	MessageResolved     MessageStatus = "resolved"
)

// messageOrder is the nominal progression; it is advisory only.
var messageOrder = map[MessageStatus]int{
	MessageUnread: 0, MessageRead: 1, MessageAcknowledged: 2, MessageAssigned: 3, MessageResolved: 4,
}

func ParseMessageStatus(s string) (MessageStatus, error) {
	if _, ok := messageOrder[MessageStatus(s)]; !ok {
		return "", fmt.Errorf("invalid message status %q", s)
	}
	return MessageStatus(s), nil
}

// InSequence reports whether moving from s to next follows the nominal progression by exactly one step.
func (s MessageStatus) InSequence(next MessageStatus) bool {
	return messageOrder[next] == messageOrder[s]+1
}

type Message struct {
	ID         string        `json:"id"`
	Seq        int64         `json:"seq"`
	ProjectID  string        `json:"project_id"`
	ThreadID   string        `json:"thread_id"`
	From       string        `json:"from_agent"`
	To         string        `json:"to_agent"`
	Subject    string        `json:"subject,omitempty"`
	Body       string        `json:"body"`
	Importance Importance    `json:"importance" enum:"low,normal,high,critical"`
	Status     MessageStatus `json:"status" enum:"unread,read,acknowledged,assigned,resolved"`
	AssignedTo string        `json:"assigned_to,omitempty"`
	TaskID     string        `json:"task_id,omitempty"`
	CreatedAt  string        `json:"created_at" format:"date-time"`
	UpdatedAt  string        `json:"updated_at" format:"date-time"`
}

// ArchivedMessage is a message copied out of the live table.
type ArchivedMessage struct {
	Message
	ArchivedAt string `json:"archived_at" format:"date-time"`
	Digest     string `json:"digest"`
}

// OutboundMessage is one entry in an agent's messages list.
type OutboundMessage struct {
	To         string `json:"to"`
	Content    string `json:"content"`
	Subject    string `json:"subject,omitempty"`
	Importance string `json:"importance,omitempty"`
}

// AgentOutput is the part of an agent report that drives mail fan-out.
type AgentOutput struct {
	Agent    string            `json:"agent"`
	TaskID   string            `json:"task_id"`
	Messages []OutboundMessage `json:"messages"`
}
