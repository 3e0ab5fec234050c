// Package mail is the threaded message store agents use to talk to each
// other. Messages are immutable once sent; only their status changes, and
// archiving moves them out of the live table.
package mail

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/repo"
)

type System struct {
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
	NewID  func() string
	Logger *slog.Logger
}

func New(r repo.Repo) System {
	return System{
		Repo:   r,
		Events: events.Writer{Now: time.Now},
		Now:    time.Now,
		NewID:  func() string { return uuid.NewString() },
		Logger: slog.Default(),
	}
}

func (s System) now() string {
	now := s.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (s System) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s System) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s System) events() events.Writer {
	if s.Events.Now == nil {
		s.Events.Now = s.Now
	}
	return s.Events
}

type ThreadOptions struct {
	ProjectID string
	ParentID  string
	Type      domain.ThreadType
	Subject   string
	Ref       string
	ActorID   string
}

// CreateThread opens a thread. Project threads are roots; every other
// type may hang under an active parent in the same project.
func (s System) CreateThread(ctx context.Context, opts ThreadOptions) (domain.Thread, error) {
	var t domain.Thread
	err := s.Repo.InTx(ctx, "create thread", func(tx *sql.Tx) error {
		var err error
		t, err = s.CreateThreadTx(ctx, tx, opts)
		return err
	})
	return t, err
}

// CreateThreadTx is CreateThread inside a caller's transaction.
func (s System) CreateThreadTx(ctx context.Context, tx *sql.Tx, opts ThreadOptions) (domain.Thread, error) {
	if _, err := domain.ParseThreadType(string(opts.Type)); err != nil {
		return domain.Thread{}, err
	}
	if opts.ProjectID == "" {
		return domain.Thread{}, fmt.Errorf("project id is required")
	}
	if opts.ParentID != "" {
		if opts.Type == domain.ThreadProject {
			return domain.Thread{}, &domain.InvariantError{Reason: "project threads cannot have a parent"}
		}
		parent, err := s.Repo.GetThread(ctx, tx, opts.ProjectID, opts.ParentID)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Thread{}, fmt.Errorf("parent thread %s not found in project %s: %w", opts.ParentID, opts.ProjectID, err)
		}
		if err != nil {
			return domain.Thread{}, err
		}
		if parent.Status == domain.ThreadArchived {
			return domain.Thread{}, &domain.InvariantError{Reason: fmt.Sprintf("parent thread %s is archived", parent.ID)}
		}
	}
	now := s.now()
	t := domain.Thread{
		ID:        s.newID(),
		ProjectID: opts.ProjectID,
		ParentID:  opts.ParentID,
		Type:      opts.Type,
		Status:    domain.ThreadActive,
		Subject:   opts.Subject,
		Ref:       opts.Ref,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Repo.InsertThread(ctx, tx, t); err != nil {
		return domain.Thread{}, err
	}
	if err := s.events().Append(ctx, tx, events.Entry{
		Type:       events.ThreadCreated,
		ProjectID:  t.ProjectID,
		EntityKind: "thread",
		EntityID:   t.ID,
		ActorID:    opts.ActorID,
		Payload:    events.Payload{"type": string(t.Type), "parent_id": t.ParentID, "ref": t.Ref},
	}); err != nil {
		return domain.Thread{}, err
	}
	return t, nil
}

type SendOptions struct {
	ProjectID  string
	ThreadID   string
	From       string
	To         string
	Subject    string
	Body       string
	Importance string
	TaskID     string
}

func (s System) Send(ctx context.Context, opts SendOptions) (domain.Message, error) {
	var m domain.Message
	err := s.Repo.InTx(ctx, "send message", func(tx *sql.Tx) error {
		var err error
		m, err = s.SendTx(ctx, tx, opts)
		return err
	})
	return m, err
}

// SendTx is Send inside a caller's transaction.
func (s System) SendTx(ctx context.Context, tx *sql.Tx, opts SendOptions) (domain.Message, error) {
	importance, err := domain.ParseImportance(strings.ToLower(strings.TrimSpace(opts.Importance)))
	if err != nil {
		return domain.Message{}, err
	}
	if strings.TrimSpace(opts.From) == "" || strings.TrimSpace(opts.To) == "" {
		return domain.Message{}, fmt.Errorf("message sender and recipient are required")
	}
	if strings.TrimSpace(opts.Body) == "" {
		return domain.Message{}, fmt.Errorf("message body is required")
	}
	thread, err := s.Repo.GetThread(ctx, tx, opts.ProjectID, opts.ThreadID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("thread %s: %w", opts.ThreadID, err)
	}
	if thread.Status != domain.ThreadActive {
		return domain.Message{}, &domain.InvariantError{Reason: fmt.Sprintf("thread %s is archived", thread.ID)}
	}
	now := s.now()
	m := domain.Message{
		ID:         s.newID(),
		ProjectID:  opts.ProjectID,
		ThreadID:   thread.ID,
		From:       opts.From,
		To:         opts.To,
		Subject:    opts.Subject,
		Body:       opts.Body,
		Importance: importance,
		Status:     domain.MessageUnread,
		TaskID:     opts.TaskID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.Seq, err = s.Repo.InsertMessage(ctx, tx, m)
	if err != nil {
		return domain.Message{}, err
	}
	if err := s.events().Append(ctx, tx, events.Entry{
		Type:       events.MessageSent,
		ProjectID:  m.ProjectID,
		EntityKind: "message",
		EntityID:   m.ID,
		ActorID:    m.From,
		Payload:    events.Payload{"thread_id": m.ThreadID, "to": m.To, "importance": string(m.Importance)},
	}); err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

// Inbox lists an agent's messages, most important first and newest first within a rank.
func (s System) Inbox(ctx context.Context, f repo.InboxFilter) ([]domain.Message, error) {
	if strings.TrimSpace(f.Agent) == "" {
		return nil, fmt.Errorf("agent is required")
	}
	if f.Status != "" {
		if _, err := domain.ParseMessageStatus(string(f.Status)); err != nil {
			return nil, err
		}
	}
	if f.Importance != "" {
		if _, err := domain.ParseImportance(string(f.Importance)); err != nil {
			return nil, err
		}
	}
	return s.Repo.Inbox(ctx, f)
}

func (s System) MarkRead(ctx context.Context, projectID, messageID, actorID string) (domain.Message, error) {
	return s.setStatus(ctx, projectID, messageID, domain.MessageRead, "", actorID)
}

func (s System) MarkAcknowledged(ctx context.Context, projectID, messageID, actorID string) (domain.Message, error) {
	return s.setStatus(ctx, projectID, messageID, domain.MessageAcknowledged, "", actorID)
}

func (s System) MarkResolved(ctx context.Context, projectID, messageID, actorID string) (domain.Message, error) {
	return s.setStatus(ctx, projectID, messageID, domain.MessageResolved, "", actorID)
}

func (s System) Assign(ctx context.Context, projectID, messageID, assignee, actorID string) (domain.Message, error) {
	if strings.TrimSpace(assignee) == "" {
		return domain.Message{}, fmt.Errorf("assignee is required")
	}
	return s.setStatus(ctx, projectID, messageID, domain.MessageAssigned, assignee, actorID)
}

// SetStatus applies any status by name; the CLI and MCP tools use it.
func (s System) SetStatus(ctx context.Context, projectID, messageID string, status domain.MessageStatus, assignee, actorID string) (domain.Message, error) {
	if _, err := domain.ParseMessageStatus(string(status)); err != nil {
		return domain.Message{}, err
	}
	if status == domain.MessageAssigned {
		return s.Assign(ctx, projectID, messageID, assignee, actorID)
	}
	return s.setStatus(ctx, projectID, messageID, status, "", actorID)
}

// setStatus applies next whatever the current status is. Transitions that
// skip or reverse the nominal order are logged and flagged in the event.
func (s System) setStatus(ctx context.Context, projectID, messageID string, next domain.MessageStatus, assignee, actorID string) (domain.Message, error) {
	var m domain.Message
	err := s.Repo.InTx(ctx, "set message status", func(tx *sql.Tx) error {
		var err error
		m, err = s.Repo.GetMessage(ctx, tx, projectID, messageID)
		if err != nil {
			return fmt.Errorf("message %s: %w", messageID, err)
		}
		prev := m.Status
		inSequence := prev == next || prev.InSequence(next)
		if !inSequence {
			s.logger().Debug("out-of-sequence message transition", "message", m.ID, "from", prev, "to", next)
		}
		m.Status = next
		if assignee != "" {
			m.AssignedTo = assignee
		}
		m.UpdatedAt = s.now()
		if err := s.Repo.UpdateMessageStatus(ctx, tx, m); err != nil {
			return err
		}
		return s.events().Append(ctx, tx, events.Entry{
			Type:       events.MessageStatus,
			ProjectID:  projectID,
			EntityKind: "message",
			EntityID:   m.ID,
			ActorID:    actorID,
			Payload: events.Payload{
				"from":        string(prev),
				"to":          string(next),
				"assigned_to": m.AssignedTo,
				"in_sequence": inSequence,
			},
		})
	})
	return m, err
}

// ArchiveThread copies every message of the thread and of its active
// descendants into the archive, removes them from the live table and marks
// each of those threads archived.
func (s System) ArchiveThread(ctx context.Context, projectID, threadID, actorID string) (int, error) {
	var n int
	err := s.Repo.InTx(ctx, "archive thread", func(tx *sql.Tx) error {
		var err error
		n, err = s.ArchiveThreadTx(ctx, tx, projectID, threadID, actorID)
		return err
	})
	return n, err
}

func (s System) ArchiveThreadTx(ctx context.Context, tx *sql.Tx, projectID, threadID, actorID string) (int, error) {
	thread, err := s.Repo.GetThread(ctx, tx, projectID, threadID)
	if err != nil {
		return 0, fmt.Errorf("thread %s: %w", threadID, err)
	}
	if thread.Status == domain.ThreadArchived {
		return 0, &domain.InvariantError{Reason: fmt.Sprintf("thread %s is already archived", threadID)}
	}
	return s.archiveTree(ctx, tx, projectID, threadID, actorID)
}

func (s System) archiveTree(ctx context.Context, tx *sql.Tx, projectID, threadID, actorID string) (int, error) {
	children, err := s.Repo.ChildThreads(ctx, tx, projectID, threadID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, c := range children {
		if c.Status == domain.ThreadArchived {
			continue
		}
		n, err := s.archiveTree(ctx, tx, projectID, c.ID, actorID)
		if err != nil {
			return 0, err
		}
		total += n
	}
	n, err := s.archiveOne(ctx, tx, projectID, threadID, actorID)
	return total + n, err
}

func (s System) archiveOne(ctx context.Context, tx *sql.Tx, projectID, threadID, actorID string) (int, error) {
	msgs, err := s.Repo.ThreadMessages(ctx, tx, projectID, threadID)
	if err != nil {
		return 0, err
	}
	now := s.now()
	for _, m := range msgs {
		payload, digest, err := encodeArchived(m)
		if err != nil {
			return 0, err
		}
		if err := s.Repo.InsertArchived(ctx, tx, domain.ArchivedMessage{Message: m, ArchivedAt: now, Digest: digest}, payload); err != nil {
			return 0, err
		}
	}
	deleted, err := s.Repo.DeleteThreadMessages(ctx, tx, projectID, threadID)
	if err != nil {
		return 0, err
	}
	if int(deleted) != len(msgs) {
		return 0, fmt.Errorf("archive thread %s: copied %d messages but removed %d", threadID, len(msgs), deleted)
	}
	if err := s.Repo.SetThreadStatus(ctx, tx, projectID, threadID, domain.ThreadArchived, now); err != nil {
		return 0, err
	}
	if err := s.events().Append(ctx, tx, events.Entry{
		Type:       events.ThreadArchived,
		ProjectID:  projectID,
		EntityKind: "thread",
		EntityID:   threadID,
		ActorID:    actorID,
		Payload:    events.Payload{"messages": len(msgs)},
	}); err != nil {
		return 0, err
	}
	return len(msgs), nil
}

// Archived reads back an archived thread, checking every digest.
func (s System) Archived(ctx context.Context, projectID, threadID string) ([]domain.ArchivedMessage, error) {
	rows, err := s.Repo.ArchivedRows(ctx, projectID, threadID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ArchivedMessage, 0, len(rows))
	for _, row := range rows {
		m, err := decodeArchived(row.Payload, row.Digest)
		if err != nil {
			return nil, fmt.Errorf("archived message %s: %w", row.ID, err)
		}
		out = append(out, domain.ArchivedMessage{Message: m, ArchivedAt: row.ArchivedAt, Digest: row.Digest})
	}
	return out, nil
}

type RouteOptions struct {
	ProjectID string
	// ParentID is the thread the handoff hangs under, usually the sprint thread.
	ParentID string
	Output   domain.AgentOutput
}

// Routed is the result of fanning out an agent's messages.
type Routed struct {
	Thread   domain.Thread    `json:"thread"`
	Messages []domain.Message `json:"messages"`
}

// RouteMessages opens one handoff thread for the agent's output and sends
// each outbound message into it.
func (s System) RouteMessages(ctx context.Context, opts RouteOptions) (Routed, error) {
	var out Routed
	err := s.Repo.InTx(ctx, "route messages", func(tx *sql.Tx) error {
		var err error
		out, err = s.RouteMessagesTx(ctx, tx, opts)
		return err
	})
	return out, err
}

func (s System) RouteMessagesTx(ctx context.Context, tx *sql.Tx, opts RouteOptions) (Routed, error) {
	var out Routed
	if len(opts.Output.Messages) == 0 {
		return out, nil
	}
	agent := opts.Output.Agent
	if agent == "" {
		agent = "agent"
	}
	subject := fmt.Sprintf("handoff from %s", agent)
	if opts.Output.TaskID != "" {
		subject = fmt.Sprintf("handoff from %s on %s", agent, opts.Output.TaskID)
	}
	thread, err := s.CreateThreadTx(ctx, tx, ThreadOptions{
		ProjectID: opts.ProjectID,
		ParentID:  opts.ParentID,
		Type:      domain.ThreadHandoff,
		Subject:   subject,
		Ref:       opts.Output.TaskID,
		ActorID:   agent,
	})
	if err != nil {
		return out, err
	}
	out.Thread = thread
	for i, msg := range opts.Output.Messages {
		sent, err := s.SendTx(ctx, tx, SendOptions{
			ProjectID:  opts.ProjectID,
			ThreadID:   thread.ID,
			From:       agent,
			To:         msg.To,
			Subject:    msg.Subject,
			Body:       msg.Content,
			Importance: msg.Importance,
			TaskID:     opts.Output.TaskID,
		})
		if err != nil {
			return out, fmt.Errorf("route message %d: %w", i+1, err)
		}
		out.Messages = append(out.Messages, sent)
	}
	return out, nil
}

func (s System) Thread(ctx context.Context, projectID, threadID string) (domain.Thread, error) {
	return s.Repo.GetThread(ctx, s.Repo.DB, projectID, threadID)
}

func (s System) Threads(ctx context.Context, projectID, parentID string) ([]domain.Thread, error) {
	return s.Repo.ListThreads(ctx, projectID, parentID)
}

func (s System) ThreadMessages(ctx context.Context, projectID, threadID string) ([]domain.Message, error) {
	return s.Repo.ThreadMessages(ctx, s.Repo.DB, projectID, threadID)
}

// TaskMessages is the mail history an agent working on taskID may see.
func (s System) TaskMessages(ctx context.Context, projectID, taskID string) ([]domain.Message, error) {
	return s.Repo.TaskMessages(ctx, projectID, taskID)
}
