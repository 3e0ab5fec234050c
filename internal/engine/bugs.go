package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"crewline/internal/domain"
	"crewline/internal/escalation"
	"crewline/internal/events"
	"crewline/internal/mail"
)

type BugOptions struct {
	ProjectID       string
	OrchestrationID string
	TaskID          string
	Title           string
	Description     string
	FoundBy         string
	Severity        string
	ActorID         string
}

// FileBug opens a bug against an orchestration and announces it on a bug
// thread under the sprint thread.
func (e Engine) FileBug(ctx context.Context, opts BugOptions) (domain.Bug, error) {
	var bug domain.Bug
	err := e.Repo.InTx(ctx, "file bug", func(tx *sql.Tx) error {
		o, err := e.Repo.GetOrchestration(ctx, tx, opts.ProjectID, opts.OrchestrationID)
		if err != nil {
			return fmt.Errorf("orchestration %s: %w", opts.OrchestrationID, err)
		}
		if o.Status != domain.OrchestrationActive {
			return &domain.InvariantError{Reason: fmt.Sprintf("orchestration %s is %s", o.ID, o.Status)}
		}
		bug, err = e.fileBug(ctx, tx, &o, opts)
		return err
	})
	return bug, err
}

func (e Engine) fileBug(ctx context.Context, tx *sql.Tx, o *domain.Orchestration, opts BugOptions) (domain.Bug, error) {
	if opts.Title == "" {
		return domain.Bug{}, errors.New("bug title is required")
	}
	if opts.FoundBy == "" {
		return domain.Bug{}, errors.New("bug reporter is required")
	}
	severity, err := domain.ParseSeverity(opts.Severity)
	if err != nil {
		return domain.Bug{}, err
	}
	cfg, err := e.config(ctx, o.ProjectID)
	if err != nil {
		return domain.Bug{}, err
	}
	now := e.stamp()
	b := domain.Bug{
		ID:              e.newID(),
		ProjectID:       o.ProjectID,
		OrchestrationID: o.ID,
		TaskID:          opts.TaskID,
		Title:           opts.Title,
		Description:     opts.Description,
		FoundBy:         opts.FoundBy,
		Severity:        severity,
		Status:          domain.BugOpen,
		MaxCycles:       cfg.Limits.BugMaxCycles,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.Repo.InsertBug(ctx, tx, b); err != nil {
		return domain.Bug{}, err
	}
	if o.Bugs == nil {
		o.Bugs = map[string]domain.Bug{}
	}
	o.Bugs[b.ID] = b
	if o.ThreadID != "" {
		th, err := e.Mail().CreateThreadTx(ctx, tx, mail.ThreadOptions{
			ProjectID: o.ProjectID,
			ParentID:  o.ThreadID,
			Type:      domain.ThreadBug,
			Subject:   "bug: " + b.Title,
			Ref:       b.ID,
			ActorID:   opts.ActorID,
		})
		if err != nil {
			return domain.Bug{}, err
		}
		importance := string(domain.ImportanceNormal)
		if severity == domain.SeverityHigh || severity == domain.SeverityCritical {
			importance = string(domain.ImportanceHigh)
		}
		if _, err := e.Mail().SendTx(ctx, tx, mail.SendOptions{
			ProjectID:  o.ProjectID,
			ThreadID:   th.ID,
			From:       b.FoundBy,
			To:         string(domain.RoleDev),
			Subject:    b.Title,
			Body:       bugBody(b),
			Importance: importance,
			TaskID:     b.TaskID,
		}); err != nil {
			return domain.Bug{}, err
		}
	}
	e.logger().Info("bug filed", "bug", b.ID, "orchestration", o.ID, "severity", b.Severity)
	return b, e.events().Append(ctx, tx, events.Entry{
		Type:       events.BugFiled,
		ProjectID:  b.ProjectID,
		EntityKind: "bug",
		EntityID:   b.ID,
		ActorID:    opts.ActorID,
		Payload:    events.Payload{"orchestration_id": o.ID, "task_id": b.TaskID, "severity": string(b.Severity), "found_by": b.FoundBy},
	})
}

func bugBody(b domain.Bug) string {
	if b.Description == "" {
		return b.Title
	}
	return b.Title + "\n\n" + b.Description
}

// Bug loads one bug.
func (e Engine) Bug(ctx context.Context, projectID, id string) (domain.Bug, error) {
	b, err := e.Repo.GetBug(ctx, e.DB, projectID, id)
	if err != nil {
		return b, fmt.Errorf("bug %s: %w", id, err)
	}
	return b, nil
}

// updateBug runs fn on a bug inside a transaction and persists the result.
func (e Engine) updateBug(ctx context.Context, op, projectID, id, actorID string, fn func(tx *sql.Tx, o *domain.Orchestration, b *domain.Bug) (events.Payload, error)) (domain.Bug, error) {
	var bug domain.Bug
	err := e.Repo.InTx(ctx, op, func(tx *sql.Tx) error {
		b, err := e.Repo.GetBug(ctx, tx, projectID, id)
		if err != nil {
			return fmt.Errorf("bug %s: %w", id, err)
		}
		o, err := e.Repo.GetOrchestration(ctx, tx, projectID, b.OrchestrationID)
		if err != nil {
			return err
		}
		from := b.Status
		payload, err := fn(tx, &o, &b)
		if err != nil {
			return err
		}
		b.UpdatedAt = e.stamp()
		if err := e.Repo.UpdateBug(ctx, tx, b); err != nil {
			return err
		}
		bug = b
		if payload == nil {
			payload = events.Payload{}
		}
		payload["from"] = string(from)
		payload["to"] = string(b.Status)
		typ := events.BugUpdated
		switch {
		case b.Status == domain.BugHITL:
			typ = events.BugEscalated
		case from != domain.BugOpen && b.Status == domain.BugOpen:
			typ = events.BugReopened
		}
		if err := e.events().Append(ctx, tx, events.Entry{
			Type:       typ,
			ProjectID:  projectID,
			EntityKind: "bug",
			EntityID:   b.ID,
			ActorID:    actorID,
			Payload:    payload,
		}); err != nil {
			return err
		}
		if b.Status != domain.BugClosed {
			return nil
		}
		g, err := graphOf(o)
		if err != nil {
			return err
		}
		if b.TaskID != "" {
			n, err := e.retryStranded(ctx, tx, &o, g, b.TaskID, "bug "+b.ID+" closed", actorID)
			if err != nil {
				return err
			}
			if n > 0 {
				if err := e.saveGraph(ctx, tx, &o, g); err != nil {
					return err
				}
			}
		}
		_, err = e.maybeComplete(ctx, tx, &o, g, actorID)
		return err
	})
	return bug, err
}

func badTransition(b *domain.Bug, action string) error {
	return &domain.InvariantError{Reason: fmt.Sprintf("cannot %s bug %s while %s", action, b.ID, b.Status)}
}

// StartFix assigns a bug to a fixer. A bug parked with a human can restart
// once the orchestration's escalation is resolved.
func (e Engine) StartFix(ctx context.Context, projectID, id, assignee, actorID string) (domain.Bug, error) {
	if assignee == "" {
		return domain.Bug{}, errors.New("assignee is required")
	}
	return e.updateBug(ctx, "start fix", projectID, id, actorID, func(tx *sql.Tx, o *domain.Orchestration, b *domain.Bug) (events.Payload, error) {
		switch b.Status {
		case domain.BugOpen:
		case domain.BugHITL:
			if o.HITLRequired {
				return nil, &domain.HITLRequiredError{Reason: o.HITLReason}
			}
		default:
			return nil, badTransition(b, "start fixing")
		}
		b.Status = domain.BugFixing
		b.AssignedTo = assignee
		return events.Payload{"assigned_to": assignee}, nil
	})
}

// SubmitFix hands a fix over for verification.
func (e Engine) SubmitFix(ctx context.Context, projectID, id, summary, actorID string) (domain.Bug, error) {
	return e.updateBug(ctx, "submit fix", projectID, id, actorID, func(tx *sql.Tx, o *domain.Orchestration, b *domain.Bug) (events.Payload, error) {
		if b.Status != domain.BugFixing {
			return nil, badTransition(b, "submit a fix for")
		}
		b.Status = domain.BugVerifying
		b.Resolution = summary
		return events.Payload{"summary": summary}, nil
	})
}

// VerifyBug closes a bug whose fix passed, or reopens it.
func (e Engine) VerifyBug(ctx context.Context, projectID, id string, passed bool, detail, actorID string) (domain.Bug, error) {
	return e.updateBug(ctx, "verify bug", projectID, id, actorID, func(tx *sql.Tx, o *domain.Orchestration, b *domain.Bug) (events.Payload, error) {
		if b.Status != domain.BugVerifying {
			return nil, badTransition(b, "verify")
		}
		if passed {
			b.Status = domain.BugClosed
			return events.Payload{"passed": true}, nil
		}
		out, err := e.reopenTx(ctx, tx, o, b, detail, actorID)
		return events.Payload{"passed": false, "detail": detail, "outcome": string(out.Kind)}, err
	})
}

// ReopenBug sends a verifying or closed bug back for another cycle.
func (e Engine) ReopenBug(ctx context.Context, projectID, id, detail, actorID string) (domain.Bug, error) {
	return e.updateBug(ctx, "reopen bug", projectID, id, actorID, func(tx *sql.Tx, o *domain.Orchestration, b *domain.Bug) (events.Payload, error) {
		if b.Status != domain.BugVerifying && b.Status != domain.BugClosed {
			return nil, badTransition(b, "reopen")
		}
		out, err := e.reopenTx(ctx, tx, o, b, detail, actorID)
		return events.Payload{"detail": detail, "outcome": string(out.Kind), "hint": out.Hint}, err
	})
}

// reopenTx counts one more fix cycle. At the bound the bug is parked with a
// human and the orchestration stops.
func (e Engine) reopenTx(ctx context.Context, tx *sql.Tx, o *domain.Orchestration, b *domain.Bug, detail, actorID string) (escalation.Outcome, error) {
	b.Cycle++
	b.AssignedTo = ""
	out := escalation.BugCyclePolicy(b.MaxCycles).Attempt(escalation.Context{Number: b.Cycle, Detail: detail})
	if !out.Escalated() {
		b.Status = domain.BugOpen
		return out, nil
	}
	b.Status = domain.BugHITL
	if err := e.escalate(ctx, tx, o, domain.HITLBug, b.ID, out.Reason, actorID); err != nil {
		return out, err
	}
	o.UpdatedAt = e.stamp()
	return out, e.Repo.UpdateOrchestration(ctx, tx, *o)
}
