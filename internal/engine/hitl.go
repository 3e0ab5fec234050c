package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"crewline/internal/agentctx"
	"crewline/internal/domain"
	"crewline/internal/escalation"
	"crewline/internal/events"
	"crewline/internal/mail"
	"crewline/internal/repo"
)

const hitlOpen = "open"

// escalate stops an orchestration until a human resolves it. The caller
// persists o.
func (e Engine) escalate(ctx context.Context, tx *sql.Tx, o *domain.Orchestration, kind domain.HITLKind, subject, reason, actorID string) error {
	o.HITLRequired = true
	o.HITLReason = reason
	return e.recordHITL(ctx, tx, o.ProjectID, o.ID, o.ThreadID, kind, subject, reason, actorID)
}

// recordHITL stores the escalation and pages the human on a hitl thread
// under parentID, or under the project thread when parentID is empty.
func (e Engine) recordHITL(ctx context.Context, tx *sql.Tx, projectID, orchestrationID, parentID string, kind domain.HITLKind, subject, reason, actorID string) error {
	h := domain.HITLRecord{
		ID:              e.newID(),
		ProjectID:       projectID,
		OrchestrationID: orchestrationID,
		Kind:            kind,
		Subject:         subject,
		Reason:          reason,
		Status:          hitlOpen,
		CreatedAt:       e.stamp(),
	}
	if err := e.Repo.InsertHITL(ctx, tx, h); err != nil {
		return err
	}
	if parentID == "" {
		root, err := e.projectThread(ctx, tx, projectID, actorID)
		if err != nil {
			return err
		}
		parentID = root.ID
	}
	th, err := e.Mail().CreateThreadTx(ctx, tx, mail.ThreadOptions{
		ProjectID: projectID,
		ParentID:  parentID,
		Type:      domain.ThreadHITL,
		Subject:   fmt.Sprintf("human needed: %s %s", kind, subject),
		Ref:       h.ID,
		ActorID:   actorID,
	})
	if err != nil {
		return err
	}
	if _, err := e.Mail().SendTx(ctx, tx, mail.SendOptions{
		ProjectID:  projectID,
		ThreadID:   th.ID,
		From:       "crewline",
		To:         "human",
		Subject:    fmt.Sprintf("%s escalation", kind),
		Body:       reason,
		Importance: string(domain.ImportanceCritical),
	}); err != nil {
		return err
	}
	e.logger().Warn("escalated to human", "project", projectID, "orchestration", orchestrationID, "kind", kind, "subject", subject, "reason", reason)
	return e.events().Append(ctx, tx, events.Entry{
		Type:       events.HITLEscalated,
		ProjectID:  projectID,
		EntityKind: "hitl",
		EntityID:   h.ID,
		ActorID:    actorID,
		Payload:    events.Payload{"orchestration_id": orchestrationID, "kind": string(kind), "subject": subject, "reason": reason},
	})
}

// ResolveHITL records a human decision. With an orchestration id it clears
// that orchestration's stop flag and parse counters and retries failed tasks
// that block pending work. Without one it closes project-level escalations
// such as stalled debates.
func (e Engine) ResolveHITL(ctx context.Context, projectID, orchestrationID, resolution, actorID string) (int, error) {
	resolution = strings.TrimSpace(resolution)
	if resolution == "" {
		return 0, errors.New("a resolution is required")
	}
	var resolved int64
	err := e.Repo.InTx(ctx, "resolve hitl", func(tx *sql.Tx) error {
		var err error
		resolved, err = e.Repo.ResolveHITL(ctx, tx, projectID, orchestrationID, resolution, e.stamp())
		if err != nil {
			return err
		}
		if orchestrationID == "" {
			if resolved == 0 {
				return &domain.InvariantError{Reason: "no open project-level escalation"}
			}
			if err := e.Repo.SettleDebates(ctx, tx, projectID); err != nil {
				return err
			}
		} else {
			o, g, err := e.loadGraph(ctx, tx, projectID, orchestrationID)
			if err != nil {
				return err
			}
			if resolved == 0 && !o.HITLRequired {
				return &domain.InvariantError{Reason: fmt.Sprintf("orchestration %s is not waiting for a human", o.ID)}
			}
			o.HITLRequired = false
			o.HITLReason = ""
			if err := e.Repo.ClearParseAttempts(ctx, tx, o.ID, ""); err != nil {
				return err
			}
			if _, err := e.retryStranded(ctx, tx, &o, g, "", "resolved: "+resolution, actorID); err != nil {
				return err
			}
			if err := e.saveGraph(ctx, tx, &o, g); err != nil {
				return err
			}
			if _, err := e.maybeComplete(ctx, tx, &o, g, actorID); err != nil {
				return err
			}
		}
		return e.events().Append(ctx, tx, events.Entry{
			Type:       events.HITLResolved,
			ProjectID:  projectID,
			EntityKind: "hitl",
			EntityID:   orchestrationID,
			ActorID:    actorID,
			Payload:    events.Payload{"resolved": resolved, "resolution": resolution},
		})
	})
	if err != nil {
		return 0, err
	}
	e.logger().Info("escalation resolved", "project", projectID, "orchestration", orchestrationID, "records", resolved)
	return int(resolved), nil
}

type DebateOptions struct {
	ProjectID string
	SpecName  string
	Converged bool
	Summary   string
	ActorID   string
}

// DebateResult reports a recorded round. Outcome is success when the
// perspectives converged, retry when another round is allowed and escalate
// when the round bound was hit.
type DebateResult struct {
	Round        domain.DebateRound `json:"round"`
	Outcome      escalation.Outcome `json:"outcome"`
	HITLRequired bool               `json:"hitl_required"`
}

// RecordDebateRound stores one PM debate round over a spec.
func (e Engine) RecordDebateRound(ctx context.Context, opts DebateOptions) (DebateResult, error) {
	if opts.SpecName == "" {
		return DebateResult{}, errors.New("spec name is required")
	}
	cfg, err := e.config(ctx, opts.ProjectID)
	if err != nil {
		return DebateResult{}, err
	}
	var res DebateResult
	err = e.Repo.InTx(ctx, "record debate round", func(tx *sql.Tx) error {
		res = DebateResult{}
		open, err := e.openProjectHITL(ctx, tx, opts.ProjectID)
		if err != nil {
			return err
		}
		if len(open) > 0 {
			return &domain.HITLRequiredError{Reason: open[0].Reason}
		}
		rounds, unsettled, err := e.Repo.DebateRounds(ctx, tx, opts.ProjectID, opts.SpecName)
		if err != nil {
			return err
		}
		r := domain.DebateRound{
			ProjectID: opts.ProjectID,
			SpecName:  opts.SpecName,
			Round:     len(rounds) + 1,
			Converged: opts.Converged,
			Summary:   opts.Summary,
			CreatedAt: e.stamp(),
		}
		if err := e.Repo.InsertDebateRound(ctx, tx, r); err != nil {
			return err
		}
		res.Round = r
		res.Outcome = escalation.DebatePolicy(cfg.Limits.DebateMaxRounds).Attempt(escalation.Context{
			Number:    unsettled + 1,
			Succeeded: opts.Converged,
			Detail:    opts.Summary,
		})
		if err := e.events().Append(ctx, tx, events.Entry{
			Type:       events.DebateRound,
			ProjectID:  opts.ProjectID,
			EntityKind: "spec",
			EntityID:   opts.SpecName,
			ActorID:    opts.ActorID,
			Payload:    events.Payload{"round": r.Round, "converged": r.Converged, "outcome": string(res.Outcome.Kind)},
		}); err != nil {
			return err
		}
		switch res.Outcome.Kind {
		case escalation.Success:
			return e.Repo.SettleDebates(ctx, tx, opts.ProjectID)
		case escalation.Escalate:
			res.HITLRequired = true
			return e.recordHITL(ctx, tx, opts.ProjectID, "", "", domain.HITLDebate, opts.SpecName, res.Outcome.Reason, opts.ActorID)
		}
		return nil
	})
	if err != nil {
		return DebateResult{}, err
	}
	return res, nil
}

// DebateState summarises a spec debate for the next PM round.
type DebateState struct {
	SpecName  string               `json:"spec_name"`
	Rounds    []domain.DebateRound `json:"rounds"`
	Unsettled int                  `json:"unsettled"`
	MaxRounds int                  `json:"max_rounds"`
	Blocked   bool                 `json:"blocked"`
	Reason    string               `json:"reason,omitempty"`
	Snippets  []agentctx.Snippet   `json:"snippets"`
}

const debateSnippetLimit = 5

// DebateContext returns the rounds so far and whether another may run.
func (e Engine) DebateContext(ctx context.Context, projectID, specName string) (DebateState, error) {
	cfg, err := e.config(ctx, projectID)
	if err != nil {
		return DebateState{}, err
	}
	rounds, unsettled, err := e.Repo.DebateRounds(ctx, e.DB, projectID, specName)
	if err != nil {
		return DebateState{}, err
	}
	if rounds == nil {
		rounds = []domain.DebateRound{}
	}
	st := DebateState{
		SpecName:  specName,
		Rounds:    rounds,
		Unsettled: unsettled,
		MaxRounds: cfg.Limits.DebateMaxRounds,
		Snippets:  []agentctx.Snippet{},
	}
	if e.Oracle != nil {
		snippets, err := e.Oracle.Search(ctx, specName, projectID, debateSnippetLimit)
		if err != nil {
			e.logger().Warn("knowledge search failed", "project", projectID, "spec", specName, "err", err)
		} else if snippets != nil {
			st.Snippets = snippets
		}
	}
	open, err := e.openProjectHITL(ctx, e.DB, projectID)
	if err != nil {
		return DebateState{}, err
	}
	if len(open) > 0 {
		st.Blocked = true
		st.Reason = open[0].Reason
	}
	return st, nil
}

func (e Engine) openProjectHITL(ctx context.Context, q repo.Querier, projectID string) ([]domain.HITLRecord, error) {
	all, err := e.Repo.ListHITL(ctx, q, projectID, "", hitlOpen)
	if err != nil {
		return nil, err
	}
	var out []domain.HITLRecord
	for _, h := range all {
		if h.OrchestrationID == "" {
			out = append(out, h)
		}
	}
	return out, nil
}
