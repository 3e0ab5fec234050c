package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"crewline/internal/agentout"
	"crewline/internal/domain"
	"crewline/internal/escalation"
	"crewline/internal/events"
	"crewline/internal/mail"
	"crewline/internal/repo"
	"crewline/internal/taskgraph"
)

// StartOptions are parameters for starting an orchestration of an approved spec.
type StartOptions struct {
	ProjectID string
	SpecName  string
	SpecPath  string
	Tasks     []domain.Task
	ActorID   string
}

func (e Engine) StartOrchestration(ctx context.Context, opts StartOptions) (domain.Orchestration, error) {
	if opts.SpecName == "" {
		return domain.Orchestration{}, errors.New("spec name is required")
	}
	if len(opts.Tasks) == 0 {
		return domain.Orchestration{}, &domain.InvalidGraphError{Reason: "decomposition has no tasks"}
	}
	cfg, err := e.config(ctx, opts.ProjectID)
	if err != nil {
		return domain.Orchestration{}, err
	}
	g := taskgraph.New(opts.SpecName, opts.SpecPath)
	for _, t := range opts.Tasks {
		if t.MaxAttempts == 0 {
			t.MaxAttempts = cfg.Limits.TaskMaxAttempts
		}
		if err := g.AddTask(t); err != nil {
			return domain.Orchestration{}, err
		}
	}
	if d := e.Gate().CheckSpec(ctx, opts.ProjectID, opts.SpecName); !d.Allowed {
		return domain.Orchestration{}, d.Err()
	}
	now := e.stamp()
	o := domain.Orchestration{
		ID:        e.newID(),
		ProjectID: opts.ProjectID,
		SpecName:  opts.SpecName,
		SpecPath:  opts.SpecPath,
		Graph:     g.Snapshot(),
		Status:    domain.OrchestrationActive,
		Bugs:      map[string]domain.Bug{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = e.Repo.InTx(ctx, "start orchestration", func(tx *sql.Tx) error {
		existing, err := e.Repo.ActiveOrchestrationForSpec(ctx, tx, opts.ProjectID, opts.SpecName)
		if err == nil {
			return &domain.InvariantError{Reason: fmt.Sprintf("spec %s already has active orchestration %s", opts.SpecName, existing)}
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		root, err := e.projectThread(ctx, tx, opts.ProjectID, opts.ActorID)
		if err != nil {
			return err
		}
		sprint, err := e.Mail().CreateThreadTx(ctx, tx, mail.ThreadOptions{
			ProjectID: opts.ProjectID,
			ParentID:  root.ID,
			Type:      domain.ThreadSprint,
			Subject:   "sprint: " + opts.SpecName,
			Ref:       o.ID,
			ActorID:   opts.ActorID,
		})
		if err != nil {
			return err
		}
		o.ThreadID = sprint.ID
		if err := e.Repo.InsertOrchestration(ctx, tx, o); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.Entry{
			Type:       events.OrchestrationStarted,
			ProjectID:  o.ProjectID,
			EntityKind: "orchestration",
			EntityID:   o.ID,
			ActorID:    opts.ActorID,
			Payload:    events.Payload{"spec": o.SpecName, "tasks": g.Len(), "waves": len(g.Waves())},
		})
	})
	if err != nil {
		return domain.Orchestration{}, err
	}
	return o, nil
}

// loadGraph reads an orchestration and rebuilds its graph inside tx.
func (e Engine) loadGraph(ctx context.Context, tx *sql.Tx, projectID, id string) (domain.Orchestration, *taskgraph.Graph, error) {
	o, err := e.Repo.GetOrchestration(ctx, tx, projectID, id)
	if err != nil {
		return o, nil, fmt.Errorf("orchestration %s: %w", id, err)
	}
	g, err := graphOf(o)
	return o, g, err
}

func graphOf(o domain.Orchestration) (*taskgraph.Graph, error) {
	g, err := taskgraph.FromSnapshot(o.Graph)
	if err != nil {
		return nil, fmt.Errorf("orchestration %s: %w", o.ID, err)
	}
	return g, nil
}

func (e Engine) saveGraph(ctx context.Context, tx *sql.Tx, o *domain.Orchestration, g *taskgraph.Graph) error {
	o.Graph = g.Snapshot()
	o.UpdatedAt = e.stamp()
	return e.Repo.UpdateOrchestration(ctx, tx, *o)
}

func requireRunnable(o domain.Orchestration) error {
	if o.Status != domain.OrchestrationActive {
		return &domain.InvariantError{Reason: fmt.Sprintf("orchestration %s is %s", o.ID, o.Status)}
	}
	if o.HITLRequired {
		return &domain.HITLRequiredError{Reason: o.HITLReason}
	}
	return nil
}

// Wave is the batch of tasks ready for dispatch.
type Wave struct {
	OrchestrationID string        `json:"orchestration_id"`
	Number          int           `json:"wave"`
	Tasks           []domain.Task `json:"tasks"`
	Done            bool          `json:"done"`
}

// NextWave returns the ready tasks of the lowest unfinished wave.
func (e Engine) NextWave(ctx context.Context, projectID, id, actorID string) (Wave, error) {
	o, err := e.Repo.GetOrchestration(ctx, e.DB, projectID, id)
	if err != nil {
		return Wave{}, fmt.Errorf("orchestration %s: %w", id, err)
	}
	if o.Status == domain.OrchestrationComplete {
		return Wave{OrchestrationID: id, Tasks: []domain.Task{}, Done: true}, nil
	}
	if err := requireRunnable(o); err != nil {
		return Wave{}, err
	}
	if d := e.Gate().CheckWave(ctx, projectID, o.SpecName); !d.Allowed {
		return Wave{}, d.Err()
	}
	w := Wave{OrchestrationID: id, Tasks: []domain.Task{}}
	err = e.Repo.InTx(ctx, "next wave", func(tx *sql.Tx) error {
		o, g, err := e.loadGraph(ctx, tx, projectID, id)
		if err != nil {
			return err
		}
		if err := requireRunnable(o); err != nil {
			return err
		}
		w.Number = g.LowestOpenWave()
		if w.Number == 0 {
			w.Done = g.Done()
			return nil
		}
		for _, t := range g.ReadyTasks() {
			if t.Wave == w.Number {
				w.Tasks = append(w.Tasks, t)
			}
		}
		if o.CurrentWave == w.Number && len(w.Tasks) == 0 {
			return nil
		}
		o.CurrentWave = w.Number
		if err := e.saveGraph(ctx, tx, &o, g); err != nil {
			return err
		}
		ids := make([]string, 0, len(w.Tasks))
		for _, t := range w.Tasks {
			ids = append(ids, t.ID)
		}
		return e.events().Append(ctx, tx, events.Entry{
			Type:       events.WaveDispatched,
			ProjectID:  projectID,
			EntityKind: "orchestration",
			EntityID:   id,
			ActorID:    actorID,
			Payload:    events.Payload{"wave": w.Number, "tasks": ids},
		})
	})
	if err != nil {
		return Wave{}, err
	}
	return w, nil
}

// Waves returns the whole graph grouped by wave.
func (e Engine) Waves(ctx context.Context, projectID, id string) ([][]domain.Task, error) {
	o, err := e.Repo.GetOrchestration(ctx, e.DB, projectID, id)
	if err != nil {
		return nil, fmt.Errorf("orchestration %s: %w", id, err)
	}
	g, err := graphOf(o)
	if err != nil {
		return nil, err
	}
	return g.Waves(), nil
}

// StartTask marks a ready task active.
func (e Engine) StartTask(ctx context.Context, projectID, id, taskID, actorID string) (domain.Task, error) {
	var task domain.Task
	err := e.Repo.InTx(ctx, "start task", func(tx *sql.Tx) error {
		o, g, err := e.loadGraph(ctx, tx, projectID, id)
		if err != nil {
			return err
		}
		if err := requireRunnable(o); err != nil {
			return err
		}
		task, err = g.MarkActive(taskID)
		if err != nil {
			return err
		}
		if err := e.saveGraph(ctx, tx, &o, g); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.Entry{
			Type:       events.TaskStarted,
			ProjectID:  projectID,
			EntityKind: "task",
			EntityID:   taskID,
			ActorID:    actorID,
			Payload:    events.Payload{"orchestration_id": id, "wave": task.Wave, "role": string(task.Role)},
		})
	})
	return task, err
}

// ReportOptions carry one agent report for a dispatched task.
type ReportOptions struct {
	ProjectID       string
	OrchestrationID string
	TaskID          string
	Raw             string
	ActorID         string
}

// ReportResult says what a report did. When Accepted is false the report
// was malformed: Outcome is retry (re-prompt with Hint) or escalate.
type ReportResult struct {
	Accepted          bool               `json:"accepted"`
	Outcome           escalation.Outcome `json:"outcome"`
	Hint              string             `json:"hint,omitempty"`
	Error             string             `json:"error,omitempty"`
	Report            *agentout.Report   `json:"report,omitempty"`
	Task              domain.Task        `json:"task"`
	Bug               *domain.Bug        `json:"bug,omitempty"`
	HITLRequired      bool               `json:"hitl_required"`
	Routed            int                `json:"routed"`
	OrchestrationDone bool               `json:"orchestration_done"`
}

// SubmitReport parses an agent's report and applies it to the task graph.
func (e Engine) SubmitReport(ctx context.Context, opts ReportOptions) (ReportResult, error) {
	cfg, err := e.config(ctx, opts.ProjectID)
	if err != nil {
		return ReportResult{}, err
	}
	var res ReportResult
	err = e.Repo.InTx(ctx, "submit report", func(tx *sql.Tx) error {
		res = ReportResult{}
		o, g, err := e.loadGraph(ctx, tx, opts.ProjectID, opts.OrchestrationID)
		if err != nil {
			return err
		}
		if err := requireRunnable(o); err != nil {
			return err
		}
		task, ok := g.Task(opts.TaskID)
		if !ok {
			return fmt.Errorf("task %s not in orchestration %s: %w", opts.TaskID, o.ID, repo.ErrNotFound)
		}
		attempts, _, err := e.Repo.ParseAttempts(ctx, tx, o.ID, task.ID)
		if err != nil {
			return err
		}
		policy := escalation.ParsePolicy(cfg.Limits.ParseMaxAttempts)
		report, outcome, perr := agentout.ParseAttempt(policy, attempts+1, opts.Raw)
		if perr == nil && report.TaskID != task.ID {
			detail := fmt.Sprintf("report is for task %s, expected %s", report.TaskID, task.ID)
			perr = &domain.MalformedOutputError{Attempt: attempts + 1, Detail: detail}
			outcome = policy.Attempt(escalation.Context{Number: attempts + 1, Detail: detail})
		}
		res.Outcome = outcome
		res.Task = task
		if perr != nil {
			return e.rejectReport(ctx, tx, &o, task, perr, outcome, opts.ActorID, &res)
		}
		if err := e.Repo.ClearParseAttempts(ctx, tx, o.ID, task.ID); err != nil {
			return err
		}
		res.Accepted = true
		res.Report = &report
		if err := g.SetOutput(task.ID, report.Summary()); err != nil {
			return err
		}
		if err := e.applyReport(ctx, tx, &o, g, report, opts.ActorID, &res); err != nil {
			return err
		}
		if len(report.Messages) > 0 {
			routed, err := e.Mail().RouteMessagesTx(ctx, tx, mail.RouteOptions{ProjectID: o.ProjectID, ParentID: o.ThreadID, Output: report.Outbound()})
			if err != nil {
				return err
			}
			res.Routed = len(routed.Messages)
		}
		if err := e.saveGraph(ctx, tx, &o, g); err != nil {
			return err
		}
		done, err := e.maybeComplete(ctx, tx, &o, g, opts.ActorID)
		if err != nil {
			return err
		}
		res.OrchestrationDone = done
		res.HITLRequired = o.HITLRequired
		return nil
	})
	if err != nil {
		return ReportResult{}, err
	}
	return res, nil
}

func (e Engine) rejectReport(ctx context.Context, tx *sql.Tx, o *domain.Orchestration, task domain.Task, perr error, outcome escalation.Outcome, actorID string, res *ReportResult) error {
	detail := perr.Error()
	var malformed *domain.MalformedOutputError
	if errors.As(perr, &malformed) {
		detail = malformed.Detail
	}
	res.Error = perr.Error()
	res.Hint = outcome.Hint
	if err := e.Repo.SaveParseAttempts(ctx, tx, o.ID, task.ID, outcome.Attempt, detail, outcome.Escalated(), e.stamp()); err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, events.Entry{
		Type:       events.ReportRejected,
		ProjectID:  o.ProjectID,
		EntityKind: "task",
		EntityID:   task.ID,
		ActorID:    actorID,
		Payload:    events.Payload{"orchestration_id": o.ID, "attempt": outcome.Attempt, "outcome": string(outcome.Kind), "detail": detail},
	}); err != nil {
		return err
	}
	if !outcome.Escalated() {
		return nil
	}
	if err := e.escalate(ctx, tx, o, domain.HITLParse, task.ID, outcome.Reason, actorID); err != nil {
		return err
	}
	res.HITLRequired = true
	return e.Repo.UpdateOrchestration(ctx, tx, *o)
}

func (e Engine) applyReport(ctx context.Context, tx *sql.Tx, o *domain.Orchestration, g *taskgraph.Graph, report agentout.Report, actorID string, res *ReportResult) error {
	if report.Status == agentout.StatusDone {
		task, err := g.MarkComplete(report.TaskID)
		if err != nil {
			return err
		}
		res.Task = task
		return e.events().Append(ctx, tx, events.Entry{
			Type:       events.TaskCompleted,
			ProjectID:  o.ProjectID,
			EntityKind: "task",
			EntityID:   task.ID,
			ActorID:    actorID,
			Payload:    events.Payload{"orchestration_id": o.ID, "agent": report.Agent, "summary": report.Summary()},
		})
	}
	detail := strings.Join(append(append([]string{}, report.Blockers...), report.Concerns...), "; ")
	if detail == "" {
		detail = strings.ToLower(string(report.Status))
	}
	task, outcome, err := g.MarkFailed(report.TaskID, detail)
	if err != nil {
		return err
	}
	res.Task = task
	res.Outcome = outcome
	if !outcome.Escalated() {
		e.logger().Info("task retry", "orchestration", o.ID, "task", task.ID, "attempt", task.Attempts, "status", report.Status)
		return e.events().Append(ctx, tx, events.Entry{
			Type:       events.TaskRetry,
			ProjectID:  o.ProjectID,
			EntityKind: "task",
			EntityID:   task.ID,
			ActorID:    actorID,
			Payload:    events.Payload{"orchestration_id": o.ID, "attempt": task.Attempts, "status": string(report.Status), "detail": detail},
		})
	}
	if err := e.events().Append(ctx, tx, events.Entry{
		Type:       events.TaskFailed,
		ProjectID:  o.ProjectID,
		EntityKind: "task",
		EntityID:   task.ID,
		ActorID:    actorID,
		Payload:    events.Payload{"orchestration_id": o.ID, "attempts": task.Attempts, "status": string(report.Status), "detail": detail},
	}); err != nil {
		return err
	}
	if report.Status == agentout.StatusBlocked {
		res.HITLRequired = true
		return e.escalate(ctx, tx, o, domain.HITLTask, task.ID, outcome.Reason, actorID)
	}
	bug, err := e.fileBug(ctx, tx, o, BugOptions{
		ProjectID:       o.ProjectID,
		OrchestrationID: o.ID,
		TaskID:          task.ID,
		Title:           fmt.Sprintf("task %s failed after %d attempts", task.ID, task.Attempts),
		Description:     detail,
		FoundBy:         report.Agent,
		Severity:        string(domain.SeverityHigh),
		ActorID:         actorID,
	})
	if err != nil {
		return err
	}
	res.Bug = &bug
	blocked := g.Dependents(task.ID)
	if len(blocked) == 0 {
		return nil
	}
	names := make([]string, 0, len(blocked))
	for _, t := range blocked {
		names = append(names, t.ID)
	}
	res.HITLRequired = true
	reason := fmt.Sprintf("task %s failed after %d attempts; blocked: %s", task.ID, task.Attempts, strings.Join(names, ", "))
	return e.escalate(ctx, tx, o, domain.HITLTask, task.ID, reason, actorID)
}

// retryStranded gives every failed task that still blocks pending work a
// fresh set of attempts.
func (e Engine) retryStranded(ctx context.Context, tx *sql.Tx, o *domain.Orchestration, g *taskgraph.Graph, only, reason, actorID string) (int, error) {
	n := 0
	for _, t := range g.Stranded() {
		if only != "" && t.ID != only {
			continue
		}
		if _, err := g.Retry(t.ID); err != nil {
			return n, err
		}
		n++
		if err := e.events().Append(ctx, tx, events.Entry{
			Type:       events.TaskRetry,
			ProjectID:  o.ProjectID,
			EntityKind: "task",
			EntityID:   t.ID,
			ActorID:    actorID,
			Payload:    events.Payload{"orchestration_id": o.ID, "attempt": 0, "reason": reason},
		}); err != nil {
			return n, err
		}
	}
	return n, nil
}

// maybeComplete closes the orchestration once every task has finished, no
// bug is unresolved and no human is needed. The sprint thread and every
// thread under it are archived.
func (e Engine) maybeComplete(ctx context.Context, tx *sql.Tx, o *domain.Orchestration, g *taskgraph.Graph, actorID string) (bool, error) {
	if o.Status == domain.OrchestrationComplete {
		return true, nil
	}
	if !g.Done() || o.HITLRequired {
		return false, nil
	}
	bugs, err := e.Repo.ListBugs(ctx, tx, o.ProjectID, o.ID)
	if err != nil {
		return false, err
	}
	for _, b := range bugs {
		if b.Status != domain.BugClosed {
			return false, nil
		}
	}
	o.Status = domain.OrchestrationComplete
	if err := e.saveGraph(ctx, tx, o, g); err != nil {
		return false, err
	}
	archived := 0
	if o.ThreadID != "" {
		n, err := e.Mail().ArchiveThreadTx(ctx, tx, o.ProjectID, o.ThreadID, actorID)
		if err != nil {
			return false, err
		}
		archived = n
	}
	e.logger().Info("orchestration complete", "orchestration", o.ID, "spec", o.SpecName)
	return true, e.events().Append(ctx, tx, events.Entry{
		Type:       events.OrchestrationDone,
		ProjectID:  o.ProjectID,
		EntityKind: "orchestration",
		EntityID:   o.ID,
		ActorID:    actorID,
		Payload:    events.Payload{"archived_messages": archived, "failed_tasks": len(g.Failed())},
	})
}
