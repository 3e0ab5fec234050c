package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"crewline/internal/agentctx"
	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/escalation"
	"crewline/internal/migrate"
	"crewline/internal/repo"
)

const project = "proj-1"

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default(project)
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	seq := 0
	eng.NewID = func() string {
		seq++
		return fmt.Sprintf("id-%03d", seq)
	}
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, project, "test", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

// approve walks the gate to the implement phase with spec approved.
func (env testEnv) approve(t *testing.T, spec string) {
	t.Helper()
	g := env.Engine.Gate()
	if d := g.SetGoal(env.Ctx, project, "add login page", domain.TierStandard, "pm"); !d.Allowed {
		t.Fatalf("set goal: %s", d.Reason)
	}
	for _, p := range []domain.Phase{domain.PhaseDebate, domain.PhaseSpec} {
		if d := g.AdvancePhase(env.Ctx, project, p, "pm"); !d.Allowed {
			t.Fatalf("advance to %s: %s", p, d.Reason)
		}
	}
	if d := g.ApproveSpec(env.Ctx, project, spec, "human"); !d.Allowed {
		t.Fatalf("approve spec: %s", d.Reason)
	}
	for _, p := range []domain.Phase{domain.PhaseApprove, domain.PhaseImplement} {
		if d := g.AdvancePhase(env.Ctx, project, p, "pm"); !d.Allowed {
			t.Fatalf("advance to %s: %s", p, d.Reason)
		}
	}
}

func (env testEnv) start(t *testing.T, tasks ...domain.Task) domain.Orchestration {
	t.Helper()
	o, err := env.Engine.StartOrchestration(env.Ctx, engine.StartOptions{
		ProjectID: project,
		SpecName:  "login",
		SpecPath:  "specs/login.md",
		Tasks:     tasks,
		ActorID:   "pm",
	})
	if err != nil {
		t.Fatalf("start orchestration: %v", err)
	}
	return o
}

func (env testEnv) report(t *testing.T, orchID, taskID, raw string) engine.ReportResult {
	t.Helper()
	res, err := env.Engine.SubmitReport(env.Ctx, engine.ReportOptions{
		ProjectID:       project,
		OrchestrationID: orchID,
		TaskID:          taskID,
		Raw:             raw,
		ActorID:         "runner",
	})
	if err != nil {
		t.Fatalf("submit report for %s: %v", taskID, err)
	}
	return res
}

func reportJSON(agent, taskID, status string) string {
	return fmt.Sprintf(`{"agent":%q,"task_id":%q,"status":%q}`, agent, taskID, status)
}

func taskIDs(tasks []domain.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func sameIDs(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestStartOrchestrationRequiresApprovedSpec(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.StartOrchestration(env.Ctx, engine.StartOptions{
		ProjectID: project,
		SpecName:  "login",
		Tasks:     []domain.Task{{ID: "T1", Role: domain.RoleDev}},
	})
	var denied *domain.GateDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected gate denial, got %v", err)
	}
	if denied.Gate != "goal" {
		t.Fatalf("expected goal gate, got %s", denied.Gate)
	}

	env.approve(t, "login")
	_, err = env.Engine.StartOrchestration(env.Ctx, engine.StartOptions{
		ProjectID: project,
		SpecName:  "signup",
		Tasks:     []domain.Task{{ID: "T1", Role: domain.RoleDev}},
	})
	if !errors.As(err, &denied) || denied.Gate != "spec" {
		t.Fatalf("expected spec gate for unapproved spec, got %v", err)
	}
}

func TestStartOrchestrationRejectsBadGraph(t *testing.T) {
	env := newTestEnv(t)
	env.approve(t, "login")
	_, err := env.Engine.StartOrchestration(env.Ctx, engine.StartOptions{
		ProjectID: project,
		SpecName:  "login",
		Tasks:     []domain.Task{{ID: "T1", Dependencies: []string{"T2"}}, {ID: "T2"}},
	})
	var invalid *domain.InvalidGraphError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid graph, got %v", err)
	}
}

func TestOneActiveOrchestrationPerSpec(t *testing.T) {
	env := newTestEnv(t)
	env.approve(t, "login")
	env.start(t, domain.Task{ID: "T1", Role: domain.RoleDev})
	_, err := env.Engine.StartOrchestration(env.Ctx, engine.StartOptions{
		ProjectID: project,
		SpecName:  "login",
		Tasks:     []domain.Task{{ID: "T1", Role: domain.RoleDev}},
	})
	var inv *domain.InvariantError
	if !errors.As(err, &inv) {
		t.Fatalf("expected invariant error, got %v", err)
	}
}

func TestWavesRunToCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.approve(t, "login")
	o := env.start(t,
		domain.Task{ID: "T1", Description: "session store", Role: domain.RoleDev},
		domain.Task{ID: "T2", Description: "login form", Role: domain.RoleDev},
		domain.Task{ID: "T3", Description: "e2e tests", Role: domain.RoleQA, Dependencies: []string{"T1", "T2"}},
	)
	if o.ThreadID == "" {
		t.Fatalf("expected sprint thread")
	}

	w, err := env.Engine.NextWave(env.Ctx, project, o.ID, "runner")
	if err != nil {
		t.Fatalf("next wave: %v", err)
	}
	if w.Number != 1 || !sameIDs(taskIDs(w.Tasks), "T1", "T2") {
		t.Fatalf("unexpected first wave %d %v", w.Number, taskIDs(w.Tasks))
	}
	for _, id := range []string{"T1", "T2"} {
		if _, err := env.Engine.StartTask(env.Ctx, project, o.ID, id, "runner"); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}
	if _, err := env.Engine.StartTask(env.Ctx, project, o.ID, "T3", "runner"); err == nil {
		t.Fatalf("expected T3 to wait for its dependencies")
	}

	res := env.report(t, o.ID, "T1", reportJSON("dev", "T1", "DONE"))
	if !res.Accepted || res.Task.Status != domain.TaskComplete {
		t.Fatalf("T1 not completed: %+v", res)
	}
	w, err = env.Engine.NextWave(env.Ctx, project, o.ID, "runner")
	if err != nil {
		t.Fatalf("next wave: %v", err)
	}
	if w.Number != 1 || len(w.Tasks) != 0 {
		t.Fatalf("wave 1 still open, got %d %v", w.Number, taskIDs(w.Tasks))
	}

	raw := "Done.\n```json\n" + `{"agent":"dev-2","task_id":"T2","status":"DONE","messages":[{"to":"qa","content":"form is at /login"}]}` + "\n```"
	res = env.report(t, o.ID, "T2", raw)
	if res.Routed != 1 {
		t.Fatalf("expected 1 routed message, got %d", res.Routed)
	}

	w, err = env.Engine.NextWave(env.Ctx, project, o.ID, "runner")
	if err != nil {
		t.Fatalf("next wave: %v", err)
	}
	if w.Number != 2 || !sameIDs(taskIDs(w.Tasks), "T3") {
		t.Fatalf("unexpected second wave %d %v", w.Number, taskIDs(w.Tasks))
	}
	if _, err := env.Engine.StartTask(env.Ctx, project, o.ID, "T3", "runner"); err != nil {
		t.Fatalf("start T3: %v", err)
	}
	res = env.report(t, o.ID, "T3", reportJSON("qa", "T3", "DONE"))
	if !res.OrchestrationDone {
		t.Fatalf("expected orchestration to complete")
	}

	got, err := env.Engine.Orchestration(env.Ctx, project, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.OrchestrationComplete || got.CurrentWave != 2 {
		t.Fatalf("unexpected orchestration %s wave %d", got.Status, got.CurrentWave)
	}
	sprint, err := env.Engine.Mail().Thread(env.Ctx, project, o.ThreadID)
	if err != nil {
		t.Fatal(err)
	}
	if sprint.Status != domain.ThreadArchived {
		t.Fatalf("expected sprint thread archived, got %s", sprint.Status)
	}
	children, err := env.Engine.Mail().Threads(env.Ctx, project, o.ThreadID)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 1 || children[0].Type != domain.ThreadHandoff || children[0].Status != domain.ThreadArchived {
		t.Fatalf("expected archived handoff thread under the sprint, got %+v", children)
	}
	w, err = env.Engine.NextWave(env.Ctx, project, o.ID, "runner")
	if err != nil || !w.Done {
		t.Fatalf("expected done wave, got %+v %v", w, err)
	}
}

func TestMalformedReportsEscalate(t *testing.T) {
	env := newTestEnv(t)
	env.approve(t, "login")
	o := env.start(t, domain.Task{ID: "T1", Role: domain.RoleDev})
	if _, err := env.Engine.StartTask(env.Ctx, project, o.ID, "T1", "runner"); err != nil {
		t.Fatal(err)
	}

	res := env.report(t, o.ID, "T1", "I am done, trust me")
	if res.Accepted || res.Outcome.Kind != escalation.Retry || res.Hint == "" {
		t.Fatalf("expected retry with hint, got %+v", res)
	}
	res = env.report(t, o.ID, "T1", reportJSON("dev", "T9", "DONE"))
	if res.Accepted || res.Outcome.Attempt != 2 {
		t.Fatalf("expected second rejection for wrong task id, got %+v", res)
	}
	res = env.report(t, o.ID, "T1", "{")
	if !res.HITLRequired || !res.Outcome.Escalated() {
		t.Fatalf("expected escalation on third attempt, got %+v", res)
	}

	_, err := env.Engine.NextWave(env.Ctx, project, o.ID, "runner")
	var hitl *domain.HITLRequiredError
	if !errors.As(err, &hitl) {
		t.Fatalf("expected HITL required, got %v", err)
	}
	_, err = env.Engine.SubmitReport(env.Ctx, engine.ReportOptions{ProjectID: project, OrchestrationID: o.ID, TaskID: "T1", Raw: reportJSON("dev", "T1", "DONE")})
	if !errors.As(err, &hitl) {
		t.Fatalf("expected reports refused while escalated, got %v", err)
	}

	records, err := env.Engine.ListHITL(env.Ctx, project, o.ID, "open")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Kind != domain.HITLParse || records[0].Subject != "T1" {
		t.Fatalf("unexpected hitl records %+v", records)
	}

	if _, err := env.Engine.ResolveHITL(env.Ctx, project, o.ID, "  ", "human"); err == nil {
		t.Fatalf("expected resolution text to be required")
	}
	n, err := env.Engine.ResolveHITL(env.Ctx, project, o.ID, "re-prompted the agent by hand", "human")
	if err != nil || n != 1 {
		t.Fatalf("resolve: %d %v", n, err)
	}
	res = env.report(t, o.ID, "T1", reportJSON("dev", "T1", "DONE"))
	if !res.Accepted || !res.OrchestrationDone {
		t.Fatalf("expected clean report after resolution, got %+v", res)
	}
	if _, err := env.Engine.ResolveHITL(env.Ctx, project, o.ID, "again", "human"); err == nil {
		t.Fatalf("expected nothing left to resolve")
	}
}

func TestFailedTaskRetriesThenFilesBug(t *testing.T) {
	env := newTestEnv(t)
	env.approve(t, "login")
	o := env.start(t, domain.Task{ID: "T1", Role: domain.RoleDev, MaxAttempts: 2})

	if _, err := env.Engine.StartTask(env.Ctx, project, o.ID, "T1", "runner"); err != nil {
		t.Fatal(err)
	}
	res := env.report(t, o.ID, "T1", `{"agent":"dev","task_id":"T1","status":"FAILED","concerns":["flaky test"]}`)
	if res.Task.Status != domain.TaskPending || res.Bug != nil {
		t.Fatalf("expected retry, got %+v", res)
	}
	if _, err := env.Engine.StartTask(env.Ctx, project, o.ID, "T1", "runner"); err != nil {
		t.Fatal(err)
	}
	res = env.report(t, o.ID, "T1", reportJSON("dev", "T1", "FAILED"))
	if res.Task.Status != domain.TaskFailed || res.Bug == nil {
		t.Fatalf("expected failed task with bug, got %+v", res)
	}
	if res.Bug.Severity != domain.SeverityHigh || res.Bug.TaskID != "T1" {
		t.Fatalf("unexpected bug %+v", res.Bug)
	}
	if res.OrchestrationDone {
		t.Fatalf("orchestration must wait for the bug")
	}

	bug := *res.Bug
	if _, err := env.Engine.StartFix(env.Ctx, project, bug.ID, "dev-2", "pm"); err != nil {
		t.Fatalf("start fix: %v", err)
	}
	if _, err := env.Engine.SubmitFix(env.Ctx, project, bug.ID, "fixed race", "dev-2"); err != nil {
		t.Fatalf("submit fix: %v", err)
	}
	closed, err := env.Engine.VerifyBug(env.Ctx, project, bug.ID, true, "", "qa")
	if err != nil || closed.Status != domain.BugClosed {
		t.Fatalf("verify: %+v %v", closed, err)
	}
	got, err := env.Engine.Orchestration(env.Ctx, project, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.OrchestrationComplete {
		t.Fatalf("expected completion once the bug closed, got %s", got.Status)
	}
}

func TestFailedTaskWithDependentsEscalatesAndResumes(t *testing.T) {
	env := newTestEnv(t)
	env.approve(t, "login")
	o := env.start(t,
		domain.Task{ID: "A", Role: domain.RoleDev, MaxAttempts: 1},
		domain.Task{ID: "B", Role: domain.RoleQA, Dependencies: []string{"A"}},
	)
	if _, err := env.Engine.StartTask(env.Ctx, project, o.ID, "A", "runner"); err != nil {
		t.Fatal(err)
	}
	res := env.report(t, o.ID, "A", reportJSON("dev", "A", "FAILED"))
	if res.Task.Status != domain.TaskFailed || res.Bug == nil || !res.HITLRequired {
		t.Fatalf("expected failed task, bug and escalation, got %+v", res)
	}
	records, err := env.Engine.ListHITL(env.Ctx, project, o.ID, "open")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Kind != domain.HITLTask || records[0].Subject != "A" || !strings.Contains(records[0].Reason, "blocked: B") {
		t.Fatalf("unexpected hitl records %+v", records)
	}
	_, err = env.Engine.NextWave(env.Ctx, project, o.ID, "runner")
	var hitl *domain.HITLRequiredError
	if !errors.As(err, &hitl) {
		t.Fatalf("expected dispatch to stop, got %v", err)
	}

	bug := *res.Bug
	if _, err := env.Engine.StartFix(env.Ctx, project, bug.ID, "dev-2", "pm"); err != nil {
		t.Fatalf("start fix: %v", err)
	}
	if _, err := env.Engine.SubmitFix(env.Ctx, project, bug.ID, "fixed build", "dev-2"); err != nil {
		t.Fatalf("submit fix: %v", err)
	}
	if _, err := env.Engine.VerifyBug(env.Ctx, project, bug.ID, true, "", "qa"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	got, err := env.Engine.Orchestration(env.Ctx, project, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	a := got.Graph.Tasks[0]
	if a.ID != "A" || a.Status != domain.TaskPending || a.Attempts != 0 {
		t.Fatalf("expected A back to pending with fresh attempts, got %+v", a)
	}
	if got.Status != domain.OrchestrationActive || !got.HITLRequired {
		t.Fatalf("expected active orchestration still waiting for a human, got %s hitl=%v", got.Status, got.HITLRequired)
	}

	if _, err := env.Engine.ResolveHITL(env.Ctx, project, o.ID, "build fixed, rerun A", "human"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	w, err := env.Engine.NextWave(env.Ctx, project, o.ID, "runner")
	if err != nil || w.Number != 1 || !sameIDs(taskIDs(w.Tasks), "A") {
		t.Fatalf("expected A dispatched again, got %+v %v", w, err)
	}
	if _, err := env.Engine.StartTask(env.Ctx, project, o.ID, "A", "runner"); err != nil {
		t.Fatal(err)
	}
	env.report(t, o.ID, "A", reportJSON("dev", "A", "DONE"))
	w, err = env.Engine.NextWave(env.Ctx, project, o.ID, "runner")
	if err != nil || w.Number != 2 || !sameIDs(taskIDs(w.Tasks), "B") {
		t.Fatalf("expected B to become ready, got %+v %v", w, err)
	}
	if _, err := env.Engine.StartTask(env.Ctx, project, o.ID, "B", "runner"); err != nil {
		t.Fatal(err)
	}
	res = env.report(t, o.ID, "B", reportJSON("qa", "B", "DONE"))
	if !res.OrchestrationDone {
		t.Fatalf("expected orchestration to complete, got %+v", res)
	}
}

func TestResolvingHITLRetriesStrandedTask(t *testing.T) {
	env := newTestEnv(t)
	env.approve(t, "login")
	o := env.start(t,
		domain.Task{ID: "A", Role: domain.RoleDev, MaxAttempts: 1},
		domain.Task{ID: "B", Role: domain.RoleQA, Dependencies: []string{"A"}},
	)
	env.Engine.StartTask(env.Ctx, project, o.ID, "A", "runner")
	env.report(t, o.ID, "A", reportJSON("dev", "A", "FAILED"))

	if _, err := env.Engine.ResolveHITL(env.Ctx, project, o.ID, "try once more", "human"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	w, err := env.Engine.NextWave(env.Ctx, project, o.ID, "runner")
	if err != nil || !sameIDs(taskIDs(w.Tasks), "A") {
		t.Fatalf("expected A ready after resolution, got %+v %v", w, err)
	}
}

func TestBlockedTaskEscalatesToHuman(t *testing.T) {
	env := newTestEnv(t)
	env.approve(t, "login")
	o := env.start(t, domain.Task{ID: "T1", Role: domain.RoleDev, MaxAttempts: 1})
	if _, err := env.Engine.StartTask(env.Ctx, project, o.ID, "T1", "runner"); err != nil {
		t.Fatal(err)
	}
	res := env.report(t, o.ID, "T1", `{"agent":"dev","task_id":"T1","status":"BLOCKED","blockers":["no database credentials"]}`)
	if !res.HITLRequired || res.Bug != nil {
		t.Fatalf("expected escalation without bug, got %+v", res)
	}
	records, err := env.Engine.ListHITL(env.Ctx, project, o.ID, "open")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Kind != domain.HITLTask {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestBugCycleEscalatesAtBound(t *testing.T) {
	env := newTestEnv(t)
	env.approve(t, "login")
	o := env.start(t, domain.Task{ID: "T1", Role: domain.RoleDev})

	bug, err := env.Engine.FileBug(env.Ctx, engine.BugOptions{
		ProjectID:       project,
		OrchestrationID: o.ID,
		TaskID:          "T1",
		Title:           "login accepts empty password",
		FoundBy:         "qa",
		ActorID:         "qa",
	})
	if err != nil {
		t.Fatalf("file bug: %v", err)
	}
	if bug.Severity != domain.SeverityMedium || bug.MaxCycles != 3 {
		t.Fatalf("unexpected defaults %+v", bug)
	}
	if _, err := env.Engine.SubmitFix(env.Ctx, project, bug.ID, "x", "dev"); err == nil {
		t.Fatalf("expected submit before start to fail")
	}

	for cycle := 1; cycle <= 3; cycle++ {
		if _, err := env.Engine.StartFix(env.Ctx, project, bug.ID, "dev", "pm"); err != nil {
			t.Fatalf("cycle %d start: %v", cycle, err)
		}
		if _, err := env.Engine.SubmitFix(env.Ctx, project, bug.ID, "try again", "dev"); err != nil {
			t.Fatalf("cycle %d submit: %v", cycle, err)
		}
		bug, err = env.Engine.VerifyBug(env.Ctx, project, bug.ID, false, "still accepts empty password", "qa")
		if err != nil {
			t.Fatalf("cycle %d verify: %v", cycle, err)
		}
		if bug.Cycle != cycle {
			t.Fatalf("expected cycle %d, got %d", cycle, bug.Cycle)
		}
	}
	if bug.Status != domain.BugHITL {
		t.Fatalf("expected bug parked with human, got %s", bug.Status)
	}
	got, err := env.Engine.Orchestration(env.Ctx, project, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.HITLRequired {
		t.Fatalf("expected orchestration to stop")
	}
	_, err = env.Engine.StartFix(env.Ctx, project, bug.ID, "dev", "pm")
	var hitl *domain.HITLRequiredError
	if !errors.As(err, &hitl) {
		t.Fatalf("expected HITL required, got %v", err)
	}

	if _, err := env.Engine.ResolveHITL(env.Ctx, project, o.ID, "pair with architect on validation", "human"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	bug, err = env.Engine.StartFix(env.Ctx, project, bug.ID, "architect", "human")
	if err != nil || bug.Status != domain.BugFixing {
		t.Fatalf("restart after resolution: %+v %v", bug, err)
	}
}

func TestReopenClosedBug(t *testing.T) {
	env := newTestEnv(t)
	env.approve(t, "login")
	o := env.start(t, domain.Task{ID: "T1", Role: domain.RoleDev})
	bug, err := env.Engine.FileBug(env.Ctx, engine.BugOptions{ProjectID: project, OrchestrationID: o.ID, Title: "typo", FoundBy: "reviewer", Severity: "low"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ReopenBug(env.Ctx, project, bug.ID, "", "qa"); err == nil {
		t.Fatalf("expected open bug not to be reopenable")
	}
	env.Engine.StartFix(env.Ctx, project, bug.ID, "dev", "pm")
	env.Engine.SubmitFix(env.Ctx, project, bug.ID, "fixed", "dev")
	env.Engine.VerifyBug(env.Ctx, project, bug.ID, true, "", "qa")
	bug, err = env.Engine.ReopenBug(env.Ctx, project, bug.ID, "regressed", "qa")
	if err != nil || bug.Status != domain.BugOpen || bug.Cycle != 1 {
		t.Fatalf("reopen: %+v %v", bug, err)
	}
	if _, err := env.Engine.FileBug(env.Ctx, engine.BugOptions{ProjectID: project, OrchestrationID: o.ID, Title: "x", FoundBy: "qa", Severity: "urgent"}); err == nil {
		t.Fatalf("expected unknown severity to fail")
	}
}

func TestDebateRoundsEscalate(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.Ctx

	res, err := env.Engine.RecordDebateRound(ctx, engine.DebateOptions{ProjectID: project, SpecName: "login", Summary: "split on auth provider"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Round.Round != 1 || res.Outcome.Kind != escalation.Retry {
		t.Fatalf("unexpected first round %+v", res)
	}
	res, err = env.Engine.RecordDebateRound(ctx, engine.DebateOptions{ProjectID: project, SpecName: "login", Summary: "still split"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.HITLRequired {
		t.Fatalf("expected escalation at the round bound, got %+v", res)
	}
	state, err := env.Engine.DebateContext(ctx, project, "login")
	if err != nil {
		t.Fatal(err)
	}
	if !state.Blocked || len(state.Rounds) != 2 || state.MaxRounds != 2 {
		t.Fatalf("unexpected debate state %+v", state)
	}
	_, err = env.Engine.RecordDebateRound(ctx, engine.DebateOptions{ProjectID: project, SpecName: "login"})
	var hitl *domain.HITLRequiredError
	if !errors.As(err, &hitl) {
		t.Fatalf("expected HITL required, got %v", err)
	}

	if _, err := env.Engine.ResolveHITL(ctx, project, "", "use OAuth", "human"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	res, err = env.Engine.RecordDebateRound(ctx, engine.DebateOptions{ProjectID: project, SpecName: "login", Converged: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Round.Round != 3 || res.Outcome.Kind != escalation.Success {
		t.Fatalf("unexpected round after resolution %+v", res)
	}
	if _, err := env.Engine.ResolveHITL(ctx, project, "", "nothing", "human"); err == nil {
		t.Fatalf("expected no project-level escalation left")
	}
}

type specOracle struct{ queries []string }

func (o *specOracle) Search(_ context.Context, query, projectID string, limit int) ([]agentctx.Snippet, error) {
	o.queries = append(o.queries, projectID+":"+query)
	return []agentctx.Snippet{{Source: "adr-7", Content: "sessions live in sqlite"}}, nil
}

func TestDebateContextPullsSnippets(t *testing.T) {
	env := newTestEnv(t)
	oracle := &specOracle{}
	env.Engine.Oracle = oracle
	state, err := env.Engine.DebateContext(env.Ctx, project, "login")
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Snippets) != 1 || state.Snippets[0].Source != "adr-7" {
		t.Fatalf("unexpected snippets %+v", state.Snippets)
	}
	if len(oracle.queries) != 1 || oracle.queries[0] != project+":login" {
		t.Fatalf("unexpected oracle queries %v", oracle.queries)
	}
	if state.Blocked || len(state.Rounds) != 0 {
		t.Fatalf("fresh debate should be open, got %+v", state)
	}
}

func TestUnknownOrchestration(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.NextWave(env.Ctx, project, "missing", "runner")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEventsRecorded(t *testing.T) {
	env := newTestEnv(t)
	env.approve(t, "login")
	env.start(t, domain.Task{ID: "T1", Role: domain.RoleDev})
	evs, err := env.Engine.TailEvents(env.Ctx, project, 50)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, e := range evs {
		seen[e.Type] = true
	}
	for _, typ := range []string{"project.init", "gate.goal.set", "gate.spec.approved", "orchestration.started", "mail.thread.created"} {
		if !seen[typ] {
			t.Fatalf("missing event %s in %v", typ, seen)
		}
	}
}
