// Package taskgraph holds the dependency graph of one orchestration.
//
// Tasks can only depend on tasks that were added before them, so the graph
// is acyclic by construction and every wave number is known at insert time.
package taskgraph

import (
	"encoding/json"
	"fmt"
	"strings"

	"crewline/internal/domain"
	"crewline/internal/escalation"
)

type Graph struct {
	specName string
	specPath string
	tasks    map[string]*domain.Task
	order    []string
}

func New(specName, specPath string) *Graph {
	return &Graph{
		specName: specName,
		specPath: specPath,
		tasks:    make(map[string]*domain.Task),
	}
}

func (g *Graph) SpecName() string { return g.specName }
func (g *Graph) SpecPath() string { return g.specPath }
func (g *Graph) Len() int         { return len(g.order) }

// AddTask inserts t. Status defaults to pending and MaxAttempts to
// domain.DefaultMaxAttempts; the wave is always recomputed.
func (g *Graph) AddTask(t domain.Task) error {
	t.ID = strings.TrimSpace(t.ID)
	if t.ID == "" {
		return &domain.InvalidGraphError{Reason: "task id is required"}
	}
	if _, exists := g.tasks[t.ID]; exists {
		return &domain.InvalidGraphError{TaskID: t.ID, Reason: "duplicate task id"}
	}
	if t.Role != "" && !t.Role.Valid() {
		return &domain.InvalidGraphError{TaskID: t.ID, Reason: fmt.Sprintf("unknown agent role %q", t.Role)}
	}
	wave := 1
	seen := make(map[string]bool, len(t.Dependencies))
	deps := make([]string, 0, len(t.Dependencies))
	for _, dep := range t.Dependencies {
		dep = strings.TrimSpace(dep)
		if dep == t.ID {
			return &domain.InvalidGraphError{TaskID: t.ID, Reason: "task depends on itself"}
		}
		d, ok := g.tasks[dep]
		if !ok {
			return &domain.InvalidGraphError{TaskID: t.ID, Reason: fmt.Sprintf("dependency %q is not defined before this task", dep)}
		}
		if seen[dep] {
			continue
		}
		seen[dep] = true
		deps = append(deps, dep)
		if d.Wave+1 > wave {
			wave = d.Wave + 1
		}
	}
	t.Dependencies = deps
	t.Wave = wave
	if t.Status == "" {
		t.Status = domain.TaskPending
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = domain.DefaultMaxAttempts
	}
	g.tasks[t.ID] = &t
	g.order = append(g.order, t.ID)
	return nil
}

// Task returns a copy of the task with the given id.
func (g *Graph) Task(id string) (domain.Task, bool) {
	t, ok := g.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return copyTask(*t), true
}

// Tasks returns copies of all tasks in insertion order.
func (g *Graph) Tasks() []domain.Task {
	out := make([]domain.Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, copyTask(*g.tasks[id]))
	}
	return out
}

func (g *Graph) ready(t *domain.Task) bool {
	if t.Status != domain.TaskPending {
		return false
	}
	for _, dep := range t.Dependencies {
		if g.tasks[dep].Status != domain.TaskComplete {
			return false
		}
	}
	return true
}

// ReadyTasks returns pending tasks whose dependencies are all complete, in insertion order.
func (g *Graph) ReadyTasks() []domain.Task {
	var out []domain.Task
	for _, id := range g.order {
		if t := g.tasks[id]; g.ready(t) {
			out = append(out, copyTask(*t))
		}
	}
	return out
}

// Waves groups every task by wave number, ascending.
func (g *Graph) Waves() [][]domain.Task {
	maxWave := 0
	for _, t := range g.tasks {
		if t.Wave > maxWave {
			maxWave = t.Wave
		}
	}
	waves := make([][]domain.Task, maxWave)
	for _, id := range g.order {
		t := g.tasks[id]
		waves[t.Wave-1] = append(waves[t.Wave-1], copyTask(*t))
	}
	return waves
}

// LowestOpenWave is the smallest wave that still holds a pending or active task, or 0.
func (g *Graph) LowestOpenWave() int {
	lowest := 0
	for _, t := range g.tasks {
		if t.Status != domain.TaskPending && t.Status != domain.TaskActive {
			continue
		}
		if lowest == 0 || t.Wave < lowest {
			lowest = t.Wave
		}
	}
	return lowest
}

// MarkActive starts a ready task.
func (g *Graph) MarkActive(id string) (domain.Task, error) {
	t, ok := g.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s not in graph", id)
	}
	if t.Status == domain.TaskActive {
		return copyTask(*t), nil
	}
	if !g.ready(t) {
		return copyTask(*t), &domain.InvariantError{Reason: fmt.Sprintf("task %s is %s and not ready to start", id, t.Status)}
	}
	t.Status = domain.TaskActive
	return copyTask(*t), nil
}

// MarkComplete is idempotent. A failed task cannot be completed.
func (g *Graph) MarkComplete(id string) (domain.Task, error) {
	t, ok := g.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s not in graph", id)
	}
	switch t.Status {
	case domain.TaskComplete:
		return copyTask(*t), nil
	case domain.TaskFailed:
		return copyTask(*t), &domain.InvariantError{Reason: fmt.Sprintf("task %s already failed permanently", id)}
	}
	for _, dep := range t.Dependencies {
		if g.tasks[dep].Status != domain.TaskComplete {
			return copyTask(*t), &domain.InvariantError{Reason: fmt.Sprintf("task %s cannot complete before dependency %s", id, dep)}
		}
	}
	t.Status = domain.TaskComplete
	return copyTask(*t), nil
}

// MarkFailed records a failed attempt. Below the bound the task returns to
// pending; at the bound it becomes failed for good.
func (g *Graph) MarkFailed(id, detail string) (domain.Task, escalation.Outcome, error) {
	t, ok := g.tasks[id]
	if !ok {
		return domain.Task{}, escalation.Outcome{}, fmt.Errorf("task %s not in graph", id)
	}
	switch t.Status {
	case domain.TaskFailed:
		return copyTask(*t), escalation.Outcome{}, &domain.InvariantError{Reason: fmt.Sprintf("task %s already failed permanently", id)}
	case domain.TaskComplete:
		return copyTask(*t), escalation.Outcome{}, &domain.InvariantError{Reason: fmt.Sprintf("task %s is already complete", id)}
	}
	t.Attempts++
	out := escalation.TaskPolicy(t.MaxAttempts).Attempt(escalation.Context{Number: t.Attempts, Detail: detail})
	if out.Escalated() {
		t.Status = domain.TaskFailed
	} else {
		t.Status = domain.TaskPending
	}
	return copyTask(*t), out, nil
}

// Retry gives a permanently failed task fresh attempts.
func (g *Graph) Retry(id string) (domain.Task, error) {
	t, ok := g.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s not in graph", id)
	}
	if t.Status != domain.TaskFailed {
		return copyTask(*t), &domain.InvariantError{Reason: fmt.Sprintf("task %s is %s, only failed tasks can be retried", id, t.Status)}
	}
	t.Status = domain.TaskPending
	t.Attempts = 0
	return copyTask(*t), nil
}

// Dependents returns the pending tasks that wait on id directly or
// transitively, in insertion order.
func (g *Graph) Dependents(id string) []domain.Task {
	waiting := map[string]bool{id: true}
	var out []domain.Task
	for _, tid := range g.order {
		t := g.tasks[tid]
		for _, dep := range t.Dependencies {
			if waiting[dep] {
				waiting[tid] = true
				if t.Status == domain.TaskPending {
					out = append(out, copyTask(*t))
				}
				break
			}
		}
	}
	return out
}

// Stranded returns failed tasks that still hold pending work behind them.
func (g *Graph) Stranded() []domain.Task {
	var out []domain.Task
	for _, id := range g.order {
		if t := g.tasks[id]; t.Status == domain.TaskFailed && len(g.Dependents(id)) > 0 {
			out = append(out, copyTask(*t))
		}
	}
	return out
}

// SetOutput records the accepted output of a task.
func (g *Graph) SetOutput(id, output string) error {
	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not in graph", id)
	}
	t.Output = output
	return nil
}

// Done reports whether every task is complete or failed.
func (g *Graph) Done() bool {
	for _, t := range g.tasks {
		if t.Status != domain.TaskComplete && t.Status != domain.TaskFailed {
			return false
		}
	}
	return true
}

// Failed returns permanently failed tasks in insertion order.
func (g *Graph) Failed() []domain.Task {
	var out []domain.Task
	for _, id := range g.order {
		if t := g.tasks[id]; t.Status == domain.TaskFailed {
			out = append(out, copyTask(*t))
		}
	}
	return out
}

// Snapshot returns the durable form of the graph.
func (g *Graph) Snapshot() domain.GraphDoc {
	return domain.GraphDoc{SpecName: g.specName, SpecPath: g.specPath, Tasks: g.Tasks()}
}

// FromSnapshot rebuilds a graph and checks the stored waves against the structure.
func FromSnapshot(doc domain.GraphDoc) (*Graph, error) {
	g := New(doc.SpecName, doc.SpecPath)
	for _, t := range doc.Tasks {
		stored := t.Wave
		if err := g.AddTask(t); err != nil {
			return nil, err
		}
		if stored != 0 && stored != g.tasks[t.ID].Wave {
			return nil, &domain.InvalidGraphError{TaskID: t.ID, Reason: fmt.Sprintf("stored wave %d disagrees with dependencies (wave %d)", stored, g.tasks[t.ID].Wave)}
		}
	}
	return g, nil
}

func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.Snapshot())
}

func (g *Graph) UnmarshalJSON(data []byte) error {
	var doc domain.GraphDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	rebuilt, err := FromSnapshot(doc)
	if err != nil {
		return err
	}
	*g = *rebuilt
	return nil
}

func copyTask(t domain.Task) domain.Task {
	t.Dependencies = append([]string(nil), t.Dependencies...)
	t.FileScope = append([]string(nil), t.FileScope...)
	if t.Dependencies == nil {
		t.Dependencies = []string{}
	}
	return t
}
