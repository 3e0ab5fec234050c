// Package agentctx gathers the data an agent is started with: its task,
// the mail it is allowed to see, the gate state and knowledge snippets.
// Turning that into prompt text is the caller's business.
package agentctx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"crewline/internal/domain"
	"crewline/internal/gate"
	"crewline/internal/mail"
	"crewline/internal/repo"
)

// Snippet is one knowledge store hit.
type Snippet struct {
	Source  string  `json:"source"`
	Title   string  `json:"title,omitempty"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

// Oracle is the read-only knowledge store.
type Oracle interface {
	Search(ctx context.Context, query, projectID string, limit int) ([]Snippet, error)
}

// DefaultWalls lists, per role, the roles whose mail it must not see.
var DefaultWalls = map[domain.Role][]domain.Role{
	domain.RolePM:        {domain.RoleDev, domain.RoleQA},
	domain.RoleArchitect: {domain.RoleDev, domain.RoleQA},
	domain.RoleDev:       {domain.RoleQA},
	domain.RoleQA:        {domain.RoleDev},
	domain.RoleReviewer:  {domain.RoleQA},
	domain.RoleValidator: {},
}

const defaultSnippetLimit = 5

type Assembler struct {
	Mail   mail.System
	Gate   gate.Engine
	Repo   repo.Repo
	Oracle Oracle
	Logger *slog.Logger
	walls  map[domain.Role]map[domain.Role]bool
}

// NewAssembler checks that walls has an entry for every role. A nil walls
// table means DefaultWalls. oracle may be nil.
func NewAssembler(r repo.Repo, m mail.System, g gate.Engine, oracle Oracle, walls map[domain.Role][]domain.Role) (*Assembler, error) {
	if walls == nil {
		walls = DefaultWalls
	}
	table := make(map[domain.Role]map[domain.Role]bool, len(walls))
	for role, excluded := range walls {
		if !role.Valid() {
			return nil, fmt.Errorf("blind wall for unknown role %q", role)
		}
		set := map[domain.Role]bool{}
		for _, x := range excluded {
			if !x.Valid() {
				return nil, fmt.Errorf("blind wall for %s excludes unknown role %q", role, x)
			}
			if x == role {
				return nil, fmt.Errorf("blind wall for %s excludes itself", role)
			}
			set[x] = true
		}
		table[role] = set
	}
	for _, role := range domain.Roles() {
		if _, ok := table[role]; !ok {
			return nil, fmt.Errorf("blind wall table has no entry for role %s", role)
		}
	}
	return &Assembler{Repo: r, Mail: m, Gate: g, Oracle: oracle, Logger: slog.Default(), walls: table}, nil
}

type BuildOptions struct {
	ProjectID       string
	OrchestrationID string
	TaskID          string
	Role            domain.Role
	SnippetLimit    int
}

// Context is everything an agent may be told about its task.
type Context struct {
	Task     domain.Task      `json:"task"`
	Role     domain.Role      `json:"role"`
	Messages []domain.Message `json:"messages"`
	// Withheld counts messages hidden by the role's blind wall.
	Withheld int              `json:"withheld"`
	Gate     domain.GateState `json:"gate"`
	Snippets []Snippet        `json:"snippets"`
}

func (a *Assembler) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func (a *Assembler) Build(ctx context.Context, opts BuildOptions) (Context, error) {
	role, err := domain.ParseRole(string(opts.Role))
	if err != nil {
		return Context{}, err
	}
	orch, err := a.Repo.GetOrchestration(ctx, a.Repo.DB, opts.ProjectID, opts.OrchestrationID)
	if err != nil {
		return Context{}, fmt.Errorf("orchestration %s: %w", opts.OrchestrationID, err)
	}
	var task domain.Task
	found := false
	for _, t := range orch.Graph.Tasks {
		if t.ID == opts.TaskID {
			task, found = t, true
			break
		}
	}
	if !found {
		return Context{}, fmt.Errorf("task %s not in orchestration %s: %w", opts.TaskID, orch.ID, repo.ErrNotFound)
	}
	msgs, err := a.Mail.TaskMessages(ctx, opts.ProjectID, task.ID)
	if err != nil {
		return Context{}, err
	}
	bugThreads, err := a.bugThreads(ctx, opts.ProjectID, msgs)
	if err != nil {
		return Context{}, err
	}
	visible, withheld := a.Filter(role, msgs, bugThreads)
	state, err := a.Gate.State(ctx, opts.ProjectID)
	if err != nil {
		return Context{}, err
	}
	out := Context{Task: task, Role: role, Messages: visible, Withheld: withheld, Gate: state, Snippets: []Snippet{}}
	if a.Oracle != nil {
		limit := opts.SnippetLimit
		if limit <= 0 {
			limit = defaultSnippetLimit
		}
		snippets, err := a.Oracle.Search(ctx, task.Description, opts.ProjectID, limit)
		if err != nil {
			a.logger().Warn("knowledge search failed", "project", opts.ProjectID, "task", task.ID, "err", err)
		} else if snippets != nil {
			out.Snippets = snippets
		}
	}
	return out, nil
}

// bugThreads returns the ids of the bug threads msgs were posted in.
func (a *Assembler) bugThreads(ctx context.Context, projectID string, msgs []domain.Message) (map[string]bool, error) {
	seen := map[string]bool{}
	out := map[string]bool{}
	for _, m := range msgs {
		if seen[m.ThreadID] {
			continue
		}
		seen[m.ThreadID] = true
		th, err := a.Repo.GetThread(ctx, a.Repo.DB, projectID, m.ThreadID)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if th.Type == domain.ThreadBug {
			out[th.ID] = true
		}
	}
	return out, nil
}

// Filter drops messages role must not see. The only mail that crosses a
// blind wall is a bug announcement addressed to the viewing role.
func (a *Assembler) Filter(role domain.Role, msgs []domain.Message, bugThreads map[string]bool) ([]domain.Message, int) {
	excluded := a.walls[role]
	visible := make([]domain.Message, 0, len(msgs))
	withheld := 0
	for _, m := range msgs {
		sender, ok := SenderRole(m.From)
		if ok && excluded[sender] {
			if to, ok := SenderRole(m.To); !ok || to != role || !bugThreads[m.ThreadID] {
				withheld++
				continue
			}
		}
		visible = append(visible, m)
	}
	return visible, withheld
}

// SenderRole maps an agent name such as "qa" or "dev-2" to its role.
func SenderRole(agent string) (domain.Role, bool) {
	name := strings.ToLower(strings.TrimSpace(agent))
	if r, err := domain.ParseRole(name); err == nil {
		return r, true
	}
	if i := strings.IndexAny(name, "-_:@/."); i > 0 {
		if r, err := domain.ParseRole(name[:i]); err == nil {
			return r, true
		}
	}
	return "", false
}
