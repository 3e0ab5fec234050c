package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"crewline/internal/agentctx"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/repo"
)

type orchestrationPath struct {
	ProjectID       string `path:"project_id"`
	OrchestrationID string `path:"orchestration_id"`
}

type taskPath struct {
	ProjectID       string `path:"project_id"`
	OrchestrationID string `path:"orchestration_id"`
	TaskID          string `path:"task_id"`
}

func registerOrchestrations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "orchestration-start",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/orchestrations",
		Summary:       "Start an orchestration for an approved spec",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string                    `path:"project_id"`
		Body      StartOrchestrationRequest `json:"body"`
	}) (*bodyOutput[domain.Orchestration], error) {
		actorID, authErr := authorize(ctx, domain.RolePM, domain.RoleArchitect)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.StartOrchestration(ctx, engine.StartOptions{
			ProjectID: input.ProjectID,
			SpecName:  input.Body.SpecName,
			SpecPath:  input.Body.SpecPath,
			Tasks:     taskInputs(input.Body.Tasks),
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(o), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "orchestration-list",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/orchestrations",
		Summary:     "List orchestrations",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status" enum:"active,complete"`
	}) (*bodyOutput[[]domain.Orchestration], error) {
		list, err := e.ListOrchestrations(ctx, input.ProjectID, domain.OrchestrationStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(list)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "orchestration-get",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/orchestrations/{orchestration_id}",
		Summary:     "Get an orchestration with its task graph",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *orchestrationPath) (*bodyOutput[domain.Orchestration], error) {
		o, err := e.Orchestration(ctx, input.ProjectID, input.OrchestrationID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(o), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "orchestration-waves",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/orchestrations/{orchestration_id}/waves",
		Summary:     "Every wave of the task graph",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *orchestrationPath) (*bodyOutput[[][]domain.Task], error) {
		waves, err := e.Waves(ctx, input.ProjectID, input.OrchestrationID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(waves)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "orchestration-next-wave",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/orchestrations/{orchestration_id}/waves/next",
		Summary:     "Ready tasks of the lowest unfinished wave",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *orchestrationPath) (*bodyOutput[engine.Wave], error) {
		actorID, authErr := authorize(ctx, domain.RolePM)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.NextWave(ctx, input.ProjectID, input.OrchestrationID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		w.Tasks = nonNil(w.Tasks)
		return reply(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-start",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/orchestrations/{orchestration_id}/tasks/{task_id}/start",
		Summary:     "Mark a ready task as dispatched",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *taskPath) (*bodyOutput[domain.Task], error) {
		roles, err := reportRoles(ctx, e, input.ProjectID, input.OrchestrationID, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := authorize(ctx, append(roles, domain.RolePM)...)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.StartTask(ctx, input.ProjectID, input.OrchestrationID, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	// A malformed report is an answer with accepted=false, not an error.
	huma.Register(api, huma.Operation{
		OperationID: "task-report",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/orchestrations/{orchestration_id}/tasks/{task_id}/report",
		Summary:     "Submit an agent report for a task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID       string              `path:"project_id"`
		OrchestrationID string              `path:"orchestration_id"`
		TaskID          string              `path:"task_id"`
		Body            SubmitReportRequest `json:"body"`
	}) (*bodyOutput[engine.ReportResult], error) {
		roles, err := reportRoles(ctx, e, input.ProjectID, input.OrchestrationID, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := authorize(ctx, roles...)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.SubmitReport(ctx, engine.ReportOptions{
			ProjectID:       input.ProjectID,
			OrchestrationID: input.OrchestrationID,
			TaskID:          input.TaskID,
			Raw:             input.Body.Raw,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-context",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/orchestrations/{orchestration_id}/tasks/{task_id}/context",
		Summary:     "Context an agent role may see for a task",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID       string `path:"project_id"`
		OrchestrationID string `path:"orchestration_id"`
		TaskID          string `path:"task_id"`
		Role            string `query:"role" required:"true" enum:"pm,architect,dev,qa,reviewer,validator"`
		Snippets        int    `query:"snippets"`
	}) (*bodyOutput[agentctx.Context], error) {
		if _, authErr := authorize(ctx, domain.Role(input.Role)); authErr != nil {
			return nil, authErr
		}
		a, err := e.Assembler()
		if err != nil {
			return nil, handleError(err)
		}
		c, err := a.Build(ctx, agentctx.BuildOptions{
			ProjectID:       input.ProjectID,
			OrchestrationID: input.OrchestrationID,
			TaskID:          input.TaskID,
			Role:            domain.Role(input.Role),
			SnippetLimit:    input.Snippets,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "debate-round",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/debate",
		Summary:       "Record a PM debate round over a spec",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      DebateRoundRequest `json:"body"`
	}) (*bodyOutput[engine.DebateResult], error) {
		actorID, authErr := authorize(ctx, domain.RolePM)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RecordDebateRound(ctx, engine.DebateOptions{
			ProjectID: input.ProjectID,
			SpecName:  input.Body.SpecName,
			Converged: input.Body.Converged,
			Summary:   input.Body.Summary,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "debate-state",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/debate",
		Summary:     "Debate rounds so far for a spec",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Spec      string `query:"spec" required:"true"`
	}) (*bodyOutput[engine.DebateState], error) {
		st, err := e.DebateContext(ctx, input.ProjectID, input.Spec)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(st), nil
	})
}

// reportRoles are the roles allowed to report on a task: its assigned role,
// or any agent role when none was assigned.
func reportRoles(ctx context.Context, e engine.Engine, projectID, orchestrationID, taskID string) ([]domain.Role, error) {
	o, err := e.Orchestration(ctx, projectID, orchestrationID)
	if err != nil {
		return nil, fmt.Errorf("orchestration %s: %w", orchestrationID, err)
	}
	for _, t := range o.Graph.Tasks {
		if t.ID != taskID {
			continue
		}
		if t.Role == "" {
			return domain.Roles(), nil
		}
		return []domain.Role{t.Role}, nil
	}
	return nil, fmt.Errorf("task %s not in orchestration %s: %w", taskID, orchestrationID, repo.ErrNotFound)
}

type bugPath struct {
	ProjectID string `path:"project_id"`
	BugID     string `path:"bug_id"`
}

func registerBugs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "bug-list",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/bugs",
		Summary:     "List bugs",
	}, func(ctx context.Context, input *struct {
		ProjectID       string `path:"project_id"`
		OrchestrationID string `query:"orchestration_id"`
	}) (*bodyOutput[[]domain.Bug], error) {
		bugs, err := e.ListBugs(ctx, input.ProjectID, input.OrchestrationID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(bugs)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "bug-file",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/bugs",
		Summary:       "File a bug against an orchestration",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Body      FileBugRequest `json:"body"`
	}) (*bodyOutput[domain.Bug], error) {
		actorID, authErr := authorize(ctx, domain.RoleQA, domain.RoleReviewer, domain.RoleValidator)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.FileBug(ctx, engine.BugOptions{
			ProjectID:       input.ProjectID,
			OrchestrationID: input.Body.OrchestrationID,
			TaskID:          input.Body.TaskID,
			Title:           input.Body.Title,
			Description:     input.Body.Description,
			FoundBy:         input.Body.FoundBy,
			Severity:        input.Body.Severity,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(b), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bug-get",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/bugs/{bug_id}",
		Summary:     "Get a bug",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *bugPath) (*bodyOutput[domain.Bug], error) {
		b, err := e.Bug(ctx, input.ProjectID, input.BugID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(b), nil
	})

	fixers := []domain.Role{domain.RoleDev, domain.RoleArchitect}
	checkers := []domain.Role{domain.RoleQA, domain.RoleReviewer, domain.RoleValidator}
	actions := []struct {
		name    string
		summary string
		roles   []domain.Role
		apply   func(ctx context.Context, project, id, actor string, req BugActionRequest) (domain.Bug, error)
	}{
		{"start", "Start fixing a bug", fixers, func(ctx context.Context, project, id, actor string, req BugActionRequest) (domain.Bug, error) {
			return e.StartFix(ctx, project, id, req.Assignee, actor)
		}},
		{"fix", "Submit a fix for verification", fixers, func(ctx context.Context, project, id, actor string, req BugActionRequest) (domain.Bug, error) {
			return e.SubmitFix(ctx, project, id, req.Summary, actor)
		}},
		{"verify", "Record a verification result", checkers, func(ctx context.Context, project, id, actor string, req BugActionRequest) (domain.Bug, error) {
			return e.VerifyBug(ctx, project, id, req.Passed, req.Detail, actor)
		}},
		{"reopen", "Reopen a bug", checkers, func(ctx context.Context, project, id, actor string, req BugActionRequest) (domain.Bug, error) {
			return e.ReopenBug(ctx, project, id, req.Detail, actor)
		}},
	}
	for _, action := range actions {
		apply := action.apply
		roles := action.roles
		huma.Register(api, huma.Operation{
			OperationID: "bug-" + action.name,
			Method:      http.MethodPost,
			Path:        "/projects/{project_id}/bugs/{bug_id}/" + action.name,
			Summary:     action.summary,
			Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			ProjectID string           `path:"project_id"`
			BugID     string           `path:"bug_id"`
			Body      BugActionRequest `json:"body"`
		}) (*bodyOutput[domain.Bug], error) {
			actorID, authErr := authorize(ctx, roles...)
			if authErr != nil {
				return nil, authErr
			}
			b, err := apply(ctx, input.ProjectID, input.BugID, actorID, input.Body)
			if err != nil {
				return nil, handleError(err)
			}
			return reply(b), nil
		})
	}
}

func registerHITL(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "hitl-list",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/hitl",
		Summary:     "List human escalations",
	}, func(ctx context.Context, input *struct {
		ProjectID       string `path:"project_id"`
		OrchestrationID string `query:"orchestration_id"`
		Status          string `query:"status" enum:"open,resolved"`
	}) (*bodyOutput[[]domain.HITLRecord], error) {
		list, err := e.ListHITL(ctx, input.ProjectID, input.OrchestrationID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(list)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "hitl-resolve",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/hitl/resolve",
		Summary:     "Resolve open escalations and let the flow resume",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      ResolveHITLRequest `json:"body"`
	}) (*bodyOutput[ResolveHITLResponse], error) {
		actorID, authErr := authorize(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.ResolveHITL(ctx, input.ProjectID, input.Body.OrchestrationID, input.Body.Resolution, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ResolveHITLResponse{Resolved: n}), nil
	})
}
