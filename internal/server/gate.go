package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/gate"
)

func registerGate(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "gate-state",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/gate",
		Summary:     "Current gate state",
	}, func(ctx context.Context, input *projectPath) (*bodyOutput[domain.GateState], error) {
		s, err := e.Gate().State(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	// Blocks are answers, not errors: the check endpoint always returns 200.
	huma.Register(api, huma.Operation{
		OperationID: "gate-check",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/gate/check",
		Summary:     "Decide whether a tool call may proceed",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Body      GateCheckRequest `json:"body"`
	}) (*bodyOutput[gate.HookResult], error) {
		in := gate.HookInput{ToolName: input.Body.ToolName, Target: input.Body.Target, ToolInput: input.Body.ToolInput}
		if in.ToolName == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "tool_name is required", nil)
		}
		d := e.Gate().CheckMutation(ctx, input.ProjectID, in.ToolName, in.ResolveTarget())
		return reply(d.HookResult()), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "gate-set-goal",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/gate/goal",
		Summary:     "Set the active goal and tier",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Body      SetGoalRequest `json:"body"`
	}) (*bodyOutput[DecisionResponse], error) {
		actorID, authErr := authorize(ctx, domain.RolePM)
		if authErr != nil {
			return nil, authErr
		}
		d := e.Gate().SetGoal(ctx, input.ProjectID, input.Body.Goal, domain.Tier(input.Body.Tier), actorID)
		return reply(decisionResponse(d)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "gate-advance-phase",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/gate/phase",
		Summary:     "Advance the lifecycle phase by one step",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      AdvancePhaseRequest `json:"body"`
	}) (*bodyOutput[DecisionResponse], error) {
		actorID, authErr := authorize(ctx, domain.RolePM)
		if authErr != nil {
			return nil, authErr
		}
		d := e.Gate().AdvancePhase(ctx, input.ProjectID, domain.Phase(input.Body.Phase), actorID)
		return reply(decisionResponse(d)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "gate-approve-spec",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/gate/approve",
		Summary:     "Approve a spec for the active goal",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      ApproveSpecRequest `json:"body"`
	}) (*bodyOutput[DecisionResponse], error) {
		actorID, authErr := authorize(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d := e.Gate().ApproveSpec(ctx, input.ProjectID, input.Body.Spec, actorID)
		return reply(decisionResponse(d)), nil
	})
}
