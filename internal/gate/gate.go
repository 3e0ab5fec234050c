// Package gate is the admission control for mutating agent operations.
// Every check answers with a Decision; failures inside the engine become
// block decisions so that a broken store never lets a write through.
package gate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"crewline/internal/config"
	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/repo"
)

// Gate names reported in decisions.
const (
	GateGoal     = "goal"
	GateSpec     = "spec"
	GatePhase    = "phase"
	GateTier     = "tier"
	GateInternal = "internal"
)

type Engine struct {
	Repo   repo.Repo
	Events events.Writer
	// Config overrides the project's stored policy when set.
	Config *config.Config
	Now    func() time.Time
	Logger *slog.Logger
}

func New(r repo.Repo, cfg *config.Config) Engine {
	now := time.Now
	return Engine{
		Repo:   r,
		Events: events.Writer{Now: now},
		Config: cfg,
		Now:    now,
		Logger: slog.Default(),
	}
}

// Decision is the answer to every gate operation.
type Decision struct {
	Allowed bool              `json:"allowed"`
	Gate    string            `json:"gate,omitempty"`
	Reason  string            `json:"reason"`
	Class   FileClass         `json:"class,omitempty"`
	State   *domain.GateState `json:"state,omitempty"`
}

func allow(reason string) Decision {
	return Decision{Allowed: true, Reason: reason}
}

func block(gate, reason string) Decision {
	return Decision{Gate: gate, Reason: reason}
}

// Verdict renders the decision for hook consumers.
func (d Decision) Verdict() string {
	if d.Allowed {
		return "allow"
	}
	return "block"
}

// Err converts a block into a *domain.GateDeniedError.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &domain.GateDeniedError{Gate: d.Gate, Reason: d.Reason}
}

func (e Engine) now() string {
	now := e.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) events() events.Writer {
	if e.Events.Now == nil {
		e.Events.Now = e.Now
	}
	return e.Events
}

// guard turns a panic into an internal block.
func (e Engine) guard(op, projectID string, d *Decision) {
	if r := recover(); r != nil {
		*d = block(GateInternal, fmt.Sprintf("%s failed: %v", op, r))
		e.logger().Error("gate panic", "op", op, "project", projectID, "panic", r)
	}
}

func (e Engine) failed(op, projectID string, err error) Decision {
	e.logger().Error("gate check failed", "op", op, "project", projectID, "err", err)
	return block(GateInternal, fmt.Sprintf("%s failed: %v", op, err))
}

func (e Engine) report(op, projectID string, d Decision) Decision {
	if !d.Allowed {
		e.logger().Info("gate blocked", "op", op, "project", projectID, "gate", d.Gate, "reason", d.Reason)
	}
	return d
}

func (e Engine) config(ctx context.Context, projectID string) (*config.Config, error) {
	if e.Config != nil {
		return e.Config, nil
	}
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project config: %w", err)
	}
	return cfg, nil
}

// loadState reads the snapshot; a project without one is in intake with no goal.
func (e Engine) loadState(ctx context.Context, q repo.Querier, projectID string) (domain.GateState, error) {
	if strings.TrimSpace(projectID) == "" {
		return domain.GateState{}, errors.New("project id is required")
	}
	s, err := e.Repo.GetGateState(ctx, q, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.GateState{ProjectID: projectID, Phase: domain.PhaseIntake}, nil
	}
	return s, err
}

// State returns the project's current gate snapshot.
func (e Engine) State(ctx context.Context, projectID string) (domain.GateState, error) {
	return e.loadState(ctx, e.Repo.DB, projectID)
}

// SetGoal starts a new goal. tier may be empty to detect it from the goal text.
func (e Engine) SetGoal(ctx context.Context, projectID, goal string, tier domain.Tier, actorID string) (d Decision) {
	defer e.guard("set goal", projectID, &d)
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return e.report("set goal", projectID, block(GateGoal, "goal text is required"))
	}
	if tier != "" {
		if _, err := domain.ParseTier(string(tier)); err != nil {
			return e.report("set goal", projectID, block(GateTier, err.Error()))
		}
	}
	cfg, err := e.config(ctx, projectID)
	if err != nil {
		return e.failed("set goal", projectID, err)
	}
	detected := tier == ""
	if detected {
		tier = DetectTier(goal, cfg.Tiers)
	}
	err = e.Repo.InTx(ctx, "set goal", func(tx *sql.Tx) error {
		s, err := e.loadState(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if s.GoalActive() {
			d = block(GateTier, fmt.Sprintf("goal %q is still active in phase %s; tier is locked until it completes", s.Goal, s.Phase))
			return nil
		}
		s = domain.GateState{
			ProjectID: projectID,
			Goal:      goal,
			Phase:     domain.PhaseIntake,
			Tier:      tier,
			UpdatedAt: e.now(),
		}
		if err := e.Repo.SaveGateState(ctx, tx, s); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.Entry{
			Type:       events.GoalSet,
			ProjectID:  projectID,
			EntityKind: "gate",
			EntityID:   projectID,
			ActorID:    actorID,
			Payload:    events.Payload{"goal": goal, "tier": string(tier), "detected": detected},
		}); err != nil {
			return err
		}
		d = allow(fmt.Sprintf("goal set with tier %s", tier))
		d.State = &s
		return nil
	})
	if err != nil {
		return e.failed("set goal", projectID, err)
	}
	return e.report("set goal", projectID, d)
}

// AdvancePhase moves the project exactly one phase forward.
func (e Engine) AdvancePhase(ctx context.Context, projectID string, to domain.Phase, actorID string) (d Decision) {
	defer e.guard("advance phase", projectID, &d)
	if to.Index() < 0 {
		return e.report("advance phase", projectID, block(GatePhase, fmt.Sprintf("unknown phase %q", to)))
	}
	err := e.Repo.InTx(ctx, "advance phase", func(tx *sql.Tx) error {
		s, err := e.loadState(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if !s.GoalActive() {
			d = block(GateGoal, "no active goal; set one with crew goal set")
			return nil
		}
		cur := s.Phase
		switch {
		case to.Index() <= cur.Index():
			d = block(GatePhase, fmt.Sprintf("cannot move backward from %s to %s", cur, to))
			return nil
		case to.Index() > cur.Index()+1:
			next, _ := cur.Next()
			d = block(GatePhase, fmt.Sprintf("cannot skip from %s to %s; next phase is %s", cur, to, next))
			return nil
		case to == domain.PhaseImplement && s.Tier.RequiresSpec() && !s.SpecApproved:
			d = block(GateSpec, fmt.Sprintf("spec approval required before implement for tier %s", s.Tier))
			return nil
		}
		s.Phase = to
		s.UpdatedAt = e.now()
		if err := e.Repo.SaveGateState(ctx, tx, s); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.Entry{
			Type:       events.PhaseAdvanced,
			ProjectID:  projectID,
			EntityKind: "gate",
			EntityID:   projectID,
			ActorID:    actorID,
			Payload:    events.Payload{"from": string(cur), "to": string(to)},
		}); err != nil {
			return err
		}
		d = allow(fmt.Sprintf("advanced from %s to %s", cur, to))
		d.State = &s
		return nil
	})
	if err != nil {
		return e.failed("advance phase", projectID, err)
	}
	return e.report("advance phase", projectID, d)
}

// ApproveSpec records approval of specName for the active goal.
func (e Engine) ApproveSpec(ctx context.Context, projectID, specName, approver string) (d Decision) {
	defer e.guard("approve spec", projectID, &d)
	specName = strings.TrimSpace(specName)
	if specName == "" {
		return e.report("approve spec", projectID, block(GateSpec, "spec name is required"))
	}
	err := e.Repo.InTx(ctx, "approve spec", func(tx *sql.Tx) error {
		s, err := e.loadState(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if !s.GoalActive() {
			d = block(GateGoal, "no active goal; set one with crew goal set")
			return nil
		}
		if s.Phase != domain.PhaseSpec && s.Phase != domain.PhaseApprove {
			d = block(GatePhase, fmt.Sprintf("specs are approved in the spec or approve phase, not %s", s.Phase))
			return nil
		}
		s.SpecApproved = true
		s.SpecName = specName
		s.ApprovedBy = approver
		s.UpdatedAt = e.now()
		if err := e.Repo.SaveGateState(ctx, tx, s); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.Entry{
			Type:       events.SpecApproved,
			ProjectID:  projectID,
			EntityKind: "gate",
			EntityID:   projectID,
			ActorID:    approver,
			Payload:    events.Payload{"spec": specName},
		}); err != nil {
			return err
		}
		d = allow(fmt.Sprintf("spec %s approved", specName))
		d.State = &s
		return nil
	})
	if err != nil {
		return e.failed("approve spec", projectID, err)
	}
	return e.report("approve spec", projectID, d)
}

// CheckSpec admits building an orchestration from specName: the goal must
// be active and, for tiers that need one, the spec approved.
func (e Engine) CheckSpec(ctx context.Context, projectID, specName string) (d Decision) {
	defer e.guard("check spec", projectID, &d)
	s, err := e.State(ctx, projectID)
	if err != nil {
		return e.failed("check spec", projectID, err)
	}
	return e.report("check spec", projectID, specDecision(s, specName))
}

func specDecision(s domain.GateState, specName string) Decision {
	if !s.GoalActive() {
		return block(GateGoal, "no active goal; set one with crew goal set")
	}
	if !s.Tier.RequiresSpec() {
		return allow(fmt.Sprintf("tier %s needs no spec approval", s.Tier))
	}
	if !s.SpecApproved {
		return block(GateSpec, fmt.Sprintf("spec approval required for tier %s", s.Tier))
	}
	if specName != "" && s.SpecName != "" && specName != s.SpecName {
		return block(GateSpec, fmt.Sprintf("spec %s is approved, not %s", s.SpecName, specName))
	}
	return allow(fmt.Sprintf("spec %s approved by %s", s.SpecName, s.ApprovedBy))
}

// CheckWave admits dispatching a wave of implementation tasks.
func (e Engine) CheckWave(ctx context.Context, projectID, specName string) (d Decision) {
	defer e.guard("check wave", projectID, &d)
	s, err := e.State(ctx, projectID)
	if err != nil {
		return e.failed("check wave", projectID, err)
	}
	d = specDecision(s, specName)
	if d.Allowed && !s.Phase.AtLeast(domain.PhaseImplement) {
		d = block(GatePhase, fmt.Sprintf("waves run from the implement phase; project is in %s", s.Phase))
	}
	if d.Allowed {
		d.Reason = fmt.Sprintf("wave admitted in phase %s", s.Phase)
	}
	return e.report("check wave", projectID, d)
}

// CheckMutation decides whether tool may act on target. target is a file
// path for write tools, a command line for shell tools and the role name
// for spawn tools.
func (e Engine) CheckMutation(ctx context.Context, projectID, tool, target string) (d Decision) {
	defer e.guard("check mutation", projectID, &d)
	kind := ClassifyTool(tool)
	if kind == ToolRead {
		return allow(fmt.Sprintf("%s is read-only", tool))
	}
	cfg, err := e.config(ctx, projectID)
	if err != nil {
		return e.failed("check mutation", projectID, err)
	}
	s, err := e.State(ctx, projectID)
	if err != nil {
		return e.failed("check mutation", projectID, err)
	}
	switch kind {
	case ToolShell:
		d = e.checkShell(s, cfg, target)
	case ToolSpawn:
		d = e.checkSpawn(s, cfg, target)
	default:
		d = e.checkPaths(s, cfg, []string{target})
	}
	return e.report("check mutation", projectID, d)
}

func (e Engine) checkShell(s domain.GateState, cfg *config.Config, command string) Decision {
	eff := analyzeShell(command)
	if !eff.Mutating {
		return allow("command does not modify files")
	}
	if len(eff.Targets) == 0 {
		// unknown targets are treated as implementation files
		return e.checkPaths(s, cfg, []string{""})
	}
	return e.checkPaths(s, cfg, eff.Targets)
}

func (e Engine) checkSpawn(s domain.GateState, cfg *config.Config, target string) Decision {
	if !s.GoalActive() {
		return block(GateGoal, "no active goal; set one with crew goal set")
	}
	role, err := domain.ParseRole(strings.TrimSpace(target))
	implements := err != nil || cfg.ImplementingRole(role)
	if !implements {
		return allow(fmt.Sprintf("%s does not implement", role))
	}
	if s.Tier.RequiresSpec() && !s.SpecApproved {
		name := target
		if err == nil {
			name = string(role)
		}
		return block(GateSpec, fmt.Sprintf("spawning %s requires spec approval for tier %s", name, s.Tier))
	}
	return allow("implementation spawn admitted")
}

func (e Engine) checkPaths(s domain.GateState, cfg *config.Config, targets []string) Decision {
	var classes []FileClass
	allState, allExempt := true, true
	for _, t := range targets {
		c := ClassifyFile(t, cfg.Gates)
		classes = append(classes, c)
		if c != FileState {
			allState = false
		}
		if !c.Exempt() {
			allExempt = false
		}
	}
	if allState {
		return Decision{Allowed: true, Reason: "internal state file", Class: FileState}
	}
	if allExempt {
		c := classes[0]
		for _, x := range classes {
			if x != FileState {
				c = x
				break
			}
		}
		return Decision{Allowed: true, Reason: fmt.Sprintf("%s files are exempt from the lifecycle gates", c), Class: c}
	}
	if !s.GoalActive() {
		return block(GateGoal, "no active goal; set one with crew goal set")
	}
	for i, c := range classes {
		if c.Exempt() {
			continue
		}
		if !s.Phase.AtLeast(domain.PhaseImplement) {
			target := targets[i]
			if target == "" {
				target = "an undetermined target"
			}
			d := block(GatePhase, fmt.Sprintf("writing %s requires the implement phase; project is in %s", target, s.Phase))
			d.Class = c
			return d
		}
		return Decision{Allowed: true, Reason: fmt.Sprintf("implementation allowed in phase %s", s.Phase), Class: c}
	}
	return Decision{Allowed: true, Reason: "no implementation files", Class: classes[0]}
}
