package domain

import "fmt"

type Phase string

const (
	PhaseIntake    Phase = "intake"
	PhaseDebate    Phase = "debate"
	PhaseSpec      Phase = "spec"
	PhaseApprove   Phase = "approve"
	PhaseImplement Phase = "implement"
	PhaseReview    Phase = "review"
	PhaseComplete  Phase = "complete"
)

// Phases is the fixed lifecycle order.
var Phases = []Phase{PhaseIntake, PhaseDebate, PhaseSpec, PhaseApprove, PhaseImplement, PhaseReview, PhaseComplete}

// Index returns the position of p in Phases, or -1 if p is unknown.
func (p Phase) Index() int {
	for i, candidate := range Phases {
		if candidate == p {
			return i
		}
	}
	return -1
}

// Next returns the phase directly after p. ok is false for complete and unknown phases.
func (p Phase) Next() (Phase, bool) {
	i := p.Index()
	if i < 0 || i == len(Phases)-1 {
		return "", false
	}
	return Phases[i+1], true
}

// AtLeast reports whether p is at or after other in the lifecycle.
func (p Phase) AtLeast(other Phase) bool {
	return p.Index() >= other.Index() && other.Index() >= 0
}

func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if p.Index() < 0 {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

type Tier string

const (
	TierMinimal  Tier = "minimal"
	TierStandard Tier = "standard"
	TierFull     Tier = "full"
)

var validTiers = map[Tier]bool{TierMinimal: true, TierStandard: true, TierFull: true}

func ParseTier(s string) (Tier, error) {
	if !validTiers[Tier(s)] {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return Tier(s), nil
}

// RequiresSpec reports whether the tier gates implementation behind spec approval.
func (t Tier) RequiresSpec() bool {
	return t == TierStandard || t == TierFull
}

// GateState is the per-project snapshot the gates evaluate against.
type GateState struct {
	ProjectID    string `json:"project_id"`
	Goal         string `json:"goal,omitempty"`
	Phase        Phase  `json:"phase" enum:"intake,debate,spec,approve,implement,review,complete"`
	Tier         Tier   `json:"tier,omitempty" enum:"minimal,standard,full"`
	SpecApproved bool   `json:"spec_approved"`
	SpecName     string `json:"spec_name,omitempty"`
	ApprovedBy   string `json:"approved_by,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty" format:"date-time"`
}

// GoalActive reports whether a goal is set and has not reached complete.
func (s GateState) GoalActive() bool {
	return s.Goal != "" && s.Phase != PhaseComplete
}
