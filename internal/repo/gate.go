package repo

import (
	"context"
	"database/sql"

	"crewline/internal/domain"
)

// GetGateState reads the project's gate snapshot.
func (r Repo) GetGateState(ctx context.Context, q Querier, projectID string) (domain.GateState, error) {
	s := domain.GateState{ProjectID: projectID}
	var goal, tier, specName, approvedBy sql.NullString
	var approved int
	err := q.QueryRowContext(ctx, `SELECT goal,phase,tier,spec_approved,spec_name,approved_by,updated_at FROM gate_state WHERE project_id=?`, projectID).
		Scan(&goal, &s.Phase, &tier, &approved, &specName, &approvedBy, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Goal = goal.String
	s.Tier = domain.Tier(tier.String)
	s.SpecApproved = approved == 1
	s.SpecName = specName.String
	s.ApprovedBy = approvedBy.String
	return s, nil
}

// SaveGateState writes the whole snapshot.
func (r Repo) SaveGateState(ctx context.Context, q Querier, s domain.GateState) error {
	_, err := q.ExecContext(ctx, `INSERT INTO gate_state(project_id,goal,phase,tier,spec_approved,spec_name,approved_by,updated_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET goal=excluded.goal, phase=excluded.phase, tier=excluded.tier, spec_approved=excluded.spec_approved,
spec_name=excluded.spec_name, approved_by=excluded.approved_by, updated_at=excluded.updated_at`,
		s.ProjectID, nullable(s.Goal), string(s.Phase), nullable(string(s.Tier)), boolInt(s.SpecApproved), nullable(s.SpecName), nullable(s.ApprovedBy), s.UpdatedAt)
	return err
}
