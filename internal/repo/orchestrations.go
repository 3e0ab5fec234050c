package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"crewline/internal/domain"
)

func (r Repo) InsertOrchestration(ctx context.Context, q Querier, o domain.Orchestration) error {
	graph, err := json.Marshal(o.Graph)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO orchestrations(id,project_id,spec_name,spec_path,graph_json,status,current_wave,hitl_required,hitl_reason,thread_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.ProjectID, o.SpecName, nullable(o.SpecPath), string(graph), string(o.Status), o.CurrentWave,
		boolInt(o.HITLRequired), nullable(o.HITLReason), nullable(o.ThreadID), o.CreatedAt, o.UpdatedAt)
	return err
}

// UpdateOrchestration writes the mutable columns. Bugs live in their own table.
func (r Repo) UpdateOrchestration(ctx context.Context, q Querier, o domain.Orchestration) error {
	graph, err := json.Marshal(o.Graph)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	res, err := q.ExecContext(ctx, `UPDATE orchestrations SET graph_json=?, status=?, current_wave=?, hitl_required=?, hitl_reason=?, thread_id=?, updated_at=? WHERE id=? AND project_id=?`,
		string(graph), string(o.Status), o.CurrentWave, boolInt(o.HITLRequired), nullable(o.HITLReason), nullable(o.ThreadID), o.UpdatedAt, o.ID, o.ProjectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const orchestrationColumns = `id,project_id,spec_name,COALESCE(spec_path,''),graph_json,status,current_wave,hitl_required,COALESCE(hitl_reason,''),COALESCE(thread_id,''),created_at,updated_at`

func scanOrchestration(scan func(dest ...any) error) (domain.Orchestration, error) {
	var o domain.Orchestration
	var graph string
	var hitl int
	if err := scan(&o.ID, &o.ProjectID, &o.SpecName, &o.SpecPath, &graph, &o.Status, &o.CurrentWave, &hitl, &o.HITLReason, &o.ThreadID, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return o, err
	}
	o.HITLRequired = hitl == 1
	if err := json.Unmarshal([]byte(graph), &o.Graph); err != nil {
		return o, fmt.Errorf("decode graph of orchestration %s: %w", o.ID, err)
	}
	return o, nil
}

// GetOrchestration loads an orchestration together with its bugs.
func (r Repo) GetOrchestration(ctx context.Context, q Querier, projectID, id string) (domain.Orchestration, error) {
	row := q.QueryRowContext(ctx, `SELECT `+orchestrationColumns+` FROM orchestrations WHERE id=? AND project_id=?`, id, projectID)
	o, err := scanOrchestration(row.Scan)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	bugs, err := r.ListBugs(ctx, q, projectID, id)
	if err != nil {
		return o, err
	}
	o.Bugs = make(map[string]domain.Bug, len(bugs))
	for _, b := range bugs {
		o.Bugs[b.ID] = b
	}
	return o, nil
}

// ListOrchestrations returns orchestrations without bugs, newest first.
func (r Repo) ListOrchestrations(ctx context.Context, projectID, status string) ([]domain.Orchestration, error) {
	query := `SELECT ` + orchestrationColumns + ` FROM orchestrations WHERE project_id=?`
	args := []any{projectID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Orchestration
	for rows.Next() {
		o, err := scanOrchestration(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// ActiveOrchestrationForSpec finds an active orchestration of the spec, if any.
func (r Repo) ActiveOrchestrationForSpec(ctx context.Context, q Querier, projectID, specName string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx, `SELECT id FROM orchestrations WHERE project_id=? AND spec_name=? AND status=?`, projectID, specName, string(domain.OrchestrationActive)).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}

func (r Repo) InsertBug(ctx context.Context, q Querier, b domain.Bug) error {
	_, err := q.ExecContext(ctx, `INSERT INTO bugs(id,project_id,orchestration_id,task_id,title,description,found_by,severity,status,cycle,max_cycles,assigned_to,resolution,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.ProjectID, b.OrchestrationID, nullable(b.TaskID), b.Title, nullable(b.Description), b.FoundBy, string(b.Severity), string(b.Status),
		b.Cycle, b.MaxCycles, nullable(b.AssignedTo), nullable(b.Resolution), b.CreatedAt, b.UpdatedAt)
	return err
}

func (r Repo) UpdateBug(ctx context.Context, q Querier, b domain.Bug) error {
	res, err := q.ExecContext(ctx, `UPDATE bugs SET status=?, cycle=?, assigned_to=?, resolution=?, updated_at=? WHERE id=? AND project_id=?`,
		string(b.Status), b.Cycle, nullable(b.AssignedTo), nullable(b.Resolution), b.UpdatedAt, b.ID, b.ProjectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const bugColumns = `id,project_id,orchestration_id,COALESCE(task_id,''),title,COALESCE(description,''),found_by,severity,status,cycle,max_cycles,COALESCE(assigned_to,''),COALESCE(resolution,''),created_at,updated_at`

func scanBug(scan func(dest ...any) error) (domain.Bug, error) {
	var b domain.Bug
	err := scan(&b.ID, &b.ProjectID, &b.OrchestrationID, &b.TaskID, &b.Title, &b.Description, &b.FoundBy, &b.Severity, &b.Status,
		&b.Cycle, &b.MaxCycles, &b.AssignedTo, &b.Resolution, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func (r Repo) GetBug(ctx context.Context, q Querier, projectID, id string) (domain.Bug, error) {
	b, err := scanBug(q.QueryRowContext(ctx, `SELECT `+bugColumns+` FROM bugs WHERE id=? AND project_id=?`, id, projectID).Scan)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

func (r Repo) ListBugs(ctx context.Context, q Querier, projectID, orchestrationID string) ([]domain.Bug, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+bugColumns+` FROM bugs WHERE project_id=? AND orchestration_id=? ORDER BY created_at, id`, projectID, orchestrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Bug
	for rows.Next() {
		b, err := scanBug(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) InsertHITL(ctx context.Context, q Querier, h domain.HITLRecord) error {
	_, err := q.ExecContext(ctx, `INSERT INTO hitl_records(id,project_id,orchestration_id,kind,subject,reason,status,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		h.ID, h.ProjectID, nullable(h.OrchestrationID), string(h.Kind), h.Subject, h.Reason, h.Status, h.CreatedAt)
	return err
}

// ListHITL returns escalation records, newest first. Empty status means all.
func (r Repo) ListHITL(ctx context.Context, q Querier, projectID, orchestrationID, status string) ([]domain.HITLRecord, error) {
	query := `SELECT id,project_id,COALESCE(orchestration_id,''),kind,subject,reason,status,COALESCE(resolution,''),created_at,COALESCE(resolved_at,'') FROM hitl_records WHERE project_id=?`
	args := []any{projectID}
	if orchestrationID != "" {
		query += ` AND orchestration_id=?`
		args = append(args, orchestrationID)
	}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HITLRecord
	for rows.Next() {
		var h domain.HITLRecord
		if err := rows.Scan(&h.ID, &h.ProjectID, &h.OrchestrationID, &h.Kind, &h.Subject, &h.Reason, &h.Status, &h.Resolution, &h.CreatedAt, &h.ResolvedAt); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// ResolveHITL closes open records. An empty orchestrationID targets project-level records only.
func (r Repo) ResolveHITL(ctx context.Context, q Querier, projectID, orchestrationID, resolution, now string) (int64, error) {
	query := `UPDATE hitl_records SET status='resolved', resolution=?, resolved_at=? WHERE project_id=? AND status='open' AND `
	args := []any{resolution, now, projectID}
	if orchestrationID == "" {
		query += `orchestration_id IS NULL`
	} else {
		query += `orchestration_id=?`
		args = append(args, orchestrationID)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ParseAttempts returns how many reports for the task were rejected and whether that already escalated.
func (r Repo) ParseAttempts(ctx context.Context, q Querier, orchestrationID, taskID string) (int, bool, error) {
	var attempts, escalated int
	err := q.QueryRowContext(ctx, `SELECT attempts,escalated FROM parse_attempts WHERE orchestration_id=? AND task_id=?`, orchestrationID, taskID).Scan(&attempts, &escalated)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	return attempts, escalated == 1, err
}

func (r Repo) SaveParseAttempts(ctx context.Context, q Querier, orchestrationID, taskID string, attempts int, lastError string, escalated bool, now string) error {
	_, err := q.ExecContext(ctx, `INSERT INTO parse_attempts(orchestration_id,task_id,attempts,last_error,escalated,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(orchestration_id,task_id) DO UPDATE SET attempts=excluded.attempts, last_error=excluded.last_error, escalated=excluded.escalated, updated_at=excluded.updated_at`,
		orchestrationID, taskID, attempts, nullable(lastError), boolInt(escalated), now)
	return err
}

// ClearParseAttempts drops counters for one task, or for the whole orchestration when taskID is empty.
func (r Repo) ClearParseAttempts(ctx context.Context, q Querier, orchestrationID, taskID string) error {
	if taskID == "" {
		_, err := q.ExecContext(ctx, `DELETE FROM parse_attempts WHERE orchestration_id=?`, orchestrationID)
		return err
	}
	_, err := q.ExecContext(ctx, `DELETE FROM parse_attempts WHERE orchestration_id=? AND task_id=?`, orchestrationID, taskID)
	return err
}

func (r Repo) InsertDebateRound(ctx context.Context, q Querier, d domain.DebateRound) error {
	_, err := q.ExecContext(ctx, `INSERT INTO debate_rounds(project_id,spec_name,round,converged,summary,created_at) VALUES (?,?,?,?,?,?)`,
		d.ProjectID, d.SpecName, d.Round, boolInt(d.Converged), nullable(d.Summary), d.CreatedAt)
	return err
}

// DebateRounds returns every round of a spec debate in order and the number not yet settled by a human.
func (r Repo) DebateRounds(ctx context.Context, q Querier, projectID, specName string) ([]domain.DebateRound, int, error) {
	rows, err := q.QueryContext(ctx, `SELECT project_id,spec_name,round,converged,COALESCE(summary,''),settled,created_at FROM debate_rounds WHERE project_id=? AND spec_name=? ORDER BY round`, projectID, specName)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.DebateRound
	unsettled := 0
	for rows.Next() {
		var d domain.DebateRound
		var converged, settled int
		if err := rows.Scan(&d.ProjectID, &d.SpecName, &d.Round, &converged, &d.Summary, &settled, &d.CreatedAt); err != nil {
			return nil, 0, err
		}
		d.Converged = converged == 1
		if settled == 0 {
			unsettled++
		}
		res = append(res, d)
	}
	return res, unsettled, rows.Err()
}

// SettleDebates marks every open debate round of the project as handled by a human.
func (r Repo) SettleDebates(ctx context.Context, q Querier, projectID string) error {
	_, err := q.ExecContext(ctx, `UPDATE debate_rounds SET settled=1 WHERE project_id=? AND settled=0`, projectID)
	return err
}
