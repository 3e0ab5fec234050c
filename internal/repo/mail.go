package repo

import (
	"context"
	"database/sql"
	"strings"

	"crewline/internal/domain"
)

// InboxFilter narrows an agent's inbox. Empty fields match everything.
type InboxFilter struct {
	ProjectID  string
	Agent      string
	Status     domain.MessageStatus
	Importance domain.Importance
	Limit      int
}

func (r Repo) InsertThread(ctx context.Context, q Querier, t domain.Thread) error {
	_, err := q.ExecContext(ctx, `INSERT INTO mail_threads(id,project_id,parent_id,type,status,subject,ref,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, nullable(t.ParentID), string(t.Type), string(t.Status), nullable(t.Subject), nullable(t.Ref), t.CreatedAt, t.UpdatedAt)
	return err
}

const threadColumns = `id,project_id,COALESCE(parent_id,''),type,status,COALESCE(subject,''),COALESCE(ref,''),created_at,updated_at`

func scanThread(scan func(dest ...any) error) (domain.Thread, error) {
	var t domain.Thread
	err := scan(&t.ID, &t.ProjectID, &t.ParentID, &t.Type, &t.Status, &t.Subject, &t.Ref, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (r Repo) GetThread(ctx context.Context, q Querier, projectID, id string) (domain.Thread, error) {
	t, err := scanThread(q.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM mail_threads WHERE id=? AND project_id=?`, id, projectID).Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// FindThread returns the oldest active thread of a type with the given ref.
func (r Repo) FindThread(ctx context.Context, q Querier, projectID string, typ domain.ThreadType, ref string) (domain.Thread, error) {
	t, err := scanThread(q.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM mail_threads WHERE project_id=? AND type=? AND COALESCE(ref,'')=? AND status='active' ORDER BY created_at, id LIMIT 1`,
		projectID, string(typ), ref).Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListThreads(ctx context.Context, projectID, parentID string) ([]domain.Thread, error) {
	return r.listThreads(ctx, r.DB, projectID, parentID)
}

// ChildThreads lists the direct children of parentID inside q.
func (r Repo) ChildThreads(ctx context.Context, q Querier, projectID, parentID string) ([]domain.Thread, error) {
	return r.listThreads(ctx, q, projectID, parentID)
}

func (r Repo) listThreads(ctx context.Context, q Querier, projectID, parentID string) ([]domain.Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM mail_threads WHERE project_id=?`
	args := []any{projectID}
	if parentID != "" {
		query += ` AND parent_id=?`
		args = append(args, parentID)
	}
	query += ` ORDER BY created_at, id`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Thread
	for rows.Next() {
		t, err := scanThread(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) SetThreadStatus(ctx context.Context, q Querier, projectID, id string, status domain.ThreadStatus, now string) error {
	res, err := q.ExecContext(ctx, `UPDATE mail_threads SET status=?, updated_at=? WHERE id=? AND project_id=?`, string(status), now, id, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertMessage stores m and returns its sequence number.
func (r Repo) InsertMessage(ctx context.Context, q Querier, m domain.Message) (int64, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO mail_messages(id,project_id,thread_id,from_agent,to_agent,subject,body,importance,importance_rank,status,assigned_to,task_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ProjectID, m.ThreadID, m.From, m.To, nullable(m.Subject), m.Body, string(m.Importance), m.Importance.Rank(),
		string(m.Status), nullable(m.AssignedTo), nullable(m.TaskID), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const messageColumns = `seq,id,project_id,thread_id,from_agent,to_agent,COALESCE(subject,''),body,importance,status,COALESCE(assigned_to,''),COALESCE(task_id,''),created_at,updated_at`

func scanMessage(scan func(dest ...any) error) (domain.Message, error) {
	var m domain.Message
	err := scan(&m.Seq, &m.ID, &m.ProjectID, &m.ThreadID, &m.From, &m.To, &m.Subject, &m.Body, &m.Importance, &m.Status,
		&m.AssignedTo, &m.TaskID, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

func queryMessages(ctx context.Context, q Querier, query string, args ...any) ([]domain.Message, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) GetMessage(ctx context.Context, q Querier, projectID, id string) (domain.Message, error) {
	m, err := scanMessage(q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM mail_messages WHERE id=? AND project_id=?`, id, projectID).Scan)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) UpdateMessageStatus(ctx context.Context, q Querier, m domain.Message) error {
	res, err := q.ExecContext(ctx, `UPDATE mail_messages SET status=?, assigned_to=?, updated_at=? WHERE id=? AND project_id=?`,
		string(m.Status), nullable(m.AssignedTo), m.UpdatedAt, m.ID, m.ProjectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Inbox lists messages addressed to an agent: most important first, newest first within a rank.
func (r Repo) Inbox(ctx context.Context, f InboxFilter) ([]domain.Message, error) {
	clauses := []string{"project_id=?", "to_agent=?"}
	args := []any{f.ProjectID, f.Agent}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.Importance != "" {
		clauses = append(clauses, "importance=?")
		args = append(args, string(f.Importance))
	}
	query := `SELECT ` + messageColumns + ` FROM mail_messages WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY importance_rank DESC, seq DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return queryMessages(ctx, r.DB, query, args...)
}

func (r Repo) ThreadMessages(ctx context.Context, q Querier, projectID, threadID string) ([]domain.Message, error) {
	return queryMessages(ctx, q, `SELECT `+messageColumns+` FROM mail_messages WHERE project_id=? AND thread_id=? ORDER BY seq`, projectID, threadID)
}

// TaskMessages returns messages tagged with the task or posted in a thread that references it.
func (r Repo) TaskMessages(ctx context.Context, projectID, taskID string) ([]domain.Message, error) {
	return queryMessages(ctx, r.DB, `SELECT `+messageColumns+` FROM mail_messages WHERE project_id=? AND (task_id=? OR thread_id IN (SELECT id FROM mail_threads WHERE project_id=? AND ref=?)) ORDER BY seq`,
		projectID, taskID, projectID, taskID)
}

func (r Repo) InsertArchived(ctx context.Context, q Querier, m domain.ArchivedMessage, payload []byte) error {
	_, err := q.ExecContext(ctx, `INSERT INTO mail_archive(id,seq,project_id,thread_id,from_agent,to_agent,importance,status,created_at,archived_at,payload,digest) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.Seq, m.ProjectID, m.ThreadID, m.From, m.To, string(m.Importance), string(m.Status), m.CreatedAt, m.ArchivedAt, payload, m.Digest)
	return err
}

func (r Repo) DeleteThreadMessages(ctx context.Context, q Querier, projectID, threadID string) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM mail_messages WHERE project_id=? AND thread_id=?`, projectID, threadID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ArchivedRow is an archive entry before its payload is decoded.
type ArchivedRow struct {
	ID         string
	ArchivedAt string
	Payload    []byte
	Digest     string
}

func (r Repo) ArchivedRows(ctx context.Context, projectID, threadID string) ([]ArchivedRow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,archived_at,payload,digest FROM mail_archive WHERE project_id=? AND thread_id=? ORDER BY seq`, projectID, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ArchivedRow
	for rows.Next() {
		var a ArchivedRow
		if err := rows.Scan(&a.ID, &a.ArchivedAt, &a.Payload, &a.Digest); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
