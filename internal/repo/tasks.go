package repo

import (
	"context"
	"database/sql"
	"strings"

	"authmatrix/internal/domain"
)

const taskColumns = `id,tenant_id,workflow_id,assignee,kind,title,description,priority,entity_type,entity_id,completed,completed_at,due_at,created_at,updated_at`

func scanTask(sc interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var workflowID, description, completedAt, dueAt, entityType, entityID sql.NullString
	var priority sql.NullInt64
	var completed int
	err := sc.Scan(&t.ID, &t.TenantID, &workflowID, &t.Assignee, &t.Kind, &t.Title, &description, &priority,
		&entityType, &entityID, &completed, &completedAt, &dueAt, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if workflowID.Valid {
		t.WorkflowID = &workflowID.String
	}
	if description.Valid {
		t.Description = description.String
	}
	if priority.Valid {
		p := int(priority.Int64)
		t.Priority = &p
	}
	if entityType.Valid {
		t.EntityType = entityType.String
	}
	if entityID.Valid {
		t.EntityID = entityID.String
	}
	t.Completed = completed != 0
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	if dueAt.Valid {
		t.DueAt = &dueAt.String
	}
	return t, nil
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.TenantID, nullableStringPtr(t.WorkflowID), t.Assignee, t.Kind, t.Title, nullable(t.Description),
		nullableIntPtr(t.Priority), nullable(t.EntityType), nullable(t.EntityID), boolToInt(t.Completed),
		nullableStringPtr(t.CompletedAt), nullableStringPtr(t.DueAt), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// CompleteTaskTx marks a task completed. Zero affected rows means the task
// was already completed; callers treat that as an idempotent no-op.
func (r Repo) CompleteTaskTx(ctx context.Context, tx *sql.Tx, id, completedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET completed=1, completed_at=?, updated_at=? WHERE id=? AND completed=0`,
		completedAt, completedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CompleteWorkflowTasksTx finalizes every open task tied to a workflow. When
// note is non-empty it replaces the task description so the outcome rationale
// is visible on the finished task.
func (r Repo) CompleteWorkflowTasksTx(ctx context.Context, tx *sql.Tx, workflowID, completedAt, note string) error {
	if note != "" {
		_, err := tx.ExecContext(ctx, `UPDATE tasks SET completed=1, completed_at=?, updated_at=?, description=? WHERE workflow_id=? AND completed=0`,
			completedAt, completedAt, note, workflowID)
		return err
	}
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET completed=1, completed_at=?, updated_at=? WHERE workflow_id=? AND completed=0`,
		completedAt, completedAt, workflowID)
	return err
}

// CompleteAssigneeTasksTx finalizes the open tasks a set of assignees hold on
// one workflow, used when a satisfied block's remaining approvers no longer
// need to act.
func (r Repo) CompleteAssigneeTasksTx(ctx context.Context, tx *sql.Tx, workflowID string, assignees []string, completedAt string) error {
	if len(assignees) == 0 {
		return nil
	}
	placeholders := strings.Repeat(",?", len(assignees))[1:]
	args := []any{completedAt, completedAt, workflowID}
	for _, a := range assignees {
		args = append(args, a)
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE tasks SET completed=1, completed_at=?, updated_at=? WHERE workflow_id=? AND completed=0 AND assignee IN (`+placeholders+`)`,
		args...)
	return err
}

type TaskFilters struct {
	TenantID         string
	Assignee         string
	WorkflowID       string
	Kind             string
	IncludeCompleted bool
	Limit            int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, f.TenantID)
	}
	if f.Assignee != "" {
		clauses = append(clauses, "assignee=?")
		args = append(args, f.Assignee)
	}
	if f.WorkflowID != "" {
		clauses = append(clauses, "workflow_id=?")
		args = append(args, f.WorkflowID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if !f.IncludeCompleted {
		clauses = append(clauses, "completed=0")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
