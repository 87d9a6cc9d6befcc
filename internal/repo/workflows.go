package repo

import (
	"context"
	"database/sql"
	"strings"

	"authmatrix/internal/domain"
)

const workflowColumns = `id,tenant_id,matrix_id,entity_type,entity_id,status,current_block,initiator,submitted_at,responded_at,completed_at`

func scanWorkflow(sc interface{ Scan(...any) error }) (domain.Workflow, error) {
	var w domain.Workflow
	var responded, completed sql.NullString
	err := sc.Scan(&w.ID, &w.TenantID, &w.MatrixID, &w.EntityType, &w.EntityID, &w.Status, &w.CurrentBlock, &w.Initiator, &w.SubmittedAt, &responded, &completed)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if responded.Valid {
		w.RespondedAt = &responded.String
	}
	if completed.Valid {
		w.CompletedAt = &completed.String
	}
	return w, nil
}

func (r Repo) InsertWorkflowTx(ctx context.Context, tx *sql.Tx, w domain.Workflow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_workflows(`+workflowColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.TenantID, w.MatrixID, w.EntityType, w.EntityID, w.Status, w.CurrentBlock, w.Initiator,
		w.SubmittedAt, nullableStringPtr(w.RespondedAt), nullableStringPtr(w.CompletedAt))
	return err
}

func (r Repo) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	w, err := scanWorkflow(r.DB.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM approval_workflows WHERE id=?`, id))
	if err != nil {
		return w, err
	}
	w.Decisions, err = r.ListDecisions(ctx, id)
	return w, err
}

func (r Repo) GetWorkflowTx(ctx context.Context, tx *sql.Tx, id string) (domain.Workflow, error) {
	return scanWorkflow(tx.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM approval_workflows WHERE id=?`, id))
}

// PendingWorkflowForEntity returns the single pending workflow covering an
// entity, or ErrNotFound.
func (r Repo) PendingWorkflowForEntity(ctx context.Context, tenantID, entityType, entityID string) (domain.Workflow, error) {
	return scanWorkflow(r.DB.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM approval_workflows WHERE tenant_id=? AND entity_type=? AND entity_id=? AND status='pending'`,
		tenantID, entityType, entityID))
}

// AdvanceWorkflowBlockTx moves a pending workflow from one block to the next.
// The conditional WHERE makes concurrent racers lose cleanly: zero affected
// rows means someone else advanced or terminated the workflow first.
func (r Repo) AdvanceWorkflowBlockTx(ctx context.Context, tx *sql.Tx, id string, fromBlock, toBlock int, respondedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE approval_workflows SET current_block=?, responded_at=COALESCE(responded_at,?) WHERE id=? AND status='pending' AND current_block=?`,
		toBlock, respondedAt, id, fromBlock)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CompleteWorkflowTx moves a pending workflow to a terminal status. Zero
// affected rows means the workflow already left pending.
func (r Repo) CompleteWorkflowTx(ctx context.Context, tx *sql.Tx, id, status, completedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE approval_workflows SET status=?, responded_at=COALESCE(responded_at,?), completed_at=? WHERE id=? AND status='pending'`,
		status, completedAt, completedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) InsertDecisionTx(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_decisions(id,workflow_id,approver,block_level,decision,comment,decided_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.WorkflowID, d.Approver, d.BlockLevel, d.Decision, nullable(d.Comment), d.DecidedAt)
	return err
}

// DecisionTx returns an approver's existing decision at a block, if any.
func (r Repo) DecisionTx(ctx context.Context, tx *sql.Tx, workflowID string, blockLevel int, approver string) (domain.Decision, error) {
	var d domain.Decision
	var comment sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT id,workflow_id,approver,block_level,decision,comment,decided_at FROM approval_decisions WHERE workflow_id=? AND block_level=? AND approver=?`,
		workflowID, blockLevel, approver).
		Scan(&d.ID, &d.WorkflowID, &d.Approver, &d.BlockLevel, &d.Decision, &comment, &d.DecidedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if comment.Valid {
		d.Comment = comment.String
	}
	return d, err
}

// CountBlockApprovalsTx counts approved decisions recorded for a block.
func (r Repo) CountBlockApprovalsTx(ctx context.Context, tx *sql.Tx, workflowID string, blockLevel int) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM approval_decisions WHERE workflow_id=? AND block_level=? AND decision='approved'`,
		workflowID, blockLevel).Scan(&n)
	return n, err
}

func (r Repo) ListDecisions(ctx context.Context, workflowID string) ([]domain.Decision, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,workflow_id,approver,block_level,decision,comment,decided_at FROM approval_decisions WHERE workflow_id=? ORDER BY decided_at ASC, id ASC`,
		workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Decision
	for rows.Next() {
		var d domain.Decision
		var comment sql.NullString
		if err := rows.Scan(&d.ID, &d.WorkflowID, &d.Approver, &d.BlockLevel, &d.Decision, &comment, &d.DecidedAt); err != nil {
			return nil, err
		}
		if comment.Valid {
			d.Comment = comment.String
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

type WorkflowFilters struct {
	TenantID   string
	EntityType string
	EntityID   string
	Status     string
	Limit      int
}

func (r Repo) ListWorkflows(ctx context.Context, f WorkflowFilters) ([]domain.Workflow, error) {
	var clauses []string
	var args []any
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, f.TenantID)
	}
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + workflowColumns + ` FROM approval_workflows ` + where + ` ORDER BY submitted_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}
