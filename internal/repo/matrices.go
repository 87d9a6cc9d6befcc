package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"authmatrix/internal/domain"
)

const matrixColumns = `id,tenant_id,name,document_type,status,amount_min,amount_max,currency,created_by,created_at,updated_at`

func scanMatrix(sc interface{ Scan(...any) error }) (domain.ApprovalMatrix, error) {
	var m domain.ApprovalMatrix
	var amountMin, amountMax sql.NullInt64
	var currency sql.NullString
	err := sc.Scan(&m.ID, &m.TenantID, &m.Name, &m.DocumentType, &m.Status, &amountMin, &amountMax, &currency, &m.CreatedBy, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if amountMin.Valid {
		m.AmountMin = &amountMin.Int64
	}
	if amountMax.Valid {
		m.AmountMax = &amountMax.Int64
	}
	if currency.Valid {
		m.Currency = currency.String
	}
	return m, nil
}

func (r Repo) InsertMatrix(ctx context.Context, tx *sql.Tx, m domain.ApprovalMatrix) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_matrices(`+matrixColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.TenantID, m.Name, m.DocumentType, m.Status, nullableInt64Ptr(m.AmountMin), nullableInt64Ptr(m.AmountMax),
		nullable(m.Currency), m.CreatedBy, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return err
	}
	for _, b := range m.Blocks {
		approvers, err := json.Marshal(b.Approvers)
		if err != nil {
			return fmt.Errorf("marshal approvers: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO approval_blocks(matrix_id,level,approvers_json,requires_all,min_approvals) VALUES (?,?,?,?,?)`,
			m.ID, b.Level, string(approvers), boolToInt(b.RequiresAll), nullableIntPtr(b.MinApprovals)); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) loadBlocks(ctx context.Context, matrixID string) ([]domain.ApprovalBlock, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT level,approvers_json,requires_all,min_approvals FROM approval_blocks WHERE matrix_id=? ORDER BY level ASC`, matrixID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var blocks []domain.ApprovalBlock
	for rows.Next() {
		var b domain.ApprovalBlock
		var approversJSON string
		var requiresAll int
		var minApprovals sql.NullInt64
		if err := rows.Scan(&b.Level, &approversJSON, &requiresAll, &minApprovals); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(approversJSON), &b.Approvers); err != nil {
			return nil, fmt.Errorf("unmarshal approvers for matrix %s level %d: %w", matrixID, b.Level, err)
		}
		b.RequiresAll = requiresAll != 0
		if minApprovals.Valid {
			v := int(minApprovals.Int64)
			b.MinApprovals = &v
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

func (r Repo) GetMatrix(ctx context.Context, id string) (domain.ApprovalMatrix, error) {
	m, err := scanMatrix(r.DB.QueryRowContext(ctx, `SELECT `+matrixColumns+` FROM approval_matrices WHERE id=?`, id))
	if err != nil {
		return m, err
	}
	m.Blocks, err = r.loadBlocks(ctx, id)
	return m, err
}

type MatrixFilters struct {
	TenantID     string
	DocumentType string
	Status       string
}

func (r Repo) ListMatrices(ctx context.Context, f MatrixFilters) ([]domain.ApprovalMatrix, error) {
	var clauses []string
	var args []any
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, f.TenantID)
	}
	if f.DocumentType != "" {
		clauses = append(clauses, "document_type=?")
		args = append(args, f.DocumentType)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+matrixColumns+` FROM approval_matrices `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalMatrix
	for rows.Next() {
		m, err := scanMatrix(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Blocks, err = r.loadBlocks(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// ActiveMatrices returns every active matrix for a tenant and document type;
// amount-band filtering and ambiguity detection happen in the policy registry.
func (r Repo) ActiveMatrices(ctx context.Context, tenantID, documentType string) ([]domain.ApprovalMatrix, error) {
	return r.ListMatrices(ctx, MatrixFilters{TenantID: tenantID, DocumentType: documentType, Status: "active"})
}

func (r Repo) SetMatrixStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE approval_matrices SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
