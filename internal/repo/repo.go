package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"authmatrix/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertTenant(ctx context.Context, t domain.Tenant) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tenants(id,name,status,created_at) VALUES (?,?,?,?)`,
		t.ID, t.Name, t.Status, t.CreatedAt)
	return err
}

func (r Repo) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	var t domain.Tenant
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,created_at FROM tenants WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &t.Status, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,created_at FROM tenants ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

const documentColumns = `id,tenant_id,type,title,state,amount,currency,payload_json,created_by,created_at,updated_at`

func scanDocument(sc interface{ Scan(...any) error }) (domain.Document, error) {
	var d domain.Document
	var amount sql.NullInt64
	var currency, payload sql.NullString
	err := sc.Scan(&d.ID, &d.TenantID, &d.Type, &d.Title, &d.State, &amount, &currency, &payload, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if amount.Valid {
		d.Amount = &amount.Int64
	}
	if currency.Valid {
		d.Currency = currency.String
	}
	if payload.Valid {
		d.PayloadJSON = &payload.String
	}
	return d, nil
}

func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO documents(`+documentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.TenantID, d.Type, d.Title, d.State, nullableInt64Ptr(d.Amount), nullable(d.Currency),
		nullableStringPtr(d.PayloadJSON), d.CreatedBy, d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	return scanDocument(r.DB.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=?`, id))
}

func (r Repo) GetDocumentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Document, error) {
	return scanDocument(tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=?`, id))
}

func (r Repo) UpdateDocument(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	_, err := tx.ExecContext(ctx, `UPDATE documents SET title=?, amount=?, currency=?, payload_json=?, updated_at=? WHERE id=?`,
		d.Title, nullableInt64Ptr(d.Amount), nullable(d.Currency), nullableStringPtr(d.PayloadJSON), d.UpdatedAt, d.ID)
	return err
}

// SetDocumentStateTx moves a document between states conditionally. It
// returns ErrNotFound when the document is no longer in fromState, so callers
// can detect lost races instead of double-applying transitions.
func (r Repo) SetDocumentStateTx(ctx context.Context, tx *sql.Tx, id, fromState, toState, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE documents SET state=?, updated_at=? WHERE id=? AND state=?`,
		toState, updatedAt, id, fromState)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListApprovedSiblingsTx returns ids of documents of the same tenant and type
// currently in state approved, excluding the given document.
func (r Repo) ListApprovedSiblingsTx(ctx context.Context, tx *sql.Tx, tenantID, docType, excludeID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM documents WHERE tenant_id=? AND type=? AND state='approved' AND id != ?`,
		tenantID, docType, excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type DocumentFilters struct {
	TenantID string
	Type     string
	State    string
	Limit    int
}

func (r Repo) ListDocuments(ctx context.Context, f DocumentFilters) ([]domain.Document, error) {
	var clauses []string
	var args []any
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, f.TenantID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + documentColumns + ` FROM documents ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) DeleteDocumentTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- null helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
