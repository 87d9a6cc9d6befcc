package repo

import (
	"context"
	"database/sql"
	"strings"

	"authmatrix/internal/domain"
)

const reportColumns = `id,tenant_id,type,period_start,period_end,requested_by,generated_at,payload_json`

func scanReport(sc interface{ Scan(...any) error }) (domain.Report, error) {
	var rep domain.Report
	var tenantID sql.NullString
	err := sc.Scan(&rep.ID, &tenantID, &rep.Type, &rep.PeriodStart, &rep.PeriodEnd,
		&rep.RequestedBy, &rep.GeneratedAt, &rep.PayloadJSON)
	if err == sql.ErrNoRows {
		return rep, ErrNotFound
	}
	if err != nil {
		return rep, err
	}
	rep.TenantID = tenantID.String
	return rep, nil
}

func (r Repo) InsertReport(ctx context.Context, rep domain.Report) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO compliance_reports(id,tenant_id,type,period_start,period_end,requested_by,generated_at,payload_json)
VALUES (?,?,?,?,?,?,?,?)`,
		rep.ID, nullable(rep.TenantID), rep.Type, rep.PeriodStart, rep.PeriodEnd,
		rep.RequestedBy, rep.GeneratedAt, rep.PayloadJSON)
	return err
}

func (r Repo) GetReport(ctx context.Context, id string) (domain.Report, error) {
	return scanReport(r.DB.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM compliance_reports WHERE id=?`, id))
}

type ReportFilters struct {
	TenantID string
	Type     string
	Limit    int
}

func (r Repo) ListReports(ctx context.Context, f ReportFilters) ([]domain.Report, error) {
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
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + reportColumns + ` FROM compliance_reports ` + where + ` ORDER BY generated_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rep)
	}
	return res, rows.Err()
}
