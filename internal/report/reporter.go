// Package report generates immutable compliance reports over the audit trail.
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"authmatrix/internal/audit"
	"authmatrix/internal/config"
	"authmatrix/internal/domain"
	"authmatrix/internal/repo"
)

// ReportTypes lists the supported report flavors. All flavors share the same
// payload shape; the type records the intent of the request.
var ReportTypes = []string{"activity", "soc2", "gdpr"}

type Reporter struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger audit.Ledger
	Cfg    config.Config
	Log    zerolog.Logger
	Now    func() time.Time
}

func (r Reporter) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Generate aggregates the audit window [periodStart, periodEnd) into a new
// report record. Reports are immutable: regenerating the same window creates
// a new record rather than touching an old one.
func (r Reporter) Generate(ctx context.Context, actor domain.Actor, tenantID, reportType, periodStart, periodEnd string) (domain.Report, error) {
	reportType = strings.ToLower(reportType)
	if !validType(reportType) {
		return domain.Report{}, domain.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown report type %q", reportType)}
	}
	start, err := time.Parse(time.RFC3339, periodStart)
	if err != nil {
		return domain.Report{}, domain.ValidationError{Field: "period_start", Reason: "must be RFC 3339"}
	}
	end, err := time.Parse(time.RFC3339, periodEnd)
	if err != nil {
		return domain.Report{}, domain.ValidationError{Field: "period_end", Reason: "must be RFC 3339"}
	}
	if !start.Before(end) {
		return domain.Report{}, domain.ValidationError{Field: "period_start", Reason: "must precede period_end"}
	}

	counts, err := r.Repo.WindowActionCounts(ctx, tenantID, periodStart, periodEnd)
	if err != nil {
		return domain.Report{}, err
	}
	topActors, uniqueActors, err := r.Repo.WindowActorCounts(ctx, tenantID, periodStart, periodEnd, r.Cfg.Reports.TopActors)
	if err != nil {
		return domain.Report{}, err
	}

	payload := domain.ReportPayload{
		UniqueActors: uniqueActors,
		FailedLogins: counts[audit.ActionLoginFailed],
		DataChanges: counts[audit.ActionCreate] + counts[audit.ActionUpdate] + counts[audit.ActionDelete],
		DeletedRecords:  counts[audit.ActionDelete],
		RestoredRecords: counts[audit.ActionRestore],
		ActionCounts:    counts,
		TopActors:       topActors,
	}
	for _, n := range counts {
		payload.TotalActions += n
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Report{}, fmt.Errorf("marshal report payload: %w", err)
	}

	rep := domain.Report{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Type:        reportType,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		RequestedBy: actor.ID,
		GeneratedAt: r.now().UTC().Format(time.RFC3339),
		PayloadJSON: string(data),
	}
	if err := r.Repo.InsertReport(ctx, rep); err != nil {
		return domain.Report{}, err
	}
	r.Log.Info().Str("report_id", rep.ID).Str("type", reportType).Int("total_actions", payload.TotalActions).Msg("report generated")
	return rep, nil
}

func (r Reporter) Get(ctx context.Context, id string) (domain.Report, error) {
	rep, err := r.Repo.GetReport(ctx, id)
	if err == repo.ErrNotFound {
		return domain.Report{}, domain.NotFoundError{Kind: "report", ID: id}
	}
	return rep, err
}

func (r Reporter) List(ctx context.Context, f repo.ReportFilters) ([]domain.Report, error) {
	return r.Repo.ListReports(ctx, f)
}

func validType(t string) bool {
	for _, rt := range ReportTypes {
		if rt == t {
			return true
		}
	}
	return false
}
