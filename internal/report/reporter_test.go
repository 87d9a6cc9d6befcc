package report_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"authmatrix/internal/audit"
	"authmatrix/internal/config"
	"authmatrix/internal/db"
	"authmatrix/internal/domain"
	"authmatrix/internal/migrate"
	"authmatrix/internal/repo"
	"authmatrix/internal/report"
)

var compliance = domain.Actor{ID: "compliance", Email: "compliance@acme.test", Role: "compliance"}

func newReporter(t *testing.T) (report.Reporter, *audit.Ledger) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	clock := func() time.Time { return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC) }
	ledger := audit.Ledger{DB: conn, Repo: repo.Repo{DB: conn}, Cfg: *config.Default(), Log: zerolog.Nop(), Now: clock}
	r := report.Reporter{DB: conn, Repo: repo.Repo{DB: conn}, Ledger: ledger, Cfg: *config.Default(), Log: zerolog.Nop(), Now: clock}
	return r, &ledger
}

func seed(t *testing.T, l *audit.Ledger, actor domain.Actor, tenantID, action string, ts time.Time) {
	t.Helper()
	l.Now = func() time.Time { return ts }
	require.NoError(t, l.Record(context.Background(), actor, audit.Entry{
		Action:      action,
		TargetTable: "documents",
		TargetID:    "doc-1",
		TenantID:    tenantID,
	}))
}

func TestGenerateActivityReport(t *testing.T) {
	r, l := newReporter(t)
	ctx := context.Background()

	alice := domain.Actor{ID: "alice"}
	bob := domain.Actor{ID: "bob"}
	in := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		seed(t, l, alice, "t1", audit.ActionCreate, in.Add(time.Duration(i)*time.Minute))
	}
	seed(t, l, alice, "t1", audit.ActionUpdate, in)
	seed(t, l, bob, "t1", audit.ActionDelete, in)
	seed(t, l, bob, "t1", audit.ActionRestore, in)
	seed(t, l, bob, "t1", audit.ActionLoginFailed, in)
	seed(t, l, bob, "t1", audit.ActionApprove, in)
	// outside the window and outside the tenant
	seed(t, l, alice, "t1", audit.ActionCreate, time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC))
	seed(t, l, alice, "t2", audit.ActionCreate, in)

	rep, err := r.Generate(ctx, compliance, "t1", "activity", "2025-06-01T00:00:00Z", "2025-07-01T00:00:00Z")
	require.NoError(t, err)
	require.Equal(t, compliance.ID, rep.RequestedBy)
	require.Equal(t, "2025-06-15T12:00:00Z", rep.GeneratedAt)

	var payload domain.ReportPayload
	require.NoError(t, json.Unmarshal([]byte(rep.PayloadJSON), &payload))
	require.Equal(t, 8, payload.TotalActions)
	require.Equal(t, 2, payload.UniqueActors)
	require.Equal(t, 1, payload.FailedLogins)
	require.Equal(t, 5, payload.DataChanges)
	require.Equal(t, 1, payload.DeletedRecords)
	require.Equal(t, 1, payload.RestoredRecords)
	require.Equal(t, 3, payload.ActionCounts[audit.ActionCreate])
	require.Equal(t, 1, payload.ActionCounts[audit.ActionApprove])
	require.Len(t, payload.TopActors, 2)
	require.Equal(t, "alice", payload.TopActors[0].ActorID)
	require.Equal(t, 4, payload.TopActors[0].Actions)
	require.Equal(t, "bob", payload.TopActors[1].ActorID)
	require.Equal(t, 4, payload.TopActors[1].Actions)
}

func TestReportTypeCaseInsensitive(t *testing.T) {
	r, _ := newReporter(t)

	rep, err := r.Generate(context.Background(), compliance, "t1", "SOC2", "2025-06-01T00:00:00Z", "2025-07-01T00:00:00Z")
	require.NoError(t, err)
	require.Equal(t, "soc2", rep.Type)

	reports, err := r.List(context.Background(), repo.ReportFilters{Type: "soc2"})
	require.NoError(t, err)
	require.Len(t, reports, 1)
}

func TestGenerateValidation(t *testing.T) {
	r, _ := newReporter(t)
	ctx := context.Background()

	_, err := r.Generate(ctx, compliance, "t1", "quarterly", "2025-06-01T00:00:00Z", "2025-07-01T00:00:00Z")
	require.ErrorAs(t, err, &domain.ValidationError{})
	_, err = r.Generate(ctx, compliance, "t1", "activity", "june 1st", "2025-07-01T00:00:00Z")
	require.ErrorAs(t, err, &domain.ValidationError{})
	_, err = r.Generate(ctx, compliance, "t1", "activity", "2025-06-01T00:00:00Z", "not a date")
	require.ErrorAs(t, err, &domain.ValidationError{})
	_, err = r.Generate(ctx, compliance, "t1", "activity", "2025-07-01T00:00:00Z", "2025-06-01T00:00:00Z")
	require.ErrorAs(t, err, &domain.ValidationError{})
	_, err = r.Generate(ctx, compliance, "t1", "activity", "2025-06-01T00:00:00Z", "2025-06-01T00:00:00Z")
	require.ErrorAs(t, err, &domain.ValidationError{})
}

func TestReportsAreImmutable(t *testing.T) {
	r, l := newReporter(t)
	ctx := context.Background()

	seed(t, l, domain.Actor{ID: "alice"}, "t1", audit.ActionCreate, time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC))

	first, err := r.Generate(ctx, compliance, "t1", "soc2", "2025-06-01T00:00:00Z", "2025-07-01T00:00:00Z")
	require.NoError(t, err)
	seed(t, l, domain.Actor{ID: "alice"}, "t1", audit.ActionUpdate, time.Date(2025, 6, 11, 9, 0, 0, 0, time.UTC))
	second, err := r.Generate(ctx, compliance, "t1", "soc2", "2025-06-01T00:00:00Z", "2025-07-01T00:00:00Z")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	// the first report still reflects the trail as it was
	got, err := r.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, first.PayloadJSON, got.PayloadJSON)

	var p1, p2 domain.ReportPayload
	require.NoError(t, json.Unmarshal([]byte(got.PayloadJSON), &p1))
	require.NoError(t, json.Unmarshal([]byte(second.PayloadJSON), &p2))
	require.Equal(t, 1, p1.TotalActions)
	require.Equal(t, 2, p2.TotalActions)

	reports, err := r.List(ctx, repo.ReportFilters{TenantID: "t1", Type: "soc2"})
	require.NoError(t, err)
	require.Len(t, reports, 2)

	_, err = r.Get(ctx, "missing")
	require.ErrorAs(t, err, &domain.NotFoundError{})
}

func TestEmptyWindowReport(t *testing.T) {
	r, _ := newReporter(t)

	rep, err := r.Generate(context.Background(), compliance, "t1", "gdpr", "2024-01-01T00:00:00Z", "2024-02-01T00:00:00Z")
	require.NoError(t, err)

	var payload domain.ReportPayload
	require.NoError(t, json.Unmarshal([]byte(rep.PayloadJSON), &payload))
	require.Zero(t, payload.TotalActions)
	require.Zero(t, payload.UniqueActors)
	require.Empty(t, payload.TopActors)
}
