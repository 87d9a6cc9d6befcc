package policy_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"authmatrix/internal/config"
	"authmatrix/internal/db"
	"authmatrix/internal/domain"
	"authmatrix/internal/engine"
	"authmatrix/internal/migrate"
	"authmatrix/internal/repo"
)

var admin = domain.Actor{ID: "admin"}

func newRegistry(t *testing.T) (engine.Engine, string) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng := engine.New(conn, *config.Default(), zerolog.Nop()).
		WithClock(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) })
	tenant, err := eng.CreateTenant(context.Background(), admin, "acme")
	require.NoError(t, err)
	return eng, tenant.ID
}

func intPtr(n int) *int       { return &n }
func int64Ptr(n int64) *int64 { return &n }

func block(level int, approvers ...string) domain.ApprovalBlock {
	return domain.ApprovalBlock{Level: level, Approvers: approvers}
}

func TestValidateMatrix(t *testing.T) {
	eng, tenantID := newRegistry(t)
	base := domain.ApprovalMatrix{
		TenantID:     tenantID,
		Name:         "contracts",
		DocumentType: "employment-contract",
		Blocks:       []domain.ApprovalBlock{block(1, "hr-lead")},
	}

	cases := []struct {
		name   string
		mutate func(m *domain.ApprovalMatrix)
	}{
		{"missing name", func(m *domain.ApprovalMatrix) { m.Name = "" }},
		{"unknown document type", func(m *domain.ApprovalMatrix) { m.DocumentType = "shopping-list" }},
		{"no blocks", func(m *domain.ApprovalMatrix) { m.Blocks = nil }},
		{"gap in levels", func(m *domain.ApprovalMatrix) {
			m.Blocks = []domain.ApprovalBlock{block(1, "a"), block(3, "b")}
		}},
		{"no approvers", func(m *domain.ApprovalMatrix) {
			m.Blocks = []domain.ApprovalBlock{block(1)}
		}},
		{"duplicate approver", func(m *domain.ApprovalMatrix) {
			m.Blocks = []domain.ApprovalBlock{block(1, "a", "a")}
		}},
		{"quorum with requires_all", func(m *domain.ApprovalMatrix) {
			m.Blocks = []domain.ApprovalBlock{{Level: 1, Approvers: []string{"a", "b"}, RequiresAll: true, MinApprovals: intPtr(2)}}
		}},
		{"quorum above approver count", func(m *domain.ApprovalMatrix) {
			m.Blocks = []domain.ApprovalBlock{{Level: 1, Approvers: []string{"a"}, MinApprovals: intPtr(2)}}
		}},
		{"inverted band", func(m *domain.ApprovalMatrix) {
			m.AmountMin = int64Ptr(100)
			m.AmountMax = int64Ptr(50)
			m.Currency = "EUR"
		}},
		{"band without currency", func(m *domain.ApprovalMatrix) {
			m.AmountMax = int64Ptr(100)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := base
			tc.mutate(&m)
			err := eng.Registry.ValidateMatrix(m)
			require.ErrorAs(t, err, &domain.ValidationError{})
		})
	}

	require.NoError(t, eng.Registry.ValidateMatrix(base))
}

func TestActivationSupersedesOverlappingBand(t *testing.T) {
	eng, tenantID := newRegistry(t)
	ctx := context.Background()

	create := func(name string, min, max *int64) domain.ApprovalMatrix {
		m, err := eng.Registry.CreateMatrix(ctx, admin, domain.ApprovalMatrix{
			TenantID:     tenantID,
			Name:         name,
			DocumentType: "job-offer",
			AmountMin:    min,
			AmountMax:    max,
			Currency:     "EUR",
			Blocks:       []domain.ApprovalBlock{block(1, "hr-lead")},
		})
		require.NoError(t, err)
		m, err = eng.Registry.ActivateMatrix(ctx, admin, m.ID)
		require.NoError(t, err)
		return m
	}

	low := create("low band", int64Ptr(0), int64Ptr(100_000))
	high := create("high band", int64Ptr(100_000), nil)

	// disjoint bands coexist
	got, err := eng.Registry.Get(ctx, low.ID)
	require.NoError(t, err)
	require.Equal(t, "active", got.Status)

	// an overlapping band replaces its predecessor
	wide := create("wide band", int64Ptr(50_000), int64Ptr(200_000))
	for _, old := range []string{low.ID, high.ID} {
		got, err = eng.Registry.Get(ctx, old)
		require.NoError(t, err)
		require.Equal(t, "inactive", got.Status)
	}
	got, err = eng.Registry.Get(ctx, wide.ID)
	require.NoError(t, err)
	require.Equal(t, "active", got.Status)

	// re-activating an active matrix is an error
	_, err = eng.Registry.ActivateMatrix(ctx, admin, wide.ID)
	require.ErrorAs(t, err, &domain.StateError{})
}

func TestActivationSchedulesReviewTask(t *testing.T) {
	eng, tenantID := newRegistry(t)
	ctx := context.Background()

	m, err := eng.Registry.CreateMatrix(ctx, admin, domain.ApprovalMatrix{
		TenantID:     tenantID,
		Name:         "org charts",
		DocumentType: "org-chart",
		Blocks:       []domain.ApprovalBlock{block(1, "ceo")},
	})
	require.NoError(t, err)
	_, err = eng.Registry.ActivateMatrix(ctx, admin, m.ID)
	require.NoError(t, err)

	tasks, err := eng.Projector.List(ctx, repo.TaskFilters{TenantID: tenantID, Kind: "review_reminder"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, admin.ID, tasks[0].Assignee)
	require.NotNil(t, tasks[0].DueAt)
	require.Equal(t, "2025-07-01T12:00:00Z", *tasks[0].DueAt)
}

func TestResolveBands(t *testing.T) {
	eng, tenantID := newRegistry(t)
	ctx := context.Background()

	banded, err := eng.Registry.CreateMatrix(ctx, admin, domain.ApprovalMatrix{
		TenantID:     tenantID,
		Name:         "large offers",
		DocumentType: "job-offer",
		AmountMin:    int64Ptr(100_000),
		AmountMax:    int64Ptr(500_000),
		Currency:     "EUR",
		Blocks:       []domain.ApprovalBlock{block(1, "cfo")},
	})
	require.NoError(t, err)
	banded, err = eng.Registry.ActivateMatrix(ctx, admin, banded.ID)
	require.NoError(t, err)

	// inside the band
	got, err := eng.Registry.Resolve(ctx, tenantID, "job-offer", int64Ptr(250_000))
	require.NoError(t, err)
	require.Equal(t, banded.ID, got.ID)

	// upper bound is exclusive
	_, err = eng.Registry.Resolve(ctx, tenantID, "job-offer", int64Ptr(500_000))
	require.ErrorAs(t, err, &domain.NotFoundError{})

	// a banded matrix never matches an amountless document
	_, err = eng.Registry.Resolve(ctx, tenantID, "job-offer", nil)
	require.ErrorAs(t, err, &domain.NotFoundError{})

	// no matrix at all for this type
	_, err = eng.Registry.Resolve(ctx, tenantID, "org-chart", nil)
	require.ErrorAs(t, err, &domain.NotFoundError{})
}

func TestDeactivateRequiresActive(t *testing.T) {
	eng, tenantID := newRegistry(t)
	ctx := context.Background()

	m, err := eng.Registry.CreateMatrix(ctx, admin, domain.ApprovalMatrix{
		TenantID:     tenantID,
		Name:         "draft only",
		DocumentType: "job-offer",
		Blocks:       []domain.ApprovalBlock{block(1, "hr-lead")},
	})
	require.NoError(t, err)

	_, err = eng.Registry.DeactivateMatrix(ctx, admin, m.ID)
	require.ErrorAs(t, err, &domain.StateError{})

	_, err = eng.Registry.ActivateMatrix(ctx, admin, m.ID)
	require.NoError(t, err)
	got, err := eng.Registry.DeactivateMatrix(ctx, admin, m.ID)
	require.NoError(t, err)
	require.Equal(t, "inactive", got.Status)
}
