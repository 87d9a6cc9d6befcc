package tasks_test

import (
	"context"
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
	"authmatrix/internal/tasks"
)

var manager = domain.Actor{ID: "manager", Email: "manager@acme.test", Role: "manager"}

func newProjector(t *testing.T) tasks.Projector {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}
	clock := func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, r.InsertTenant(context.Background(), domain.Tenant{
		ID:        "t1",
		Name:      "acme",
		Status:    "active",
		CreatedAt: clock().UTC().Format(time.RFC3339),
	}))
	ledger := audit.Ledger{DB: conn, Repo: r, Cfg: *config.Default(), Log: zerolog.Nop(), Now: clock}
	return tasks.Projector{DB: conn, Repo: r, Ledger: ledger, Log: zerolog.Nop(), Now: clock}
}

func TestManualTaskLifecycle(t *testing.T) {
	p := newProjector(t)
	ctx := context.Background()

	created, err := p.CreateManualTask(ctx, manager, domain.Task{
		TenantID: "t1",
		Assignee: "dana",
		Title:    "Collect signed contract",
	})
	require.NoError(t, err)
	require.Equal(t, "manual", created.Kind)
	require.Nil(t, created.WorkflowID)
	require.False(t, created.Completed)

	// the creation is audited
	trail, err := p.Ledger.Trail(ctx, "tasks", created.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	require.Equal(t, audit.ActionCreate, trail[0].Action)

	open, err := p.UserTasks(ctx, "dana", false)
	require.NoError(t, err)
	require.Len(t, open, 1)

	_, err = p.CompleteTask(ctx, manager, created.ID)
	require.ErrorAs(t, err, &domain.AuthorizationError{})

	done, err := p.CompleteTask(ctx, domain.Actor{ID: "dana"}, created.ID)
	require.NoError(t, err)
	require.True(t, done.Completed)
	require.NotNil(t, done.CompletedAt)

	// completing again is a no-op, not an error
	again, err := p.CompleteTask(ctx, domain.Actor{ID: "dana"}, created.ID)
	require.NoError(t, err)
	require.True(t, again.Completed)

	open, err = p.UserTasks(ctx, "dana", false)
	require.NoError(t, err)
	require.Empty(t, open)
	all, err := p.UserTasks(ctx, "dana", true)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestManualTaskValidation(t *testing.T) {
	p := newProjector(t)
	ctx := context.Background()

	_, err := p.CreateManualTask(ctx, manager, domain.Task{TenantID: "t1", Title: "no assignee"})
	require.ErrorAs(t, err, &domain.ValidationError{})
	_, err = p.CreateManualTask(ctx, manager, domain.Task{TenantID: "t1", Assignee: "dana"})
	require.ErrorAs(t, err, &domain.ValidationError{})
	_, err = p.UserTasks(ctx, "", false)
	require.ErrorAs(t, err, &domain.ValidationError{})

	_, err = p.CompleteTask(ctx, manager, "missing")
	require.ErrorAs(t, err, &domain.NotFoundError{})
	_, err = p.Get(ctx, "missing")
	require.ErrorAs(t, err, &domain.NotFoundError{})
}
