package engine_test

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

type testEnv struct {
	Engine   engine.Engine
	Ctx      context.Context
	TenantID string
}

var (
	admin = domain.Actor{ID: "admin"}
	alice = domain.Actor{ID: "alice"}
	bob   = domain.Actor{ID: "bob"}
	carol = domain.Actor{ID: "carol"}
	cfo   = domain.Actor{ID: "cfo"}
)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng := engine.New(conn, *config.Default(), zerolog.Nop()).
		WithClock(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) })
	ctx := context.Background()
	tenant, err := eng.CreateTenant(ctx, admin, "acme")
	require.NoError(t, err)
	return testEnv{Engine: eng, Ctx: ctx, TenantID: tenant.ID}
}

func intPtr(n int) *int       { return &n }
func int64Ptr(n int64) *int64 { return &n }

// activeMatrix creates and activates a matrix for job-offer documents with a
// 2-of-3 first level and a single-approver second level.
func activeMatrix(t *testing.T, env testEnv) domain.ApprovalMatrix {
	t.Helper()
	m, err := env.Engine.Registry.CreateMatrix(env.Ctx, admin, domain.ApprovalMatrix{
		TenantID:     env.TenantID,
		Name:         "job offer signoff",
		DocumentType: "job-offer",
		Blocks: []domain.ApprovalBlock{
			{Level: 1, Approvers: []string{alice.ID, bob.ID, carol.ID}, MinApprovals: intPtr(2)},
			{Level: 2, Approvers: []string{cfo.ID}, RequiresAll: true},
		},
	})
	require.NoError(t, err)
	m, err = env.Engine.Registry.ActivateMatrix(env.Ctx, admin, m.ID)
	require.NoError(t, err)
	return m
}

func draftOffer(t *testing.T, env testEnv, title string) domain.Document {
	t.Helper()
	d, err := env.Engine.CreateDocument(env.Ctx, admin, domain.Document{
		TenantID: env.TenantID,
		Type:     "job-offer",
		Title:    title,
		Amount:   int64Ptr(90_000_00),
		Currency: "EUR",
	})
	require.NoError(t, err)
	return d
}

func TestQuorumAdvanceAndApprove(t *testing.T) {
	env := newTestEnv(t)
	activeMatrix(t, env)
	doc := draftOffer(t, env, "Offer: staff engineer")

	wf, err := env.Engine.SubmitForApproval(env.Ctx, admin, doc.ID)
	require.NoError(t, err)
	require.Equal(t, "pending", wf.Status)
	require.Equal(t, 1, wf.CurrentBlock)

	got, err := env.Engine.GetDocument(env.Ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, "pending_approval", got.State)

	// one of two quorum votes: still at level 1
	wf, err = env.Engine.Decide(env.Ctx, alice, wf.ID, "approved", "lgtm")
	require.NoError(t, err)
	require.Equal(t, "pending", wf.Status)
	require.Equal(t, 1, wf.CurrentBlock)

	// quorum met: advances to level 2
	wf, err = env.Engine.Decide(env.Ctx, bob, wf.ID, "approved", "")
	require.NoError(t, err)
	require.Equal(t, "pending", wf.Status)
	require.Equal(t, 2, wf.CurrentBlock)

	wf, err = env.Engine.Decide(env.Ctx, cfo, wf.ID, "approved", "budget ok")
	require.NoError(t, err)
	require.Equal(t, "approved", wf.Status)
	require.NotNil(t, wf.CompletedAt)

	got, err = env.Engine.GetDocument(env.Ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, "approved", got.State)
}

func TestApprovalRevokesSibling(t *testing.T) {
	env := newTestEnv(t)
	activeMatrix(t, env)

	approve := func(doc domain.Document) {
		wf, err := env.Engine.SubmitForApproval(env.Ctx, admin, doc.ID)
		require.NoError(t, err)
		for _, a := range []domain.Actor{alice, bob, cfo} {
			wf, err = env.Engine.Decide(env.Ctx, a, wf.ID, "approved", "")
			require.NoError(t, err)
		}
		require.Equal(t, "approved", wf.Status)
	}

	first := draftOffer(t, env, "Offer v1")
	approve(first)
	second := draftOffer(t, env, "Offer v2")
	approve(second)

	got, err := env.Engine.GetDocument(env.Ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, "revoked", got.State)

	got, err = env.Engine.GetDocument(env.Ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, "approved", got.State)

	// the revocation is visible in the superseded document's trail
	trail, err := env.Engine.Ledger.Trail(env.Ctx, "documents", first.ID)
	require.NoError(t, err)
	var revoked bool
	for _, e := range trail {
		if e.Action == "REVOKE" {
			revoked = true
		}
	}
	require.True(t, revoked, "expected a REVOKE entry for the superseded document")
}

func TestRejectDeclinesWorkflow(t *testing.T) {
	env := newTestEnv(t)
	activeMatrix(t, env)
	doc := draftOffer(t, env, "Offer to reject")

	wf, err := env.Engine.SubmitForApproval(env.Ctx, admin, doc.ID)
	require.NoError(t, err)

	wf, err = env.Engine.Decide(env.Ctx, carol, wf.ID, "rejected", "salary band exceeded")
	require.NoError(t, err)
	require.Equal(t, "declined", wf.Status)

	got, err := env.Engine.GetDocument(env.Ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, "draft", got.State)

	// a declined document can be revised and resubmitted
	_, err = env.Engine.SubmitForApproval(env.Ctx, admin, doc.ID)
	require.NoError(t, err)
}

func TestDecideIdempotent(t *testing.T) {
	env := newTestEnv(t)
	activeMatrix(t, env)
	doc := draftOffer(t, env, "Offer twice")

	wf, err := env.Engine.SubmitForApproval(env.Ctx, admin, doc.ID)
	require.NoError(t, err)

	first, err := env.Engine.Decide(env.Ctx, alice, wf.ID, "approved", "")
	require.NoError(t, err)
	second, err := env.Engine.Decide(env.Ctx, alice, wf.ID, "approved", "")
	require.NoError(t, err)
	require.Equal(t, first.Status, second.Status)
	require.Len(t, second.Decisions, 1)
}

func TestApproverVotesOncePerBlock(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.Registry.CreateMatrix(env.Ctx, admin, domain.ApprovalMatrix{
		TenantID:     env.TenantID,
		Name:         "double duty",
		DocumentType: "job-offer",
		Blocks: []domain.ApprovalBlock{
			{Level: 1, Approvers: []string{alice.ID}, RequiresAll: true},
			{Level: 2, Approvers: []string{alice.ID, cfo.ID}, MinApprovals: intPtr(1)},
		},
	})
	require.NoError(t, err)
	_, err = env.Engine.Registry.ActivateMatrix(env.Ctx, admin, m.ID)
	require.NoError(t, err)
	doc := draftOffer(t, env, "Offer signed twice")

	wf, err := env.Engine.SubmitForApproval(env.Ctx, admin, doc.ID)
	require.NoError(t, err)

	wf, err = env.Engine.Decide(env.Ctx, alice, wf.ID, "approved", "")
	require.NoError(t, err)
	require.Equal(t, 2, wf.CurrentBlock)

	// alice sits in both blocks; her level-1 vote must not absorb this one
	wf, err = env.Engine.Decide(env.Ctx, alice, wf.ID, "approved", "")
	require.NoError(t, err)
	require.Equal(t, "approved", wf.Status)
	require.Len(t, wf.Decisions, 2)
}

func TestConflictingRepeatDecision(t *testing.T) {
	env := newTestEnv(t)
	activeMatrix(t, env)
	doc := draftOffer(t, env, "Offer contested")

	wf, err := env.Engine.SubmitForApproval(env.Ctx, admin, doc.ID)
	require.NoError(t, err)

	_, err = env.Engine.Decide(env.Ctx, alice, wf.ID, "approved", "")
	require.NoError(t, err)
	_, err = env.Engine.Decide(env.Ctx, alice, wf.ID, "rejected", "changed my mind")
	require.ErrorAs(t, err, &domain.ConflictError{})

	// the workflow is untouched by the rejected repeat
	got, err := env.Engine.GetWorkflow(env.Ctx, wf.ID)
	require.NoError(t, err)
	require.Equal(t, "pending", got.Status)
	require.Len(t, got.Decisions, 1)
}

func TestDecideAuthorization(t *testing.T) {
	env := newTestEnv(t)
	activeMatrix(t, env)
	doc := draftOffer(t, env, "Offer guarded")

	wf, err := env.Engine.SubmitForApproval(env.Ctx, admin, doc.ID)
	require.NoError(t, err)

	// cfo sits at level 2, not level 1
	_, err = env.Engine.Decide(env.Ctx, cfo, wf.ID, "approved", "")
	require.ErrorAs(t, err, &domain.AuthorizationError{})

	_, err = env.Engine.Decide(env.Ctx, alice, wf.ID, "maybe", "")
	require.ErrorAs(t, err, &domain.ValidationError{})
}

func TestDuplicateSubmissionConflict(t *testing.T) {
	env := newTestEnv(t)
	activeMatrix(t, env)
	doc := draftOffer(t, env, "Offer once")

	_, err := env.Engine.SubmitForApproval(env.Ctx, admin, doc.ID)
	require.NoError(t, err)
	_, err = env.Engine.SubmitForApproval(env.Ctx, admin, doc.ID)
	require.ErrorAs(t, err, &domain.StateError{})
}

func TestSubmitWithoutMatrix(t *testing.T) {
	env := newTestEnv(t)
	doc := draftOffer(t, env, "Offer unmatched")
	_, err := env.Engine.SubmitForApproval(env.Ctx, admin, doc.ID)
	require.ErrorAs(t, err, &domain.NotFoundError{})
}

func TestCancelRules(t *testing.T) {
	env := newTestEnv(t)
	activeMatrix(t, env)
	doc := draftOffer(t, env, "Offer to cancel")

	wf, err := env.Engine.SubmitForApproval(env.Ctx, admin, doc.ID)
	require.NoError(t, err)

	_, err = env.Engine.Cancel(env.Ctx, alice, wf.ID, "not mine")
	require.ErrorAs(t, err, &domain.AuthorizationError{})

	wf, err = env.Engine.Cancel(env.Ctx, admin, wf.ID, "changed plans")
	require.NoError(t, err)
	require.Equal(t, "cancelled", wf.Status)

	got, err := env.Engine.GetDocument(env.Ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, "draft", got.State)

	_, err = env.Engine.Cancel(env.Ctx, admin, wf.ID, "again")
	require.ErrorAs(t, err, &domain.StateError{})
}

func TestUpdateOnlyInDraft(t *testing.T) {
	env := newTestEnv(t)
	activeMatrix(t, env)
	doc := draftOffer(t, env, "Offer to edit")

	updated, err := env.Engine.UpdateDocument(env.Ctx, admin, doc.ID, domain.Document{
		Title:    "Offer to edit (rev 2)",
		Amount:   int64Ptr(95_000_00),
		Currency: "EUR",
	})
	require.NoError(t, err)
	require.Equal(t, "Offer to edit (rev 2)", updated.Title)

	_, err = env.Engine.SubmitForApproval(env.Ctx, admin, doc.ID)
	require.NoError(t, err)
	_, err = env.Engine.UpdateDocument(env.Ctx, admin, doc.ID, domain.Document{Title: "nope"})
	require.ErrorAs(t, err, &domain.StateError{})
}

func TestSoftDeleteRestoreRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	doc := draftOffer(t, env, "Offer to shred")

	require.NoError(t, env.Engine.DeleteDocument(env.Ctx, admin, doc.ID))
	_, err := env.Engine.GetDocument(env.Ctx, doc.ID)
	require.ErrorAs(t, err, &domain.NotFoundError{})

	restored, err := env.Engine.RestoreDocument(env.Ctx, admin, doc.ID)
	require.NoError(t, err)
	require.Equal(t, doc.ID, restored.ID)
	require.Equal(t, doc.Title, restored.Title)
	require.Equal(t, "draft", restored.State)

	// double restore has nothing left to restore
	_, err = env.Engine.RestoreDocument(env.Ctx, admin, doc.ID)
	require.ErrorAs(t, err, &domain.NotFoundError{})

	// a second delete replaces the snapshot and is restorable again
	require.NoError(t, env.Engine.DeleteDocument(env.Ctx, admin, doc.ID))
	restored, err = env.Engine.RestoreDocument(env.Ctx, admin, doc.ID)
	require.NoError(t, err)
	require.Equal(t, doc.ID, restored.ID)
}

func TestDeletePendingDocumentBlocked(t *testing.T) {
	env := newTestEnv(t)
	activeMatrix(t, env)
	doc := draftOffer(t, env, "Offer under review")

	_, err := env.Engine.SubmitForApproval(env.Ctx, admin, doc.ID)
	require.NoError(t, err)
	err = env.Engine.DeleteDocument(env.Ctx, admin, doc.ID)
	require.ErrorAs(t, err, &domain.StateError{})
}

func TestWorkflowProjectsTasks(t *testing.T) {
	env := newTestEnv(t)
	activeMatrix(t, env)
	doc := draftOffer(t, env, "Offer with tasks")

	wf, err := env.Engine.SubmitForApproval(env.Ctx, admin, doc.ID)
	require.NoError(t, err)

	pending, err := env.Engine.Projector.UserTasks(env.Ctx, alice.ID, false)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "approval_pending", pending[0].Kind)

	for _, a := range []domain.Actor{alice, bob, cfo} {
		wf, err = env.Engine.Decide(env.Ctx, a, wf.ID, "approved", "")
		require.NoError(t, err)
	}

	// approver tasks are closed, the initiator gets a response task
	pending, err = env.Engine.Projector.UserTasks(env.Ctx, alice.ID, false)
	require.NoError(t, err)
	require.Empty(t, pending)

	// admin holds the response task plus the matrix activation's review reminder
	mine, err := env.Engine.Projector.UserTasks(env.Ctx, admin.ID, false)
	require.NoError(t, err)
	kinds := make([]string, 0, len(mine))
	for _, task := range mine {
		kinds = append(kinds, task.Kind)
	}
	require.ElementsMatch(t, []string{"approval_response", "review_reminder"}, kinds)

	all, err := env.Engine.Projector.List(env.Ctx, repo.TaskFilters{WorkflowID: wf.ID, IncludeCompleted: true})
	require.NoError(t, err)
	require.NotEmpty(t, all)
}
