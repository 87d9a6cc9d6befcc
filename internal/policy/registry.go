// Package policy manages tenant approval matrices: validation, lifecycle and
// resolution of the single matrix governing a given submission.
package policy

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"authmatrix/internal/audit"
	"authmatrix/internal/config"
	"authmatrix/internal/domain"
	"authmatrix/internal/repo"
)

type Registry struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger audit.Ledger
	Cfg    config.Config
	Log    zerolog.Logger
	Now    func() time.Time
}

func (g Registry) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g Registry) nowRFC() string { return g.now().UTC().Format(time.RFC3339) }

// ValidateMatrix checks structural rules before a matrix is stored: at least
// one block, levels contiguous from 1, every block with approvers, quorum
// within bounds and a well-formed amount band.
func (g Registry) ValidateMatrix(m domain.ApprovalMatrix) error {
	if m.TenantID == "" {
		return domain.ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if m.Name == "" {
		return domain.ValidationError{Field: "name", Reason: "required"}
	}
	if !g.Cfg.DocumentTypeAllowed(m.DocumentType) {
		return domain.ValidationError{Field: "document_type", Reason: fmt.Sprintf("unknown document type %q", m.DocumentType)}
	}
	if len(m.Blocks) == 0 {
		return domain.ValidationError{Field: "blocks", Reason: "at least one approval block required"}
	}
	for i, b := range m.Blocks {
		if b.Level != i+1 {
			return domain.ValidationError{Field: "blocks", Reason: fmt.Sprintf("levels must be contiguous from 1, got %d at position %d", b.Level, i)}
		}
		if len(b.Approvers) == 0 {
			return domain.ValidationError{Field: "blocks", Reason: fmt.Sprintf("level %d has no approvers", b.Level)}
		}
		seen := map[string]bool{}
		for _, a := range b.Approvers {
			if a == "" {
				return domain.ValidationError{Field: "blocks", Reason: fmt.Sprintf("level %d has an empty approver", b.Level)}
			}
			if seen[a] {
				return domain.ValidationError{Field: "blocks", Reason: fmt.Sprintf("level %d lists approver %s twice", b.Level, a)}
			}
			seen[a] = true
		}
		if b.MinApprovals != nil {
			if b.RequiresAll {
				return domain.ValidationError{Field: "blocks", Reason: fmt.Sprintf("level %d sets both requires_all and min_approvals", b.Level)}
			}
			if *b.MinApprovals < 1 || *b.MinApprovals > len(b.Approvers) {
				return domain.ValidationError{Field: "blocks", Reason: fmt.Sprintf("level %d min_approvals %d out of range 1..%d", b.Level, *b.MinApprovals, len(b.Approvers))}
			}
		}
	}
	if m.AmountMin != nil && m.AmountMax != nil && *m.AmountMin >= *m.AmountMax {
		return domain.ValidationError{Field: "amount_min", Reason: "amount_min must be below amount_max"}
	}
	if (m.AmountMin != nil || m.AmountMax != nil) && m.Currency == "" {
		return domain.ValidationError{Field: "currency", Reason: "required when an amount band is set"}
	}
	return nil
}

// CreateMatrix stores a new matrix in draft status.
func (g Registry) CreateMatrix(ctx context.Context, actor domain.Actor, m domain.ApprovalMatrix) (domain.ApprovalMatrix, error) {
	if err := g.ValidateMatrix(m); err != nil {
		return domain.ApprovalMatrix{}, err
	}
	m.ID = uuid.NewString()
	m.Status = "draft"
	m.CreatedBy = actor.ID
	m.CreatedAt = g.nowRFC()
	m.UpdatedAt = m.CreatedAt

	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalMatrix{}, err
	}
	defer tx.Rollback()
	if err := g.Repo.InsertMatrix(ctx, tx, m); err != nil {
		return domain.ApprovalMatrix{}, err
	}
	err = g.Ledger.RecordTx(ctx, tx, actor, audit.Entry{
		Action:      audit.ActionCreate,
		TargetTable: "approval_matrices",
		TargetID:    m.ID,
		TenantID:    m.TenantID,
		NewValues:   m,
	})
	if err != nil {
		return domain.ApprovalMatrix{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalMatrix{}, err
	}
	return m, nil
}

// ActivateMatrix makes a matrix the live policy for its band. Any active
// matrix with an overlapping band is deactivated in the same transaction, and
// a review reminder task is scheduled for the activating actor.
func (g Registry) ActivateMatrix(ctx context.Context, actor domain.Actor, id string) (domain.ApprovalMatrix, error) {
	m, err := g.Repo.GetMatrix(ctx, id)
	if err == repo.ErrNotFound {
		return domain.ApprovalMatrix{}, domain.NotFoundError{Kind: "approval matrix", ID: id}
	}
	if err != nil {
		return domain.ApprovalMatrix{}, err
	}
	if m.Status == "active" {
		return domain.ApprovalMatrix{}, domain.StateError{Current: m.Status, Attempted: "activate"}
	}
	active, err := g.Repo.ActiveMatrices(ctx, m.TenantID, m.DocumentType)
	if err != nil {
		return domain.ApprovalMatrix{}, err
	}

	now := g.nowRFC()
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalMatrix{}, err
	}
	defer tx.Rollback()
	for _, prev := range active {
		if !bandsOverlap(m, prev) {
			continue
		}
		if err := g.Repo.SetMatrixStatusTx(ctx, tx, prev.ID, "inactive", now); err != nil {
			return domain.ApprovalMatrix{}, err
		}
		err = g.Ledger.RecordTx(ctx, tx, actor, audit.Entry{
			Action:      audit.ActionDeactivate,
			TargetTable: "approval_matrices",
			TargetID:    prev.ID,
			TenantID:    prev.TenantID,
			Note:        fmt.Sprintf("superseded by %s", m.ID),
		})
		if err != nil {
			return domain.ApprovalMatrix{}, err
		}
		g.Log.Info().Str("matrix_id", prev.ID).Str("superseded_by", m.ID).Msg("matrix superseded")
	}
	if err := g.Repo.SetMatrixStatusTx(ctx, tx, m.ID, "active", now); err != nil {
		return domain.ApprovalMatrix{}, err
	}
	err = g.Ledger.RecordTx(ctx, tx, actor, audit.Entry{
		Action:      audit.ActionActivate,
		TargetTable: "approval_matrices",
		TargetID:    m.ID,
		TenantID:    m.TenantID,
	})
	if err != nil {
		return domain.ApprovalMatrix{}, err
	}
	if horizon := g.Cfg.Tasks.ReviewHorizonDays; horizon > 0 {
		dueAt := g.now().UTC().AddDate(0, 0, horizon).Format(time.RFC3339)
		task := domain.Task{
			ID:          uuid.NewString(),
			TenantID:    m.TenantID,
			Assignee:    actor.ID,
			Kind:        "review_reminder",
			Title:       fmt.Sprintf("Review approval matrix %q", m.Name),
			Description: fmt.Sprintf("Periodic review of the %s approval matrix.", m.DocumentType),
			EntityType:  "approval_matrices",
			EntityID:    m.ID,
			DueAt:       &dueAt,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := g.Repo.InsertTaskTx(ctx, tx, task); err != nil {
			return domain.ApprovalMatrix{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalMatrix{}, err
	}
	m.Status = "active"
	m.UpdatedAt = now
	return m, nil
}

// DeactivateMatrix retires an active matrix without a successor. Submissions
// in its band start failing resolution until another matrix is activated.
func (g Registry) DeactivateMatrix(ctx context.Context, actor domain.Actor, id string) (domain.ApprovalMatrix, error) {
	m, err := g.Repo.GetMatrix(ctx, id)
	if err == repo.ErrNotFound {
		return domain.ApprovalMatrix{}, domain.NotFoundError{Kind: "approval matrix", ID: id}
	}
	if err != nil {
		return domain.ApprovalMatrix{}, err
	}
	if m.Status != "active" {
		return domain.ApprovalMatrix{}, domain.StateError{Current: m.Status, Attempted: "deactivate"}
	}
	now := g.nowRFC()
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalMatrix{}, err
	}
	defer tx.Rollback()
	if err := g.Repo.SetMatrixStatusTx(ctx, tx, m.ID, "inactive", now); err != nil {
		return domain.ApprovalMatrix{}, err
	}
	err = g.Ledger.RecordTx(ctx, tx, actor, audit.Entry{
		Action:      audit.ActionDeactivate,
		TargetTable: "approval_matrices",
		TargetID:    m.ID,
		TenantID:    m.TenantID,
	})
	if err != nil {
		return domain.ApprovalMatrix{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalMatrix{}, err
	}
	m.Status = "inactive"
	m.UpdatedAt = now
	return m, nil
}

// Resolve picks the single active matrix governing a submission. A banded
// matrix only matches when the document carries an amount inside
// [amount_min, amount_max); an unbanded matrix matches anything. Zero matches
// is a NotFoundError, more than one is a ConflictError.
func (g Registry) Resolve(ctx context.Context, tenantID, documentType string, amount *int64) (domain.ApprovalMatrix, error) {
	active, err := g.Repo.ActiveMatrices(ctx, tenantID, documentType)
	if err != nil {
		return domain.ApprovalMatrix{}, err
	}
	var matched []domain.ApprovalMatrix
	for _, m := range active {
		if matrixMatches(m, amount) {
			matched = append(matched, m)
		}
	}
	switch len(matched) {
	case 0:
		return domain.ApprovalMatrix{}, domain.NotFoundError{Kind: "approval matrix for " + documentType}
	case 1:
		return matched[0], nil
	default:
		return domain.ApprovalMatrix{}, domain.ConflictError{Reason: fmt.Sprintf("%d active matrices match %s submission", len(matched), documentType)}
	}
}

func (g Registry) Get(ctx context.Context, id string) (domain.ApprovalMatrix, error) {
	m, err := g.Repo.GetMatrix(ctx, id)
	if err == repo.ErrNotFound {
		return domain.ApprovalMatrix{}, domain.NotFoundError{Kind: "approval matrix", ID: id}
	}
	return m, err
}

func (g Registry) List(ctx context.Context, f repo.MatrixFilters) ([]domain.ApprovalMatrix, error) {
	return g.Repo.ListMatrices(ctx, f)
}

func matrixMatches(m domain.ApprovalMatrix, amount *int64) bool {
	if m.AmountMin == nil && m.AmountMax == nil {
		return true
	}
	if amount == nil {
		return false
	}
	if m.AmountMin != nil && *amount < *m.AmountMin {
		return false
	}
	if m.AmountMax != nil && *amount >= *m.AmountMax {
		return false
	}
	return true
}

// bandsOverlap treats nil bounds as open intervals.
func bandsOverlap(a, b domain.ApprovalMatrix) bool {
	aBelowB := a.AmountMax != nil && b.AmountMin != nil && *a.AmountMax <= *b.AmountMin
	bBelowA := b.AmountMax != nil && a.AmountMin != nil && *b.AmountMax <= *a.AmountMin
	return !aBelowB && !bBelowA
}
