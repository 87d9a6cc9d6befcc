// Package engine drives documents through their approval lifecycle. Every
// transition commits in one transaction together with its audit entry and the
// task projection, so observers never see partial state.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"authmatrix/internal/audit"
	"authmatrix/internal/config"
	"authmatrix/internal/domain"
	"authmatrix/internal/policy"
	"authmatrix/internal/repo"
	"authmatrix/internal/tasks"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Ledger    audit.Ledger
	Registry  policy.Registry
	Projector tasks.Projector
	Cfg       config.Config
	Log       zerolog.Logger
	Now       func() time.Time
}

func New(db *sql.DB, cfg config.Config, log zerolog.Logger) Engine {
	r := repo.Repo{DB: db}
	ledger := audit.Ledger{DB: db, Repo: r, Cfg: cfg, Log: log}
	return Engine{
		DB:        db,
		Repo:      r,
		Ledger:    ledger,
		Registry:  policy.Registry{DB: db, Repo: r, Ledger: ledger, Cfg: cfg, Log: log},
		Projector: tasks.Projector{DB: db, Repo: r, Ledger: ledger, Log: log},
		Cfg:       cfg,
		Log:       log,
		Now:       time.Now,
	}
}

// WithClock replaces the time source on the engine and every sub-component,
// keeping all of them on one clock.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Ledger.Now = now
	e.Registry.Now = now
	e.Registry.Ledger.Now = now
	e.Projector.Now = now
	e.Projector.Ledger.Now = now
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC() string { return e.now().UTC().Format(time.RFC3339) }

// --- tenants ---

func (e Engine) CreateTenant(ctx context.Context, actor domain.Actor, name string) (domain.Tenant, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Tenant{}, domain.ValidationError{Field: "name", Reason: "required"}
	}
	t := domain.Tenant{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    "active",
		CreatedAt: e.nowRFC(),
	}
	if err := e.Repo.InsertTenant(ctx, t); err != nil {
		return domain.Tenant{}, err
	}
	err := e.Ledger.Record(ctx, actor, audit.Entry{
		Action:      audit.ActionCreate,
		TargetTable: "tenants",
		TargetID:    t.ID,
		TenantID:    t.ID,
		NewValues:   t,
	})
	if err != nil {
		return domain.Tenant{}, err
	}
	return t, nil
}

func (e Engine) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	t, err := e.Repo.GetTenant(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Tenant{}, domain.NotFoundError{Kind: "tenant", ID: id}
	}
	return t, err
}

func (e Engine) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	return e.Repo.ListTenants(ctx)
}

// --- documents ---

func (e Engine) validateDocument(ctx context.Context, d domain.Document) error {
	if d.TenantID == "" {
		return domain.ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if _, err := e.GetTenant(ctx, d.TenantID); err != nil {
		return err
	}
	if !e.Cfg.DocumentTypeAllowed(d.Type) {
		return domain.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown document type %q", d.Type)}
	}
	if strings.TrimSpace(d.Title) == "" {
		return domain.ValidationError{Field: "title", Reason: "required"}
	}
	if d.Amount != nil && *d.Amount < 0 {
		return domain.ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	if d.Amount != nil && d.Currency == "" {
		return domain.ValidationError{Field: "currency", Reason: "required when amount is set"}
	}
	return nil
}

// CreateDocument stores a new document in draft state.
func (e Engine) CreateDocument(ctx context.Context, actor domain.Actor, d domain.Document) (domain.Document, error) {
	if err := e.validateDocument(ctx, d); err != nil {
		return domain.Document{}, err
	}
	d.ID = uuid.NewString()
	d.State = "draft"
	d.CreatedBy = actor.ID
	d.CreatedAt = e.nowRFC()
	d.UpdatedAt = d.CreatedAt

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Document{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDocument(ctx, tx, d); err != nil {
		return domain.Document{}, err
	}
	err = e.Ledger.RecordTx(ctx, tx, actor, audit.Entry{
		Action:      audit.ActionCreate,
		TargetTable: "documents",
		TargetID:    d.ID,
		TenantID:    d.TenantID,
		NewValues:   d,
	})
	if err != nil {
		return domain.Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Document{}, err
	}
	return d, nil
}

func (e Engine) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	d, err := e.Repo.GetDocument(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Document{}, domain.NotFoundError{Kind: "document", ID: id}
	}
	return d, err
}

func (e Engine) ListDocuments(ctx context.Context, f repo.DocumentFilters) ([]domain.Document, error) {
	return e.Repo.ListDocuments(ctx, f)
}

// UpdateDocument replaces the editable fields of a draft. Documents in any
// other state must first return to draft.
func (e Engine) UpdateDocument(ctx context.Context, actor domain.Actor, id string, update domain.Document) (domain.Document, error) {
	prev, err := e.GetDocument(ctx, id)
	if err != nil {
		return domain.Document{}, err
	}
	if prev.State != "draft" {
		return domain.Document{}, domain.StateError{Current: prev.State, Attempted: "update"}
	}
	next := prev
	next.Title = update.Title
	next.Amount = update.Amount
	next.Currency = update.Currency
	next.PayloadJSON = update.PayloadJSON
	next.UpdatedAt = e.nowRFC()
	if err := e.validateDocument(ctx, next); err != nil {
		return domain.Document{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Document{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateDocument(ctx, tx, next); err != nil {
		return domain.Document{}, err
	}
	err = e.Ledger.RecordTx(ctx, tx, actor, audit.Entry{
		Action:      audit.ActionUpdate,
		TargetTable: "documents",
		TargetID:    next.ID,
		TenantID:    next.TenantID,
		OldValues:   prev,
		NewValues:   next,
	})
	if err != nil {
		return domain.Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Document{}, err
	}
	return next, nil
}

// DeleteDocument soft-deletes: the row is snapshotted into the recycle store
// and removed from the live table. Documents under a pending workflow cannot
// be deleted; cancel the workflow first.
func (e Engine) DeleteDocument(ctx context.Context, actor domain.Actor, id string) error {
	d, err := e.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if d.State == "pending_approval" {
		return domain.StateError{Current: d.State, Attempted: "delete"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Ledger.SoftDeleteTx(ctx, tx, actor, "documents", d.ID, d.TenantID, d); err != nil {
		return err
	}
	if err := e.Repo.DeleteDocumentTx(ctx, tx, d.ID); err != nil {
		return err
	}
	return tx.Commit()
}

// RestoreDocument reinstates a soft-deleted document from its snapshot.
func (e Engine) RestoreDocument(ctx context.Context, actor domain.Actor, id string) (domain.Document, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Document{}, err
	}
	defer tx.Rollback()
	rec, err := e.Ledger.RestoreTx(ctx, tx, actor, "documents", id)
	if err != nil {
		return domain.Document{}, err
	}
	var d domain.Document
	if err := json.Unmarshal([]byte(rec.Snapshot), &d); err != nil {
		return domain.Document{}, fmt.Errorf("unmarshal document snapshot: %w", err)
	}
	d.UpdatedAt = e.nowRFC()
	if err := e.Repo.InsertDocument(ctx, tx, d); err != nil {
		return domain.Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Document{}, err
	}
	return d, nil
}

// --- workflows ---

// SubmitForApproval opens a workflow for a draft document under the single
// matrix governing its type and amount. At most one pending workflow may
// exist per document; the storage layer backs this with a unique index.
func (e Engine) SubmitForApproval(ctx context.Context, actor domain.Actor, documentID string) (domain.Workflow, error) {
	d, err := e.GetDocument(ctx, documentID)
	if err != nil {
		return domain.Workflow{}, err
	}
	if d.State != "draft" {
		return domain.Workflow{}, domain.StateError{Current: d.State, Attempted: "submit"}
	}
	if _, err := e.Repo.PendingWorkflowForEntity(ctx, d.TenantID, "documents", d.ID); err == nil {
		return domain.Workflow{}, domain.ConflictError{Reason: "a pending workflow already covers this document"}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Workflow{}, err
	}
	m, err := e.Registry.Resolve(ctx, d.TenantID, d.Type, d.Amount)
	if err != nil {
		return domain.Workflow{}, err
	}

	now := e.nowRFC()
	wf := domain.Workflow{
		ID:           uuid.NewString(),
		TenantID:     d.TenantID,
		MatrixID:     m.ID,
		EntityType:   "documents",
		EntityID:     d.ID,
		Status:       "pending",
		CurrentBlock: 1,
		Initiator:    actor.ID,
		SubmittedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetDocumentStateTx(ctx, tx, d.ID, "draft", "pending_approval", now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Workflow{}, domain.ConflictError{Reason: "document left draft concurrently"}
		}
		return domain.Workflow{}, err
	}
	if err := e.Repo.InsertWorkflowTx(ctx, tx, wf); err != nil {
		if isUniqueViolation(err) {
			return domain.Workflow{}, domain.ConflictError{Reason: "a pending workflow already covers this document"}
		}
		return domain.Workflow{}, err
	}
	if err := e.Projector.ProjectSubmitted(ctx, tx, wf, d.Title, m.Blocks[0]); err != nil {
		return domain.Workflow{}, err
	}
	err = e.Ledger.RecordTx(ctx, tx, actor, audit.Entry{
		Action:      audit.ActionSubmit,
		TargetTable: "documents",
		TargetID:    d.ID,
		TenantID:    d.TenantID,
		NewValues:   wf,
	})
	if err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	e.Log.Info().Str("workflow_id", wf.ID).Str("document_id", d.ID).Str("matrix_id", m.ID).Msg("workflow opened")
	return wf, nil
}

// Decide records one approver's verdict on the workflow's current block. A
// rejection at any level declines the whole workflow. Repeating the same
// decision on the same block is idempotent and returns the current state;
// repeating with a different verdict is a conflict. An approver listed in
// several blocks votes once per block.
func (e Engine) Decide(ctx context.Context, actor domain.Actor, workflowID, decision, comment string) (domain.Workflow, error) {
	if decision != "approved" && decision != "rejected" {
		return domain.Workflow{}, domain.ValidationError{Field: "decision", Reason: "must be approved or rejected"}
	}
	wf, err := e.GetWorkflow(ctx, workflowID)
	if err != nil {
		return domain.Workflow{}, err
	}
	m, err := e.Registry.Get(ctx, wf.MatrixID)
	if err != nil {
		return domain.Workflow{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()
	// Re-read inside the transaction: the snapshot above may already be stale
	// under concurrent deciders.
	wf, err = e.Repo.GetWorkflowTx(ctx, tx, workflowID)
	if err != nil {
		return domain.Workflow{}, err
	}
	if prior, err := e.Repo.DecisionTx(ctx, tx, wf.ID, wf.CurrentBlock, actor.ID); err == nil {
		if prior.Decision != decision {
			return domain.Workflow{}, domain.ConflictError{Reason: fmt.Sprintf("approver already recorded %s at this level", prior.Decision)}
		}
		tx.Rollback()
		e.Log.Debug().Str("workflow_id", wf.ID).Str("approver", actor.ID).Str("decision", prior.Decision).Msg("decision already recorded")
		return e.GetWorkflow(ctx, workflowID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Workflow{}, err
	}
	if wf.Status != "pending" {
		return domain.Workflow{}, domain.StateError{Current: wf.Status, Attempted: "decide"}
	}
	block, ok := blockAt(m, wf.CurrentBlock)
	if !ok {
		return domain.Workflow{}, fmt.Errorf("workflow %s at unknown block %d of matrix %s", wf.ID, wf.CurrentBlock, m.ID)
	}
	if !contains(block.Approvers, actor.ID) {
		return domain.Workflow{}, domain.AuthorizationError{Reason: "actor is not an approver at the current level"}
	}

	now := e.nowRFC()
	dec := domain.Decision{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		Approver:   actor.ID,
		BlockLevel: wf.CurrentBlock,
		Decision:   decision,
		Comment:    comment,
		DecidedAt:  now,
	}
	if err := e.Repo.InsertDecisionTx(ctx, tx, dec); err != nil {
		return domain.Workflow{}, err
	}
	doc, err := e.Repo.GetDocumentTx(ctx, tx, wf.EntityID)
	if err != nil {
		return domain.Workflow{}, err
	}

	if decision == "rejected" {
		if err := e.declineTx(ctx, tx, actor, wf, doc, comment); err != nil {
			return domain.Workflow{}, err
		}
	} else {
		err = e.Ledger.RecordTx(ctx, tx, actor, audit.Entry{
			Action:      audit.ActionApprove,
			TargetTable: "documents",
			TargetID:    doc.ID,
			TenantID:    wf.TenantID,
			NewValues:   dec,
		})
		if err != nil {
			return domain.Workflow{}, err
		}
		satisfied, err := e.blockSatisfiedTx(ctx, tx, wf, block)
		if err != nil {
			return domain.Workflow{}, err
		}
		if satisfied {
			if next, ok := blockAt(m, wf.CurrentBlock+1); ok {
				if err := e.advanceTx(ctx, tx, wf, doc, block, next); err != nil {
					return domain.Workflow{}, err
				}
			} else if err := e.approveTx(ctx, tx, actor, wf, doc); err != nil {
				return domain.Workflow{}, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	return e.GetWorkflow(ctx, workflowID)
}

func (e Engine) blockSatisfiedTx(ctx context.Context, tx *sql.Tx, wf domain.Workflow, block domain.ApprovalBlock) (bool, error) {
	count, err := e.Repo.CountBlockApprovalsTx(ctx, tx, wf.ID, block.Level)
	if err != nil {
		return false, err
	}
	if block.RequiresAll {
		return count >= len(block.Approvers), nil
	}
	quorum := 1
	if block.MinApprovals != nil {
		quorum = *block.MinApprovals
	}
	return count >= quorum, nil
}

func (e Engine) advanceTx(ctx context.Context, tx *sql.Tx, wf domain.Workflow, doc domain.Document, satisfied, next domain.ApprovalBlock) error {
	moved, err := e.Repo.AdvanceWorkflowBlockTx(ctx, tx, wf.ID, wf.CurrentBlock, next.Level, e.nowRFC())
	if err != nil {
		return err
	}
	if !moved {
		e.Log.Warn().Str("workflow_id", wf.ID).Int("block", wf.CurrentBlock).Msg("advance lost to concurrent transition")
		return nil
	}
	wf.CurrentBlock = next.Level
	return e.Projector.ProjectAdvanced(ctx, tx, wf, doc.Title, satisfied, next)
}

// approveTx finalizes an approved workflow: the document becomes the single
// approved version of its type, revoking any previously approved sibling in
// the same transaction.
func (e Engine) approveTx(ctx context.Context, tx *sql.Tx, actor domain.Actor, wf domain.Workflow, doc domain.Document) error {
	now := e.nowRFC()
	done, err := e.Repo.CompleteWorkflowTx(ctx, tx, wf.ID, "approved", now)
	if err != nil {
		return err
	}
	if !done {
		e.Log.Warn().Str("workflow_id", wf.ID).Msg("completion lost to concurrent transition")
		return nil
	}
	if err := e.Repo.SetDocumentStateTx(ctx, tx, doc.ID, "pending_approval", "approved", now); err != nil {
		return err
	}
	siblings, err := e.Repo.ListApprovedSiblingsTx(ctx, tx, doc.TenantID, doc.Type, doc.ID)
	if err != nil {
		return err
	}
	for _, sibID := range siblings {
		if err := e.Repo.SetDocumentStateTx(ctx, tx, sibID, "approved", "revoked", now); err != nil {
			return err
		}
		err = e.Ledger.RecordTx(ctx, tx, actor, audit.Entry{
			Action:      audit.ActionRevoke,
			TargetTable: "documents",
			TargetID:    sibID,
			TenantID:    doc.TenantID,
			Note:        fmt.Sprintf("superseded by %s", doc.ID),
		})
		if err != nil {
			return err
		}
		e.Log.Info().Str("document_id", sibID).Str("superseded_by", doc.ID).Msg("document revoked")
	}
	return e.Projector.ProjectCompleted(ctx, tx, wf, doc.Title, "approved", "")
}

func (e Engine) declineTx(ctx context.Context, tx *sql.Tx, actor domain.Actor, wf domain.Workflow, doc domain.Document, comment string) error {
	now := e.nowRFC()
	done, err := e.Repo.CompleteWorkflowTx(ctx, tx, wf.ID, "declined", now)
	if err != nil {
		return err
	}
	if !done {
		e.Log.Warn().Str("workflow_id", wf.ID).Msg("completion lost to concurrent transition")
		return nil
	}
	if err := e.Repo.SetDocumentStateTx(ctx, tx, doc.ID, "pending_approval", "draft", now); err != nil {
		return err
	}
	err = e.Ledger.RecordTx(ctx, tx, actor, audit.Entry{
		Action:      audit.ActionReject,
		TargetTable: "documents",
		TargetID:    doc.ID,
		TenantID:    wf.TenantID,
		Note:        comment,
	})
	if err != nil {
		return err
	}
	return e.Projector.ProjectCompleted(ctx, tx, wf, doc.Title, "declined", comment)
}

// Cancel withdraws a pending workflow. Only the initiator may cancel; the
// document returns to draft.
func (e Engine) Cancel(ctx context.Context, actor domain.Actor, workflowID, reason string) (domain.Workflow, error) {
	wf, err := e.GetWorkflow(ctx, workflowID)
	if err != nil {
		return domain.Workflow{}, err
	}
	if wf.Initiator != actor.ID {
		return domain.Workflow{}, domain.AuthorizationError{Reason: "only the initiator may cancel a workflow"}
	}
	if wf.Status != "pending" {
		return domain.Workflow{}, domain.StateError{Current: wf.Status, Attempted: "cancel"}
	}
	now := e.nowRFC()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()
	done, err := e.Repo.CompleteWorkflowTx(ctx, tx, wf.ID, "cancelled", now)
	if err != nil {
		return domain.Workflow{}, err
	}
	if !done {
		return domain.Workflow{}, domain.StateError{Current: "completed", Attempted: "cancel"}
	}
	if err := e.Repo.SetDocumentStateTx(ctx, tx, wf.EntityID, "pending_approval", "draft", now); err != nil {
		return domain.Workflow{}, err
	}
	doc, err := e.Repo.GetDocumentTx(ctx, tx, wf.EntityID)
	if err != nil {
		return domain.Workflow{}, err
	}
	err = e.Ledger.RecordTx(ctx, tx, actor, audit.Entry{
		Action:      audit.ActionCancel,
		TargetTable: "documents",
		TargetID:    wf.EntityID,
		TenantID:    wf.TenantID,
		Note:        reason,
	})
	if err != nil {
		return domain.Workflow{}, err
	}
	if err := e.Projector.ProjectCompleted(ctx, tx, wf, doc.Title, "cancelled", reason); err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	return e.GetWorkflow(ctx, workflowID)
}

func (e Engine) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	wf, err := e.Repo.GetWorkflow(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Workflow{}, domain.NotFoundError{Kind: "workflow", ID: id}
	}
	return wf, err
}

func (e Engine) ListWorkflows(ctx context.Context, f repo.WorkflowFilters) ([]domain.Workflow, error) {
	return e.Repo.ListWorkflows(ctx, f)
}

func blockAt(m domain.ApprovalMatrix, level int) (domain.ApprovalBlock, bool) {
	for _, b := range m.Blocks {
		if b.Level == level {
			return b, true
		}
	}
	return domain.ApprovalBlock{}, false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
