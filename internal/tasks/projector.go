// Package tasks projects workflow and policy state into per-user todo items.
// Tasks mirror authoritative state, they never drive it: the engine calls the
// projector inside its own transactions so the mirror cannot drift.
package tasks

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"authmatrix/internal/audit"
	"authmatrix/internal/domain"
	"authmatrix/internal/repo"
)

type Projector struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger audit.Ledger
	Log    zerolog.Logger
	Now    func() time.Time
}

func (p Projector) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p Projector) nowRFC() string { return p.now().UTC().Format(time.RFC3339) }

func (p Projector) newTask(wf domain.Workflow, assignee, kind, title, description string) domain.Task {
	now := p.nowRFC()
	return domain.Task{
		ID:          uuid.NewString(),
		TenantID:    wf.TenantID,
		WorkflowID:  &wf.ID,
		Assignee:    assignee,
		Kind:        kind,
		Title:       title,
		Description: description,
		EntityType:  wf.EntityType,
		EntityID:    wf.EntityID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ProjectSubmitted creates the initiator's tracking task and one action task
// per first-block approver.
func (p Projector) ProjectSubmitted(ctx context.Context, tx *sql.Tx, wf domain.Workflow, title string, block domain.ApprovalBlock) error {
	track := p.newTask(wf, wf.Initiator, "approval_pending",
		fmt.Sprintf("Awaiting approval: %s", title),
		fmt.Sprintf("Submitted for approval, currently at level %d.", wf.CurrentBlock))
	if err := p.Repo.InsertTaskTx(ctx, tx, track); err != nil {
		return err
	}
	return p.projectBlock(ctx, tx, wf, title, block)
}

// ProjectAdvanced closes the satisfied block's approver tasks and opens tasks
// for the next block.
func (p Projector) ProjectAdvanced(ctx context.Context, tx *sql.Tx, wf domain.Workflow, title string, satisfied, next domain.ApprovalBlock) error {
	if err := p.Repo.CompleteAssigneeTasksTx(ctx, tx, wf.ID, satisfied.Approvers, p.nowRFC()); err != nil {
		return err
	}
	return p.projectBlock(ctx, tx, wf, title, next)
}

func (p Projector) projectBlock(ctx context.Context, tx *sql.Tx, wf domain.Workflow, title string, block domain.ApprovalBlock) error {
	for _, approver := range block.Approvers {
		t := p.newTask(wf, approver, "approval_pending",
			fmt.Sprintf("Approve: %s", title),
			fmt.Sprintf("Approval requested at level %d.", block.Level))
		if err := p.Repo.InsertTaskTx(ctx, tx, t); err != nil {
			return err
		}
	}
	return nil
}

// ProjectCompleted finalizes every open task on the workflow and notifies the
// initiator of the outcome. The rationale, when present, replaces the open
// tasks' descriptions so the reason is visible on the closed items.
func (p Projector) ProjectCompleted(ctx context.Context, tx *sql.Tx, wf domain.Workflow, title, outcome, rationale string) error {
	if err := p.Repo.CompleteWorkflowTasksTx(ctx, tx, wf.ID, p.nowRFC(), rationale); err != nil {
		return err
	}
	desc := fmt.Sprintf("The submission was %s.", outcome)
	if rationale != "" {
		desc = fmt.Sprintf("The submission was %s: %s", outcome, rationale)
	}
	note := p.newTask(wf, wf.Initiator, "approval_response",
		fmt.Sprintf("Decision on %s: %s", title, outcome), desc)
	return p.Repo.InsertTaskTx(ctx, tx, note)
}

// CreateManualTask stores a free-standing task unconnected to any workflow.
func (p Projector) CreateManualTask(ctx context.Context, actor domain.Actor, t domain.Task) (domain.Task, error) {
	if t.Assignee == "" {
		return domain.Task{}, domain.ValidationError{Field: "assignee", Reason: "required"}
	}
	if t.Title == "" {
		return domain.Task{}, domain.ValidationError{Field: "title", Reason: "required"}
	}
	t.ID = uuid.NewString()
	t.WorkflowID = nil
	t.Kind = "manual"
	t.Completed = false
	t.CompletedAt = nil
	t.CreatedAt = p.nowRFC()
	t.UpdatedAt = t.CreatedAt

	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := p.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	err = p.Ledger.RecordTx(ctx, tx, actor, audit.Entry{
		Action:      audit.ActionCreate,
		TargetTable: "tasks",
		TargetID:    t.ID,
		TenantID:    t.TenantID,
		NewValues:   t,
	})
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// CompleteTask marks the actor's own task done. Only the assignee may
// complete a task; completing an already-completed task is a no-op.
func (p Projector) CompleteTask(ctx context.Context, actor domain.Actor, id string) (domain.Task, error) {
	t, err := p.Repo.GetTask(ctx, id)
	if err == repo.ErrNotFound {
		return domain.Task{}, domain.NotFoundError{Kind: "task", ID: id}
	}
	if err != nil {
		return domain.Task{}, err
	}
	if t.Assignee != actor.ID {
		return domain.Task{}, domain.AuthorizationError{Reason: "only the assignee may complete a task"}
	}
	if t.Completed {
		return t, nil
	}
	now := p.nowRFC()
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if _, err := p.Repo.CompleteTaskTx(ctx, tx, id, now); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	t.Completed = true
	t.CompletedAt = &now
	t.UpdatedAt = now
	return t, nil
}

func (p Projector) Get(ctx context.Context, id string) (domain.Task, error) {
	t, err := p.Repo.GetTask(ctx, id)
	if err == repo.ErrNotFound {
		return domain.Task{}, domain.NotFoundError{Kind: "task", ID: id}
	}
	return t, err
}

// UserTasks lists a user's open tasks, newest first.
func (p Projector) UserTasks(ctx context.Context, assignee string, includeCompleted bool) ([]domain.Task, error) {
	if assignee == "" {
		return nil, domain.ValidationError{Field: "assignee", Reason: "required"}
	}
	return p.Repo.ListTasks(ctx, repo.TaskFilters{Assignee: assignee, IncludeCompleted: includeCompleted})
}

func (p Projector) List(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return p.Repo.ListTasks(ctx, f)
}
