// Package audit is the append-only system of record for who did what. Every
// state-changing operation writes an entry in the same transaction as the
// change itself, so the trail can never disagree with the data.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"authmatrix/internal/config"
	"authmatrix/internal/domain"
	"authmatrix/internal/repo"
)

// Audit action verbs. Reports bucket CREATE/UPDATE/DELETE as data changes and
// count RESTORE separately; everything else is workflow or session activity.
const (
	ActionCreate      = "CREATE"
	ActionUpdate      = "UPDATE"
	ActionDelete      = "DELETE"
	ActionRestore     = "RESTORE"
	ActionSubmit      = "SUBMIT"
	ActionApprove     = "APPROVE"
	ActionReject      = "REJECT"
	ActionCancel      = "CANCEL"
	ActionRevoke      = "REVOKE"
	ActionActivate    = "ACTIVATE"
	ActionDeactivate  = "DEACTIVATE"
	ActionLogin       = "LOGIN"
	ActionLoginFailed = "LOGIN_FAILED"
	ActionLogout      = "LOGOUT"
)

type Ledger struct {
	DB   *sql.DB
	Repo repo.Repo
	Cfg  config.Config
	Log  zerolog.Logger
	Now  func() time.Time
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l Ledger) nowRFC() string { return l.now().UTC().Format(time.RFC3339) }

// Entry describes one audit event before persistence. OldValues and NewValues
// are marshaled to JSON; nil stays NULL.
type Entry struct {
	Action      string
	TargetTable string
	TargetID    string
	TenantID    string
	OldValues   any
	NewValues   any
	Note        string
}

func (l Ledger) build(actor domain.Actor, e Entry) (domain.AuditEntry, error) {
	rec := domain.AuditEntry{
		ActorID:     actor.ID,
		ActorEmail:  actor.Email,
		ActorRole:   actor.Role,
		Action:      e.Action,
		TargetTable: e.TargetTable,
		TargetID:    e.TargetID,
		TenantID:    e.TenantID,
		IPAddress:   actor.IPAddress,
		UserAgent:   actor.UserAgent,
		Note:        e.Note,
		CreatedAt:   l.nowRFC(),
	}
	if e.OldValues != nil {
		data, err := json.Marshal(e.OldValues)
		if err != nil {
			return rec, fmt.Errorf("marshal old values: %w", err)
		}
		s := string(data)
		rec.OldValues = &s
	}
	if e.NewValues != nil {
		data, err := json.Marshal(e.NewValues)
		if err != nil {
			return rec, fmt.Errorf("marshal new values: %w", err)
		}
		s := string(data)
		rec.NewValues = &s
	}
	return rec, nil
}

// RecordTx appends an entry inside the caller's transaction. A failure here
// fails the caller's transaction: state changes do not land without their
// audit entry.
func (l Ledger) RecordTx(ctx context.Context, tx *sql.Tx, actor domain.Actor, e Entry) error {
	rec, err := l.build(actor, e)
	if err != nil {
		return err
	}
	if _, err := l.Repo.AppendAuditTx(ctx, tx, rec); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Record appends a standalone entry, for events with no surrounding
// transaction such as failed logins.
func (l Ledger) Record(ctx context.Context, actor domain.Actor, e Entry) error {
	rec, err := l.build(actor, e)
	if err != nil {
		return err
	}
	if _, err := l.Repo.AppendAudit(ctx, rec); err != nil {
		l.Log.Error().Err(err).Str("action", e.Action).Str("target", e.TargetTable).Msg("audit append failed")
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Trail returns the full history of one record, newest first. Unknown records
// yield an empty trail, not an error.
func (l Ledger) Trail(ctx context.Context, table, recordID string) ([]domain.AuditEntry, error) {
	return l.Repo.AuditTrail(ctx, table, recordID)
}

// UserActivity aggregates one actor's entries by action verb within [from, to).
func (l Ledger) UserActivity(ctx context.Context, actorID, from, to string) (map[string]int, error) {
	if actorID == "" {
		return nil, domain.ValidationError{Field: "actor_id", Reason: "required"}
	}
	if from >= to {
		return nil, domain.ValidationError{Field: "period", Reason: "from must precede to"}
	}
	return l.Repo.ActorActionCounts(ctx, actorID, from, to)
}

// SoftDeleteTx snapshots a record and marks it deleted, inside the caller's
// transaction. Re-deleting the same key supersedes the previous snapshot and
// clears any earlier restore. The caller removes the live row itself.
func (l Ledger) SoftDeleteTx(ctx context.Context, tx *sql.Tx, actor domain.Actor, table, recordID, tenantID string, snapshot any) (domain.SoftDeleteRecord, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return domain.SoftDeleteRecord{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	rec := domain.SoftDeleteRecord{
		TargetTable: table,
		RecordID:    recordID,
		TenantID:    tenantID,
		Snapshot:    string(data),
		DeletedBy:   actor.ID,
		DeletedAt:   l.nowRFC(),
	}
	if d := l.Cfg.Audit.DefaultPurgeDays; d > 0 {
		purgeAt := l.now().UTC().AddDate(0, 0, d).Format(time.RFC3339)
		rec.PermanentDeleteAt = &purgeAt
	}
	if err := l.Repo.UpsertSoftDeleteTx(ctx, tx, rec); err != nil {
		return domain.SoftDeleteRecord{}, err
	}
	err = l.RecordTx(ctx, tx, actor, Entry{
		Action:      ActionDelete,
		TargetTable: table,
		TargetID:    recordID,
		TenantID:    tenantID,
		OldValues:   snapshot,
	})
	if err != nil {
		return domain.SoftDeleteRecord{}, err
	}
	return rec, nil
}

// RestoreTx flips an active soft-delete to restored and returns the stored
// snapshot so the caller can reinstate the live row in the same transaction.
func (l Ledger) RestoreTx(ctx context.Context, tx *sql.Tx, actor domain.Actor, table, recordID string) (domain.SoftDeleteRecord, error) {
	restoredAt := l.nowRFC()
	ok, err := l.Repo.MarkRestoredTx(ctx, tx, table, recordID, actor.ID, restoredAt)
	if err != nil {
		return domain.SoftDeleteRecord{}, err
	}
	if !ok {
		return domain.SoftDeleteRecord{}, domain.NotFoundError{Kind: "deleted record", ID: recordID}
	}
	rec, err := l.Repo.GetSoftDeleteTx(ctx, tx, table, recordID)
	if err != nil {
		return domain.SoftDeleteRecord{}, err
	}
	err = l.RecordTx(ctx, tx, actor, Entry{
		Action:      ActionRestore,
		TargetTable: table,
		TargetID:    recordID,
		TenantID:    rec.TenantID,
		NewValues:   json.RawMessage(rec.Snapshot),
	})
	if err != nil {
		return domain.SoftDeleteRecord{}, err
	}
	return rec, nil
}

// PurgeDue lists soft-deleted records past their retention horizon. Actual
// purging is an external job.
func (l Ledger) PurgeDue(ctx context.Context) ([]domain.SoftDeleteRecord, error) {
	return l.Repo.ListPurgeDue(ctx, l.nowRFC())
}

// StartSession records a successful login and opens a tracked session.
func (l Ledger) StartSession(ctx context.Context, actor domain.Actor, tenantID, token string) (domain.Session, error) {
	if token == "" {
		return domain.Session{}, domain.ValidationError{Field: "token", Reason: "required"}
	}
	now := l.nowRFC()
	s := domain.Session{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		ActorID:    actor.ID,
		Token:      token,
		IPAddress:  actor.IPAddress,
		UserAgent:  actor.UserAgent,
		StartedAt:  now,
		LastSeenAt: now,
	}
	if err := l.Repo.InsertSession(ctx, s); err != nil {
		return domain.Session{}, err
	}
	err := l.Record(ctx, actor, Entry{
		Action:      ActionLogin,
		TargetTable: "sessions",
		TargetID:    s.ID,
		TenantID:    tenantID,
	})
	if err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// RecordFailedLogin audits an authentication failure without opening a
// session. Reports count these separately from data changes.
func (l Ledger) RecordFailedLogin(ctx context.Context, actor domain.Actor, tenantID, note string) error {
	return l.Record(ctx, actor, Entry{
		Action:      ActionLoginFailed,
		TargetTable: "sessions",
		TenantID:    tenantID,
		Note:        note,
	})
}

// EndSession closes an open session. Ending an unknown or already-ended
// session is a NotFoundError.
func (l Ledger) EndSession(ctx context.Context, actor domain.Actor, token, reason string) error {
	ok, err := l.Repo.EndSession(ctx, token, reason, l.nowRFC())
	if err != nil {
		return err
	}
	if !ok {
		return domain.NotFoundError{Kind: "session"}
	}
	s, err := l.Repo.GetSessionByToken(ctx, token)
	if err != nil {
		return err
	}
	return l.Record(ctx, actor, Entry{
		Action:      ActionLogout,
		TargetTable: "sessions",
		TargetID:    s.ID,
		TenantID:    s.TenantID,
		Note:        reason,
	})
}

// Touch bumps the session activity counter. Closed or unknown tokens are a
// silent no-op so request middleware never fails a request over tracking.
func (l Ledger) Touch(ctx context.Context, token string) {
	if token == "" {
		return
	}
	if _, err := l.Repo.TouchSession(ctx, token, l.nowRFC()); err != nil {
		l.Log.Warn().Err(err).Msg("session touch failed")
	}
}

// FlagSession marks a session suspicious with the evaluator's reason.
func (l Ledger) FlagSession(ctx context.Context, token, reason string) error {
	if reason == "" {
		return domain.ValidationError{Field: "reason", Reason: "required"}
	}
	ok, err := l.Repo.FlagSession(ctx, token, reason)
	if err != nil {
		return err
	}
	if !ok {
		return domain.NotFoundError{Kind: "session"}
	}
	return nil
}

func (l Ledger) Sessions(ctx context.Context, f repo.SessionFilters) ([]domain.Session, error) {
	return l.Repo.ListSessions(ctx, f)
}
