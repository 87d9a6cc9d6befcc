package repo

import (
	"context"
	"database/sql"
	"strings"

	"authmatrix/internal/domain"
)

const auditColumns = `id,actor_id,actor_email,actor_role,action,target_table,target_id,tenant_id,old_values,new_values,ip_address,user_agent,note,created_at`

// AppendAuditTx writes one immutable audit entry inside the caller's
// transaction and returns the assigned id.
func (r Repo) AppendAuditTx(ctx context.Context, tx *sql.Tx, e domain.AuditEntry) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO audit_log(actor_id,actor_email,actor_role,action,target_table,target_id,tenant_id,old_values,new_values,ip_address,user_agent,note,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ActorID, nullable(e.ActorEmail), nullable(e.ActorRole), e.Action, e.TargetTable, nullable(e.TargetID),
		nullable(e.TenantID), nullableStringPtr(e.OldValues), nullableStringPtr(e.NewValues),
		nullable(e.IPAddress), nullable(e.UserAgent), nullable(e.Note), e.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// AppendAudit writes one audit entry outside any caller transaction.
func (r Repo) AppendAudit(ctx context.Context, e domain.AuditEntry) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO audit_log(actor_id,actor_email,actor_role,action,target_table,target_id,tenant_id,old_values,new_values,ip_address,user_agent,note,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ActorID, nullable(e.ActorEmail), nullable(e.ActorRole), e.Action, e.TargetTable, nullable(e.TargetID),
		nullable(e.TenantID), nullableStringPtr(e.OldValues), nullableStringPtr(e.NewValues),
		nullable(e.IPAddress), nullable(e.UserAgent), nullable(e.Note), e.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanAuditEntry(sc interface{ Scan(...any) error }) (domain.AuditEntry, error) {
	var e domain.AuditEntry
	var email, role, targetID, tenantID, oldValues, newValues, ip, ua, note sql.NullString
	err := sc.Scan(&e.ID, &e.ActorID, &email, &role, &e.Action, &e.TargetTable, &targetID, &tenantID,
		&oldValues, &newValues, &ip, &ua, &note, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.ActorEmail = email.String
	e.ActorRole = role.String
	e.TargetID = targetID.String
	e.TenantID = tenantID.String
	if oldValues.Valid {
		e.OldValues = &oldValues.String
	}
	if newValues.Valid {
		e.NewValues = &newValues.String
	}
	e.IPAddress = ip.String
	e.UserAgent = ua.String
	e.Note = note.String
	return e, nil
}

// AuditTrail returns all entries touching one record, newest first.
func (r Repo) AuditTrail(ctx context.Context, table, recordID string) ([]domain.AuditEntry, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_log WHERE target_table=? AND target_id=? ORDER BY id DESC`, table, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ActorActionCounts aggregates an actor's audit entries by action verb within
// [from, to).
func (r Repo) ActorActionCounts(ctx context.Context, actorID, from, to string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT action, count(*) FROM audit_log WHERE actor_id=? AND created_at >= ? AND created_at < ? GROUP BY action`,
		actorID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var action string
		var count int
		if err := rows.Scan(&action, &count); err != nil {
			return nil, err
		}
		res[action] = count
	}
	return res, rows.Err()
}

// WindowActionCounts aggregates all audit entries by action verb within
// [from, to), optionally scoped to a tenant.
func (r Repo) WindowActionCounts(ctx context.Context, tenantID, from, to string) (map[string]int, error) {
	query := `SELECT action, count(*) FROM audit_log WHERE created_at >= ? AND created_at < ?`
	args := []any{from, to}
	if tenantID != "" {
		query += ` AND tenant_id=?`
		args = append(args, tenantID)
	}
	query += ` GROUP BY action`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var action string
		var count int
		if err := rows.Scan(&action, &count); err != nil {
			return nil, err
		}
		res[action] = count
	}
	return res, rows.Err()
}

// WindowActorCounts returns per-actor entry counts within [from, to), most
// active first, limited to topN.
func (r Repo) WindowActorCounts(ctx context.Context, tenantID, from, to string, topN int) ([]domain.ActorActivity, int, error) {
	query := `SELECT actor_id, count(*) FROM audit_log WHERE created_at >= ? AND created_at < ?`
	args := []any{from, to}
	if tenantID != "" {
		query += ` AND tenant_id=?`
		args = append(args, tenantID)
	}
	query += ` GROUP BY actor_id ORDER BY count(*) DESC, actor_id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var top []domain.ActorActivity
	unique := 0
	for rows.Next() {
		var a domain.ActorActivity
		if err := rows.Scan(&a.ActorID, &a.Actions); err != nil {
			return nil, 0, err
		}
		unique++
		if topN <= 0 || len(top) < topN {
			top = append(top, a)
		}
	}
	return top, unique, rows.Err()
}

// --- soft deletes ---

// UpsertSoftDeleteTx inserts or replaces the soft-delete record for a key in
// one atomic statement; a superseding delete resets the restored flag.
func (r Repo) UpsertSoftDeleteTx(ctx context.Context, tx *sql.Tx, rec domain.SoftDeleteRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO soft_deletes(target_table,record_id,tenant_id,snapshot,deleted_by,deleted_at,restored,restored_by,restored_at,permanent_delete_at)
VALUES (?,?,?,?,?,?,0,NULL,NULL,?)
ON CONFLICT(target_table,record_id) DO UPDATE SET
tenant_id=excluded.tenant_id, snapshot=excluded.snapshot, deleted_by=excluded.deleted_by, deleted_at=excluded.deleted_at,
restored=0, restored_by=NULL, restored_at=NULL, permanent_delete_at=excluded.permanent_delete_at`,
		rec.TargetTable, rec.RecordID, nullable(rec.TenantID), rec.Snapshot, rec.DeletedBy, rec.DeletedAt,
		nullableStringPtr(rec.PermanentDeleteAt))
	return err
}

func scanSoftDelete(sc interface{ Scan(...any) error }) (domain.SoftDeleteRecord, error) {
	var rec domain.SoftDeleteRecord
	var tenantID, restoredBy, restoredAt, purgeAt sql.NullString
	var restored int
	err := sc.Scan(&rec.TargetTable, &rec.RecordID, &tenantID, &rec.Snapshot, &rec.DeletedBy, &rec.DeletedAt,
		&restored, &restoredBy, &restoredAt, &purgeAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.TenantID = tenantID.String
	rec.Restored = restored != 0
	if restoredBy.Valid {
		rec.RestoredBy = &restoredBy.String
	}
	if restoredAt.Valid {
		rec.RestoredAt = &restoredAt.String
	}
	if purgeAt.Valid {
		rec.PermanentDeleteAt = &purgeAt.String
	}
	return rec, nil
}

const softDeleteColumns = `target_table,record_id,tenant_id,snapshot,deleted_by,deleted_at,restored,restored_by,restored_at,permanent_delete_at`

func (r Repo) GetSoftDeleteTx(ctx context.Context, tx *sql.Tx, table, recordID string) (domain.SoftDeleteRecord, error) {
	return scanSoftDelete(tx.QueryRowContext(ctx,
		`SELECT `+softDeleteColumns+` FROM soft_deletes WHERE target_table=? AND record_id=?`, table, recordID))
}

// MarkRestoredTx flips an active soft-delete to restored. Zero affected rows
// means there was no active record for the key.
func (r Repo) MarkRestoredTx(ctx context.Context, tx *sql.Tx, table, recordID, actor, restoredAt string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE soft_deletes SET restored=1, restored_by=?, restored_at=? WHERE target_table=? AND record_id=? AND restored=0`,
		actor, restoredAt, table, recordID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListPurgeDue returns active soft-delete records whose scheduled permanent
// deletion time has passed. The purge job itself is external.
func (r Repo) ListPurgeDue(ctx context.Context, now string) ([]domain.SoftDeleteRecord, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+softDeleteColumns+` FROM soft_deletes WHERE restored=0 AND permanent_delete_at IS NOT NULL AND permanent_delete_at <= ? ORDER BY permanent_delete_at ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SoftDeleteRecord
	for rows.Next() {
		rec, err := scanSoftDelete(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// --- sessions ---

const sessionColumns = `id,tenant_id,actor_id,token,ip_address,user_agent,started_at,last_seen_at,ended_at,end_reason,action_count,suspicious,suspicion_reason`

func scanSession(sc interface{ Scan(...any) error }) (domain.Session, error) {
	var s domain.Session
	var tenantID, ip, ua, endedAt, endReason, reason sql.NullString
	var suspicious int
	err := sc.Scan(&s.ID, &tenantID, &s.ActorID, &s.Token, &ip, &ua, &s.StartedAt, &s.LastSeenAt,
		&endedAt, &endReason, &s.ActionCount, &suspicious, &reason)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.TenantID = tenantID.String
	s.IPAddress = ip.String
	s.UserAgent = ua.String
	if endedAt.Valid {
		s.EndedAt = &endedAt.String
	}
	s.EndReason = endReason.String
	s.Suspicious = suspicious != 0
	s.SuspicionReason = reason.String
	return s, nil
}

func (r Repo) InsertSession(ctx context.Context, s domain.Session) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sessions(id,tenant_id,actor_id,token,ip_address,user_agent,started_at,last_seen_at,action_count,suspicious)
VALUES (?,?,?,?,?,?,?,?,0,0)`,
		s.ID, nullable(s.TenantID), s.ActorID, s.Token, nullable(s.IPAddress), nullable(s.UserAgent), s.StartedAt, s.LastSeenAt)
	return err
}

func (r Repo) GetSessionByToken(ctx context.Context, token string) (domain.Session, error) {
	return scanSession(r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token=?`, token))
}

// EndSession closes an open session. Zero affected rows means the token is
// unknown or already ended.
func (r Repo) EndSession(ctx context.Context, token, reason, endedAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE sessions SET ended_at=?, end_reason=?, last_seen_at=? WHERE token=? AND ended_at IS NULL`,
		endedAt, reason, endedAt, token)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TouchSession bumps the activity counter on an open session.
func (r Repo) TouchSession(ctx context.Context, token, seenAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE sessions SET action_count=action_count+1, last_seen_at=? WHERE token=? AND ended_at IS NULL`,
		seenAt, token)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FlagSession stores an externally evaluated anomaly verdict.
func (r Repo) FlagSession(ctx context.Context, token, reason string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE sessions SET suspicious=1, suspicion_reason=? WHERE token=?`, reason, token)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type SessionFilters struct {
	TenantID       string
	ActorID        string
	ActiveOnly     bool
	SuspiciousOnly bool
	Limit          int
}

func (r Repo) ListSessions(ctx context.Context, f SessionFilters) ([]domain.Session, error) {
	var clauses []string
	var args []any
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, f.TenantID)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "ended_at IS NULL")
	}
	if f.SuspiciousOnly {
		clauses = append(clauses, "suspicious=1")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions ` + where + ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
