package domain

type Tenant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status" enum:"active,suspended"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Document is an approvable entity version. Exactly one document per
// (tenant, type) may be in state "approved" at a time; the workflow engine
// enforces this through cascading revocation.
type Document struct {
	ID          string  `json:"id"`
	TenantID    string  `json:"tenant_id"`
	Type        string  `json:"type" enum:"org-chart,job-description,job-offer,employment-contract,termination-notice,department-charter"`
	Title       string  `json:"title"`
	State       string  `json:"state" enum:"draft,pending_approval,approved,revoked"`
	Amount      *int64  `json:"amount,omitempty"`
	Currency    string  `json:"currency,omitempty"`
	PayloadJSON *string `json:"payload_json,omitempty"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// ApprovalMatrix is a tenant-scoped Delegation-of-Authority policy for one
// document type, optionally bounded to an amount band in minor currency units.
type ApprovalMatrix struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	Name         string          `json:"name"`
	DocumentType string          `json:"document_type"`
	Status       string          `json:"status" enum:"draft,active,inactive"`
	AmountMin    *int64          `json:"amount_min,omitempty"`
	AmountMax    *int64          `json:"amount_max,omitempty"`
	Currency     string          `json:"currency,omitempty"`
	Blocks       []ApprovalBlock `json:"blocks"`
	CreatedBy    string          `json:"created_by"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
	UpdatedAt    string          `json:"updated_at" format:"date-time"`
}

// ApprovalBlock is one level of a matrix. When RequiresAll is false the block
// is satisfied by MinApprovals approved decisions (default 1).
type ApprovalBlock struct {
	Level        int      `json:"level"`
	Approvers    []string `json:"approvers"`
	RequiresAll  bool     `json:"requires_all"`
	MinApprovals *int     `json:"min_approvals,omitempty"`
}

// Workflow is one entity's journey through an approval matrix. Terminal
// statuses are absorbing; at most one pending workflow exists per entity.
type Workflow struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	MatrixID     string     `json:"matrix_id"`
	EntityType   string     `json:"entity_type"`
	EntityID     string     `json:"entity_id"`
	Status       string     `json:"status" enum:"pending,approved,declined,cancelled"`
	CurrentBlock int        `json:"current_block"`
	Initiator    string     `json:"initiator"`
	Decisions    []Decision `json:"decisions,omitempty"`
	SubmittedAt  string     `json:"submitted_at" format:"date-time"`
	RespondedAt  *string    `json:"responded_at,omitempty" format:"date-time"`
	CompletedAt  *string    `json:"completed_at,omitempty" format:"date-time"`
}

type Decision struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	Approver   string `json:"approver"`
	BlockLevel int    `json:"block_level"`
	Decision   string `json:"decision" enum:"approved,rejected"`
	Comment    string `json:"comment,omitempty"`
	DecidedAt  string `json:"decided_at" format:"date-time"`
}

// Task is a derived record mirroring workflow or session state. Tasks are
// never authoritative and are never deleted, only marked completed.
type Task struct {
	ID          string  `json:"id"`
	TenantID    string  `json:"tenant_id"`
	WorkflowID  *string `json:"workflow_id,omitempty"`
	Assignee    string  `json:"assignee"`
	Kind        string  `json:"kind" enum:"approval_pending,approval_response,review_reminder,manual"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
	EntityType  string  `json:"entity_type,omitempty"`
	EntityID    string  `json:"entity_id,omitempty"`
	Completed   bool    `json:"completed"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	DueAt       *string `json:"due_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// AuditEntry is immutable once written. Actor email and role are denormalized
// at write time so history survives later identity changes.
type AuditEntry struct {
	ID          int64   `json:"id"`
	ActorID     string  `json:"actor_id"`
	ActorEmail  string  `json:"actor_email,omitempty"`
	ActorRole   string  `json:"actor_role,omitempty"`
	Action      string  `json:"action"`
	TargetTable string  `json:"target_table"`
	TargetID    string  `json:"target_id,omitempty"`
	TenantID    string  `json:"tenant_id,omitempty"`
	OldValues   *string `json:"old_values,omitempty"`
	NewValues   *string `json:"new_values,omitempty"`
	IPAddress   string  `json:"ip_address,omitempty"`
	UserAgent   string  `json:"user_agent,omitempty"`
	Note        string  `json:"note,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// SoftDeleteRecord preserves a restorable snapshot keyed by (table, record).
// A second soft-delete of the same key supersedes the previous one.
type SoftDeleteRecord struct {
	TargetTable       string  `json:"target_table"`
	RecordID          string  `json:"record_id"`
	TenantID          string  `json:"tenant_id,omitempty"`
	Snapshot          string  `json:"snapshot"`
	DeletedBy         string  `json:"deleted_by"`
	DeletedAt         string  `json:"deleted_at" format:"date-time"`
	Restored          bool    `json:"restored"`
	RestoredBy        *string `json:"restored_by,omitempty"`
	RestoredAt        *string `json:"restored_at,omitempty" format:"date-time"`
	PermanentDeleteAt *string `json:"permanent_delete_at,omitempty" format:"date-time"`
}

// Session is a login/logout envelope with a running activity counter. The
// suspicious flag is set by external rule evaluation via FlagSession.
type Session struct {
	ID              string  `json:"id"`
	TenantID        string  `json:"tenant_id,omitempty"`
	ActorID         string  `json:"actor_id"`
	Token           string  `json:"token"`
	IPAddress       string  `json:"ip_address,omitempty"`
	UserAgent       string  `json:"user_agent,omitempty"`
	StartedAt       string  `json:"started_at" format:"date-time"`
	LastSeenAt      string  `json:"last_seen_at" format:"date-time"`
	EndedAt         *string `json:"ended_at,omitempty" format:"date-time"`
	EndReason       string  `json:"end_reason,omitempty"`
	ActionCount     int     `json:"action_count"`
	Suspicious      bool    `json:"suspicious"`
	SuspicionReason string  `json:"suspicion_reason,omitempty"`
}

// Report is an immutable compliance report; regenerating the same window
// produces a new record.
type Report struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id,omitempty"`
	Type        string `json:"type"`
	PeriodStart string `json:"period_start" format:"date-time"`
	PeriodEnd   string `json:"period_end" format:"date-time"`
	RequestedBy string `json:"requested_by"`
	GeneratedAt string `json:"generated_at" format:"date-time"`
	PayloadJSON string `json:"payload_json"`
}

type ReportPayload struct {
	TotalActions    int             `json:"total_actions"`
	UniqueActors    int             `json:"unique_actors"`
	FailedLogins    int             `json:"failed_logins"`
	DataChanges     int             `json:"data_changes"`
	DeletedRecords  int             `json:"deleted_records"`
	RestoredRecords int             `json:"restored_records"`
	ActionCounts    map[string]int  `json:"action_counts"`
	TopActors       []ActorActivity `json:"top_actors"`
}

type ActorActivity struct {
	ActorID string `json:"actor_id"`
	Actions int    `json:"actions"`
}

// Actor identifies who performs an operation, plus the request metadata that
// audit entries denormalize at write time.
type Actor struct {
	ID        string `json:"id"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role,omitempty"`
	IPAddress string `json:"-"`
	UserAgent string `json:"-"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
