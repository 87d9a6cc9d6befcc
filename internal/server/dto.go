package server

import (
	"encoding/json"
	"time"

	"authmatrix/internal/domain"
)

// The API speaks camelCase with epoch-millisecond timestamps; storage keeps
// snake_case and RFC 3339. This file is the mapping layer between the two.

func epochMillis(ts string) int64 {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}

func epochMillisPtr(ts *string) *int64 {
	if ts == nil {
		return nil
	}
	ms := epochMillis(*ts)
	return &ms
}

func fromEpochMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// Request payloads

type CreateTenantRequest struct {
	Name string `json:"name"`
}

type CreateDocumentRequest struct {
	TenantID string          `json:"tenantId"`
	Type     string          `json:"type" enum:"org-chart,job-description,job-offer,employment-contract,termination-notice,department-charter"`
	Title    string          `json:"title"`
	Amount   *int64          `json:"amount,omitempty"`
	Currency string          `json:"currency,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type UpdateDocumentRequest struct {
	Title    string          `json:"title"`
	Amount   *int64          `json:"amount,omitempty"`
	Currency string          `json:"currency,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type ApprovalBlockRequest struct {
	Level        int      `json:"level"`
	Approvers    []string `json:"approvers"`
	RequiresAll  bool     `json:"requiresAll,omitempty"`
	MinApprovals *int     `json:"minApprovals,omitempty"`
}

type CreateMatrixRequest struct {
	TenantID     string                 `json:"tenantId"`
	Name         string                 `json:"name"`
	DocumentType string                 `json:"documentType"`
	AmountMin    *int64                 `json:"amountMin,omitempty"`
	AmountMax    *int64                 `json:"amountMax,omitempty"`
	Currency     string                 `json:"currency,omitempty"`
	Blocks       []ApprovalBlockRequest `json:"blocks"`
}

type SubmitRequest struct {
	DocumentID string `json:"documentId"`
}

type DecideRequest struct {
	Decision string `json:"decision" enum:"approved,rejected"`
	Comment  string `json:"comment,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CreateTaskRequest struct {
	TenantID    string `json:"tenantId"`
	Assignee    string `json:"assignee"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    *int   `json:"priority,omitempty"`
	DueAt       *int64 `json:"dueAt,omitempty"`
}

type StartSessionRequest struct {
	TenantID string `json:"tenantId,omitempty"`
	Token    string `json:"token"`
}

type EndSessionRequest struct {
	Token  string `json:"token"`
	Reason string `json:"reason,omitempty"`
}

type FlagSessionRequest struct {
	Reason string `json:"reason"`
}

type FailedLoginRequest struct {
	ActorID  string `json:"actorId"`
	TenantID string `json:"tenantId,omitempty"`
	Note     string `json:"note,omitempty"`
}

type GenerateReportRequest struct {
	TenantID    string `json:"tenantId,omitempty"`
	Type        string `json:"type" enum:"activity,soc2,gdpr"`
	PeriodStart int64  `json:"periodStart"`
	PeriodEnd   int64  `json:"periodEnd"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actorId"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type TenantResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status" enum:"active,suspended"`
	CreatedAt int64  `json:"createdAt"`
}

type DocumentResponse struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenantId"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	State     string          `json:"state" enum:"draft,pending_approval,approved,revoked"`
	Amount    *int64          `json:"amount,omitempty"`
	Currency  string          `json:"currency,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedBy string          `json:"createdBy"`
	CreatedAt int64           `json:"createdAt"`
	UpdatedAt int64           `json:"updatedAt"`
}

type ApprovalBlockResponse struct {
	Level        int      `json:"level"`
	Approvers    []string `json:"approvers"`
	RequiresAll  bool     `json:"requiresAll"`
	MinApprovals *int     `json:"minApprovals,omitempty"`
}

type MatrixResponse struct {
	ID           string                  `json:"id"`
	TenantID     string                  `json:"tenantId"`
	Name         string                  `json:"name"`
	DocumentType string                  `json:"documentType"`
	Status       string                  `json:"status" enum:"draft,active,inactive"`
	AmountMin    *int64                  `json:"amountMin,omitempty"`
	AmountMax    *int64                  `json:"amountMax,omitempty"`
	Currency     string                  `json:"currency,omitempty"`
	Blocks       []ApprovalBlockResponse `json:"blocks"`
	CreatedBy    string                  `json:"createdBy"`
	CreatedAt    int64                   `json:"createdAt"`
	UpdatedAt    int64                   `json:"updatedAt"`
}

type DecisionResponse struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflowId"`
	Approver   string `json:"approver"`
	BlockLevel int    `json:"blockLevel"`
	Decision   string `json:"decision" enum:"approved,rejected"`
	Comment    string `json:"comment,omitempty"`
	DecidedAt  int64  `json:"decidedAt"`
}

type WorkflowResponse struct {
	ID           string             `json:"id"`
	TenantID     string             `json:"tenantId"`
	MatrixID     string             `json:"matrixId"`
	EntityType   string             `json:"entityType"`
	EntityID     string             `json:"entityId"`
	Status       string             `json:"status" enum:"pending,approved,declined,cancelled"`
	CurrentBlock int                `json:"currentBlock"`
	Initiator    string             `json:"initiator"`
	Decisions    []DecisionResponse `json:"decisions,omitempty"`
	SubmittedAt  int64              `json:"submittedAt"`
	RespondedAt  *int64             `json:"respondedAt,omitempty"`
	CompletedAt  *int64             `json:"completedAt,omitempty"`
}

type TaskResponse struct {
	ID          string  `json:"id"`
	TenantID    string  `json:"tenantId"`
	WorkflowID  *string `json:"workflowId,omitempty"`
	Assignee    string  `json:"assignee"`
	Kind        string  `json:"kind" enum:"approval_pending,approval_response,review_reminder,manual"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
	EntityType  string  `json:"entityType,omitempty"`
	EntityID    string  `json:"entityId,omitempty"`
	Completed   bool    `json:"completed"`
	CompletedAt *int64  `json:"completedAt,omitempty"`
	DueAt       *int64  `json:"dueAt,omitempty"`
	CreatedAt   int64   `json:"createdAt"`
}

type AuditEntryResponse struct {
	ID          int64           `json:"id"`
	ActorID     string          `json:"actorId"`
	ActorEmail  string          `json:"actorEmail,omitempty"`
	ActorRole   string          `json:"actorRole,omitempty"`
	Action      string          `json:"action"`
	TargetTable string          `json:"targetTable"`
	TargetID    string          `json:"targetId,omitempty"`
	TenantID    string          `json:"tenantId,omitempty"`
	OldValues   json.RawMessage `json:"oldValues,omitempty"`
	NewValues   json.RawMessage `json:"newValues,omitempty"`
	IPAddress   string          `json:"ipAddress,omitempty"`
	UserAgent   string          `json:"userAgent,omitempty"`
	Note        string          `json:"note,omitempty"`
	CreatedAt   int64           `json:"createdAt"`
}

type SessionResponse struct {
	ID              string `json:"id"`
	TenantID        string `json:"tenantId,omitempty"`
	ActorID         string `json:"actorId"`
	IPAddress       string `json:"ipAddress,omitempty"`
	UserAgent       string `json:"userAgent,omitempty"`
	StartedAt       int64  `json:"startedAt"`
	LastSeenAt      int64  `json:"lastSeenAt"`
	EndedAt         *int64 `json:"endedAt,omitempty"`
	EndReason       string `json:"endReason,omitempty"`
	ActionCount     int    `json:"actionCount"`
	Suspicious      bool   `json:"suspicious"`
	SuspicionReason string `json:"suspicionReason,omitempty"`
}

type ReportResponse struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenantId,omitempty"`
	Type        string          `json:"type"`
	PeriodStart int64           `json:"periodStart"`
	PeriodEnd   int64           `json:"periodEnd"`
	RequestedBy string          `json:"requestedBy"`
	GeneratedAt int64           `json:"generatedAt"`
	Payload     json.RawMessage `json:"payload"`
}

type ActivityResponse struct {
	ActorID string         `json:"actorId"`
	From    int64          `json:"from"`
	To      int64          `json:"to"`
	Counts  map[string]int `json:"counts"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actorId"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// Mapping

func tenantResponse(t domain.Tenant) TenantResponse {
	return TenantResponse{ID: t.ID, Name: t.Name, Status: t.Status, CreatedAt: epochMillis(t.CreatedAt)}
}

func documentResponse(d domain.Document) DocumentResponse {
	resp := DocumentResponse{
		ID:        d.ID,
		TenantID:  d.TenantID,
		Type:      d.Type,
		Title:     d.Title,
		State:     d.State,
		Amount:    d.Amount,
		Currency:  d.Currency,
		CreatedBy: d.CreatedBy,
		CreatedAt: epochMillis(d.CreatedAt),
		UpdatedAt: epochMillis(d.UpdatedAt),
	}
	if d.PayloadJSON != nil {
		resp.Payload = json.RawMessage(*d.PayloadJSON)
	}
	return resp
}

func matrixResponse(m domain.ApprovalMatrix) MatrixResponse {
	resp := MatrixResponse{
		ID:           m.ID,
		TenantID:     m.TenantID,
		Name:         m.Name,
		DocumentType: m.DocumentType,
		Status:       m.Status,
		AmountMin:    m.AmountMin,
		AmountMax:    m.AmountMax,
		Currency:     m.Currency,
		Blocks:       []ApprovalBlockResponse{},
		CreatedBy:    m.CreatedBy,
		CreatedAt:    epochMillis(m.CreatedAt),
		UpdatedAt:    epochMillis(m.UpdatedAt),
	}
	for _, b := range m.Blocks {
		resp.Blocks = append(resp.Blocks, ApprovalBlockResponse(b))
	}
	return resp
}

func decisionResponse(d domain.Decision) DecisionResponse {
	return DecisionResponse{
		ID:         d.ID,
		WorkflowID: d.WorkflowID,
		Approver:   d.Approver,
		BlockLevel: d.BlockLevel,
		Decision:   d.Decision,
		Comment:    d.Comment,
		DecidedAt:  epochMillis(d.DecidedAt),
	}
}

func workflowResponse(w domain.Workflow) WorkflowResponse {
	resp := WorkflowResponse{
		ID:           w.ID,
		TenantID:     w.TenantID,
		MatrixID:     w.MatrixID,
		EntityType:   w.EntityType,
		EntityID:     w.EntityID,
		Status:       w.Status,
		CurrentBlock: w.CurrentBlock,
		Initiator:    w.Initiator,
		SubmittedAt:  epochMillis(w.SubmittedAt),
		RespondedAt:  epochMillisPtr(w.RespondedAt),
		CompletedAt:  epochMillisPtr(w.CompletedAt),
	}
	for _, d := range w.Decisions {
		resp.Decisions = append(resp.Decisions, decisionResponse(d))
	}
	return resp
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		TenantID:    t.TenantID,
		WorkflowID:  t.WorkflowID,
		Assignee:    t.Assignee,
		Kind:        t.Kind,
		Title:       t.Title,
		Description: t.Description,
		Priority:    t.Priority,
		EntityType:  t.EntityType,
		EntityID:    t.EntityID,
		Completed:   t.Completed,
		CompletedAt: epochMillisPtr(t.CompletedAt),
		DueAt:       epochMillisPtr(t.DueAt),
		CreatedAt:   epochMillis(t.CreatedAt),
	}
}

func auditEntryResponse(e domain.AuditEntry) AuditEntryResponse {
	resp := AuditEntryResponse{
		ID:          e.ID,
		ActorID:     e.ActorID,
		ActorEmail:  e.ActorEmail,
		ActorRole:   e.ActorRole,
		Action:      e.Action,
		TargetTable: e.TargetTable,
		TargetID:    e.TargetID,
		TenantID:    e.TenantID,
		IPAddress:   e.IPAddress,
		UserAgent:   e.UserAgent,
		Note:        e.Note,
		CreatedAt:   epochMillis(e.CreatedAt),
	}
	if e.OldValues != nil {
		resp.OldValues = json.RawMessage(*e.OldValues)
	}
	if e.NewValues != nil {
		resp.NewValues = json.RawMessage(*e.NewValues)
	}
	return resp
}

func sessionResponse(s domain.Session) SessionResponse {
	return SessionResponse{
		ID:              s.ID,
		TenantID:        s.TenantID,
		ActorID:         s.ActorID,
		IPAddress:       s.IPAddress,
		UserAgent:       s.UserAgent,
		StartedAt:       epochMillis(s.StartedAt),
		LastSeenAt:      epochMillis(s.LastSeenAt),
		EndedAt:         epochMillisPtr(s.EndedAt),
		EndReason:       s.EndReason,
		ActionCount:     s.ActionCount,
		Suspicious:      s.Suspicious,
		SuspicionReason: s.SuspicionReason,
	}
}

func reportResponse(r domain.Report) ReportResponse {
	return ReportResponse{
		ID:          r.ID,
		TenantID:    r.TenantID,
		Type:        r.Type,
		PeriodStart: epochMillis(r.PeriodStart),
		PeriodEnd:   epochMillis(r.PeriodEnd),
		RequestedBy: r.RequestedBy,
		GeneratedAt: epochMillis(r.GeneratedAt),
		Payload:     json.RawMessage(r.PayloadJSON),
	}
}

func apiKeyResponse(k domain.APIKey, plaintext string) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		Key:       plaintext,
		CreatedAt: epochMillis(k.CreatedAt),
	}
}

func mapTenants(items []domain.Tenant) []TenantResponse {
	res := []TenantResponse{}
	for _, t := range items {
		res = append(res, tenantResponse(t))
	}
	return res
}

func mapDocuments(items []domain.Document) []DocumentResponse {
	res := []DocumentResponse{}
	for _, d := range items {
		res = append(res, documentResponse(d))
	}
	return res
}

func mapMatrices(items []domain.ApprovalMatrix) []MatrixResponse {
	res := []MatrixResponse{}
	for _, m := range items {
		res = append(res, matrixResponse(m))
	}
	return res
}

func mapWorkflows(items []domain.Workflow) []WorkflowResponse {
	res := []WorkflowResponse{}
	for _, w := range items {
		res = append(res, workflowResponse(w))
	}
	return res
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := []TaskResponse{}
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func mapAuditEntries(items []domain.AuditEntry) []AuditEntryResponse {
	res := []AuditEntryResponse{}
	for _, e := range items {
		res = append(res, auditEntryResponse(e))
	}
	return res
}

func mapSessions(items []domain.Session) []SessionResponse {
	res := []SessionResponse{}
	for _, s := range items {
		res = append(res, sessionResponse(s))
	}
	return res
}

func mapReports(items []domain.Report) []ReportResponse {
	res := []ReportResponse{}
	for _, r := range items {
		res = append(res, reportResponse(r))
	}
	return res
}
