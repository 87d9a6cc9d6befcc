package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"authmatrix/internal/config"
	"authmatrix/internal/db"
	"authmatrix/internal/domain"
	"authmatrix/internal/engine"
	"authmatrix/internal/migrate"
	"authmatrix/internal/report"
)

const testSecret = "test-secret"

type testServer struct {
	URL      string
	TenantID string
	MatrixID string
	client   *http.Client
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, *config.Default(), zerolog.Nop()).
		WithClock(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) })

	ctx := context.Background()
	admin := domain.Actor{ID: "hr-admin", Role: "hr_admin"}
	tenant, err := e.CreateTenant(ctx, admin, "acme")
	if err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	one := 1
	matrix, err := e.Registry.CreateMatrix(ctx, admin, domain.ApprovalMatrix{
		TenantID:     tenant.ID,
		Name:         "offers",
		DocumentType: "job-offer",
		Blocks: []domain.ApprovalBlock{
			{Level: 1, Approvers: []string{"alice", "bob"}, MinApprovals: &one},
		},
	})
	if err != nil {
		t.Fatalf("create matrix: %v", err)
	}
	if _, err := e.Registry.ActivateMatrix(ctx, admin, matrix.ID); err != nil {
		t.Fatalf("activate matrix: %v", err)
	}

	rep := report.Reporter{DB: conn, Repo: e.Repo, Ledger: e.Ledger, Cfg: e.Cfg, Log: zerolog.Nop()}
	handler, err := New(Config{
		Engine:   e,
		Reporter: rep,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true, Log: zerolog.Nop()},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:      "http://" + ln.Addr().String(),
		TenantID: tenant.ID,
		MatrixID: matrix.ID,
		client:   &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func signToken(t *testing.T, subject, email string, roles ...string) string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Email: email,
		Roles: roles,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func asActor(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	hr := asActor(signToken(t, "hr-admin", "hr@acme.test", "hr_admin"))
	alice := asActor(signToken(t, "alice", "alice@acme.test", "manager"))

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/documents", map[string]any{
		"tenantId": srv.TenantID,
		"type":     "job-offer",
		"title":    "Offer: staff engineer",
		"amount":   9500000,
		"currency": "EUR",
	}, hr)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create document: %d %s", res.StatusCode, string(data))
	}
	var doc DocumentResponse
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal document: %v", err)
	}
	if doc.State != "draft" || doc.CreatedBy != "hr-admin" {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if doc.CreatedAt == 0 {
		t.Fatalf("expected epoch-millis createdAt, got %d", doc.CreatedAt)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/documents/"+doc.ID+"/submit", nil, hr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	var wf WorkflowResponse
	if err := json.Unmarshal(data, &wf); err != nil {
		t.Fatalf("unmarshal workflow: %v", err)
	}
	if wf.Status != "pending" || wf.CurrentBlock != 1 || wf.MatrixID != srv.MatrixID {
		t.Fatalf("unexpected workflow: %+v", wf)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/workflows/"+wf.ID+"/decisions", map[string]any{
		"decision": "approved",
		"comment":  "comp band confirmed",
	}, alice)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("decide: %d %s", res.StatusCode, string(data))
	}
	var decided WorkflowResponse
	if err := json.Unmarshal(data, &decided); err != nil {
		t.Fatalf("unmarshal decided workflow: %v", err)
	}
	if decided.Status != "approved" {
		t.Fatalf("expected approved, got %s", decided.Status)
	}
	if decided.CompletedAt == nil {
		t.Fatalf("expected completedAt on approved workflow")
	}
	if len(decided.Decisions) != 1 || decided.Decisions[0].Approver != "alice" {
		t.Fatalf("unexpected decisions: %+v", decided.Decisions)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/documents/"+doc.ID, nil, hr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get document: %d %s", res.StatusCode, string(data))
	}
	var approved DocumentResponse
	_ = json.Unmarshal(data, &approved)
	if approved.State != "approved" {
		t.Fatalf("expected approved document, got %s", approved.State)
	}
}

func TestResolveMatrixQuery(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	hr := asActor(signToken(t, "hr-admin", "hr@acme.test", "hr_admin"))
	base := srv.URL + "/v1/matrices/resolve?tenantId=" + srv.TenantID + "&documentType=job-offer"

	res, data := doJSON(t, client, http.MethodGet, base, nil, hr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve without amount: %d %s", res.StatusCode, string(data))
	}
	var m MatrixResponse
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal matrix: %v", err)
	}
	if m.ID != srv.MatrixID {
		t.Fatalf("resolved wrong matrix: %s", m.ID)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"&amount=250000", nil, hr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve with amount: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"&amount=lots", nil, hr)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad amount, got %d %s", res.StatusCode, string(data))
	}
}

func TestErrorEnvelopes(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	hr := asActor(signToken(t, "hr-admin", "hr@acme.test", "hr_admin"))
	alice := asActor(signToken(t, "alice", "alice@acme.test", "manager"))
	carol := asActor(signToken(t, "carol", "carol@acme.test", "manager"))

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/documents", map[string]any{
		"tenantId": srv.TenantID,
		"type":     "job-offer",
		"title":    "Offer",
	}, hr)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create document: %d %s", res.StatusCode, string(data))
	}
	var doc DocumentResponse
	_ = json.Unmarshal(data, &doc)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/documents/"+doc.ID+"/submit", nil, hr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	var wf WorkflowResponse
	_ = json.Unmarshal(data, &wf)

	// carol is not an approver at block 1
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/workflows/"+wf.ID+"/decisions", map[string]any{
		"decision": "approved",
	}, carol)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Error.Code != "forbidden" {
		t.Fatalf("expected forbidden code, got %q", env.Error.Code)
	}

	// resubmitting a pending document is an invalid state transition
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/documents/"+doc.ID+"/submit", nil, hr)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	env = errorEnvelope{}
	_ = json.Unmarshal(data, &env)
	if env.Error.Code != "invalid_state" {
		t.Fatalf("expected invalid_state code, got %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/workflows/"+wf.ID+"/decisions", map[string]any{
		"decision": "approved",
	}, alice)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}

	// reversing one's own recorded decision is a conflict
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/workflows/"+wf.ID+"/decisions", map[string]any{
		"decision": "rejected",
	}, alice)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on reversed decision, got %d %s", res.StatusCode, string(data))
	}
	env = errorEnvelope{}
	_ = json.Unmarshal(data, &env)
	if env.Error.Code != "conflict" {
		t.Fatalf("expected conflict code, got %q", env.Error.Code)
	}

	// a fresh approver deciding a closed workflow hits the state guard
	bob := asActor(signToken(t, "bob", "bob@acme.test", "manager"))
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/workflows/"+wf.ID+"/decisions", map[string]any{
		"decision": "rejected",
	}, bob)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 on closed workflow, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/documents/missing", nil, hr)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	env = errorEnvelope{}
	_ = json.Unmarshal(data, &env)
	if env.Error.Code != "not_found" {
		t.Fatalf("expected not_found code, got %q", env.Error.Code)
	}
}

func TestAuthentication(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health without credentials: %d", res.StatusCode)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/documents", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/documents", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, string(data))
	}

	// token signed with the wrong secret
	claims := jwt.RegisteredClaims{Subject: "mallory"}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("sign forged token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/documents", nil, asActor(forged))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged token, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/documents", nil, map[string]string{
		"X-Actor-Id": "legacy-cli",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected legacy header to authenticate, got %d %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	hr := asActor(signToken(t, "hr-admin", "hr@acme.test", "hr_admin"))

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/apikeys", map[string]any{
		"actorId": "svc-bot",
		"name":    "ci",
	}, hr)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key: %d %s", res.StatusCode, string(data))
	}
	var created APIKeyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal api key: %v", err)
	}
	if created.Key == "" {
		t.Fatalf("expected plaintext key on create")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/documents", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth: %d %s", res.StatusCode, string(data))
	}

	// listing never re-exposes the plaintext
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/apikeys?actorId=svc-bot", nil, hr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list api keys: %d %s", res.StatusCode, string(data))
	}
	var keys []APIKeyResponse
	if err := json.Unmarshal(data, &keys); err != nil {
		t.Fatalf("unmarshal api keys: %v", err)
	}
	if len(keys) != 1 || keys[0].Key != "" {
		t.Fatalf("unexpected api key listing: %+v", keys)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/apikeys/"+created.ID, nil, hr)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete api key: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/documents", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after key deletion, got %d %s", res.StatusCode, string(data))
	}
}

func TestSessionActivityTracking(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	alice := asActor(signToken(t, "alice", "alice@acme.test", "manager"))

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/sessions", map[string]any{
		"tenantId": srv.TenantID,
		"token":    "sess-tok-1",
	}, alice)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start session: %d %s", res.StatusCode, string(data))
	}

	withSession := map[string]string{
		"Authorization":   "Bearer " + signToken(t, "alice", "alice@acme.test", "manager"),
		"X-Session-Token": "sess-tok-1",
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/documents", nil, withSession)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tracked request: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/sessions?actorId=alice&active=true", nil, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list sessions: %d %s", res.StatusCode, string(data))
	}
	var sessions []SessionResponse
	if err := json.Unmarshal(data, &sessions); err != nil {
		t.Fatalf("unmarshal sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ActionCount != 1 {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/sessions/end", map[string]any{
		"token":  "sess-tok-1",
		"reason": "logout",
	}, alice)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("end session: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/sessions?actorId=alice&active=true", nil, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list sessions after end: %d %s", res.StatusCode, string(data))
	}
	sessions = nil
	_ = json.Unmarshal(data, &sessions)
	if len(sessions) != 0 {
		t.Fatalf("expected no active sessions, got %+v", sessions)
	}
}
