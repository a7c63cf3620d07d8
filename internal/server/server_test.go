package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"ledgerline/internal/config"
	"ledgerline/internal/db"
	"ledgerline/internal/domain"
	"ledgerline/internal/engine"
	"ledgerline/internal/migrate"
	"ledgerline/internal/server"
)

type stubEnqueuer struct {
	mu   sync.Mutex
	runs []string
}

func (s *stubEnqueuer) Enqueue(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, runID)
	return nil
}

func (s *stubEnqueuer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

type testServer struct {
	BaseURL  string
	Engine   engine.Engine
	Enqueuer *stubEnqueuer
	Client   *http.Client
	Ctx      context.Context
}

func newTestServer(t *testing.T, jwtSecret string) testServer {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	enq := &stubEnqueuer{}
	handler, err := server.New(server.Config{
		Engine:   eng,
		Dispatch: enq,
		BasePath: "/v0",
		Auth:     server.AuthConfig{JWTSecret: jwtSecret},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	return testServer{
		BaseURL:  "http://" + ln.Addr().String() + "/v0",
		Engine:   eng,
		Enqueuer: enq,
		Client:   &http.Client{Timeout: 5 * time.Second},
		Ctx:      context.Background(),
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
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
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer res.Body.Close()
	out := map[string]any{}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decode: %v", method, url, err)
	}
	return res.StatusCode, out
}

func doJSONList(t *testing.T, client *http.Client, url string, headers map[string]string) (int, []map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer res.Body.Close()
	var out []map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("GET %s: decode: %v", url, err)
	}
	return res.StatusCode, out
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error envelope, got %v", body)
	}
	code, _ := e["code"].(string)
	return code
}

var devActor = map[string]string{"X-Actor-Id": "tester"}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t, "")
	status, body := doJSON(t, ts.Client, http.MethodGet, ts.BaseURL+"/health", nil, nil)
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: status=%d body=%v", status, body)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	ts := newTestServer(t, "")
	status, body := doJSON(t, ts.Client, http.MethodPost, ts.BaseURL+"/runs", map[string]any{
		"run_type": "contract_obligation",
		"payload":  map[string]any{"case_id": "c1"},
	}, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %v", status, body)
	}
	if code := errorCode(t, body); code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %s", code)
	}
}

func TestTriggerRunCreateReuseConflict(t *testing.T) {
	ts := newTestServer(t, "")
	payload := map[string]any{
		"run_type": "contract_obligation",
		"payload":  map[string]any{"case_id": "c1"},
	}
	headers := map[string]string{"X-Actor-Id": "tester", "Idempotency-Key": "trigger-1"}

	status, body := doJSON(t, ts.Client, http.MethodPost, ts.BaseURL+"/runs", payload, headers)
	if status != http.StatusOK {
		t.Fatalf("trigger: status=%d body=%v", status, body)
	}
	if body["reused"] != false || body["status"] != "queued" {
		t.Fatalf("unexpected trigger response: %v", body)
	}
	runID, _ := body["run_id"].(string)
	if runID == "" {
		t.Fatal("missing run_id")
	}
	if ts.Enqueuer.count() != 1 {
		t.Fatalf("expected one dispatch, got %d", ts.Enqueuer.count())
	}

	status, body = doJSON(t, ts.Client, http.MethodPost, ts.BaseURL+"/runs", payload, headers)
	if status != http.StatusOK || body["reused"] != true {
		t.Fatalf("reuse: status=%d body=%v", status, body)
	}
	if body["run_id"] != runID {
		t.Fatalf("reuse returned a different run: %v", body["run_id"])
	}
	if ts.Enqueuer.count() != 1 {
		t.Fatalf("reused run must not re-dispatch, got %d", ts.Enqueuer.count())
	}

	// Same key, different payload.
	status, body = doJSON(t, ts.Client, http.MethodPost, ts.BaseURL+"/runs", map[string]any{
		"run_type": "contract_obligation",
		"payload":  map[string]any{"case_id": "c2"},
	}, headers)
	if status != http.StatusConflict {
		t.Fatalf("expected 409, got %d %v", status, body)
	}
	if code := errorCode(t, body); code != "idempotency_conflict" {
		t.Fatalf("expected idempotency_conflict, got %s", code)
	}
}

func TestTriggerRunUnknownType(t *testing.T) {
	ts := newTestServer(t, "")
	status, body := doJSON(t, ts.Client, http.MethodPost, ts.BaseURL+"/runs", map[string]any{
		"run_type": "payroll_export",
	}, devActor)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %v", status, body)
	}
}

func TestGetRunNotFound(t *testing.T) {
	ts := newTestServer(t, "")
	status, body := doJSON(t, ts.Client, http.MethodGet, ts.BaseURL+"/runs/"+uuid.New().String(), nil, devActor)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %v", status, body)
	}
	if code := errorCode(t, body); code != "not_found" {
		t.Fatalf("expected not_found, got %s", code)
	}
}

func TestRunTasksAndLogs(t *testing.T) {
	ts := newTestServer(t, "")
	status, body := doJSON(t, ts.Client, http.MethodPost, ts.BaseURL+"/runs", map[string]any{
		"run_type": "contract_obligation",
		"payload":  map[string]any{"case_id": "c1"},
	}, devActor)
	if status != http.StatusOK {
		t.Fatalf("trigger: %d %v", status, body)
	}
	runID := body["run_id"].(string)

	status, tasks := doJSONList(t, ts.Client, ts.BaseURL+"/runs/"+runID+"/tasks", devActor)
	if status != http.StatusOK || len(tasks) != 5 {
		t.Fatalf("tasks: status=%d n=%d", status, len(tasks))
	}
	if tasks[0]["name"] != "fetch_source" || tasks[4]["name"] != "publish_evidence_pack" {
		t.Fatalf("unexpected task order: %v", tasks)
	}

	status, events := doJSONList(t, ts.Client, ts.BaseURL+"/logs?run_id="+runID, devActor)
	if status != http.StatusOK || len(events) == 0 {
		t.Fatalf("logs: status=%d n=%d", status, len(events))
	}
	if events[0]["action"] != "run.created" {
		t.Fatalf("expected run.created event, got %v", events[0]["action"])
	}
}

func seedServerProposal(t *testing.T, ts testServer, riskLevel string, required int) string {
	t.Helper()
	now := "2026-01-01T00:00:00Z"
	p := domain.Proposal{
		ID:                uuid.New().String(),
		CaseID:            "case-1",
		ProposalType:      "reminder",
		Tier:              1,
		RiskLevel:         riskLevel,
		Status:            "draft",
		ApprovalsRequired: required,
		CreatedBy:         "agent",
		DetailsJSON:       `{"amount":150000000,"due_date":"2026-03-15"}`,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	tx, err := ts.Engine.DB.BeginTx(ts.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := ts.Engine.Repo.InsertProposalTx(ts.Ctx, tx, p); err != nil {
		t.Fatalf("seed proposal: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return p.ID
}

func TestApprovalEndpointStateMachine(t *testing.T) {
	ts := newTestServer(t, "")
	id := seedServerProposal(t, ts, "high", 2)
	url := ts.BaseURL + "/contract/proposals/" + id + "/approvals"
	approve := map[string]any{"decision": "approve", "evidence_ack": true}

	status, body := doJSON(t, ts.Client, http.MethodPost, url, approve, map[string]string{"X-Actor-Id": "agent"})
	if status != http.StatusConflict || errorCode(t, body) != "self_approval" {
		t.Fatalf("self approval: status=%d body=%v", status, body)
	}

	status, body = doJSON(t, ts.Client, http.MethodPost, url, map[string]any{
		"decision": "approve", "evidence_ack": false,
	}, map[string]string{"X-Actor-Id": "reviewer-1"})
	if status != http.StatusUnprocessableEntity || errorCode(t, body) != "evidence_ack_required" {
		t.Fatalf("missing ack: status=%d body=%v", status, body)
	}

	status, body = doJSON(t, ts.Client, http.MethodPost, url, approve, map[string]string{"X-Actor-Id": "reviewer-1"})
	if status != http.StatusOK {
		t.Fatalf("first approval: status=%d body=%v", status, body)
	}
	if body["proposal_status"] != "pending_l2" || body["approvals_approved"] != float64(1) {
		t.Fatalf("expected pending_l2 1/2, got %v", body)
	}

	status, body = doJSON(t, ts.Client, http.MethodPost, url, approve, map[string]string{"X-Actor-Id": "reviewer-2"})
	if status != http.StatusOK || body["proposal_status"] != "approved" {
		t.Fatalf("second approval: status=%d body=%v", status, body)
	}

	status, body = doJSON(t, ts.Client, http.MethodPost, url, approve, map[string]string{"X-Actor-Id": "reviewer-3"})
	if status != http.StatusConflict || errorCode(t, body) != "proposal_terminal" {
		t.Fatalf("terminal: status=%d body=%v", status, body)
	}

	status, proposal := doJSON(t, ts.Client, http.MethodGet, ts.BaseURL+"/contract/proposals/"+id, nil, devActor)
	if status != http.StatusOK {
		t.Fatalf("get proposal: %d %v", status, proposal)
	}
	approvals, _ := proposal["approvals"].([]any)
	if len(approvals) != 2 {
		t.Fatalf("expected 2 approvals on record, got %d", len(approvals))
	}
	details, _ := proposal["details"].(map[string]any)
	if details["due_date"] != "2026-03-15" {
		t.Fatalf("details not surfaced: %v", proposal["details"])
	}
}

func TestJWTAuth(t *testing.T) {
	const secret = "test-secret"
	ts := newTestServer(t, secret)

	// Dev header is ignored once a secret is configured.
	status, body := doJSON(t, ts.Client, http.MethodGet, ts.BaseURL+"/runs", nil, devActor)
	if status != http.StatusUnauthorized {
		t.Fatalf("dev header with secret set: status=%d body=%v", status, body)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "auditor-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	bearer := map[string]string{"Authorization": "Bearer " + token}

	status, runs := doJSONList(t, ts.Client, ts.BaseURL+"/runs", bearer)
	if status != http.StatusOK || len(runs) != 0 {
		t.Fatalf("jwt list runs: status=%d n=%d", status, len(runs))
	}

	bad := map[string]string{"Authorization": "Bearer not-a-token"}
	status, body = doJSON(t, ts.Client, http.MethodGet, ts.BaseURL+"/runs", nil, bad)
	if status != http.StatusUnauthorized || errorCode(t, body) != "invalid_credentials" {
		t.Fatalf("bad token: status=%d body=%v", status, body)
	}
}
