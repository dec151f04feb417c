package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-doc-approvals/internal/ledger/memory"
	"github.com/pesio-ai/be-doc-approvals/internal/logger"
	"github.com/pesio-ai/be-doc-approvals/internal/repository"
	"github.com/pesio-ai/be-doc-approvals/internal/service"
	"github.com/pesio-ai/be-doc-approvals/internal/signature"
)

type testServer struct {
	handler http.Handler
	mirror  *repository.MemoryMirror
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := logger.Nop()
	l := memory.New()
	mirror := repository.NewMemoryMirror()
	audit := repository.NewMemoryAudit()
	sync := service.NewSyncEngine(l, mirror, audit, nil, service.SyncConfig{Backoff: time.Millisecond}, log)
	workflow := service.NewWorkflowService(l, mirror, audit, sync, log)
	verifier := service.NewVerificationService(l, mirror, signature.NewVerifier(), log)
	return &testServer{
		handler: NewHTTPHandler(workflow, verifier, log).Routes(),
		mirror:  mirror,
	}
}

func (s *testServer) do(t *testing.T, method, path, identity string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body == nil {
		req.ContentLength = 0
	}
	if identity != "" {
		req.Header.Set(IdentityHeader, identity)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func createBody(approvers ...string) CreateRequestBody {
	return CreateRequestBody{
		ContentHash:  "0xfeed",
		Approvers:    approvers,
		ProcessType:  "parallel",
		ApprovalType: "standard",
		Title:        "Q3 contract",
	}
}

func TestHTTPRequestLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/requests", "alice", createBody("bob", "carol"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id, _ := decode(t, rec)["request_id"].(string)
	require.NotEmpty(t, id)

	rec = s.do(t, http.MethodPost, "/api/v1/requests/"+id+"/approve", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "PARTIAL", decode(t, rec)["status"])

	rec = s.do(t, http.MethodPost, "/api/v1/requests/"+id+"/reject", "carol", decisionBody{Reason: "terms changed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "REJECTED", decode(t, rec)["status"])

	rec = s.do(t, http.MethodPost, "/api/v1/requests/"+id+"/approve", "carol", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	errBody, _ := decode(t, rec)["error"].(map[string]interface{})
	assert.Equal(t, "REQUEST_NOT_ACTIVE", errBody["code"])

	rec = s.do(t, http.MethodGet, "/api/v1/requests/"+id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode(t, rec)
	assert.Equal(t, "PARALLEL/STANDARD", got["flow"])
	meta, _ := got["metadata"].(map[string]interface{})
	assert.Equal(t, "Q3 contract", meta["title"])

	rec = s.do(t, http.MethodGet, "/api/v1/requests/"+id+"/history", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history, _ := decode(t, rec)["history"].([]interface{})
	assert.Len(t, history, 3)

	rec = s.do(t, http.MethodGet, "/api/v1/verify/0xfeed", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["verified"])
}

func TestHTTPCreateValidation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name     string
		identity string
		body     interface{}
		status   int
		code     string
	}{
		{name: "missing identity", body: createBody("bob"), status: http.StatusUnauthorized, code: "NOT_AUTHORIZED"},
		{name: "no approvers", identity: "alice", body: createBody(), status: http.StatusBadRequest, code: "SUBMISSION_REJECTED"},
		{name: "duplicate approvers", identity: "alice", body: createBody("bob", "bob"), status: http.StatusBadRequest, code: "SUBMISSION_REJECTED"},
		{name: "unknown flow", identity: "alice", body: CreateRequestBody{ContentHash: "0x1", Approvers: []string{"bob"}, ProcessType: "ROUND_ROBIN", ApprovalType: "STANDARD"}, status: http.StatusBadRequest, code: "SUBMISSION_REJECTED"},
		{name: "malformed body", identity: "alice", body: "not an object", status: http.StatusBadRequest, code: "INVALID_INPUT"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/v1/requests", tc.identity, tc.body)
			assert.Equal(t, tc.status, rec.Code)
			errBody, _ := decode(t, rec)["error"].(map[string]interface{})
			assert.Equal(t, tc.code, errBody["code"])
		})
	}
}

func TestHTTPIdempotencyKey(t *testing.T) {
	s := newTestServer(t)

	first := s.do(t, http.MethodPost, "/api/v1/requests", "alice", createBody("bob"), IdempotencyHeader, "k-1")
	require.Equal(t, http.StatusCreated, first.Code)
	second := s.do(t, http.MethodPost, "/api/v1/requests", "alice", createBody("bob"), IdempotencyHeader, "k-1")
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, decode(t, first)["request_id"], decode(t, second)["request_id"])
}

func TestHTTPMirrorFailureReturnsAccepted(t *testing.T) {
	s := newTestServer(t)
	s.mirror.FailWrites(assert.AnError)

	rec := s.do(t, http.MethodPost, "/api/v1/requests", "alice", createBody("bob"))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	assert.NotEmpty(t, body["request_id"])
	errBody, _ := body["error"].(map[string]interface{})
	assert.Equal(t, "MIRROR_SYNC_FAILED", errBody["code"])

	s.mirror.FailWrites(nil)
	rec = s.do(t, http.MethodPost, "/api/v1/sync?identity=alice", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["applied"])
}

func TestHTTPListAndErrors(t *testing.T) {
	s := newTestServer(t)
	for _, approver := range []string{"bob", "carol"} {
		rec := s.do(t, http.MethodPost, "/api/v1/requests", "alice", createBody(approver))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := s.do(t, http.MethodGet, "/api/v1/requests?approver=carol&status=pending", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	rec = s.do(t, http.MethodGet, "/api/v1/requests?identity=alice&page_size=1&page=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	rec = s.do(t, http.MethodGet, "/api/v1/requests?status=LOST", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/requests/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/verify/0xnothing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/requests/missing/cancel", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
