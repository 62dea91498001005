package httpserver_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/auth"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/httpserver"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/lifecycle"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/models"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/trial"
)

var secret = []byte("resolve-secret")

// steadyRunner always reports the same healthy KPIs.
type steadyRunner struct{ n int }

func (r *steadyRunner) Run(in trial.Input) models.Trial {
	r.n++
	return models.Trial{
		TrialID:   "trial-" + time.Unix(int64(r.n), 0).UTC().Format("150405"),
		AgentID:   in.AgentID,
		AgentName: in.AgentName,
		Mode:      in.Mode,
		Seed:      in.Seed,
		TaskList:  in.TaskList,
		KPIs:      models.KPIs{SuccessRate: 0.95, AvgLatencyMs: 180, ConfidenceScore: 90},
		CreatedAt: time.Unix(int64(r.n), 0).UTC(),
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctrl := lifecycle.NewController(lifecycle.Options{Runner: &steadyRunner{}})
	verifier := auth.NewVerifier(auth.Config{Secret: secret, Issuer: "governance", RequiredScope: "approvals:resolve"})
	srv := httptest.NewServer(httpserver.New(ctrl, verifier).Router())
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path string, body interface{}, headers map[string]string) (int, map[string]interface{}) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func bearer(t *testing.T, sub string) map[string]string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   sub,
		"iss":   "governance",
		"scope": "approvals:resolve",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + tok}
}

func setupShadowAgent(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	code, _ := call(t, srv, http.MethodPost, "/projects", map[string]string{"id": "proj-1", "name": "support"}, nil)
	require.Equal(t, http.StatusCreated, code)
	code, agent := call(t, srv, http.MethodPost, "/agents", map[string]string{"projectId": "proj-1", "name": "triage"}, nil)
	require.Equal(t, http.StatusCreated, code)
	id := agent["id"].(string)
	code, agent = call(t, srv, http.MethodPost, "/agents/"+id+"/shadow", nil, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "shadow", agent["lifecycleState"])
	return id
}

func TestPromotionFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	id := setupShadowAgent(t, srv)

	for i := 0; i < 3; i++ {
		code, out := call(t, srv, http.MethodPost, "/agents/"+id+"/trials", map[string]interface{}{"taskList": []string{"a", "b"}, "seed": 11 + i}, nil)
		require.Equal(t, http.StatusCreated, code, out)
	}
	code, out := call(t, srv, http.MethodGet, "/agents/"+id+"/trials", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, out["trials"], 3)

	code, out = call(t, srv, http.MethodPost, "/agents/"+id+"/promotion", map[string]string{"reason": "steady"}, nil)
	require.Equal(t, http.StatusCreated, code, out)
	assert.Equal(t, true, out["accepted"])
	approvalID := out["approval"].(map[string]interface{})["id"].(string)

	code, _ = call(t, srv, http.MethodPost, "/approvals/"+approvalID+"/resolve", map[string]string{"decision": "approved"}, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, out = call(t, srv, http.MethodPost, "/approvals/"+approvalID+"/resolve",
		map[string]string{"decision": "approved", "decidedBy": "spoofed"}, bearer(t, "lead@example.com"))
	require.Equal(t, http.StatusOK, code, out)
	approval := out["approval"].(map[string]interface{})
	assert.Equal(t, "approved", approval["status"])
	assert.Equal(t, "lead@example.com", approval["decidedBy"])
	assert.Equal(t, "production", out["agent"].(map[string]interface{})["lifecycleState"])

	code, _ = call(t, srv, http.MethodPost, "/approvals/"+approvalID+"/resolve", map[string]string{"decision": "denied"}, bearer(t, "lead@example.com"))
	assert.Equal(t, http.StatusConflict, code)

	code, out = call(t, srv, http.MethodGet, "/agents/"+id+"/events?type=agent_promotion_approved", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, out["events"], 1)

	code, out = call(t, srv, http.MethodGet, "/events/verify", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["valid"])
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)
	id := setupShadowAgent(t, srv)

	code, _ := call(t, srv, http.MethodGet, "/agents/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = call(t, srv, http.MethodPost, "/agents/"+id+"/shadow", nil, nil)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = call(t, srv, http.MethodPost, "/agents/"+id+"/trials", map[string]interface{}{"taskList": []string{}}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, srv, http.MethodPost, "/projects/proj-1/freeze", map[string]string{"reason": "incident"}, nil)
	require.Equal(t, http.StatusOK, code)
	code, out := call(t, srv, http.MethodPost, "/agents/"+id+"/promotion", nil, nil)
	assert.Equal(t, http.StatusLocked, code)
	assert.Contains(t, out["error"], "incident")

	code, _ = call(t, srv, http.MethodPost, "/agents/"+id+"/regression-check", nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, srv, http.MethodGet, "/approvals/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestOptionalBodyAcceptsChunkedEmpty(t *testing.T) {
	ctrl := lifecycle.NewController(lifecycle.Options{Runner: &steadyRunner{}})
	router := httpserver.New(ctrl, nil).Router()
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	id := setupShadowAgent(t, srv)

	// No declared length, as with Transfer-Encoding: chunked.
	send := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(""))
		req.ContentLength = -1
		req.TransferEncoding = []string{"chunked"}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := send("/agents/" + id + "/promotion")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, false, out["accepted"])

	rec = send("/projects/proj-1/freeze")
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = send("/projects/proj-1/unfreeze")
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	req := httptest.NewRequest(http.MethodPost, "/projects/proj-1/freeze", strings.NewReader("{"))
	req.ContentLength = -1
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	code, out := call(t, srv, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", out["status"])
}
