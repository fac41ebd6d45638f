package handler

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentvault/agentvault/internal/audit"
	"github.com/agentvault/agentvault/internal/ratelimit"
	"github.com/agentvault/agentvault/internal/vault/service"
)

type testEnv struct {
	router *gin.Engine
	agents *memAgents
	ledger *audit.MemoryLedger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	agents := newMemAgents()
	personas := newMemPersonas(agents)
	commitments := newMemCommitments()
	drift := newMemDrift(agents)
	ledger := audit.New()

	agentSvc := service.NewAgentService(agents, logger)
	agentSvc.SetCommitmentRevoker(commitments)
	agentSvc.SetLedger(ledger)

	personaSvc := service.NewPersonaService(agents, personas, logger)
	personaSvc.SetDriftSeeder(drift)
	personaSvc.SetLedger(ledger)

	commitSvc := service.NewCommitmentService(commitments, agents, logger)
	commitSvc.SetLedger(ledger)

	driftSvc := service.NewDriftService(drift, logger)
	driftSvc.SetLedger(ledger)

	r := gin.New()
	r.GET("/health", NewHealthHandler(&stubPinger{}, logger).Health)

	v1 := r.Group("/v1")
	v1.Use(WindowLimit(ratelimit.New("general", 100, 15*time.Minute)))
	auth := APIKeyAuth(agentSvc, logger)
	authLimit := WindowLimit(ratelimit.New("auth", 10, 15*time.Minute))

	NewAgentHandler(agentSvc, logger).Register(v1, authLimit, auth)
	NewPersonaHandler(personaSvc, logger).Register(v1, auth)
	NewCommitmentHandler(commitSvc, logger).Register(v1, auth)
	NewDriftHandler(driftSvc, logger).Register(v1, auth)
	NewAuditHandler(ledger, logger).Register(v1)

	return &testEnv{router: r, agents: agents, ledger: ledger}
}

func doReq(t *testing.T, r *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func registerAgentHTTP(t *testing.T, env *testEnv) (agentID, apiKey string) {
	t.Helper()
	w := doReq(t, env.router, http.MethodPost, "/v1/agents/register", map[string]any{
		"name":        "test-agent",
		"owner_email": "owner@example.com",
		"permissions": []string{"read:*:*"},
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d body=%s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	return body["agent_id"].(string), body["api_key"].(string)
}

func registerManagerHTTP(t *testing.T, env *testEnv) (agentID, apiKey string) {
	t.Helper()
	w := doReq(t, env.router, http.MethodPost, "/v1/agents/register", map[string]any{
		"name":        "ops-manager",
		"owner_email": "ops@example.com",
		"permissions": []string{"agents:*:manage"},
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("register manager status = %d body=%s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	return body["agent_id"].(string), body["api_key"].(string)
}

func testPersonaDoc() map[string]any {
	return map[string]any{
		"version": "1.0.0",
		"traits":  map[string]any{"tone": "formal"},
		"constraints": map[string]any{
			"max_response_length": 500,
		},
		"guardrails": map[string]any{
			"toxicity_threshold":      0.05,
			"hallucination_tolerance": "strict",
		},
	}
}

func TestAgentRegisterAndVerify(t *testing.T) {
	env := newTestEnv(t)

	agentID, apiKey := registerAgentHTTP(t, env)
	if !strings.HasPrefix(apiKey, "avk_") {
		t.Errorf("api key = %q", apiKey)
	}

	w := doReq(t, env.router, http.MethodPost, "/v1/agents/verify", map[string]any{
		"agent_id": agentID, "api_key": apiKey,
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("verify status = %d", w.Code)
	}
	body := decode(t, w)
	if body["valid"] != true || body["status"] != "active" {
		t.Errorf("verify body = %v", body)
	}
	if w.Header().Get("X-RateLimit-Limit") == "" || w.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("rate limit headers missing")
	}

	w = doReq(t, env.router, http.MethodPost, "/v1/agents/verify", map[string]any{
		"agent_id": agentID, "api_key": "avk_wrong",
	}, nil)
	if w.Code != http.StatusOK || decode(t, w)["valid"] != false {
		t.Errorf("wrong-key verify: status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestAgentNotFound(t *testing.T) {
	env := newTestEnv(t)

	w := doReq(t, env.router, http.MethodGet, "/v1/agents/agt_missing", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if decode(t, w)["error"] != "not_found" {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t)
	agentID, _ := registerAgentHTTP(t, env)

	path := "/v1/agents/" + agentID + "/persona"

	w := doReq(t, env.router, http.MethodPost, path, testPersonaDoc(), nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d", w.Code)
	}

	w = doReq(t, env.router, http.MethodPost, path, testPersonaDoc(), map[string]string{"X-Api-Key": "avk_bogus"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bogus key: status = %d", w.Code)
	}
	if decode(t, w)["error"] != "unauthorized" {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestPersonaLifecycle(t *testing.T) {
	env := newTestEnv(t)
	agentID, apiKey := registerAgentHTTP(t, env)
	authed := map[string]string{"X-Api-Key": apiKey}
	path := "/v1/agents/" + agentID + "/persona"

	w := doReq(t, env.router, http.MethodPost, path, testPersonaDoc(), authed)
	if w.Code != http.StatusCreated {
		t.Fatalf("register persona: %d %s", w.Code, w.Body.String())
	}
	hash := decode(t, w)["persona_hash"].(string)
	if len(hash) != 64 {
		t.Errorf("persona_hash = %q", hash)
	}

	// Duplicate registration conflicts.
	w = doReq(t, env.router, http.MethodPost, path, testPersonaDoc(), authed)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate register: status = %d", w.Code)
	}

	// ETag round trip.
	w = doReq(t, env.router, http.MethodGet, path, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get persona: %d", w.Code)
	}
	etag := w.Header().Get("ETag")
	if etag != `"`+hash+`"` {
		t.Errorf("etag = %q", etag)
	}
	w = doReq(t, env.router, http.MethodGet, path, nil, map[string]string{"If-None-Match": etag})
	if w.Code != http.StatusNotModified {
		t.Errorf("if-none-match: status = %d", w.Code)
	}

	// Update bumps the version and reports the previous one.
	updated := testPersonaDoc()
	updated["traits"].(map[string]any)["tone"] = "casual"
	w = doReq(t, env.router, http.MethodPut, path, updated, authed)
	if w.Code != http.StatusOK {
		t.Fatalf("update persona: %d %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["persona_version"] != "1.1.0" || body["previous_version"] != "1.0.0" {
		t.Errorf("versions = %v / %v", body["persona_version"], body["previous_version"])
	}
	if body["diff"] == nil {
		t.Error("diff missing from update response")
	}

	// Integrity verify.
	w = doReq(t, env.router, http.MethodPost, path+"/verify", nil, authed)
	if w.Code != http.StatusOK || decode(t, w)["valid"] != true {
		t.Errorf("integrity verify: %d %s", w.Code, w.Body.String())
	}

	// CSV history.
	w = doReq(t, env.router, http.MethodGet, path+"/history?format=csv", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("history csv: %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("content type = %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if lines[0] != "id,agent_id,persona_hash,persona_version,changed_at" || len(lines) != 3 {
		t.Errorf("csv = %q", w.Body.String())
	}
}

func TestPersonaOwnershipEnforced(t *testing.T) {
	env := newTestEnv(t)
	agentID, _ := registerAgentHTTP(t, env)

	w := doReq(t, env.router, http.MethodPost, "/v1/agents/register", map[string]any{
		"name": "other", "owner_email": "other@example.com",
	}, nil)
	otherKey := decode(t, w)["api_key"].(string)

	w = doReq(t, env.router, http.MethodPost, "/v1/agents/"+agentID+"/persona",
		testPersonaDoc(), map[string]string{"X-Api-Key": otherKey})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d", w.Code)
	}
	if decode(t, w)["error"] != "forbidden" {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestPersonaTooLarge(t *testing.T) {
	env := newTestEnv(t)
	agentID, apiKey := registerAgentHTTP(t, env)

	p := testPersonaDoc()
	p["filler"] = strings.Repeat("x", 10*1024)
	w := doReq(t, env.router, http.MethodPost, "/v1/agents/"+agentID+"/persona",
		p, map[string]string{"X-Api-Key": apiKey})
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", w.Code)
	}
	if decode(t, w)["error"] != "payload_too_large" {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestCommitmentFlow(t *testing.T) {
	env := newTestEnv(t)
	_, apiKey := registerAgentHTTP(t, env)
	authed := map[string]string{"X-Api-Key": apiKey}

	w := doReq(t, env.router, http.MethodPost, "/v1/zkp/register-commitment",
		map[string]any{"ttl_seconds": 3600}, authed)
	if w.Code != http.StatusCreated {
		t.Fatalf("register commitment: %d %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	commitment := body["commitment"].(string)
	if salt := body["salt"].(string); len(salt) != 64 {
		t.Errorf("salt = %q", salt)
	}

	// Hash-mode verification is anonymous and never cacheable.
	verifyBody := map[string]any{"commitment": commitment, "preimage_hash": commitment}
	w = doReq(t, env.router, http.MethodPost, "/v1/zkp/verify-anonymous?mode=hash", verifyBody, nil)
	if w.Code != http.StatusOK || decode(t, w)["valid"] != true {
		t.Fatalf("verify: %d %s", w.Code, w.Body.String())
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("cache-control = %q", cc)
	}

	w = doReq(t, env.router, http.MethodGet, "/v1/zkp/active-count", nil, nil)
	if decode(t, w)["active_commitments"] != float64(1) {
		t.Errorf("active count body = %s", w.Body.String())
	}

	// Revoked and unknown commitments are indistinguishable to verifiers.
	w = doReq(t, env.router, http.MethodDelete, "/v1/zkp/commitment/"+commitment, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("revoke: %d", w.Code)
	}
	w = doReq(t, env.router, http.MethodPost, "/v1/zkp/verify-anonymous?mode=hash", verifyBody, nil)
	body = decode(t, w)
	if w.Code != http.StatusOK || body["valid"] != false || body["reason"] != "not found or revoked" {
		t.Errorf("revoked verify: %d %s", w.Code, w.Body.String())
	}
	w = doReq(t, env.router, http.MethodPost, "/v1/zkp/verify-anonymous?mode=hash",
		map[string]any{"commitment": "deadbeef", "preimage_hash": "deadbeef"}, nil)
	body = decode(t, w)
	if w.Code != http.StatusOK || body["reason"] != "not found or revoked" {
		t.Errorf("unknown verify: %d %s", w.Code, w.Body.String())
	}

	// Double revoke reports not_found.
	w = doReq(t, env.router, http.MethodDelete, "/v1/zkp/commitment/"+commitment, nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("double revoke: %d", w.Code)
	}
}

func TestHealthPingSignature(t *testing.T) {
	env := newTestEnv(t)
	agentID, apiKey := registerAgentHTTP(t, env)
	path := "/v1/drift/" + agentID + "/health-ping"

	raw := []byte(`{"metrics":{"toxicity_score":0.05}}`)
	mac := hmac.New(sha256.New, []byte(apiKey))
	mac.Write(raw)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", apiKey)
	req.Header.Set("X-Ping-Signature", sig)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("signed ping: %d %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", apiKey)
	req.Header.Set("X-Ping-Signature", "sha256="+strings.Repeat("0", 64))
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("tampered signature: %d", w.Code)
	}
}

func TestDriftAutoRevokeOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	agentID, apiKey := registerAgentHTTP(t, env)
	authed := map[string]string{"X-Api-Key": apiKey}

	w := doReq(t, env.router, http.MethodPut, "/v1/drift/"+agentID+"/drift-config", map[string]any{
		"drift_threshold":   0.5,
		"warning_threshold": 0.3,
		"spike_sensitivity": 2.0,
		"auto_revoke":       true,
		"metric_weights":    map[string]float64{"toxicity_score": 1.0},
		"baseline_metrics":  map[string]float64{"toxicity_score": 0.05},
	}, authed)
	if w.Code != http.StatusOK {
		t.Fatalf("config: %d %s", w.Code, w.Body.String())
	}

	w = doReq(t, env.router, http.MethodPost, "/v1/drift/"+agentID+"/health-ping", map[string]any{
		"metrics": map[string]float64{"toxicity_score": 0.8},
	}, authed)
	if w.Code != http.StatusOK {
		t.Fatalf("ping: %d %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["status"] != "revoked" || body["drift_score"] != float64(1) {
		t.Errorf("ping body = %s", w.Body.String())
	}

	// The agent no longer verifies as active.
	w = doReq(t, env.router, http.MethodPost, "/v1/agents/verify", map[string]any{
		"agent_id": agentID, "api_key": apiKey,
	}, nil)
	body = decode(t, w)
	if body["valid"] != false || body["status"] != "revoked" {
		t.Errorf("post-revoke verify = %s", w.Body.String())
	}

	// And its API key stops authenticating.
	w = doReq(t, env.router, http.MethodGet, "/v1/drift/"+agentID+"/drift-score", nil, authed)
	if w.Code != http.StatusForbidden {
		t.Errorf("revoked agent auth: %d", w.Code)
	}
}

func TestDriftConfigValidation(t *testing.T) {
	env := newTestEnv(t)
	agentID, apiKey := registerAgentHTTP(t, env)

	w := doReq(t, env.router, http.MethodPut, "/v1/drift/"+agentID+"/drift-config", map[string]any{
		"drift_threshold":   0.5,
		"warning_threshold": 0.5,
		"spike_sensitivity": 2.0,
	}, map[string]string{"X-Api-Key": apiKey})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if body["error"] != "validation_failed" || body["details"] == nil {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestAuthRateLimit(t *testing.T) {
	env := newTestEnv(t)
	agentID, apiKey := registerAgentHTTP(t, env) // consumes 1 of the auth budget

	for i := 0; i < 9; i++ {
		w := doReq(t, env.router, http.MethodPost, "/v1/agents/verify", map[string]any{
			"agent_id": agentID, "api_key": apiKey,
		}, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("verify %d: status = %d", i, w.Code)
		}
	}

	w := doReq(t, env.router, http.MethodPost, "/v1/agents/verify", map[string]any{
		"agent_id": agentID, "api_key": apiKey,
	}, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("11th auth request: status = %d", w.Code)
	}
	if w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("remaining = %q", w.Header().Get("X-RateLimit-Remaining"))
	}
	if decode(t, w)["error"] != "rate_limited" {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestAuditEndpoints(t *testing.T) {
	env := newTestEnv(t)
	agentID, _ := registerAgentHTTP(t, env)

	w := doReq(t, env.router, http.MethodGet, "/v1/audit?agent_id="+agentID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("audit list: %d", w.Code)
	}
	body := decode(t, w)
	entries := body["entries"].([]any)
	if len(entries) == 0 {
		t.Fatal("no audit entries for registered agent")
	}

	w = doReq(t, env.router, http.MethodGet, "/v1/audit/verify", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("audit verify: %d", w.Code)
	}
	body = decode(t, w)
	if body["valid"] != true || body["root"] == "" {
		t.Errorf("verify body = %s", w.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := doReq(t, env.router, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("healthy: %d", w.Code)
	}
	body := decode(t, w)
	if body["status"] != "ok" || body["checks"].(map[string]any)["database"] != "ok" {
		t.Errorf("body = %s", w.Body.String())
	}

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/health", NewHealthHandler(&stubPinger{err: errors.New("connection refused")}, zap.NewNop()).Health)
	w = doReq(t, r, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy: %d", w.Code)
	}
	body = decode(t, w)
	if body["status"] != "degraded" || body["checks"].(map[string]any)["database"] != "unreachable" {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestAgentListAndLifecycle(t *testing.T) {
	env := newTestEnv(t)
	agentID, _ := registerAgentHTTP(t, env)
	_, managerKey := registerManagerHTTP(t, env)
	asManager := map[string]string{"X-Api-Key": managerKey}

	w := doReq(t, env.router, http.MethodPut, "/v1/agents/"+agentID+"/status",
		map[string]any{"status": "suspended"}, asManager)
	if w.Code != http.StatusOK {
		t.Fatalf("status update: %d %s", w.Code, w.Body.String())
	}

	w = doReq(t, env.router, http.MethodGet, "/v1/agents?status=suspended", nil, nil)
	body := decode(t, w)
	if body["count"] != float64(1) {
		t.Errorf("suspended list = %s", w.Body.String())
	}

	w = doReq(t, env.router, http.MethodPut, "/v1/agents/"+agentID+"/tier",
		map[string]any{"tier": "platinum"}, asManager)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad tier: %d", w.Code)
	}

	w = doReq(t, env.router, http.MethodDelete, "/v1/agents/"+agentID, nil, asManager)
	if w.Code != http.StatusOK {
		t.Fatalf("revoke: %d", w.Code)
	}

	// Revocation is terminal.
	w = doReq(t, env.router, http.MethodPut, "/v1/agents/"+agentID+"/status",
		map[string]any{"status": "active"}, asManager)
	if w.Code != http.StatusConflict {
		t.Errorf("un-revoke: %d", w.Code)
	}

	w = doReq(t, env.router, http.MethodGet,
		fmt.Sprintf("/v1/agents/%s/verification-logs", agentID), nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("verification logs: %d", w.Code)
	}
}

func TestAgentMutationAuth(t *testing.T) {
	env := newTestEnv(t)
	agentID, apiKey := registerAgentHTTP(t, env)
	_, managerKey := registerManagerHTTP(t, env)
	asSelf := map[string]string{"X-Api-Key": apiKey}
	asManager := map[string]string{"X-Api-Key": managerKey}

	// Anonymous mutations are rejected outright.
	w := doReq(t, env.router, http.MethodDelete, "/v1/agents/"+agentID, nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous revoke: %d %s", w.Code, w.Body.String())
	}
	w = doReq(t, env.router, http.MethodPut, "/v1/agents/"+agentID+"/status",
		map[string]any{"status": "suspended"}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status update: %d", w.Code)
	}

	// An agent without the manage grant cannot touch another agent.
	otherID, _ := registerAgentHTTP(t, env)
	w = doReq(t, env.router, http.MethodDelete, "/v1/agents/"+otherID, nil, asSelf)
	if w.Code != http.StatusForbidden {
		t.Errorf("cross-agent revoke: %d", w.Code)
	}

	// Nor raise its own tier or grow its own permissions.
	w = doReq(t, env.router, http.MethodPut, "/v1/agents/"+agentID+"/tier",
		map[string]any{"tier": "enterprise"}, asSelf)
	if w.Code != http.StatusForbidden {
		t.Errorf("self tier change: %d", w.Code)
	}
	w = doReq(t, env.router, http.MethodPut, "/v1/agents/"+agentID+"/permissions",
		map[string]any{"permissions": []string{"*"}}, asSelf)
	if w.Code != http.StatusForbidden {
		t.Errorf("self permission grant: %d", w.Code)
	}

	// The manage grant covers tier changes.
	w = doReq(t, env.router, http.MethodPut, "/v1/agents/"+agentID+"/tier",
		map[string]any{"tier": "pro"}, asManager)
	if w.Code != http.StatusOK {
		t.Errorf("managed tier change: %d %s", w.Code, w.Body.String())
	}

	// Self-revocation is allowed, and kills the key.
	w = doReq(t, env.router, http.MethodDelete, "/v1/agents/"+agentID, nil, asSelf)
	if w.Code != http.StatusOK {
		t.Fatalf("self revoke: %d %s", w.Code, w.Body.String())
	}
	w = doReq(t, env.router, http.MethodPost, "/v1/agents/verify", map[string]any{
		"agent_id": agentID, "api_key": apiKey,
	}, nil)
	if body := decode(t, w); body["valid"] != false {
		t.Errorf("post-revoke verify = %s", w.Body.String())
	}
}
