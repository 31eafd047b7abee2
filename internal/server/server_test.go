package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"batchline/internal/app"
	"batchline/internal/config"
	"batchline/internal/domain"
	"batchline/internal/engine"
	"batchline/internal/engine/auth"
	"batchline/internal/principal"
)

const testSecret = "test-secret"

var (
	adminP   = principal.Interactive{SubjectID: "u-admin", Role: auth.RoleAdmin}
	managerP = principal.Interactive{SubjectID: "u-manager", Role: auth.RoleManager, ScopeIDs: []string{"c-1"}}
	issuerP  = principal.Interactive{SubjectID: "iss-1", Role: auth.RoleIssuer}
)

type testServer struct {
	*httptest.Server
	engine engine.Engine
	auth   AuthConfig
}

func newTestServer(t *testing.T, opts ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	for _, o := range opts {
		o(cfg)
	}
	rt, err := app.New(context.Background(), t.TempDir(), cfg, app.Options{Migrate: true, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	authCfg := AuthConfig{JWTSecret: testSecret, DevTokens: true}
	handler, err := New(Config{Engine: rt.Engine, BasePath: "/v0", Auth: authCfg})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		_ = rt.Close()
	})
	return &testServer{Server: srv, engine: rt.Engine, auth: authCfg}
}

func (s *testServer) token(t *testing.T, p principal.Interactive) map[string]string {
	t.Helper()
	tok, err := SignToken(s.auth, p)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + tok}
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

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, data)
	}
	return env.Error.Code
}

// seed registers cohort c-1, issuer iss-1 and the given subjects over HTTP.
func (s *testServer) seed(t *testing.T, subjects ...string) {
	t.Helper()
	admin := s.token(t, adminP)
	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/cohorts", map[string]any{"id": "c-1", "name": "Acme"}, admin)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	res, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/issuers", map[string]any{"id": "iss-1", "name": "Dr. Issuer"}, admin)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	for _, id := range subjects {
		res, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/subjects", map[string]any{"id": id, "cohort_id": "c-1", "name": "Subject " + id}, admin)
		require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	}
}

func (s *testServer) releaseBatch(t *testing.T) (domain.Batch, []domain.MemberAssessment) {
	t.Helper()
	mgr := s.token(t, managerP)
	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/batches", map[string]any{"cohort_id": "c-1"}, mgr)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var b domain.Batch
	require.NoError(t, json.Unmarshal(data, &b))

	res, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/batches/"+b.ID+"/release", nil, mgr)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var rel ReleaseBatchResponse
	require.NoError(t, json.Unmarshal(data, &rel))

	res, data = doJSON(t, s.Client(), http.MethodGet, s.URL+"/v0/batches/"+b.ID+"/assessments", nil, mgr)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list []domain.MemberAssessment
	require.NoError(t, json.Unmarshal(data, &list))
	return rel.Batch, list
}

func (s *testServer) answer(t *testing.T, a domain.MemberAssessment) engine.AssessmentResult {
	t.Helper()
	member := s.token(t, principal.Interactive{SubjectID: a.SubjectID, Role: auth.RoleSubject, ScopeIDs: []string{"c-1"}})
	res, data := doJSON(t, s.Client(), http.MethodPut, s.URL+"/v0/assessments/"+a.ID+"/responses", map[string]any{
		"responses": []map[string]any{
			{"dimension": 1, "item": "q1", "value": 40},
			{"dimension": 3, "item": "q3", "value": 80},
		},
	}, member)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/assessments/"+a.ID+"/complete", nil, member)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out engine.AssessmentResult
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthenticationRequired(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/batches", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/batches", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, data))

	other, err := SignToken(AuthConfig{JWTSecret: "other"}, adminP)
	require.NoError(t, err)
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/batches", nil, map[string]string{"Authorization": "Bearer " + other})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestWhoAmIWithAPIKey(t *testing.T) {
	srv := newTestServer(t)
	srv.seed(t)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/api-keys", map[string]any{
		"subject_id": "u-manager",
		"role":       "manager",
		"scope_ids":  []string{"c-1"},
	}, srv.token(t, adminP))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var created CreateAPIKeyResponse
	require.NoError(t, json.Unmarshal(data, &created))
	require.NotEmpty(t, created.Secret)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": created.Secret})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var who WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &who))
	assert.Equal(t, WhoAmIResponse{SubjectID: "u-manager", Role: "manager", ScopeIDs: []string{"c-1"}, Source: "api_key"}, who)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "bl_wrong"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/api-keys?subject_id=u-manager", nil, srv.token(t, adminP))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.NotContains(t, string(data), created.Secret)
	var keys []map[string]any
	require.NoError(t, json.Unmarshal(data, &keys))
	require.Len(t, keys, 1)
	assert.Equal(t, created.Key.ID, keys[0]["id"])

	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/api-keys/"+created.Key.ID, nil, srv.token(t, adminP))
	require.Equal(t, http.StatusNoContent, res.StatusCode, string(data))
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": created.Secret})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/api-keys/"+created.Key.ID, nil, srv.token(t, adminP))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestDevTokenRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/token", map[string]any{
		"subject_id": "iss-1",
		"role":       "issuer",
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var tok DevTokenResponse
	require.NoError(t, json.Unmarshal(data, &tok))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + tok.Token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var who WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &who))
	assert.Equal(t, "issuer", who.Role)
	assert.Equal(t, "jwt", who.Source)
}

func TestBatchLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	srv.seed(t, "s-1", "s-2")
	b, list := srv.releaseBatch(t)
	require.Equal(t, domain.BatchActive, b.Status)
	require.Len(t, list, 2)

	srv.answer(t, list[0])
	out := srv.answer(t, list[1])
	require.Equal(t, domain.BatchCompleted, out.To, "last submission completes the batch")
	require.NotNil(t, out.Emission, out.EmissionError)

	mgr := srv.token(t, managerP)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/batches/"+b.ID+"/report", nil, mgr)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var rp domain.Report
	require.NoError(t, json.Unmarshal(data, &rp))
	assert.Equal(t, domain.ReportIssued, rp.Status)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/batches/"+b.ID+"/report/content", nil, mgr)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.NotEmpty(t, data)
	assert.Equal(t, `"`+out.Emission.Hash+`"`, res.Header.Get("ETag"))

	iss := srv.token(t, issuerP)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/batches/"+b.ID+"/report/emit", nil, iss)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var again EmitResponse
	require.NoError(t, json.Unmarshal(data, &again))
	assert.Equal(t, "already_issued", again.Outcome)
	assert.Equal(t, b.ID, again.Result.ReportID)
	assert.Empty(t, again.Result.Hash)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/batches/"+b.ID+"/report/deliver", nil, iss)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/batches/"+b.ID, nil, mgr)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &b))
	assert.Equal(t, domain.BatchFinalized, b.Status)

	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/assessments/"+list[0].ID+"/responses", map[string]any{
		"responses": []map[string]any{{"dimension": 1, "item": "q1", "value": 10}},
	}, srv.token(t, adminP))
	assert.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "immutable", errorCode(t, data))
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)
	srv.seed(t, "s-1")
	mgr := srv.token(t, managerP)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/batches/missing", nil, mgr)
	assert.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	outsider := srv.token(t, principal.Interactive{SubjectID: "m-2", Role: auth.RoleManager, ScopeIDs: []string{"c-2"}})
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/batches", map[string]any{"cohort_id": "c-1"}, outsider)
	assert.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "forbidden", errorCode(t, data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/batches", map[string]any{"cohort_id": "c-1"}, mgr)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var b domain.Batch
	require.NoError(t, json.Unmarshal(data, &b))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/batches/"+b.ID+"/cancel", map[string]any{"reason": "wrong cohort"}, mgr)
	assert.Equal(t, http.StatusConflict, res.StatusCode, "draft batches cannot be cancelled: %s", data)
	assert.Equal(t, "invalid_transition", errorCode(t, data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/batches/"+b.ID+"/report/emit", nil, srv.token(t, issuerP))
	assert.Equal(t, http.StatusConflict, res.StatusCode, "draft batches cannot be emitted: %s", data)
	assert.Equal(t, "invalid_transition", errorCode(t, data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/batches/"+b.ID+"/report/emergency", map[string]any{"reason": "short"}, srv.token(t, issuerP))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cohorts", map[string]any{"id": "c-1", "name": "Again"}, srv.token(t, adminP))
	assert.Equal(t, http.StatusConflict, res.StatusCode, string(data))
}

func TestQueueEndpoints(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) { c.Emission.Inline = false })
	srv.seed(t, "s-1")
	b, list := srv.releaseBatch(t)
	out := srv.answer(t, list[0])
	require.Equal(t, domain.BatchCompleted, out.To)
	require.Nil(t, out.Emission)

	iss := srv.token(t, issuerP)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/queue", nil, iss)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var entries []domain.QueueEntry
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, b.ID, entries[0].BatchID)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/batches/"+b.ID+"/report/request", nil, srv.token(t, managerP))
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/queue/drain", nil, iss)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var drained DrainResponse
	require.NoError(t, json.Unmarshal(data, &drained))
	assert.Equal(t, 1, drained.Stats.Issued)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/audit?resource_id="+b.ID, nil, srv.token(t, adminP))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var logs []domain.AuditRecord
	require.NoError(t, json.Unmarshal(data, &logs))
	assert.NotEmpty(t, logs)
}

func TestOpenAPIDocument(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	paths, _ := doc["paths"].(map[string]any)
	assert.Contains(t, paths, "/v0/batches/{id}/report/emergency")
}
