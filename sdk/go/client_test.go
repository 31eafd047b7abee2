package batchlinesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsCredentialsAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		switch r.URL.Path {
		case "/v0/assessments/a-1/complete":
			assert.Equal(t, http.MethodPost, r.Method)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"assessment": map[string]any{"id": "a-1", "status": "completed"},
				"batch":      map[string]any{"id": "b-1", "status": "completed"},
				"to":         "completed",
				"emission":   map[string]any{"report_id": "b-1", "hash": "abc", "issuer_id": "iss-1"},
			})
		case "/v0/batches/b-1/report/emit":
			_, _ = w.Write([]byte(`{"outcome":"already_issued","result":{"report_id":"b-1","hash":"","issuer_id":"","emergency":false}}`))
		case "/v0/batches/b-2/report/emit":
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":{"code":"invalid_transition","message":"batch b-2 is active"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "secret"

	res, err := c.CompleteAssessment(context.Background(), "a-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", res.To)
	require.NotNil(t, res.Emission)
	assert.Equal(t, "abc", res.Emission.Hash)

	em, err := c.Emit(context.Background(), "b-1")
	require.NoError(t, err)
	assert.Equal(t, "already_issued", em.Outcome)
	assert.Equal(t, "b-1", em.ReportID)

	_, err = c.Emit(context.Background(), "b-2")
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "invalid_transition", ae.Code)
}

func TestBearerTokenWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("X-Api-Key"))
		assert.Equal(t, "c-1", r.URL.Query().Get("cohort_id"))
		_, _ = w.Write([]byte(`[{"id":"b-1","status":"active"}]`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.APIKey = "ignored"
	c.BearerToken = "tok"
	items, err := c.ListBatches(context.Background(), "c-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "active", items[0].Status)
}
