package httputil

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]int{"batches": 3})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, map[string]any{"batches": 3.0}, decode(t, rec))
}

func TestWriteJSON_EncodeFailure(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusOK, math.Inf(1))
	assert.Equal(t, http.StatusOK, rec.Code, "headers are already sent")
}

func TestErrorResponses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		write  func(http.ResponseWriter)
		status int
		msg    string
	}{
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "invalid run id") }, http.StatusBadRequest, "invalid run id"},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "run not found") }, http.StatusNotFound, "run not found"},
		{"internal", func(w http.ResponseWriter) { InternalServerError(w, "ledger closed") }, http.StatusInternalServerError, "ledger closed"},
		{"method", MethodNotAllowed, http.StatusMethodNotAllowed, "method not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, map[string]any{"error": tt.msg}, decode(t, rec))
		})
	}
}

func TestAllowMethods(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	assert.True(t, AllowMethods(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil), http.MethodGet, http.MethodHead))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	assert.False(t, AllowMethods(rec, httptest.NewRequest(http.MethodPost, "/api/runs", nil), http.MethodGet))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
