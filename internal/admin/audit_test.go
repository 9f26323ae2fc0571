package admin

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuditLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})), &buf
}

func TestAuditMiddleware_LogsMutatingRequests(t *testing.T) {
	logger, logBuf := newAuditLogger()
	var seenBody string
	handler := AuditMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seenBody = string(b)
		w.WriteHeader(http.StatusAccepted)
	}))

	body := `{"from_block":100,"to_block":200}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/v1/backfill", strings.NewReader(body)))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, body, seenBody, "handler still reads the full body")
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(logBuf.Bytes(), &entry))
	assert.Equal(t, "admin API audit", entry["msg"])
	assert.Equal(t, "POST", entry["method"])
	assert.Equal(t, "/admin/v1/backfill", entry["path"])
	assert.Equal(t, float64(http.StatusAccepted), entry["response_status"])
	assert.Equal(t, rec.Header().Get(RequestIDHeader), entry["request_id"])
}

func TestAuditMiddleware_KeepsCallerRequestID(t *testing.T) {
	logger, logBuf := newAuditLogger()
	handler := AuditMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodPost, "/admin/v1/reorg-check", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get(RequestIDHeader))
	assert.Contains(t, logBuf.String(), `"request_id":"req-42"`)
}

func TestAuditMiddleware_SkipsReads(t *testing.T) {
	logger, logBuf := newAuditLogger()
	handler := AuditMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/admin/v1/health", nil))
	assert.Zero(t, logBuf.Len())
}

func TestAuditMiddleware_TruncatesLargeBody(t *testing.T) {
	logger, logBuf := newAuditLogger()
	var seen int
	handler := AuditMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = len(b)
	}))

	large := strings.Repeat("x", 2000)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/admin/v1/backfill", strings.NewReader(large)))

	assert.Contains(t, logBuf.String(), "...(truncated)")
	assert.Equal(t, 2000, seen)
}
