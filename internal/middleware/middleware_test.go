package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orpaynter/opaudit/internal/audit"
	"github.com/orpaynter/opaudit/internal/telemetry"
)

// fakeAppender records every Record it is given.
type fakeAppender struct {
	mu      sync.Mutex
	records []audit.Record
	ctxIDs  []string
	err     error
}

func (f *fakeAppender) Append(ctx context.Context, rec audit.Record) (audit.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return audit.Entry{}, f.err
	}
	f.records = append(f.records, rec)
	f.ctxIDs = append(f.ctxIDs, audit.RequestIDFrom(ctx))
	return audit.Entry{}, nil
}

// ---------------------------------------------------------------------------
// RequestID
// ---------------------------------------------------------------------------

func TestRequestID_GeneratesWhenAbsent(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = audit.RequestIDFrom(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	id := w.Header().Get(RequestIDHeader)
	require.Len(t, id, 36, "expected UUID-format request id")
	assert.Equal(t, id, seen, "context id should match the echoed header")
}

func TestRequestID_PropagatesIncoming(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = audit.RequestIDFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "gateway-123")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, "gateway-123", w.Header().Get(RequestIDHeader))
	assert.Equal(t, "gateway-123", seen)
}

// ---------------------------------------------------------------------------
// Audited
// ---------------------------------------------------------------------------

func TestAudited_RecordsRequestAndJSONResponse(t *testing.T) {
	app := &fakeAppender{}
	h := RequestID(Audited(app, "ESTIMATE", "AI_AGENT", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"sqft":1800}`, string(body), "handler should still see the body")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"total":12000,"confidence":0.82}`)
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/estimate?zip=75001&tag=a&tag=b", strings.NewReader(`{"sqft":1800}`))
	req.Header.Set(RequestIDHeader, "req-9")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"total":12000,"confidence":0.82}`, w.Body.String())

	require.Len(t, app.records, 1)
	rec := app.records[0]
	assert.Equal(t, "AI_AGENT", rec.Actor)
	assert.Equal(t, "ESTIMATE", rec.ActionType)

	inputs := rec.Inputs.(map[string]any)
	assert.Equal(t, "POST", inputs["method"])
	assert.Equal(t, "/api/estimate", inputs["path"])
	args := inputs["args"].(map[string]any)
	assert.Equal(t, "75001", args["zip"])
	assert.Equal(t, []string{"a", "b"}, args["tag"])
	assert.Equal(t, map[string]any{"sqft": float64(1800)}, inputs["json"])

	assert.Equal(t, map[string]any{"total": float64(12000), "confidence": 0.82}, rec.Output)
	require.NotNil(t, rec.Confidence)
	assert.InDelta(t, 0.82, *rec.Confidence, 1e-9)
	assert.Equal(t, http.StatusCreated, rec.Metadata["status_code"])
	assert.Equal(t, "req-9", app.ctxIDs[0])
}

func TestAudited_TextResponseTruncated(t *testing.T) {
	app := &fakeAppender{}
	h := Audited(app, "GENERATION", "AI_AGENT", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, strings.Repeat("x", 800))
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/report", nil))

	assert.Equal(t, 800, w.Body.Len(), "client gets the full body")
	require.Len(t, app.records, 1)
	assert.Equal(t, strings.Repeat("x", 500), app.records[0].Output)
	assert.Nil(t, app.records[0].Confidence)
	assert.Nil(t, app.records[0].Inputs.(map[string]any)["json"])
	assert.Equal(t, http.StatusOK, app.records[0].Metadata["status_code"])
}

func TestAudited_RecordsErrorStatus(t *testing.T) {
	app := &fakeAppender{}
	h := Audited(app, "CLAIM", "USER", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad claim", http.StatusBadRequest)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/claims", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.Len(t, app.records, 1)
	assert.Equal(t, http.StatusBadRequest, app.records[0].Metadata["status_code"])
}

func TestAudited_PanicIsRecordedAndRepanics(t *testing.T) {
	app := &fakeAppender{}
	h := Audited(app, "ESTIMATE", "AI_AGENT", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("model crashed")
	}))

	assert.PanicsWithValue(t, "model crashed", func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/estimate", nil))
	})

	require.Len(t, app.records, 1)
	rec := app.records[0]
	assert.Equal(t, map[string]any{"error": "model crashed"}, rec.Output)
	assert.Equal(t, http.StatusInternalServerError, rec.Metadata["status_code"])
	assert.Equal(t, true, rec.Metadata["exception"])
}

func TestAudited_FailsClosed(t *testing.T) {
	app := &fakeAppender{err: errors.New("disk full")}
	h := Audited(app, "ESTIMATE", "AI_AGENT", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"secret_result":true}`)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "audit log unavailable")
	assert.NotContains(t, w.Body.String(), "secret_result", "unaudited response must not be sent")
}

func TestAudited_WithRealLog(t *testing.T) {
	log, err := audit.Open(t.TempDir(), audit.Options{})
	require.NoError(t, err)
	defer log.Close()

	h := RequestID(Audited(log, "LOGIN", "USER", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"token":"jwt-abc"}`)
	})))

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"user":"a","password":"p"}`))
	h.ServeHTTP(httptest.NewRecorder(), req)

	entries, err := log.Tail(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]

	assert.NotEmpty(t, e.RequestID)
	assert.Equal(t, "object", e.OutputType)
	assert.Equal(t, "[REDACTED]", e.OutputPreview.(map[string]any)["token"])
	body := e.InputsPreview.(map[string]any)["json"].(map[string]any)
	assert.Equal(t, "[REDACTED]", body["password"])

	res, err := log.VerifyChain()
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

func TestMetrics_UsesRoutePattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/things/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	h := Metrics(mux)

	counter := telemetry.HTTPRequestsTotal.WithLabelValues("GET", "GET /api/things/{id}", "202")
	before := testutil.ToFloat64(counter)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/things/42", nil))

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestMetrics_NoRoute(t *testing.T) {
	h := Metrics(http.NewServeMux())

	counter := telemetry.HTTPRequestsTotal.WithLabelValues("GET", "<no-route>", "404")
	before := testutil.ToFloat64(counter)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}
