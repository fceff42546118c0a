package dashboard

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orpaynter/opaudit/internal/actor"
	"github.com/orpaynter/opaudit/internal/audit"
	"github.com/orpaynter/opaudit/internal/middleware"
	"github.com/orpaynter/opaudit/internal/redact"
)

type fixture struct {
	log       *audit.Log
	dash      *Dashboard
	handler   http.Handler
	rulesPath string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	log, err := audit.Open(filepath.Join(dir, "audit"), audit.Options{Index: true})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	reg, err := actor.NewRegistry(filepath.Join(dir, "actors.yaml"))
	require.NoError(t, err)
	log.OnAppend(reg.Record)

	rulesPath := filepath.Join(dir, "redaction.yaml")
	d := New(Options{Log: log, Registry: reg, Policy: redact.Default(), RulesPath: rulesPath})
	t.Cleanup(d.Close)

	mux := http.NewServeMux()
	d.Register(mux)
	d.RegisterUI(mux)

	return &fixture{log: log, dash: d, handler: middleware.RequestID(mux), rulesPath: rulesPath}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func (f *fixture) ingest(t *testing.T, actorName, actionType string) audit.Entry {
	t.Helper()
	body := `{"actor":"` + actorName + `","action_type":"` + actionType + `","inputs":{"sqft":1800},"output":{"total":12000},"confidence_score":0.9}`
	w := f.do(t, http.MethodPost, "/api/audit/events", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var e audit.Entry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	return e
}

func TestEvents_Append(t *testing.T) {
	f := newFixture(t)

	e := f.ingest(t, "AI_AGENT", "ESTIMATE")

	assert.Equal(t, audit.GenesisHash, e.PreviousHash)
	assert.Equal(t, "AI_AGENT", e.Actor)
	assert.Equal(t, "object", e.OutputType)
	require.NotNil(t, e.ConfidenceScore)
	assert.InDelta(t, 0.9, *e.ConfidenceScore, 1e-9)
	assert.NotEmpty(t, e.RequestID, "request id from the middleware should be recorded")
	assert.Equal(t, f.log.Tip(), e.Hash)
}

func TestEvents_BadRequests(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/audit/events", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/audit/events", `{"actor":"USER"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/audit/events", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	huge := `{"actor":"USER","action_type":"X","inputs":"` + strings.Repeat("a", middleware.MaxBodyBytes) + `"}`
	w = f.do(t, http.MethodPost, "/api/audit/events", huge)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	assert.Equal(t, uint64(0), f.log.Len())
}

func TestQuery(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "USER", "LOGIN")
	f.ingest(t, "AI_AGENT", "ESTIMATE")
	last := f.ingest(t, "USER", "CLAIM")

	w := f.do(t, http.MethodGet, "/api/audit/query?actor=USER", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Logs  []audit.Entry `json:"logs"`
		Count int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	require.Len(t, resp.Logs, 2)
	assert.Equal(t, last.Hash, resp.Logs[0].Hash, "newest first")

	w = f.do(t, http.MethodGet, "/api/audit/query?type=ESTIMATE&limit=5", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
}

func TestQuery_IsAudited(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "USER", "LOGIN")

	w := f.do(t, http.MethodGet, "/api/audit/query?actor=USER", "")
	require.Equal(t, http.StatusOK, w.Code)

	access, err := f.log.Query(audit.QueryParams{ActionType: "ACCESS"})
	require.NoError(t, err)
	require.Len(t, access, 1)
	assert.Equal(t, "OPERATOR", access[0].Actor)
	assert.Equal(t, float64(200), access[0].Metadata["status_code"])
}

func TestQuery_BadParams(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/audit/query?limit=0", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/audit/query?limit=abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/audit/query?since=yesterday", "").Code)
}

func TestVerify(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "USER", "LOGIN")
	f.ingest(t, "AI_AGENT", "ESTIMATE")

	w := f.do(t, http.MethodGet, "/api/audit/verify", "")
	require.Equal(t, http.StatusOK, w.Code)

	var res audit.VerifyResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Valid)
	assert.Equal(t, 2, res.Entries)
}

func TestVerify_TamperedLogReturnsConflict(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "USER", "LOGIN")
	f.ingest(t, "AI_AGENT", "ESTIMATE")

	data, err := os.ReadFile(f.log.Path())
	require.NoError(t, err)
	tampered := bytes.Replace(data, []byte(`"actor":"USER"`), []byte(`"actor":"MALLORY"`), 1)
	require.NotEqual(t, data, tampered)
	require.NoError(t, os.WriteFile(f.log.Path(), tampered, 0o644))

	w := f.do(t, http.MethodGet, "/api/audit/verify", "")
	require.Equal(t, http.StatusConflict, w.Code)

	var res audit.VerifyResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.False(t, res.Valid)
	require.NotEmpty(t, res.Issues)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, audit.IssueHashMismatch, res.Issues[0].Kind)
	assert.Equal(t, 0, res.Issues[0].Index)
}

func TestVerify_ForeignRecordReturnsConflict(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "USER", "LOGIN")

	out, err := os.OpenFile(f.log.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = out.WriteString(`{"actor":"MALLORY","hash":"deadbeef"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, out.Close())

	w := f.do(t, http.MethodGet, "/api/audit/verify", "")
	require.Equal(t, http.StatusConflict, w.Code)

	var res audit.VerifyResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 2, res.Entries)
	for _, issue := range res.Issues {
		assert.Equal(t, 1, issue.Index)
	}
}

func TestTail(t *testing.T) {
	f := newFixture(t)
	first := f.ingest(t, "USER", "A")
	second := f.ingest(t, "USER", "B")

	w := f.do(t, http.MethodGet, "/api/audit/tail?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)

	var entries []audit.Entry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, first.Hash, entries[0].Hash)
	assert.Equal(t, second.Hash, entries[1].Hash)
}

func TestStatusAndActors(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "USER", "LOGIN")
	f.ingest(t, "AI_AGENT", "ESTIMATE")

	w := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, float64(2), status["entries"])
	assert.Equal(t, f.log.Tip(), status["tip"])
	assert.Equal(t, float64(2), status["actors"])

	w = f.do(t, http.MethodGet, "/api/actors", "")
	require.Equal(t, http.StatusOK, w.Code)
	var actors []actor.Actor
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &actors))
	require.Len(t, actors, 2)
	assert.Equal(t, "AI_AGENT", actors[0].Name)
}

func TestRedactionRules(t *testing.T) {
	f := newFixture(t)

	body, _ := json.Marshal(map[string]string{"yaml": "name: mask_ssn\nmatch:\n  key: \"*ssn*\"\n"})
	w := f.do(t, http.MethodPost, "/api/redaction/rules", string(body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	_, err := os.Stat(f.rulesPath)
	assert.NoError(t, err, "rules should be saved after add")

	w = f.do(t, http.MethodGet, "/api/redaction/rules", "")
	var rules []redact.RuleInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rules))
	assert.Equal(t, "mask_ssn", rules[len(rules)-1].Name)

	w = f.do(t, http.MethodPost, "/api/audit/events", `{"actor":"USER","action_type":"CLAIM","inputs":{"customer_ssn":"123-45-6789"}}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotContains(t, w.Body.String(), "123-45-6789")

	w = f.do(t, http.MethodPost, "/api/redaction/rules", `{"yaml":"name: broken\nmatch: {}\n"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/redaction/rules/delete", `{"name":"mask_ssn"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodPost, "/api/redaction/rules/delete", `{"name":"redact_password"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDashboardPage(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/dashboard", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "/dashboard/ws")
}

func TestWebSocketFeed(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/dashboard/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.dash.feed.count() == 1 },
		2*time.Second, 10*time.Millisecond, "client should register with the feed")

	want := f.ingest(t, "AI_AGENT", "ESTIMATE")

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got audit.Entry
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, want.Hash, got.Hash)
}

func TestLiveFeed_DropsSlowClientAndRefusesAfterClose(t *testing.T) {
	feed := newLiveFeed()
	slow := &feedClient{out: make(chan []byte, clientBuffer)}
	require.True(t, feed.add(slow))

	for i := 0; i < clientBuffer; i++ {
		feed.publish([]byte("x"))
	}
	assert.Equal(t, 1, feed.count(), "a full queue is still connected")

	feed.publish([]byte("overflow"))
	assert.Equal(t, 0, feed.count(), "overflowing client should be dropped")

	feed.remove(slow) // already gone; must not double-close

	feed.close()
	assert.False(t, feed.add(&feedClient{out: make(chan []byte, 1)}))
}
