// Package dashboard serves the opaudit operator API and web UI.
//
// Routes, all on the server port:
//
//   - POST /api/audit/events          append an event from a JSON body
//   - GET  /api/audit/query           filtered entries, newest first
//   - GET  /api/audit/verify          chain verification (409 when invalid)
//   - GET  /api/audit/tail            most recent entries, oldest first
//   - GET  /api/status                log and policy status
//   - GET  /api/actors                actor registry
//   - GET  /api/redaction/rules       list redaction rules
//   - POST /api/redaction/rules       add a custom rule
//   - POST /api/redaction/rules/delete remove a custom rule
//   - GET  /dashboard                 single-page HTML dashboard
//   - GET  /dashboard/ws              live feed of appended entries
//
// Reads of the log (query and verify) are themselves audited as ACCESS
// entries by the OPERATOR actor.
package dashboard

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/orpaynter/opaudit/internal/actor"
	"github.com/orpaynter/opaudit/internal/audit"
	"github.com/orpaynter/opaudit/internal/middleware"
	"github.com/orpaynter/opaudit/internal/redact"
)

const (
	defaultQueryLimit = 100
	defaultTailLimit  = 20
)

// Options wires the dashboard to the log, redaction policy and actor registry.
type Options struct {
	Log       *audit.Log
	Registry  *actor.Registry
	Policy    *redact.Policy
	RulesPath string // Path to redaction.yaml for saving after modifications.
}

// Dashboard serves the audit REST API, the operator page and its live feed.
type Dashboard struct {
	log       *audit.Log
	registry  *actor.Registry
	policy    *redact.Policy
	rulesPath string
	feed      *liveFeed
}

// New creates a Dashboard and subscribes its live feed to the log.
// Call Close to stop the feed.
func New(opts Options) *Dashboard {
	d := &Dashboard{
		log:       opts.Log,
		registry:  opts.Registry,
		policy:    opts.Policy,
		rulesPath: opts.RulesPath,
		feed:      newLiveFeed(),
	}

	d.log.OnAppend(d.BroadcastEvent)

	return d
}

// Close disconnects live feed clients.
func (d *Dashboard) Close() {
	d.feed.close()
}

// Register mounts the REST API on mux.
func (d *Dashboard) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/audit/events", d.handleAPIEvents)
	mux.Handle("GET /api/audit/query",
		middleware.Audited(d.log, "ACCESS", "OPERATOR", http.HandlerFunc(d.handleAPIQuery)))
	mux.Handle("GET /api/audit/verify",
		middleware.Audited(d.log, "ACCESS", "OPERATOR", http.HandlerFunc(d.handleAPIVerify)))
	mux.HandleFunc("GET /api/audit/tail", d.handleAPITail)
	mux.HandleFunc("GET /api/status", d.handleAPIStatus)
	mux.HandleFunc("GET /api/actors", d.handleAPIActors)
	mux.HandleFunc("GET /api/redaction/rules", d.handleAPIRulesList)
	mux.HandleFunc("POST /api/redaction/rules", d.handleAPIRulesAdd)
	mux.HandleFunc("POST /api/redaction/rules/delete", d.handleAPIRulesDelete)
}

// RegisterUI mounts the HTML dashboard and its WebSocket feed on mux.
func (d *Dashboard) RegisterUI(mux *http.ServeMux) {
	mux.HandleFunc("GET /dashboard", d.handleDashboard)
	mux.HandleFunc("GET /dashboard/ws", d.handleWebSocket)
}

// BroadcastEvent sends an appended entry to all connected WebSocket
// clients. Non-blocking; with no clients connected the event is dropped.
func (d *Dashboard) BroadcastEvent(e audit.Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("encoding live feed entry", "error", err)
		return
	}
	d.feed.publish(data)
}

func (d *Dashboard) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(dashboardHTML))
}

// --- REST API Handlers ---

// eventRequest is the body of POST /api/audit/events.
type eventRequest struct {
	Actor           string         `json:"actor"`
	ActionType      string         `json:"action_type"`
	Inputs          any            `json:"inputs"`
	Output          any            `json:"output"`
	Metadata        map[string]any `json:"metadata"`
	ConfidenceScore *float64       `json:"confidence_score"`
}

// handleAPIEvents appends an event submitted by another service.
// POST /api/audit/events  {"actor": "AI_AGENT", "action_type": "ESTIMATE", ...}
func (d *Dashboard) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	body := http.MaxBytesReader(w, r.Body, middleware.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Actor == "" || req.ActionType == "" {
		http.Error(w, "actor and action_type are required", http.StatusBadRequest)
		return
	}

	entry, err := d.log.Append(r.Context(), audit.Record{
		Actor:      req.Actor,
		ActionType: req.ActionType,
		Inputs:     req.Inputs,
		Output:     req.Output,
		Metadata:   req.Metadata,
		Confidence: req.ConfidenceScore,
	})
	if err != nil {
		slog.Error("event append failed", "actor", req.Actor, "action_type", req.ActionType, "error", err)
		http.Error(w, "audit log unavailable", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

// handleAPIQuery returns filtered entries, newest first.
// GET /api/audit/query?type=ESTIMATE&actor=AI_AGENT&since=24h&limit=100
func (d *Dashboard) handleAPIQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, ok := parseLimit(w, q.Get("limit"), defaultQueryLimit)
	if !ok {
		return
	}

	entries, err := d.log.Query(audit.QueryParams{
		ActionType: q.Get("type"),
		Actor:      q.Get("actor"),
		Since:      q.Get("since"),
		Limit:      limit,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"logs":  entries,
		"count": len(entries),
	})
}

// handleAPIVerify runs a full chain verification.
// GET /api/audit/verify
func (d *Dashboard) handleAPIVerify(w http.ResponseWriter, r *http.Request) {
	result, err := d.log.VerifyChain()
	if err != nil {
		slog.Error("chain verification failed", "error", err)
		http.Error(w, "verification failed", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if !result.Valid {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

// handleAPITail returns the most recent entries in chronological order.
// GET /api/audit/tail?limit=20
func (d *Dashboard) handleAPITail(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r.URL.Query().Get("limit"), defaultTailLimit)
	if !ok {
		return
	}

	entries, err := d.log.Tail(limit)
	if err != nil {
		slog.Error("audit tail failed", "error", err)
		http.Error(w, "audit query failed", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleAPIStatus returns log and policy status.
// GET /api/status
func (d *Dashboard) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "running",
		"log_path":      d.log.Path(),
		"entries":       d.log.Len(),
		"tip":           d.log.Tip(),
		"total_rules":   d.policy.TotalRules(),
		"builtin_rules": d.policy.BuiltinCount(),
		"custom_rules":  d.policy.CustomCount(),
		"actors":        d.registry.Len(),
	})
}

// handleAPIActors returns all known actors with stats.
// GET /api/actors
func (d *Dashboard) handleAPIActors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.registry.List())
}

// GET /api/redaction/rules
func (d *Dashboard) handleAPIRulesList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.policy.ListRules())
}

// handleAPIRulesAdd adds a custom redaction rule.
// POST /api/redaction/rules  {"yaml": "name: ...\nmatch: ..."}
func (d *Dashboard) handleAPIRulesAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		YAML string `json:"yaml"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.YAML == "" {
		http.Error(w, "yaml field required", http.StatusBadRequest)
		return
	}
	if err := d.policy.AddRule(req.YAML); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d.saveRules("add")
	writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

// handleAPIRulesDelete drops a custom redaction rule.
// POST /api/redaction/rules/delete  {"name": "mask_ssn"}
func (d *Dashboard) handleAPIRulesDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name field required", http.StatusBadRequest)
		return
	}
	if err := d.policy.RemoveRule(req.Name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d.saveRules("remove")
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "name": req.Name})
}

func (d *Dashboard) saveRules(op string) {
	if d.rulesPath == "" {
		return
	}
	if err := d.policy.Save(d.rulesPath); err != nil {
		slog.Error("failed to save redaction rules", "op", op, "error", err)
	}
}

// --- Helpers ---

// parseLimit reads a positive limit parameter. On a bad value it writes a
// 400 response and returns false.
func parseLimit(w http.ResponseWriter, s string, def int) (int, bool) {
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

// writeJSON encodes data with status.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
