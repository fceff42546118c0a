package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"github.com/orpaynter/opaudit/internal/audit"
)

// MaxBodyBytes caps how much of a request body is read for the inputs
// record. Larger bodies are still passed through untouched.
const MaxBodyBytes = 1 << 20

// maxTextOutput is the character cap for non-JSON response bodies.
const maxTextOutput = 500

// Appender is the part of *audit.Log the request layer needs.
type Appender interface {
	Append(ctx context.Context, rec audit.Record) (audit.Entry, error)
}

// captureWriter buffers the whole response so nothing reaches the client
// until the audit entry for it has been persisted.
type captureWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newCaptureWriter() *captureWriter {
	return &captureWriter{header: make(http.Header)}
}

func (c *captureWriter) Header() http.Header { return c.header }

func (c *captureWriter) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
}

func (c *captureWriter) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(b)
}

func (c *captureWriter) statusCode() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}

// flushTo copies the buffered response to w.
func (c *captureWriter) flushTo(w http.ResponseWriter) {
	dst := w.Header()
	for k, v := range c.header {
		dst[k] = v
	}
	w.WriteHeader(c.statusCode())
	w.Write(c.body.Bytes())
}

// Audited appends one entry per request handled by next.
//
// The entry records:
//   - inputs: {"method", "path", "args", "json"} where args are the query
//     parameters and json is the parsed request body (null if not JSON)
//   - output: the parsed JSON response, or its text capped at 500 characters
//   - confidence: lifted from a numeric "confidence" in a JSON object response
//   - metadata: {"status_code": n}
//
// If next panics, an entry with output {"error": ...} and metadata
// {"status_code": 500, "exception": true} is appended before the panic
// continues. If the append fails, the response is discarded and the client
// receives 500 "audit log unavailable".
func Audited(app Appender, actionType, actor string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inputs := requestInputs(r)
		cw := newCaptureWriter()

		defer func() {
			p := recover()
			if p == nil {
				return
			}
			_, err := app.Append(r.Context(), audit.Record{
				Actor:      actor,
				ActionType: actionType,
				Inputs:     inputs,
				Output:     map[string]any{"error": fmt.Sprint(p)},
				Metadata:   map[string]any{"status_code": http.StatusInternalServerError, "exception": true},
			})
			if err != nil {
				slog.Error("audit append failed for panicking request", "path", r.URL.Path, "error", err)
			}
			panic(p)
		}()

		next.ServeHTTP(cw, r)

		output, confidence := responseOutput(cw.body.Bytes())
		_, err := app.Append(r.Context(), audit.Record{
			Actor:      actor,
			ActionType: actionType,
			Inputs:     inputs,
			Output:     output,
			Confidence: confidence,
			Metadata:   map[string]any{"status_code": cw.statusCode()},
		})
		if err != nil {
			slog.Error("audit append failed, rejecting request", "path", r.URL.Path, "action_type", actionType, "error", err)
			http.Error(w, "audit log unavailable", http.StatusInternalServerError)
			return
		}

		cw.flushTo(w)
	})
}

// requestInputs builds the inputs record and restores r.Body for next.
func requestInputs(r *http.Request) map[string]any {
	args := make(map[string]any, len(r.URL.Query()))
	for k, v := range r.URL.Query() {
		if len(v) == 1 {
			args[k] = v[0]
		} else {
			args[k] = v
		}
	}

	var body any
	if r.Body != nil && r.Body != http.NoBody {
		data, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes))
		if err == nil && len(data) > 0 {
			var parsed any
			if json.Unmarshal(data, &parsed) == nil {
				body = parsed
			}
		}
		r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(data), r.Body))
	}

	return map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
		"args":   args,
		"json":   body,
	}
}

// responseOutput returns the value to audit for a response body and the
// confidence it reports, if any.
func responseOutput(body []byte) (any, *float64) {
	var parsed any
	if len(body) > 0 && json.Unmarshal(body, &parsed) == nil {
		var confidence *float64
		if m, ok := parsed.(map[string]any); ok {
			if c, ok := m["confidence"].(float64); ok {
				confidence = &c
			}
		}
		return parsed, confidence
	}
	return truncateText(string(body), maxTextOutput), nil
}

func truncateText(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
