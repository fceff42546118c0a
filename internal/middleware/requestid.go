// Package middleware provides the net/http request layer that feeds the
// audit log: request id propagation, per-request audit entries and HTTP
// metrics.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/orpaynter/opaudit/internal/audit"
)

// RequestIDHeader is the HTTP header used to propagate the request identifier.
const RequestIDHeader = "X-Request-ID"

// RequestID ensures every request carries an identifier.
//
// An inbound X-Request-ID (set by a gateway or the caller) is reused
// unchanged; otherwise a new UUID v4 is generated. The id is stored with
// audit.WithRequestID so every entry appended while handling the request
// carries it, and is echoed in the response header for correlation.
//
// Register it outermost:
//
//	handler := middleware.RequestID(middleware.Metrics(mux))
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(audit.WithRequestID(r.Context(), id)))
	})
}
