package rest

import (
	"net/http"
	"strings"

	appCtx "github.com/baechuer/psychic-connect/services/session-service/internal/pkg/context"
	"github.com/google/uuid"
)

const (
	requestIDHeader = "X-Request-Id"
	maxRequestIDLen = 128
)

// RequestID propagates the caller's X-Request-Id (the client library sends one
// per call) or mints a new one. The id doubles as the trace id of outbox rows.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if rid == "" || len(rid) > maxRequestIDLen || strings.ContainsAny(rid, "\r\n") {
			rid = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, rid)

		next.ServeHTTP(w, r.WithContext(appCtx.WithRequestID(r.Context(), rid)))
	})
}
