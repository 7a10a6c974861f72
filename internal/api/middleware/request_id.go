package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const RequestIDKey contextKey = "request_id"

// HeaderRequestID carries the request id end to end; the gateway in
// front of this service sets it so one id spans the whole call chain.
const HeaderRequestID = "X-Request-ID"

// maxRequestIDLen caps inbound ids so a hostile header cannot bloat
// logs or Sentry tags
const maxRequestIDLen = 64

// RequestID propagates the gateway's request id, minting one when the
// request arrives without it (or with an oversized one). The id is set
// on the response and stored in context for the access log and tracing.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" || len(requestID) > maxRequestIDLen {
			requestID = uuid.NewString()
		}

		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		w.Header().Set(HeaderRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request ID from context.
func GetRequestID(ctx context.Context) string {
	requestID, _ := ctx.Value(RequestIDKey).(string)
	return requestID
}
