package util

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// HeaderRequestID is the header carrying the correlation id. Proxies in
// front of whisperd may set it; otherwise one is generated per request.
const HeaderRequestID = "X-Request-Id"

type requestIDKey struct{}

// WithRequestID tags every request with a correlation id and echoes it on
// the response. The id rides the context together with a child logger, so
// handler code can log through LoggerFromContext and keep the id attached.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if id == "" {
			id = NewID()
		}
		w.Header().Set(HeaderRequestID, id)

		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		ctx = ContextWithLogger(ctx, slog.Default().With("request_id", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the correlation id, or "" when the request
// did not pass through WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func RequestIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	return RequestIDFromContext(r.Context())
}
