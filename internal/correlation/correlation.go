// Package correlation stamps every request with an opaque correlation id,
// either echoed from X-Request-Id or freshly minted, and carries it through
// the request context so every downstream call and log line can reference
// the same id without threading it through every function signature.
package correlation

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const Header = "X-Request-Id"

type contextKey string

const idKey contextKey = "correlation_id"

// Middleware reads X-Request-Id, generating one if absent, stamps it back
// onto the response, and attaches it to the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if id == "" {
			id = uuid.New().String()
		}

		w.Header().Set(Header, id)
		ctx := context.WithValue(r.Context(), idKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext returns the correlation id stamped by Middleware, or "" if
// none is present (e.g. a context built outside the HTTP pipeline).
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(idKey).(string)
	return id
}

// WithID attaches id to ctx directly, for call sites (background jobs,
// tests) that build a RequestContext without going through Middleware.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, idKey, id)
}
