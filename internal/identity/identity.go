// Package identity authenticates operators of the control surface.
package identity

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

const (
	// TokenQueryParam carries the token for websocket clients that cannot
	// set headers.
	TokenQueryParam = "token"

	// AnonymousOperator is recorded when no control token is configured.
	AnonymousOperator = "anonymous"
	// TokenOperator is recorded for requests that presented the token.
	TokenOperator = "operator"
)

type contextKey int

const operatorKey contextKey = iota

// OperatorFromContext returns who issued the request.
func OperatorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(operatorKey).(string); ok {
		return v
	}
	return AnonymousOperator
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
		return ""
	}
	return r.URL.Query().Get(TokenQueryParam)
}

// Middleware requires the control token on every request when token is
// non-empty. An empty token disables the check.
func Middleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				ctx := context.WithValue(r.Context(), operatorKey, AnonymousOperator)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			got := tokenFromRequest(r)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				slog.Warn("Rejected control request", "path", r.URL.Path, "ip", IPFromRequest(r))
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="wabot"`)
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"ok":false,"error":"unauthorized"}` + "\n"))
				return
			}

			ctx := context.WithValue(r.Context(), operatorKey, TokenOperator)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
