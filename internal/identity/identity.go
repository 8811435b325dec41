// Package identity carries the acting operator and client address of a request.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
)

// OperatorHeader names the acting operator on mutation requests.
const OperatorHeader = "X-Operator-ID"

type contextKey int

const operatorKey contextKey = iota

var operatorPattern = regexp.MustCompile(`^[A-Za-z0-9._@:-]{1,128}$`)

// OperatorFromContext extracts the operator id from the request context.
func OperatorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(operatorKey).(string); ok {
		return v
	}
	return ""
}

func sanitizeOperator(id string) string {
	id = strings.TrimSpace(id)
	if !operatorPattern.MatchString(id) {
		return ""
	}
	return id
}

// Middleware injects the operator named by OperatorHeader. Malformed values
// are dropped.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if op := sanitizeOperator(r.Header.Get(OperatorHeader)); op != "" {
				r = r.WithContext(context.WithValue(r.Context(), operatorKey, op))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IPFromRequest returns a normalized remote IP for rate limiting and tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
