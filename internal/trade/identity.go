package trade

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// UserHeader carries the authenticated user id. It is set by the upstream
// identity provider; this service trusts it.
const UserHeader = "X-User-ID"

// ServiceHeader carries the shared token of trusted internal callers, such
// as the quiz grader, that may credit wallets.
const ServiceHeader = "X-Service-Token"

type ctxKey struct{}

// RequireUser rejects requests without a user id and stores it in the
// request context.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			writeError(w, "UNAUTHENTICATED", "missing "+UserHeader+" header", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// WithUserID returns a context carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserID returns the user id stored by RequireUser, or "".
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// RequireService rejects requests that do not present token in
// ServiceHeader. An empty token rejects everything.
func RequireService(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(ServiceHeader)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, "FORBIDDEN", "internal route", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
