package middleware

import (
	"context"
	"net/http"
	"strings"
)

// UserHeader carries the user id verified by the upstream gateway.
const UserHeader = "X-User-ID"

type userKey struct{}

// RequireUser rejects requests without a user id and stores it in the
// request context for UserID.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(UserHeader))
		if id == "" || len(id) > 128 {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid "+UserHeader)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), id)))
	})
}

// WithUserID returns a context carrying id.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userKey{}, id)
}

// UserID returns the authenticated user id, or "" outside RequireUser.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}
