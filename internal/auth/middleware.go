package auth

import (
	"context"
	"errors"
	"net/http"

	"timenest-backend/internal/observability"
)

type contextKey struct{}

// Authenticator resolves a bearer token to an account.
type Authenticator interface {
	AuthenticateToken(ctx context.Context, token string) (User, AccessClaims, error)
}

// Middleware rejects requests without a valid access token and stores the
// authenticated user in the request context.
func Middleware(authenticator Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			writeUnauthorized(w, err)
			return
		}

		user, _, err := authenticator.AuthenticateToken(r.Context(), token)
		if err != nil {
			if IsUnauthorized(err) {
				writeUnauthorized(w, err)
				return
			}
			observability.CaptureError(err, map[string]string{"operation": "authenticate"})
			writeError(w, http.StatusServiceUnavailable, "authentication unavailable")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func WithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

func UserFromContext(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(contextKey{}).(User)
	return user, ok
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	code, message := unauthorizedReason(err)
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": message, "code": code})
}

// unauthorizedReason maps a rejection to a stable code so clients can tell an
// expired token (refresh and retry) from every other failure (log in again).
func unauthorizedReason(err error) (string, string) {
	switch {
	case errors.Is(err, ErrMissingAuthorization):
		return "missing_header", "missing authorization token"
	case errors.Is(err, ErrMalformedAuthorization):
		return "malformed_header", "invalid authorization format"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired", "token expired"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found", "account no longer exists"
	default:
		return "token_invalid", "invalid token"
	}
}
