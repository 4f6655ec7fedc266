package auth

import (
	"context"
	"net/http"

	"credential-vault/internal/apperr"
	"credential-vault/internal/httpx"
	"credential-vault/internal/observability"
	"credential-vault/internal/token"
)

type contextKey struct{}

// Verifier checks access tokens.
type Verifier interface {
	VerifyAccess(raw string) (token.Claims, error)
}

// Middleware rejects requests without a valid bearer access token and
// stores the verified claims on the request context.
func Middleware(verifier Verifier, logger *observability.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := httpx.BearerToken(r)
		if !ok {
			httpx.WriteError(w, r, logger, "authenticate", apperr.New(apperr.KindUnauthorized, "missing authorization token"))
			return
		}

		claims, err := verifier.VerifyAccess(raw)
		if err != nil {
			httpx.WriteError(w, r, logger, "authenticate", err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func WithClaims(ctx context.Context, claims token.Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

func ClaimsFromContext(ctx context.Context) (token.Claims, bool) {
	claims, ok := ctx.Value(contextKey{}).(token.Claims)
	return claims, ok
}

// AccountID returns the authenticated subject, or "" outside Middleware.
func AccountID(ctx context.Context) string {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		return ""
	}
	return claims.Subject
}
