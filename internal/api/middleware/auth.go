package middleware

import (
	"context"
	"net/http"

	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/domain"
	"github.com/Jose-Ribeir/Apex-Orchestrator-The-Adaptive-Enterprise-Intelligence-Suite-sub000/internal/core/ports"
)

type principalKey struct{}

// AuthMiddleware resolves the caller and injects the principal into the
// request context. Every failure is answered with the same 401 body.
func AuthMiddleware(authenticator ports.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := authenticator.Authenticate(r.Context(), r)
			if err != nil || principal == nil {
				AddLogField(r.Context(), "auth", "rejected")
				WriteError(w, domain.ErrAuthenticationRequired())
				return
			}

			AddLogField(r.Context(), "user_id", principal.UserID)
			AddLogField(r.Context(), "auth_scheme", string(principal.Scheme))

			ctx := WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom retrieves the principal from context.
// Returns nil if the request was not authenticated.
func PrincipalFrom(ctx context.Context) *domain.Principal {
	if p, ok := ctx.Value(principalKey{}).(*domain.Principal); ok {
		return p
	}
	return nil
}
