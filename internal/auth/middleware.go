package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/render"
)

type contextKey string

const claimsKey contextKey = "claims"

// AnonymousSubject is the subject attached to requests when auth is off.
const AnonymousSubject = "anonymous"

// AuthMiddleware validates bearer tokens. Browsers cannot set headers on a
// WebSocket handshake, so the access_token query parameter is accepted too.
// A nil service disables authentication and grants the operator role.
func AuthMiddleware(authService *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authService == nil {
				anon := &Claims{Role: RoleNameOperator}
				anon.Subject = AnonymousSubject
				next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), anon)))

				return
			}

			token, ok := bearer(r)
			if !ok {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": "authorization header required"})

				return
			}

			claims, err := authService.ValidateToken(token)
			if err != nil {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": "invalid token"})

				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func bearer(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")

		return token, ok && token != ""
	}

	if token := r.URL.Query().Get("access_token"); token != "" {
		return token, true
	}

	return "", false
}

func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// GetClaimsFromContext extracts JWT claims from the request context.
func GetClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)

	return claims, ok
}

// Subject returns the authenticated subject, used as the lease holder label.
func Subject(ctx context.Context) string {
	if claims, ok := GetClaimsFromContext(ctx); ok && claims.Subject != "" {
		return claims.Subject
	}

	return AnonymousSubject
}

// RequirePermission creates a middleware that requires a specific permission.
func RequirePermission(permission Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetClaimsFromContext(r.Context())
			if !ok {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": "authentication required"})

				return
			}

			if !GetRole(claims.Role).HasPermission(permission) {
				render.Status(r, http.StatusForbidden)
				render.JSON(w, r, map[string]string{"error": "insufficient permissions"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
