package rpchttp

import (
	"net/http"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/bavix/boardfarm/internal/auth"
	"github.com/bavix/boardfarm/internal/config"
	"github.com/bavix/boardfarm/internal/metrics"
)

// RateLimitMiddleware throttles the REST API. A zero rate disables it.
// Streams under /ws/ and the scrape endpoints are never throttled.
func RateLimitMiddleware(cfg config.RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.RPS <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/api/") {
				next.ServeHTTP(w, r)

				return
			}

			if !limiter.Allow() {
				render.Status(r, http.StatusTooManyRequests)
				render.JSON(w, r, map[string]string{"error": "rate limit exceeded", "message": "too many requests"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// MetricsMiddleware counts requests by route template so that device ids do
// not explode label cardinality.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		metrics.RecordHTTP(r.Method, route, status)
	})
}

func allowed(r *http.Request, permission auth.Permission) bool {
	claims, ok := auth.GetClaimsFromContext(r.Context())

	return ok && auth.GetRole(claims.Role).HasPermission(permission)
}
