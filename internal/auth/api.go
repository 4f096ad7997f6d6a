package auth

import (
	"net/http"
	"time"

	"github.com/go-chi/render"
	"github.com/gorilla/mux"
)

// APIHandler exposes token introspection.
type APIHandler struct {
	authService *Service
}

func NewAPIHandler(authService *Service) *APIHandler {
	return &APIHandler{authService: authService}
}

// RegisterRoutes registers the routes on a router that already runs
// AuthMiddleware.
func (h *APIHandler) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/auth").Subrouter()

	api.HandleFunc("/status", h.GetAuthStatus).Methods(http.MethodGet)
	api.HandleFunc("/whoami", h.WhoAmI).Methods(http.MethodGet)
}

type StatusResponse struct {
	Enabled bool `json:"enabled"`
}

type WhoAmIResponse struct {
	Subject     string       `json:"subject"`
	Role        string       `json:"role"`
	Permissions []Permission `json:"permissions"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
}

func (h *APIHandler) GetAuthStatus(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, StatusResponse{Enabled: h.authService != nil})
}

func (h *APIHandler) WhoAmI(w http.ResponseWriter, r *http.Request) {
	claims, ok := GetClaimsFromContext(r.Context())
	if !ok {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, map[string]string{"error": "authentication required"})

		return
	}

	resp := WhoAmIResponse{
		Subject:     claims.Subject,
		Role:        claims.Role,
		Permissions: GetRole(claims.Role).Permissions,
	}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time
		resp.ExpiresAt = &exp
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}
