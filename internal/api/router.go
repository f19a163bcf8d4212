package api

import (
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig holds settings for the API router, passed from main.go so
// the router can configure CORS and auth from env vars.
type RouterConfig struct {
	// BackendAPIKey is the key that must be provided in X-API-Key or
	// Authorization: Bearer <key>. If empty, auth middleware is skipped
	// (development mode).
	BackendAPIKey string

	// AppAttestationKey gates mutating endpoints (§6). If empty, the
	// attestation check is skipped (development mode).
	AppAttestationKey string

	// CorsAllowedOrigins is a comma-separated list of allowed origins. If
	// empty, defaults to "*" (development mode).
	CorsAllowedOrigins string
}

func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	allowedOrigins := []string{"*"}
	if cfg.CorsAllowedOrigins != "" {
		origins := strings.Split(cfg.CorsAllowedOrigins, ",")
		trimmed := make([]string, 0, len(origins))
		for _, o := range origins {
			if s := strings.TrimSpace(o); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			allowedOrigins = trimmed
		}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-App-Attestation", "X-User-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check — public, no auth required.
	r.Get("/health", h.Health)

	r.Group(func(r chi.Router) {
		if cfg.BackendAPIKey != "" {
			r.Use(APIKeyAuth(cfg.BackendAPIKey))
		}

		// Mutating endpoints require both bearer auth and app-attestation.
		r.Group(func(r chi.Router) {
			if cfg.AppAttestationKey != "" {
				r.Use(AppAttestation(cfg.AppAttestationKey))
			}
			r.Post("/render", h.Render)
			r.Post("/generate-clip", h.GenerateClip)
		})

		// SSE tolerates a missing attestation token — logs instead of rejecting.
		r.Get("/progress-stream", h.ProgressStream)

		r.Get("/cache-status/{project_id}", h.CacheStatus)
		r.Get("/signed-clips/{project_id}", h.SignedClips)
	})

	return r
}
