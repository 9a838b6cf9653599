package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/fuomag9/square-bridge/internal/config"
	"github.com/fuomag9/square-bridge/internal/logger"
)

// Dependencies are the services the HTTP layer calls into
type Dependencies struct {
	Config   *config.Config
	Logger   *zap.Logger
	Flow     LoginFlow
	Tokens   TokenService
	Platform PlatformReader
	Webhooks WebhookVerifier
	// AuthLimiter throttles /api/auth per client IP; nil disables it.
	AuthLimiter *RateLimiter
}

// NewRouter creates a new HTTP router
func NewRouter(deps Dependencies) http.Handler {
	log := logger.OrNop(deps.Logger)
	cfg := deps.Config
	if cfg == nil {
		cfg = &config.Config{}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeadersMiddleware(cfg.Environment))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Auth routes
		r.Route("/auth/square", func(r chi.Router) {
			if deps.AuthLimiter != nil {
				r.Use(RateLimitMiddleware(deps.AuthLimiter, log))
			}
			r.Get("/authorize", HandleOAuthAuthorize(deps.Flow, log))
			r.Get("/callback", HandleOAuthCallback(deps.Flow, log))
			r.Post("/refresh", HandleOAuthRefresh(deps.Tokens, log))
			r.Post("/revoke", HandleOAuthRevoke(deps.Tokens, log))
		})

		// Platform reads, authenticated by the caller's bearer token
		r.Get("/merchant/me", HandleGetMerchant(deps.Platform, log))
		r.Get("/locations", HandleListLocations(deps.Platform, log))
		r.Get("/catalog", HandleListCatalog(deps.Platform, log))

		r.Post("/webhooks/square", HandleWebhook(deps.Webhooks, log))
	})

	return r
}
