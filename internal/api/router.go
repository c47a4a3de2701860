package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/isdelr/ender-panel/internal/api/handlers"
	"github.com/isdelr/ender-panel/internal/auth"
	"github.com/isdelr/ender-panel/internal/metrics"
	"github.com/isdelr/ender-panel/internal/ratelimiter"
	"github.com/isdelr/ender-panel/internal/routing"
)

// Handler names referenced from route modules.
const (
	HandlerCreateBackup = "instance.create_backup"
	HandlerUploadBackup = "instance.upload_backup"
)

// ReservedPrefixes are the paths served by the panel itself. Extension routes
// under them are never mounted.
var ReservedPrefixes = []string{"/api", "/healthz", "/metrics"}

// RegisterHandlers adds the Go handlers that route modules can name.
func RegisterHandlers(reg *routing.Registry, backup *handlers.BackupHandler) {
	reg.RegisterFunc(HandlerCreateBackup, backup.CreateBackup)
	reg.RegisterFunc(HandlerUploadBackup, backup.UploadBackup)
}

// RouterConfig collects what NewRouter mounts.
type RouterConfig struct {
	CORSOrigins []string

	// Table is the composed dispatch table, mounted at the root.
	Table    *routing.Table
	Handlers *routing.Registry
	Views    *routing.ViewResolver
	Locals   func(r *http.Request) map[string]any

	Auth        *auth.Authenticator
	Limiter     *ratelimiter.RateLimiter
	HTTPMetrics metrics.HTTPMetrics
	Metrics     http.Handler

	Health    *handlers.HealthHandler
	Events    *handlers.EventHandler
	Settings  *handlers.SettingsHandler
	WebSocket *handlers.WebSocketHandler
}

// NewRouter creates and configures a new Chi router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Basic middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	httpMetrics := cfg.HTTPMetrics
	if httpMetrics == nil {
		httpMetrics = metrics.NewHTTPMetrics(nil)
	}
	if cfg.Limiter != nil {
		r.Use(RateLimit(cfg.Limiter, httpMetrics))
	}

	if cfg.Health != nil {
		r.Get("/healthz", cfg.Health.Serve)
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	authenticator := cfg.Auth
	if authenticator == nil {
		authenticator = auth.NewAuthenticator("")
	}

	r.Group(func(r chi.Router) {
		r.Use(authenticator.Middleware())

		r.Route("/api", func(r chi.Router) {
			if cfg.Events != nil {
				r.Get("/events", cfg.Events.GetRecent)
			}
			if cfg.Settings != nil {
				r.Get("/plugins", cfg.Settings.ListPlugins)
				r.Get("/settings/{key}", cfg.Settings.Get)
				r.Put("/settings/{key}", cfg.Settings.Put)
			}
			if cfg.WebSocket != nil {
				r.Get("/ws", cfg.WebSocket.Serve)
				r.Get("/ws/{instanceId}", cfg.WebSocket.Serve)
			}
		})

		if cfg.Table != nil {
			routing.Mount(r, cfg.Table, routing.MountOptions{
				Handlers: cfg.Handlers,
				Views:    cfg.Views,
				Locals:   cfg.Locals,
				Reserved: ReservedPrefixes,
			})
		}
	})

	r.NotFound(routing.NotFoundHandler(cfg.Views))

	return r
}
