package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler reports whether the panel can serve requests.
type HealthHandler struct {
	db         Pinger
	startedAt  time.Time
	extensions int
	routes     int
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(db Pinger, extensions, routes int) *HealthHandler {
	return &HealthHandler{db: db, startedAt: time.Now(), extensions: extensions, routes: routes}
}

// Serve writes the health report. The status is 503 when the database is unreachable.
func (h *HealthHandler) Serve(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			log.Error().Err(err).Msg("Health check: database unreachable")
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"started":    humanize.Time(h.startedAt),
		"extensions": h.extensions,
		"routes":     h.routes,
	})
}
