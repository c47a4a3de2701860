package api

import (
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/isdelr/ender-panel/internal/metrics"
	"github.com/isdelr/ender-panel/internal/ratelimiter"
	"github.com/rs/zerolog/log"
)

// RateLimit throttles state-changing requests per client address. Safe
// methods pass through untouched.
func RateLimit(limiter *ratelimiter.RateLimiter, m metrics.HTTPMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			client := clientAddr(r)
			if limiter.Allow(client) {
				next.ServeHTTP(w, r)
				return
			}

			pattern := routePattern(r)
			m.ObserveRateLimited(pattern)
			log.Warn().Str("client", client).Str("method", r.Method).Str("route", pattern).Msg("Rate limit exceeded")
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too many requests, please try again later.", http.StatusTooManyRequests)
		})
	}
}

// clientAddr strips the port from RemoteAddr. middleware.RealIP has already
// replaced it with the forwarded address when one was sent.
func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// routePattern resolves the request to its registered pattern so metric
// labels stay bounded.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil || rctx.Routes == nil {
		return "unmatched"
	}
	probe := chi.NewRouteContext()
	if rctx.Routes.Match(probe, r.Method, r.URL.Path) {
		return probe.RoutePattern()
	}
	return "unmatched"
}
