// Package app wires application components and startup helpers.
//
// It provides dependency injection and application initialization.
// The package coordinates between different layers and provides
// a clean application bootstrap process.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/tezgahcloud/jobcore/internal/adapter/httpserver"
	"github.com/tezgahcloud/jobcore/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.AccessLog())
	r.Use(httpserver.MetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	// Mutating endpoints ride a coarse per-IP pre-filter; the domain
	// limiter applies the per-principal and global windows.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.GlobalRateLimitPerMin, time.Minute))
		wr.Post("/v1/jobs", srv.SubmitHandler())
		wr.Post("/v1/jobs/{id}/cancel", srv.CancelHandler())
		wr.Post("/v1/jobs/{id}/pickup", srv.PickupHandler())
		wr.Post("/v1/jobs/{id}/progress", srv.ProgressHandler())
		wr.Post("/v1/jobs/{id}/complete", srv.CompleteHandler())
		wr.Post("/v1/webhooks/{provider}", srv.WebhookHandler())
	})

	// Read-only endpoints
	r.Get("/v1/jobs/{id}", srv.StatusHandler())

	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		promhttp.Handler().ServeHTTP(w, req)
	})

	return httpserver.SecurityHeaders(r)
}
