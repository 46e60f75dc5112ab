package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aldcvd/deposition-core/internal/auth"
)

const defaultMetricsPath = "/metrics"

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	if s.metricsCfg.Enabled {
		path := s.metricsCfg.Path
		if path == "" {
			path = defaultMetricsPath
		}
		r.Handle(path, s.metricsHandler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/system", s.handleSystem)

		r.Get("/channels", s.handleListChannels)
		r.Get("/interlocks", s.handleListInterlocks)

		r.Route("/recipes", func(r chi.Router) {
			r.Get("/", s.handleListRecipes)
			r.Post("/validate", s.handleValidateRecipe)
			r.Get("/{name}", s.handleGetRecipe)
		})

		r.Route("/run", func(r chi.Router) {
			r.Get("/", s.handleGetRun)

			r.Group(func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermRunControl))
				r.Post("/", s.handleStartRun)
				r.Post("/pause", s.runCommand("pause", s.ctrl.Pause))
				r.Post("/resume", s.runCommand("resume", s.ctrl.Resume))
				r.Post("/abort", s.runCommand("abort", s.ctrl.Abort))
				r.Post("/acknowledge", s.runCommand("acknowledge", s.ctrl.Acknowledge))
			})
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Get("/{id}", s.handleGetRunRecord)
		})

		r.Get("/audit", s.handleListAudit)
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth reports server and component health. Any failing component
// turns the response into a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components, healthy := s.componentStatus(r.Context())
	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"version":    s.version,
		"bench_id":   s.benchID,
		"run_status": string(s.ctrl.Status().Status),
		"components": components,
	})
}
