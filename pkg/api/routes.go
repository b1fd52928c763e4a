package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	// Health stays unauthenticated for probes.
	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.RateLimit.Enabled {
			r.Use(s.rateLimitMiddleware(&s.cfg.RateLimit))
		}

		if len(s.cfg.Tokens) > 0 {
			r.Use(s.requireAuth)
		}

		r.Route("/artifacts", func(r chi.Router) {
			r.Get("/", s.handleListArtifacts)
			r.Get("/{version}", s.handleGetArtifact)
			r.Get("/{version}/stats", s.handleArtifactStats)
			r.Get("/{version}/evaluations", s.handleListEvaluations)
			r.Post("/{version}/evaluations", s.handleEvaluate)
		})

		r.Post("/usage", s.handleRecordUsage)

		r.Route("/deployments", func(r chi.Router) {
			r.Get("/", s.handleListDeployments)
			r.Get("/{user}", s.handleGetDeployment)
			r.Post("/{user}", s.handleDeploy)
			r.Post("/{user}/rollback", s.handleRollback)
			r.Post("/{user}/cleanup", s.handleCleanup)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Post("/", s.handleStartRun)
			r.Get("/{user}/active", s.handleActiveRun)
			r.Post("/{user}/cancel", s.handleCancelRun)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Reflect the requesting origin so credentials work from any origin.
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
