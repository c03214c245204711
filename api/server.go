/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for notebooks and frontends

ROUTE GROUPS:
  /api/entities, /api/variables, /api/parameters, /api/reforms   Legislation
  /api/calculate, /api/trace, /api/decomposition                 Situations
  /api/datasets/*, /api/runs                                     Stored datasets
  /api/scenarios/*                                               Test cases as datasets
  /api/health                                                    Liveness

SECURITY NOTE:
  No authentication middleware. All endpoints are public. Only dataset
  calculations and scenario loads write to the store.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/fisca/serve.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins ...string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/entities", h.ListEntities)
		r.Get("/parameters", h.GetParameter)
		r.Get("/reforms", h.ListReforms)

		r.Route("/variables", func(r chi.Router) {
			r.Get("/", h.ListVariables)
			r.Get("/{name}", h.GetVariable)
		})

		r.Post("/calculate", h.Calculate)
		r.Post("/trace", h.Trace)
		r.Post("/decomposition", h.Decomposition)

		r.Route("/datasets", func(r chi.Router) {
			r.Get("/", h.ListDatasets)
			r.Post("/{name}/calculate", h.CalculateDataset)
		})
		r.Get("/runs", h.ListRuns)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
