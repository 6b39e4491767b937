package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"agentstore/internal/handlers"
)

// Deps holds dependencies for the HTTP router.
type Deps struct {
	Records *handlers.RecordsHandler
	Health  *handlers.HealthHandler
}

// NewRouter creates a new HTTP router with the provided dependencies.
func NewRouter(deps *Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(LoggerMiddleware)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(CORS)

	r.Route("/api", func(r chi.Router) {
		r.Method(http.MethodGet, "/health", deps.Health)
		r.Get("/indexes", deps.Records.Indexes)

		r.Route("/tables/{table}", func(r chi.Router) {
			r.Post("/records", deps.Records.Insert)
			r.Get("/records", deps.Records.List)
			r.Delete("/records", deps.Records.DeleteAll)
			r.Get("/records/{id}", deps.Records.Get)
			r.Delete("/records/{id}", deps.Records.Delete)
			r.Get("/records/{id}/view", deps.Records.View)
			r.Post("/query", deps.Records.Query)
			r.Get("/range", deps.Records.Range)
			r.Get("/size", deps.Records.Size)
			r.Get("/info", deps.Records.Info)
		})
	})

	return r
}
