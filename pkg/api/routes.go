package api

import (
	"net/http"

	"github.com/husmancristian/resultsdb-updater/pkg/config"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRouter initializes the Chi router and defines the API endpoints.
func SetupRouter(api *API, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	})

	r.Use(corsMiddleware.Handler)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(StructuredRequestLogger(api.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", api.HandleGetStats)

		r.Route("/messages", func(r chi.Router) {
			r.Post("/", api.HandleSubmitMessage)
			r.Get("/failed", api.HandleListFailed)
			r.Post("/{messageId}/replay", api.HandleReplayMessage)
		})
	})

	return r
}
