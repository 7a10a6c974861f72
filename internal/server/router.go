package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dakb-ai/dakb/internal/api/handlers"
	"github.com/dakb-ai/dakb/internal/api/middleware"
)

type RouterConfig struct {
	KnowledgeHandler *handlers.KnowledgeHandler
	SearchHandler    *handlers.SearchHandler
	HealthHandler    *handlers.HealthHandler
	IndexHandler     *handlers.IndexHandler
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	const maxBodyBytes int64 = 1 * 1024 * 1024

	r.Use(middleware.RequestID)
	r.Use(middleware.SentryMiddleware)
	r.Use(middleware.AccessLog)
	r.Use(middleware.MaxBodyBytes(maxBodyBytes))

	r.Get("/health", cfg.HealthHandler.Health)
	r.Get("/health/consistency", cfg.HealthHandler.Consistency)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AgentIdentity)

		r.Route("/knowledge", func(r chi.Router) {
			r.Post("/", cfg.KnowledgeHandler.Create)
			r.Get("/", cfg.KnowledgeHandler.List)
			r.Get("/stats", cfg.KnowledgeHandler.Stats)
			r.Get("/{id}", cfg.KnowledgeHandler.Get)
			r.Put("/{id}", cfg.KnowledgeHandler.Update)
			r.Delete("/{id}", cfg.KnowledgeHandler.Delete)
			r.Post("/{id}/vote", cfg.KnowledgeHandler.Vote)
		})

		r.Post("/search", cfg.SearchHandler.Search)
		r.Post("/index/rebuild", cfg.IndexHandler.Rebuild)
	})

	return r
}
