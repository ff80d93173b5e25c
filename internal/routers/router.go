package routers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/samber/lo"

	"codedojo/collab/internal/api"
	"codedojo/collab/internal/metrics"
)

type Deps struct {
	Handlers    *api.Handlers
	Metrics     *metrics.Collector
	CORSOrigins []string
}

func New(d Deps) http.Handler {
	h := d.Handlers
	r := chi.NewRouter()

	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: !lo.Contains(origins, "*"),
	}))
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	r.Get("/healthz", h.Health)

	// Long-lived; no request timeout.
	r.Get("/ws/{sessionCode}", h.CollabWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions/{sessionCode}", h.GetSession)

		r.Post("/execute", h.Execute)
		r.Get("/languages", h.ListLanguages)

		r.Post("/assistant/generate", h.Generate)
	})

	return r
}
