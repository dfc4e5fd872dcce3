// Package router wires the HTTP surface: the REST API, the websocket
// endpoint and the operational endpoints.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openboard/openboard/internal/handler"
	"github.com/openboard/openboard/internal/metrics"
	"github.com/openboard/openboard/internal/ws"
)

type Deps struct {
	API            *handler.Handler
	WS             *ws.Handler
	Health         *handler.Health
	AllowedOrigins []string
}

func New(deps Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Test-User-Name"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	h := deps.API
	r.Group(func(r chi.Router) {
		r.Use(metrics.HTTPMiddleware)
		r.Route("/api/boards", func(r chi.Router) {
			r.Use(h.RequireAuth)
			r.Get("/", h.ListBoards)
			r.Post("/", h.CreateBoard)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetBoard)
				r.Patch("/", h.RenameBoard)
				r.Delete("/", h.DeleteBoard)
				r.Get("/versions", h.ListVersions)
				r.Put("/thumbnail", h.UploadThumbnail)
				r.Get("/thumbnail", h.GetThumbnail)
			})
		})
	})

	// the upgrade path stays outside the metrics wrapper: hijacking needs the
	// raw ResponseWriter
	r.Method(http.MethodGet, "/ws", deps.WS)

	r.Method(http.MethodGet, "/healthz", deps.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}
