package delivery

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"hls-bridge/internal/platform/logger"
	"hls-bridge/internal/platform/metrics"
)

// NewRouter wires the delivery routes.
func NewRouter(h *Handler, log *slog.Logger) *chi.Mux {
	met := h.metrics
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))

	if met != nil {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			met.Handler(func() { met.SetTranscoderRunning(h.sessions.Snapshot().Running) }).ServeHTTP(w, r)
		})
	}
	r.Get("/healthz", h.Healthz)
	for route, file := range Pages {
		r.Get(route, h.Page(file))
	}
	r.Get("/api/session", h.GetSession)
	r.Get("/api/manifest", h.GetManifest)
	r.Get("/ws/session", h.SessionEvents)
	r.Get("/hls/*", h.ServeHLS)
	r.Handle("/*", http.FileServer(http.Dir(h.publicDir)))
	return r
}
