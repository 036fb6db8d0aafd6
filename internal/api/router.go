package api

import (
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// NewRouter wires the room API. staticDir is served at / when it exists.
func NewRouter(h *Handler, logger *zap.Logger, staticDir string) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors)

	r.Get("/health", h.Health)

	r.Route("/rooms", func(r chi.Router) {
		r.Get("/", h.ListRooms)
		r.Post("/", h.CreateRoom)

		r.Route("/{id}", func(r chi.Router) {
			r.Put("/", h.RenameRoom)
			r.Delete("/", h.DeleteRoom)
			r.Get("/messages", h.ListMessages)
			r.Post("/messages", h.PostMessage)
			r.Get("/messages-stream", h.StreamMessages)
			r.Get("/export/html", h.ExportHTML)
			r.Get("/export/manual", h.ExportManual)
		})
	})

	if info, err := os.Stat(staticDir); err == nil && info.IsDir() {
		r.Handle("/*", http.FileServer(http.Dir(staticDir)))
	} else if staticDir != "" {
		logger.Info("Static directory not found, not serving static files", zap.String("dir", staticDir))
	}

	return r
}
