package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})

		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware)

			r.Post("/query", h.Query)
			r.Post("/query/image", h.QueryImage)

			r.Post("/sessions", h.CreateSession)
			r.Get("/sessions", h.ListSessions)
			r.Get("/sessions/{sessionID}", h.GetSession)
			r.Delete("/sessions/{sessionID}", h.CloseSession)
			r.Get("/sessions/{sessionID}/messages", h.ListMessages)
			r.Post("/sessions/{sessionID}/messages", h.PostMessage)
			r.Get("/sessions/{sessionID}/stats", h.SessionStats)

			r.Get("/messages/search", h.SearchMessages)

			r.Post("/files", h.UploadFile)
			r.Get("/files", h.ListFiles)
			r.Delete("/files/{fileID}", h.DeleteFile)

			r.Get("/stats", h.Stats)
		})
	})

	return r
}
