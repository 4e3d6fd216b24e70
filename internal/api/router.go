package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/weave/internal/workspace"
)

// NewRouter creates a chi router with all API routes mounted.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *workspace.Service, authn Authenticator, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authn))

	// Documents.
	r.Get("/documents", h.ListDocuments)
	r.Post("/documents/{name}/compact", h.CompactDocument)

	// Rooms.
	r.Get("/rooms/{room}/tree", h.GetTree)
	r.Get("/rooms/{room}/files/*", h.GetFile)
	r.Post("/rooms/{room}/nodes", h.CreateNode)
	r.Patch("/rooms/{room}/nodes/{id}", h.UpdateNode)
	r.Delete("/rooms/{room}/nodes/{id}", h.DeleteNode)
	r.Delete("/rooms/{room}", h.DeleteRoom)

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
