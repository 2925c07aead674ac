package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(h *Handler, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Notes CRUD.
	r.Get("/notes", h.ListNotes)
	r.Post("/notes", h.CreateNote)
	r.Get("/notes/{id}", h.GetNote)
	r.Put("/notes/{id}", h.UpdateNote)
	r.Delete("/notes/{id}", h.DeleteNote)

	// Search and hashtags.
	r.Get("/search", h.Search)
	r.Get("/hashtags", h.Hashtags)

	// Spaced repetition.
	r.Get("/challenges", h.EligibleChallenges)
	r.Get("/challenges/{templateID}/{index}", h.GetChallenge)
	r.Post("/study", h.RecordStudy)
	r.Get("/studylog", h.StudyLog)

	// Assets.
	r.Post("/assets", h.UploadAsset)
	r.Get("/assets/{id}", h.GetAsset)

	// Persistence.
	r.Post("/flush", h.Flush)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
