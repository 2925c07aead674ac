package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/starford/perthro/internal/apperr"
	"github.com/starford/perthro/internal/challenge"
	"github.com/starford/perthro/internal/noteid"
	"github.com/starford/perthro/internal/notestore"
	"github.com/starford/perthro/internal/studylog"
)

// Handler holds API route handlers.
type Handler struct {
	store *notestore.Store
	clock interface{ Now() time.Time }
}

// NewHandler creates a new Handler.
func NewHandler(store *notestore.Store, clock interface{ Now() time.Time }) *Handler {
	return &Handler{store: store, clock: clock}
}

// ListNotes handles GET /api/notes.
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	notes, err := h.store.ListNotes(r.Context())
	if err != nil {
		h.fail(w, "list notes", err)
		return
	}
	writeJSON(w, http.StatusOK, NoteListResponse{Notes: notes, Total: len(notes)})
}

// CreateNote handles POST /api/notes.
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	var req CreateNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}

	var (
		id   noteid.ID
		note notestore.Note
		err  error
	)
	switch {
	case req.Text != "":
		id, note, err = h.store.CreateNote(r.Context(), req.Text)
	case req.Metadata != nil:
		id, note, err = h.store.CreateNakedNote(r.Context(), *req.Metadata)
	default:
		writeJSON(w, http.StatusBadRequest, errorBody("text or metadata is required"))
		return
	}
	if err != nil {
		h.fail(w, "create note", err)
		return
	}
	writeJSON(w, http.StatusCreated, NoteResponse{ID: string(id), Note: note})
}

// GetNote handles GET /api/notes/{id}.
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	id := noteid.ID(chi.URLParam(r, "id"))
	note, err := h.store.Note(r.Context(), id)
	if err != nil {
		if errors.Is(err, apperr.ErrNoSuchNote) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
			return
		}
		h.fail(w, "get note", err)
		return
	}
	writeJSON(w, http.StatusOK, NoteResponse{ID: string(id), Note: note})
}

// UpdateNote handles PUT /api/notes/{id}.
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	id := noteid.ID(chi.URLParam(r, "id"))

	var req UpdateNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Text == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("text is required"))
		return
	}

	note, err := h.store.UpdateNoteText(r.Context(), id, req.Text)
	if err != nil {
		if errors.Is(err, apperr.ErrNoSuchNote) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
			return
		}
		h.fail(w, "update note", err)
		return
	}
	writeJSON(w, http.StatusOK, NoteResponse{ID: string(id), Note: note})
}

// DeleteNote handles DELETE /api/notes/{id}.
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	id := noteid.ID(chi.URLParam(r, "id"))
	if err := h.store.DeleteNote(r.Context(), id); err != nil {
		if errors.Is(err, apperr.ErrNoSuchNote) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
			return
		}
		h.fail(w, "delete note", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Search handles GET /api/search.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	notes, err := h.store.Search(r.Context(), q)
	if err != nil {
		h.fail(w, "search", err)
		return
	}
	writeJSON(w, http.StatusOK, NoteListResponse{Notes: notes, Total: len(notes)})
}

// Hashtags handles GET /api/hashtags.
func (h *Handler) Hashtags(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.Hashtags(r.Context())
	if err != nil {
		h.fail(w, "hashtags", err)
		return
	}
	writeJSON(w, http.StatusOK, HashtagsResponse{Hashtags: counts})
}

// EligibleChallenges handles GET /api/challenges.
func (h *Handler) EligibleChallenges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	before := h.clock.Now()
	if raw := q.Get("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid 'before' timestamp"))
			return
		}
		before = parsed
	}
	var scope *noteid.ID
	if raw := q.Get("note"); raw != "" {
		id := noteid.ID(raw)
		scope = &id
	}

	ids, err := h.store.EligibleChallenges(r.Context(), before, scope)
	if err != nil {
		h.fail(w, "eligible challenges", err)
		return
	}
	refs := make([]ChallengeRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, ChallengeRef{TemplateID: string(id.TemplateID), Index: id.Index})
	}
	writeJSON(w, http.StatusOK, EligibleResponse{Challenges: refs, Total: len(refs)})
}

// GetChallenge handles GET /api/challenges/{templateID}/{index}.
func (h *Handler) GetChallenge(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid challenge index"))
		return
	}
	id := challenge.Identifier{
		TemplateID: challenge.TemplateID(chi.URLParam(r, "templateID")),
		Index:      idx,
	}

	ch, err := h.store.Challenge(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, apperr.ErrUnknownTemplate), errors.Is(err, apperr.ErrNoSuchChallenge):
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		case errors.Is(err, apperr.ErrUnknownTemplateType):
			// User content from a version with template kinds this build
			// does not know. Not a server fault.
			writeJSON(w, http.StatusUnprocessableEntity, errorBody("unsupported template type"))
		default:
			h.fail(w, "get challenge", err)
		}
		return
	}
	info, err := h.store.Scheduling(r.Context(), id)
	if err != nil {
		h.fail(w, "get challenge scheduling", err)
		return
	}
	writeJSON(w, http.StatusOK, ChallengeResponse{Challenge: ch, Scheduling: info})
}

// RecordStudy handles POST /api/study.
func (h *Handler) RecordStudy(w http.ResponseWriter, r *http.Request) {
	var req RecordStudyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.TemplateID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("templateID is required"))
		return
	}

	ts := h.clock.Now()
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}
	entry := studylog.Entry{
		Timestamp: ts,
		Identifier: challenge.Identifier{
			TemplateID: challenge.TemplateID(req.TemplateID),
			Index:      req.Index,
		},
		Statistics: studylog.AnswerStatistics{
			Correct:   req.Correct,
			Incorrect: req.Incorrect,
		},
	}
	if err := h.store.RecordStudyEntry(r.Context(), entry, req.BuryRelated); err != nil {
		if errors.Is(err, apperr.ErrNoSuchChallenge) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
			return
		}
		h.fail(w, "record study", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StudyLog handles GET /api/studylog.
func (h *Handler) StudyLog(w http.ResponseWriter, r *http.Request) {
	log, err := h.store.StudyLog(r.Context())
	if err != nil {
		h.fail(w, "study log", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": log.Entries(),
		"total":   log.Len(),
	})
}

// UploadAsset handles POST /api/assets.
func (h *Handler) UploadAsset(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 32<<20)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read body"))
		return
	}
	if len(data) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("empty body"))
		return
	}
	id, err := h.store.PutAsset(r.Context(), data)
	if err != nil {
		h.fail(w, "upload asset", err)
		return
	}
	writeJSON(w, http.StatusCreated, AssetUploadResponse{ID: id, Size: len(data)})
}

// GetAsset handles GET /api/assets/{id}.
func (h *Handler) GetAsset(w http.ResponseWriter, r *http.Request) {
	data, err := h.store.Asset(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, apperr.ErrNoSuchAsset) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
			return
		}
		h.fail(w, "get asset", err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Flush handles POST /api/flush.
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Flush(r.Context()); err != nil {
		h.fail(w, "flush", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	slog.Error(op+" failed", slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
}
