package api

import (
	"time"

	"github.com/starford/perthro/internal/notestore"
)

// CreateNoteRequest is the request body for creating a note. Either Text or
// Metadata must be set; Text wins when both are present.
type CreateNoteRequest struct {
	Text     string              `json:"text,omitempty"`
	Metadata *notestore.Metadata `json:"metadata,omitempty"`
}

// UpdateNoteRequest is the request body for replacing a note's text.
type UpdateNoteRequest struct {
	Text string `json:"text"`
}

// NoteResponse is the full note payload.
type NoteResponse struct {
	ID   string         `json:"id"`
	Note notestore.Note `json:"note"`
}

// NoteListResponse wraps note listings.
type NoteListResponse struct {
	Notes []notestore.Summary `json:"notes"`
	Total int                 `json:"total"`
}

// HashtagsResponse wraps hashtag counts.
type HashtagsResponse struct {
	Hashtags []notestore.HashtagCount `json:"hashtags"`
}

// ChallengeResponse is one resolved challenge with its scheduling state.
type ChallengeResponse struct {
	Challenge  notestore.Challenge      `json:"challenge"`
	Scheduling notestore.SchedulingInfo `json:"scheduling"`
}

// EligibleResponse lists challenge identifiers due for review.
type EligibleResponse struct {
	Challenges []ChallengeRef `json:"challenges"`
	Total      int            `json:"total"`
}

// ChallengeRef identifies one challenge in transit.
type ChallengeRef struct {
	TemplateID string `json:"templateID"`
	Index      int    `json:"index"`
}

// RecordStudyRequest is the request body for recording a study outcome.
type RecordStudyRequest struct {
	TemplateID  string     `json:"templateID"`
	Index       int        `json:"index"`
	Correct     int        `json:"correct"`
	Incorrect   int        `json:"incorrect"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
	BuryRelated bool       `json:"buryRelated"`
}

// AssetUploadResponse is returned after storing an asset.
type AssetUploadResponse struct {
	ID   string `json:"id"`
	Size int    `json:"size"`
}
