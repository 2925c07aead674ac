package notestore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/perthro/internal/noteid"
	"github.com/starford/perthro/internal/piecetable"
)

// defaultRecomputeWindow is how long an edit burst must be quiet before the
// session re-derives note metadata from the buffer.
const defaultRecomputeWindow = 500 * time.Millisecond

// EditSession is an incremental editing surface over one note's text. Edits
// go into a piece-table buffer; the persisted note, with its re-parsed
// metadata and templates, catches up after a debounced quiescence window
// rather than on every keystroke.
type EditSession struct {
	store *Store
	id    noteid.ID

	mu     sync.Mutex
	buffer *piecetable.PieceTable

	debounce *Debouncer
}

// EditNote opens an editing session for a note that has text.
func (s *Store) EditNote(ctx context.Context, id noteid.ID) (*EditSession, error) {
	note, err := s.Note(ctx, id)
	if err != nil {
		return nil, err
	}
	var text string
	if note.Text != nil {
		text = *note.Text
	}

	es := &EditSession{
		store:  s,
		id:     id,
		buffer: piecetable.New(text),
	}
	es.debounce = NewDebouncer(defaultRecomputeWindow, es.commit)
	return es, nil
}

// ReplaceSubrange splices replacement over the logical rune range [lo, hi)
// and schedules a metadata recompute.
func (es *EditSession) ReplaceSubrange(lo, hi int, replacement string) {
	es.mu.Lock()
	es.buffer.ReplaceSubrange(lo, hi, replacement)
	es.mu.Unlock()
	es.debounce.Trigger()
}

// Insert inserts text at the logical rune position i.
func (es *EditSession) Insert(i int, text string) { es.ReplaceSubrange(i, i, text) }

// Delete removes the logical rune range [lo, hi).
func (es *EditSession) Delete(lo, hi int) { es.ReplaceSubrange(lo, hi, "") }

// Text returns the current buffer contents.
func (es *EditSession) Text() string {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.buffer.String()
}

// Len returns the buffer length in runes.
func (es *EditSession) Len() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.buffer.Len()
}

// Commit persists the buffer immediately, bypassing the debounce window.
func (es *EditSession) Commit(ctx context.Context) (Note, error) {
	es.debounce.Stop()
	es.debounce = NewDebouncer(defaultRecomputeWindow, es.commit)
	return es.store.UpdateNoteText(ctx, es.id, es.Text())
}

// Close commits any outstanding edits and ends the session.
func (es *EditSession) Close(ctx context.Context) error {
	es.debounce.Stop()
	_, err := es.store.UpdateNoteText(ctx, es.id, es.Text())
	return err
}

// commit is the debounced recompute pass.
func (es *EditSession) commit() {
	if _, err := es.store.UpdateNoteText(context.Background(), es.id, es.Text()); err != nil {
		es.store.logger.Warn("debounced note update failed",
			slog.String("note", string(es.id)), slog.Any("error", err))
	}
}
