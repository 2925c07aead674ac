package notestore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/starford/perthro/internal/apperr"
	"github.com/starford/perthro/internal/challenge"
	"github.com/starford/perthro/internal/markdown"
	"github.com/starford/perthro/internal/noteid"
	"github.com/starford/perthro/internal/scheduler"
)

// CreateNote parses text into a new note: metadata is derived from the
// markdown, challenge templates are extracted from it, and every challenge
// starts in the initial scheduling state, eligible immediately.
func (s *Store) CreateNote(ctx context.Context, text string) (noteid.ID, Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return "", Note{}, err
	}

	doc, err := s.parser.Parse(text)
	if err != nil {
		return "", Note{}, fmt.Errorf("notestore: parse note: %w", err)
	}

	id := s.ids.New()
	now := s.clock.Now()
	rec := noteRecord{
		ID:             id,
		Title:          doc.Title,
		Modified:       now,
		ModifiedDevice: s.device.UUID,
		HasText:        true,
		Text:           &text,
		Hashtags:       doc.Hashtags,
	}
	for _, block := range doc.Blocks {
		rec.Templates = append(rec.Templates, templateRecord{
			ID:       s.ids.New(),
			Type:     block.Type,
			RawValue: block.RawValue,
		})
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return "", Note{}, fmt.Errorf("notestore: create note: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertNoteRecord(tx, rec); err != nil {
		return "", Note{}, err
	}
	for _, t := range rec.Templates {
		n, err := s.challengeCount(t.Type, t.RawValue)
		if err != nil {
			return "", Note{}, err
		}
		if err := insertInitialChallenges(tx, t.ID, n, s.sched.NewItem(), s.device.UUID, now); err != nil {
			return "", Note{}, err
		}
	}
	if err := s.markModified(tx, now); err != nil {
		return "", Note{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", Note{}, fmt.Errorf("notestore: create note: %w", err)
	}

	s.noteDirty(now)
	s.broker.Publish(Event{Kind: EventNoteCreated, NoteID: id})
	return id, noteFromRecord(rec), nil
}

// CreateNakedNote stores a note carrying only structured metadata, without
// freeform text or challenges.
func (s *Store) CreateNakedNote(ctx context.Context, meta Metadata) (noteid.ID, Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return "", Note{}, err
	}

	id := s.ids.New()
	now := s.clock.Now()
	rec := noteRecord{
		ID:             id,
		Title:          meta.Title,
		Modified:       now,
		ModifiedDevice: s.device.UUID,
		Hashtags:       meta.Hashtags,
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return "", Note{}, fmt.Errorf("notestore: create note: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertNoteRecord(tx, rec); err != nil {
		return "", Note{}, err
	}
	if err := s.markModified(tx, now); err != nil {
		return "", Note{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", Note{}, fmt.Errorf("notestore: create note: %w", err)
	}

	s.noteDirty(now)
	s.broker.Publish(Event{Kind: EventNoteCreated, NoteID: id})
	return id, noteFromRecord(rec), nil
}

// Note returns one note. Deleted notes report apperr.ErrNoSuchNote.
func (s *Store) Note(ctx context.Context, id noteid.ID) (Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.requireOpen(); err != nil {
		return Note{}, err
	}
	rec, err := readNoteRecord(s.conn, id)
	if err != nil {
		return Note{}, err
	}
	return noteFromRecord(rec), nil
}

// UpdateNoteText replaces a note's text, re-deriving its metadata and
// templates. Templates whose content survives the edit keep their identity,
// and with it their challenge scheduling state.
func (s *Store) UpdateNoteText(ctx context.Context, id noteid.ID, text string) (Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return Note{}, err
	}

	old, err := readNoteRecord(s.conn, id)
	if err != nil {
		return Note{}, err
	}

	doc, err := s.parser.Parse(text)
	if err != nil {
		return Note{}, fmt.Errorf("notestore: parse note: %w", err)
	}
	now := s.clock.Now()

	matched, fresh, stale := s.diffTemplates(old.Templates, doc.Blocks)

	rec := noteRecord{
		ID:             id,
		Title:          doc.Title,
		Modified:       now,
		ModifiedDevice: s.device.UUID,
		HasText:        true,
		Text:           &text,
		Hashtags:       doc.Hashtags,
	}
	rec.Templates = append(rec.Templates, matched...)
	rec.Templates = append(rec.Templates, fresh...)

	tx, err := s.conn.Begin()
	if err != nil {
		return Note{}, fmt.Errorf("notestore: update note: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := overwriteNoteRecord(tx, rec); err != nil {
		return Note{}, err
	}
	for _, t := range matched {
		s.cache.Remove(t.ID)
		n, err := s.challengeCount(t.Type, t.RawValue)
		if err != nil {
			return Note{}, err
		}
		if err := s.reconcileChallengeCount(tx, t.ID, n, now); err != nil {
			return Note{}, err
		}
	}
	for _, t := range fresh {
		n, err := s.challengeCount(t.Type, t.RawValue)
		if err != nil {
			return Note{}, err
		}
		if err := insertInitialChallenges(tx, t.ID, n, s.sched.NewItem(), s.device.UUID, now); err != nil {
			return Note{}, err
		}
	}
	for _, t := range stale {
		s.cache.Remove(t.ID)
	}
	if err := s.markModified(tx, now); err != nil {
		return Note{}, err
	}
	if err := tx.Commit(); err != nil {
		return Note{}, fmt.Errorf("notestore: update note: %w", err)
	}

	s.noteDirty(now)
	s.broker.Publish(Event{Kind: EventNoteUpdated, NoteID: id})
	return noteFromRecord(rec), nil
}

// diffTemplates reconciles a note's existing templates against the blocks
// of its new text. A block first claims an unused existing template with
// identical content, then any unused template of the same type in document
// order. Claimed templates keep their ids; everything else is new or stale.
func (s *Store) diffTemplates(existing []templateRecord, blocks []markdown.TemplateBlock) (matched, fresh, stale []templateRecord) {
	used := make([]bool, len(existing))
	assigned := make([]*templateRecord, len(blocks))

	// Exact content matches win first.
	for bi, block := range blocks {
		for ei, t := range existing {
			if used[ei] || t.Type != block.Type || t.RawValue != block.RawValue {
				continue
			}
			used[ei] = true
			keep := t
			assigned[bi] = &keep
			break
		}
	}
	// Remaining blocks claim remaining templates of the same type in order.
	for bi, block := range blocks {
		if assigned[bi] != nil {
			continue
		}
		for ei, t := range existing {
			if used[ei] || t.Type != block.Type {
				continue
			}
			used[ei] = true
			assigned[bi] = &templateRecord{ID: t.ID, Type: block.Type, RawValue: block.RawValue}
			break
		}
	}

	for bi, block := range blocks {
		if assigned[bi] != nil {
			matched = append(matched, *assigned[bi])
			continue
		}
		fresh = append(fresh, templateRecord{
			ID:       s.ids.New(),
			Type:     block.Type,
			RawValue: block.RawValue,
		})
	}
	for ei, t := range existing {
		if !used[ei] {
			stale = append(stale, t)
		}
	}
	return matched, fresh, stale
}

// DeleteNote tombstones a note: the row survives so the deletion propagates
// through merges, but its text, hashtags, templates, and challenges go.
func (s *Store) DeleteNote(ctx context.Context, id noteid.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return err
	}

	old, err := readNoteRecord(s.conn, id)
	if err != nil {
		return err
	}
	now := s.clock.Now()

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("notestore: delete note: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	tombstone := noteRecord{
		ID:             id,
		Title:          "",
		Modified:       now,
		ModifiedDevice: s.device.UUID,
		Deleted:        true,
	}
	if err := overwriteNoteRecord(tx, tombstone); err != nil {
		return err
	}
	if err := s.markModified(tx, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("notestore: delete note: %w", err)
	}

	for _, t := range old.Templates {
		s.cache.Remove(t.ID)
	}
	s.noteDirty(now)
	s.broker.Publish(Event{Kind: EventNoteDeleted, NoteID: id})
	return nil
}

// ListNotes returns summaries of every live note, most recently modified
// first.
func (s *Store) ListNotes(ctx context.Context) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.requireOpen(); err != nil {
		return nil, err
	}

	rows, err := s.conn.Query(`
		SELECT id, title, modified_timestamp FROM note
		WHERE deleted = 0
		ORDER BY modified_timestamp DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("notestore: list notes: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.Modified); err != nil {
			return nil, fmt.Errorf("notestore: list notes: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notestore: list notes: %w", err)
	}
	for i := range out {
		tags, err := readHashtags(s.conn, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Hashtags = tags
	}
	return out, nil
}

// Search returns summaries of live notes whose title or text matches
// pattern. An empty pattern matches every note that has text.
func (s *Store) Search(ctx context.Context, pattern string) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.requireOpen(); err != nil {
		return nil, err
	}

	var ids []noteid.ID
	var err error
	if pattern == "" {
		ids, err = allTextNoteIDs(s.conn)
	} else {
		ids, err = searchIDs(s.conn, pattern)
	}
	if err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		var sum Summary
		err := s.conn.QueryRow(`
			SELECT id, title, modified_timestamp FROM note WHERE id = ? AND deleted = 0
		`, id).Scan(&sum.ID, &sum.Title, &sum.Modified)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("notestore: search: %w", err)
		}
		tags, err := readHashtags(s.conn, id)
		if err != nil {
			return nil, err
		}
		sum.Hashtags = tags
		out = append(out, sum)
	}
	return out, nil
}

func allTextNoteIDs(conn *sql.DB) ([]noteid.ID, error) {
	rows, err := conn.Query(`
		SELECT id FROM note WHERE deleted = 0 AND has_text = 1 ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("notestore: search: %w", err)
	}
	defer rows.Close()

	var out []noteid.ID
	for rows.Next() {
		var id noteid.ID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Hashtags returns every hashtag carried by a live note with its note count,
// most frequent first.
func (s *Store) Hashtags(ctx context.Context) ([]HashtagCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.requireOpen(); err != nil {
		return nil, err
	}

	rows, err := s.conn.Query(`
		SELECT h.hashtag, count(*) AS n
		FROM note_hashtag h
		JOIN note ON note.id = h.note_id
		WHERE note.deleted = 0
		GROUP BY h.hashtag
		ORDER BY n DESC, h.hashtag
	`)
	if err != nil {
		return nil, fmt.Errorf("notestore: hashtags: %w", err)
	}
	defer rows.Close()

	var out []HashtagCount
	for rows.Next() {
		var hc HashtagCount
		if err := rows.Scan(&hc.Hashtag, &hc.Count); err != nil {
			return nil, fmt.Errorf("notestore: hashtags: %w", err)
		}
		out = append(out, hc)
	}
	return out, rows.Err()
}

// PutAsset stores an immutable binary asset and returns its content-derived
// id. Storing the same bytes twice yields the same id.
func (s *Store) PutAsset(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])
	now := s.clock.Now()

	tx, err := s.conn.Begin()
	if err != nil {
		return "", fmt.Errorf("notestore: put asset: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.Exec(`INSERT OR IGNORE INTO asset (id, data) VALUES (?, ?)`, id, data)
	if err != nil {
		return "", fmt.Errorf("notestore: put asset: %w", err)
	}
	inserted, _ := res.RowsAffected()
	if inserted > 0 {
		if err := s.markModified(tx, now); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("notestore: put asset: %w", err)
	}
	if inserted > 0 {
		s.noteDirty(now)
	}
	return id, nil
}

// Asset returns the bytes stored under id.
func (s *Store) Asset(ctx context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.requireOpen(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.conn.QueryRow(`SELECT data FROM asset WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("notestore: asset %s: %w", id, apperr.ErrNoSuchAsset)
	}
	if err != nil {
		return nil, fmt.Errorf("notestore: asset %s: %w", id, err)
	}
	return data, nil
}

// challengeCount decodes a template and reports how many challenges it
// yields.
func (s *Store) challengeCount(typeTag, rawValue string) (int, error) {
	tpl, err := s.registry.Decode(typeTag, rawValue)
	if err != nil {
		return 0, err
	}
	return len(tpl.Challenges()), nil
}

// insertInitialChallenges writes count scheduling rows in the initial item
// state. Due stays NULL, which makes the challenges immediately eligible.
func insertInitialChallenges(tx *sql.Tx, id challenge.TemplateID, count int, item scheduler.Item, device string, now time.Time) error {
	for idx := 0; idx < count; idx++ {
		_, err := tx.Exec(`
			INSERT INTO challenge (template_id, idx, due, last_review, ideal_interval_ms, ease_factor,
				learning, learning_step, review_count, lapse_count, total_correct, total_incorrect,
				modified_device, modified_timestamp)
			VALUES (?, ?, NULL, NULL, NULL, ?, ?, ?, 0, 0, 0, 0, ?, ?)
		`, id, idx, item.Factor, item.Learning, item.Step, device, now)
		if err != nil {
			return fmt.Errorf("notestore: insert challenge: %w", err)
		}
	}
	return nil
}

// reconcileChallengeCount adjusts a surviving template's scheduling rows to
// its new challenge count: surplus rows go, missing rows start fresh.
func (s *Store) reconcileChallengeCount(tx *sql.Tx, id challenge.TemplateID, count int, now time.Time) error {
	var have int
	if err := tx.QueryRow(`SELECT count(*) FROM challenge WHERE template_id = ?`, id).Scan(&have); err != nil {
		return fmt.Errorf("notestore: count challenges: %w", err)
	}
	switch {
	case have > count:
		if _, err := tx.Exec(`DELETE FROM challenge WHERE template_id = ? AND idx >= ?`, id, count); err != nil {
			return fmt.Errorf("notestore: trim challenges: %w", err)
		}
	case have < count:
		item := s.sched.NewItem()
		for idx := have; idx < count; idx++ {
			_, err := tx.Exec(`
				INSERT INTO challenge (template_id, idx, due, last_review, ideal_interval_ms, ease_factor,
					learning, learning_step, review_count, lapse_count, total_correct, total_incorrect,
					modified_device, modified_timestamp)
				VALUES (?, ?, NULL, NULL, NULL, ?, ?, ?, 0, 0, 0, 0, ?, ?)
			`, id, idx, item.Factor, item.Learning, item.Step, s.device.UUID, now)
			if err != nil {
				return fmt.Errorf("notestore: insert challenge: %w", err)
			}
		}
	}
	return nil
}

// readNoteRecord loads one live note with its dependents.
func readNoteRecord(q querier, id noteid.ID) (noteRecord, error) {
	var rec noteRecord
	var deleted bool
	err := q.QueryRow(`
		SELECT id, title, modified_timestamp, modified_device, has_text, deleted
		FROM note WHERE id = ?
	`, id).Scan(&rec.ID, &rec.Title, &rec.Modified, &rec.ModifiedDevice, &rec.HasText, &deleted)
	if err == sql.ErrNoRows {
		return rec, fmt.Errorf("notestore: note %s: %w", id, apperr.ErrNoSuchNote)
	}
	if err != nil {
		return rec, fmt.Errorf("notestore: note %s: %w", id, err)
	}
	if deleted {
		return rec, fmt.Errorf("notestore: note %s: %w", id, apperr.ErrNoSuchNote)
	}

	if rec.HasText {
		var text string
		if err := q.QueryRow(`SELECT text FROM note_text WHERE note_id = ?`, id).Scan(&text); err != nil {
			return rec, fmt.Errorf("notestore: note %s text: %w", id, err)
		}
		rec.Text = &text
	}
	tags, err := readHashtags(q, id)
	if err != nil {
		return rec, err
	}
	rec.Hashtags = tags

	rows, err := q.Query(`SELECT id, type, raw_value FROM challenge_template WHERE note_id = ? ORDER BY id`, id)
	if err != nil {
		return rec, fmt.Errorf("notestore: note %s templates: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var t templateRecord
		if err := rows.Scan(&t.ID, &t.Type, &t.RawValue); err != nil {
			return rec, fmt.Errorf("notestore: note %s templates: %w", id, err)
		}
		rec.Templates = append(rec.Templates, t)
	}
	return rec, rows.Err()
}

func readHashtags(q querier, id noteid.ID) ([]string, error) {
	rows, err := q.Query(`SELECT hashtag FROM note_hashtag WHERE note_id = ? ORDER BY hashtag`, id)
	if err != nil {
		return nil, fmt.Errorf("notestore: note %s hashtags: %w", id, err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func noteFromRecord(rec noteRecord) Note {
	var templates []challenge.TemplateID
	for _, t := range rec.Templates {
		templates = append(templates, t.ID)
	}
	return Note{
		Metadata: Metadata{
			Timestamp:    rec.Modified,
			Hashtags:     rec.Hashtags,
			Title:        rec.Title,
			ContainsText: rec.HasText,
		},
		Text:        rec.Text,
		TemplateIDs: templates,
	}
}
