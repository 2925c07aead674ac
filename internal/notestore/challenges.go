package notestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/starford/perthro/internal/apperr"
	"github.com/starford/perthro/internal/challenge"
	"github.com/starford/perthro/internal/noteid"
	"github.com/starford/perthro/internal/scheduler"
	"github.com/starford/perthro/internal/studylog"
)

// buryInterval is how far a just-answered template's sibling challenges are
// pushed out so they don't surface in the same session.
const buryInterval = 24 * time.Hour

// SchedulingInfo is the caller-facing scheduling view of one challenge.
type SchedulingInfo struct {
	Identifier     challenge.Identifier `json:"identifier"`
	Due            *time.Time           `json:"due,omitempty"`
	LastReview     *time.Time           `json:"lastReview,omitempty"`
	IdealInterval  *time.Duration       `json:"idealInterval,omitempty"`
	EaseFactor     float64              `json:"easeFactor"`
	Learning       bool                 `json:"learning"`
	ReviewCount    int                  `json:"reviewCount"`
	LapseCount     int                  `json:"lapseCount"`
	TotalCorrect   int                  `json:"totalCorrect"`
	TotalIncorrect int                  `json:"totalIncorrect"`
}

// EligibleChallenges returns identifiers of challenges due at or before the
// given instant, oldest due first, never-reviewed first of all. Challenges
// of deleted notes are excluded. A non-nil scope restricts the result to
// one note's challenges.
func (s *Store) EligibleChallenges(ctx context.Context, before time.Time, scope *noteid.ID) ([]challenge.Identifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	// due is stored as a UTC DATETIME string and compared lexically.
	before = before.UTC()

	query := `
		SELECT c.template_id, c.idx
		FROM challenge c
		JOIN challenge_template t ON t.id = c.template_id
		JOIN note n ON n.id = t.note_id
		WHERE n.deleted = 0 AND (c.due IS NULL OR c.due <= ?)
	`
	args := []any{before}
	if scope != nil {
		query += ` AND t.note_id = ?`
		args = append(args, *scope)
	}
	query += ` ORDER BY c.due IS NOT NULL, c.due, c.template_id, c.idx`

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("notestore: eligible challenges: %w", err)
	}
	defer rows.Close()

	var out []challenge.Identifier
	for rows.Next() {
		var id challenge.Identifier
		if err := rows.Scan(&id.TemplateID, &id.Index); err != nil {
			return nil, fmt.Errorf("notestore: eligible challenges: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Challenge resolves one identifier to its prompt and answer by decoding
// the owning template. Decodes go through the template cache.
func (s *Store) Challenge(ctx context.Context, id challenge.Identifier) (Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.requireOpen(); err != nil {
		return Challenge{}, err
	}

	tpl, err := s.decodeTemplate(id.TemplateID)
	if err != nil {
		return Challenge{}, err
	}
	contents := tpl.Challenges()
	if id.Index < 0 || id.Index >= len(contents) {
		return Challenge{}, fmt.Errorf("notestore: challenge %s: %w", id, apperr.ErrNoSuchChallenge)
	}
	return Challenge{Identifier: id, Content: contents[id.Index]}, nil
}

// Scheduling returns the scheduling state of one challenge.
func (s *Store) Scheduling(ctx context.Context, id challenge.Identifier) (SchedulingInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.requireOpen(); err != nil {
		return SchedulingInfo{}, err
	}
	rec, err := readChallengeRow(s.conn, id)
	if err != nil {
		return SchedulingInfo{}, err
	}
	return SchedulingInfo{
		Identifier:     rec.ID,
		Due:            rec.Due,
		LastReview:     rec.LastReview,
		IdealInterval:  rec.IdealInterval,
		EaseFactor:     rec.EaseFactor,
		Learning:       rec.Learning,
		ReviewCount:    rec.ReviewCount,
		LapseCount:     rec.LapseCount,
		TotalCorrect:   rec.TotalCorrect,
		TotalIncorrect: rec.TotalIncorrect,
	}, nil
}

// RecordStudyEntry appends one study outcome to the log and advances the
// challenge's scheduling state. With buryRelated set, sibling challenges of
// the same template are pushed out of the current session.
func (s *Store) RecordStudyEntry(ctx context.Context, entry studylog.Entry, buryRelated bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return err
	}
	entry.Timestamp = entry.Timestamp.UTC()

	rec, err := readChallengeRow(s.conn, entry.Identifier)
	if err != nil {
		return err
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("notestore: record study entry: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`
		INSERT OR IGNORE INTO study_log_entry (timestamp, template_id, idx, correct, incorrect)
		VALUES (?, ?, ?, ?, ?)
	`, entry.Timestamp, entry.Identifier.TemplateID, entry.Identifier.Index,
		entry.Statistics.Correct, entry.Statistics.Incorrect); err != nil {
		return fmt.Errorf("notestore: record study entry: %w", err)
	}

	next := s.advance(rec, entry)
	next.ModifiedDevice = s.device.UUID
	next.Modified = entry.Timestamp
	if err := writeChallengeRecord(tx, next, false); err != nil {
		return err
	}

	if buryRelated {
		buryUntil := entry.Timestamp.Add(buryInterval)
		_, err := tx.Exec(`
			UPDATE challenge
			SET due = ?, modified_device = ?, modified_timestamp = ?
			WHERE template_id = ? AND idx <> ? AND (due IS NULL OR due < ?)
		`, buryUntil, s.device.UUID, entry.Timestamp,
			entry.Identifier.TemplateID, entry.Identifier.Index, buryUntil)
		if err != nil {
			return fmt.Errorf("notestore: bury related: %w", err)
		}
	}

	if err := s.markModified(tx, entry.Timestamp); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("notestore: record study entry: %w", err)
	}

	s.noteDirty(entry.Timestamp)
	s.broker.Publish(Event{Kind: EventStudyRecorded})
	return nil
}

// advance computes the post-review scheduling row for one study outcome.
func (s *Store) advance(rec challengeRecord, entry studylog.Entry) challengeRecord {
	item := itemFromRecord(rec)
	delay := reviewDelay(rec, entry.Timestamp)
	next := s.sched.Schedule(item, delay)[gradeFor(entry.Statistics)]

	due := entry.Timestamp.Add(scheduler.Fuzz(next.Interval, s.rng))
	lastReview := entry.Timestamp
	interval := next.Interval

	rec.Due = &due
	rec.LastReview = &lastReview
	rec.IdealInterval = &interval
	rec.EaseFactor = next.Factor
	rec.Learning = next.Learning
	rec.Step = next.Step
	rec.ReviewCount = next.ReviewCount
	rec.LapseCount = next.LapseCount
	rec.TotalCorrect += entry.Statistics.Correct
	rec.TotalIncorrect += entry.Statistics.Incorrect
	return rec
}

// gradeFor maps a review's answer statistics onto a scheduler grade: a
// clean review is Good, one miss is Hard, more is Again.
func gradeFor(stats studylog.AnswerStatistics) scheduler.Answer {
	switch {
	case stats.Incorrect == 0:
		return scheduler.Good
	case stats.Incorrect == 1:
		return scheduler.Hard
	default:
		return scheduler.Again
	}
}

// reviewDelay is how far past its ideal moment the challenge was actually
// reviewed. Never negative; zero when the challenge has no review history.
func reviewDelay(rec challengeRecord, reviewed time.Time) time.Duration {
	if rec.LastReview == nil || rec.IdealInterval == nil {
		return 0
	}
	ideal := rec.LastReview.Add(*rec.IdealInterval)
	if d := reviewed.Sub(ideal); d > 0 {
		return d
	}
	return 0
}

func itemFromRecord(rec challengeRecord) scheduler.Item {
	item := scheduler.Item{
		Learning:    rec.Learning,
		Step:        rec.Step,
		ReviewCount: rec.ReviewCount,
		LapseCount:  rec.LapseCount,
		Factor:      rec.EaseFactor,
	}
	if rec.IdealInterval != nil {
		item.Interval = *rec.IdealInterval
	}
	return item
}

// StudyLog returns the full append-only study history in its canonical
// order.
func (s *Store) StudyLog(ctx context.Context) (*studylog.Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.requireOpen(); err != nil {
		return nil, err
	}

	data := &storeData{}
	if err := readStudyLog(s.conn, data); err != nil {
		return nil, err
	}
	return studylog.New(data.entries), nil
}

// RecomputeSchedulingFromLog rebuilds every challenge's scheduling state by
// replaying the study log from scratch. Used after importing history
// recorded elsewhere.
func (s *Store) RecomputeSchedulingFromLog(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireOpen(); err != nil {
		return err
	}

	data := &storeData{}
	if err := readStudyLog(s.conn, data); err != nil {
		return err
	}

	now := s.clock.Now()
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("notestore: recompute scheduling: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	item := s.sched.NewItem()
	if _, err := tx.Exec(`
		UPDATE challenge
		SET due = NULL, last_review = NULL, ideal_interval_ms = NULL, ease_factor = ?,
			learning = ?, learning_step = ?, review_count = 0, lapse_count = 0,
			total_correct = 0, total_incorrect = 0,
			modified_device = ?, modified_timestamp = ?
	`, item.Factor, item.Learning, item.Step, s.device.UUID, now); err != nil {
		return fmt.Errorf("notestore: recompute scheduling: %w", err)
	}

	for _, entry := range data.entries {
		rec, err := readChallengeRow(tx, entry.Identifier)
		if err != nil {
			// History can reference challenges whose notes are gone.
			continue
		}
		next := s.advance(rec, entry)
		next.ModifiedDevice = s.device.UUID
		next.Modified = now
		if err := writeChallengeRecord(tx, next, false); err != nil {
			return err
		}
	}

	if err := s.markModified(tx, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("notestore: recompute scheduling: %w", err)
	}

	s.noteDirty(now)
	s.broker.Publish(Event{Kind: EventStoreMerged})
	return nil
}

// decodeTemplate resolves a template id to its decoded form, consulting the
// cache first. Decode failures are not cached, so registering a missing
// type later heals the lookup.
func (s *Store) decodeTemplate(id challenge.TemplateID) (challenge.Template, error) {
	if tpl, ok := s.cache.Get(id); ok {
		return tpl, nil
	}

	var typeTag, raw string
	err := s.conn.QueryRow(`SELECT type, raw_value FROM challenge_template WHERE id = ?`, id).
		Scan(&typeTag, &raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("notestore: template %s: %w", id, apperr.ErrUnknownTemplate)
	}
	if err != nil {
		return nil, fmt.Errorf("notestore: template %s: %w", id, err)
	}

	tpl, err := s.registry.Decode(typeTag, raw)
	if err != nil {
		return nil, fmt.Errorf("notestore: template %s: %w", id, err)
	}
	s.cache.Put(id, tpl)
	return tpl, nil
}

// readChallengeRow loads one scheduling row.
func readChallengeRow(q querier, id challenge.Identifier) (challengeRecord, error) {
	var rec challengeRecord
	var due, lastReview sql.NullTime
	var interval sql.NullInt64
	err := q.QueryRow(`
		SELECT template_id, idx, due, last_review, ideal_interval_ms, ease_factor,
			learning, learning_step, review_count, lapse_count, total_correct, total_incorrect,
			modified_device, modified_timestamp
		FROM challenge WHERE template_id = ? AND idx = ?
	`, id.TemplateID, id.Index).Scan(
		&rec.ID.TemplateID, &rec.ID.Index, &due, &lastReview, &interval, &rec.EaseFactor,
		&rec.Learning, &rec.Step, &rec.ReviewCount, &rec.LapseCount,
		&rec.TotalCorrect, &rec.TotalIncorrect, &rec.ModifiedDevice, &rec.Modified)
	if err == sql.ErrNoRows {
		return rec, fmt.Errorf("notestore: challenge %s: %w", id, apperr.ErrNoSuchChallenge)
	}
	if err != nil {
		return rec, fmt.Errorf("notestore: challenge %s: %w", id, err)
	}
	if due.Valid {
		t := due.Time
		rec.Due = &t
	}
	if lastReview.Valid {
		t := lastReview.Time
		rec.LastReview = &t
	}
	if interval.Valid {
		d := time.Duration(interval.Int64) * time.Millisecond
		rec.IdealInterval = &d
	}
	return rec, nil
}
