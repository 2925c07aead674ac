package notestore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/starford/perthro/internal/challenge"
	"github.com/starford/perthro/internal/noteid"
	"github.com/starford/perthro/internal/vclock"
)

// Counts tallies the outcome for one record type during a merge.
type Counts struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

func (c Counts) changed() bool { return c.Inserted > 0 || c.Updated > 0 }

// MergeResult summarizes a per-record merge of one source snapshot into the
// store. Downstream observers are notified only when Changed reports true.
type MergeResult struct {
	Notes        Counts `json:"notes"`
	Challenges   Counts `json:"challenges"`
	StudyEntries int    `json:"studyEntries"`
	Devices      int    `json:"devices"`
	Assets       int    `json:"assets"`
}

// Changed reports whether the merge modified the destination at all.
func (r MergeResult) Changed() bool {
	return r.Notes.changed() || r.Challenges.changed() ||
		r.StudyEntries > 0 || r.Devices > 0 || r.Assets > 0
}

func (r *MergeResult) add(other MergeResult) {
	r.Notes.Inserted += other.Notes.Inserted
	r.Notes.Updated += other.Notes.Updated
	r.Notes.Unchanged += other.Notes.Unchanged
	r.Challenges.Inserted += other.Challenges.Inserted
	r.Challenges.Updated += other.Challenges.Updated
	r.Challenges.Unchanged += other.Challenges.Unchanged
	r.StudyEntries += other.StudyEntries
	r.Devices += other.Devices
	r.Assets += other.Assets
}

// mergeLocked folds src into the working database. Records are reconciled
// independently with last-writer-wins semantics: a source record overwrites
// the destination's copy only when the destination's knowledge of the
// record's modifying device (its own version vector component for that
// device) is strictly older than the record's timestamp. The reconciliation
// is per record, not transactionally global, and is associative and
// commutative across merges.
//
// Caller holds the write lock.
func (s *Store) mergeLocked(src *storeData) (MergeResult, error) {
	var result MergeResult

	destVV := s.vv.Clone()

	tx, err := s.conn.Begin()
	if err != nil {
		return result, fmt.Errorf("notestore: merge begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := s.mergeNotes(tx, src, destVV, &result); err != nil {
		return result, err
	}
	if err := s.mergeChallenges(tx, src, destVV, &result); err != nil {
		return result, err
	}
	if err := mergeStudyEntries(tx, src, &result); err != nil {
		return result, err
	}
	if err := mergeDevices(tx, src, destVV, &result); err != nil {
		return result, err
	}
	if err := mergeAssets(tx, src, &result); err != nil {
		return result, err
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("notestore: merge commit: %w", err)
	}

	s.vv = s.vv.Union(src.vector())
	return result, nil
}

func (s *Store) mergeNotes(tx *sql.Tx, src *storeData, destVV vclock.Vector, result *MergeResult) error {
	for _, rec := range src.notes {
		var exists int
		err := tx.QueryRow(`SELECT 1 FROM note WHERE id = ?`, rec.ID).Scan(&exists)
		switch {
		case err == sql.ErrNoRows:
			if err := insertNoteRecord(tx, rec); err != nil {
				return err
			}
			result.Notes.Inserted++

		case err != nil:
			return fmt.Errorf("notestore: merge note lookup: %w", err)

		case rec.Modified.After(destVV[rec.ModifiedDevice]):
			if err := overwriteNoteRecord(tx, rec); err != nil {
				return err
			}
			s.cacheEvictNoteTemplates(tx, rec.ID)
			result.Notes.Updated++

		default:
			result.Notes.Unchanged++
		}
	}
	return nil
}

func insertNoteRecord(tx *sql.Tx, rec noteRecord) error {
	_, err := tx.Exec(`
		INSERT INTO note (id, title, modified_timestamp, modified_device, has_text, deleted)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Title, rec.Modified, rec.ModifiedDevice, rec.HasText, rec.Deleted)
	if err != nil {
		return fmt.Errorf("notestore: merge insert note: %w", err)
	}
	return writeNoteDependents(tx, rec)
}

func overwriteNoteRecord(tx *sql.Tx, rec noteRecord) error {
	_, err := tx.Exec(`
		UPDATE note SET title = ?, modified_timestamp = ?, modified_device = ?, has_text = ?, deleted = ?
		WHERE id = ?
	`, rec.Title, rec.Modified, rec.ModifiedDevice, rec.HasText, rec.Deleted, rec.ID)
	if err != nil {
		return fmt.Errorf("notestore: merge update note: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM note_text WHERE note_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("notestore: merge clear text: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM note_hashtag WHERE note_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("notestore: merge clear hashtags: %w", err)
	}
	ftsDelete(tx, rec.ID)

	// Templates keep their stable ids: upsert the source's set and drop
	// only templates the source no longer has. Surviving templates keep
	// their challenge scheduling rows.
	keep := make(map[string]struct{}, len(rec.Templates))
	for _, t := range rec.Templates {
		keep[string(t.ID)] = struct{}{}
	}
	rows, err := tx.Query(`SELECT id FROM challenge_template WHERE note_id = ?`, rec.ID)
	if err != nil {
		return fmt.Errorf("notestore: merge list templates: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("notestore: merge scan template: %w", err)
		}
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("notestore: merge list templates: %w", err)
	}
	rows.Close()
	for _, id := range stale {
		if _, err := tx.Exec(`DELETE FROM challenge_template WHERE id = ?`, id); err != nil {
			return fmt.Errorf("notestore: merge delete template: %w", err)
		}
	}

	return writeNoteDependents(tx, rec)
}

// writeNoteDependents writes text, hashtags, templates, and the FTS entry
// for rec. The note row itself must already be in place.
func writeNoteDependents(tx *sql.Tx, rec noteRecord) error {
	if rec.Text != nil {
		if _, err := tx.Exec(`INSERT INTO note_text (note_id, text) VALUES (?, ?)`, rec.ID, *rec.Text); err != nil {
			return fmt.Errorf("notestore: merge write text: %w", err)
		}
		if err := ftsUpsert(tx, rec.ID, rec.Title, *rec.Text); err != nil {
			return err
		}
	}
	for _, tag := range rec.Hashtags {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO note_hashtag (note_id, hashtag) VALUES (?, ?)`, rec.ID, tag); err != nil {
			return fmt.Errorf("notestore: merge write hashtag: %w", err)
		}
	}
	for _, t := range rec.Templates {
		_, err := tx.Exec(`
			INSERT INTO challenge_template (id, type, raw_value, note_id)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET type = excluded.type, raw_value = excluded.raw_value, note_id = excluded.note_id
		`, t.ID, t.Type, t.RawValue, rec.ID)
		if err != nil {
			return fmt.Errorf("notestore: merge write template: %w", err)
		}
	}
	return nil
}

func (s *Store) mergeChallenges(tx *sql.Tx, src *storeData, destVV vclock.Vector, result *MergeResult) error {
	for _, rec := range src.challenges {
		// The owning template may have lost its note's merge; skip
		// orphaned scheduling rows rather than violate the foreign key.
		var one int
		err := tx.QueryRow(`SELECT 1 FROM challenge_template WHERE id = ?`, rec.ID.TemplateID).Scan(&one)
		if err == sql.ErrNoRows {
			result.Challenges.Unchanged++
			continue
		}
		if err != nil {
			return fmt.Errorf("notestore: merge challenge template lookup: %w", err)
		}

		err = tx.QueryRow(`SELECT 1 FROM challenge WHERE template_id = ? AND idx = ?`,
			rec.ID.TemplateID, rec.ID.Index).Scan(&one)
		switch {
		case err == sql.ErrNoRows:
			if err := writeChallengeRecord(tx, rec, true); err != nil {
				return err
			}
			result.Challenges.Inserted++

		case err != nil:
			return fmt.Errorf("notestore: merge challenge lookup: %w", err)

		case rec.Modified.After(destVV[rec.ModifiedDevice]):
			if err := writeChallengeRecord(tx, rec, false); err != nil {
				return err
			}
			result.Challenges.Updated++

		default:
			result.Challenges.Unchanged++
		}
	}
	return nil
}

func writeChallengeRecord(tx *sql.Tx, rec challengeRecord, insert bool) error {
	due := nullTime(rec.Due)
	lastReview := nullTime(rec.LastReview)
	interval := nullMillis(rec.IdealInterval)

	var err error
	if insert {
		_, err = tx.Exec(`
			INSERT INTO challenge (template_id, idx, due, last_review, ideal_interval_ms, ease_factor,
				learning, learning_step, review_count, lapse_count, total_correct, total_incorrect,
				modified_device, modified_timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.ID.TemplateID, rec.ID.Index, due, lastReview, interval, rec.EaseFactor,
			rec.Learning, rec.Step, rec.ReviewCount, rec.LapseCount, rec.TotalCorrect, rec.TotalIncorrect,
			rec.ModifiedDevice, rec.Modified)
	} else {
		_, err = tx.Exec(`
			UPDATE challenge SET due = ?, last_review = ?, ideal_interval_ms = ?, ease_factor = ?,
				learning = ?, learning_step = ?, review_count = ?, lapse_count = ?,
				total_correct = ?, total_incorrect = ?, modified_device = ?, modified_timestamp = ?
			WHERE template_id = ? AND idx = ?
		`, due, lastReview, interval, rec.EaseFactor,
			rec.Learning, rec.Step, rec.ReviewCount, rec.LapseCount,
			rec.TotalCorrect, rec.TotalIncorrect, rec.ModifiedDevice, rec.Modified,
			rec.ID.TemplateID, rec.ID.Index)
	}
	if err != nil {
		return fmt.Errorf("notestore: merge write challenge: %w", err)
	}
	return nil
}

func mergeStudyEntries(tx *sql.Tx, src *storeData, result *MergeResult) error {
	for _, e := range src.entries {
		res, err := tx.Exec(`
			INSERT OR IGNORE INTO study_log_entry (timestamp, template_id, idx, correct, incorrect)
			VALUES (?, ?, ?, ?, ?)
		`, e.Timestamp, e.Identifier.TemplateID, e.Identifier.Index, e.Statistics.Correct, e.Statistics.Incorrect)
		if err != nil {
			return fmt.Errorf("notestore: merge study entry: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			result.StudyEntries++
		}
	}
	return nil
}

func mergeDevices(tx *sql.Tx, src *storeData, destVV vclock.Vector, result *MergeResult) error {
	for _, dev := range src.devices {
		if !dev.LatestChange.After(destVV[dev.UUID]) {
			continue
		}
		// The gate above guarantees excluded.latest_change is the newer
		// value, so plain assignment is safe.
		_, err := tx.Exec(`
			INSERT INTO device (uuid, name, latest_change) VALUES (?, ?, ?)
			ON CONFLICT(uuid) DO UPDATE SET
				name          = excluded.name,
				latest_change = excluded.latest_change
		`, dev.UUID, dev.Name, dev.LatestChange)
		if err != nil {
			return fmt.Errorf("notestore: merge device: %w", err)
		}
		result.Devices++
	}
	return nil
}

func mergeAssets(tx *sql.Tx, src *storeData, result *MergeResult) error {
	for id, blob := range src.assets {
		res, err := tx.Exec(`INSERT OR IGNORE INTO asset (id, data) VALUES (?, ?)`, id, blob)
		if err != nil {
			return fmt.Errorf("notestore: merge asset: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			result.Assets++
		}
	}
	return nil
}

// cacheEvictNoteTemplates drops cached decodes for every template of a note
// whose content was just replaced.
func (s *Store) cacheEvictNoteTemplates(tx *sql.Tx, id noteid.ID) {
	rows, err := tx.Query(`SELECT id FROM challenge_template WHERE note_id = ?`, id)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var tid string
		if rows.Scan(&tid) == nil {
			s.cache.Remove(challenge.TemplateID(tid))
		}
	}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullMillis(d *time.Duration) sql.NullInt64 {
	if d == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: d.Milliseconds(), Valid: true}
}
