package notestore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/starford/perthro/internal/challenge"
	"github.com/starford/perthro/internal/noteid"
	"github.com/starford/perthro/internal/studylog"
	"github.com/starford/perthro/internal/vclock"
)

// Metadata is the derived view of a note: extracted from its text at write
// time, or provided directly for notes without freeform prose.
type Metadata struct {
	Timestamp    time.Time `json:"timestamp"`
	Hashtags     []string  `json:"hashtags"`
	Title        string    `json:"title"`
	ContainsText bool      `json:"containsText"`
}

// Note is the caller-facing note value. Text is nil for "naked properties"
// notes carrying only structured metadata.
type Note struct {
	Metadata Metadata `json:"metadata"`
	Text     *string  `json:"text,omitempty"`

	// TemplateIDs lists the note's challenge templates, ordered by id.
	TemplateIDs []challenge.TemplateID `json:"templateIDs,omitempty"`
}

// Summary is a lightweight listing row.
type Summary struct {
	ID       noteid.ID `json:"id"`
	Title    string    `json:"title"`
	Modified time.Time `json:"modified"`
	Hashtags []string  `json:"hashtags"`
}

// HashtagCount is one hashtag with the number of live notes carrying it.
type HashtagCount struct {
	Hashtag string `json:"hashtag"`
	Count   int    `json:"count"`
}

// Challenge is one resolved study prompt.
type Challenge struct {
	Identifier challenge.Identifier `json:"identifier"`
	Content    challenge.Content    `json:"content"`
}

// templateRecord is a challenge template row.
type templateRecord struct {
	ID       challenge.TemplateID
	Type     string
	RawValue string
}

// noteRecord is the full mergeable unit for one note: the note row plus its
// dependent text, hashtags, and templates.
type noteRecord struct {
	ID             noteid.ID
	Title          string
	Modified       time.Time
	ModifiedDevice string
	HasText        bool
	Deleted        bool
	Text           *string
	Hashtags       []string
	Templates      []templateRecord
}

// challengeRecord is one challenge scheduling row, mergeable independently
// of its note.
type challengeRecord struct {
	ID             challenge.Identifier
	Due            *time.Time
	LastReview     *time.Time
	IdealInterval  *time.Duration
	EaseFactor     float64
	Learning       bool
	Step           int
	ReviewCount    int
	LapseCount     int
	TotalCorrect   int
	TotalIncorrect int
	ModifiedDevice string
	Modified       time.Time
}

// storeData is a full snapshot of one store, the unit the merge engine
// consumes.
type storeData struct {
	notes      []noteRecord
	challenges []challengeRecord
	entries    []studylog.Entry
	devices    []vclock.Device
	assets     map[string][]byte
}

// vector derives the version vector from the device records.
func (d *storeData) vector() vclock.Vector {
	vv := vclock.Vector{}
	for _, dev := range d.devices {
		vv.Observe(dev.UUID, dev.LatestChange)
	}
	return vv
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// readAll reads every record from db. Used for loading snapshots and as
// the merge engine's source side.
func readAll(db querier) (*storeData, error) {
	data := &storeData{assets: make(map[string][]byte)}

	if err := readNotes(db, data); err != nil {
		return nil, err
	}
	if err := readChallenges(db, data); err != nil {
		return nil, err
	}
	if err := readStudyLog(db, data); err != nil {
		return nil, err
	}
	if err := readDevices(db, data); err != nil {
		return nil, err
	}
	if err := readAssets(db, data); err != nil {
		return nil, err
	}
	return data, nil
}

func readNotes(db querier, data *storeData) error {
	rows, err := db.Query(`
		SELECT n.id, n.title, n.modified_timestamp, n.modified_device, n.has_text, n.deleted, t.text
		FROM note n LEFT JOIN note_text t ON t.note_id = n.id
		ORDER BY n.id
	`)
	if err != nil {
		return fmt.Errorf("notestore: read notes: %w", err)
	}
	defer rows.Close()

	byID := make(map[noteid.ID]int)
	for rows.Next() {
		var rec noteRecord
		var text sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Modified, &rec.ModifiedDevice, &rec.HasText, &rec.Deleted, &text); err != nil {
			return fmt.Errorf("notestore: scan note: %w", err)
		}
		if text.Valid {
			s := text.String
			rec.Text = &s
		}
		byID[rec.ID] = len(data.notes)
		data.notes = append(data.notes, rec)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("notestore: read notes: %w", err)
	}

	tagRows, err := db.Query(`SELECT note_id, hashtag FROM note_hashtag ORDER BY note_id, hashtag`)
	if err != nil {
		return fmt.Errorf("notestore: read hashtags: %w", err)
	}
	defer tagRows.Close()
	for tagRows.Next() {
		var id noteid.ID
		var tag string
		if err := tagRows.Scan(&id, &tag); err != nil {
			return fmt.Errorf("notestore: scan hashtag: %w", err)
		}
		if i, ok := byID[id]; ok {
			data.notes[i].Hashtags = append(data.notes[i].Hashtags, tag)
		}
	}
	if err := tagRows.Err(); err != nil {
		return fmt.Errorf("notestore: read hashtags: %w", err)
	}

	tmplRows, err := db.Query(`SELECT id, type, raw_value, note_id FROM challenge_template ORDER BY id`)
	if err != nil {
		return fmt.Errorf("notestore: read templates: %w", err)
	}
	defer tmplRows.Close()
	for tmplRows.Next() {
		var rec templateRecord
		var nid noteid.ID
		if err := tmplRows.Scan(&rec.ID, &rec.Type, &rec.RawValue, &nid); err != nil {
			return fmt.Errorf("notestore: scan template: %w", err)
		}
		if i, ok := byID[nid]; ok {
			data.notes[i].Templates = append(data.notes[i].Templates, rec)
		}
	}
	return tmplRows.Err()
}

func readChallenges(db querier, data *storeData) error {
	rows, err := db.Query(`
		SELECT template_id, idx, due, last_review, ideal_interval_ms, ease_factor,
		       learning, learning_step, review_count, lapse_count,
		       total_correct, total_incorrect, modified_device, modified_timestamp
		FROM challenge ORDER BY template_id, idx
	`)
	if err != nil {
		return fmt.Errorf("notestore: read challenges: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec challengeRecord
		var due, lastReview sql.NullTime
		var intervalMS sql.NullInt64
		if err := rows.Scan(&rec.ID.TemplateID, &rec.ID.Index, &due, &lastReview, &intervalMS,
			&rec.EaseFactor, &rec.Learning, &rec.Step, &rec.ReviewCount, &rec.LapseCount,
			&rec.TotalCorrect, &rec.TotalIncorrect, &rec.ModifiedDevice, &rec.Modified); err != nil {
			return fmt.Errorf("notestore: scan challenge: %w", err)
		}
		if due.Valid {
			t := due.Time
			rec.Due = &t
		}
		if lastReview.Valid {
			t := lastReview.Time
			rec.LastReview = &t
		}
		if intervalMS.Valid {
			d := time.Duration(intervalMS.Int64) * time.Millisecond
			rec.IdealInterval = &d
		}
		data.challenges = append(data.challenges, rec)
	}
	return rows.Err()
}

func readStudyLog(db querier, data *storeData) error {
	rows, err := db.Query(`
		SELECT timestamp, template_id, idx, correct, incorrect
		FROM study_log_entry ORDER BY timestamp, template_id, idx, correct, incorrect
	`)
	if err != nil {
		return fmt.Errorf("notestore: read study log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e studylog.Entry
		if err := rows.Scan(&e.Timestamp, &e.Identifier.TemplateID, &e.Identifier.Index,
			&e.Statistics.Correct, &e.Statistics.Incorrect); err != nil {
			return fmt.Errorf("notestore: scan study entry: %w", err)
		}
		data.entries = append(data.entries, e)
	}
	return rows.Err()
}

func readDevices(db querier, data *storeData) error {
	rows, err := db.Query(`SELECT uuid, name, latest_change FROM device ORDER BY uuid`)
	if err != nil {
		return fmt.Errorf("notestore: read devices: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var dev vclock.Device
		if err := rows.Scan(&dev.UUID, &dev.Name, &dev.LatestChange); err != nil {
			return fmt.Errorf("notestore: scan device: %w", err)
		}
		data.devices = append(data.devices, dev)
	}
	return rows.Err()
}

func readAssets(db querier, data *storeData) error {
	rows, err := db.Query(`SELECT id, data FROM asset`)
	if err != nil {
		return fmt.Errorf("notestore: read assets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return fmt.Errorf("notestore: scan asset: %w", err)
		}
		data.assets[id] = blob
	}
	return rows.Err()
}
