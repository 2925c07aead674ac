//go:build sqlite_fts5

package notestore

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/starford/perthro/internal/noteid"
)

func initFTS(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS note_fts USING fts5(
			note_id UNINDEXED,
			title,
			body,
			tokenize = 'unicode61 remove_diacritics 2'
		);
	`)
	return err
}

func ftsUpsert(tx *sql.Tx, id noteid.ID, title, body string) error {
	_, _ = tx.Exec(`DELETE FROM note_fts WHERE note_id = ?`, id)
	_, err := tx.Exec(`INSERT INTO note_fts (note_id, title, body) VALUES (?, ?, ?)`, id, title, body)
	if err != nil {
		return fmt.Errorf("notestore: upsert fts: %w", err)
	}
	return nil
}

func ftsDelete(tx *sql.Tx, id noteid.ID) {
	_, _ = tx.Exec(`DELETE FROM note_fts WHERE note_id = ?`, id)
}

// searchIDs matches pattern against note titles and bodies using FTS5
// prefix matching and returns the ids ordered by rank.
func searchIDs(conn *sql.DB, pattern string) ([]noteid.ID, error) {
	query := ftsQuery(pattern)
	rows, err := conn.Query(`
		SELECT f.note_id
		FROM note_fts f
		JOIN note n ON n.id = f.note_id
		WHERE note_fts MATCH ? AND n.deleted = 0
		ORDER BY rank
	`, query)
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

// ftsQuery quotes each whitespace-separated term and appends the prefix
// operator so partially typed words still match.
func ftsQuery(pattern string) string {
	terms := strings.Fields(pattern)
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		quoted = append(quoted, `"`+strings.ReplaceAll(t, `"`, `""`)+`"*`)
	}
	return strings.Join(quoted, " ")
}
