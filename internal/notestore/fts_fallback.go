//go:build !sqlite_fts5

package notestore

import (
	"database/sql"
	"fmt"

	"github.com/starford/perthro/internal/noteid"
)

func initFTS(_ *sql.DB) error {
	// FTS5 not compiled in; search falls back to LIKE over note_text.
	return nil
}

func ftsUpsert(_ *sql.Tx, _ noteid.ID, _, _ string) error {
	// Title and body already live in the note tables.
	return nil
}

func ftsDelete(_ *sql.Tx, _ noteid.ID) {}

// searchIDs performs a LIKE-based match on titles and bodies (fallback when
// FTS5 is not compiled in).
func searchIDs(conn *sql.DB, pattern string) ([]noteid.ID, error) {
	like := "%" + pattern + "%"
	rows, err := conn.Query(`
		SELECT n.id
		FROM note n
		JOIN note_text t ON t.note_id = n.id
		WHERE n.deleted = 0 AND (n.title LIKE ? OR t.text LIKE ?)
		ORDER BY n.id
	`, like, like)
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
