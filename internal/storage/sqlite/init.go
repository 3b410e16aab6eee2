package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the ledger database, applies the pragmas we rely on for
// concurrent single-process access, and creates the schema if needed.
func InitDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	pragmas := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA cache_size=-64000;`,
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()

			return nil, err
		}
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS downloaded_tracks (
		track_id TEXT PRIMARY KEY NOT NULL,
		artist TEXT,
		album TEXT,
		title TEXT,
		downloaded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		db.Close()

		return nil, err
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_artist ON downloaded_tracks(artist)`); err != nil {
		db.Close()

		return nil, err
	}

	return db, nil
}
