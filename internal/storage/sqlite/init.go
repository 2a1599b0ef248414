package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database and creates the transfers table if it
// doesn't exist.
func InitDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS transfers (
		id INTEGER PRIMARY KEY,
		transfer_id TEXT UNIQUE,
		session_id TEXT,
		group_id TEXT,
		peer TEXT,
		remote_path TEXT,
		local_path TEXT,
		size_bytes INTEGER DEFAULT 0,
		state TEXT DEFAULT 'queued',
		match_status TEXT DEFAULT 'pending',
		created_at DATETIME,
		completed_at DATETIME
	)`)

	if err != nil {
		return nil, err
	}

	return db, nil
}
