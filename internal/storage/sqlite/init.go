package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS transfers (
	id INTEGER PRIMARY KEY,
	transfer_id TEXT NOT NULL,
	direction TEXT NOT NULL,
	url TEXT NOT NULL,
	output TEXT,
	phase TEXT NOT NULL DEFAULT 'created',
	error_kind TEXT,
	error_message TEXT,
	hash_algorithm TEXT,
	hash_value TEXT,
	content_length INTEGER NOT NULL DEFAULT 0,
	content_type TEXT,
	instance_id TEXT NOT NULL,
	submitted_at TEXT NOT NULL,
	finished_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_transfers_transfer_id ON transfers (transfer_id);
CREATE INDEX IF NOT EXISTS idx_transfers_finished_at ON transfers (finished_at);
`

// InitDB opens the SQLite database at path and creates the transfers table
// if it doesn't exist.
func InitDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer avoids SQLITE_BUSY between the event consumers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}
