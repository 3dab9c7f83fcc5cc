package core

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/mutecomm/go-sqlcipher/v4"
)

// Index is the local SQLite database holding the run journal and the
// listing cache. With a passphrase it is encrypted at rest via SQLCipher.
type Index struct {
	db        *sql.DB
	dbPath    string
	encrypted bool
}

// OpenIndex opens (creating if needed) the index database at dbPath.
// If passphrase is empty, the database is not encrypted. A wrong
// passphrase for an existing encrypted database fails here.
func OpenIndex(dbPath string, passphrase string) (*Index, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	params := "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=1"
	if passphrase != "" {
		// The key goes first so it is applied before any other pragma.
		params = "_pragma_key=" + url.QueryEscape(passphrase) + "&" + params
	}
	dsn := fmt.Sprintf("file:%s?%s", dbPath, params)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps the key and pragmas on every statement.
	db.SetMaxOpenConns(1)

	// Reading the schema fails if the key is wrong.
	var n int
	if err := db.QueryRow("SELECT count(*) FROM sqlite_master").Scan(&n); err != nil {
		db.Close()
		if passphrase != "" {
			return nil, fmt.Errorf("invalid passphrase or corrupted database: %w", err)
		}
		return nil, fmt.Errorf("failed to read database: %w", err)
	}

	return &Index{
		db:        db,
		dbPath:    dbPath,
		encrypted: passphrase != "",
	}, nil
}

// Initialize creates the schema if it doesn't exist.
func (ix *Index) Initialize(ctx context.Context) error {
	schema := `
-- Transfer and removal runs
CREATE TABLE IF NOT EXISTS journal (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    operation_id    TEXT NOT NULL UNIQUE,
    operation_type  TEXT NOT NULL,
    payload         TEXT NOT NULL,
    state           TEXT NOT NULL DEFAULT 'pending'
                    CHECK(state IN ('pending', 'completed', 'partial', 'aborted')),
    steps           INTEGER NOT NULL DEFAULT 0,
    failed          INTEGER NOT NULL DEFAULT 0,
    created_at      TEXT NOT NULL,
    completed_at    TEXT
);
CREATE INDEX IF NOT EXISTS idx_journal_state ON journal(state);

-- Per-step outcomes of a run
CREATE TABLE IF NOT EXISTS journal_steps (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    operation_id    TEXT NOT NULL REFERENCES journal(operation_id) ON DELETE CASCADE,
    seq             INTEGER NOT NULL,
    action          TEXT NOT NULL,
    source          TEXT NOT NULL DEFAULT '',
    dest            TEXT NOT NULL,
    outcome         TEXT NOT NULL,
    error           TEXT NOT NULL DEFAULT '',
    UNIQUE(operation_id, seq)
);

-- Remote directory listings, shared across completion invocations
CREATE TABLE IF NOT EXISTS listing_cache (
    remote          TEXT NOT NULL,
    path            TEXT NOT NULL,
    payload         TEXT NOT NULL,
    fetched_at      TEXT NOT NULL,
    PRIMARY KEY (remote, path)
);

CREATE TABLE IF NOT EXISTS index_meta (
    key             TEXT PRIMARY KEY,
    value           TEXT NOT NULL
);

INSERT OR IGNORE INTO index_meta (key, value) VALUES
    ('schema_version', '1'),
    ('created_at', datetime('now'));
`
	if _, err := ix.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// DB returns the underlying database connection.
func (ix *Index) DB() *sql.DB {
	return ix.db
}

// Close closes the database connection.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// IsEncrypted returns whether the database is encrypted.
func (ix *Index) IsEncrypted() bool {
	return ix.encrypted
}

// Path returns the database file path.
func (ix *Index) Path() string {
	return ix.dbPath
}

// SchemaVersion returns the recorded schema version.
func (ix *Index) SchemaVersion(ctx context.Context) (string, error) {
	var version string
	err := ix.db.QueryRowContext(ctx, `SELECT value FROM index_meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil {
		return "", fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}
