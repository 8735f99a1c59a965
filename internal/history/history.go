// Package history records run summaries in a local SQLite database.
//
// The database lives at .typ2anki/history.db inside the build root and
// is purely informational: losing it affects nothing but the `typ2anki
// history` command. It is kept separate from the hash cache, which
// travels with the remote collection.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Run is one recorded pipeline run.
type Run struct {
	ID        int64
	StartedAt time.Time
	Duration  time.Duration
	Groups    int
	New       int
	Updated   int
	Failed    int
	CacheHits int
	Empty     int
	DryRun    bool
}

// DB wraps the history database connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the history database at path, creating parent
// directories and the schema as needed. The caller must Close it.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}

	db := &DB{conn: conn, path: path}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at  TEXT NOT NULL,
    duration_ms INTEGER NOT NULL,
    groups_n    INTEGER NOT NULL,
    new_n       INTEGER NOT NULL,
    updated_n   INTEGER NOT NULL,
    failed_n    INTEGER NOT NULL,
    cache_hits  INTEGER NOT NULL,
    empty_n     INTEGER NOT NULL,
    dry_run     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
`
	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return nil
}

// Record inserts one run.
func (db *DB) Record(r Run) error {
	const insert = `
INSERT INTO runs (started_at, duration_ms, groups_n, new_n, updated_n, failed_n, cache_hits, empty_n, dry_run)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.conn.Exec(insert,
		r.StartedAt.UTC().Format(time.RFC3339),
		r.Duration.Milliseconds(),
		r.Groups, r.New, r.Updated, r.Failed, r.CacheHits, r.Empty,
		boolToInt(r.DryRun))
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (db *DB) Recent(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	const query = `
SELECT id, started_at, duration_ms, groups_n, new_n, updated_n, failed_n, cache_hits, empty_n, dry_run
FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`

	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r          Run
			startedAt  string
			durationMS int64
			dryRun     int
		)
		if err := rows.Scan(&r.ID, &startedAt, &durationMS, &r.Groups,
			&r.New, &r.Updated, &r.Failed, &r.CacheHits, &r.Empty, &dryRun); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		r.DryRun = dryRun != 0
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close history database: %w", err)
	}
	db.conn = nil
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
