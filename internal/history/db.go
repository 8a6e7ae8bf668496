// Package history provides the sqlite-backed run-history store: one session
// row per engine run plus a per-task token-usage breakdown, read back by the
// status command.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the sqlite connection for run history.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens (creating if needed) the history database and applies the
// schema migrations.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the database file location.
func (db *DB) Path() string {
	return db.path
}

// migrate applies pending schema versions.
func (db *DB) migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Sessions},
		{2, migrationV2TaskUsage},
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Sessions = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	started_at DATETIME NOT NULL,
	finished_at DATETIME NOT NULL,
	completed INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	blocked INTEGER NOT NULL DEFAULT 0,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	exit_code INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
`

const migrationV2TaskUsage = `
CREATE TABLE IF NOT EXISTS task_usage (
	session_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	tokens INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, task_id)
);

CREATE INDEX IF NOT EXISTS idx_task_usage_task ON task_usage(task_id);
`

// Session is one recorded engine run.
type Session struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Completed  int
	Failed     int
	Blocked    int
	TokensUsed int64
	ExitCode   int
}

// RecordSession upserts one run record.
func (db *DB) RecordSession(s Session) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		INSERT INTO sessions (id, started_at, finished_at, completed, failed, blocked, tokens_used, exit_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			completed = excluded.completed,
			failed = excluded.failed,
			blocked = excluded.blocked,
			tokens_used = excluded.tokens_used,
			exit_code = excluded.exit_code
	`, s.ID, formatTime(s.StartedAt), formatTime(s.FinishedAt),
		s.Completed, s.Failed, s.Blocked, s.TokensUsed, s.ExitCode)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

// RecordTaskUsage upserts a task's token usage for a session.
func (db *DB) RecordTaskUsage(sessionID, taskID string, tokens int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		INSERT INTO task_usage (session_id, task_id, tokens)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id, task_id) DO UPDATE SET tokens = excluded.tokens
	`, sessionID, taskID, tokens)
	if err != nil {
		return fmt.Errorf("record task usage: %w", err)
	}
	return nil
}

// RecentSessions returns the most recent runs, newest first.
func (db *DB) RecentSessions(limit int) ([]Session, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.conn.Query(`
		SELECT id, started_at, finished_at, completed, failed, blocked, tokens_used, exit_code
		FROM sessions ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		var started, finished string
		if err := rows.Scan(&s.ID, &started, &finished, &s.Completed, &s.Failed, &s.Blocked, &s.TokensUsed, &s.ExitCode); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.StartedAt, _ = parseTime(started)
		s.FinishedAt, _ = parseTime(finished)
		out = append(out, s)
	}
	return out, rows.Err()
}

// TaskUsage returns the token breakdown for one session.
func (db *DB) TaskUsage(sessionID string) (map[string]int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.conn.Query(`SELECT task_id, tokens FROM task_usage WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query task usage: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var taskID string
		var tokens int64
		if err := rows.Scan(&taskID, &tokens); err != nil {
			return nil, fmt.Errorf("scan task usage: %w", err)
		}
		out[taskID] = tokens
	}
	return out, rows.Err()
}

// PurgeOldSessions deletes runs older than the given age, returning how many
// were removed.
func (db *DB) PurgeOldSessions(olderThan time.Duration) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	cutoff := formatTime(time.Now().UTC().Add(-olderThan))
	res, err := db.conn.Exec(`DELETE FROM sessions WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	_, err = db.conn.Exec(`DELETE FROM task_usage WHERE session_id NOT IN (SELECT id FROM sessions)`)
	if err != nil {
		return count, fmt.Errorf("purge task usage: %w", err)
	}
	return count, nil
}

// formatTime formats a time for sqlite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTime parses a stored time string.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
