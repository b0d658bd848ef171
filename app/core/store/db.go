package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

type DB struct {
	conn *sql.DB
	path string
}

func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "qtracker.db")
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	database := &DB{conn: conn, path: dbPath}
	if err := database.initSchema(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return database, nil
}

func (d *DB) Conn() *sql.DB {
	return d.conn
}

func (d *DB) Path() string {
	return d.path
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS questions (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			chat_name TEXT NOT NULL DEFAULT '',
			is_group_chat INTEGER NOT NULL DEFAULT 0,
			sender TEXT NOT NULL,
			sender_name TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'open',
			priority TEXT NOT NULL DEFAULT 'normal',
			question_type TEXT NOT NULL DEFAULT 'general',
			keywords TEXT NOT NULL DEFAULT '[]',
			directed_at_me INTEGER NOT NULL DEFAULT 0,
			classified_by TEXT NOT NULL DEFAULT 'regex',
			confirmed_by_ai INTEGER NOT NULL DEFAULT 0,
			answered_by TEXT,
			answered_at INTEGER,
			answer_confidence REAL,
			answer_reason TEXT,
			answer_id TEXT,
			dismissed INTEGER NOT NULL DEFAULT 0,
			dismissed_by TEXT,
			dismissed_at INTEGER,
			manually_resolved INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_questions_chat_status ON questions (chat_id, status, created_at)`,
		`CREATE TABLE IF NOT EXISTS answer_candidates (
			id TEXT PRIMARY KEY,
			question_id TEXT NOT NULL REFERENCES questions(id),
			sender TEXT NOT NULL,
			sender_name TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			signals TEXT NOT NULL DEFAULT '{}',
			is_quoted_reply INTEGER NOT NULL DEFAULT 0,
			is_accepted INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_candidates_question ON answer_candidates (question_id, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := d.conn.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
