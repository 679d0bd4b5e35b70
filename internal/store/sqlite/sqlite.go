package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kinshell/kinshell/internal/store"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`CREATE TABLE IF NOT EXISTS chats (
			channel_id TEXT PRIMARY KEY,
			name TEXT,
			is_group INTEGER NOT NULL DEFAULT 0,
			last_message_ns INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			sender_name TEXT,
			text TEXT,
			ts_unix_ns INTEGER NOT NULL,
			from_assistant INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (id, channel_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel_ts ON messages(channel_id, ts_unix_ns);`,
		`CREATE TABLE IF NOT EXISTS registered_groups (
			folder TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			trigger_pattern TEXT,
			context_tier TEXT,
			container_config TEXT,
			added_ns INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS principals (
			identity TEXT PRIMARY KEY,
			tier TEXT NOT NULL,
			display_name TEXT,
			added_ns INTEGER NOT NULL,
			added_by TEXT
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_principals_single_owner ON principals(tier) WHERE tier = 'owner';`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			group_folder TEXT NOT NULL,
			target_channel TEXT NOT NULL,
			prompt TEXT NOT NULL,
			schedule_kind TEXT NOT NULL,
			schedule_value TEXT NOT NULL,
			context_mode TEXT NOT NULL DEFAULT 'isolated',
			next_run_ns INTEGER,
			last_run_ns INTEGER,
			last_result TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			created_ns INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(status, next_run_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_group ON scheduled_tasks(group_folder);`,
		`CREATE TABLE IF NOT EXISTS task_run_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			run_ns INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_run_logs ON task_run_logs(task_id, run_ns);`,
		`CREATE TABLE IF NOT EXISTS group_participants (
			channel_id TEXT NOT NULL,
			identity TEXT NOT NULL,
			display_name TEXT,
			PRIMARY KEY (channel_id, identity)
		);`,
		`CREATE TABLE IF NOT EXISTS stranger_cache (
			group_id TEXT PRIMARY KEY,
			has_strangers INTEGER NOT NULL,
			strangers_json TEXT NOT NULL,
			snapshot_json TEXT NOT NULL,
			checked_ns INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS router_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			key TEXT PRIMARY KEY,
			session_id TEXT NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	return s.getKV(ctx, `SELECT value FROM router_state WHERE key = ?`, key)
}

func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO router_state(key, value) VALUES(?,?)`, key, value)
	if err != nil {
		return fmt.Errorf("set state: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, key string) (string, error) {
	return s.getKV(ctx, `SELECT session_id FROM sessions WHERE key = ?`, key)
}

func (s *Store) SetSession(ctx context.Context, key, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO sessions(key, session_id) VALUES(?,?)`, key, sessionID)
	if err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

// getKV returns "" without error when the key is absent.
func (s *Store) getKV(ctx context.Context, query, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return v, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

func fromNullableNs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func fromNs(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
