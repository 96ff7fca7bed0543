package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type sqliteBackend struct {
	db *sql.DB
}

func openSQLite(ctx context.Context, cfg Config) (backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)", path, busy.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; the conditional credit UPDATE relies on
	// statements being serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite wal: %w", err)
	}
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
	return &sqliteBackend{db: db}, nil
}

func (b *sqliteBackend) name() string { return "sqlite" }

func (b *sqliteBackend) exec(ctx context.Context, q string, args ...any) (int64, error) {
	res, err := b.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (b *sqliteBackend) queryRow(ctx context.Context, q string, args ...any) row {
	return b.db.QueryRowContext(ctx, q, args...)
}

func (b *sqliteBackend) query(ctx context.Context, q string, args ...any) (rows, error) {
	rs, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rs}, nil
}

func (b *sqliteBackend) isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

func (b *sqliteBackend) isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (b *sqliteBackend) ping(ctx context.Context) error { return b.db.PingContext(ctx) }

func (b *sqliteBackend) close() error { return b.db.Close() }

func (b *sqliteBackend) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			credits INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			wf_id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_by INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			credits INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0),
			data TEXT NOT NULL DEFAULT '{}',
			is_active INTEGER NOT NULL DEFAULT 1,
			executed_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trigger_schedule (
			ts_id INTEGER PRIMARY KEY AUTOINCREMENT,
			wf_id INTEGER NOT NULL UNIQUE REFERENCES workflows(wf_id) ON DELETE CASCADE,
			schedule_type TEXT NOT NULL,
			days TEXT NOT NULL DEFAULT '[]',
			time TEXT NOT NULL,
			cron_expression TEXT NOT NULL,
			is_notify_before INTEGER NOT NULL DEFAULT 0,
			is_notify_after INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			wf_id INTEGER NOT NULL,
			ts_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			remark TEXT NOT NULL,
			execution_time INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_wf_created ON logs(wf_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_owner ON workflows(created_by)`,
	}
}

type sqlRows struct{ *sql.Rows }

func (r sqlRows) Close() { _ = r.Rows.Close() }
