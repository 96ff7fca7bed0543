package storage

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgBackend struct {
	pool *pgxpool.Pool
}

func openPostgres(ctx context.Context, cfg Config) (backend, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &pgBackend{pool: pool}, nil
}

func (b *pgBackend) name() string { return "postgres" }

func (b *pgBackend) exec(ctx context.Context, q string, args ...any) (int64, error) {
	tag, err := b.pool.Exec(ctx, rebind(q), args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (b *pgBackend) queryRow(ctx context.Context, q string, args ...any) row {
	return b.pool.QueryRow(ctx, rebind(q), args...)
}

func (b *pgBackend) query(ctx context.Context, q string, args ...any) (rows, error) {
	rs, err := b.pool.Query(ctx, rebind(q), args...)
	if err != nil {
		return nil, err
	}
	return rs, nil
}

func (b *pgBackend) isNoRows(err error) bool { return errors.Is(err, pgx.ErrNoRows) }

func (b *pgBackend) isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (b *pgBackend) ping(ctx context.Context) error { return b.pool.Ping(ctx) }

func (b *pgBackend) close() error {
	b.pool.Close()
	return nil
}

func (b *pgBackend) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			credits BIGINT NOT NULL DEFAULT 0 CHECK (credits >= 0)
		);`,
		`CREATE TABLE IF NOT EXISTS workflows (
			wf_id BIGSERIAL PRIMARY KEY,
			created_by BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			credits BIGINT NOT NULL DEFAULT 0 CHECK (credits >= 0),
			data TEXT NOT NULL DEFAULT '{}',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			executed_count BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS trigger_schedule (
			ts_id BIGSERIAL PRIMARY KEY,
			wf_id BIGINT NOT NULL UNIQUE REFERENCES workflows(wf_id) ON DELETE CASCADE,
			schedule_type TEXT NOT NULL,
			days TEXT NOT NULL DEFAULT '[]',
			time TEXT NOT NULL,
			cron_expression TEXT NOT NULL,
			is_notify_before BOOLEAN NOT NULL DEFAULT FALSE,
			is_notify_after BOOLEAN NOT NULL DEFAULT FALSE,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS logs (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL,
			wf_id BIGINT NOT NULL,
			ts_id BIGINT NOT NULL,
			status TEXT NOT NULL,
			remark TEXT NOT NULL,
			execution_time BIGINT NOT NULL,
			created_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_logs_wf_created ON logs(wf_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_owner ON workflows(created_by);`,
	}
}

// rebind rewrites "?" placeholders to "$1", "$2", ...
func rebind(q string) string {
	if !strings.Contains(q, "?") {
		return q
	}
	var sb strings.Builder
	sb.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(q[i])
	}
	return sb.String()
}
