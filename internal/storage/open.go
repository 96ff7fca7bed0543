package storage

import (
	"context"
	"errors"
	"strings"

	logx "triggerd/pkg/logx"
)

// Open initializes the configured store and applies the schema.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	var (
		b   backend
		err error
	)
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		b, err = openSQLite(ctx, cfg)
	case "postgres", "postgresql", "pgx":
		b, err = openPostgres(ctx, cfg)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}

	st := &sqlStore{b: b, log: log.With(logx.String("comp", "storage"), logx.String("driver", b.name()))}
	if err := st.Migrate(ctx); err != nil {
		_ = b.close()
		return nil, err
	}
	st.log.Info("store ready")
	return st, nil
}
