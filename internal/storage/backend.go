package storage

import "context"

type row interface {
	Scan(dest ...any) error
}

type rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// backend hides the driver API. Queries are written with "?" placeholders;
// backends that need numbered parameters rebind them.
type backend interface {
	name() string
	exec(ctx context.Context, q string, args ...any) (int64, error)
	queryRow(ctx context.Context, q string, args ...any) row
	query(ctx context.Context, q string, args ...any) (rows, error)
	schema() []string
	isNoRows(err error) bool
	isUniqueViolation(err error) bool
	ping(ctx context.Context) error
	close() error
}
