// Package storage persists users, workflows, triggers and the execution log.
//
// Two drivers share one query layer:
//   - "sqlite": modernc.org/sqlite through database/sql (single writer, WAL)
//   - "postgres": jackc/pgx/v5 pgxpool
//
// Timestamps are stored as unix milliseconds and trigger days as a JSON
// array so both dialects read the same rows the same way.
package storage
