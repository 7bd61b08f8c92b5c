// Package storage owns the single embedded SQLite database behind all durable
// entities. Writers serialize through a mutex on top of WAL mode; every
// multi-statement mutation runs inside one transaction.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"gobby/internal/logging"
)

// DB wraps the SQLite handle. All higher-level managers go through it; nothing
// else in the daemon opens the database file.
type DB struct {
	sql    *sql.DB
	writeMu sync.Mutex
	logger logging.Logger
}

// Open opens (creating if needed) the database at path, applies pragmas and
// runs migrations. A failure here is fatal for daemon startup.
func Open(path string, logger logging.Logger) (*DB, error) {
	logger = logging.OrNop(logger)

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The modernc driver is not safe for concurrent writes on one connection
	// pool without SQLite-level serialization; a single connection plus the
	// write mutex keeps the transaction discipline simple.
	handle.SetMaxOpenConns(1)

	db := &DB{sql: handle, logger: logger}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := handle.Exec(pragma); err != nil {
			handle.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if err := db.migrate(context.Background()); err != nil {
		handle.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	logger.Info("Database ready at %s", path)
	return db, nil
}

// Close closes the underlying handle.
func (db *DB) Close() error {
	return db.sql.Close()
}

// WithTx runs fn inside a single write transaction. Concurrent callers
// serialize on the write mutex so read-modify-write sequences (slot
// reservation, orchestration list updates) are atomic.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.logger.Warn("Rollback failed: %v", rbErr)
		}
		return err
	}
	return tx.Commit()
}

func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	return db.sql.ExecContext(ctx, query, args...)
}

func (db *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.sql.QueryContext(ctx, query, args...)
}

func (db *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.sql.QueryRowContext(ctx, query, args...)
}

// Timestamps are stored as UTC RFC3339 strings so rows are portable and
// human-readable with any sqlite client.

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nowString() string {
	return formatTime(time.Now())
}

func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalStringSlice(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func unmarshalMap(s string) map[string]any {
	if s == "" {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return map[string]any{}
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func fromNull(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}
