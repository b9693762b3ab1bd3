// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrStoreUnavailable is returned when the database cannot be opened or
	// a transaction cannot be started.
	ErrStoreUnavailable = errors.New("data store unavailable")

	// ErrBusy is returned when a bounded wait for the database expires.
	// Callers may retry.
	ErrBusy = errors.New("data store busy")
)

// IsRetryable reports whether err is a transient failure that may succeed
// when the operation is attempted again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBusy) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// classify maps driver errors onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", ErrBusy, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// =============================================================================
// STORE
// =============================================================================

// DefaultBusyTimeout bounds how long SQLite waits on a locked database
// before returning SQLITE_BUSY.
const DefaultBusyTimeout = 5 * time.Second

// Store is the embedded data store.
type Store struct {
	path   string
	writer *sql.DB
	reader *sql.DB
	logger *zap.Logger

	busyTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBusyTimeout sets SQLite's busy_timeout.
func WithBusyTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.busyTimeout = d
		}
	}
}

// DSN builds a modernc.org/sqlite connection string.
func DSN(path string, busyTimeout time.Duration, journalMode, txLock string) string {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(%s)&_pragma=foreign_keys(1)&_pragma=synchronous(FULL)",
		filepath.ToSlash(path), busyTimeout.Milliseconds(), journalMode)
	if txLock != "" {
		dsn += "&_txlock=" + txLock
	}
	return dsn
}

// Open opens (creating if needed) the store at path and applies pending
// migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:        path,
		logger:      zap.NewNop(),
		busyTimeout: DefaultBusyTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("%w: create data directory: %v", ErrStoreUnavailable, err)
	}

	writer, err := sql.Open("sqlite", DSN(path, s.busyTimeout, "WAL", "immediate"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	// SQLite only supports one writer at a time
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)

	if err := writer.PingContext(ctx); err != nil {
		writer.Close()
		return nil, classify(err)
	}

	reader, err := sql.Open("sqlite", DSN(path, s.busyTimeout, "WAL", ""))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	reader.SetMaxOpenConns(4)

	s.writer = writer
	s.reader = reader

	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := os.Chmod(path, 0600); err != nil {
		s.logger.Warn("could not restrict data store permissions", zap.Error(err))
	}

	s.logger.Info("data store opened", zap.String("path", path))
	return s, nil
}

// FromDB wraps existing pools without running migrations. Tests use it to
// put a sqlmock behind the store.
func FromDB(writer, reader *sql.DB) *Store {
	if reader == nil {
		reader = writer
	}
	return &Store{writer: writer, reader: reader, logger: zap.NewNop()}
}

// Path returns the database file path, empty for wrapped pools.
func (s *Store) Path() string { return s.path }

// Writer returns the single-connection write pool.
func (s *Store) Writer() *sql.DB { return s.writer }

// Reader returns the read pool.
func (s *Store) Reader() *sql.DB { return s.reader }

// Close closes both pools.
func (s *Store) Close() error {
	var errs []error
	if s.reader != nil && s.reader != s.writer {
		errs = append(errs, s.reader.Close())
	}
	if s.writer != nil {
		errs = append(errs, s.writer.Close())
	}
	return errors.Join(errs...)
}

// BeginWrite starts an immediate write transaction. Waiting for the single
// writer connection is bounded by ctx.
func (s *Store) BeginWrite(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	return tx, nil
}

// Classify exposes driver error classification to callers that run their
// own statements.
func Classify(err error) error { return classify(err) }

// =============================================================================
// MIGRATIONS
// =============================================================================

// Migrate upgrades the schema to SchemaVersion.
func (s *Store) Migrate(ctx context.Context) error {
	tx, err := s.BeginWrite(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var version int
	if err := tx.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return classify(err)
	}
	if version > len(migrations) {
		return fmt.Errorf("%w: schema version %d is newer than supported %d", ErrStoreUnavailable, version, len(migrations))
	}
	for i := version; i < len(migrations); i++ {
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			return fmt.Errorf("%w: migration %d: %v", ErrStoreUnavailable, i+1, err)
		}
		s.logger.Info("applied schema migration", zap.Int("version", i+1))
	}
	// PRAGMA does not accept bound parameters
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", len(migrations))); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

// SchemaVersionOf reads PRAGMA user_version through q.
func SchemaVersionOf(ctx context.Context, q Querier) (int, error) {
	var version int
	if err := q.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, classify(err)
	}
	return version, nil
}

// Querier is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// TIME HELPERS
// =============================================================================

// Nanos converts t to the INTEGER representation stored in the database.
func Nanos(t time.Time) int64 { return t.UTC().UnixNano() }

// FromNanos converts a stored INTEGER back to UTC time.
func FromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

// NullNanos converts an optional time for storage.
func NullNanos(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: Nanos(*t), Valid: true}
}

// FromNullNanos converts an optional stored time.
func FromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := FromNanos(n.Int64)
	return &t
}

// OpenStaging opens a fresh database file for bulk loading. It uses a
// rollback journal so the finished file is self-contained and can be
// renamed into place once closed.
func OpenStaging(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", DSN(path, DefaultBusyTimeout, "DELETE", "immediate"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	db.SetMaxOpenConns(1)
	// Restored rows may arrive before the rows they reference
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		db.Close()
		return nil, classify(err)
	}
	return db, nil
}
