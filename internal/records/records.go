// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package records stores the opaque business records (work orders,
// invoices, equipment and the like) that the presentation layer owns.
// The bodies are not interpreted here; every change commits together with
// its audit entry.
package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/techsvc/internal/security/audit"
	"github.com/jeranaias/techsvc/internal/store"
)

var (
	// ErrNotFound is returned for unknown records.
	ErrNotFound = errors.New("record not found")
	// ErrExists is returned when creating a record that already exists.
	ErrExists = errors.New("record already exists")
	// ErrInvalidKey is returned for malformed kinds or ids.
	ErrInvalidKey = errors.New("invalid record key")
)

// MaxBodyBytes caps a record body.
const MaxBodyBytes = 1 << 20

var keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

// Record is one business record.
type Record struct {
	Kind      string    `json:"kind"`
	ID        string    `json:"id"`
	Body      []byte    `json:"body"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Subject is how the record appears in the audit trail.
func (r Record) Subject() audit.Subject {
	return audit.Subject{Type: r.Kind, ID: r.ID}
}

// Repository reads and writes records.
type Repository struct {
	st     *store.Store
	audit  *audit.Log
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Repository) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

// New returns a repository over st.
func New(st *store.Store, log *audit.Log, opts ...Option) *Repository {
	r := &Repository{st: st, audit: log, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func checkKey(kind, id string) error {
	if !keyPattern.MatchString(kind) {
		return fmt.Errorf("%w: kind %q", ErrInvalidKey, kind)
	}
	if id == "" || len(id) > 128 {
		return fmt.Errorf("%w: id must be 1-128 bytes", ErrInvalidKey)
	}
	return nil
}

// Get returns one record.
func (r *Repository) Get(ctx context.Context, kind, id string) (Record, error) {
	rec := Record{Kind: kind, ID: id}
	var updated int64
	err := r.st.Reader().QueryRowContext(ctx,
		"SELECT body, updated_at FROM records WHERE kind = ? AND id = ?", kind, id).Scan(&rec.Body, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s:%s", ErrNotFound, kind, id)
	}
	if err != nil {
		return Record{}, store.Classify(err)
	}
	rec.UpdatedAt = store.FromNanos(updated)
	return rec, nil
}

// List returns every record of kind ordered by id.
func (r *Repository) List(ctx context.Context, kind string) ([]Record, error) {
	rows, err := r.st.Reader().QueryContext(ctx,
		"SELECT id, body, updated_at FROM records WHERE kind = ? ORDER BY id", kind)
	if err != nil {
		return nil, store.Classify(err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec := Record{Kind: kind}
		var updated int64
		if err := rows.Scan(&rec.ID, &rec.Body, &updated); err != nil {
			return nil, store.Classify(err)
		}
		rec.UpdatedAt = store.FromNanos(updated)
		out = append(out, rec)
	}
	return out, store.Classify(rows.Err())
}

// Create inserts a new record, audited record_created.
func (r *Repository) Create(ctx context.Context, actor, kind, id string, body []byte) (Record, error) {
	if err := checkKey(kind, id); err != nil {
		return Record{}, err
	}
	if len(body) > MaxBodyBytes {
		return Record{}, fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidKey, MaxBodyBytes)
	}
	rec := Record{Kind: kind, ID: id, Body: body, UpdatedAt: r.now().UTC()}
	_, err := r.audit.Within(ctx, audit.Event{
		Actor:   actor,
		Action:  audit.ActionRecordCreated,
		Subject: rec.Subject(),
	}, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM records WHERE kind = ? AND id = ?", kind, id).Scan(&one)
		if err == nil {
			return fmt.Errorf("%w: %s:%s", ErrExists, kind, id)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return store.Classify(err)
		}
		_, err = tx.ExecContext(ctx, "INSERT INTO records (kind, id, body, updated_at) VALUES (?, ?, ?, ?)",
			kind, id, body, store.Nanos(rec.UpdatedAt))
		return store.Classify(err)
	})
	if err != nil {
		return Record{}, err
	}
	r.logger.Debug("record created", zap.String("kind", kind), zap.String("id", id))
	return rec, nil
}

// Update replaces an existing record's body, audited record_modified.
func (r *Repository) Update(ctx context.Context, actor, kind, id string, body []byte) (Record, error) {
	if err := checkKey(kind, id); err != nil {
		return Record{}, err
	}
	if len(body) > MaxBodyBytes {
		return Record{}, fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidKey, MaxBodyBytes)
	}
	rec := Record{Kind: kind, ID: id, Body: body, UpdatedAt: r.now().UTC()}
	_, err := r.audit.Within(ctx, audit.Event{
		Actor:   actor,
		Action:  audit.ActionRecordModified,
		Subject: rec.Subject(),
	}, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "UPDATE records SET body = ?, updated_at = ? WHERE kind = ? AND id = ?",
			body, store.Nanos(rec.UpdatedAt), kind, id)
		if err != nil {
			return store.Classify(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s:%s", ErrNotFound, kind, id)
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Delete removes a record, audited record_deleted.
func (r *Repository) Delete(ctx context.Context, actor, kind, id string) error {
	_, err := r.audit.Within(ctx, audit.Event{
		Actor:   actor,
		Action:  audit.ActionRecordDeleted,
		Subject: audit.Subject{Type: kind, ID: id},
	}, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM records WHERE kind = ? AND id = ?", kind, id)
		if err != nil {
			return store.Classify(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s:%s", ErrNotFound, kind, id)
		}
		return nil
	})
	return err
}
