// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/techsvc/internal/store"
	"github.com/jeranaias/techsvc/internal/util"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrAuditWrite is returned when an entry could not be durably written.
	// The operation being audited must be treated as failed.
	ErrAuditWrite = errors.New("audit write failed")

	// ErrAuditTimeout is returned when the bounded wait for the single
	// writer expires. It matches ErrAuditWrite and is retryable.
	ErrAuditTimeout = fmt.Errorf("%w: timed out waiting for the audit writer", ErrAuditWrite)

	// ErrAuditClosed is returned after Close.
	ErrAuditClosed = fmt.Errorf("%w: audit log closed", ErrAuditWrite)
)

// DefaultWriteTimeout bounds the wait for the writer when the caller's
// context has no deadline.
const DefaultWriteTimeout = 5 * time.Second

// FailureCallback is invoked synchronously whenever an entry cannot be
// written.
type FailureCallback func(ev Event, err error)

// =============================================================================
// LOG
// =============================================================================

// Log is the audit trail. It is safe for concurrent use; writes are
// serialized through a single writer slot.
type Log struct {
	st     *store.Store
	hasher chainHasher
	logger *zap.Logger
	now    func() time.Time

	writeTimeout time.Duration
	onFailure    FailureCallback

	// writer is a one-slot semaphore; holding it grants the right to read
	// the head and insert the next entry.
	writer chan struct{}

	mu     sync.Mutex
	closed bool
}

// Option configures a Log.
type Option func(*Log)

// WithKey enables keyed (HMAC-SHA-256) digests.
func WithKey(key []byte) Option {
	return func(l *Log) {
		if len(key) > 0 {
			l.hasher.key = append([]byte(nil), key...)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithWriteTimeout bounds the wait for the writer slot.
func WithWriteTimeout(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.writeTimeout = d
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// WithFailureCallback registers a callback for write failures.
func WithFailureCallback(cb FailureCallback) Option {
	return func(l *Log) { l.onFailure = cb }
}

// New creates an audit log over st.
func New(st *store.Store, opts ...Option) *Log {
	l := &Log{
		st:           st,
		logger:       zap.NewNop(),
		now:          time.Now,
		writeTimeout: DefaultWriteTimeout,
		writer:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetFailureCallback replaces the failure callback.
func (l *Log) SetFailureCallback(cb FailureCallback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onFailure = cb
}

// Keyed reports whether digests are HMACs.
func (l *Log) Keyed() bool { return len(l.hasher.key) > 0 }

// acquire takes the writer slot, waiting at most until ctx's deadline or
// writeTimeout, whichever comes first.
func (l *Log) acquire(ctx context.Context) (func(), error) {
	if l.isClosed() {
		return nil, ErrAuditClosed
	}
	wait, cancel := context.WithTimeout(ctx, l.writeTimeout)
	defer cancel()

	select {
	case l.writer <- struct{}{}:
	case <-wait.Done():
		if ctx.Err() == context.Canceled {
			return nil, fmt.Errorf("%w: %w", ErrAuditWrite, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %w", ErrAuditTimeout, store.ErrBusy)
	}
	// Close may have won the race while we waited
	if l.isClosed() {
		<-l.writer
		return nil, ErrAuditClosed
	}
	return func() { <-l.writer }, nil
}

func (l *Log) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close waits for the in-flight write, if any, and rejects later writes.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.writer <- struct{}{}
	<-l.writer
	l.logger.Info("audit log closed")
	return nil
}

// =============================================================================
// WRITE PATH
// =============================================================================

// Append records a standalone event.
func (l *Log) Append(ctx context.Context, ev Event) (Entry, error) {
	ev = normalize(ev)
	if err := ev.validate(); err != nil {
		return Entry{}, l.fail(ev, fmt.Errorf("%w: %v", ErrAuditWrite, err))
	}
	release, err := l.acquire(ctx)
	if err != nil {
		return Entry{}, l.fail(ev, err)
	}
	defer release()

	entry, err := l.appendHeld(ctx, ev)
	if err != nil {
		return Entry{}, l.fail(ev, err)
	}
	return entry, nil
}

// Within runs fn and the audit insert in one write transaction.
//
// If fn fails the transaction is rolled back, the event is recorded with
// outcome failure and fn's error is returned. If the audit insert or the
// commit fails the mutation is rolled back as well and the returned error
// matches ErrAuditWrite.
func (l *Log) Within(ctx context.Context, ev Event, fn func(tx *sql.Tx) error) (Entry, error) {
	ev = normalize(ev)
	if err := ev.validate(); err != nil {
		return Entry{}, l.fail(ev, fmt.Errorf("%w: %v", ErrAuditWrite, err))
	}
	release, err := l.acquire(ctx)
	if err != nil {
		return Entry{}, l.fail(ev, err)
	}
	defer release()

	tx, err := l.st.BeginWrite(ctx)
	if err != nil {
		return Entry{}, l.fail(ev, fmt.Errorf("%w: %w", ErrAuditWrite, err))
	}

	if fn != nil {
		if opErr := fn(tx); opErr != nil {
			tx.Rollback()
			failed := ev
			failed.Outcome = OutcomeFailure
			if failed.Detail == "" {
				failed.Detail = util.TruncateRunes(opErr.Error(), MaxDetailRunes)
			}
			if _, aerr := l.appendHeld(ctx, failed); aerr != nil {
				return Entry{}, errors.Join(opErr, l.fail(failed, aerr))
			}
			return Entry{}, opErr
		}
	}

	entry, err := l.insert(ctx, tx, ev)
	if err != nil {
		tx.Rollback()
		return Entry{}, l.fail(ev, err)
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, l.fail(ev, fmt.Errorf("%w: commit: %w", ErrAuditWrite, store.Classify(err)))
	}
	l.logWritten(entry)
	return entry, nil
}

// appendHeld writes ev in its own transaction. The caller holds the slot.
func (l *Log) appendHeld(ctx context.Context, ev Event) (Entry, error) {
	tx, err := l.st.BeginWrite(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrAuditWrite, err)
	}
	entry, err := l.insert(ctx, tx, ev)
	if err != nil {
		tx.Rollback()
		return Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("%w: commit: %w", ErrAuditWrite, store.Classify(err))
	}
	l.logWritten(entry)
	return entry, nil
}

// insert reads the chain head inside tx and inserts the next entry.
func (l *Log) insert(ctx context.Context, tx *sql.Tx, ev Event) (Entry, error) {
	var (
		lastSeq uint64
		prev    []byte
	)
	err := tx.QueryRowContext(ctx,
		"SELECT seq, digest FROM audit_entries ORDER BY seq DESC LIMIT 1").Scan(&lastSeq, &prev)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		prev = GenesisDigest
	case err != nil:
		return Entry{}, fmt.Errorf("%w: read head: %w", ErrAuditWrite, store.Classify(err))
	}

	entry := Entry{
		Seq:       lastSeq + 1,
		Timestamp: l.now().UTC(),
		Actor:     ev.Actor,
		Action:    ev.Action,
		Subject:   ev.Subject,
		Outcome:   ev.Outcome,
		Detail:    ev.Detail,
		BackupID:  ev.BackupID,
	}
	digest, err := l.hasher.digest(prev, &entry)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: encode entry: %v", ErrAuditWrite, err)
	}
	entry.Digest = digest

	_, err = tx.ExecContext(ctx, `INSERT INTO audit_entries
		(seq, ts, actor, action, subject_type, subject_id, outcome, detail, backup_id, digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(entry.Seq), store.Nanos(entry.Timestamp), entry.Actor, string(entry.Action),
		entry.Subject.Type, entry.Subject.ID, string(entry.Outcome), entry.Detail, entry.BackupID, entry.Digest)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: insert: %w", ErrAuditWrite, store.Classify(err))
	}
	return entry, nil
}

func normalize(ev Event) Event {
	if ev.Outcome == "" {
		ev.Outcome = OutcomeSuccess
	}
	ev.Detail = util.TruncateRunes(ev.Detail, MaxDetailRunes)
	return ev
}

// fail logs at error level and notifies the failure callback. A failed
// audit write is never silent.
func (l *Log) fail(ev Event, err error) error {
	l.logger.Error("audit write failed",
		zap.String("action", string(ev.Action)),
		zap.String("actor", ev.Actor),
		zap.String("subject", ev.Subject.String()),
		zap.Error(err))

	l.mu.Lock()
	cb := l.onFailure
	l.mu.Unlock()
	if cb != nil {
		cb(ev, err)
	}
	return err
}

func (l *Log) logWritten(e Entry) {
	l.logger.Debug("audit entry written",
		zap.Uint64("seq", e.Seq),
		zap.String("action", string(e.Action)),
		zap.String("outcome", string(e.Outcome)))
}

// =============================================================================
// HEAD
// =============================================================================

// Head returns the last sequence number and its digest, or 0 and the
// genesis digest for an empty log.
func (l *Log) Head(ctx context.Context) (uint64, []byte, error) {
	return headOf(ctx, l.st.Reader())
}

func headOf(ctx context.Context, q store.Querier) (uint64, []byte, error) {
	var (
		seq    int64
		digest []byte
	)
	err := q.QueryRowContext(ctx,
		"SELECT seq, digest FROM audit_entries ORDER BY seq DESC LIMIT 1").Scan(&seq, &digest)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, GenesisDigest, nil
	}
	if err != nil {
		return 0, nil, store.Classify(err)
	}
	return uint64(seq), digest, nil
}

// HeadSeq returns the last sequence number visible through q. The backup
// engine calls it inside its snapshot.
func HeadSeq(ctx context.Context, q store.Querier) (uint64, error) {
	seq, _, err := headOf(ctx, q)
	return seq, err
}
