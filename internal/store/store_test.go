// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// =============================================================================
// OPEN AND MIGRATION TESTS
// =============================================================================

func TestOpen_AppliesMigrations(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	version, err := SchemaVersionOf(ctx, st.Reader())
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)

	for _, table := range []string{"accounts", "password_history", "audit_entries", "records"} {
		var name string
		err := st.Reader().QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestOpen_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	st, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = st.Writer().ExecContext(ctx,
		"INSERT INTO records (kind, id, body, updated_at) VALUES ('client', 'c1', x'01', 1)")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = Open(ctx, path)
	require.NoError(t, err)
	defer st.Close()

	var n int
	require.NoError(t, st.Reader().QueryRowContext(ctx, "SELECT count(*) FROM records").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestAuditEntries_AppendOnly(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	_, err := st.Writer().ExecContext(ctx, `INSERT INTO audit_entries
		(seq, ts, actor, action, subject_type, subject_id, outcome, digest)
		VALUES (1, 1, 'system', 'login_success', 'account', 'a', 'success', x'00')`)
	require.NoError(t, err)

	_, err = st.Writer().ExecContext(ctx, "UPDATE audit_entries SET actor = 'mallory'")
	assert.ErrorContains(t, err, "append-only")

	_, err = st.Writer().ExecContext(ctx, "DELETE FROM audit_entries")
	assert.ErrorContains(t, err, "append-only")
}

// =============================================================================
// SNAPSHOT TESTS
// =============================================================================

func TestSnapshot_IsolatedFromLaterWrites(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	_, err := st.Writer().ExecContext(ctx,
		"INSERT INTO records (kind, id, body, updated_at) VALUES ('client', 'c1', x'01', 1)")
	require.NoError(t, err)

	snap, err := st.Snapshot(ctx)
	require.NoError(t, err)
	defer snap.Close()

	// Writers are not blocked by an open snapshot
	_, err = st.Writer().ExecContext(ctx,
		"INSERT INTO records (kind, id, body, updated_at) VALUES ('client', 'c2', x'02', 2)")
	require.NoError(t, err)

	var n int
	require.NoError(t, snap.QueryOne(ctx, "SELECT count(*) FROM records", &n))
	assert.Equal(t, 1, n)
}

func TestSnapshot_Objects(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	snap, err := st.Snapshot(ctx)
	require.NoError(t, err)
	defer snap.Close()

	objs, err := snap.Objects(ctx)
	require.NoError(t, err)

	var tables, triggers int
	sawIndex := false
	for i, o := range objs {
		switch o.Type {
		case "table":
			tables++
			assert.False(t, sawIndex, "tables must precede other objects (at %d)", i)
		case "trigger":
			triggers++
			sawIndex = true
		default:
			sawIndex = true
		}
	}
	assert.Equal(t, 4, tables)
	assert.Equal(t, 2, triggers)
}

// =============================================================================
// ERROR CLASSIFICATION TESTS
// =============================================================================

func TestBeginWrite_Unavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin().WillReturnError(errors.New("disk I/O error"))

	_, err = FromDB(db, nil).BeginWrite(context.Background())
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.False(t, IsRetryable(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginWrite_DeadlineIsRetryable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin().WillReturnError(context.DeadlineExceeded)

	_, err = FromDB(db, nil).BeginWrite(context.Background())
	require.ErrorIs(t, err, ErrBusy)
	assert.True(t, IsRetryable(err))
}

func TestNanosRoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 30, 0, 123456789, time.UTC)
	assert.True(t, now.Equal(FromNanos(Nanos(now))))

	assert.False(t, NullNanos(nil).Valid)
	got := FromNullNanos(NullNanos(&now))
	require.NotNil(t, got)
	assert.True(t, now.Equal(*got))
}
