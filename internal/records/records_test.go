// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package records

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/techsvc/internal/security/audit"
	"github.com/jeranaias/techsvc/internal/store"
)

func newRepo(t *testing.T) (*Repository, *audit.Log) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "techsvc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	log := audit.New(st)
	return New(st, log), log
}

func actions(t *testing.T, log *audit.Log) []audit.Action {
	t.Helper()
	var out []audit.Action
	for e, err := range log.Query(context.Background(), audit.Filter{}) {
		require.NoError(t, err)
		out = append(out, e.Action)
	}
	return out
}

func TestRecordLifecycle(t *testing.T) {
	repo, log := newRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, "tech1", "work_order", "1042", []byte(`{"status":"open"}`))
	require.NoError(t, err)

	_, err = repo.Create(ctx, "tech1", "work_order", "1042", []byte(`{}`))
	assert.ErrorIs(t, err, ErrExists)

	_, err = repo.Update(ctx, "tech1", "work_order", "1042", []byte(`{"status":"closed"}`))
	require.NoError(t, err)

	got, err := repo.Get(ctx, "work_order", "1042")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"closed"}`, string(got.Body))

	list, err := repo.List(ctx, "work_order")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, repo.Delete(ctx, "admin", "work_order", "1042"))
	_, err = repo.Get(ctx, "work_order", "1042")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "admin", "work_order", "1042"), ErrNotFound)

	assert.Equal(t, []audit.Action{
		audit.ActionRecordCreated,
		audit.ActionRecordCreated,
		audit.ActionRecordModified,
		audit.ActionRecordDeleted,
		audit.ActionRecordDeleted,
	}, actions(t, log))

	report, err := log.VerifyChain(ctx, 0, 0)
	require.NoError(t, err)
	assert.True(t, report.Intact)
}

func TestRecordKeys(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, "tech1", "Work Order", "1", nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = repo.Create(ctx, "tech1", "invoice", "", nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = repo.Update(ctx, "tech1", "invoice", "missing", []byte("x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

// A failed audit insert must roll back the business mutation.
func TestCreate_AuditFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := store.FromDB(db, db)
	repo := New(st, audit.New(st))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT 1 FROM records").WillReturnRows(sqlmock.NewRows([]string{"1"}))
	mock.ExpectExec("INSERT INTO records").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT seq, digest FROM audit_entries").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err = repo.Create(context.Background(), "tech1", "invoice", "77", []byte("{}"))
	assert.ErrorIs(t, err, audit.ErrAuditWrite)
	assert.NoError(t, mock.ExpectationsWereMet())
}
