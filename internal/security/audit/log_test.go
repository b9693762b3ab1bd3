// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jeranaias/techsvc/internal/store"
)

func openTestLog(t *testing.T, opts ...Option) (*Log, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, opts...), st
}

func loginEvent(actor string) Event {
	return Event{
		Actor:   actor,
		Action:  ActionLoginSuccess,
		Subject: Subject{Type: "account", ID: actor},
	}
}

// =============================================================================
// APPEND TESTS
// =============================================================================

func TestAppend_AssignsSequentialSeq(t *testing.T) {
	ctx := context.Background()
	log, _ := openTestLog(t)

	for i := 1; i <= 3; i++ {
		e, err := log.Append(ctx, loginEvent("tech1"))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), e.Seq)
		assert.Equal(t, OutcomeSuccess, e.Outcome)
		assert.Len(t, e.Digest, 32)
	}

	seq, digest, err := log.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
	assert.Len(t, digest, 32)
}

func TestAppend_ChainsFromPreviousDigest(t *testing.T) {
	ctx := context.Background()
	log, _ := openTestLog(t)

	first, err := log.Append(ctx, loginEvent("a"))
	require.NoError(t, err)
	second, err := log.Append(ctx, loginEvent("b"))
	require.NoError(t, err)

	want, err := chainHasher{}.digest(GenesisDigest, &first)
	require.NoError(t, err)
	assert.Equal(t, want, first.Digest)

	want, err = chainHasher{}.digest(first.Digest, &second)
	require.NoError(t, err)
	assert.Equal(t, want, second.Digest)
}

func TestAppend_RejectsInvalidEvent(t *testing.T) {
	log, _ := openTestLog(t)

	_, err := log.Append(context.Background(), Event{Actor: "a", Action: "made_up", Subject: Subject{Type: "x"}})
	require.ErrorIs(t, err, ErrAuditWrite)

	_, err = log.Append(context.Background(), Event{Action: ActionLogout, Subject: Subject{Type: "x"}})
	require.ErrorIs(t, err, ErrAuditWrite)
}

func TestAppend_TruncatesDetail(t *testing.T) {
	log, _ := openTestLog(t)
	ev := loginEvent("a")
	ev.Detail = string(make([]byte, 1000))

	e, err := log.Append(context.Background(), ev)
	require.NoError(t, err)
	assert.LessOrEqual(t, len([]rune(e.Detail)), MaxDetailRunes)
}

func TestAppend_ConcurrentWritersProduceGaplessSequence(t *testing.T) {
	ctx := context.Background()
	log, _ := openTestLog(t, WithWriteTimeout(30*time.Second))

	const writers = 8
	const perWriter = 10

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := log.Append(ctx, loginEvent(fmt.Sprintf("user%d", w))); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var seqs []uint64
	for e, err := range log.Query(ctx, Filter{}) {
		require.NoError(t, err)
		seqs = append(seqs, e.Seq)
	}
	require.Len(t, seqs, writers*perWriter)
	for i, s := range seqs {
		assert.Equal(t, uint64(i+1), s)
	}

	report, err := log.VerifyChain(ctx, 0, 0)
	require.NoError(t, err)
	assert.True(t, report.Intact)
	assert.Equal(t, uint64(writers*perWriter), report.Checked)
}

func TestAppend_TimeoutIsRetryable(t *testing.T) {
	log, _ := openTestLog(t, WithWriteTimeout(20*time.Millisecond))

	// Occupy the writer slot
	log.writer <- struct{}{}
	defer func() { <-log.writer }()

	var got error
	log.SetFailureCallback(func(ev Event, err error) { got = err })

	_, err := log.Append(context.Background(), loginEvent("a"))
	require.ErrorIs(t, err, ErrAuditTimeout)
	require.ErrorIs(t, err, ErrAuditWrite)
	assert.True(t, store.IsRetryable(err))
	assert.ErrorIs(t, got, ErrAuditTimeout)
}

func TestAppend_FailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	log, _ := openTestLog(t, WithLogger(zap.New(core)))
	require.NoError(t, log.Close())

	_, err := log.Append(context.Background(), loginEvent("a"))
	require.ErrorIs(t, err, ErrAuditClosed)
	require.ErrorIs(t, err, ErrAuditWrite)
	assert.Equal(t, 1, logs.FilterMessage("audit write failed").Len())
}

func TestClose_WaitsForInFlightWrite(t *testing.T) {
	log, _ := openTestLog(t)
	log.writer <- struct{}{}

	closed := make(chan struct{})
	go func() {
		log.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a write held the slot")
	case <-time.After(50 * time.Millisecond):
	}
	<-log.writer
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the write finished")
	}
}

// =============================================================================
// WITHIN TESTS
// =============================================================================

func insertRecord(ctx context.Context, id string) func(tx *sql.Tx) error {
	return func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO records (kind, id, body, updated_at) VALUES ('work_order', ?, x'00', 1)", id)
		return err
	}
}

func countRecords(t *testing.T, st *store.Store) int {
	t.Helper()
	var n int
	require.NoError(t, st.Reader().QueryRow("SELECT count(*) FROM records").Scan(&n))
	return n
}

func TestWithin_CommitsMutationAndEntryTogether(t *testing.T) {
	ctx := context.Background()
	log, st := openTestLog(t)

	e, err := log.Within(ctx, Event{
		Actor:   "tech1",
		Action:  ActionRecordCreated,
		Subject: Subject{Type: "work_order", ID: "wo-1"},
	}, insertRecord(ctx, "wo-1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Seq)
	assert.Equal(t, 1, countRecords(t, st))
}

func TestWithin_FailedMutationIsAuditedAsFailure(t *testing.T) {
	ctx := context.Background()
	log, st := openTestLog(t)
	boom := errors.New("validation failed")

	_, err := log.Within(ctx, Event{
		Actor:   "tech1",
		Action:  ActionRecordModified,
		Subject: Subject{Type: "work_order", ID: "wo-9"},
	}, func(tx *sql.Tx) error {
		if err := insertRecord(ctx, "wo-9")(tx); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, countRecords(t, st))

	var entries []Entry
	for e, err := range log.Query(ctx, Filter{}) {
		require.NoError(t, err)
		entries = append(entries, e)
	}
	require.Len(t, entries, 1)
	assert.Equal(t, OutcomeFailure, entries[0].Outcome)
	assert.Equal(t, "validation failed", entries[0].Detail)
}

func TestWithin_AuditFailureRollsBackMutation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO records").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT seq, digest FROM audit_entries").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "digest"}))
	mock.ExpectExec("INSERT INTO audit_entries").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	var notified bool
	log := New(store.FromDB(db, nil), WithFailureCallback(func(Event, error) { notified = true }))

	ctx := context.Background()
	_, err = log.Within(ctx, Event{
		Actor:   "tech1",
		Action:  ActionRecordCreated,
		Subject: Subject{Type: "work_order", ID: "wo-1"},
	}, insertRecord(ctx, "wo-1"))

	require.ErrorIs(t, err, ErrAuditWrite)
	assert.True(t, notified)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithin_StoreUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin().WillReturnError(errors.New("unable to open database file"))

	log := New(store.FromDB(db, nil))
	_, err = log.Within(context.Background(), loginEvent("a"), nil)
	require.ErrorIs(t, err, ErrAuditWrite)
	require.ErrorIs(t, err, store.ErrStoreUnavailable)
}
