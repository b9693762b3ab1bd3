// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/techsvc/internal/store"
)

func seedEntries(t *testing.T, log *Log, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := log.Append(context.Background(), loginEvent("tech1"))
		require.NoError(t, err)
	}
}

// dropGuards removes the append-only triggers, as someone with direct
// file access could.
func dropGuards(t *testing.T, st *store.Store) {
	t.Helper()
	_, err := st.Writer().Exec("DROP TRIGGER audit_entries_no_update")
	require.NoError(t, err)
	_, err = st.Writer().Exec("DROP TRIGGER audit_entries_no_delete")
	require.NoError(t, err)
}

func TestVerifyChain_Empty(t *testing.T) {
	log, _ := openTestLog(t)
	report, err := log.VerifyChain(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.True(t, report.Intact)
	assert.Zero(t, report.Checked)
}

func TestVerifyChain_Intact(t *testing.T) {
	log, _ := openTestLog(t)
	seedEntries(t, log, 5)

	report, err := log.VerifyChain(context.Background(), 1, 5)
	require.NoError(t, err)
	assert.True(t, report.Intact)
	assert.Equal(t, uint64(5), report.Checked)
}

func TestVerifyChain_DetectsModifiedEntry(t *testing.T) {
	ctx := context.Background()
	log, st := openTestLog(t)
	seedEntries(t, log, 5)
	dropGuards(t, st)

	_, err := st.Writer().Exec("UPDATE audit_entries SET actor = 'mallory' WHERE seq = 3")
	require.NoError(t, err)

	report, err := log.VerifyChain(ctx, 0, 0)
	require.NoError(t, err)
	assert.False(t, report.Intact)
	assert.Equal(t, uint64(3), report.FirstBad)
	assert.Equal(t, ProblemMismatch, report.Problem)
	assert.Equal(t, uint64(2), report.Checked)
}

func TestVerifyChain_DetectsRecomputedDigest(t *testing.T) {
	ctx := context.Background()
	log, st := openTestLog(t)
	seedEntries(t, log, 4)
	dropGuards(t, st)

	// Rewrite entry 2 and its own digest; entry 3 no longer chains.
	var e Entry
	for got, err := range log.Query(ctx, Filter{FromSeq: 2, Limit: 1}) {
		require.NoError(t, err)
		e = got
	}
	var prev []byte
	require.NoError(t, st.Reader().QueryRow("SELECT digest FROM audit_entries WHERE seq = 1").Scan(&prev))
	e.Actor = "mallory"
	forged, err := chainHasher{}.digest(prev, &e)
	require.NoError(t, err)
	_, err = st.Writer().Exec("UPDATE audit_entries SET actor = ?, digest = ? WHERE seq = 2", e.Actor, forged)
	require.NoError(t, err)

	report, err := log.VerifyChain(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), report.FirstBad)
}

func TestVerifyChain_DetectsDeletedEntry(t *testing.T) {
	log, st := openTestLog(t)
	seedEntries(t, log, 5)
	dropGuards(t, st)

	_, err := st.Writer().Exec("DELETE FROM audit_entries WHERE seq = 4")
	require.NoError(t, err)

	report, err := log.VerifyChain(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.False(t, report.Intact)
	assert.Equal(t, uint64(4), report.FirstBad)
	assert.Equal(t, ProblemGap, report.Problem)
}

func TestVerifyChain_DetectsTruncatedTail(t *testing.T) {
	log, st := openTestLog(t)
	seedEntries(t, log, 5)
	dropGuards(t, st)

	_, err := st.Writer().Exec("DELETE FROM audit_entries WHERE seq = 5")
	require.NoError(t, err)

	report, err := log.VerifyChain(context.Background(), 1, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), report.FirstBad)
	assert.Equal(t, ProblemGap, report.Problem)
}

func TestVerifyChain_SubRange(t *testing.T) {
	log, _ := openTestLog(t)
	seedEntries(t, log, 10)

	report, err := log.VerifyChain(context.Background(), 4, 7)
	require.NoError(t, err)
	assert.True(t, report.Intact)
	assert.Equal(t, uint64(4), report.Checked)
}

func TestVerifyChain_WrongKey(t *testing.T) {
	ctx := context.Background()
	key := make([]byte, KeySize)
	key[0] = 1
	log, st := openTestLog(t, WithKey(key))
	seedEntries(t, log, 3)
	assert.True(t, log.Keyed())

	report, err := log.VerifyChain(ctx, 0, 0)
	require.NoError(t, err)
	assert.True(t, report.Intact)

	other := make([]byte, KeySize)
	other[0] = 2
	report, err = New(st, WithKey(other)).VerifyChain(ctx, 0, 0)
	require.NoError(t, err)
	assert.False(t, report.Intact)
	assert.Equal(t, uint64(1), report.FirstBad)

	// Unkeyed verification of a keyed chain also fails
	report, err = New(st).VerifyChain(ctx, 0, 0)
	require.NoError(t, err)
	assert.False(t, report.Intact)
}
