// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, log *Log, f Filter) []Entry {
	t.Helper()
	var out []Entry
	for e, err := range log.Query(context.Background(), f) {
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestQuery_Filters(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	clock := base
	log, _ := openTestLog(t, WithClock(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}))

	events := []Event{
		{Actor: "admin", Action: ActionAccountCreated, Subject: Subject{Type: "account", ID: "tech1"}},
		{Actor: "tech1", Action: ActionLoginSuccess, Subject: Subject{Type: "account", ID: "tech1"}},
		{Actor: "tech1", Action: ActionRecordCreated, Subject: Subject{Type: "work_order", ID: "wo-1"}},
		{Actor: "tech1", Action: ActionRecordModified, Subject: Subject{Type: "work_order", ID: "wo-1"}},
		{Actor: "admin", Action: ActionLoginFailure, Subject: Subject{Type: "account", ID: "admin"}, Outcome: OutcomeFailure},
	}
	for _, ev := range events {
		_, err := log.Append(ctx, ev)
		require.NoError(t, err)
	}

	t.Run("all ascending", func(t *testing.T) {
		got := collect(t, log, Filter{})
		require.Len(t, got, 5)
		for i := 1; i < len(got); i++ {
			assert.Less(t, got[i-1].Seq, got[i].Seq)
		}
	})

	t.Run("actor", func(t *testing.T) {
		assert.Len(t, collect(t, log, Filter{Actor: "tech1"}), 3)
	})

	t.Run("actions", func(t *testing.T) {
		got := collect(t, log, Filter{Actions: []Action{ActionRecordCreated, ActionRecordModified}})
		assert.Len(t, got, 2)
	})

	t.Run("subject", func(t *testing.T) {
		got := collect(t, log, Filter{Subject: &Subject{Type: "work_order", ID: "wo-1"}})
		assert.Len(t, got, 2)
		got = collect(t, log, Filter{Subject: &Subject{Type: "account"}})
		assert.Len(t, got, 3)
	})

	t.Run("time range", func(t *testing.T) {
		got := collect(t, log, Filter{Since: base.Add(2 * time.Minute), Until: base.Add(4 * time.Minute)})
		require.Len(t, got, 2)
		assert.Equal(t, uint64(2), got[0].Seq)
		assert.Equal(t, uint64(3), got[1].Seq)
	})

	t.Run("seq range and limit", func(t *testing.T) {
		got := collect(t, log, Filter{FromSeq: 2, ToSeq: 4})
		assert.Len(t, got, 3)
		got = collect(t, log, Filter{Limit: 2})
		assert.Len(t, got, 2)
	})

	t.Run("early break", func(t *testing.T) {
		n := 0
		for range log.Query(ctx, Filter{}) {
			n++
			break
		}
		assert.Equal(t, 1, n)
	})
}

func TestQuery_SpansBatches(t *testing.T) {
	log, _ := openTestLog(t)
	seedEntries(t, log, queryBatch+5)
	assert.Len(t, collect(t, log, Filter{}), queryBatch+5)
}

// =============================================================================
// KEY LOADING TESTS
// =============================================================================

func TestLoadKey_None(t *testing.T) {
	t.Setenv(KeyEnvVar, "")
	key, info, err := LoadKey("")
	require.NoError(t, err)
	assert.Nil(t, key)
	assert.Equal(t, KeySourceNone, info.Source)
}

func TestLoadKey_FromEnv(t *testing.T) {
	t.Setenv(KeyEnvVar, "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	key, info, err := LoadKey("/does/not/matter")
	require.NoError(t, err)
	assert.Len(t, key, KeySize)
	assert.Equal(t, KeySourceEnvVar, info.Source)
	assert.Equal(t, "00112233", info.Fingerprint)
}

func TestLoadKey_BadEnv(t *testing.T) {
	t.Setenv(KeyEnvVar, "abcd")
	_, _, err := LoadKey("")
	assert.Error(t, err)
}

func TestLoadKey_FromGeneratedFile(t *testing.T) {
	t.Setenv(KeyEnvVar, "")
	path := filepath.Join(t.TempDir(), "audit.key")

	require.NoError(t, GenerateKeyFile(path))
	assert.Error(t, GenerateKeyFile(path), "existing key must not be overwritten")

	key, info, err := LoadKey(path)
	require.NoError(t, err)
	assert.Len(t, key, KeySize)
	assert.Equal(t, KeySourceFile, info.Source)
	assert.Equal(t, path, info.Path)
}

func TestLoadKey_MissingOrShortFile(t *testing.T) {
	t.Setenv(KeyEnvVar, "")
	dir := t.TempDir()

	_, _, err := LoadKey(filepath.Join(dir, "missing"))
	assert.Error(t, err)

	short := filepath.Join(dir, "short")
	require.NoError(t, os.WriteFile(short, []byte("tiny"), 0600))
	_, _, err = LoadKey(short)
	assert.Error(t, err)
}

func TestParseHelpers(t *testing.T) {
	a, err := ParseAction(" LOGIN_SUCCESS ")
	require.NoError(t, err)
	assert.Equal(t, ActionLoginSuccess, a)
	_, err = ParseAction("nope")
	assert.Error(t, err)

	s, err := ParseSubject("work_order:wo-1")
	require.NoError(t, err)
	assert.Equal(t, Subject{Type: "work_order", ID: "wo-1"}, s)
	_, err = ParseSubject("bad")
	assert.Error(t, err)
}
