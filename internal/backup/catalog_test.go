// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backup

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	c, err := OpenCatalog(path)
	require.NoError(t, err)

	base := time.Date(2025, 4, 1, 3, 0, 0, 123456789, time.UTC)
	older := Record{ID: "a", CreatedAt: base, Class: ClassDaily, Status: StatusUnverified, Digest: "d1", Payload: PayloadName("d1"), Size: 10, SchemaVersion: 2}
	newer := Record{ID: "b", CreatedAt: base.Add(time.Hour), Class: ClassWeekly, Status: StatusVerified, Digest: "d2", Payload: PayloadName("d2")}
	require.NoError(t, c.Put(older))
	require.NoError(t, c.Put(newer))

	list, err := c.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "a", list[1].ID)
	assert.Nil(t, list[1].LastVerifiedAt)

	at := base.Add(2 * time.Hour)
	_, err = c.Update("a", func(r *Record) {
		r.Status = StatusVerified
		r.LastVerifiedAt = &at
	})
	require.NoError(t, err)

	_, err = c.Update("zzz", func(*Record) {})
	assert.ErrorIs(t, err, ErrBackupNotFound)

	// Survives reopening.
	require.NoError(t, c.Close())
	c, err = OpenCatalog(path)
	require.NoError(t, err)
	defer c.Close()

	got, err := c.Get("a")
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, got.Status)
	assert.True(t, got.CreatedAt.Equal(base))
	require.NotNil(t, got.LastVerifiedAt)
	assert.True(t, got.LastVerifiedAt.Equal(at))
	assert.Equal(t, int64(10), got.Size)

	require.NoError(t, c.Delete("a"))
	require.NoError(t, c.Delete("a"))
	_, err = c.Get("a")
	assert.ErrorIs(t, err, ErrBackupNotFound)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	require.NoError(t, cfg.Validate())

	bad := DefaultConfig(t.TempDir())
	bad.ChunkRows = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig(t.TempDir())
	bad.Retention[ClassDaily] = RetentionRule{Keep: -1}
	assert.Error(t, bad.Validate())
}

func TestParseClass(t *testing.T) {
	c, err := ParseClass("monthly")
	require.NoError(t, err)
	assert.Equal(t, ClassMonthly, c)

	_, err = ParseClass("hourly")
	assert.ErrorIs(t, err, ErrInvalidClass)
}
