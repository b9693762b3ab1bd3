// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltSessionStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	bs, err := OpenBoltSessionStore(path)
	require.NoError(t, err)

	created := time.Date(2025, 6, 1, 9, 0, 0, 123456789, time.UTC)
	s := Session{
		ID:              tokenID("token-a"),
		Token:           "token-a",
		AccountID:       "tech1",
		Role:            RoleTechnician,
		Kind:            SessionRotationOnly,
		CreatedAt:       created,
		LastActivityAt:  created.Add(time.Minute),
		IdleTimeout:     10 * time.Minute,
		AbsoluteTimeout: 10 * time.Minute,
		State:           SessionActive,
	}
	require.NoError(t, bs.Save(s))
	require.NoError(t, bs.Save(Session{ID: tokenID("token-b"), AccountID: "tech2", Role: RoleViewer,
		Kind: SessionFull, CreatedAt: created, LastActivityAt: created, IdleTimeout: time.Minute,
		AbsoluteTimeout: time.Hour}))
	require.NoError(t, bs.Delete(tokenID("token-b")))
	require.NoError(t, bs.Close())

	bs, err = OpenBoltSessionStore(path)
	require.NoError(t, err)
	defer bs.Close()

	all, err := bs.LoadAll()
	require.NoError(t, err)
	require.Len(t, all, 1)

	got := all[0]
	assert.Empty(t, got.Token, "tokens are never persisted")
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, s.Kind, got.Kind)
	assert.Equal(t, s.Role, got.Role)
	assert.True(t, s.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, s.LastActivityAt.Equal(got.LastActivityAt))
	assert.Equal(t, s.IdleTimeout, got.IdleTimeout)
}

func TestSessionExpiry(t *testing.T) {
	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	s := &Session{CreatedAt: start, LastActivityAt: start, IdleTimeout: 15 * time.Minute, AbsoluteTimeout: time.Hour}

	assert.Equal(t, start.Add(15*time.Minute), s.ExpiresAt())
	assert.Empty(t, s.expiryReason(start.Add(14*time.Minute)))
	assert.Equal(t, "idle timeout", s.expiryReason(start.Add(15*time.Minute)))

	s.LastActivityAt = start.Add(55 * time.Minute)
	assert.Equal(t, start.Add(time.Hour), s.ExpiresAt())
	assert.Equal(t, "absolute timeout", s.expiryReason(start.Add(time.Hour)))
}

func TestNewSessionToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, id, err := newSessionToken()
		require.NoError(t, err)
		assert.Len(t, token, 43)
		assert.Len(t, id, 64)
		assert.Equal(t, tokenID(token), id)
		assert.False(t, seen[token])
		seen[token] = true
	}
}
