// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/techsvc/internal/security/audit"
)

func login(t *testing.T, env *testEnv, id string) *Session {
	t.Helper()
	s, err := env.sessions.StartSession(context.Background(), Credentials{Identifier: id, Password: goodPassword})
	require.NoError(t, err)
	return s
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestStartSession(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "tech1", RoleTechnician)

	s := login(t, env, "tech1")
	assert.NotEmpty(t, s.Token)
	assert.Equal(t, tokenID(s.Token), s.ID)
	assert.Equal(t, SessionFull, s.Kind)
	assert.Equal(t, SessionActive, s.State)
	assert.Equal(t, "tech1", s.AccountID)

	v, err := env.sessions.Validate(context.Background(), s.Token)
	require.NoError(t, err)
	assert.Empty(t, v.Token)
	assert.Equal(t, s.ID, v.ID)

	_, err = env.sessions.Validate(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = env.sessions.StartSession(context.Background(), Credentials{Identifier: "tech1", Password: "nope"})
	assert.ErrorIs(t, err, ErrAuthenticationFailure)
}

func TestValidate_IdleSlidesButAbsoluteCaps(t *testing.T) {
	env := newTestEnv(t, func(c *envConfig) {
		c.sessions.IdleTimeout = 10 * time.Minute
		c.sessions.AbsoluteTimeout = 30 * time.Minute
	})
	ctx := context.Background()
	env.createAccount(t, "tech1", RoleTechnician)
	s := login(t, env, "tech1")

	for i := 0; i < 3; i++ {
		env.clock.Advance(9 * time.Minute)
		_, err := env.sessions.Validate(ctx, s.Token)
		require.NoError(t, err, "refresh %d", i)
	}
	env.clock.Advance(3 * time.Minute)
	_, err := env.sessions.Validate(ctx, s.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)

	// terminal state sticks
	_, err = env.sessions.Validate(ctx, s.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, 1, env.countActions(t, audit.ActionSessionExpired))
}

func TestValidate_IdleTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "tech1", RoleTechnician)
	s := login(t, env, "tech1")

	env.clock.Advance(15 * time.Minute)
	_, err := env.sessions.Validate(context.Background(), s.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestRevoke(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createAccount(t, "tech1", RoleTechnician)
	s := login(t, env, "tech1")

	require.NoError(t, env.sessions.Revoke(ctx, s.Token, "tech1"))
	require.NoError(t, env.sessions.Revoke(ctx, s.Token, "tech1"))

	_, err := env.sessions.Validate(ctx, s.Token)
	assert.ErrorIs(t, err, ErrSessionRevoked)
	assert.Equal(t, 1, env.countActions(t, audit.ActionLogout))
	assert.ErrorIs(t, env.sessions.Revoke(ctx, "unknown", "tech1"), ErrSessionNotFound)
}

func TestSingleSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createAccount(t, "tech1", RoleTechnician)

	first := login(t, env, "tech1")
	second := login(t, env, "tech1")

	_, err := env.sessions.Validate(ctx, first.Token)
	assert.ErrorIs(t, err, ErrSessionRevoked)
	_, err = env.sessions.Validate(ctx, second.Token)
	assert.NoError(t, err)
	assert.Len(t, env.sessions.Active("tech1"), 1)
}

func TestSingleSession_Concurrent(t *testing.T) {
	env := newTestEnv(t)
	env.createAccount(t, "tech1", RoleTechnician)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.sessions.StartSession(context.Background(), Credentials{Identifier: "tech1", Password: goodPassword})
		}()
	}
	wg.Wait()
	assert.Len(t, env.sessions.Active("tech1"), 1)
}

func TestMultipleSessionsAllowed(t *testing.T) {
	env := newTestEnv(t, func(c *envConfig) { c.sessions.SingleSession = false })
	ctx := context.Background()
	env.createAccount(t, "tech1", RoleTechnician)

	a := login(t, env, "tech1")
	b := login(t, env, "tech1")
	assert.NotEqual(t, a.Token, b.Token)
	assert.Len(t, env.sessions.Active("tech1"), 2)

	n, err := env.sessions.RevokeAll(ctx, "tech1", "admin")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, env.sessions.Active("tech1"))
	assert.Equal(t, 2, env.countActions(t, audit.ActionSessionRevoked))
}

// =============================================================================
// AUTHORIZATION TESTS
// =============================================================================

func TestAuthorize(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createAccount(t, "viewer1", RoleViewer)
	env.createAccount(t, "admin1", RoleAdministrator)

	v := login(t, env, "viewer1")
	a := login(t, env, "admin1")

	_, err := env.sessions.Authorize(ctx, v.Token, RoleViewer)
	assert.NoError(t, err)
	_, err = env.sessions.Authorize(ctx, v.Token, RoleTechnician)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = env.sessions.Authorize(ctx, a.Token, RoleTechnician)
	assert.NoError(t, err)

	assert.Equal(t, 1, env.countActions(t, audit.ActionAccessDenied))
}

func TestRotationOnlySession(t *testing.T) {
	env := newTestEnv(t, func(c *envConfig) { c.policy.RequireInitialRotation = true })
	ctx := context.Background()
	env.createAccount(t, "tech1", RoleTechnician)

	s, err := env.sessions.StartSession(ctx, Credentials{Identifier: "tech1", Password: goodPassword})
	require.ErrorIs(t, err, ErrPasswordRotationRequired)
	require.NotNil(t, s)
	assert.Equal(t, SessionRotationOnly, s.Kind)
	assert.Equal(t, 10*time.Minute, s.AbsoluteTimeout)

	_, err = env.sessions.Authorize(ctx, s.Token, RoleViewer)
	assert.ErrorIs(t, err, ErrPasswordRotationRequired)

	_, err = env.sessions.ChangePassword(ctx, s.Token, "weak")
	assert.ErrorIs(t, err, ErrWeakPassword)

	fresh, err := env.sessions.ChangePassword(ctx, s.Token, "Rotated-pass7")
	require.NoError(t, err)
	assert.Equal(t, SessionFull, fresh.Kind)

	_, err = env.sessions.Authorize(ctx, fresh.Token, RoleTechnician)
	assert.NoError(t, err)
	_, err = env.sessions.Validate(ctx, s.Token)
	assert.ErrorIs(t, err, ErrSessionRevoked)

	// the next login is a normal one
	_, err = env.sessions.StartSession(ctx, Credentials{Identifier: "tech1", Password: "Rotated-pass7"})
	assert.NoError(t, err)
}

func TestDeactivateRevokesSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createAccount(t, "tech1", RoleTechnician)
	s := login(t, env, "tech1")

	require.NoError(t, env.creds.Deactivate(ctx, "admin", "tech1"))
	_, err := env.sessions.Validate(ctx, s.Token)
	assert.ErrorIs(t, err, ErrSessionRevoked)
}

func TestStartSession_RateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *envConfig) { c.sessions.LoginBurst = 2 })
	ctx := context.Background()
	env.createAccount(t, "tech1", RoleTechnician)

	for i := 0; i < 2; i++ {
		_, err := env.sessions.StartSession(ctx, Credentials{Identifier: "tech1", Password: "nope"})
		assert.ErrorIs(t, err, ErrAuthenticationFailure)
	}
	_, err := env.sessions.StartSession(ctx, Credentials{Identifier: "tech1", Password: goodPassword})
	assert.ErrorIs(t, err, ErrRateLimited)

	// limited attempts never reach the lockout counter
	acc, err := env.creds.Get(ctx, "tech1")
	require.NoError(t, err)
	assert.Equal(t, 2, acc.FailedAttempts)

	env.clock.Advance(2 * time.Second)
	_, err = env.sessions.StartSession(ctx, Credentials{Identifier: "tech1", Password: goodPassword})
	assert.NoError(t, err)
}

// =============================================================================
// MAINTENANCE AND PERSISTENCE TESTS
// =============================================================================

func TestSweep(t *testing.T) {
	env := newTestEnv(t, func(c *envConfig) { c.sessions.SingleSession = false })
	ctx := context.Background()
	env.createAccount(t, "tech1", RoleTechnician)
	login(t, env, "tech1")
	login(t, env, "tech1")

	env.clock.Advance(16 * time.Minute)
	n, err := env.sessions.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, env.sessions.Active("tech1"))

	n, err = env.sessions.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSessionsSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	bs, err := OpenBoltSessionStore(path)
	require.NoError(t, err)

	env := newTestEnv(t, func(c *envConfig) { c.store = bs })
	ctx := context.Background()
	env.createAccount(t, "tech1", RoleTechnician)
	revoked := login(t, env, "tech1")
	require.NoError(t, env.sessions.Revoke(ctx, revoked.Token, "tech1"))
	s := login(t, env, "tech1")
	require.NoError(t, env.sessions.Close())

	bs2, err := OpenBoltSessionStore(path)
	require.NoError(t, err)
	restarted, err := NewSessionManager(env.creds, env.log, defaultEnvConfig().sessions,
		WithSessionStore(bs2), WithSessionClock(env.clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { restarted.Close() })

	got, err := restarted.Validate(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, s.CreatedAt, got.CreatedAt)
	assert.Equal(t, s.IdleTimeout, got.IdleTimeout)

	_, err = restarted.Validate(ctx, revoked.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
