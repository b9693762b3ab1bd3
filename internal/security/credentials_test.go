// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/techsvc/internal/security/audit"
)

// =============================================================================
// ACCOUNT CREATION TESTS
// =============================================================================

func TestCreateAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	acc, err := env.creds.CreateAccount(ctx, "admin", "  Tech.One ", "Tech One", goodPassword, RoleTechnician)
	require.NoError(t, err)
	assert.Equal(t, "tech.one", acc.ID)
	assert.Equal(t, RoleTechnician, acc.Role)
	assert.True(t, acc.Active)
	assert.Zero(t, acc.FailedAttempts)

	got, err := env.creds.Get(ctx, "TECH.ONE")
	require.NoError(t, err)
	assert.Equal(t, "Tech One", got.DisplayName)
	assert.Equal(t, env.clock.Now(), got.CreatedAt)

	has, err := env.creds.HasAccounts(ctx)
	require.NoError(t, err)
	assert.True(t, has)
	assert.Equal(t, 1, env.countActions(t, audit.ActionAccountCreated))
}

func TestCreateAccount_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createAccount(t, "tech1", RoleTechnician)

	_, err := env.creds.CreateAccount(ctx, "admin", "tech1", "", goodPassword, RoleViewer)
	assert.ErrorIs(t, err, ErrDuplicateIdentifier)

	_, err = env.creds.CreateAccount(ctx, "admin", "tech2", "", "short", RoleViewer)
	assert.ErrorIs(t, err, ErrWeakPassword)

	_, err = env.creds.CreateAccount(ctx, "admin", "tech2", "", goodPassword, "janitor")
	assert.ErrorIs(t, err, ErrPolicyViolation)
	assert.NotErrorIs(t, err, ErrWeakPassword)

	_, err = env.creds.CreateAccount(ctx, "admin", "bad id!", "", goodPassword, RoleViewer)
	assert.ErrorIs(t, err, ErrPolicyViolation)

	_, err = env.creds.Get(ctx, "tech2")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	list, err := env.creds.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// The duplicate is recorded as a failed creation.
	var failed int
	for e, err := range env.log.Query(ctx, audit.Filter{Actions: []audit.Action{audit.ActionAccountCreated}}) {
		require.NoError(t, err)
		if e.Outcome == audit.OutcomeFailure {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestCreateAccount_InitialRotation(t *testing.T) {
	env := newTestEnv(t, func(c *envConfig) { c.policy.RequireInitialRotation = true })
	env.createAccount(t, "tech1", RoleTechnician)

	acc, err := env.creds.Get(context.Background(), "tech1")
	require.NoError(t, err)
	assert.True(t, acc.MustChangePassword)
	assert.True(t, env.creds.Engine().IsRotationDue(acc, env.clock.Now()))
}

// =============================================================================
// PASSWORD TESTS
// =============================================================================

func TestVerifyPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createAccount(t, "tech1", RoleTechnician)

	ok, err := env.creds.VerifyPassword(ctx, "tech1", goodPassword)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = env.creds.VerifyPassword(ctx, "tech1", goodPassword+"x")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = env.creds.VerifyPassword(ctx, "nobody", goodPassword)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetPassword_History(t *testing.T) {
	env := newTestEnv(t, func(c *envConfig) { c.policy.HistoryDepth = 2 })
	ctx := context.Background()
	env.createAccount(t, "tech1", RoleTechnician)

	err := env.creds.SetPassword(ctx, "tech1", "tech1", goodPassword)
	var pe *PolicyError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, RuleReuse, pe.Rule)

	require.NoError(t, env.creds.SetPassword(ctx, "tech1", "tech1", "Second-pass2"))
	require.NoError(t, env.creds.SetPassword(ctx, "tech1", "tech1", "Third-pass33"))

	// both previous passwords are still remembered
	assert.ErrorIs(t, env.creds.SetPassword(ctx, "tech1", "tech1", goodPassword), ErrPolicyViolation)
	assert.ErrorIs(t, env.creds.SetPassword(ctx, "tech1", "tech1", "Second-pass2"), ErrPolicyViolation)

	require.NoError(t, env.creds.SetPassword(ctx, "tech1", "tech1", "Fourth-pass4"))
	// goodPassword has now fallen out of the window of two
	require.NoError(t, env.creds.SetPassword(ctx, "tech1", "tech1", goodPassword))

	ok, err := env.creds.VerifyPassword(ctx, "tech1", goodPassword)
	require.NoError(t, err)
	assert.True(t, ok)

	var success, failure int
	for e, err := range env.log.Query(ctx, audit.Filter{Actions: []audit.Action{audit.ActionPasswordChange}}) {
		require.NoError(t, err)
		if e.Outcome == audit.OutcomeSuccess {
			success++
		} else {
			failure++
		}
	}
	assert.Equal(t, 4, success)
	assert.Equal(t, 3, failure)
}

func TestSetPassword_ClearsRotationAndLockout(t *testing.T) {
	env := newTestEnv(t, func(c *envConfig) { c.policy.RequireInitialRotation = true })
	ctx := context.Background()
	env.createAccount(t, "tech1", RoleTechnician)

	for i := 0; i < 3; i++ {
		_, err := env.creds.RecordFailedAttempt(ctx, "tech1")
		require.NoError(t, err)
	}
	acc, err := env.creds.Get(ctx, "tech1")
	require.NoError(t, err)
	require.True(t, acc.IsLocked(env.clock.Now()))

	env.clock.Advance(time.Minute)
	require.NoError(t, env.creds.SetPassword(ctx, "admin", "tech1", "Brand-new-pass9"))

	acc, err = env.creds.Get(ctx, "tech1")
	require.NoError(t, err)
	assert.False(t, acc.MustChangePassword)
	assert.False(t, acc.IsLocked(env.clock.Now()))
	assert.Zero(t, acc.ConsecutiveLockouts)
	assert.Equal(t, env.clock.Now(), acc.PasswordChangedAt)
}

func TestSetPassword_UnknownAccount(t *testing.T) {
	env := newTestEnv(t)
	err := env.creds.SetPassword(context.Background(), "admin", "ghost", "Brand-new-pass9")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

// =============================================================================
// DEACTIVATION AND TOTP TESTS
// =============================================================================

func TestDeactivate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createAccount(t, "tech1", RoleTechnician)

	var hooked string
	env.creds.SetDeactivateHook(func(_ context.Context, id, _ string) { hooked = id })

	require.NoError(t, env.creds.Deactivate(ctx, "admin", "tech1"))
	assert.Equal(t, "tech1", hooked)

	_, _, err := env.creds.Authenticate(ctx, Credentials{Identifier: "tech1", Password: goodPassword})
	assert.ErrorIs(t, err, ErrAuthenticationFailure)

	assert.ErrorIs(t, env.creds.Deactivate(ctx, "admin", "ghost"), ErrAccountNotFound)
}

func TestTOTP(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createAccount(t, "tech1", RoleTechnician)

	key, err := env.creds.EnrollTOTP(ctx, "tech1", "tech1")
	require.NoError(t, err)
	assert.Equal(t, "tech1", key.AccountName())

	acc, err := env.creds.Get(ctx, "tech1")
	require.NoError(t, err)
	assert.True(t, acc.TOTPEnabled)

	_, _, err = env.creds.Authenticate(ctx, Credentials{Identifier: "tech1", Password: goodPassword})
	assert.ErrorIs(t, err, ErrAuthenticationFailure)

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)
	ok, err := env.creds.VerifyTOTP(ctx, "tech1", code)
	require.NoError(t, err)
	assert.True(t, ok)
	_, _, err = env.creds.Authenticate(ctx, Credentials{Identifier: "tech1", Password: goodPassword, OTP: code})
	require.NoError(t, err)

	require.NoError(t, env.creds.DisableTOTP(ctx, "admin", "tech1"))
	_, _, err = env.creds.Authenticate(ctx, Credentials{Identifier: "tech1", Password: goodPassword})
	require.NoError(t, err)
	assert.Equal(t, 2, env.countActions(t, audit.ActionTOTPEnrolled))
}
