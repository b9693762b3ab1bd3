// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/jeranaias/techsvc/internal/security/audit"
	"github.com/jeranaias/techsvc/internal/store"
)

// =============================================================================
// ATTEMPT TRACKING
// =============================================================================

// AttemptStatus is the lockout state after a recorded attempt.
type AttemptStatus struct {
	FailedAttempts int
	Locked         bool
	LockedUntil    time.Time
	Duration       time.Duration
}

// RecordFailedAttempt increments the failure counter and locks the account
// when the threshold is reached. The lockout lasts
// ComputeLockoutDuration(consecutive lockouts so far).
func (c *CredentialStore) RecordFailedAttempt(ctx context.Context, id string) (AttemptStatus, error) {
	id = NormalizeIdentifier(id)
	unlock := c.locks.Lock(id)
	defer unlock()
	return c.recordFailure(ctx, id, "invalid password")
}

// ResetAttempts clears the failure and escalation counters after a
// successful authentication. The reset is recorded as the login success.
func (c *CredentialStore) ResetAttempts(ctx context.Context, id string) error {
	id = NormalizeIdentifier(id)
	unlock := c.locks.Lock(id)
	defer unlock()
	return c.resetAttempts(ctx, id, "")
}

// recordFailure must be called with the account lock held.
func (c *CredentialStore) recordFailure(ctx context.Context, id, reason string) (AttemptStatus, error) {
	var status AttemptStatus
	now := c.now().UTC()
	threshold := c.engine.Policy().LockoutThreshold

	_, err := c.audit.Within(ctx, audit.Event{
		Actor:   id,
		Action:  audit.ActionLoginFailure,
		Subject: accountSubject(id),
		Outcome: audit.OutcomeFailure,
		Detail:  reason,
	}, func(tx *sql.Tx) error {
		acc, err := c.getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		status.FailedAttempts = acc.FailedAttempts + 1
		if status.FailedAttempts < threshold {
			_, err := tx.ExecContext(ctx, "UPDATE accounts SET failed_attempts = ? WHERE id = ?", status.FailedAttempts, id)
			return store.Classify(err)
		}

		status.Locked = true
		status.Duration = c.engine.ComputeLockoutDuration(acc.ConsecutiveLockouts)
		status.LockedUntil = now.Add(status.Duration)
		// The counter restarts so the account gets a full set of attempts
		// once the lockout expires.
		_, err = tx.ExecContext(ctx, `UPDATE accounts SET failed_attempts = 0,
			consecutive_lockouts = consecutive_lockouts + 1, locked_until = ? WHERE id = ?`,
			store.Nanos(status.LockedUntil), id)
		return store.Classify(err)
	})
	if err != nil {
		return AttemptStatus{}, err
	}

	if status.Locked {
		c.logger.Warn("account locked out",
			zap.String("account", id),
			zap.Duration("duration", status.Duration),
			zap.Time("until", status.LockedUntil))
		if _, err := c.audit.Append(ctx, audit.Event{
			Actor:   audit.SystemActor,
			Action:  audit.ActionLockoutTriggered,
			Subject: accountSubject(id),
			Detail:  fmt.Sprintf("duration=%s until=%s", status.Duration, status.LockedUntil.Format(time.RFC3339)),
		}); err != nil {
			return status, err
		}
	}
	return status, nil
}

func (c *CredentialStore) resetAttempts(ctx context.Context, id, detail string) error {
	_, err := c.audit.Within(ctx, audit.Event{
		Actor:   id,
		Action:  audit.ActionLoginSuccess,
		Subject: accountSubject(id),
		Detail:  detail,
	}, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE accounts SET failed_attempts = 0,
			consecutive_lockouts = 0, locked_until = NULL WHERE id = ?`, id)
		return store.Classify(err)
	})
	return err
}

// Unlock clears an account's lockout ahead of expiry.
func (c *CredentialStore) Unlock(ctx context.Context, actor, id string) error {
	id = NormalizeIdentifier(id)
	unlock := c.locks.Lock(id)
	defer unlock()

	_, err := c.audit.Within(ctx, audit.Event{
		Actor:   actor,
		Action:  audit.ActionAccountUnlocked,
		Subject: accountSubject(id),
	}, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE accounts SET failed_attempts = 0,
			consecutive_lockouts = 0, locked_until = NULL WHERE id = ?`, id)
		if err != nil {
			return store.Classify(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAccountNotFound
		}
		return nil
	})
	if err == nil {
		c.logger.Info("account unlocked", zap.String("account", id), zap.String("actor", actor))
	}
	return err
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

// Authenticate checks credentials as one critical section per account:
// lockout check, password verification, then counter update. It returns
// the account and whether a password rotation is due.
//
// Unknown accounts, wrong passwords, inactive accounts and wrong one-time
// codes all return ErrAuthenticationFailure. Attempts against a locked
// account are audited but do not extend the lockout.
func (c *CredentialStore) Authenticate(ctx context.Context, creds Credentials) (*Account, bool, error) {
	id := NormalizeIdentifier(creds.Identifier)
	unlock := c.locks.Lock(id)
	defer unlock()

	now := c.now().UTC()
	acc, err := c.Get(ctx, id)
	if errors.Is(err, ErrAccountNotFound) {
		c.hasher.verifyDummy(creds.Password)
		return nil, false, c.auditFailure(ctx, id, "unknown account", ErrAuthenticationFailure)
	}
	if err != nil {
		return nil, false, err
	}

	if acc.IsLocked(now) {
		return nil, false, c.auditFailure(ctx, id, "account locked", &LockedError{Until: *acc.LockedUntil})
	}

	ok := c.hasher.verify(creds.Password, acc.passwordHash, acc.passwordSalt, acc.hashParams)
	if ok && !acc.Active {
		return nil, false, c.auditFailure(ctx, id, "account inactive", ErrAuthenticationFailure)
	}
	reason := "invalid password"
	if ok && acc.TOTPEnabled && !totp.Validate(creds.OTP, acc.totpSecret) {
		ok = false
		reason = "invalid one-time code"
	}
	if !ok {
		if _, err := c.recordFailure(ctx, id, reason); err != nil {
			return nil, false, errors.Join(ErrAuthenticationFailure, err)
		}
		return nil, false, ErrAuthenticationFailure
	}

	rotation := c.engine.IsRotationDue(acc, now)
	detail := ""
	if rotation {
		detail = "password rotation required"
	}
	if err := c.resetAttempts(ctx, id, detail); err != nil {
		return nil, false, err
	}
	acc.FailedAttempts = 0
	acc.ConsecutiveLockouts = 0
	acc.LockedUntil = nil
	return acc, rotation, nil
}

// auditFailure records a login failure that does not touch the counters
// and returns result, or the audit error joined with it.
func (c *CredentialStore) auditFailure(ctx context.Context, id, reason string, result error) error {
	_, err := c.audit.Append(ctx, audit.Event{
		Actor:   id,
		Action:  audit.ActionLoginFailure,
		Subject: accountSubject(id),
		Outcome: audit.OutcomeFailure,
		Detail:  reason,
	})
	if err != nil {
		return errors.Join(result, err)
	}
	return result
}
