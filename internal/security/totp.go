// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/jeranaias/techsvc/internal/security/audit"
	"github.com/jeranaias/techsvc/internal/store"
)

// =============================================================================
// TOTP SECOND FACTOR
// =============================================================================

// EnrollTOTP generates a TOTP secret for the account and stores it. Once
// enrolled, logins must present a current code. The returned key carries
// the otpauth:// URL for authenticator apps.
func (c *CredentialStore) EnrollTOTP(ctx context.Context, actor, id string) (*otp.Key, error) {
	id = NormalizeIdentifier(id)
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      c.totpIssuer,
		AccountName: id,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP secret: %w", err)
	}
	if err := c.setTOTPSecret(ctx, actor, id, key.Secret(), "enrolled"); err != nil {
		return nil, err
	}
	return key, nil
}

// DisableTOTP removes the second factor from an account.
func (c *CredentialStore) DisableTOTP(ctx context.Context, actor, id string) error {
	return c.setTOTPSecret(ctx, actor, NormalizeIdentifier(id), "", "disabled")
}

func (c *CredentialStore) setTOTPSecret(ctx context.Context, actor, id, secret, detail string) error {
	_, err := c.audit.Within(ctx, audit.Event{
		Actor:   actor,
		Action:  audit.ActionTOTPEnrolled,
		Subject: accountSubject(id),
		Detail:  detail,
	}, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "UPDATE accounts SET totp_secret = ? WHERE id = ?", secret, id)
		if err != nil {
			return store.Classify(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAccountNotFound
		}
		return nil
	})
	return err
}

// VerifyTOTP checks a code against the account's enrolled secret. Accounts
// without a second factor never match.
func (c *CredentialStore) VerifyTOTP(ctx context.Context, id, code string) (bool, error) {
	acc, err := c.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if !acc.TOTPEnabled {
		return false, nil
	}
	return totp.Validate(code, acc.totpSecret), nil
}
