// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security implements account credentials, password policy and
// sessions for the service-management application.
//
// # Key Types
//
//   - PolicyEngine: pure evaluation of password strength, rotation and
//     lockout backoff
//   - CredentialStore: accounts, salted password hashes, failed-attempt
//     counters and lockout state, persisted in the data store
//   - SessionManager: issues, validates, refreshes and revokes opaque
//     session tokens, persisted to a bbolt file
//   - RoleSet: the ordered role hierarchy used for authorization
//
// # Login Flow
//
// StartSession serializes per account: check the lockout, verify the
// password, then either reset or increment the failure counter. Every
// outcome is written to the audit trail before the caller sees it.
//
//	sess, err := sessions.StartSession(ctx, security.Credentials{
//	    Identifier: "tech1",
//	    Password:   password,
//	})
//	switch {
//	case errors.Is(err, security.ErrPasswordRotationRequired):
//	    // sess is a rotation-only session; prompt for a new password
//	case errors.Is(err, security.ErrAccountLocked):
//	    // try again later
//	case err != nil:
//	    // generic failure; never reveal whether the account exists
//	}
package security
