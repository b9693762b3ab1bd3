// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

// =============================================================================
// SESSION TYPES
// =============================================================================

// TokenBytes is the session token entropy in bytes.
const TokenBytes = 32

// SessionState is Active until it becomes Expired or Revoked; both are
// terminal.
type SessionState int

const (
	SessionActive SessionState = iota
	SessionExpired
	SessionRevoked
)

func (s SessionState) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionExpired:
		return "expired"
	case SessionRevoked:
		return "revoked"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsTerminal reports whether no further transition is possible.
func (s SessionState) IsTerminal() bool { return s != SessionActive }

// MarshalText renders the state name.
func (s SessionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// SessionKind distinguishes full sessions from rotation-only ones.
type SessionKind string

const (
	SessionFull SessionKind = "full"
	// SessionRotationOnly permits nothing but a password change.
	SessionRotationOnly SessionKind = "rotation_only"
)

// Session is an authenticated context. Callers receive copies.
type Session struct {
	// ID is the SHA-256 of the token, hex encoded. Only the ID is stored.
	ID string `json:"id"`
	// Token is set only on the copy returned by StartSession.
	Token string `json:"token,omitempty"`

	AccountID       string        `json:"account_id"`
	Role            Role          `json:"role"`
	Kind            SessionKind   `json:"kind"`
	CreatedAt       time.Time     `json:"created_at"`
	LastActivityAt  time.Time     `json:"last_activity_at"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	AbsoluteTimeout time.Duration `json:"absolute_timeout"`
	State           SessionState  `json:"state"`
	EndedAt         time.Time     `json:"ended_at,omitempty"`
	EndReason       string        `json:"end_reason,omitempty"`
}

// ExpiresAt is the earlier of the idle and absolute deadlines.
func (s *Session) ExpiresAt() time.Time {
	idle := s.LastActivityAt.Add(s.IdleTimeout)
	abs := s.CreatedAt.Add(s.AbsoluteTimeout)
	if abs.Before(idle) {
		return abs
	}
	return idle
}

// expiryReason returns why the session is over at now, or "".
func (s *Session) expiryReason(now time.Time) string {
	switch {
	case !now.Before(s.CreatedAt.Add(s.AbsoluteTimeout)):
		return "absolute timeout"
	case !now.Before(s.LastActivityAt.Add(s.IdleTimeout)):
		return "idle timeout"
	}
	return ""
}

// ShortID is the ID prefix used in logs and audit subjects.
func (s *Session) ShortID() string {
	if len(s.ID) > 16 {
		return s.ID[:16]
	}
	return s.ID
}

// newSessionToken returns a random token and its ID.
func newSessionToken() (token, id string, err error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("failed to generate session token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(b)
	return token, tokenID(token), nil
}

// tokenID hashes a presented token into a session ID.
func tokenID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
