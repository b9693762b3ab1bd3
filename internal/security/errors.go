// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrPolicyViolation is returned when a password or role violates
	// policy. Every *PolicyError matches it.
	ErrPolicyViolation = errors.New("policy violation")

	// ErrWeakPassword is returned when a password fails the strength rules.
	// It also matches ErrPolicyViolation.
	ErrWeakPassword = fmt.Errorf("%w: weak password", ErrPolicyViolation)

	// ErrDuplicateIdentifier is returned when an account identifier is taken.
	ErrDuplicateIdentifier = errors.New("account identifier already exists")

	// ErrAuthenticationFailure covers unknown accounts, wrong passwords,
	// inactive accounts and wrong one-time codes alike.
	ErrAuthenticationFailure = errors.New("authentication failed")

	// ErrAccountLocked is returned while an account is locked out.
	ErrAccountLocked = errors.New("account locked")

	// ErrPasswordRotationRequired accompanies a rotation-only session.
	ErrPasswordRotationRequired = errors.New("password rotation required")

	ErrSessionExpired  = errors.New("session expired")
	ErrSessionRevoked  = errors.New("session revoked")
	ErrSessionNotFound = errors.New("session not found")

	// ErrForbidden is returned when a session's role is insufficient.
	ErrForbidden = errors.New("insufficient role")

	// ErrRateLimited is returned when login attempts arrive too fast.
	// Callers may retry after a short wait.
	ErrRateLimited = errors.New("too many login attempts")

	// ErrAccountNotFound is returned by administrative operations only;
	// login paths report ErrAuthenticationFailure instead.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidConfiguration is returned when policy values are out of range.
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// Rule names a password policy rule.
type Rule string

const (
	RuleIdentifier  Rule = "identifier"
	RuleEmpty       Rule = "empty"
	RuleMinLength   Rule = "min_length"
	RuleMaxLength   Rule = "max_length"
	RuleMixedCase   Rule = "mixed_case"
	RuleDigit       Rule = "digit"
	RuleSymbol      Rule = "symbol"
	RuleReuse       Rule = "reuse"
	RuleUnknownRole Rule = "unknown_role"
)

// strength rules make a PolicyError also match ErrWeakPassword.
var strengthRules = map[Rule]bool{
	RuleEmpty:     true,
	RuleMinLength: true,
	RuleMaxLength: true,
	RuleMixedCase: true,
	RuleDigit:     true,
	RuleSymbol:    true,
}

// PolicyError reports which rule was violated.
type PolicyError struct {
	Rule    Rule
	Message string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy violation (%s): %s", e.Rule, e.Message)
}

// Is matches ErrPolicyViolation, and ErrWeakPassword for strength rules.
func (e *PolicyError) Is(target error) bool {
	switch target {
	case ErrPolicyViolation:
		return true
	case ErrWeakPassword:
		return strengthRules[e.Rule]
	}
	return false
}

// LockedError carries the lockout expiry. It matches ErrAccountLocked.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

func (e *LockedError) Is(target error) bool { return target == ErrAccountLocked }
