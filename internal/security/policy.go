// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"fmt"
	"math"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// =============================================================================
// POLICY
// =============================================================================

// MaxPasswordRunes caps password length so hashing cost stays bounded.
const MaxPasswordRunes = 1024

// Policy holds the credential and lockout rules.
type Policy struct {
	MinLength        int
	RequireMixedCase bool
	RequireDigit     bool
	RequireSymbol    bool

	// RotationIntervalDays is how long a password stays valid. 0 disables
	// rotation.
	RotationIntervalDays int

	// HistoryDepth is how many previous passwords may not be reused.
	HistoryDepth int

	// RequireInitialRotation forces a password change on first login of
	// a newly created account.
	RequireInitialRotation bool

	LockoutThreshold    int
	LockoutBaseDuration time.Duration
	LockoutGrowthFactor float64
	LockoutMaxDuration  time.Duration

	// ResetLockoutsOnRotation clears the escalation counter when the
	// password is changed.
	ResetLockoutsOnRotation bool
}

// DefaultPolicy returns the shipped defaults.
func DefaultPolicy() Policy {
	return Policy{
		MinLength:               10,
		RequireMixedCase:        true,
		RequireDigit:            true,
		RequireSymbol:           false,
		RotationIntervalDays:    90,
		HistoryDepth:            3,
		RequireInitialRotation:  true,
		LockoutThreshold:        3,
		LockoutBaseDuration:     15 * time.Minute,
		LockoutGrowthFactor:     2,
		LockoutMaxDuration:      24 * time.Hour,
		ResetLockoutsOnRotation: true,
	}
}

// Validate rejects out-of-range values.
func (p Policy) Validate() error {
	switch {
	case p.MinLength < 1 || p.MinLength > MaxPasswordRunes:
		return fmt.Errorf("%w: min_length must be between 1 and %d", ErrInvalidConfiguration, MaxPasswordRunes)
	case p.RotationIntervalDays < 0:
		return fmt.Errorf("%w: rotation_interval_days cannot be negative", ErrInvalidConfiguration)
	case p.HistoryDepth < 0 || p.HistoryDepth > 24:
		return fmt.Errorf("%w: history_depth must be between 0 and 24", ErrInvalidConfiguration)
	case p.LockoutThreshold < 1:
		return fmt.Errorf("%w: lockout threshold must be at least 1", ErrInvalidConfiguration)
	case p.LockoutBaseDuration <= 0:
		return fmt.Errorf("%w: lockout base duration must be positive", ErrInvalidConfiguration)
	case p.LockoutGrowthFactor < 1 || math.IsNaN(p.LockoutGrowthFactor) || math.IsInf(p.LockoutGrowthFactor, 0):
		return fmt.Errorf("%w: lockout growth factor must be a finite number >= 1", ErrInvalidConfiguration)
	case p.LockoutMaxDuration < p.LockoutBaseDuration:
		return fmt.Errorf("%w: lockout max duration must be at least the base duration", ErrInvalidConfiguration)
	}
	return nil
}

// =============================================================================
// POLICY ENGINE
// =============================================================================

// PolicyEngine evaluates a Policy. It has no side effects.
type PolicyEngine struct {
	policy Policy
}

// NewPolicyEngine validates p and returns an engine for it.
func NewPolicyEngine(p Policy) (*PolicyEngine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &PolicyEngine{policy: p}, nil
}

// Policy returns a copy of the configured policy.
func (e *PolicyEngine) Policy() Policy { return e.policy }

// NormalizePassword applies NFKC so visually identical input hashes the
// same regardless of how it was composed.
func NormalizePassword(s string) string {
	return norm.NFKC.String(s)
}

// EvaluatePassword returns nil or a *PolicyError naming the first rule the
// candidate breaks. Length is counted in characters after normalization.
func (e *PolicyEngine) EvaluatePassword(candidate string) error {
	pw := NormalizePassword(candidate)
	n := utf8.RuneCountInString(pw)

	if n == 0 {
		return &PolicyError{Rule: RuleEmpty, Message: "password is empty"}
	}
	if n < e.policy.MinLength {
		return &PolicyError{Rule: RuleMinLength, Message: fmt.Sprintf("password must be at least %d characters", e.policy.MinLength)}
	}
	if n > MaxPasswordRunes {
		return &PolicyError{Rule: RuleMaxLength, Message: fmt.Sprintf("password must be at most %d characters", MaxPasswordRunes)}
	}

	var upper, lower, digit, symbol bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case !unicode.IsLetter(r) && !unicode.IsSpace(r):
			symbol = true
		}
	}
	if e.policy.RequireMixedCase && !(upper && lower) {
		return &PolicyError{Rule: RuleMixedCase, Message: "password must contain upper and lower case letters"}
	}
	if e.policy.RequireDigit && !digit {
		return &PolicyError{Rule: RuleDigit, Message: "password must contain a digit"}
	}
	if e.policy.RequireSymbol && !symbol {
		return &PolicyError{Rule: RuleSymbol, Message: "password must contain a symbol"}
	}
	return nil
}

// IsRotationDue reports whether the account's password has outlived the
// rotation interval or was flagged for change.
func (e *PolicyEngine) IsRotationDue(a *Account, now time.Time) bool {
	if a.MustChangePassword {
		return true
	}
	if e.policy.RotationIntervalDays == 0 {
		return false
	}
	interval := time.Duration(e.policy.RotationIntervalDays) * 24 * time.Hour
	return !now.Before(a.PasswordChangedAt.Add(interval))
}

// ComputeLockoutDuration returns base * growth^n capped at the maximum,
// where n is the number of lockouts already served. Non-decreasing in n.
func (e *PolicyEngine) ComputeLockoutDuration(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := float64(e.policy.LockoutBaseDuration) * math.Pow(e.policy.LockoutGrowthFactor, float64(n))
	if math.IsInf(d, 0) || d >= float64(e.policy.LockoutMaxDuration) {
		return e.policy.LockoutMaxDuration
	}
	return time.Duration(d)
}
