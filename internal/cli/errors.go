// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// errors.go - Error types and exit codes for techsvc commands.
//
// Handlers always return errors; Run decides how to display them and which
// exit code to use.

package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeranaias/techsvc/internal/backup"
	"github.com/jeranaias/techsvc/internal/records"
	"github.com/jeranaias/techsvc/internal/security"
	"github.com/jeranaias/techsvc/internal/security/audit"
	"github.com/jeranaias/techsvc/internal/store"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	// ExitSuccess indicates successful execution
	ExitSuccess = 0
	// ExitGeneralError indicates a general/unknown error
	ExitGeneralError = 1
	// ExitUsageError indicates invalid command usage or arguments
	ExitUsageError = 2
	// ExitConfigError indicates configuration file or settings error
	ExitConfigError = 3
	// ExitAuthError indicates authentication or authorization failure
	ExitAuthError = 4
	// ExitIntegrityError indicates a broken audit chain or corrupt backup
	ExitIntegrityError = 5
	// ExitSecurityError indicates a security policy violation
	ExitSecurityError = 6
	// ExitNotFoundError indicates a resource was not found
	ExitNotFoundError = 7
	// ExitTimeoutError indicates an operation timed out or the store was busy
	ExitTimeoutError = 8
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// UsageError reports a malformed command line.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string { return e.Message }

func usagef(format string, args ...any) error {
	return &UsageError{Message: fmt.Sprintf(format, args...)}
}

// CommandError represents a CLI command error with context.
type CommandError struct {
	Command string // e.g. "backup"
	Action  string // e.g. "restore"
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Command, e.Action, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// errChainBroken is returned by "audit verify" when the report is not intact.
var errChainBroken = errors.New("audit chain integrity check failed")

// =============================================================================
// EXIT CODE MAPPING
// =============================================================================

// ExitCode maps an error returned by a handler to a process exit code.
func ExitCode(err error) int {
	var usage *UsageError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &usage):
		return ExitUsageError
	case errors.Is(err, security.ErrInvalidConfiguration):
		return ExitConfigError
	case errors.Is(err, security.ErrAuthenticationFailure),
		errors.Is(err, security.ErrAccountLocked),
		errors.Is(err, security.ErrPasswordRotationRequired),
		errors.Is(err, security.ErrSessionExpired),
		errors.Is(err, security.ErrSessionRevoked),
		errors.Is(err, security.ErrSessionNotFound),
		errors.Is(err, security.ErrForbidden),
		errors.Is(err, security.ErrRateLimited),
		errors.Is(err, errNoToken):
		return ExitAuthError
	case errors.Is(err, errChainBroken),
		errors.Is(err, backup.ErrCorruptBackup),
		errors.Is(err, backup.ErrRestoreIncomplete):
		return ExitIntegrityError
	case errors.Is(err, security.ErrPolicyViolation),
		errors.Is(err, security.ErrDuplicateIdentifier):
		return ExitSecurityError
	case errors.Is(err, security.ErrAccountNotFound),
		errors.Is(err, backup.ErrBackupNotFound),
		errors.Is(err, records.ErrNotFound):
		return ExitNotFoundError
	case errors.Is(err, audit.ErrAuditTimeout),
		errors.Is(err, store.ErrBusy),
		errors.Is(err, backup.ErrInUse),
		errors.Is(err, context.DeadlineExceeded):
		return ExitTimeoutError
	}
	return ExitGeneralError
}
