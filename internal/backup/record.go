// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backup

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrIOFailure is returned when a snapshot cannot be written or read
	// back from disk. Retry after the operator frees space or fixes access.
	ErrIOFailure = errors.New("backup I/O failure")

	// ErrInsufficientSpace means the free-space check failed before any
	// work started.
	ErrInsufficientSpace = fmt.Errorf("%w: insufficient free disk space", ErrIOFailure)

	// ErrCorruptBackup is returned when a payload's digest no longer
	// matches its record.
	ErrCorruptBackup = errors.New("backup is corrupt")

	// ErrRestoreIncomplete is returned when a replay does not reach the
	// end trailer or disagrees with it.
	ErrRestoreIncomplete = errors.New("restore incomplete")

	// ErrBackupNotFound is returned for unknown backup ids.
	ErrBackupNotFound = errors.New("backup not found")

	// ErrInUse is returned when a backup is already being restored.
	ErrInUse = errors.New("backup is in use")

	// ErrInvalidClass is returned for unknown retention classes.
	ErrInvalidClass = errors.New("unknown retention class")

	// ErrInvalidTarget is returned when a restore target already exists or
	// is the live store.
	ErrInvalidTarget = errors.New("invalid restore target")
)

// =============================================================================
// RECORDS
// =============================================================================

// Class is a retention bucket.
type Class string

const (
	ClassDaily   Class = "daily"
	ClassWeekly  Class = "weekly"
	ClassMonthly Class = "monthly"
	ClassManual  Class = "manual"
)

// Classes lists the retention classes in schedule order.
var Classes = []Class{ClassDaily, ClassWeekly, ClassMonthly, ClassManual}

// Valid reports whether c is a known class.
func (c Class) Valid() bool {
	switch c {
	case ClassDaily, ClassWeekly, ClassMonthly, ClassManual:
		return true
	}
	return false
}

// ParseClass validates a class name.
func ParseClass(s string) (Class, error) {
	c := Class(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidClass, s)
	}
	return c, nil
}

// Status is a record's verification state.
type Status string

const (
	StatusUnverified Status = "unverified"
	StatusVerified   Status = "verified"
	StatusFailed     Status = "failed"
)

// CompressionGzip is the only compression scheme written.
const CompressionGzip = "gzip"

// Record describes one published snapshot.
type Record struct {
	ID             string     `json:"id"`
	CreatedAt      time.Time  `json:"created_at"`
	SchemaVersion  int        `json:"schema_version"`
	SourceMarker   string     `json:"source_marker"`
	Size           int64      `json:"size"`
	Digest         string     `json:"digest"`
	Compression    string     `json:"compression"`
	Class          Class      `json:"class"`
	Status         Status     `json:"status"`
	LastVerifiedAt *time.Time `json:"last_verified_at,omitempty"`
	Payload        string     `json:"payload"`
}

// PayloadName is the digest-derived file name of a snapshot.
func PayloadName(digest string) string {
	return digest + ".snap.gz"
}

// sourceMarker identifies the store state a snapshot was taken from.
func sourceMarker(schemaVersion int, auditSeq uint64) string {
	return fmt.Sprintf("schema=%d;audit_seq=%d", schemaVersion, auditSeq)
}

// RetentionRule bounds how many records of a class are kept and for how
// long. Zero values disable the corresponding bound.
type RetentionRule struct {
	Keep   int
	MaxAge time.Duration
}

// Validate rejects negative bounds.
func (r RetentionRule) Validate() error {
	if r.Keep < 0 || r.MaxAge < 0 {
		return errors.New("retention keep and max_age cannot be negative")
	}
	return nil
}
