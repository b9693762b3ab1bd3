// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"hash"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// =============================================================================
// ACTION KINDS
// =============================================================================

// Action is the closed set of audited operations.
type Action string

const (
	ActionLoginSuccess       Action = "login_success"
	ActionLoginFailure       Action = "login_failure"
	ActionLogout             Action = "logout"
	ActionPasswordChange     Action = "password_change"
	ActionRecordCreated      Action = "record_created"
	ActionRecordModified     Action = "record_modified"
	ActionRecordDeleted      Action = "record_deleted"
	ActionBackupCreated      Action = "backup_created"
	ActionBackupVerified     Action = "backup_verified"
	ActionBackupPurged       Action = "backup_purged"
	ActionRestorePerformed   Action = "restore_performed"
	ActionLockoutTriggered   Action = "lockout_triggered"
	ActionAccountCreated     Action = "account_created"
	ActionAccountUnlocked    Action = "account_unlocked"
	ActionAccountDeactivated Action = "account_deactivated"
	ActionSessionRevoked     Action = "session_revoked"
	ActionSessionExpired     Action = "session_expired"
	ActionAccessDenied       Action = "access_denied"
	ActionTOTPEnrolled       Action = "totp_enrolled"
)

var validActions = map[Action]bool{
	ActionLoginSuccess:       true,
	ActionLoginFailure:       true,
	ActionLogout:             true,
	ActionPasswordChange:     true,
	ActionRecordCreated:      true,
	ActionRecordModified:     true,
	ActionRecordDeleted:      true,
	ActionBackupCreated:      true,
	ActionBackupVerified:     true,
	ActionBackupPurged:       true,
	ActionRestorePerformed:   true,
	ActionLockoutTriggered:   true,
	ActionAccountCreated:     true,
	ActionAccountUnlocked:    true,
	ActionAccountDeactivated: true,
	ActionSessionRevoked:     true,
	ActionSessionExpired:     true,
	ActionAccessDenied:       true,
	ActionTOTPEnrolled:       true,
}

// Valid reports whether a is a known action kind.
func (a Action) Valid() bool { return validActions[a] }

// ParseAction converts a string to an Action.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("unknown audit action %q", s)
	}
	return a, nil
}

// Outcome records whether the audited operation succeeded.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// SystemActor is the actor for operations not initiated by an account.
const SystemActor = "system"

// MaxDetailRunes bounds the free-text reason stored with an entry.
const MaxDetailRunes = 256

// =============================================================================
// EVENTS AND ENTRIES
// =============================================================================

// Subject identifies what an operation acted on.
type Subject struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// String renders the subject as type:id.
func (s Subject) String() string { return s.Type + ":" + s.ID }

// ParseSubject parses the type:id form.
func ParseSubject(s string) (Subject, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok || typ == "" || id == "" {
		return Subject{}, fmt.Errorf("subject %q must be type:id", s)
	}
	return Subject{Type: typ, ID: id}, nil
}

// Event is what a caller asks to be recorded.
type Event struct {
	Actor   string
	Action  Action
	Subject Subject
	Outcome Outcome // defaults to success
	Detail  string
	// BackupID references a backup record for backup and restore events.
	BackupID string
}

// Entry is a committed audit record.
type Entry struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    Action    `json:"action"`
	Subject   Subject   `json:"subject"`
	Outcome   Outcome   `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	BackupID  string    `json:"backup_id,omitempty"`
	Digest    []byte    `json:"digest"`
}

func (e Event) validate() error {
	if e.Actor == "" {
		return fmt.Errorf("event actor is required")
	}
	if !e.Action.Valid() {
		return fmt.Errorf("unknown action %q", e.Action)
	}
	if e.Outcome != OutcomeSuccess && e.Outcome != OutcomeFailure {
		return fmt.Errorf("unknown outcome %q", e.Outcome)
	}
	if e.Subject.Type == "" {
		return fmt.Errorf("event subject type is required")
	}
	return nil
}

// =============================================================================
// CANONICAL ENCODING
// =============================================================================

// canonicalEntry fixes the field set and order that the digest covers.
// Integer keys keep the encoding compact and independent of Go names.
type canonicalEntry struct {
	Seq         uint64 `cbor:"1,keyasint"`
	Timestamp   int64  `cbor:"2,keyasint"`
	Actor       string `cbor:"3,keyasint"`
	Action      string `cbor:"4,keyasint"`
	SubjectType string `cbor:"5,keyasint"`
	SubjectID   string `cbor:"6,keyasint"`
	Outcome     string `cbor:"7,keyasint"`
	Detail      string `cbor:"8,keyasint"`
	BackupID    string `cbor:"9,keyasint"`
}

var canonicalMode cbor.EncMode

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("audit: cbor encoder: %v", err))
	}
	canonicalMode = em
}

// Canonical returns the deterministic encoding of every field except the
// digest.
func (e *Entry) Canonical() ([]byte, error) {
	return canonicalMode.Marshal(canonicalEntry{
		Seq:         e.Seq,
		Timestamp:   e.Timestamp.UTC().UnixNano(),
		Actor:       e.Actor,
		Action:      string(e.Action),
		SubjectType: e.Subject.Type,
		SubjectID:   e.Subject.ID,
		Outcome:     string(e.Outcome),
		Detail:      e.Detail,
		BackupID:    e.BackupID,
	})
}

// GenesisDigest is the previous digest of entry 1.
var GenesisDigest = make([]byte, sha256.Size)

// chainHasher computes chained digests, keyed when key is non-nil.
type chainHasher struct {
	key []byte
}

func (c chainHasher) newHash() hash.Hash {
	if len(c.key) > 0 {
		return hmac.New(sha256.New, c.key)
	}
	return sha256.New()
}

// digest computes H(prev || canonical(e)).
func (c chainHasher) digest(prev []byte, e *Entry) ([]byte, error) {
	body, err := e.Canonical()
	if err != nil {
		return nil, err
	}
	h := c.newHash()
	h.Write(prev)
	h.Write(body)
	return h.Sum(nil), nil
}
