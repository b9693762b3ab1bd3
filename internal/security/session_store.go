// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
)

// =============================================================================
// SESSION PERSISTENCE
// =============================================================================

// SessionStore persists active sessions across restarts.
type SessionStore interface {
	Save(s Session) error
	Delete(id string) error
	LoadAll() ([]Session, error)
	Close() error
}

var sessionsBucket = []byte("sessions")

// BoltSessionStore keeps sessions in a bbolt file, keyed by session ID.
// Tokens themselves are never written.
type BoltSessionStore struct {
	db *bbolt.DB
}

// OpenBoltSessionStore opens or creates the session file at path.
func OpenBoltSessionStore(path string) (*BoltSessionStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init session store: %w", err)
	}
	return &BoltSessionStore{db: db}, nil
}

// sessionRecord is the stored form; times are unix nanoseconds.
type sessionRecord struct {
	ID              string `cbor:"1,keyasint"`
	AccountID       string `cbor:"2,keyasint"`
	Role            string `cbor:"3,keyasint"`
	Kind            string `cbor:"4,keyasint"`
	CreatedAt       int64  `cbor:"5,keyasint"`
	LastActivityAt  int64  `cbor:"6,keyasint"`
	IdleTimeout     int64  `cbor:"7,keyasint"`
	AbsoluteTimeout int64  `cbor:"8,keyasint"`
}

// Save writes or replaces s. Only active sessions are meaningful to keep;
// callers delete terminal ones.
func (b *BoltSessionStore) Save(s Session) error {
	data, err := cbor.Marshal(sessionRecord{
		ID:              s.ID,
		AccountID:       s.AccountID,
		Role:            string(s.Role),
		Kind:            string(s.Kind),
		CreatedAt:       s.CreatedAt.UnixNano(),
		LastActivityAt:  s.LastActivityAt.UnixNano(),
		IdleTimeout:     int64(s.IdleTimeout),
		AbsoluteTimeout: int64(s.AbsoluteTimeout),
	})
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(s.ID), data)
	})
}

// Delete removes a session. Deleting a missing session is not an error.
func (b *BoltSessionStore) Delete(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(id))
	})
}

// LoadAll returns every stored session.
func (b *BoltSessionStore) LoadAll() ([]Session, error) {
	var out []Session
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(k, v []byte) error {
			var rec sessionRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode session %x: %w", k, err)
			}
			out = append(out, Session{
				ID:              rec.ID,
				AccountID:       rec.AccountID,
				Role:            Role(rec.Role),
				Kind:            SessionKind(rec.Kind),
				CreatedAt:       time.Unix(0, rec.CreatedAt).UTC(),
				LastActivityAt:  time.Unix(0, rec.LastActivityAt).UTC(),
				IdleTimeout:     time.Duration(rec.IdleTimeout),
				AbsoluteTimeout: time.Duration(rec.AbsoluteTimeout),
				State:           SessionActive,
			})
			return nil
		})
	})
	return out, err
}

// Close closes the file.
func (b *BoltSessionStore) Close() error {
	return b.db.Close()
}
