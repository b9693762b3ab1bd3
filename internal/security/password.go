// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// =============================================================================
// PASSWORD HASHING
// =============================================================================

// SaltSize is the per-password salt length in bytes.
const SaltSize = 16

// HashParams are the Argon2id cost parameters. They are stored with every
// hash so parameters can be raised without invalidating old passwords.
type HashParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
	KeyLen    uint32
}

// DefaultHashParams follows the RFC 9106 second recommended option.
func DefaultHashParams() HashParams {
	return HashParams{Time: 3, MemoryKiB: 64 * 1024, Threads: 4, KeyLen: 32}
}

// String encodes the parameters for storage.
func (p HashParams) String() string {
	return fmt.Sprintf("argon2id;v=%d;m=%d,t=%d,p=%d,l=%d", argon2.Version, p.MemoryKiB, p.Time, p.Threads, p.KeyLen)
}

// ParseHashParams decodes the stored form.
func ParseHashParams(s string) (HashParams, error) {
	var (
		p       HashParams
		version int
		threads uint32
	)
	_, err := fmt.Sscanf(s, "argon2id;v=%d;m=%d,t=%d,p=%d,l=%d", &version, &p.MemoryKiB, &p.Time, &threads, &p.KeyLen)
	if err != nil {
		return HashParams{}, fmt.Errorf("malformed hash parameters %q: %w", s, err)
	}
	if version != argon2.Version {
		return HashParams{}, fmt.Errorf("unsupported argon2 version %d", version)
	}
	if threads == 0 || threads > 255 || p.Time == 0 || p.MemoryKiB == 0 || p.KeyLen == 0 {
		return HashParams{}, fmt.Errorf("invalid hash parameters %q", s)
	}
	p.Threads = uint8(threads)
	return p, nil
}

// Validate rejects parameters that would make hashing useless or absurd.
func (p HashParams) Validate() error {
	switch {
	case p.Time == 0:
		return fmt.Errorf("%w: argon2 time must be at least 1", ErrInvalidConfiguration)
	case p.MemoryKiB < 8*uint32(p.Threads):
		return fmt.Errorf("%w: argon2 memory must be at least 8 KiB per thread", ErrInvalidConfiguration)
	case p.Threads == 0:
		return fmt.Errorf("%w: argon2 threads must be at least 1", ErrInvalidConfiguration)
	case p.KeyLen < 16:
		return fmt.Errorf("%w: argon2 key length must be at least 16", ErrInvalidConfiguration)
	}
	return nil
}

// passwordHasher hashes and verifies passwords. The dummy hash gives
// unknown identifiers the same verification cost as real ones.
type passwordHasher struct {
	params    HashParams
	dummySalt []byte
	dummyHash []byte
}

func newPasswordHasher(p HashParams) (*passwordHasher, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	h := &passwordHasher{params: p}
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	h.dummySalt = salt
	h.dummyHash = h.derive("dummy-password-never-matches", salt, p)
	return h, nil
}

func (h *passwordHasher) derive(password string, salt []byte, p HashParams) []byte {
	return argon2.IDKey([]byte(NormalizePassword(password)), salt, p.Time, p.MemoryKiB, p.Threads, p.KeyLen)
}

// hash returns a fresh salted hash of password under the current params.
func (h *passwordHasher) hash(password string) (hash, salt []byte, params string, err error) {
	salt = make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return h.derive(password, salt, h.params), salt, h.params.String(), nil
}

// verify compares in constant time. Malformed stored params never match.
func (h *passwordHasher) verify(password string, hash, salt []byte, params string) bool {
	p, err := ParseHashParams(params)
	if err != nil {
		return false
	}
	got := h.derive(password, salt, p)
	return subtle.ConstantTimeCompare(got, hash) == 1
}

// verifyDummy burns the same work as verify for an unknown identifier.
func (h *passwordHasher) verifyDummy(password string) {
	got := h.derive(password, h.dummySalt, h.params)
	subtle.ConstantTimeCompare(got, h.dummyHash)
}
