// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/jeranaias/techsvc/internal/util"
)

// =============================================================================
// CHAIN KEY LOADING
// =============================================================================

// KeySource records where the chain key came from.
type KeySource string

const (
	KeySourceEnvVar KeySource = "environment_variable"
	KeySourceFile   KeySource = "key_file"
	KeySourceNone   KeySource = "none"
)

const (
	// KeyEnvVar holds a hex-encoded key.
	KeyEnvVar = "TECHSVC_AUDIT_KEY"

	// KeySize is the key length in bytes.
	KeySize = 32
)

// KeyInfo describes a loaded key without exposing it.
type KeyInfo struct {
	Source      KeySource `json:"source"`
	Path        string    `json:"path,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
}

// LoadKey resolves the chain key. The environment variable wins over the
// key file; with neither configured the chain is unkeyed and LoadKey
// returns a nil key. A configured but unreadable or malformed key is an
// error, never a silent fallback.
func LoadKey(keyFile string) ([]byte, KeyInfo, error) {
	if keyHex := os.Getenv(KeyEnvVar); keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, KeyInfo{Source: KeySourceNone}, fmt.Errorf("invalid audit key in %s: %w", KeyEnvVar, err)
		}
		if len(key) != KeySize {
			return nil, KeyInfo{Source: KeySourceNone}, fmt.Errorf("audit key must be %d bytes, got %d", KeySize, len(key))
		}
		return key, KeyInfo{Source: KeySourceEnvVar, Fingerprint: fingerprint(key)}, nil
	}

	if keyFile == "" {
		return nil, KeyInfo{Source: KeySourceNone}, nil
	}
	key, err := os.ReadFile(keyFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, KeyInfo{Source: KeySourceNone}, fmt.Errorf(
				"audit key file %s does not exist; create one with 'techsvc init' or unset audit.key_file", keyFile)
		}
		return nil, KeyInfo{Source: KeySourceNone}, fmt.Errorf("failed to read audit key file %s: %w", keyFile, err)
	}
	if len(key) != KeySize {
		return nil, KeyInfo{Source: KeySourceNone}, fmt.Errorf("audit key file must be %d bytes, got %d", KeySize, len(key))
	}
	return key, KeyInfo{Source: KeySourceFile, Path: keyFile, Fingerprint: fingerprint(key)}, nil
}

// GenerateKeyFile writes a fresh random key to path with owner-only
// permissions. An existing file is never overwritten: that key protects
// every entry already written.
func GenerateKeyFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("audit key file %s already exists", path)
	}
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("failed to generate audit key: %w", err)
	}
	defer zeroBytes(key)
	return util.AtomicWriteFile(path, key, 0600)
}

func fingerprint(key []byte) string {
	return hex.EncodeToString(key[:4])
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
