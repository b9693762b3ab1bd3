// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and validates techsvc configuration.
//
// Configuration is a TOML file layered over built-in defaults, with
// TECHSVC_* environment overrides applied last. Every value is validated at
// load time; an invalid configuration fails with an error matching
// security.ErrInvalidConfiguration and the service does not start.
//
// # Key Types
//
//   - Config: Complete configuration, one section per component
//   - Duration: time.Duration that reads and writes "15m" style text
//   - ValidateErrors: Every problem found by Validate
//
// # Configuration Precedence
//
//   - Environment variables (TECHSVC_*)
//   - The file given with --config or TECHSVC_CONFIG
//   - ~/.techsvc/config.toml
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	policy := cfg.Policy()
//	sessions := cfg.SessionConfig()
package config
