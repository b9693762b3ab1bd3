// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// json_output.go - JSON output for scripted use and log collection.

package cli

import (
	"encoding/json"
	"io"
	"time"

	"github.com/jeranaias/techsvc/internal/security/audit"
)

// JSONResponse is the response format every command prints with --json.
type JSONResponse struct {
	// Success indicates whether the command completed successfully
	Success bool `json:"success"`

	// Data contains the command-specific response data
	Data any `json:"data"`

	// Error contains the error message if Success is false, null otherwise
	Error *string `json:"error"`

	// ExitCode is the process exit code Run returns
	ExitCode int `json:"exit_code"`

	// Timestamp is when the response was generated, RFC 3339 UTC
	Timestamp string `json:"timestamp"`

	// Command is the command that was executed
	Command string `json:"command,omitempty"`
}

// NewJSONResponse creates a successful response.
func NewJSONResponse(command string, data any) *JSONResponse {
	return &JSONResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}
}

// NewJSONErrorResponse creates an error response. data may carry partial
// results, such as a broken chain report.
func NewJSONErrorResponse(command string, data any, err error) *JSONResponse {
	msg := err.Error()
	return &JSONResponse{
		Success:   false,
		Data:      data,
		Error:     &msg,
		ExitCode:  ExitCode(err),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}
}

// Print writes the response as indented JSON.
func (r *JSONResponse) Print(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(r)
}

// =============================================================================
// COMMAND-SPECIFIC DATA STRUCTURES
// =============================================================================

// VersionData is returned by the version command.
type VersionData struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// InitData is returned by the init command.
type InitData struct {
	DataDir      string        `json:"data_dir"`
	KeyCreated   bool          `json:"key_created"`
	KeyInfo      audit.KeyInfo `json:"audit_key"`
	AdminCreated bool          `json:"admin_created"`
	Admin        string        `json:"admin,omitempty"`
}

// LoginData is returned by login and by a self-service password change.
type LoginData struct {
	Token     string    `json:"token"`
	Account   string    `json:"account"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
	Rotated   bool      `json:"rotated"`
}

// TOTPData is returned by "account totp enroll".
type TOTPData struct {
	Account string `json:"account"`
	Secret  string `json:"secret"`
	URL     string `json:"url"`
}

// ConfigValidateData is returned by "config validate".
type ConfigValidateData struct {
	Path   string   `json:"path,omitempty"`
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}
