// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the techsvc command line.
//
// Run parses the arguments, loads the configuration, opens the service and
// dispatches to one command handler. Handlers return their result and an
// error; Run prints either human-readable text or, with --json, a
// JSONResponse, and maps the error to an exit code (see ExitCode).
//
// # Authentication
//
// Commands that read or change protected data need a session token from
// "techsvc login", passed with --token or the TECHSVC_TOKEN environment
// variable. Sessions persist in the data directory between invocations.
//
// # Commands
//
//   - init: audit key and first administrator
//   - login, logout: sessions
//   - account: account administration
//   - audit: chain verification and search
//   - backup: snapshots, verification, restore and retention
//   - serve: scheduler, session sweeper and the operations HTTP surface
//   - config: show and validate configuration
//   - version
package cli
