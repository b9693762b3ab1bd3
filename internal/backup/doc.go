// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backup snapshots the data store, keeps a catalog of snapshots
// under retention rules, verifies and restores them, and drives the
// backup schedule.
//
// # Layout
//
// A backup directory holds:
//
//	catalog.db                 bbolt catalog of backup records
//	payload/<digest>.snap.gz   published snapshots, named by SHA-256
//	tmp/                       snapshots being written
//
// A snapshot is a gzip-compressed stream of CBOR frames: a header, the
// schema objects, every table's rows, and an end trailer with per-table
// row counts. A restore that does not reach the trailer, or whose counts
// disagree with it, is incomplete and never cut over.
//
// A payload becomes visible in the catalog only after it has been fully
// written, synced and renamed into place, so a crash or cancellation
// never leaves a partial backup that looks complete.
package backup
