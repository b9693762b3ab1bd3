// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store owns the embedded SQLite data store shared by accounts,
// the audit trail and business records.
//
// The store keeps two connection pools over the same WAL-mode file:
//
//   - a writer pool of exactly one connection whose transactions start
//     with BEGIN IMMEDIATE, so writers serialize at the database
//   - a reader pool used for lookups and for consistent snapshots
//
// Snapshot opens a read transaction that sees a single point in time
// while writers continue; the backup engine streams from it.
//
// # Usage
//
//	st, err := store.Open(ctx, filepath.Join(dataDir, "techsvc.db"))
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
package store
