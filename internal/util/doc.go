// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides file-system helpers shared by the security and
// backup packages.
//
// # Key Functions
//
//   - AtomicWriteFile: crash-safe whole-file write with fsync and rename
//   - PublishFile: durable rename of an already-synced temp file
//   - SyncDir: fsync a directory so a rename survives power loss
//   - FreeSpace: bytes available to the current user on a volume
//   - TruncateRunes: UTF-8 safe truncation for short reason strings
//
// # Usage
//
//	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
//	    return err
//	}
package util
