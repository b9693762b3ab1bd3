// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !windows

package util

import (
	"golang.org/x/sys/unix"
)

// FreeSpace returns the bytes available to an unprivileged user on the
// volume holding path.
func FreeSpace(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	// Bavail, not Bfree: root-reserved blocks are not ours to use
	return stat.Bavail * uint64(stat.Bsize), nil
}
