// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit implements the append-only, hash-chained audit trail.
//
// Every entry carries a digest over the previous entry's digest and the
// deterministic CBOR encoding of its own fields:
//
//	digest(n) = H(digest(n-1) || canonical(entry n))
//
// H is SHA-256, or HMAC-SHA-256 when an audit key is loaded. The first
// entry chains from 32 zero bytes. Altering, reordering or removing any
// entry breaks every digest from that point on, which VerifyChain detects.
//
// # Writing
//
// A single writer appends at a time. Append records a standalone event;
// Within runs a business mutation and its audit entry in one transaction so
// neither can commit without the other.
//
//	entry, err := log.Within(ctx, audit.Event{
//	    Actor:   "admin",
//	    Action:  audit.ActionRecordModified,
//	    Subject: audit.Subject{Type: "work_order", ID: "wo-42"},
//	}, func(tx *sql.Tx) error {
//	    _, err := tx.ExecContext(ctx, "UPDATE ...")
//	    return err
//	})
//
// # Reading
//
// Query streams entries in ascending sequence order with filters on actor,
// action, subject and time range.
package audit
