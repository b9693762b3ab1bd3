// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

// SchemaVersion is the schema version written to PRAGMA user_version by
// the last migration.
const SchemaVersion = 2

// migrations are applied in order; migrations[i] moves the schema from
// version i to version i+1.
var migrations = []string{
	// 1: accounts, password history, audit trail
	`
CREATE TABLE IF NOT EXISTS accounts (
    id                   TEXT PRIMARY KEY,
    display_name         TEXT NOT NULL,
    role                 TEXT NOT NULL,
    password_hash        BLOB NOT NULL,
    password_salt        BLOB NOT NULL,
    hash_params          TEXT NOT NULL,
    must_change_password INTEGER NOT NULL DEFAULT 0,
    failed_attempts      INTEGER NOT NULL DEFAULT 0,
    consecutive_lockouts INTEGER NOT NULL DEFAULT 0,
    locked_until         INTEGER,            -- unix nanos, NULL when unlocked
    password_changed_at  INTEGER NOT NULL,
    created_at           INTEGER NOT NULL,
    active               INTEGER NOT NULL DEFAULT 1,
    totp_secret          TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS password_history (
    account_id    TEXT NOT NULL REFERENCES accounts(id),
    changed_at    INTEGER NOT NULL,
    password_hash BLOB NOT NULL,
    password_salt BLOB NOT NULL,
    hash_params   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_password_history_account
    ON password_history(account_id, changed_at);

CREATE TABLE IF NOT EXISTS audit_entries (
    seq          INTEGER PRIMARY KEY,
    ts           INTEGER NOT NULL,
    actor        TEXT NOT NULL,
    action       TEXT NOT NULL,
    subject_type TEXT NOT NULL,
    subject_id   TEXT NOT NULL,
    outcome      TEXT NOT NULL,
    detail       TEXT NOT NULL DEFAULT '',
    backup_id    TEXT NOT NULL DEFAULT '',
    digest       BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_entries(actor, seq);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_entries(ts);

CREATE TRIGGER IF NOT EXISTS audit_entries_no_update
BEFORE UPDATE ON audit_entries
BEGIN
    SELECT RAISE(ABORT, 'audit entries are append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_entries_no_delete
BEFORE DELETE ON audit_entries
BEGIN
    SELECT RAISE(ABORT, 'audit entries are append-only');
END;
`,
	// 2: opaque business records
	`
CREATE TABLE IF NOT EXISTS records (
    kind       TEXT NOT NULL,
    id         TEXT NOT NULL,
    body       BLOB NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (kind, id)
);
`,
}
