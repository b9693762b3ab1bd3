// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Snapshot is a read transaction that observes the store at one point in
// time. It must be released with Close.
type Snapshot struct {
	tx *sql.Tx
}

// SchemaObject is one entry of sqlite_master.
type SchemaObject struct {
	Type    string // table, index, trigger, view
	Name    string
	Table   string
	SQL     string
	NoRowID bool
}

// Snapshot opens a consistent read transaction. The first statement pins
// the WAL read mark, so everything read through the snapshot afterwards
// reflects the same committed state.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	tx, err := s.reader.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	var n int
	if err := tx.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master").Scan(&n); err != nil {
		tx.Rollback()
		return nil, classify(err)
	}
	return &Snapshot{tx: tx}, nil
}

// Tx exposes the underlying read transaction.
func (sn *Snapshot) Tx() *sql.Tx { return sn.tx }

// Close releases the snapshot.
func (sn *Snapshot) Close() error {
	if err := sn.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return err
	}
	return nil
}

// SchemaVersion returns the snapshot's PRAGMA user_version.
func (sn *Snapshot) SchemaVersion(ctx context.Context) (int, error) {
	return SchemaVersionOf(ctx, sn.tx)
}

// Objects lists user schema objects, tables first, in creation order.
// Internal sqlite_* objects and auto-indexes are skipped.
func (sn *Snapshot) Objects(ctx context.Context) ([]SchemaObject, error) {
	rows, err := sn.tx.QueryContext(ctx, `
SELECT type, name, tbl_name, sql FROM sqlite_master
WHERE name NOT LIKE 'sqlite_%' AND sql IS NOT NULL
ORDER BY CASE type WHEN 'table' THEN 0 WHEN 'index' THEN 1 WHEN 'view' THEN 2 ELSE 3 END, rowid`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var objs []SchemaObject
	for rows.Next() {
		var o SchemaObject
		if err := rows.Scan(&o.Type, &o.Name, &o.Table, &o.SQL); err != nil {
			return nil, classify(err)
		}
		o.NoRowID = o.Type == "table" && strings.Contains(strings.ToUpper(o.SQL), "WITHOUT ROWID")
		objs = append(objs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return objs, nil
}

// Rows streams every row of table in a stable order.
func (sn *Snapshot) Rows(ctx context.Context, table SchemaObject) (*sql.Rows, error) {
	q := "SELECT * FROM " + QuoteIdent(table.Name)
	if !table.NoRowID {
		q += " ORDER BY rowid"
	}
	rows, err := sn.tx.QueryContext(ctx, q)
	if err != nil {
		return nil, classify(err)
	}
	return rows, nil
}

// QuoteIdent quotes an SQL identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QueryOne runs a single-value query inside the snapshot.
func (sn *Snapshot) QueryOne(ctx context.Context, query string, dest any) error {
	if err := sn.tx.QueryRowContext(ctx, query).Scan(dest); err != nil {
		return fmt.Errorf("snapshot query: %w", classify(err))
	}
	return nil
}
