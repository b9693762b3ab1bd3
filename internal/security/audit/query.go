// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"iter"
	"strings"
	"time"

	"github.com/jeranaias/techsvc/internal/store"
)

// queryBatch is how many rows Query fetches per round trip. No read
// transaction is held while the caller consumes a batch.
const queryBatch = 256

// Filter selects entries. Zero fields match everything.
type Filter struct {
	Actor   string
	Actions []Action
	Subject *Subject
	Since   time.Time // inclusive
	Until   time.Time // exclusive
	FromSeq uint64
	ToSeq   uint64
	Limit   int
}

func (f Filter) where(afterSeq uint64) (string, []any) {
	clauses := []string{"seq > ?"}
	args := []any{int64(afterSeq)}

	if f.Actor != "" {
		clauses = append(clauses, "actor = ?")
		args = append(args, f.Actor)
	}
	if len(f.Actions) > 0 {
		marks := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			marks[i] = "?"
			args = append(args, string(a))
		}
		clauses = append(clauses, "action IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Subject != nil {
		clauses = append(clauses, "subject_type = ?")
		args = append(args, f.Subject.Type)
		if f.Subject.ID != "" {
			clauses = append(clauses, "subject_id = ?")
			args = append(args, f.Subject.ID)
		}
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "ts >= ?")
		args = append(args, store.Nanos(f.Since))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "ts < ?")
		args = append(args, store.Nanos(f.Until))
	}
	if f.ToSeq > 0 {
		clauses = append(clauses, "seq <= ?")
		args = append(args, int64(f.ToSeq))
	}
	return strings.Join(clauses, " AND "), args
}

// Query streams matching entries in ascending sequence order. Iteration
// stops at the first error, which is yielded with a zero Entry.
func (l *Log) Query(ctx context.Context, f Filter) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		after := uint64(0)
		if f.FromSeq > 1 {
			after = f.FromSeq - 1
		}
		yielded := 0
		for {
			batch, err := l.queryBatch(ctx, f, after)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, e := range batch {
				if f.Limit > 0 && yielded >= f.Limit {
					return
				}
				if !yield(e, nil) {
					return
				}
				yielded++
				after = e.Seq
			}
			if len(batch) < queryBatch {
				return
			}
		}
	}
}

func (l *Log) queryBatch(ctx context.Context, f Filter, after uint64) ([]Entry, error) {
	where, args := f.where(after)
	args = append(args, queryBatch)
	rows, err := l.st.Reader().QueryContext(ctx, `SELECT seq, ts, actor, action, subject_type,
		subject_id, outcome, detail, backup_id, digest FROM audit_entries
		WHERE `+where+` ORDER BY seq LIMIT ?`, args...)
	if err != nil {
		return nil, store.Classify(err)
	}
	defer rows.Close()

	var batch []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		batch = append(batch, e)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Classify(err)
	}
	return batch, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (Entry, error) {
	var (
		e              Entry
		seq, ts        int64
		action, result string
	)
	if err := r.Scan(&seq, &ts, &e.Actor, &action, &e.Subject.Type, &e.Subject.ID,
		&result, &e.Detail, &e.BackupID, &e.Digest); err != nil {
		return Entry{}, store.Classify(err)
	}
	e.Seq = uint64(seq)
	e.Timestamp = store.FromNanos(ts)
	e.Action = Action(action)
	e.Outcome = Outcome(result)
	return e, nil
}
