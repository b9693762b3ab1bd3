// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jeranaias/techsvc/internal/store"
)

// Problem classifies the first integrity violation found.
type Problem string

const (
	ProblemNone     Problem = ""
	ProblemMismatch Problem = "digest_mismatch"
	ProblemGap      Problem = "missing_entry"
)

// Report is the result of a chain verification.
type Report struct {
	From     uint64  `json:"from"`
	To       uint64  `json:"to"`
	Checked  uint64  `json:"checked"`
	Intact   bool    `json:"intact"`
	FirstBad uint64  `json:"first_bad,omitempty"`
	Problem  Problem `json:"problem,omitempty"`
}

// VerifyChain recomputes digests over [from, to] and reports the first
// sequence number whose digest does not match or that is missing. from 0
// means 1; to 0 means the current head. Verification of a range that does
// not start at 1 is seeded with the stored digest of entry from-1.
func (l *Log) VerifyChain(ctx context.Context, from, to uint64) (Report, error) {
	if from == 0 {
		from = 1
	}
	// One read transaction so the head and the rows agree
	tx, err := l.st.Reader().BeginTx(ctx, nil)
	if err != nil {
		return Report{}, store.Classify(err)
	}
	defer tx.Rollback()

	head, _, err := headOf(ctx, tx)
	if err != nil {
		return Report{}, err
	}
	if to == 0 {
		to = head
	}
	report := Report{From: from, To: to, Intact: true}
	if to < from {
		if to == 0 && head == 0 {
			return report, nil
		}
		return Report{}, fmt.Errorf("invalid range [%d, %d]", from, to)
	}

	prev := GenesisDigest
	if from > 1 {
		err := tx.QueryRowContext(ctx, "SELECT digest FROM audit_entries WHERE seq = ?", int64(from-1)).Scan(&prev)
		if errors.Is(err, sql.ErrNoRows) {
			report.mark(from-1, ProblemGap)
			l.logBroken(report)
			return report, nil
		}
		if err != nil {
			return Report{}, store.Classify(err)
		}
	}

	rows, err := tx.QueryContext(ctx, `SELECT seq, ts, actor, action, subject_type, subject_id,
		outcome, detail, backup_id, digest FROM audit_entries
		WHERE seq >= ? AND seq <= ? ORDER BY seq`, int64(from), int64(to))
	if err != nil {
		return Report{}, store.Classify(err)
	}
	defer rows.Close()

	expected := from
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		e, err := scanEntry(rows)
		if err != nil {
			return Report{}, err
		}
		if e.Seq != expected {
			report.mark(expected, ProblemGap)
			break
		}
		want, err := l.hasher.digest(prev, &e)
		if err != nil {
			return Report{}, err
		}
		if !bytes.Equal(want, e.Digest) {
			report.mark(e.Seq, ProblemMismatch)
			break
		}
		report.Checked++
		prev = e.Digest
		expected++
	}
	if err := rows.Err(); err != nil {
		return Report{}, store.Classify(err)
	}
	if report.Intact && expected <= to {
		report.mark(expected, ProblemGap)
	}

	if !report.Intact {
		l.logBroken(report)
	}
	return report, nil
}

func (r *Report) mark(seq uint64, p Problem) {
	r.Intact = false
	r.FirstBad = seq
	r.Problem = p
}

func (l *Log) logBroken(r Report) {
	l.logger.Error("audit chain integrity violation",
		zap.Uint64("first_bad", r.FirstBad),
		zap.String("problem", string(r.Problem)),
		zap.Uint64("from", r.From),
		zap.Uint64("to", r.To))
}
