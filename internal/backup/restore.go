// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backup

import (
	"bufio"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/techsvc/internal/security/audit"
	"github.com/jeranaias/techsvc/internal/store"
	"github.com/jeranaias/techsvc/internal/util"
)

// Restorer verifies backups and replays them. *Engine implements it.
type Restorer interface {
	Verify(ctx context.Context, id string) (Record, error)
	Restore(ctx context.Context, id, target string) (RestoreResult, error)
}

var _ Restorer = (*Engine)(nil)

// =============================================================================
// VERIFY
// =============================================================================

// Verify recomputes the payload digest and records the outcome. A missing
// or altered payload marks the record failed and returns ErrCorruptBackup.
// The live store is never touched.
func (e *Engine) Verify(ctx context.Context, id string) (Record, error) {
	release := e.use(id)
	defer release()
	return e.verify(ctx, id)
}

func (e *Engine) verify(ctx context.Context, id string) (Record, error) {
	rec, err := e.catalog.Get(id)
	if err != nil {
		return Record{}, err
	}

	digest, herr := e.hashPayload(ctx, rec)
	var verr error
	switch {
	case herr == nil && digest == rec.Digest:
	case herr == nil:
		verr = fmt.Errorf("%w: %s: digest %s, expected %s", ErrCorruptBackup, id, digest, rec.Digest)
	case errors.Is(herr, os.ErrNotExist):
		verr = fmt.Errorf("%w: %s: payload missing", ErrCorruptBackup, id)
	default:
		// Cancellation or a read error says nothing about the payload.
		err := fmt.Errorf("verify %s: %w", id, herr)
		e.report("verify", err)
		return rec, err
	}

	now := e.now().UTC()
	status := StatusVerified
	if verr != nil {
		status = StatusFailed
	}
	updated, err := e.catalog.Update(id, func(r *Record) {
		r.Status = status
		r.LastVerifiedAt = &now
	})
	if err != nil {
		return rec, errors.Join(verr, err)
	}

	ev := audit.Event{
		Actor:    actorFrom(ctx),
		Action:   audit.ActionBackupVerified,
		Subject:  backupSubject(id),
		BackupID: id,
	}
	if verr != nil {
		ev.Outcome = audit.OutcomeFailure
		ev.Detail = verr.Error()
		e.report("verify", verr)
	}
	if _, aerr := e.audit.Append(context.WithoutCancel(ctx), ev); aerr != nil {
		return updated, errors.Join(verr, aerr)
	}
	if verr != nil {
		return updated, verr
	}
	e.logger.Info("backup verified", zap.String("id", id))
	return updated, nil
}

// hashPayload digests the stored payload, checking ctx between reads.
func (e *Engine) hashPayload(ctx context.Context, r Record) (string, error) {
	f, err := os.Open(e.PayloadPath(r))
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: f}); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ctxReader fails reads once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// =============================================================================
// RESTORE
// =============================================================================

// RestoreResult summarizes a completed restore.
type RestoreResult struct {
	BackupID      string           `json:"backup_id"`
	Target        string           `json:"target"`
	SchemaVersion int              `json:"schema_version"`
	SourceMarker  string           `json:"source_marker"`
	Tables        int              `json:"tables"`
	Rows          map[string]int64 `json:"rows"`
	Duration      time.Duration    `json:"duration"`
}

// Restore verifies a backup and replays it into a new database file at
// target. Replay goes to <target>.staging, which is renamed to target only
// once the end trailer has been reached and matched. target must not exist
// and must not be the live store. Cutting over to the restored file is the
// caller's job.
func (e *Engine) Restore(ctx context.Context, id, target string) (RestoreResult, error) {
	e.mu.Lock()
	if e.restoring[id] {
		e.mu.Unlock()
		return RestoreResult{}, fmt.Errorf("%w: %s is already being restored", ErrInUse, id)
	}
	e.restoring[id] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.restoring, id)
		e.mu.Unlock()
	}()
	release := e.use(id)
	defer release()

	start := time.Now()
	res, err := e.restore(ctx, id, target)

	ev := audit.Event{
		Actor:    actorFrom(ctx),
		Action:   audit.ActionRestorePerformed,
		Subject:  backupSubject(id),
		BackupID: id,
		Detail:   "target=" + target,
	}
	if err != nil {
		ev.Outcome = audit.OutcomeFailure
		ev.Detail = err.Error()
		e.report("restore", err)
	}
	if _, aerr := e.audit.Append(context.WithoutCancel(ctx), ev); aerr != nil {
		if err == nil {
			// An unaudited restore is not handed to the caller.
			os.Remove(res.Target)
		}
		return RestoreResult{}, errors.Join(err, aerr)
	}
	if err != nil {
		return RestoreResult{}, err
	}

	res.Duration = time.Since(start)
	e.logger.Info("backup restored",
		zap.String("id", id),
		zap.String("target", res.Target),
		zap.Int("tables", res.Tables),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func (e *Engine) restore(ctx context.Context, id, target string) (RestoreResult, error) {
	target, err := e.checkTarget(target)
	if err != nil {
		return RestoreResult{}, err
	}
	rec, err := e.verify(ctx, id)
	if err != nil {
		return RestoreResult{}, err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
		return RestoreResult{}, fmt.Errorf("%w: create target directory: %v", ErrIOFailure, err)
	}
	staging := target + ".staging"
	removeStaging := func() {
		os.Remove(staging)
		os.Remove(staging + "-journal")
	}
	removeStaging()

	db, err := store.OpenStaging(ctx, staging)
	if err != nil {
		return RestoreResult{}, err
	}
	dbOpen := true
	done := false
	defer func() {
		if dbOpen {
			db.Close()
		}
		if !done {
			removeStaging()
		}
	}()

	f, err := os.Open(e.PayloadPath(rec))
	if err != nil {
		return RestoreResult{}, fmt.Errorf("%w: open payload: %v", ErrIOFailure, err)
	}
	defer f.Close()

	fr, err := newFrameReader(bufio.NewReader(&ctxReader{ctx: ctx, r: f}))
	if err != nil {
		return RestoreResult{}, err
	}
	defer fr.close()

	res, err := e.replay(ctx, db, fr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return RestoreResult{}, fmt.Errorf("restore cancelled: %w", errors.Join(ctxErr, err))
		}
		return RestoreResult{}, err
	}

	dbOpen = false
	if err := db.Close(); err != nil {
		return RestoreResult{}, fmt.Errorf("%w: close staging database: %v", ErrIOFailure, err)
	}
	if err := util.PublishFile(staging, target); err != nil {
		return RestoreResult{}, fmt.Errorf("%w: publish restored database: %v", ErrIOFailure, err)
	}
	done = true

	res.BackupID = id
	res.Target = target
	return res, nil
}

// checkTarget resolves target and rejects existing files and the live
// store.
func (e *Engine) checkTarget(target string) (string, error) {
	if strings.TrimSpace(target) == "" {
		return "", fmt.Errorf("%w: target path is empty", ErrInvalidTarget)
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if live := e.st.Path(); live != "" {
		if liveAbs, err := filepath.Abs(live); err == nil && liveAbs == abs {
			return "", fmt.Errorf("%w: refusing to restore over the live store", ErrInvalidTarget)
		}
	}
	if _, err := os.Stat(abs); err == nil {
		return "", fmt.Errorf("%w: %s already exists", ErrInvalidTarget, abs)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: stat target: %v", ErrIOFailure, err)
	}
	return abs, nil
}

// replay loads a frame stream into db in one transaction. Tables are
// created as they arrive; indexes, views and triggers are created after
// the rows, once the trailer has been matched.
func (e *Engine) replay(ctx context.Context, db *sql.DB, fr *frameReader) (RestoreResult, error) {
	hdr, err := fr.readHeader()
	if err != nil {
		return RestoreResult{}, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return RestoreResult{}, store.Classify(err)
	}
	defer tx.Rollback()

	var (
		deferred []*schemaObject
		stmt     *sql.Stmt
		table    string
		objects  int
		counts   = make(map[string]int64)
	)
	defer func() {
		if stmt != nil {
			stmt.Close()
		}
	}()

	for n := 1; ; n++ {
		if n%e.cfg.ChunkRows == 0 {
			if err := ctx.Err(); err != nil {
				return RestoreResult{}, err
			}
		}
		f, err := fr.next()
		if err != nil {
			return RestoreResult{}, err
		}

		switch f.Kind {
		case frameObject:
			if f.Object == nil {
				return RestoreResult{}, fmt.Errorf("%w: empty schema frame", ErrRestoreIncomplete)
			}
			objects++
			if f.Object.Type != "table" {
				deferred = append(deferred, f.Object)
				continue
			}
			if _, err := tx.ExecContext(ctx, f.Object.SQL); err != nil {
				return RestoreResult{}, fmt.Errorf("%w: create table %s: %v", ErrRestoreIncomplete, f.Object.Name, err)
			}

		case frameTable:
			if f.Table == nil || len(f.Table.Columns) == 0 {
				return RestoreResult{}, fmt.Errorf("%w: empty table frame", ErrRestoreIncomplete)
			}
			if stmt != nil {
				stmt.Close()
			}
			stmt, err = tx.PrepareContext(ctx, insertSQL(f.Table))
			if err != nil {
				stmt = nil
				return RestoreResult{}, fmt.Errorf("%w: prepare %s: %v", ErrRestoreIncomplete, f.Table.Name, err)
			}
			table = f.Table.Name
			counts[table] = 0

		case frameRow:
			if stmt == nil {
				return RestoreResult{}, fmt.Errorf("%w: row before table", ErrRestoreIncomplete)
			}
			if _, err := stmt.ExecContext(ctx, f.Values...); err != nil {
				return RestoreResult{}, fmt.Errorf("%w: insert into %s: %v", ErrRestoreIncomplete, table, err)
			}
			counts[table]++

		case frameEnd:
			if err := checkTrailer(f.Trailer, objects, counts); err != nil {
				return RestoreResult{}, err
			}
			for _, o := range deferred {
				if _, err := tx.ExecContext(ctx, o.SQL); err != nil {
					return RestoreResult{}, fmt.Errorf("%w: create %s %s: %v", ErrRestoreIncomplete, o.Type, o.Name, err)
				}
			}
			// PRAGMA does not accept bound parameters
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", hdr.SchemaVersion)); err != nil {
				return RestoreResult{}, fmt.Errorf("%w: set schema version: %v", ErrRestoreIncomplete, err)
			}
			if err := tx.Commit(); err != nil {
				return RestoreResult{}, fmt.Errorf("%w: commit: %v", ErrRestoreIncomplete, err)
			}
			return RestoreResult{
				SchemaVersion: hdr.SchemaVersion,
				SourceMarker:  hdr.SourceMarker,
				Tables:        len(counts),
				Rows:          counts,
			}, nil

		default:
			return RestoreResult{}, fmt.Errorf("%w: unexpected frame kind %d", ErrRestoreIncomplete, f.Kind)
		}
	}
}

func checkTrailer(t *streamTrailer, objects int, counts map[string]int64) error {
	if t == nil {
		return fmt.Errorf("%w: empty end marker", ErrRestoreIncomplete)
	}
	if t.Objects != objects {
		return fmt.Errorf("%w: %d schema objects, end marker says %d", ErrRestoreIncomplete, objects, t.Objects)
	}
	if len(t.Rows) != len(counts) {
		return fmt.Errorf("%w: %d tables, end marker says %d", ErrRestoreIncomplete, len(counts), len(t.Rows))
	}
	for name, want := range t.Rows {
		if got, ok := counts[name]; !ok || got != want {
			return fmt.Errorf("%w: table %s has %d rows, end marker says %d", ErrRestoreIncomplete, name, got, want)
		}
	}
	return nil
}

func insertSQL(t *tableStart) string {
	cols := make([]string, len(t.Columns))
	marks := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = store.QuoteIdent(c)
		marks[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		store.QuoteIdent(t.Name), strings.Join(cols, ", "), strings.Join(marks, ", "))
}
