// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backup

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeranaias/techsvc/internal/security/audit"
	"github.com/jeranaias/techsvc/internal/store"
	"github.com/jeranaias/techsvc/internal/util"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config controls where snapshots go and how they are produced and kept.
type Config struct {
	// Dir holds the catalog, payloads and temp files.
	Dir string

	// SnapshotTimeout bounds the wait for a consistent read transaction.
	SnapshotTimeout time.Duration

	// ChunkRows is how many rows are processed between cancellation checks.
	ChunkRows int

	// MinFreeBytes is the free space required before a backup starts.
	MinFreeBytes uint64

	Retention map[Class]RetentionRule
}

// DefaultConfig returns the shipped defaults for dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		SnapshotTimeout: 10 * time.Second,
		ChunkRows:       500,
		MinFreeBytes:    64 << 20,
		Retention: map[Class]RetentionRule{
			ClassDaily:   {Keep: 7, MaxAge: 8 * 24 * time.Hour},
			ClassWeekly:  {Keep: 4, MaxAge: 35 * 24 * time.Hour},
			ClassMonthly: {Keep: 12, MaxAge: 366 * 24 * time.Hour},
			ClassManual:  {Keep: 0, MaxAge: 0},
		},
	}
}

// Validate rejects unusable settings.
func (c Config) Validate() error {
	switch {
	case c.Dir == "":
		return errors.New("backup directory is required")
	case c.SnapshotTimeout <= 0:
		return errors.New("backup snapshot timeout must be positive")
	case c.ChunkRows < 1:
		return errors.New("backup chunk_rows must be at least 1")
	}
	for class, rule := range c.Retention {
		if !class.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidClass, class)
		}
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("retention %s: %w", class, err)
		}
	}
	return nil
}

// =============================================================================
// ENGINE
// =============================================================================

// FailureCallback is told about every failed backup, verify, restore or
// retention pass so it can raise an operational alert.
type FailureCallback func(op string, err error)

// Engine creates, catalogs, verifies, restores and expires snapshots.
type Engine struct {
	cfg     Config
	st      *store.Store
	audit   *audit.Log
	catalog *Catalog
	logger  *zap.Logger
	now     func() time.Time

	freeSpace func(path string) (uint64, error)

	// publish serializes catalog publication and retention.
	publish chan struct{}

	mu        sync.Mutex
	onFailure FailureCallback
	inUse     map[string]int
	restoring map[string]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithFailureCallback sets the failure callback.
func WithFailureCallback(cb FailureCallback) Option {
	return func(e *Engine) { e.onFailure = cb }
}

// Open prepares the backup directory and opens its catalog. Leftover temp
// files and payloads without a catalog record are removed.
func Open(cfg Config, st *store.Store, log *audit.Log, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:       cfg,
		st:        st,
		audit:     log,
		logger:    zap.NewNop(),
		now:       time.Now,
		freeSpace: util.FreeSpace,
		publish:   make(chan struct{}, 1),
		inUse:     make(map[string]int),
		restoring: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, dir := range []string{e.payloadDir(), e.tmpDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("%w: create %s: %v", ErrIOFailure, dir, err)
		}
	}
	catalog, err := OpenCatalog(filepath.Join(cfg.Dir, "catalog.db"))
	if err != nil {
		return nil, err
	}
	e.catalog = catalog
	e.sweepOrphans()
	return e, nil
}

// SetFailureCallback replaces the failure callback.
func (e *Engine) SetFailureCallback(cb FailureCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFailure = cb
}

// Close closes the catalog.
func (e *Engine) Close() error { return e.catalog.Close() }

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) payloadDir() string { return filepath.Join(e.cfg.Dir, "payload") }
func (e *Engine) tmpDir() string     { return filepath.Join(e.cfg.Dir, "tmp") }

// PayloadPath returns where a record's payload lives.
func (e *Engine) PayloadPath(r Record) string {
	return filepath.Join(e.payloadDir(), r.Payload)
}

func (e *Engine) report(op string, err error) {
	e.logger.Error("backup operation failed", zap.String("op", op), zap.Error(err))
	e.mu.Lock()
	cb := e.onFailure
	e.mu.Unlock()
	if cb != nil {
		cb(op, err)
	}
}

// sweepOrphans removes files a crash may have left behind.
func (e *Engine) sweepOrphans() {
	if entries, err := os.ReadDir(e.tmpDir()); err == nil {
		for _, ent := range entries {
			os.Remove(filepath.Join(e.tmpDir(), ent.Name()))
		}
	}
	recs, err := e.catalog.List()
	if err != nil {
		e.logger.Warn("could not list catalog for orphan sweep", zap.Error(err))
		return
	}
	known := make(map[string]bool, len(recs))
	for _, r := range recs {
		known[r.Payload] = true
	}
	entries, err := os.ReadDir(e.payloadDir())
	if err != nil {
		return
	}
	for _, ent := range entries {
		if !known[ent.Name()] && strings.HasSuffix(ent.Name(), ".snap.gz") {
			e.logger.Warn("removing unpublished payload", zap.String("file", ent.Name()))
			os.Remove(filepath.Join(e.payloadDir(), ent.Name()))
		}
	}
}

// acquirePublish takes the publication slot, bounded by ctx.
func (e *Engine) acquirePublish(ctx context.Context) (func(), error) {
	select {
	case e.publish <- struct{}{}:
		return func() { <-e.publish }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for catalog: %w", store.ErrBusy, ctx.Err())
	}
}

// use marks id as in use so retention will not purge it.
func (e *Engine) use(id string) func() {
	e.mu.Lock()
	e.inUse[id]++
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		if e.inUse[id]--; e.inUse[id] <= 0 {
			delete(e.inUse, id)
		}
		e.mu.Unlock()
	}
}

func (e *Engine) isInUse(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inUse[id] > 0
}

// =============================================================================
// ACTORS
// =============================================================================

type actorKey struct{}

// WithActor attaches the acting account to ctx for audit entries. Without
// it, operations are attributed to the system.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return audit.SystemActor
}

func backupSubject(id string) audit.Subject {
	return audit.Subject{Type: "backup", ID: id}
}

// =============================================================================
// CREATE
// =============================================================================

// CreateBackup snapshots the store into a new unverified record of class.
// No record or payload is visible unless every step succeeds.
func (e *Engine) CreateBackup(ctx context.Context, class Class) (Record, error) {
	if !class.Valid() {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidClass, class)
	}
	rec, err := e.createBackup(ctx, class)
	if err == nil {
		return rec, nil
	}

	e.report("create", err)
	if !errors.Is(err, audit.ErrAuditWrite) {
		_, aerr := e.audit.Append(context.WithoutCancel(ctx), audit.Event{
			Actor:   actorFrom(ctx),
			Action:  audit.ActionBackupCreated,
			Subject: audit.Subject{Type: "backup_class", ID: string(class)},
			Outcome: audit.OutcomeFailure,
			Detail:  err.Error(),
		})
		if aerr != nil {
			err = errors.Join(err, aerr)
		}
	}
	return Record{}, err
}

func (e *Engine) createBackup(ctx context.Context, class Class) (Record, error) {
	free, err := e.freeSpace(e.cfg.Dir)
	if err != nil {
		return Record{}, fmt.Errorf("%w: check free space: %v", ErrIOFailure, err)
	}
	if free < e.cfg.MinFreeBytes {
		return Record{}, fmt.Errorf("%w: %d bytes free, %d required", ErrInsufficientSpace, free, e.cfg.MinFreeBytes)
	}

	snap, closeSnap, err := e.openSnapshot(ctx)
	if err != nil {
		return Record{}, err
	}
	defer closeSnap()

	version, err := snap.SchemaVersion(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("%w: read schema version: %w", store.ErrStoreUnavailable, err)
	}
	seq, err := audit.HeadSeq(ctx, snap.Tx())
	if err != nil {
		return Record{}, fmt.Errorf("%w: read audit head: %w", store.ErrStoreUnavailable, err)
	}

	rec := Record{
		ID:            uuid.NewString(),
		CreatedAt:     e.now().UTC(),
		SchemaVersion: version,
		SourceMarker:  sourceMarker(version, seq),
		Compression:   CompressionGzip,
		Class:         class,
		Status:        StatusUnverified,
	}

	tmp, err := os.CreateTemp(e.tmpDir(), rec.ID+"-*.partial")
	if err != nil {
		return Record{}, fmt.Errorf("%w: create temp file: %v", ErrIOFailure, err)
	}
	tmpPath := tmp.Name()
	moved := false
	defer func() {
		tmp.Close()
		if !moved {
			os.Remove(tmpPath)
		}
	}()

	h := sha256.New()
	cw := &countingWriter{}
	bw := bufio.NewWriterSize(io.MultiWriter(tmp, h, cw), 64<<10)
	fw := newFrameWriter(bw)
	if err := e.stream(ctx, snap, fw, rec); err != nil {
		return Record{}, err
	}
	if err := fw.close(); err != nil {
		return Record{}, fmt.Errorf("%w: finish snapshot: %v", ErrIOFailure, err)
	}
	if err := bw.Flush(); err != nil {
		return Record{}, fmt.Errorf("%w: flush snapshot: %v", ErrIOFailure, err)
	}
	if err := tmp.Sync(); err != nil {
		return Record{}, fmt.Errorf("%w: sync snapshot: %v", ErrIOFailure, err)
	}
	if err := tmp.Close(); err != nil {
		return Record{}, fmt.Errorf("%w: close snapshot: %v", ErrIOFailure, err)
	}
	// The read transaction is no longer needed once the stream is on disk.
	snap.Close()

	rec.Digest = hex.EncodeToString(h.Sum(nil))
	rec.Size = cw.n
	rec.Payload = PayloadName(rec.Digest)

	release, err := e.acquirePublish(ctx)
	if err != nil {
		return Record{}, err
	}
	defer release()

	final := e.PayloadPath(rec)
	moved = true
	if err := util.PublishFile(tmpPath, final); err != nil {
		os.Remove(final)
		return Record{}, fmt.Errorf("%w: publish payload: %v", ErrIOFailure, err)
	}
	if err := e.catalog.Put(rec); err != nil {
		os.Remove(final)
		return Record{}, err
	}
	if _, err := e.audit.Append(ctx, audit.Event{
		Actor:    actorFrom(ctx),
		Action:   audit.ActionBackupCreated,
		Subject:  backupSubject(rec.ID),
		BackupID: rec.ID,
		Detail:   fmt.Sprintf("class=%s size=%d", class, rec.Size),
	}); err != nil {
		// An unaudited backup must not stay published.
		if derr := e.catalog.Delete(rec.ID); derr != nil {
			err = errors.Join(err, derr)
		}
		os.Remove(final)
		return Record{}, err
	}

	e.logger.Info("backup created",
		zap.String("id", rec.ID),
		zap.String("class", string(class)),
		zap.Int64("size", rec.Size),
		zap.String("marker", rec.SourceMarker))
	return rec, nil
}

// openSnapshot acquires a read transaction within SnapshotTimeout. The
// timer only bounds acquisition; once held, the snapshot lives until the
// returned release func is called.
func (e *Engine) openSnapshot(ctx context.Context) (*store.Snapshot, func(), error) {
	txCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(e.cfg.SnapshotTimeout, cancel)

	snap, err := e.st.Snapshot(txCtx)
	inTime := timer.Stop()
	if err == nil && inTime {
		return snap, func() {
			snap.Close()
			cancel()
		}, nil
	}
	if snap != nil {
		snap.Close()
	}
	cancel()
	if !inTime {
		return nil, nil, fmt.Errorf("%w: %w: snapshot not acquired within %s", store.ErrStoreUnavailable, store.ErrBusy, e.cfg.SnapshotTimeout)
	}
	if errors.Is(err, store.ErrStoreUnavailable) {
		return nil, nil, err
	}
	return nil, nil, fmt.Errorf("%w: open snapshot: %w", store.ErrStoreUnavailable, err)
}

// stream writes the snapshot frames for every schema object and table.
func (e *Engine) stream(ctx context.Context, snap *store.Snapshot, fw *frameWriter, rec Record) error {
	if err := fw.header(rec.SchemaVersion, rec.CreatedAt, rec.SourceMarker); err != nil {
		return fmt.Errorf("%w: write header: %v", ErrIOFailure, err)
	}
	objs, err := snap.Objects(ctx)
	if err != nil {
		return fmt.Errorf("%w: list schema: %w", store.ErrStoreUnavailable, err)
	}
	for _, o := range objs {
		if err := fw.object(o); err != nil {
			return fmt.Errorf("%w: write schema: %v", ErrIOFailure, err)
		}
	}
	for _, o := range objs {
		if o.Type != "table" {
			continue
		}
		if err := e.streamTable(ctx, snap, fw, o); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) streamTable(ctx context.Context, snap *store.Snapshot, fw *frameWriter, table store.SchemaObject) error {
	rows, err := snap.Rows(ctx, table)
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", store.ErrStoreUnavailable, table.Name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("%w: read %s columns: %v", store.ErrStoreUnavailable, table.Name, err)
	}
	if err := fw.table(table.Name, cols); err != nil {
		return fmt.Errorf("%w: write table: %v", ErrIOFailure, err)
	}

	n := 0
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("%w: scan %s: %v", store.ErrStoreUnavailable, table.Name, err)
		}
		if err := fw.row(values); err != nil {
			return fmt.Errorf("%w: write row: %v", ErrIOFailure, err)
		}
		if n++; n%e.cfg.ChunkRows == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("backup cancelled: %w", err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("backup cancelled: %w", ctxErr)
		}
		return fmt.Errorf("%w: read %s: %w", store.ErrStoreUnavailable, table.Name, store.Classify(err))
	}
	return nil
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// =============================================================================
// CATALOG ACCESS
// =============================================================================

// List returns every record, newest first.
func (e *Engine) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.catalog.List()
}

// Get returns one record.
func (e *Engine) Get(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	return e.catalog.Get(id)
}

// LastBackups returns the creation time of the newest non-failed record
// per class. The scheduler plans from it.
func (e *Engine) LastBackups(ctx context.Context) (map[Class]time.Time, error) {
	recs, err := e.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[Class]time.Time)
	for _, r := range recs {
		if r.Status == StatusFailed {
			continue
		}
		if _, seen := out[r.Class]; !seen {
			out[r.Class] = r.CreatedAt
		}
	}
	return out, nil
}

// =============================================================================
// RETENTION
// =============================================================================

// ApplyRetention purges records past their class's keep count or age. The
// newest non-failed record of each class and records in use by a verify
// or restore are never purged. It returns what was purged.
func (e *Engine) ApplyRetention(ctx context.Context) ([]Record, error) {
	release, err := e.acquirePublish(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	recs, err := e.catalog.List()
	if err != nil {
		e.report("retention", err)
		return nil, err
	}

	byClass := make(map[Class][]Record)
	refs := make(map[string]int)
	for _, r := range recs {
		byClass[r.Class] = append(byClass[r.Class], r)
		refs[r.Payload]++
	}

	now := e.now()
	var (
		purged []Record
		errs   []error
	)
	for _, class := range Classes {
		rule, ok := e.cfg.Retention[class]
		if !ok || (rule.Keep == 0 && rule.MaxAge == 0) {
			continue
		}
		list := byClass[class]
		floor := ""
		for _, r := range list {
			if r.Status != StatusFailed {
				floor = r.ID
				break
			}
		}

		for i, r := range list {
			reason := ""
			switch {
			case rule.Keep > 0 && i >= rule.Keep:
				reason = fmt.Sprintf("beyond keep=%d", rule.Keep)
			case rule.MaxAge > 0 && now.Sub(r.CreatedAt) > rule.MaxAge:
				reason = fmt.Sprintf("older than %s", rule.MaxAge)
			}
			if reason == "" || r.ID == floor || e.isInUse(r.ID) {
				continue
			}
			if err := e.purge(ctx, r, reason, refs); err != nil {
				errs = append(errs, err)
				continue
			}
			purged = append(purged, r)
		}
	}

	err = errors.Join(errs...)
	if err != nil {
		e.report("retention", err)
	}
	if len(purged) > 0 {
		e.logger.Info("retention applied", zap.Int("purged", len(purged)))
	}
	return purged, err
}

// purge removes one record. The catalog entry is restored if the purge
// cannot be audited; the payload goes only after the audit succeeds.
func (e *Engine) purge(ctx context.Context, r Record, reason string, refs map[string]int) error {
	if err := e.catalog.Delete(r.ID); err != nil {
		return err
	}
	if _, err := e.audit.Append(ctx, audit.Event{
		Actor:    actorFrom(ctx),
		Action:   audit.ActionBackupPurged,
		Subject:  backupSubject(r.ID),
		BackupID: r.ID,
		Detail:   fmt.Sprintf("class=%s %s", r.Class, reason),
	}); err != nil {
		if perr := e.catalog.Put(r); perr != nil {
			err = errors.Join(err, perr)
		}
		return err
	}

	if refs[r.Payload]--; refs[r.Payload] <= 0 {
		if err := os.Remove(e.PayloadPath(r)); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("could not remove purged payload", zap.String("id", r.ID), zap.Error(err))
		}
	}
	e.logger.Info("backup purged", zap.String("id", r.ID), zap.String("class", string(r.Class)), zap.String("reason", reason))
	return nil
}
