// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// SCHEDULE
// =============================================================================

// MissedPolicy decides what happens to slots that passed while the process
// was not running.
type MissedPolicy string

const (
	// MissedCatchUp runs an overdue class immediately at start.
	MissedCatchUp MissedPolicy = "catch_up"
	// MissedSkip waits for the next slot aligned to the last backup.
	MissedSkip MissedPolicy = "skip"
)

// ParseMissedPolicy validates a policy name.
func ParseMissedPolicy(s string) (MissedPolicy, error) {
	switch p := MissedPolicy(s); p {
	case MissedCatchUp, MissedSkip:
		return p, nil
	}
	return "", fmt.Errorf("unknown missed-trigger policy %q (want catch_up or skip)", s)
}

// Job backs up one class every Interval.
type Job struct {
	Class    Class
	Interval time.Duration
}

// Backupper is what the driver needs from the engine.
type Backupper interface {
	CreateBackup(ctx context.Context, class Class) (Record, error)
	ApplyRetention(ctx context.Context) ([]Record, error)
	LastBackups(ctx context.Context) (map[Class]time.Time, error)
}

// Plan returns the first due time per job given the last backup of each
// class. It is pure; the driver calls it once at start.
//
// A class with a backup runs at last+interval. If that is already past,
// catch_up runs it now and skip moves to the first aligned slot not before
// now. A class with no backup runs now under catch_up and one interval
// from now under skip.
func Plan(jobs []Job, last map[Class]time.Time, now time.Time, policy MissedPolicy) map[Class]time.Time {
	next := make(map[Class]time.Time, len(jobs))
	for _, j := range jobs {
		prev, ok := last[j.Class]
		if !ok {
			if policy == MissedCatchUp {
				next[j.Class] = now
			} else {
				next[j.Class] = now.Add(j.Interval)
			}
			continue
		}
		due := prev.Add(j.Interval)
		if !due.Before(now) {
			next[j.Class] = due
			continue
		}
		if policy == MissedCatchUp {
			next[j.Class] = now
			continue
		}
		k := (now.Sub(prev) + j.Interval - 1) / j.Interval
		next[j.Class] = prev.Add(k * j.Interval)
	}
	return next
}

// slotAfter returns the first slot from+k*interval (k >= 1) after now.
func slotAfter(from time.Time, interval time.Duration, now time.Time) time.Time {
	next := from.Add(interval)
	if next.After(now) {
		return next
	}
	k := now.Sub(from)/interval + 1
	return from.Add(k * interval)
}

// =============================================================================
// DRIVER
// =============================================================================

// Driver runs the backup jobs from a single goroutine.
type Driver struct {
	engine Backupper
	jobs   []Job
	policy MissedPolicy
	logger *zap.Logger
	now    func() time.Time

	onFailure FailureCallback
	next      map[Class]time.Time
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithDriverLogger sets the logger.
func WithDriverLogger(l *zap.Logger) DriverOption {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithDriverClock overrides the time source.
func WithDriverClock(now func() time.Time) DriverOption {
	return func(d *Driver) {
		if now != nil {
			d.now = now
		}
	}
}

// WithDriverFailureCallback reports failed runs.
func WithDriverFailureCallback(cb FailureCallback) DriverOption {
	return func(d *Driver) { d.onFailure = cb }
}

// NewDriver validates jobs and returns a driver. Jobs run in the order
// given when several are due at once.
func NewDriver(engine Backupper, jobs []Job, policy MissedPolicy, opts ...DriverOption) (*Driver, error) {
	if _, err := ParseMissedPolicy(string(policy)); err != nil {
		return nil, err
	}
	seen := make(map[Class]bool)
	for _, j := range jobs {
		if !j.Class.Valid() || j.Class == ClassManual {
			return nil, fmt.Errorf("%w: %q cannot be scheduled", ErrInvalidClass, j.Class)
		}
		if j.Interval <= 0 {
			return nil, fmt.Errorf("schedule %s: interval must be positive", j.Class)
		}
		if seen[j.Class] {
			return nil, fmt.Errorf("schedule %s: duplicate job", j.Class)
		}
		seen[j.Class] = true
	}
	d := &Driver{
		engine: engine,
		jobs:   append([]Job(nil), jobs...),
		policy: policy,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start plans the first run of every job from the catalog.
func (d *Driver) Start(ctx context.Context) error {
	last, err := d.engine.LastBackups(ctx)
	if err != nil {
		return fmt.Errorf("load backup history: %w", err)
	}
	d.next = Plan(d.jobs, last, d.now(), d.policy)
	for _, j := range d.jobs {
		d.logger.Info("backup scheduled",
			zap.String("class", string(j.Class)),
			zap.Duration("interval", j.Interval),
			zap.Time("next", d.next[j.Class]))
	}
	return nil
}

// Next returns a copy of the planned due times.
func (d *Driver) Next() map[Class]time.Time {
	out := make(map[Class]time.Time, len(d.next))
	for c, t := range d.next {
		out[c] = t
	}
	return out
}

// Tick runs every due job and plans its next slot. A failed run is
// reported and retried at the next slot. It returns the classes that ran.
func (d *Driver) Tick(ctx context.Context) ([]Class, error) {
	var (
		ran  []Class
		errs []error
	)
	for _, j := range d.jobs {
		due, ok := d.next[j.Class]
		if !ok || due.After(d.now()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return ran, err
		}
		ran = append(ran, j.Class)
		if err := d.run(ctx, j); err != nil {
			errs = append(errs, err)
		}
		d.next[j.Class] = slotAfter(due, j.Interval, d.now())
	}
	return ran, errors.Join(errs...)
}

func (d *Driver) run(ctx context.Context, j Job) error {
	rec, err := d.engine.CreateBackup(ctx, j.Class)
	if err != nil {
		d.fail("scheduled backup", fmt.Errorf("scheduled %s backup: %w", j.Class, err))
		return err
	}
	d.logger.Info("scheduled backup completed", zap.String("class", string(j.Class)), zap.String("id", rec.ID))

	if _, err := d.engine.ApplyRetention(ctx); err != nil {
		d.fail("retention", fmt.Errorf("retention after %s backup: %w", j.Class, err))
		return err
	}
	return nil
}

func (d *Driver) fail(op string, err error) {
	d.logger.Error("schedule run failed", zap.String("op", op), zap.Error(err))
	if d.onFailure != nil {
		d.onFailure(op, err)
	}
}

// earliest returns the soonest planned time.
func (d *Driver) earliest() (time.Time, bool) {
	if len(d.next) == 0 {
		return time.Time{}, false
	}
	times := make([]time.Time, 0, len(d.next))
	for _, t := range d.next {
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	return times[0], true
}

// Run plans and then sleeps until the next due time, runs it, and repeats
// until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		at, ok := d.earliest()
		if !ok {
			<-ctx.Done()
			return nil
		}
		timer.Reset(max(at.Sub(d.now()), 0))
		select {
		case <-ctx.Done():
			d.logger.Info("backup scheduler stopped")
			return nil
		case <-timer.C:
			if _, err := d.Tick(ctx); err != nil && ctx.Err() != nil {
				return nil
			}
		}
	}
}
