// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/techsvc/internal/security/audit"
)

// DefaultAlertCapacity is how many alerts the monitor keeps.
const DefaultAlertCapacity = 128

// Alert is one raised operational failure.
type Alert struct {
	Time    time.Time `json:"time"`
	Source  string    `json:"source"`
	Op      string    `json:"op"`
	Message string    `json:"message"`
}

// Monitor keeps the most recent alerts in a ring. It is safe for
// concurrent use; Raise never blocks on I/O.
type Monitor struct {
	mu      sync.Mutex
	ring    []Alert
	next    int
	full    bool
	total   uint64
	started time.Time

	logger *zap.Logger
	now    func() time.Time
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorLogger sets the logger alerts are written to.
func WithMonitorLogger(l *zap.Logger) MonitorOption {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMonitorClock overrides the time source.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonitor returns a monitor holding up to capacity alerts.
func NewMonitor(capacity int, opts ...MonitorOption) *Monitor {
	if capacity < 1 {
		capacity = DefaultAlertCapacity
	}
	m := &Monitor{
		ring:   make([]Alert, capacity),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.started = m.now()
	return m
}

// Raise records an alert. The oldest alert is dropped when the ring is
// full.
func (m *Monitor) Raise(source, op string, err error) {
	msg := "unknown failure"
	if err != nil {
		msg = err.Error()
	}
	m.logger.Error("operational alert",
		zap.String("source", source),
		zap.String("op", op),
		zap.String("error", msg))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ring[m.next] = Alert{Time: m.now().UTC(), Source: source, Op: op, Message: msg}
	m.next = (m.next + 1) % len(m.ring)
	if m.next == 0 {
		m.full = true
	}
	m.total++
}

// AuditFailure adapts Raise to audit.FailureCallback.
func (m *Monitor) AuditFailure(ev audit.Event, err error) {
	m.Raise("audit", string(ev.Action), err)
}

// BackupFailure adapts Raise to backup.FailureCallback.
func (m *Monitor) BackupFailure(op string, err error) {
	m.Raise("backup", op, err)
}

// Alerts returns the outstanding alerts, newest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	if m.full {
		n = len(m.ring)
	}
	out := make([]Alert, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, m.ring[(m.next-i+len(m.ring))%len(m.ring)])
	}
	return out
}

// Healthy reports whether no alert is outstanding.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next == 0 && !m.full
}

// Total is the number of alerts raised since start, including dropped ones.
func (m *Monitor) Total() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Clear acknowledges every outstanding alert.
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.ring)
	m.next = 0
	m.full = false
}

// Uptime is the time since the monitor was created.
func (m *Monitor) Uptime() time.Duration {
	return m.now().Sub(m.started)
}
