// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/techsvc/internal/security/audit"
	"github.com/jeranaias/techsvc/internal/store"
)

const goodPassword = "Correct-Horse1"

// testHashParams keep Argon2id cheap in tests.
var testHashParams = HashParams{Time: 1, MemoryKiB: 64, Threads: 1, KeyLen: 32}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	dir      string
	st       *store.Store
	log      *audit.Log
	creds    *CredentialStore
	sessions *SessionManager
	clock    *fakeClock
}

type envConfig struct {
	policy   Policy
	sessions SessionConfig
	store    SessionStore
}

func defaultEnvConfig() envConfig {
	p := DefaultPolicy()
	p.RequireInitialRotation = false
	sc := DefaultSessionConfig()
	sc.LoginBurst = 100
	sc.GlobalLoginBurst = 1000
	return envConfig{policy: p, sessions: sc}
}

func newTestEnv(t *testing.T, mutate ...func(*envConfig)) *testEnv {
	t.Helper()
	cfg := defaultEnvConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "techsvc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := newFakeClock()
	log := audit.New(st, audit.WithClock(clock.Now), audit.WithWriteTimeout(30*time.Second))

	engine, err := NewPolicyEngine(cfg.policy)
	require.NoError(t, err)
	creds, err := NewCredentialStore(st, log, engine,
		WithCredentialClock(clock.Now), WithHashParams(testHashParams))
	require.NoError(t, err)

	opts := []SessionOption{WithSessionClock(clock.Now)}
	if cfg.store != nil {
		opts = append(opts, WithSessionStore(cfg.store))
	}
	sessions, err := NewSessionManager(creds, log, cfg.sessions, opts...)
	require.NoError(t, err)

	return &testEnv{dir: dir, st: st, log: log, creds: creds, sessions: sessions, clock: clock}
}

func (e *testEnv) createAccount(t *testing.T, id string, role Role) {
	t.Helper()
	_, err := e.creds.CreateAccount(context.Background(), audit.SystemActor, id, id, goodPassword, role)
	require.NoError(t, err)
}

func (e *testEnv) countActions(t *testing.T, action audit.Action) int {
	t.Helper()
	n := 0
	for _, err := range e.log.Query(context.Background(), audit.Filter{Actions: []audit.Action{action}}) {
		require.NoError(t, err)
		n++
	}
	return n
}
