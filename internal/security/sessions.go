// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jeranaias/techsvc/internal/security/audit"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// SessionConfig controls session lifetimes and login throttling.
type SessionConfig struct {
	IdleTimeout     time.Duration
	AbsoluteTimeout time.Duration

	// RotationTimeout bounds rotation-only sessions, both idle and absolute.
	RotationTimeout time.Duration

	// SingleSession revokes an account's existing sessions when it logs in.
	SingleSession bool

	// LoginRate and LoginBurst throttle attempts per identifier.
	LoginRate  float64
	LoginBurst int

	// GlobalLoginRate and GlobalLoginBurst throttle all attempts together.
	GlobalLoginRate  float64
	GlobalLoginBurst int

	// TerminalRetention is how long ended sessions stay queryable in memory.
	TerminalRetention time.Duration
}

// DefaultSessionConfig returns the shipped defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		IdleTimeout:       15 * time.Minute,
		AbsoluteTimeout:   8 * time.Hour,
		RotationTimeout:   10 * time.Minute,
		SingleSession:     true,
		LoginRate:         1,
		LoginBurst:        5,
		GlobalLoginRate:   20,
		GlobalLoginBurst:  50,
		TerminalRetention: time.Hour,
	}
}

// Validate rejects out-of-range values.
func (c SessionConfig) Validate() error {
	switch {
	case c.IdleTimeout <= 0:
		return fmt.Errorf("%w: session idle timeout must be positive", ErrInvalidConfiguration)
	case c.AbsoluteTimeout < c.IdleTimeout:
		return fmt.Errorf("%w: session absolute timeout must be at least the idle timeout", ErrInvalidConfiguration)
	case c.RotationTimeout <= 0:
		return fmt.Errorf("%w: rotation session timeout must be positive", ErrInvalidConfiguration)
	case c.LoginRate <= 0 || c.LoginBurst < 1:
		return fmt.Errorf("%w: login rate and burst must be positive", ErrInvalidConfiguration)
	case c.GlobalLoginRate <= 0 || c.GlobalLoginBurst < 1:
		return fmt.Errorf("%w: global login rate and burst must be positive", ErrInvalidConfiguration)
	case c.TerminalRetention < 0:
		return fmt.Errorf("%w: terminal retention cannot be negative", ErrInvalidConfiguration)
	}
	return nil
}

// Credentials are what a user presents at login.
type Credentials struct {
	Identifier string
	Password   string
	// OTP is the current TOTP code, required once enrolled.
	OTP string
}

// =============================================================================
// SESSION MANAGER
// =============================================================================

// SessionManager issues and tracks sessions. All state transitions happen
// under one mutex, so check-then-act sequences (single-session policy,
// validate-and-refresh) are atomic.
type SessionManager struct {
	creds  *CredentialStore
	audit  *audit.Log
	cfg    SessionConfig
	store  SessionStore
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	sessions  map[string]*Session // by ID
	byAccount map[string]map[string]struct{}

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
	global   *rate.Limiter
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithSessionStore enables persistence.
func WithSessionStore(s SessionStore) SessionOption {
	return func(m *SessionManager) { m.store = s }
}

// WithSessionLogger sets the logger.
func WithSessionLogger(l *zap.Logger) SessionOption {
	return func(m *SessionManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithSessionClock overrides the time source.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(m *SessionManager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewSessionManager creates a manager and restores persisted sessions.
func NewSessionManager(creds *CredentialStore, log *audit.Log, cfg SessionConfig, opts ...SessionOption) (*SessionManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &SessionManager{
		creds:     creds,
		audit:     log,
		cfg:       cfg,
		logger:    zap.NewNop(),
		now:       time.Now,
		sessions:  make(map[string]*Session),
		byAccount: make(map[string]map[string]struct{}),
		limiters:  make(map[string]*rate.Limiter),
		global:    rate.NewLimiter(rate.Limit(cfg.GlobalLoginRate), cfg.GlobalLoginBurst),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.store != nil {
		restored, err := m.store.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("restore sessions: %w", err)
		}
		for i := range restored {
			s := restored[i]
			m.track(&s)
		}
		if len(restored) > 0 {
			m.logger.Info("sessions restored", zap.Int("count", len(restored)))
		}
	}

	creds.SetDeactivateHook(func(ctx context.Context, id, actor string) {
		if _, err := m.RevokeAll(ctx, id, actor); err != nil {
			m.logger.Error("failed to revoke sessions of deactivated account", zap.String("account", id), zap.Error(err))
		}
	})
	return m, nil
}

// Config returns the session configuration.
func (m *SessionManager) Config() SessionConfig { return m.cfg }

func (m *SessionManager) track(s *Session) {
	m.sessions[s.ID] = s
	set := m.byAccount[s.AccountID]
	if set == nil {
		set = make(map[string]struct{})
		m.byAccount[s.AccountID] = set
	}
	set[s.ID] = struct{}{}
}

func (m *SessionManager) untrack(s *Session) {
	delete(m.sessions, s.ID)
	if set := m.byAccount[s.AccountID]; set != nil {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(m.byAccount, s.AccountID)
		}
	}
}

// allowLogin applies the per-identifier and global limiters.
func (m *SessionManager) allowLogin(id string, now time.Time) bool {
	m.limMu.Lock()
	lim, ok := m.limiters[id]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(m.cfg.LoginRate), m.cfg.LoginBurst)
		m.limiters[id] = lim
	}
	m.limMu.Unlock()

	if !lim.AllowN(now, 1) {
		return false
	}
	return m.global.AllowN(now, 1)
}

// =============================================================================
// LIFECYCLE OPERATIONS
// =============================================================================

// StartSession authenticates creds and issues a session. When the password
// must be rotated it returns a rotation-only session together with
// ErrPasswordRotationRequired.
func (m *SessionManager) StartSession(ctx context.Context, creds Credentials) (*Session, error) {
	id := NormalizeIdentifier(creds.Identifier)
	if !m.allowLogin(id, m.now()) {
		m.logger.Warn("login attempt rate limited", zap.String("account", id))
		return nil, ErrRateLimited
	}

	acc, rotation, err := m.creds.Authenticate(ctx, creds)
	if err != nil {
		return nil, err
	}

	token, sid, err := newSessionToken()
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	s := &Session{
		ID:              sid,
		AccountID:       acc.ID,
		Role:            acc.Role,
		Kind:            SessionFull,
		CreatedAt:       now,
		LastActivityAt:  now,
		IdleTimeout:     m.cfg.IdleTimeout,
		AbsoluteTimeout: m.cfg.AbsoluteTimeout,
		State:           SessionActive,
	}
	if rotation {
		s.Kind = SessionRotationOnly
		s.IdleTimeout = m.cfg.RotationTimeout
		s.AbsoluteTimeout = m.cfg.RotationTimeout
	}

	m.mu.Lock()
	var auditErr error
	if m.cfg.SingleSession {
		auditErr = m.revokeAccountLocked(ctx, acc.ID, audit.SystemActor, "superseded by new login", now)
	}
	if m.store != nil {
		if err := m.store.Save(*s); err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("persist session: %w", err)
		}
	}
	m.track(s)
	out := *s
	m.mu.Unlock()

	out.Token = token
	m.logger.Info("session started",
		zap.String("account", acc.ID),
		zap.String("session", out.ShortID()),
		zap.String("kind", string(out.Kind)))

	if auditErr != nil {
		m.logger.Error("failed to audit superseded sessions", zap.Error(auditErr))
	}
	if rotation {
		return &out, ErrPasswordRotationRequired
	}
	return &out, nil
}

// Validate checks token and slides its idle deadline. It never extends a
// session past its absolute timeout.
func (m *SessionManager) Validate(ctx context.Context, token string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[tokenID(token)]
	if !ok {
		return nil, ErrSessionNotFound
	}
	switch s.State {
	case SessionRevoked:
		return nil, ErrSessionRevoked
	case SessionExpired:
		return nil, ErrSessionExpired
	}

	now := m.now().UTC()
	if reason := s.expiryReason(now); reason != "" {
		return nil, errors.Join(ErrSessionExpired, m.endLocked(ctx, s, SessionExpired, audit.SystemActor, reason, now))
	}

	acc, err := m.creds.Get(ctx, s.AccountID)
	if err != nil && !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}
	if acc == nil || !acc.Active {
		return nil, errors.Join(ErrSessionRevoked, m.endLocked(ctx, s, SessionRevoked, audit.SystemActor, "account inactive", now))
	}

	s.LastActivityAt = now
	if m.store != nil {
		if err := m.store.Save(*s); err != nil {
			m.logger.Warn("failed to persist session activity", zap.String("session", s.ShortID()), zap.Error(err))
		}
	}
	out := *s
	return &out, nil
}

// Authorize validates token and requires a full session whose role meets
// need. Denials are audited.
func (m *SessionManager) Authorize(ctx context.Context, token string, need Role) (*Session, error) {
	s, err := m.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	if s.Kind == SessionRotationOnly {
		return nil, ErrPasswordRotationRequired
	}
	if !m.creds.Roles().Allows(s.Role, need) {
		_, aerr := m.audit.Append(ctx, audit.Event{
			Actor:   s.AccountID,
			Action:  audit.ActionAccessDenied,
			Subject: audit.Subject{Type: "role", ID: string(need)},
			Outcome: audit.OutcomeFailure,
			Detail:  "role=" + string(s.Role),
		})
		return nil, errors.Join(ErrForbidden, aerr)
	}
	return s, nil
}

// ChangePassword sets a new password for the session's account from either
// a full or a rotation-only session. All of the account's sessions are
// revoked and a fresh full session is returned.
func (m *SessionManager) ChangePassword(ctx context.Context, token, newPassword string) (*Session, error) {
	s, err := m.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := m.creds.SetPassword(ctx, s.AccountID, s.AccountID, newPassword); err != nil {
		return nil, err
	}
	acc, err := m.creds.Get(ctx, s.AccountID)
	if err != nil {
		return nil, err
	}

	newToken, sid, err := newSessionToken()
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	fresh := &Session{
		ID:              sid,
		AccountID:       acc.ID,
		Role:            acc.Role,
		Kind:            SessionFull,
		CreatedAt:       now,
		LastActivityAt:  now,
		IdleTimeout:     m.cfg.IdleTimeout,
		AbsoluteTimeout: m.cfg.AbsoluteTimeout,
		State:           SessionActive,
	}

	m.mu.Lock()
	auditErr := m.revokeAccountLocked(ctx, acc.ID, acc.ID, "password changed", now)
	if m.store != nil {
		if err := m.store.Save(*fresh); err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("persist session: %w", err)
		}
	}
	m.track(fresh)
	out := *fresh
	m.mu.Unlock()

	if auditErr != nil {
		return nil, auditErr
	}
	out.Token = newToken
	return &out, nil
}

// Revoke ends one session. Revoking a terminal session is a no-op. When
// the actor owns the session the entry is a logout.
func (m *SessionManager) Revoke(ctx context.Context, token, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[tokenID(token)]
	if !ok {
		return ErrSessionNotFound
	}
	if s.State.IsTerminal() {
		return nil
	}
	reason := "revoked"
	if actor == s.AccountID {
		reason = "logout"
	}
	return m.endLocked(ctx, s, SessionRevoked, actor, reason, m.now().UTC())
}

// RevokeAll ends every active session of account and returns how many.
func (m *SessionManager) RevokeAll(ctx context.Context, account, actor string) (int, error) {
	account = NormalizeIdentifier(account)
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.activeCountLocked(account)
	return n, m.revokeAccountLocked(ctx, account, actor, "revoked", m.now().UTC())
}

func (m *SessionManager) activeCountLocked(account string) int {
	n := 0
	for sid := range m.byAccount[account] {
		if !m.sessions[sid].State.IsTerminal() {
			n++
		}
	}
	return n
}

func (m *SessionManager) revokeAccountLocked(ctx context.Context, account, actor, reason string, now time.Time) error {
	var errs []error
	for sid := range m.byAccount[account] {
		s := m.sessions[sid]
		if s.State.IsTerminal() {
			continue
		}
		errs = append(errs, m.endLocked(ctx, s, SessionRevoked, actor, reason, now))
	}
	return errors.Join(errs...)
}

// endLocked moves s to a terminal state, drops it from persistence and
// audits the transition. The state change happens even if the audit write
// fails; the error is returned to the caller.
func (m *SessionManager) endLocked(ctx context.Context, s *Session, state SessionState, actor, reason string, now time.Time) error {
	s.State = state
	s.EndedAt = now
	s.EndReason = reason

	if m.store != nil {
		if err := m.store.Delete(s.ID); err != nil {
			m.logger.Error("failed to delete ended session", zap.String("session", s.ShortID()), zap.Error(err))
		}
	}

	action := audit.ActionSessionRevoked
	switch {
	case state == SessionExpired:
		action = audit.ActionSessionExpired
	case reason == "logout":
		action = audit.ActionLogout
	}
	m.logger.Info("session ended",
		zap.String("account", s.AccountID),
		zap.String("session", s.ShortID()),
		zap.String("state", state.String()),
		zap.String("reason", reason))

	_, err := m.audit.Append(ctx, audit.Event{
		Actor:   actor,
		Action:  action,
		Subject: audit.Subject{Type: "session", ID: s.ShortID()},
		Detail:  reason,
	})
	return err
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// Sweep expires overdue sessions and forgets terminal sessions older than
// the retention window. It returns the number of sessions expired.
func (m *SessionManager) Sweep(ctx context.Context) (int, error) {
	now := m.now().UTC()

	m.mu.Lock()
	var (
		expired int
		errs    []error
	)
	for _, s := range m.sessions {
		if s.State.IsTerminal() {
			if now.Sub(s.EndedAt) >= m.cfg.TerminalRetention {
				m.untrack(s)
			}
			continue
		}
		if reason := s.expiryReason(now); reason != "" {
			errs = append(errs, m.endLocked(ctx, s, SessionExpired, audit.SystemActor, reason, now))
			expired++
		}
	}
	m.mu.Unlock()

	m.limMu.Lock()
	for id, lim := range m.limiters {
		if lim.TokensAt(now) >= float64(m.cfg.LoginBurst) {
			delete(m.limiters, id)
		}
	}
	m.limMu.Unlock()

	return expired, errors.Join(errs...)
}

// Run sweeps on interval until ctx is done.
func (m *SessionManager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.Sweep(ctx); err != nil {
				m.logger.Error("session sweep failed", zap.Error(err))
			} else if n > 0 {
				m.logger.Info("expired idle sessions", zap.Int("count", n))
			}
		}
	}
}

// Active returns copies of account's active sessions.
func (m *SessionManager) Active(account string) []Session {
	account = NormalizeIdentifier(account)
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Session
	for sid := range m.byAccount[account] {
		if s := m.sessions[sid]; !s.State.IsTerminal() {
			out = append(out, *s)
		}
	}
	return out
}

// Close releases the persistence file.
func (m *SessionManager) Close() error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}
