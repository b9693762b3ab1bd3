// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/techsvc/internal/security/audit"
	"github.com/jeranaias/techsvc/internal/store"
)

// =============================================================================
// ACCOUNT
// =============================================================================

// Account is a user of the application. Accounts are deactivated, never
// deleted, so audit entries always resolve to an account.
type Account struct {
	ID                  string     `json:"id"`
	DisplayName         string     `json:"display_name"`
	Role                Role       `json:"role"`
	MustChangePassword  bool       `json:"must_change_password"`
	FailedAttempts      int        `json:"failed_attempts"`
	ConsecutiveLockouts int        `json:"consecutive_lockouts"`
	LockedUntil         *time.Time `json:"locked_until,omitempty"`
	PasswordChangedAt   time.Time  `json:"password_changed_at"`
	CreatedAt           time.Time  `json:"created_at"`
	Active              bool       `json:"active"`
	TOTPEnabled         bool       `json:"totp_enabled"`

	passwordHash []byte
	passwordSalt []byte
	hashParams   string
	totpSecret   string
}

// IsLocked reports whether the account is locked at now.
func (a *Account) IsLocked(now time.Time) bool {
	return a.LockedUntil != nil && now.Before(*a.LockedUntil)
}

func accountSubject(id string) audit.Subject {
	return audit.Subject{Type: "account", ID: id}
}

const accountColumns = `id, display_name, role, password_hash, password_salt, hash_params,
	must_change_password, failed_attempts, consecutive_lockouts, locked_until,
	password_changed_at, created_at, active, totp_secret`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(r rowScanner) (*Account, error) {
	var (
		a                  Account
		role               string
		mustChange, active int
		lockedUntil        sql.NullInt64
		changedAt, created int64
	)
	if err := r.Scan(&a.ID, &a.DisplayName, &role, &a.passwordHash, &a.passwordSalt, &a.hashParams,
		&mustChange, &a.FailedAttempts, &a.ConsecutiveLockouts, &lockedUntil,
		&changedAt, &created, &active, &a.totpSecret); err != nil {
		return nil, err
	}
	a.Role = Role(role)
	a.MustChangePassword = mustChange != 0
	a.Active = active != 0
	a.LockedUntil = store.FromNullNanos(lockedUntil)
	a.PasswordChangedAt = store.FromNanos(changedAt)
	a.CreatedAt = store.FromNanos(created)
	a.TOTPEnabled = a.totpSecret != ""
	return &a, nil
}

var identifierPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._@-]{0,63}$`)

// NormalizeIdentifier trims and lower-cases an account identifier.
func NormalizeIdentifier(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func validateIdentifier(id string) error {
	if !identifierPattern.MatchString(id) {
		return &PolicyError{Rule: RuleIdentifier, Message: "identifier must be 1-64 characters of a-z, 0-9, '.', '_', '@' or '-'"}
	}
	return nil
}

// =============================================================================
// CREDENTIAL STORE
// =============================================================================

// CredentialStore owns accounts and their password material. Every
// mutation commits together with its audit entry.
type CredentialStore struct {
	st     *store.Store
	audit  *audit.Log
	engine *PolicyEngine
	roles  *RoleSet
	hasher *passwordHasher
	logger *zap.Logger
	now    func() time.Time

	totpIssuer string
	hashParams HashParams

	// locks serializes check-then-act sequences per account.
	locks keyedMutex

	mu           sync.RWMutex
	onDeactivate func(ctx context.Context, id, actor string)
}

// CredentialOption configures a CredentialStore.
type CredentialOption func(*CredentialStore)

// WithCredentialLogger sets the logger.
func WithCredentialLogger(l *zap.Logger) CredentialOption {
	return func(c *CredentialStore) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCredentialClock overrides the time source.
func WithCredentialClock(now func() time.Time) CredentialOption {
	return func(c *CredentialStore) {
		if now != nil {
			c.now = now
		}
	}
}

// WithHashParams sets the Argon2id parameters for new hashes.
func WithHashParams(p HashParams) CredentialOption {
	return func(c *CredentialStore) { c.hashParams = p }
}

// WithRoles sets the role hierarchy.
func WithRoles(rs *RoleSet) CredentialOption {
	return func(c *CredentialStore) {
		if rs != nil {
			c.roles = rs
		}
	}
}

// WithTOTPIssuer sets the issuer shown in authenticator apps.
func WithTOTPIssuer(issuer string) CredentialOption {
	return func(c *CredentialStore) {
		if issuer != "" {
			c.totpIssuer = issuer
		}
	}
}

// NewCredentialStore creates a credential store.
func NewCredentialStore(st *store.Store, log *audit.Log, engine *PolicyEngine, opts ...CredentialOption) (*CredentialStore, error) {
	c := &CredentialStore{
		st:         st,
		audit:      log,
		engine:     engine,
		roles:      DefaultRoles(),
		logger:     zap.NewNop(),
		now:        time.Now,
		totpIssuer: "techsvc",
		hashParams: DefaultHashParams(),
	}
	for _, opt := range opts {
		opt(c)
	}
	hasher, err := newPasswordHasher(c.hashParams)
	if err != nil {
		return nil, err
	}
	c.hasher = hasher
	return c, nil
}

// Roles returns the role hierarchy in use.
func (c *CredentialStore) Roles() *RoleSet { return c.roles }

// Engine returns the policy engine in use.
func (c *CredentialStore) Engine() *PolicyEngine { return c.engine }

// SetDeactivateHook registers a callback run after an account is
// deactivated. The session manager uses it to revoke sessions.
func (c *CredentialStore) SetDeactivateHook(fn func(ctx context.Context, id, actor string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDeactivate = fn
}

// =============================================================================
// READS
// =============================================================================

// Get returns an account by identifier.
func (c *CredentialStore) Get(ctx context.Context, id string) (*Account, error) {
	row := c.st.Reader().QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = ?", NormalizeIdentifier(id))
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, store.Classify(err)
	}
	return a, nil
}

func (c *CredentialStore) getTx(ctx context.Context, tx *sql.Tx, id string) (*Account, error) {
	a, err := scanAccount(tx.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, store.Classify(err)
	}
	return a, nil
}

// List returns all accounts ordered by identifier.
func (c *CredentialStore) List(ctx context.Context) ([]Account, error) {
	rows, err := c.st.Reader().QueryContext(ctx, "SELECT "+accountColumns+" FROM accounts ORDER BY id")
	if err != nil {
		return nil, store.Classify(err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, store.Classify(err)
		}
		out = append(out, *a)
	}
	return out, store.Classify(rows.Err())
}

// HasAccounts reports whether any account exists.
func (c *CredentialStore) HasAccounts(ctx context.Context) (bool, error) {
	var n int
	if err := c.st.Reader().QueryRowContext(ctx, "SELECT count(*) FROM accounts").Scan(&n); err != nil {
		return false, store.Classify(err)
	}
	return n > 0, nil
}

// =============================================================================
// ACCOUNT LIFECYCLE
// =============================================================================

// CreateAccount creates an active account. Fails with ErrDuplicateIdentifier,
// ErrWeakPassword or ErrPolicyViolation.
func (c *CredentialStore) CreateAccount(ctx context.Context, actor, id, displayName, initialPassword string, role Role) (*Account, error) {
	id = NormalizeIdentifier(id)
	if err := validateIdentifier(id); err != nil {
		return nil, err
	}
	if !c.roles.Valid(role) {
		return nil, &PolicyError{Rule: RuleUnknownRole, Message: fmt.Sprintf("unknown role %q", role)}
	}
	if err := c.engine.EvaluatePassword(initialPassword); err != nil {
		return nil, err
	}
	hash, salt, params, err := c.hasher.hash(initialPassword)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	acc := &Account{
		ID:                 id,
		DisplayName:        strings.TrimSpace(displayName),
		Role:               role,
		MustChangePassword: c.engine.Policy().RequireInitialRotation,
		PasswordChangedAt:  now,
		CreatedAt:          now,
		Active:             true,
	}
	if acc.DisplayName == "" {
		acc.DisplayName = id
	}

	_, err = c.audit.Within(ctx, audit.Event{
		Actor:   actor,
		Action:  audit.ActionAccountCreated,
		Subject: accountSubject(id),
		Detail:  "role=" + string(role),
	}, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM accounts WHERE id = ?", id).Scan(&exists)
		if err == nil {
			return ErrDuplicateIdentifier
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return store.Classify(err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO accounts (id, display_name, role, password_hash,
			password_salt, hash_params, must_change_password, password_changed_at, created_at, active)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			id, acc.DisplayName, string(role), hash, salt, params, boolInt(acc.MustChangePassword),
			store.Nanos(now), store.Nanos(now))
		return store.Classify(err)
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("account created", zap.String("account", id), zap.String("role", string(role)), zap.String("actor", actor))
	return acc, nil
}

// VerifyPassword compares candidate with the stored hash in constant time.
// Unknown identifiers burn the same work and return false.
func (c *CredentialStore) VerifyPassword(ctx context.Context, id, candidate string) (bool, error) {
	acc, err := c.Get(ctx, id)
	if errors.Is(err, ErrAccountNotFound) {
		c.hasher.verifyDummy(candidate)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.hasher.verify(candidate, acc.passwordHash, acc.passwordSalt, acc.hashParams), nil
}

// SetPassword replaces an account's password. The new password must pass
// the strength rules and differ from the current one and the remembered
// history. Rejections are audited as failed password changes.
func (c *CredentialStore) SetPassword(ctx context.Context, actor, id, newPassword string) error {
	id = NormalizeIdentifier(id)
	unlock := c.locks.Lock(id)
	defer unlock()

	ev := audit.Event{Actor: actor, Action: audit.ActionPasswordChange, Subject: accountSubject(id)}

	acc, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := c.checkNewPassword(ctx, acc, newPassword); err != nil {
		ev.Outcome = audit.OutcomeFailure
		ev.Detail = err.Error()
		if _, aerr := c.audit.Append(ctx, ev); aerr != nil {
			return errors.Join(err, aerr)
		}
		return err
	}

	hash, salt, params, err := c.hasher.hash(newPassword)
	if err != nil {
		return err
	}
	now := c.now().UTC()
	policy := c.engine.Policy()

	_, err = c.audit.Within(ctx, ev, func(tx *sql.Tx) error {
		q := `UPDATE accounts SET password_hash = ?, password_salt = ?, hash_params = ?,
			must_change_password = 0, password_changed_at = ?`
		if policy.ResetLockoutsOnRotation {
			q += `, failed_attempts = 0, consecutive_lockouts = 0, locked_until = NULL`
		}
		if _, err := tx.ExecContext(ctx, q+" WHERE id = ?", hash, salt, params, store.Nanos(now), id); err != nil {
			return store.Classify(err)
		}
		if policy.HistoryDepth == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO password_history
			(account_id, changed_at, password_hash, password_salt, hash_params) VALUES (?, ?, ?, ?, ?)`,
			id, store.Nanos(now), acc.passwordHash, acc.passwordSalt, acc.hashParams); err != nil {
			return store.Classify(err)
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM password_history WHERE account_id = ? AND rowid NOT IN (
			SELECT rowid FROM password_history WHERE account_id = ? ORDER BY changed_at DESC, rowid DESC LIMIT ?)`,
			id, id, policy.HistoryDepth)
		return store.Classify(err)
	})
	if err != nil {
		return err
	}
	c.logger.Info("password changed", zap.String("account", id), zap.String("actor", actor))
	return nil
}

// checkNewPassword applies strength and reuse rules.
func (c *CredentialStore) checkNewPassword(ctx context.Context, acc *Account, pw string) error {
	if err := c.engine.EvaluatePassword(pw); err != nil {
		return err
	}
	reused := &PolicyError{Rule: RuleReuse, Message: "password was used recently"}
	if c.hasher.verify(pw, acc.passwordHash, acc.passwordSalt, acc.hashParams) {
		return reused
	}
	depth := c.engine.Policy().HistoryDepth
	if depth == 0 {
		return nil
	}
	rows, err := c.st.Reader().QueryContext(ctx, `SELECT password_hash, password_salt, hash_params
		FROM password_history WHERE account_id = ? ORDER BY changed_at DESC, rowid DESC LIMIT ?`, acc.ID, depth)
	if err != nil {
		return store.Classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var hash, salt []byte
		var params string
		if err := rows.Scan(&hash, &salt, &params); err != nil {
			return store.Classify(err)
		}
		if c.hasher.verify(pw, hash, salt, params) {
			return reused
		}
	}
	return store.Classify(rows.Err())
}

// Deactivate soft-disables an account and revokes its sessions.
func (c *CredentialStore) Deactivate(ctx context.Context, actor, id string) error {
	id = NormalizeIdentifier(id)
	_, err := c.audit.Within(ctx, audit.Event{
		Actor:   actor,
		Action:  audit.ActionAccountDeactivated,
		Subject: accountSubject(id),
	}, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "UPDATE accounts SET active = 0 WHERE id = ?", id)
		if err != nil {
			return store.Classify(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAccountNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.RLock()
	hook := c.onDeactivate
	c.mu.RUnlock()
	if hook != nil {
		hook(ctx, id, actor)
	}
	c.logger.Info("account deactivated", zap.String("account", id), zap.String("actor", actor))
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// =============================================================================
// KEYED MUTEX
// =============================================================================

// keyedMutex hands out one mutex per key and frees it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock locks key and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
