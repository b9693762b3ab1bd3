// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"

	"github.com/jeranaias/techsvc/internal/backup"
	"github.com/jeranaias/techsvc/internal/security"
	"github.com/jeranaias/techsvc/internal/server"
	"github.com/jeranaias/techsvc/internal/util"
)

// =============================================================================
// DURATION
// =============================================================================

// Duration is a time.Duration written as text ("15m", "8h") in TOML.
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration { return Duration{d} }

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText renders the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete techsvc configuration.
type Config struct {
	// DataDir holds the store, session file and, by default, backups and
	// the audit key.
	DataDir string `toml:"data_dir" json:"data_dir"`

	Log      LogConfig      `toml:"log" json:"log"`
	Password PasswordConfig `toml:"password" json:"password"`
	Lockout  LockoutConfig  `toml:"lockout" json:"lockout"`
	Session  SessionConfig  `toml:"session" json:"session"`
	Audit    AuditConfig    `toml:"audit" json:"audit"`
	Backup   BackupConfig   `toml:"backup" json:"backup"`
	Schedule ScheduleConfig `toml:"schedule" json:"schedule"`
	Ops      OpsConfig      `toml:"ops" json:"ops"`

	// Roles adds site roles to administrator, technician and viewer.
	// Values are ranks; higher ranks satisfy lower requirements.
	Roles map[string]int `toml:"roles" json:"roles,omitempty"`
}

// LogConfig selects log level and encoding.
type LogConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"` // json or console
}

// PasswordConfig holds the password rules.
type PasswordConfig struct {
	MinLength              int        `toml:"min_length" json:"min_length"`
	RequireMixedCase       bool       `toml:"require_mixed_case" json:"require_mixed_case"`
	RequireDigit           bool       `toml:"require_digit" json:"require_digit"`
	RequireSymbol          bool       `toml:"require_symbol" json:"require_symbol"`
	RotationIntervalDays   int        `toml:"rotation_interval_days" json:"rotation_interval_days"`
	HistoryDepth           int        `toml:"history_depth" json:"history_depth"`
	RequireInitialRotation bool       `toml:"require_initial_rotation" json:"require_initial_rotation"`
	Hash                   HashConfig `toml:"hash" json:"hash"`
}

// HashConfig holds the Argon2id cost parameters for new hashes.
type HashConfig struct {
	Time      uint32 `toml:"time" json:"time"`
	MemoryKiB uint32 `toml:"memory_kib" json:"memory_kib"`
	Threads   uint8  `toml:"threads" json:"threads"`
	KeyLen    uint32 `toml:"key_len" json:"key_len"`
}

// LockoutConfig holds the failed-login lockout rules.
type LockoutConfig struct {
	Threshold       int      `toml:"threshold" json:"threshold"`
	BaseDuration    Duration `toml:"base_duration" json:"base_duration"`
	GrowthFactor    float64  `toml:"growth_factor" json:"growth_factor"`
	MaxDuration     Duration `toml:"max_duration" json:"max_duration"`
	ResetOnRotation bool     `toml:"reset_on_rotation" json:"reset_on_rotation"`
}

// SessionConfig holds session lifetimes and login throttling.
type SessionConfig struct {
	IdleTimeout       Duration `toml:"idle_timeout" json:"idle_timeout"`
	AbsoluteTimeout   Duration `toml:"absolute_timeout" json:"absolute_timeout"`
	RotationTimeout   Duration `toml:"rotation_timeout" json:"rotation_timeout"`
	SingleSession     bool     `toml:"single_session" json:"single_session"`
	LoginRate         float64  `toml:"login_rate" json:"login_rate"`
	LoginBurst        int      `toml:"login_burst" json:"login_burst"`
	GlobalLoginRate   float64  `toml:"global_login_rate" json:"global_login_rate"`
	GlobalLoginBurst  int      `toml:"global_login_burst" json:"global_login_burst"`
	TerminalRetention Duration `toml:"terminal_retention" json:"terminal_retention"`
	// Persist keeps sessions across restarts in the data directory.
	Persist bool `toml:"persist" json:"persist"`
}

// AuditConfig holds audit log settings.
type AuditConfig struct {
	// KeyFile holds the 32-byte HMAC chain key. TECHSVC_AUDIT_KEY wins
	// over it.
	KeyFile      string   `toml:"key_file" json:"key_file"`
	WriteTimeout Duration `toml:"write_timeout" json:"write_timeout"`
}

// RetentionConfig bounds one backup class.
type RetentionConfig struct {
	Keep   int      `toml:"keep" json:"keep"`
	MaxAge Duration `toml:"max_age" json:"max_age"`
}

// BackupConfig holds backup engine settings.
type BackupConfig struct {
	Dir             string                     `toml:"dir" json:"dir"`
	SnapshotTimeout Duration                   `toml:"snapshot_timeout" json:"snapshot_timeout"`
	ChunkRows       int                        `toml:"chunk_rows" json:"chunk_rows"`
	MinFreeMiB      uint64                     `toml:"min_free_mib" json:"min_free_mib"`
	Retention       map[string]RetentionConfig `toml:"retention" json:"retention"`
}

// ScheduleConfig holds the periodic backup intervals. A zero interval
// leaves that class unscheduled.
type ScheduleConfig struct {
	Enabled      bool     `toml:"enabled" json:"enabled"`
	MissedPolicy string   `toml:"missed_policy" json:"missed_policy"`
	Daily        Duration `toml:"daily" json:"daily"`
	Weekly       Duration `toml:"weekly" json:"weekly"`
	Monthly      Duration `toml:"monthly" json:"monthly"`
}

// OpsConfig holds the operations HTTP surface settings.
type OpsConfig struct {
	Listen        string `toml:"listen" json:"listen"`
	AlertCapacity int    `toml:"alert_capacity" json:"alert_capacity"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with the shipped defaults. DataDir is left to
// SetDefaults so that environment overrides can move it first.
func Default() *Config {
	policy := security.DefaultPolicy()
	hash := security.DefaultHashParams()
	sess := security.DefaultSessionConfig()
	bk := backup.DefaultConfig("")

	retention := make(map[string]RetentionConfig, len(bk.Retention))
	for class, rule := range bk.Retention {
		retention[string(class)] = RetentionConfig{Keep: rule.Keep, MaxAge: D(rule.MaxAge)}
	}

	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Password: PasswordConfig{
			MinLength:              policy.MinLength,
			RequireMixedCase:       policy.RequireMixedCase,
			RequireDigit:           policy.RequireDigit,
			RequireSymbol:          policy.RequireSymbol,
			RotationIntervalDays:   policy.RotationIntervalDays,
			HistoryDepth:           policy.HistoryDepth,
			RequireInitialRotation: policy.RequireInitialRotation,
			Hash: HashConfig{
				Time:      hash.Time,
				MemoryKiB: hash.MemoryKiB,
				Threads:   hash.Threads,
				KeyLen:    hash.KeyLen,
			},
		},
		Lockout: LockoutConfig{
			Threshold:       policy.LockoutThreshold,
			BaseDuration:    D(policy.LockoutBaseDuration),
			GrowthFactor:    policy.LockoutGrowthFactor,
			MaxDuration:     D(policy.LockoutMaxDuration),
			ResetOnRotation: policy.ResetLockoutsOnRotation,
		},
		Session: SessionConfig{
			IdleTimeout:       D(sess.IdleTimeout),
			AbsoluteTimeout:   D(sess.AbsoluteTimeout),
			RotationTimeout:   D(sess.RotationTimeout),
			SingleSession:     sess.SingleSession,
			LoginRate:         sess.LoginRate,
			LoginBurst:        sess.LoginBurst,
			GlobalLoginRate:   sess.GlobalLoginRate,
			GlobalLoginBurst:  sess.GlobalLoginBurst,
			TerminalRetention: D(sess.TerminalRetention),
			Persist:           true,
		},
		Audit: AuditConfig{WriteTimeout: D(5 * time.Second)},
		Backup: BackupConfig{
			SnapshotTimeout: D(bk.SnapshotTimeout),
			ChunkRows:       bk.ChunkRows,
			MinFreeMiB:      bk.MinFreeBytes >> 20,
			Retention:       retention,
		},
		Schedule: ScheduleConfig{
			Enabled:      true,
			MissedPolicy: string(backup.MissedCatchUp),
			Daily:        D(24 * time.Hour),
			Weekly:       D(7 * 24 * time.Hour),
			Monthly:      D(30 * 24 * time.Hour),
		},
		Ops: OpsConfig{Listen: server.DefaultListen, AlertCapacity: server.DefaultAlertCapacity},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the techsvc configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".techsvc"), nil
}

// ConfigPathTOML returns the path to the TOML config file. TECHSVC_CONFIG
// overrides it.
func ConfigPathTOML() (string, error) {
	if p := os.Getenv("TECHSVC_CONFIG"); p != "" {
		return p, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ensureSecurePermissions tightens a config file to 0600.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// StorePath is the SQLite data store.
func (c *Config) StorePath() string { return filepath.Join(c.DataDir, "techsvc.db") }

// SessionsPath is the bbolt session file.
func (c *Config) SessionsPath() string { return filepath.Join(c.DataDir, "sessions.db") }

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads the default config file if it exists, then applies
// environment overrides, defaults and validation.
func Load() (*Config, error) {
	path, err := ConfigPathTOML()
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) && os.Getenv("TECHSVC_CONFIG") == "" {
		return finish(Default())
	}
	return LoadFromPath(path)
}

// LoadFromPath loads the TOML file at path over the defaults.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := LoadTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	return finish(cfg)
}

// LoadTOML decodes path into cfg. Unknown keys are rejected so that a typo
// cannot silently leave a default in force.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("%w: failed to decode TOML file: %v", security.ErrInvalidConfiguration, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("%w: unknown keys: %s", security.ErrInvalidConfiguration, strings.Join(keys, ", "))
	}
	return nil
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// SaveTOML writes cfg to path with owner-only permissions, atomically.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "# techsvc configuration file")
	fmt.Fprintln(&buf, "# Generated by techsvc - edit with care")
	fmt.Fprintln(&buf, "")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides.
//
// Supported environment variables:
//   - TECHSVC_DATA_DIR: overrides data_dir
//   - TECHSVC_LOG_LEVEL: overrides log.level
//   - TECHSVC_AUDIT_KEY_FILE: overrides audit.key_file
//   - TECHSVC_OPS_LISTEN: overrides ops.listen
func (c *Config) ApplyEnvOverrides() {
	if dir := os.Getenv("TECHSVC_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if level := os.Getenv("TECHSVC_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if keyFile := os.Getenv("TECHSVC_AUDIT_KEY_FILE"); keyFile != "" {
		c.Audit.KeyFile = keyFile
	}
	if listen := os.Getenv("TECHSVC_OPS_LISTEN"); listen != "" {
		c.Ops.Listen = listen
	}
}

// =============================================================================
// DEFAULTS
// =============================================================================

// SetDefaults fills empty paths and zero-valued settings. Numeric zeros
// that are meaningful (history depth, rotation interval, retention bounds,
// schedule intervals) are left alone.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.DataDir == "" {
		if dir, err := ConfigDir(); err == nil {
			c.DataDir = filepath.Join(dir, "data")
		} else {
			c.DataDir = "techsvc-data"
		}
	}
	if c.Backup.Dir == "" {
		c.Backup.Dir = filepath.Join(c.DataDir, "backups")
	}
	if c.Audit.KeyFile == "" {
		c.Audit.KeyFile = filepath.Join(c.DataDir, "audit.key")
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Password.MinLength == 0 {
		c.Password.MinLength = defaults.Password.MinLength
	}
	if c.Password.Hash == (HashConfig{}) {
		c.Password.Hash = defaults.Password.Hash
	}
	if c.Lockout.Threshold == 0 {
		c.Lockout.Threshold = defaults.Lockout.Threshold
	}
	if c.Lockout.BaseDuration.Duration == 0 {
		c.Lockout.BaseDuration = defaults.Lockout.BaseDuration
	}
	if c.Lockout.GrowthFactor == 0 {
		c.Lockout.GrowthFactor = defaults.Lockout.GrowthFactor
	}
	if c.Lockout.MaxDuration.Duration == 0 {
		c.Lockout.MaxDuration = defaults.Lockout.MaxDuration
	}
	if c.Session.IdleTimeout.Duration == 0 {
		c.Session.IdleTimeout = defaults.Session.IdleTimeout
	}
	if c.Session.AbsoluteTimeout.Duration == 0 {
		c.Session.AbsoluteTimeout = defaults.Session.AbsoluteTimeout
	}
	if c.Session.RotationTimeout.Duration == 0 {
		c.Session.RotationTimeout = defaults.Session.RotationTimeout
	}
	if c.Session.LoginRate == 0 {
		c.Session.LoginRate = defaults.Session.LoginRate
	}
	if c.Session.LoginBurst == 0 {
		c.Session.LoginBurst = defaults.Session.LoginBurst
	}
	if c.Session.GlobalLoginRate == 0 {
		c.Session.GlobalLoginRate = defaults.Session.GlobalLoginRate
	}
	if c.Session.GlobalLoginBurst == 0 {
		c.Session.GlobalLoginBurst = defaults.Session.GlobalLoginBurst
	}
	if c.Audit.WriteTimeout.Duration == 0 {
		c.Audit.WriteTimeout = defaults.Audit.WriteTimeout
	}
	if c.Backup.SnapshotTimeout.Duration == 0 {
		c.Backup.SnapshotTimeout = defaults.Backup.SnapshotTimeout
	}
	if c.Backup.ChunkRows == 0 {
		c.Backup.ChunkRows = defaults.Backup.ChunkRows
	}
	if c.Backup.Retention == nil {
		c.Backup.Retention = defaults.Backup.Retention
	}
	if c.Schedule.MissedPolicy == "" {
		c.Schedule.MissedPolicy = defaults.Schedule.MissedPolicy
	}
	if c.Ops.Listen == "" {
		c.Ops.Listen = defaults.Ops.Listen
	}
	if c.Ops.AlertCapacity == 0 {
		c.Ops.AlertCapacity = defaults.Ops.AlertCapacity
	}
}

// =============================================================================
// COMPONENT SETTINGS
// =============================================================================

// Policy returns the credential and lockout policy.
func (c *Config) Policy() security.Policy {
	return security.Policy{
		MinLength:               c.Password.MinLength,
		RequireMixedCase:        c.Password.RequireMixedCase,
		RequireDigit:            c.Password.RequireDigit,
		RequireSymbol:           c.Password.RequireSymbol,
		RotationIntervalDays:    c.Password.RotationIntervalDays,
		HistoryDepth:            c.Password.HistoryDepth,
		RequireInitialRotation:  c.Password.RequireInitialRotation,
		LockoutThreshold:        c.Lockout.Threshold,
		LockoutBaseDuration:     c.Lockout.BaseDuration.Duration,
		LockoutGrowthFactor:     c.Lockout.GrowthFactor,
		LockoutMaxDuration:      c.Lockout.MaxDuration.Duration,
		ResetLockoutsOnRotation: c.Lockout.ResetOnRotation,
	}
}

// HashParams returns the Argon2id parameters for new hashes.
func (c *Config) HashParams() security.HashParams {
	h := c.Password.Hash
	return security.HashParams{Time: h.Time, MemoryKiB: h.MemoryKiB, Threads: h.Threads, KeyLen: h.KeyLen}
}

// SessionConfig returns the session manager settings.
func (c *Config) SessionConfig() security.SessionConfig {
	s := c.Session
	return security.SessionConfig{
		IdleTimeout:       s.IdleTimeout.Duration,
		AbsoluteTimeout:   s.AbsoluteTimeout.Duration,
		RotationTimeout:   s.RotationTimeout.Duration,
		SingleSession:     s.SingleSession,
		LoginRate:         s.LoginRate,
		LoginBurst:        s.LoginBurst,
		GlobalLoginRate:   s.GlobalLoginRate,
		GlobalLoginBurst:  s.GlobalLoginBurst,
		TerminalRetention: s.TerminalRetention.Duration,
	}
}

// BackupConfig returns the backup engine settings. Unknown class names
// are dropped here and reported by Validate.
func (c *Config) BackupConfig() backup.Config {
	bc := backup.DefaultConfig(c.Backup.Dir)
	bc.SnapshotTimeout = c.Backup.SnapshotTimeout.Duration
	bc.ChunkRows = c.Backup.ChunkRows
	bc.MinFreeBytes = c.Backup.MinFreeMiB << 20
	bc.Retention = make(map[backup.Class]backup.RetentionRule, len(c.Backup.Retention))
	for name, r := range c.Backup.Retention {
		class, err := backup.ParseClass(name)
		if err != nil {
			continue
		}
		bc.Retention[class] = backup.RetentionRule{Keep: r.Keep, MaxAge: r.MaxAge.Duration}
	}
	return bc
}

// Jobs returns the scheduled backup jobs in daily, weekly, monthly order.
func (c *Config) Jobs() []backup.Job {
	var jobs []backup.Job
	for _, j := range []backup.Job{
		{Class: backup.ClassDaily, Interval: c.Schedule.Daily.Duration},
		{Class: backup.ClassWeekly, Interval: c.Schedule.Weekly.Duration},
		{Class: backup.ClassMonthly, Interval: c.Schedule.Monthly.Duration},
	} {
		if j.Interval > 0 {
			jobs = append(jobs, j)
		}
	}
	return jobs
}

// OpsConfig returns the operations server settings.
func (c *Config) OpsConfig() server.Config {
	return server.Config{Listen: c.Ops.Listen}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError is one configuration problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is every problem Validate found.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Is makes ValidateErrors match security.ErrInvalidConfiguration.
func (e ValidateErrors) Is(target error) bool {
	return target == security.ErrInvalidConfiguration
}

// Validate checks every section and returns all problems together.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field string, err error) {
		if err != nil {
			msg := strings.TrimPrefix(err.Error(), security.ErrInvalidConfiguration.Error()+": ")
			errs = append(errs, ValidationError{Field: field, Message: msg})
		}
	}

	if c.DataDir == "" {
		add("data_dir", errors.New("is required"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		add("log.level", fmt.Errorf("invalid level %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		add("log.format", fmt.Errorf("invalid format %q, must be json or console", c.Log.Format))
	}

	// The component validators hold the range rules.
	add("password/lockout", c.Policy().Validate())
	add("password.hash", c.HashParams().Validate())
	add("session", c.SessionConfig().Validate())
	if c.Audit.WriteTimeout.Duration <= 0 {
		add("audit.write_timeout", errors.New("must be positive"))
	}

	names := make([]string, 0, len(c.Backup.Retention))
	for name := range c.Backup.Retention {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := backup.ParseClass(name); err != nil {
			add("backup.retention."+name, errors.New("unknown backup class"))
		}
	}
	add("backup", c.BackupConfig().Validate())

	if _, err := backup.ParseMissedPolicy(c.Schedule.MissedPolicy); err != nil {
		add("schedule.missed_policy", err)
	}
	for field, d := range map[string]Duration{
		"schedule.daily":   c.Schedule.Daily,
		"schedule.weekly":  c.Schedule.Weekly,
		"schedule.monthly": c.Schedule.Monthly,
	} {
		if d.Duration < 0 {
			add(field, errors.New("cannot be negative"))
		}
	}

	add("ops.listen", c.OpsConfig().Validate())
	if c.Ops.AlertCapacity < 1 {
		add("ops.alert_capacity", errors.New("must be at least 1"))
	}
	if _, err := security.NewRoleSet(c.Roles); err != nil {
		add("roles", err)
	}

	if len(errs) > 0 {
		sort.SliceStable(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
		return errs
	}
	return nil
}
