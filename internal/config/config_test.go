// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/techsvc/internal/backup"
	"github.com/jeranaias/techsvc/internal/security"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	cfg.DataDir = t.TempDir()
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, security.DefaultPolicy(), cfg.Policy())
	assert.Equal(t, security.DefaultHashParams(), cfg.HashParams())
	assert.Equal(t, security.DefaultSessionConfig(), cfg.SessionConfig())
	assert.Equal(t, filepath.Join(cfg.DataDir, "backups"), cfg.Backup.Dir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "audit.key"), cfg.Audit.KeyFile)

	bc := cfg.BackupConfig()
	assert.Equal(t, backup.DefaultConfig(cfg.Backup.Dir), bc)
	assert.Len(t, cfg.Jobs(), 3)
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
data_dir = "`+filepath.ToSlash(dir)+`"

[log]
level = "debug"

[password]
min_length = 14
require_symbol = true
history_depth = 0

[lockout]
threshold = 5
base_duration = "10m"
growth_factor = 1.5
max_duration = "2h"

[session]
idle_timeout = "5m"
absolute_timeout = "1h"
single_session = false

[backup.retention.daily]
keep = 3
max_age = "72h"

[schedule]
missed_policy = "skip"
monthly = "0s"

[roles]
supervisor = 250
`)
	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	p := cfg.Policy()
	assert.Equal(t, 14, p.MinLength)
	assert.True(t, p.RequireSymbol)
	assert.True(t, p.RequireMixedCase, "unset keys keep their defaults")
	assert.Equal(t, 0, p.HistoryDepth)
	assert.Equal(t, 5, p.LockoutThreshold)
	assert.Equal(t, 10*time.Minute, p.LockoutBaseDuration)
	assert.Equal(t, 1.5, p.LockoutGrowthFactor)

	s := cfg.SessionConfig()
	assert.Equal(t, 5*time.Minute, s.IdleTimeout)
	assert.False(t, s.SingleSession)

	bc := cfg.BackupConfig()
	assert.Equal(t, backup.RetentionRule{Keep: 3, MaxAge: 72 * time.Hour}, bc.Retention[backup.ClassDaily])

	jobs := cfg.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, backup.ClassWeekly, jobs[1].Class)
	assert.Equal(t, "skip", cfg.Schedule.MissedPolicy)
	assert.Equal(t, 250, cfg.Roles["supervisor"])

	// Loading tightens permissions.
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoadFromPath_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"unknown key", "[lockout]\nthreshhold = 3\n", ""},
		{"bad duration", "[session]\nidle_timeout = \"soon\"\n", ""},
		{"growth below one", "[lockout]\ngrowth_factor = 0.5\n", "password/lockout"},
		{"absolute below idle", "[session]\nidle_timeout = \"2h\"\nabsolute_timeout = \"1h\"\n", "session"},
		{"weak hash", "[password.hash]\ntime = 1\nmemory_kib = 64\nthreads = 1\nkey_len = 8\n", "password.hash"},
		{"unknown class", "[backup.retention.hourly]\nkeep = 1\n", "backup.retention.hourly"},
		{"negative keep", "[backup.retention.daily]\nkeep = -1\n", "backup"},
		{"bad policy", "[schedule]\nmissed_policy = \"later\"\n", "schedule.missed_policy"},
		{"public listen", "[ops]\nlisten = \"0.0.0.0:8788\"\n", "ops.listen"},
		{"builtin role", "[roles]\nviewer = 5\n", "roles"},
		{"bad log level", "[log]\nlevel = \"chatty\"\n", "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := "data_dir = \"" + filepath.ToSlash(t.TempDir()) + "\"\n" + tt.body
			_, err := LoadFromPath(writeConfig(t, body))
			require.Error(t, err)
			assert.ErrorIs(t, err, security.ErrInvalidConfiguration)
			if tt.field != "" {
				var verrs ValidateErrors
				require.ErrorAs(t, err, &verrs)
				assert.Equal(t, tt.field, verrs[0].Field)
			}
		})
	}
}

func TestValidate_CollectsAll(t *testing.T) {
	cfg := Default()
	cfg.DataDir = t.TempDir()
	cfg.SetDefaults()
	cfg.Log.Format = "xml"
	cfg.Ops.AlertCapacity = -1

	err := cfg.Validate()
	var verrs ValidateErrors
	require.ErrorAs(t, err, &verrs)
	require.Len(t, verrs, 2)
	assert.Equal(t, "log.format", verrs[0].Field)
	assert.Equal(t, "ops.alert_capacity", verrs[1].Field)
}

func TestApplyEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TECHSVC_DATA_DIR", dir)
	t.Setenv("TECHSVC_LOG_LEVEL", "warn")
	t.Setenv("TECHSVC_AUDIT_KEY_FILE", filepath.Join(dir, "k"))
	t.Setenv("TECHSVC_OPS_LISTEN", "127.0.0.1:9999")

	path := writeConfig(t, "data_dir = \"/elsewhere\"\n[log]\nlevel = \"debug\"\n")
	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, filepath.Join(dir, "k"), cfg.Audit.KeyFile)
	assert.Equal(t, "127.0.0.1:9999", cfg.Ops.Listen)
	assert.Equal(t, filepath.Join(dir, "techsvc.db"), cfg.StorePath())
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("TECHSVC_CONFIG", "")
	t.Setenv("TECHSVC_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	t.Setenv("TECHSVC_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestSaveTOML_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.DataDir = t.TempDir()
	cfg.SetDefaults()
	cfg.Lockout.BaseDuration = D(7 * time.Minute)
	cfg.Roles = map[string]int{"auditor": 150}

	path := filepath.Join(t.TempDir(), "out", "config.toml")
	require.NoError(t, SaveTOML(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `base_duration = "7m0s"`)

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Policy(), loaded.Policy())
	assert.Equal(t, cfg.SessionConfig(), loaded.SessionConfig())
	assert.Equal(t, cfg.BackupConfig(), loaded.BackupConfig())
	assert.Equal(t, 150, loaded.Roles["auditor"])
}
