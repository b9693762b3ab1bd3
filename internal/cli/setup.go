// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// setup.go - First-run initialization and the long-running serve command.

package cli

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/jeranaias/techsvc/internal/app"
	"github.com/jeranaias/techsvc/internal/config"
)

// =============================================================================
// INIT
// =============================================================================

// runInit creates the audit key file and the first administrator. When
// --config names a file that does not exist yet, the defaults are written
// there first.
func runInit(inv *invocation) (any, error) {
	cfg, err := inv.initConfig()
	if err != nil {
		return nil, err
	}
	adminID := inv.args.FlagOrDefault("admin", "admin")
	name := inv.args.FlagOrDefault("name", "Administrator")

	svc, res, err := app.Init(inv.ctx, cfg, inv.logger, adminID, name, func() (string, error) {
		return inv.prompt.NewSecret(fmt.Sprintf("Initial password for %s: ", adminID))
	})
	if err != nil {
		return nil, &CommandError{Command: "init", Action: "initialize", Err: err}
	}
	defer svc.Close()

	data := InitData{
		DataDir:      cfg.DataDir,
		KeyCreated:   res.KeyCreated,
		KeyInfo:      svc.KeyInfo,
		AdminCreated: res.AdminCreated,
	}
	if res.KeyCreated {
		inv.printf("Created audit key %s (fingerprint %s)\n", svc.KeyInfo.Path, svc.KeyInfo.Fingerprint)
		inv.printf("  Back this file up separately: the audit chain cannot be verified without it.\n")
	}
	if res.AdminCreated {
		data.Admin = res.Account.ID
		inv.printf("Created administrator %q\n", res.Account.ID)
		if res.Account.MustChangePassword {
			inv.printf("  The password must be changed at first login: techsvc login %s\n", res.Account.ID)
		}
	} else {
		inv.printf("Already initialized; data directory %s\n", cfg.DataDir)
	}
	return data, nil
}

// initConfig is config() except that a missing --config file is created
// from the defaults.
func (inv *invocation) initConfig() (*config.Config, error) {
	path := inv.args.Flag("config")
	if path == "" {
		return inv.config()
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		return inv.config()
	}

	cfg := config.Default()
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := config.SaveTOML(cfg, path); err != nil {
		return nil, err
	}
	if err := inv.useConfig(cfg, path); err != nil {
		return nil, err
	}
	inv.printf("Wrote configuration %s\n", path)
	return cfg, nil
}

// =============================================================================
// SERVE
// =============================================================================

func runServe(inv *invocation) (any, error) {
	svc, err := inv.open()
	if err != nil {
		return nil, err
	}
	defer svc.Close()

	inv.logger.Info("techsvc serving",
		zap.String("version", Version),
		zap.String("ops_listen", svc.Config.Ops.Listen),
		zap.Bool("schedule", svc.Config.Schedule.Enabled))
	if err := svc.Serve(inv.ctx); err != nil {
		return nil, err
	}
	inv.logger.Info("techsvc stopped")
	return nil, nil
}
