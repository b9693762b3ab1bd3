// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config_cmd.go - Showing and validating configuration.

package cli

import (
	"errors"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/techsvc/internal/config"
)

func runConfig(inv *invocation) (any, error) {
	switch inv.args.Subcommand() {
	case "", "show":
		return configShow(inv)
	case "validate":
		return configValidate(inv)
	}
	return nil, usagef("unknown config subcommand %q", inv.args.Subcommand())
}

func configShow(inv *invocation) (any, error) {
	cfg, err := inv.config()
	if err != nil {
		return nil, err
	}
	if inv.json {
		return cfg, nil
	}
	inv.printf("# effective configuration (file: %s)\n\n", inv.cfgPath)
	return nil, toml.NewEncoder(inv.env.Stdout).Encode(cfg)
}

// configValidate loads a file the way the service would and reports every
// problem found.
func configValidate(inv *invocation) (any, error) {
	path := inv.args.Positional(2)
	if path == "" {
		path = inv.args.Flag("config")
	}

	var err error
	if path != "" {
		_, err = config.LoadFromPath(path)
	} else {
		_, err = config.Load()
	}

	data := ConfigValidateData{Path: path, Valid: err == nil}
	if err == nil {
		inv.printf("Configuration is valid.\n")
		return data, nil
	}

	var verrs config.ValidateErrors
	if errors.As(err, &verrs) {
		for _, v := range verrs {
			data.Errors = append(data.Errors, v.Error())
		}
	} else {
		data.Errors = []string{err.Error()}
	}
	inv.printf("Configuration is invalid:\n")
	for _, msg := range data.Errors {
		inv.printf("  - %s\n", msg)
	}
	return data, err
}
