// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - Command dispatch, usage text and shared invocation state.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"go.uber.org/zap"

	"github.com/jeranaias/techsvc/internal/app"
	"github.com/jeranaias/techsvc/internal/config"
	"github.com/jeranaias/techsvc/internal/logging"
	"github.com/jeranaias/techsvc/internal/security"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// TokenEnvVar holds the session token for authenticated commands.
const TokenEnvVar = "TECHSVC_TOKEN"

var errNoToken = errors.New("no session token: run 'techsvc login' and set " + TokenEnvVar + " or pass --token")

const usageText = `techsvc - identity, audit and data protection for technical-service data

Usage:
  techsvc <command> [subcommand] [flags]

Setup:
  techsvc init                       Create the audit key and first administrator
    --admin ID                       Administrator identifier (default: admin)
    --name NAME                      Display name (default: Administrator)

Sessions:
  techsvc login <id>                 Start a session and print its token
    --otp CODE                       One-time code for accounts with TOTP
  techsvc logout                     Revoke the current session

Accounts (administrator):
  techsvc account create <id>        Create an account
    --name NAME                      Display name
    --role ROLE                      administrator, technician, viewer (default: viewer)
  techsvc account passwd [id]        Change your password, or reset another account's
  techsvc account unlock <id>        Clear a lockout
  techsvc account deactivate <id>    Deactivate an account and revoke its sessions
  techsvc account list               List accounts
  techsvc account sessions <id>      List an account's active sessions
  techsvc account revoke <id>        Revoke every session of an account
  techsvc account totp enroll <id>   Enroll a TOTP second factor
  techsvc account totp disable <id>  Remove the TOTP second factor

Audit:
  techsvc audit verify               (technician) Verify the hash chain
    --from SEQ --to SEQ              Limit the range
  techsvc audit query                (administrator) Search the audit trail
    --actor ID                       Filter by actor
    --action A[,B]                   Filter by action
    --subject TYPE[:ID]              Filter by subject
    --since T --until T              RFC 3339, YYYY-MM-DD, or relative (24h, 7d)
    --from SEQ --to SEQ              Sequence range
    --limit N                        Maximum entries (default: 100)

Backups:
  techsvc backup create [class]      (technician) manual, daily, weekly, monthly
  techsvc backup list                (technician) List backups, newest first
  techsvc backup verify <id>         (technician) Check a backup's digest
  techsvc backup restore <id> <path> (administrator) Restore into a new database file
    --confirm                        Skip the confirmation prompt
  techsvc backup retention           (administrator) Apply retention rules now

Service:
  techsvc serve                      Run the scheduler, session sweeper and ops server
  techsvc config show                Print the effective configuration
  techsvc config validate [path]     Validate a configuration file
  techsvc version                    Print version information

Global flags:
  --config PATH                      Configuration file (default: ~/.techsvc/config.toml)
  --token TOKEN                      Session token (default: $TECHSVC_TOKEN)
  --json                             Machine-readable output
  --log-level LEVEL                  debug, info, warn, error
  --verbose, -v                      Log at info level for interactive commands
`

// =============================================================================
// ENTRY POINT
// =============================================================================

// Env is the process environment a command runs in.
type Env struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// DefaultEnv returns the process's standard streams.
func DefaultEnv() Env {
	return Env{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}
}

// invocation is the state shared by one command run.
type invocation struct {
	ctx    context.Context
	env    Env
	args   *ArgParser
	json   bool
	prompt *prompter

	cfg     *config.Config
	cfgPath string
	logger  *zap.Logger
}

// Run executes argv (without the program name) and returns the exit code.
func Run(ctx context.Context, argv []string, env Env) int {
	args := NewArgParser(argv)
	inv := &invocation{
		ctx:    ctx,
		env:    env,
		args:   args,
		json:   args.BoolFlag("json"),
		prompt: newPrompter(env.Stdin, env.Stderr),
	}

	data, err := inv.dispatch()
	if inv.logger != nil {
		_ = inv.logger.Sync()
	}

	name := args.Command()
	if args.Subcommand() != "" && name != "login" {
		name += " " + args.Subcommand()
	}
	if inv.json {
		resp := NewJSONResponse(name, data)
		if err != nil {
			resp = NewJSONErrorResponse(name, data, err)
		}
		if perr := resp.Print(env.Stdout); perr != nil && err == nil {
			err = perr
		}
		return ExitCode(err)
	}
	if err != nil {
		fmt.Fprintf(env.Stderr, "Error: %v\n", err)
		var usage *UsageError
		if errors.As(err, &usage) {
			fmt.Fprintln(env.Stderr, "Run 'techsvc help' for usage.")
		}
	}
	return ExitCode(err)
}

func (inv *invocation) dispatch() (any, error) {
	if inv.args.BoolFlag("help") || inv.args.BoolFlag("h") {
		return inv.usage()
	}
	switch inv.args.Command() {
	case "", "help":
		return inv.usage()
	case "version":
		return inv.version()
	case "init":
		return runInit(inv)
	case "login":
		return runLogin(inv)
	case "logout":
		return runLogout(inv)
	case "account":
		return runAccount(inv)
	case "audit":
		return runAudit(inv)
	case "backup":
		return runBackup(inv)
	case "serve":
		return runServe(inv)
	case "config":
		return runConfig(inv)
	}
	return nil, usagef("unknown command %q", inv.args.Command())
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// printf writes human-readable output; it is silent in JSON mode.
func (inv *invocation) printf(format string, args ...any) {
	if !inv.json {
		fmt.Fprintf(inv.env.Stdout, format, args...)
	}
}

func (inv *invocation) usage() (any, error) {
	inv.printf("%s", usageText)
	return nil, nil
}

func (inv *invocation) version() (any, error) {
	data := VersionData{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
	inv.printf("techsvc version %s\n", Version)
	inv.printf("  Git commit: %s\n", GitCommit)
	inv.printf("  Build date: %s\n", BuildDate)
	inv.printf("  Go version: %s\n", data.GoVersion)
	return data, nil
}

// config loads the configuration once, from --config or the default
// location, and builds the logger.
func (inv *invocation) config() (*config.Config, error) {
	if inv.cfg != nil {
		return inv.cfg, nil
	}
	path := inv.args.Flag("config")
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFromPath(path)
	} else {
		if path, err = config.ConfigPathTOML(); err != nil {
			return nil, err
		}
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := inv.useConfig(cfg, path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (inv *invocation) useConfig(cfg *config.Config, path string) error {
	level := inv.args.Flag("log-level")
	format := cfg.Log.Format
	if inv.args.Command() != "serve" {
		format = "console"
		if level == "" && !inv.args.BoolFlag("verbose") && !inv.args.BoolFlag("v") {
			level = "warn"
		}
	}
	if level == "" {
		level = cfg.Log.Level
	}
	logger, err := logging.New(level, format)
	if err != nil {
		return fmt.Errorf("%w: %v", security.ErrInvalidConfiguration, err)
	}
	inv.cfg, inv.cfgPath, inv.logger = cfg, path, logger
	return nil
}

// open loads the configuration and opens the service.
func (inv *invocation) open() (*app.Service, error) {
	cfg, err := inv.config()
	if err != nil {
		return nil, err
	}
	return app.Open(inv.ctx, cfg, inv.logger)
}

func (inv *invocation) token() string {
	if t := inv.args.Flag("token"); t != "" {
		return t
	}
	return os.Getenv(TokenEnvVar)
}

// authorize checks the invocation's session against need.
func (inv *invocation) authorize(svc *app.Service, need security.Role) (*security.Session, error) {
	token := inv.token()
	if token == "" {
		return nil, errNoToken
	}
	return svc.Sessions.Authorize(inv.ctx, token, need)
}

// requireArg returns positional index or a usage error naming what.
func (inv *invocation) requireArg(index int, what string) (string, error) {
	v := inv.args.Positional(index)
	if v == "" {
		return "", usagef("missing %s", what)
	}
	return v, nil
}
