// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package app wires the store, audit log, identity and data-protection
// components into one service object for the presentation layer.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/techsvc/internal/backup"
	"github.com/jeranaias/techsvc/internal/config"
	"github.com/jeranaias/techsvc/internal/records"
	"github.com/jeranaias/techsvc/internal/security"
	"github.com/jeranaias/techsvc/internal/security/audit"
	"github.com/jeranaias/techsvc/internal/server"
	"github.com/jeranaias/techsvc/internal/store"
)

// SweepInterval is how often the session sweeper runs under Serve.
const SweepInterval = time.Minute

// Service holds every component. Fields are safe to use once Open returns
// and until Close.
type Service struct {
	Config  *config.Config
	Logger  *zap.Logger
	KeyInfo audit.KeyInfo

	Store       *store.Store
	Audit       *audit.Log
	Policy      *security.PolicyEngine
	Credentials *security.CredentialStore
	Sessions    *security.SessionManager
	Records     *records.Repository
	Backups     *backup.Engine
	Restorer    backup.Restorer
	Monitor     *server.Monitor

	closeOnce sync.Once
	closers   []func() error
}

// Open builds the service from cfg. The audit key must already exist when
// a key file is configured; see Init.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (svc *Service, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc = &Service{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			svc.Close()
			svc = nil
		}
	}()

	svc.Monitor = server.NewMonitor(cfg.Ops.AlertCapacity, server.WithMonitorLogger(logger.Named("ops")))

	key, info, err := audit.LoadKey(cfg.Audit.KeyFile)
	if err != nil {
		return nil, err
	}
	svc.KeyInfo = info
	if key == nil {
		logger.Warn("audit chain is unkeyed; digests detect accidental damage only")
	}

	svc.Store, err = store.Open(ctx, cfg.StorePath(), store.WithLogger(logger.Named("store")))
	if err != nil {
		return nil, err
	}
	svc.closers = append(svc.closers, svc.Store.Close)

	svc.Audit = audit.New(svc.Store,
		audit.WithKey(key),
		audit.WithLogger(logger.Named("audit")),
		audit.WithWriteTimeout(cfg.Audit.WriteTimeout.Duration),
		audit.WithFailureCallback(svc.Monitor.AuditFailure))
	svc.closers = append(svc.closers, svc.Audit.Close)

	svc.Policy, err = security.NewPolicyEngine(cfg.Policy())
	if err != nil {
		return nil, err
	}
	roles, err := security.NewRoleSet(cfg.Roles)
	if err != nil {
		return nil, err
	}
	svc.Credentials, err = security.NewCredentialStore(svc.Store, svc.Audit, svc.Policy,
		security.WithCredentialLogger(logger.Named("credentials")),
		security.WithHashParams(cfg.HashParams()),
		security.WithRoles(roles))
	if err != nil {
		return nil, err
	}

	sessOpts := []security.SessionOption{security.WithSessionLogger(logger.Named("sessions"))}
	var bolt *security.BoltSessionStore
	if cfg.Session.Persist {
		if bolt, err = security.OpenBoltSessionStore(cfg.SessionsPath()); err != nil {
			return nil, err
		}
		sessOpts = append(sessOpts, security.WithSessionStore(bolt))
	}
	svc.Sessions, err = security.NewSessionManager(svc.Credentials, svc.Audit, cfg.SessionConfig(), sessOpts...)
	if err != nil {
		if bolt != nil {
			bolt.Close()
		}
		return nil, err
	}
	svc.closers = append(svc.closers, svc.Sessions.Close)

	svc.Records = records.New(svc.Store, svc.Audit, records.WithLogger(logger.Named("records")))

	svc.Backups, err = backup.Open(cfg.BackupConfig(), svc.Store, svc.Audit,
		backup.WithLogger(logger.Named("backup")),
		backup.WithFailureCallback(svc.Monitor.BackupFailure))
	if err != nil {
		return nil, err
	}
	svc.Restorer = svc.Backups
	svc.closers = append(svc.closers, svc.Backups.Close)

	logger.Info("service opened",
		zap.String("data_dir", cfg.DataDir),
		zap.String("audit_key", string(info.Source)))
	return svc, nil
}

// Close releases components in reverse order of opening. It is safe to
// call more than once.
func (s *Service) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		for i := len(s.closers) - 1; i >= 0; i-- {
			errs = append(errs, s.closers[i]())
		}
	})
	return errors.Join(errs...)
}

// Scheduler returns a backup driver for the configured jobs.
func (s *Service) Scheduler() (*backup.Driver, error) {
	policy, err := backup.ParseMissedPolicy(s.Config.Schedule.MissedPolicy)
	if err != nil {
		return nil, err
	}
	return backup.NewDriver(s.Backups, s.Config.Jobs(), policy,
		backup.WithDriverLogger(s.Logger.Named("schedule")),
		backup.WithDriverFailureCallback(s.Monitor.BackupFailure))
}

// OpsServer returns the operations HTTP server.
func (s *Service) OpsServer() (*server.Server, error) {
	return server.New(s.Config.OpsConfig(), s.Monitor, s.Audit, s.Backups, server.WithLogger(s.Logger.Named("http")))
}

// Serve runs the session sweeper, the backup scheduler (when enabled)
// and the operations server until ctx is cancelled.
func (s *Service) Serve(ctx context.Context) error {
	ops, err := s.OpsServer()
	if err != nil {
		return err
	}

	var driver *backup.Driver
	if s.Config.Schedule.Enabled {
		if driver, err = s.Scheduler(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errc := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Sessions.Run(ctx, SweepInterval)
	}()

	if driver != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := driver.Run(ctx); err != nil {
				errc <- fmt.Errorf("backup scheduler: %w", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ops.ListenAndServe(); err != nil {
			errc <- fmt.Errorf("operations server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errc:
		s.Logger.Error("service component stopped", zap.Error(err))
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer done()
	if serr := ops.Shutdown(shutdownCtx); serr != nil {
		err = errors.Join(err, serr)
	}
	wg.Wait()
	return err
}

// =============================================================================
// INITIALIZATION
// =============================================================================

// InitResult reports what Init did.
type InitResult struct {
	KeyCreated   bool
	AdminCreated bool
	Account      *security.Account
}

// Init prepares a fresh installation: it creates the audit key file if the
// configuration names one that does not exist, then opens the service and
// creates the first administrator when no account exists yet. password is
// only called in that case.
func Init(ctx context.Context, cfg *config.Config, logger *zap.Logger, adminID, displayName string, password func() (string, error)) (*Service, InitResult, error) {
	var res InitResult
	if cfg.Audit.KeyFile != "" && os.Getenv(audit.KeyEnvVar) == "" {
		if _, err := os.Stat(cfg.Audit.KeyFile); errors.Is(err, os.ErrNotExist) {
			if err := audit.GenerateKeyFile(cfg.Audit.KeyFile); err != nil {
				return nil, res, err
			}
			res.KeyCreated = true
		}
	}

	svc, err := Open(ctx, cfg, logger)
	if err != nil {
		return nil, res, err
	}
	has, err := svc.Credentials.HasAccounts(ctx)
	if err != nil {
		svc.Close()
		return nil, res, err
	}
	if has {
		return svc, res, nil
	}
	pw, err := password()
	if err != nil {
		svc.Close()
		return nil, res, err
	}
	acc, err := svc.Credentials.CreateAccount(ctx, audit.SystemActor, adminID, displayName, pw, security.RoleAdministrator)
	if err != nil {
		svc.Close()
		return nil, res, err
	}
	res.AdminCreated = true
	res.Account = acc
	return svc, res, nil
}
