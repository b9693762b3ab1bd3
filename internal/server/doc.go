// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the operations HTTP surface and the monitor that
// collects durability alerts.
//
// # Endpoints
//
//   - GET /healthz       - 200 while no alert is outstanding, 503 otherwise
//   - GET /alerts        - Outstanding alerts, newest first
//   - GET /audit/verify  - Audit chain verification (?from=&to=)
//   - GET /backups       - Backup catalog, newest first
//
// The surface is read-only and only answers loopback clients.
//
// # Key Types
//
//   - Monitor: Bounded ring of alerts raised by the audit log and the
//     backup engine
//   - Server: chi router plus http.Server lifecycle
//
// # Usage
//
//	mon := server.NewMonitor(server.DefaultAlertCapacity)
//	log.SetFailureCallback(mon.AuditFailure)
//	engine.SetFailureCallback(mon.BackupFailure)
//
//	srv, err := server.New(server.Config{Listen: "127.0.0.1:8788"}, mon, log, engine)
//	if err != nil {
//		return err
//	}
//	go srv.ListenAndServe()
//	defer srv.Shutdown(ctx)
package server
