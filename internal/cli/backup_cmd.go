// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// backup_cmd.go - Backup and restore commands.
//
// Command: backup [subcommand]
//
// Subcommands:
//   create [class]         Take a snapshot (technician)
//   list (default)         List backups, newest first (technician)
//   verify <id>            Recompute a payload digest (technician)
//   restore <id> <target>  Replay into a new database file (administrator)
//   retention              Apply retention rules now (administrator)
//
// Examples:
//   techsvc backup create
//   techsvc backup create weekly
//   techsvc backup verify 3f2a...
//   techsvc backup restore 3f2a... /srv/techsvc/restored.db --confirm
//
// A restore never touches the live store. Switching the service over to
// the restored file is a manual step done with the service stopped.

package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jeranaias/techsvc/internal/app"
	"github.com/jeranaias/techsvc/internal/backup"
	"github.com/jeranaias/techsvc/internal/security"
)

func runBackup(inv *invocation) (any, error) {
	sub := inv.args.Subcommand()
	need := security.RoleTechnician
	switch sub {
	case "", "list", "ls", "create", "verify":
	case "restore", "retention":
		need = security.RoleAdministrator
	default:
		return nil, usagef("unknown backup subcommand %q", sub)
	}

	svc, err := inv.open()
	if err != nil {
		return nil, err
	}
	defer svc.Close()
	sess, err := inv.authorize(svc, need)
	if err != nil {
		return nil, err
	}
	ctx := backup.WithActor(inv.ctx, sess.AccountID)

	switch sub {
	case "", "list", "ls":
		return backupList(inv, svc)
	case "create":
		name := inv.args.Positional(2)
		if name == "" {
			name = string(backup.ClassManual)
		}
		class, err := backup.ParseClass(name)
		if err != nil {
			return nil, usagef("%v", err)
		}
		rec, err := svc.Backups.CreateBackup(ctx, class)
		if err != nil {
			return nil, &CommandError{Command: "backup", Action: "create", Err: err}
		}
		inv.printf("Created %s backup %s (%s, marker %s)\n", rec.Class, rec.ID, humanize.IBytes(uint64(rec.Size)), rec.SourceMarker)
		return rec, nil
	case "verify":
		id, err := inv.requireArg(2, "backup id")
		if err != nil {
			return nil, err
		}
		rec, err := svc.Restorer.Verify(ctx, id)
		if err != nil {
			return rec, err
		}
		inv.printf("Backup %s verified (digest %s)\n", rec.ID, rec.Digest)
		return rec, nil
	case "restore":
		return backupRestore(ctx, inv, svc)
	default:
		purged, err := svc.Backups.ApplyRetention(ctx)
		if err != nil {
			return purged, err
		}
		for _, r := range purged {
			inv.printf("Purged %s backup %s from %s\n", r.Class, r.ID, r.CreatedAt.Local().Format(time.DateTime))
		}
		if len(purged) == 0 {
			inv.printf("Nothing to purge.\n")
		}
		return purged, nil
	}
}

func backupList(inv *invocation, svc *app.Service) (any, error) {
	recs, err := svc.Backups.List(inv.ctx)
	if err != nil {
		return nil, err
	}
	if inv.json {
		return recs, nil
	}
	if len(recs) == 0 {
		inv.printf("No backups.\n")
		return recs, nil
	}
	tw := tabwriter.NewWriter(inv.env.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tCLASS\tSIZE\tSTATUS\tMARKER")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.CreatedAt.Local().Format(time.DateTime), r.Class, humanize.IBytes(uint64(r.Size)), r.Status, r.SourceMarker)
	}
	return recs, tw.Flush()
}

func backupRestore(ctx context.Context, inv *invocation, svc *app.Service) (any, error) {
	id, err := inv.requireArg(2, "backup id")
	if err != nil {
		return nil, err
	}
	target, err := inv.requireArg(3, "restore target path")
	if err != nil {
		return nil, err
	}
	if !inv.args.BoolFlag("confirm") {
		ok, err := inv.prompt.Confirm(fmt.Sprintf("Restore backup %s into %s?", id, target))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, usagef("restore not confirmed")
		}
	}
	res, err := svc.Restorer.Restore(ctx, id, target)
	if err != nil {
		return nil, &CommandError{Command: "backup", Action: "restore", Err: err}
	}
	inv.printf("Restored backup %s into %s\n", res.BackupID, res.Target)
	inv.printf("  Schema version %d, %d tables, source %s, took %s\n",
		res.SchemaVersion, res.Tables, res.SourceMarker, res.Duration.Round(time.Millisecond))
	inv.printf("  Stop the service and replace %s with it to cut over.\n", svc.Config.StorePath())
	return res, nil
}
