// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// account_cmd.go - Account administration commands.
//
// Command: account [subcommand]
//
// Subcommands:
//   create <id>          Create an account (administrator)
//   passwd [id]          Change your own password, or reset another (administrator)
//   unlock <id>          Clear a lockout (administrator)
//   deactivate <id>      Deactivate an account (administrator)
//   list                 List accounts (administrator)
//   sessions <id>        List active sessions (administrator)
//   revoke <id>          Revoke all sessions (administrator)
//   totp enroll|disable  Manage the second factor (administrator)

package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jeranaias/techsvc/internal/app"
	"github.com/jeranaias/techsvc/internal/security"
)

func runAccount(inv *invocation) (any, error) {
	sub := inv.args.Subcommand()
	switch sub {
	case "create", "passwd", "unlock", "deactivate", "list", "ls", "sessions", "revoke", "totp":
	case "":
		return nil, usagef("missing account subcommand")
	default:
		return nil, usagef("unknown account subcommand %q", sub)
	}

	svc, err := inv.open()
	if err != nil {
		return nil, err
	}
	defer svc.Close()

	// passwd authorizes itself: changing your own password needs only a
	// valid session, including a rotation-only one.
	if sub == "passwd" {
		return accountPasswd(inv, svc)
	}

	sess, err := inv.authorize(svc, security.RoleAdministrator)
	if err != nil {
		return nil, err
	}
	actor := sess.AccountID

	switch sub {
	case "create":
		return accountCreate(inv, svc, actor)
	case "unlock":
		id, err := inv.requireArg(2, "account identifier")
		if err != nil {
			return nil, err
		}
		if err := svc.Credentials.Unlock(inv.ctx, actor, id); err != nil {
			return nil, err
		}
		inv.printf("Unlocked %s.\n", security.NormalizeIdentifier(id))
		return map[string]string{"account": security.NormalizeIdentifier(id)}, nil
	case "deactivate":
		return accountDeactivate(inv, svc, actor)
	case "list", "ls":
		return accountList(inv, svc)
	case "sessions":
		id, err := inv.requireArg(2, "account identifier")
		if err != nil {
			return nil, err
		}
		active := svc.Sessions.Active(id)
		for _, s := range active {
			inv.printf("%s  %-13s created %s  last active %s\n",
				s.ShortID(), s.Kind, s.CreatedAt.Local().Format(time.DateTime), s.LastActivityAt.Local().Format(time.DateTime))
		}
		if len(active) == 0 {
			inv.printf("No active sessions.\n")
		}
		return active, nil
	case "revoke":
		id, err := inv.requireArg(2, "account identifier")
		if err != nil {
			return nil, err
		}
		n, err := svc.Sessions.RevokeAll(inv.ctx, id, actor)
		if err != nil {
			return nil, err
		}
		inv.printf("Revoked %d session(s).\n", n)
		return map[string]int{"revoked": n}, nil
	default:
		return accountTOTP(inv, svc, actor)
	}
}

func accountCreate(inv *invocation, svc *app.Service, actor string) (any, error) {
	id, err := inv.requireArg(2, "account identifier")
	if err != nil {
		return nil, err
	}
	role := security.Role(strings.ToLower(inv.args.FlagOrDefault("role", string(security.RoleViewer))))
	name := inv.args.FlagOrDefault("name", id)

	password, err := inv.prompt.NewSecret(fmt.Sprintf("Initial password for %s: ", id))
	if err != nil {
		return nil, err
	}
	acc, err := svc.Credentials.CreateAccount(inv.ctx, actor, id, name, password, role)
	if err != nil {
		return nil, err
	}
	inv.printf("Created %s %q.\n", acc.Role, acc.ID)
	return acc, nil
}

func accountPasswd(inv *invocation, svc *app.Service) (any, error) {
	token := inv.token()
	if token == "" {
		return nil, errNoToken
	}
	sess, err := svc.Sessions.Validate(inv.ctx, token)
	if err != nil {
		return nil, err
	}

	target := inv.args.Positional(2)
	if target == "" || security.NormalizeIdentifier(target) == sess.AccountID {
		password, err := inv.prompt.NewSecret("New password: ")
		if err != nil {
			return nil, err
		}
		fresh, err := svc.Sessions.ChangePassword(inv.ctx, token, password)
		if err != nil {
			return nil, err
		}
		inv.printf("Password changed; your other sessions were ended.\n")
		return printSession(inv, fresh, true), nil
	}

	admin, err := svc.Sessions.Authorize(inv.ctx, token, security.RoleAdministrator)
	if err != nil {
		return nil, err
	}
	password, err := inv.prompt.NewSecret(fmt.Sprintf("New password for %s: ", target))
	if err != nil {
		return nil, err
	}
	if err := svc.Credentials.SetPassword(inv.ctx, admin.AccountID, target, password); err != nil {
		return nil, err
	}
	target = security.NormalizeIdentifier(target)
	inv.printf("Password for %s reset.\n", target)
	return map[string]string{"account": target}, nil
}

func accountDeactivate(inv *invocation, svc *app.Service, actor string) (any, error) {
	id, err := inv.requireArg(2, "account identifier")
	if err != nil {
		return nil, err
	}
	if !inv.args.BoolFlag("confirm") {
		ok, err := inv.prompt.Confirm(fmt.Sprintf("Deactivate %s and end its sessions?", id))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, usagef("deactivation not confirmed")
		}
	}
	if err := svc.Credentials.Deactivate(inv.ctx, actor, id); err != nil {
		return nil, err
	}
	id = security.NormalizeIdentifier(id)
	inv.printf("Deactivated %s.\n", id)
	return map[string]string{"account": id}, nil
}

func accountList(inv *invocation, svc *app.Service) (any, error) {
	accounts, err := svc.Credentials.List(inv.ctx)
	if err != nil {
		return nil, err
	}
	if inv.json {
		return accounts, nil
	}

	now := time.Now()
	tw := tabwriter.NewWriter(inv.env.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tROLE\tSTATUS\tTOTP\tPASSWORD CHANGED")
	for _, a := range accounts {
		status := "active"
		switch {
		case !a.Active:
			status = "inactive"
		case a.IsLocked(now):
			status = "locked until " + a.LockedUntil.Local().Format(time.DateTime)
		case a.MustChangePassword:
			status = "must change password"
		}
		totp := "no"
		if a.TOTPEnabled {
			totp = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID, a.DisplayName, a.Role, status, totp, a.PasswordChangedAt.Local().Format(time.DateOnly))
	}
	return accounts, tw.Flush()
}

func accountTOTP(inv *invocation, svc *app.Service, actor string) (any, error) {
	action := inv.args.Positional(2)
	id, err := inv.requireArg(3, "account identifier")
	if err != nil {
		return nil, err
	}
	switch action {
	case "enroll":
		key, err := svc.Credentials.EnrollTOTP(inv.ctx, actor, id)
		if err != nil {
			return nil, err
		}
		data := TOTPData{Account: security.NormalizeIdentifier(id), Secret: key.Secret(), URL: key.URL()}
		inv.printf("TOTP enrolled for %s.\n", data.Account)
		inv.printf("  Secret: %s\n", data.Secret)
		inv.printf("  URL:    %s\n", data.URL)
		return data, nil
	case "disable":
		if err := svc.Credentials.DisableTOTP(inv.ctx, actor, id); err != nil {
			return nil, err
		}
		inv.printf("TOTP disabled for %s.\n", security.NormalizeIdentifier(id))
		return map[string]string{"account": security.NormalizeIdentifier(id)}, nil
	}
	return nil, usagef("usage: techsvc account totp enroll|disable <id>")
}
