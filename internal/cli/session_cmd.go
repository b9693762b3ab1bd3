// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// session_cmd.go - login and logout.
//
// A login that is due for a password rotation gets a rotation-only
// session; the command then asks for the new password and prints the full
// session that replaces it.

package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/jeranaias/techsvc/internal/app"
	"github.com/jeranaias/techsvc/internal/security"
)

func runLogin(inv *invocation) (any, error) {
	id := inv.args.Positional(1)
	if id == "" {
		id = inv.args.Flag("user")
	}
	if id == "" {
		return nil, usagef("missing account identifier: techsvc login <id>")
	}

	svc, err := inv.open()
	if err != nil {
		return nil, err
	}
	defer svc.Close()

	password, err := inv.prompt.Secret("Password: ")
	if err != nil {
		return nil, err
	}
	sess, err := svc.Sessions.StartSession(inv.ctx, security.Credentials{
		Identifier: id,
		Password:   password,
		OTP:        inv.args.Flag("otp"),
	})
	rotated := false
	if errors.Is(err, security.ErrPasswordRotationRequired) {
		sess, err = rotate(inv, svc, sess.Token)
		rotated = true
	}
	if err != nil {
		return nil, err
	}
	return printSession(inv, sess, rotated), nil
}

// rotate asks for a new password on a rotation-only session.
func rotate(inv *invocation, svc *app.Service, token string) (*security.Session, error) {
	fmt.Fprintln(inv.env.Stderr, "Your password must be changed before continuing.")
	password, err := inv.prompt.NewSecret("New password: ")
	if err != nil {
		return nil, err
	}
	return svc.Sessions.ChangePassword(inv.ctx, token, password)
}

func printSession(inv *invocation, sess *security.Session, rotated bool) LoginData {
	data := LoginData{
		Token:     sess.Token,
		Account:   sess.AccountID,
		Role:      string(sess.Role),
		ExpiresAt: sess.ExpiresAt(),
		Rotated:   rotated,
	}
	if rotated {
		inv.printf("Password changed.\n")
	}
	inv.printf("Logged in as %s (%s); idle timeout %s.\n\n", data.Account, data.Role, sess.IdleTimeout)
	inv.printf("  export %s=%s\n", TokenEnvVar, data.Token)
	return data
}

func runLogout(inv *invocation) (any, error) {
	token := inv.token()
	if token == "" {
		return nil, errNoToken
	}
	svc, err := inv.open()
	if err != nil {
		return nil, err
	}
	defer svc.Close()

	sess, err := svc.Sessions.Validate(inv.ctx, token)
	if err != nil {
		return nil, err
	}
	if err := svc.Sessions.Revoke(inv.ctx, token, sess.AccountID); err != nil {
		return nil, err
	}
	inv.printf("Session for %s ended at %s.\n", sess.AccountID, time.Now().Format(time.DateTime))
	return map[string]string{"account": sess.AccountID}, nil
}
