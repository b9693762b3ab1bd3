// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// audit_cmd.go - Audit trail verification and search.
//
// Command: audit [subcommand]
//
// Subcommands:
//   verify   Recompute the hash chain (technician)
//   query    Search entries (administrator)
//
// Examples:
//   techsvc audit verify
//   techsvc audit verify --from 1000 --to 2000
//   techsvc audit query --actor jdoe --since 7d
//   techsvc audit query --action login_failure,lockout_triggered --limit 20 --json

package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jeranaias/techsvc/internal/security"
	"github.com/jeranaias/techsvc/internal/security/audit"
)

// defaultQueryLimit caps "audit query" without --limit.
const defaultQueryLimit = 100

func runAudit(inv *invocation) (any, error) {
	switch inv.args.Subcommand() {
	case "verify":
		return auditVerify(inv)
	case "query", "show":
		return auditQuery(inv)
	case "":
		return nil, usagef("missing audit subcommand")
	}
	return nil, usagef("unknown audit subcommand %q", inv.args.Subcommand())
}

func auditVerify(inv *invocation) (any, error) {
	from, err := inv.args.FlagUint64("from")
	if err != nil {
		return nil, err
	}
	to, err := inv.args.FlagUint64("to")
	if err != nil {
		return nil, err
	}

	svc, err := inv.open()
	if err != nil {
		return nil, err
	}
	defer svc.Close()
	if _, err := inv.authorize(svc, security.RoleTechnician); err != nil {
		return nil, err
	}

	report, err := svc.Audit.VerifyChain(inv.ctx, from, to)
	if err != nil {
		return nil, err
	}
	if !report.Intact {
		inv.printf("Audit chain BROKEN at seq %d: %s\n", report.FirstBad, report.Problem)
		inv.printf("  Checked %d entries in [%d, %d]\n", report.Checked, report.From, report.To)
		return report, fmt.Errorf("%w: seq %d: %s", errChainBroken, report.FirstBad, report.Problem)
	}
	if report.Checked == 0 {
		inv.printf("Audit chain empty in the requested range.\n")
	} else {
		inv.printf("Audit chain intact: %d entries (seq %d..%d)\n", report.Checked, report.From, report.To)
	}
	if !svc.Audit.Keyed() {
		inv.printf("  Warning: the chain is unkeyed; deliberate rewrites cannot be detected.\n")
	}
	return report, nil
}

func auditQuery(inv *invocation) (any, error) {
	f, err := queryFilter(inv.args, time.Now())
	if err != nil {
		return nil, err
	}

	svc, err := inv.open()
	if err != nil {
		return nil, err
	}
	defer svc.Close()
	if _, err := inv.authorize(svc, security.RoleAdministrator); err != nil {
		return nil, err
	}

	entries := make([]audit.Entry, 0)
	for e, err := range svc.Audit.Query(inv.ctx, f) {
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if inv.json {
		return entries, nil
	}

	tw := tabwriter.NewWriter(inv.env.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tACTOR\tACTION\tOUTCOME\tSUBJECT\tDETAIL")
	for _, e := range entries {
		subject := e.Subject.Type
		if e.Subject.ID != "" {
			subject += ":" + e.Subject.ID
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq, e.Timestamp.Local().Format(time.DateTime), e.Actor, e.Action, e.Outcome, subject, e.Detail)
	}
	if err := tw.Flush(); err != nil {
		return nil, err
	}
	if len(entries) == f.Limit {
		inv.printf("(limit %d reached; use --limit or --from to see more)\n", f.Limit)
	}
	return entries, nil
}

// queryFilter builds an audit filter from the command line.
func queryFilter(args *ArgParser, now time.Time) (audit.Filter, error) {
	var f audit.Filter
	var err error

	f.Actor = security.NormalizeIdentifier(args.Flag("actor"))
	for _, name := range splitList(args.Flag("action")) {
		a, err := audit.ParseAction(name)
		if err != nil {
			return f, usagef("--action: %v", err)
		}
		f.Actions = append(f.Actions, a)
	}
	if s := args.Flag("subject"); s != "" {
		typ, id, _ := strings.Cut(s, ":")
		f.Subject = &audit.Subject{Type: typ, ID: id}
	}
	if f.Since, err = args.FlagTime("since", now); err != nil {
		return f, err
	}
	if f.Until, err = args.FlagTime("until", now); err != nil {
		return f, err
	}
	if f.FromSeq, err = args.FlagUint64("from"); err != nil {
		return f, err
	}
	if f.ToSeq, err = args.FlagUint64("to"); err != nil {
		return f, err
	}
	if f.Limit, err = args.FlagInt("limit", defaultQueryLimit); err != nil {
		return f, err
	}
	if f.Limit == 0 {
		f.Limit = defaultQueryLimit
	}
	return f, nil
}
