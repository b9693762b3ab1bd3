// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// args.go - Argument parsing shared by every techsvc command.

package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// ARG PARSER
// =============================================================================

// booleanFlags never take a value, so "--json backup" leaves "backup" as a
// positional argument.
var booleanFlags = map[string]bool{
	"json":    true,
	"confirm": true,
	"verbose": true,
	"v":       true,
	"reset":   true,
	"help":    true,
	"h":       true,
}

// ArgParser provides argument parsing for CLI commands.
// It handles these flag formats:
//   - Long flags: --flag value or --flag=value
//   - Short flags: -f value
//   - Boolean flags: --flag (no value needed)
//   - Positional arguments: arguments without flags
//
// The first positional argument is the command, the second the subcommand.
type ArgParser struct {
	flags      map[string]string
	boolFlags  map[string]bool
	positional []string
	raw        []string
}

// NewArgParser parses raw.
//
// Example:
//
//	args := NewArgParser([]string{"audit", "query", "--limit", "50", "--since=24h", "--json"})
//	args.Command()        // "audit"
//	args.Subcommand()     // "query"
//	args.Flag("limit")    // "50"
//	args.Flag("since")    // "24h"
//	args.BoolFlag("json") // true
func NewArgParser(raw []string) *ArgParser {
	parser := &ArgParser{
		flags:      make(map[string]string),
		boolFlags:  make(map[string]bool),
		positional: make([]string, 0),
		raw:        raw,
	}

	i := 0
	for i < len(raw) {
		arg := raw[i]

		if arg == "--" {
			parser.positional = append(parser.positional, raw[i+1:]...)
			break
		}

		if strings.HasPrefix(arg, "-") && len(arg) > 1 {
			// --flag=value
			if name, value, ok := strings.Cut(arg, "="); ok {
				name = strings.TrimLeft(name, "-")
				if booleanFlags[name] || value == "true" || value == "false" {
					parser.boolFlags[name] = value == "true"
				} else {
					parser.flags[name] = value
				}
				i++
				continue
			}

			name := strings.TrimLeft(arg, "-")
			if !booleanFlags[name] && i+1 < len(raw) && !strings.HasPrefix(raw[i+1], "-") {
				parser.flags[name] = raw[i+1]
				i += 2
			} else {
				parser.boolFlags[name] = true
				i++
			}
			continue
		}

		parser.positional = append(parser.positional, arg)
		i++
	}

	return parser
}

// Command returns the first positional argument.
func (p *ArgParser) Command() string {
	return p.Positional(0)
}

// Subcommand returns the second positional argument.
//
// Example: "backup verify 42" -> "verify"
func (p *ArgParser) Subcommand() string {
	return p.Positional(1)
}

// Flag returns the value of a string flag, or "" if it is not set.
func (p *ArgParser) Flag(name string) string {
	return p.flags[strings.TrimLeft(name, "-")]
}

// FlagOrDefault returns the flag value or defaultValue if not set.
func (p *ArgParser) FlagOrDefault(name, defaultValue string) string {
	if val := p.Flag(name); val != "" {
		return val
	}
	return defaultValue
}

// FlagInt returns the flag as a non-negative integer, or defaultValue if
// the flag is not set.
func (p *ArgParser) FlagInt(name string, defaultValue int) (int, error) {
	val := p.Flag(name)
	if val == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return 0, usagef("--%s must be a non-negative integer, got %q", name, val)
	}
	return n, nil
}

// FlagUint64 is FlagInt for sequence numbers.
func (p *ArgParser) FlagUint64(name string) (uint64, error) {
	val := p.Flag(name)
	if val == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, usagef("--%s must be a sequence number, got %q", name, val)
	}
	return n, nil
}

// FlagTime parses an RFC 3339 timestamp, a YYYY-MM-DD date or a relative
// duration ("24h", "7d") counted back from now.
func (p *ArgParser) FlagTime(name string, now time.Time) (time.Time, error) {
	val := p.Flag(name)
	if val == "" {
		return time.Time{}, nil
	}
	t, err := parseTimeArg(val, now)
	if err != nil {
		return time.Time{}, usagef("--%s: %v", name, err)
	}
	return t, nil
}

// BoolFlag returns the value of a boolean flag.
func (p *ArgParser) BoolFlag(name string) bool {
	return p.boolFlags[strings.TrimLeft(name, "-")]
}

// Positional returns the positional argument at index, or "".
func (p *ArgParser) Positional(index int) string {
	if index < 0 || index >= len(p.positional) {
		return ""
	}
	return p.positional[index]
}

// PositionalCount returns the number of positional arguments.
func (p *ArgParser) PositionalCount() int {
	return len(p.positional)
}

// HasFlag returns true if the flag was given in either form.
func (p *ArgParser) HasFlag(name string) bool {
	name = strings.TrimLeft(name, "-")
	_, hasString := p.flags[name]
	_, hasBool := p.boolFlags[name]
	return hasString || hasBool
}

// Raw returns the original arguments.
func (p *ArgParser) Raw() []string {
	return p.raw
}

// =============================================================================
// HELPERS
// =============================================================================

func parseTimeArg(val string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, val); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", val, time.Local); err == nil {
		return t, nil
	}
	if days, ok := strings.CutSuffix(val, "d"); ok {
		n, err := strconv.Atoi(days)
		if err == nil && n >= 0 {
			return now.AddDate(0, 0, -n), nil
		}
	}
	if d, err := time.ParseDuration(val); err == nil && d >= 0 {
		return now.Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q (want RFC 3339, YYYY-MM-DD, or a duration such as 24h or 7d)", val)
}

// splitList splits a comma-separated flag value, dropping empty items.
func splitList(val string) []string {
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
