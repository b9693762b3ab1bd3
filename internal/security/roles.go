// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// ROLES
// =============================================================================

// Role is an account's authorization level.
type Role string

const (
	RoleAdministrator Role = "administrator"
	RoleTechnician    Role = "technician"
	RoleViewer        Role = "viewer"
)

// RoleSet ranks roles; a higher rank satisfies every lower requirement.
type RoleSet struct {
	ranks map[Role]int
}

// DefaultRoles returns administrator > technician > viewer.
func DefaultRoles() *RoleSet {
	return &RoleSet{ranks: map[Role]int{
		RoleAdministrator: 300,
		RoleTechnician:    200,
		RoleViewer:        100,
	}}
}

// NewRoleSet extends the default roles with extra name → rank entries.
// Built-in roles cannot be redefined.
func NewRoleSet(extra map[string]int) (*RoleSet, error) {
	rs := DefaultRoles()
	for name, rank := range extra {
		role := Role(strings.ToLower(strings.TrimSpace(name)))
		if role == "" {
			return nil, fmt.Errorf("%w: empty role name", ErrInvalidConfiguration)
		}
		if _, builtin := rs.ranks[role]; builtin {
			return nil, fmt.Errorf("%w: role %q is built in", ErrInvalidConfiguration, role)
		}
		if rank <= 0 {
			return nil, fmt.Errorf("%w: role %q needs a positive rank", ErrInvalidConfiguration, role)
		}
		rs.ranks[role] = rank
	}
	return rs, nil
}

// Valid reports whether role is defined.
func (rs *RoleSet) Valid(role Role) bool {
	_, ok := rs.ranks[role]
	return ok
}

// Allows reports whether have meets the need requirement.
func (rs *RoleSet) Allows(have, need Role) bool {
	h, ok := rs.ranks[have]
	if !ok {
		return false
	}
	n, ok := rs.ranks[need]
	if !ok {
		return false
	}
	return h >= n
}

// List returns roles from highest to lowest rank.
func (rs *RoleSet) List() []Role {
	out := make([]Role, 0, len(rs.ranks))
	for r := range rs.ranks {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if rs.ranks[out[i]] != rs.ranks[out[j]] {
			return rs.ranks[out[i]] > rs.ranks[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}
