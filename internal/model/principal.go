package model

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"
)

// RoleAdmin grants RMA transition and delete capabilities.
const RoleAdmin = "admin"

// RoleSet is a normalized (lowercase, trimmed, unique, sorted) set of roles.
type RoleSet []string

// NewRoleSet normalizes the given roles.
func NewRoleSet(roles ...string) RoleSet {
	seen := make(map[string]struct{}, len(roles))
	out := make(RoleSet, 0, len(roles))
	for _, r := range roles {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Has reports whether role is in the set (case-insensitive).
func (s RoleSet) Has(role string) bool {
	role = strings.ToLower(strings.TrimSpace(role))
	i := sort.SearchStrings(s, role)
	return i < len(s) && s[i] == role
}

// UnmarshalJSON accepts either a single string or a list of strings.
func (s *RoleSet) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*s = NewRoleSet(one)
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("roles: want string or list of strings")
	}
	*s = NewRoleSet(many...)
	return nil
}

// Principal is the authenticated identity and its role claims.
type Principal struct {
	ID        string    `json:"id,omitempty"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone,omitempty"`
	Roles     RoleSet   `json:"roles"`
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// UnmarshalJSON accepts "role" or "roles", each either a string or a list.
func (p *Principal) UnmarshalJSON(b []byte) error {
	type plain Principal
	var aux struct {
		plain
		Role  *RoleSet `json:"role"`
		Roles *RoleSet `json:"roles"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*p = Principal(aux.plain)
	p.Roles = nil
	var all []string
	if aux.Role != nil {
		all = append(all, *aux.Role...)
	}
	if aux.Roles != nil {
		all = append(all, *aux.Roles...)
	}
	p.Roles = NewRoleSet(all...)
	return nil
}

// Actor returns the principal as an RMA actor.
func (p Principal) Actor() Actor {
	return Actor{Name: p.Name, Email: p.Email, Phone: p.Phone}
}
