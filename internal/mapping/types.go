// Package mapping maintains the identity → authorized-roles index: the
// generators that produce it, the engine that merges and persists it, and
// the read paths the resolver depends on.
package mapping

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// AuthorizedRoleSet holds the roles one identity may assume. Console roles
// are usable interactively; CLI-only roles are released solely to
// non-interactive clients.
type AuthorizedRoleSet struct {
	ConsoleRoles []string `json:"console_roles"`
	CLIOnlyRoles []string `json:"cli_only_roles"`
}

// ForwardMapping maps an identity (user email or group name) to its
// authorized role set.
type ForwardMapping map[string]AuthorizedRoleSet

// ReverseMapping maps a role identifier to the identities that may assume
// it. Audit and reporting only, never an authorization input.
type ReverseMapping map[string][]string

// Snapshot is the unit of persistence: forward and reverse derived from
// the same generator pass and committed as one durable write, so a reader
// can never observe one without the other.
type Snapshot struct {
	Forward     ForwardMapping `json:"forward"`
	Reverse     ReverseMapping `json:"reverse"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// Roles flattens the set, optionally including CLI-only roles.
func (s AuthorizedRoleSet) Roles(includeCLI bool) []string {
	out := append([]string(nil), s.ConsoleRoles...)
	if includeCLI {
		out = append(out, s.CLIOnlyRoles...)
	}
	return dedupeSorted(out)
}

// Union merges other into s, keeping both slices sorted and duplicate-free.
func (s AuthorizedRoleSet) Union(other AuthorizedRoleSet) AuthorizedRoleSet {
	return AuthorizedRoleSet{
		ConsoleRoles: dedupeSorted(append(append([]string(nil), s.ConsoleRoles...), other.ConsoleRoles...)),
		CLIOnlyRoles: dedupeSorted(append(append([]string(nil), s.CLIOnlyRoles...), other.CLIOnlyRoles...)),
	}
}

// IsEmpty reports whether the set holds no roles at all.
func (s AuthorizedRoleSet) IsEmpty() bool {
	return len(s.ConsoleRoles) == 0 && len(s.CLIOnlyRoles) == 0
}

// Add unions set into the identity's entry. This is the merge primitive
// generators use: union on role sets within one identity.
func (m ForwardMapping) Add(identity string, set AuthorizedRoleSet) {
	m[identity] = m[identity].Union(set)
}

// Replace overwrites the identity's entry wholesale. A later generator
// using Replace wins over earlier writers for that identity. The input
// slices are copied; dedupeSorted works in place.
func (m ForwardMapping) Replace(identity string, set AuthorizedRoleSet) {
	m[identity] = AuthorizedRoleSet{
		ConsoleRoles: dedupeSorted(append([]string(nil), set.ConsoleRoles...)),
		CLIOnlyRoles: dedupeSorted(append([]string(nil), set.CLIOnlyRoles...)),
	}
}

// Clone deep-copies the mapping so a failed generator cannot corrupt the
// accumulator of the last successful one.
func (m ForwardMapping) Clone() ForwardMapping {
	out := make(ForwardMapping, len(m))
	for k, v := range m {
		out[k] = AuthorizedRoleSet{
			ConsoleRoles: append([]string(nil), v.ConsoleRoles...),
			CLIOnlyRoles: append([]string(nil), v.CLIOnlyRoles...),
		}
	}
	return out
}

// FoldCase lowercases every identity key, unioning entries that collide.
func (m ForwardMapping) FoldCase() ForwardMapping {
	out := make(ForwardMapping, len(m))
	for identity, set := range m {
		out.Add(strings.ToLower(identity), set)
	}
	return out
}

// Invert derives the reverse index. The result covers console and CLI-only
// roles alike: audit wants every grant, not just interactive ones.
func (m ForwardMapping) Invert() ReverseMapping {
	rev := ReverseMapping{}
	for identity, set := range m {
		for _, role := range set.Roles(true) {
			rev[role] = append(rev[role], identity)
		}
	}
	for role := range rev {
		rev[role] = dedupeSorted(rev[role])
	}
	return rev
}

// MarshalStable renders the mapping with sorted keys for deterministic
// persistence and test comparison.
func (s Snapshot) MarshalStable() ([]byte, error) {
	return json.Marshal(s)
}

func dedupeSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	sort.Strings(in)
	out := in[:0]
	var prev string
	for i, v := range in {
		if v == "" {
			continue
		}
		if i > 0 && v == prev {
			continue
		}
		out = append(out, v)
		prev = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
