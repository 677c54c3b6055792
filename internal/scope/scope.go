// Package scope implements the dotted-string permission scopes used by
// tokens: a defined scope covers any string for which its own dot
// components form a non-strict prefix.
package scope

import "strings"

// Covers reports whether the scope string "defined" covers "requesting":
// the dot components of defined must be a prefix of, and no longer than,
// the dot components of requesting. "a.b" covers "a.b.c" but not "a" nor
// "b.c".
func Covers(defined, requesting string) bool {
	d := strings.Split(defined, ".")
	r := strings.Split(requesting, ".")
	if len(d) > len(r) {
		return false
	}
	for i, part := range d {
		if part != r[i] {
			return false
		}
	}
	return true
}

// Set is a set of dotted permission strings.
type Set []string

// Contains reports whether s covers the scope string q: some element of
// s covers q per Covers.
func (s Set) Contains(q string) bool {
	for _, defined := range s {
		if Covers(defined, q) {
			return true
		}
	}
	return false
}

// Superset reports whether every scope in query is covered by some scope
// in s, i.e. whether s authorizes everything query asks for.
func (s Set) Superset(query Set) bool {
	for _, q := range query {
		if !s.Contains(q) {
			return false
		}
	}
	return true
}

// Equal reports whether two sets contain exactly the same scope strings,
// ignoring order.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	seen := make(map[string]int, len(s))
	for _, v := range s {
		seen[v]++
	}
	for _, v := range other {
		if seen[v] == 0 {
			return false
		}
		seen[v]--
	}
	return true
}

// Well-known scopes used by the auth provider and IMAP binding.
const (
	ActAsUser = "act_as_user"
	Mail      = "mail"
)
