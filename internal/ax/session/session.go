// Package session canonicalises session addresses (spec 3 "Session
// address") into the stable string key used everywhere else in the
// codebase to identify a conversation.
//
// Grounded on the teacher's internal/ruriko/matrix room-id normalisation
// (stable, order-independent key built from a small set of named fields).
package session

import (
	"sort"
	"strings"
)

// Scope is the kind of conversational context a session lives in.
type Scope string

const (
	ScopeDM      Scope = "dm"
	ScopeGroup   Scope = "group"
	ScopeChannel Scope = "channel"
	ScopeThread  Scope = "thread"
	ScopeSystem  Scope = "system"
)

// Address identifies a conversation session (spec 3 "Session address").
type Address struct {
	Provider    string
	Scope       Scope
	Identifiers map[string]string
	Parent      string
}

// Canonicalise builds the stable "provider:scope:id1=v1:id2=v2..." key used
// as the session id everywhere downstream. Identifier keys are sorted so
// the same address always canonicalises to the same string regardless of
// map iteration order.
func Canonicalise(a Address) string {
	keys := make([]string, 0, len(a.Identifiers))
	for k := range a.Identifiers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(a.Provider)
	b.WriteByte(':')
	b.WriteString(string(a.Scope))
	for _, k := range keys {
		b.WriteByte(':')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(a.Identifiers[k])
	}
	if a.Parent != "" {
		b.WriteString(":parent=")
		b.WriteString(a.Parent)
	}
	return b.String()
}
