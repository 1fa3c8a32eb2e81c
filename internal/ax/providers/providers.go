// Package providers implements the static provider allowlist (C2).
//
// Grounded on the teacher's internal/ruriko/approvals.GatedActions: a
// closed, compile-time-populated map is the whole contract. No caller
// string ever reaches a filesystem path; resolution is a map lookup, not a
// path join.
package providers

import "fmt"

// ErrUnknownProvider is returned by Resolve when (kind,name) is not in the
// allowlist.
var ErrUnknownProvider = fmt.Errorf("unknown provider kind/name")

// Map is the static (kind,name) -> module-id allowlist. Every entry here is
// the only way a provider can ever be reached; there is no dynamic
// registration path.
var Map = map[string]map[string]string{
	"memory": {
		"sqlite": "providers/memory/sqlite",
		"null":   "providers/memory/null",
	},
	"audit": {
		"sqlite": "providers/audit/sqlite",
	},
	"web": {
		"http": "providers/web/http",
	},
	"browser": {
		"headless": "providers/browser/headless",
	},
	"skills": {
		"filesystem": "providers/skills/filesystem",
	},
}

// Resolve looks up the module id registered for (kind,name). It never
// constructs a path from caller input: every valid combination is
// enumerated ahead of time in Map.
func Resolve(kind, name string) (string, error) {
	byName, ok := Map[kind]
	if !ok {
		return "", fmt.Errorf("%w: kind %q", ErrUnknownProvider, kind)
	}
	moduleID, ok := byName[name]
	if !ok {
		return "", fmt.Errorf("%w: name %q for kind %q", ErrUnknownProvider, name, kind)
	}
	return moduleID, nil
}

// Kinds returns the registered provider kinds.
func Kinds() []string {
	out := make([]string, 0, len(Map))
	for k := range Map {
		out = append(out, k)
	}
	return out
}
