package schema

import (
	"strings"
)

// NormalizeOrigin implements spec 4.9's origin normaliser: lower-case,
// collapse non-alphanumerics to '_', then match by substring. Anything
// that does not match either known origin defaults to "user_request".
func NormalizeOrigin(raw string) string {
	n := collapseNonAlnum(strings.ToLower(raw))
	switch {
	case strings.Contains(n, "agent"):
		return "agent_initiated"
	case strings.Contains(n, "user"):
		return "user_request"
	default:
		return "user_request"
	}
}

// identityFileAliases maps normalised (lower-cased) identity file
// references to their canonical on-disk name.
var identityFileAliases = map[string]string{
	"soul":        "SOUL.md",
	"soul.md":     "SOUL.md",
	"identity":    "IDENTITY.md",
	"identity.md": "IDENTITY.md",
	"user":        "USER.md",
	"user.md":     "USER.md",
}

// NormalizeIdentityFile implements spec 4.9's identity-file normaliser.
// Unknown values pass through unchanged so the strict enum check at the
// call site can reject them.
func NormalizeIdentityFile(raw string) string {
	n := strings.ToLower(strings.TrimSpace(raw))
	if canon, ok := identityFileAliases[n]; ok {
		return canon
	}
	return raw
}

func collapseNonAlnum(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
