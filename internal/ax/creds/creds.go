// Package creds implements the OAuth credential refresher (C14):
// ensureOAuthTokenFresh checks expiry and refreshes proactively;
// refreshOAuthTokenFromEnv is the unconditional callback C11 invokes on
// a reactive 401. Both rewrite only the three OAuth lines of the on-disk
// .env file, preserving every other line untouched.
//
// Grounded on common/environment's read-env-var idiom (String/StringOr);
// the .env line-preserving rewrite itself has no teacher precedent to
// adapt (the pack writes agent env vars straight to a container spec,
// never to a shared dotenv file) and is written fresh in the same
// plain-stdlib, no-magic style as common/environment. Credentials here
// are never encrypted at rest: the .env file already holds plaintext
// secrets that reach the host as environment variables (the sandbox
// environment never carries them), so an
// encrypt/decrypt layer would only protect the file between writes
// while the key to unlock it lived next to it — no real boundary to
// defend.
package creds

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ax-host/ax/common/environment"
)

// freshnessWindow is how far ahead of expiry ensureOAuthTokenFresh
// proactively refreshes (spec 4.14 "more than 5 minutes away").
const freshnessWindow = 5 * time.Minute

// RefreshFunc exchanges a refresh token for a new access/refresh token
// pair with the upstream's OAuth endpoint.
type RefreshFunc func(ctx context.Context, refreshToken string) (Tokens, error)

// Tokens is the three-field OAuth credential set this package keeps in
// sync between the process environment and the .env file.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Refresher owns the .env file path and the upstream refresh callback.
type Refresher struct {
	envPath string
	refresh RefreshFunc
	logger  *slog.Logger

	mu sync.Mutex
}

// New returns a Refresher that rewrites envPath in place on every
// successful refresh.
func New(envPath string, refresh RefreshFunc, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{envPath: envPath, refresh: refresh, logger: logger.With("component", "creds")}
}

// EnsureFresh reads REFRESH_TOKEN/EXPIRES_AT from the environment; if
// either is absent, or expiry is more than freshnessWindow away, it is a
// no-op. Otherwise it refreshes and persists the new tokens. A refresh
// failure is logged, never returned to the caller (spec 4.14 "Refresh
// failure is logged, not thrown").
func (r *Refresher) EnsureFresh(ctx context.Context) {
	refreshToken, ok := environment.String("REFRESH_TOKEN")
	if !ok || refreshToken == "" {
		return
	}
	expiresAtRaw, ok := environment.String("EXPIRES_AT")
	if !ok || expiresAtRaw == "" {
		return
	}
	expiresAt, err := parseExpiresAt(expiresAtRaw)
	if err != nil {
		r.logger.Warn("malformed EXPIRES_AT, skipping proactive refresh", "value", expiresAtRaw, "error", err)
		return
	}
	if time.Until(expiresAt) > freshnessWindow {
		return
	}

	if err := r.doRefresh(ctx, refreshToken); err != nil {
		r.logger.Warn("oauth token refresh failed", "error", err)
	}
}

// RefreshFromEnv unconditionally re-runs the full refresh regardless of
// expiry; it is the callback C11 invokes on a reactive 401.
func (r *Refresher) RefreshFromEnv(ctx context.Context) error {
	refreshToken, ok := environment.String("REFRESH_TOKEN")
	if !ok || refreshToken == "" {
		return fmt.Errorf("creds: no REFRESH_TOKEN in environment")
	}
	return r.doRefresh(ctx, refreshToken)
}

func (r *Refresher) doRefresh(ctx context.Context, refreshToken string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tokens, err := r.refresh(ctx, refreshToken)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	os.Setenv("ACCESS_TOKEN", tokens.AccessToken)
	os.Setenv("REFRESH_TOKEN", tokens.RefreshToken)
	os.Setenv("EXPIRES_AT", strconv.FormatInt(tokens.ExpiresAt.Unix(), 10))

	if r.envPath == "" {
		return nil
	}
	return rewriteEnvFile(r.envPath, map[string]string{
		"ACCESS_TOKEN":  tokens.AccessToken,
		"REFRESH_TOKEN": tokens.RefreshToken,
		"EXPIRES_AT":    strconv.FormatInt(tokens.ExpiresAt.Unix(), 10),
	})
}

func parseExpiresAt(raw string) (time.Time, error) {
	if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(sec, 0), nil
	}
	return time.Parse(time.RFC3339, raw)
}

// rewriteEnvFile rewrites only the lines assigning a key in updates,
// preserving every other line's text, ordering, and comments verbatim.
// A key with no existing line is appended at the end.
func rewriteEnvFile(path string, updates map[string]string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	remaining := make(map[string]string, len(updates))
	for k, v := range updates {
		remaining[k] = v
	}

	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		key, ok := keyOf(line)
		if !ok {
			continue
		}
		if val, needed := remaining[key]; needed {
			lines[i] = key + "=" + val
			delete(remaining, key)
		}
	}
	for _, key := range sortedKeys(remaining) {
		lines = append(lines, key+"="+remaining[key])
	}

	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0600)
}

// keyOf returns the assigned key of a KEY=VALUE line, ignoring comments
// and blank lines.
func keyOf(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", false
	}
	idx := strings.IndexByte(trimmed, '=')
	if idx <= 0 {
		return "", false
	}
	return strings.TrimSpace(trimmed[:idx]), true
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
