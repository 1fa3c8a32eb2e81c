// Package workspace implements the three-tier workspace_{write,read,list}
// filesystem surface (spec 4.8): agent (shared, read-only to agents),
// user (per-user), and scratch (ephemeral per-session).
//
// Grounded on the teacher's internal/ruriko/runtime path-construction
// discipline (every path is joined under a fixed root, never built from
// a raw caller-supplied absolute path) generalised to three roots instead
// of one.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
)

// Tier is a workspace namespace.
type Tier string

const (
	TierAgent   Tier = "agent"
	TierUser    Tier = "user"
	TierScratch Tier = "scratch"
)

// ErrAgentReadOnly is returned when a write targets the agent tier
// outside of the approval-gated path (the tier is read-only to agents by
// default; paranoid profiles may require approval for agent-tier writes,
// which the caller enforces before reaching Store).
var ErrAgentReadOnly = errors.New("workspace: agent tier is read-only")

// ErrPathTraversal guards against a path escaping its tier root.
var ErrPathTraversal = errors.New("workspace: path escapes tier root")

// Store resolves tiered paths under three fixed roots and performs the
// scanned read/write/list operations (spec 4.8).
type Store struct {
	agentRoot     string
	userRoot      string
	scratchRoot   string
	agentWritable bool
}

// New returns a Store rooted at the three given directories. agentWritable
// controls whether agent-tier writes are permitted at all (spec 4.8
// makes the agent tier read-only by default; the host constructs its
// Store with false).
func New(agentRoot, userRoot, scratchRoot string, agentWritable bool) *Store {
	return &Store{agentRoot: agentRoot, userRoot: userRoot, scratchRoot: scratchRoot, agentWritable: agentWritable}
}

func (s *Store) root(tier Tier) (string, error) {
	switch tier {
	case TierAgent:
		return s.agentRoot, nil
	case TierUser:
		return s.userRoot, nil
	case TierScratch:
		return s.scratchRoot, nil
	default:
		return "", fmt.Errorf("workspace: unknown tier %q", tier)
	}
}

// resolve joins rel under tier's root and verifies the result did not
// escape it (defence in depth beyond C1's ".." rejection).
func (s *Store) resolve(tier Tier, rel string) (string, error) {
	root, err := s.root(tier)
	if err != nil {
		return "", err
	}
	full := filepath.Join(root, filepath.FromSlash(rel))
	if !strings.HasPrefix(full, filepath.Clean(root)+string(filepath.Separator)) && full != filepath.Clean(root) {
		return "", ErrPathTraversal
	}
	return full, nil
}

// Write writes content to tier/path, creating parent directories as
// needed. Agent-tier writes are rejected unless the Store was constructed
// with agentWritable.
func (s *Store) Write(tier Tier, path, content string) error {
	if tier == TierAgent && !s.agentWritable {
		return ErrAgentReadOnly
	}
	full, err := s.resolve(tier, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return fmt.Errorf("workspace: mkdir: %w", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o600); err != nil {
		return fmt.Errorf("workspace: write: %w", err)
	}
	return nil
}

// Read returns the content at tier/path. If jsonField is non-empty, the
// file is parsed as JSON and only the named field (dotted-path, gjson
// syntax) is returned.
func (s *Store) Read(tier Tier, path, jsonField string) (string, error) {
	full, err := s.resolve(tier, path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("workspace: read: %w", err)
	}
	if jsonField == "" {
		return string(data), nil
	}
	result := gjson.GetBytes(data, jsonField)
	if !result.Exists() {
		return "", fmt.Errorf("workspace: json field %q not found in %s", jsonField, path)
	}
	return result.String(), nil
}

// Entry is one directory entry returned by List.
type Entry struct {
	Name  string
	IsDir bool
}

// List returns the entries directly under tier/path (non-recursive).
func (s *Store) List(tier Tier, path string) ([]Entry, error) {
	full, err := s.resolve(tier, path)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("workspace: list: %w", err)
	}
	out := make([]Entry, 0, len(dirEntries))
	for _, e := range dirEntries {
		out = append(out, Entry{Name: e.Name(), IsDir: e.IsDir()})
	}
	return out, nil
}
