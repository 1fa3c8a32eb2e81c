// Package identity implements the identity_write/identity_propose
// decision logic and file materialisation (spec 4.8).
//
// Grounded on the teacher's internal/ruriko/approvals gating idiom
// (decide now vs. queue for later human review) generalised from a fixed
// action allowlist to a profile-and-taint-ratio decision table, and on
// common/environment's line-preserving rewrite style for "touch only the
// identity file named, leave everything else in the directory alone".
package identity

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ax-host/ax/internal/ax/proposal"
	"github.com/ax-host/ax/internal/ax/schema"
	"github.com/ax-host/ax/internal/ax/taint"
)

// File is a normalised identity file name. FileUser (USER.md) is written
// only through Store.ApplyUser and is never proposal-gated:
// ToProposalFile rejects it.
type File string

const (
	FileSoul     File = "SOUL.md"
	FileIdentity File = "IDENTITY.md"
	FileUser     File = "USER.md"
	fileBootstrap     = "BOOTSTRAP.md"
)

// Decision is the outcome of evaluating an identity_write/identity_propose
// request against the active profile and session taint ratio.
type Decision string

const (
	DecisionApply Decision = "applied"
	DecisionQueue Decision = "queued"
)

// Decide implements spec 4.8's identity_write/identity_propose table.
// isPropose selects the identity_propose variant: under balanced it
// always queues (identity_write instead auto-applies whenever the taint
// ratio is within the profile threshold), and under paranoid it never
// auto-applies, same as identity_write.
//
// The balanced decision is driven directly by taintCheck's ratio/threshold,
// not by taintCheck.Allowed: identity_write is not one of the default
// sensitive actions (spec 3), so CheckAction's sensitive-action gate
// always reports Allowed=true for it regardless of ratio, which would
// otherwise auto-apply unconditionally. A user override recorded against
// the action is still honored.
func Decide(profile taint.Profile, taintCheck taint.CheckResult, isPropose bool) Decision {
	switch profile {
	case taint.Paranoid:
		return DecisionQueue
	case taint.Yolo:
		return DecisionApply
	default: // balanced
		if isPropose {
			return DecisionQueue
		}
		if taintCheck.Reason == "user override" || taintCheck.TaintRatio <= taintCheck.Threshold {
			return DecisionApply
		}
		return DecisionQueue
	}
}

// Store materialises approved identity content onto disk, under a single
// per-agent directory (spec 6 "Filesystem layout":
// agents/<id>/{SOUL.md,IDENTITY.md,BOOTSTRAP.md,...,users/<userId>/USER.md}).
type Store struct {
	agentDir string
}

// New returns a Store rooted at agentDir.
func New(agentDir string) *Store {
	return &Store{agentDir: agentDir}
}

// Apply writes content to file in the agent directory. Applying SOUL.md
// also deletes any BOOTSTRAP.md present, per spec 4.8.
func (s *Store) Apply(file File, content string) error {
	path := filepath.Join(s.agentDir, string(file))
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("identity: mkdir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("identity: write %s: %w", file, err)
	}
	if file == FileSoul {
		bootstrap := filepath.Join(s.agentDir, fileBootstrap)
		if err := os.Remove(bootstrap); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("identity: remove %s: %w", fileBootstrap, err)
		}
	}
	return nil
}

// ApplyUser writes content to the per-user USER.md file.
func (s *Store) ApplyUser(userID, content string) error {
	path := filepath.Join(s.agentDir, "users", userID, string(FileUser))
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("identity: mkdir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("identity: write user file: %w", err)
	}
	return nil
}

// ToProposalFile converts a normalised File to the proposal package's
// narrower file enum. USER.md is never proposal-gated (see File) and is
// rejected here, as is any other value.
func ToProposalFile(f File) (proposal.File, error) {
	switch f {
	case FileSoul:
		return proposal.FileSoul, nil
	case FileIdentity:
		return proposal.FileIdentity, nil
	default:
		return "", fmt.Errorf("identity: %s is never proposal-gated", f)
	}
}

// NormaliseFile delegates to schema.NormalizeIdentityFile (C1's
// normaliser) and wraps the result as a File.
func NormaliseFile(raw string) File {
	return File(schema.NormalizeIdentityFile(raw))
}

// IsKnownFile reports whether f is one of the three recognised identity
// files after normalisation.
func IsKnownFile(f File) bool {
	switch f {
	case FileSoul, FileIdentity, FileUser:
		return true
	default:
		return false
	}
}
