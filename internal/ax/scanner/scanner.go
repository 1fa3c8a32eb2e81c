// Package scanner implements pattern-based pass/flag/block verdicts on
// input and output, plus canary-token minting and detection (C3).
//
// Grounded on the teacher's internal/ruriko/commands.LooksLikeSecret
// (named vendor-prefix patterns, checked with plain regexp — no pattern
// library is introduced, matching the teacher's own choice for this exact
// concern) and common/trace.GenerateID (crypto-random hex token minting).
package scanner

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"
)

// Verdict is the scan result alphabet (spec 4.3).
type Verdict string

const (
	Pass  Verdict = "PASS"
	Flag  Verdict = "FLAG"
	Block Verdict = "BLOCK"
)

// Result is the outcome of scanInput/scanOutput.
type Result struct {
	Verdict Verdict
	Reason  string
}

// injectionPatterns BLOCK known prompt-injection phrasing on input.
// Each pattern is intentionally broad-but-named so the reason string is
// actionable in an audit entry.
var injectionPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"ignore-previous-instructions", regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions?`)},
	{"role-override", regexp.MustCompile(`(?i)you\s+are\s+now\s+a\b`)},
	{"system-tag-injection", regexp.MustCompile(`(?i)\[\s*system\s*\]`)},
	{"safety-override", regexp.MustCompile(`(?i)override\s+your\s+safety`)},
	{"disregard-guidelines", regexp.MustCompile(`(?i)disregard\s+(the\s+)?(rules|guidelines|policy)`)},
	{"jailbreak-dan", regexp.MustCompile(`(?i)\bDAN\s+mode\b`)},
}

// piiPatterns FLAG (never BLOCK) PII-shaped content on output.
var piiPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"credit-card", regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)},
}

// namedSecretPatterns matches well-known credential formats. Carried over
// verbatim from the teacher's guardrail: vendor prefix + sufficient
// length keeps the false-positive rate low.
var namedSecretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`),
	regexp.MustCompile(`\bsk-proj-[A-Za-z0-9_\-]{20,}\b`),
	regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_\-]{20,}\b`),
	regexp.MustCompile(`\bAKIA[A-Z0-9]{16}\b`),
	regexp.MustCompile(`\bghp_[A-Za-z0-9]{36,}\b`),
	regexp.MustCompile(`\bgho_[A-Za-z0-9]{36,}\b`),
	regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{20,}\b`),
	regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9\-]{10,}\b`),
	regexp.MustCompile(`\b(?:sk|rk|pk)_(?:live|test)_[A-Za-z0-9]{20,}\b`),
}

// Scanner scans input and output text and mints/verifies canary tokens.
// Stateless and safe for concurrent use — every method is a pure function
// of its arguments.
type Scanner struct{}

// New returns a ready-to-use Scanner.
func New() *Scanner { return &Scanner{} }

// CanaryToken mints a cryptographically random 128-bit hex token prefixed
// CANARY-, one per inbound message (spec 3 "Canary token").
func (s *Scanner) CanaryToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("scanner: crypto/rand unavailable: " + err.Error())
	}
	return "CANARY-" + hex.EncodeToString(b)
}

// CheckCanary reports whether token appears verbatim in text.
func (s *Scanner) CheckCanary(text, token string) bool {
	return token != "" && strings.Contains(text, token)
}

// ScanInput returns BLOCK for recognised prompt-injection phrasing, PASS
// otherwise. Named secret patterns also BLOCK on input: a message that
// contains a live credential has no business entering the pipeline.
func (s *Scanner) ScanInput(target string) Result {
	for _, p := range injectionPatterns {
		if p.re.MatchString(target) {
			return Result{Verdict: Block, Reason: "prompt-injection pattern: " + p.name}
		}
	}
	for _, re := range namedSecretPatterns {
		if re.MatchString(target) {
			return Result{Verdict: Block, Reason: "credential pattern detected in input"}
		}
	}
	return Result{Verdict: Pass}
}

// ScanOutput FLAGs PII-shaped content; it never BLOCKs, per spec 4.3.
func (s *Scanner) ScanOutput(target string) Result {
	for _, p := range piiPatterns {
		if p.re.MatchString(target) {
			return Result{Verdict: Flag, Reason: "PII-shaped pattern: " + p.name}
		}
	}
	for _, re := range namedSecretPatterns {
		if re.MatchString(target) {
			return Result{Verdict: Flag, Reason: "credential pattern detected in output"}
		}
	}
	return Result{Verdict: Pass}
}
