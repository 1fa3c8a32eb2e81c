// Package taint implements the per-session tainted-token accounting and
// sensitive-action gate (C4).
//
// Grounded on the teacher's internal/ruriko/nlp.TokenBudget: per-key
// counters behind a sync.Mutex, generalised from a per-sender daily quota
// to a per-session running taint ratio that never resets on its own (only
// EndSession clears it).
package taint

import "sync"

// Profile names a threshold bundle (spec 3 "Taint state").
type Profile string

const (
	Paranoid Profile = "paranoid"
	Balanced Profile = "balanced"
	Yolo     Profile = "yolo"
)

// Thresholds maps each profile to its taint-ratio ceiling.
var Thresholds = map[Profile]float64{
	Paranoid: 0.10,
	Balanced: 0.30,
	Yolo:     0.60,
}

// DefaultSensitiveActions is the default sensitive-action set (spec 3).
var DefaultSensitiveActions = map[string]bool{
	"oauth_call":          true,
	"skill_propose":       true,
	"browser_navigate":    true,
	"scheduler_add_cron":  true,
	"identity_propose":    true,
}

type sessionState struct {
	totalTokens   int64
	taintedTokens int64
	overrides     map[string]bool
}

// Budget tracks taint state per session. Safe for concurrent use.
type Budget struct {
	mu               sync.Mutex
	profile          Profile
	sensitiveActions map[string]bool
	sessions         map[string]*sessionState
}

// New returns a Budget gated at the given profile's threshold, using
// DefaultSensitiveActions unless overridden via WithSensitiveActions.
func New(profile Profile) *Budget {
	if _, ok := Thresholds[profile]; !ok {
		profile = Balanced
	}
	return &Budget{
		profile:          profile,
		sensitiveActions: DefaultSensitiveActions,
		sessions:         make(map[string]*sessionState),
	}
}

// WithSensitiveActions replaces the sensitive-action set.
func (b *Budget) WithSensitiveActions(actions map[string]bool) *Budget {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sensitiveActions = actions
	return b
}

// EstimateTokens applies the deterministic ceil(bytes/4) estimator spec
// 4.4 calls "acceptable".
func EstimateTokens(text string) int64 {
	n := len(text)
	if n == 0 {
		return 0
	}
	return int64((n + 3) / 4)
}

func (b *Budget) state(session string) *sessionState {
	s, ok := b.sessions[session]
	if !ok {
		s = &sessionState{overrides: make(map[string]bool)}
		b.sessions[session] = s
	}
	return s
}

// RecordContent updates totalTokens and, if isTainted, taintedTokens for
// session.
func (b *Budget) RecordContent(session, text string, isTainted bool) {
	tokens := EstimateTokens(text)
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.state(session)
	s.totalTokens += tokens
	if isTainted {
		s.taintedTokens += tokens
	}
}

// CheckResult is the outcome of CheckAction.
type CheckResult struct {
	Allowed    bool
	Reason     string
	TaintRatio float64
	Threshold  float64
}

// CheckAction reports whether action is currently permitted for session.
func (b *Budget) CheckAction(session, action string) CheckResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	threshold := Thresholds[b.profile]
	s, exists := b.sessions[session]
	var ratio float64
	if exists && s.totalTokens > 0 {
		ratio = float64(s.taintedTokens) / float64(s.totalTokens)
	}

	if !b.sensitiveActions[action] {
		return CheckResult{Allowed: true, TaintRatio: ratio, Threshold: threshold}
	}

	if exists && s.overrides[action] {
		return CheckResult{Allowed: true, Reason: "user override", TaintRatio: ratio, Threshold: threshold}
	}

	if ratio <= threshold {
		return CheckResult{Allowed: true, TaintRatio: ratio, Threshold: threshold}
	}

	return CheckResult{
		Allowed:    false,
		Reason:     "taint ratio exceeds profile threshold",
		TaintRatio: ratio,
		Threshold:  threshold,
	}
}

// AddUserOverride records that action is permitted for session regardless
// of taint ratio, until EndSession.
func (b *Budget) AddUserOverride(session, action string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state(session).overrides[action] = true
}

// EndSession drops both the token counters and overrides for session.
func (b *Budget) EndSession(session string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, session)
}
