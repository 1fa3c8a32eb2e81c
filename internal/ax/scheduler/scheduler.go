// Package scheduler: see cron.go for the expression parser. This file
// implements the Manager that drives the cron matcher, one-shot timers,
// heartbeat, and proactive hints from a single one-minute tick (spec
// 4.12).
//
// Grounded on the teacher's internal/gitai/gateway.Manager: a mutex-guarded
// job map, clock injection (clock interface) for deterministic tests, and
// a start(handler)/stop() lifecycle that cancels every timer before
// returning.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// clock abstracts time.Now/time.NewTimer so tests can drive the tick loop
// without wall-clock sleeps.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Dispatch delivers one inbound message produced by the scheduler (cron
// fire, one-shot fire, heartbeat, or proactive hint) to the router.
type Dispatch func(content string)

// cronJob is a registered recurring job.
type cronJob struct {
	id              string
	schedule        *cronSchedule
	prompt          string
	runOnce         bool
	lastFiredMinute int64 // unix-minute of the last dispatch; -1 if never
}

// onceJob is a registered one-shot job.
type onceJob struct {
	id     string
	fireAt time.Time
	prompt string
}

// Hint is a proactive suggestion a memory provider may publish (spec
// 4.12 "Proactive hints").
type Hint struct {
	Source          string
	Kind            string
	Reason          string
	SuggestedPrompt string
	Confidence      float64
	Scope           string
}

// ActiveHours bounds heartbeat/hint dispatch to a daily window in a named
// time zone.
type ActiveHours struct {
	Location  *time.Location
	StartHour int
	EndHour   int
}

func (a ActiveHours) contains(t time.Time) bool {
	if a.Location == nil {
		return true
	}
	local := t.In(a.Location)
	h := local.Hour()
	if a.StartHour <= a.EndHour {
		return h >= a.StartHour && h < a.EndHour
	}
	// window wraps past midnight
	return h >= a.StartHour || h < a.EndHour
}

// Manager owns the job list and drives the one-minute tick. Safe for
// concurrent use.
type Manager struct {
	mu   sync.Mutex
	cron map[string]*cronJob
	once map[string]*onceJob

	clk               clock
	dispatch          Dispatch
	active            ActiveHours
	heartbeatEveryMin int
	heartbeatContent  func() string
	lastHeartbeat     time.Time

	hintCooldown  time.Duration
	hintThreshold float64
	tokenBudget   int
	lastHintFired map[string]time.Time
	pendingHints  []Hint

	stopCh chan struct{}
	doneCh chan struct{}
}

// New returns an idle Manager. Call Start to begin the tick loop.
func New(dispatch Dispatch, active ActiveHours, heartbeatEveryMin int, heartbeatContent func() string, hintThreshold float64, hintCooldown time.Duration, tokenBudget int) *Manager {
	return &Manager{
		cron:              make(map[string]*cronJob),
		once:              make(map[string]*onceJob),
		clk:               realClock{},
		dispatch:          dispatch,
		active:            active,
		heartbeatEveryMin: heartbeatEveryMin,
		heartbeatContent:  heartbeatContent,
		hintCooldown:      hintCooldown,
		hintThreshold:     hintThreshold,
		tokenBudget:       tokenBudget,
		lastHintFired:     make(map[string]time.Time),
	}
}

// WithClock overrides the clock, for tests that drive Tick directly
// instead of the wall-clock loop.
func (m *Manager) WithClock(c clock) *Manager {
	m.clk = c
	return m
}

// AddCron registers a recurring job and returns its id.
func (m *Manager) AddCron(expr, prompt string, runOnce bool) (string, error) {
	sched, err := parseCron(expr)
	if err != nil {
		return "", fmt.Errorf("scheduler: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.cron[id] = &cronJob{id: id, schedule: sched, prompt: prompt, runOnce: runOnce, lastFiredMinute: -1}
	return id, nil
}

// RunAt registers a one-shot job that fires at fireAt.
func (m *Manager) RunAt(fireAt time.Time, prompt string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.once[id] = &onceJob{id: id, fireAt: fireAt, prompt: prompt}
	return id
}

// RemoveCron cancels a recurring or one-shot job by id.
func (m *Manager) RemoveCron(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cron, id)
	delete(m.once, id)
}

// JobSummary is the read-only view scheduler_list_jobs returns.
type JobSummary struct {
	ID       string
	Kind     string // "cron" | "once"
	Schedule string
	Prompt   string
}

// ListJobs returns every registered job.
func (m *Manager) ListJobs() []JobSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobSummary, 0, len(m.cron)+len(m.once))
	for _, j := range m.cron {
		out = append(out, JobSummary{ID: j.id, Kind: "cron", Prompt: j.prompt})
	}
	for _, j := range m.once {
		out = append(out, JobSummary{ID: j.id, Kind: "once", Schedule: j.fireAt.String(), Prompt: j.prompt})
	}
	return out
}

// Tick runs one minute's worth of cron-matching, one-shot firing, and
// heartbeat logic. Exported so tests can drive it directly with a fake
// clock instead of waiting on the wall-clock loop.
func (m *Manager) Tick() {
	now := m.clk.Now()
	nowMinute := now.Unix() / 60

	m.mu.Lock()
	minute, hour, dom, month, dow := now.Minute(), now.Hour(), now.Day(), int(now.Month()), int(now.Weekday())

	var toFire []*cronJob
	var toRemove []string
	for id, j := range m.cron {
		if j.lastFiredMinute == nowMinute {
			continue // already fired this minute
		}
		if j.schedule.matches(minute, hour, dom, month, dow) {
			j.lastFiredMinute = nowMinute
			toFire = append(toFire, j)
			if j.runOnce {
				toRemove = append(toRemove, id)
			}
		}
	}
	for _, id := range toRemove {
		delete(m.cron, id)
	}

	var onceToFire []*onceJob
	for id, j := range m.once {
		if !now.Before(j.fireAt) {
			onceToFire = append(onceToFire, j)
			delete(m.once, id)
		}
	}

	fireHeartbeat := false
	if m.heartbeatEveryMin > 0 {
		if m.lastHeartbeat.IsZero() || now.Sub(m.lastHeartbeat) >= time.Duration(m.heartbeatEveryMin)*time.Minute {
			if m.active.contains(now) {
				fireHeartbeat = true
				m.lastHeartbeat = now
			}
		}
	}
	m.mu.Unlock()

	for _, j := range toFire {
		m.dispatch(j.prompt)
	}
	for _, j := range onceToFire {
		m.dispatch(j.prompt)
	}
	if fireHeartbeat {
		content := ""
		if m.heartbeatContent != nil {
			content = m.heartbeatContent()
		}
		m.dispatch(content)
	}
}

// PublishHint evaluates a proactive hint against the confidence threshold,
// active hours, per-hint cooldown, and remaining token budget (spec
// 4.12). A hint that cannot fire for budget reasons is queued into
// ListPendingHints; any other suppression is simply dropped (the spec
// calls for logging the reason, which the caller does via the returned
// suppression string).
func (m *Manager) PublishHint(h Hint) (fired bool, suppressedReason string) {
	now := m.clk.Now()

	m.mu.Lock()
	switch {
	case h.Confidence < m.hintThreshold:
		m.mu.Unlock()
		return false, "confidence below threshold"
	case !m.active.contains(now):
		m.mu.Unlock()
		return false, "outside active hours"
	}
	key := h.Source + ":" + h.Kind
	if last, ok := m.lastHintFired[key]; ok && now.Sub(last) < m.hintCooldown {
		m.mu.Unlock()
		return false, "cooldown active"
	}
	if m.tokenBudget <= 0 {
		m.pendingHints = append(m.pendingHints, h)
		m.mu.Unlock()
		return false, "token budget exhausted"
	}
	m.lastHintFired[key] = now
	m.mu.Unlock()

	m.dispatch(h.SuggestedPrompt)
	return true, ""
}

// RecordTokenUsage decrements the remaining hint token budget.
func (m *Manager) RecordTokenUsage(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenBudget -= n
}

// ListPendingHints returns hints that could not fire for budget reasons.
func (m *Manager) ListPendingHints() []Hint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Hint, len(m.pendingHints))
	copy(out, m.pendingHints)
	return out
}

// Start begins the 60-second tick loop in the background.
func (m *Manager) Start() {
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Tick()
			}
		}
	}()
}

// Stop halts the tick loop and waits for it to exit, guaranteeing no
// handler call is observed after Stop returns (spec 4.13 "Cancellation").
func (m *Manager) Stop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	<-m.doneCh
}
