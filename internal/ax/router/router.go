// Package router implements the front door (C8): canonicalises sessions,
// tags and scans inbound content, mints/checks canary tokens, enqueues,
// audits, and scans/redacts outbound replies.
//
// Grounded on the teacher's internal/ruriko/webhook.Proxy.forward (the
// scan -> rate-limit -> forward shape, generalised here to
// scan -> tag -> enqueue) and common/redact.String for the literal-token
// redaction step.
package router

import (
	"fmt"
	"sync"

	"github.com/ax-host/ax/common/redact"
	"github.com/ax-host/ax/internal/ax/queue"
	"github.com/ax-host/ax/internal/ax/scanner"
	"github.com/ax-host/ax/internal/ax/taint"
)

// Provider is the chat/channel source of an inbound message.
type Provider string

// System is the trusted-origin provider: content from it is never tainted.
const System Provider = "system"

// Trust is the taint-tag trust level (spec 3 "Taint tag").
type Trust string

const (
	TrustUser     Trust = "user"
	TrustExternal Trust = "external"
	TrustSystem   Trust = "system"
)

// Inbound is the router's input (spec 3 "Inbound message").
type Inbound struct {
	Session  string
	Sender   string
	Content  string
	Provider Provider
}

// InboundResult is the outcome of ProcessInbound.
type InboundResult struct {
	Queued      bool
	MessageID   string
	SessionID   string
	CanaryToken string
	ScanResult  scanner.Result
}

// OutboundResult is the outcome of ProcessOutbound.
type OutboundResult struct {
	Content      string
	ScanResult   scanner.Result
	CanaryLeaked bool
}

const redactionNotice = "This reply was withheld because it appeared to leak internal tracking data."

// Auditor records policy decisions and mutations (spec 7 "Propagation").
type Auditor interface {
	Audit(action, sessionID string, args map[string]any, result string)
}

// Router is the security front door. Safe for concurrent use.
type Router struct {
	scanner *scanner.Scanner
	budget  *taint.Budget
	queue   *queue.Queue
	audit   Auditor

	mu              sync.Mutex
	sessionCanaries map[string]string
}

// New returns a Router. sessionCanaries is the sole source of truth for
// which canary token was minted for which session's in-flight inbound
// (spec 4.7 "Ordering guarantee").
func New(s *scanner.Scanner, b *taint.Budget, q *queue.Queue, a Auditor) *Router {
	return &Router{
		scanner:         s,
		budget:          b,
		queue:           q,
		audit:           a,
		sessionCanaries: make(map[string]string),
	}
}

// ProcessInbound implements spec 4.7's processInbound.
func (r *Router) ProcessInbound(msg Inbound) (InboundResult, error) {
	canary := r.scanner.CanaryToken()
	tainted := msg.Provider != System

	content := msg.Content
	if tainted {
		content = fmt.Sprintf(`<external_content trust="external" source=%q>%s</external_content>`, msg.Provider, content)
	}

	r.budget.RecordContent(msg.Session, content, tainted)

	scanResult := r.scanner.ScanInput(msg.Content)
	if scanResult.Verdict == scanner.Block {
		r.audit.Audit("router_inbound", msg.Session, map[string]any{"sender": msg.Sender}, "blocked")
		return InboundResult{Queued: false, CanaryToken: canary, ScanResult: scanResult}, nil
	}

	content = content + "\n<!-- canary:" + canary + " -->"

	id, err := r.queue.Enqueue(msg.Session, string(msg.Provider), msg.Sender, content)
	if err != nil {
		return InboundResult{}, fmt.Errorf("router: enqueue: %w", err)
	}

	r.mu.Lock()
	r.sessionCanaries[msg.Session] = canary
	r.mu.Unlock()

	r.audit.Audit("router_inbound", msg.Session, map[string]any{"sender": msg.Sender, "messageId": id}, "success")

	return InboundResult{
		Queued:      true,
		MessageID:   id,
		SessionID:   msg.Session,
		CanaryToken: canary,
		ScanResult:  scanResult,
	}, nil
}

// ProcessOutbound implements spec 4.7's processOutbound. canaryToken must
// be the token ProcessInbound minted for this session's in-flight
// completion; callers look it up via CanaryForSession before calling.
func (r *Router) ProcessOutbound(response, sessionID, canaryToken string) OutboundResult {
	leaked := r.scanner.CheckCanary(response, canaryToken)
	if leaked {
		r.audit.Audit("canary_leaked", sessionID, nil, "failed")
	}

	scanResult := r.scanner.ScanOutput(response)

	result := "success"
	if leaked || scanResult.Verdict == scanner.Block {
		result = "blocked"
	}
	r.audit.Audit("router_outbound", sessionID, map[string]any{"verdict": scanResult.Verdict, "canaryLeaked": leaked}, result)

	content := response
	switch {
	case leaked:
		content = redactionNotice
	case canaryToken != "":
		content = redact.String(response, canaryToken)
	}

	return OutboundResult{Content: content, ScanResult: scanResult, CanaryLeaked: leaked}
}

// CanaryForSession returns the canary token minted for session's
// currently in-flight completion, if any.
func (r *Router) CanaryForSession(session string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.sessionCanaries[session]
	return token, ok
}

// ForgetSession drops session's canary, called at the end of each
// completion (spec 3 "Lifecycles").
func (r *Router) ForgetSession(session string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessionCanaries, session)
}
