package host

// handlers.go implements every ipc.HandlerFunc named in schema/actions.go,
// wired in internal/ax/host/host.go's New. Grounded on the teacher's
// internal/ruriko/commands.Handlers: one method per registered action,
// each validating just the extra invariants the JSON Schema pass can't
// express (file-name normalisation, tier semantics, status transitions)
// before delegating to the already-built component packages.
//
// SPEC_FULL.md's Non-goals name "concrete provider implementations of
// memory/audit/web/browser/skills other than their interfaces" as an
// external collaborator. memory_* and web_fetch/web_search below resolve
// the caller's requested backend through providers.Resolve (C2) — the
// part of this host's contract that is in scope — and then report that
// no concrete backend is wired, rather than silently no-op'ing. Skills
// are different: spec 4.13 step 4 already refreshes real *.md files from
// SkillsHostDir into every workspace, so skill_list/skill_read serve that
// real, already-materialised content directly off disk; only
// skill_propose (writing a *new* skill) goes through the same
// proposal-gating machinery as identity_propose.
import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ax-host/ax/internal/ax/identity"
	"github.com/ax-host/ax/internal/ax/ipc"
	"github.com/ax-host/ax/internal/ax/proposal"
	"github.com/ax-host/ax/internal/ax/providers"
	"github.com/ax-host/ax/internal/ax/registry"
	"github.com/ax-host/ax/internal/ax/scanner"
	"github.com/ax-host/ax/internal/ax/schema"
	"github.com/ax-host/ax/internal/ax/taint"
	"github.com/ax-host/ax/internal/ax/workspace"
)

func (h *Host) buildHandlers() map[string]ipc.HandlerFunc {
	return map[string]ipc.HandlerFunc{
		"llm_call": h.handleLLMCall,

		"memory_write": h.handleMemoryUnavailable,
		"memory_query": h.handleMemoryUnavailable,
		"memory_read":  h.handleMemoryUnavailable,
		"memory_delete": h.handleMemoryUnavailable,
		"memory_list":  h.handleMemoryUnavailable,

		"web_fetch":  h.handleWebFetch,
		"web_search": h.handleWebUnavailable,

		"audit_query": h.handleAuditQuery,

		"skill_list":    h.handleSkillList,
		"skill_read":    h.handleSkillRead,
		"skill_propose": h.handleSkillPropose,

		"identity_write":   h.handleIdentityWrite,
		"user_write":       h.handleUserWrite,
		"identity_propose": h.handleIdentityPropose,

		"proposal_list":   h.handleProposalList,
		"proposal_review": h.handleProposalReview,

		"workspace_write": h.handleWorkspaceWrite,
		"workspace_read":  h.handleWorkspaceRead,
		"workspace_list":  h.handleWorkspaceList,

		"scheduler_add_cron":    h.handleSchedulerAddCron,
		"scheduler_run_at":      h.handleSchedulerRunAt,
		"scheduler_remove_cron": h.handleSchedulerRemoveCron,
		"scheduler_list_jobs":   h.handleSchedulerListJobs,

		"agent_registry_list": h.handleAgentRegistryList,
		"agent_registry_get":  h.handleAgentRegistryGet,
	}
}

// --- llm_call -----------------------------------------------------------

func (h *Host) handleLLMCall(dc schema.DispatchContext, fields map[string]any) (map[string]any, error) {
	rawMessages, _ := fields["messages"].([]any)
	if len(rawMessages) == 0 {
		return nil, fmt.Errorf("llm_call: messages must not be empty")
	}

	messages := make([]map[string]any, 0, len(rawMessages))
	var system string
	for _, m := range rawMessages {
		entry, ok := m.(map[string]any)
		if !ok {
			continue
		}
		role, _ := entry["role"].(string)
		if role == "system" {
			if text, ok := entry["content"].(string); ok {
				if system != "" {
					system += "\n\n"
				}
				system += text
			}
			continue
		}
		messages = append(messages, map[string]any{"role": role, "content": entry["content"]})
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("llm_call: no user/assistant messages after filtering system entries")
	}

	model, _ := fields["model"].(string)
	if model == "" {
		model = defaultModel
	}
	maxTokens := defaultMaxTokens
	if v, ok := fields["maxTokens"].(float64); ok && v > 0 {
		maxTokens = int(v)
	}
	var temperature float64
	if v, ok := fields["temperature"].(float64); ok {
		temperature = v
	}

	body := map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"messages":   messages,
	}
	if system != "" {
		body["system"] = system
	}
	if temperature > 0 {
		body["temperature"] = temperature
	}
	if tools, ok := fields["tools"]; ok {
		body["tools"] = tools
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llm_call: marshal request: %w", err)
	}
	resp, err := h.postUpstream(dc.Context, encoded)
	if err != nil {
		return nil, err
	}
	return map[string]any{"content": resp["content"], "stopReason": resp["stop_reason"], "usage": resp["usage"]}, nil
}

// --- memory_* / web_* (external collaborators; see package doc) --------

func (h *Host) handleMemoryUnavailable(dc schema.DispatchContext, fields map[string]any) (map[string]any, error) {
	return h.unavailableProvider("memory", fields)
}

func (h *Host) handleWebUnavailable(dc schema.DispatchContext, fields map[string]any) (map[string]any, error) {
	return h.unavailableProvider("web", fields)
}

// handleWebFetch runs the spec 4.8 SSRF pre-flight guard before falling
// through to the same "no concrete backend wired" report every other
// external collaborator gets (see package doc): the guard is this host's
// own trust-boundary control, distinct from the out-of-scope fetch
// backend, so it applies regardless of whether a backend is ever wired.
func (h *Host) handleWebFetch(dc schema.DispatchContext, fields map[string]any) (map[string]any, error) {
	rawURL, _ := fields["url"].(string)
	if err := webFetchSSRFGuard(rawURL); err != nil {
		h.audit.Audit("web_fetch", dc.SessionID, map[string]any{"url": rawURL}, "blocked")
		return nil, fmt.Errorf("web_fetch: %w", err)
	}
	return h.unavailableProvider("web", fields)
}

// webFetchSSRFGuard rejects any non-HTTP(S) scheme and any URL whose
// hostname resolves to a loopback, link-local, RFC-1918, IPv6-loopback,
// or 0.0.0.0 address (spec 4.8).
func webFetchSSRFGuard(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not http(s)", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL has no host")
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		ips, err = net.DefaultResolver.LookupIP(context.Background(), "ip", host)
		if err != nil {
			return fmt.Errorf("could not resolve host %q: %w", host, err)
		}
	}
	for _, ip := range ips {
		if isDisallowedFetchTarget(ip) {
			return fmt.Errorf("host %q resolves to a disallowed address %s", host, ip)
		}
	}
	return nil
}

// isDisallowedFetchTarget reports whether ip is loopback, link-local,
// RFC-1918 private, IPv6 loopback/link-local, or the unspecified address
// (spec 4.8's named SSRF blocklist).
func isDisallowedFetchTarget(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4[0] == 10 ||
			(ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31) ||
			(ip4[0] == 192 && ip4[1] == 168)
	}
	return false
}

// unavailableProvider validates the requested backend against the C2
// allowlist before reporting that no concrete implementation is wired.
// An unknown (kind, name) still fails with providers.ErrUnknownProvider,
// so the allowlist itself is always enforced even though every backend
// currently resolves to a stub.
func (h *Host) unavailableProvider(kind string, fields map[string]any) (map[string]any, error) {
	name, _ := fields["provider"].(string)
	if name == "" {
		name = "null"
	}
	if _, err := providers.Resolve(kind, name); err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	return nil, fmt.Errorf("%s: no concrete provider is wired into this host", kind)
}

// --- audit_query ----------------------------------------------------------

func (h *Host) handleAuditQuery(dc schema.DispatchContext, fields map[string]any) (map[string]any, error) {
	session, _ := fields["sessionId"].(string)
	if session == "" {
		session = dc.SessionID
	}
	limit := 50
	if v, ok := fields["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}
	entries, err := h.audit.Recent(session, limit)
	if err != nil {
		return nil, fmt.Errorf("audit_query: %w", err)
	}
	out := make([]map[string]any, len(entries))
	for i, e := range entries {
		out[i] = map[string]any{
			"action":    e.Action,
			"sessionId": e.SessionID,
			"args":      e.Args,
			"result":    e.Result,
			"createdAt": e.CreatedAt.Format(time.RFC3339),
		}
	}
	return map[string]any{"entries": out}, nil
}

// --- skill_* --------------------------------------------------------------

func (h *Host) handleSkillList(dc schema.DispatchContext, fields map[string]any) (map[string]any, error) {
	entries, err := os.ReadDir(h.pipeline.SkillsHostDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{"skills": []string{}}, nil
		}
		return nil, fmt.Errorf("skill_list: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return map[string]any{"skills": names}, nil
}

func (h *Host) handleSkillRead(dc schema.DispatchContext, fields map[string]any) (map[string]any, error) {
	name, _ := fields["skill"].(string)
	path, err := skillHostPath(h.pipeline.SkillsHostDir, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("skill_read: %w", err)
	}
	return map[string]any{"content": string(data)}, nil
}

func (h *Host) handleSkillPropose(dc schema.DispatchContext, fields map[string]any) (map[string]any, error) {
	name, _ := fields["skill"].(string)
	content, _ := fields["content"].(string)
	reason, _ := fields["reason"].(string)
	if _, err := skillHostPath(h.pipeline.SkillsHostDir, name); err != nil {
		// Re-validated here only for the path-traversal guard; an absent
		// file is expected (proposing a brand new skill) and not an error.
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	p, err := h.proposals.Create(proposal.SkillFile(name), content, reason, proposal.OriginAgentInitiated, dc.AgentID)
	if err != nil {
		return nil, fmt.Errorf("skill_propose: %w", err)
	}
	return map[string]any{"proposalId": p.ID, "status": string(p.Status)}, nil
}

// skillHostPath resolves name under the skills host directory, rejecting
// any path that escapes it (the same defence-in-depth workspace.Store
// applies to its own tiers).
func skillHostPath(hostDir, name string) (string, error) {
	if name == "" || strings.Contains(name, "..") || filepath.IsAbs(name) {
		return "", fmt.Errorf("skill: invalid skill name %q", name)
	}
	full := filepath.Join(hostDir, name)
	if !strings.HasPrefix(full, filepath.Clean(hostDir)+string(filepath.Separator)) {
		return "", fmt.Errorf("skill: path escapes skills directory")
	}
	if _, err := os.Stat(full); err != nil {
		return full, err
	}
	return full, nil
}

// --- identity_write / identity_propose / user_write ------------------------

func (h *Host) handleIdentityWrite(dc schema.DispatchContext, fields map[string]any) (map[string]any, error) {
	return h.applyOrQueueIdentity(dc, fields, false)
}

func (h *Host) handleIdentityPropose(dc schema.DispatchContext, fields map[string]any) (map[string]any, error) {
	return h.applyOrQueueIdentity(dc, fields, true)
}

func (h *Host) applyOrQueueIdentity(dc schema.DispatchContext, fields map[string]any, isPropose bool) (map[string]any, error) {
	rawFile, _ := fields["file"].(string)
	content, _ := fields["content"].(string)
	reason, _ := fields["reason"].(string)
	origin, _ := fields["origin"].(string)

	file := identity.NormaliseFile(rawFile)
	if !identity.IsKnownFile(file) || file == identity.FileUser {
		return nil, fmt.Errorf("identity_write: unknown identity file %q", rawFile)
	}

	scan := h.scanner.ScanInput(content)
	if scan.Verdict == scanner.Block {
		h.audit.Audit(actionNameFor(isPropose), dc.SessionID, map[string]any{"file": string(file), "verdict": string(scan.Verdict)}, "blocked")
		return nil, fmt.Errorf("identity_write: content blocked by scan: %s", scan.Reason)
	}

	check := h.taint.CheckAction(dc.SessionID, actionNameFor(isPropose))
	decision := identity.Decide(taint.Profile(h.cfg.Profile), check, isPropose)

	if decision == identity.DecisionApply {
		if err := h.identity.Apply(file, content); err != nil {
			return nil, fmt.Errorf("identity_write: %w", err)
		}
		h.audit.Audit(actionNameFor(isPropose), dc.SessionID, map[string]any{"file": string(file)}, "success")
		return map[string]any{"status": string(decision)}, nil
	}

	propFile, err := identity.ToProposalFile(file)
	if err != nil {
		return nil, fmt.Errorf("identity_write: %w", err)
	}
	propOrigin := proposal.OriginAgentInitiated
	if origin == string(proposal.OriginUserRequest) {
		propOrigin = proposal.OriginUserRequest
	}
	p, err := h.proposals.Create(propFile, content, reason, propOrigin, dc.AgentID)
	if err != nil {
		return nil, fmt.Errorf("identity_write: queue proposal: %w", err)
	}
	h.audit.Audit(actionNameFor(isPropose), dc.SessionID, map[string]any{"file": string(file), "proposalId": p.ID}, "success")
	return map[string]any{"status": string(decision), "proposalId": p.ID}, nil
}

func actionNameFor(isPropose bool) string {
	if isPropose {
		return "identity_propose"
	}
	return "identity_write"
}

func (h *Host) handleUserWrite(dc schema.DispatchContext, fields map[string]any) (map[string]any, error) {
	userID, _ := fields["userId"].(string)
	content, _ := fields["content"].(string)
	if err := h.identity.ApplyUser(userID, content); err != nil {
		return nil, fmt.Errorf("user_write: %w", err)
	}
	h.audit.Audit("user_write", dc.SessionID, map[string]any{"userId": userID}, "success")
	return map[string]any{"status": "applied"}, nil
}

// --- proposal_list / proposal_review ---------------------------------------

func (h *Host) handleProposalList(dc schema.DispatchContext, fields map[string]any) (map[string]any, error) {
	list, err := h.proposals.List(proposal.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("proposal_list: %w", err)
	}
	out := make([]map[string]any, len(list))
	for i, p := range list {
		out[i] = map[string]any{
			"id":      p.ID,
			"file":    string(p.File),
			"content": p.Content,
			"reason":  p.Reason,
			"origin":  string(p.Origin),
			"status":  string(p.Status),
		}
	}
	return map[string]any{"proposals": out}, nil
}

func (h *Host) handleProposalReview(dc schema.DispatchContext, fields map[string]any) (map[string]any, error) {
	id, _ := fields["proposalId"].(string)
	decision, _ := fields["decision"].(string)

	status := proposal.StatusRejected
	if decision == "approved" {
		status = proposal.StatusApproved
	}

	p, err := h.proposals.Get(id)
	if err != nil {
		return nil, fmt.Errorf("proposal_review: %w", err)
	}
	if err := h.proposals.Resolve(id, status); err != nil {
		return nil, fmt.Errorf("proposal_review: %w", err)
	}

	if status == proposal.StatusApproved {
		if err := h.applyApprovedProposal(*p); err != nil {
			return nil, fmt.Errorf("proposal_review: apply: %w", err)
		}
	}
	h.audit.Audit("proposal_review", dc.SessionID, map[string]any{"proposalId": id, "decision": decision}, "success")
	return map[string]any{"status": string(status)}, nil
}

// applyApprovedProposal materialises an approved proposal's content onto
// disk: an identity file via the identity store, or a new skill file
// under the skills host directory so the next completion's refresh step
// picks it up for every workspace.
func (h *Host) applyApprovedProposal(p proposal.Proposal) error {
	if name, ok := proposal.SkillName(p.File); ok {
		path, err := skillHostPath(h.pipeline.SkillsHostDir, name)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		if path == "" {
			path = filepath.Join(h.pipeline.SkillsHostDir, name)
		}
		return os.WriteFile(path, []byte(p.Content), 0o600)
	}
	switch p.File {
	case proposal.FileSoul:
		return h.identity.Apply(identity.FileSoul, p.Content)
	case proposal.FileIdentity:
		return h.identity.Apply(identity.FileIdentity, p.Content)
	default:
		return fmt.Errorf("unknown proposal file %q", p.File)
	}
}

// --- workspace_* ------------------------------------------------------------

func (h *Host) handleWorkspaceWrite(dc schema.DispatchContext, fields map[string]any) (map[string]any, error) {
	tier, _ := fields["tier"].(string)
	path, _ := fields["path"].(string)
	content, _ := fields["content"].(string)

	scan := h.scanner.ScanInput(content)
	if scan.Verdict == scanner.Block {
		h.audit.Audit("workspace_write", dc.SessionID, map[string]any{"tier": tier, "path": path, "verdict": string(scan.Verdict)}, "blocked")
		return nil, fmt.Errorf("workspace_write: content blocked by scan: %s", scan.Reason)
	}

	if err := h.workspace.Write(workspace.Tier(tier), path, content); err != nil {
		return nil, fmt.Errorf("workspace_write: %w", err)
	}
	h.audit.Audit("workspace_write", dc.SessionID, map[string]any{"tier": tier, "path": path}, "success")
	return map[string]any{"status": "written"}, nil
}

func (h *Host) handleWorkspaceRead(dc schema.DispatchContext, fields map[string]any) (map[string]any, error) {
	tier, _ := fields["tier"].(string)
	path, _ := fields["path"].(string)
	jsonField, _ := fields["jsonField"].(string)
	content, err := h.workspace.Read(workspace.Tier(tier), path, jsonField)
	if err != nil {
		return nil, fmt.Errorf("workspace_read: %w", err)
	}
	return map[string]any{"content": content}, nil
}

func (h *Host) handleWorkspaceList(dc schema.DispatchContext, fields map[string]any) (map[string]any, error) {
	tier, _ := fields["tier"].(string)
	path, _ := fields["path"].(string)
	entries, err := h.workspace.List(workspace.Tier(tier), path)
	if err != nil {
		return nil, fmt.Errorf("workspace_list: %w", err)
	}
	out := make([]map[string]any, len(entries))
	for i, e := range entries {
		out[i] = map[string]any{"name": e.Name, "isDir": e.IsDir}
	}
	return map[string]any{"entries": out}, nil
}

// --- scheduler_* ------------------------------------------------------------

func (h *Host) handleSchedulerAddCron(dc schema.DispatchContext, fields map[string]any) (map[string]any, error) {
	schedule, _ := fields["schedule"].(string)
	prompt, _ := fields["prompt"].(string)
	runOnce, _ := fields["runOnce"].(bool)

	check := h.taint.CheckAction(dc.SessionID, "scheduler_add_cron")
	if !check.Allowed {
		return nil, fmt.Errorf("scheduler_add_cron: %s", check.Reason)
	}

	id, err := h.scheduler.AddCron(schedule, prompt, runOnce)
	if err != nil {
		return nil, fmt.Errorf("scheduler_add_cron: %w", err)
	}
	h.audit.Audit("scheduler_add_cron", dc.SessionID, map[string]any{"jobId": id, "schedule": schedule}, "success")
	return map[string]any{"jobId": id}, nil
}

func (h *Host) handleSchedulerRunAt(dc schema.DispatchContext, fields map[string]any) (map[string]any, error) {
	fireAtRaw, _ := fields["fireAt"].(string)
	prompt, _ := fields["prompt"].(string)
	fireAt, err := time.Parse(time.RFC3339, fireAtRaw)
	if err != nil {
		return nil, fmt.Errorf("scheduler_run_at: fireAt must be RFC3339: %w", err)
	}
	id := h.scheduler.RunAt(fireAt, prompt)
	h.audit.Audit("scheduler_run_at", dc.SessionID, map[string]any{"jobId": id, "fireAt": fireAtRaw}, "success")
	return map[string]any{"jobId": id}, nil
}

func (h *Host) handleSchedulerRemoveCron(dc schema.DispatchContext, fields map[string]any) (map[string]any, error) {
	jobID, _ := fields["jobId"].(string)
	h.scheduler.RemoveCron(jobID)
	h.audit.Audit("scheduler_remove_cron", dc.SessionID, map[string]any{"jobId": jobID}, "success")
	return map[string]any{"status": "removed"}, nil
}

func (h *Host) handleSchedulerListJobs(dc schema.DispatchContext, fields map[string]any) (map[string]any, error) {
	jobs := h.scheduler.ListJobs()
	out := make([]map[string]any, len(jobs))
	for i, j := range jobs {
		out[i] = map[string]any{"id": j.ID, "kind": j.Kind, "schedule": j.Schedule, "prompt": j.Prompt}
	}
	return map[string]any{"jobs": out}, nil
}

// --- agent_registry_* -------------------------------------------------------

func (h *Host) handleAgentRegistryList(dc schema.DispatchContext, fields map[string]any) (map[string]any, error) {
	entries, err := h.registry.List()
	if err != nil {
		return nil, fmt.Errorf("agent_registry_list: %w", err)
	}
	return map[string]any{"agents": entriesToFields(entries)}, nil
}

func (h *Host) handleAgentRegistryGet(dc schema.DispatchContext, fields map[string]any) (map[string]any, error) {
	agentID, _ := fields["agentId"].(string)
	e, err := h.registry.Get(agentID)
	if err != nil {
		return nil, fmt.Errorf("agent_registry_get: %w", err)
	}
	return entryToFields(*e), nil
}

func entriesToFields(entries []registry.Entry) []map[string]any {
	out := make([]map[string]any, len(entries))
	for i, e := range entries {
		out[i] = entryToFields(e)
	}
	return out
}

func entryToFields(e registry.Entry) map[string]any {
	return map[string]any{
		"id":           e.ID,
		"name":         e.Name,
		"status":       string(e.Status),
		"parentId":     e.ParentID,
		"agentType":    e.AgentType,
		"capabilities": e.Capabilities,
		"createdAt":    e.CreatedAt.Format(time.RFC3339),
	}
}
