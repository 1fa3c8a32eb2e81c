// Package pipeline implements the completion pipeline (C13): the one
// request path from a dequeued message through a sandboxed agent
// process and back out through the router's outbound scan.
//
// Grounded on the teacher's internal/gitai/app.App.handleMessage/runTurn
// shape (trace-scoped turn logging, finally-style cleanup, non-zero-exit
// diagnosis), generalised from an in-process LLM tool-call loop to a
// spawn-and-drain shape: the tool-call loop itself now runs inside the
// sandboxed agent process, never in the host, per this spec's "no
// in-process execution of untrusted content" requirement.
package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ax-host/ax/internal/ax/compactor"
	"github.com/ax-host/ax/internal/ax/conversation"
	"github.com/ax-host/ax/internal/ax/creds"
	"github.com/ax-host/ax/internal/ax/proxy"
	"github.com/ax-host/ax/internal/ax/queue"
	"github.com/ax-host/ax/internal/ax/router"
	"github.com/ax-host/ax/internal/ax/sandbox"
)

// Kind distinguishes a session whose history persists in C6 from one
// that exists only for the duration of one completion.
type Kind string

const (
	KindPersistent Kind = "persistent"
	KindEphemeral  Kind = "ephemeral"
)

// Memorize feeds a completed turn to a memory provider, if any. Failures
// are logged, never surfaced (spec 4.13 step 13 "tolerate failure").
type Memorize func(ctx context.Context, clientMessages []compactor.Entry, assistantReply string) error

// Request describes one completion (spec 4.13's numbered steps).
type Request struct {
	// Raw is set when the caller has not already gone through C8 (spec
	// 4.13 step 1 "build a synthetic inbound"). Exactly one of Raw or
	// MessageID/SessionID must be set.
	Raw *router.Inbound

	SessionID   string
	MessageID   string
	CanaryToken string

	Kind               Kind
	IsThread           bool
	ParentSessionID    string
	ThreadContextTurns int
	MaxTurns           int
	ContextWindow      int

	// ClientPriorTurns supplies history for ephemeral sessions, which
	// have no C6 row (spec 4.13 step 5).
	ClientPriorTurns []compactor.Entry

	TaintRatio     float64
	TaintThreshold float64
	Profile        string
	SandboxType    string
	UserID         string
	ReplyOptional  bool
	AgentID        string

	Command    []string
	TimeoutSec int
	MemoryMB   int

	RequiresUpstream bool
	ProxyMode        proxy.Mode
	UpstreamURL      string
	AuthHeader       proxy.AuthHeader
	EnvPath          string
	RefreshFunc      creds.RefreshFunc

	Memorize Memorize
}

// stdinPayload is the single JSON object written to the agent's stdin
// (spec 4.13 step 10).
type stdinPayload struct {
	History        []compactor.Entry `json:"history"`
	Message        string            `json:"message"`
	TaintRatio     float64           `json:"taintRatio"`
	TaintThreshold float64           `json:"taintThreshold"`
	Profile        string            `json:"profile"`
	SandboxType    string            `json:"sandboxType"`
	UserID         string            `json:"userId"`
	ReplyOptional  bool              `json:"replyOptional"`
	AgentID        string            `json:"agentId"`
	AgentWorkspace string            `json:"agentWorkspace"`
	UserWorkspace  string            `json:"userWorkspace"`
	ScratchDir     string            `json:"scratchDir"`
}

// exitHints maps known failure fragments in a sandboxed agent's stderr
// to a user-facing diagnosis (spec 4.13 step 12).
var exitHints = []struct {
	fragment string
	hint     string
}{
	{"context deadline exceeded", "the agent took too long to respond and was stopped"},
	{"no such host", "the agent could not reach its upstream model provider"},
	{"401", "the agent's credentials were rejected by its upstream model provider"},
	{"out of memory", "the agent exceeded its memory limit"},
}

// Pipeline wires the components a completion touches. Construct one per
// host process; RunCompletion is safe for concurrent use across distinct
// requests (each dequeues its own queue row).
type Pipeline struct {
	Queue        *queue.Queue
	Conversation *conversation.Store
	Router       *router.Router
	Sandbox      sandbox.Provider

	AgentDir       string // read-only identity directory, shared across completions
	AgentWorkspace string
	UserWorkspace  string
	SkillsHostDir  string
	DataDir        string // root for persistent per-session workspaces
	TempDir        string // root for ephemeral workspaces/scratch dirs; os.TempDir() if empty

	Creds          *creds.Refresher
	CompactLLMCall compactor.LLMCall

	Logger *slog.Logger
}

func (p *Pipeline) tempRoot() string {
	if p.TempDir != "" {
		return p.TempDir
	}
	return os.TempDir()
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// RunCompletion executes spec 4.13's full numbered sequence and returns
// the agent's final reply (already passed through the outbound scan).
func (p *Pipeline) RunCompletion(ctx context.Context, req Request) (string, error) {
	log := p.logger().With("session", req.SessionID)

	// Step 1.
	sessionID, messageID, canaryToken, err := p.resolveInbound(req)
	if err != nil {
		return "", err
	}
	if messageID == "" {
		return contentFilteredMessage, nil
	}
	req.SessionID = sessionID

	// Step 2.
	msg, err := p.Queue.DequeueByID(messageID)
	if err != nil {
		return "", fmt.Errorf("pipeline: dequeue %s: %w", messageID, err)
	}

	// Step 3.
	workspaceDir, ephemeralWorkspace, err := p.resolveWorkspace(req.Kind, sessionID)
	if err != nil {
		p.Queue.Fail(messageID)
		return "", fmt.Errorf("pipeline: resolve workspace: %w", err)
	}
	scratchDir, err := os.MkdirTemp(p.tempRoot(), "ax-scratch-")
	if err != nil {
		p.Queue.Fail(messageID)
		return "", fmt.Errorf("pipeline: create scratch dir: %w", err)
	}

	var proxySocket string
	var prox *proxy.Proxy

	defer func() {
		// Step 15, always.
		if prox != nil {
			prox.Stop()
		}
		if ephemeralWorkspace {
			os.RemoveAll(workspaceDir)
		}
		os.RemoveAll(scratchDir)
	}()

	// Step 4.
	if err := refreshSkills(p.SkillsHostDir, filepath.Join(workspaceDir, "skills")); err != nil {
		log.Warn("skills refresh failed", "error", err)
	}

	// Step 5.
	history, err := p.buildHistory(req)
	if err != nil {
		p.Queue.Fail(messageID)
		return "", fmt.Errorf("pipeline: build history: %w", err)
	}

	// Step 6.
	if req.ContextWindow > 0 && p.CompactLLMCall != nil {
		history = compactor.Compact(ctx, history, p.CompactLLMCall, conversation.EstimateTokens, req.ContextWindow)
	}

	// Step 7.
	if req.RequiresUpstream {
		p.Creds.EnsureFresh(ctx)
		credVar := "ACCESS_TOKEN"
		if req.ProxyMode == proxy.ModeKey {
			credVar = "ANTHROPIC_API_KEY"
		}
		if _, ok := os.LookupEnv(credVar); !ok {
			p.Queue.Fail(messageID)
			return "", fmt.Errorf("pipeline: no upstream credentials available, refusing to spawn")
		}

		// Step 8.
		proxySocket = filepath.Join(scratchDir, "proxy.sock")
		prox = proxy.New(proxy.Config{
			SocketPath:  proxySocket,
			UpstreamURL: req.UpstreamURL,
			Mode:        req.ProxyMode,
			AuthHeader:  req.AuthHeader,
			Refresh:     req.RefreshFunc,
		}, p.logger())
		if err := prox.Start(); err != nil {
			p.Queue.Fail(messageID)
			return "", fmt.Errorf("pipeline: start proxy: %w", err)
		}
	}

	// Step 9.
	res, err := p.Sandbox.Spawn(ctx, sandbox.Spec{
		Workspace:      workspaceDir,
		Skills:         filepath.Join(workspaceDir, "skills"),
		AgentDir:       p.AgentDir,
		AgentWorkspace: p.AgentWorkspace,
		UserWorkspace:  p.UserWorkspace,
		ScratchDir:     scratchDir,
		ProxySocket:    proxySocket,
		TimeoutSec:     req.TimeoutSec,
		MemoryMB:       req.MemoryMB,
		Command:        req.Command,
	})
	if err != nil {
		p.Queue.Fail(messageID)
		return "", fmt.Errorf("pipeline: spawn sandbox: %w", err)
	}

	// Step 10.
	payload := stdinPayload{
		History:        history,
		Message:        msg.Content,
		TaintRatio:     req.TaintRatio,
		TaintThreshold: req.TaintThreshold,
		Profile:        req.Profile,
		SandboxType:    req.SandboxType,
		UserID:         req.UserID,
		ReplyOptional:  req.ReplyOptional,
		AgentID:        req.AgentID,
		AgentWorkspace: p.AgentWorkspace,
		UserWorkspace:  p.UserWorkspace,
		ScratchDir:     scratchDir,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		p.Queue.Fail(messageID)
		return "", fmt.Errorf("pipeline: marshal stdin payload: %w", err)
	}
	if _, err := res.Stdin.Write(body); err != nil {
		p.Queue.Fail(messageID)
		return "", fmt.Errorf("pipeline: write stdin: %w", err)
	}
	res.Stdin.Close()

	// Step 11.
	stdout, stderrLines := drainConcurrently(res.Stdout, res.Stderr, log)
	exitCode, waitErr := res.Wait(ctx)

	// Step 12.
	if waitErr != nil || exitCode != 0 {
		p.Queue.Fail(messageID)
		return "", fmt.Errorf("pipeline: agent exited %d: %s", exitCode, diagnose(stderrLines, waitErr))
	}

	// Step 13.
	out := p.Router.ProcessOutbound(strings.TrimSpace(stdout), sessionID, canaryToken)
	if req.Memorize != nil {
		clientMessages := append(append([]compactor.Entry{}, history...), compactor.Entry{Role: "user", Content: msg.Content})
		if err := req.Memorize(ctx, clientMessages, out.Content); err != nil {
			log.Warn("memorisation failed", "error", err)
		}
	}

	// Step 14.
	if err := p.Queue.Complete(messageID); err != nil {
		log.Warn("could not mark message complete", "error", err)
	}
	p.Router.ForgetSession(sessionID)
	if req.Kind == KindPersistent {
		if err := p.Conversation.Append(sessionID, conversation.RoleUser, msg.Content, msg.Sender); err != nil {
			log.Warn("could not append user turn", "error", err)
		}
		if err := p.Conversation.Append(sessionID, conversation.RoleAssistant, out.Content, ""); err != nil {
			log.Warn("could not append assistant turn", "error", err)
		}
		if req.MaxTurns > 0 {
			if n, err := p.Conversation.Count(sessionID); err == nil && n > req.MaxTurns {
				if err := p.Conversation.Prune(sessionID, req.MaxTurns); err != nil {
					log.Warn("could not prune conversation", "error", err)
				}
			}
		}
	}

	return out.Content, nil
}

const contentFilteredMessage = "This message was blocked by a content safety check and was not processed."

func (p *Pipeline) resolveInbound(req Request) (sessionID, messageID, canaryToken string, err error) {
	if req.Raw == nil {
		return req.SessionID, req.MessageID, req.CanaryToken, nil
	}
	result, err := p.Router.ProcessInbound(*req.Raw)
	if err != nil {
		return "", "", "", fmt.Errorf("pipeline: process inbound: %w", err)
	}
	if !result.Queued {
		return result.SessionID, "", "", nil
	}
	return result.SessionID, result.MessageID, result.CanaryToken, nil
}

func (p *Pipeline) resolveWorkspace(kind Kind, sessionID string) (dir string, ephemeral bool, err error) {
	if kind == KindPersistent {
		dir = filepath.Join(p.DataDir, "workspaces", sessionID)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", false, err
		}
		return dir, false, nil
	}
	dir, err = os.MkdirTemp(p.tempRoot(), "ax-workspace-")
	return dir, true, err
}

func (p *Pipeline) buildHistory(req Request) ([]compactor.Entry, error) {
	if req.Kind == KindEphemeral {
		return req.ClientPriorTurns, nil
	}

	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 50
	}
	turns, err := p.Conversation.Load(req.SessionID, maxTurns)
	if err != nil {
		return nil, err
	}
	history := turnsToEntries(turns)

	if req.IsThread && req.ParentSessionID != "" && req.ThreadContextTurns > 0 {
		parentTurns, err := p.Conversation.Load(req.ParentSessionID, req.ThreadContextTurns)
		if err != nil {
			return nil, err
		}
		parentEntries := turnsToEntries(parentTurns)
		if len(parentEntries) > 0 && len(history) > 0 &&
			parentEntries[len(parentEntries)-1].Content == history[0].Content {
			parentEntries = parentEntries[:len(parentEntries)-1]
		}
		history = append(parentEntries, history...)
	}
	return history, nil
}

func turnsToEntries(turns []conversation.Turn) []compactor.Entry {
	out := make([]compactor.Entry, len(turns))
	for i, t := range turns {
		out[i] = compactor.Entry{Role: string(t.Role), Content: t.Content, Sender: t.Sender}
	}
	return out
}

// refreshSkills copies every *.md from hostDir into workspaceSkillsDir
// and removes any workspace file absent from hostDir (spec 4.13 step 4).
func refreshSkills(hostDir, workspaceSkillsDir string) error {
	if hostDir == "" {
		return nil
	}
	if err := os.MkdirAll(workspaceSkillsDir, 0700); err != nil {
		return err
	}

	hostFiles := make(map[string]bool)
	entries, err := os.ReadDir(hostDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		hostFiles[e.Name()] = true
		data, err := os.ReadFile(filepath.Join(hostDir, e.Name()))
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(workspaceSkillsDir, e.Name()), data, 0600); err != nil {
			return err
		}
	}

	existing, err := os.ReadDir(workspaceSkillsDir)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.IsDir() || hostFiles[e.Name()] {
			continue
		}
		os.Remove(filepath.Join(workspaceSkillsDir, e.Name()))
	}
	return nil
}

// drainConcurrently reads stdout and stderr in parallel so neither pipe's
// buffer can fill and deadlock the child (spec 4.13 step 11). stderr
// lines are teed to log as they arrive.
func drainConcurrently(stdout, stderr io.Reader, log *slog.Logger) (string, []string) {
	var out bytes.Buffer
	stdoutDone := make(chan struct{})
	go func() {
		io.Copy(&out, stdout)
		close(stdoutDone)
	}()

	var stderrLines []string
	stderrDone := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			stderrLines = append(stderrLines, line)
			log.Info("agent stderr", "line", line)
		}
		close(stderrDone)
	}()

	<-stdoutDone
	<-stderrDone
	return out.String(), stderrLines
}

func diagnose(stderrLines []string, waitErr error) string {
	joined := strings.Join(stderrLines, "\n")
	for _, h := range exitHints {
		if strings.Contains(joined, h.fragment) {
			return h.hint
		}
	}
	if waitErr != nil {
		return waitErr.Error()
	}
	if joined != "" {
		return joined
	}
	return "the agent exited with no diagnostic output"
}
