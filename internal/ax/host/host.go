// Package host wires every AX component (C1-C14) into one running
// process: the shared store, the security front door, the completion
// pipeline, the IPC server sandboxed agents call back into, the
// scheduler, and the chat-provider channels.
//
// Grounded on the teacher's internal/ruriko/app.App: New builds
// subsystems progressively, treating each optional one (Docker sandbox,
// Matrix channel, OAuth refresh) as a warn-and-degrade rather than a
// fatal error, and Run/Stop pairs a signal-driven wait loop with an
// orderly shutdown in reverse of startup order.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ax-host/ax/internal/ax/audit"
	"github.com/ax-host/ax/internal/ax/channel"
	httpchannel "github.com/ax-host/ax/internal/ax/channel/http"
	matrixchannel "github.com/ax-host/ax/internal/ax/channel/matrix"
	"github.com/ax-host/ax/internal/ax/config"
	"github.com/ax-host/ax/internal/ax/conversation"
	"github.com/ax-host/ax/internal/ax/creds"
	"github.com/ax-host/ax/internal/ax/identity"
	"github.com/ax-host/ax/internal/ax/ipc"
	"github.com/ax-host/ax/internal/ax/pipeline"
	"github.com/ax-host/ax/internal/ax/proposal"
	"github.com/ax-host/ax/internal/ax/proxy"
	"github.com/ax-host/ax/internal/ax/queue"
	"github.com/ax-host/ax/internal/ax/registry"
	"github.com/ax-host/ax/internal/ax/router"
	"github.com/ax-host/ax/internal/ax/sandbox"
	"github.com/ax-host/ax/internal/ax/sandbox/docker"
	"github.com/ax-host/ax/internal/ax/sandbox/subprocess"
	"github.com/ax-host/ax/internal/ax/scanner"
	"github.com/ax-host/ax/internal/ax/scheduler"
	"github.com/ax-host/ax/internal/ax/schema"
	"github.com/ax-host/ax/internal/ax/session"
	"github.com/ax-host/ax/internal/ax/store"
	"github.com/ax-host/ax/internal/ax/taint"
	"github.com/ax-host/ax/internal/ax/workspace"
)

// Host owns every long-lived component and the channels feeding it.
type Host struct {
	cfg    *config.Config
	logger *slog.Logger

	store        *store.Store
	scanner      *scanner.Scanner
	taint        *taint.Budget
	queue        *queue.Queue
	conversation *conversation.Store
	proposals    *proposal.Store
	registry     *registry.Store
	audit        *audit.Log
	router       *router.Router

	identity  *identity.Store
	workspace *workspace.Store
	creds     *creds.Refresher
	sandbox   sandbox.Provider

	schemaRegistry *schema.Registry
	ipcServer      *ipc.Server
	scheduler      *scheduler.Manager
	pipeline       *pipeline.Pipeline

	channels []channel.Channel

	wg sync.WaitGroup
}

// New wires every subsystem from cfg. Optional subsystems (Docker,
// Matrix) degrade to a logged warning rather than a fatal error, the
// same way the teacher's app.New treats its Docker runtime and Matrix
// provisioner as best-effort.
func New(cfg *config.Config, logger *slog.Logger) (*Host, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("host: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("host: create data dir: %w", err)
	}

	logger.Info("opening store", "path", filepath.Join(cfg.DataDir, "ax.db"))
	st, err := store.New(filepath.Join(cfg.DataDir, "ax.db"), logger)
	if err != nil {
		return nil, fmt.Errorf("host: open store: %w", err)
	}

	sc := scanner.New()
	budget := taint.New(taint.Profile(cfg.Profile))
	q := queue.New(st.DB())
	convo := conversation.New(st.DB())
	props := proposal.New(st.DB())
	reg := registry.New(st.DB())
	auditLog := audit.New(st.DB(), logger)
	rtr := router.New(sc, budget, q, auditLog)

	agentDir := filepath.Join(cfg.DataDir, "agent")
	agentWorkspace := filepath.Join(cfg.DataDir, "agent-workspace")
	userWorkspace := filepath.Join(cfg.DataDir, "user-workspace")
	scratchRoot := filepath.Join(cfg.DataDir, "scratch")
	skillsHostDir := filepath.Join(cfg.DataDir, "skills")
	for _, dir := range []string{agentDir, agentWorkspace, userWorkspace, scratchRoot, skillsHostDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			st.Close()
			return nil, fmt.Errorf("host: create %s: %w", dir, err)
		}
	}

	idStore := identity.New(agentDir)
	ws := workspace.New(agentWorkspace, userWorkspace, scratchRoot, false)

	var sbox sandbox.Provider
	switch cfg.Sandbox.Backend {
	case "docker":
		d, err := docker.New(cfg.Sandbox.Image)
		if err != nil {
			logger.Warn("docker sandbox unavailable, falling back to subprocess", "error", err)
			sbox = subprocess.New(logger)
		} else {
			sbox = d
		}
	default:
		logger.Warn("using unisolated subprocess sandbox; do not use in production", "component", "host")
		sbox = subprocess.New(logger)
	}

	credsRefresher := creds.New(cfg.Upstream.EnvPath, unsupportedOAuthRefresh, logger)

	schemaRegistry, err := schema.NewRegistry()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("host: build schema registry: %w", err)
	}

	var loc *time.Location
	if cfg.Schedule.TimeZone != "" {
		loc, err = time.LoadLocation(cfg.Schedule.TimeZone)
		if err != nil {
			logger.Warn("invalid schedule timezone, active hours disabled", "error", err)
			loc = nil
		}
	}

	h := &Host{
		cfg:            cfg,
		logger:         logger,
		store:          st,
		scanner:        sc,
		taint:          budget,
		queue:          q,
		conversation:   convo,
		proposals:      props,
		registry:       reg,
		audit:          auditLog,
		router:         rtr,
		identity:       idStore,
		workspace:      ws,
		creds:          credsRefresher,
		sandbox:        sbox,
		schemaRegistry: schemaRegistry,
	}

	h.scheduler = scheduler.New(
		h.dispatchSystemMessage,
		scheduler.ActiveHours{Location: loc, StartHour: cfg.Schedule.ActiveHoursStart, EndHour: cfg.Schedule.ActiveHoursEnd},
		cfg.Schedule.HeartbeatEveryMin,
		func() string { return "heartbeat" },
		cfg.Schedule.HintThreshold,
		time.Duration(cfg.Schedule.HintCooldownSec)*time.Second,
		cfg.Schedule.HintTokenBudget,
	)

	h.pipeline = &pipeline.Pipeline{
		Queue:          q,
		Conversation:   convo,
		Router:         rtr,
		Sandbox:        sbox,
		AgentDir:       agentDir,
		AgentWorkspace: agentWorkspace,
		UserWorkspace:  userWorkspace,
		SkillsHostDir:  skillsHostDir,
		DataDir:        cfg.DataDir,
		Creds:          credsRefresher,
		CompactLLMCall: h.compactLLMCall,
		Logger:         logger,
	}

	h.ipcServer = ipc.New(filepath.Join(cfg.DataDir, "ax-ipc.sock"), schemaRegistry, h.buildHandlers(), logger)

	h.channels = append(h.channels, httpchannel.New(cfg.HTTP.SocketPath))
	if cfg.Channels.Matrix != nil {
		mc, err := matrixchannel.New(matrixchannel.Config{
			Homeserver:  cfg.Channels.Matrix.Homeserver,
			UserID:      cfg.Channels.Matrix.UserID,
			AccessToken: cfg.Channels.Matrix.AccessToken,
			AdminRooms:  cfg.Channels.Matrix.AdminRooms,
			DB:          st.DB(),
		})
		if err != nil {
			logger.Warn("matrix channel unavailable, continuing without it", "error", err)
		} else {
			h.channels = append(h.channels, mc)
		}
	}

	return h, nil
}

// unsupportedOAuthRefresh is the RefreshFunc New installs: the OAuth token
// exchange itself talks to the upstream model vendor's auth endpoint,
// which this host treats the same as the model call itself — an
// external collaborator outside this repository's scope. New passes it
// to the credential refresher and to every completion's RefreshFunc, so
// OAuth tokens are never refreshed; key mode does not call it.
func unsupportedOAuthRefresh(ctx context.Context, refreshToken string) (creds.Tokens, error) {
	return creds.Tokens{}, fmt.Errorf("host: oauth token refresh is not implemented; run upstream.mode=key")
}

// Run starts every subsystem and blocks until SIGINT/SIGTERM.
func (h *Host) Run() error {
	if err := h.ipcServer.Start(); err != nil {
		return fmt.Errorf("host: start ipc server: %w", err)
	}
	h.scheduler.Start()

	for _, ch := range h.channels {
		if err := ch.Start(); err != nil {
			h.logger.Warn("channel failed to start, continuing without it", "channel", ch.Name(), "error", err)
			continue
		}
		h.wg.Add(1)
		go h.serveChannel(ch)
	}

	h.logger.Info("ax is running")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	h.logger.Info("shutting down")
	return nil
}

// Stop tears subsystems down in reverse of Run's startup order.
func (h *Host) Stop() {
	for _, ch := range h.channels {
		ch.Stop()
	}
	h.wg.Wait()

	h.scheduler.Stop()
	if err := h.ipcServer.Stop(); err != nil {
		h.logger.Warn("ipc server stop", "error", err)
	}
	if err := h.store.Close(); err != nil {
		h.logger.Warn("store close", "error", err)
	}
}

// serveChannel pumps one channel's Inbound messages into the completion
// pipeline and routes the reply back out through the same channel
// (spec 4.13 step 1's "synthetic inbound" for non-C8-originated
// completions does not apply here: every channel message already is a
// router.Inbound).
func (h *Host) serveChannel(ch channel.Channel) {
	defer h.wg.Done()
	for msg := range ch.Inbound() {
		msg := msg
		go h.handleChannelMessage(ch, msg)
	}
}

func (h *Host) handleChannelMessage(ch channel.Channel, msg channel.InboundMessage) {
	ctx := context.Background()
	sessionID := session.Canonicalise(session.Address{
		Provider:    msg.Provider,
		Scope:       session.ScopeDM,
		Identifiers: map[string]string{"session": msg.Session},
	})

	reply, err := h.pipeline.RunCompletion(ctx, pipeline.Request{
		Raw: &router.Inbound{
			Session:  sessionID,
			Sender:   msg.Sender,
			Content:  msg.Content,
			Provider: router.Provider(msg.Provider),
		},
		Kind:               pipeline.KindPersistent,
		MaxTurns:           h.cfg.Session.MaxTurns,
		ThreadContextTurns: h.cfg.Session.ThreadContextTurns,
		ContextWindow:      h.cfg.Upstream.ContextSize,
		TaintThreshold:     taint.Thresholds[taint.Profile(h.cfg.Profile)],
		Profile:            h.cfg.Profile,
		SandboxType:        h.cfg.Sandbox.Backend,
		Command:            h.cfg.Sandbox.Command,
		TimeoutSec:         h.cfg.Sandbox.TimeoutSec,
		MemoryMB:           h.cfg.Sandbox.MemoryMB,
		RequiresUpstream:   true,
		ProxyMode:          proxy.Mode(h.cfg.Upstream.Mode),
		UpstreamURL:        h.cfg.Upstream.URL,
		AuthHeader:         h.upstreamAuthHeader,
		EnvPath:            h.cfg.Upstream.EnvPath,
		RefreshFunc:        unsupportedOAuthRefresh,
	})
	if err != nil {
		h.logger.Error("completion failed", "session", sessionID, "error", err)
		return
	}
	if reply == "" {
		return
	}
	if err := ch.Send(channel.OutboundMessage{Session: msg.Session, Content: reply, ReplyTo: msg.ReplyTo}); err != nil {
		h.logger.Warn("could not deliver reply", "channel", ch.Name(), "error", err)
	}
}

// dispatchSystemMessage feeds a scheduler-originated message (cron fire,
// heartbeat, proactive hint) back through the router as trusted system
// content; any reply is sent on h.channels[0], which is always the local
// HTTP channel.
func (h *Host) dispatchSystemMessage(content string) {
	if content == "" || len(h.channels) == 0 {
		return
	}
	ctx := context.Background()
	target := h.channels[0]
	sessionID := session.Canonicalise(session.Address{Provider: string(router.System), Scope: session.ScopeSystem})

	reply, err := h.pipeline.RunCompletion(ctx, pipeline.Request{
		Raw: &router.Inbound{
			Session:  sessionID,
			Sender:   "scheduler",
			Content:  content,
			Provider: router.System,
		},
		Kind:             pipeline.KindPersistent,
		MaxTurns:         h.cfg.Session.MaxTurns,
		ContextWindow:    h.cfg.Upstream.ContextSize,
		Profile:          h.cfg.Profile,
		SandboxType:      h.cfg.Sandbox.Backend,
		Command:          h.cfg.Sandbox.Command,
		TimeoutSec:       h.cfg.Sandbox.TimeoutSec,
		MemoryMB:         h.cfg.Sandbox.MemoryMB,
		ReplyOptional:    true,
		RequiresUpstream: true,
		ProxyMode:        proxy.Mode(h.cfg.Upstream.Mode),
		UpstreamURL:      h.cfg.Upstream.URL,
		AuthHeader:       h.upstreamAuthHeader,
		EnvPath:          h.cfg.Upstream.EnvPath,
		RefreshFunc:      unsupportedOAuthRefresh,
	})
	if err != nil {
		h.logger.Error("scheduled completion failed", "error", err)
		return
	}
	if reply == "" {
		return
	}
	if err := target.Send(channel.OutboundMessage{Session: sessionID, Content: reply}); err != nil {
		h.logger.Warn("could not deliver scheduled reply", "channel", target.Name(), "error", err)
	}
}
