// Package http implements the local chat-completions API (spec 6 "HTTP
// API (Unix-domain socket)") as a channel.Channel: POST /v1/chat/completions
// (with SSE streaming) and GET /health.
//
// Grounded on the teacher's internal/gitai/control.Server: a stdlib
// http.ServeMux, one handler per route, JSON request/response helpers,
// and a Start/Stop pair that binds the listener before returning so
// callers can send requests immediately. The difference here is the
// listener is a Unix-domain socket, not TCP, and replies are resolved
// asynchronously through the channel.Channel Inbound/Send seam rather
// than computed in-handler.
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ax-host/ax/internal/ax/channel"
)

// ChatMessage is one message in a chat-completions request (spec 6).
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest mirrors the upstream-compatible request body
// POST /v1/chat/completions accepts.
type ChatCompletionRequest struct {
	Model     string        `json:"model,omitempty"`
	Messages  []ChatMessage `json:"messages"`
	Stream    bool          `json:"stream,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
}

// ChatCompletionResponse is the non-streaming reply shape.
type ChatCompletionResponse struct {
	ID      string      `json:"id"`
	Model   string      `json:"model,omitempty"`
	Message ChatMessage `json:"message"`
	Created int64       `json:"created"`
}

// errorBody is the upstream-compatible error envelope (spec 6).
type errorBody struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	body := errorBody{Type: "error"}
	body.Error.Type = errType
	body.Error.Message = msg
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// pending tracks one in-flight request waiting for its reply to arrive
// through Send.
type pending struct {
	reply chan channel.OutboundMessage
}

// Channel is a channel.Channel exposing the local HTTP/SSE chat API over
// a Unix-domain socket.
type Channel struct {
	socketPath string
	server     *http.Server
	listener   net.Listener

	inbound chan channel.InboundMessage

	mu      sync.Mutex
	waiting map[string]*pending // keyed by session id
}

var _ channel.Channel = (*Channel)(nil)

// New creates an HTTP channel bound to socketPath. The socket is created
// by Start, not New.
func New(socketPath string) *Channel {
	c := &Channel{
		socketPath: socketPath,
		inbound:    make(chan channel.InboundMessage, 64),
		waiting:    make(map[string]*pending),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", c.handleHealth)
	mux.HandleFunc("/v1/chat/completions", c.handleChatCompletions)
	c.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
	}
	return c
}

// Name implements channel.Channel.
func (c *Channel) Name() string { return "http" }

// Inbound implements channel.Channel.
func (c *Channel) Inbound() <-chan channel.InboundMessage { return c.inbound }

// Start binds the Unix-domain socket and begins serving.
func (c *Channel) Start() error {
	os.Remove(c.socketPath)
	ln, err := net.Listen("unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("http channel: listen %s: %w", c.socketPath, err)
	}
	c.listener = ln

	slog.Info("http channel listening", "component", "channel.http", "socket", c.socketPath)
	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http channel server error", "component", "channel.http", "err", err)
		}
	}()
	return nil
}

// Stop implements channel.Channel.
func (c *Channel) Stop() {
	c.server.Close()
	os.Remove(c.socketPath)
	close(c.inbound)
}

// Send implements channel.Channel: it resolves the waiting HTTP handler
// for msg.Session, if any is still waiting.
func (c *Channel) Send(msg channel.OutboundMessage) error {
	c.mu.Lock()
	p, ok := c.waiting[msg.Session]
	if ok {
		delete(c.waiting, msg.Session)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("http channel: no waiting request for session %s", msg.Session)
	}
	p.reply <- msg
	return nil
}

func (c *Channel) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleChatCompletions accepts a request, turns its last user message
// into an InboundMessage, and blocks until Send resolves it (or the
// client disconnects). Streaming requests relay the same final content
// as a single content-block delta, since the pipeline produces its
// reply atomically rather than token-by-token (spec 4.13's completion
// pipeline has no intermediate token stream to relay).
func (c *Channel) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}

	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}
	last := req.Messages[len(req.Messages)-1]

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	p := &pending{reply: make(chan channel.OutboundMessage, 1)}
	c.mu.Lock()
	c.waiting[sessionID] = p
	c.mu.Unlock()

	select {
	case c.inbound <- channel.InboundMessage{
		Session:  sessionID,
		Sender:   "http-client",
		Content:  last.Content,
		Provider: c.Name(),
	}:
	default:
		c.mu.Lock()
		delete(c.waiting, sessionID)
		c.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "overloaded_error", "too many in-flight requests")
		return
	}

	var reply channel.OutboundMessage
	select {
	case reply = <-p.reply:
	case <-r.Context().Done():
		c.mu.Lock()
		delete(c.waiting, sessionID)
		c.mu.Unlock()
		return
	}

	id := "chatcmpl-" + uuid.NewString()
	if req.Stream {
		c.streamReply(w, id, reply.Content)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ChatCompletionResponse{
		ID:      id,
		Model:   req.Model,
		Message: ChatMessage{Role: "assistant", Content: reply.Content},
		Created: sseNow(),
	})
}

func (c *Channel) streamReply(w http.ResponseWriter, id, content string) {
	flusher, ok := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(event string, data any) {
		body, _ := json.Marshal(data)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body)
		if ok {
			flusher.Flush()
		}
	}

	writeEvent("message_start", map[string]any{"id": id, "type": "message_start"})
	writeEvent("content_block_start", map[string]any{"index": 0, "type": "content_block_start"})
	writeEvent("content_block_delta", map[string]any{"index": 0, "delta": map[string]string{"type": "text_delta", "text": content}})
	writeEvent("content_block_stop", map[string]any{"index": 0})
	writeEvent("message_delta", map[string]any{"delta": map[string]string{"stop_reason": "end_turn"}})
	writeEvent("message_stop", map[string]any{})
}

// sseNow returns a Unix timestamp for the Created field. Extracted so
// tests can avoid depending on wall-clock time if they need to; callers
// outside tests get the real clock.
var sseNow = func() int64 { return time.Now().Unix() }
