// Package proxy implements the credential-injecting upstream LLM reverse
// proxy (C11): an HTTP server bound to a Unix domain socket that forwards
// POST /v1/messages to the configured upstream, injecting either a static
// API key or an OAuth bearer token, with an exactly-one reactive 401
// retry.
//
// Grounded on the teacher's internal/ruriko/webhook.Proxy: a filtered
// forward() that rebuilds the outbound request and drains the response
// body for connection reuse, generalised from a fixed ACP bearer token to
// the two auth modes this spec requires, and bounded with
// golang.org/x/time/rate the way the teacher's webhook proxy bounds
// inbound deliveries with its own per-agent rateLimiter.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// maxBodyBytes bounds the proxied request body (spec 6 "body bounded to
// 4 MiB").
const maxBodyBytes = 4 << 20

// Mode selects how the proxy authenticates to the upstream.
type Mode string

const (
	ModeKey   Mode = "key"
	ModeOAuth Mode = "oauth"
)

// RefreshCredentials is invoked on a reactive 401 in OAuth mode. Its
// failure is swallowed; the original 401 is returned to the caller.
type RefreshCredentials func(ctx context.Context) error

// AuthHeader returns the current auth header value. For key mode this is
// static; for OAuth mode it must re-read the environment so a refresh
// performed by RefreshCredentials is observed on retry.
type AuthHeader func() (name, value string)

// Config configures one Proxy instance, one per completion that needs
// direct upstream access (spec 4.11).
type Config struct {
	SocketPath  string
	UpstreamURL string
	Mode        Mode
	AuthHeader  AuthHeader
	Refresh     RefreshCredentials // nil in key mode: a 401 there means a bad key

	// RateLimit and RateBurst configure the per-socket Limiter guarding
	// forward(). Zero RateLimit disables limiting (the default for tests
	// and for backends that already bound concurrency upstream).
	RateLimit float64
	RateBurst int
}

// Proxy is the upstream LLM reverse proxy.
type Proxy struct {
	cfg     Config
	client  *http.Client
	srv     *http.Server
	ln      net.Listener
	logger  *slog.Logger
	limiter *Limiter
}

// New returns a Proxy ready to Start.
func New(cfg Config, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Proxy{
		cfg:    cfg,
		client: &http.Client{Timeout: 120 * time.Second},
		logger: logger.With("component", "proxy"),
	}
	if cfg.RateLimit > 0 {
		p.limiter = NewLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	return p
}

// Start binds the Unix domain socket and begins serving.
func (p *Proxy) Start() error {
	os.RemoveAll(p.cfg.SocketPath)
	ln, err := net.Listen("unix", p.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("proxy: listen %s: %w", p.cfg.SocketPath, err)
	}
	p.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/messages", p.handleMessages)
	mux.HandleFunc("/", p.handleNotFound)
	p.srv = &http.Server{Handler: mux}

	go func() {
		if err := p.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			p.logger.Error("proxy serve", "error", err)
		}
	}()
	return nil
}

// Stop shuts the proxy down.
func (p *Proxy) Stop() {
	if p.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.srv.Shutdown(ctx)
	}
}

func (p *Proxy) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		writeUpstreamError(w, http.StatusNotFound, "not_found_error", "unsupported route")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeUpstreamError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(r.Context()); err != nil {
			writeUpstreamError(w, http.StatusTooManyRequests, "rate_limit_error", "local request rate limit exceeded")
			return
		}
	}

	resp, err := p.forward(r.Context(), body, false)
	if err != nil {
		p.logger.Error("proxy forward", "error", err)
		writeUpstreamError(w, http.StatusBadGateway, "api_error", "upstream request failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && p.cfg.Mode == ModeOAuth && p.cfg.Refresh != nil {
		resp.Body.Close()
		if refreshErr := p.cfg.Refresh(r.Context()); refreshErr == nil {
			retryResp, retryErr := p.forward(r.Context(), body, true)
			if retryErr == nil {
				resp = retryResp
			}
		}
		// A failed refresh or retry is swallowed; resp still holds the
		// original 401 response in that case. Its body is already closed,
		// so only its status and headers reach the caller.
	}
	defer resp.Body.Close()

	copyResponse(w, resp)
}

// forward rebuilds the request against the upstream with a filtered
// header set and the current auth header, per spec 4.11.
func (p *Proxy) forward(ctx context.Context, body []byte, retry bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.UpstreamURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", "application/json")

	if p.cfg.AuthHeader != nil {
		name, value := p.cfg.AuthHeader()
		if name != "" {
			req.Header.Set(name, value)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request (retry=%v): %w", retry, err)
	}
	return resp, nil
}

// copyResponse streams resp through unchanged, preserving status and
// headers minus transfer-encoding (spec 4.11).
func copyResponse(w http.ResponseWriter, resp *http.Response) {
	for k, vals := range resp.Header {
		if strings.EqualFold(k, "Transfer-Encoding") {
			continue
		}
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// handleNotFound serves every route besides /v1/messages: spec 4.11/§6
// require a 404 in the upstream error shape, not Go's plain-text 404.
func (p *Proxy) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeUpstreamError(w, http.StatusNotFound, "not_found_error", "unsupported route")
}

func writeUpstreamError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"type":"error","error":{"type":%q,"message":%q}}`, errType, message)
}

// Limiter bounds outbound upstream requests per socket (DOMAIN STACK
// wiring of golang.org/x/time/rate). The upstream API itself
// rate-limits; this is a defensive local ceiling so a runaway agent
// cannot hammer it from inside the sandbox.
type Limiter struct {
	l *rate.Limiter
}

// NewLimiter returns a Limiter allowing burst immediate requests and
// refilling at ratePerSec thereafter.
func NewLimiter(ratePerSec float64, burst int) *Limiter {
	return &Limiter{l: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// Wait blocks until the limiter permits one more request or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.l.Wait(ctx)
}
