package host

// llm.go makes the one direct upstream model call this host performs
// outside a sandboxed agent: the llm_call IPC action and the history
// compactor (C7) both need a model response before (or instead of)
// spawning an agent process. Shaped like the teacher's webhook proxy's
// forward() — a minimal client, a raw JSON body in, a raw JSON body out —
// but terminating in-process rather than streaming bytes through, since
// nothing here is untrusted agent traffic.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ax-host/ax/common/environment"
	"github.com/ax-host/ax/common/retry"
	"github.com/ax-host/ax/common/trace"
	"github.com/ax-host/ax/internal/ax/compactor"
	"github.com/ax-host/ax/internal/ax/proxy"
)

var upstreamHTTPClient = &http.Client{Timeout: 120 * time.Second}

const defaultModel = "claude-3-5-sonnet-latest"
const defaultMaxTokens = 1024

// upstreamAuthHeader implements proxy.AuthHeader for the host's own
// direct calls, reading the same environment variables the per-sandbox
// proxy reads so both paths stay in sync after a refresh.
func (h *Host) upstreamAuthHeader() (name, value string) {
	if proxy.Mode(h.cfg.Upstream.Mode) == proxy.ModeOAuth {
		token, _ := environment.String("ACCESS_TOKEN")
		return "Authorization", "Bearer " + token
	}
	key, _ := environment.String("ANTHROPIC_API_KEY")
	return "x-api-key", key
}

// postUpstream sends body to the configured upstream and returns the
// decoded JSON response. An "error" field in the response is surfaced as
// a Go error rather than passed through. A failed request, an unreadable
// body, or a body that is not JSON is retried a few times with backoff;
// a response that decodes as JSON is not retried whatever its status, so
// an auth or bad-request "error" envelope fails at once.
func (h *Host) postUpstream(ctx context.Context, body []byte) (map[string]any, error) {
	id := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, id)

	var out map[string]any
	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Upstream.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("host: build upstream request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("anthropic-version", "2023-06-01")
		req.Header.Set("X-Trace-Id", id)
		if name, value := h.upstreamAuthHeader(); name != "" {
			req.Header.Set(name, value)
		}

		resp, err := upstreamHTTPClient.Do(req)
		if err != nil {
			return fmt.Errorf("host: upstream request: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return fmt.Errorf("host: read upstream response: %w", err)
		}

		decoded := map[string]any{}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return fmt.Errorf("host: decode upstream response: %w", err)
		}
		out = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	if errField, ok := out["error"].(map[string]any); ok {
		return nil, fmt.Errorf("host: upstream error: %v", errField["message"])
	}
	return out, nil
}

// firstText pulls the first {"type":"text"} block's text out of a
// decoded Messages-API response, the shape both compaction and a
// tool-less llm_call reply need.
func firstText(resp map[string]any) (string, error) {
	blocks, _ := resp["content"].([]any)
	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok {
			continue
		}
		if block["type"] == "text" {
			text, _ := block["text"].(string)
			return text, nil
		}
	}
	return "", fmt.Errorf("host: upstream response had no text content")
}

// compactLLMCall implements compactor.LLMCall: a fixed two-message
// request (system + transcript), no tools, used only to summarise
// history before it is handed to a sandboxed agent (spec 4.13 step 6).
func (h *Host) compactLLMCall(ctx context.Context, systemPrompt, transcript string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model":      defaultModel,
		"max_tokens": defaultMaxTokens,
		"system":     systemPrompt,
		"messages":   []map[string]string{{"role": "user", "content": transcript}},
	})
	if err != nil {
		return "", fmt.Errorf("host: marshal compaction request: %w", err)
	}
	resp, err := h.postUpstream(ctx, body)
	if err != nil {
		return "", err
	}
	return firstText(resp)
}

var _ compactor.LLMCall = (*Host)(nil).compactLLMCall
