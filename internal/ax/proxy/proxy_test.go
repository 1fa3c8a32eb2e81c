package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// unixClient returns an http.Client that dials the given Unix domain
// socket regardless of the requested host, matching the test idiom used
// for this codebase's other socket-bound servers (ipc_test.go).
func unixClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}
}

func newTestProxy(t *testing.T, cfg Config) *http.Client {
	t.Helper()
	cfg.SocketPath = filepath.Join(t.TempDir(), "proxy.sock")
	p := New(cfg, nil)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(p.Stop)
	return unixClient(cfg.SocketPath)
}

func TestHandleMessages_ForwardsKeyModeAndRewritesAuth(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("X-Api-Key")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"ok":true}`)
	}))
	defer upstream.Close()

	cfg := Config{
		UpstreamURL: upstream.URL + "/v1/messages",
		Mode:        ModeKey,
		AuthHeader:  func() (string, string) { return "X-Api-Key", "secret-key" },
	}
	client := newTestProxy(t, cfg)

	resp, err := client.Post("http://unix/v1/messages", "application/json", strings.NewReader(`{"hi":1}`))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if gotAuth != "secret-key" {
		t.Fatalf("upstream saw auth %q, want secret-key", gotAuth)
	}
	if resp.Header.Get("X-Upstream") != "yes" {
		t.Fatal("expected upstream response headers to pass through")
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"ok":true}` {
		t.Fatalf("body = %q", body)
	}
}

func TestHandleMessages_OAuthReactiveRetryOnceOn401(t *testing.T) {
	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"ok":true}`)
	}))
	defer upstream.Close()

	var refreshed int32
	token := "stale-token"
	cfg := Config{
		UpstreamURL: upstream.URL + "/v1/messages",
		Mode:        ModeOAuth,
		AuthHeader:  func() (string, string) { return "Authorization", "Bearer " + token },
		Refresh: func(ctx context.Context) error {
			atomic.AddInt32(&refreshed, 1)
			token = "fresh-token"
			return nil
		},
	}
	client := newTestProxy(t, cfg)

	resp, err := client.Post("http://unix/v1/messages", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 after refresh retry", resp.StatusCode)
	}
	if atomic.LoadInt32(&refreshed) != 1 {
		t.Fatalf("refreshed called %d times, want exactly 1", refreshed)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("upstream called %d times, want exactly 2 (original + one retry)", calls)
	}
}

func TestHandleMessages_KeyModeNeverRetriesOn401(t *testing.T) {
	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	cfg := Config{
		UpstreamURL: upstream.URL + "/v1/messages",
		Mode:        ModeKey,
		AuthHeader:  func() (string, string) { return "X-Api-Key", "bad-key" },
	}
	client := newTestProxy(t, cfg)

	resp, err := client.Post("http://unix/v1/messages", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("upstream called %d times, want exactly 1 (no retry in key mode)", calls)
	}
}

func TestHandleMessages_RefreshFailureSwallowedReturnsOriginal401(t *testing.T) {
	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	cfg := Config{
		UpstreamURL: upstream.URL + "/v1/messages",
		Mode:        ModeOAuth,
		AuthHeader:  func() (string, string) { return "Authorization", "Bearer stale" },
		Refresh: func(ctx context.Context) error {
			return fmt.Errorf("refresh unavailable")
		},
	}
	client := newTestProxy(t, cfg)

	resp, err := client.Post("http://unix/v1/messages", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("upstream called %d times, want exactly 1 (refresh failed, no retry issued)", calls)
	}
}

func TestHandleMessages_UnsupportedRouteReturnsUpstreamErrorShape(t *testing.T) {
	cfg := Config{UpstreamURL: "http://127.0.0.1:1", Mode: ModeKey}
	client := newTestProxy(t, cfg)

	resp, err := client.Get("http://unix/v1/other")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"type":"error"`) {
		t.Fatalf("body = %q, expected upstream error shape", body)
	}
}

func TestHandleMessages_OptionsPreflight(t *testing.T) {
	cfg := Config{UpstreamURL: "http://127.0.0.1:1", Mode: ModeKey}
	client := newTestProxy(t, cfg)

	req, _ := http.NewRequest(http.MethodOptions, "http://unix/v1/messages", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
}

func TestLimiter_WaitBlocksUntilRefill(t *testing.T) {
	l := NewLimiter(1000, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("second Wait (should refill fast at 1000/s): %v", err)
	}
}
