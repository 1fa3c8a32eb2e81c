// Command ax is the AX host's entrypoint: serve runs the long-lived
// process, send is a thin CLI client against its local HTTP/SSE channel,
// and bootstrap writes a starter config.yaml.
//
// Grounded on cmd/ruriko/main.go's banner-then-load-then-run shape,
// adapted from a single fixed Matrix-only startup into a subcommand
// dispatcher per spec 6's CLI surface (serve/send/configure/bootstrap).
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	axhttp "github.com/ax-host/ax/internal/ax/channel/http"
	"github.com/ax-host/ax/common/version"
	"github.com/ax-host/ax/internal/ax/config"
	"github.com/ax-host/ax/internal/ax/host"
)

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ContinueOnError)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "send":
		err = runSend(args)
	case "bootstrap":
		err = runBootstrap(args)
	case "configure":
		err = runConfigure(args)
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "ax: unknown command %q\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ax: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Printf("AX personal agent host %s\n\n", version.Info())
	fmt.Println("Usage:")
	fmt.Println("  ax serve -config <path>            run the host")
	fmt.Println("  ax send -socket <path> <message>    send one message to a running host")
	fmt.Println("  ax bootstrap -dir <path>            write a starter config.yaml")
	fmt.Println("  ax configure                        interactive setup (not provided by this host)")
}

func runServe(args []string) error {
	fs := newFlagSet("serve")
	configPath := fs.String("config", "./config.yaml", "path to config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	fmt.Printf("AX personal agent host %s\n", version.Info())

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	h, err := host.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize host: %w", err)
	}
	defer h.Stop()

	if err := h.Run(); err != nil {
		return fmt.Errorf("run host: %w", err)
	}
	return nil
}

// runSend is a minimal client for spec 6's local HTTP API: it posts a
// single non-streaming chat-completions request over the Unix socket and
// prints the assistant's reply.
func runSend(args []string) error {
	fs := newFlagSet("send")
	socketPath := fs.String("socket", "./data/ax-http.sock", "path to the host's HTTP Unix socket")
	sessionID := fs.String("session", "cli", "session id to send as")
	timeout := fs.Duration("timeout", 120*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("send: a message is required")
	}
	message := fs.Arg(0)

	reqBody, err := json.Marshal(axhttp.ChatCompletionRequest{
		Messages:  []axhttp.ChatMessage{{Role: "user", Content: message}},
		SessionID: *sessionID,
	})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	client := &http.Client{
		Timeout: *timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", *socketPath)
			},
		},
	}

	resp, err := client.Post("http://unix/v1/chat/completions", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("connect to %s: %w", *socketPath, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("host returned %s: %s", resp.Status, raw)
	}

	var out axhttp.ChatCompletionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Println(out.Message.Content)
	return nil
}

// runBootstrap writes a conservative starter config.yaml to dir, the same
// defaults config.Default returns, without overwriting an existing file.
func runBootstrap(args []string) error {
	fs := newFlagSet("bootstrap")
	dir := fs.String("dir", ".", "directory to write config.yaml into")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := filepath.Join(*dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}

	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.MkdirAll(*dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", *dir, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("wrote %s\n", path)
	fmt.Println("edit sandbox.command and upstream.url/mode, then set ANTHROPIC_API_KEY and run `ax serve`.")
	return nil
}

// runConfigure is a deliberate stub: the interactive setup wizard is an
// external collaborator this host's contract does not implement (spec 1
// "Out of scope" names "the interactive configure flow" explicitly).
func runConfigure(args []string) error {
	fmt.Println("ax configure: no interactive setup wizard is built into this host.")
	fmt.Println("Run `ax bootstrap` for a starter config.yaml, then edit it by hand.")
	return nil
}
