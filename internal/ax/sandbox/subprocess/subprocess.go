// Package subprocess implements the dev-only sandbox fallback: a plain
// os/exec child process with no namespace, filesystem, or network
// isolation. Spec 4.10 requires this backend to log a warning on every
// spawn.
//
// Grounded on the teacher's internal/ruriko/runtime.Runtime interface
// shape (this package implements sandbox.Provider the same way the
// Docker adapter implements runtime.Runtime), generalised to a one-shot
// stdio-streaming process instead of a long-lived container.
package subprocess

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/ax-host/ax/internal/ax/sandbox"
	"github.com/google/uuid"
)

// Provider spawns bare subprocesses. No isolation is provided; use only
// in development.
type Provider struct {
	logger *slog.Logger

	mu    sync.Mutex
	procs map[string]*exec.Cmd
}

// New returns a subprocess Provider.
func New(logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{logger: logger, procs: make(map[string]*exec.Cmd)}
}

func env(spec sandbox.Spec) []string {
	out := []string{
		"PATH=/usr/bin:/bin",
		"HOME=" + spec.Workspace,
		"AX_WORKSPACE=" + spec.Workspace,
		"AX_SKILLS=" + spec.Skills,
		"AX_AGENT_DIR=" + spec.AgentDir,
	}
	if spec.IPCSocket != "" {
		out = append(out, "AX_IPC_SOCKET="+spec.IPCSocket)
	}
	if spec.ProxySocket != "" {
		out = append(out, "AX_PROXY_SOCKET="+spec.ProxySocket)
	}
	return out
}

// Spawn starts cfg.Command as a bare child process in its own process
// group so Kill can signal the whole tree.
func (p *Provider) Spawn(ctx context.Context, spec sandbox.Spec) (sandbox.Result, error) {
	p.logger.Warn("no isolation — dev-only", "command", spec.Command)

	if len(spec.Command) == 0 {
		return sandbox.Result{}, fmt.Errorf("subprocess: empty command")
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Workspace
	cmd.Env = env(spec)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("subprocess: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("subprocess: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("subprocess: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return sandbox.Result{}, fmt.Errorf("subprocess: start: %w", err)
	}

	handle := uuid.NewString()
	p.mu.Lock()
	p.procs[handle] = cmd
	p.mu.Unlock()

	var timeoutTimer *time.Timer
	if spec.TimeoutSec > 0 {
		timeoutTimer = time.AfterFunc(time.Duration(spec.TimeoutSec)*time.Second, func() {
			p.killGroup(cmd)
		})
	}

	wait := func(ctx context.Context) (int, error) {
		defer func() {
			if timeoutTimer != nil {
				timeoutTimer.Stop()
			}
			p.mu.Lock()
			delete(p.procs, handle)
			p.mu.Unlock()
		}()

		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()

		select {
		case <-ctx.Done():
			p.killGroup(cmd)
			<-done
			return -1, ctx.Err()
		case err := <-done:
			if err == nil {
				return 0, nil
			}
			if exitErr, ok := err.(*exec.ExitError); ok {
				return exitErr.ExitCode(), nil
			}
			return -1, err
		}
	}

	return sandbox.Result{Stdin: stdin, Stdout: stdout, Stderr: stderr, Wait: wait}, nil
}

// Kill terminates the process group for handle, if still tracked.
func (p *Provider) Kill(ctx context.Context, handle string) error {
	p.mu.Lock()
	cmd, ok := p.procs[handle]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	p.killGroup(cmd)
	return nil
}

func (p *Provider) killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		cmd.Process.Kill()
		return
	}
	syscall.Kill(-pgid, syscall.SIGKILL)
}
