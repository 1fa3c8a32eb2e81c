// Package docker implements the container-isolated sandbox backend
// (C10): one throwaway container per completion, network-disabled
// except for bind-mounted Unix sockets, with the agent identity
// directory mounted read-only.
//
// Grounded on the teacher's internal/ruriko/runtime/docker.Adapter:
// the same Docker Engine client setup, label scheme, and
// create/start/inspect sequence, generalised from a long-lived ACP
// agent container addressed by network IP to a one-shot process whose
// stdio streams are attached and demultiplexed for the completion
// pipeline, and isolated further (NetworkMode "none" plus bind-mounted
// sockets instead of a shared bridge network) to satisfy this spec's
// "no other network access" requirement.
package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/ax-host/ax/internal/ax/sandbox"
)

const (
	labelManagedBy = "ax.managed-by"
	managedByValue = "ax-sandbox"

	stopTimeout = 5 * time.Second
)

// Provider implements sandbox.Provider using the Docker Engine API.
type Provider struct {
	client *dockerclient.Client
	image  string
}

// New creates a Docker sandbox provider using the given agent runtime
// image (must already contain the agent CLI and its interpreter).
func New(image string) (*Provider, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Provider{client: cli, image: image}, nil
}

// Spawn creates, starts, and attaches to a throwaway container per spec
// 4.10: read-only agent dir, writable workspace/scratch, no network
// beyond bind-mounted sockets, and a memory ceiling when MemoryMB is
// set. No CPU limit is applied.
func (p *Provider) Spawn(ctx context.Context, spec sandbox.Spec) (sandbox.Result, error) {
	if len(spec.Command) == 0 {
		return sandbox.Result{}, fmt.Errorf("docker sandbox: empty command")
	}

	name := "ax-sandbox-" + uuid.NewString()

	containerCfg := &container.Config{
		Image:        p.image,
		Cmd:          spec.Command,
		Env:          env(spec),
		WorkingDir:   "/workspace",
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			labelManagedBy: managedByValue,
		},
	}

	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		Binds:       bindsFor(spec),
		Resources:   resourcesFor(spec),
	}

	resp, err := p.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("docker sandbox: create: %w", err)
	}
	containerID := resp.ID

	attach, err := p.client.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
		return sandbox.Result{}, fmt.Errorf("docker sandbox: attach: %w", err)
	}

	if err := p.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		attach.Close()
		p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
		return sandbox.Result{}, fmt.Errorf("docker sandbox: start: %w", err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	wait := func(ctx context.Context) (int, error) {
		defer func() {
			attach.Close()
			p.client.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
		}()

		if spec.TimeoutSec > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutSec)*time.Second)
			defer cancel()
		}

		statusCh, errCh := p.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
		select {
		case <-ctx.Done():
			p.Kill(context.Background(), containerID)
			return -1, ctx.Err()
		case err := <-errCh:
			return -1, fmt.Errorf("docker sandbox: wait: %w", err)
		case status := <-statusCh:
			return int(status.StatusCode), nil
		}
	}

	return sandbox.Result{
		Stdin:  attach.Conn,
		Stdout: stdoutR,
		Stderr: stderrR,
		Wait:   wait,
	}, nil
}

// Kill force-stops and removes the sandbox container identified by
// handle (its Docker container ID).
func (p *Provider) Kill(ctx context.Context, handle string) error {
	timeout := int(stopTimeout.Seconds())
	_ = p.client.ContainerStop(ctx, handle, container.StopOptions{Timeout: &timeout})
	if err := p.client.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true}); err != nil {
		if !dockerclient.IsErrNotFound(err) {
			return fmt.Errorf("docker sandbox: remove: %w", err)
		}
	}
	return nil
}

// ListManaged returns container IDs labeled as ax-managed sandboxes,
// for startup reconciliation after a host crash.
func (p *Provider) ListManaged(ctx context.Context) ([]string, error) {
	containers, err := p.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManagedBy+"="+managedByValue)),
	})
	if err != nil {
		return nil, fmt.Errorf("docker sandbox: list: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func env(spec sandbox.Spec) []string {
	out := []string{
		"PATH=/usr/bin:/bin",
		"HOME=/workspace",
		"AX_WORKSPACE=/workspace",
		"AX_SKILLS=/skills",
		"AX_AGENT_DIR=/agent",
	}
	if spec.IPCSocket != "" {
		out = append(out, "AX_IPC_SOCKET=/run/ax/ipc.sock")
	}
	if spec.ProxySocket != "" {
		out = append(out, "AX_PROXY_SOCKET=/run/ax/proxy.sock")
	}
	return out
}

// bindsFor maps the host paths in spec onto the fixed in-container
// mount points env() points the AX_* variables at: the agent identity
// directory read-only, the workspace and scratch directory writable,
// and the IPC/proxy sockets bind-mounted individually so the container
// can reach the host despite NetworkMode "none".
func bindsFor(spec sandbox.Spec) []string {
	binds := []string{
		spec.AgentDir + ":/agent:ro",
		spec.Workspace + ":/workspace:rw",
	}
	if spec.Skills != "" {
		binds = append(binds, spec.Skills+":/skills:ro")
	}
	if spec.ScratchDir != "" {
		binds = append(binds, spec.ScratchDir+":/scratch:rw")
	}
	if spec.IPCSocket != "" {
		binds = append(binds, spec.IPCSocket+":/run/ax/ipc.sock")
	}
	if spec.ProxySocket != "" {
		binds = append(binds, spec.ProxySocket+":/run/ax/proxy.sock")
	}
	return binds
}

func resourcesFor(spec sandbox.Spec) container.Resources {
	if spec.MemoryMB <= 0 {
		return container.Resources{}
	}
	return container.Resources{Memory: int64(spec.MemoryMB) * 1024 * 1024}
}
