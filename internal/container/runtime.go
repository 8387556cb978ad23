// Package container provides the Docker-backed runtime that hosts sandboxes.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	containerUser   = "1000"
	workingDir      = "/work"
	stopTimeoutSecs = 5

	// Resource limits.
	memoryLimitBytes = 512 * 1024 * 1024 // 512MB
	cpuQuota         = 100000            // 1 CPU
	pidsLimit        = 256

	sandboxSubnet = "172.29.0.0/16"

	createRetryAttempts = 10
	createRetryDelay    = 250 * time.Millisecond

	sandboxLabel = "shsh-recon.session"
)

var (
	// ErrImageMissing means the pinned sandbox image is not present locally.
	ErrImageMissing = errors.New("sandbox image not found")
	// ErrRuntimeUnavailable means the Docker daemon could not be reached.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
)

// Runtime is the container-runtime capability the sandbox manager needs.
type Runtime interface {
	// Provision starts a fresh sandbox for name and returns its handle.
	Provision(ctx context.Context, name string) (string, error)

	// Exec runs argv inside the sandbox, writing stdout and stderr to w in
	// arrival order, and returns the exit code. When ctx carries a deadline
	// the process is killed inside the sandbox once it passes.
	Exec(ctx context.Context, handle string, argv []string, w io.Writer) (int, error)

	// Terminate stops and removes the sandbox. Missing sandboxes are not an error.
	Terminate(ctx context.Context, handle string) error

	// Ping verifies the runtime is responsive.
	Ping(ctx context.Context) error
}

// Options configures a DockerRuntime.
type Options struct {
	Image   string // pinned image reference, e.g. recon-sandbox:1.0
	Runtime string // "" = default (runc), "runsc" = gVisor
	Network string
}

// DockerRuntime implements Runtime using the Docker Engine API.
type DockerRuntime struct {
	cli  *client.Client
	opts Options
}

// NewDockerRuntime creates a Docker-backed runtime.
func NewDockerRuntime(opts Options) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	runtime := opts.Runtime
	if runtime == "" {
		runtime = "default"
	}
	slog.Info("Docker client initialized", "runtime", runtime, "image", opts.Image)
	return &DockerRuntime{cli: cli, opts: opts}, nil
}

// EnsureImage fails fast when the pinned sandbox image is absent.
func (r *DockerRuntime) EnsureImage(ctx context.Context) error {
	if _, err := r.cli.ImageInspect(ctx, r.opts.Image); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrImageMissing, r.opts.Image)
		}
		return fmt.Errorf("%w: inspect image %s: %v", ErrRuntimeUnavailable, r.opts.Image, err)
	}
	return nil
}

// Provision creates and starts a long-lived sandbox container. Tool commands
// run inside it through Exec.
func (r *DockerRuntime) Provision(ctx context.Context, name string) (string, error) {
	if err := r.EnsureImage(ctx); err != nil {
		return "", err
	}

	containerName := "recon-" + name

	config := &container.Config{
		Image:      r.opts.Image,
		User:       containerUser,
		WorkingDir: workingDir,
		Cmd:        []string{"sleep", "infinity"},
		Labels:     map[string]string{sandboxLabel: name},
	}

	hostConfig := &container.HostConfig{
		Runtime:     r.opts.Runtime,
		NetworkMode: container.NetworkMode(r.opts.Network),
		CapDrop:     []string{"ALL"},
		CapAdd:      []string{"NET_RAW", "NET_BIND_SERVICE"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
		DNS: []string{"1.1.1.1", "8.8.8.8"},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = r.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
		if createErr == nil {
			break
		}
		if errdefs.IsNotFound(createErr) {
			return "", fmt.Errorf("%w: %s", ErrImageMissing, r.opts.Image)
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create container: %w", createErr)
		}

		// A previous sandbox for the same session may still be shutting down.
		slog.Warn("Container name conflict during create, retrying",
			"session_id", name,
			"container_name", containerName,
			"attempt", i+1,
			"error", createErr,
		)
		if err := r.Terminate(ctx, containerName); err != nil {
			slog.Warn("Failed to remove conflicting container before retry", "container_name", containerName, "error", err)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create container after retries: %w", createErr)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			slog.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	slog.Info("Sandbox created and started", "container_id", resp.ID, "session_id", name)
	return resp.ID, nil
}

// Exec runs a command in the sandbox and demultiplexes its output into w.
func (r *DockerRuntime) Exec(ctx context.Context, handle string, argv []string, w io.Writer) (int, error) {
	if len(argv) == 0 {
		return -1, fmt.Errorf("empty command")
	}
	cmd := argv
	if deadline, ok := ctx.Deadline(); ok {
		cmd = withKillTimeout(argv, time.Until(deadline))
	}

	resp, err := r.cli.ContainerExecCreate(ctx, handle, container.ExecOptions{
		Cmd:          cmd,
		User:         containerUser,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("create exec in container %s: %w", handle, err)
	}

	attachResp, err := r.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return -1, fmt.Errorf("attach exec %s: %w", resp.ID, err)
	}
	defer attachResp.Close()

	done := make(chan error, 1)
	go func() {
		// Without a TTY the stream is multiplexed; both halves go to the same
		// writer so ordering matches arrival.
		_, copyErr := stdcopy.StdCopy(w, w, attachResp.Reader)
		done <- copyErr
	}()

	select {
	case copyErr := <-done:
		if copyErr != nil && !errors.Is(copyErr, io.EOF) {
			return -1, fmt.Errorf("read exec output: %w", copyErr)
		}
	case <-ctx.Done():
		attachResp.Close()
		<-done
		return -1, ctx.Err()
	}

	// The stream has ended, so the exec has finished; inspect on a fresh
	// context in case ctx expired in the meantime.
	inspectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	inspect, err := r.cli.ContainerExecInspect(inspectCtx, resp.ID)
	if err != nil {
		return -1, fmt.Errorf("inspect exec %s: %w", resp.ID, err)
	}
	return inspect.ExitCode, nil
}

// withKillTimeout wraps argv with coreutils timeout so the process is killed
// inside the sandbox even after the attached stream is abandoned.
func withKillTimeout(argv []string, budget time.Duration) []string {
	secs := int(math.Ceil(budget.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return append([]string{"timeout", "-s", "KILL", strconv.Itoa(secs)}, argv...)
}

// Terminate stops and removes a sandbox container.
// It is idempotent and handles concurrent calls gracefully.
func (r *DockerRuntime) Terminate(ctx context.Context, handle string) error {
	slog.Info("Stopping sandbox", "container_id", handle)

	timeout := stopTimeoutSecs
	if err := r.cli.ContainerStop(ctx, handle, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Sandbox already removed", "container_id", handle)
			return nil
		}
		slog.Debug("Sandbox stop returned error, continuing to remove", "container_id", handle, "error", err)
	}

	if err := r.cli.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			slog.Debug("Sandbox removal already in progress", "container_id", handle)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", handle, err)
	}

	slog.Info("Sandbox stopped and removed", "container_id", handle)
	return nil
}

// Ping checks that the Docker daemon answers.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	return nil
}

// EnsureNetwork creates the sandbox bridge network if it doesn't exist.
func (r *DockerRuntime) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := r.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}

	for _, nw := range networks {
		if nw.Name == r.opts.Network {
			slog.Info("Sandbox network already exists", "network_id", nw.ID)
			return nw.ID, nil
		}
	}

	createResp, err := r.cli.NetworkCreate(ctx, r.opts.Network, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: sandboxSubnet}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", r.opts.Network, err)
	}

	slog.Info("Sandbox network created", "network_id", createResp.ID, "subnet", sandboxSubnet)
	return createResp.ID, nil
}

// Close releases the Docker client.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

func ptr[T any](v T) *T {
	return &v
}
