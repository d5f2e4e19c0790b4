// Package sandbox provides Docker-backed ephemeral execution environments
// for generated applications.
package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

const (
	containerUser   = "1000"
	workingDir      = "/home/user/app"
	stopTimeoutSecs = 10

	// Resource limits.
	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB
	cpuQuota         = 100000             // 1 CPU
	pidsLimit        = 512

	// Sandbox network configuration.
	sandboxNetwork = "vibeforge-sandbox"
	sandboxSubnet  = "172.29.0.0/16"

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond
)

// ExecResult carries the captured output of one command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OutputFunc receives streamed command output chunks. The stream argument is
// "stdout" or "stderr".
type OutputFunc func(stream, chunk string)

// Manager defines the interface for managing sandboxes. Sandboxes are
// referenced by id across workflow step boundaries: a live client handle
// never has to survive a process restart.
type Manager interface {
	// Create provisions and starts a new sandbox from the template image.
	// Returns the sandbox id.
	Create(ctx context.Context, projectID string) (string, error)

	// RunCommand executes a shell command in the sandbox, capturing stdout and
	// stderr. onOutput, when non-nil, receives chunks as they arrive.
	RunCommand(ctx context.Context, sandboxID, command string, onOutput OutputFunc) (*ExecResult, error)

	// WriteFile writes content to a path inside the sandbox, creating parent
	// directories as needed.
	WriteFile(ctx context.Context, sandboxID, filePath, content string) error

	// ReadFile reads a file from the sandbox.
	ReadFile(ctx context.Context, sandboxID, filePath string) (string, error)

	// PreviewHost resolves the externally reachable host for a sandbox port.
	PreviewHost(ctx context.Context, sandboxID string, port int) (string, error)

	// IsRunning checks whether a sandbox container is currently running.
	IsRunning(ctx context.Context, sandboxID string) (bool, error)

	// Terminate stops and removes a sandbox. Idempotent.
	Terminate(ctx context.Context, sandboxID string) error

	// EnsureNetwork creates the sandbox bridge network if it doesn't exist.
	EnsureNetwork(ctx context.Context) (string, error)
}

// DockerManager implements Manager using the Docker API.
type DockerManager struct {
	cli         *client.Client
	image       string
	runtime     string // "" = default (runc), "runsc" = gVisor
	previewPort int
	previewHost string
}

// NewDockerManager creates a new Docker-backed sandbox manager. The template
// image must expose previewPort for the generated app's dev server.
func NewDockerManager(image, runtime string, previewPort int) (*DockerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	slog.Info("Docker client initialized", "image", image, "runtime", displayRuntime(runtime))
	return &DockerManager{
		cli:         cli,
		image:       image,
		runtime:     runtime,
		previewPort: previewPort,
		previewHost: "localhost",
	}, nil
}

func displayRuntime(runtime string) string {
	if runtime == "" {
		return "default"
	}
	return runtime
}

// Create provisions and starts a new sandbox container.
func (m *DockerManager) Create(ctx context.Context, projectID string) (string, error) {
	exposed := nat.Port(fmt.Sprintf("%d/tcp", m.previewPort))

	config := &container.Config{
		Image:        m.image,
		User:         containerUser,
		WorkingDir:   workingDir,
		ExposedPorts: nat.PortSet{exposed: struct{}{}},
		Labels: map[string]string{
			"vibeforge.project": projectID,
		},
	}

	hostConfig := &container.HostConfig{
		Runtime:     m.runtime,
		NetworkMode: container.NetworkMode(sandboxNetwork),
		PortBindings: nat.PortMap{
			// HostPort 0 lets Docker pick an ephemeral port for the preview.
			exposed: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "0"}},
		},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
		DNS: []string{"8.8.8.8", "8.8.4.4"},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = m.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create sandbox: %w", createErr)
		}

		slog.Warn("Sandbox create conflict, retrying",
			"project_id", projectID,
			"attempt", i+1,
			"error", createErr,
		)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create sandbox after retries: %w", createErr)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			slog.Warn("Failed to remove sandbox after start failure", "sandbox_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start sandbox %s: %w", resp.ID, err)
	}

	slog.Info("Sandbox created and started", "sandbox_id", resp.ID, "project_id", projectID)
	return resp.ID, nil
}

// RunCommand executes a shell command in the sandbox and captures its output.
func (m *DockerManager) RunCommand(ctx context.Context, sandboxID, command string, onOutput OutputFunc) (*ExecResult, error) {
	execConfig := container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   workingDir,
		User:         containerUser,
		Cmd:          []string{"sh", "-c", command},
	}

	resp, err := m.cli.ContainerExecCreate(ctx, sandboxID, execConfig)
	if err != nil {
		return nil, fmt.Errorf("create exec in sandbox %s: %w", sandboxID, err)
	}

	attachResp, err := m.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec %s: %w", resp.ID, err)
	}
	defer attachResp.Close()

	var stdout, stderr bytes.Buffer
	outW := io.Writer(&stdout)
	errW := io.Writer(&stderr)
	if onOutput != nil {
		outW = io.MultiWriter(&stdout, streamWriter{stream: "stdout", fn: onOutput})
		errW = io.MultiWriter(&stderr, streamWriter{stream: "stderr", fn: onOutput})
	}

	// Non-TTY exec output is multiplexed; demux into the two streams.
	if _, err := stdcopy.StdCopy(outW, errW, attachResp.Reader); err != nil {
		return nil, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := m.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect exec %s: %w", resp.ID, err)
	}

	return &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// streamWriter adapts an OutputFunc to io.Writer for one stream.
type streamWriter struct {
	stream string
	fn     OutputFunc
}

func (w streamWriter) Write(p []byte) (int, error) {
	w.fn(w.stream, string(p))
	return len(p), nil
}

// WriteFile writes content to a path inside the sandbox via a tar upload.
func (m *DockerManager) WriteFile(ctx context.Context, sandboxID, filePath, content string) error {
	full := path.Clean(filePath)
	if !path.IsAbs(full) {
		full = path.Join(workingDir, full)
	}
	if strings.Contains(full, "..") {
		return fmt.Errorf("invalid sandbox path %q", filePath)
	}

	// Ensure the parent directory exists before the copy.
	dir := path.Dir(full)
	if res, err := m.RunCommand(ctx, sandboxID, fmt.Sprintf("mkdir -p %s", shellQuote(dir)), nil); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	} else if res.ExitCode != 0 {
		return fmt.Errorf("create parent directory %s: %s", dir, res.Stderr)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: path.Base(full),
		Mode: 0644,
		Size: int64(len(content)),
		Uid:  1000,
		Gid:  1000,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		return fmt.Errorf("write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}

	if err := m.cli.CopyToContainer(ctx, sandboxID, dir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy %s to sandbox %s: %w", filePath, sandboxID, err)
	}
	return nil
}

// ReadFile reads a file from the sandbox via a tar download.
func (m *DockerManager) ReadFile(ctx context.Context, sandboxID, filePath string) (string, error) {
	full := filePath
	if !strings.HasPrefix(full, "/") {
		full = path.Join(workingDir, filePath)
	}

	reader, _, err := m.cli.CopyFromContainer(ctx, sandboxID, full)
	if err != nil {
		return "", fmt.Errorf("copy %s from sandbox %s: %w", filePath, sandboxID, err)
	}
	defer func() {
		if closeErr := reader.Close(); closeErr != nil {
			slog.Warn("failed to close copy reader", "error", closeErr)
		}
	}()

	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read tar from sandbox: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return "", fmt.Errorf("read file body: %w", err)
		}
		return string(data), nil
	}
	return "", fmt.Errorf("file %s not found in sandbox %s", filePath, sandboxID)
}

// PreviewHost resolves the host-reachable address for a sandbox port.
func (m *DockerManager) PreviewHost(ctx context.Context, sandboxID string, port int) (string, error) {
	inspect, err := m.cli.ContainerInspect(ctx, sandboxID)
	if err != nil {
		return "", fmt.Errorf("inspect sandbox %s: %w", sandboxID, err)
	}
	if inspect.NetworkSettings == nil {
		return "", fmt.Errorf("sandbox %s has no network settings", sandboxID)
	}

	wanted := nat.Port(fmt.Sprintf("%d/tcp", port))
	bindings := inspect.NetworkSettings.Ports[wanted]
	for _, b := range bindings {
		if b.HostPort != "" {
			return net.JoinHostPort(m.previewHost, b.HostPort), nil
		}
	}
	return "", fmt.Errorf("no host binding for port %d on sandbox %s", port, sandboxID)
}

// IsRunning checks whether a sandbox container is currently running.
func (m *DockerManager) IsRunning(ctx context.Context, sandboxID string) (bool, error) {
	inspect, err := m.cli.ContainerInspect(ctx, sandboxID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect sandbox %s: %w", sandboxID, err)
	}
	return inspect.State.Running, nil
}

// Terminate stops and removes a sandbox container.
// It is idempotent and handles concurrent calls gracefully.
func (m *DockerManager) Terminate(ctx context.Context, sandboxID string) error {
	slog.Info("Terminating sandbox", "sandbox_id", sandboxID)

	_, err := m.cli.ContainerInspect(ctx, sandboxID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Sandbox already removed", "sandbox_id", sandboxID)
			return nil
		}
		return fmt.Errorf("inspect sandbox %s: %w", sandboxID, err)
	}

	timeout := stopTimeoutSecs
	if err := m.cli.ContainerStop(ctx, sandboxID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Sandbox already stopped/removed", "sandbox_id", sandboxID)
		} else {
			slog.Debug("Sandbox stop returned error, continuing to remove", "sandbox_id", sandboxID, "error", err)
		}
	}

	if err := m.cli.ContainerRemove(ctx, sandboxID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, sandbox may still be removed", "sandbox_id", sandboxID, "error", err)
			return nil
		}
		return fmt.Errorf("remove sandbox %s: %w", sandboxID, err)
	}

	slog.Info("Sandbox terminated", "sandbox_id", sandboxID)
	return nil
}

// EnsureNetwork creates the sandbox bridge network if it doesn't exist.
func (m *DockerManager) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := m.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}

	for _, nw := range networks {
		if nw.Name == sandboxNetwork {
			return nw.ID, nil
		}
	}

	createResp, err := m.cli.NetworkCreate(ctx, sandboxNetwork, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: sandboxSubnet}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", sandboxNetwork, err)
	}

	slog.Info("Sandbox network created", "network_id", createResp.ID, "subnet", sandboxSubnet)
	return createResp.ID, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func ptr[T any](v T) *T {
	return &v
}
