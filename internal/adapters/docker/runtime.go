package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/avh-dev/avhclient/internal/archive"
	"github.com/avh-dev/avhclient/internal/config"
	"github.com/avh-dev/avhclient/internal/domain"
	"github.com/avh-dev/avhclient/internal/logging"
)

const containerWorkspace = "/workspace"

// Runner invokes one docker CLI command and returns its stdout.
type Runner func(ctx context.Context, args ...string) (string, error)

// Backend treats a docker container as the remote instance. It drives the
// docker CLI rather than the engine API.
type Backend struct {
	cfg config.DockerConfig
	log *slog.Logger
	run Runner

	mu          sync.Mutex
	containerID string
	nextID      int
}

type Option func(*Backend)

// WithRunner replaces the docker CLI for lifecycle and copy commands.
func WithRunner(r Runner) Option {
	return func(b *Backend) { b.run = r }
}

func NewBackend(cfg config.DockerConfig, log *slog.Logger, opts ...Option) (*Backend, error) {
	b := &Backend{
		cfg:         cfg,
		log:         logging.OrDiscard(log).With("backend", "docker"),
		containerID: cfg.ContainerID,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.run == nil {
		if _, err := exec.LookPath("docker"); err != nil {
			return nil, fmt.Errorf("docker not found in PATH: %w", err)
		}
		b.run = docker
	}
	return b, nil
}

func (b *Backend) Name() string {
	return "docker"
}

func (b *Backend) ContainerID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.containerID
}

// ContainerState returns docker's status string for the container, e.g.
// "running" or "exited".
func (b *Backend) ContainerState(ctx context.Context) (string, error) {
	out, err := b.run(ctx, "inspect", "-f", "{{.State.Status}}", b.ContainerID())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (b *Backend) Prepare(ctx context.Context) (domain.BackendState, error) {
	if id := b.ContainerID(); id != "" {
		state, err := b.ContainerState(ctx)
		if err != nil {
			b.log.Warn("container cannot be inspected", "container", id, "error", err)
		}
		switch state {
		case "running":
			b.log.Info("container already running", "container", id)
			return domain.BackendStateRunning, nil
		case "exited", "created":
			b.log.Info("starting provided container", "container", id)
			if _, err := b.run(ctx, "start", id); err != nil {
				return domain.BackendStateInvalid, err
			}
			return domain.BackendStateStarted, nil
		default:
			b.log.Warn("container cannot be reused", "container", id, "state", state)
		}
	}

	b.log.Info("creating container", "image", b.cfg.Image)
	out, err := b.run(ctx, createArgs(b.cfg.Image)...)
	if err != nil {
		return domain.BackendStateInvalid, err
	}
	id := strings.TrimSpace(out)
	b.mu.Lock()
	b.containerID = id
	b.mu.Unlock()

	if _, err := b.run(ctx, "start", id); err != nil {
		return domain.BackendStateCreated, err
	}
	return domain.BackendStateCreated, nil
}

func createArgs(image string) []string {
	return []string{"create", "--workdir", containerWorkspace, "--label", "AVH_CLI=true", image, "sleep", "infinity"}
}

func execArgs(containerID, script string) []string {
	return []string{"exec", "-w", containerWorkspace, containerID, "bash", "-c", script}
}

func (b *Backend) Cleanup(ctx context.Context, state domain.BackendState) error {
	id := b.ContainerID()
	if id == "" || state == domain.BackendStateInvalid || state == domain.BackendStateRunning {
		return nil
	}
	if state == domain.BackendStateStarted || b.cfg.Keep {
		b.log.Info("stopping container", "container", id)
		_, err := b.run(ctx, "stop", id)
		return err
	}
	b.log.Info("removing container", "container", id)
	if _, err := b.run(ctx, "rm", "-f", id); err != nil {
		return err
	}
	b.mu.Lock()
	b.containerID = ""
	b.mu.Unlock()
	return nil
}

func (b *Backend) UploadWorkspace(ctx context.Context, tarball string) error {
	id, err := b.requireContainer()
	if err != nil {
		return err
	}
	dir, err := os.MkdirTemp("", "avhupload-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	if _, err := archive.Extract(tarball, dir, nil); err != nil {
		return fmt.Errorf("extracting workspace: %w", err)
	}
	b.log.Info("copying workspace", "container", id)
	_, err = b.run(ctx, "cp", dir+"/.", id+":"+containerWorkspace+"/")
	return err
}

// RunCommands executes cmds as one bash script in the container workspace.
func (b *Backend) RunCommands(ctx context.Context, cmds []string) ([]domain.CommandResult, error) {
	id, err := b.requireContainer()
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.nextID++
	cmdID := fmt.Sprintf("docker-%d", b.nextID)
	b.mu.Unlock()

	script := "set +x\n" + strings.Join(cmds, "\n") + "\n"
	cmd := exec.CommandContext(ctx, "docker", execArgs(id, script)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	b.log.Info("running commands", "id", cmdID, "container", id, "count", len(cmds))
	runErr := cmd.Run()
	result := domain.CommandResult{
		CommandID: cmdID,
		Status:    domain.CommandStatusSuccess,
		Command:   strings.Join(cmds, "\n"),
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("docker exec: %w", runErr)
		}
		result.Status = domain.CommandStatusFailed
		result.ExitCode = exitErr.ExitCode()
		return []domain.CommandResult{result}, fmt.Errorf("%w: exit code %d", domain.ErrCommandFailed, result.ExitCode)
	}
	return []domain.CommandResult{result}, nil
}

func (b *Backend) DownloadWorkspace(ctx context.Context, tarball string, globs []string) error {
	id, err := b.requireContainer()
	if err != nil {
		return err
	}
	dir, err := os.MkdirTemp("", "avhdownload-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	if _, err := b.run(ctx, "cp", id+":"+containerWorkspace+"/.", dir); err != nil {
		return err
	}
	if err := archive.Create(tarball, dir, globs); err != nil {
		return fmt.Errorf("archiving workspace: %w", err)
	}
	return nil
}

func (b *Backend) requireContainer() (string, error) {
	id := b.ContainerID()
	if id == "" {
		return "", domain.ErrNotPrepared
	}
	return id, nil
}

func docker(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("docker %s: %s: %w", args[0], strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}
