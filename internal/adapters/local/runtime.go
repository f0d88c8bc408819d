package local

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
	"github.com/avh-dev/avhclient/internal/domain"
	"github.com/avh-dev/avhclient/internal/logging"
)

// Backend runs jobs in a temporary directory on this machine.
type Backend struct {
	log   *slog.Logger
	shell string

	mu      sync.Mutex
	workdir string
	nextID  int
}

func NewBackend(log *slog.Logger) *Backend {
	return &Backend{
		log:   logging.OrDiscard(log).With("backend", "local"),
		shell: "bash",
	}
}

func (b *Backend) Name() string {
	return "local"
}

// Workdir returns the sandbox directory, or "" before Prepare.
func (b *Backend) Workdir() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.workdir
}

func (b *Backend) Prepare(ctx context.Context) (domain.BackendState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.workdir == "" {
		dir, err := os.MkdirTemp("", "avhwork-")
		if err != nil {
			return domain.BackendStateInvalid, fmt.Errorf("creating workdir: %w", err)
		}
		b.workdir = dir
	}
	return domain.BackendStateRunning, nil
}

func (b *Backend) Cleanup(ctx context.Context, state domain.BackendState) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.workdir == "" {
		return nil
	}
	b.log.Info("cleaning up", "workdir", b.workdir)
	if err := os.RemoveAll(b.workdir); err != nil {
		return fmt.Errorf("removing workdir: %w", err)
	}
	b.workdir = ""
	return nil
}

func (b *Backend) UploadWorkspace(ctx context.Context, tarball string) error {
	dir, err := b.requireWorkdir()
	if err != nil {
		return err
	}
	b.log.Info("extracting workspace", "workdir", dir)
	if _, err := archive.Extract(tarball, dir, nil); err != nil {
		return fmt.Errorf("extracting workspace: %w", err)
	}
	return nil
}

// RunCommands executes cmds as one bash script inside the workdir. A
// non-zero exit fails the whole batch.
func (b *Backend) RunCommands(ctx context.Context, cmds []string) ([]domain.CommandResult, error) {
	dir, err := b.requireWorkdir()
	if err != nil {
		return nil, err
	}

	script, err := os.CreateTemp(dir, "script-*.sh")
	if err != nil {
		return nil, fmt.Errorf("creating script: %w", err)
	}
	defer os.Remove(script.Name())

	body := "#!/bin/bash\nset +x\n" + strings.Join(cmds, "\n") + "\n"
	if _, err := script.WriteString(body); err != nil {
		script.Close()
		return nil, fmt.Errorf("writing script: %w", err)
	}
	if err := script.Close(); err != nil {
		return nil, fmt.Errorf("writing script: %w", err)
	}

	b.mu.Lock()
	b.nextID++
	id := fmt.Sprintf("local-%d", b.nextID)
	b.mu.Unlock()

	b.log.Info("running commands", "id", id, "count", len(cmds))
	cmd := exec.CommandContext(ctx, b.shell, script.Name())
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	result := domain.CommandResult{
		CommandID: id,
		Status:    domain.CommandStatusSuccess,
		Command:   strings.Join(cmds, "\n"),
	}
	runErr := cmd.Run()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	b.log.Debug("command output", "id", id, "stdout", result.Stdout, "stderr", result.Stderr)

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("running script: %w", runErr)
		}
		result.ExitCode = exitErr.ExitCode()
		result.Status = domain.CommandStatusFailed
		return []domain.CommandResult{result}, fmt.Errorf("%w: exit code %d", domain.ErrCommandFailed, result.ExitCode)
	}
	return []domain.CommandResult{result}, nil
}

func (b *Backend) DownloadWorkspace(ctx context.Context, tarball string, globs []string) error {
	dir, err := b.requireWorkdir()
	if err != nil {
		return err
	}
	b.log.Info("archiving workspace", "workdir", dir)
	if err := archive.Create(tarball, dir, globs); err != nil {
		return fmt.Errorf("archiving workspace: %w", err)
	}
	return nil
}

func (b *Backend) requireWorkdir() (string, error) {
	dir := b.Workdir()
	if dir == "" {
		return "", domain.ErrNotPrepared
	}
	return dir, nil
}
