// Package client drives a job through a backend: prepare, upload, run each
// step, download, clean up.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/avh-dev/avhclient/internal/archive"
	"github.com/avh-dev/avhclient/internal/domain"
	"github.com/avh-dev/avhclient/internal/jobspec"
	"github.com/avh-dev/avhclient/internal/logging"
	"github.com/avh-dev/avhclient/internal/ports"
	"github.com/avh-dev/avhclient/internal/protocol"
)

// Store records runs and their step executions.
type Store interface {
	ports.RunStore
	ports.CaptureStore
}

type Client struct {
	backend ports.Backend
	log     *slog.Logger
	store   Store
	status  io.Writer
	tempDir string
}

type Option func(*Client)

func WithStore(s Store) Option {
	return func(c *Client) { c.store = s }
}

// WithStatus streams JSON-lines progress messages to w.
func WithStatus(w io.Writer) Option {
	return func(c *Client) { c.status = w }
}

// WithTempDir sets where workspace archives are staged. Defaults to the
// system temp dir.
func WithTempDir(dir string) Option {
	return func(c *Client) { c.tempDir = dir }
}

func New(backend ports.Backend, log *slog.Logger, opts ...Option) *Client {
	c := &Client{
		backend: backend,
		log:     logging.OrDiscard(log),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Backend() ports.Backend {
	return c.backend
}

func (c *Client) Prepare(ctx context.Context) (domain.BackendState, error) {
	c.log.Info("preparing backend", "backend", c.backend.Name())
	return c.backend.Prepare(ctx)
}

func (c *Client) Cleanup(ctx context.Context, state domain.BackendState) error {
	c.log.Info("cleaning up backend", "backend", c.backend.Name(), "state", state)
	return c.backend.Cleanup(ctx, state)
}

// Run executes the job described by specfile. The backend is always cleaned
// up with the state it reached, and the returned run reflects the outcome
// even when err is non-nil.
func (c *Client) Run(ctx context.Context, specfile string) (*domain.Run, error) {
	spec, workdir, err := jobspec.Load(specfile)
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(specfile); err == nil {
		specfile = abs
	}

	run := domain.NewRun(domain.GenerateRunID(c.backend.Name()), c.backend.Name())
	run.SpecPath = specfile
	status := c.statusWriter(run.ID)
	log := c.log.With("run", run.ID)

	run.Start()
	if c.store != nil {
		if err := c.store.CreateRun(ctx, run); err != nil {
			return nil, fmt.Errorf("recording run: %w", err)
		}
	}
	log.Info("starting run", "spec", specfile, "workdir", workdir, "backend", c.backend.Name())

	runErr := c.execute(ctx, log, run, status, spec, workdir)

	log.Info("cleaning up backend", "state", run.BackendState)
	if err := c.backend.Cleanup(context.WithoutCancel(ctx), run.BackendState); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("cleanup: %w", err))
	}

	switch {
	case runErr == nil:
		run.Complete(domain.RunStateSucceeded)
	case ctx.Err() != nil:
		run.Complete(domain.RunStateCancelled)
		run.ErrorMessage = runErr.Error()
	default:
		run.Fail(runErr.Error())
	}
	if runErr != nil {
		status.Error("", runErr.Error())
	}
	status.RunCompleted(string(run.State))
	log.Info("run finished", "state", run.State)

	if c.store != nil {
		if err := c.store.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
			log.Warn("recording run result", "error", err)
		}
	}
	return run, runErr
}

func (c *Client) execute(ctx context.Context, log *slog.Logger, run *domain.Run, status *protocol.StatusWriter, spec domain.JobSpec, workdir string) error {
	log.Info("preparing backend")
	state, err := c.backend.Prepare(ctx)
	run.BackendState = state
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	status.BackendPrepared(c.backend.Name(), state)

	in, err := c.tempFile("avhin-*" + archive.Suffix)
	if err != nil {
		return err
	}
	defer os.Remove(in)

	log.Info("uploading workspace", "workdir", workdir)
	if err := archive.Create(in, workdir, spec.Upload); err != nil {
		return fmt.Errorf("archiving workspace: %w", err)
	}
	uploaded, err := archive.List(in)
	if err != nil {
		return err
	}
	log.Debug("workspace archive", "files", uploaded)
	if err := c.backend.UploadWorkspace(ctx, in); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	status.WorkspaceUploaded(uploaded)

	log.Info("executing steps", "count", len(spec.Steps))
	for _, step := range spec.Steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cancelled: %w", err)
		}
		if err := c.runStep(ctx, log, run, status, step); err != nil {
			return fmt.Errorf("step %s: %w", step.Name, err)
		}
	}

	out, err := c.tempFile("avhout-*" + archive.Suffix)
	if err != nil {
		return err
	}
	defer os.Remove(out)

	log.Info("downloading workspace")
	if err := c.backend.DownloadWorkspace(ctx, out, spec.Download); err != nil {
		return fmt.Errorf("download: %w", err)
	}
	files, err := archive.Extract(out, workdir, spec.Download)
	if err != nil {
		return fmt.Errorf("extracting results: %w", err)
	}
	log.Debug("extracted results", "files", files)
	status.WorkspaceDownloaded(files)
	return nil
}

func (c *Client) runStep(ctx context.Context, log *slog.Logger, run *domain.Run, status *protocol.StatusWriter, step domain.Step) error {
	cmds := step.Commands()
	log.Info("running step", "step", step.Name, "commands", len(cmds))
	status.StepStarted(step.Name)
	run.RecordStepStart(step.Name, cmds)

	var results []domain.CommandResult
	var err error
	if len(cmds) > 0 {
		results, err = c.backend.RunCommands(ctx, cmds)
	}
	for _, r := range results {
		status.CommandCompleted(step.Name, r)
	}
	run.RecordStepComplete(step.Name, results, err)

	result := "succeeded"
	if err != nil {
		result = "failed"
		log.Error("step failed", "step", step.Name, "error", err)
	}
	status.StepCompleted(step.Name, result)

	if c.store != nil {
		exec := run.StepExecutions[len(run.StepExecutions)-1]
		if serr := c.store.SaveStepExecution(context.WithoutCancel(ctx), run.ID, exec); serr != nil {
			log.Warn("recording step", "step", step.Name, "error", serr)
		}
	}
	return err
}

func (c *Client) statusWriter(runID string) *protocol.StatusWriter {
	if c.status == nil {
		return nil
	}
	return protocol.NewStatusWriter(c.status, runID)
}

func (c *Client) tempFile(pattern string) (string, error) {
	f, err := os.CreateTemp(c.tempDir, pattern)
	if err != nil {
		return "", fmt.Errorf("creating temp archive: %w", err)
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}
