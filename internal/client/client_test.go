package client_test

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avh-dev/avhclient/internal/adapters/local"
	"github.com/avh-dev/avhclient/internal/adapters/sqlite"
	"github.com/avh-dev/avhclient/internal/archive"
	"github.com/avh-dev/avhclient/internal/client"
	"github.com/avh-dev/avhclient/internal/domain"
	"github.com/avh-dev/avhclient/internal/protocol"
)

// fakeBackend records calls and serves a canned result tree on download.
type fakeBackend struct {
	state      domain.BackendState
	prepareErr error
	runErr     error
	cleanupErr error
	resultDir  string

	calls         []string
	cleanedWith   domain.BackendState
	uploadedFiles []string
	ran           [][]string
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Prepare(ctx context.Context) (domain.BackendState, error) {
	f.calls = append(f.calls, "prepare")
	return f.state, f.prepareErr
}

func (f *fakeBackend) Cleanup(ctx context.Context, state domain.BackendState) error {
	f.calls = append(f.calls, "cleanup")
	f.cleanedWith = state
	return f.cleanupErr
}

func (f *fakeBackend) UploadWorkspace(ctx context.Context, tarball string) error {
	f.calls = append(f.calls, "upload")
	files, err := archive.List(tarball)
	f.uploadedFiles = files
	return err
}

func (f *fakeBackend) RunCommands(ctx context.Context, cmds []string) ([]domain.CommandResult, error) {
	f.calls = append(f.calls, "run")
	f.ran = append(f.ran, cmds)
	if f.runErr != nil {
		return []domain.CommandResult{{CommandID: "c", Status: domain.CommandStatusFailed, Command: cmds[0]}}, f.runErr
	}
	return []domain.CommandResult{{CommandID: "c", Status: domain.CommandStatusSuccess, Command: cmds[0]}}, nil
}

func (f *fakeBackend) DownloadWorkspace(ctx context.Context, tarball string, globs []string) error {
	f.calls = append(f.calls, "download")
	return archive.Create(tarball, f.resultDir, globs)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func writeSpec(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "avh.yml")
	writeFile(t, path, content)
	return path
}

const twoSteps = `
upload:
  - "src/**/*"
steps:
  - name: build
    run: |
      mkdir -p out
      cp src/main.c out/main.o
  - run: ls out
download:
  - "out/**/*"
`

func TestRun_FakeBackendFlow(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "src", "main.c"), "int main;")
	writeFile(t, filepath.Join(dir, "notes.txt"), "skip me")
	spec := writeSpec(t, dir, twoSteps)

	results := t.TempDir()
	writeFile(t, filepath.Join(results, "out", "main.o"), "obj")
	writeFile(t, filepath.Join(results, "junk.txt"), "ignored")

	fb := &fakeBackend{state: domain.BackendStateCreated, resultDir: results}
	var status bytes.Buffer
	c := client.New(fb, nil, client.WithStatus(&status), client.WithTempDir(t.TempDir()))

	run, err := c.Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateSucceeded, run.State)
	assert.Equal(t, domain.BackendStateCreated, run.BackendState)
	assert.Equal(t, []string{"prepare", "upload", "run", "run", "download", "cleanup"}, fb.calls)
	assert.Equal(t, domain.BackendStateCreated, fb.cleanedWith)

	assert.Equal(t, []string{"src/main.c"}, fb.uploadedFiles)
	assert.Equal(t, [][]string{{"mkdir -p out", "cp src/main.c out/main.o"}, {"ls out"}}, fb.ran)

	data, err := os.ReadFile(filepath.Join(dir, "out", "main.o"))
	require.NoError(t, err)
	assert.Equal(t, "obj", string(data))
	_, err = os.Stat(filepath.Join(dir, "junk.txt"))
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	require.Len(t, run.StepExecutions, 2)
	assert.Equal(t, "build", run.StepExecutions[0].StepName)
	assert.Equal(t, "step-2", run.StepExecutions[1].StepName)

	msgs, err := protocol.ParseStatusStream(status.Bytes())
	require.NoError(t, err)
	var types []protocol.MessageType
	for _, m := range msgs {
		types = append(types, m.Type)
		assert.Equal(t, run.ID, m.RunID)
	}
	assert.Equal(t, []protocol.MessageType{
		protocol.MsgBackendPrepared,
		protocol.MsgWorkspaceUploaded,
		protocol.MsgStepStarted, protocol.MsgCommandCompleted, protocol.MsgStepCompleted,
		protocol.MsgStepStarted, protocol.MsgCommandCompleted, protocol.MsgStepCompleted,
		protocol.MsgWorkspaceDownloaded,
		protocol.MsgRunCompleted,
	}, types)
}

func TestRun_MissingSpec(t *testing.T) {
	fb := &fakeBackend{}
	c := client.New(fb, nil)

	run, err := c.Run(context.Background(), filepath.Join(t.TempDir(), "avh.yml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.Nil(t, run)
	assert.Empty(t, fb.calls)
}

func TestRun_PrepareFailureStillCleansUp(t *testing.T) {
	dir := t.TempDir()
	spec := writeSpec(t, dir, twoSteps)

	fb := &fakeBackend{state: domain.BackendStateStarted, prepareErr: errors.New("setup failed")}
	c := client.New(fb, nil)

	run, err := c.Run(context.Background(), spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "setup failed")
	assert.Equal(t, []string{"prepare", "cleanup"}, fb.calls)
	assert.Equal(t, domain.BackendStateStarted, fb.cleanedWith)
	assert.Equal(t, domain.RunStateFailed, run.State)
}

func TestRun_StepFailureStopsAndJoinsCleanupError(t *testing.T) {
	dir := t.TempDir()
	spec := writeSpec(t, dir, twoSteps)

	fb := &fakeBackend{
		state:      domain.BackendStateRunning,
		runErr:     domain.ErrCommandFailed,
		cleanupErr: errors.New("stop failed"),
	}
	var status bytes.Buffer
	c := client.New(fb, nil, client.WithStatus(&status))

	run, err := c.Run(context.Background(), spec)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCommandFailed)
	assert.Contains(t, err.Error(), "stop failed")
	assert.Equal(t, []string{"prepare", "upload", "run", "cleanup"}, fb.calls)
	assert.Equal(t, domain.RunStateFailed, run.State)
	assert.Contains(t, run.ErrorMessage, "step build")

	msgs, err := protocol.ParseStatusStream(status.Bytes())
	require.NoError(t, err)
	last := msgs[len(msgs)-1]
	assert.Equal(t, protocol.MsgRunCompleted, last.Type)
	assert.Equal(t, "failed", last.Result)
	assert.Equal(t, protocol.MsgError, msgs[len(msgs)-2].Type)
}

func TestRun_CancelledContext(t *testing.T) {
	dir := t.TempDir()
	spec := writeSpec(t, dir, twoSteps)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fb := &fakeBackend{state: domain.BackendStateRunning}
	c := client.New(fb, nil)

	run, err := c.Run(ctx, spec)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.RunStateCancelled, run.State)
	assert.Contains(t, fb.calls, "cleanup")
	assert.NotContains(t, fb.calls, "run")
}

func TestRun_RecordsToStore(t *testing.T) {
	dir := t.TempDir()
	spec := writeSpec(t, dir, twoSteps)
	writeFile(t, filepath.Join(dir, "src", "main.c"), "int main;")

	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	fb := &fakeBackend{state: domain.BackendStateRunning, resultDir: t.TempDir()}
	c := client.New(fb, nil, client.WithStore(store))

	run, err := c.Run(context.Background(), spec)
	require.NoError(t, err)

	got, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateSucceeded, got.State)
	assert.Equal(t, "fake", got.Backend)
	assert.Equal(t, domain.BackendStateRunning, got.BackendState)
	assert.Equal(t, spec, got.SpecPath)

	execs, err := store.GetStepExecutions(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, []string{"ls out"}, execs[1].Commands)
}

func TestRun_LocalBackendEndToEnd(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "src", "main.c"), "int main;")
	spec := writeSpec(t, dir, twoSteps)

	lb := local.NewBackend(nil)
	c := client.New(lb, nil)

	run, err := c.Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStateSucceeded, run.State)
	assert.Empty(t, lb.Workdir(), "workdir should be removed")

	data, err := os.ReadFile(filepath.Join(dir, "out", "main.o"))
	require.NoError(t, err)
	assert.Equal(t, "int main;", string(data))
	assert.Contains(t, run.StepExecutions[1].Results[0].Stdout, "main.o")
}

func TestPrepareAndCleanupPassThrough(t *testing.T) {
	fb := &fakeBackend{state: domain.BackendStateStarted}
	c := client.New(fb, nil)

	state, err := c.Prepare(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.BackendStateStarted, state)
	require.NoError(t, c.Cleanup(context.Background(), state))
	assert.Equal(t, domain.BackendStateStarted, fb.cleanedWith)
}
