package ports

import (
	"context"

	"github.com/avh-dev/avhclient/internal/domain"
)

// Backend provisions an execution environment, moves the workspace in and
// out of it, and runs commands there.
type Backend interface {
	Name() string

	// Prepare brings the environment up and reports which state it was
	// reached from. The same state must be handed back to Cleanup.
	Prepare(ctx context.Context) (domain.BackendState, error)
	Cleanup(ctx context.Context, state domain.BackendState) error

	UploadWorkspace(ctx context.Context, tarball string) error
	RunCommands(ctx context.Context, cmds []string) ([]domain.CommandResult, error)
	DownloadWorkspace(ctx context.Context, tarball string, globs []string) error
}
