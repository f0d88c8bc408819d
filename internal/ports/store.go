package ports

import (
	"context"

	"github.com/avh-dev/avhclient/internal/domain"
)

type RunStore interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	UpdateRun(ctx context.Context, run *domain.Run) error
	DeleteRun(ctx context.Context, id string) error
	ListRuns(ctx context.Context) ([]*domain.Run, error)
}

type CaptureStore interface {
	SaveStepExecution(ctx context.Context, runID string, exec *domain.StepExecution) error
	GetStepExecutions(ctx context.Context, runID string) ([]*domain.StepExecution, error)
}
