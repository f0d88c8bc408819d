package domain

import (
	"time"
)

type RunState string

const (
	RunStatePending   RunState = "pending"
	RunStateRunning   RunState = "running"
	RunStateSucceeded RunState = "succeeded"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

type StepExecution struct {
	StepName    string
	Commands    []string
	Results     []CommandResult
	StartedAt   time.Time
	CompletedAt time.Time
	Error       string
}

func (e *StepExecution) Duration() time.Duration {
	return e.CompletedAt.Sub(e.StartedAt)
}

// Succeeded reports whether every recorded command succeeded.
func (e *StepExecution) Succeeded() bool {
	if e.Error != "" {
		return false
	}
	for _, r := range e.Results {
		if !r.Succeeded() {
			return false
		}
	}
	return true
}

type Run struct {
	ID             string
	Backend        string
	SpecPath       string
	State          RunState
	BackendState   BackendState
	StepExecutions []*StepExecution
	StartedAt      time.Time
	CompletedAt    time.Time
	ErrorMessage   string
}

func NewRun(id, backend string) *Run {
	return &Run{
		ID:           id,
		Backend:      backend,
		State:        RunStatePending,
		BackendState: BackendStateInvalid,
	}
}

func (r *Run) Start() {
	r.State = RunStateRunning
	r.StartedAt = time.Now()
}

func (r *Run) RecordStepStart(stepName string, commands []string) {
	r.StepExecutions = append(r.StepExecutions, &StepExecution{
		StepName:  stepName,
		Commands:  commands,
		StartedAt: time.Now(),
	})
}

// RecordStepComplete closes the most recent open execution of stepName.
func (r *Run) RecordStepComplete(stepName string, results []CommandResult, err error) {
	for i := len(r.StepExecutions) - 1; i >= 0; i-- {
		exec := r.StepExecutions[i]
		if exec.StepName == stepName && exec.CompletedAt.IsZero() {
			exec.Results = results
			exec.CompletedAt = time.Now()
			if err != nil {
				exec.Error = err.Error()
			}
			return
		}
	}
}

func (r *Run) Complete(state RunState) {
	r.State = state
	r.CompletedAt = time.Now()
}

func (r *Run) Fail(msg string) {
	r.State = RunStateFailed
	r.CompletedAt = time.Now()
	r.ErrorMessage = msg
}
