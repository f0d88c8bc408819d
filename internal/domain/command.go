package domain

// Command status values as reported by the remote execution service.
const (
	CommandStatusSuccess = "Success"
	CommandStatusFailed  = "Failed"
)

// CommandResult is the outcome of one command executed on a backend.
type CommandResult struct {
	CommandID string
	Status    string
	Command   string
	Stdout    string
	Stderr    string
	ExitCode  int
}

func (r CommandResult) Succeeded() bool {
	return r.Status == CommandStatusSuccess
}
