package domain

import (
	"fmt"
	"strings"
)

// BackendState is the condition a backend reached while preparing. Cleanup
// uses it to decide whether to leave, stop, or destroy the environment.
type BackendState string

const (
	BackendStateInvalid BackendState = "invalid"
	BackendStateCreated BackendState = "created"
	BackendStateStarted BackendState = "started"
	BackendStateRunning BackendState = "running"
)

// ParseBackendState accepts any casing of a known state name.
func ParseBackendState(s string) (BackendState, error) {
	switch st := BackendState(strings.ToLower(strings.TrimSpace(s))); st {
	case BackendStateInvalid, BackendStateCreated, BackendStateStarted, BackendStateRunning:
		return st, nil
	}
	return BackendStateInvalid, fmt.Errorf("unknown backend state %q", s)
}

func (s BackendState) String() string {
	return string(s)
}
