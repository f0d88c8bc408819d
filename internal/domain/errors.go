package domain

import "errors"

var (
	// ErrCommandFailed marks a command that ran but did not succeed.
	ErrCommandFailed = errors.New("command failed")
	// ErrNotPrepared is returned when a backend is used before Prepare.
	ErrNotPrepared = errors.New("backend not prepared")
	ErrRunNotFound = errors.New("run not found")
)
