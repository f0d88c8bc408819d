// Package logging builds the slog loggers used across avhclient. Verbosity
// names follow the CLI flag: DEBUG, INFO, WARNING, ERROR.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Verbosities lists the accepted verbosity names, most verbose first.
var Verbosities = []string{"DEBUG", "INFO", "WARNING", "ERROR"}

// ParseLevel maps a verbosity name to a slog level.
func ParseLevel(verbosity string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(verbosity)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARNING", "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown verbosity %q (want one of %s)", verbosity, strings.Join(Verbosities, ", "))
}

// New returns a text logger writing to w at the given verbosity.
func New(w io.Writer, verbosity string) (*slog.Logger, error) {
	level, err := ParseLevel(verbosity)
	if err != nil {
		return nil, err
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h), nil
}

// Discard returns a logger that drops everything. Used when callers pass a
// nil logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}
