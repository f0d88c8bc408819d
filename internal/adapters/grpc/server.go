// Package grpc serves and queries recorded run history over gRPC.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/avh-dev/avhclient/internal/domain"
	"github.com/avh-dev/avhclient/internal/ports"
)

type HistoryServer struct {
	store    ports.RunStore
	captures ports.CaptureStore
}

// NewHistoryServer serves runs from store. captures may be nil, in which
// case GetRun returns runs without steps.
func NewHistoryServer(store ports.RunStore, captures ports.CaptureStore) *HistoryServer {
	return &HistoryServer{store: store, captures: captures}
}

func (s *HistoryServer) ListRuns(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	runs, err := s.store.ListRuns(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "listing runs: %v", err)
	}

	items := make([]any, 0, len(runs))
	for _, run := range runs {
		items = append(items, runFields(run))
	}
	list, err := structpb.NewList(items)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding runs: %v", err)
	}
	return list, nil
}

func (s *HistoryServer) GetRun(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id := req.GetValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "run id is required")
	}
	run, err := s.store.GetRun(ctx, id)
	if errors.Is(err, domain.ErrRunNotFound) {
		return nil, status.Errorf(codes.NotFound, "run %q not found", id)
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "getting run: %v", err)
	}

	if s.captures != nil {
		execs, err := s.captures.GetStepExecutions(ctx, id)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "getting steps: %v", err)
		}
		run.StepExecutions = execs
	}

	fields := runFields(run)
	steps := make([]any, 0, len(run.StepExecutions))
	for _, exec := range run.StepExecutions {
		steps = append(steps, stepFields(exec))
	}
	fields["steps"] = steps

	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding run: %v", err)
	}
	return out, nil
}

func runFields(run *domain.Run) map[string]any {
	return map[string]any{
		"id":            run.ID,
		"backend":       run.Backend,
		"spec_path":     text(run.SpecPath),
		"state":         string(run.State),
		"backend_state": string(run.BackendState),
		"started_at":    formatTime(run.StartedAt),
		"completed_at":  formatTime(run.CompletedAt),
		"error_message": text(run.ErrorMessage),
	}
}

func stepFields(exec *domain.StepExecution) map[string]any {
	commands := make([]any, len(exec.Commands))
	for i, c := range exec.Commands {
		commands[i] = text(c)
	}
	results := make([]any, len(exec.Results))
	for i, r := range exec.Results {
		results[i] = map[string]any{
			"command_id": text(r.CommandID),
			"status":     text(r.Status),
			"command":    text(r.Command),
			"stdout":     text(r.Stdout),
			"stderr":     text(r.Stderr),
			"exit_code":  r.ExitCode,
		}
	}
	return map[string]any{
		"name":         text(exec.StepName),
		"commands":     commands,
		"results":      results,
		"error":        text(exec.Error),
		"started_at":   formatTime(exec.StartedAt),
		"completed_at": formatTime(exec.CompletedAt),
	}
}

// text makes s safe for structpb, which only carries valid UTF-8. Binary
// command output has its invalid sequences replaced with U+FFFD.
func text(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: %w", s, err)
	}
	return t, nil
}
