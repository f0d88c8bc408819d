package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/avh-dev/avhclient/internal/domain"
)

// HistoryClient queries a RunHistory server.
type HistoryClient struct {
	cc grpc.ClientConnInterface
}

func NewHistoryClient(cc grpc.ClientConnInterface) *HistoryClient {
	return &HistoryClient{cc: cc}
}

// Dial connects to addr, e.g. "unix:///tmp/avh.sock" or "localhost:7070".
func Dial(addr string) (*HistoryClient, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return NewHistoryClient(conn), conn, nil
}

func (c *HistoryClient) ListRuns(ctx context.Context) ([]*domain.Run, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, listRunsMethod, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}

	runs := make([]*domain.Run, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		run, err := decodeRun(v.GetStructValue().AsMap())
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// GetRun fetches one run with its step executions. An unknown id yields an
// error wrapping domain.ErrRunNotFound.
func (c *HistoryClient) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getRunMethod, wrapperspb.String(id), out); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: %q", domain.ErrRunNotFound, id)
		}
		return nil, err
	}

	fields := out.AsMap()
	run, err := decodeRun(fields)
	if err != nil {
		return nil, err
	}
	steps, _ := fields["steps"].([]any)
	for _, s := range steps {
		m, ok := s.(map[string]any)
		if !ok {
			continue
		}
		exec, err := decodeStep(m)
		if err != nil {
			return nil, err
		}
		run.StepExecutions = append(run.StepExecutions, exec)
	}
	return run, nil
}

func decodeRun(m map[string]any) (*domain.Run, error) {
	run := &domain.Run{
		ID:           str(m, "id"),
		Backend:      str(m, "backend"),
		SpecPath:     str(m, "spec_path"),
		State:        domain.RunState(str(m, "state")),
		BackendState: domain.BackendState(str(m, "backend_state")),
		ErrorMessage: str(m, "error_message"),
	}
	var err error
	if run.StartedAt, err = parseTime(str(m, "started_at")); err != nil {
		return nil, err
	}
	if run.CompletedAt, err = parseTime(str(m, "completed_at")); err != nil {
		return nil, err
	}
	return run, nil
}

func decodeStep(m map[string]any) (*domain.StepExecution, error) {
	exec := &domain.StepExecution{
		StepName: str(m, "name"),
		Error:    str(m, "error"),
	}
	var err error
	if exec.StartedAt, err = parseTime(str(m, "started_at")); err != nil {
		return nil, err
	}
	if exec.CompletedAt, err = parseTime(str(m, "completed_at")); err != nil {
		return nil, err
	}
	if cmds, ok := m["commands"].([]any); ok {
		for _, c := range cmds {
			if s, ok := c.(string); ok {
				exec.Commands = append(exec.Commands, s)
			}
		}
	}
	if results, ok := m["results"].([]any); ok {
		for _, r := range results {
			rm, ok := r.(map[string]any)
			if !ok {
				continue
			}
			code, _ := rm["exit_code"].(float64)
			exec.Results = append(exec.Results, domain.CommandResult{
				CommandID: str(rm, "command_id"),
				Status:    str(rm, "status"),
				Command:   str(rm, "command"),
				Stdout:    str(rm, "stdout"),
				Stderr:    str(rm, "stderr"),
				ExitCode:  int(code),
			})
		}
	}
	return exec, nil
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
