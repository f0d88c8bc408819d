package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	adaptgrpc "github.com/avh-dev/avhclient/internal/adapters/grpc"
	"github.com/avh-dev/avhclient/internal/adapters/sqlite"
	"github.com/avh-dev/avhclient/internal/config"
	"github.com/avh-dev/avhclient/internal/domain"
)

// history is where run records are read from: the local database or an
// avhd daemon.
type history interface {
	ListRuns(ctx context.Context) ([]*domain.Run, error)
	GetRun(ctx context.Context, id string) (*domain.Run, error)
}

type storeHistory struct {
	store *sqlite.Store
}

func (h storeHistory) ListRuns(ctx context.Context) ([]*domain.Run, error) {
	return h.store.ListRuns(ctx)
}

func (h storeHistory) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	run, err := h.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.StepExecutions, err = h.store.GetStepExecutions(ctx, id); err != nil {
		return nil, err
	}
	return run, nil
}

// openHistory returns the history source and a func releasing it.
func openHistory(cfg *config.Config, remote bool) (history, func(), error) {
	if remote {
		client, conn, err := adaptgrpc.Dial(cfg.Daemon.Addr)
		if err != nil {
			return nil, nil, err
		}
		return client, func() { conn.Close() }, nil
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	return storeHistory{store: store}, func() { store.Close() }, nil
}

func (a *app) runsCmd() *cobra.Command {
	var remote, failInterrupted bool

	cmd := &cobra.Command{
		Use:     "runs",
		Aliases: []string{"list"},
		Short:   "List recorded runs",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := a.setup()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			if failInterrupted {
				store, err := openStore(cfg)
				if err != nil {
					return err
				}
				n, err := store.FailInterruptedRuns(ctx)
				store.Close()
				if err != nil {
					return err
				}
				log.Info("marked interrupted runs as failed", "count", n)
			}

			h, closeFn, err := openHistory(cfg, remote)
			if err != nil {
				return err
			}
			defer closeFn()

			runs, err := h.ListRuns(ctx)
			if err != nil {
				return err
			}
			printRuns(a.stdout, runs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "query the avhd daemon instead of the local database")
	cmd.Flags().BoolVar(&failInterrupted, "fail-interrupted", false, "mark pending or running runs as failed first")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a recorded run with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := a.setup()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			h, closeFn, err := openHistory(cfg, remote)
			if err != nil {
				return err
			}
			defer closeFn()

			run, err := h.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			printRun(a.stdout, run)
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "query the avhd daemon instead of the local database")
	return cmd
}

func printRuns(w io.Writer, runs []*domain.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tBACKEND\tSTATE\tSTARTED")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", run.ID, run.Backend, run.State, formatTime(run.StartedAt))
	}
	tw.Flush()
}

func printRun(w io.Writer, run *domain.Run) {
	fmt.Fprintf(w, "Run:      %s\n", run.ID)
	fmt.Fprintf(w, "Backend:  %s (%s)\n", run.Backend, run.BackendState)
	fmt.Fprintf(w, "Spec:     %s\n", run.SpecPath)
	fmt.Fprintf(w, "State:    %s\n", run.State)
	fmt.Fprintf(w, "Started:  %s\n", formatTime(run.StartedAt))
	fmt.Fprintf(w, "Finished: %s\n", formatTime(run.CompletedAt))
	if run.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:    %s\n", run.ErrorMessage)
	}
	for _, exec := range run.StepExecutions {
		result := "succeeded"
		if !exec.Succeeded() {
			result = "failed"
		}
		fmt.Fprintf(w, "  %s: %s (%s)\n", exec.StepName, result, exec.Duration().Round(time.Millisecond))
		for _, r := range exec.Results {
			fmt.Fprintf(w, "    [%s] %s\n", r.Status, firstLine(r.Command))
		}
		if exec.Error != "" {
			fmt.Fprintf(w, "    error: %s\n", exec.Error)
		}
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
