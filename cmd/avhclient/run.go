package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/avh-dev/avhclient/internal/adapters/sqlite"
	"github.com/avh-dev/avhclient/internal/client"
	"github.com/avh-dev/avhclient/internal/domain"
	"github.com/avh-dev/avhclient/internal/jobspec"
)

func (a *app) runCmd() *cobra.Command {
	var specfile string
	var noStore bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the job described by a job file",
		Example: `  avhclient run
  avhclient -b local run --specfile ci/avh.yml
  avhclient --status -b docker run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := a.setup()
			if err != nil {
				return err
			}
			b, err := a.newBackend(cfg, log)
			if err != nil {
				return err
			}

			opts := []client.Option{}
			if a.status {
				opts = append(opts, client.WithStatus(a.stdout))
			}
			if !noStore {
				var store *sqlite.Store
				if store, err = openStore(cfg); err != nil {
					return err
				}
				defer store.Close()
				opts = append(opts, client.WithStore(store))
			}

			run, err := client.New(b, log, opts...).Run(cmd.Context(), specfile)
			if run != nil && !a.status {
				fmt.Fprintf(a.stdout, "Run:   %s\nState: %s\n", run.ID, run.State)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&specfile, "specfile", "./"+jobspec.DefaultFile, "path to the job file")
	cmd.Flags().BoolVar(&noStore, "no-store", false, "do not record the run in the history database")
	return cmd
}

func (a *app) prepareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prepare",
		Short: "Prepare the backend and print the state it reached",
		Long: `Prepare the backend without running a job. The printed state is the
one to pass to "cleanup --state" later.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := a.setup()
			if err != nil {
				return err
			}
			b, err := a.newBackend(cfg, log)
			if err != nil {
				return err
			}
			state, err := client.New(b, log).Prepare(cmd.Context())
			fmt.Fprintln(a.stdout, state)
			return err
		},
	}
}

func (a *app) cleanupCmd() *cobra.Command {
	var stateName string

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Return the backend to the state it had before prepare",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := domain.ParseBackendState(stateName)
			if err != nil {
				return err
			}
			cfg, log, err := a.setup()
			if err != nil {
				return err
			}
			b, err := a.newBackend(cfg, log)
			if err != nil {
				return err
			}
			return client.New(b, log).Cleanup(cmd.Context(), state)
		},
	}
	cmd.Flags().StringVar(&stateName, "state", string(domain.BackendStateCreated), "state returned by prepare: invalid, created, started, running")
	return cmd
}

func (a *app) backendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List available backends in priority order",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range a.registry.Available() {
				fmt.Fprintln(a.stdout, name)
			}
		},
	}
}
