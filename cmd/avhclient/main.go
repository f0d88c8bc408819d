// Command avhclient runs jobs on a remote or local backend: it prepares the
// environment, ships the workspace, runs the job steps and brings the
// results back.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/avh-dev/avhclient/internal/adapters/sqlite"
	"github.com/avh-dev/avhclient/internal/backend"
	"github.com/avh-dev/avhclient/internal/config"
	"github.com/avh-dev/avhclient/internal/logging"
	"github.com/avh-dev/avhclient/internal/ports"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type app struct {
	stdout   io.Writer
	stderr   io.Writer
	registry *backend.Registry

	verbosity   string
	backendName string
	status      bool
	projectDir  string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{
		stdout:   stdout,
		stderr:   stderr,
		registry: backend.Default(),
	}
	available := a.registry.Available()

	root := &cobra.Command{
		Use:   "avhclient",
		Short: "Run build and test jobs on AWS, docker or local backends",
		Long: `avhclient provisions an execution environment, uploads the workspace,
runs the steps of a job file (avh.yml) and downloads the results.

Backends are configured in .avh/config and through environment variables
such as AWS_S3_BUCKET or AWS_INSTANCE_ID.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&a.verbosity, "verbosity", "v", "INFO", "log level: "+strings.Join(logging.Verbosities, ", "))
	pf.StringVarP(&a.backendName, "backend", "b", available[0], "backend to use: "+strings.Join(available, ", "))
	pf.BoolVar(&a.status, "status", false, "write JSON-lines status messages to stdout")
	pf.StringVarP(&a.projectDir, "dir", "C", ".", "project directory containing .avh/config")

	root.AddCommand(
		a.runCmd(),
		a.prepareCmd(),
		a.cleanupCmd(),
		a.backendsCmd(),
		a.runsCmd(),
		a.statusCmd(),
		a.awsCmd(),
		a.initCmd(),
	)
	return root
}

func (a *app) logger() (*slog.Logger, error) {
	return logging.New(a.stderr, a.verbosity)
}

func (a *app) config() (*config.Config, error) {
	return config.Load(a.projectDir)
}

// setup loads configuration and a logger, the common prelude of every
// command.
func (a *app) setup() (*config.Config, *slog.Logger, error) {
	log, err := a.logger()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := a.config()
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func (a *app) newBackend(cfg *config.Config, log *slog.Logger) (ports.Backend, error) {
	log.Info("backend selected", "backend", strings.ToLower(a.backendName))
	return a.registry.New(a.backendName, cfg, log)
}

func openStore(cfg *config.Config) (*sqlite.Store, error) {
	if cfg.Store.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}
	store, err := sqlite.NewStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", cfg.Store.Path, err)
	}
	return store, nil
}
