// Command avhd serves the run history recorded by avhclient over gRPC.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"google.golang.org/grpc"

	adaptgrpc "github.com/avh-dev/avhclient/internal/adapters/grpc"
	"github.com/avh-dev/avhclient/internal/adapters/sqlite"
	"github.com/avh-dev/avhclient/internal/config"
	"github.com/avh-dev/avhclient/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "avhd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	log, err := logging.New(os.Stderr, os.Getenv("AVH_VERBOSITY"))
	if err != nil {
		return err
	}

	projectDir := os.Getenv("AVH_PROJECT_DIR")
	if projectDir == "" {
		projectDir = "."
	}
	cfg, err := config.Load(projectDir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}
	store, err := sqlite.NewStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store %s: %w", cfg.Store.Path, err)
	}
	defer store.Close()

	lis, err := listen(cfg.Daemon.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Daemon.Listen, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	log.Info("avhd listening", "addr", cfg.Daemon.Listen, "store", cfg.Store.Path)
	if err := serve(ctx, lis, store, log); err != nil {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

// serve runs the history service on lis until ctx is done.
func serve(ctx context.Context, lis net.Listener, store *sqlite.Store, log *slog.Logger) error {
	grpcServer := grpc.NewServer()
	adaptgrpc.RegisterRunHistoryServer(grpcServer, adaptgrpc.NewHistoryServer(store, store))

	served := make(chan struct{})
	defer close(served)
	go func() {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			grpcServer.GracefulStop()
		case <-served:
		}
	}()

	return grpcServer.Serve(lis)
}

func listen(addr string) (net.Listener, error) {
	if sockPath, ok := strings.CutPrefix(addr, "unix://"); ok {
		os.Remove(sockPath)
		return net.Listen("unix", sockPath)
	}
	return net.Listen("tcp", addr)
}
