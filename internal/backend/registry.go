// Package backend maps backend names to constructors.
package backend

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/avh-dev/avhclient/internal/adapters/aws"
	"github.com/avh-dev/avhclient/internal/adapters/docker"
	"github.com/avh-dev/avhclient/internal/adapters/local"
	"github.com/avh-dev/avhclient/internal/config"
	"github.com/avh-dev/avhclient/internal/ports"
)

var ErrUnknownBackend = errors.New("unknown backend")

// Factory builds a backend from configuration.
type Factory func(cfg *config.Config, log *slog.Logger) (ports.Backend, error)

type registration struct {
	priority int
	factory  Factory
}

// Registry holds the known backends. Lower priority sorts first.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register adds or replaces a backend under a case-insensitive name.
func (r *Registry) Register(name string, priority int, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[strings.ToLower(name)] = registration{priority: priority, factory: f}
}

// Available returns the backend names ordered by priority, then name.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := r.entries[names[i]].priority, r.entries[names[j]].priority
		if pi != pj {
			return pi < pj
		}
		return names[i] < names[j]
	})
	return names
}

func (r *Registry) New(name string, cfg *config.Config, log *slog.Logger) (ports.Backend, error) {
	r.mu.RLock()
	reg, ok := r.entries[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownBackend, name, strings.Join(r.Available(), ", "))
	}
	return reg.factory(cfg, log)
}

// Default returns a registry with the aws, docker and local backends.
func Default() *Registry {
	r := NewRegistry()
	r.Register("aws", 10, func(cfg *config.Config, log *slog.Logger) (ports.Backend, error) {
		return aws.NewBackend(cfg.AWS, log), nil
	})
	r.Register("docker", 30, func(cfg *config.Config, log *slog.Logger) (ports.Backend, error) {
		return docker.NewBackend(cfg.Docker, log)
	})
	r.Register("local", 50, func(cfg *config.Config, log *slog.Logger) (ports.Backend, error) {
		return local.NewBackend(log), nil
	})
	return r
}
