package backend_test

import (
	"log/slog"
	"testing"

	"github.com/avh-dev/avhclient/internal/backend"
	"github.com/avh-dev/avhclient/internal/config"
	"github.com/avh-dev/avhclient/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_AvailableOrderedByPriority(t *testing.T) {
	assert.Equal(t, []string{"aws", "docker", "local"}, backend.Default().Available())
}

func TestRegistry_NewCaseInsensitive(t *testing.T) {
	r := backend.Default()
	b, err := r.New("LOCAL", &config.Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "local", b.Name())
}

func TestRegistry_NewAWSDoesNotTouchNetwork(t *testing.T) {
	r := backend.Default()
	b, err := r.New("aws", &config.Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "aws", b.Name())
}

func TestRegistry_Unknown(t *testing.T) {
	_, err := backend.Default().New("gcp", &config.Config{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrUnknownBackend)
	assert.Contains(t, err.Error(), "aws, docker, local")
}

func TestRegistry_RegisterOrdering(t *testing.T) {
	r := backend.NewRegistry()
	noop := func(*config.Config, *slog.Logger) (ports.Backend, error) { return nil, nil }
	r.Register("b", 5, noop)
	r.Register("a", 5, noop)
	r.Register("z", 1, noop)
	assert.Equal(t, []string{"z", "a", "b"}, r.Available())
}
