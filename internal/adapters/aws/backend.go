// Package aws runs jobs on an EC2 instance. Commands go through SSM and
// their output, like the workspace archives, travels through S3.
package aws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/avh-dev/avhclient/internal/config"
	"github.com/avh-dev/avhclient/internal/logging"
)

// ErrMissingConfig is returned when a required setting is empty.
var ErrMissingConfig = errors.New("missing aws configuration")

const (
	// remoteHome is the login directory of the AMI user.
	remoteHome      = "/home/ubuntu"
	remoteWorkspace = remoteHome + "/workspace"

	defaultSettleDelay = 2 * time.Second
	defaultWaitTimeout = 15 * time.Minute
)

// Backend implements ports.Backend on top of EC2, S3 and SSM. Clients are
// created and the configuration validated on first use, so constructing a
// Backend never touches the network.
type Backend struct {
	cfg       config.AWSConfig
	log       *slog.Logger
	lookupEnv func(string) (string, bool)

	settleDelay time.Duration
	waitTimeout time.Duration
	pollDelay   time.Duration

	mu         sync.Mutex
	ready      bool
	clients    *Clients
	instanceID string
	amiID      string
}

type Option func(*Backend)

// WithClients injects API clients instead of building them from the
// default credential chain.
func WithClients(c *Clients) Option {
	return func(b *Backend) { b.clients = c }
}

// WithSettleDelay sets the pause between submitting a command and polling it.
func WithSettleDelay(d time.Duration) Option {
	return func(b *Backend) { b.settleDelay = d }
}

// WithPollDelay overrides the delay between command status polls.
func WithPollDelay(d time.Duration) Option {
	return func(b *Backend) { b.pollDelay = d }
}

func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(b *Backend) { b.lookupEnv = fn }
}

func NewBackend(cfg config.AWSConfig, log *slog.Logger, opts ...Option) *Backend {
	b := &Backend{
		cfg:         cfg,
		log:         logging.OrDiscard(log).With("backend", "aws"),
		lookupEnv:   os.LookupEnv,
		settleDelay: defaultSettleDelay,
		waitTimeout: defaultWaitTimeout,
		pollDelay:   time.Duration(cfg.PollDelaySeconds) * time.Second,
		instanceID:  cfg.InstanceID,
		amiID:       cfg.AMIID,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.pollDelay <= 0 {
		b.pollDelay = 5 * time.Second
	}
	return b
}

func (b *Backend) Name() string {
	return "aws"
}

// InstanceID returns the instance in use, or "" before one is known.
func (b *Backend) InstanceID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.instanceID
}

func (b *Backend) setInstanceID(id string) {
	b.mu.Lock()
	b.instanceID = id
	b.mu.Unlock()
}

// setup validates the configuration and builds clients. It is retried on
// every call until it succeeds once.
func (b *Backend) setup(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready {
		return nil
	}

	b.logCredentials()
	if err := b.validate(); err != nil {
		return err
	}

	if b.clients == nil {
		clients, err := NewClients(ctx, b.cfg)
		if err != nil {
			return fmt.Errorf("loading aws configuration: %w", err)
		}
		b.clients = clients
	}

	if b.instanceID == "" && b.amiID == "" {
		id, err := b.lookupImage(ctx, b.cfg.AMIVersion)
		if err != nil {
			return err
		}
		b.amiID = id
	}

	b.ready = true
	return nil
}

func (b *Backend) validate() error {
	var missing []string
	if b.instanceID == "" {
		missing = b.launchMissing()
	}
	if b.cfg.S3Bucket == "" {
		missing = append(missing, "AWS_S3_BUCKET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrMissingConfig, missing)
	}
	return nil
}

// launchMissing lists the settings RunInstances needs that are not set.
// Callers hold b.mu.
func (b *Backend) launchMissing() []string {
	var missing []string
	if b.amiID == "" && b.cfg.AMIVersion == "" {
		missing = append(missing, "AWS_AMI_ID or AWS_AMI_VERSION")
	}
	if b.cfg.IAMProfile == "" {
		missing = append(missing, "AWS_IAM_PROFILE")
	}
	if b.cfg.SecurityGroupID == "" {
		missing = append(missing, "AWS_SECURITY_GROUP_ID")
	}
	if b.cfg.SubnetID == "" {
		missing = append(missing, "AWS_SUBNET_ID")
	}
	return missing
}

func (b *Backend) logCredentials() {
	for _, name := range []string{"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_SESSION_TOKEN"} {
		if _, ok := b.lookupEnv(name); ok {
			b.log.Debug("credential variable present", "name", name)
		} else {
			b.log.Debug("credential variable not set", "name", name)
		}
	}
}
