package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// AWSConfig holds the settings of the EC2/S3/SSM backend.
type AWSConfig struct {
	Region                string `toml:"region"`
	AMIID                 string `toml:"ami_id"`
	AMIVersion            string `toml:"ami_version"`
	IAMProfile            string `toml:"iam_profile"`
	InstanceID            string `toml:"instance_id"`
	InstanceType          string `toml:"instance_type"`
	KeyName               string `toml:"key_name"`
	S3Bucket              string `toml:"s3_bucket"`
	S3KeyPrefix           string `toml:"s3_keyprefix"`
	SecurityGroupID       string `toml:"security_group_id"`
	SubnetID              string `toml:"subnet_id"`
	KeepInstances         bool   `toml:"keep_instances"`
	CommandTimeoutSeconds int    `toml:"command_timeout_seconds"`
	PollDelaySeconds      int    `toml:"poll_delay_seconds"`
	PollMaxAttempts       int    `toml:"poll_max_attempts"`
}

type DockerConfig struct {
	Image       string `toml:"image"`
	ContainerID string `toml:"container_id"`
	Keep        bool   `toml:"keep"`
}

type StoreConfig struct {
	Path string `toml:"path"`
}

type DaemonConfig struct {
	Listen string `toml:"listen"`
	Addr   string `toml:"addr"`
}

type Config struct {
	AWS    AWSConfig    `toml:"aws"`
	Docker DockerConfig `toml:"docker"`
	Store  StoreConfig  `toml:"store"`
	Daemon DaemonConfig `toml:"daemon"`
}

func defaults() Config {
	return Config{
		AWS: AWSConfig{
			InstanceType:          "t2.micro",
			S3KeyPrefix:           "ssm",
			CommandTimeoutSeconds: 600,
			PollDelaySeconds:      5,
			PollMaxAttempts:       120,
		},
		Docker: DockerConfig{
			Image: "ubuntu:24.04",
		},
		Store: StoreConfig{
			Path: filepath.Join(".avh", "avh.db"),
		},
		Daemon: DaemonConfig{
			Listen: "unix:///tmp/avh.sock",
			Addr:   "unix:///tmp/avh.sock",
		},
	}
}

// Load reads <projectDir>/.avh/config over the defaults and then applies
// environment overrides.
func Load(projectDir string) (*Config, error) {
	return LoadWithEnv(projectDir, os.LookupEnv)
}

// LoadWithEnv is Load with an injectable environment lookup.
func LoadWithEnv(projectDir string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := defaults()
	path := filepath.Join(projectDir, ".avh", "config")

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(&cfg, lookup)

	if cfg.Store.Path != ":memory:" && !filepath.IsAbs(cfg.Store.Path) {
		cfg.Store.Path = filepath.Join(projectDir, cfg.Store.Path)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("AWS_REGION", &cfg.AWS.Region)
	str("AWS_AMI_ID", &cfg.AWS.AMIID)
	str("AWS_AMI_VERSION", &cfg.AWS.AMIVersion)
	str("AWS_IAM_PROFILE", &cfg.AWS.IAMProfile)
	str("AWS_INSTANCE_ID", &cfg.AWS.InstanceID)
	str("AWS_INSTANCE_TYPE", &cfg.AWS.InstanceType)
	str("AWS_KEY_NAME", &cfg.AWS.KeyName)
	str("AWS_S3_BUCKET", &cfg.AWS.S3Bucket)
	str("AWS_S3_KEYPREFIX", &cfg.AWS.S3KeyPrefix)
	str("AWS_SECURITY_GROUP_ID", &cfg.AWS.SecurityGroupID)
	str("AWS_SUBNET_ID", &cfg.AWS.SubnetID)
	if v, ok := lookup("AWS_KEEP_EC2_INSTANCES"); ok {
		cfg.AWS.KeepInstances = strings.ToLower(strings.TrimSpace(v)) == "true"
	}
	if v, ok := lookup("AVH_COMMAND_TIMEOUT"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AWS.CommandTimeoutSeconds = n
		}
	}

	str("AVH_DOCKER_IMAGE", &cfg.Docker.Image)
	str("AVH_DOCKER_CONTAINER", &cfg.Docker.ContainerID)
	str("AVH_DB", &cfg.Store.Path)
	str("AVH_LISTEN", &cfg.Daemon.Listen)
	str("AVH_ADDR", &cfg.Daemon.Addr)
}
