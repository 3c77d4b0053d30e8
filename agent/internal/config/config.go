package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultHealthInterval = 2 * time.Second
	DefaultSettleDelay    = 750 * time.Millisecond
	DefaultConnectTimeout = 10 * time.Second
	DefaultStreamBuffer   = 10
	DefaultBackoffStep    = 2 * time.Second
	DefaultDataDir        = ".loggy"
	DefaultIngestAddr     = "127.0.0.1:7070"
)

// Config is the loggy-agent configuration.
// Fields map 1:1 to loggy.example.yaml.
type Config struct {
	// Endpoint is the collector address: host:port, http://host[:port] or
	// https://host[:port]. The scheme selects plaintext or TLS.
	Endpoint string `yaml:"endpoint" toml:"endpoint"`

	// APIKeyEnv is the name of the environment variable holding the api key.
	APIKeyEnv string `yaml:"api_key_env" toml:"api_key_env"`

	// DataDir holds the SQLite database with the offline queue and the
	// settings/sessions records.
	DataDir string `yaml:"data_dir" toml:"data_dir"`

	Application ApplicationConfig `yaml:"application" toml:"application"`

	// HealthInterval controls how often transport connectivity is polled.
	HealthInterval time.Duration `yaml:"health_interval" toml:"health_interval"`

	// SettleDelay is how long a freshly opened transport is given before its
	// readiness is trusted.
	SettleDelay time.Duration `yaml:"settle_delay" toml:"settle_delay"`

	// ConnectTimeout bounds one readiness check.
	ConnectTimeout time.Duration `yaml:"connect_timeout" toml:"connect_timeout"`

	// StreamBuffer is the capacity of the in-memory channel feeding the
	// outbound stream.
	StreamBuffer int `yaml:"stream_buffer" toml:"stream_buffer"`

	// Compression is "zstd" or "none".
	Compression string `yaml:"compression" toml:"compression"`

	Backoff BackoffConfig `yaml:"backoff" toml:"backoff"`
	Auth    AuthConfig    `yaml:"auth" toml:"auth"`
	Log     LogConfig     `yaml:"log" toml:"log"`
	Ingest  IngestConfig  `yaml:"ingest" toml:"ingest"`
}

// ApplicationConfig names the host application in its descriptor.
type ApplicationConfig struct {
	Name    string `yaml:"name" toml:"name"`
	Version string `yaml:"version" toml:"version"`
}

// BackoffConfig selects the reconnect delay policy.
type BackoffConfig struct {
	// Policy is linear (attempt × step) or exponential (step × 2^(attempt-1)).
	Policy string `yaml:"policy" toml:"policy"`

	Step time.Duration `yaml:"step" toml:"step"`

	// Max caps a single delay. Zero means uncapped.
	Max time.Duration `yaml:"max" toml:"max"`

	// MaxAttempts stops retrying after this many attempts. Zero means
	// retry forever.
	MaxAttempts int `yaml:"max_attempts" toml:"max_attempts"`
}

// AuthConfig configures transport credentials.
type AuthConfig struct {
	// Mode is one of: mtls | apikey | none. The api key is sent in every
	// mode where one is configured; mtls additionally presents a client
	// certificate.
	Mode string `yaml:"mode" toml:"mode"`

	CertFile string `yaml:"cert_file" toml:"cert_file"`
	KeyFile  string `yaml:"key_file" toml:"key_file"`
	CAFile   string `yaml:"ca_file" toml:"ca_file"`
}

// LogConfig configures the agent's own slog output.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// IngestConfig configures the local HTTP surface.
type IngestConfig struct {
	// Addr is the listen address. Empty disables the HTTP surface.
	Addr string `yaml:"addr" toml:"addr"`
}

// APIKey returns the api key resolved from the environment.
// Returns empty string if APIKeyEnv is unset or the variable is not found.
func (c *Config) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

// Load reads and parses the config file at path.
// Missing optional fields are filled with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse toml: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		DataDir:        DefaultDataDir,
		HealthInterval: DefaultHealthInterval,
		SettleDelay:    DefaultSettleDelay,
		ConnectTimeout: DefaultConnectTimeout,
		StreamBuffer:   DefaultStreamBuffer,
		Compression:    "zstd",
		Backoff: BackoffConfig{
			Policy: "linear",
			Step:   DefaultBackoffStep,
		},
		Auth:   AuthConfig{Mode: "apikey"},
		Log:    LogConfig{Level: "info", Format: "json"},
		Ingest: IngestConfig{Addr: DefaultIngestAddr},
	}
}

// validate checks required fields and structural constraints. The endpoint
// is only checked for presence: a malformed endpoint is reported by the
// engine as the invalid_host state.
func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return fmt.Errorf("endpoint is required")
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if cfg.HealthInterval <= 0 {
		return fmt.Errorf("health_interval must be positive")
	}
	if cfg.SettleDelay < 0 {
		return fmt.Errorf("settle_delay must not be negative")
	}
	if cfg.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}
	if cfg.StreamBuffer <= 0 {
		return fmt.Errorf("stream_buffer must be positive")
	}
	switch cfg.Compression {
	case "zstd", "none", "":
	default:
		return fmt.Errorf("unknown compression %q", cfg.Compression)
	}
	switch cfg.Backoff.Policy {
	case "linear", "exponential":
	default:
		return fmt.Errorf("backoff: unknown policy %q", cfg.Backoff.Policy)
	}
	if cfg.Backoff.Step <= 0 {
		return fmt.Errorf("backoff: step must be positive")
	}
	if cfg.Backoff.MaxAttempts < 0 {
		return fmt.Errorf("backoff: max_attempts must not be negative")
	}
	switch cfg.Auth.Mode {
	case "mtls":
		if cfg.Auth.CertFile == "" || cfg.Auth.KeyFile == "" {
			return fmt.Errorf("auth: mtls requires cert_file and key_file")
		}
	case "apikey", "none", "":
	default:
		return fmt.Errorf("auth: unknown mode %q", cfg.Auth.Mode)
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log: unknown level %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log: unknown format %q", cfg.Log.Format)
	}
	return nil
}
