package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	RPC       RPCConfig       `yaml:"rpc"`
	Worker    WorkerConfig    `yaml:"worker"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LogConfig       `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000" yaml:"port"`
	Host string `envconfig:"HOST" default:"0.0.0.0" yaml:"host"`
}

// TransportConfig holds the external fetch client configuration.
// Blocklist entries are host+path globs such as "ads.example.com/**".
type TransportConfig struct {
	Timeout   time.Duration `envconfig:"TRANSPORT_TIMEOUT" default:"30s" yaml:"timeout"`
	Retries   int           `envconfig:"TRANSPORT_RETRIES" default:"2" yaml:"retries"`
	RPS       float64       `envconfig:"TRANSPORT_RPS" default:"20" yaml:"rps"`
	UserAgent string        `envconfig:"USER_AGENT" default:"proxyframe/1.0" yaml:"user_agent"`
	Blocklist []string      `envconfig:"TRANSPORT_BLOCKLIST" yaml:"blocklist"`
}

// RPCConfig holds host/sandbox channel configuration.
type RPCConfig struct {
	CallTimeout time.Duration `envconfig:"RPC_CALL_TIMEOUT" default:"10s" yaml:"call_timeout"`
}

// WorkerConfig holds worker virtualization configuration.
type WorkerConfig struct {
	ProbeTimeout     time.Duration `envconfig:"WORKER_PROBE_TIMEOUT" default:"500ms" yaml:"probe_timeout"`
	FetchParallelism int           `envconfig:"WORKER_FETCH_PARALLELISM" default:"8" yaml:"fetch_parallelism"`
}

// SandboxConfig holds script runtime limits and where sandboxes run.
// Remote sandboxes connect over /frames/:id/sandbox instead of running
// in-process.
type SandboxConfig struct {
	ScriptTimeout time.Duration `envconfig:"SANDBOX_SCRIPT_TIMEOUT" default:"5s" yaml:"script_timeout"`
	Remote        bool          `envconfig:"SANDBOX_REMOTE" default:"false" yaml:"remote"`
	AttachTimeout time.Duration `envconfig:"SANDBOX_ATTACH_TIMEOUT" default:"10s" yaml:"attach_timeout"`
}

// StorageConfig holds persistence configuration. An empty path keeps the
// local storage snapshot in memory.
type StorageConfig struct {
	Path string `envconfig:"STORAGE_PATH" default:"" yaml:"path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development"`
}

// RateLimitConfig holds API rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100" yaml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200" yaml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true" yaml:"enabled"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadFile loads the environment and then overlays the YAML file at path.
// Keys present in the file win; absent keys keep their environment or
// default value. An empty path is the same as Load.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil || path == "" {
		return cfg, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.UnmarshalWithOptions(data, cfg, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8000",
			Host: "0.0.0.0",
		},
		Transport: TransportConfig{
			Timeout:   30 * time.Second,
			Retries:   2,
			RPS:       20,
			UserAgent: "proxyframe/1.0",
		},
		RPC: RPCConfig{
			CallTimeout: 10 * time.Second,
		},
		Worker: WorkerConfig{
			ProbeTimeout:     500 * time.Millisecond,
			FetchParallelism: 8,
		},
		Sandbox: SandboxConfig{
			ScriptTimeout: 5 * time.Second,
			AttachTimeout: 10 * time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}
