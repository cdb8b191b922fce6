// Package config loads the sandbox daemon configuration from YAML with
// environment overrides for secrets and deployment-specific values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gridsite/platform/internal/sandbox/broker"
	"github.com/gridsite/platform/internal/sandbox/origin"
)

// Collaborator backend modes.
const (
	CollabMemory   = "memory"
	CollabHTTP     = "http"
	CollabPostgres = "postgres"
)

// Config is the daemon configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Origins OriginsConfig `yaml:"origins"`
	Collab  CollabConfig  `yaml:"collaborators"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddr          string `yaml:"listenAddr"`
	ReadTimeoutSeconds  int    `yaml:"readTimeoutSeconds"`
	WriteTimeoutSeconds int    `yaml:"writeTimeoutSeconds"`
}

// SandboxConfig tunes the broker.
type SandboxConfig struct {
	ReadyTimeoutSeconds   int     `yaml:"readyTimeoutSeconds"`
	RequestTimeoutSeconds int     `yaml:"requestTimeoutSeconds"`
	MinHeight             int     `yaml:"minHeight"`
	MaxHeight             int     `yaml:"maxHeight"`
	AnalyticsPerSecond    float64 `yaml:"analyticsPerSecond"`
	AnalyticsBurst        int     `yaml:"analyticsBurst"`
	EventBufferSize       int     `yaml:"eventBufferSize"`
}

// OriginsConfig configures the allow-list every module shares.
type OriginsConfig struct {
	Trusted       []string `yaml:"trusted"`
	AllowLoopback bool     `yaml:"allowLoopback"`
}

// CollabConfig selects the collaborator backends.
type CollabConfig struct {
	Mode               string `yaml:"mode"`
	BaseURL            string `yaml:"baseUrl"`
	ServiceTokenSecret string `yaml:"serviceTokenSecret"`
	PostgresDSN        string `yaml:"postgresDsn"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:          ":8090",
			ReadTimeoutSeconds:  15,
			WriteTimeoutSeconds: 30,
		},
		Sandbox: SandboxConfig{
			ReadyTimeoutSeconds:   15,
			RequestTimeoutSeconds: 30,
			MinHeight:             100,
			MaxHeight:             3000,
			AnalyticsPerSecond:    5,
			AnalyticsBurst:        20,
			EventBufferSize:       1000,
		},
		Collab: CollabConfig{Mode: CollabMemory},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from config/sandbox.yaml.
func Load() (*Config, error) {
	return LoadFromPath(filepath.Join("config", "sandbox.yaml"))
}

// LoadFromPath loads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads config/sandbox.yaml or falls back to defaults with
// environment overrides applied.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		cfg = Default()
		cfg.applyEnv()
	}
	return cfg
}

// applyEnv overrides file values with environment variables. Secrets are
// expected to arrive this way rather than in the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("GRIDSITE_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("GRIDSITE_COLLAB_MODE"); v != "" {
		c.Collab.Mode = v
	}
	if v := os.Getenv("GRIDSITE_COLLAB_BASE_URL"); v != "" {
		c.Collab.BaseURL = v
	}
	if v := os.Getenv("GRIDSITE_SERVICE_TOKEN_SECRET"); v != "" {
		c.Collab.ServiceTokenSecret = v
	}
	if v := os.Getenv("GRIDSITE_POSTGRES_DSN"); v != "" {
		c.Collab.PostgresDSN = v
	}
	if v := os.Getenv("GRIDSITE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server: listenAddr is required")
	}
	if c.Sandbox.MinHeight <= 0 {
		return fmt.Errorf("sandbox: minHeight must be positive")
	}
	if c.Sandbox.MaxHeight < c.Sandbox.MinHeight {
		return fmt.Errorf("sandbox: maxHeight must not be below minHeight")
	}

	switch c.Collab.Mode {
	case CollabMemory:
	case CollabHTTP:
		if c.Collab.BaseURL == "" {
			return fmt.Errorf("collaborators: baseUrl is required for http mode")
		}
		if c.Collab.ServiceTokenSecret == "" {
			return fmt.Errorf("collaborators: serviceTokenSecret is required for http mode")
		}
	case CollabPostgres:
		if c.Collab.PostgresDSN == "" {
			return fmt.Errorf("collaborators: postgresDsn is required for postgres mode")
		}
	default:
		return fmt.Errorf("collaborators: unknown mode %q", c.Collab.Mode)
	}
	return nil
}

// BrokerConfig converts the sandbox section to broker tuning.
func (c *Config) BrokerConfig() broker.Config {
	return broker.Config{
		ReadyTimeout:       time.Duration(c.Sandbox.ReadyTimeoutSeconds) * time.Second,
		RequestTimeout:     time.Duration(c.Sandbox.RequestTimeoutSeconds) * time.Second,
		MinHeight:          c.Sandbox.MinHeight,
		MaxHeight:          c.Sandbox.MaxHeight,
		AnalyticsPerSecond: c.Sandbox.AnalyticsPerSecond,
		AnalyticsBurst:     c.Sandbox.AnalyticsBurst,
	}
}

// OriginConfig converts the origins section to allow-list construction
// input.
func (c *Config) OriginConfig() origin.Config {
	return origin.Config{
		TrustedOrigins: c.Origins.Trusted,
		AllowLoopback:  c.Origins.AllowLoopback,
	}
}
