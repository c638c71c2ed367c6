package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultScrapeInterval = 5 * time.Second
	DefaultBufferSize     = 1000
	DefaultAPIKeyHeader   = "x-api-key"
)

// Source types.
const (
	TypeStation    = "station"
	TypePrometheus = "prometheus"
	TypeVision     = "vision"
)

// Config is the agent-side configuration parsed from the `agent:` section of
// config.yaml. The `server:` key in the same file is ignored.
type Config struct {
	Agent AgentConfig `yaml:"agent"`
}

// AgentConfig holds all agent-side settings.
type AgentConfig struct {
	// ServerEndpoint is the gRPC address of firewatch-server (host:port).
	ServerEndpoint string `yaml:"server_endpoint"`

	// ScrapeInterval controls how often each source is polled unless the
	// source sets its own interval.
	ScrapeInterval time.Duration `yaml:"scrape_interval"`

	// BufferSize is the maximum number of events held in memory when
	// the server is unreachable.
	BufferSize int `yaml:"buffer_size"`

	// Sources is the list of stations and cameras to poll.
	Sources []Source `yaml:"sources"`

	// ServerAuth configures how the agent authenticates to firewatch-server.
	// Supports mtls | apikey | none.
	ServerAuth AuthConfig `yaml:"server_auth"`
}

// Source describes one polled sensor station or vision endpoint.
type Source struct {
	// ID is the source id reported on every event. Alerts are keyed by it.
	ID string `yaml:"id"`

	// Type is one of: station | prometheus | vision.
	Type string `yaml:"type"`

	// Endpoint is the full URL to poll.
	Endpoint string `yaml:"endpoint"`

	// Interval overrides ScrapeInterval for this source.
	Interval time.Duration `yaml:"interval"`

	// TemperatureMetric and HumidityMetric name the metric families read
	// from a prometheus source. Either may be empty.
	TemperatureMetric string `yaml:"temperature_metric"`
	HumidityMetric    string `yaml:"humidity_metric"`

	// Auth configures how the agent authenticates to this source.
	Auth AuthConfig `yaml:"auth"`

	// TLS holds optional TLS dial options.
	TLS TLSConfig `yaml:"tls"`
}

// EffectiveInterval returns the source's poll interval, falling back to def.
func (s Source) EffectiveInterval(def time.Duration) time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return def
}

// AuthConfig specifies the authentication mode for a source or the server.
type AuthConfig struct {
	// Mode is one of: mtls | apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	// mTLS fields, used when Mode == "mtls".
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	// API key fields, used when Mode == "apikey".
	// Header is the HTTP header (or gRPC metadata key) to send the key in.
	Header string `yaml:"header"`
	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`

	// TokenEnv holds the bearer token when Mode == "bearer".
	TokenEnv string `yaml:"token_env"`

	// Basic auth fields, used when Mode == "basic".
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
}

// Key returns the API key value resolved from the environment.
// Returns empty string if KeyEnv is unset or the variable is not found.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string {
	if a.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(a.PasswordEnv)
}

// EffectiveHeader returns the configured header name, or DefaultAPIKeyHeader.
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return DefaultAPIKeyHeader
}

// TLSConfig holds per-source TLS dial options.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	// Only use this for internal CAs in development environments.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			ScrapeInterval: DefaultScrapeInterval,
			BufferSize:     DefaultBufferSize,
		},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	a := cfg.Agent
	if a.ServerEndpoint == "" {
		return fmt.Errorf("agent.server_endpoint is required")
	}
	if a.ScrapeInterval <= 0 {
		return fmt.Errorf("agent.scrape_interval must be positive")
	}
	if a.BufferSize <= 0 {
		return fmt.Errorf("agent.buffer_size must be positive")
	}
	switch a.ServerAuth.Mode {
	case "mtls", "apikey", "none", "":
	default:
		return fmt.Errorf("agent.server_auth: unknown mode %q", a.ServerAuth.Mode)
	}

	seen := make(map[string]bool, len(a.Sources))
	for i, src := range a.Sources {
		if src.ID == "" {
			return fmt.Errorf("sources[%d]: id is required", i)
		}
		if seen[src.ID] {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, src.ID)
		}
		seen[src.ID] = true
		if src.Endpoint == "" {
			return fmt.Errorf("sources[%d] %q: endpoint is required", i, src.ID)
		}
		if src.Interval < 0 {
			return fmt.Errorf("sources[%d] %q: interval must not be negative", i, src.ID)
		}
		switch src.Type {
		case TypeStation, TypeVision:
		case TypePrometheus:
			if src.TemperatureMetric == "" && src.HumidityMetric == "" {
				return fmt.Errorf("sources[%d] %q: prometheus source needs temperature_metric or humidity_metric", i, src.ID)
			}
		default:
			return fmt.Errorf("sources[%d] %q: unknown type %q", i, src.ID, src.Type)
		}
		switch src.Auth.Mode {
		case "mtls", "apikey", "bearer", "basic", "none", "":
		default:
			return fmt.Errorf("sources[%d] %q: unknown auth mode %q", i, src.ID, src.Auth.Mode)
		}
	}
	return nil
}
