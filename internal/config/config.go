// Package config handles YAML configuration loading with environment
// variable expansion, the same mechanism the teacher uses for its gateway
// config, applied to this proxy's subscription/server/rate-limit/logging/
// external-access fields.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	relay "github.com/relaystack/subrelay/internal"
)

// Config is the top-level proxy configuration.
type Config struct {
	Subscriptions []SubscriptionEntry `yaml:"subscriptions"`
	Server        ServerConfig        `yaml:"server"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Logging       LoggingConfig       `yaml:"logging"`
	External      ExternalConfig      `yaml:"external"`
	Database      DatabaseConfig      `yaml:"database"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Utilisation   UtilisationConfig   `yaml:"utilisation"`
}

// UtilisationConfig configures the optional companion-service poller that
// pushes per-subscription quota utilisation into the tracker. Empty URL
// means disabled -- utilisation then only arrives via the admin push
// endpoint, if anything pushes to it at all.
type UtilisationConfig struct {
	PollURL      string        `yaml:"poll_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// TelemetryConfig controls optional OTLP trace export. Disabled by default;
// a missing or unreachable collector must never block startup.
type TelemetryConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig configures the OTLP gRPC exporter.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // e.g. "localhost:4317"
	SampleRate float64 `yaml:"sample_rate"` // 0.0-1.0
}

// DatabaseConfig points at the usage-statistics SQLite database.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// SubscriptionEntry is one credential definition in the config file.
type SubscriptionEntry struct {
	Name          string `yaml:"name"`
	Secret        string `yaml:"secret"`
	MaxConcurrent int    `yaml:"max_concurrent"` // 1-50
	Priority      int    `yaml:"priority"`       // >= 1
	Enabled       *bool  `yaml:"enabled"`        // defaults to true when omitted
}

// IsEnabled reports whether the subscription is enabled (defaults to true).
func (s SubscriptionEntry) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// ServerConfig holds the HTTP bind address.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// RateLimitConfig controls the cooldown applied to a subscription on a 429.
type RateLimitConfig struct {
	CooldownSeconds int `yaml:"cooldown_seconds"` // >= 1
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "text"
}

// ExternalConfig gates the proxy route (/v1/*) for callers that are not on
// a loopback address; there is no local-subnet allowance. Token also serves
// as the shared secret for the admin routes.
type ExternalConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Token          string   `yaml:"token"`
	AllowedClients []string `yaml:"allowed_clients"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values,
// leaving the pattern untouched when the variable is unset.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(name); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables
// and applying defaults for anything the file omits.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		RateLimit: RateLimitConfig{
			CooldownSeconds: 60,
		},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Database: DatabaseConfig{DSN: "subrelay.db"},
		Telemetry: TelemetryConfig{
			Tracing: TracingConfig{SampleRate: 1.0},
		},
		Utilisation: UtilisationConfig{
			PollInterval: 30 * time.Second,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate enforces the bounds the original config schema declares
// (max_concurrent 1-50, priority >= 1, cooldown_seconds >= 1) since Go's
// YAML unmarshalling has no equivalent to pydantic's Field constraints.
func (c *Config) validate() error {
	if len(c.Subscriptions) == 0 {
		return fmt.Errorf("config: at least one subscription is required")
	}
	seen := make(map[string]struct{}, len(c.Subscriptions))
	for _, s := range c.Subscriptions {
		if s.Name == "" {
			return fmt.Errorf("config: subscription with empty name")
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("config: duplicate subscription name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.MaxConcurrent < 1 || s.MaxConcurrent > 50 {
			return fmt.Errorf("config: subscription %q max_concurrent must be 1-50, got %d", s.Name, s.MaxConcurrent)
		}
		if s.Priority < 1 {
			return fmt.Errorf("config: subscription %q priority must be >= 1, got %d", s.Name, s.Priority)
		}
	}
	if c.RateLimit.CooldownSeconds < 1 {
		return fmt.Errorf("config: rate_limit.cooldown_seconds must be >= 1, got %d", c.RateLimit.CooldownSeconds)
	}
	return nil
}

// TrackerSubscriptions converts the config's subscription entries into the
// shape the tracker package operates on.
func (c *Config) TrackerSubscriptions() []relay.SubscriptionConfig {
	out := make([]relay.SubscriptionConfig, len(c.Subscriptions))
	for i, s := range c.Subscriptions {
		out[i] = relay.SubscriptionConfig{
			Name:          s.Name,
			Secret:        s.Secret,
			MaxConcurrent: s.MaxConcurrent,
			Priority:      s.Priority,
			Enabled:       s.IsEnabled(),
		}
	}
	return out
}

// Secrets returns a name -> credential map for the dispatcher's Secrets
// lookup.
func (c *Config) Secrets() map[string]string {
	out := make(map[string]string, len(c.Subscriptions))
	for _, s := range c.Subscriptions {
		out[s.Name] = s.Secret
	}
	return out
}
