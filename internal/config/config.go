// ABOUTME: Configuration loading and parsing for h2h-gateway
// ABOUTME: Supports YAML files with environment variable expansion, duration parsing and defaults

package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a value is not set.
const (
	DefaultHTTPAddr      = "localhost:8080"
	DefaultModel         = "gpt-4-1106-preview"
	DefaultTurnDelay     = 5 * time.Second
	DefaultMaxTurns      = 100
	DefaultRetention     = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
	DefaultGracePeriod   = 5 * time.Minute
	DefaultDedupeTTL     = time.Minute
	DefaultDedupeEntries = 10_000
	DefaultMetricsPath   = "/metrics"
	minJWTSecretLength   = 32
)

// Config represents the complete h2h-gateway configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale"`
	Upstream     UpstreamConfig     `yaml:"upstream"`
	Conversation ConversationConfig `yaml:"conversation"`
	Channels     ChannelsConfig     `yaml:"channels"`
	Dedupe       DedupeConfig       `yaml:"dedupe"`
	Auth         AuthConfig         `yaml:"auth"`
	Personas     PersonasConfig     `yaml:"personas"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // serve :443 with tailnet certificates
	Funnel    bool   `yaml:"funnel"` // expose :443 publicly through Funnel
}

// UpstreamConfig describes the generation endpoint and how to authenticate
// against it. With api_base set, tokens are obtained from the identity
// endpoint using agent_id and agent_key; otherwise agent_key is sent as a
// static bearer token.
type UpstreamConfig struct {
	AgentEndpoint string `yaml:"agent_endpoint"`
	APIBase       string `yaml:"api_base"`
	AgentID       string `yaml:"agent_id"`
	AgentKey      string `yaml:"agent_key"`
	Model         string `yaml:"model"`
}

// UsesIdentityService reports whether credentials come from api_base.
func (u UpstreamConfig) UsesIdentityService() bool {
	return u.APIBase != ""
}

// ConversationConfig holds turn-taking settings
type ConversationConfig struct {
	TurnDelay time.Duration `yaml:"-"`
	Retention time.Duration `yaml:"-"`
	MaxTurns  int           `yaml:"max_turns"`

	// Raw string values for YAML unmarshaling
	TurnDelayRaw string `yaml:"turn_delay"`
	RetentionRaw string `yaml:"retention"`
}

// ChannelsConfig holds websocket channel settings
type ChannelsConfig struct {
	SweepInterval  time.Duration `yaml:"-"`
	GracePeriod    time.Duration `yaml:"-"`
	AllowedOrigins []string      `yaml:"allowed_origins"`

	SweepIntervalRaw string `yaml:"sweep_interval"`
	GracePeriodRaw   string `yaml:"grace_period"`
}

// DedupeConfig holds duplicate-signal cache settings
type DedupeConfig struct {
	TTL        time.Duration `yaml:"-"`
	MaxEntries int           `yaml:"max_entries"`

	TTLRaw string `yaml:"ttl"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// PersonasConfig points at an optional persona catalog override
type PersonasConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset values. Durations given explicitly, even "0s",
// are kept.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Upstream.Model == "" {
		c.Upstream.Model = DefaultModel
	}
	if c.Conversation.TurnDelayRaw == "" {
		c.Conversation.TurnDelay = DefaultTurnDelay
	}
	if c.Conversation.RetentionRaw == "" {
		c.Conversation.Retention = DefaultRetention
	}
	if c.Conversation.MaxTurns == 0 {
		c.Conversation.MaxTurns = DefaultMaxTurns
	}
	if c.Channels.SweepIntervalRaw == "" {
		c.Channels.SweepInterval = DefaultSweepInterval
	}
	if c.Channels.GracePeriodRaw == "" {
		c.Channels.GracePeriod = DefaultGracePeriod
	}
	if c.Dedupe.TTLRaw == "" {
		c.Dedupe.TTL = DefaultDedupeTTL
	}
	if c.Dedupe.MaxEntries == 0 {
		c.Dedupe.MaxEntries = DefaultDedupeEntries
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Upstream.AgentEndpoint == "" {
		return fmt.Errorf("upstream.agent_endpoint is required")
	}
	if err := validateHTTPURL("upstream.agent_endpoint", c.Upstream.AgentEndpoint); err != nil {
		return err
	}
	if c.Upstream.UsesIdentityService() {
		if err := validateHTTPURL("upstream.api_base", c.Upstream.APIBase); err != nil {
			return err
		}
		if c.Upstream.AgentID == "" {
			return fmt.Errorf("upstream.agent_id is required with upstream.api_base")
		}
		if _, err := uuid.Parse(c.Upstream.AgentID); err != nil {
			return fmt.Errorf("upstream.agent_id format is invalid: %w", err)
		}
		if c.Upstream.AgentKey == "" {
			return fmt.Errorf("upstream.agent_key is required with upstream.api_base")
		}
	}

	if c.Conversation.TurnDelay < 0 {
		return fmt.Errorf("conversation.turn_delay must not be negative")
	}
	if c.Conversation.MaxTurns < 0 {
		return fmt.Errorf("conversation.max_turns must not be negative")
	}
	if c.Conversation.Retention <= 0 {
		return fmt.Errorf("conversation.retention must be positive")
	}
	if c.Channels.SweepInterval <= 0 {
		return fmt.Errorf("channels.sweep_interval must be positive")
	}
	if c.Channels.GracePeriod <= 0 {
		return fmt.Errorf("channels.grace_period must be positive")
	}
	if c.Dedupe.TTL <= 0 {
		return fmt.Errorf("dedupe.ttl must be positive")
	}
	if c.Dedupe.MaxEntries < 0 {
		return fmt.Errorf("dedupe.max_entries must not be negative")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minJWTSecretLength)
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

func validateHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme", field)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"conversation.turn_delay", cfg.Conversation.TurnDelayRaw, &cfg.Conversation.TurnDelay},
		{"conversation.retention", cfg.Conversation.RetentionRaw, &cfg.Conversation.Retention},
		{"channels.sweep_interval", cfg.Channels.SweepIntervalRaw, &cfg.Channels.SweepInterval},
		{"channels.grace_period", cfg.Channels.GracePeriodRaw, &cfg.Channels.GracePeriod},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
