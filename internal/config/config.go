// ABOUTME: Configuration loading and parsing for coven-control
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MinJWTSecretLength mirrors the HS256 minimum enforced by the auth package.
const MinJWTSecretLength = 32

// Generator providers.
const (
	ProviderPassthrough = "passthrough"
	ProviderGemini      = "gemini"
)

// Config represents the complete coven-control configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" toml:"server"`
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Auth          AuthConfig          `yaml:"auth" toml:"auth"`
	Agents        AgentsConfig        `yaml:"agents" toml:"agents"`
	RateLimits    RateLimitsConfig    `yaml:"rate_limits" toml:"rate_limits"`
	Scheduler     SchedulerConfig     `yaml:"scheduler" toml:"scheduler"`
	Generator     GeneratorConfig     `yaml:"generator" toml:"generator"`
	Guardrails    GuardrailsConfig    `yaml:"guardrails" toml:"guardrails"`
	Notifications NotificationsConfig `yaml:"notifications" toml:"notifications"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr    string `yaml:"http_addr" toml:"http_addr"`
	TLSCertFile string `yaml:"tls_cert_file" toml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file" toml:"tls_key_file"`
}

// TLSEnabled reports whether both halves of a key pair are configured.
func (s ServerConfig) TLSEnabled() bool {
	return s.TLSCertFile != "" && s.TLSKeyFile != ""
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret" toml:"jwt_secret"`
	AgentToken       string `yaml:"agent_token" toml:"agent_token"`
	AgentTokenBcrypt string `yaml:"agent_token_bcrypt" toml:"agent_token_bcrypt"`
}

// AgentsConfig holds agent connection and liveness configuration
type AgentsConfig struct {
	RequireConfirmation bool    `yaml:"require_confirmation" toml:"require_confirmation"`
	MaxMessageSize      int64   `yaml:"max_message_size" toml:"max_message_size"`
	MessageRate         float64 `yaml:"message_rate" toml:"message_rate"`
	MessageBurst        int     `yaml:"message_burst" toml:"message_burst"`

	LivenessThreshold time.Duration `yaml:"-" toml:"-"`
	SweepInterval     time.Duration `yaml:"-" toml:"-"`
	PingInterval      time.Duration `yaml:"-" toml:"-"`
	WriteTimeout      time.Duration `yaml:"-" toml:"-"`
	ReadTimeout       time.Duration `yaml:"-" toml:"-"`
	ResultDedupeTTL   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	LivenessThresholdRaw string `yaml:"liveness_threshold" toml:"liveness_threshold"`
	SweepIntervalRaw     string `yaml:"sweep_interval" toml:"sweep_interval"`
	PingIntervalRaw      string `yaml:"ping_interval" toml:"ping_interval"`
	WriteTimeoutRaw      string `yaml:"write_timeout" toml:"write_timeout"`
	ReadTimeoutRaw       string `yaml:"read_timeout" toml:"read_timeout"`
	ResultDedupeTTLRaw   string `yaml:"result_dedupe_ttl" toml:"result_dedupe_ttl"`
}

// RateLimit is a sliding-window admission budget.
type RateLimit struct {
	MaxRequests int           `yaml:"max_requests" toml:"max_requests"`
	Window      time.Duration `yaml:"-" toml:"-"`
	WindowRaw   string        `yaml:"window" toml:"window"`
}

// RateLimitsConfig holds the per-route-class budgets
type RateLimitsConfig struct {
	Command RateLimit `yaml:"command" toml:"command"`
	API     RateLimit `yaml:"api" toml:"api"`
	Auth    RateLimit `yaml:"auth" toml:"auth"`
}

// SchedulerConfig holds recurring task configuration
type SchedulerConfig struct {
	// IntervalUnit is the length of one task interval minute.
	IntervalUnit    time.Duration `yaml:"-" toml:"-"`
	IntervalUnitRaw string        `yaml:"interval_unit" toml:"interval_unit"`
}

// GeneratorConfig selects how prompts become commands
type GeneratorConfig struct {
	Provider           string `yaml:"provider" toml:"provider"`
	BaseURL            string `yaml:"base_url" toml:"base_url"`
	APIKey             string `yaml:"api_key" toml:"api_key"`
	Model              string `yaml:"model" toml:"model"`
	BreakerMaxFailures uint32 `yaml:"breaker_max_failures" toml:"breaker_max_failures"`

	Timeout        time.Duration `yaml:"-" toml:"-"`
	BreakerTimeout time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw        string `yaml:"timeout" toml:"timeout"`
	BreakerTimeoutRaw string `yaml:"breaker_timeout" toml:"breaker_timeout"`
}

// GuardrailsConfig holds the command policy
type GuardrailsConfig struct {
	MaxLength       int      `yaml:"max_length" toml:"max_length"`
	BlockedKeywords []string `yaml:"blocked_keywords" toml:"blocked_keywords"`
	AllowedCommands []string `yaml:"allowed_commands" toml:"allowed_commands"`
}

// NotificationsConfig holds event hub limits
type NotificationsConfig struct {
	KeepLast       int `yaml:"keep_last" toml:"keep_last"`
	MaxSubscribers int `yaml:"max_subscribers" toml:"max_subscribers"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a Config with every optional field populated.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: "localhost:3000"},
		Database: DatabaseConfig{Path: "coven-control.db"},
		Agents: AgentsConfig{
			MaxMessageSize:    1 << 20,
			MessageRate:       20,
			MessageBurst:      40,
			LivenessThreshold: 30 * time.Second,
			SweepInterval:     10 * time.Second,
			PingInterval:      20 * time.Second,
			WriteTimeout:      10 * time.Second,
			ReadTimeout:       90 * time.Second,
			ResultDedupeTTL:   10 * time.Minute,
		},
		RateLimits: RateLimitsConfig{
			Command: RateLimit{MaxRequests: 10, Window: time.Minute},
			API:     RateLimit{MaxRequests: 100, Window: time.Minute},
			Auth:    RateLimit{MaxRequests: 5, Window: 5 * time.Minute},
		},
		Scheduler: SchedulerConfig{IntervalUnit: time.Minute},
		Generator: GeneratorConfig{
			Provider:           ProviderPassthrough,
			Model:              "gemini-2.5-flash",
			Timeout:            30 * time.Second,
			BreakerMaxFailures: 5,
			BreakerTimeout:     30 * time.Second,
		},
		Guardrails:    GuardrailsConfig{MaxLength: 500},
		Notifications: NotificationsConfig{KeepLast: 1000, MaxSubscribers: 32},
		Logging:       LoggingConfig{Level: "info", Format: "text"},
	}
}

// DefaultPath returns the config file location.
// Priority: COVEN_CONTROL_CONFIG env var > XDG_CONFIG_HOME/coven/control.yaml > ~/.config/coven/control.yaml
func DefaultPath() string {
	if envPath := os.Getenv("COVEN_CONTROL_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "control.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "control.yaml")
}

// Load reads a configuration file from the given path and overlays it on Default().
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	return Parse(data, format)
}

// Parse decodes raw config content in the given format ("yaml" or "toml").
func Parse(data []byte, format string) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	switch format {
	case "toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case "yaml", "":
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns every validation failure joined together.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.HTTPAddr == "" {
		fail("server.http_addr is required")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		fail("server.tls_cert_file and server.tls_key_file must be set together")
	}

	if c.Database.Path == "" {
		fail("database.path is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < MinJWTSecretLength {
		fail("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}

	for name, d := range map[string]time.Duration{
		"agents.liveness_threshold": c.Agents.LivenessThreshold,
		"agents.sweep_interval":     c.Agents.SweepInterval,
		"agents.ping_interval":      c.Agents.PingInterval,
		"agents.write_timeout":      c.Agents.WriteTimeout,
		"agents.read_timeout":       c.Agents.ReadTimeout,
		"agents.result_dedupe_ttl":  c.Agents.ResultDedupeTTL,
		"scheduler.interval_unit":   c.Scheduler.IntervalUnit,
		"generator.timeout":         c.Generator.Timeout,
	} {
		if d <= 0 {
			fail("%s must be positive", name)
		}
	}
	if c.Agents.ReadTimeout > 0 && c.Agents.PingInterval >= c.Agents.ReadTimeout {
		fail("agents.ping_interval must be shorter than agents.read_timeout")
	}
	if c.Agents.MaxMessageSize <= 0 {
		fail("agents.max_message_size must be positive")
	}
	if c.Agents.MessageRate < 0 {
		fail("agents.message_rate cannot be negative")
	}

	for name, rl := range map[string]RateLimit{
		"rate_limits.command": c.RateLimits.Command,
		"rate_limits.api":     c.RateLimits.API,
		"rate_limits.auth":    c.RateLimits.Auth,
	} {
		if rl.MaxRequests < 1 {
			fail("%s.max_requests must be at least 1", name)
		}
		if rl.Window <= 0 {
			fail("%s.window must be positive", name)
		}
	}

	switch c.Generator.Provider {
	case ProviderPassthrough:
	case ProviderGemini:
		if c.Generator.APIKey == "" {
			fail("generator.api_key is required for the gemini provider")
		}
		if c.Generator.Model == "" {
			fail("generator.model is required for the gemini provider")
		}
	default:
		fail("generator.provider must be %q or %q, got %q", ProviderPassthrough, ProviderGemini, c.Generator.Provider)
	}

	if c.Guardrails.MaxLength < 0 {
		fail("guardrails.max_length cannot be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		fail("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		fail("logging.format must be text or json")
	}

	return errors.Join(errs...)
}

type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"agents.liveness_threshold", cfg.Agents.LivenessThresholdRaw, &cfg.Agents.LivenessThreshold},
		{"agents.sweep_interval", cfg.Agents.SweepIntervalRaw, &cfg.Agents.SweepInterval},
		{"agents.ping_interval", cfg.Agents.PingIntervalRaw, &cfg.Agents.PingInterval},
		{"agents.write_timeout", cfg.Agents.WriteTimeoutRaw, &cfg.Agents.WriteTimeout},
		{"agents.read_timeout", cfg.Agents.ReadTimeoutRaw, &cfg.Agents.ReadTimeout},
		{"agents.result_dedupe_ttl", cfg.Agents.ResultDedupeTTLRaw, &cfg.Agents.ResultDedupeTTL},
		{"rate_limits.command.window", cfg.RateLimits.Command.WindowRaw, &cfg.RateLimits.Command.Window},
		{"rate_limits.api.window", cfg.RateLimits.API.WindowRaw, &cfg.RateLimits.API.Window},
		{"rate_limits.auth.window", cfg.RateLimits.Auth.WindowRaw, &cfg.RateLimits.Auth.Window},
		{"scheduler.interval_unit", cfg.Scheduler.IntervalUnitRaw, &cfg.Scheduler.IntervalUnit},
		{"generator.timeout", cfg.Generator.TimeoutRaw, &cfg.Generator.Timeout},
		{"generator.breaker_timeout", cfg.Generator.BreakerTimeoutRaw, &cfg.Generator.BreakerTimeout},
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

// Sample renders a commented YAML config with the given listener, database path and secrets.
func Sample(httpAddr, dbPath, jwtSecret, agentToken string) string {
	return fmt.Sprintf(`# coven-control configuration

server:
  http_addr: %q
  # tls_cert_file: "/etc/coven/server-cert.pem"
  # tls_key_file: "/etc/coven/server-key.pem"

database:
  path: %q

auth:
  jwt_secret: %q
  agent_token: %q
  # agent_token_bcrypt: "<output of coven-control hash-token>"

agents:
  require_confirmation: false
  liveness_threshold: "30s"
  sweep_interval: "10s"
  ping_interval: "20s"
  read_timeout: "90s"
  write_timeout: "10s"
  result_dedupe_ttl: "10m"
  max_message_size: 1048576
  message_rate: 20
  message_burst: 40

rate_limits:
  command: { max_requests: 10, window: "1m" }
  api: { max_requests: 100, window: "1m" }
  auth: { max_requests: 5, window: "5m" }

scheduler:
  interval_unit: "1m"

generator:
  provider: "passthrough" # or gemini
  # api_key: "${GEMINI_API_KEY}"
  model: "gemini-2.5-flash"
  timeout: "30s"
  breaker_max_failures: 5
  breaker_timeout: "30s"

guardrails:
  max_length: 500
  blocked_keywords: []
  allowed_commands: []

notifications:
  keep_last: 1000
  max_subscribers: 32

logging:
  level: "info"  # debug, info, warn, error
  format: "text" # text, json
`, httpAddr, dbPath, jwtSecret, agentToken)
}
