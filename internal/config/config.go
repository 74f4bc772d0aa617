// Package config loads service configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Evidence  EvidenceConfig  `mapstructure:"evidence"`
	Citations CitationsConfig `mapstructure:"citations"`
	Gate      GateConfig      `mapstructure:"gate"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Router    RouterConfig    `mapstructure:"router"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type ServiceConfig struct {
	HTTPPort    int `mapstructure:"http_port"`
	MetricsPort int `mapstructure:"metrics_port"`
	HealthPort  int `mapstructure:"health_port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type EvidenceConfig struct {
	QuoteMaxLen int    `mapstructure:"quote_max_len"`
	SQLDriver   string `mapstructure:"sql_driver"` // empty disables the SQL mirror
	SQLDSN      string `mapstructure:"sql_dsn"`
}

type CitationsConfig struct {
	RelevanceThreshold float64 `mapstructure:"relevance_threshold"`
}

type GateConfig struct {
	RequireCitations    bool    `mapstructure:"require_citations"`
	RequireLocators     bool    `mapstructure:"require_locators"`
	MinEvidenceCoverage float64 `mapstructure:"min_evidence_coverage"`
	RulesPath           string  `mapstructure:"rules_path"` // empty uses built-in rules
}

type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Jitter       bool          `mapstructure:"jitter"`
	MaxRetries   int           `mapstructure:"max_retries"`
	CostLimitUSD float64       `mapstructure:"cost_limit_usd"`
}

type PolicyConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Mode       string `mapstructure:"mode"`
	Path       string `mapstructure:"path"`
	FailClosed bool   `mapstructure:"fail_closed"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"` // empty disables the retry ledger
	Password string        `mapstructure:"password"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type RouterConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
	RPM      int           `mapstructure:"rpm"`
}

type AuthConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.http_port", 8080)
	v.SetDefault("service.metrics_port", 2112)
	v.SetDefault("service.health_port", 8081)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("evidence.quote_max_len", 280)
	v.SetDefault("citations.relevance_threshold", 0.08)
	v.SetDefault("gate.require_citations", true)
	v.SetDefault("gate.require_locators", false)
	v.SetDefault("gate.min_evidence_coverage", 0.0)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.jitter", true)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.cost_limit_usd", 5.0)
	v.SetDefault("policy.mode", "off")
	v.SetDefault("redis.ttl", 24*time.Hour)
	v.SetDefault("router.endpoint", "http://localhost:8500")
	v.SetDefault("router.timeout", 120*time.Second)
	v.SetDefault("router.rpm", 0)
	v.SetDefault("auth.token_ttl", time.Hour)
	v.SetDefault("tracing.service_name", "groundgate")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
}

// Load reads configuration from path, or from GROUNDGATE_CONFIG when path
// is empty. A missing file is not an error; defaults and environment
// variables (GROUNDGATE_ prefix, dots as underscores) still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GROUNDGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("GROUNDGATE_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(underlying(err)) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func underlying(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok && u.Unwrap() != nil {
		return u.Unwrap()
	}
	return err
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Citations.RelevanceThreshold < 0 || c.Citations.RelevanceThreshold > 1 {
		return fmt.Errorf("citations.relevance_threshold must be in [0,1], got %v", c.Citations.RelevanceThreshold)
	}
	if c.Gate.MinEvidenceCoverage < 0 || c.Gate.MinEvidenceCoverage > 1 {
		return fmt.Errorf("gate.min_evidence_coverage must be in [0,1], got %v", c.Gate.MinEvidenceCoverage)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelay > c.Retry.MaxDelay {
		return fmt.Errorf("retry.base_delay %v exceeds retry.max_delay %v", c.Retry.BaseDelay, c.Retry.MaxDelay)
	}
	switch c.Policy.Mode {
	case "off", "dry-run", "enforce":
	default:
		return fmt.Errorf("policy.mode must be off, dry-run or enforce, got %q", c.Policy.Mode)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}
	return nil
}
