// Package config loads tokend configuration from a YAML file, TOKEND_*
// environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nllm/tokend/internal/logging"
)

// EnvPrefix is the prefix of environment variables that override config keys.
// TOKEND_AUTH_SESSION_SECRET sets auth.session_secret.
const EnvPrefix = "TOKEND"

// Config is the complete tokend configuration. Durations are kept as strings
// ("30s", "1h") so that they round-trip through YAML unchanged.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Auth     AuthConfig     `mapstructure:"auth" yaml:"auth"`
	Tokens   TokensConfig   `mapstructure:"tokens" yaml:"tokens"`
	Usage    UsageConfig    `mapstructure:"usage" yaml:"usage"`
	MCP      MCPConfig      `mapstructure:"mcp" yaml:"mcp"`
	Logging  logging.Config `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string   `mapstructure:"host" yaml:"host"`
	Port            int      `mapstructure:"port" yaml:"port"`
	BaseURL         string   `mapstructure:"base_url" yaml:"base_url"`
	ShutdownTimeout string   `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORSOrigins     []string `mapstructure:"cors_origins" yaml:"cors_origins"`
	MaxBodySize     int64    `mapstructure:"max_body_size" yaml:"max_body_size"`
	IPRateLimit     int      `mapstructure:"ip_rate_limit" yaml:"ip_rate_limit"`
	// TrustProxyHeaders honours X-Forwarded-For/X-Real-IP for the client
	// address. Leave off unless a proxy in front rewrites them.
	TrustProxyHeaders bool `mapstructure:"trust_proxy_headers" yaml:"trust_proxy_headers"`
}

// DatabaseConfig selects the credential store.
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver" yaml:"driver"`
	DSN          string `mapstructure:"dsn" yaml:"dsn"`
	DataDir      string `mapstructure:"data_dir" yaml:"data_dir"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
}

// AuthConfig configures interactive session validation. There is no
// built-in secret: it must be provided.
type AuthConfig struct {
	SessionSecret string `mapstructure:"session_secret" yaml:"session_secret"`
	SessionTTL    string `mapstructure:"session_ttl" yaml:"session_ttl"`
}

// TokensConfig bounds personal token issuance.
type TokensConfig struct {
	MaxActivePerOwner int    `mapstructure:"max_active_per_owner" yaml:"max_active_per_owner"`
	IssueRateLimit    int    `mapstructure:"issue_rate_limit" yaml:"issue_rate_limit"`
	IssueRateWindow   string `mapstructure:"issue_rate_window" yaml:"issue_rate_window"`
	RateLimitBackend  string `mapstructure:"rate_limit_backend" yaml:"rate_limit_backend"` // memory or sql
}

// UsageConfig controls asynchronous usage recording.
type UsageConfig struct {
	Workers      int    `mapstructure:"workers" yaml:"workers"`
	QueueSize    int    `mapstructure:"queue_size" yaml:"queue_size"`
	RetryBackoff string `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	WriteTimeout string `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// MCPConfig controls the MCP endpoint mounted on the HTTP server.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Defaults returns a Config pre-filled with sensible defaults.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			CORSOrigins:     []string{"*"},
			MaxBodySize:     1 << 20,
			IPRateLimit:     600,
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			MaxOpenConns: 10,
		},
		Auth: AuthConfig{
			SessionTTL: "1h",
		},
		Tokens: TokensConfig{
			MaxActivePerOwner: 10,
			IssueRateLimit:    5,
			IssueRateWindow:   "1h",
			RateLimitBackend:  "sql",
		},
		Usage: UsageConfig{
			Workers:      2,
			QueueSize:    1024,
			RetryBackoff: "100ms",
			WriteTimeout: "5s",
		},
		MCP: MCPConfig{
			Enabled: true,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
	}
}

// SetDefaults registers every key with its default on v and enables
// TOKEND_* environment overrides. Keys must be registered for environment
// variables to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	set := map[string]interface{}{
		"server.host":                 d.Server.Host,
		"server.port":                 d.Server.Port,
		"server.base_url":             d.Server.BaseURL,
		"server.shutdown_timeout":     d.Server.ShutdownTimeout,
		"server.cors_origins":         d.Server.CORSOrigins,
		"server.max_body_size":        d.Server.MaxBodySize,
		"server.ip_rate_limit":        d.Server.IPRateLimit,
		"server.trust_proxy_headers":  d.Server.TrustProxyHeaders,
		"database.driver":             d.Database.Driver,
		"database.dsn":                d.Database.DSN,
		"database.data_dir":           d.Database.DataDir,
		"database.max_open_conns":     d.Database.MaxOpenConns,
		"auth.session_secret":         d.Auth.SessionSecret,
		"auth.session_ttl":            d.Auth.SessionTTL,
		"tokens.max_active_per_owner": d.Tokens.MaxActivePerOwner,
		"tokens.issue_rate_limit":     d.Tokens.IssueRateLimit,
		"tokens.issue_rate_window":    d.Tokens.IssueRateWindow,
		"tokens.rate_limit_backend":   d.Tokens.RateLimitBackend,
		"usage.workers":               d.Usage.Workers,
		"usage.queue_size":            d.Usage.QueueSize,
		"usage.retry_backoff":         d.Usage.RetryBackoff,
		"usage.write_timeout":         d.Usage.WriteTimeout,
		"mcp.enabled":                 d.MCP.Enabled,
		"logging.level":               d.Logging.Level,
		"logging.format":              d.Logging.Format,
		"logging.output":              d.Logging.Output,
	}
	for k, val := range set {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes the effective configuration held by v. Call SetDefaults on v
// first. The result is not validated; see Validate.
func Load(v *viper.Viper) (*Config, error) {
	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// MinSessionSecretLen mirrors the session validator's minimum key length.
const MinSessionSecretLen = 32

// Validate reports every problem with c at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q must be sqlite, postgres or mysql", c.Database.Driver))
	}
	if c.Database.Driver != "sqlite" && c.Database.DSN == "" {
		errs = append(errs, fmt.Errorf("database.dsn is required for %s", c.Database.Driver))
	}
	if len(c.Auth.SessionSecret) < MinSessionSecretLen {
		errs = append(errs, fmt.Errorf("auth.session_secret must be at least %d bytes (set %s_AUTH_SESSION_SECRET)",
			MinSessionSecretLen, EnvPrefix))
	}
	if c.Tokens.MaxActivePerOwner < 0 {
		errs = append(errs, errors.New("tokens.max_active_per_owner must not be negative"))
	}
	if c.Tokens.IssueRateLimit < 0 {
		errs = append(errs, errors.New("tokens.issue_rate_limit must not be negative"))
	}
	switch c.Tokens.RateLimitBackend {
	case "memory", "sql":
	default:
		errs = append(errs, fmt.Errorf("tokens.rate_limit_backend %q must be memory or sql", c.Tokens.RateLimitBackend))
	}
	if c.Usage.Workers < 0 || c.Usage.QueueSize < 0 {
		errs = append(errs, errors.New("usage.workers and usage.queue_size must not be negative"))
	}

	for key, val := range map[string]string{
		"server.shutdown_timeout":  c.Server.ShutdownTimeout,
		"auth.session_ttl":         c.Auth.SessionTTL,
		"tokens.issue_rate_window": c.Tokens.IssueRateWindow,
		"usage.retry_backoff":      c.Usage.RetryBackoff,
		"usage.write_timeout":      c.Usage.WriteTimeout,
	} {
		if d, err := time.ParseDuration(val); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s %q is not a positive duration", key, val))
		}
	}

	return errors.Join(errs...)
}

// Duration parses s, returning def when s is empty or invalid.
func Duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
