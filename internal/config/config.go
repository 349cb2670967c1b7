// Package config loads cfgvault.yaml through viper. Every key can be
// overridden by a CFGVAULT_ environment variable (database.dsn becomes
// CFGVAULT_DATABASE_DSN) or by a bound command-line flag.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/systmms/cfgvault/internal/crypto"
	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/logging"
)

const (
	// DefaultPath is used when no --config flag is given. It may be absent.
	DefaultPath = "cfgvault.yaml"
	// EnvPrefix prefixes environment overrides.
	EnvPrefix = "CFGVAULT"

	SourceEnv     = "env"
	SourceKeyring = "keyring"
)

// Config holds the runtime configuration
type Config struct {
	Path           string
	Logger         *logging.Logger
	NonInteractive bool
	// Actor is recorded on writes and audit events. Empty means $USER.
	Actor    string
	Settings *Settings

	v *viper.Viper
}

// Settings is the decoded configuration file.
type Settings struct {
	Database DatabaseConfig `mapstructure:"database"`
	Crypto   CryptoConfig   `mapstructure:"crypto"`
	Tokens   TokensConfig   `mapstructure:"tokens"`
	Backends BackendsConfig `mapstructure:"backends"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// CryptoConfig locates the master key.
type CryptoConfig struct {
	MasterKeySource string `mapstructure:"master_key_source"`
	MasterKeyEnv    string `mapstructure:"master_key_env"`
}

// TokensConfig tunes access token verification.
type TokensConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// BackendsConfig bounds calls to external stores.
type BackendsConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// AuditConfig enables the optional Kafka audit sink.
type AuditConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
}

// KafkaConfig is the audit topic. No brokers means no Kafka sink.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

var defaults = map[string]interface{}{
	"database.driver":          "sqlite",
	"database.dsn":             "cfgvault.db",
	"crypto.master_key_source": SourceEnv,
	"crypto.master_key_env":    "CFGVAULT_MASTER_KEY",
	"tokens.cache_ttl":         "30s",
	"backends.timeout":         "10s",
	"backends.max_retries":     3,
	"audit.kafka.brokers":      []string{},
	"audit.kafka.topic":        "cfgvault-audit",
	"metrics.enabled":          false,
	"metrics.address":          ":9090",
}

func (c *Config) viper() *viper.Viper {
	if c.v == nil {
		v := viper.New()
		for k, val := range defaults {
			v.SetDefault(k, val)
		}
		v.SetEnvPrefix(EnvPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
		c.v = v
	}
	return c.v
}

// BindFlag makes flag override key when the flag is set.
func (c *Config) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("no flag to bind to %s", key)
	}
	return c.viper().BindPFlag(key, flag)
}

// Load reads the configuration file, applies overrides and validates the
// result. A missing file is only an error when Path was chosen explicitly.
func (c *Config) Load() error {
	v := c.viper()
	path := c.Path
	if path == "" {
		path = DefaultPath
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		switch {
		case errors.As(err, &pathErr) && errors.Is(pathErr, os.ErrNotExist):
			if c.Path != "" && c.Path != DefaultPath {
				return cverrors.ConfigError{
					Field:      "path",
					Value:      c.Path,
					Message:    "configuration file not found",
					Suggestion: "Run 'cfgvault init' to create a new configuration file",
				}
			}
		default:
			return cverrors.ConfigError{
				Field:      "path",
				Value:      path,
				Message:    fmt.Sprintf("invalid configuration file: %v", err),
				Suggestion: "Check for indentation errors, missing quotes, or invalid characters. Use a YAML validator",
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return cverrors.ConfigError{
			Message:    fmt.Sprintf("failed to decode configuration: %v", err),
			Suggestion: "Durations take a unit such as '30s'; lists are YAML sequences",
		}
	}
	if err := s.Validate(); err != nil {
		return err
	}
	c.Settings = &s
	return nil
}

// Validate checks each section and reports the first bad field.
func (s Settings) Validate() error {
	switch s.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return cverrors.ConfigError{
			Field:      "database.driver",
			Value:      s.Database.Driver,
			Message:    "unsupported database driver",
			Suggestion: "Use one of: sqlite, postgres, mysql",
		}
	}
	if strings.TrimSpace(s.Database.DSN) == "" {
		return cverrors.ConfigError{
			Field:      "database.dsn",
			Message:    "database DSN is required",
			Suggestion: "Set database.dsn or CFGVAULT_DATABASE_DSN",
		}
	}

	switch s.Crypto.MasterKeySource {
	case SourceEnv:
		if s.Crypto.MasterKeyEnv == "" {
			return cverrors.ConfigError{
				Field:   "crypto.master_key_env",
				Message: "an environment variable name is required when the master key source is env",
			}
		}
	case SourceKeyring:
	default:
		return cverrors.ConfigError{
			Field:      "crypto.master_key_source",
			Value:      s.Crypto.MasterKeySource,
			Message:    "unknown master key source",
			Suggestion: "Use 'env' or 'keyring'",
		}
	}

	if s.Tokens.CacheTTL < 0 {
		return cverrors.ConfigError{Field: "tokens.cache_ttl", Value: s.Tokens.CacheTTL, Message: "must not be negative"}
	}
	if s.Backends.Timeout <= 0 {
		return cverrors.ConfigError{
			Field:      "backends.timeout",
			Value:      s.Backends.Timeout,
			Message:    "external store calls need a positive timeout",
			Suggestion: "Use a duration such as '10s'",
		}
	}
	if s.Backends.MaxRetries < 0 {
		return cverrors.ConfigError{Field: "backends.max_retries", Value: s.Backends.MaxRetries, Message: "must not be negative"}
	}
	if len(s.Audit.Kafka.Brokers) > 0 && s.Audit.Kafka.Topic == "" {
		return cverrors.ConfigError{
			Field:   "audit.kafka.topic",
			Message: "a topic is required when Kafka brokers are configured",
		}
	}
	if s.Metrics.Enabled && s.Metrics.Address == "" {
		return cverrors.ConfigError{Field: "metrics.address", Message: "an address is required when metrics are enabled"}
	}
	return nil
}

// ActorName returns the configured actor, the login name, or "cli".
func (c *Config) ActorName() string {
	if c.Actor != "" {
		return c.Actor
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

// MasterKey loads the key named by the crypto section.
func (s Settings) MasterKey() ([]byte, error) {
	if s.Crypto.MasterKeySource == SourceKeyring {
		return crypto.MasterKeyFromKeyring()
	}
	return crypto.MasterKeyFromEnv(s.Crypto.MasterKeyEnv)
}
