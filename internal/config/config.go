// Package config loads and validates the smartend configuration.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for smartend.
type Config struct {
	ListenAddr string        `mapstructure:"listen_addr"`
	LogFormat  string        `mapstructure:"log_format"`
	CORSOrigin string        `mapstructure:"cors_origin"`
	Stream     StreamConfig  `mapstructure:"stream"`
	Storage    StorageConfig `mapstructure:"storage"`
}

// StreamConfig tunes the per-province feed connections.
type StreamConfig struct {
	// BaseURL is the feed root; the canonical province name is
	// appended as the final path segment.
	BaseURL string `mapstructure:"base_url"`

	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	StaleAfter           time.Duration `mapstructure:"stale_after"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
}

// StorageConfig defines the database backend for the persisted
// aggregation state.
type StorageConfig struct {
	Driver   string         `mapstructure:"driver"` // "sqlite" or "postgres"
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig holds PostgreSQL-specific configuration.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// Load reads configuration from flag path, env vars, then default file paths.
// Precedence: flag → $SMARTEND_CONFIG env → ~/.config/smartend/config.yaml → /etc/smartend/config.yaml
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Defaults
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_format", "json")
	v.SetDefault("stream.reconnect_base_delay", "3s")
	v.SetDefault("stream.max_reconnect_attempts", 5)
	v.SetDefault("stream.stale_after", "5m")
	v.SetDefault("stream.sweep_interval", "1m")
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "smartend.db")

	// Env var support
	v.SetEnvPrefix("SMARTEND")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else if envPath := os.Getenv("SMARTEND_CONFIG"); envPath != "" {
		v.SetConfigFile(envPath)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "smartend"))
		}
		v.AddConfigPath("/etc/smartend")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the configuration is complete and correct.
func (c *Config) Validate() error {
	if c.Stream.BaseURL == "" {
		return fmt.Errorf("stream.base_url is required")
	}
	u, err := url.Parse(c.Stream.BaseURL)
	if err != nil {
		return fmt.Errorf("stream.base_url %q is not a valid URL: %w", c.Stream.BaseURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("stream.base_url scheme must be ws or wss, got %q", u.Scheme)
	}

	if c.Stream.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("stream.reconnect_base_delay must be positive")
	}
	if c.Stream.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("stream.max_reconnect_attempts must be positive")
	}
	if c.Stream.StaleAfter <= 0 {
		return fmt.Errorf("stream.stale_after must be positive")
	}
	if c.Stream.SweepInterval <= 0 {
		return fmt.Errorf("stream.sweep_interval must be positive")
	}

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required for sqlite driver")
		}
		dir := filepath.Dir(c.Storage.SQLite.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return fmt.Errorf("creating storage directory %q: %w", dir, err)
			}
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be 'sqlite' or 'postgres', got %q", c.Storage.Driver)
	}

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr %q is not a valid address: %w", c.ListenAddr, err)
	}

	return nil
}

// DSN returns the appropriate DSN for the configured storage driver.
func (c *Config) DSN() string {
	switch c.Storage.Driver {
	case "sqlite":
		return c.Storage.SQLite.Path
	case "postgres":
		return c.Storage.Postgres.DSN
	default:
		return ""
	}
}
