// Package config loads server, client and logging settings from a file and
// CHATSOCK_* environment variables.
package config

import (
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g. CHATSOCK_SERVER_ADDR.
const EnvPrefix = "CHATSOCK"

var (
	// ErrConfigNotFound is returned when an explicit config file does not exist.
	ErrConfigNotFound = errors.New("config file not found")
	// ErrConfigReadFailed is returned when a config file cannot be parsed.
	ErrConfigReadFailed = errors.New("config read failed")
	// ErrInvalidConfig is returned when a loaded value is out of range.
	ErrInvalidConfig = errors.New("invalid config")
)

// Config is the full set of settings.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Client ClientConfig `mapstructure:"client"`
	Log    LogConfig    `mapstructure:"log"`
}

// ServerConfig configures cmd/chatserver.
type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	MaxMessageSize int           `mapstructure:"max_message_size"`
	SniffTimeout   time.Duration `mapstructure:"sniff_timeout"`
	ShutdownNotice string        `mapstructure:"shutdown_notice"`
}

// ClientConfig configures cmd/chatclient.
type ClientConfig struct {
	Addr      string `mapstructure:"addr"`
	WebSocket bool   `mapstructure:"websocket"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// LogConfig configures internal/logging.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

var defaults = map[string]any{
	"server.addr":             ":9000",
	"server.drain_timeout":    "0s",
	"server.idle_timeout":     "0s",
	"server.max_message_size": 1 << 20,
	"server.sniff_timeout":    "5s",
	"server.shutdown_notice":  "",

	"client.addr":      "127.0.0.1:9000",
	"client.websocket": false,
	"client.username":  "",
	"client.password":  "",

	"log.level":       "info",
	"log.format":      "console",
	"log.file":        "",
	"log.max_size":    100,
	"log.max_backups": 10,
	"log.max_age":     30,
	"log.compress":    false,
}

// Load reads path, if not empty, on top of the defaults and applies
// environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || isNotExist(err) {
				return nil, fmt.Errorf("%w: %w", ErrConfigNotFound, err)
			}
			return nil, fmt.Errorf("%w: %w", ErrConfigReadFailed, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigReadFailed, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.Server.Addr == "":
		return errors.Wrap(ErrInvalidConfig, "server.addr is empty")
	case c.Server.DrainTimeout < 0:
		return errors.Wrap(ErrInvalidConfig, "server.drain_timeout is negative")
	case c.Server.IdleTimeout < 0:
		return errors.Wrap(ErrInvalidConfig, "server.idle_timeout is negative")
	case c.Server.MaxMessageSize < 0:
		return errors.Wrap(ErrInvalidConfig, "server.max_message_size is negative")
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return errors.Wrapf(ErrInvalidConfig, "log.format %q", c.Log.Format)
	}
	return nil
}

// viper reports a missing explicit file as a plain fs error.
func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
