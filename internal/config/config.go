// Package config loads opsdeck settings.
//
// Config is stored at $XDG_CONFIG_HOME/opsdeck/config.yaml (defaults to
// ~/.config/opsdeck/config.yaml). A missing file yields the defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TokenEnv overrides the engine token from the file.
const TokenEnv = "OPSDECK_ENGINE_TOKEN"

// Defaults.
const (
	DefaultListen       = "127.0.0.1:7466"
	DefaultEngineURL    = "http://127.0.0.1:54321/functions/v1"
	DefaultPollInterval = 2500 * time.Millisecond
	DefaultLogLevel     = "info"
)

// Config holds daemon and client settings.
type Config struct {
	// Listen is the daemon's HTTP address. Clients derive the API URL from it.
	Listen string `yaml:"listen"`
	// DBPath is the local SQLite database.
	DBPath string `yaml:"db_path"`
	Engine Engine `yaml:"engine"`
	// PollInterval is the delay between order fetches.
	PollInterval time.Duration `yaml:"poll_interval"`
	Log          Log           `yaml:"log"`
}

// Engine locates the edge proxies of the orders engine.
type Engine struct {
	// URL is the base the proxy names are appended to.
	URL   string `yaml:"url"`
	Token string `yaml:"token,omitempty"`
}

// Log configures the zap logger.
type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:       DefaultListen,
		DBPath:       DefaultDBPath(),
		Engine:       Engine{URL: DefaultEngineURL},
		PollInterval: DefaultPollInterval,
		Log:          Log{Level: DefaultLogLevel},
	}
}

// Dir returns the config directory. It respects XDG_CONFIG_HOME, falling back
// to ~/.config/opsdeck.
func Dir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "opsdeck")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "opsdeck")
}

// Path returns the config file location.
func Path() string {
	return filepath.Join(Dir(), "config.yaml")
}

// DefaultDBPath places the database next to the config file.
func DefaultDBPath() string {
	return filepath.Join(Dir(), "opsdeck.db")
}

// LoadFile reads a config file over the defaults and applies the environment.
// A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if tok := os.Getenv(TokenEnv); tok != "" {
		cfg.Engine.Token = tok
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the config.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return errors.New("listen address is required")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New("db_path is required")
	}
	if !strings.HasPrefix(c.Engine.URL, "http://") && !strings.HasPrefix(c.Engine.URL, "https://") {
		return fmt.Errorf("engine url %q must be http or https", c.Engine.URL)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

// APIURL is the base URL clients use to reach the daemon.
func (c *Config) APIURL() string {
	return "http://" + c.Listen
}

// Save writes the config to path, creating directories as needed. The token
// is written only if it did not come from the environment.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	out := *c
	if os.Getenv(TokenEnv) != "" {
		out.Engine.Token = ""
	}
	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
