package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"MoltChat/internal/session"
)

const (
	DefaultAPIURL     = "http://localhost:3001"
	DefaultConfigPath = "moltchat.toml"
	DefaultStatePath  = "moltchat.db"
	DefaultLogDir     = "logs"

	EnvAPIURL = "API_URL"
	EnvDebug  = "MOLTCHAT_DEBUG"
)

// Config holds application configuration
type Config struct {
	APIURL    string `toml:"api_url"`
	StatePath string `toml:"state_path"` // SQLite file holding the user id
	LogDir    string `toml:"log_dir"`
	Debug     bool   `toml:"debug"`

	Reconnect Reconnect         `toml:"reconnect"`
	Sessions  []session.Summary `toml:"sessions"` // seed entries until the backend pushes its own
}

// Reconnect tunes the reconnection backoff
type Reconnect struct {
	DelayMS             int     `toml:"delay_ms"`
	DelayMaxMS          int     `toml:"delay_max_ms"`
	RandomizationFactor float64 `toml:"randomization_factor"`
	MaxAttempts         int     `toml:"max_attempts"` // 0 retries forever
}

// Delay returns the first reconnection delay
func (r Reconnect) Delay() time.Duration {
	return time.Duration(r.DelayMS) * time.Millisecond
}

// DelayMax returns the delay cap
func (r Reconnect) DelayMax() time.Duration {
	return time.Duration(r.DelayMaxMS) * time.Millisecond
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		APIURL:    DefaultAPIURL,
		StatePath: DefaultStatePath,
		LogDir:    DefaultLogDir,
		Reconnect: Reconnect{
			DelayMS:             1000,
			DelayMaxMS:          5000,
			RandomizationFactor: 0.5,
		},
		Sessions: []session.Summary{
			{Key: "agent:main:main", Status: session.StatusActive, Model: "claude-sonnet-4-5"},
		},
	}
}

// Load builds the configuration from defaults, the TOML file at path and
// the environment, in increasing precedence. A missing file is not an
// error unless required is set.
func Load(path string, required bool) (Config, error) {
	cfg := Default()

	if path != "" {
		// decoding into a non-empty slice would merge file entries into
		// the default ones field by field
		seed := cfg.Sessions
		cfg.Sessions = nil

		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) || required {
				return Config{}, fmt.Errorf("failed to load config %s: %w", path, err)
			}
		}
		if !md.IsDefined("sessions") {
			cfg.Sessions = seed
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvAPIURL); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv(EnvDebug); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = b
		}
	}
}

// Validate checks the configuration is usable
func (c Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return fmt.Errorf("invalid api_url %q: %w", c.APIURL, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("api_url %q must use http, https, ws or wss", c.APIURL)
	}
	if u.Host == "" {
		return fmt.Errorf("api_url %q has no host", c.APIURL)
	}

	if c.StatePath == "" {
		return fmt.Errorf("state_path cannot be empty")
	}
	if c.LogDir == "" {
		return fmt.Errorf("log_dir cannot be empty")
	}

	r := c.Reconnect
	if r.DelayMS <= 0 {
		return fmt.Errorf("reconnect.delay_ms must be positive")
	}
	if r.DelayMaxMS < r.DelayMS {
		return fmt.Errorf("reconnect.delay_max_ms must be at least delay_ms")
	}
	if r.RandomizationFactor < 0 || r.RandomizationFactor > 1 {
		return fmt.Errorf("reconnect.randomization_factor must be within [0, 1]")
	}
	if r.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts cannot be negative")
	}

	for i, s := range c.Sessions {
		if s.Key == "" {
			return fmt.Errorf("sessions[%d] has no key", i)
		}
	}
	return nil
}
