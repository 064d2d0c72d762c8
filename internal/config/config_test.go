package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "moltchat.toml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if cfg.APIURL != DefaultAPIURL {
		t.Errorf("APIURL = %q, want %q", cfg.APIURL, DefaultAPIURL)
	}
	if cfg.Reconnect.Delay() != time.Second || cfg.Reconnect.DelayMax() != 5*time.Second {
		t.Errorf("reconnect delays = %v, %v", cfg.Reconnect.Delay(), cfg.Reconnect.DelayMax())
	}
	if cfg.Reconnect.MaxAttempts != 0 {
		t.Errorf("MaxAttempts = %d, want 0 (unlimited)", cfg.Reconnect.MaxAttempts)
	}
	if len(cfg.Sessions) != 1 || cfg.Sessions[0].Key != "agent:main:main" {
		t.Errorf("Sessions = %+v", cfg.Sessions)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv(EnvAPIURL, "")
	path := filepath.Join(t.TempDir(), "absent.toml")

	cfg, err := Load(path, false)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIURL != DefaultAPIURL || len(cfg.Sessions) != 1 {
		t.Errorf("Load() = %+v, want defaults", cfg)
	}

	if _, err := Load(path, true); err == nil {
		t.Error("Load() of missing required file expected error")
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv(EnvAPIURL, "")
	t.Setenv(EnvDebug, "")
	path := writeConfig(t, `
api_url = "https://bot.example.com"
state_path = "/tmp/state.db"
debug = true

[reconnect]
delay_ms = 250
delay_max_ms = 2000
max_attempts = 10

[[sessions]]
key = "agent:ops:1"
status = "idle"
`)

	cfg, err := Load(path, true)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIURL != "https://bot.example.com" || cfg.StatePath != "/tmp/state.db" || !cfg.Debug {
		t.Errorf("Load() = %+v", cfg)
	}
	if cfg.LogDir != DefaultLogDir {
		t.Errorf("LogDir = %q, want default kept", cfg.LogDir)
	}
	if cfg.Reconnect.DelayMS != 250 || cfg.Reconnect.DelayMaxMS != 2000 || cfg.Reconnect.MaxAttempts != 10 {
		t.Errorf("Reconnect = %+v", cfg.Reconnect)
	}
	if cfg.Reconnect.RandomizationFactor != 0.5 {
		t.Errorf("RandomizationFactor = %v, want default kept", cfg.Reconnect.RandomizationFactor)
	}
	if len(cfg.Sessions) != 1 || cfg.Sessions[0].Key != "agent:ops:1" || cfg.Sessions[0].Model != "" {
		t.Errorf("Sessions = %+v, want file entries only", cfg.Sessions)
	}
}

func TestLoadBadFile(t *testing.T) {
	path := writeConfig(t, `api_url = [not toml`)
	if _, err := Load(path, false); err == nil {
		t.Error("Load() of malformed file expected error")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `api_url = "http://from-file:1"`)
	t.Setenv(EnvAPIURL, "http://from-env:2")
	t.Setenv(EnvDebug, "true")

	cfg, err := Load(path, true)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIURL != "http://from-env:2" {
		t.Errorf("APIURL = %q, want env value", cfg.APIURL)
	}
	if !cfg.Debug {
		t.Error("Debug = false, want env value")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "bad scheme", mutate: func(c *Config) { c.APIURL = "ftp://host" }, errMsg: "must use"},
		{name: "no host", mutate: func(c *Config) { c.APIURL = "http://" }, errMsg: "no host"},
		{name: "unparsable", mutate: func(c *Config) { c.APIURL = "::" }, errMsg: "invalid api_url"},
		{name: "no state path", mutate: func(c *Config) { c.StatePath = "" }, errMsg: "state_path"},
		{name: "no log dir", mutate: func(c *Config) { c.LogDir = "" }, errMsg: "log_dir"},
		{name: "zero delay", mutate: func(c *Config) { c.Reconnect.DelayMS = 0 }, errMsg: "delay_ms"},
		{name: "max below min", mutate: func(c *Config) { c.Reconnect.DelayMaxMS = 10 }, errMsg: "delay_max_ms"},
		{name: "jitter too big", mutate: func(c *Config) { c.Reconnect.RandomizationFactor = 1.5 }, errMsg: "randomization_factor"},
		{name: "negative attempts", mutate: func(c *Config) { c.Reconnect.MaxAttempts = -1 }, errMsg: "max_attempts"},
		{name: "keyless session", mutate: func(c *Config) { c.Sessions[0].Key = "" }, errMsg: "sessions[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.errMsg)
			}
		})
	}
}
