// Package config loads the editor's TOML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/papyruspal/papyruspal/internal/lsp"
)

// Duration is a time.Duration that unmarshals from TOML strings like
// "500ms" or "8s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration document.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Bridge  BridgeConfig  `toml:"bridge"`
	Restart RestartConfig `toml:"restart"`
	Log     LogConfig     `toml:"log"`
}

// ServerConfig names the analysis process to launch.
type ServerConfig struct {
	Command string            `toml:"command"`
	Args    []string          `toml:"args"`
	Env     map[string]string `toml:"env"`
	Root    string            `toml:"root"`
}

// BridgeConfig tunes protocol behavior.
type BridgeConfig struct {
	// Sync is "full" or "incremental".
	Sync              string   `toml:"sync"`
	RequestTimeout    Duration `toml:"request_timeout"`
	InitializeTimeout Duration `toml:"initialize_timeout"`
	ShutdownTimeout   Duration `toml:"shutdown_timeout"`
	KillDeadline      Duration `toml:"kill_deadline"`
	IncludeTextOnSave bool     `toml:"include_text_on_save"`
}

// RestartConfig bounds automatic restarts.
type RestartConfig struct {
	Enabled     bool     `toml:"enabled"`
	MaxRestarts int      `toml:"max_restarts"`
	Window      Duration `toml:"window"`
	BaseBackoff Duration `toml:"base_backoff"`
	MaxBackoff  Duration `toml:"max_backoff"`
}

// LogConfig controls diagnostic output.
type LogConfig struct {
	// Level is trace, debug, info, warn, or error.
	Level string `toml:"level"`
	// File receives log output; empty means stderr.
	File string `toml:"file"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Bridge: BridgeConfig{
			Sync:              "full",
			RequestTimeout:    Duration(8 * time.Second),
			InitializeTimeout: Duration(15 * time.Second),
			ShutdownTimeout:   Duration(5 * time.Second),
			KillDeadline:      Duration(3 * time.Second),
		},
		Restart: RestartConfig{
			Enabled:     true,
			MaxRestarts: 5,
			Window:      Duration(2 * time.Minute),
			BaseBackoff: Duration(500 * time.Millisecond),
			MaxBackoff:  Duration(15 * time.Second),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path and merges it over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work.
func (c Config) Validate() error {
	if c.Server.Command == "" {
		return fmt.Errorf("config: server.command is required")
	}
	switch c.Bridge.Sync {
	case "", "full", "incremental":
	default:
		return fmt.Errorf("config: bridge.sync must be \"full\" or \"incremental\", got %q", c.Bridge.Sync)
	}
	if c.Restart.MaxRestarts < 0 {
		return fmt.Errorf("config: restart.max_restarts must not be negative")
	}
	return nil
}

// SyncPolicy maps the configured sync mode onto the bridge's policy type.
func (c Config) SyncPolicy() lsp.SyncPolicy {
	if c.Bridge.Sync == "incremental" {
		return lsp.SyncIncremental
	}
	return lsp.SyncFull
}

// ClientConfig assembles the bridge configuration.
func (c Config) ClientConfig() lsp.ClientConfig {
	return lsp.ClientConfig{
		Session: lsp.SessionConfig{
			Launch: lsp.LaunchSpec{
				Command: c.Server.Command,
				Args:    c.Server.Args,
				Env:     c.Server.Env,
			},
			RootPath:          c.Server.Root,
			ClientName:        "papyruspal",
			InitializeTimeout: c.Bridge.InitializeTimeout.Std(),
			RequestTimeout:    c.Bridge.RequestTimeout.Std(),
			ShutdownTimeout:   c.Bridge.ShutdownTimeout.Std(),
			KillDeadline:      c.Bridge.KillDeadline.Std(),
			IncludeTextOnSave: c.Bridge.IncludeTextOnSave,
		},
		Sync: c.SyncPolicy(),
		Restart: lsp.RestartPolicy{
			Enabled:     c.Restart.Enabled,
			MaxRestarts: c.Restart.MaxRestarts,
			Window:      c.Restart.Window.Std(),
			BaseBackoff: c.Restart.BaseBackoff.Std(),
			MaxBackoff:  c.Restart.MaxBackoff.Std(),
		},
	}
}
