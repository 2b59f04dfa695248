// Package config loads bridge configuration from a TOML file with
// environment overrides. A missing file is not an error; every field has
// a working default.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pelletier/go-toml/v2"

	"github.com/pylight/pybridge/internal/launch"
	"github.com/pylight/pybridge/internal/log"
	"github.com/pylight/pybridge/internal/protocol"
	"github.com/pylight/pybridge/internal/watch"
)

// DefaultFileName is the config file looked up in the workspace root.
const DefaultFileName = "pybridge.toml"

// Config is the root configuration.
type Config struct {
	Server ServerConfig `toml:"server"`
	Watch  WatchConfig  `toml:"watch"`
	Index  IndexConfig  `toml:"index"`
	Trace  TraceConfig  `toml:"trace"`
	Log    LogConfig    `toml:"log"`
}

// ServerConfig describes the analysis server executable.
type ServerConfig struct {
	// Path to the server binary, absolute or relative to the bridge
	// executable.
	Path string `toml:"path"`

	// FollowLinks makes the server follow symbolic links while scanning.
	FollowLinks bool `toml:"follow_links"`

	// SymbolFile preloads a previously saved symbol table.
	SymbolFile string `toml:"symbol_file"`

	// Port switches the connection to TCP on localhost.
	Port int `toml:"port"`
}

// WatchConfig mirrors the watch spec.
type WatchConfig struct {
	Pattern      string `toml:"pattern"`
	IgnoreCreate bool   `toml:"ignore_create"`
	IgnoreChange bool   `toml:"ignore_change"`
	IgnoreDelete bool   `toml:"ignore_delete"`
}

// IndexConfig controls what the server indexes.
type IndexConfig struct {
	// Exclude patterns shared by the server and the watch policy.
	Exclude []string `toml:"exclude"`
}

// TraceConfig controls protocol tracing.
type TraceConfig struct {
	// Level is off, messages, or verbose.
	Level string `toml:"level"`
}

// LogConfig controls the log sink.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	spec := watch.DefaultSpec()
	return &Config{
		Server: ServerConfig{
			Path: launch.DefaultServerPath,
		},
		Watch: WatchConfig{
			Pattern:      spec.Pattern,
			IgnoreCreate: spec.IgnoreCreate,
			IgnoreChange: spec.IgnoreChange,
			IgnoreDelete: spec.IgnoreDelete,
		},
		Index: IndexConfig{
			Exclude: []string{"**/.venv/**", "**/venv/**", "**/.env/**", "**/env/**"},
		},
		Trace: TraceConfig{Level: string(protocol.TraceOff)},
		Log:   LogConfig{Level: "info", Format: string(log.FormatText)},
	}
}

// Load reads the file at path on top of the defaults, then applies
// environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults apply.
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers environment variables over the file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("PYBRIDGE_SERVER_PATH"); v != "" {
		c.Server.Path = v
	}
	if v := os.Getenv("PYBRIDGE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("PYBRIDGE_TRACE"); v != "" {
		c.Trace.Level = v
	}
	if v := os.Getenv("PYBRIDGE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

// Validate rejects values that cannot be wired further down.
func (c *Config) Validate() error {
	if c.Server.Path == "" {
		return fmt.Errorf("server.path must not be empty")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Watch.Pattern == "" {
		return fmt.Errorf("watch.pattern must not be empty")
	}
	return nil
}

// WatchSpec converts the watch section.
func (c *Config) WatchSpec() watch.Spec {
	return watch.Spec{
		Pattern:      c.Watch.Pattern,
		IgnoreCreate: c.Watch.IgnoreCreate,
		IgnoreChange: c.Watch.IgnoreChange,
		IgnoreDelete: c.Watch.IgnoreDelete,
	}
}

// LaunchOptions converts the server section into launch options.
func (c *Config) LaunchOptions() launch.Options {
	return launch.Options{
		FollowLinks: c.Server.FollowLinks,
		SymbolFile:  c.Server.SymbolFile,
		Port:        c.Server.Port,
	}
}

// TraceValue converts the trace section.
func (c *Config) TraceValue() protocol.TraceValue {
	return protocol.ParseTraceValue(c.Trace.Level)
}

// LogConfig converts the log section.
func (c *Config) LogConfig() *log.Config {
	lc := log.DefaultConfig()
	lc.Level = c.Log.Level
	lc.Format = log.Format(c.Log.Format)
	return lc
}
