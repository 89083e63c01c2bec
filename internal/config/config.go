// Package config handles configuration parsing for the terminal server.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/whit3rabbit/manus-open/internal/ports"
)

// EnvPrefix prefixes every environment override, e.g. TERMINAL_SERVER_LISTEN.
const EnvPrefix = "TERMINAL"

// DefaultConfigPath returns the default config file path:
// $XDG_CONFIG_HOME/terminal-server/config.yaml or ~/.config/terminal-server/config.yaml
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "terminal-server", "config.yaml")
}

// Config represents the top-level configuration.
type Config struct {
	Server          ServerConfig    `yaml:"server"`
	Terminal        TerminalConfig  `yaml:"terminal"`
	PromptDetection PromptConfig    `yaml:"prompt_detection" ignored:"true"`
	Security        SecurityConfig  `yaml:"security"`
	Logging         LoggingConfig   `yaml:"logging"`
	Recording       RecordingConfig `yaml:"recording"`
	MCP             MCPConfig       `yaml:"mcp"`
}

// ServerConfig defines the network listener and connection limits.
type ServerConfig struct {
	Listen          string        `yaml:"listen" split_words:"true"`
	AllowedOrigins  []string      `yaml:"allowed_origins" split_words:"true"` // empty allows any origin
	MaxMessageBytes int64         `yaml:"max_message_bytes" split_words:"true"`
	SendQueue       int           `yaml:"send_queue" split_words:"true"` // per-connection outbound buffer
	RateLimit       float64       `yaml:"rate_limit" split_words:"true"` // inbound messages per second
	RateBurst       int           `yaml:"rate_burst" split_words:"true"`
	WriteTimeout    time.Duration `yaml:"write_timeout" split_words:"true"`
	PingInterval    time.Duration `yaml:"ping_interval" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
}

// TerminalConfig defines how shell sessions are spawned and observed.
type TerminalConfig struct {
	Shell         string        `yaml:"shell" split_words:"true"`
	Args          []string      `yaml:"args" split_words:"true"`
	Term          string        `yaml:"term" split_words:"true"`
	Rows          uint16        `yaml:"rows" split_words:"true"`
	Cols          uint16        `yaml:"cols" split_words:"true"`
	Env           []string      `yaml:"env" split_words:"true"`          // extra KEY=VALUE pairs
	DefaultDir    string        `yaml:"default_dir" split_words:"true"`
	AllowedDirs   []string      `yaml:"allowed_dirs" split_words:"true"` // doublestar globs; empty allows any
	IdleThreshold time.Duration `yaml:"idle_threshold" split_words:"true"`
	KillGrace     time.Duration `yaml:"kill_grace" split_words:"true"`
	DrainTimeout  time.Duration `yaml:"drain_timeout" split_words:"true"`
	RunTimeout    time.Duration `yaml:"run_timeout" split_words:"true"`
	HistoryBytes  int           `yaml:"history_bytes" split_words:"true"`
	MaxSessions   int           `yaml:"max_sessions" split_words:"true"`
	PS1           string        `yaml:"ps1" split_words:"true"`
	PS1Pattern    string        `yaml:"ps1_pattern" split_words:"true"`
}

// SecurityConfig defines command filtering.
type SecurityConfig struct {
	CommandBlocklist []string `yaml:"command_blocklist" split_words:"true"` // Regex patterns for blocked commands
	CommandAllowlist []string `yaml:"command_allowlist" split_words:"true"` // If set, only these patterns allowed
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level" split_words:"true"`    // "debug", "info", "warn", "error"
	Sanitize bool   `yaml:"sanitize" split_words:"true"` // sanitize sensitive data from logs
}

// RecordingConfig defines session recording settings.
type RecordingConfig struct {
	Enabled bool   `yaml:"enabled" split_words:"true"` // enable session recording
	Path    string `yaml:"path" split_words:"true"`    // directory to store recordings
}

// MCPConfig controls the MCP tool endpoint.
type MCPConfig struct {
	Enabled        bool   `yaml:"enabled" split_words:"true"`
	Path           string `yaml:"path" split_words:"true"`
	MaxOutputBytes int    `yaml:"max_output_bytes" split_words:"true"` // larger run output is saved to OutputDir
	OutputDir      string `yaml:"output_dir" split_words:"true"`
}

// PromptConfig defines prompt detection settings.
type PromptConfig struct {
	CustomPatterns []PatternConfig `yaml:"custom_patterns"`
}

// PatternConfig defines a custom interactive prompt pattern.
type PatternConfig struct {
	Name              string `yaml:"name"`
	Regex             string `yaml:"regex"`
	Type              string `yaml:"type"` // "password", "confirmation", "editor", "pager", "text"
	SuggestedResponse string `yaml:"suggested_response"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          "127.0.0.1:8330",
			MaxMessageBytes: 1 << 20,
			SendQueue:       256,
			RateLimit:       50,
			RateBurst:       100,
			WriteTimeout:    10 * time.Second,
			PingInterval:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Terminal: TerminalConfig{
			Shell:         "/bin/bash",
			Term:          "xterm-256color",
			Rows:          24,
			Cols:          80,
			IdleThreshold: 2 * time.Second,
			KillGrace:     5 * time.Second,
			DrainTimeout:  50 * time.Millisecond,
			RunTimeout:    60 * time.Second,
			HistoryBytes:  1 << 20,
			MaxSessions:   64,
			PS1:           `[CMD_BEGIN]\n\u@\h:\w\n[CMD_END]`,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Sanitize: true,
		},
		MCP: MCPConfig{
			Enabled:        true,
			Path:           "/mcp",
			MaxOutputBytes: 50 * 1024,
		},
	}
}

// Load loads configuration from a YAML file over the defaults and then
// applies environment overrides. A missing file yields the defaults.
// An optional FileSystem can be passed for testing; if omitted, the real OS is used.
func Load(path string, fsys ...ports.FileSystem) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		var data []byte
		var err error
		if len(fsys) > 0 && fsys[0] != nil {
			data, err = fsys[0].ReadFile(path)
		} else {
			data, err = os.ReadFile(path)
		}
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from TERMINAL_* environment variables. Unset
// variables leave the corresponding fields untouched.
func ApplyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("apply environment: %w", err)
	}
	return nil
}

// Validate normalizes zero values and rejects settings that cannot work.
func (c *Config) Validate() error {
	def := DefaultConfig()

	if c.Server.Listen == "" {
		c.Server.Listen = def.Server.Listen
	}
	if c.Server.MaxMessageBytes <= 0 {
		c.Server.MaxMessageBytes = def.Server.MaxMessageBytes
	}
	if c.Server.SendQueue <= 0 {
		c.Server.SendQueue = def.Server.SendQueue
	}
	if c.Server.RateLimit <= 0 {
		c.Server.RateLimit = def.Server.RateLimit
	}
	if c.Server.RateBurst <= 0 {
		c.Server.RateBurst = def.Server.RateBurst
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = def.Server.WriteTimeout
	}
	if c.Server.PingInterval <= 0 {
		c.Server.PingInterval = def.Server.PingInterval
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}

	t := &c.Terminal
	if t.Shell == "" {
		t.Shell = def.Terminal.Shell
	}
	if t.Term == "" {
		t.Term = def.Terminal.Term
	}
	if t.Rows == 0 {
		t.Rows = def.Terminal.Rows
	}
	if t.Cols == 0 {
		t.Cols = def.Terminal.Cols
	}
	if t.IdleThreshold <= 0 {
		t.IdleThreshold = def.Terminal.IdleThreshold
	}
	if t.KillGrace <= 0 {
		t.KillGrace = def.Terminal.KillGrace
	}
	if t.DrainTimeout <= 0 {
		t.DrainTimeout = def.Terminal.DrainTimeout
	}
	if t.RunTimeout <= 0 {
		t.RunTimeout = def.Terminal.RunTimeout
	}
	if t.HistoryBytes <= 0 {
		t.HistoryBytes = def.Terminal.HistoryBytes
	}
	if t.MaxSessions <= 0 {
		t.MaxSessions = def.Terminal.MaxSessions
	}
	if t.PS1 == "" {
		t.PS1 = def.Terminal.PS1
	}
	if t.PS1Pattern != "" {
		if _, err := regexp.Compile(t.PS1Pattern); err != nil {
			return fmt.Errorf("terminal.ps1_pattern: %w", err)
		}
	}

	for _, p := range c.PromptDetection.CustomPatterns {
		if p.Name == "" {
			return fmt.Errorf("prompt_detection.custom_patterns: pattern without name")
		}
		if _, err := regexp.Compile(p.Regex); err != nil {
			return fmt.Errorf("prompt_detection.custom_patterns %q: %w", p.Name, err)
		}
	}

	if c.Recording.Enabled && c.Recording.Path == "" {
		c.Recording.Path = filepath.Join(os.TempDir(), "terminal-recordings")
	}
	if c.MCP.Path == "" {
		c.MCP.Path = def.MCP.Path
	}
	if c.MCP.MaxOutputBytes <= 0 {
		c.MCP.MaxOutputBytes = def.MCP.MaxOutputBytes
	}
	if c.MCP.OutputDir == "" {
		c.MCP.OutputDir = filepath.Join(os.TempDir(), "terminal-output")
	}

	return nil
}

// Save writes the configuration to a YAML file.
// An optional FileSystem can be passed for testing; if omitted, the real OS is used.
func Save(cfg *Config, path string, fsys ...ports.FileSystem) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if len(fsys) > 0 && fsys[0] != nil {
		return fsys[0].WriteFile(path, data, 0644)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
