package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/whit3rabbit/manus-open/internal/testing/fakes/fakefs"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Terminal.Shell != "/bin/bash" {
		t.Errorf("Shell = %q, want /bin/bash", cfg.Terminal.Shell)
	}
	if cfg.Terminal.Rows != 24 || cfg.Terminal.Cols != 80 {
		t.Errorf("size = %dx%d, want 24x80", cfg.Terminal.Rows, cfg.Terminal.Cols)
	}
	if cfg.Terminal.RunTimeout != 60*time.Second {
		t.Errorf("RunTimeout = %v, want 60s", cfg.Terminal.RunTimeout)
	}
	if cfg.Terminal.PS1 != `[CMD_BEGIN]\n\u@\h:\w\n[CMD_END]` {
		t.Errorf("PS1 = %q", cfg.Terminal.PS1)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "info")
	}
	if !cfg.Logging.Sanitize {
		t.Error("Logging.Sanitize = false, want true")
	}
	if !cfg.MCP.Enabled || cfg.MCP.Path != "/mcp" {
		t.Errorf("MCP = %+v", cfg.MCP)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg.Server.Listen != DefaultConfig().Server.Listen {
		t.Errorf("Listen = %q, want default", cfg.Server.Listen)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("Load(missing) error: %v", err)
	}
	if cfg.Terminal.MaxSessions != DefaultConfig().Terminal.MaxSessions {
		t.Errorf("MaxSessions = %d, want default", cfg.Terminal.MaxSessions)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "bad.yaml")
	if err := os.WriteFile(path, []byte(":::invalid:::yaml{{{"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Load(invalid YAML) expected error, got nil")
	}
}

func TestLoadValidConfig(t *testing.T) {
	yaml := `
server:
  listen: 0.0.0.0:9000
  allowed_origins: ["https://sandbox.example"]
  send_queue: 32
terminal:
  shell: /bin/sh
  rows: 40
  cols: 120
  idle_threshold: 750ms
  kill_grace: 2s
  history_bytes: 4096
  allowed_dirs:
    - /home/ubuntu/**
security:
  command_blocklist:
    - "rm -rf /"
logging:
  level: debug
  sanitize: false
recording:
  enabled: true
  path: /var/log/recordings
prompt_detection:
  custom_patterns:
    - name: vault
      regex: "Vault password:"
      type: password
`
	fs := fakefs.New()
	fs.AddFile("/etc/terminal/config.yaml", []byte(yaml), 0644)

	cfg, err := Load("/etc/terminal/config.yaml", fs)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Listen != "0.0.0.0:9000" {
		t.Errorf("Listen = %q", cfg.Server.Listen)
	}
	if len(cfg.Server.AllowedOrigins) != 1 {
		t.Errorf("AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Server.SendQueue != 32 {
		t.Errorf("SendQueue = %d, want 32", cfg.Server.SendQueue)
	}
	// Untouched fields keep their defaults.
	if cfg.Server.RateBurst != DefaultConfig().Server.RateBurst {
		t.Errorf("RateBurst = %d, want default", cfg.Server.RateBurst)
	}

	if cfg.Terminal.Shell != "/bin/sh" {
		t.Errorf("Shell = %q", cfg.Terminal.Shell)
	}
	if cfg.Terminal.Rows != 40 || cfg.Terminal.Cols != 120 {
		t.Errorf("size = %dx%d", cfg.Terminal.Rows, cfg.Terminal.Cols)
	}
	if cfg.Terminal.IdleThreshold != 750*time.Millisecond {
		t.Errorf("IdleThreshold = %v", cfg.Terminal.IdleThreshold)
	}
	if cfg.Terminal.KillGrace != 2*time.Second {
		t.Errorf("KillGrace = %v", cfg.Terminal.KillGrace)
	}
	if cfg.Terminal.HistoryBytes != 4096 {
		t.Errorf("HistoryBytes = %d", cfg.Terminal.HistoryBytes)
	}
	if len(cfg.Terminal.AllowedDirs) != 1 || cfg.Terminal.AllowedDirs[0] != "/home/ubuntu/**" {
		t.Errorf("AllowedDirs = %v", cfg.Terminal.AllowedDirs)
	}

	if len(cfg.Security.CommandBlocklist) != 1 {
		t.Errorf("CommandBlocklist = %v", cfg.Security.CommandBlocklist)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Sanitize {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if !cfg.Recording.Enabled || cfg.Recording.Path != "/var/log/recordings" {
		t.Errorf("Recording = %+v", cfg.Recording)
	}
	if len(cfg.PromptDetection.CustomPatterns) != 1 {
		t.Fatalf("CustomPatterns = %v", cfg.PromptDetection.CustomPatterns)
	}
	if p := cfg.PromptDetection.CustomPatterns[0]; p.Name != "vault" || p.Type != "password" {
		t.Errorf("pattern = %+v", p)
	}
}

// ---------------------------------------------------------------------------
// Environment overrides
// ---------------------------------------------------------------------------

func TestLoadEnvOverrides(t *testing.T) {
	fs := fakefs.New()
	fs.AddFile("/cfg.yaml", []byte("terminal:\n  shell: /bin/sh\n  max_sessions: 3\n"), 0644)

	t.Setenv("TERMINAL_SERVER_LISTEN", ":9999")
	t.Setenv("TERMINAL_TERMINAL_IDLE_THRESHOLD", "250ms")
	t.Setenv("TERMINAL_SECURITY_COMMAND_BLOCKLIST", "shutdown,reboot")
	t.Setenv("TERMINAL_LOGGING_LEVEL", "warn")

	cfg, err := Load("/cfg.yaml", fs)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Listen != ":9999" {
		t.Errorf("Listen = %q, want :9999", cfg.Server.Listen)
	}
	if cfg.Terminal.IdleThreshold != 250*time.Millisecond {
		t.Errorf("IdleThreshold = %v, want 250ms", cfg.Terminal.IdleThreshold)
	}
	if len(cfg.Security.CommandBlocklist) != 2 || cfg.Security.CommandBlocklist[1] != "reboot" {
		t.Errorf("CommandBlocklist = %v", cfg.Security.CommandBlocklist)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Level = %q, want warn", cfg.Logging.Level)
	}
	// Values from the file survive when no variable is set.
	if cfg.Terminal.Shell != "/bin/sh" || cfg.Terminal.MaxSessions != 3 {
		t.Errorf("file values lost: shell=%q max=%d", cfg.Terminal.Shell, cfg.Terminal.MaxSessions)
	}
}

func TestLoadIgnoresUnprefixedEnv(t *testing.T) {
	t.Setenv("SHELL", "/bin/zsh")
	t.Setenv("TERM", "dumb")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Terminal.Shell != "/bin/bash" {
		t.Errorf("Shell = %q, SHELL must not leak into config", cfg.Terminal.Shell)
	}
	if cfg.Terminal.Term != "xterm-256color" {
		t.Errorf("Term = %q, TERM must not leak into config", cfg.Terminal.Term)
	}
}

func TestLoadEnvInvalidValue(t *testing.T) {
	t.Setenv("TERMINAL_TERMINAL_ROWS", "not-a-number")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for invalid env value")
	}
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func TestValidateFillsZeroValues(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	def := DefaultConfig()
	if cfg.Terminal.IdleThreshold != def.Terminal.IdleThreshold {
		t.Errorf("IdleThreshold = %v", cfg.Terminal.IdleThreshold)
	}
	if cfg.Terminal.MaxSessions != def.Terminal.MaxSessions {
		t.Errorf("MaxSessions = %d", cfg.Terminal.MaxSessions)
	}
	if cfg.Server.SendQueue != def.Server.SendQueue {
		t.Errorf("SendQueue = %d", cfg.Server.SendQueue)
	}
	if cfg.Terminal.PS1 == "" {
		t.Error("PS1 should default")
	}
	if cfg.MCP.MaxOutputBytes != def.MCP.MaxOutputBytes || cfg.MCP.OutputDir == "" {
		t.Errorf("MCP output defaults not applied: %+v", cfg.MCP)
	}
}

func TestValidateFixesNegativeValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Terminal.MaxSessions = -1
	cfg.Terminal.HistoryBytes = -5
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if cfg.Terminal.MaxSessions != 64 || cfg.Terminal.HistoryBytes != 1<<20 {
		t.Errorf("not normalized: %+v", cfg.Terminal)
	}
}

func TestValidateRejectsBadPatterns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Terminal.PS1Pattern = "[bad("
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for bad ps1_pattern")
	}

	cfg = DefaultConfig()
	cfg.PromptDetection.CustomPatterns = []PatternConfig{{Name: "x", Regex: "(("}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for bad custom pattern")
	}

	cfg = DefaultConfig()
	cfg.PromptDetection.CustomPatterns = []PatternConfig{{Regex: "ok"}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unnamed custom pattern")
	}
}

func TestValidateRecordingPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Recording.Enabled = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if cfg.Recording.Path == "" {
		t.Error("enabled recording should get a default path")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	fs := fakefs.New()
	cfg := DefaultConfig()
	cfg.Terminal.Shell = "/bin/sh"
	cfg.Terminal.IdleThreshold = 3 * time.Second

	if err := Save(cfg, "/out/config.yaml", fs); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	got, err := Load("/out/config.yaml", fs)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got.Terminal.Shell != "/bin/sh" || got.Terminal.IdleThreshold != 3*time.Second {
		t.Errorf("round trip lost values: %+v", got.Terminal)
	}
}

// ---------------------------------------------------------------------------
// Watcher
// ---------------------------------------------------------------------------

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// replaceConfigFile swaps the file in with a rename so the watcher never
// observes a truncated intermediate state.
func replaceConfigFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	writeConfigFile(t, tmp, content)
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}

func TestNewWatcher(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.yaml")
	writeConfigFile(t, path, "terminal:\n  shell: /bin/sh\n")

	w, err := NewWatcher(path, nil, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	defer w.Close()

	if got := w.Config().Terminal.Shell; got != "/bin/sh" {
		t.Errorf("Config().Terminal.Shell = %q, want /bin/sh", got)
	}
}

func TestNewWatcherMissingDirectory(t *testing.T) {
	if _, err := NewWatcher("/nonexistent/dir/config.yaml", nil, nil); err == nil {
		t.Fatal("NewWatcher(missing dir) expected error, got nil")
	}
}

func TestWatcherReloadsOnFileChange(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.yaml")
	writeConfigFile(t, path, "terminal:\n  idle_threshold: 1s\n")

	var mu sync.Mutex
	var changed *Config

	w, err := NewWatcher(path, nil, func(cfg *Config) {
		mu.Lock()
		changed = cfg
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	defer w.Close()

	writeConfigFile(t, path, "terminal:\n  idle_threshold: 5s\n")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		c := changed
		mu.Unlock()
		if c != nil && c.Terminal.IdleThreshold == 5*time.Second {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if got := w.Config().Terminal.IdleThreshold; got != 5*time.Second {
		t.Errorf("IdleThreshold after reload = %v, want 5s", got)
	}
	mu.Lock()
	if changed == nil {
		t.Error("onChange callback was never called")
	}
	mu.Unlock()
}

func TestWatcherKeepsConfigOnInvalidReload(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.yaml")
	writeConfigFile(t, path, "terminal:\n  shell: /bin/sh\n")

	var mu sync.Mutex
	calls := 0

	w, err := NewWatcher(path, nil, func(*Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	defer w.Close()

	replaceConfigFile(t, path, ":::invalid{{{")
	time.Sleep(300 * time.Millisecond)
	replaceConfigFile(t, path, "terminal:\n  ps1_pattern: \"[bad(\"\n")
	time.Sleep(300 * time.Millisecond)

	if got := w.Config().Terminal.Shell; got != "/bin/sh" {
		t.Errorf("Shell = %q, previous config should be preserved", got)
	}
	mu.Lock()
	if calls > 0 {
		t.Errorf("onChange called %d times for invalid revisions", calls)
	}
	mu.Unlock()
}

func TestWatcherCloseIdempotent(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.yaml")
	writeConfigFile(t, path, "")

	w, err := NewWatcher(path, nil, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
}
