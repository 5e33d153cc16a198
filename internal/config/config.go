// Package config loads and validates the on-disk configuration for agentbridged.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the on-disk configuration for the bridge daemon.
type Config struct {
	// ListenAddr is the address the HTTP boundary listens on (host:port).
	ListenAddr string `json:"listen_addr,omitempty"`

	// BearerToken gates every REST/SSE/WS request when non-empty.
	BearerToken string `json:"bearer_token,omitempty"`

	// ProjectPaths is the whitelist of working directories a thread may be created under.
	// Empty means no restriction.
	ProjectPaths []string `json:"project_paths,omitempty"`

	// DatabasePath is the sqlite file used by the persistent store.
	DatabasePath string `json:"database_path,omitempty"`

	// PackagesDir holds exported/imported thread transfer packages.
	PackagesDir string `json:"packages_dir,omitempty"`

	// AgentCommand is the executable + args used to spawn the agent subprocess.
	AgentCommand []string `json:"agent_command"`

	// EventRetention is the number of envelopes kept per job ring buffer.
	EventRetention int `json:"event_retention,omitempty"`

	// ApprovalTimeout bounds how long an approval may remain pending before a "timeout" decision is recorded.
	ApprovalTimeout time.Duration `json:"approval_timeout,omitempty"`

	// TerminalIdleTTL is how long an unattached, silent terminal session survives before reclaim.
	TerminalIdleTTL time.Duration `json:"terminal_idle_ttl,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

const (
	defaultListenAddr      = "127.0.0.1:8787"
	defaultEventRetention  = 2000
	defaultApprovalTimeout = 10 * time.Minute
	defaultTerminalIdleTTL = 30 * time.Minute
)

// ApplyDefaults fills zero-valued fields with safe defaults. Validate still
// requires AgentCommand to be set explicitly.
func (c *Config) ApplyDefaults() {
	if c == nil {
		return
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.EventRetention <= 0 {
		c.EventRetention = defaultEventRetention
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = defaultApprovalTimeout
	}
	if c.TerminalIdleTTL <= 0 {
		c.TerminalIdleTTL = defaultTerminalIdleTTL
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		c.DatabasePath = DefaultDatabasePath()
	}
	if strings.TrimSpace(c.PackagesDir) == "" {
		c.PackagesDir = DefaultPackagesDir()
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if len(c.AgentCommand) == 0 || strings.TrimSpace(c.AgentCommand[0]) == "" {
		return errors.New("missing agent_command")
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("missing listen_addr")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return errors.New("missing database_path")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("unknown log_format: %s", c.LogFormat)
	}
	return nil
}

// DefaultConfigPath returns ~/.agentbridge/config.json.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "agentbridge.config.json"
	}
	return filepath.Join(home, ".agentbridge", "config.json")
}

// DefaultDatabasePath returns ~/.agentbridge/bridge.sqlite.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "agentbridge.sqlite"
	}
	return filepath.Join(home, ".agentbridge", "bridge.sqlite")
}

// DefaultPackagesDir returns ~/.agentbridge/packages.
func DefaultPackagesDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "agentbridge-packages"
	}
	return filepath.Join(home, ".agentbridge", "packages")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config json: %w", err)
	}
	cfg.ApplyDefaults()
	ApplyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ApplyEnv overrides config fields from AGENTBRIDGE_* environment variables.
// Environment supersedes the config file, per spec.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(os.Getenv("AGENTBRIDGE_LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTBRIDGE_BEARER_TOKEN")); v != "" {
		cfg.BearerToken = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTBRIDGE_DATABASE_PATH")); v != "" {
		cfg.DatabasePath = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTBRIDGE_PROJECT_PATHS")); v != "" {
		cfg.ProjectPaths = splitAndTrim(v)
	}
	if v := strings.TrimSpace(os.Getenv("AGENTBRIDGE_AGENT_COMMAND")); v != "" {
		cfg.AgentCommand = splitAndTrim(v)
	}
	if v := strings.TrimSpace(os.Getenv("AGENTBRIDGE_EVENT_RETENTION")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EventRetention = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("AGENTBRIDGE_APPROVAL_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.ApprovalTimeout = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("AGENTBRIDGE_TERMINAL_IDLE_TTL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.TerminalIdleTTL = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("AGENTBRIDGE_LOG_FORMAT")); v != "" {
		cfg.LogFormat = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTBRIDGE_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
