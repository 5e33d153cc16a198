package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestApplyDefaults(t *testing.T) {
	c := &Config{}
	c.ApplyDefaults()
	if c.ListenAddr != defaultListenAddr {
		t.Fatalf("ListenAddr = %q, want %q", c.ListenAddr, defaultListenAddr)
	}
	if c.EventRetention != defaultEventRetention {
		t.Fatalf("EventRetention = %d, want %d", c.EventRetention, defaultEventRetention)
	}
	if c.ApprovalTimeout != defaultApprovalTimeout {
		t.Fatalf("ApprovalTimeout = %v, want %v", c.ApprovalTimeout, defaultApprovalTimeout)
	}
	if c.DatabasePath == "" {
		t.Fatalf("DatabasePath left empty")
	}
}

func TestValidateRequiresAgentCommand(t *testing.T) {
	c := &Config{ListenAddr: "127.0.0.1:1", DatabasePath: "x.db"}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for missing agent_command")
	}
	c.AgentCommand = []string{"agent-runtime"}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsUnknownLogFormat(t *testing.T) {
	c := &Config{
		ListenAddr:   "127.0.0.1:1",
		DatabasePath: "x.db",
		AgentCommand: []string{"agent-runtime"},
		LogFormat:    "xml",
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for unknown log_format")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := &Config{
		ListenAddr:      "127.0.0.1:9999",
		BearerToken:     "secret",
		AgentCommand:    []string{"agent-runtime", "--stdio"},
		DatabasePath:    filepath.Join(dir, "bridge.sqlite"),
		EventRetention:  500,
		ApprovalTimeout: 5 * time.Minute,
		TerminalIdleTTL: 15 * time.Minute,
		LogFormat:       "json",
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ListenAddr != cfg.ListenAddr || got.BearerToken != cfg.BearerToken {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.EventRetention != 500 {
		t.Fatalf("EventRetention = %d, want 500", got.EventRetention)
	}
}

func TestApplyEnvOverridesFile(t *testing.T) {
	t.Setenv("AGENTBRIDGE_LISTEN_ADDR", "0.0.0.0:7000")
	t.Setenv("AGENTBRIDGE_EVENT_RETENTION", "42")

	cfg := &Config{ListenAddr: "127.0.0.1:1", EventRetention: 10}
	ApplyEnv(cfg)

	if cfg.ListenAddr != "0.0.0.0:7000" {
		t.Fatalf("ListenAddr = %q, want env override", cfg.ListenAddr)
	}
	if cfg.EventRetention != 42 {
		t.Fatalf("EventRetention = %d, want 42", cfg.EventRetention)
	}
}
