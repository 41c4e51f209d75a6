package config

import (
	"testing"
	"time"
)

func TestLoadAPIConfigDefaults(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "memory")
	cfg, err := LoadAPIConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8000" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.ReapInterval != 5*time.Minute {
		t.Fatalf("expected 5m reap interval, got %s", cfg.ReapInterval)
	}
	if cfg.NotifyChannel != "cluster-status" {
		t.Fatalf("unexpected channel %q", cfg.NotifyChannel)
	}
	if len(cfg.TerminalCommand) != 1 || cfg.TerminalCommand[0] != "bash" {
		t.Fatalf("unexpected terminal command %v", cfg.TerminalCommand)
	}
}

func TestLoadAPIConfigOverrides(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("REAP_INTERVAL", "30s")
	t.Setenv("WORKER_POOL_SIZE", "8")
	t.Setenv("TERMINAL_COMMAND", "sh -l")
	cfg, err := LoadAPIConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ReapInterval != 30*time.Second || cfg.WorkerPoolSize != 8 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.TerminalCommand) != 2 || cfg.TerminalCommand[1] != "-l" {
		t.Fatalf("unexpected terminal command %v", cfg.TerminalCommand)
	}
}

func TestLoadAPIConfigRejectsInvalid(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "sqlite")
	t.Setenv("WORKER_POOL_SIZE", "0")
	if _, err := LoadAPIConfig(); err == nil {
		t.Fatalf("expected validation error")
	}
}
