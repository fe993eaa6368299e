package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "openclaw.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.MainKey != "main" || cfg.Session.Scope != "per-sender" {
		t.Errorf("session defaults = %+v", cfg.Session)
	}
	if cfg.Tools.Exec.Security != "allowlist" || cfg.Tools.Exec.Ask != "on-miss" {
		t.Errorf("exec defaults = %+v", cfg.Tools.Exec)
	}
	if cfg.Agents.Defaults.Subagents.AnnounceTimeoutMs != 60_000 {
		t.Errorf("announce timeout = %d", cfg.Agents.Defaults.Subagents.AnnounceTimeoutMs)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "openclaw.json")
	body := `{"gateway": {"port": 9999}, "agent": {"model": {"primary": "claw-1"}}}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
	if cfg.Agent.Model.Primary != "claw-1" {
		t.Errorf("model = %q", cfg.Agent.Model.Primary)
	}
	// Untouched defaults survive the merge
	if cfg.Session.MainKey != "main" {
		t.Errorf("mainKey = %q", cfg.Session.MainKey)
	}
}

func TestLoadMalformedSurfacesError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "openclaw.json")
	os.WriteFile(path, []byte("{broken"), 0600)

	if _, err := Load(path); err == nil {
		t.Fatal("malformed config must error, never silently default")
	}
}

func TestEnvAutoEnablesChannels(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok-123")
	cfg, err := Load(filepath.Join(t.TempDir(), "openclaw.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch, ok := cfg.Channels["telegram"]
	if !ok || !ch.Enabled || ch.BotToken != "tok-123" {
		t.Errorf("telegram channel = %+v", ch)
	}
	if ch.DMPolicy != "pairing" {
		t.Errorf("dmPolicy = %q, want pairing default", ch.DMPolicy)
	}
}
