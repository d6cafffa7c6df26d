package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParse_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(""))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Agent.Binary != "pi" {
		t.Errorf("agent.binary = %q, want pi", cfg.Agent.Binary)
	}
	if cfg.Server.Port != 8390 {
		t.Errorf("server.port = %d, want 8390", cfg.Server.Port)
	}
	if cfg.Session.IdleTimeoutSec != 900 || cfg.Session.TurnTimeoutSec != 600 {
		t.Errorf("session timeouts = %d/%d, want 900/600",
			cfg.Session.IdleTimeoutSec, cfg.Session.TurnTimeoutSec)
	}
	if cfg.Session.DedupeWindowSec != 45 || cfg.Session.ReapIntervalSec != 30 {
		t.Errorf("dedupe/reap = %d/%d, want 45/30",
			cfg.Session.DedupeWindowSec, cfg.Session.ReapIntervalSec)
	}
	if cfg.DB.Driver != "sqlite" || cfg.DB.Path != "rig.db" {
		t.Errorf("db = %s/%s, want sqlite/rig.db", cfg.DB.Driver, cfg.DB.Path)
	}
	if cfg.Agent.SessionDir == "" {
		t.Error("agent.session_dir not defaulted")
	}
}

func TestParse_Overrides(t *testing.T) {
	cfg, err := Parse([]byte(`
agent:
  binary: /usr/local/bin/agent
  default_provider: acme
  default_model: m-large
server:
  port: 9000
  auth_token: sekrit
session:
  turn_timeout_sec: 120
db:
  driver: mysql
  database: rigdb
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Agent.Binary != "/usr/local/bin/agent" || cfg.Agent.DefaultModel != "m-large" {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.Server.Port != 9000 || cfg.Server.AuthToken != "sekrit" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Session.TurnTimeoutSec != 120 {
		t.Errorf("turn_timeout_sec = %d", cfg.Session.TurnTimeoutSec)
	}
	if cfg.DB.Host != "127.0.0.1" || cfg.DB.Port != 3306 || cfg.DB.Database != "rigdb" {
		t.Errorf("mysql defaults not applied: %+v", cfg.DB)
	}
}

func TestParse_InvalidDriver(t *testing.T) {
	_, err := Parse([]byte("db:\n  driver: postgres\n"))
	if err == nil || !strings.Contains(err.Error(), "db.driver") {
		t.Errorf("err = %v, want driver complaint", err)
	}
}

func TestParse_InvalidPlatform(t *testing.T) {
	_, err := Parse([]byte("relay:\n  platform: irc\n"))
	if err == nil || !strings.Contains(err.Error(), "relay.platform") {
		t.Errorf("err = %v, want platform complaint", err)
	}
}

func TestParse_PlatformRequiresChannel(t *testing.T) {
	_, err := Parse([]byte("relay:\n  platform: discord\n"))
	if err == nil || !strings.Contains(err.Error(), "channel_id") {
		t.Errorf("discord without channel: err = %v", err)
	}

	_, err = Parse([]byte("relay:\n  platform: slack\n"))
	if err == nil || !strings.Contains(err.Error(), "channel_id") {
		t.Errorf("slack without channel: err = %v", err)
	}
}

func TestParse_BadYAML(t *testing.T) {
	if _, err := Parse([]byte("agent: [")); err == nil {
		t.Error("malformed yaml accepted")
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rig.yaml")
	content := "server:\n  port: 9999\nrelay:\n  platform: discord\n  discord:\n    channel_id: \"123\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 || cfg.Relay.Discord.ChannelID != "123" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Agent.Binary != "pi" || cfg.Server.Port != 8390 {
		t.Errorf("defaults = %+v", cfg)
	}
}
