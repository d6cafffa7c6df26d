// Package config provides YAML-based configuration loading for rig.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level rig configuration, loaded from rig.yaml.
type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Relay   RelayConfig   `yaml:"relay"`
	DB      DBConfig      `yaml:"db"`
}

// AgentConfig describes the external agent binary.
type AgentConfig struct {
	Binary          string `yaml:"binary"`
	SessionDir      string `yaml:"session_dir"`
	DefaultProvider string `yaml:"default_provider"`
	DefaultModel    string `yaml:"default_model"`
}

// ServerConfig holds the REST/socket server settings.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"` // opaque bearer token; empty disables auth
}

// SessionConfig holds orchestration timing knobs.
type SessionConfig struct {
	IdleTimeoutSec  int `yaml:"idle_timeout_sec"`
	TurnTimeoutSec  int `yaml:"turn_timeout_sec"`
	DedupeWindowSec int `yaml:"dedupe_window_sec"`
	ReapIntervalSec int `yaml:"reap_interval_sec"`
}

// RelayConfig selects and configures the chat platform bridge.
type RelayConfig struct {
	Platform string        `yaml:"platform"` // "discord" or "slack"
	Cwd      string        `yaml:"cwd"`      // working directory for chat-driven conversations
	Discord  DiscordConfig `yaml:"discord"`
	Slack    SlackConfig   `yaml:"slack"`
}

// DiscordConfig holds Discord bot credentials.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	AppToken  string `yaml:"app_token"`
	ChannelID string `yaml:"channel_id"`
}

// DBConfig selects the persistence backend.
type DBConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" (default) or "mysql"
	Path     string `yaml:"path"`   // sqlite file path
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a Config with every default applied, used when no config
// file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Agent.Binary == "" {
		c.Agent.Binary = "pi"
	}
	if c.Agent.SessionDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Agent.SessionDir = filepath.Join(home, ".rig", "sessions")
		} else {
			c.Agent.SessionDir = filepath.Join(os.TempDir(), "rig-sessions")
		}
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8390
	}
	if c.Session.IdleTimeoutSec == 0 {
		c.Session.IdleTimeoutSec = 900
	}
	if c.Session.TurnTimeoutSec == 0 {
		c.Session.TurnTimeoutSec = 600
	}
	if c.Session.DedupeWindowSec == 0 {
		c.Session.DedupeWindowSec = 45
	}
	if c.Session.ReapIntervalSec == 0 {
		c.Session.ReapIntervalSec = 30
	}
	if c.Relay.Cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			c.Relay.Cwd = wd
		}
	}
	if c.DB.Driver == "" {
		c.DB.Driver = "sqlite"
	}
	if c.DB.Driver == "sqlite" && c.DB.Path == "" {
		c.DB.Path = "rig.db"
	}
	if c.DB.Driver == "mysql" {
		if c.DB.Host == "" {
			c.DB.Host = "127.0.0.1"
		}
		if c.DB.Port == 0 {
			c.DB.Port = 3306
		}
		if c.DB.Database == "" {
			c.DB.Database = "rig"
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.DB.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("db.driver %q is not supported (sqlite, mysql)", c.DB.Driver))
	}
	switch c.Relay.Platform {
	case "", "discord", "slack":
	default:
		errs = append(errs, fmt.Sprintf("relay.platform %q is not supported (discord, slack)", c.Relay.Platform))
	}
	if c.Relay.Platform == "discord" && c.Relay.Discord.ChannelID == "" {
		errs = append(errs, "relay.discord.channel_id is required for the discord platform")
	}
	if c.Relay.Platform == "slack" && c.Relay.Slack.ChannelID == "" {
		errs = append(errs, "relay.slack.channel_id is required for the slack platform")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %s", strings.Join(errs, "; "))
	}
	return nil
}
