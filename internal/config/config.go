// Package config loads the OpenClaw configuration: defaults merged under
// openclaw.json, with environment overrides for channel credentials.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"dario.cat/mergo"
)

// Config is the merged openclaw.json configuration.
type Config struct {
	Session  SessionConfig             `json:"session"`
	Agent    AgentConfig               `json:"agent"`
	Agents   AgentsConfig              `json:"agents"`
	Tools    ToolsConfig               `json:"tools"`
	Hooks    HooksConfig               `json:"hooks"`
	Gateway  GatewayConfig             `json:"gateway"`
	Channels map[string]ChannelConfig  `json:"channels"`
	Plugins  PluginsConfig             `json:"plugins"`
	UI       UIConfig                  `json:"ui"`
	Talk     TalkConfig                `json:"talk"`
	Logging  LoggingConfig             `json:"logging"`
}

type SessionConfig struct {
	MainKey string `json:"mainKey"`
	Scope   string `json:"scope"` // per-sender | global
	Store   string `json:"store"` // path override
}

type AgentConfig struct {
	TimeoutSeconds int         `json:"timeoutSeconds"`
	MaxConcurrent  int         `json:"maxConcurrent"`
	UserTimezone   string      `json:"userTimezone"`
	Model          ModelConfig `json:"model"`
	Bash           BashConfig  `json:"bash"`
	Sandbox        SandboxCfg  `json:"sandbox"`
}

type ModelConfig struct {
	Primary   string   `json:"primary"`
	Fallbacks []string `json:"fallbacks"`
}

type BashConfig struct {
	Elevated ElevatedConfig `json:"elevated"`
}

type ElevatedConfig struct {
	Enabled      bool     `json:"enabled"`
	Allowed      []string `json:"allowed"`
	DefaultLevel string   `json:"defaultLevel"` // off | ask | on
}

type SandboxCfg struct {
	Mode string `json:"mode"` // off | non-main
}

type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

type AgentDefaults struct {
	Subagents SubagentsConfig `json:"subagents"`
}

type SubagentsConfig struct {
	AnnounceTimeoutMs int64 `json:"announceTimeoutMs"`
}

type ToolsConfig struct {
	Exec ExecConfig `json:"exec"`
}

type ExecConfig struct {
	Security string   `json:"security"` // full | allowlist | deny
	Ask      string   `json:"ask"`      // off | on-miss | always
	SafeBins []string `json:"safeBins"`
}

type HooksConfig struct {
	Enabled bool        `json:"enabled"`
	Gmail   GmailConfig `json:"gmail"`
}

type GmailConfig struct {
	Account string `json:"account"`
}

type GatewayConfig struct {
	Port      int             `json:"port"`
	Bind      string          `json:"bind"` // loopback | tailnet | auto
	Token     string          `json:"token"`
	Auth      AuthConfig      `json:"auth"`
	Tailscale TailscaleConfig `json:"tailscale"`
}

type AuthConfig struct {
	Mode string `json:"mode"` // password | tailscale-identity | password-or-tailscale
}

type TailscaleConfig struct {
	Mode string `json:"mode"` // off | serve | funnel
}

type ChannelConfig struct {
	Enabled   bool              `json:"enabled"`
	DMPolicy  string            `json:"dmPolicy"` // pairing | open
	AllowFrom []string          `json:"allowFrom"`
	Groups    map[string]string `json:"groups"` // group id -> activation
	DM        DMConfig          `json:"dm"`
	BotToken  string            `json:"botToken,omitempty"`
}

type DMConfig struct {
	AllowFrom []string `json:"allowFrom"`
}

type PluginsConfig struct {
	Enabled bool                   `json:"enabled"`
	Allow   []string               `json:"allow"`
	Deny    []string               `json:"deny"`
	Entries map[string]PluginEntry `json:"entries"`
}

type PluginEntry struct {
	Enabled bool `json:"enabled"`
}

type UIConfig struct {
	SeamColor string `json:"seamColor"` // #RRGGBB
}

type TalkConfig struct {
	VoiceAliases map[string]string `json:"voiceAliases"`
}

type LoggingConfig struct {
	Level string `json:"level"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Session: SessionConfig{
			MainKey: "main",
			Scope:   "per-sender",
		},
		Agent: AgentConfig{
			TimeoutSeconds: 600,
			Sandbox:        SandboxCfg{Mode: "off"},
		},
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Subagents: SubagentsConfig{AnnounceTimeoutMs: 60_000},
			},
		},
		Tools: ToolsConfig{
			Exec: ExecConfig{Security: "allowlist", Ask: "on-miss"},
		},
		Gateway: GatewayConfig{
			Port: 18792,
			Bind: "loopback",
			Auth: AuthConfig{Mode: "password"},
		},
		Channels: map[string]ChannelConfig{},
		Plugins:  PluginsConfig{Enabled: true},
		Logging:  LoggingConfig{Level: "info"},
	}
}

// Load reads path (openclaw.json) over the defaults. A missing file yields
// the defaults; a malformed file is an error the caller surfaces verbatim.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides wires well-known environment variables into channel
// credentials and auto-enables the channels they configure.
func applyEnvOverrides(cfg *Config) {
	if cfg.Channels == nil {
		cfg.Channels = map[string]ChannelConfig{}
	}
	envTokens := map[string]string{
		"telegram": os.Getenv("TELEGRAM_BOT_TOKEN"),
		"discord":  os.Getenv("DISCORD_BOT_TOKEN"),
		"slack":    os.Getenv("SLACK_BOT_TOKEN"),
	}
	for channel, token := range envTokens {
		if token == "" {
			continue
		}
		ch := cfg.Channels[channel]
		ch.Enabled = true
		if ch.BotToken == "" {
			ch.BotToken = token
		}
		if ch.DMPolicy == "" {
			ch.DMPolicy = "pairing"
		}
		cfg.Channels[channel] = ch
	}

	// Slack needs both tokens; half-configured stays disabled.
	if os.Getenv("SLACK_BOT_TOKEN") != "" && os.Getenv("SLACK_APP_TOKEN") == "" {
		ch := cfg.Channels["slack"]
		ch.Enabled = false
		cfg.Channels["slack"] = ch
	}

	if os.Getenv("IRC_HOST") != "" && os.Getenv("IRC_NICK") != "" {
		ch := cfg.Channels["irc"]
		ch.Enabled = true
		if ch.DMPolicy == "" {
			ch.DMPolicy = "pairing"
		}
		cfg.Channels["irc"] = ch
	}
}
