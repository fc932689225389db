package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []interface{} to handle mixed types
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Tools     ToolsConfig     `json:"tools"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Cron      CronConfig      `json:"cron"`
	Logging   LoggingConfig   `json:"logging"`
	mu        sync.RWMutex
}

type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
	Failover AgentFailover `json:"failover"`
}

type AgentDefaults struct {
	Workspace             string   `json:"workspace" env:"MICROCLAW_AGENTS_DEFAULTS_WORKSPACE"`
	RestrictToWorkspace   bool     `json:"restrict_to_workspace" env:"MICROCLAW_AGENTS_DEFAULTS_RESTRICT_TO_WORKSPACE"`
	Model                 string   `json:"model" env:"MICROCLAW_AGENTS_DEFAULTS_MODEL"`
	MaxTokens             int      `json:"max_tokens" env:"MICROCLAW_AGENTS_DEFAULTS_MAX_TOKENS"`
	Temperature           float64  `json:"temperature" env:"MICROCLAW_AGENTS_DEFAULTS_TEMPERATURE"`
	MaxToolIterations     int      `json:"max_tool_iterations" env:"MICROCLAW_AGENTS_DEFAULTS_MAX_TOOL_ITERATIONS"`
	SubagentMaxIterations int      `json:"subagent_max_iterations" env:"MICROCLAW_AGENTS_DEFAULTS_SUBAGENT_MAX_ITERATIONS"`
	MaxHistoryTurns       int      `json:"max_history_turns" env:"MICROCLAW_AGENTS_DEFAULTS_MAX_HISTORY_TURNS"`
	Workers               int      `json:"workers" env:"MICROCLAW_AGENTS_DEFAULTS_WORKERS"`
	BusQueueSize          int      `json:"bus_queue_size" env:"MICROCLAW_AGENTS_DEFAULTS_BUS_QUEUE_SIZE"`
	ToolTimeoutSeconds    int      `json:"tool_timeout_seconds" env:"MICROCLAW_AGENTS_DEFAULTS_TOOL_TIMEOUT_SECONDS"`
	ToolOutputMaxChars    int      `json:"tool_output_max_chars" env:"MICROCLAW_AGENTS_DEFAULTS_TOOL_OUTPUT_MAX_CHARS"`
	FallbackModel         string   `json:"fallback_model" env:"MICROCLAW_AGENTS_DEFAULTS_FALLBACK_MODEL"`
	FallbackModels        []string `json:"fallback_models" env:"MICROCLAW_AGENTS_DEFAULTS_FALLBACK_MODELS"`
}

type AgentFailover struct {
	Enabled                      bool `json:"enabled" env:"MICROCLAW_AGENTS_FAILOVER_ENABLED"`
	HoldMinutes                  int  `json:"hold_minutes" env:"MICROCLAW_AGENTS_FAILOVER_HOLD_MINUTES"`
	ProbeIntervalMinutes         int  `json:"probe_interval_minutes" env:"MICROCLAW_AGENTS_FAILOVER_PROBE_INTERVAL_MINUTES"`
	ProbeSuccessThreshold        int  `json:"probe_success_threshold" env:"MICROCLAW_AGENTS_FAILOVER_PROBE_SUCCESS_THRESHOLD"`
	ProbeFailureBackoffMinutes   int  `json:"probe_failure_backoff_minutes" env:"MICROCLAW_AGENTS_FAILOVER_PROBE_FAILURE_BACKOFF_MINUTES"`
	NotifyOnSwitch               bool `json:"notify_on_switch" env:"MICROCLAW_AGENTS_FAILOVER_NOTIFY_ON_SWITCH"`
	SwitchbackRequiresApproval   bool `json:"switchback_requires_approval" env:"MICROCLAW_AGENTS_FAILOVER_SWITCHBACK_REQUIRES_APPROVAL"`
	SwitchbackPromptCooldownMins int  `json:"switchback_prompt_cooldown_minutes" env:"MICROCLAW_AGENTS_FAILOVER_SWITCHBACK_PROMPT_COOLDOWN_MINUTES"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	Slack    SlackConfig    `json:"slack"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
}

type TelegramConfig struct {
	Enabled   bool                `json:"enabled" env:"MICROCLAW_CHANNELS_TELEGRAM_ENABLED"`
	Token     string              `json:"token" env:"MICROCLAW_CHANNELS_TELEGRAM_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"MICROCLAW_CHANNELS_TELEGRAM_ALLOW_FROM"`
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled" env:"MICROCLAW_CHANNELS_DISCORD_ENABLED"`
	Token     string              `json:"token" env:"MICROCLAW_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"MICROCLAW_CHANNELS_DISCORD_ALLOW_FROM"`
}

type SlackConfig struct {
	Enabled   bool                `json:"enabled" env:"MICROCLAW_CHANNELS_SLACK_ENABLED"`
	BotToken  string              `json:"bot_token" env:"MICROCLAW_CHANNELS_SLACK_BOT_TOKEN"`
	AppToken  string              `json:"app_token" env:"MICROCLAW_CHANNELS_SLACK_APP_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"MICROCLAW_CHANNELS_SLACK_ALLOW_FROM"`
}

type WhatsAppConfig struct {
	Enabled   bool                `json:"enabled" env:"MICROCLAW_CHANNELS_WHATSAPP_ENABLED"`
	BridgeURL string              `json:"bridge_url" env:"MICROCLAW_CHANNELS_WHATSAPP_BRIDGE_URL"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"MICROCLAW_CHANNELS_WHATSAPP_ALLOW_FROM"`
}

type HeartbeatConfig struct {
	Enabled  bool `json:"enabled" env:"MICROCLAW_HEARTBEAT_ENABLED"`
	Interval int  `json:"interval" env:"MICROCLAW_HEARTBEAT_INTERVAL"` // minutes, min 5
}

type CronConfig struct {
	Enabled bool `json:"enabled" env:"MICROCLAW_CRON_ENABLED"`
}

type LoggingConfig struct {
	FileEnabled     bool   `json:"file_enabled" env:"MICROCLAW_LOGGING_FILE_ENABLED"`
	FilePath        string `json:"file_path" env:"MICROCLAW_LOGGING_FILE_PATH"`
	RotationEnabled bool   `json:"rotation_enabled" env:"MICROCLAW_LOGGING_ROTATION_ENABLED"`
	MaxAgeDays      int    `json:"max_age_days" env:"MICROCLAW_LOGGING_MAX_AGE_DAYS"`
	MaxSizeMB       int    `json:"max_size_mb" env:"MICROCLAW_LOGGING_MAX_SIZE_MB"`
}

type ProvidersConfig struct {
	Anthropic  ProviderConfig `json:"anthropic"`
	OpenAI     ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter"`
	Groq       ProviderConfig `json:"groq"`
	Zhipu      ProviderConfig `json:"zhipu"`
	VLLM       ProviderConfig `json:"vllm"`
	Gemini     ProviderConfig `json:"gemini"`
	Moonshot   ProviderConfig `json:"moonshot"`
	DeepSeek   ProviderConfig `json:"deepseek"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base"`
}

type MCPServerConfig struct {
	Name             string            `json:"name"`
	Enabled          bool              `json:"enabled"`
	Transport        string            `json:"transport"` // command|streamable_http
	Command          string            `json:"command,omitempty"`
	Args             []string          `json:"args,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	URL              string            `json:"url,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	ToolPrefix       string            `json:"tool_prefix,omitempty"`
	StartupTimeoutMS int               `json:"startup_timeout_ms,omitempty"`
	CallTimeoutMS    int               `json:"call_timeout_ms,omitempty"`
}

type MCPToolsConfig struct {
	Enabled bool              `json:"enabled"`
	Servers []MCPServerConfig `json:"servers"`
}

type ToolsConfig struct {
	MCP MCPToolsConfig `json:"mcp"`
}

func DefaultConfig() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:             "~/.microclaw/workspace",
				RestrictToWorkspace:   true,
				Model:                 "claude-sonnet-4-5",
				MaxTokens:             8192,
				Temperature:           0.7,
				MaxToolIterations:     20,
				SubagentMaxIterations: 15,
				MaxHistoryTurns:       50,
				Workers:               4,
				BusQueueSize:          128,
				ToolTimeoutSeconds:    60,
				ToolOutputMaxChars:    30000,
			},
			Failover: AgentFailover{
				Enabled:                      true,
				HoldMinutes:                  300,
				ProbeIntervalMinutes:         60,
				ProbeSuccessThreshold:        2,
				ProbeFailureBackoffMinutes:   10,
				NotifyOnSwitch:               true,
				SwitchbackRequiresApproval:   true,
				SwitchbackPromptCooldownMins: 60,
			},
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:   false,
				Token:     "",
				AllowFrom: FlexibleStringSlice{},
			},
			Discord: DiscordConfig{
				Enabled:   false,
				Token:     "",
				AllowFrom: FlexibleStringSlice{},
			},
			Slack: SlackConfig{
				Enabled:   false,
				BotToken:  "",
				AppToken:  "",
				AllowFrom: FlexibleStringSlice{},
			},
			WhatsApp: WhatsAppConfig{
				Enabled:   false,
				BridgeURL: "ws://localhost:3001",
				AllowFrom: FlexibleStringSlice{},
			},
		},
		Providers: ProvidersConfig{},
		Tools: ToolsConfig{
			MCP: MCPToolsConfig{
				Enabled: false,
				Servers: []MCPServerConfig{},
			},
		},
		Heartbeat: HeartbeatConfig{
			Enabled:  true,
			Interval: 30, // default 30 minutes
		},
		Cron: CronConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			FileEnabled:     true,
			FilePath:        "~/.microclaw/workspace/microclaw.log",
			RotationEnabled: true,
			MaxAgeDays:      7,
			MaxSizeMB:       50,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	applyProviderEnvOverrides(cfg)
	resolveProviderEnvRefs(cfg)

	return cfg, nil
}

func applyProviderEnvOverrides(cfg *Config) {
	type providerEnvBinding struct {
		target *ProviderConfig
		apiKey string
	}
	bindings := []providerEnvBinding{
		{target: &cfg.Providers.Anthropic, apiKey: "MICROCLAW_PROVIDERS_ANTHROPIC_API_KEY"},
		{target: &cfg.Providers.OpenAI, apiKey: "MICROCLAW_PROVIDERS_OPENAI_API_KEY"},
		{target: &cfg.Providers.OpenRouter, apiKey: "MICROCLAW_PROVIDERS_OPENROUTER_API_KEY"},
		{target: &cfg.Providers.Groq, apiKey: "MICROCLAW_PROVIDERS_GROQ_API_KEY"},
		{target: &cfg.Providers.Zhipu, apiKey: "MICROCLAW_PROVIDERS_ZHIPU_API_KEY"},
		{target: &cfg.Providers.VLLM, apiKey: "MICROCLAW_PROVIDERS_VLLM_API_KEY"},
		{target: &cfg.Providers.Gemini, apiKey: "MICROCLAW_PROVIDERS_GEMINI_API_KEY"},
		{target: &cfg.Providers.Moonshot, apiKey: "MICROCLAW_PROVIDERS_MOONSHOT_API_KEY"},
		{target: &cfg.Providers.DeepSeek, apiKey: "MICROCLAW_PROVIDERS_DEEPSEEK_API_KEY"},
	}

	for _, b := range bindings {
		if v := strings.TrimSpace(os.Getenv(b.apiKey)); v != "" {
			b.target.APIKey = v
		}
	}
}

func resolveProviderEnvRefs(cfg *Config) {
	providers := []*ProviderConfig{
		&cfg.Providers.Anthropic,
		&cfg.Providers.OpenAI,
		&cfg.Providers.OpenRouter,
		&cfg.Providers.Groq,
		&cfg.Providers.Zhipu,
		&cfg.Providers.VLLM,
		&cfg.Providers.Gemini,
		&cfg.Providers.Moonshot,
		&cfg.Providers.DeepSeek,
	}
	for _, p := range providers {
		p.APIKey = resolveEnvRef(p.APIKey)
		p.APIBase = resolveEnvRef(p.APIBase)
	}
}

func resolveEnvRef(v string) string {
	s := strings.TrimSpace(v)
	if s == "" {
		return v
	}
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		key := strings.TrimSpace(s[2 : len(s)-1])
		if key == "" {
			return v
		}
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return v
	}
	if strings.HasPrefix(s, "$") && len(s) > 1 {
		key := strings.TrimSpace(s[1:])
		if key == "" {
			return v
		}
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
	}
	return v
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Agents.Defaults.Workspace)
}

// SessionsPath is where conversation logs live, under the workspace so a
// backup of the workspace captures history too.
func (c *Config) SessionsPath() string {
	return filepath.Join(c.WorkspacePath(), ".sessions")
}

// StatePath holds runtime state (failover, cron schedule, usage) that is not
// conversation history.
func (c *Config) StatePath() string {
	return filepath.Join(c.WorkspacePath(), ".state")
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
