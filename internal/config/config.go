// Package config loads llmbot runtime configuration from a TOML file and environment variables, exposing typed structs and accessors for all sections.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// ProviderOpenAI selects an OpenAI-compatible chat completions endpoint.
	ProviderOpenAI = "openai"
	// ProviderAnthropic selects the Anthropic Messages API.
	ProviderAnthropic = "anthropic"
)

// Config is the runtime configuration loaded from defaults, config.toml, and env vars.
type Config struct {
	// HomeDir is runtime-resolved from LLMBOT_HOME and not read from config.
	HomeDir   string                   `mapstructure:"-"`
	LLM       LLMConfig                `mapstructure:"llm"`
	Agent     AgentConfig              `mapstructure:"agent"`
	Channels  map[string]ChannelConfig `mapstructure:"channels"`
	Tools     ToolsConfig              `mapstructure:"tools"`
	Usage     UsageConfig              `mapstructure:"usage"`
	Metrics   MetricsConfig            `mapstructure:"metrics"`
	Telemetry TelemetryConfig          `mapstructure:"telemetry"`
}

// LLMConfig is the hot-reloadable model section.
type LLMConfig struct {
	Models []ModelConfig `mapstructure:"models"`
	// Prompt is the fallback system prompt for models without their own.
	Prompt string `mapstructure:"prompt"`
}

// ModelConfig configures one completion backend.
type ModelConfig struct {
	Name     string         `mapstructure:"name"`
	Alias    string         `mapstructure:"alias"`
	Provider string         `mapstructure:"provider"`
	BaseURL  string         `mapstructure:"base_url"`
	APIKey   string         `mapstructure:"api_key"`
	Prompt   string         `mapstructure:"prompt"`
	Extra    map[string]any `mapstructure:"extra"`
}

// AgentConfig controls the orchestration loop.
type AgentConfig struct {
	MaxToolRounds   int           `mapstructure:"max_tool_rounds"`
	HistoryMessages int           `mapstructure:"history_messages"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// ChannelConfig configures one inbound/outbound channel.
type ChannelConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
}

// ToolsConfig configures built-in tools.
type ToolsConfig struct {
	Weather WeatherConfig `mapstructure:"weather"`
	AskUser AskUserConfig `mapstructure:"ask_user"`
}

// WeatherConfig configures the weather lookup tool.
type WeatherConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Endpoint string        `mapstructure:"endpoint"`
	Lang     string        `mapstructure:"lang"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// AskUserConfig configures the follow-up question tool.
type AskUserConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// UsageConfig controls usage journaling and periodic reports.
type UsageConfig struct {
	Journal        bool   `mapstructure:"journal"`
	ReportSchedule string `mapstructure:"report_schedule"`
}

// TelemetryConfig controls trace export. An empty OTLPEndpoint disables it.
type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

var defaultConfig = Config{
	LLM: LLMConfig{
		Prompt: "You are a helpful assistant in a group chat. Keep answers short.",
	},
	Agent: AgentConfig{
		MaxToolRounds:   10,
		HistoryMessages: 0,
		RequestTimeout:  2 * time.Minute,
	},
	Channels: map[string]ChannelConfig{
		"telegram": {Enabled: false},
	},
	Tools: ToolsConfig{
		Weather: WeatherConfig{
			Enabled:  true,
			Endpoint: "https://wttr.in",
			Lang:     "en",
			Timeout:  30 * time.Second,
		},
		AskUser: AskUserConfig{
			Enabled:        true,
			DefaultTimeout: 120 * time.Second,
		},
	},
	Usage: UsageConfig{
		Journal: true,
	},
}

// defaultUserConfig is the bootstrap config written for first-time users.
var defaultUserConfig = LLMConfig{
	Prompt: defaultConfig.LLM.Prompt,
	Models: []ModelConfig{{
		Name:     "gpt-4o-mini",
		Alias:    "mini",
		Provider: ProviderOpenAI,
		BaseURL:  "https://api.openai.com/v1",
		APIKey:   "$OPENAI_API_KEY",
	}},
}

// homeDir returns the llmbot home directory.
// Uses LLMBOT_HOME if set, otherwise ~/.llmbot.
func homeDir() (string, error) {
	if dir := os.Getenv("LLMBOT_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return defaultHomePath(home), nil
}

// HomeDir returns the resolved llmbot home directory.
func HomeDir() (string, error) {
	return homeDir()
}

// Load merges hardcoded defaults and config file values in that order.
// Config is always at $LLMBOT_HOME/config.toml.
func Load() (*Config, error) {
	home, err := homeDir()
	if err != nil {
		return nil, err
	}
	v, err := readViper(home)
	if err != nil {
		return nil, err
	}
	return decode(v, home)
}

func newViper(home string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(homeConfigPath(home))
	v.SetConfigType("toml")
	return v
}

func readViper(home string) (*viper.Viper, error) {
	v := newViper(home)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper, home string) (*Config, error) {
	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		expandEnvStringHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, func(c *mapstructure.DecoderConfig) {
		c.DecodeHook = decodeHook
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.HomeDir = home
	for i := range cfg.LLM.Models {
		if cfg.LLM.Models[i].Provider == "" {
			cfg.LLM.Models[i].Provider = ProviderOpenAI
		}
	}
	return &cfg, nil
}

// Write writes the merged configuration (defaults overlaid by user
// config) to w in TOML format.
func Write(w io.Writer) error {
	if w == nil {
		return errors.New("writer is required")
	}
	home, err := homeDir()
	if err != nil {
		return err
	}
	v, err := readViper(home)
	if err != nil {
		return err
	}

	// Keep duration fields human-readable in generated TOML.
	v.Set("agent.request_timeout", v.GetDuration("agent.request_timeout").String())
	v.Set("tools.weather.timeout", v.GetDuration("tools.weather.timeout").String())
	v.Set("tools.ask_user.default_timeout", v.GetDuration("tools.ask_user.default_timeout").String())

	if err := v.WriteConfigTo(w); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// DefaultUserConfigTOML renders the bootstrap user config as TOML.
func DefaultUserConfigTOML() (string, error) {
	v := viper.New()
	v.SetConfigType("toml")

	models := make([]map[string]any, 0, len(defaultUserConfig.Models))
	for _, m := range defaultUserConfig.Models {
		models = append(models, map[string]any{
			"name":     m.Name,
			"alias":    m.Alias,
			"provider": m.Provider,
			"base_url": m.BaseURL,
			"api_key":  m.APIKey,
		})
	}
	v.Set("llm.prompt", defaultUserConfig.Prompt)
	v.Set("llm.models", models)
	v.Set("channels.telegram.enabled", false)
	v.Set("channels.telegram.token", "$TELEGRAM_BOT_TOKEN")

	var out bytes.Buffer
	if err := v.WriteConfigTo(&out); err != nil {
		return "", fmt.Errorf("write default user config: %w", err)
	}
	return out.String(), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.prompt", defaultConfig.LLM.Prompt)

	v.SetDefault("agent.max_tool_rounds", defaultConfig.Agent.MaxToolRounds)
	v.SetDefault("agent.history_messages", defaultConfig.Agent.HistoryMessages)
	v.SetDefault("agent.request_timeout", defaultConfig.Agent.RequestTimeout)

	v.SetDefault("channels.telegram.enabled", defaultConfig.Channels["telegram"].Enabled)
	v.SetDefault("channels.telegram.token", defaultConfig.Channels["telegram"].Token)

	v.SetDefault("tools.weather.enabled", defaultConfig.Tools.Weather.Enabled)
	v.SetDefault("tools.weather.endpoint", defaultConfig.Tools.Weather.Endpoint)
	v.SetDefault("tools.weather.lang", defaultConfig.Tools.Weather.Lang)
	v.SetDefault("tools.weather.timeout", defaultConfig.Tools.Weather.Timeout)
	v.SetDefault("tools.ask_user.enabled", defaultConfig.Tools.AskUser.Enabled)
	v.SetDefault("tools.ask_user.default_timeout", defaultConfig.Tools.AskUser.DefaultTimeout)

	v.SetDefault("usage.journal", defaultConfig.Usage.Journal)
	v.SetDefault("usage.report_schedule", defaultConfig.Usage.ReportSchedule)

	v.SetDefault("metrics.listen", defaultConfig.Metrics.Listen)
	v.SetDefault("telemetry.otlp_endpoint", defaultConfig.Telemetry.OTLPEndpoint)
}

// TelegramChannel returns Telegram channel config with fallback defaults.
func (c *Config) TelegramChannel() ChannelConfig {
	if ch, ok := c.Channels["telegram"]; ok {
		return ch
	}
	return defaultConfig.Channels["telegram"]
}

// Clone returns a deep copy of the model list so callers can hand it to
// concurrent readers without sharing Extra maps.
func (c LLMConfig) Clone() LLMConfig {
	out := LLMConfig{Prompt: c.Prompt}
	if c.Models != nil {
		out.Models = make([]ModelConfig, len(c.Models))
		for i, m := range c.Models {
			out.Models[i] = m.Clone()
		}
	}
	return out
}

// Clone returns a copy of m with its own Extra map.
func (m ModelConfig) Clone() ModelConfig {
	out := m
	if m.Extra != nil {
		out.Extra = make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

func expandEnvStringHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.String {
			return data, nil
		}
		value, ok := data.(string)
		if !ok {
			return data, nil
		}
		return os.ExpandEnv(value), nil
	}
}
