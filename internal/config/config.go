// Package config loads the TOML configuration, merged from directories in
// override order, with environment variables on top.
package config

import (
	"fmt"
	"time"
)

// Config is the full process configuration.
type Config struct {
	Bot       BotConfig                 `toml:"bot"`
	Telegram  TelegramConfig            `toml:"telegram"`
	Max       MaxConfig                 `toml:"max"`
	Database  DatabaseConfig            `toml:"database"`
	Providers map[string]ProviderConfig `toml:"providers"`
	RateLimit RateLimitConfig           `toml:"rate_limiter"`
	Cache     CacheConfig               `toml:"cache"`
	Spam      SpamConfig                `toml:"spam"`
	Scheduler SchedulerConfig           `toml:"scheduler"`
	LLM       LLMConfig                 `toml:"llm"`
	Pipeline  PipelineConfig            `toml:"pipeline"`
	Media     MediaConfig               `toml:"media"`
	Resender  ResenderConfig            `toml:"resender"`
	Services  ServicesConfig            `toml:"services"`
	Telemetry TelemetryConfig           `toml:"telemetry"`
	Log       LogConfig                 `toml:"log"`
}

type BotConfig struct {
	// BotOwners are handles allowed to run owner-gated commands.
	BotOwners []string `toml:"bot_owners"`
	// Defaults seed the lowest layer of chat-settings resolution.
	Defaults map[string]string `toml:"defaults"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	// WebhookURL switches the adapter from long polling to webhook mode.
	WebhookURL    string `toml:"webhook_url"`
	WebhookListen string `toml:"webhook_listen"`
	WebhookSecret string `toml:"webhook_secret"`
}

type MaxConfig struct {
	Enabled       bool   `toml:"enabled"`
	BotToken      string `toml:"bot_token"`
	Endpoint      string `toml:"endpoint"`
	WebhookURL    string `toml:"webhook_url"`
	WebhookListen string `toml:"webhook_listen"`
	WebhookSecret string `toml:"webhook_secret"`
}

type DatabaseConfig struct {
	Default string                  `toml:"default"`
	Sources map[string]SourceConfig `toml:"sources"`
	// ChatMapping routes chats to named sources; keys are chat ids in
	// decimal.
	ChatMapping map[string]string `toml:"chatMapping"`
}

type SourceConfig struct {
	// Type is "sqlite", "postgres" or "memory". Empty means sqlite.
	Type     string `toml:"type"`
	Path     string `toml:"path"`
	DSN      string `toml:"dsn"`
	ReadOnly bool   `toml:"readonly"`
	PoolSize int    `toml:"pool-size"`
	Timeout  int    `toml:"timeout"`
}

type ProviderConfig struct {
	// Type is "openai" or "anthropic" (wire protocol, not vendor).
	Type          string  `toml:"type"`
	ModelID       string  `toml:"model_id"`
	Endpoint      string  `toml:"endpoint"`
	APIKey        string  `toml:"api_key"`
	Temperature   float64 `toml:"temperature"`
	ContextSize   int     `toml:"context_size"`
	MaxTokens     int     `toml:"max_tokens"`
	SupportsTools bool    `toml:"supports_tools"`
	SupportsImgs  bool    `toml:"supports_vision"`
	Fallback      string  `toml:"fallback"`
}

type RateLimitConfig struct {
	Queues map[string]QueueConfig `toml:"queues"`
}

type QueueConfig struct {
	Capacity   int `toml:"capacity"`
	WindowSecs int `toml:"window_secs"`
}

type CacheConfig struct {
	PersistencePeriodSecs int `toml:"persistence_period_secs"`
}

type SpamConfig struct {
	Alpha           float64 `toml:"alpha"`
	MinChatMessages int64   `toml:"min_chat_messages"`
	MinTokenLen     int     `toml:"min_token_len"`
}

type SchedulerConfig struct {
	TickSecs   int  `toml:"tick_secs"`
	ClaimFirst bool `toml:"claim_first"`
}

type LLMConfig struct {
	DefaultModel string `toml:"default_model"`
	MaxToolDepth int    `toml:"max_tool_depth"`
}

type PipelineConfig struct {
	ContextTokenBudget int `toml:"context_token_budget"`
}

type MediaConfig struct {
	GroupDelaySecs int    `toml:"group_delay_secs"`
	StorageDir     string `toml:"storage_dir"`
}

type ResenderConfig struct {
	Jobs []ResenderJob `toml:"jobs"`
}

type ResenderJob struct {
	ID                  string `toml:"id"`
	SourceChatID        int64  `toml:"source_chat_id"`
	TargetChatID        int64  `toml:"target_chat_id"`
	MediaGroupDelaySecs int    `toml:"media_group_delay_secs"`
}

type ServicesConfig struct {
	OpenWeatherMap APIKeyConfig `toml:"openweathermap"`
	YandexSearch   YandexConfig `toml:"yandex-search"`
}

type APIKeyConfig struct {
	APIKey string `toml:"api-key"`
}

type YandexConfig struct {
	APIKey   string `toml:"api-key"`
	FolderID string `toml:"folder-id"`
}

type TelemetryConfig struct {
	Endpoint string `toml:"endpoint"`
	Insecure bool   `toml:"insecure"`
}

type LogConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `toml:"level"`
	// Format is "text" or "json".
	Format string `toml:"format"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Default: "main",
			Sources: map[string]SourceConfig{
				"main": {Type: "sqlite", Path: "vombat.db"},
			},
		},
		Cache:     CacheConfig{PersistencePeriodSecs: 300},
		Spam:      SpamConfig{Alpha: 1.0, MinChatMessages: 20, MinTokenLen: 3},
		Scheduler: SchedulerConfig{TickSecs: 1},
		LLM:       LLMConfig{MaxToolDepth: 5},
		Pipeline:  PipelineConfig{ContextTokenBudget: 8000},
		Media:     MediaConfig{GroupDelaySecs: 5, StorageDir: "media"},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// TickInterval returns the scheduler resolution as a duration.
func (c *SchedulerConfig) TickInterval() time.Duration {
	if c.TickSecs <= 0 {
		return time.Second
	}
	return time.Duration(c.TickSecs) * time.Second
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	if len(c.Database.Sources) == 0 {
		return fmt.Errorf("database: no sources configured")
	}
	if _, ok := c.Database.Sources[c.Database.Default]; !ok {
		return fmt.Errorf("database: default source %q not configured", c.Database.Default)
	}
	for name, src := range c.Database.Sources {
		switch src.Type {
		case "", "sqlite":
			if src.Path == "" {
				return fmt.Errorf("database source %q: path required", name)
			}
		case "postgres":
			if src.DSN == "" {
				return fmt.Errorf("database source %q: dsn required", name)
			}
		case "memory":
		default:
			return fmt.Errorf("database source %q: unknown type %q", name, src.Type)
		}
	}
	if !c.Telegram.Enabled && !c.Max.Enabled {
		return fmt.Errorf("no platform adapter enabled")
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram: bot_token required")
	}
	if c.Max.Enabled && c.Max.BotToken == "" {
		return fmt.Errorf("max: bot_token required")
	}
	for id, p := range c.Providers {
		switch p.Type {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("provider %q: unknown type %q", id, p.Type)
		}
		if p.Fallback != "" {
			if _, ok := c.Providers[p.Fallback]; !ok {
				return fmt.Errorf("provider %q: fallback %q not configured", id, p.Fallback)
			}
		}
	}
	if c.LLM.DefaultModel != "" {
		if _, ok := c.Providers[c.LLM.DefaultModel]; !ok {
			return fmt.Errorf("llm: default_model %q not configured", c.LLM.DefaultModel)
		}
	}
	for _, job := range c.Resender.Jobs {
		if job.ID == "" {
			return fmt.Errorf("resender: job without id")
		}
		if job.SourceChatID == 0 || job.TargetChatID == 0 {
			return fmt.Errorf("resender job %q: source and target chats required", job.ID)
		}
	}
	return nil
}
