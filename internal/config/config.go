package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cast"
)

// ConfigError reports a missing or invalid configuration value.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

// LLMConfig configures the completion backend.
type LLMConfig struct {
	Provider       string
	BaseURL        string
	APIKey         string
	Model          string
	Temperature    float32
	TimeoutSeconds int
	DummyScript    string
}

// RelayConfig configures context handling and the event journal.
type RelayConfig struct {
	ContextWindow int
	UseContext    bool
	DBPath        string
}

// BotConfig holds configuration for the Telegram polling bot.
type BotConfig struct {
	TelegramAPIBase      string
	Timeout              int
	SleepSeconds         int
	DropPending          bool
	PendingWindowSeconds int64
	PendingMaxMessages   int
	Commander            string
	DummyCommanderScript string
	DummySendScript      string
	LLM                  LLMConfig
	Relay                RelayConfig
}

// WebhookConfig holds configuration for the WhatsApp webhook server.
type WebhookConfig struct {
	Addr               string
	WhatsAppToken      string
	PhoneID            string
	GraphURL           string
	SendTimeoutSeconds int
	LLM                LLMConfig
	Relay              RelayConfig
}

// LoadBotConfig reads bot configuration from the environment, layered over
// the optional RELAY_CONFIG_FILE.
func LoadBotConfig() (BotConfig, error) {
	l, err := newLoader()
	if err != nil {
		return BotConfig{}, err
	}

	commander := l.envOrDefault("RELAY_COMMANDER", "telegram")
	token := l.envOrDefault("TELEGRAM_TOKEN", "")
	if commander == "telegram" && token == "" {
		return BotConfig{}, &ConfigError{Key: "TELEGRAM_TOKEN", Reason: "is required when RELAY_COMMANDER=telegram"}
	}
	if commander != "telegram" && commander != "dummy" {
		return BotConfig{}, &ConfigError{Key: "RELAY_COMMANDER", Reason: fmt.Sprintf("unsupported value %q", commander)}
	}
	apiURL := strings.TrimRight(l.envOrDefault("TELEGRAM_API_URL", "https://api.telegram.org"), "/")

	cfg := BotConfig{
		TelegramAPIBase:      fmt.Sprintf("%s/bot%s", apiURL, token),
		Timeout:              l.envIntOrDefault("TG_TIMEOUT", 30),
		SleepSeconds:         l.envIntOrDefault("TG_SLEEP_SECONDS", 1),
		DropPending:          l.envBoolOrDefault("TG_DROP_PENDING", true),
		PendingWindowSeconds: int64(l.envIntOrDefault("TG_PENDING_WINDOW_SECONDS", 600)),
		PendingMaxMessages:   l.envIntOrDefault("TG_PENDING_MAX_MESSAGES", 50),
		Commander:            commander,
		DummyCommanderScript: l.envOrDefault("RELAY_DUMMY_COMMANDER_SCRIPT", "ok"),
		DummySendScript:      l.envOrDefault("RELAY_DUMMY_SEND_SCRIPT", "ok"),
		LLM:                  l.llm(),
		Relay:                l.relay(),
	}
	if l.err != nil {
		return BotConfig{}, l.err
	}
	if cfg.Timeout < 0 {
		return BotConfig{}, &ConfigError{Key: "TG_TIMEOUT", Reason: "must be >= 0"}
	}
	if cfg.SleepSeconds < 0 {
		return BotConfig{}, &ConfigError{Key: "TG_SLEEP_SECONDS", Reason: "must be >= 0"}
	}
	if err := validateShared(cfg.LLM, cfg.Relay); err != nil {
		return BotConfig{}, err
	}
	return cfg, nil
}

// LoadWebhookConfig reads webhook configuration from the environment,
// layered over the optional RELAY_CONFIG_FILE.
func LoadWebhookConfig() (WebhookConfig, error) {
	l, err := newLoader()
	if err != nil {
		return WebhookConfig{}, err
	}

	cfg := WebhookConfig{
		Addr:               l.envOrDefault("WEBHOOK_ADDR", ":8000"),
		WhatsAppToken:      l.envOrDefault("WHATSAPP_TOKEN", ""),
		PhoneID:            l.envOrDefault("WHATSAPP_PHONE_ID", l.envOrDefault("TEST_PHONE_ID", "")),
		GraphURL:           strings.TrimRight(l.envOrDefault("WHATSAPP_GRAPH_URL", "https://graph.facebook.com/v18.0"), "/"),
		SendTimeoutSeconds: l.envIntOrDefault("WHATSAPP_SEND_TIMEOUT_SECONDS", 30),
		LLM:                l.llm(),
		Relay:              l.relay(),
	}
	if l.err != nil {
		return WebhookConfig{}, l.err
	}
	if cfg.WhatsAppToken == "" {
		return WebhookConfig{}, &ConfigError{Key: "WHATSAPP_TOKEN", Reason: "is required"}
	}
	if cfg.PhoneID == "" {
		return WebhookConfig{}, &ConfigError{Key: "WHATSAPP_PHONE_ID", Reason: "is required (TEST_PHONE_ID is accepted as an alias)"}
	}
	if err := validateURL("WHATSAPP_GRAPH_URL", cfg.GraphURL); err != nil {
		return WebhookConfig{}, err
	}
	if cfg.SendTimeoutSeconds <= 0 {
		return WebhookConfig{}, &ConfigError{Key: "WHATSAPP_SEND_TIMEOUT_SECONDS", Reason: "must be > 0"}
	}
	if err := validateShared(cfg.LLM, cfg.Relay); err != nil {
		return WebhookConfig{}, err
	}
	return cfg, nil
}

func (l *loader) llm() LLMConfig {
	return LLMConfig{
		Provider:       l.envOrDefault("RELAY_MODEL_PROVIDER", "openai"),
		BaseURL:        l.envOrDefault("LLM_BASE_URL", "http://localhost:1234/v1"),
		APIKey:         l.envOrDefault("LLM_API_KEY", "not-needed"),
		Model:          l.envOrDefault("LLM_MODEL", "local-model"),
		Temperature:    float32(l.envFloatOrDefault("LLM_TEMPERATURE", 0.7)),
		TimeoutSeconds: l.envIntOrDefault("LLM_TIMEOUT_SECONDS", 120),
		DummyScript:    l.envOrDefault("RELAY_DUMMY_PROVIDER_SCRIPT", "ok"),
	}
}

func (l *loader) relay() RelayConfig {
	return RelayConfig{
		ContextWindow: l.envIntOrDefault("RELAY_CONTEXT_WINDOW", 5),
		UseContext:    l.envBoolOrDefault("RELAY_USE_CONTEXT", true),
		DBPath:        l.envOrDefault("RELAY_DB_PATH", "./chatrelay.db"),
	}
}

func validateShared(llm LLMConfig, relay RelayConfig) error {
	switch llm.Provider {
	case "openai":
		if err := validateURL("LLM_BASE_URL", llm.BaseURL); err != nil {
			return err
		}
	case "dummy":
	default:
		return &ConfigError{Key: "RELAY_MODEL_PROVIDER", Reason: fmt.Sprintf("unsupported value %q", llm.Provider)}
	}
	if llm.Temperature < 0 || llm.Temperature > 2 {
		return &ConfigError{Key: "LLM_TEMPERATURE", Reason: "must be within [0, 2]"}
	}
	if llm.TimeoutSeconds <= 0 {
		return &ConfigError{Key: "LLM_TIMEOUT_SECONDS", Reason: "must be > 0"}
	}
	if relay.ContextWindow < 1 {
		return &ConfigError{Key: "RELAY_CONTEXT_WINDOW", Reason: "must be >= 1"}
	}
	if strings.TrimSpace(relay.DBPath) == "" {
		return &ConfigError{Key: "RELAY_DB_PATH", Reason: "must not be empty"}
	}
	return nil
}

func validateURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ConfigError{Key: key, Reason: fmt.Sprintf("must be an absolute http(s) URL, got %q", raw)}
	}
	return nil
}

// loader resolves keys from the environment first, then from the config
// file, then from the supplied fallback. The first invalid value is kept
// in err.
type loader struct {
	file map[string]string
	err  error
}

func newLoader() (*loader, error) {
	l := &loader{file: map[string]string{}}
	path := strings.TrimSpace(os.Getenv("RELAY_CONFIG_FILE"))
	if path == "" {
		return l, nil
	}
	file, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	l.file = file
	return l, nil
}

// LoadFile decodes a TOML config file into environment-style keys:
// [llm] base_url becomes LLM_BASE_URL, top-level keys are upper-cased.
func LoadFile(path string) (map[string]string, error) {
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, &ConfigError{Key: "RELAY_CONFIG_FILE", Reason: fmt.Sprintf("failed to decode %s: %v", path, err)}
	}
	out := map[string]string{}
	if err := flatten("", raw, out); err != nil {
		return nil, &ConfigError{Key: "RELAY_CONFIG_FILE", Reason: err.Error()}
	}
	return out, nil
}

func flatten(prefix string, table map[string]any, out map[string]string) error {
	for k, v := range table {
		key := strings.ToUpper(k)
		if prefix != "" {
			key = prefix + "_" + key
		}
		if nested, ok := v.(map[string]any); ok {
			if err := flatten(key, nested, out); err != nil {
				return err
			}
			continue
		}
		s, err := cast.ToStringE(v)
		if err != nil {
			return fmt.Errorf("unsupported value for %s: %v", key, err)
		}
		out[key] = s
	}
	return nil
}

func (l *loader) lookup(key string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(l.file[key])
}

func (l *loader) fail(key, reason string) {
	if l.err == nil {
		l.err = &ConfigError{Key: key, Reason: reason}
	}
}

func (l *loader) envOrDefault(key, fallback string) string {
	if v := l.lookup(key); v != "" {
		return v
	}
	return fallback
}

func (l *loader) envIntOrDefault(key string, fallback int) int {
	v := l.lookup(key)
	if v == "" {
		return fallback
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		l.fail(key, fmt.Sprintf("invalid integer %q", v))
		return fallback
	}
	return n
}

func (l *loader) envFloatOrDefault(key string, fallback float64) float64 {
	v := l.lookup(key)
	if v == "" {
		return fallback
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		l.fail(key, fmt.Sprintf("invalid number %q", v))
		return fallback
	}
	return f
}

func (l *loader) envBoolOrDefault(key string, fallback bool) bool {
	v := l.lookup(key)
	if v == "" {
		return fallback
	}
	b, err := cast.ToBoolE(strings.ToLower(v))
	if err != nil {
		l.fail(key, fmt.Sprintf("invalid boolean %q", v))
		return fallback
	}
	return b
}
