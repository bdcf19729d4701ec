package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	defaultSystemPrompt = "You are a helpful assistant embedded next to the page the user is reading. " +
		"Answer concisely and ground your answers in the page content and selected text when they are relevant."
	systemPromptFileName = "SIDECHAT.md"
)

// Config holds configuration shared by the panel and the daemon.
type Config struct {
	ConfigDir            string
	DBPath               string
	SettingsPath         string
	ListenAddr           string
	HTTPTimeoutSeconds   int
	ContextTimeoutMS     int
	HistoryWindow        int
	SystemPrompt         string
	SystemPromptFile     string
	OpenAIChatCompURL    string
	AnthropicMessagesURL string
	AnthropicVersion     string
	AnthropicMaxTokens   int
	FetchPages           bool
	CircuitThreshold     int
	CircuitCooldownSecs  int
	DummyScript          string
}

// Load reads configuration from environment variables. A prompt file in the
// config dir, when present, replaces SIDECHAT_SYSTEM_PROMPT.
func Load() (Config, error) {
	configDir, explicit, err := resolveConfigDir()
	if err != nil {
		return Config{}, err
	}
	if explicit {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return Config{}, fmt.Errorf("SIDECHAT_CONFIG_DIR %s cannot be created: %w", configDir, err)
		}
	}

	cfg := Config{
		ConfigDir:            configDir,
		DBPath:               envOrDefault("SIDECHAT_DB_PATH", filepath.Join(configDir, "sidechat.db")),
		SettingsPath:         envOrDefault("SIDECHAT_SETTINGS_PATH", filepath.Join(configDir, "settings.bolt")),
		ListenAddr:           envOrDefault("SIDECHAT_LISTEN_ADDR", "127.0.0.1:8787"),
		HTTPTimeoutSeconds:   envIntOrDefault("SIDECHAT_HTTP_TIMEOUT_SECONDS", 0),
		ContextTimeoutMS:     envIntOrDefault("SIDECHAT_CONTEXT_TIMEOUT_MS", 2000),
		HistoryWindow:        envIntOrDefault("SIDECHAT_HISTORY_WINDOW", 10),
		SystemPrompt:         envOrDefault("SIDECHAT_SYSTEM_PROMPT", defaultSystemPrompt),
		SystemPromptFile:     filepath.Join(configDir, systemPromptFileName),
		OpenAIChatCompURL:    envOrDefault("OPENAI_CHAT_COMPLETIONS_URL", "https://api.openai.com/v1/chat/completions"),
		AnthropicMessagesURL: envOrDefault("ANTHROPIC_MESSAGES_URL", "https://api.anthropic.com/v1/messages"),
		AnthropicVersion:     envOrDefault("ANTHROPIC_VERSION", "2023-06-01"),
		AnthropicMaxTokens:   envIntOrDefault("ANTHROPIC_MAX_TOKENS", 1024),
		FetchPages:           envBoolOrDefault("SIDECHAT_FETCH_PAGES", true),
		CircuitThreshold:     envIntOrDefault("SIDECHAT_CIRCUIT_THRESHOLD", 5),
		CircuitCooldownSecs:  envIntOrDefault("SIDECHAT_CIRCUIT_COOLDOWN_SECONDS", 30),
		DummyScript:          os.Getenv("SIDECHAT_DUMMY_SCRIPT"),
	}

	if cfg.HTTPTimeoutSeconds < 0 {
		return Config{}, fmt.Errorf("SIDECHAT_HTTP_TIMEOUT_SECONDS must be >= 0, got %d", cfg.HTTPTimeoutSeconds)
	}
	if cfg.ContextTimeoutMS <= 0 {
		return Config{}, fmt.Errorf("SIDECHAT_CONTEXT_TIMEOUT_MS must be > 0, got %d", cfg.ContextTimeoutMS)
	}
	if cfg.HistoryWindow <= 0 {
		return Config{}, fmt.Errorf("SIDECHAT_HISTORY_WINDOW must be > 0, got %d", cfg.HistoryWindow)
	}
	if cfg.AnthropicMaxTokens <= 0 {
		return Config{}, fmt.Errorf("ANTHROPIC_MAX_TOKENS must be > 0, got %d", cfg.AnthropicMaxTokens)
	}
	if cfg.CircuitThreshold < 0 {
		return Config{}, fmt.Errorf("SIDECHAT_CIRCUIT_THRESHOLD must be >= 0, got %d", cfg.CircuitThreshold)
	}
	if cfg.CircuitCooldownSecs <= 0 {
		return Config{}, fmt.Errorf("SIDECHAT_CIRCUIT_COOLDOWN_SECONDS must be > 0, got %d", cfg.CircuitCooldownSecs)
	}
	for key, raw := range map[string]string{
		"OPENAI_CHAT_COMPLETIONS_URL": cfg.OpenAIChatCompURL,
		"ANTHROPIC_MESSAGES_URL":      cfg.AnthropicMessagesURL,
	} {
		if err := validateURL(raw); err != nil {
			return Config{}, fmt.Errorf("%s is invalid: %w", key, err)
		}
	}

	if raw, err := os.ReadFile(cfg.SystemPromptFile); err == nil {
		if prompt := strings.TrimSpace(string(raw)); prompt != "" {
			cfg.SystemPrompt = prompt
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read system prompt file %s: %w", cfg.SystemPromptFile, err)
	}
	return cfg, nil
}

// resolveConfigDir picks SIDECHAT_CONFIG_DIR, then $XDG_CONFIG_HOME/sidechat,
// then $HOME/.config/sidechat. The bool reports whether the dir was set
// explicitly.
func resolveConfigDir() (string, bool, error) {
	if dir := strings.TrimSpace(os.Getenv("SIDECHAT_CONFIG_DIR")); dir != "" {
		return filepath.Clean(dir), true, nil
	}
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, "sidechat"), false, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("cannot resolve config dir: set SIDECHAT_CONFIG_DIR: %w", err)
	}
	return filepath.Join(home, ".config", "sidechat"), false, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolOrDefault(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true")
}
