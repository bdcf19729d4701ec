package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "cfg")
	t.Setenv("SIDECHAT_CONFIG_DIR", dir)
	for _, key := range []string{
		"SIDECHAT_DB_PATH", "SIDECHAT_SETTINGS_PATH", "SIDECHAT_LISTEN_ADDR",
		"SIDECHAT_HTTP_TIMEOUT_SECONDS", "SIDECHAT_CONTEXT_TIMEOUT_MS", "SIDECHAT_HISTORY_WINDOW",
		"SIDECHAT_SYSTEM_PROMPT", "OPENAI_CHAT_COMPLETIONS_URL", "ANTHROPIC_MESSAGES_URL",
		"ANTHROPIC_VERSION", "ANTHROPIC_MAX_TOKENS", "SIDECHAT_FETCH_PAGES",
		"SIDECHAT_CIRCUIT_THRESHOLD", "SIDECHAT_CIRCUIT_COOLDOWN_SECONDS", "SIDECHAT_DUMMY_SCRIPT",
	} {
		t.Setenv(key, "")
	}
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	dir := setupEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != filepath.Join(dir, "sidechat.db") {
		t.Fatalf("unexpected db path: %s", cfg.DBPath)
	}
	if cfg.SettingsPath != filepath.Join(dir, "settings.bolt") {
		t.Fatalf("unexpected settings path: %s", cfg.SettingsPath)
	}
	if cfg.HistoryWindow != 10 {
		t.Fatalf("unexpected history window: %d", cfg.HistoryWindow)
	}
	if cfg.HTTPTimeoutSeconds != 0 {
		t.Fatalf("streams must not time out by default, got %d", cfg.HTTPTimeoutSeconds)
	}
	if cfg.AnthropicVersion != "2023-06-01" {
		t.Fatalf("unexpected anthropic version: %s", cfg.AnthropicVersion)
	}
	if !cfg.FetchPages {
		t.Fatal("expected page fetching enabled by default")
	}
}

func TestLoad_ValidatesContextTimeout(t *testing.T) {
	setupEnv(t)
	t.Setenv("SIDECHAT_CONTEXT_TIMEOUT_MS", "0")
	_, err := Load()
	if err == nil {
		t.Fatal("expected invalid context timeout error")
	}
	if !strings.Contains(err.Error(), "SIDECHAT_CONTEXT_TIMEOUT_MS") {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestLoad_ValidatesHistoryWindow(t *testing.T) {
	setupEnv(t)
	t.Setenv("SIDECHAT_HISTORY_WINDOW", "-1")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "SIDECHAT_HISTORY_WINDOW") {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestLoad_ValidatesProviderURL(t *testing.T) {
	setupEnv(t)
	t.Setenv("ANTHROPIC_MESSAGES_URL", "api.anthropic.com/v1/messages")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "ANTHROPIC_MESSAGES_URL") {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestLoad_PromptFileOverridesEnv(t *testing.T) {
	dir := setupEnv(t)
	t.Setenv("SIDECHAT_SYSTEM_PROMPT", "from env")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "SIDECHAT.md"), []byte("  from file \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SystemPrompt != "from file" {
		t.Fatalf("unexpected system prompt: %q", cfg.SystemPrompt)
	}
}

func TestResolveConfigDir_Priority(t *testing.T) {
	explicit := filepath.Join(t.TempDir(), "explicit")
	t.Setenv("SIDECHAT_CONFIG_DIR", explicit)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(t.TempDir(), "xdg"))
	dir, explicitSet, err := resolveConfigDir()
	if err != nil {
		t.Fatal(err)
	}
	if !explicitSet {
		t.Fatal("expected explicit config dir")
	}
	if dir != explicit {
		t.Fatalf("unexpected explicit dir: %s", dir)
	}

	t.Setenv("SIDECHAT_CONFIG_DIR", "")
	xdg := filepath.Join(t.TempDir(), "xdg2")
	t.Setenv("XDG_CONFIG_HOME", xdg)
	dir, explicitSet, err = resolveConfigDir()
	if err != nil {
		t.Fatal(err)
	}
	if explicitSet {
		t.Fatal("expected non-explicit config dir from XDG_CONFIG_HOME")
	}
	wantXDG := filepath.Join(xdg, "sidechat")
	if dir != wantXDG {
		t.Fatalf("unexpected xdg dir: got=%s want=%s", dir, wantXDG)
	}

	t.Setenv("XDG_CONFIG_HOME", "")
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir, explicitSet, err = resolveConfigDir()
	if err != nil {
		t.Fatal(err)
	}
	if explicitSet {
		t.Fatal("expected non-explicit config dir from HOME")
	}
	wantHome := filepath.Join(home, ".config", "sidechat")
	if dir != wantHome {
		t.Fatalf("unexpected home dir: got=%s want=%s", dir, wantHome)
	}
}

func TestLoad_CreatesExplicitConfigDir(t *testing.T) {
	dir := setupEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if _, statErr := os.Stat(dir); statErr != nil {
		t.Fatalf("expected explicit config dir created: %v", statErr)
	}
	if cfg.ConfigDir != dir {
		t.Fatalf("unexpected config dir: %s", cfg.ConfigDir)
	}
	wantPromptFile := filepath.Join(dir, "SIDECHAT.md")
	if cfg.SystemPromptFile != wantPromptFile {
		t.Fatalf("unexpected system prompt file: %s", cfg.SystemPromptFile)
	}
}

func TestLoad_DoesNotCreateDefaultConfigDir(t *testing.T) {
	setupEnv(t)
	t.Setenv("SIDECHAT_CONFIG_DIR", "")
	t.Setenv("XDG_CONFIG_HOME", "")
	home := t.TempDir()
	t.Setenv("HOME", home)
	defaultDir := filepath.Join(home, ".config", "sidechat")
	if _, err := os.Stat(defaultDir); !os.IsNotExist(err) {
		t.Fatalf("expected default dir absent before test, err=%v", err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if _, statErr := os.Stat(defaultDir); !os.IsNotExist(statErr) {
		t.Fatalf("expected default dir not created, stat err=%v", statErr)
	}
	if cfg.ConfigDir != defaultDir {
		t.Fatalf("unexpected config dir: %s", cfg.ConfigDir)
	}
}

func TestLoad_CircuitSettings(t *testing.T) {
	setupEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CircuitThreshold != 5 || cfg.CircuitCooldownSecs != 30 {
		t.Fatalf("unexpected circuit defaults: %d %d", cfg.CircuitThreshold, cfg.CircuitCooldownSecs)
	}

	t.Setenv("SIDECHAT_CIRCUIT_THRESHOLD", "-1")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "SIDECHAT_CIRCUIT_THRESHOLD") {
		t.Fatalf("expected threshold validation error, got %v", err)
	}
}
