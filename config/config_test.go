package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFilesDefaults(t *testing.T) {
	cfg, err := LoadFiles(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFiles: %v", err)
	}
	if cfg.LLMClient != "mock" {
		t.Errorf("LLMClient = %q", cfg.LLMClient)
	}
	if cfg.Loop.MaxToolRounds != 12 || cfg.Loop.Retries() != 2 {
		t.Errorf("loop defaults = %+v", cfg.Loop)
	}
	if cfg.Context.HighWater != 0.85 {
		t.Errorf("HighWater = %v", cfg.Context.HighWater)
	}
	if _, err := cfg.GetToolset(""); err != nil {
		t.Errorf("default toolset missing: %v", err)
	}
	hidden := cfg.FilesystemAccess.Hidden
	if len(hidden) != 2 || hidden[0] != DirName {
		t.Errorf("config dir should be hidden, got %v", hidden)
	}
}

func TestLoadFilesProjectOverridesUser(t *testing.T) {
	user := writeFile(t, t.TempDir(), `
llm: groq
model: llama-3.3-70b-versatile
loop:
  max_tool_rounds: 5
`)
	project := writeFile(t, t.TempDir(), `
model: llama-3.1-8b-instant
loop:
  retry_backoff: 250ms
models:
  llama-3.1-8b-instant:
    tokens_per_window: 1000
    window: 30s
toolsets:
  - name: default
    tools: [read_file]
  - name: full
    tools: [read_file, write_file]
`)

	cfg, err := LoadFiles(user, project)
	if err != nil {
		t.Fatalf("LoadFiles: %v", err)
	}
	if cfg.LLMClient != "groq" {
		t.Errorf("LLMClient = %q, want user value", cfg.LLMClient)
	}
	if cfg.Model != "llama-3.1-8b-instant" {
		t.Errorf("Model = %q, want project value", cfg.Model)
	}
	if cfg.Loop.RetryBackoff != 250*time.Millisecond {
		t.Errorf("RetryBackoff = %v", cfg.Loop.RetryBackoff)
	}

	id := cfg.ResolveIdentity(cfg.LLMClient, cfg.Model)
	if id.Budget.Tokens != 1000 || id.Budget.Window != 30*time.Second {
		t.Errorf("override not applied: %+v", id.Budget)
	}
	if id.Budget.Requests != 20 {
		t.Errorf("built-in request budget lost: %+v", id.Budget)
	}

	ts, err := cfg.GetToolset("missing")
	if err != nil || ts.Name != "default" {
		t.Errorf("GetToolset fallback = %v, %v", ts, err)
	}
}

func TestResolveIdentityUnknownModel(t *testing.T) {
	cfg := &Config{}
	id := cfg.ResolveIdentity("openai", "brand-new-model")
	if id.ContextLimit != 128_000 || id.Budget.Requests != 20 || id.Budget.Window != time.Minute {
		t.Errorf("unexpected fallback identity %+v", id)
	}
	if id.Key() != "openai/brand-new-model" {
		t.Errorf("Key = %q", id.Key())
	}
}

func TestLoadFilesExplicitZeroRetries(t *testing.T) {
	path := writeFile(t, t.TempDir(), "loop:\n  max_retries: 0\n")
	cfg, err := LoadFiles(path)
	if err != nil {
		t.Fatalf("LoadFiles: %v", err)
	}
	if got := cfg.Loop.Retries(); got != 0 {
		t.Errorf("Retries() = %d, want 0 when set explicitly", got)
	}

	path = writeFile(t, t.TempDir(), "loop:\n  max_retries: -3\n")
	if cfg, err = LoadFiles(path); err != nil {
		t.Fatalf("LoadFiles: %v", err)
	}
	if got := cfg.Loop.Retries(); got != 0 {
		t.Errorf("Retries() = %d, want negative values clamped to 0", got)
	}
}

func TestResolveIdentityCapabilities(t *testing.T) {
	cfg := &Config{}

	id := cfg.ResolveIdentity("anthropic", "claude-haiku-4-5-20251001")
	if id.Capabilities.NoTools || id.Capabilities.SerialTools {
		t.Errorf("claude capabilities = %+v, want full tool support", id.Capabilities)
	}

	id = cfg.ResolveIdentity("groq", "llama-3.1-8b-instant")
	if id.Capabilities.NoTools || !id.Capabilities.SerialTools {
		t.Errorf("small llama capabilities = %+v, want serial tools", id.Capabilities)
	}

	id = cfg.ResolveIdentity("deepseek", "deepseek-reasoner")
	if !id.Capabilities.NoTools {
		t.Errorf("deepseek-reasoner capabilities = %+v, want no tools", id.Capabilities)
	}

	id = cfg.ResolveIdentity("openai", "brand-new-model")
	if id.Capabilities.NoTools || !id.Capabilities.SerialTools {
		t.Errorf("unknown model capabilities = %+v, want serial tools", id.Capabilities)
	}
}

func TestResolveIdentityCapabilityOverrides(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
models:
  llama-3.1-8b-instant:
    supports_parallel_tools: true
  claude-haiku-4-5-20251001:
    supports_tools: false
`)
	cfg, err := LoadFiles(path)
	if err != nil {
		t.Fatalf("LoadFiles: %v", err)
	}
	if id := cfg.ResolveIdentity("groq", "llama-3.1-8b-instant"); id.Capabilities.SerialTools {
		t.Errorf("parallel override not applied: %+v", id.Capabilities)
	}
	if id := cfg.ResolveIdentity("anthropic", "claude-haiku-4-5-20251001"); !id.Capabilities.NoTools {
		t.Errorf("tools override not applied: %+v", id.Capabilities)
	}
}
