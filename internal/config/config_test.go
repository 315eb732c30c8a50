package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "overseer.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  path: /var/lib/overseer/core.db
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Path != "/var/lib/overseer/core.db" {
		t.Errorf("path = %q", cfg.Database.Path)
	}
	if cfg.LLM.DefaultProvider != "anthropic" {
		t.Errorf("default provider = %q", cfg.LLM.DefaultProvider)
	}
	if cfg.Engine.MaxConcurrent != 10 {
		t.Errorf("max concurrent = %d", cfg.Engine.MaxConcurrent)
	}
	if cfg.Memory.DedupThreshold != 0.95 {
		t.Errorf("dedup threshold = %v", cfg.Memory.DedupThreshold)
	}
	if cfg.Approvals.RequestTTL != 24*time.Hour {
		t.Errorf("request ttl = %v", cfg.Approvals.RequestTTL)
	}
	if cfg.Tools.Timeout != 30*time.Second {
		t.Errorf("tool timeout = %v", cfg.Tools.Timeout)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_OVERSEER_KEY", "sk-test-123")
	path := writeConfig(t, `
llm:
  providers:
    anthropic:
      api_key: ${TEST_OVERSEER_KEY}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.LLM.Providers["anthropic"].APIKey; got != "sk-test-123" {
		t.Errorf("api_key = %q", got)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown provider", "llm:\n  default_provider: cohere\n"},
		{"bad log level", "logging:\n  level: verbose\n"},
		{"slack without webhook", "notify:\n  slack:\n    enabled: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("Load accepted an invalid config")
			}
		})
	}
}

func TestProviderConfigEnvFallback(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	cfg := Default()
	if got := cfg.ProviderConfig("openai").APIKey; got != "sk-env" {
		t.Errorf("api_key = %q, want env fallback", got)
	}

	cfg.LLM.Providers = map[string]LLMProviderConfig{
		"openai": {APIKey: "sk-explicit"},
	}
	if got := cfg.ProviderConfig("openai").APIKey; got != "sk-explicit" {
		t.Errorf("api_key = %q, want config value over env", got)
	}
}
