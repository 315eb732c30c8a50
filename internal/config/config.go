package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/overseer/internal/approval"
	"github.com/haasonsaas/overseer/internal/audit"
	"github.com/haasonsaas/overseer/internal/engine"
	"github.com/haasonsaas/overseer/internal/memory"
	"github.com/haasonsaas/overseer/internal/memory/embeddings"
)

// Config is the main configuration structure for Overseer.
type Config struct {
	Server     ServerConfig       `yaml:"server"`
	Database   DatabaseConfig     `yaml:"database"`
	LLM        LLMConfig          `yaml:"llm"`
	Embeddings embeddings.Config  `yaml:"embeddings"`
	Engine     engine.Config      `yaml:"engine"`
	Memory     memory.StoreConfig `yaml:"memory"`
	Approvals  ApprovalsConfig    `yaml:"approvals"`
	Tools      ToolsConfig        `yaml:"tools"`
	Audit      audit.Config       `yaml:"audit"`
	Notify     NotifyConfig       `yaml:"notify"`
	Logging    LoggingConfig      `yaml:"logging"`
}

type ServerConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
}

type DatabaseConfig struct {
	// Path is the core store (agents, executions, approvals). Empty means
	// in-memory.
	Path string `yaml:"path"`

	// MemoryPath is the semantic memory store. Empty means in-memory.
	MemoryPath string `yaml:"memory_path"`
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

type ApprovalsConfig struct {
	approval.Config `yaml:",inline"`

	// SweepInterval is how often lapsed requests are expired. Default 1m.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type ToolsConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxInputSize int           `yaml:"max_input_size"`
}

type NotifyConfig struct {
	Slack SlackConfig `yaml:"slack"`
}

type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied and no file
// read. Useful for tests and the in-memory CLI mode.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.MetricsAddr == "" {
		cfg.Server.MetricsAddr = ":9090"
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "openai"
	}
	if cfg.Engine.MaxConcurrent == 0 {
		cfg.Engine = engine.DefaultConfig()
	}
	if cfg.Memory.DedupThreshold == 0 {
		cfg.Memory = memory.DefaultStoreConfig()
	}
	if cfg.Approvals.RequestTTL == 0 {
		cfg.Approvals.Config = approval.DefaultConfig()
	}
	if cfg.Approvals.SweepInterval == 0 {
		cfg.Approvals.SweepInterval = time.Minute
	}
	if cfg.Tools.Timeout == 0 {
		cfg.Tools.Timeout = 30 * time.Second
	}
	if cfg.Tools.MaxInputSize == 0 {
		cfg.Tools.MaxInputSize = 1 << 20
	}
	if cfg.Audit.Output == "" {
		cfg.Audit.Output = "stdout"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate rejects configurations that cannot be wired into a working
// engine.
func (c *Config) Validate() error {
	switch c.LLM.DefaultProvider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.DefaultProvider)
	}
	if c.Embeddings.Provider != "openai" && c.Embeddings.Provider != "" {
		return fmt.Errorf("unknown embeddings provider %q", c.Embeddings.Provider)
	}
	if c.Notify.Slack.Enabled && c.Notify.Slack.WebhookURL == "" {
		return fmt.Errorf("slack notifications enabled without webhook_url")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}

// ProviderConfig returns the settings for the named LLM provider, falling
// back to environment API keys when the config omits them.
func (c *Config) ProviderConfig(name string) LLMProviderConfig {
	pc := c.LLM.Providers[name]
	if pc.APIKey == "" {
		switch name {
		case "anthropic":
			pc.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "openai":
			pc.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	return pc
}
