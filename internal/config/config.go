// Package config defines the configuration structure for the loom gateway.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for loom.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	LLM       LLMConfig       `yaml:"llm"`
	Agent     AgentConfig     `yaml:"agent"`
	Pro       ProConfig       `yaml:"pro"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	AdminKey   string `yaml:"admin_key"`

	// MaxConnections caps concurrently active WebSocket connections.
	MaxConnections int `yaml:"max_connections"`

	ReadTimeout       time.Duration `yaml:"read_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	MaxConnectionAge  time.Duration `yaml:"max_connection_age"`
}

type DatabaseConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string `yaml:"path"`
}

type WorkspaceConfig struct {
	// Root is the directory under which per-session workspaces are created.
	// If a persistent root exists at startup it is preferred over the local default.
	Root          string `yaml:"root"`
	PersistentDir string `yaml:"persistent_dir"`
}

type LLMConfig struct {
	AnthropicAPIKey  string `yaml:"anthropic_api_key"`
	ChutesAPIKey     string `yaml:"chutes_api_key"`
	OpenRouterAPIKey string `yaml:"openrouter_api_key"`
	MoonshotAPIKey   string `yaml:"moonshot_api_key"`

	ChutesBaseURL     string `yaml:"chutes_base_url"`
	OpenRouterBaseURL string `yaml:"openrouter_base_url"`
	MoonshotBaseURL   string `yaml:"moonshot_base_url"`

	// RequestTimeout bounds a single provider HTTP call.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`

	// TestMode caps retry backoff at one second.
	TestMode bool `yaml:"test_mode"`
}

type AgentConfig struct {
	MaxTurns     int     `yaml:"max_turns"`
	MaxRounds    int     `yaml:"max_rounds"`
	MaxTokens    int     `yaml:"max_tokens"`
	TokenBudget  int     `yaml:"token_budget"`
	Temperature  float64 `yaml:"temperature"`
	SystemPrompt string  `yaml:"system_prompt"`

	// ContextStrategy selects the truncation policy: "standard" or "file-spill".
	ContextStrategy string `yaml:"context_strategy"`
}

type ProConfig struct {
	// Prime is the secret prime used to validate Pro keys.
	Prime            int64 `yaml:"prime"`
	MonthlyLimit     int   `yaml:"monthly_limit"`
	WarningThreshold int   `yaml:"warning_threshold"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// DefaultProPrime is the development fallback used when PRO_PRIME is unset.
const DefaultProPrime = 982451

// Default returns the configuration defaults applied before file and env overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:        ":8000",
			MaxConnections:    500,
			ReadTimeout:       5 * time.Minute,
			HeartbeatInterval: 30 * time.Second,
			CleanupInterval:   60 * time.Second,
			MaxConnectionAge:  time.Hour,
		},
		Database: DatabaseConfig{
			Path: "loom.db",
		},
		Workspace: WorkspaceConfig{
			Root:          "workspace",
			PersistentDir: "/data/workspace",
		},
		LLM: LLMConfig{
			ChutesBaseURL:     "https://llm.chutes.ai/v1",
			OpenRouterBaseURL: "https://openrouter.ai/api/v1",
			MoonshotBaseURL:   "https://api.moonshot.cn/v1",
			RequestTimeout:    5 * time.Minute,
			MaxRetries:        3,
		},
		Agent: AgentConfig{
			MaxTurns:        200,
			MaxRounds:       150,
			MaxTokens:       8192,
			TokenBudget:     120000,
			Temperature:     0.7,
			ContextStrategy: "standard",
		},
		Pro: ProConfig{
			Prime:            DefaultProPrime,
			MonthlyLimit:     1000,
			WarningThreshold: 300,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from an optional YAML file and applies
// environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.ListenAddr, "LOOM_LISTEN_ADDR")
	setString(&c.Server.AdminKey, "ADMIN_KEY")
	setString(&c.Database.Path, "LOOM_DB_PATH")
	setString(&c.Workspace.Root, "LOOM_WORKSPACE_ROOT")
	setString(&c.LLM.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setString(&c.LLM.ChutesAPIKey, "CHUTES_API_KEY")
	setString(&c.LLM.OpenRouterAPIKey, "OPENROUTER_API_KEY")
	setString(&c.LLM.MoonshotAPIKey, "MOONSHOT_API_KEY")

	if v := os.Getenv("PRO_PRIME"); v != "" {
		if prime, err := strconv.ParseInt(v, 10, 64); err == nil && prime > 0 {
			c.Pro.Prime = prime
		}
	}
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}
