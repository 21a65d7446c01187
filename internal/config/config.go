package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the agent gateway
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Completion CompletionConfig `yaml:"completion"`
	Backend    BackendConfig    `yaml:"backend"`
	Redis      RedisConfig      `yaml:"redis"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig defines HTTP server settings
type ServerConfig struct {
	Port   int    `yaml:"port"`
	Host   string `yaml:"host"`
	APIKey string `yaml:"api_key"`
}

// CompletionConfig defines completion-service connection settings
type CompletionConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	ChatModel   string  `yaml:"chat_model"`
	QueryModel  string  `yaml:"query_model"`
	Timeout     string  `yaml:"timeout"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// GetTimeout returns the timeout as a time.Duration
func (c *CompletionConfig) GetTimeout() time.Duration {
	if c.Timeout == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// BackendConfig defines execution-backend connection settings
type BackendConfig struct {
	URL       string `yaml:"url"`
	ServiceID string `yaml:"service_id"`
	Secret    string `yaml:"secret"`
	AgentID   string `yaml:"agent_id"`
	Timeout   string `yaml:"timeout"`
}

// GetTimeout returns the timeout as a time.Duration
func (b *BackendConfig) GetTimeout() time.Duration {
	if b.Timeout == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(b.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// RedisConfig defines session cache settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PipelineConfig defines orchestrator tunables
type PipelineConfig struct {
	ContextTTL      string `yaml:"context_ttl"`
	RateLimitMax    int    `yaml:"rate_limit_max"`
	RateLimitWindow string `yaml:"rate_limit_window"`
	MinQueryLength  int    `yaml:"min_query_length"`
}

// GetContextTTL returns the session context TTL, defaulting to 10 minutes
func (p *PipelineConfig) GetContextTTL() time.Duration {
	if p.ContextTTL == "" {
		return 600 * time.Second
	}
	d, err := time.ParseDuration(p.ContextTTL)
	if err != nil {
		return 600 * time.Second
	}
	return d
}

// GetRateLimitWindow returns the per-user rate-limit window
func (p *PipelineConfig) GetRateLimitWindow() time.Duration {
	if p.RateLimitWindow == "" {
		return time.Minute
	}
	d, err := time.ParseDuration(p.RateLimitWindow)
	if err != nil {
		return time.Minute
	}
	return d
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads config from a YAML file and applies env overrides for secrets
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("COMPLETION_API_KEY"); v != "" {
		c.Completion.APIKey = v
	}
	if v := os.Getenv("BACKEND_SECRET"); v != "" {
		c.Backend.Secret = v
	}
	if v := os.Getenv("GATEWAY_API_KEY"); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
}

// Validate checks that startup-fatal settings are present. Missing
// credentials fail here, never per-request.
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		return fmt.Errorf("server.port is required")
	}
	if c.Completion.BaseURL == "" {
		return fmt.Errorf("completion.base_url is required")
	}
	if c.Completion.APIKey == "" {
		return fmt.Errorf("completion.api_key is required (or COMPLETION_API_KEY)")
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	if c.Backend.Secret == "" {
		return fmt.Errorf("backend.secret is required (or BACKEND_SECRET)")
	}
	return nil
}
