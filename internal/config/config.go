// ABOUTME: Configuration loading and parsing for parley
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete parley configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Model     ModelConfig     `yaml:"model"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds identity resolution configuration.
// An empty JWTSecret means bearer tokens are ignored and every caller is
// treated as an anonymous visitor.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// ModelConfig holds language model provider configuration
type ModelConfig struct {
	Provider     string  `yaml:"provider"` // "openai" or "anthropic"
	DefaultModel string  `yaml:"default_model"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`
	APIKey       string  `yaml:"api_key"`
}

// RetrievalConfig holds knowledge retrieval configuration
type RetrievalConfig struct {
	Endpoint string        `yaml:"endpoint"`
	TopK     int           `yaml:"top_k"`
	Timeout  time.Duration `yaml:"-"`
	CacheTTL time.Duration `yaml:"-"` // zero disables result caching

	// Raw string values for YAML unmarshaling
	TimeoutRaw  string `yaml:"timeout"`
	CacheTTLRaw string `yaml:"cache_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in defaults for optional fields
func applyDefaults(cfg *Config) {
	if cfg.Model.Provider == "" {
		cfg.Model.Provider = "openai"
	}
	if cfg.Model.Temperature == 0 {
		cfg.Model.Temperature = 0.7
	}
	if cfg.Model.MaxTokens == 0 {
		cfg.Model.MaxTokens = 1024
	}
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 5
	}
	if cfg.Retrieval.Timeout == 0 {
		cfg.Retrieval.Timeout = 3 * time.Second
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Model.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("model.provider must be \"openai\" or \"anthropic\", got %q", c.Model.Provider)
	}

	if c.Model.DefaultModel == "" {
		return fmt.Errorf("model.default_model is required")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Retrieval.TimeoutRaw != "" {
		timeout, err := time.ParseDuration(cfg.Retrieval.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing retrieval timeout %q: %w", cfg.Retrieval.TimeoutRaw, err)
		}
		cfg.Retrieval.Timeout = timeout
	}

	if cfg.Retrieval.CacheTTLRaw != "" {
		ttl, err := time.ParseDuration(cfg.Retrieval.CacheTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing retrieval cache_ttl %q: %w", cfg.Retrieval.CacheTTLRaw, err)
		}
		cfg.Retrieval.CacheTTL = ttl
	}

	return nil
}
