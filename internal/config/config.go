// Package config loads the process-wide Config and the per-org extraction
// configuration documents described in §6 and §10.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/reflexio/reflexio/internal/errors"
)

// ServerConfig is the HTTP/metrics listener configuration.
type ServerConfig struct {
	Port        string `yaml:"port"`
	MetricsPort string `yaml:"metrics_port"`
}

// DatabaseConfig configures the Postgres-backed store.
type DatabaseConfig struct {
	Enabled                bool   `yaml:"enabled"`
	Host                   string `yaml:"host"`
	Port                   string `yaml:"port"`
	Database               string `yaml:"database"`
	Username               string `yaml:"username"`
	Password               string `yaml:"password"`
	SSLMode                string `yaml:"ssl_mode"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig configures the org-config cache invalidation channel (§5, §9).
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
}

// LLMConfig configures the LLM client adaptor (§6).
type LLMConfig struct {
	Provider          string        `yaml:"provider"` // anthropic | bedrock
	Model             string        `yaml:"model"`
	EmbeddingModel    string        `yaml:"embedding_model"`
	EmbeddingDim      int           `yaml:"embedding_dim"`
	Timeout           time.Duration `yaml:"timeout"`
	RetryCount        int           `yaml:"retry_count"`
	Temperature       float64       `yaml:"temperature"`
	MaxTokens         int           `yaml:"max_tokens"`
	FailureThreshold  float64       `yaml:"failure_threshold"`
	ResetTimeout      time.Duration `yaml:"reset_timeout"`
}

// ConcurrencyConfig overrides the bounded worker-pool sizes (§5, §6).
type ConcurrencyConfig struct {
	ServicePoolSize   int `yaml:"service_pool_size"`
	ExtractorPoolSize int `yaml:"extractor_pool_size"`
}

// DeadlinesConfig overrides the timeouts named throughout §4.
type DeadlinesConfig struct {
	PublishDeadline         time.Duration `yaml:"publish_deadline"`
	GenerationServiceTimeout time.Duration `yaml:"generation_service_timeout"`
	ExtractorTimeout        time.Duration `yaml:"extractor_timeout"`
	StaleLockTimeout        time.Duration `yaml:"stale_lock_timeout"`
}

// LoggingConfig configures the logrus root logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// FeatureFlagsConfig is the site-wide flag defaults plus per-org allowlists
// described in §6 ("resolution is fail-open").
type FeatureFlagsConfig struct {
	Defaults map[string]bool            `yaml:"defaults"`
	Allowlists map[string]map[string]bool `yaml:"allowlists"` // org_id -> flag -> enabled
}

// Config is the process-wide configuration document.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	LLM          LLMConfig          `yaml:"llm"`
	Concurrency  ConcurrencyConfig  `yaml:"concurrency"`
	Deadlines    DeadlinesConfig    `yaml:"deadlines"`
	Logging      LoggingConfig      `yaml:"logging"`
	FeatureFlags FeatureFlagsConfig `yaml:"feature_flags"`
	// OrgConfigDir holds one <agent_version>.yaml per org (§4.2, §9); it is
	// also scanned at startup to build the process-wide extractor registry.
	OrgConfigDir string `yaml:"org_config_dir"`
}

func defaults() *Config {
	return &Config{
		Server:       ServerConfig{Port: "8080", MetricsPort: "9090"},
		OrgConfigDir: "./config/orgs",
		Database: DatabaseConfig{
			SSLMode:                "disable",
			MaxOpenConns:           10,
			MaxIdleConns:           5,
			ConnMaxLifetimeMinutes: 5,
		},
		LLM: LLMConfig{
			Provider:         "anthropic",
			Timeout:          30 * time.Second,
			RetryCount:       3,
			Temperature:      0.3,
			MaxTokens:        2048,
			EmbeddingDim:     1536,
			FailureThreshold: 0.5,
			ResetTimeout:     60 * time.Second,
		},
		Concurrency: ConcurrencyConfig{
			ServicePoolSize:   3,
			ExtractorPoolSize: 8,
		},
		Deadlines: DeadlinesConfig{
			PublishDeadline:          600 * time.Second,
			GenerationServiceTimeout: 600 * time.Second,
			ExtractorTimeout:         300 * time.Second,
			StaleLockTimeout:         300 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		FeatureFlags: FeatureFlagsConfig{
			Defaults:   map[string]bool{},
			Allowlists: map[string]map[string]bool{},
		},
	}
}

// Load reads and parses a YAML config document at path, filling unset
// fields with sane defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeValidation, "reading config file %s", path)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeValidation, "parsing config file %s", path)
	}
	return cfg, nil
}

func (c *Config) String() string {
	return fmt.Sprintf("Config{server=%s llm=%s/%s pools=%d/%d}",
		c.Server.Port, c.LLM.Provider, c.LLM.Model,
		c.Concurrency.ServicePoolSize, c.Concurrency.ExtractorPoolSize)
}
