// Package config loads the server configuration from a YAML manifest.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/converselabs/converse/cachestore"
	"github.com/converselabs/converse/history"
)

// Manifest is the top-level YAML document.
type Manifest struct {
	APIVersion string   `yaml:"apiVersion"`
	Kind       string   `yaml:"kind"`
	Metadata   Metadata `yaml:"metadata"`
	Spec       Config   `yaml:"spec"`
}

// Metadata identifies the deployment.
type Metadata struct {
	Name string `yaml:"name"`
}

// Config is the spec section of the manifest.
type Config struct {
	Listen        string          `yaml:"listen"`
	MetricsListen string          `yaml:"metricsListen"`
	SchemaVersion string          `yaml:"schemaVersion"`
	Redis         RedisConfig     `yaml:"redis"`
	Mongo         MongoConfig     `yaml:"mongo"`
	Provider      ProviderConfig  `yaml:"provider"`
	History       HistoryConfig   `yaml:"history"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
}

// RedisConfig configures the cache store. An empty Addr selects the
// in-memory cache.
type RedisConfig struct {
	Addr   string        `yaml:"addr"`
	Prefix string        `yaml:"prefix"`
	TTL    time.Duration `yaml:"ttl"`
}

// MongoConfig configures the durable store. An empty URI selects the
// in-memory store.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// ProviderConfig configures the generation collaborator. Kind selects the
// backend: "openai" (any OpenAI-compatible endpoint, the default) or
// "bedrock" (AWS-hosted Anthropic models, SigV4 signed).
type ProviderConfig struct {
	Kind        string  `yaml:"kind"`
	BaseURL     string  `yaml:"baseURL"`
	Model       string  `yaml:"model"`
	APIKeyEnv   string  `yaml:"apiKeyEnv"`
	Region      string  `yaml:"region"`
	RoleARN     string  `yaml:"roleARN"`
	MaxTokens   int     `yaml:"maxTokens"`
	Temperature float32 `yaml:"temperature"`
	RPS         float64 `yaml:"rps"`
}

// HistoryConfig configures trimming and listing.
type HistoryConfig struct {
	MaxHistory    int    `yaml:"maxHistory"`
	SystemPrompt  string `yaml:"systemPrompt"`
	ListLimit     int    `yaml:"listLimit"`
	PreviewLength int    `yaml:"previewLength"`
}

// TelemetryConfig configures OTLP trace export. Empty disables export.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// Supported provider kinds.
const (
	ProviderOpenAI  = "openai"
	ProviderBedrock = "bedrock"
)

// Load reads and validates a Server manifest, applying defaults.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse validates a Server manifest from raw YAML, applying defaults.
func Parse(data []byte) (*Config, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if manifest.APIVersion == "" {
		return nil, fmt.Errorf("missing required field: apiVersion")
	}
	if manifest.Kind != "Server" {
		return nil, fmt.Errorf("invalid kind: expected 'Server', got '%s'", manifest.Kind)
	}
	if manifest.Metadata.Name == "" {
		return nil, fmt.Errorf("missing required field: metadata.name")
	}

	cfg := manifest.Spec
	cfg.applyDefaults()

	if cfg.Provider.Model == "" {
		return nil, fmt.Errorf("missing required field: spec.provider.model")
	}
	switch cfg.Provider.Kind {
	case ProviderOpenAI:
		if cfg.Provider.BaseURL == "" {
			return nil, fmt.Errorf("missing required field: spec.provider.baseURL")
		}
	case ProviderBedrock:
		// The endpoint is derived from the region.
	default:
		return nil, fmt.Errorf("invalid provider kind: '%s'", cfg.Provider.Kind)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.MetricsListen == "" {
		c.MetricsListen = ":9090"
	}
	if c.SchemaVersion == "" {
		c.SchemaVersion = cachestore.DefaultSchemaVersion
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "converse"
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = cachestore.DefaultTTL
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "converse"
	}
	if c.Provider.Kind == "" {
		c.Provider.Kind = ProviderOpenAI
	}
	if c.Provider.MaxTokens == 0 {
		c.Provider.MaxTokens = 1024
	}
	if c.History.MaxHistory == 0 {
		c.History.MaxHistory = history.DefaultMaxHistory
	}
	if c.History.ListLimit == 0 {
		c.History.ListLimit = history.DefaultListLimit
	}
	if c.History.PreviewLength == 0 {
		c.History.PreviewLength = history.DefaultPreviewLength
	}
}
