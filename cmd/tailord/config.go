package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the tailord daemon configuration, loaded from a YAML file
	// with environment variable fallbacks for secrets.
	Config struct {
		HTTP      HTTPConfig      `yaml:"http"`
		Temporal  TemporalConfig  `yaml:"temporal"`
		Mongo     MongoConfig     `yaml:"mongo"`
		Redis     RedisConfig     `yaml:"redis"`
		Anthropic AnthropicConfig `yaml:"anthropic"`
		OpenAI    OpenAIConfig    `yaml:"openai"`
		Pipeline  PipelineConfig  `yaml:"pipeline"`
		RateLimit RateLimitConfig `yaml:"ratelimit"`
	}

	// HTTPConfig configures the daemon's HTTP listener, which serves the
	// health endpoint.
	HTTPConfig struct {
		Addr string `yaml:"addr"`
	}

	TemporalConfig struct {
		HostPort  string `yaml:"host_port"`
		Namespace string `yaml:"namespace"`
		TaskQueue string `yaml:"task_queue"`
	}

	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	AnthropicConfig struct {
		APIKey    string `yaml:"api_key"`
		Model     string `yaml:"model"`
		MaxTokens int    `yaml:"max_tokens"`
	}

	OpenAIConfig struct {
		APIKey         string `yaml:"api_key"`
		EmbeddingModel string `yaml:"embedding_model"`
	}

	PipelineConfig struct {
		MaxRevisionLoops int      `yaml:"max_revision_loops"`
		TopK             int      `yaml:"top_k"`
		Blocklist        []string `yaml:"blocklist"`
		Recipient        string   `yaml:"recipient"`
	}

	RateLimitConfig struct {
		InitialTPM float64 `yaml:"initial_tpm"`
		MaxTPM     float64 `yaml:"max_tpm"`
		ClusterKey string  `yaml:"cluster_key"`
	}
)

// LoadConfig reads the YAML config file, applies environment fallbacks for
// secrets, and fills in defaults for optional fields.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if cfg.Anthropic.APIKey == "" {
		cfg.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.Temporal.HostPort == "" {
		cfg.Temporal.HostPort = "localhost:7233"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "tailor-pipeline"
	}
	if cfg.Mongo.URI == "" {
		cfg.Mongo.URI = "mongodb://localhost:27017"
	}
	if cfg.Mongo.Database == "" {
		cfg.Mongo.Database = "tailor"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Anthropic.Model == "" {
		return nil, fmt.Errorf("anthropic.model is required")
	}
	if cfg.Anthropic.APIKey == "" {
		return nil, fmt.Errorf("anthropic.api_key is required (or set ANTHROPIC_API_KEY)")
	}
	if cfg.OpenAI.APIKey == "" {
		return nil, fmt.Errorf("openai.api_key is required (or set OPENAI_API_KEY)")
	}
	if cfg.Pipeline.MaxRevisionLoops == 0 {
		cfg.Pipeline.MaxRevisionLoops = 2
	}
	if cfg.Pipeline.TopK == 0 {
		cfg.Pipeline.TopK = 5
	}
	return &cfg, nil
}
