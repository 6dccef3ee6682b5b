package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron"
	"github.com/spf13/viper"
)

// Config holds all configuration. Every key can be set from the environment
// with dots replaced by underscores, e.g. qdrant.addr is QDRANT_ADDR.
type Config struct {
	Port        string       `mapstructure:"port"`
	CORSOrigin  string       `mapstructure:"cors_origin"`
	ServiceName string       `mapstructure:"service_name"`
	Log         LogConfig    `mapstructure:"log"`
	Qdrant      QdrantConfig `mapstructure:"qdrant"`
	Products    ProductsCfg  `mapstructure:"products"`
	Neo4j       Neo4jConfig  `mapstructure:"neo4j"`
	Embedder    string       `mapstructure:"embedder"`
	OpenAI      OpenAIConfig `mapstructure:"openai"`
	Ollama      OllamaConfig `mapstructure:"ollama"`
	NATS        NATSConfig   `mapstructure:"nats"`
	Refresh     RefreshCfg   `mapstructure:"refresh"`
	Search      SearchCfg    `mapstructure:"search"`
	Loader      LoaderCfg    `mapstructure:"loader"`
	Breaker     BreakerCfg   `mapstructure:"breaker"`
	Tracing     TracingCfg   `mapstructure:"tracing"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type QdrantConfig struct {
	Addr                 string `mapstructure:"addr"`
	EmbeddingsCollection string `mapstructure:"embeddings_collection"`
	ProductsCollection   string `mapstructure:"products_collection"`
}

// ProductsCfg selects where product metadata is read from: "qdrant" (the
// products collection) or "neo4j" (nodes labelled Neo4jConfig.Label).
type ProductsCfg struct {
	Source string `mapstructure:"source"`
}

type Neo4jConfig struct {
	URI      string `mapstructure:"uri"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	Label    string `mapstructure:"label"`
	IDKey    string `mapstructure:"id_key"`
}

type OpenAIConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	BaseURL    string `mapstructure:"base_url"`
	Dimensions int    `mapstructure:"dimensions"`
}

type OllamaConfig struct {
	URL   string `mapstructure:"url"`
	Model string `mapstructure:"model"`
}

// NATSConfig enables the refresh trigger and reload events when URL is set.
type NATSConfig struct {
	URL             string `mapstructure:"url"`
	RefreshSubject  string `mapstructure:"refresh_subject"`
	ReloadedSubject string `mapstructure:"reloaded_subject"`
}

type RefreshCfg struct {
	// Schedule is a seconds-first cron expression. Empty disables scheduled refresh.
	Schedule string        `mapstructure:"schedule"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type SearchCfg struct {
	DefaultTopK      int     `mapstructure:"default_top_k"`
	DefaultThreshold float64 `mapstructure:"default_threshold"`
	MaxTopK          int     `mapstructure:"max_top_k"`
	// RateLimit is requests per second on POST /api/search; 0 disables it.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

type LoaderCfg struct {
	PageSize     int `mapstructure:"page_size"`
	ReclaimEvery int `mapstructure:"reclaim_every"`
}

type BreakerCfg struct {
	FailThreshold int           `mapstructure:"fail_threshold"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// TracingCfg configures OTLP span export. An empty Endpoint keeps the
// global no-op tracer provider.
type TracingCfg struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "3000")
	v.SetDefault("cors_origin", "*")
	v.SetDefault("service_name", "productos-api")
	v.SetDefault("log.level", "info")

	v.SetDefault("qdrant.addr", "localhost:6334")
	v.SetDefault("qdrant.embeddings_collection", "productos_embeddings")
	v.SetDefault("qdrant.products_collection", "productos")

	v.SetDefault("products.source", "qdrant")
	v.SetDefault("neo4j.uri", "neo4j://localhost:7687")
	v.SetDefault("neo4j.user", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "")
	v.SetDefault("neo4j.label", "Producto")
	v.SetDefault("neo4j.id_key", "id")

	v.SetDefault("embedder", "openai")
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.model", "text-embedding-3-small")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.dimensions", 0)
	v.SetDefault("ollama.url", "http://localhost:11434")
	v.SetDefault("ollama.model", "nomic-embed-text")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.refresh_subject", "catalog.refresh")
	v.SetDefault("nats.reloaded_subject", "catalog.reloaded")

	v.SetDefault("refresh.schedule", "0 0 3 * * 0")
	v.SetDefault("refresh.timeout", "30m")

	v.SetDefault("search.default_top_k", 20)
	v.SetDefault("search.default_threshold", 0.3)
	v.SetDefault("search.max_top_k", 100)
	v.SetDefault("search.rate_limit", 0)
	v.SetDefault("search.rate_burst", 20)

	v.SetDefault("loader.page_size", 500)
	v.SetDefault("loader.reclaim_every", 2000)

	v.SetDefault("breaker.fail_threshold", 5)
	v.SetDefault("breaker.timeout", "30s")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.environment", "production")
	v.SetDefault("tracing.sample_rate", 1.0)
}

// loadConfig reads defaults, then the optional YAML file at path, then the
// environment.
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// check rejects settings the server cannot start with.
func (c *Config) check() error {
	switch c.Products.Source {
	case "qdrant", "neo4j":
	default:
		return fmt.Errorf("config: products.source %q must be qdrant or neo4j", c.Products.Source)
	}
	switch c.Embedder {
	case "openai", "ollama":
	default:
		return fmt.Errorf("config: embedder %q must be openai or ollama", c.Embedder)
	}
	if c.Refresh.Schedule != "" {
		if _, err := cron.Parse(c.Refresh.Schedule); err != nil {
			return fmt.Errorf("config: refresh.schedule: %w", err)
		}
	}
	return nil
}

// Validate returns warnings for settings that are accepted but suspicious.
func (c *Config) Validate() []string {
	var warnings []string

	if c.Embedder == "openai" && c.OpenAI.APIKey == "" {
		warnings = append(warnings, "embedder is openai but OPENAI_API_KEY is empty; searches will fail")
	}
	if c.Search.DefaultThreshold < -1 || c.Search.DefaultThreshold > 1 {
		warnings = append(warnings, fmt.Sprintf("search.default_threshold %.2f is outside [-1, 1]", c.Search.DefaultThreshold))
	}
	if c.Search.MaxTopK > 0 && c.Search.DefaultTopK > c.Search.MaxTopK {
		warnings = append(warnings, fmt.Sprintf("search.default_top_k %d exceeds max_top_k %d", c.Search.DefaultTopK, c.Search.MaxTopK))
	}
	if c.Refresh.Schedule == "" && c.NATS.URL == "" {
		warnings = append(warnings, "no refresh schedule and no NATS trigger; the cache only refreshes through POST /api/refresh-cache")
	}
	if c.Tracing.Endpoint != "" && c.Tracing.SampleRate <= 0 {
		warnings = append(warnings, "tracing.endpoint is set but tracing.sample_rate is 0; no spans will be exported")
	}
	if c.Loader.PageSize > 10000 {
		warnings = append(warnings, fmt.Sprintf("loader.page_size %d is unusually large", c.Loader.PageSize))
	}
	return warnings
}
