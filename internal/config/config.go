// Package config loads engine configuration from an optional ucrsd.yaml and
// UCRS_* environment variables. Environment always wins over the file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved process configuration.
type Config struct {
	// DatabaseURL is the Postgres DSN (pgx format) for incidents, memberships,
	// category config, and the pgvector index.
	DatabaseURL string

	// RedisURL backs the cluster and severity job queues.
	RedisURL string

	Embedding EmbeddingConfig
	Anthropic AnthropicConfig
	Jobs      JobsConfig
	Scheduler SchedulerConfig
	Timeouts  TimeoutConfig
}

// EmbeddingConfig points at the embedding sidecar.
type EmbeddingConfig struct {
	Endpoint string // OpenAI-compatible /v1/embeddings endpoint
	Model    string
	Dim      int // vector dimension d; the index is parameterised by this

	// e5-family models want a task prefix on the input text. Probes and
	// stored vectors use the same prefix so cosine stays symmetric.
	QueryPrefix string
}

// AnthropicConfig configures the LLM arbiter.
type AnthropicConfig struct {
	APIKey string
	Model  string
}

// QueueConfig is the retry policy for one logical queue.
type QueueConfig struct {
	MaxRetries int
	Backoff    time.Duration
}

// JobsConfig configures the worker pool and per-queue retry policies.
type JobsConfig struct {
	Workers  int
	Timeout  time.Duration // wall-clock cap per job
	Cluster  QueueConfig
	Severity QueueConfig
}

// SchedulerConfig configures the expiration sweep.
type SchedulerConfig struct {
	Period time.Duration
}

// TimeoutConfig bounds each external call.
type TimeoutConfig struct {
	Embed  time.Duration
	Vector time.Duration
	LLM    time.Duration
}

// Load reads configuration from the given file path (empty means search for
// ucrsd.yaml in the working directory) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("UCRS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("ucrsd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
			// No file is fine; env and defaults carry the day.
		}
	}

	cfg := &Config{
		DatabaseURL: v.GetString("database.url"),
		RedisURL:    v.GetString("redis.url"),
		Embedding: EmbeddingConfig{
			Endpoint:    v.GetString("embedding.endpoint"),
			Model:       v.GetString("embedding.model"),
			Dim:         v.GetInt("embedding.dimension"),
			QueryPrefix: v.GetString("embedding.query_prefix"),
		},
		Anthropic: AnthropicConfig{
			APIKey: v.GetString("anthropic.api_key"),
			Model:  v.GetString("anthropic.model"),
		},
		Jobs: JobsConfig{
			Workers: v.GetInt("jobs.workers"),
			Timeout: v.GetDuration("jobs.timeout"),
			Cluster: QueueConfig{
				MaxRetries: v.GetInt("jobs.cluster.max_retries"),
				Backoff:    v.GetDuration("jobs.cluster.backoff"),
			},
			Severity: QueueConfig{
				MaxRetries: v.GetInt("jobs.severity.max_retries"),
				Backoff:    v.GetDuration("jobs.severity.backoff"),
			},
		},
		Scheduler: SchedulerConfig{
			Period: v.GetDuration("scheduler.period"),
		},
		Timeouts: TimeoutConfig{
			Embed:  v.GetDuration("timeouts.embed"),
			Vector: v.GetDuration("timeouts.vector"),
			LLM:    v.GetDuration("timeouts.llm"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.url", "postgres://localhost:5432/ucrs?sslmode=disable")
	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("embedding.endpoint", "http://localhost:8080/v1/embeddings")
	v.SetDefault("embedding.model", "intfloat/multilingual-e5-large")
	v.SetDefault("embedding.dimension", 1024)
	v.SetDefault("embedding.query_prefix", "query: ")

	v.SetDefault("anthropic.model", "claude-3-5-haiku-latest")

	v.SetDefault("jobs.workers", 4)
	v.SetDefault("jobs.timeout", 30*time.Second)
	v.SetDefault("jobs.cluster.max_retries", 3)
	v.SetDefault("jobs.cluster.backoff", 10*time.Second)
	v.SetDefault("jobs.severity.max_retries", 3)
	v.SetDefault("jobs.severity.backoff", 5*time.Second)

	v.SetDefault("scheduler.period", 30*time.Minute)

	v.SetDefault("timeouts.embed", 5*time.Second)
	v.SetDefault("timeouts.vector", 3*time.Second)
	v.SetDefault("timeouts.llm", 10*time.Second)
}

func (c *Config) validate() error {
	if c.Embedding.Dim <= 0 {
		return fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dim)
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("jobs.workers must be positive, got %d", c.Jobs.Workers)
	}
	if c.Scheduler.Period <= 0 {
		return fmt.Errorf("scheduler.period must be positive, got %s", c.Scheduler.Period)
	}
	return nil
}
