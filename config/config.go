// Package config provides configuration management for the conversation ledger.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for ledgerd.
type Config struct {
	// App is the application metadata.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Redis is the connection to the persistent key-value store.
	Redis RedisConfig `mapstructure:"redis"`

	// Ledger holds conversation lifecycle settings.
	Ledger LedgerConfig `mapstructure:"ledger"`

	// Queue is the background job queue configuration.
	Queue QueueConfig `mapstructure:"queue"`

	// Worker is the task processor pool configuration.
	Worker WorkerConfig `mapstructure:"worker"`

	// Index controls transcript chunking for the vector index.
	Index IndexConfig `mapstructure:"index"`

	// Summary controls LLM summarization.
	Summary SummaryConfig `mapstructure:"summary"`

	// LLM is the OpenAI-compatible chat completion endpoint.
	LLM LLMConfig `mapstructure:"llm"`

	// Embedding is the embedding model configuration.
	Embedding EmbeddingConfig `mapstructure:"embedding"`

	// Vector is the vector index backend configuration.
	Vector VectorConfig `mapstructure:"vector"`

	// Recall controls the recollection reranker.
	Recall RecallConfig `mapstructure:"recall"`

	// Sweep controls the periodic idle sweep.
	Sweep SweepConfig `mapstructure:"sweep"`

	// HTTP is the operational HTTP server configuration.
	HTTP HTTPConfig `mapstructure:"http"`

	// Metrics is the Prometheus configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the OpenTelemetry configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment" validate:"env"`
	Debug       bool   `mapstructure:"debug"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Address      string        `mapstructure:"address" validate:"required,hostname_port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db" validate:"min=0"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size" validate:"min=0"`
}

// LedgerConfig holds conversation lifecycle settings.
type LedgerConfig struct {
	// Namespace prefixes every ledger key.
	Namespace string `mapstructure:"namespace" validate:"required"`

	// IdleTimeout is the idle window after which an open conversation is closed.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"required"`
}

// QueueConfig holds job queue settings.
type QueueConfig struct {
	// Type is the queue implementation (memory, redis, disabled).
	Type string `mapstructure:"type" validate:"oneof=memory redis disabled"`

	// Name is the queue name; it is part of every queue key.
	Name string `mapstructure:"name" validate:"required"`

	// KeyPrefix is the Redis key prefix for the queue.
	KeyPrefix string `mapstructure:"key_prefix"`

	// MaxAttempts is the number of executions before a job is marked failed.
	MaxAttempts int `mapstructure:"max_attempts" validate:"min=1"`

	// BackoffInitial is the delay before the first retry.
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`

	// BackoffMax caps the retry delay.
	BackoffMax time.Duration `mapstructure:"backoff_max"`

	// BlockTimeout is the BLMOVE timeout for consuming jobs.
	BlockTimeout time.Duration `mapstructure:"block_timeout"`

	// LeaseTimeout is how long a running job may go unrenewed before it is
	// requeued for another worker.
	LeaseTimeout time.Duration `mapstructure:"lease_timeout"`

	// PromoteInterval is how often delayed retries are moved back to waiting.
	PromoteInterval time.Duration `mapstructure:"promote_interval"`
}

// WorkerConfig holds task processor pool settings.
type WorkerConfig struct {
	// Concurrency is the fixed number of worker goroutines.
	Concurrency int `mapstructure:"concurrency" validate:"min=1"`

	// RateLimit caps job starts per second across the pool (0 = unlimited).
	RateLimit float64 `mapstructure:"rate_limit" validate:"min=0"`
}

// IndexConfig controls transcript chunking.
type IndexConfig struct {
	MessageLimit int `mapstructure:"message_limit" validate:"min=1"`
	ChunkChars   int `mapstructure:"chunk_chars" validate:"min=1"`
	MaxChunks    int `mapstructure:"max_chunks" validate:"min=1"`
}

// SummaryConfig controls LLM summarization.
type SummaryConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxMessages int           `mapstructure:"max_messages" validate:"min=1"`
}

// LLMConfig holds the chat completion endpoint.
type LLMConfig struct {
	BaseURL     string  `mapstructure:"base_url"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float32 `mapstructure:"temperature" validate:"min=0,max=2"`
	MaxTokens   int     `mapstructure:"max_tokens" validate:"min=0"`
}

// EmbeddingConfig holds the embedding model settings.
type EmbeddingConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Model     string        `mapstructure:"model"`
	Timeout   time.Duration `mapstructure:"timeout"`
	CacheSize int           `mapstructure:"cache_size" validate:"min=0"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

// VectorConfig holds the vector index backend.
type VectorConfig struct {
	// Type is the backend (memory, qdrant, disabled).
	Type       string `mapstructure:"type" validate:"oneof=memory qdrant disabled"`
	URL        string `mapstructure:"url"`
	APIKey     string `mapstructure:"api_key"`
	Collection string `mapstructure:"collection"`
	Dimension  int    `mapstructure:"dimension" validate:"min=1"`
}

// RecallConfig controls the recollection reranker.
type RecallConfig struct {
	// Lambda balances relevance (1) against diversity (0).
	Lambda float64 `mapstructure:"lambda" validate:"min=0,max=1"`

	// Candidates is the number of results pulled from the vector index.
	Candidates int `mapstructure:"candidates" validate:"min=1"`

	// Limit is the number of MMR-diverse results presented.
	Limit int `mapstructure:"limit" validate:"min=1"`
}

// SweepConfig controls the idle sweep loop.
type SweepConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// HTTPConfig holds the operational HTTP server settings.
type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	Enabled    bool              `mapstructure:"enabled"`
	Endpoint   string            `mapstructure:"endpoint"`
	Sampler    string            `mapstructure:"sampler" validate:"omitempty,oneof=always_on always_off ratio"`
	SampleRate float64           `mapstructure:"sample_rate" validate:"min=0,max=1"`
	Timeout    time.Duration     `mapstructure:"timeout"`
	Headers    map[string]string `mapstructure:"headers"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without secrets).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Env: %s, Redis: %s, Queue: %s, Vector: %s, HTTP: :%d}",
		c.App.Name, c.App.Environment, c.Redis.Address, c.Queue.Type, c.Vector.Type, c.HTTP.Port)
}
