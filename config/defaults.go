package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "ledgerd",
			Version:     "dev",
			Environment: "development",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Redis: RedisConfig{
			Address:      "localhost:6379",
			DB:           0,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			PoolSize:     20,
		},
		Ledger: LedgerConfig{
			Namespace:   "bernard",
			IdleTimeout: 10 * time.Minute,
		},
		Queue: QueueConfig{
			Type:            "redis",
			Name:            "conversation-tasks",
			KeyPrefix:       "bernard:queue:",
			MaxAttempts:     3,
			BackoffInitial:  2 * time.Second,
			BackoffMax:      time.Minute,
			BlockTimeout:    2 * time.Second,
			LeaseTimeout:    5 * time.Minute,
			PromoteInterval: time.Second,
		},
		Worker: WorkerConfig{
			Concurrency: 4,
		},
		Index: IndexConfig{
			MessageLimit: 240,
			ChunkChars:   1800,
			MaxChunks:    12,
		},
		Summary: SummaryConfig{
			Enabled:     true,
			Timeout:     30 * time.Second,
			MaxMessages: 80,
		},
		LLM: LLMConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
			MaxTokens:   600,
		},
		Embedding: EmbeddingConfig{
			BaseURL:   "https://api.openai.com/v1",
			Model:     "text-embedding-3-small",
			Timeout:   10 * time.Second,
			CacheSize: 512,
			CacheTTL:  15 * time.Minute,
		},
		Vector: VectorConfig{
			Type:       "memory",
			URL:        "http://localhost:6334",
			Collection: "conversation_chunks",
			Dimension:  1536,
		},
		Recall: RecallConfig{
			Lambda:     0.7,
			Candidates: 24,
			Limit:      6,
		},
		Sweep: SweepConfig{
			Enabled:  true,
			Interval: time.Minute,
			LockTTL:  30 * time.Second,
		},
		HTTP: HTTPConfig{
			Enabled:         true,
			Host:            "0.0.0.0",
			Port:            8089,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Endpoint:   "localhost:4317",
			Sampler:    "ratio",
			SampleRate: 0.1,
			Timeout:    5 * time.Second,
		},
	}
}
