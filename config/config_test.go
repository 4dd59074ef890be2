package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.App.Name != "ledgerd" {
		t.Errorf("expected app name 'ledgerd', got %s", cfg.App.Name)
	}
	if cfg.Ledger.Namespace != "bernard" {
		t.Errorf("expected namespace 'bernard', got %s", cfg.Ledger.Namespace)
	}
	if cfg.Queue.Name != "conversation-tasks" {
		t.Errorf("expected queue name 'conversation-tasks', got %s", cfg.Queue.Name)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("expected max attempts 3, got %d", cfg.Queue.MaxAttempts)
	}

	// Chunking constants
	if cfg.Index.MessageLimit != 240 || cfg.Index.ChunkChars != 1800 || cfg.Index.MaxChunks != 12 {
		t.Errorf("unexpected index defaults: %+v", cfg.Index)
	}
	if cfg.Summary.MaxMessages != 80 {
		t.Errorf("expected summary max messages 80, got %d", cfg.Summary.MaxMessages)
	}
	if cfg.Recall.Lambda != 0.7 {
		t.Errorf("expected recall lambda 0.7, got %v", cfg.Recall.Lambda)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing app name", mutate: func(c *Config) { c.App.Name = "" }, wantErr: true},
		{name: "invalid environment", mutate: func(c *Config) { c.App.Environment = "qa" }, wantErr: true},
		{name: "invalid log level", mutate: func(c *Config) { c.Log.Level = "trace" }, wantErr: true},
		{name: "redis address without port", mutate: func(c *Config) { c.Redis.Address = "localhost" }, wantErr: true},
		{name: "empty namespace", mutate: func(c *Config) { c.Ledger.Namespace = "" }, wantErr: true},
		{name: "invalid queue type", mutate: func(c *Config) { c.Queue.Type = "kafka" }, wantErr: true},
		{name: "disabled queue", mutate: func(c *Config) { c.Queue.Type = "disabled" }},
		{name: "zero attempts", mutate: func(c *Config) { c.Queue.MaxAttempts = 0 }, wantErr: true},
		{name: "lambda out of range", mutate: func(c *Config) { c.Recall.Lambda = 1.5 }, wantErr: true},
		{name: "lambda zero", mutate: func(c *Config) { c.Recall.Lambda = 0 }},
		{name: "invalid port", mutate: func(c *Config) { c.HTTP.Port = 99999 }, wantErr: true},
		{name: "invalid sampler", mutate: func(c *Config) { c.Tracing.Sampler = "sometimes" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	if got := (ValidationErrors{}).Error(); got != "no validation errors" {
		t.Errorf("unexpected empty message: %s", got)
	}

	errs := ValidationErrors{
		{Field: "Config.Queue.Name", Message: "this field is required", Value: ""},
	}
	if !strings.Contains(errs.Error(), "Config.Queue.Name") {
		t.Errorf("expected field name in message, got %s", errs.Error())
	}
}

func TestConfig_String(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.APIKey = "sk-secret"
	s := cfg.String()
	if strings.Contains(s, "sk-secret") {
		t.Error("String() must not include secrets")
	}
	if !strings.Contains(s, "ledgerd") {
		t.Errorf("expected app name in %s", s)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Ledger.IdleTimeout != 10*time.Minute {
		t.Errorf("expected idle timeout 10m, got %v", cfg.Ledger.IdleTimeout)
	}
	if cfg.Queue.BackoffInitial != 2*time.Second {
		t.Errorf("expected backoff 2s, got %v", cfg.Queue.BackoffInitial)
	}
}

func TestLoader_LoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.yaml")
	content := `app:
  name: ledger-test
  environment: staging
ledger:
  namespace: test
  idle_timeout: 90s
queue:
  type: memory
recall:
  lambda: 0.5
  candidates: 10
  limit: 4
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	l := NewLoader()
	cfg, err := l.Load(path, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.App.Name != "ledger-test" || cfg.App.Environment != "staging" {
		t.Errorf("unexpected app section: %+v", cfg.App)
	}
	if cfg.Ledger.IdleTimeout != 90*time.Second {
		t.Errorf("expected idle timeout 90s, got %v", cfg.Ledger.IdleTimeout)
	}
	if cfg.Queue.Type != "memory" {
		t.Errorf("expected memory queue, got %s", cfg.Queue.Type)
	}
	// Untouched keys keep their defaults.
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("expected default max attempts, got %d", cfg.Queue.MaxAttempts)
	}
	if l.GetString("ledger.namespace") != "test" {
		t.Errorf("expected loader to expose ledger.namespace, got %q", l.GetString("ledger.namespace"))
	}
	if l.GetDuration("ledger.idle_timeout") != 90*time.Second {
		t.Errorf("expected loader duration 90s, got %v", l.GetDuration("ledger.idle_timeout"))
	}
}

func TestLoader_LoadJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	content := `{"index": {"message_limit": 50, "chunk_chars": 400, "max_chunks": 3}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Index.MessageLimit != 50 || cfg.Index.ChunkChars != 400 || cfg.Index.MaxChunks != 3 {
		t.Errorf("unexpected index section: %+v", cfg.Index)
	}
}

func TestLoader_LoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoader_LoadUnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.toml")
	if err := os.WriteFile(path, []byte("x = 1"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path, nil); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestLoader_EnvVars(t *testing.T) {
	t.Setenv("LEDGER_QUEUE_MAX_ATTEMPTS", "5")
	t.Setenv("LEDGER_LEDGER_IDLE_TIMEOUT", "2m")
	t.Setenv("LEDGER_REDIS_ADDRESS", "redis.internal:6380")

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Queue.MaxAttempts != 5 {
		t.Errorf("expected max attempts 5, got %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Ledger.IdleTimeout != 2*time.Minute {
		t.Errorf("expected idle timeout 2m, got %v", cfg.Ledger.IdleTimeout)
	}
	if cfg.Redis.Address != "redis.internal:6380" {
		t.Errorf("expected redis address from env, got %s", cfg.Redis.Address)
	}
}

func TestLoader_Overrides(t *testing.T) {
	t.Setenv("LEDGER_WORKER_CONCURRENCY", "2")
	cfg, err := Load("", map[string]interface{}{"worker.concurrency": 8})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Worker.Concurrency != 8 {
		t.Errorf("expected override to win over env, got %d", cfg.Worker.Concurrency)
	}
}

func TestLoad_InvalidReturnsDetails(t *testing.T) {
	_, err := Load("", map[string]interface{}{"queue.type": "kafka"})
	var details ValidationErrors
	if !errors.As(err, &details) {
		t.Fatalf("expected ValidationErrors, got %T: %v", err, err)
	}
	if len(details) != 1 || details[0].Field != "Config.Queue.Type" {
		t.Errorf("unexpected details: %+v", details)
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"LEDGER_QUEUE_MAX_ATTEMPTS": "queue.max_attempts",
		"LEDGER_LOG_LEVEL":          "log.level",
		"LEDGER_DEBUG":              "debug",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}
