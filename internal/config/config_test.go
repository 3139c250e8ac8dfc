package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv unsets every variable the loader reads so tests are hermetic.
func clearEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"AI_API_ENDPOINT", "AI_API_KEY", "AI_MODEL", "LISTEN_ADDR",
		"SIDECAR_API_KEY", "MAX_BATCH_SIZE", "MAX_CONCURRENT_REQUESTS",
		"RATE_LIMIT_CAPACITY", "RATE_LIMIT_WINDOW_SECONDS", "RATE_LIMIT_WAIT_MS",
		"ADMISSION_WAIT_MS", "MAX_RETRIES", "INITIAL_BACKOFF_MS",
		"BACKOFF_MULTIPLIER", "MAX_BACKOFF_MS", "PER_ATTEMPT_TIMEOUT_MS",
		"CONNECT_TIMEOUT_MS", "REQUEST_DEADLINE_MS", "CIRCUIT_FAILURE_THRESHOLD",
		"CIRCUIT_RESET_MS", "SHUTDOWN_GRACE_MS", "LOG_LEVEL", "TRACE_ENABLED",
		"AI_SORTER_CONFIG_FILE",
	}
	for _, v := range vars {
		t.Setenv(v, "")
		os.Unsetenv(v)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("AI_API_ENDPOINT", "https://api.example.com/v1/chat")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model != "grok-beta" {
		t.Errorf("Model default = %q", cfg.Model)
	}
	if cfg.ListenAddr != "0.0.0.0:8000" {
		t.Errorf("ListenAddr default = %q", cfg.ListenAddr)
	}
	if cfg.MaxBatchSize != 100 || cfg.MaxConcurrentRequests != 10 {
		t.Errorf("batch defaults wrong: %d %d", cfg.MaxBatchSize, cfg.MaxConcurrentRequests)
	}
	if cfg.RateLimitCapacity != 60 || cfg.RateLimitWindow != 60*time.Second {
		t.Errorf("rate limit defaults wrong")
	}
	if cfg.CircuitFailureThreshold != 5 || cfg.CircuitReset != 60*time.Second {
		t.Errorf("breaker defaults wrong")
	}
	if cfg.HasAPIKey() {
		t.Error("HasAPIKey should be false without AI_API_KEY")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("AI_API_ENDPOINT", "https://api.example.com/v1/chat")
	t.Setenv("AI_API_KEY", "sk-test")
	t.Setenv("MAX_BATCH_SIZE", "25")
	t.Setenv("RATE_LIMIT_WINDOW_SECONDS", "30")
	t.Setenv("INITIAL_BACKOFF_MS", "250")
	t.Setenv("BACKOFF_MULTIPLIER", "1.5")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxBatchSize != 25 {
		t.Errorf("MaxBatchSize = %d", cfg.MaxBatchSize)
	}
	if cfg.RateLimitWindow != 30*time.Second {
		t.Errorf("RateLimitWindow = %v", cfg.RateLimitWindow)
	}
	if cfg.InitialBackoff != 250*time.Millisecond {
		t.Errorf("InitialBackoff = %v", cfg.InitialBackoff)
	}
	if cfg.BackoffMultiplier != 1.5 {
		t.Errorf("BackoffMultiplier = %g", cfg.BackoffMultiplier)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if !cfg.HasAPIKey() {
		t.Error("HasAPIKey should be true")
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"non-integer batch size", "MAX_BATCH_SIZE", "lots"},
		{"non-integer retries", "MAX_RETRIES", "3.5"},
		{"non-number multiplier", "BACKOFF_MULTIPLIER", "fast"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("AI_API_ENDPOINT", "https://api.example.com")
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestValidateRanges(t *testing.T) {
	base := func() *Config {
		c := Default()
		c.APIEndpoint = "https://api.example.com"
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		substr string
	}{
		{"missing endpoint", func(c *Config) { c.APIEndpoint = "" }, "AI_API_ENDPOINT"},
		{"bad endpoint", func(c *Config) { c.APIEndpoint = "not a url" }, "valid URL"},
		{"zero batch", func(c *Config) { c.MaxBatchSize = 0 }, "MAX_BATCH_SIZE"},
		{"zero concurrency", func(c *Config) { c.MaxConcurrentRequests = 0 }, "MAX_CONCURRENT_REQUESTS"},
		{"zero threshold", func(c *Config) { c.CircuitFailureThreshold = 0 }, "CIRCUIT_FAILURE_THRESHOLD"},
		{"bad level", func(c *Config) { c.LogLevel = "verbose" }, "LOG_LEVEL"},
		{"low multiplier", func(c *Config) { c.BackoffMultiplier = 0.5 }, "BACKOFF_MULTIPLIER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.substr) {
				t.Errorf("error %q does not mention %q", err, tt.substr)
			}
		})
	}

	if err := base().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestLoadFileOverlay(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "sorter.yaml")
	data := "api_endpoint: https://file.example.com\nmax_batch_size: 42\nlog_level: warn\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AI_SORTER_CONFIG_FILE", path)
	// Env wins over the file.
	t.Setenv("LOG_LEVEL", "error")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIEndpoint != "https://file.example.com" {
		t.Errorf("APIEndpoint = %q", cfg.APIEndpoint)
	}
	if cfg.MaxBatchSize != 42 {
		t.Errorf("MaxBatchSize = %d", cfg.MaxBatchSize)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("env should win over file, LogLevel = %q", cfg.LogLevel)
	}
}
