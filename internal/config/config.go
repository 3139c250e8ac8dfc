// Package config loads and validates the sidecar configuration.
//
// Precedence, lowest to highest: built-in defaults, optional YAML overlay
// file (AI_SORTER_CONFIG_FILE), environment variables. The Config is built
// once at startup and treated as immutable afterwards.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable recognized by the sidecar.
type Config struct {
	// Upstream classification API.
	APIEndpoint string `yaml:"api_endpoint"`
	APIKey      string `yaml:"api_key"`
	Model       string `yaml:"model"`

	// Server.
	ListenAddr string `yaml:"listen_addr"`
	// Optional shared secret for POST /sort. Empty means open access.
	SidecarAPIKey string `yaml:"sidecar_api_key"`

	// Batch handling.
	MaxBatchSize          int           `yaml:"max_batch_size"`
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests"`
	AdmissionWait         time.Duration `yaml:"admission_wait"`
	RequestDeadline       time.Duration `yaml:"request_deadline"`

	// Rate limiting.
	RateLimitCapacity int           `yaml:"rate_limit_capacity"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`
	RateLimitWait     time.Duration `yaml:"rate_limit_wait"`

	// Upstream retry policy.
	MaxRetries        int           `yaml:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	PerAttemptTimeout time.Duration `yaml:"per_attempt_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`

	// Circuit breaker.
	CircuitFailureThreshold int           `yaml:"circuit_failure_threshold"`
	CircuitReset            time.Duration `yaml:"circuit_reset"`

	// Lifecycle.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// Observability.
	LogLevel     string `yaml:"log_level"`
	TraceEnabled bool   `yaml:"trace_enabled"`
}

// Default returns the built-in defaults from the design tables.
func Default() *Config {
	return &Config{
		Model:                   "grok-beta",
		ListenAddr:              "0.0.0.0:8000",
		MaxBatchSize:            100,
		MaxConcurrentRequests:   10,
		AdmissionWait:           0,
		RequestDeadline:         45 * time.Second,
		RateLimitCapacity:       60,
		RateLimitWindow:         60 * time.Second,
		RateLimitWait:           5 * time.Second,
		MaxRetries:              3,
		InitialBackoff:          time.Second,
		BackoffMultiplier:       2.0,
		MaxBackoff:              30 * time.Second,
		PerAttemptTimeout:       30 * time.Second,
		ConnectTimeout:          10 * time.Second,
		CircuitFailureThreshold: 5,
		CircuitReset:            60 * time.Second,
		ShutdownGrace:           30 * time.Second,
		LogLevel:                "info",
	}
}

// Load builds a Config from defaults, the optional YAML overlay, and the
// environment, then validates it.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("AI_SORTER_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays recognized environment variables. Unknown variables are
// ignored; malformed values are errors so a typo never silently falls back
// to a default.
func (c *Config) applyEnv() error {
	var err error

	if v := os.Getenv("AI_API_ENDPOINT"); v != "" {
		c.APIEndpoint = v
	}
	if v := os.Getenv("AI_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("AI_MODEL"); v != "" {
		c.Model = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("SIDECAR_API_KEY"); v != "" {
		c.SidecarAPIKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("TRACE_ENABLED"); v != "" {
		c.TraceEnabled = v == "true" || v == "1"
	}

	if err = intVar("MAX_BATCH_SIZE", &c.MaxBatchSize); err != nil {
		return err
	}
	if err = intVar("MAX_CONCURRENT_REQUESTS", &c.MaxConcurrentRequests); err != nil {
		return err
	}
	if err = intVar("RATE_LIMIT_CAPACITY", &c.RateLimitCapacity); err != nil {
		return err
	}
	if err = intVar("MAX_RETRIES", &c.MaxRetries); err != nil {
		return err
	}
	if err = intVar("CIRCUIT_FAILURE_THRESHOLD", &c.CircuitFailureThreshold); err != nil {
		return err
	}

	if err = secondsVar("RATE_LIMIT_WINDOW_SECONDS", &c.RateLimitWindow); err != nil {
		return err
	}

	if err = millisVar("RATE_LIMIT_WAIT_MS", &c.RateLimitWait); err != nil {
		return err
	}
	if err = millisVar("ADMISSION_WAIT_MS", &c.AdmissionWait); err != nil {
		return err
	}
	if err = millisVar("INITIAL_BACKOFF_MS", &c.InitialBackoff); err != nil {
		return err
	}
	if err = millisVar("MAX_BACKOFF_MS", &c.MaxBackoff); err != nil {
		return err
	}
	if err = millisVar("PER_ATTEMPT_TIMEOUT_MS", &c.PerAttemptTimeout); err != nil {
		return err
	}
	if err = millisVar("CONNECT_TIMEOUT_MS", &c.ConnectTimeout); err != nil {
		return err
	}
	if err = millisVar("REQUEST_DEADLINE_MS", &c.RequestDeadline); err != nil {
		return err
	}
	if err = millisVar("CIRCUIT_RESET_MS", &c.CircuitReset); err != nil {
		return err
	}
	if err = millisVar("SHUTDOWN_GRACE_MS", &c.ShutdownGrace); err != nil {
		return err
	}

	if v := os.Getenv("BACKOFF_MULTIPLIER"); v != "" {
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			return fmt.Errorf("BACKOFF_MULTIPLIER: %q is not a number", v)
		}
		c.BackoffMultiplier = f
	}

	return nil
}

func intVar(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %q is not an integer", name, v)
	}
	*dst = n
	return nil
}

func millisVar(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %q is not an integer", name, v)
	}
	*dst = time.Duration(n) * time.Millisecond
	return nil
}

func secondsVar(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %q is not an integer", name, v)
	}
	*dst = time.Duration(n) * time.Second
	return nil
}

// Validate checks ranges and required fields. A failing Validate must keep
// the process from serving.
func (c *Config) Validate() error {
	if c.APIEndpoint == "" {
		return fmt.Errorf("AI_API_ENDPOINT is required")
	}
	u, err := url.Parse(c.APIEndpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("AI_API_ENDPOINT: %q is not a valid URL", c.APIEndpoint)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR must not be empty")
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("MAX_BATCH_SIZE must be at least 1, got %d", c.MaxBatchSize)
	}
	if c.MaxConcurrentRequests < 1 {
		return fmt.Errorf("MAX_CONCURRENT_REQUESTS must be at least 1, got %d", c.MaxConcurrentRequests)
	}
	if c.RateLimitCapacity < 1 {
		return fmt.Errorf("RATE_LIMIT_CAPACITY must be at least 1, got %d", c.RateLimitCapacity)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_SECONDS must be positive, got %v", c.RateLimitWindow)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1, got %d", c.MaxRetries)
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("BACKOFF_MULTIPLIER must be >= 1, got %g", c.BackoffMultiplier)
	}
	if c.InitialBackoff < 0 || c.MaxBackoff < 0 {
		return fmt.Errorf("backoff durations must be non-negative")
	}
	if c.PerAttemptTimeout <= 0 {
		return fmt.Errorf("PER_ATTEMPT_TIMEOUT_MS must be positive, got %v", c.PerAttemptTimeout)
	}
	if c.RequestDeadline <= 0 {
		return fmt.Errorf("REQUEST_DEADLINE_MS must be positive, got %v", c.RequestDeadline)
	}
	if c.CircuitFailureThreshold < 1 {
		return fmt.Errorf("CIRCUIT_FAILURE_THRESHOLD must be at least 1, got %d", c.CircuitFailureThreshold)
	}
	if c.CircuitReset <= 0 {
		return fmt.Errorf("CIRCUIT_RESET_MS must be positive, got %v", c.CircuitReset)
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("SHUTDOWN_GRACE_MS must be non-negative, got %v", c.ShutdownGrace)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug|info|warn|error, got %q", c.LogLevel)
	}
	return nil
}

// HasAPIKey reports whether the upstream credential is configured. Its
// absence keeps /readyz failing while /healthz stays OK.
func (c *Config) HasAPIKey() bool {
	return c.APIKey != ""
}
