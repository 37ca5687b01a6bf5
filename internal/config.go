package internal

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultBufferSize is the read buffer used by each worker
	DefaultBufferSize = 8192
	// DefaultMaxRetries is the number of attempts the retry transport makes per request
	DefaultMaxRetries = 10
	// UnlimitedBytesPerSecond disables throttling
	UnlimitedBytesPerSecond int64 = 1
)

// Config holds application configuration
type Config struct {
	Workers        int
	BufferSize     int
	MaxRetries     int
	RetryCap       time.Duration // zero means uncapped
	BytesPerSecond int64
	Timeout        time.Duration // response header timeout
	ShowProgress   bool
	Proxy          ProxyConfig

	// Logging configuration
	LogLevel    string
	EnableDebug bool
	QuietMode   bool
	LogFile     string
}

// DefaultWorkers returns the worker count used when none is configured
func DefaultWorkers() int {
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 1
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Workers:        DefaultWorkers(),
		BufferSize:     DefaultBufferSize,
		MaxRetries:     DefaultMaxRetries,
		BytesPerSecond: UnlimitedBytesPerSecond,
		Timeout:        30 * time.Second,

		LogLevel: "info",
		LogFile:  "", // Empty means stderr
	}
}

// Normalize replaces invalid values with safe defaults. It never fails.
func (c *Config) Normalize() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers()
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryCap < 0 {
		c.RetryCap = 0
	}
	if c.BytesPerSecond < UnlimitedBytesPerSecond {
		c.BytesPerSecond = UnlimitedBytesPerSecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// Throttled reports whether a bandwidth cap is configured
func (c *Config) Throttled() bool {
	return c.BytesPerSecond > UnlimitedBytesPerSecond
}

// Clone returns a copy that can be modified without affecting c
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

// String summarizes the download-relevant settings
func (c *Config) String() string {
	return fmt.Sprintf("{Workers: %d, BufferSize: %d, MaxRetries: %d, RetryCap: %v, BytesPerSecond: %d, ShowProgress: %v, Proxy: %s}",
		c.Workers, c.BufferSize, c.MaxRetries, c.RetryCap, c.BytesPerSecond, c.ShowProgress, c.Proxy.String())
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() {
	if workers := os.Getenv("RANGEFETCH_WORKERS"); workers != "" {
		if w, err := strconv.Atoi(workers); err == nil {
			c.Workers = w
		}
	}

	if size := os.Getenv("RANGEFETCH_BUFFER_SIZE"); size != "" {
		if b, err := humanize.ParseBytes(size); err == nil {
			c.BufferSize = int(b)
		}
	}

	if retries := os.Getenv("RANGEFETCH_RETRIES"); retries != "" {
		if r, err := strconv.Atoi(retries); err == nil {
			c.MaxRetries = r
		}
	}

	if retryCap := os.Getenv("RANGEFETCH_RETRY_CAP"); retryCap != "" {
		if d, err := time.ParseDuration(retryCap); err == nil {
			c.RetryCap = d
		}
	}

	if timeout := os.Getenv("RANGEFETCH_TIMEOUT"); timeout != "" {
		if t, err := strconv.Atoi(timeout); err == nil && t > 0 {
			c.Timeout = time.Duration(t) * time.Second
		}
	}

	if limit := os.Getenv("RANGEFETCH_RATE_LIMIT"); limit != "" {
		if bps, err := ParseRate(limit); err == nil {
			c.BytesPerSecond = bps
		}
	}

	if proxyURL := os.Getenv("RANGEFETCH_PROXY"); proxyURL != "" {
		c.Proxy.Enabled = true
		c.Proxy.URL = proxyURL
	}

	// Load logging configuration from environment
	c.LogLevel = GetEnvWithDefault("RANGEFETCH_LOG_LEVEL", c.LogLevel)

	if debug := os.Getenv("RANGEFETCH_DEBUG"); debug != "" {
		c.EnableDebug = debug == "true" || debug == "1"
	}

	if quiet := os.Getenv("RANGEFETCH_QUIET"); quiet != "" {
		c.QuietMode = quiet == "true" || quiet == "1"
	}

	if logFile := os.Getenv("RANGEFETCH_LOG_FILE"); logFile != "" {
		c.LogFile = logFile
	}
}

// fileConfig mirrors Config with human-readable sizes and durations
type fileConfig struct {
	Workers      int    `yaml:"workers"`
	BufferSize   string `yaml:"buffer_size"`
	Retries      *int   `yaml:"retries"`
	RetryCap     string `yaml:"retry_cap"`
	RateLimit    string `yaml:"rate_limit"`
	Timeout      string `yaml:"timeout"`
	ShowProgress *bool  `yaml:"show_progress"`
	Proxy        struct {
		Enabled  bool   `yaml:"enabled"`
		URL      string `yaml:"url"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"proxy"`
	Log struct {
		Level string `yaml:"level"`
		Debug bool   `yaml:"debug"`
		Quiet bool   `yaml:"quiet"`
		File  string `yaml:"file"`
	} `yaml:"log"`
}

// LoadFromFile merges settings from a YAML file into c. Keys absent from the
// file leave the current values untouched.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if fc.Workers != 0 {
		c.Workers = fc.Workers
	}
	if fc.BufferSize != "" {
		size, err := humanize.ParseBytes(fc.BufferSize)
		if err != nil {
			return fmt.Errorf("parse buffer_size: %w", err)
		}
		c.BufferSize = int(size)
	}
	if fc.Retries != nil {
		c.MaxRetries = *fc.Retries
	}
	if fc.RetryCap != "" {
		d, err := time.ParseDuration(fc.RetryCap)
		if err != nil {
			return fmt.Errorf("parse retry_cap: %w", err)
		}
		c.RetryCap = d
	}
	if fc.RateLimit != "" {
		bps, err := ParseRate(fc.RateLimit)
		if err != nil {
			return fmt.Errorf("parse rate_limit: %w", err)
		}
		c.BytesPerSecond = bps
	}
	if fc.Timeout != "" {
		d, err := time.ParseDuration(fc.Timeout)
		if err != nil {
			return fmt.Errorf("parse timeout: %w", err)
		}
		c.Timeout = d
	}
	if fc.ShowProgress != nil {
		c.ShowProgress = *fc.ShowProgress
	}
	if fc.Proxy.URL != "" {
		c.Proxy = ProxyConfig{
			Enabled:  fc.Proxy.Enabled,
			URL:      fc.Proxy.URL,
			Username: fc.Proxy.Username,
			Password: fc.Proxy.Password,
		}
	}
	if fc.Log.Level != "" {
		c.LogLevel = fc.Log.Level
	}
	c.EnableDebug = c.EnableDebug || fc.Log.Debug
	c.QuietMode = c.QuietMode || fc.Log.Quiet
	if fc.Log.File != "" {
		c.LogFile = fc.Log.File
	}

	return nil
}

// ParseRate parses a bandwidth such as "5M", "500KiB" or "1024" into bytes per
// second. An empty string or "0" means unlimited.
func ParseRate(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimSuffix(s, "/s"), "ps")
	if s == "" || s == "0" {
		return UnlimitedBytesPerSecond, nil
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("rate cannot be negative: %s", s)
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid rate %q: %w", s, err)
	}
	if n > uint64(1<<62) {
		return 0, fmt.Errorf("rate value overflow: %s", s)
	}
	return int64(n), nil
}

// GetEnvWithDefault returns environment variable value or default
func GetEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// ValidateConfig checks values supplied on the command line. The engine
// itself normalizes instead of rejecting.
func (c *Config) ValidateConfig() error {
	if c.Workers > 256 {
		return NewValidationErrorWithValue("workers", "must not exceed 256", c.Workers).
			WithSuggestion("Use fewer workers; most servers throttle beyond a few dozen connections")
	}

	if c.Proxy.Enabled {
		if err := c.Proxy.Validate(); err != nil {
			return err
		}
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return NewValidationErrorWithValue("log_level", "unknown log level", c.LogLevel).
			WithSuggestion("Use one of debug, info, warn, error")
	}

	return nil
}
