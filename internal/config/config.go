// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Anomaly   AnomalyConfig   `mapstructure:"anomaly"`
	Review    ReviewConfig    `mapstructure:"review"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// PipelineConfig governs orchestrator fan-out and fetch identity.
type PipelineConfig struct {
	Concurrency int    `mapstructure:"concurrency"`
	UserAgent   string `mapstructure:"user_agent"`
}

// RateLimitConfig throttles outbound requests per source key.
type RateLimitConfig struct {
	Requests      int `mapstructure:"requests"`
	WindowSeconds int `mapstructure:"window_seconds"`
	// PerKey maps source locators to request counts. Locators contain dots,
	// which Viper's key paths would split, so it is decoded from the raw
	// sub-map in Load instead of by Unmarshal.
	PerKey map[string]int `mapstructure:"-"`
}

// HTTPConfig configures HTTP client retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// HeadlessConfig configures the headless rendering fallback.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// AnomalyConfig tunes the isolation forest detector.
type AnomalyConfig struct {
	Contamination float64 `mapstructure:"contamination"`
	Seed          int64   `mapstructure:"seed"`
	MinBatch      int     `mapstructure:"min_batch"`
	Trees         int     `mapstructure:"trees"`
}

// ReviewConfig governs auto-approval and queue expiration.
type ReviewConfig struct {
	AutoApproveThreshold float64 `mapstructure:"auto_approve_threshold"`
	TTLHours             int     `mapstructure:"ttl_hours"`
}

// StorageConfig sets paths and content types for raw payload archives.
type StorageConfig struct {
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for pipeline event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("QUARRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	perKey, err := perKeyOverrides(v)
	if err != nil {
		return Config{}, err
	}
	cfg.RateLimit.PerKey = perKey

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func perKeyOverrides(v *viper.Viper) (map[string]int, error) {
	raw := v.Get("rate_limit.per_key")
	if raw == nil {
		return nil, nil
	}
	entries, err := cast.ToStringMapE(raw)
	if err != nil {
		return nil, fmt.Errorf("rate_limit.per_key must map source keys to request counts: %w", err)
	}
	out := make(map[string]int, len(entries))
	for key, val := range entries {
		n, err := cast.ToIntE(val)
		if err != nil {
			return nil, fmt.Errorf("rate_limit.per_key[%s]: %w", key, err)
		}
		out[key] = n
	}
	return out, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.user_agent", "quarry-bot/0.1")
	v.SetDefault("rate_limit.requests", 5)
	v.SetDefault("rate_limit.window_seconds", 1)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 30000)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("anomaly.contamination", 0.1)
	v.SetDefault("anomaly.seed", 42)
	v.SetDefault("anomaly.min_batch", 2)
	v.SetDefault("anomaly.trees", 100)
	v.SetDefault("review.auto_approve_threshold", 0.8)
	v.SetDefault("review.ttl_hours", 48)
	v.SetDefault("storage.prefix", "raw")
	v.SetDefault("storage.content_type", "application/json")
	v.SetDefault("db.table", "pipeline_entries")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pipeline.Concurrency <= 0 {
		return fmt.Errorf("pipeline.concurrency must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("rate_limit.window_seconds must be > 0")
	}
	if c.Anomaly.Contamination < 0 || c.Anomaly.Contamination > 0.5 {
		return fmt.Errorf("anomaly.contamination must be in [0, 0.5]")
	}
	if c.Review.AutoApproveThreshold < 0 || c.Review.AutoApproveThreshold > 1 {
		return fmt.Errorf("review.auto_approve_threshold must be in [0, 1]")
	}
	if c.Review.TTLHours <= 0 {
		return fmt.Errorf("review.ttl_hours must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	return nil
}

// RetryBase returns the initial backoff delay.
func (c Config) RetryBase() time.Duration {
	return time.Duration(c.HTTP.BackoffInitialMs) * time.Millisecond
}

// RetryMax returns the backoff delay cap.
func (c Config) RetryMax() time.Duration {
	return time.Duration(c.HTTP.BackoffMaxMs) * time.Millisecond
}

// HTTPTimeout returns the per-request timeout.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// Window returns the rate limit window.
func (c Config) Window() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

// ReviewTTL returns the pending review lifetime.
func (c Config) ReviewTTL() time.Duration {
	return time.Duration(c.Review.TTLHours) * time.Hour
}
