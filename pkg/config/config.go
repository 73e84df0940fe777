// Package config loads and validates the server's JSON configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// RateLimitConfig holds sliding-window rate limiting parameters.
type RateLimitConfig struct {
	MaxRequests int `json:"max_requests"`
	TimeWindow  int `json:"time_window"`
}

// CacheConfig holds the content cache's byte budget and observability
// max-age, both expressed in the config file's natural units (megabytes and
// seconds) rather than the internal byte/Duration representation.
type CacheConfig struct {
	SizeMB        int `json:"size_mb"`
	MaxAgeSeconds int `json:"max_age_seconds"`
}

// MetricsConfig holds the optional Prometheus side-port listener settings.
// A zero Port disables the HTTP listener entirely; the registry is still
// updated either way.
type MetricsConfig struct {
	Port int `json:"port"`
}

// Config is the fully parsed and validated server configuration.
type Config struct {
	Port         int             `json:"port"`
	StaticFolder string          `json:"static_folder"`
	ThreadCount  int             `json:"thread_count"`
	RateLimit    RateLimitConfig `json:"rate_limit"`
	Cache        CacheConfig     `json:"cache"`
	Metrics      MetricsConfig   `json:"metrics"`
}

// rawConfig mirrors Config but with pointer fields for the required nested
// sections, so Load can tell "object absent" apart from "object present
// with zero values".
type rawConfig struct {
	Port         *int             `json:"port"`
	StaticFolder *string          `json:"static_folder"`
	ThreadCount  *int             `json:"thread_count"`
	RateLimit    *RateLimitConfig `json:"rate_limit"`
	Cache        *CacheConfig     `json:"cache"`
	Metrics      *MetricsConfig   `json:"metrics"`
}

// Load reads and validates the JSON configuration file at path. It returns
// an error -- never panics or calls os.Exit -- when a required field is
// missing (without naming which) or describing the first invalid value
// found; callers at the process boundary are
// expected to log it and exit non-zero.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: could not open %s: %w", path, err)
	}

	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	if raw.Port == nil || raw.StaticFolder == nil || raw.ThreadCount == nil ||
		raw.RateLimit == nil || raw.Cache == nil {
		return nil, fmt.Errorf("config: missing required fields in %s", path)
	}

	cfg := &Config{
		Port:         *raw.Port,
		StaticFolder: *raw.StaticFolder,
		ThreadCount:  *raw.ThreadCount,
		RateLimit:    *raw.RateLimit,
		Cache:        *raw.Cache,
	}
	if raw.Metrics != nil {
		cfg.Metrics = *raw.Metrics
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field against its startup bounds, returning the
// first violation found.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port number: %d", c.Port)
	}

	info, err := os.Stat(c.StaticFolder)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("config: static folder does not exist: %s", c.StaticFolder)
	}

	if c.ThreadCount <= 0 || c.ThreadCount > 1000 {
		return fmt.Errorf("config: invalid thread count: %d", c.ThreadCount)
	}

	if c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("config: invalid max requests for rate limiting: %d", c.RateLimit.MaxRequests)
	}
	if c.RateLimit.TimeWindow <= 0 {
		return fmt.Errorf("config: invalid time window for rate limiting: %d", c.RateLimit.TimeWindow)
	}

	const maxSizeMB = math.MaxInt64 / (1024 * 1024)
	if c.Cache.SizeMB <= 0 || c.Cache.SizeMB > maxSizeMB {
		return fmt.Errorf("config: invalid cache size: %d MB", c.Cache.SizeMB)
	}
	if c.Cache.MaxAgeSeconds <= 0 {
		return fmt.Errorf("config: invalid cache max age: %d seconds", c.Cache.MaxAgeSeconds)
	}

	return nil
}
