package ratelimit

import (
	"net/http"
	"strings"
	"time"
)

// Defaults applied by NewLimiter to zero fields
const (
	DefaultLimit           = 600
	DefaultWindow          = time.Minute
	DefaultCleanupInterval = 5 * time.Minute
	DefaultBucketTTL       = time.Hour
)

// Config holds rate limiting configuration.
type Config struct {
	Enabled         bool
	DefaultLimit    int
	DefaultWindow   time.Duration
	CleanupInterval time.Duration
	BucketTTL       time.Duration
	Allowlist       map[string]bool
	Denylist        map[string]bool
	Endpoints       []EndpointConfig
}

// EndpointConfig represents rate limiting configuration for a specific endpoint.
type EndpointConfig struct {
	Path   string        // Path pattern; a trailing "/" matches by prefix, "*" matches one segment
	Method string        // HTTP method
	Limit  int           // Maximum requests per window; <= 0 means unlimited
	Window time.Duration // Time window
	Burst  int           // Burst capacity (defaults to Limit if 0)
}

func (ec *EndpointConfig) capacity() int {
	if ec.Burst > 0 {
		return ec.Burst
	}
	return ec.Limit
}

func (ec *EndpointConfig) refillRate() float64 {
	window := ec.Window
	if window <= 0 {
		window = DefaultWindow
	}
	return float64(ec.Limit) / window.Seconds()
}

// key groups requests into one bucket: configured endpoints share a bucket per pattern,
// everything else is bucketed by the concrete path.
func (ec *EndpointConfig) key(path, method string) string {
	if ec.Path != "" {
		return ec.Method + " " + ec.Path
	}
	return method + " " + path
}

// DefaultConfig returns an enabled configuration with the catalog endpoint tiers.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		DefaultLimit:    DefaultLimit,
		DefaultWindow:   DefaultWindow,
		CleanupInterval: DefaultCleanupInterval,
		BucketTTL:       DefaultBucketTTL,
		Endpoints:       DefaultEndpointConfigs(),
	}
}

// DefaultEndpointConfigs returns the default endpoint-specific configurations.
func DefaultEndpointConfigs() []EndpointConfig {
	return []EndpointConfig{
		// Starting runs and admin changes
		{Path: "/runs", Method: http.MethodPost, Limit: 30, Window: time.Hour, Burst: 5},
		{Path: "/trigger", Method: http.MethodPut, Limit: 30, Window: time.Hour, Burst: 5},
		{Path: "/runs/*/cancel", Method: http.MethodPost, Limit: 30, Window: time.Hour, Burst: 5},

		// Executor writes are frequent but bounded
		{Path: "/runs/", Method: http.MethodPatch, Limit: 6000, Window: time.Minute, Burst: 200},
		{Path: "/runs/", Method: http.MethodPost, Limit: 1200, Window: time.Minute, Burst: 100},
	}
}

func (c Config) withDefaults() Config {
	if c.DefaultLimit == 0 {
		c.DefaultLimit = DefaultLimit
	}
	if c.DefaultWindow <= 0 {
		c.DefaultWindow = DefaultWindow
	}
	if c.BucketTTL <= 0 {
		c.BucketTTL = DefaultBucketTTL
	}
	if c.Allowlist == nil {
		c.Allowlist = map[string]bool{}
	}
	if c.Denylist == nil {
		c.Denylist = map[string]bool{}
	}
	return c
}

// ParseIPList parses a comma-separated list of IP addresses into a set.
func ParseIPList(list string) map[string]bool {
	result := make(map[string]bool)
	for _, ip := range strings.Split(list, ",") {
		if ip = strings.TrimSpace(ip); ip != "" {
			result[ip] = true
		}
	}
	return result
}
