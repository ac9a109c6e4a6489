// Package config loads and validates catalog-sync settings.
//
// Values are layered, lowest to highest: built-in defaults, the YAML config file,
// CATALOG_SYNC_ environment variables, then explicitly set command-line flags.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/jonathan/catalog-sync/internal/retry"
	"github.com/jonathan/catalog-sync/internal/server/ratelimit"
	"github.com/jonathan/catalog-sync/internal/types"
)

// EnvPrefix is the prefix of environment overrides. A double underscore nests keys:
// CATALOG_SYNC_SCHEDULE__INTERVAL sets schedule.interval.
const EnvPrefix = "CATALOG_SYNC_"

// Store backends
const (
	StorePostgres = "postgres"
	StoreBolt     = "bolt"
)

// DefaultFiles are searched in the working directory when no config file is named.
var DefaultFiles = []string{"catalog-sync.yaml", "catalog-sync.yml"}

// Config holds all catalog-sync settings.
type Config struct {
	Store       string `koanf:"store"`
	DatabaseURL string `koanf:"database_url"`
	BoltPath    string `koanf:"bolt_path"`

	Port      int    `koanf:"port"`
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	Schedule  ScheduleConfig        `koanf:"schedule"`
	Retry     RetryConfig           `koanf:"retry"`
	Trigger   TriggerConfig         `koanf:"trigger"`
	Poll      PollConfig            `koanf:"poll"`
	RateLimit RateLimitConfig       `koanf:"rate_limit"`
	Steps     map[string]StepConfig `koanf:"steps"`

	// File is the config file that was read, if any.
	File string `koanf:"-"`
}

// ScheduleConfig controls the interval trigger.
type ScheduleConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Interval   time.Duration `koanf:"interval"`
	RunOnStart bool          `koanf:"run_on_start"`
	RunTimeout time.Duration `koanf:"run_timeout"`
	StaleAfter time.Duration `koanf:"stale_after"`
	// Reattempts is how many extra cron runs an occurrence gets after a failure.
	Reattempts int `koanf:"reattempts"`
}

// RetryConfig is the per-step retry policy.
type RetryConfig struct {
	MaxRetries   int           `koanf:"max_retries"`
	InitialDelay time.Duration `koanf:"initial_delay"`
	MaxDelay     time.Duration `koanf:"max_delay"`
}

// TriggerConfig seeds the stored trigger configuration.
type TriggerConfig struct {
	DefaultMaxAttempts int `koanf:"default_max_attempts"`
}

// PollConfig is the observer cadence.
type PollConfig struct {
	Active time.Duration `koanf:"active"`
	Idle   time.Duration `koanf:"idle"`
}

// RateLimitConfig configures HTTP rate limiting. Lists are comma-separated IPs.
type RateLimitConfig struct {
	Enabled       bool          `koanf:"enabled"`
	DefaultLimit  int           `koanf:"default_limit"`
	DefaultWindow time.Duration `koanf:"default_window"`
	Allowlist     string        `koanf:"allowlist"`
	Denylist      string        `koanf:"denylist"`
}

// StepConfig is the command that executes one pipeline step.
type StepConfig struct {
	Command string        `koanf:"command"`
	Dir     string        `koanf:"dir"`
	Timeout time.Duration `koanf:"timeout"`
}

// Defaults returns the built-in values as flat koanf keys.
func Defaults() map[string]any {
	return map[string]any{
		"store":                        StoreBolt,
		"bolt_path":                    "catalog-sync.db",
		"port":                         8080,
		"log_level":                    "info",
		"log_format":                   "text",
		"schedule.enabled":             true,
		"schedule.interval":            "1h",
		"schedule.run_on_start":        false,
		"schedule.run_timeout":         "2h",
		"schedule.stale_after":         "3h",
		"schedule.reattempts":          0,
		"retry.max_retries":            retry.DefaultMaxRetries,
		"retry.initial_delay":          retry.DefaultInitialDelay.String(),
		"retry.max_delay":              retry.DefaultMaxDelay.String(),
		"trigger.default_max_attempts": types.DefaultMaxAttempts,
		"poll.active":                  "2s",
		"poll.idle":                    "30s",
		"rate_limit.enabled":           true,
		"rate_limit.default_limit":     ratelimit.DefaultLimit,
		"rate_limit.default_window":    ratelimit.DefaultWindow.String(),
	}
}

// findConfigFile returns explicit, or the first default file present in the working
// directory.
func findConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, name := range DefaultFiles {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// envKey maps CATALOG_SYNC_SCHEDULE__INTERVAL to schedule.interval.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Load builds the configuration. flags may be nil; only flags that were set on the
// command line override other sources.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	path := findConfigFile(cfgFile)
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed || f.Name == "config" {
				return "", nil
			}
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.File = path
	return &cfg, nil
}

// Validate checks that the configuration has usable values.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config error: 'database_url' is required for the postgres store")
		}
	case StoreBolt:
		if c.BoltPath == "" {
			return fmt.Errorf("config error: 'bolt_path' is required for the bolt store")
		}
	default:
		return fmt.Errorf("config error: 'store' must be %q or %q, got %q", StorePostgres, StoreBolt, c.Store)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config error: 'port' must be between 1 and 65535")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config error: 'log_level' must be debug, info, warn or error")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config error: 'log_format' must be text or json")
	}

	if c.Schedule.Interval <= 0 {
		return fmt.Errorf("config error: 'schedule.interval' must be positive")
	}
	if c.Schedule.RunTimeout < 0 || c.Schedule.StaleAfter < 0 {
		return fmt.Errorf("config error: schedule timeouts must be non-negative")
	}
	if c.Schedule.Reattempts < 0 || c.Schedule.Reattempts > types.MaxMaxAttempts-1 {
		return fmt.Errorf("config error: 'schedule.reattempts' must be between 0 and %d", types.MaxMaxAttempts-1)
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config error: 'retry.max_retries' must be non-negative")
	}
	if c.Retry.InitialDelay <= 0 {
		return fmt.Errorf("config error: 'retry.initial_delay' must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("config error: 'retry.max_delay' must be at least 'retry.initial_delay'")
	}

	if n := c.Trigger.DefaultMaxAttempts; n < types.MinMaxAttempts || n > types.MaxMaxAttempts {
		return fmt.Errorf("config error: 'trigger.default_max_attempts' must be between %d and %d",
			types.MinMaxAttempts, types.MaxMaxAttempts)
	}

	if c.RateLimit.DefaultLimit < 0 {
		return fmt.Errorf("config error: 'rate_limit.default_limit' must be non-negative")
	}

	for name, step := range c.Steps {
		if !types.IsKnownStep(name) {
			return fmt.Errorf("config error: unknown step %q", name)
		}
		if step.Timeout < 0 {
			return fmt.Errorf("config error: 'steps.%s.timeout' must be non-negative", name)
		}
	}
	return nil
}

// RetryPolicy returns the step retry policy.
func (c *Config) RetryPolicy() retry.BoundedExponential {
	return retry.BoundedExponential{
		InitialDelay: c.Retry.InitialDelay,
		MaxDelay:     c.Retry.MaxDelay,
		MaxRetries:   c.Retry.MaxRetries,
	}
}

// RateLimiter returns the limiter configuration with the default endpoint tiers.
func (c *Config) RateLimiter() ratelimit.Config {
	rl := ratelimit.DefaultConfig()
	rl.Enabled = c.RateLimit.Enabled
	if c.RateLimit.DefaultLimit > 0 {
		rl.DefaultLimit = c.RateLimit.DefaultLimit
	}
	if c.RateLimit.DefaultWindow > 0 {
		rl.DefaultWindow = c.RateLimit.DefaultWindow
	}
	rl.Allowlist = ratelimit.ParseIPList(c.RateLimit.Allowlist)
	rl.Denylist = ratelimit.ParseIPList(c.RateLimit.Denylist)
	return rl
}
