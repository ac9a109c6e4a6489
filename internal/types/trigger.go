package types

import "time"

// MaxAttempts bounds
const (
	MinMaxAttempts     = 1
	MaxMaxAttempts     = 5
	DefaultMaxAttempts = 3
)

// TriggerConfig is the process-wide singleton gating the recurring trigger
type TriggerConfig struct {
	Enabled            bool       `json:"enabled"`
	MaxAttempts        int        `json:"max_attempts"`
	LastDisabledReason string     `json:"last_disabled_reason,omitempty"`
	DisabledAt         *time.Time `json:"disabled_at,omitempty"`
	EnabledAt          *time.Time `json:"enabled_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// DefaultTriggerConfig returns the configuration stored on first use.
func DefaultTriggerConfig(maxAttempts int, now time.Time) *TriggerConfig {
	return &TriggerConfig{
		Enabled:     true,
		MaxAttempts: ClampMaxAttempts(maxAttempts),
		UpdatedAt:   now,
	}
}

// ClampMaxAttempts keeps n within [MinMaxAttempts, MaxMaxAttempts]; zero means default.
func ClampMaxAttempts(n int) int {
	if n == 0 {
		return DefaultMaxAttempts
	}
	if n < MinMaxAttempts {
		return MinMaxAttempts
	}
	if n > MaxMaxAttempts {
		return MaxMaxAttempts
	}
	return n
}
