package alloc

import "time"

// Config holds the tunable allocation policy.
type Config struct {
	// AckTimeoutSeconds bounds the wait for a courier acknowledgment.
	AckTimeoutSeconds int `json:"ack_timeout_seconds"`

	// TTLBufferMinutes is added on top of twice the transport ETA when
	// computing a reservation TTL.
	TTLBufferMinutes int `json:"ttl_buffer_minutes"`

	// TTLFloorMinutes is the minimum reservation TTL.
	TTLFloorMinutes int `json:"ttl_floor_minutes"`

	// SweepIntervalSeconds is the period of the TTL release sweep.
	SweepIntervalSeconds int `json:"sweep_interval_seconds"`

	// MaxRetries bounds per-candidate courier publish retries.
	MaxRetries int `json:"max_retries"`

	// BackoffMS is the base retry backoff, doubled per attempt.
	BackoffMS int `json:"backoff_ms"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.AckTimeoutSeconds <= 0 {
		c.AckTimeoutSeconds = 5
	}
	if c.TTLBufferMinutes <= 0 {
		c.TTLBufferMinutes = 10
	}
	if c.TTLFloorMinutes <= 0 {
		c.TTLFloorMinutes = 5
	}
	if c.SweepIntervalSeconds <= 0 {
		c.SweepIntervalSeconds = 30
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffMS <= 0 {
		c.BackoffMS = 100
	}
}

// AckTimeout returns the acknowledgment timeout as a duration.
func (c Config) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutSeconds) * time.Second
}

// ReservationTTL computes the TTL for a reservation whose transport is
// expected to take eta. The result is always strictly greater than
// eta plus the buffer.
func (c Config) ReservationTTL(eta time.Duration) time.Duration {
	ttl := 2*eta + time.Duration(c.TTLBufferMinutes)*time.Minute
	floor := time.Duration(c.TTLFloorMinutes) * time.Minute
	if ttl < floor {
		ttl = floor
	}
	return ttl
}

// SweepInterval returns the sweep period as a duration.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}
