package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines transport/session timing defaults.
type Config struct {
	AcceptTimeout    time.Duration
	HandshakeTimeout time.Duration
	ReceiveTimeout   time.Duration
	FrameTimeout     time.Duration
	WriteTimeout     time.Duration
	TickInterval     time.Duration
	EngineTimeout    time.Duration
	RegisterAttempts int
	Backoff          BackoffConfig
}

// DefaultConfig mirrors the timings the host side expects: one peer must
// connect within 5s and the idle loop re-polls every 100ms.
func DefaultConfig() Config {
	return Config{
		AcceptTimeout:    5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		ReceiveTimeout:   100 * time.Millisecond,
		FrameTimeout:     5 * time.Second,
		WriteTimeout:     5 * time.Second,
		TickInterval:     15 * time.Second,
		EngineTimeout:    5 * time.Second,
		RegisterAttempts: 5,
		Backoff: BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     2 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = d.AcceptTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = d.ReceiveTimeout
	}
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = d.FrameTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.EngineTimeout <= 0 {
		c.EngineTimeout = d.EngineTimeout
	}
	if c.RegisterAttempts <= 0 {
		c.RegisterAttempts = d.RegisterAttempts
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}
