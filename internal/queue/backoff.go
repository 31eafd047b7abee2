package queue

import "time"

type Config struct {
	PollInterval  time.Duration `yaml:"poll_interval" json:"poll_interval"`
	BaseBackoff   time.Duration `yaml:"base_backoff" json:"base_backoff"`
	MaxBackoff    time.Duration `yaml:"max_backoff" json:"max_backoff"`
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts"`
	BatchSize     int           `yaml:"batch_size" json:"batch_size"`
	Concurrency   int           `yaml:"concurrency" json:"concurrency"`
	RatePerSecond float64       `yaml:"rate_per_second" json:"rate_per_second"`
	LockTTL       time.Duration `yaml:"lock_ttl" json:"lock_ttl"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 30 * time.Second,
		BaseBackoff:  30 * time.Second,
		MaxBackoff:   30 * time.Minute,
		MaxAttempts:  5,
		BatchSize:    20,
		Concurrency:  4,
		LockTTL:      2 * time.Minute,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = max(d.MaxBackoff, c.BaseBackoff)
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	return c
}

// Backoff is the delay before the next try after attempts failures:
// base * 2^(attempts-1), capped at MaxBackoff.
func (c Config) Backoff(attempts int) time.Duration {
	c = c.withDefaults()
	if attempts < 1 {
		attempts = 1
	}
	d := c.BaseBackoff
	for i := 1; i < attempts; i++ {
		if d >= c.MaxBackoff/2 {
			return c.MaxBackoff
		}
		d *= 2
	}
	return min(d, c.MaxBackoff)
}
