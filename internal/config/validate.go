package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validatePool(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	if err := c.validateProgress(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Bind == "" {
		return errors.New("server.bind must not be empty")
	}
	if c.Server.RateLimitPerSecond < 0 {
		return fmt.Errorf("server.rate_limit_per_second must not be negative, got %v", c.Server.RateLimitPerSecond)
	}
	if c.Server.RateLimitBurst < 0 {
		return fmt.Errorf("server.rate_limit_burst must not be negative, got %d", c.Server.RateLimitBurst)
	}
	return nil
}

func (c *Config) validatePool() error {
	if c.Pool.Size < 1 {
		return fmt.Errorf("pool.size must be at least 1, got %d", c.Pool.Size)
	}
	if c.Pool.PhaseTimeoutSeconds < 1 {
		return fmt.Errorf("pool.phase_timeout_seconds must be at least 1, got %d", c.Pool.PhaseTimeoutSeconds)
	}
	if c.Pool.PollIntervalSeconds < 1 {
		return fmt.Errorf("pool.poll_interval_seconds must be at least 1, got %d", c.Pool.PollIntervalSeconds)
	}
	return nil
}

func (c *Config) validateRetry() error {
	if c.Retry.BackoffBaseMS < 1 {
		return fmt.Errorf("retry.backoff_base_ms must be at least 1, got %d", c.Retry.BackoffBaseMS)
	}
	if c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("retry.backoff_factor must be at least 1, got %v", c.Retry.BackoffFactor)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.JitterMS < 0 {
		return fmt.Errorf("retry.jitter_ms must not be negative, got %d", c.Retry.JitterMS)
	}
	return nil
}

func (c *Config) validateProgress() error {
	if c.Progress.HeartbeatIntervalSeconds < 1 {
		return fmt.Errorf("progress.heartbeat_interval_seconds must be at least 1, got %d", c.Progress.HeartbeatIntervalSeconds)
	}
	if c.Progress.SubscriberQueueSize < 1 {
		return fmt.Errorf("progress.subscriber_queue_size must be at least 1, got %d", c.Progress.SubscriberQueueSize)
	}
	total := 0
	for name, weight := range c.Progress.Weights {
		if name == "" {
			return errors.New("progress.weights contains an empty phase name")
		}
		if weight <= 0 {
			return fmt.Errorf("progress.weights[%s] must be positive, got %d", name, weight)
		}
		total += weight
	}
	if total != 100 {
		return fmt.Errorf("progress.weights must sum to 100, got %d", total)
	}
	return nil
}

func (c *Config) validateStorage() error {
	if c.Cache.TTLHours < 1 {
		return fmt.Errorf("cache.ttl_hours must be at least 1, got %d", c.Cache.TTLHours)
	}
	if c.Cache.SweepIntervalMinutes < 1 {
		return fmt.Errorf("cache.sweep_interval_minutes must be at least 1, got %d", c.Cache.SweepIntervalMinutes)
	}
	if c.Registry.EvictionGraceMinutes < 0 {
		return fmt.Errorf("registry.eviction_grace_minutes must not be negative, got %d", c.Registry.EvictionGraceMinutes)
	}
	if c.Registry.EvictIntervalMinutes < 1 {
		return fmt.Errorf("registry.evict_interval_minutes must be at least 1, got %d", c.Registry.EvictIntervalMinutes)
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.StrategyVersion == "" {
		return errors.New("pipeline.strategy_version must not be empty")
	}
	if c.Pipeline.RequestTimeoutSeconds < 1 {
		return fmt.Errorf("pipeline.request_timeout_seconds must be at least 1, got %d", c.Pipeline.RequestTimeoutSeconds)
	}
	return nil
}
