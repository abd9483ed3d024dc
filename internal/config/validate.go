package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks the settings the active profile depends on.
func (c *Config) Validate() error {
	switch c.Profile {
	case ProfileIntegration, ProfileFile, ProfileLog, ProfileBasics:
	default:
		return fmt.Errorf("%w: unknown profile %q (supported: integration, file, log, basics)", ErrInvalidConfig, c.Profile)
	}

	if c.Profile.UsesFiles() {
		if err := c.Files.validate(); err != nil {
			return err
		}
	}
	if c.Profile.UsesLog() || c.Publish.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: at least one kafka broker is required", ErrInvalidConfig)
		}
	}
	if c.Profile.UsesLog() {
		if err := c.Kafka.Consumer.validate(); err != nil {
			return err
		}
	}
	if c.Publish.Enabled && c.Publish.Topic == "" {
		return fmt.Errorf("%w: publish.topic is required when publishing is enabled", ErrInvalidConfig)
	}

	if c.Handler.Timeout < 0 {
		return fmt.Errorf("%w: handler.timeout must not be negative", ErrInvalidConfig)
	}
	if c.Handler.IdempotencyWindow < 0 {
		return fmt.Errorf("%w: handler.idempotency-window must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (f FilesConfig) validate() error {
	if f.Dir == "" {
		return fmt.Errorf("%w: files.dir is required", ErrInvalidConfig)
	}
	if f.Interval <= 0 {
		return fmt.Errorf("%w: files.interval must be positive, got %s", ErrInvalidConfig, f.Interval)
	}
	switch f.Dedup {
	case DedupNone, DedupMemory:
	case DedupPersistent:
		if f.StateFile == "" {
			return fmt.Errorf("%w: files.state-file is required for persistent dedup", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown files.dedup %q (supported: none, memory, persistent)", ErrInvalidConfig, f.Dedup)
	}
	return nil
}

func (c ConsumerConfig) validate() error {
	if c.Topic == "" {
		return fmt.Errorf("%w: kafka.consumer.topic is required", ErrInvalidConfig)
	}
	if c.GroupID == "" {
		return fmt.Errorf("%w: kafka.consumer.group-id is required for manual commits", ErrInvalidConfig)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: kafka.consumer.concurrency must be at least 1", ErrInvalidConfig)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("%w: kafka.consumer.max-attempts must be at least 1", ErrInvalidConfig)
	}
	if c.IdleEventInterval < 0 {
		return fmt.Errorf("%w: kafka.consumer.idle-event-interval must not be negative", ErrInvalidConfig)
	}
	return nil
}
