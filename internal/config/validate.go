package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if err := c.Session.validate("session"); err != nil {
		return err
	}

	for i, f := range c.Subscriptions.Fields {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("subscriptions.fields[%d] is empty", i)
		}
	}
	for i, s := range c.Subscriptions.Securities {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("subscriptions.securities[%d] is empty", i)
		}
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	if c.Database.Enabled {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
		if c.Recorder.BatchSize < 1 {
			return errors.New("recorder.batch_size must be >= 1")
		}
		if c.Recorder.BufferSize < 1 {
			return errors.New("recorder.buffer_size must be >= 1")
		}
		if c.Recorder.FlushInterval <= 0 {
			return errors.New("recorder.flush_interval must be > 0")
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
		}
	}

	return nil
}

func (s *SessionConfig) validate(prefix string) error {
	if s.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("%s.port must be between 1 and 65535, got %d", prefix, s.Port)
	}
	if s.Scheme != "ws" && s.Scheme != "wss" {
		return fmt.Errorf("%s.scheme must be ws or wss, got %q", prefix, s.Scheme)
	}
	if s.Service == "" {
		return fmt.Errorf("%s.service is required", prefix)
	}
	if s.OpenTimeout <= 0 {
		return fmt.Errorf("%s.open_timeout must be > 0", prefix)
	}
	if s.BufferSize < 1 {
		return fmt.Errorf("%s.buffer_size must be >= 1", prefix)
	}
	if s.SlowConsumerLowWater >= s.SlowConsumerHighWater {
		return fmt.Errorf("%s.slow_consumer_low_water (%d) must be below slow_consumer_high_water (%d)",
			prefix, s.SlowConsumerLowWater, s.SlowConsumerHighWater)
	}
	if s.PrivateKeyPath != "" && s.APIKey == "" {
		return fmt.Errorf("%s.api_key is required with private_key_path", prefix)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
