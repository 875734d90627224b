package config

import "time"

// Log levels from the session manager's logging switch.
const (
	LogBasic    = "basic"
	LogDetailed = "detailed"
)

// Default values for optional configuration fields.
const (
	DefaultHost                  = "localhost"
	DefaultPort                  = 8194
	DefaultScheme                = "ws"
	DefaultPath                  = "/"
	DefaultService               = "//blp/mktdata"
	DefaultOpenTimeout           = 30 * time.Second
	DefaultWriteTimeout          = 5 * time.Second
	DefaultPingInterval          = 30 * time.Second
	DefaultPingTimeout           = 60 * time.Second
	DefaultSessionBufferSize     = 1024
	DefaultSlowConsumerHighWater = 10000
	DefaultSlowConsumerLowWater  = 1000
	DefaultLogLevel              = LogBasic
	DefaultLogFormat             = "text"
	DefaultDBPort                = 5432
	DefaultDBSSLMode             = "prefer"
	DefaultMaxConns              = 10
	DefaultMinConns              = 2
	DefaultBatchSize             = 1000
	DefaultFlushInterval         = 1 * time.Second
	DefaultBufferSize            = 10000
	DefaultMetricsPort           = 9090
	DefaultMetricsPath           = "/metrics"
)

// ApplyDefaults fills every unset optional field.
func (c *Config) ApplyDefaults() {
	// Session defaults
	s := &c.Session
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.Scheme == "" {
		s.Scheme = DefaultScheme
	}
	if s.Path == "" {
		s.Path = DefaultPath
	}
	if s.Service == "" {
		s.Service = DefaultService
	}
	if s.OpenTimeout == 0 {
		s.OpenTimeout = DefaultOpenTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.PingInterval == 0 {
		s.PingInterval = DefaultPingInterval
	}
	if s.PingTimeout == 0 {
		s.PingTimeout = DefaultPingTimeout
	}
	if s.BufferSize == 0 {
		s.BufferSize = DefaultSessionBufferSize
	}
	if s.SlowConsumerHighWater == 0 {
		s.SlowConsumerHighWater = DefaultSlowConsumerHighWater
	}
	if s.SlowConsumerLowWater == 0 {
		s.SlowConsumerLowWater = DefaultSlowConsumerLowWater
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}

	// Database defaults
	applyDBDefaults(&c.Database)

	// Recorder defaults
	if c.Recorder.BatchSize == 0 {
		c.Recorder.BatchSize = DefaultBatchSize
	}
	if c.Recorder.FlushInterval == 0 {
		c.Recorder.FlushInterval = DefaultFlushInterval
	}
	if c.Recorder.BufferSize == 0 {
		c.Recorder.BufferSize = DefaultBufferSize
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
