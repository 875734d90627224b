// Package config loads the YAML configuration for easymkt and mktsim.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration.
type Config struct {
	Session       SessionConfig       `yaml:"session"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Log           LogConfig           `yaml:"log"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Database      DBConfig            `yaml:"database"`
	Recorder      RecorderConfig      `yaml:"recorder"`
}

// SessionConfig holds provider connection settings.
type SessionConfig struct {
	Host                  string        `yaml:"host"`
	Port                  int           `yaml:"port"`
	Scheme                string        `yaml:"scheme"` // "ws" or "wss"
	Path                  string        `yaml:"path"`
	Service               string        `yaml:"service"`
	OpenTimeout           time.Duration `yaml:"open_timeout"`
	WriteTimeout          time.Duration `yaml:"write_timeout"`
	PingInterval          time.Duration `yaml:"ping_interval"`
	PingTimeout           time.Duration `yaml:"ping_timeout"`
	BufferSize            int           `yaml:"buffer_size"`
	SlowConsumerHighWater int           `yaml:"slow_consumer_high_water"`
	SlowConsumerLowWater  int           `yaml:"slow_consumer_low_water"`
	APIKey                string        `yaml:"api_key"`          // Key ID when signing, bearer token otherwise
	PrivateKeyPath        string        `yaml:"private_key_path"` // RSA key PEM; enables signed handshakes
}

// URL returns the WebSocket URL of the provider.
func (s SessionConfig) URL() string {
	u := url.URL{
		Scheme: s.Scheme,
		Host:   net.JoinHostPort(s.Host, strconv.Itoa(s.Port)),
		Path:   s.Path,
	}
	return u.String()
}

// SubscriptionsConfig lists what to subscribe to at startup.
type SubscriptionsConfig struct {
	Fields     []string `yaml:"fields"`
	Securities []string `yaml:"securities"`
	Options    string   `yaml:"options"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // basic, detailed, debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// SlogLevel maps the configured level to a slog level. "basic" is Info
// and "detailed" is Debug.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "", LogBasic, "info":
		return slog.LevelInfo, nil
	case LogDetailed, "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", l.Level)
	}
}

// NewLogger builds a logger writing to w in the configured format.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := l.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(l.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", l.Format)
	}
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// DBConfig holds the recorder database connection.
type DBConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RecorderConfig holds update recorder batching settings.
type RecorderConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}
