package easymkt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/easymkt/internal/auth"
	"github.com/rickgao/easymkt/internal/config"
	"github.com/rickgao/easymkt/internal/connection"
	"github.com/rickgao/easymkt/internal/feed"
	"github.com/rickgao/easymkt/internal/metrics"
	"github.com/rickgao/easymkt/internal/registry"
	"github.com/rickgao/easymkt/internal/router"
	"github.com/rickgao/easymkt/internal/session"
)

// Errors
var (
	ErrAlreadyOpen        = errors.New("session already opened")
	ErrInvalidArgument    = registry.ErrInvalidArgument
	ErrDuplicateToken     = router.ErrDuplicateToken
	ErrUnknownCorrelation = router.ErrUnknownCorrelation
	ErrNotReady           = session.ErrNotReady
	ErrOpenTimeout        = session.ErrOpenTimeout
	ErrStartupFailure     = session.ErrStartupFailure
	ErrServiceOpenFailure = session.ErrServiceOpenFailure
	ErrSessionTerminated  = session.ErrSessionTerminated
	ErrSubscribe          = session.ErrSubscribe
	ErrSubscriptionFailed = session.ErrSubscriptionFailed
)

type (
	Field          = registry.Field
	Security       = registry.Security
	Message        = feed.Message
	Event          = feed.Event
	Handler        = feed.Handler
	HandlerFunc    = feed.HandlerFunc
	EventHandler   = feed.EventHandler
	Transport      = session.Transport
	State          = session.State
	SubscribeError = session.SubscribeError
	Metrics        = metrics.Metrics
)

// Session states.
const (
	Disconnected   = session.Disconnected
	Connecting     = session.Connecting
	Connected      = session.Connected
	ServiceOpening = session.ServiceOpening
	ServiceReady   = session.ServiceReady
	Terminated     = session.Terminated
	Failed         = session.Failed
)

// Config configures a Client.
type Config struct {
	Host        string
	Port        int
	Scheme      string // "ws" or "wss"
	Path        string
	Service     string
	OpenTimeout time.Duration
	Options     string // Passed verbatim on every subscription

	// Transport settings; zero values take the transport defaults.
	WriteTimeout          time.Duration
	PingInterval          time.Duration
	PingTimeout           time.Duration
	BufferSize            int
	SlowConsumerHighWater int
	SlowConsumerLowWater  int

	APIKey         string // Key ID when PrivateKeyPath is set, bearer token otherwise
	PrivateKeyPath string

	UpdateBufferSize int // Initial capacity of each security's update queue
}

// DefaultConfig returns the configuration for a local provider.
func DefaultConfig() Config {
	return Config{
		Host:        config.DefaultHost,
		Port:        config.DefaultPort,
		Scheme:      config.DefaultScheme,
		Path:        config.DefaultPath,
		Service:     config.DefaultService,
		OpenTimeout: config.DefaultOpenTimeout,
	}
}

// ConfigFrom converts loaded configuration sections to a Config.
func ConfigFrom(s config.SessionConfig, subs config.SubscriptionsConfig) Config {
	return Config{
		Host:                  s.Host,
		Port:                  s.Port,
		Scheme:                s.Scheme,
		Path:                  s.Path,
		Service:               s.Service,
		OpenTimeout:           s.OpenTimeout,
		Options:               subs.Options,
		WriteTimeout:          s.WriteTimeout,
		PingInterval:          s.PingInterval,
		PingTimeout:           s.PingTimeout,
		BufferSize:            s.BufferSize,
		SlowConsumerHighWater: s.SlowConsumerHighWater,
		SlowConsumerLowWater:  s.SlowConsumerLowWater,
		APIKey:                s.APIKey,
		PrivateKeyPath:        s.PrivateKeyPath,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Host == "" {
		c.Host = def.Host
	}
	if c.Port == 0 {
		c.Port = def.Port
	}
	if c.Scheme == "" {
		c.Scheme = def.Scheme
	}
	if c.Path == "" {
		c.Path = def.Path
	}
	if c.Service == "" {
		c.Service = def.Service
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = def.OpenTimeout
	}
}

func (c Config) sessionConfig() config.SessionConfig {
	return config.SessionConfig{
		Host:   c.Host,
		Port:   c.Port,
		Scheme: c.Scheme,
		Path:   c.Path,
	}
}

// URL returns the provider WebSocket URL.
func (c Config) URL() string {
	return c.sessionConfig().URL()
}

// TransportFactory builds the transport for a session. The transport must
// deliver its events to handler.
type TransportFactory func(cfg Config, handler EventHandler, logger *slog.Logger, m *Metrics) (Transport, error)

// WebSocketTransport is the default TransportFactory.
func WebSocketTransport(cfg Config, handler EventHandler, logger *slog.Logger, m *Metrics) (Transport, error) {
	cc := connection.DefaultClientConfig()
	cc.URL = cfg.URL()

	if cfg.PrivateKeyPath != "" {
		creds, err := auth.LoadCredentials(cfg.APIKey, cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load credentials: %w", err)
		}
		cc.Credentials = creds
	} else {
		cc.APIKey = cfg.APIKey
	}

	if cfg.WriteTimeout > 0 {
		cc.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.PingInterval > 0 {
		cc.PingInterval = cfg.PingInterval
	}
	if cfg.PingTimeout > 0 {
		cc.PingTimeout = cfg.PingTimeout
	}
	if cfg.BufferSize > 0 {
		cc.BufferSize = cfg.BufferSize
	}
	if cfg.SlowConsumerHighWater > 0 {
		cc.SlowConsumerHighWater = cfg.SlowConsumerHighWater
		cc.SlowConsumerLowWater = cfg.SlowConsumerLowWater
	}

	return connection.NewClient(cc, handler, logger, m), nil
}

// NewMetrics registers the session collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return metrics.New(reg)
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithTransportFactory replaces the WebSocket transport.
func WithTransportFactory(f TransportFactory) Option {
	return func(c *Client) { c.factory = f }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithErrorHandler receives errors that have no caller to return to:
// unknown correlation tokens and subscription failures.
func WithErrorHandler(f func(error)) Option {
	return func(c *Client) { c.onError = f }
}

// Stats is a snapshot of a Client.
type Stats struct {
	State          State
	Fields         int
	Securities     int
	RouterEntries  int
	Registered     int64
	Dispatched     int64
	UnknownUpdates int64
}

// Client is a market-data session. Fields and securities may be added at
// any time; subscriptions are sent once the service is ready.
type Client struct {
	cfg       Config
	sessionID uuid.UUID
	logger    *slog.Logger
	metrics   *Metrics
	factory   TransportFactory
	onError   func(error)

	fields     *registry.Fields
	securities *registry.Securities
	router     *router.Router
	machine    *session.Machine
	subscriber *session.Subscriber

	mu        sync.Mutex
	opened    bool
	transport Transport
}

// New creates a disconnected Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.applyDefaults()
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d", ErrInvalidArgument, cfg.Port)
	}

	c := &Client{
		cfg:       cfg,
		sessionID: uuid.New(),
		factory:   WebSocketTransport,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "session", "session_id", c.sessionID.String())

	c.fields = registry.NewFields()
	c.securities = registry.NewSecurities(cfg.UpdateBufferSize)
	c.router = router.New(c.logger, c.metrics)
	c.machine = session.NewMachine(session.MachineConfig{
		Service:    cfg.Service,
		OnError:    c.onError,
		OnTerminal: c.securities.Close,
	}, c.router, c.logger, c.metrics)
	c.subscriber = session.NewSubscriber(c.machine, c.fields, c.router, cfg.Options, c.logger, c.metrics)

	return c, nil
}

// SessionID identifies this client in logs.
func (c *Client) SessionID() uuid.UUID {
	return c.sessionID
}

// Open connects and blocks until the market-data service is ready, the
// session fails, or the open timeout expires. On failure the transport is
// closed and the client cannot be reopened.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	c.opened = true
	cfg := c.cfg
	c.mu.Unlock()

	c.logger.Info("opening session", "url", cfg.URL(), "service", cfg.Service)

	t, err := c.factory(cfg, c.machine, c.logger, c.metrics)
	if err != nil {
		c.machine.Terminate("transport unavailable")
		return fmt.Errorf("create transport: %w", err)
	}

	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()

	c.machine.Attach(t)
	if err := c.machine.BeginConnect(); err != nil {
		return err
	}

	// OpenTimeout bounds the dial as well as the service handshake.
	waitCtx, cancel := context.WithTimeout(ctx, cfg.OpenTimeout)
	defer cancel()

	if err := t.Start(waitCtx); err != nil {
		c.abort(t, "transport start failed")
		return fmt.Errorf("start transport: %w", err)
	}

	if err := c.machine.WaitReady(waitCtx); err != nil {
		c.abort(t, "open failed")
		c.logger.Error("failed to open session", "error", err)
		return fmt.Errorf("open session: %w", err)
	}

	svc, _ := c.machine.Service()
	c.logger.Info("session ready", "service", svc.Name)
	return nil
}

// OpenHostPort sets the provider address and opens the session.
func (c *Client) OpenHostPort(ctx context.Context, host string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidArgument, port)
	}

	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	c.cfg.Host = host
	c.cfg.Port = port
	c.mu.Unlock()

	return c.Open(ctx)
}

func (c *Client) abort(t Transport, reason string) {
	c.machine.Terminate(reason)
	if err := t.Close(); err != nil {
		c.logger.Warn("close transport", "error", err)
	}
}

// AddField registers a subscription field. Adding a name twice returns the
// same Field.
func (c *Client) AddField(name string) (*Field, error) {
	return c.fields.Ensure(name)
}

// AddSecurity registers a security. Adding an identifier twice returns the
// same Security.
func (c *Client) AddSecurity(id string) (*Security, error) {
	return c.securities.Ensure(id)
}

// Start subscribes every registered security that is not yet subscribed,
// in registration order. It stops at the first failure.
func (c *Client) Start(ctx context.Context) error {
	secs := c.securities.All()
	n, err := c.subscriber.SubscribeAll(ctx, secs)
	if err != nil {
		return err
	}
	c.logger.Info("subscriptions sent", "count", n, "securities", len(secs))
	return nil
}

// Subscribe subscribes a single security, for example one added after
// Start.
func (c *Client) Subscribe(ctx context.Context, sec *Security) error {
	if sec == nil {
		return fmt.Errorf("%w: nil security", ErrInvalidArgument)
	}
	return c.subscriber.Subscribe(ctx, sec)
}

// Close terminates the session and closes the transport. It waits for
// event delivery to stop or ctx to end, so it must not be called from an
// update handler.
func (c *Client) Close(ctx context.Context) error {
	c.machine.Terminate("closed by client")

	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return nil
	}

	if err := t.Close(); err != nil {
		// The connection may already be gone; delivery still has to drain.
		c.logger.Debug("close transport", "error", err)
	}

	w, ok := t.(interface{ Wait() })
	if !ok {
		return nil
	}
	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the session terminates or fails.
func (c *Client) Done() <-chan struct{} {
	return c.machine.Done()
}

// Err returns why the session ended, if it has.
func (c *Client) Err() error {
	return c.machine.Err()
}

// State returns the session state.
func (c *Client) State() State {
	return c.machine.State()
}

// IsReady reports whether the service has been opened.
func (c *Client) IsReady() bool {
	return c.machine.IsReady()
}

// Fields returns the registered fields in order.
func (c *Client) Fields() []*Field {
	return c.fields.All()
}

// Securities returns the registered securities in order.
func (c *Client) Securities() []*Security {
	return c.securities.All()
}

// Stats returns a snapshot of session counters.
func (c *Client) Stats() Stats {
	rs := c.router.Stats()
	return Stats{
		State:          c.machine.State(),
		Fields:         c.fields.Len(),
		Securities:     c.securities.Len(),
		RouterEntries:  rs.Entries,
		Registered:     rs.Registered,
		Dispatched:     rs.Dispatched,
		UnknownUpdates: rs.Unknown,
	}
}
