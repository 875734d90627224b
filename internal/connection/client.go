package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/easymkt/internal/buffer"
	"github.com/rickgao/easymkt/internal/feed"
	"github.com/rickgao/easymkt/internal/metrics"
)

// Client is a WebSocket transport to a market-data provider. It satisfies
// session.Transport.
type Client struct {
	cfg       ClientConfig
	handler   feed.EventHandler
	logger    *slog.Logger
	metrics   *metrics.Metrics
	sessionID uuid.UUID

	conn *websocket.Conn

	// Delivery queue, drained by deliverLoop
	events    *buffer.GrowableBuffer[feed.Event]
	slow      atomic.Bool
	delivered chan struct{}

	// Write serialization
	writeMu sync.Mutex
	cmdID   atomic.Int64

	// State
	mu         sync.RWMutex
	started    bool
	connected  bool
	closed     bool
	lastPingAt time.Time
	done       chan struct{}

	terminateOnce sync.Once
}

// NewClient creates a transport that delivers events to handler.
func NewClient(cfg ClientConfig, handler feed.EventHandler, logger *slog.Logger, m *metrics.Metrics) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultClientConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}

	id := uuid.New()
	return &Client{
		cfg:       cfg,
		handler:   handler,
		logger:    logger.With("component", "transport", "session_id", id.String()),
		metrics:   m,
		sessionID: id,
		events:    buffer.NewGrowableBuffer[feed.Event](cfg.BufferSize),
		delivered: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// SessionID identifies this transport in logs and handshake headers.
func (c *Client) SessionID() uuid.UUID {
	return c.sessionID
}

// Start dials the provider. A successful dial is reported as
// SessionConnectionUp followed by SessionStarted; a failed one as
// SessionStartupFailure. Only misuse is returned as an error.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	go c.deliverLoop()

	conn, err := c.dial(ctx)
	if err != nil {
		c.logger.Error("websocket dial failed", "url", c.cfg.URL, "error", err)
		c.enqueue(sessionEvent(err.Error(), feed.SessionStartupFailure))
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrAlreadyClosed
	}
	c.conn = conn
	c.connected = true
	c.lastPingAt = time.Now()
	c.mu.Unlock()

	// Server sends ping, we respond with pong
	conn.SetPingHandler(func(data string) error {
		c.touch()
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	c.logger.Debug("websocket connected", "url", c.cfg.URL)
	c.enqueue(sessionEvent("", feed.SessionConnectionUp, feed.SessionStarted))

	go c.readLoop(conn)
	go c.heartbeatLoop(conn)

	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Accept", "application/json")
	header.Set("X-Session-Id", c.sessionID.String())
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if c.cfg.Credentials != nil {
		u, err := url.Parse(c.cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse url: %w", err)
		}
		signed, err := c.cfg.Credentials.SignWebSocket(u.Path)
		if err != nil {
			return nil, fmt.Errorf("sign handshake: %w", err)
		}
		for k, v := range signed {
			header[k] = v
		}
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// OpenService sends an open_service command.
func (c *Client) OpenService(name string) error {
	return c.sendCommand(CmdOpenService, OpenServiceParams{Service: name})
}

// Subscribe sends a subscribe command. Confirmation arrives later as a
// subscription status event.
func (c *Client) Subscribe(ctx context.Context, req feed.SubscribeRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fields := req.Fields
	if fields == nil {
		fields = []string{}
	}
	return c.sendCommand(CmdSubscribe, SubscribeParams{
		Topic:         req.Topic,
		Fields:        fields,
		Options:       req.Options,
		CorrelationID: string(req.Token),
	})
}

// Close sends a close frame, reports SessionTerminated once and lets the
// delivery goroutine drain the queue.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	started := c.started
	conn := c.conn
	c.mu.Unlock()

	close(c.done)

	var err error
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = conn.Close()
	}

	if started {
		c.terminate("closed by client", false)
	} else {
		close(c.delivered)
	}
	c.events.Close()
	return err
}

// Wait blocks until every queued event has been delivered after Close.
func (c *Client) Wait() {
	<-c.delivered
}

// IsConnected returns the current connection state.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Send writes raw bytes to the connection.
func (c *Client) Send(data []byte) error {
	c.mu.RLock()
	conn := c.conn
	connected := c.connected
	c.mu.RUnlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) sendCommand(cmd string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", cmd, err)
	}
	data, err := json.Marshal(Command{
		ID:     c.cmdID.Add(1),
		Cmd:    cmd,
		Params: raw,
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", cmd, err)
	}

	if err := c.Send(data); err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}
	return nil
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastPingAt = time.Now()
	c.mu.Unlock()
}

// readLoop decodes server frames into events until the connection fails.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			// Ignore errors after Close() is called
			select {
			case <-c.done:
				return
			default:
			}
			c.logger.Warn("websocket read failed", "error", err)
			c.terminate(err.Error(), true)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err, "size", len(data))
			continue
		}
		if len(env.Messages) == 0 {
			c.logger.Debug("dropping empty frame", "event", env.Event)
			continue
		}

		c.enqueue(env.ToEvent(receivedAt))
	}
}

// heartbeatLoop pings the server and detects stale connections.
func (c *Client) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}
			c.writeMu.Unlock()

			c.mu.RLock()
			lastPing := c.lastPingAt
			c.mu.RUnlock()

			if time.Since(lastPing) > c.cfg.PingTimeout {
				c.logger.Warn("no ping received, connection stale",
					"last_ping", lastPing,
					"timeout", c.cfg.PingTimeout,
				)
				c.terminate(ErrStaleConnection.Error(), true)
				conn.Close()
				return
			}
		}
	}
}

// terminate reports the end of the session once. connectionLost adds a
// preceding SessionConnectionDown.
func (c *Client) terminate(reason string, connectionLost bool) {
	c.terminateOnce.Do(func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()

		if connectionLost {
			c.enqueue(sessionEvent(reason, feed.SessionConnectionDown, feed.SessionTerminated))
			return
		}
		c.enqueue(sessionEvent(reason, feed.SessionTerminated))
	})
}

// enqueue adds ev to the delivery queue. When the queue crosses the high
// water mark a slow consumer warning is put at its head, ahead of the
// backlog that raised it.
func (c *Client) enqueue(ev feed.Event) {
	n, ok := c.events.Send(ev)
	if !ok {
		c.logger.Debug("delivery queue closed, dropping event", "kind", ev.Kind)
		return
	}
	c.metrics.SetDeliveryQueueDepth(n)

	high := c.cfg.SlowConsumerHighWater
	if high > 0 && n >= high && c.slow.CompareAndSwap(false, true) {
		c.logger.Warn("delivery queue backing up", "depth", n, "high_water", high)
		c.events.SendFront(feed.NewEvent(feed.KindAdmin, feed.Message{
			Type:       feed.SlowConsumerWarning,
			ReceivedAt: time.Now(),
		}))
	}
}

// deliverLoop hands queued events to the handler in order.
func (c *Client) deliverLoop() {
	defer close(c.delivered)

	for {
		ev, ok := c.events.Receive()
		if !ok {
			return
		}
		c.handler.ProcessEvent(ev)

		n := c.events.Len()
		c.metrics.SetDeliveryQueueDepth(n)
		if n <= c.cfg.SlowConsumerLowWater && c.slow.CompareAndSwap(true, false) {
			c.logger.Info("delivery queue drained", "depth", n)
			c.events.Send(feed.NewEvent(feed.KindAdmin, feed.Message{
				Type:       feed.SlowConsumerWarningCleared,
				ReceivedAt: time.Now(),
			}))
		}
	}
}

func sessionEvent(reason string, types ...feed.MessageType) feed.Event {
	now := time.Now()
	msgs := make([]feed.Message, len(types))
	for i, t := range types {
		msgs[i] = feed.Message{Type: t, Reason: reason, ReceivedAt: now}
	}
	return feed.NewEvent(feed.KindSessionStatus, msgs...)
}
