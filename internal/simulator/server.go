// Package simulator implements an in-process market-data provider that
// speaks the transport's WebSocket protocol. It backs cmd/mktsim and the
// integration tests.
package simulator

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/easymkt/internal/auth"
	"github.com/rickgao/easymkt/internal/connection"
	"github.com/rickgao/easymkt/internal/feed"
)

// DefaultService is the only service known to a default simulator.
const DefaultService = "//blp/mktdata"

// Config configures the simulator.
type Config struct {
	Services     []string       // Services that open successfully
	Reject       []string       // Topics answered with SubscriptionFailure
	TickInterval time.Duration  // Interval between data events per subscription
	MaxTicks     int            // Ticks before SubscriptionTerminated (0 = unlimited)
	PublicKey    *rsa.PublicKey // Require a signed handshake when set
	WriteTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Services:     []string{DefaultService},
		TickInterval: 250 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}
}

// Stats reports simulator activity.
type Stats struct {
	Connections   int64
	Subscriptions int64
	Ticks         int64
}

// Server is an http.Handler that upgrades to WebSocket and serves one
// simulated session per connection.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex // guards closing and wg.Add against Shutdown
	closing bool
	wg      sync.WaitGroup

	connections   atomic.Int64
	subscriptions atomic.Int64
	ticks         atomic.Int64
}

// New creates a simulator.
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if len(cfg.Services) == 0 {
		cfg.Services = def.Services
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		logger: logger.With("component", "simulator"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// ServeHTTP upgrades the request and runs the session until either side
// closes it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.cfg.PublicKey != nil {
		keyID, err := auth.Verify(s.cfg.PublicKey, r, time.Now())
		if err != nil {
			s.logger.Warn("rejected handshake", "error", err, "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		s.logger.Debug("handshake verified", "key_id", keyID)
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}
	s.connections.Add(1)

	sess := &session{
		srv:    s,
		conn:   conn,
		id:     r.Header.Get("X-Session-Id"),
		tokens: make(map[feed.Token]struct{}),
	}
	sess.run(s.ctx)
}

// Shutdown ends every session and waits for them to finish.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closing = true
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
}

// Stats returns activity counters.
func (s *Server) Stats() Stats {
	return Stats{
		Connections:   s.connections.Load(),
		Subscriptions: s.subscriptions.Load(),
		Ticks:         s.ticks.Load(),
	}
}

type session struct {
	srv  *Server
	conn *websocket.Conn
	id   string

	writeMu sync.Mutex

	mu     sync.Mutex
	opened bool
	tokens map[feed.Token]struct{}
}

func (s *session) run(parent context.Context) {
	g, ctx := errgroup.WithContext(parent)
	logger := s.srv.logger.With("session_id", s.id)
	logger.Info("session connected")

	// Unblock the reader when the server shuts down.
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	g.Go(func() error {
		for {
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				return err
			}
			if err := s.handle(ctx, g, data); err != nil {
				return err
			}
		}
	})

	err := g.Wait()
	s.conn.Close()
	logger.Info("session closed", "reason", err)
}

func (s *session) handle(ctx context.Context, g *errgroup.Group, data []byte) error {
	var cmd connection.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return s.send(feed.NewEvent(feed.KindOther, feed.Message{
			Type:   feed.Unknown,
			Reason: fmt.Sprintf("undecodable command: %v", err),
		}))
	}

	switch cmd.Cmd {
	case connection.CmdOpenService:
		var p connection.OpenServiceParams
		if err := json.Unmarshal(cmd.Params, &p); err != nil {
			return s.send(serviceStatus(feed.ServiceOpenFailure, "", "bad params"))
		}
		return s.openService(p.Service)

	case connection.CmdSubscribe:
		var p connection.SubscribeParams
		if err := json.Unmarshal(cmd.Params, &p); err != nil {
			return s.send(subscriptionStatus(feed.SubscriptionFailure, "", "bad params"))
		}
		return s.subscribe(ctx, g, p)

	default:
		return s.send(feed.NewEvent(feed.KindOther, feed.Message{
			Type:   feed.Unknown,
			Reason: fmt.Sprintf("unknown command %q", cmd.Cmd),
		}))
	}
}

func (s *session) openService(name string) error {
	if !slices.Contains(s.srv.cfg.Services, name) {
		return s.send(serviceStatus(feed.ServiceOpenFailure, name, "unknown service"))
	}

	s.mu.Lock()
	s.opened = true
	s.mu.Unlock()
	return s.send(serviceStatus(feed.ServiceOpened, name, ""))
}

func (s *session) subscribe(ctx context.Context, g *errgroup.Group, p connection.SubscribeParams) error {
	token := feed.Token(p.CorrelationID)

	reason := ""
	s.mu.Lock()
	switch {
	case !s.opened:
		reason = "service not open"
	case p.Topic == "" || token == "":
		reason = "missing topic or correlation id"
	case slices.Contains(s.srv.cfg.Reject, p.Topic):
		reason = "unknown security"
	default:
		if _, dup := s.tokens[token]; dup {
			reason = "duplicate correlation id"
		} else {
			s.tokens[token] = struct{}{}
		}
	}
	s.mu.Unlock()

	if reason != "" {
		return s.send(subscriptionStatus(feed.SubscriptionFailure, token, reason))
	}

	s.srv.subscriptions.Add(1)
	if err := s.send(subscriptionStatus(feed.SubscriptionStarted, token, "")); err != nil {
		return err
	}

	g.Go(func() error {
		return s.tick(ctx, token, p.Topic, p.Fields)
	})
	return nil
}

// tick publishes a data event for token every TickInterval. The token is
// free for reuse once tick returns.
func (s *session) tick(ctx context.Context, token feed.Token, topic string, fields []string) error {
	ticker := time.NewTicker(s.srv.cfg.TickInterval)
	defer ticker.Stop()
	defer s.release(token)

	base := basePrice(topic)
	for seq := 1; ; seq++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if limit := s.srv.cfg.MaxTicks; limit > 0 && seq > limit {
			// Released before the status goes out so the client may
			// resubscribe as soon as it sees the termination.
			s.release(token)
			return s.send(subscriptionStatus(feed.SubscriptionTerminated, token, "end of data"))
		}

		data, err := json.Marshal(quote(base, seq, fields))
		if err != nil {
			return err
		}
		ev := feed.NewEvent(feed.KindSubscriptionData, feed.Message{
			Type:  feed.MarketDataEvents,
			Token: token,
			Data:  data,
		})
		if err := s.send(ev); err != nil {
			return err
		}
		s.srv.ticks.Add(1)
	}
}

func (s *session) release(token feed.Token) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

func (s *session) send(ev feed.Event) error {
	data, err := json.Marshal(connection.EnvelopeFrom(ev))
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return fmt.Errorf("write %s: %w", ev.Kind, err)
	}
	return nil
}

func serviceStatus(t feed.MessageType, service, reason string) feed.Event {
	return feed.NewEvent(feed.KindServiceStatus, feed.Message{Type: t, Service: service, Reason: reason})
}

func subscriptionStatus(t feed.MessageType, token feed.Token, reason string) feed.Event {
	return feed.NewEvent(feed.KindSubscriptionStatus, feed.Message{Type: t, Token: token, Reason: reason})
}

// basePrice derives a stable starting price from the topic.
func basePrice(topic string) float64 {
	h := fnv.New32a()
	h.Write([]byte(topic))
	return 10 + float64(h.Sum32()%9000)/10
}

// quote builds one update: every requested field moves by a small step
// per sequence number. SEQ is always present.
func quote(base float64, seq int, fields []string) map[string]any {
	q := make(map[string]any, len(fields)+1)
	q["SEQ"] = seq
	step := float64(seq%20-10) / 100
	for i, f := range fields {
		q[f] = base + step + float64(i)/100
	}
	return q
}
