// Package router maps correlation tokens to the handlers that requested
// them and delivers subscription data to exactly that handler.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/easymkt/internal/feed"
	"github.com/rickgao/easymkt/internal/metrics"
)

// Errors
var (
	ErrDuplicateToken     = errors.New("correlation token already registered")
	ErrUnknownCorrelation = errors.New("unknown correlation token")
	ErrNilHandler         = errors.New("nil handler")
	ErrClosed             = errors.New("router closed")
)

// Stats contains runtime statistics.
type Stats struct {
	Entries    int
	Registered int64
	Dispatched int64
	Unknown    int64
}

// Router is a concurrent token → handler table.
type Router struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	handlers map[feed.Token]feed.Handler
	closed   bool

	registered atomic.Int64
	dispatched atomic.Int64
	unknown    atomic.Int64
}

// New creates an empty Router. m may be nil.
func New(logger *slog.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:   logger,
		metrics:  m,
		handlers: make(map[feed.Token]feed.Handler),
	}
}

// Register binds token to h. A token can be bound once. Registration
// fails with ErrClosed after Close.
func (r *Router) Register(token feed.Token, h feed.Handler) error {
	if h == nil {
		return ErrNilHandler
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if _, exists := r.handlers[token]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateToken, token)
	}
	r.handlers[token] = h
	n := len(r.handlers)
	r.mu.Unlock()

	r.registered.Add(1)
	r.metrics.SetRouterEntries(n)
	r.logger.Debug("correlation registered", "token", token, "entries", n)
	return nil
}

// Dispatch delivers msg to the handler bound to token, on the calling
// goroutine. No handler is invoked when the token is unbound.
func (r *Router) Dispatch(token feed.Token, msg feed.Message) error {
	r.mu.RLock()
	h, ok := r.handlers[token]
	r.mu.RUnlock()

	if !ok {
		r.unknown.Add(1)
		r.metrics.IncUnknownCorrelation()
		return fmt.Errorf("%w: %q", ErrUnknownCorrelation, token)
	}

	// Called outside the lock so handlers may use the router.
	h.HandleUpdate(msg)

	r.dispatched.Add(1)
	r.metrics.IncDispatched()
	return nil
}

// Lookup returns the handler bound to token.
func (r *Router) Lookup(token feed.Token) (feed.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[token]
	return h, ok
}

// Unregister removes token. Reports whether it was bound.
func (r *Router) Unregister(token feed.Token) bool {
	r.mu.Lock()
	_, ok := r.handlers[token]
	delete(r.handlers, token)
	n := len(r.handlers)
	r.mu.Unlock()

	if ok {
		r.metrics.SetRouterEntries(n)
		r.logger.Debug("correlation unregistered", "token", token, "entries", n)
	}
	return ok
}

// Close clears the table and refuses later registrations. It returns how
// many entries were removed.
func (r *Router) Close() int {
	r.mu.Lock()
	n := len(r.handlers)
	r.handlers = make(map[feed.Token]feed.Handler)
	r.closed = true
	r.mu.Unlock()

	r.metrics.SetRouterEntries(0)
	return n
}

// Len returns the number of bound tokens.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	return Stats{
		Entries:    r.Len(),
		Registered: r.registered.Load(),
		Dispatched: r.dispatched.Load(),
		Unknown:    r.unknown.Load(),
	}
}
