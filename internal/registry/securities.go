package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/easymkt/internal/buffer"
	"github.com/rickgao/easymkt/internal/feed"
)

// DefaultUpdateBufferSize is the initial capacity of a security's update queue.
const DefaultUpdateBufferSize = 64

// SubscriptionStatus is the last known state of a security's subscription.
type SubscriptionStatus int

const (
	StatusNone SubscriptionStatus = iota // never subscribed
	StatusPending
	StatusStarted
	StatusFailed
	StatusTerminated
)

func (s SubscriptionStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusStarted:
		return "started"
	case StatusFailed:
		return "failed"
	case StatusTerminated:
		return "terminated"
	default:
		return "none"
	}
}

// StatusInfo is a status with the reason the provider gave, if any.
type StatusInfo struct {
	Status    SubscriptionStatus
	Reason    string
	UpdatedAt time.Time
}

type handlerBox struct {
	h feed.Handler
}

// Security is a subscribable topic. It implements feed.Handler: by default
// routed updates are queued on Updates(); SetHandler replaces that with a
// handler invoked on the delivery goroutine.
type Security struct {
	id      string
	handler atomic.Pointer[handlerBox]
	updates *buffer.GrowableBuffer[feed.Message]

	received atomic.Int64

	mu     sync.RWMutex
	status StatusInfo
}

func newSecurity(id string, bufferSize int) *Security {
	return &Security{
		id:      id,
		updates: buffer.NewGrowableBuffer[feed.Message](bufferSize),
	}
}

// Name returns the stable display name, used as the subscription topic.
func (s *Security) Name() string { return s.id }

func (s *Security) String() string { return s.id }

// HandleUpdate receives one routed update.
func (s *Security) HandleUpdate(msg feed.Message) {
	s.received.Add(1)

	if box := s.handler.Load(); box != nil {
		box.h.HandleUpdate(msg)
		return
	}
	s.updates.Send(msg)
}

// SetHandler installs a custom update handler. A nil handler restores
// queueing.
func (s *Security) SetHandler(h feed.Handler) {
	if h == nil {
		s.handler.Store(nil)
		return
	}
	s.handler.Store(&handlerBox{h: h})
}

// Updates returns the queue of updates received while no custom handler
// is installed. The queue is unbounded: a consumer must drain it or
// install a handler. It is closed when the session ends, after which
// Receive returns the remaining updates and then ok=false.
func (s *Security) Updates() *buffer.GrowableBuffer[feed.Message] {
	return s.updates
}

// Received returns the number of updates routed to this security.
func (s *Security) Received() int64 {
	return s.received.Load()
}

// SetStatus records a subscription status change.
func (s *Security) SetStatus(status SubscriptionStatus, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusInfo{
		Status:    status,
		Reason:    reason,
		UpdatedAt: time.Now(),
	}
}

// Status returns the last recorded subscription status.
func (s *Security) Status() StatusInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Securities is the security registry.
type Securities struct {
	set        *ordered[*Security]
	bufferSize int
	closed     atomic.Bool
}

// NewSecurities creates an empty registry whose securities queue updates
// in buffers of the given initial capacity.
func NewSecurities(bufferSize int) *Securities {
	if bufferSize < 1 {
		bufferSize = DefaultUpdateBufferSize
	}
	return &Securities{
		set:        newOrdered[*Security](),
		bufferSize: bufferSize,
	}
}

// Ensure returns the security for id, creating it on first request.
func (s *Securities) Ensure(id string) (*Security, error) {
	if !validName(id) {
		return nil, fmt.Errorf("%w: empty security identifier", ErrInvalidArgument)
	}

	return s.set.ensure(id, func(int) *Security {
		sec := newSecurity(id, s.bufferSize)
		if s.closed.Load() {
			sec.updates.Close()
		}
		return sec
	}), nil
}

// Close closes the update queue of every security, including any created
// afterwards. Queued updates stay readable.
func (s *Securities) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	for _, sec := range s.set.all() {
		sec.updates.Close()
	}
}

// Get returns the security for id if it exists.
func (s *Securities) Get(id string) (*Security, bool) {
	return s.set.get(id)
}

// All returns the securities in creation order.
func (s *Securities) All() []*Security {
	return s.set.all()
}

// Len returns the number of securities.
func (s *Securities) Len() int {
	return s.set.len()
}
