package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/easymkt/internal/feed"
)

// Errors
var (
	ErrStartupFailure     = errors.New("session startup failed")
	ErrServiceOpenFailure = errors.New("service failed to open")
	ErrSessionTerminated  = errors.New("session terminated")
	ErrOpenTimeout        = errors.New("timed out waiting for service")
	ErrNotReady           = errors.New("service not ready")
	ErrAlreadyStarted     = errors.New("session already started")
	ErrNoTransport        = errors.New("no transport attached")
	ErrSubscribe          = errors.New("subscribe failed")
	ErrSubscriptionFailed = errors.New("subscription failed")
)

// State is a session lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	ServiceOpening
	ServiceReady
	Terminated
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ServiceOpening:
		return "service_opening"
	case ServiceReady:
		return "service_ready"
	case Terminated:
		return "terminated"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == Terminated || s == Failed
}

// ServiceHandle describes the opened market-data service.
type ServiceHandle struct {
	Name     string
	OpenedAt time.Time
}

// Transport is the asynchronous connection to a data provider. Outcomes of
// Start and OpenService arrive later as events on the feed.EventHandler the
// transport was built with.
type Transport interface {
	// Start begins connecting. Success is reported as SessionStarted,
	// failure as SessionStartupFailure.
	Start(ctx context.Context) error

	// OpenService requests a named service. The result is reported as
	// ServiceOpened or ServiceOpenFailure.
	OpenService(name string) error

	// Subscribe sends a subscription request. It does not wait for
	// confirmation.
	Subscribe(ctx context.Context, req feed.SubscribeRequest) error

	// Close stops the transport. A SessionTerminated event follows.
	Close() error
}

// SubscribeError is returned when the transport rejects a subscribe
// request. The correlation token stays registered.
type SubscribeError struct {
	Security string
	Token    feed.Token
	Err      error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("subscribe %q: %v", e.Security, e.Err)
}

// Unwrap exposes both ErrSubscribe and the transport error to errors.Is.
func (e *SubscribeError) Unwrap() []error {
	return []error{ErrSubscribe, e.Err}
}
