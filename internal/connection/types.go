package connection

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/rickgao/easymkt/internal/auth"
	"github.com/rickgao/easymkt/internal/feed"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrAlreadyStarted  = errors.New("already started")
)

// Command names.
const (
	CmdOpenService = "open_service"
	CmdSubscribe   = "subscribe"
)

// Command is a WebSocket command to send to the server.
type Command struct {
	ID     int64           `json:"id"`
	Cmd    string          `json:"cmd"`
	Params json.RawMessage `json:"params"`
}

// OpenServiceParams are parameters for an open_service command.
type OpenServiceParams struct {
	Service string `json:"service"`
}

// SubscribeParams are parameters for a subscribe command.
type SubscribeParams struct {
	Topic         string   `json:"topic"`
	Fields        []string `json:"fields"`
	Options       string   `json:"options"`
	CorrelationID string   `json:"correlation_id"`
}

// Envelope is one event frame from the server.
type Envelope struct {
	Event    string        `json:"event"` // "SESSION_STATUS", "SUBSCRIPTION_DATA", ...
	Messages []WireMessage `json:"messages"`
}

// WireMessage is one message inside an Envelope.
type WireMessage struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Service       string          `json:"service,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// ToEvent converts a decoded frame into a feed event.
func (e Envelope) ToEvent(receivedAt time.Time) feed.Event {
	msgs := make([]feed.Message, len(e.Messages))
	for i, wm := range e.Messages {
		msgs[i] = feed.Message{
			Type:       feed.ParseMessageType(wm.Type),
			Token:      feed.Token(wm.CorrelationID),
			Service:    wm.Service,
			Reason:     wm.Reason,
			Data:       wm.Data,
			ReceivedAt: receivedAt,
		}
	}
	return feed.Event{Kind: feed.ParseKind(e.Event), Messages: msgs}
}

// EnvelopeFrom converts a feed event into its wire form.
func EnvelopeFrom(ev feed.Event) Envelope {
	wms := make([]WireMessage, len(ev.Messages))
	for i, m := range ev.Messages {
		wms[i] = WireMessage{
			Type:          m.Type.String(),
			CorrelationID: string(m.Token),
			Service:       m.Service,
			Reason:        m.Reason,
			Data:          m.Data,
		}
	}
	return Envelope{Event: ev.Kind.String(), Messages: wms}
}

// ClientConfig configures a WebSocket transport.
type ClientConfig struct {
	URL                   string            // ws://host:port/path
	APIKey                string            // Sent as a bearer token when set
	Credentials           *auth.Credentials // Signs the handshake when set
	PingInterval          time.Duration     // Interval between keepalive pings
	PingTimeout           time.Duration     // Max time without ping/pong before considering connection stale
	WriteTimeout          time.Duration     // Write deadline for sends
	HandshakeTimeout      time.Duration     // WebSocket handshake timeout
	BufferSize            int               // Initial delivery queue capacity
	SlowConsumerHighWater int               // Queue length that raises SlowConsumerWarning (0 = off)
	SlowConsumerLowWater  int               // Queue length that clears it
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingInterval:          30 * time.Second,
		PingTimeout:           60 * time.Second,
		WriteTimeout:          5 * time.Second,
		HandshakeTimeout:      10 * time.Second,
		BufferSize:            1024,
		SlowConsumerHighWater: 10000,
		SlowConsumerLowWater:  1000,
	}
}
