package feed

import (
	"encoding/json"
	"time"
)

// Token identifies one outstanding subscription.
type Token string

// TokenFor derives the correlation token for a security identifier.
// The mapping is the identity, so at most one live subscription can exist
// per identifier.
func TokenFor(securityID string) Token {
	return Token(securityID)
}

// String returns the token text.
func (t Token) String() string {
	return string(t)
}

// Kind classifies an Event.
type Kind int

const (
	KindOther Kind = iota
	KindAdmin
	KindSessionStatus
	KindServiceStatus
	KindSubscriptionStatus
	KindSubscriptionData
)

var kindNames = map[Kind]string{
	KindOther:              "OTHER",
	KindAdmin:              "ADMIN",
	KindSessionStatus:      "SESSION_STATUS",
	KindServiceStatus:      "SERVICE_STATUS",
	KindSubscriptionStatus: "SUBSCRIPTION_STATUS",
	KindSubscriptionData:   "SUBSCRIPTION_DATA",
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "OTHER"
}

// ParseKind maps a wire name to a Kind. Unrecognized names map to KindOther.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindOther
}

// MessageType identifies a message inside an Event.
type MessageType int

const (
	Unknown MessageType = iota

	// Admin
	SlowConsumerWarning
	SlowConsumerWarningCleared

	// Session status
	SessionStarted
	SessionStartupFailure
	SessionTerminated
	SessionConnectionUp
	SessionConnectionDown

	// Service status
	ServiceOpened
	ServiceOpenFailure

	// Subscription status
	SubscriptionStarted
	SubscriptionFailure
	SubscriptionTerminated

	// Subscription data
	MarketDataEvents
)

var messageTypeNames = map[MessageType]string{
	Unknown:                    "Unknown",
	SlowConsumerWarning:        "SlowConsumerWarning",
	SlowConsumerWarningCleared: "SlowConsumerWarningCleared",
	SessionStarted:             "SessionStarted",
	SessionStartupFailure:      "SessionStartupFailure",
	SessionTerminated:          "SessionTerminated",
	SessionConnectionUp:        "SessionConnectionUp",
	SessionConnectionDown:      "SessionConnectionDown",
	ServiceOpened:              "ServiceOpened",
	ServiceOpenFailure:         "ServiceOpenFailure",
	SubscriptionStarted:        "SubscriptionStarted",
	SubscriptionFailure:        "SubscriptionFailure",
	SubscriptionTerminated:     "SubscriptionTerminated",
	MarketDataEvents:           "MarketDataEvents",
}

// String returns the wire name of the message type.
func (t MessageType) String() string {
	if s, ok := messageTypeNames[t]; ok {
		return s
	}
	return "Unknown"
}

// ParseMessageType maps a wire name to a MessageType.
// Unrecognized names map to Unknown.
func ParseMessageType(s string) MessageType {
	for t, name := range messageTypeNames {
		if name == s {
			return t
		}
	}
	return Unknown
}

// Message is a single message within an Event.
type Message struct {
	Type       MessageType
	Token      Token           // Set on subscription status and data messages
	Service    string          // Set on service status messages
	Reason     string          // Failure or termination description, if any
	Data       json.RawMessage // Opaque payload
	ReceivedAt time.Time       // Local receive time
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Event is a batch of messages of one kind, delivered in order.
type Event struct {
	Kind     Kind
	Messages []Message
}

// NewEvent builds an Event from messages.
func NewEvent(kind Kind, msgs ...Message) Event {
	return Event{Kind: kind, Messages: msgs}
}

// SubscribeRequest is an outbound subscription request.
type SubscribeRequest struct {
	Topic   string
	Fields  []string
	Options string
	Token   Token
}

// Handler receives routed subscription data.
type Handler interface {
	HandleUpdate(msg Message)
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(Message)

func (f HandlerFunc) HandleUpdate(msg Message) {
	f(msg)
}

// EventHandler consumes events from a transport.
type EventHandler interface {
	ProcessEvent(ev Event)
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(Event)

func (f EventHandlerFunc) ProcessEvent(ev Event) {
	f(ev)
}
