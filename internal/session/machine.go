package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/easymkt/internal/feed"
	"github.com/rickgao/easymkt/internal/metrics"
	"github.com/rickgao/easymkt/internal/registry"
	"github.com/rickgao/easymkt/internal/router"
)

// DefaultService is the market-data service opened after SessionStarted.
const DefaultService = "//blp/mktdata"

// MachineConfig configures the lifecycle state machine.
type MachineConfig struct {
	Service    string           // Service opened once the session starts
	OnError    func(err error)  // Receives routing and per-subscription errors
	OnTerminal func()           // Runs once on the terminal transition, before Done closes
	Now        func() time.Time // Clock, for tests
}

// DefaultMachineConfig returns sensible defaults.
func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		Service: DefaultService,
		Now:     time.Now,
	}
}

// statusSetter is implemented by handlers that track subscription status.
type statusSetter interface {
	SetStatus(status registry.SubscriptionStatus, reason string)
}

// Machine drives session → service → subscription from transport events.
// ProcessEvent may be called from several goroutines.
type Machine struct {
	cfg     MachineConfig
	router  *router.Router
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	state     State
	transport Transport
	service   ServiceHandle
	err       error

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
}

// NewMachine creates a machine in the Disconnected state.
func NewMachine(cfg MachineConfig, rt *router.Router, logger *slog.Logger, m *metrics.Metrics) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Machine{
		cfg:     cfg,
		router:  rt,
		logger:  logger,
		metrics: m,
		state:   Disconnected,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Attach sets the transport used to open the service.
func (m *Machine) Attach(t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transport = t
}

// Transport returns the attached transport, if any.
func (m *Machine) Transport() Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transport
}

// BeginConnect moves Disconnected → Connecting.
func (m *Machine) BeginConnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transport == nil {
		return ErrNoTransport
	}
	if m.state != Disconnected {
		return fmt.Errorf("%w: state %s", ErrAlreadyStarted, m.state)
	}
	m.setStateLocked(Connecting)
	return nil
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the reason the machine reached a terminal state.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Service returns the opened service handle.
func (m *Machine) Service() (ServiceHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.service, !m.service.OpenedAt.IsZero()
}

// Ready is closed once the service is open. It is never reopened.
func (m *Machine) Ready() <-chan struct{} { return m.ready }

// Done is closed on the transition to Terminated or Failed.
func (m *Machine) Done() <-chan struct{} { return m.done }

// IsReady reports whether the service has been opened.
func (m *Machine) IsReady() bool {
	select {
	case <-m.ready:
		return true
	default:
		return false
	}
}

// WaitReady blocks until the service opens, the machine fails, or ctx ends.
func (m *Machine) WaitReady(ctx context.Context) error {
	if m.IsReady() {
		return nil
	}

	select {
	case <-m.ready:
		return nil
	case <-m.done:
		if m.IsReady() {
			return nil
		}
		return m.Err()
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrOpenTimeout, ctx.Err())
	}
}

// Terminate tears the machine down: the router is cleared and the state
// becomes Terminated. No-op once terminal.
func (m *Machine) Terminate(reason string) {
	m.finish(Terminated, fmt.Errorf("%w: %s", ErrSessionTerminated, reason))
}

// ProcessEvent handles one event. Messages are processed in order.
func (m *Machine) ProcessEvent(ev feed.Event) {
	types := make([]string, len(ev.Messages))
	for i, msg := range ev.Messages {
		types[i] = msg.Type.String()
	}
	m.metrics.ObserveEvent(ev.Kind.String(), types...)

	if ev.Kind == feed.KindSubscriptionData {
		m.logger.Debug("processing event", "kind", ev.Kind, "messages", len(ev.Messages))
	} else {
		m.logger.Info("processing event", "kind", ev.Kind, "messages", len(ev.Messages))
	}

	for _, msg := range ev.Messages {
		if st := m.State(); st.Terminal() {
			m.metrics.IncDiscarded()
			m.logger.Debug("discarding message after terminal state",
				"state", st,
				"kind", ev.Kind,
				"type", msg.Type,
			)
			continue
		}

		switch ev.Kind {
		case feed.KindAdmin:
			m.handleAdmin(msg)
		case feed.KindSessionStatus:
			m.handleSessionStatus(msg)
		case feed.KindServiceStatus:
			m.handleServiceStatus(msg)
		case feed.KindSubscriptionStatus:
			m.handleSubscriptionStatus(msg)
		case feed.KindSubscriptionData:
			m.handleSubscriptionData(msg)
		case feed.KindOther:
			m.logger.Info("message", "kind", ev.Kind, "type", msg.Type, "data", string(msg.Data))
		}
	}
}

func (m *Machine) handleAdmin(msg feed.Message) {
	switch msg.Type {
	case feed.SlowConsumerWarning:
		m.metrics.IncSlowConsumer()
		m.logger.Warn("slow consumer warning")
	case feed.SlowConsumerWarningCleared:
		m.logger.Info("slow consumer warning cleared")
	default:
		m.unexpected(feed.KindAdmin, msg)
	}
}

func (m *Machine) handleSessionStatus(msg feed.Message) {
	switch msg.Type {
	case feed.SessionStarted:
		m.onSessionStarted()
	case feed.SessionStartupFailure:
		m.logger.Error("session startup failed", "reason", msg.Reason)
		m.finish(Failed, withReason(ErrStartupFailure, msg.Reason))
	case feed.SessionTerminated:
		m.logger.Info("session has been terminated", "reason", msg.Reason)
		m.finish(Terminated, withReason(ErrSessionTerminated, msg.Reason))
	case feed.SessionConnectionUp:
		m.logger.Info("session connection is up")
	case feed.SessionConnectionDown:
		m.logger.Warn("session connection is down", "reason", msg.Reason)
	default:
		m.unexpected(feed.KindSessionStatus, msg)
	}
}

func (m *Machine) onSessionStarted() {
	m.mu.Lock()
	if m.state != Disconnected && m.state != Connecting {
		st := m.state
		m.mu.Unlock()
		m.logger.Warn("ignoring SessionStarted", "state", st)
		return
	}
	m.setStateLocked(Connected)
	t := m.transport
	m.mu.Unlock()

	m.logger.Info("session started, opening service", "service", m.cfg.Service)

	if t == nil {
		m.finish(Failed, fmt.Errorf("%w: %w", ErrServiceOpenFailure, ErrNoTransport))
		return
	}
	if err := t.OpenService(m.cfg.Service); err != nil {
		m.logger.Error("open service request failed", "service", m.cfg.Service, "error", err)
		m.finish(Failed, fmt.Errorf("%w: %w", ErrServiceOpenFailure, err))
		return
	}

	// ServiceOpened may already have been delivered on another goroutine.
	m.mu.Lock()
	if m.state == Connected {
		m.setStateLocked(ServiceOpening)
	}
	m.mu.Unlock()
}

func (m *Machine) handleServiceStatus(msg feed.Message) {
	if msg.Service != "" && msg.Service != m.cfg.Service {
		m.logger.Info("ignoring status for other service", "service", msg.Service, "type", msg.Type)
		return
	}

	switch msg.Type {
	case feed.ServiceOpened:
		m.onServiceOpened()
	case feed.ServiceOpenFailure:
		m.logger.Error("service failed to open", "service", m.cfg.Service, "reason", msg.Reason)
		m.finish(Failed, withReason(ErrServiceOpenFailure, msg.Reason))
	default:
		m.unexpected(feed.KindServiceStatus, msg)
	}
}

func (m *Machine) onServiceOpened() {
	m.mu.Lock()
	if m.state != Connected && m.state != ServiceOpening {
		st := m.state
		m.mu.Unlock()
		m.logger.Warn("ignoring ServiceOpened", "state", st)
		return
	}
	m.service = ServiceHandle{Name: m.cfg.Service, OpenedAt: m.cfg.Now()}
	m.setStateLocked(ServiceReady)
	m.mu.Unlock()

	m.readyOnce.Do(func() { close(m.ready) })
	m.logger.Info("service opened, ready", "service", m.cfg.Service)
}

func (m *Machine) handleSubscriptionStatus(msg feed.Message) {
	m.metrics.IncSubscriptionStatus(msg.Type.String())

	h, _ := m.router.Lookup(msg.Token)
	setter, _ := h.(statusSetter)

	switch msg.Type {
	case feed.SubscriptionStarted:
		m.logger.Info("subscription started", "token", msg.Token)
		if setter != nil {
			setter.SetStatus(registry.StatusStarted, "")
		}
	case feed.SubscriptionFailure:
		m.logger.Warn("subscription failed", "token", msg.Token, "reason", msg.Reason)
		if setter != nil {
			setter.SetStatus(registry.StatusFailed, msg.Reason)
		}
		m.router.Unregister(msg.Token)
		m.report(fmt.Errorf("%w: %q: %s", ErrSubscriptionFailed, msg.Token, msg.Reason))
	case feed.SubscriptionTerminated:
		m.logger.Info("subscription terminated", "token", msg.Token, "reason", msg.Reason)
		if setter != nil {
			setter.SetStatus(registry.StatusTerminated, msg.Reason)
		}
		m.router.Unregister(msg.Token)
	default:
		m.unexpected(feed.KindSubscriptionStatus, msg)
	}
}

func (m *Machine) handleSubscriptionData(msg feed.Message) {
	if err := m.router.Dispatch(msg.Token, msg); err != nil {
		m.report(err)
	}
}

func (m *Machine) unexpected(kind feed.Kind, msg feed.Message) {
	m.logger.Info("unexpected message for event kind",
		"kind", kind,
		"type", msg.Type,
		"data", string(msg.Data),
	)
}

// report surfaces a non-fatal error to the log and the error callback.
func (m *Machine) report(err error) {
	m.logger.Warn("session error", "error", err)
	if m.cfg.OnError != nil {
		m.cfg.OnError(err)
	}
}

// finish moves to a terminal state once and releases waiters.
func (m *Machine) finish(to State, err error) {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return
	}
	m.err = err
	m.setStateLocked(to)
	m.mu.Unlock()

	if n := m.router.Close(); n > 0 {
		m.logger.Debug("released correlation tokens", "count", n)
	}
	if m.cfg.OnTerminal != nil {
		m.cfg.OnTerminal()
	}
	m.doneOnce.Do(func() { close(m.done) })
}

// setStateLocked records a transition. Caller holds mu.
func (m *Machine) setStateLocked(to State) {
	from := m.state
	m.state = to
	m.metrics.SetState(int(to), to.String())
	m.logger.Debug("session state", "from", from, "to", to)
}

func withReason(kind error, reason string) error {
	if reason == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, reason)
}
