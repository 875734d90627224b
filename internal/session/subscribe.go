package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rickgao/easymkt/internal/feed"
	"github.com/rickgao/easymkt/internal/metrics"
	"github.com/rickgao/easymkt/internal/registry"
	"github.com/rickgao/easymkt/internal/router"
)

// Subscriber issues subscription requests once the service is ready.
type Subscriber struct {
	machine *Machine
	fields  *registry.Fields
	router  *router.Router
	options string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewSubscriber creates a Subscriber. options is passed verbatim on every
// request.
func NewSubscriber(machine *Machine, fields *registry.Fields, rt *router.Router, options string, logger *slog.Logger, m *metrics.Metrics) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		machine: machine,
		fields:  fields,
		router:  rt,
		options: options,
		logger:  logger,
		metrics: m,
	}
}

// Subscribe requests updates for sec. The correlation token is registered
// before the request is sent so that an early response is never lost; it
// stays registered if the send fails.
func (s *Subscriber) Subscribe(ctx context.Context, sec *registry.Security) error {
	if st := s.machine.State(); st != ServiceReady {
		return fmt.Errorf("%w: state %s", ErrNotReady, st)
	}
	t := s.machine.Transport()
	if t == nil {
		return ErrNoTransport
	}

	req := feed.SubscribeRequest{
		Topic:   sec.Name(),
		Fields:  s.fields.Names(),
		Options: s.options,
		Token:   feed.TokenFor(sec.Name()),
	}

	s.logger.Debug("adding subscription",
		"security", sec.Name(),
		"topic", topicString(req),
	)

	if err := s.router.Register(req.Token, sec); err != nil {
		if errors.Is(err, router.ErrClosed) {
			// Terminated after the state check.
			return fmt.Errorf("%w: %w", ErrNotReady, err)
		}
		return err
	}

	err := t.Subscribe(ctx, req)
	s.metrics.ObserveSubscribe(err)
	if err != nil {
		s.logger.Error("failed to subscribe", "security", sec.Name(), "error", err)
		return &SubscribeError{Security: sec.Name(), Token: req.Token, Err: err}
	}

	sec.SetStatus(registry.StatusPending, "")
	s.logger.Debug("subscription request sent", "security", sec.Name(), "token", req.Token)
	return nil
}

// SubscribeAll subscribes each security in order and stops at the first
// error. Securities whose token is already bound are skipped.
func (s *Subscriber) SubscribeAll(ctx context.Context, secs []*registry.Security) (int, error) {
	sent := 0
	for _, sec := range secs {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		if _, bound := s.router.Lookup(feed.TokenFor(sec.Name())); bound {
			s.logger.Debug("already subscribed", "security", sec.Name())
			continue
		}

		if err := s.Subscribe(ctx, sec); err != nil {
			if errors.Is(err, router.ErrDuplicateToken) {
				// Lost a race with a concurrent Subscribe.
				continue
			}
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// topicString renders a request the way it is logged for diagnostics.
func topicString(req feed.SubscribeRequest) string {
	s := req.Topic
	if len(req.Fields) > 0 {
		s += "?fields=" + strings.Join(req.Fields, ",")
	}
	if req.Options != "" {
		s += "&" + req.Options
	}
	return s
}
