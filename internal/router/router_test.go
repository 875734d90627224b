package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rickgao/easymkt/internal/feed"
	"github.com/rickgao/easymkt/internal/metrics"
)

// recordingHandler counts and keeps every update it receives.
type recordingHandler struct {
	mu   sync.Mutex
	msgs []feed.Message
}

func (h *recordingHandler) HandleUpdate(msg feed.Message) {
	h.mu.Lock()
	h.msgs = append(h.msgs, msg)
	h.mu.Unlock()
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

func TestRouter_RegisterDuplicate(t *testing.T) {
	r := New(slog.Default(), nil)
	h := &recordingHandler{}

	if err := r.Register("AAPL", h); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	err := r.Register("AAPL", &recordingHandler{})
	if !errors.Is(err, ErrDuplicateToken) {
		t.Errorf("second Register err = %v, want ErrDuplicateToken", err)
	}

	got, ok := r.Lookup("AAPL")
	if !ok || got != h {
		t.Error("duplicate Register replaced the original handler")
	}
}

func TestRouter_RegisterNilHandler(t *testing.T) {
	r := New(nil, nil)
	if err := r.Register("AAPL", nil); !errors.Is(err, ErrNilHandler) {
		t.Errorf("Register(nil) err = %v, want ErrNilHandler", err)
	}
}

func TestRouter_DispatchOnlyBoundHandler(t *testing.T) {
	r := New(nil, nil)
	aapl := &recordingHandler{}
	ibm := &recordingHandler{}
	r.Register("AAPL", aapl)
	r.Register("IBM", ibm)

	msg := feed.Message{Type: feed.MarketDataEvents, Token: "AAPL", Data: []byte(`{"LAST_PRICE":1}`)}
	if err := r.Dispatch("AAPL", msg); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if aapl.count() != 1 {
		t.Errorf("AAPL handler calls = %d, want 1", aapl.count())
	}
	if ibm.count() != 0 {
		t.Errorf("IBM handler calls = %d, want 0", ibm.count())
	}
	if string(aapl.msgs[0].Data) != `{"LAST_PRICE":1}` {
		t.Errorf("payload = %s, want {\"LAST_PRICE\":1}", aapl.msgs[0].Data)
	}
}

func TestRouter_DispatchUnknown(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	r := New(nil, m)
	h := &recordingHandler{}
	r.Register("AAPL", h)

	err := r.Dispatch("MSFT", feed.Message{Type: feed.MarketDataEvents, Token: "MSFT"})
	if !errors.Is(err, ErrUnknownCorrelation) {
		t.Errorf("Dispatch err = %v, want ErrUnknownCorrelation", err)
	}
	if h.count() != 0 {
		t.Errorf("handler calls = %d, want 0", h.count())
	}

	stats := r.Stats()
	if stats.Unknown != 1 || stats.Dispatched != 0 {
		t.Errorf("Stats = %+v, want Unknown=1 Dispatched=0", stats)
	}
	if got := testutil.ToFloat64(m.UnknownCorrelation); got != 1 {
		t.Errorf("unknown_correlation metric = %v, want 1", got)
	}
}

func TestRouter_UnregisterAndClose(t *testing.T) {
	r := New(nil, nil)
	r.Register("A", &recordingHandler{})
	r.Register("B", &recordingHandler{})
	r.Register("C", &recordingHandler{})

	if !r.Unregister("A") {
		t.Error("Unregister(A) = false, want true")
	}
	if r.Unregister("A") {
		t.Error("second Unregister(A) = true, want false")
	}
	if err := r.Dispatch("A", feed.Message{}); !errors.Is(err, ErrUnknownCorrelation) {
		t.Errorf("Dispatch after Unregister err = %v, want ErrUnknownCorrelation", err)
	}

	// A token can be reused once released.
	if err := r.Register("A", &recordingHandler{}); err != nil {
		t.Errorf("Register after Unregister failed: %v", err)
	}

	if n := r.Close(); n != 3 {
		t.Errorf("Close() = %d, want 3", n)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}

	// Nothing can be bound once the table is closed.
	if err := r.Register("D", &recordingHandler{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Register after Close err = %v, want ErrClosed", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len() after refused Register = %d, want 0", r.Len())
	}
}

func TestRouter_ConcurrentRegisterDispatch(t *testing.T) {
	r := New(nil, nil)

	const n = 100
	handlers := make([]*recordingHandler, n)
	for i := range handlers {
		handlers[i] = &recordingHandler{}
	}

	var wg sync.WaitGroup
	var unknown atomic.Int64

	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if err := r.Register(feed.Token(fmt.Sprintf("SEC-%d", i)), handlers[i]); err != nil {
				t.Errorf("Register failed: %v", err)
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			token := feed.Token(fmt.Sprintf("SEC-%d", i))
			if err := r.Dispatch(token, feed.Message{Token: token}); err != nil {
				unknown.Add(1)
			}
		}(i)
	}
	wg.Wait()

	// Every dispatch either reached its own handler or was reported unknown.
	delivered := 0
	for _, h := range handlers {
		delivered += h.count()
	}
	if int64(delivered)+unknown.Load() != n {
		t.Errorf("delivered %d + unknown %d != %d", delivered, unknown.Load(), n)
	}
	if r.Len() != n {
		t.Errorf("Len() = %d, want %d", r.Len(), n)
	}
}

func TestRouter_HandlerMayUseRouter(t *testing.T) {
	r := New(nil, nil)

	// A handler that unregisters itself must not deadlock.
	r.Register("AAPL", feed.HandlerFunc(func(msg feed.Message) {
		r.Unregister(msg.Token)
	}))

	if err := r.Dispatch("AAPL", feed.Message{Token: "AAPL"}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}
