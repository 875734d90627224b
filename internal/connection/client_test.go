package connection

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rickgao/easymkt/internal/auth"
	"github.com/rickgao/easymkt/internal/feed"
	"github.com/rickgao/easymkt/internal/metrics"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// readUntilClosed keeps the connection open until the client goes away.
func readUntilClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// eventRecorder collects delivered events.
type eventRecorder struct {
	ch chan feed.Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan feed.Event, 256)}
}

func (r *eventRecorder) ProcessEvent(ev feed.Event) {
	r.ch <- ev
}

func (r *eventRecorder) next(t *testing.T) feed.Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return feed.Event{}
	}
}

func messageTypes(ev feed.Event) []feed.MessageType {
	out := make([]feed.MessageType, len(ev.Messages))
	for i, m := range ev.Messages {
		out[i] = m.Type
	}
	return out
}

func expectSession(t *testing.T, ev feed.Event, want ...feed.MessageType) {
	t.Helper()
	if ev.Kind != feed.KindSessionStatus {
		t.Fatalf("Kind = %s, want SESSION_STATUS", ev.Kind)
	}
	got := messageTypes(ev)
	if len(got) != len(want) {
		t.Fatalf("types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("types[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func testConfig(url string) ClientConfig {
	cfg := DefaultClientConfig()
	cfg.URL = url
	cfg.BufferSize = 16
	return cfg
}

func TestClient_StartReportsSessionStarted(t *testing.T) {
	server := mockWSServer(t, readUntilClosed)
	defer server.Close()

	rec := newEventRecorder()
	client := NewClient(testConfig(wsURL(server)), rec, nil, nil)

	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer client.Close()

	expectSession(t, rec.next(t), feed.SessionConnectionUp, feed.SessionStarted)

	if !client.IsConnected() {
		t.Error("expected IsConnected to return true")
	}
}

func TestClient_StartFailure(t *testing.T) {
	server := mockWSServer(t, readUntilClosed)
	url := wsURL(server)
	server.Close()

	rec := newEventRecorder()
	client := NewClient(testConfig(url), rec, nil, nil)

	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start returned %v, want failure reported as an event", err)
	}
	defer client.Close()

	ev := rec.next(t)
	expectSession(t, ev, feed.SessionStartupFailure)
	if ev.Messages[0].Reason == "" {
		t.Error("startup failure has no reason")
	}
	if client.IsConnected() {
		t.Error("expected IsConnected to return false")
	}
}

func TestClient_StartTwice(t *testing.T) {
	server := mockWSServer(t, readUntilClosed)
	defer server.Close()

	client := NewClient(testConfig(wsURL(server)), newEventRecorder(), nil, nil)
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := client.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start err = %v, want ErrAlreadyStarted", err)
	}
	client.Close()

	closed := NewClient(testConfig(wsURL(server)), newEventRecorder(), nil, nil)
	closed.Close()
	if err := closed.Start(context.Background()); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("Start after Close err = %v, want ErrAlreadyClosed", err)
	}
}

func TestClient_SendNotConnected(t *testing.T) {
	client := NewClient(testConfig("ws://localhost:12345"), newEventRecorder(), nil, nil)

	if err := client.OpenService("//blp/mktdata"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("OpenService err = %v, want ErrNotConnected", err)
	}
	if err := client.Send([]byte("test")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send err = %v, want ErrNotConnected", err)
	}
}

func TestClient_Commands(t *testing.T) {
	cmds := make(chan Command, 4)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd Command
			if err := json.Unmarshal(data, &cmd); err != nil {
				t.Errorf("bad command %s: %v", data, err)
				continue
			}
			cmds <- cmd
		}
	})
	defer server.Close()

	rec := newEventRecorder()
	client := NewClient(testConfig(wsURL(server)), rec, nil, nil)
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer client.Close()
	rec.next(t)

	if err := client.OpenService("//blp/mktdata"); err != nil {
		t.Fatalf("OpenService failed: %v", err)
	}
	req := feed.SubscribeRequest{
		Topic:  "IBM US Equity",
		Fields: []string{"LAST_PRICE", "BID"},
		Token:  "IBM US Equity",
	}
	if err := client.Subscribe(context.Background(), req); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	var got []Command
	for i := 0; i < 2; i++ {
		select {
		case cmd := <-cmds:
			got = append(got, cmd)
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for command %d", i)
		}
	}

	if got[0].Cmd != CmdOpenService || got[1].Cmd != CmdSubscribe {
		t.Fatalf("commands = %s, %s; want open_service, subscribe", got[0].Cmd, got[1].Cmd)
	}
	if got[1].ID <= got[0].ID {
		t.Errorf("command ids %d, %d not increasing", got[0].ID, got[1].ID)
	}

	var open OpenServiceParams
	if err := json.Unmarshal(got[0].Params, &open); err != nil {
		t.Fatalf("unmarshal open params: %v", err)
	}
	if open.Service != "//blp/mktdata" {
		t.Errorf("Service = %q, want //blp/mktdata", open.Service)
	}

	var sub SubscribeParams
	if err := json.Unmarshal(got[1].Params, &sub); err != nil {
		t.Fatalf("unmarshal subscribe params: %v", err)
	}
	if sub.Topic != "IBM US Equity" || sub.CorrelationID != "IBM US Equity" {
		t.Errorf("params = %+v, want topic and correlation id IBM US Equity", sub)
	}
	if len(sub.Fields) != 2 || sub.Fields[0] != "LAST_PRICE" || sub.Fields[1] != "BID" {
		t.Errorf("Fields = %v, want [LAST_PRICE BID]", sub.Fields)
	}
}

func TestClient_SubscribeCancelled(t *testing.T) {
	client := NewClient(testConfig("ws://localhost:12345"), newEventRecorder(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.Subscribe(ctx, feed.SubscribeRequest{Topic: "IBM"}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestClient_DecodesServerFrames(t *testing.T) {
	frames := []string{
		`{"event":"SERVICE_STATUS","messages":[{"type":"ServiceOpened","service":"//blp/mktdata"}]}`,
		`not json`,
		`{"event":"SUBSCRIPTION_DATA","messages":[]}`,
		`{"event":"SUBSCRIPTION_DATA","messages":[{"type":"MarketDataEvents","correlation_id":"IBM","data":{"LAST_PRICE":1}},{"type":"MarketDataEvents","correlation_id":"IBM","data":{"LAST_PRICE":2}}]}`,
		`{"event":"SOMETHING_NEW","messages":[{"type":"Whatever"}]}`,
	}

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		readUntilClosed(conn)
	})
	defer server.Close()

	rec := newEventRecorder()
	client := NewClient(testConfig(wsURL(server)), rec, nil, nil)
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer client.Close()
	rec.next(t)

	ev := rec.next(t)
	if ev.Kind != feed.KindServiceStatus || ev.Messages[0].Type != feed.ServiceOpened {
		t.Errorf("event 1 = %s/%v, want SERVICE_STATUS/ServiceOpened", ev.Kind, messageTypes(ev))
	}
	if ev.Messages[0].Service != "//blp/mktdata" {
		t.Errorf("Service = %q, want //blp/mktdata", ev.Messages[0].Service)
	}

	ev = rec.next(t)
	if ev.Kind != feed.KindSubscriptionData || len(ev.Messages) != 2 {
		t.Fatalf("event 2 = %s with %d messages, want SUBSCRIPTION_DATA with 2", ev.Kind, len(ev.Messages))
	}
	for i, want := range []string{`{"LAST_PRICE":1}`, `{"LAST_PRICE":2}`} {
		m := ev.Messages[i]
		if m.Token != "IBM" {
			t.Errorf("Token = %q, want IBM", m.Token)
		}
		if string(m.Data) != want {
			t.Errorf("Data = %s, want %s", m.Data, want)
		}
		if m.ReceivedAt.IsZero() {
			t.Error("ReceivedAt should not be zero")
		}
	}

	ev = rec.next(t)
	if ev.Kind != feed.KindOther || ev.Messages[0].Type != feed.Unknown {
		t.Errorf("event 3 = %s/%v, want OTHER/Unknown", ev.Kind, messageTypes(ev))
	}
}

func TestClient_ReadErrorTerminates(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		// Return immediately; the deferred Close drops the connection.
	})
	defer server.Close()

	rec := newEventRecorder()
	client := NewClient(testConfig(wsURL(server)), rec, nil, nil)
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer client.Close()

	expectSession(t, rec.next(t), feed.SessionConnectionUp, feed.SessionStarted)
	ev := rec.next(t)
	expectSession(t, ev, feed.SessionConnectionDown, feed.SessionTerminated)
	if ev.Messages[1].Reason == "" {
		t.Error("termination has no reason")
	}
}

func TestClient_CloseReportsTerminatedOnce(t *testing.T) {
	server := mockWSServer(t, readUntilClosed)
	defer server.Close()

	rec := newEventRecorder()
	client := NewClient(testConfig(wsURL(server)), rec, nil, nil)
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	client.Wait()
	close(rec.ch)

	terminated := 0
	for ev := range rec.ch {
		for _, m := range ev.Messages {
			if m.Type == feed.SessionTerminated {
				terminated++
			}
		}
	}
	if terminated != 1 {
		t.Errorf("SessionTerminated delivered %d times, want 1", terminated)
	}
	if client.IsConnected() {
		t.Error("expected IsConnected to return false after Close")
	}
}

func TestClient_SlowConsumerWarning(t *testing.T) {
	const frames = 20
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for i := 0; i < frames; i++ {
			f := `{"event":"SUBSCRIPTION_DATA","messages":[{"type":"MarketDataEvents","correlation_id":"IBM","data":{}}]}`
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		readUntilClosed(conn)
	})
	defer server.Close()

	gate := make(chan struct{})
	rec := newEventRecorder()
	blocking := feed.EventHandlerFunc(func(ev feed.Event) {
		<-gate
		rec.ProcessEvent(ev)
	})

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	cfg := testConfig(wsURL(server))
	cfg.SlowConsumerHighWater = 5
	cfg.SlowConsumerLowWater = 1
	client := NewClient(cfg, blocking, nil, m)
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	// All frames plus the warning, while the first event is held.
	for client.events.Len() < frames+1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	close(gate)

	var sawWarning, sawCleared bool
	dataBeforeWarning := 0
	for !sawCleared {
		ev := rec.next(t)
		if ev.Kind != feed.KindAdmin {
			if ev.Kind == feed.KindSubscriptionData && !sawWarning {
				dataBeforeWarning++
			}
			continue
		}
		switch ev.Messages[0].Type {
		case feed.SlowConsumerWarning:
			sawWarning = true
			// The warning jumps the backlog that raised it.
			if dataBeforeWarning != 0 {
				t.Errorf("%d data events delivered before the warning, want 0", dataBeforeWarning)
			}
		case feed.SlowConsumerWarningCleared:
			if !sawWarning {
				t.Fatal("warning cleared before it was raised")
			}
			sawCleared = true
		}
	}

	if got := testutil.ToFloat64(m.DeliveryQueueDepth); got > float64(cfg.SlowConsumerLowWater) {
		t.Errorf("delivery_queue_depth = %v, want <= %d", got, cfg.SlowConsumerLowWater)
	}
}

func TestClient_HandshakeHeaders(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	type seen struct {
		keyID  string
		err    error
		bearer string
		sessID string
	}
	result := make(chan seen, 1)

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keyID, err := auth.Verify(&key.PublicKey, r, time.Now())
		result <- seen{keyID, err, r.Header.Get("Authorization"), r.Header.Get("X-Session-Id")}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		readUntilClosed(conn)
	}))
	defer server.Close()

	cfg := testConfig(wsURL(server) + "/v1/stream")
	cfg.APIKey = "secret"
	cfg.Credentials = &auth.Credentials{KeyID: "ws-key", PrivateKey: key}

	client := NewClient(cfg, newEventRecorder(), nil, nil)
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer client.Close()

	got := <-result
	if got.err != nil {
		t.Fatalf("handshake verification failed: %v", got.err)
	}
	if got.keyID != "ws-key" {
		t.Errorf("key id = %q, want ws-key", got.keyID)
	}
	if got.bearer != "Bearer secret" {
		t.Errorf("Authorization = %q, want Bearer secret", got.bearer)
	}
	if got.sessID != client.SessionID().String() {
		t.Errorf("X-Session-Id = %q, want %s", got.sessID, client.SessionID())
	}
}

func TestClient_PingHandler(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		if err := conn.WriteControl(websocket.PingMessage, []byte("heartbeat"), time.Now().Add(time.Second)); err != nil {
			t.Logf("ping error: %v", err)
			return
		}
		readUntilClosed(conn)
	})
	defer server.Close()

	client := NewClient(testConfig(wsURL(server)), newEventRecorder(), nil, nil)
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer client.Close()

	time.Sleep(200 * time.Millisecond)

	if !client.IsConnected() {
		t.Error("expected client to be connected after ping")
	}
}

func TestEnvelope_ToEvent(t *testing.T) {
	now := time.Now()
	ev := feed.NewEvent(feed.KindSubscriptionStatus, feed.Message{
		Type:   feed.SubscriptionFailure,
		Token:  "BAD",
		Reason: "unknown security",
	})

	back := EnvelopeFrom(ev).ToEvent(now)
	if back.Kind != feed.KindSubscriptionStatus {
		t.Errorf("Kind = %s, want SUBSCRIPTION_STATUS", back.Kind)
	}
	m := back.Messages[0]
	if m.Type != feed.SubscriptionFailure || m.Token != "BAD" || m.Reason != "unknown security" {
		t.Errorf("message = %+v", m)
	}
	if !m.ReceivedAt.Equal(now) {
		t.Errorf("ReceivedAt = %v, want %v", m.ReceivedAt, now)
	}
}

func TestDefaultClientConfig(t *testing.T) {
	cfg := DefaultClientConfig()
	if cfg.PingTimeout != 60*time.Second {
		t.Errorf("PingTimeout = %v, want 60s", cfg.PingTimeout)
	}
	if cfg.SlowConsumerLowWater >= cfg.SlowConsumerHighWater {
		t.Errorf("low water %d >= high water %d", cfg.SlowConsumerLowWater, cfg.SlowConsumerHighWater)
	}
}
