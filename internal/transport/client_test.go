package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeServer speaks just enough of the server side of the protocol.
type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	mu           sync.Mutex
	writeMu      sync.Mutex
	conns        []*websocket.Conn
	connects     int
	connTokens   []string
	subscribes   []subscribeRequest
	unsubscribes []string
	pongs        int
	reject       map[string]*ProtocolError
	pong         bool
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t, reject: make(map[string]*ProtocolError)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != connectionPath {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.mu.Unlock()
		fs.serve(conn)
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string { return fs.srv.URL }

func (fs *fakeServer) serve(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			return
		}
		switch {
		case cmd.Connect != nil:
			fs.mu.Lock()
			fs.connects++
			n := fs.connects
			fs.connTokens = append(fs.connTokens, cmd.Connect.Token)
			pong := fs.pong
			fs.mu.Unlock()
			fs.write(conn, map[string]any{
				"id":      cmd.ID,
				"connect": map[string]any{"client": fmt.Sprintf("c-%d", n), "pong": pong},
			})
		case cmd.Subscribe != nil:
			fs.mu.Lock()
			fs.subscribes = append(fs.subscribes, *cmd.Subscribe)
			perr := fs.reject[cmd.Subscribe.Channel]
			fs.mu.Unlock()
			if perr != nil {
				fs.write(conn, map[string]any{"id": cmd.ID, "error": perr})
				continue
			}
			fs.write(conn, map[string]any{"id": cmd.ID, "subscribe": map[string]any{}})
		case cmd.Unsubscribe != nil:
			fs.mu.Lock()
			fs.unsubscribes = append(fs.unsubscribes, cmd.Unsubscribe.Channel)
			fs.mu.Unlock()
			fs.write(conn, map[string]any{"id": cmd.ID, "unsubscribe": map[string]any{}})
		default:
			fs.mu.Lock()
			fs.pongs++
			fs.mu.Unlock()
		}
	}
}

func (fs *fakeServer) write(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		fs.t.Errorf("marshal: %v", err)
		return
	}
	fs.writeRaw(conn, data)
}

func (fs *fakeServer) writeRaw(conn *websocket.Conn, data []byte) {
	fs.writeMu.Lock()
	defer fs.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (fs *fakeServer) last() *websocket.Conn {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.conns) == 0 {
		return nil
	}
	return fs.conns[len(fs.conns)-1]
}

func (fs *fakeServer) publish(channel, data string) {
	fs.writeRaw(fs.last(), []byte(`{"push":{"channel":"`+channel+`","pub":{"data":`+data+`}}}`))
}

func (fs *fakeServer) dropAll() {
	fs.mu.Lock()
	conns := fs.conns
	fs.conns = nil
	fs.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (fs *fakeServer) snapshot() (connects int, subs []subscribeRequest, unsubs []string, pongs int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.connects,
		append([]subscribeRequest(nil), fs.subscribes...),
		append([]string(nil), fs.unsubscribes...),
		fs.pongs
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recorder collects lifecycle events.
type recorder struct {
	mu         sync.Mutex
	connected  []ConnectedEvent
	disconnect []DisconnectedEvent
	errs       []error
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnConnected: func(e ConnectedEvent) {
			r.mu.Lock()
			r.connected = append(r.connected, e)
			r.mu.Unlock()
		},
		OnDisconnected: func(e DisconnectedEvent) {
			r.mu.Lock()
			r.disconnect = append(r.disconnect, e)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) counts() (connected, disconnected, errs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connected), len(r.disconnect), len(r.errs)
}

func newTestClient(t *testing.T, fs *fakeServer, getToken TokenFunc) (*Client, *recorder) {
	t.Helper()
	c, err := New(Config{
		URL:               fs.url(),
		Name:              "test",
		GetToken:          getToken,
		MinReconnectDelay: 10 * time.Millisecond,
		MaxReconnectDelay: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &recorder{}
	c.SetHandlers(rec.handlers())
	t.Cleanup(func() { _ = c.Close() })
	return c, rec
}

func staticToken(tok string) TokenFunc {
	return func(context.Context) (string, error) { return tok, nil }
}

// ─── NormalizeURL ──────────────────────────────────────────────────────────

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "wss://rt.example.com", want: "wss://rt.example.com/connection/websocket"},
		{in: "wss://rt.example.com/", want: "wss://rt.example.com/connection/websocket"},
		{in: "https://rt.example.com/connection/websocket", want: "wss://rt.example.com/connection/websocket"},
		{in: "http://localhost:8000/rt", want: "ws://localhost:8000/rt/connection/websocket"},
		{in: "ws://h/connection/websocket/", want: "ws://h/connection/websocket"},
		{in: "ftp://h", wantErr: true},
		{in: "ws://", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizeURL(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NormalizeURL(%q): expected error, got %q", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeURL(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// ─── Connect ───────────────────────────────────────────────────────────────

func TestConnect_SendsTokenAndReportsClientID(t *testing.T) {
	fs := newFakeServer(t)
	c, rec := newTestClient(t, fs, staticToken("conn-tok"))

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Connect(); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	waitFor(t, "connected event", func() bool {
		n, _, _ := rec.counts()
		return n == 1
	})

	if got := c.ClientID(); got != "c-1" {
		t.Errorf("ClientID = %q, want c-1", got)
	}
	rec.mu.Lock()
	if len(rec.connected) != 1 || rec.connected[0].ClientID != "c-1" || rec.connected[0].Transport != Kind {
		t.Errorf("unexpected connected events: %+v", rec.connected)
	}
	rec.mu.Unlock()

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.connects != 1 {
		t.Errorf("expected 1 connection, got %d", fs.connects)
	}
	if len(fs.connTokens) != 1 || fs.connTokens[0] != "conn-tok" {
		t.Errorf("unexpected connect tokens: %v", fs.connTokens)
	}
}

func TestConnect_TokenFailureReportedAndRetried(t *testing.T) {
	fs := newFakeServer(t)
	var mu sync.Mutex
	calls := 0
	c, rec := newTestClient(t, fs, func(context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return "", errors.New("issuer down")
		}
		return "ok", nil
	})

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "connected after retries", c.Connected)

	_, _, errs := rec.counts()
	if errs != 2 {
		t.Errorf("expected 2 error events, got %d", errs)
	}
}

func TestConnect_AfterClose(t *testing.T) {
	fs := newFakeServer(t)
	c, _ := newTestClient(t, fs, nil)
	_ = c.Close()
	if err := c.Connect(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestConnect_AnswersPing(t *testing.T) {
	fs := newFakeServer(t)
	fs.mu.Lock()
	fs.pong = true
	fs.mu.Unlock()
	c, _ := newTestClient(t, fs, nil)
	_ = c.Connect()
	waitFor(t, "connected", c.Connected)

	fs.writeRaw(fs.last(), []byte("{}"))
	waitFor(t, "pong", func() bool {
		_, _, _, pongs := fs.snapshot()
		return pongs == 1
	})
}

func TestNew_InvalidURL(t *testing.T) {
	if _, err := New(Config{URL: "mailto:x"}); err == nil {
		t.Fatal("expected error for bad url")
	}
}

// ─── Subscriptions ─────────────────────────────────────────────────────────

type subEvents struct {
	subscribed   chan struct{}
	unsubscribed chan string
	errs         chan error
	pubs         chan []byte
}

func newSubEvents() *subEvents {
	return &subEvents{
		subscribed:   make(chan struct{}, 8),
		unsubscribed: make(chan string, 8),
		errs:         make(chan error, 8),
		pubs:         make(chan []byte, 8),
	}
}

func (e *subEvents) config(getToken ChannelTokenFunc) SubscriptionConfig {
	return SubscriptionConfig{
		GetToken:       getToken,
		OnSubscribed:   func() { e.subscribed <- struct{}{} },
		OnUnsubscribed: func(reason string) { e.unsubscribed <- reason },
		OnError:        func(err error) { e.errs <- err },
		OnPublication:  func(data []byte) { e.pubs <- data },
	}
}

func receive[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func connectedClient(t *testing.T) (*fakeServer, *Client, *recorder) {
	t.Helper()
	fs := newFakeServer(t)
	c, rec := newTestClient(t, fs, staticToken("conn"))
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "connected", c.Connected)
	return fs, c, rec
}

func TestSubscribe_TokenAndPublication(t *testing.T) {
	fs, c, _ := connectedClient(t)
	ev := newSubEvents()
	var tokenClient string
	sub, err := c.NewSubscription("conv:t:acme:queue:support", ev.config(func(_ context.Context, ch string) (string, error) {
		tokenClient = c.ClientID()
		return "tok-" + ch, nil
	}))
	if err != nil {
		t.Fatalf("NewSubscription: %v", err)
	}
	if err := sub.Subscribe(); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	receive(t, ev.subscribed, "subscribed")

	if sub.State() != SubSubscribed {
		t.Errorf("state = %v", sub.State())
	}
	if tokenClient != "c-1" {
		t.Errorf("token func saw client %q", tokenClient)
	}
	_, subs, _, _ := fs.snapshot()
	if len(subs) != 1 || subs[0].Channel != "conv:t:acme:queue:support" || subs[0].Token != "tok-conv:t:acme:queue:support" {
		t.Errorf("unexpected subscribes: %+v", subs)
	}

	fs.publish("conv:t:acme:queue:support", `{"event":"queue_count","payload":{"count":3}}`)
	data := receive(t, ev.pubs, "publication")
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("publication data: %v", err)
	}
	if got["event"] != "queue_count" {
		t.Errorf("unexpected publication %s", data)
	}
}

func TestSubscribe_Idempotent(t *testing.T) {
	fs, c, _ := connectedClient(t)
	ev := newSubEvents()
	sub, _ := c.NewSubscription("a", ev.config(nil))
	_ = sub.Subscribe()
	_ = sub.Subscribe()
	receive(t, ev.subscribed, "subscribed")
	_ = sub.Subscribe()

	_, subs, _, _ := fs.snapshot()
	if len(subs) != 1 {
		t.Errorf("expected 1 subscribe command, got %d", len(subs))
	}
}

func TestSubscribe_NotConnected(t *testing.T) {
	fs := newFakeServer(t)
	c, _ := newTestClient(t, fs, nil)
	sub, err := c.NewSubscription("a", SubscriptionConfig{})
	if err != nil {
		t.Fatalf("NewSubscription: %v", err)
	}
	if err := sub.Subscribe(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if sub.State() != SubUnsubscribed {
		t.Errorf("state = %v", sub.State())
	}
}

func TestSubscribe_Rejected(t *testing.T) {
	fs, c, _ := connectedClient(t)
	fs.mu.Lock()
	fs.reject["secret"] = &ProtocolError{Code: 103, Message: "permission denied"}
	fs.mu.Unlock()

	ev := newSubEvents()
	sub, _ := c.NewSubscription("secret", ev.config(nil))
	_ = sub.Subscribe()
	err := receive(t, ev.errs, "error")

	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Code != 103 {
		t.Errorf("expected protocol error 103, got %v", err)
	}
	if sub.State() != SubUnsubscribed {
		t.Errorf("state = %v", sub.State())
	}
}

func TestSubscribe_AlreadySubscribedCountsAsSuccess(t *testing.T) {
	fs, c, _ := connectedClient(t)
	fs.mu.Lock()
	fs.reject["dup"] = &ProtocolError{Code: codeAlreadySubscribed, Message: "already subscribed"}
	fs.mu.Unlock()

	ev := newSubEvents()
	sub, _ := c.NewSubscription("dup", ev.config(nil))
	_ = sub.Subscribe()
	receive(t, ev.subscribed, "subscribed")
}

func TestSubscribe_ChannelTokenError(t *testing.T) {
	fs, c, _ := connectedClient(t)
	ev := newSubEvents()
	sub, _ := c.NewSubscription("x", ev.config(func(context.Context, string) (string, error) {
		return "", errors.New("issuer rejected")
	}))
	_ = sub.Subscribe()
	err := receive(t, ev.errs, "error")
	if !strings.Contains(err.Error(), "issuer rejected") {
		t.Errorf("unexpected error %v", err)
	}

	_, subs, _, _ := fs.snapshot()
	if len(subs) != 0 {
		t.Errorf("subscribe must not be sent without a token, got %+v", subs)
	}
}

func TestNewSubscription_Duplicate(t *testing.T) {
	fs := newFakeServer(t)
	c, _ := newTestClient(t, fs, nil)
	if _, err := c.NewSubscription("a", SubscriptionConfig{}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.NewSubscription("a", SubscriptionConfig{}); !errors.Is(err, ErrDuplicateSubscription) {
		t.Fatalf("expected ErrDuplicateSubscription, got %v", err)
	}
}

func TestUnsubscribe_SendsCommand(t *testing.T) {
	fs, c, _ := connectedClient(t)
	ev := newSubEvents()
	sub, _ := c.NewSubscription("a", ev.config(nil))
	_ = sub.Subscribe()
	receive(t, ev.subscribed, "subscribed")

	if err := c.RemoveSubscription(sub); err != nil {
		t.Fatalf("RemoveSubscription: %v", err)
	}
	waitFor(t, "unsubscribe", func() bool {
		_, _, unsubs, _ := fs.snapshot()
		return len(unsubs) == 1 && unsubs[0] == "a"
	})
	if err := sub.Subscribe(); err == nil {
		t.Error("expected error subscribing a removed subscription")
	}
	// The channel is free for a new subscription object.
	if _, err := c.NewSubscription("a", SubscriptionConfig{}); err != nil {
		t.Errorf("NewSubscription after remove: %v", err)
	}
}

func TestServerUnsubscribePush(t *testing.T) {
	fs, c, _ := connectedClient(t)
	ev := newSubEvents()
	sub, _ := c.NewSubscription("a", ev.config(nil))
	_ = sub.Subscribe()
	receive(t, ev.subscribed, "subscribed")

	fs.writeRaw(fs.last(), []byte(`{"push":{"channel":"a","unsubscribe":{"code":2500,"reason":"kicked"}}}`))
	if reason := receive(t, ev.unsubscribed, "unsubscribed"); reason != "kicked" {
		t.Errorf("reason = %q", reason)
	}
	if sub.State() != SubUnsubscribed {
		t.Errorf("state = %v", sub.State())
	}
}

// ─── Reconnect ─────────────────────────────────────────────────────────────

func TestReconnect_NotifiesSubscriptionsAndIssuesNewClientID(t *testing.T) {
	fs, c, rec := connectedClient(t)
	ev := newSubEvents()
	sub, _ := c.NewSubscription("a", ev.config(nil))
	_ = sub.Subscribe()
	receive(t, ev.subscribed, "subscribed")

	fs.dropAll()

	if reason := receive(t, ev.unsubscribed, "unsubscribed"); reason != "disconnect" {
		t.Errorf("reason = %q", reason)
	}
	waitFor(t, "reconnected", func() bool {
		n, d, _ := rec.counts()
		return n == 2 && d == 1 && c.Connected()
	})
	if got := c.ClientID(); got != "c-2" {
		t.Errorf("ClientID after reconnect = %q, want c-2", got)
	}

	if err := sub.Subscribe(); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	receive(t, ev.subscribed, "resubscribed")
	_, subs, _, _ := fs.snapshot()
	if len(subs) != 2 {
		t.Errorf("expected 2 subscribe commands, got %d", len(subs))
	}
}

func TestDisconnectPush(t *testing.T) {
	fs, c, rec := connectedClient(t)
	fs.writeRaw(fs.last(), []byte(`{"push":{"disconnect":{"code":3001,"reason":"shutdown"}}}`))

	waitFor(t, "disconnected event", func() bool {
		_, d, _ := rec.counts()
		return d >= 1
	})
	rec.mu.Lock()
	got := rec.disconnect[0]
	rec.mu.Unlock()
	if got.Code != 3001 || got.Reason != "shutdown" {
		t.Errorf("unexpected disconnect event %+v", got)
	}
	waitFor(t, "reconnected", c.Connected)
}

func TestReconnect_ConfirmationReportedBeforeDropUnsubscribe(t *testing.T) {
	fs, c, _ := connectedClient(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	events := make(chan string, 8)
	sub, _ := c.NewSubscription("a", SubscriptionConfig{
		OnSubscribed: func() {
			close(entered)
			<-release
			events <- "subscribed"
		},
		OnUnsubscribed: func(reason string) { events <- "unsubscribed:" + reason },
	})
	_ = sub.Subscribe()
	receive(t, entered, "confirmation")

	fs.dropAll()
	select {
	case ev := <-events:
		t.Fatalf("got %q while the confirmation was still running", ev)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	if ev := receive(t, events, "first event"); ev != "subscribed" {
		t.Errorf("first event = %q, want subscribed", ev)
	}
	if ev := receive(t, events, "second event"); ev != "unsubscribed:disconnect" {
		t.Errorf("second event = %q, want unsubscribed:disconnect", ev)
	}
}

// ─── Close from callbacks ──────────────────────────────────────────────────

func TestClose_FromErrorHandler(t *testing.T) {
	fs := newFakeServer(t)
	c, _ := newTestClient(t, fs, func(context.Context) (string, error) {
		return "", errors.New("issuer down")
	})
	closed := make(chan error, 1)
	var once sync.Once
	c.SetHandlers(Handlers{OnError: func(error) {
		once.Do(func() { closed <- c.Close() })
	}})
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := receive(t, closed, "Close from OnError"); err != nil {
		t.Errorf("Close: %v", err)
	}
	receive(t, c.done, "loop exit")
}

func TestClose_FromPublicationCallback(t *testing.T) {
	fs, c, _ := connectedClient(t)
	closed := make(chan error, 1)
	ev := newSubEvents()
	cfg := ev.config(nil)
	cfg.OnPublication = func([]byte) { closed <- c.Close() }
	sub, _ := c.NewSubscription("a", cfg)
	_ = sub.Subscribe()
	receive(t, ev.subscribed, "subscribed")

	fs.publish("a", `{"event":"x"}`)
	if err := receive(t, closed, "Close from OnPublication"); err != nil {
		t.Errorf("Close: %v", err)
	}
	receive(t, c.done, "loop exit")
	if c.Connected() {
		t.Error("still connected after Close")
	}
}
