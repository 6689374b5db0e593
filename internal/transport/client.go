// Package transport is a WebSocket pub/sub client for a Centrifugo-style
// server: one multiplexed connection, token-authorized connect and
// per-channel subscriptions, reconnect with exponential backoff.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

// Kind is reported in ConnectedEvent.Transport.
const Kind = "websocket"

const (
	defaultMinReconnectDelay = 500 * time.Millisecond
	defaultMaxReconnectDelay = 20 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	// Extra time allowed past the server ping interval before the
	// connection is considered dead.
	maxPongDelay = 10 * time.Second
	writeWait    = 10 * time.Second
)

var (
	// ErrNotConnected is returned for operations that need a live connection.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: client closed")
	// ErrDuplicateSubscription is returned by NewSubscription for a channel
	// that already has a subscription object.
	ErrDuplicateSubscription = errors.New("transport: subscription already exists")
)

// TokenFunc fetches a fresh connect token. It runs before every dial.
type TokenFunc func(ctx context.Context) (string, error)

// ConnectedEvent is fired once per successful connect.
type ConnectedEvent struct {
	ClientID  string
	Transport string
}

// DisconnectedEvent is fired when an established connection ends.
type DisconnectedEvent struct {
	Code   uint32
	Reason string
}

// Handlers receive connection lifecycle events. They run on the
// connection goroutine; OnConnected completes before any further frame
// from the new connection is read.
type Handlers struct {
	OnConnecting   func()
	OnConnected    func(ConnectedEvent)
	OnDisconnected func(DisconnectedEvent)
	OnError        func(error)
}

// Config configures a Client.
type Config struct {
	URL               string
	Name              string
	GetToken          TokenFunc
	MinReconnectDelay time.Duration
	MaxReconnectDelay time.Duration
	HandshakeTimeout  time.Duration
	Logger            *slog.Logger
}

type state int

const (
	stateDisconnected state = iota
	stateConnecting
	stateConnected
)

// Client owns the single WebSocket connection.
type Client struct {
	url      string
	name     string
	getToken TokenFunc
	minDelay time.Duration
	maxDelay time.Duration
	dialer   *websocket.Dialer
	log      *slog.Logger

	handlers Handlers

	mu       sync.Mutex
	state    state
	started  bool
	closed   bool
	conn     *websocket.Conn
	connCtx  context.Context // cancelled when the current connection ends
	gen      uint64          // bumped on every successful connect
	clientID string
	nextID   uint32
	pending  map[uint32]chan reply
	subs     map[string]*Subscription

	// dispatchMu orders subscription outcome callbacks against teardown,
	// so a subscribe confirmed on a connection that is being torn down is
	// either reported before its "disconnect" unsubscribe or not at all.
	dispatchMu sync.Mutex
	// inHandler counts callbacks currently running; Close called from one
	// of them must not wait for the loop that is running it.
	inHandler atomic.Int32

	writeMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// New validates cfg and returns an unstarted Client.
func New(cfg Config) (*Client, error) {
	u, err := NormalizeURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	minDelay := cfg.MinReconnectDelay
	if minDelay <= 0 {
		minDelay = defaultMinReconnectDelay
	}
	maxDelay := cfg.MaxReconnectDelay
	if maxDelay < minDelay {
		maxDelay = defaultMaxReconnectDelay
		if maxDelay < minDelay {
			maxDelay = minDelay
		}
	}
	hs := cfg.HandshakeTimeout
	if hs <= 0 {
		hs = defaultHandshakeTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		url:      u,
		name:     cfg.Name,
		getToken: cfg.GetToken,
		minDelay: minDelay,
		maxDelay: maxDelay,
		dialer:   &websocket.Dialer{HandshakeTimeout: hs, Proxy: websocket.DefaultDialer.Proxy},
		log:      log,
		pending:  make(map[uint32]chan reply),
		subs:     make(map[string]*Subscription),
	}, nil
}

// URL returns the normalized endpoint.
func (c *Client) URL() string { return c.url }

// SetHandlers installs lifecycle handlers. Call before Connect.
func (c *Client) SetHandlers(h Handlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}

// Connect starts the background connect loop and returns immediately.
// Calling it again while the loop runs is a no-op.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx)
	return nil
}

// Close stops reconnecting, closes the socket and waits for the loop to exit.
// Called from inside a handler or subscription callback it returns without
// waiting; the loop exits right after the callback returns.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, done, conn := c.cancel, c.done, c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	if done != nil && c.inHandler.Load() == 0 {
		<-done
	}
	return nil
}

// Connected reports whether a connection is established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// ClientID returns the identity issued for the current connection, or "".
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.minDelay
	b.MaxInterval = c.maxDelay
	b.Reset()

	for {
		c.fire(func(h Handlers) {
			if h.OnConnecting != nil {
				h.OnConnecting()
			}
		})

		established, err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if established {
			b.Reset()
		}
		if err != nil && !established {
			c.log.Warn("transport: connect failed", "url", c.url, "err", err)
			c.fire(func(h Handlers) {
				if h.OnError != nil {
					h.OnError(err)
				}
			})
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			delay = c.maxDelay
		}
		c.log.Debug("transport: reconnecting", "in", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connectOnce dials, authenticates and then reads until the connection
// drops. established reports whether the connect handshake succeeded.
func (c *Client) connectOnce(ctx context.Context) (established bool, err error) {
	c.setState(stateConnecting)

	token := ""
	if c.getToken != nil {
		token, err = c.getToken(ctx)
		if err != nil {
			c.setState(stateDisconnected)
			return false, fmt.Errorf("transport: connect token: %w", err)
		}
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.setState(stateDisconnected)
		return false, fmt.Errorf("transport: dial: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	res, err := c.handshake(conn, token)
	stop()
	if err != nil {
		_ = conn.Close()
		c.setState(stateDisconnected)
		return false, err
	}

	connCtx, cancelConn := context.WithCancel(ctx)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancelConn()
		_ = conn.Close()
		return false, ErrClosed
	}
	c.conn = conn
	c.connCtx = connCtx
	c.gen++
	gen := c.gen
	c.clientID = res.Client
	c.state = stateConnected
	c.mu.Unlock()

	c.log.Info("transport: connected", "url", c.url, "client", res.Client)
	c.fire(func(h Handlers) {
		if h.OnConnected != nil {
			h.OnConnected(ConnectedEvent{ClientID: res.Client, Transport: Kind})
		}
	})

	ev := c.readLoop(conn, gen, res)
	cancelConn()
	_ = conn.Close()
	c.teardown(gen, ev)
	return true, nil
}

func (c *Client) handshake(conn *websocket.Conn, token string) (*connectResult, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	data, err := json.Marshal(command{ID: id, Connect: &connectRequest{Token: token, Name: c.name}})
	if err != nil {
		return nil, fmt.Errorf("transport: marshal connect: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, fmt.Errorf("transport: send connect: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.dialer.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("transport: read connect reply: %w", err)
		}
		replies, err := decodeFrame(frame)
		if err != nil {
			return nil, err
		}
		for _, r := range replies {
			if r.ID != id {
				continue
			}
			if r.Error != nil {
				return nil, r.Error
			}
			if r.Connect == nil || r.Connect.Client == "" {
				return nil, errors.New("transport: connect reply has no client id")
			}
			return r.Connect, nil
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64, res *connectResult) DisconnectedEvent {
	var readTimeout time.Duration
	if res.Ping > 0 {
		readTimeout = time.Duration(res.Ping)*time.Second + maxPongDelay
	}

	for {
		if readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		_, frame, err := conn.ReadMessage()
		if err != nil {
			ev := DisconnectedEvent{Reason: err.Error()}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				ev = DisconnectedEvent{Code: uint32(ce.Code), Reason: ce.Text}
			}
			return ev
		}

		replies, err := decodeFrame(frame)
		if err != nil {
			c.log.Warn("transport: bad frame", "err", err)
		}
		for i := range replies {
			r := &replies[i]
			switch {
			case r.isPing():
				if res.Pong {
					_ = c.write(conn, []byte("{}"))
				}
			case r.ID > 0:
				c.resolve(r)
			case r.Push != nil:
				if d := r.Push.Disconnect; d != nil {
					return DisconnectedEvent{Code: d.Code, Reason: d.Reason}
				}
				c.handlePush(gen, r.Push)
			}
		}
	}
}

func (c *Client) resolve(r *reply) {
	c.mu.Lock()
	ch, ok := c.pending[r.ID]
	delete(c.pending, r.ID)
	c.mu.Unlock()
	if ok {
		ch <- *r
	}
}

func (c *Client) handlePush(gen uint64, p *push) {
	c.mu.Lock()
	sub := c.subs[p.Channel]
	c.mu.Unlock()
	if sub == nil {
		return
	}

	switch {
	case p.Pub != nil:
		sub.deliver(gen, p.Pub.Data)
	case p.Unsubscribe != nil:
		reason := p.Unsubscribe.Reason
		if reason == "" {
			reason = "server unsubscribe"
		}
		sub.serverUnsubscribed(gen, reason)
	}
}

// teardown drops per-connection state and notifies subscriptions, then
// the disconnected handler.
func (c *Client) teardown(gen uint64, ev DisconnectedEvent) {
	c.dispatchMu.Lock()
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.dispatchMu.Unlock()
		return
	}
	c.conn = nil
	c.connCtx = nil
	c.clientID = ""
	c.state = stateDisconnected
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	var dropped []*Subscription
	for _, s := range c.subs {
		if s.state == SubSubscribing || s.state == SubSubscribed {
			s.state = SubUnsubscribed
			dropped = append(dropped, s)
		}
	}
	c.mu.Unlock()

	c.log.Info("transport: disconnected", "code", ev.Code, "reason", ev.Reason)
	for _, s := range dropped {
		if s.cfg.OnUnsubscribed != nil {
			c.dispatch(func() { s.cfg.OnUnsubscribed("disconnect") })
		}
	}
	c.dispatchMu.Unlock()

	c.fire(func(h Handlers) {
		if h.OnDisconnected != nil {
			h.OnDisconnected(ev)
		}
	})
}

func (c *Client) setState(s state) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) fire(fn func(Handlers)) {
	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()
	c.dispatch(func() { fn(h) })
}

// dispatch runs a user callback, marking it so Close can tell.
func (c *Client) dispatch(fn func()) {
	c.inHandler.Add(1)
	defer c.inHandler.Add(-1)
	fn()
}

func (c *Client) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// live returns the current connection and its generation if it is gen
// (or any connection when gen is 0).
func (c *Client) live(gen uint64) (*websocket.Conn, context.Context, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateConnected || c.conn == nil {
		return nil, nil, 0, false
	}
	if gen != 0 && gen != c.gen {
		return nil, nil, 0, false
	}
	return c.conn, c.connCtx, c.gen, true
}

// call sends cmd on connection gen and waits for its reply.
func (c *Client) call(ctx context.Context, gen uint64, cmd command) (reply, error) {
	conn, connCtx, _, ok := c.live(gen)
	if !ok {
		return reply{}, ErrNotConnected
	}

	c.mu.Lock()
	c.nextID++
	cmd.ID = c.nextID
	ch := make(chan reply, 1)
	c.pending[cmd.ID] = ch
	c.mu.Unlock()

	data, err := json.Marshal(cmd)
	if err != nil {
		c.forget(cmd.ID)
		return reply{}, fmt.Errorf("transport: marshal command: %w", err)
	}
	if err := c.write(conn, data); err != nil {
		c.forget(cmd.ID)
		return reply{}, fmt.Errorf("transport: write command: %w", err)
	}

	select {
	case r, ok := <-ch:
		if !ok {
			return reply{}, ErrNotConnected
		}
		if r.Error != nil {
			return reply{}, r.Error
		}
		return r, nil
	case <-ctx.Done():
		c.forget(cmd.ID)
		return reply{}, ctx.Err()
	case <-connCtx.Done():
		c.forget(cmd.ID)
		return reply{}, ErrNotConnected
	}
}

// send writes cmd without waiting for the reply.
func (c *Client) send(gen uint64, cmd command) error {
	conn, _, _, ok := c.live(gen)
	if !ok {
		return ErrNotConnected
	}
	c.mu.Lock()
	c.nextID++
	cmd.ID = c.nextID
	c.mu.Unlock()

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("transport: marshal command: %w", err)
	}
	return c.write(conn, data)
}

func (c *Client) forget(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
