package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deskwire/deskwire/internal/bus"
)

// Application commands accepted by Client.Emit.
const (
	CommandJoinRoom  = "join_room"
	CommandLeaveRoom = "leave_room"
	CommandIdentify  = "identify"
)

var (
	ErrNoTransport = errors.New("realtime: transport is required")
	ErrNoIssuer    = errors.New("realtime: token issuer is required")
	ErrDisposed    = errors.New("realtime: client disposed")
)

// Options configures a Client.
type Options struct {
	Transport Transport
	Issuer    TokenIssuer

	Tenant          string
	Namespace       string   // default DefaultNamespace
	KnownNamespaces []string // extra prefixes treated as fully qualified

	TokenTimeout time.Duration // per channel-token fetch, default 10s
	Retry        RetryPolicy

	Logger          *slog.Logger
	OnListenerPanic bus.PanicHandler
}

// Client is the application-facing real-time surface: one connection, a
// set of rooms, and an event bus carrying routed publications and
// lifecycle events.
type Client struct {
	instance string
	log      *slog.Logger
	bus      *bus.EventBus
	manager  *Manager
	registry *Registry
	namer    Namer

	mu       sync.Mutex
	disposed bool
}

// New wires a Client around a transport. Nothing is dialed until Connect.
func New(opts Options) (*Client, error) {
	if opts.Transport == nil {
		return nil, ErrNoTransport
	}
	if opts.Issuer == nil {
		return nil, ErrNoIssuer
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	instance := uuid.NewString()
	log = log.With("instance", instance)

	namer := Namer{Namespace: opts.Namespace, Tenant: opts.Tenant, Known: opts.KnownNamespaces}
	b := bus.New(opts.OnListenerPanic)
	m := newManager(opts.Transport, b, log)
	r := newRegistry(registryParams{
		transport:    opts.Transport,
		conn:         m,
		issuer:       opts.Issuer,
		bus:          b,
		namer:        namer,
		tokenTimeout: opts.TokenTimeout,
		retry:        opts.Retry,
		log:          log,
	})
	m.reg = r

	return &Client{
		instance: instance,
		log:      log,
		bus:      b,
		manager:  m,
		registry: r,
		namer:    namer,
	}, nil
}

// Connect starts the connection; see Manager.Connect.
func (c *Client) Connect(ctx context.Context) (*Connection, error) {
	c.mu.Lock()
	disposed := c.disposed
	c.mu.Unlock()
	if disposed {
		return nil, ErrDisposed
	}
	h, err := c.manager.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("realtime: connect: %w", err)
	}
	return h, nil
}

func (c *Client) Connected() bool { return c.manager.Connected() }

// ID returns the current connection identity, "" before the first connect.
func (c *Client) ID() string { return c.manager.ClientID() }

func (c *Client) State() State { return c.manager.State() }

func (c *Client) WaitConnected(ctx context.Context) error {
	return c.manager.WaitConnected(ctx)
}

// Instance is the id this client tags its log lines with.
func (c *Client) Instance() string { return c.instance }

func (c *Client) On(event string, fn bus.Listener) bus.ListenerID { return c.bus.On(event, fn) }
func (c *Client) Off(event string, id bus.ListenerID)             { c.bus.Off(event, id) }

func (c *Client) Join(room string)  { c.registry.Join(strings.TrimSpace(room)) }
func (c *Client) Leave(room string) { c.registry.Leave(strings.TrimSpace(room)) }

// Reconcile runs a reconciliation pass now.
func (c *Client) Reconcile() { c.registry.Reconcile() }

// Channel returns the transport channel room maps to.
func (c *Client) Channel(room string) string { return c.namer.Channel(room) }

// Emit sends an application command. join_room and leave_room take the
// room as a string payload; identify is accepted and ignored. Unknown
// commands are logged and dropped.
func (c *Client) Emit(name string, payload any) error {
	switch name {
	case CommandJoinRoom, CommandLeaveRoom:
		room, ok := payload.(string)
		if !ok || strings.TrimSpace(room) == "" {
			return fmt.Errorf("realtime: %s needs a room name, got %T", name, payload)
		}
		if name == CommandJoinRoom {
			c.Join(room)
		} else {
			c.Leave(room)
		}
		return nil
	case CommandIdentify:
		return nil
	default:
		c.log.Debug("realtime: ignoring unknown command", "name", name)
		return nil
	}
}

// Snapshot is the debug view of a client.
type Snapshot struct {
	Instance string
	ClientID string
	State    State
	Rooms    []RoomStatus
}

// Count returns how many rooms are in state s.
func (s Snapshot) Count(st SubState) int {
	n := 0
	for _, r := range s.Rooms {
		if r.State == st {
			n++
		}
	}
	return n
}

// Debug lists every known room with its subscription state and the
// current client identity.
func (c *Client) Debug() Snapshot {
	return Snapshot{
		Instance: c.instance,
		ClientID: c.manager.ClientID(),
		State:    c.manager.State(),
		Rooms:    c.registry.Rooms(),
	}
}

// Dispose unsubscribes every room and closes the connection. The client
// cannot be reused afterwards.
func (c *Client) Dispose() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	c.mu.Unlock()

	c.registry.Dispose()
	if err := c.manager.close(); err != nil {
		return fmt.Errorf("realtime: close transport: %w", err)
	}
	c.log.Info("realtime: disposed")
	return nil
}
