package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/deskwire/deskwire/internal/bus"
	"github.com/deskwire/deskwire/internal/transport"
)

// Lifecycle events emitted on the client's EventBus. These names are
// reserved: publications carrying them are dropped, so lifecycle listeners
// only ever see the payload types below.
const (
	EventConnected    = "connected"    // payload Connected
	EventDisconnected = "disconnected" // payload Disconnected
	EventError        = "error"        // payload error
)

func isLifecycleEvent(name string) bool {
	switch name {
	case EventConnected, EventDisconnected, EventError:
		return true
	}
	return false
}

// Connected is the payload of EventConnected.
type Connected struct {
	ClientID  string
	Transport string
}

// Disconnected is the payload of EventDisconnected.
type Disconnected struct {
	Code   uint32
	Reason string
}

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// reconciler is the part of Registry the manager drives.
type reconciler interface {
	Reconcile()
	connectionLost()
}

// Connection is the handle returned by Connect. Every Connect call on the
// same manager returns the same handle.
type Connection struct {
	m *Manager
}

func (c *Connection) State() State     { return c.m.State() }
func (c *Connection) ClientID() string { return c.m.ClientID() }

// Transport returns the kind of transport reported on the last connect.
func (c *Connection) Transport() string {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return c.m.transportKind
}

// Manager owns the transport connection and its identity.
type Manager struct {
	t   Transport
	bus *bus.EventBus
	log *slog.Logger
	reg reconciler

	mu            sync.Mutex
	state         State
	clientID      string
	transportKind string
	handle        *Connection
	ready         chan struct{} // closed while connected
}

func newManager(t Transport, b *bus.EventBus, log *slog.Logger) *Manager {
	m := &Manager{
		t:     t,
		bus:   b,
		log:   log,
		ready: make(chan struct{}),
	}
	t.SetHandlers(transport.Handlers{
		OnConnecting:   m.onConnecting,
		OnConnected:    m.onConnected,
		OnDisconnected: m.onDisconnected,
		OnError:        m.onError,
	})
	return m
}

// Connect starts the transport. While a connect is in flight or the
// connection is up it returns the existing handle without dialing again.
func (m *Manager) Connect(ctx context.Context) (*Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.handle != nil {
		h := m.handle
		m.mu.Unlock()
		return h, nil
	}
	h := &Connection{m: m}
	m.handle = h
	if m.state == StateDisconnected {
		m.state = StateConnecting
	}
	m.mu.Unlock()

	if err := m.t.Connect(); err != nil {
		m.mu.Lock()
		m.handle = nil
		m.state = StateDisconnected
		m.mu.Unlock()
		return nil, err
	}
	return h, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the connection is up.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// ClientID returns the most recently observed client id, or "" if the
// connection never came up. Read it whenever it is needed: it changes on
// every reconnect.
func (m *Manager) ClientID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clientID
}

// WaitConnected blocks until the connection is up or ctx is done.
func (m *Manager) WaitConnected(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.state == StateConnected {
			m.mu.Unlock()
			return nil
		}
		ready := m.ready
		m.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) close() error {
	m.mu.Lock()
	m.handle = nil
	m.mu.Unlock()
	err := m.t.Close()

	m.mu.Lock()
	if m.state == StateConnecting {
		m.state = StateDisconnected
	}
	m.mu.Unlock()
	return err
}

func (m *Manager) onConnecting() {
	m.mu.Lock()
	if m.state != StateConnected {
		m.state = StateConnecting
	}
	m.mu.Unlock()
}

func (m *Manager) onConnected(e transport.ConnectedEvent) {
	m.mu.Lock()
	if m.state != StateConnected {
		close(m.ready)
	}
	m.state = StateConnected
	m.clientID = e.ClientID
	m.transportKind = e.Transport
	m.mu.Unlock()

	m.log.Info("realtime: connected", "client", e.ClientID, "transport", e.Transport)

	// Resubscribe before handing control back to the transport so that
	// every desired room is in flight before more frames are read.
	if m.reg != nil {
		m.reg.Reconcile()
	}
	m.bus.Emit(EventConnected, Connected{ClientID: e.ClientID, Transport: e.Transport})
}

func (m *Manager) onDisconnected(e transport.DisconnectedEvent) {
	m.mu.Lock()
	wasConnected := m.state == StateConnected
	m.state = StateDisconnected
	if wasConnected {
		m.ready = make(chan struct{})
	}
	m.mu.Unlock()

	m.log.Info("realtime: disconnected", "code", e.Code, "reason", e.Reason)
	if m.reg != nil {
		m.reg.connectionLost()
	}
	m.bus.Emit(EventDisconnected, Disconnected{Code: e.Code, Reason: e.Reason})
}

func (m *Manager) onError(err error) {
	m.log.Warn("realtime: connection error", "err", err)
	m.bus.Emit(EventError, err)
}
