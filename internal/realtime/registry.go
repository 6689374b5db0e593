package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/deskwire/deskwire/internal/bus"
	"github.com/deskwire/deskwire/internal/transport"
)

const defaultTokenTimeout = 10 * time.Second

// SubState is the state of one room's subscription.
type SubState int

const (
	SubUnsubscribed SubState = iota
	SubSubscribing
	SubSubscribed
	SubError
)

func (s SubState) String() string {
	switch s {
	case SubSubscribing:
		return "subscribing"
	case SubSubscribed:
		return "subscribed"
	case SubError:
		return "error"
	default:
		return "unsubscribed"
	}
}

// RetryPolicy bounds automatic resubscribes of rooms that failed while the
// connection stayed up. Zero MaxAttempts disables them; failed rooms then
// wait for the next reconciliation pass.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// connState is what the registry reads from the connection.
type connState interface {
	Connected() bool
	ClientID() string
}

type entry struct {
	room    string
	channel string
	sub     Subscription // nil until the transport object exists
	state   SubState
	lastErr error

	attempts int
	backoff  *backoff.ExponentialBackOff
	timer    *time.Timer
}

func (e *entry) stopRetry() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// Registry holds the desired rooms and their subscriptions and converges
// the latter toward the former.
//
// The desired set and the entry map are written only by Join, Leave,
// reconciliation and the subscription callbacks, all under mu. No
// transport call or bus emit happens while mu is held.
type Registry struct {
	t            Transport
	conn         connState
	issuer       TokenIssuer
	bus          *bus.EventBus
	namer        Namer
	tokenTimeout time.Duration
	retry        RetryPolicy
	log          *slog.Logger

	mu       sync.Mutex
	desired  map[string]struct{}
	entries  map[string]*entry
	disposed bool
}

type registryParams struct {
	transport    Transport
	conn         connState
	issuer       TokenIssuer
	bus          *bus.EventBus
	namer        Namer
	tokenTimeout time.Duration
	retry        RetryPolicy
	log          *slog.Logger
}

func newRegistry(p registryParams) *Registry {
	if p.tokenTimeout <= 0 {
		p.tokenTimeout = defaultTokenTimeout
	}
	return &Registry{
		t:            p.transport,
		conn:         p.conn,
		issuer:       p.issuer,
		bus:          p.bus,
		namer:        p.namer,
		tokenTimeout: p.tokenTimeout,
		retry:        p.retry,
		log:          p.log,
		desired:      make(map[string]struct{}),
		entries:      make(map[string]*entry),
	}
}

// Join marks room as desired. While connected it subscribes right away;
// otherwise the next connected transition picks it up. Joining a desired
// room again only makes sure its subscription is active.
func (r *Registry) Join(room string) {
	if room == "" {
		r.log.Warn("realtime: join with empty room ignored")
		return
	}

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.desired[room] = struct{}{}
	r.mu.Unlock()

	// The room is recorded before the connection is checked: a connect
	// landing in between either sees it in its own pass or is visible here.
	if !r.conn.Connected() {
		r.log.Debug("realtime: join deferred until connected", "room", room)
		return
	}
	r.reconcile([]string{room})
}

// Leave forgets room and tears down its subscription. Unknown rooms are a
// no-op.
func (r *Registry) Leave(room string) {
	r.mu.Lock()
	delete(r.desired, room)
	e := r.entries[room]
	delete(r.entries, room)
	var sub Subscription
	if e != nil {
		e.stopRetry()
		sub = e.sub
	}
	r.mu.Unlock()

	if sub != nil {
		r.remove(sub)
	}
	if e != nil {
		r.log.Debug("realtime: left room", "room", room, "channel", e.channel)
	}
}

// Reconcile subscribes every desired room that has no subscription or
// whose subscription is unsubscribed or failed. Rooms already subscribing
// or subscribed are left alone, so running it repeatedly is safe.
func (r *Registry) Reconcile() {
	r.reconcile(nil)
}

func (r *Registry) reconcile(only []string) {
	if !r.conn.Connected() {
		return
	}

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	rooms := only
	if rooms == nil {
		rooms = make([]string, 0, len(r.desired))
		for room := range r.desired {
			rooms = append(rooms, room)
		}
		sort.Strings(rooms)
	}

	var work []*entry
	for _, room := range rooms {
		if _, ok := r.desired[room]; !ok {
			continue
		}
		e := r.entries[room]
		if e == nil {
			// Claiming the room here, under the same lock as the state
			// check, is what keeps concurrent passes from doubling up.
			e = &entry{room: room, channel: r.namer.Channel(room), state: SubSubscribing}
			r.entries[room] = e
			work = append(work, e)
			continue
		}
		switch e.state {
		case SubUnsubscribed, SubError:
			e.stopRetry()
			e.state = SubSubscribing
			work = append(work, e)
		}
	}
	r.mu.Unlock()

	for _, e := range work {
		r.subscribe(e)
	}
}

func (r *Registry) subscribe(e *entry) {
	r.mu.Lock()
	sub := e.sub
	r.mu.Unlock()

	if sub == nil {
		created, err := r.t.NewSubscription(e.channel, r.subscriptionConfig(e))
		if err != nil {
			r.failed(e, err)
			return
		}
		r.mu.Lock()
		if r.entries[e.room] != e {
			// Left while the object was being created.
			r.mu.Unlock()
			r.remove(created)
			return
		}
		e.sub = created
		r.mu.Unlock()
		sub = created
	}

	r.log.Debug("realtime: subscribing", "room", e.room, "channel", e.channel)
	if err := sub.Subscribe(); err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			r.setState(e, SubUnsubscribed)
			return
		}
		r.failed(e, err)
	}
}

func (r *Registry) subscriptionConfig(e *entry) transport.SubscriptionConfig {
	return transport.SubscriptionConfig{
		GetToken: func(ctx context.Context, channel string) (string, error) {
			ctx, cancel := context.WithTimeout(ctx, r.tokenTimeout)
			defer cancel()
			// Channel tokens are bound to one connection identity; read
			// it now, not when the subscription was created.
			return r.issuer.FetchChannelToken(ctx, channel, r.conn.ClientID())
		},
		OnSubscribed:   func() { r.subscribed(e) },
		OnUnsubscribed: func(reason string) { r.unsubscribed(e, reason) },
		OnError:        func(err error) { r.failed(e, err) },
		OnPublication:  func(data []byte) { r.publication(e, data) },
	}
}

func (r *Registry) subscribed(e *entry) {
	r.mu.Lock()
	if r.entries[e.room] != e {
		sub := e.sub
		r.mu.Unlock()
		// Subscribe finished after Leave; do not leave it dangling.
		if sub != nil {
			r.remove(sub)
		}
		return
	}
	if e.state != SubSubscribing || !r.conn.Connected() {
		// A confirmation for an attempt that a disconnect already ended.
		// Marking it subscribed would hide it from the next pass.
		state := e.state
		r.mu.Unlock()
		r.log.Debug("realtime: ignoring stale subscribe confirmation",
			"room", e.room, "channel", e.channel, "state", state.String())
		return
	}
	e.state = SubSubscribed
	e.lastErr = nil
	e.attempts = 0
	if e.backoff != nil {
		e.backoff.Reset()
	}
	r.mu.Unlock()

	r.log.Info("realtime: subscribed", "room", e.room, "channel", e.channel)
}

func (r *Registry) unsubscribed(e *entry, reason string) {
	r.mu.Lock()
	if r.entries[e.room] != e {
		r.mu.Unlock()
		return
	}
	e.state = SubUnsubscribed
	r.mu.Unlock()

	r.log.Info("realtime: unsubscribed", "room", e.room, "channel", e.channel, "reason", reason)
}

func (r *Registry) failed(e *entry, err error) {
	r.mu.Lock()
	if r.entries[e.room] != e {
		r.mu.Unlock()
		return
	}
	e.state = SubError
	e.lastErr = err
	delay, retry := r.scheduleRetryLocked(e)
	attempt := e.attempts
	r.mu.Unlock()

	if retry {
		r.log.Warn("realtime: subscribe failed, retrying",
			"room", e.room, "channel", e.channel, "attempt", attempt, "in", delay, "err", err)
		return
	}
	r.log.Warn("realtime: subscribe failed", "room", e.room, "channel", e.channel, "err", err)
}

// scheduleRetryLocked arms a one-shot resubscribe for a failed room when
// the retry budget of this connect cycle allows it.
func (r *Registry) scheduleRetryLocked(e *entry) (time.Duration, bool) {
	if r.retry.MaxAttempts <= 0 || e.attempts >= r.retry.MaxAttempts || r.disposed {
		return 0, false
	}
	if e.backoff == nil {
		b := backoff.NewExponentialBackOff()
		if r.retry.InitialDelay > 0 {
			b.InitialInterval = r.retry.InitialDelay
		}
		if r.retry.MaxDelay > 0 {
			b.MaxInterval = r.retry.MaxDelay
		}
		b.Reset()
		e.backoff = b
	}
	delay := e.backoff.NextBackOff()
	if delay == backoff.Stop {
		return 0, false
	}
	e.attempts++
	e.stopRetry()
	e.timer = time.AfterFunc(delay, func() { r.retryRoom(e) })
	return delay, true
}

func (r *Registry) retryRoom(e *entry) {
	r.mu.Lock()
	current := r.entries[e.room] == e && e.state == SubError
	r.mu.Unlock()
	if current {
		r.reconcile([]string{e.room})
	}
}

func (r *Registry) publication(e *entry, data []byte) {
	r.mu.Lock()
	current := r.entries[e.room] == e
	r.mu.Unlock()
	if !current {
		return
	}

	env := bus.Decode(data)
	if env.Kind != bus.KindEnveloped {
		r.log.Debug("realtime: dropping unroutable publication", "room", e.room, "bytes", len(data))
		return
	}
	if isLifecycleEvent(env.Event) {
		r.log.Debug("realtime: dropping publication with reserved event name", "room", e.room, "event", env.Event)
		return
	}
	r.bus.Emit(env.Event, env.Payload)
}

// connectionLost marks every live subscription unsubscribed so the next
// connected pass resubscribes it, and restarts the retry budget.
func (r *Registry) connectionLost() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.stopRetry()
		e.attempts = 0
		if e.backoff != nil {
			e.backoff.Reset()
		}
		if e.state == SubSubscribing || e.state == SubSubscribed {
			e.state = SubUnsubscribed
		}
	}
}

// Dispose tears down every subscription and empties the registry. Later
// joins are ignored.
func (r *Registry) Dispose() {
	r.mu.Lock()
	r.disposed = true
	subs := make([]Subscription, 0, len(r.entries))
	for _, e := range r.entries {
		e.stopRetry()
		if e.sub != nil {
			subs = append(subs, e.sub)
		}
	}
	r.entries = make(map[string]*entry)
	r.desired = make(map[string]struct{})
	r.mu.Unlock()

	for _, s := range subs {
		r.remove(s)
	}
}

func (r *Registry) remove(s Subscription) {
	if err := r.t.RemoveSubscription(s); err != nil {
		r.log.Warn("realtime: unsubscribe failed", "channel", s.Channel(), "err", err)
	}
}

func (r *Registry) setState(e *entry, s SubState) {
	r.mu.Lock()
	if r.entries[e.room] == e {
		e.state = s
	}
	r.mu.Unlock()
}

// RoomStatus describes one known room.
type RoomStatus struct {
	Room    string
	Channel string
	State   SubState
	Desired bool
	Error   string
}

// Rooms lists every desired room and every room with a subscription,
// sorted by name.
func (r *Registry) Rooms() []RoomStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(r.desired)+len(r.entries))
	var out []RoomStatus
	for room, e := range r.entries {
		_, desired := r.desired[room]
		st := RoomStatus{Room: room, Channel: e.channel, State: e.state, Desired: desired}
		if e.lastErr != nil {
			st.Error = e.lastErr.Error()
		}
		out = append(out, st)
		seen[room] = true
	}
	for room := range r.desired {
		if seen[room] {
			continue
		}
		out = append(out, RoomStatus{Room: room, Channel: r.namer.Channel(room), State: SubUnsubscribed, Desired: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

// Desired reports whether room is in the desired set.
func (r *Registry) Desired(room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.desired[room]
	return ok
}
