package transport

import (
	"context"
	"errors"
	"fmt"
)

// codeAlreadySubscribed is the server error for a duplicate subscribe on
// the same connection. The channel is subscribed either way.
const codeAlreadySubscribed = 105

// SubState is the transport-side state of a Subscription.
type SubState int

const (
	SubUnsubscribed SubState = iota
	SubSubscribing
	SubSubscribed
)

func (s SubState) String() string {
	switch s {
	case SubSubscribing:
		return "subscribing"
	case SubSubscribed:
		return "subscribed"
	default:
		return "unsubscribed"
	}
}

// ChannelTokenFunc fetches a channel token. It runs on every Subscribe.
type ChannelTokenFunc func(ctx context.Context, channel string) (string, error)

// SubscriptionConfig holds the token source and event handlers of a
// Subscription. Handlers are called without any transport lock held.
//
// OnUnsubscribed fires for server-side unsubscribes and when the
// connection drops; a local Unsubscribe call does not fire it.
type SubscriptionConfig struct {
	GetToken       ChannelTokenFunc
	OnSubscribed   func()
	OnUnsubscribed func(reason string)
	OnError        func(err error)
	OnPublication  func(data []byte)
}

// Subscription binds one channel to the connection.
type Subscription struct {
	c       *Client
	channel string
	cfg     SubscriptionConfig

	// guarded by c.mu
	state   SubState
	removed bool
}

// NewSubscription registers a subscription object for channel. It does not
// subscribe; call Subscribe for that.
func (c *Client) NewSubscription(channel string, cfg SubscriptionConfig) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if _, ok := c.subs[channel]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSubscription, channel)
	}
	s := &Subscription{c: c, channel: channel, cfg: cfg}
	c.subs[channel] = s
	return s, nil
}

// RemoveSubscription unsubscribes s if needed and forgets it.
func (c *Client) RemoveSubscription(s *Subscription) error {
	err := s.Unsubscribe()
	c.mu.Lock()
	if c.subs[s.channel] == s {
		delete(c.subs, s.channel)
	}
	s.removed = true
	c.mu.Unlock()
	return err
}

// Channel returns the channel name.
func (s *Subscription) Channel() string { return s.channel }

// State returns the transport-side state.
func (s *Subscription) State() SubState {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.state
}

// Subscribe starts a subscribe attempt on the current connection. The
// channel token is fetched and the subscribe command sent on a separate
// goroutine; the outcome arrives through OnSubscribed or OnError.
// Subscribing or subscribed subscriptions are left alone.
func (s *Subscription) Subscribe() error {
	c := s.c
	c.mu.Lock()
	if s.removed {
		c.mu.Unlock()
		return fmt.Errorf("transport: subscription %s was removed", s.channel)
	}
	if s.state != SubUnsubscribed {
		c.mu.Unlock()
		return nil
	}
	if c.state != stateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	s.state = SubSubscribing
	gen, ctx := c.gen, c.connCtx
	c.mu.Unlock()

	go s.subscribe(ctx, gen)
	return nil
}

func (s *Subscription) subscribe(ctx context.Context, gen uint64) {
	token := ""
	if s.cfg.GetToken != nil {
		var err error
		token, err = s.cfg.GetToken(ctx, s.channel)
		if err != nil {
			s.fail(gen, fmt.Errorf("transport: channel token for %s: %w", s.channel, err))
			return
		}
	}

	_, err := s.c.call(ctx, gen, command{Subscribe: &subscribeRequest{Channel: s.channel, Token: token}})
	var pe *ProtocolError
	if errors.As(err, &pe) && pe.Code == codeAlreadySubscribed {
		err = nil
	}
	if err != nil {
		s.fail(gen, fmt.Errorf("transport: subscribe %s: %w", s.channel, err))
		return
	}

	c := s.c
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	c.mu.Lock()
	if c.gen != gen || c.state != stateConnected {
		// The connection this attempt belonged to is gone or going;
		// teardown reports the subscription as unsubscribed.
		c.mu.Unlock()
		return
	}
	if s.state != SubSubscribing {
		// Unsubscribe was called while the attempt was in flight. The
		// server now holds a subscription nobody wants, unless a newer
		// subscription object has taken over the channel.
		owner := c.subs[s.channel]
		c.mu.Unlock()
		if owner != nil && owner != s {
			return
		}
		if err := c.send(gen, command{Unsubscribe: &unsubscribeRequest{Channel: s.channel}}); err != nil {
			c.log.Debug("transport: late unsubscribe failed", "channel", s.channel, "err", err)
		}
		return
	}
	s.state = SubSubscribed
	c.mu.Unlock()

	if s.cfg.OnSubscribed != nil {
		c.dispatch(s.cfg.OnSubscribed)
	}
}

func (s *Subscription) fail(gen uint64, err error) {
	c := s.c
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	c.mu.Lock()
	if c.gen != gen || s.state != SubSubscribing {
		c.mu.Unlock()
		return
	}
	s.state = SubUnsubscribed
	c.mu.Unlock()

	c.log.Warn("transport: subscribe failed", "channel", s.channel, "err", err)
	if s.cfg.OnError != nil {
		c.dispatch(func() { s.cfg.OnError(err) })
	}
}

// Unsubscribe leaves the channel. It is safe on an unsubscribed or
// disconnected subscription.
func (s *Subscription) Unsubscribe() error {
	c := s.c
	c.mu.Lock()
	prev := s.state
	s.state = SubUnsubscribed
	gen := c.gen
	connected := c.state == stateConnected
	c.mu.Unlock()

	if prev != SubSubscribed || !connected {
		// A subscribing attempt notices the state change when it completes.
		return nil
	}
	return c.send(gen, command{Unsubscribe: &unsubscribeRequest{Channel: s.channel}})
}

func (s *Subscription) deliver(gen uint64, data []byte) {
	c := s.c
	c.mu.Lock()
	ok := c.gen == gen && s.state == SubSubscribed
	c.mu.Unlock()
	if ok && s.cfg.OnPublication != nil {
		c.dispatch(func() { s.cfg.OnPublication(data) })
	}
}

func (s *Subscription) serverUnsubscribed(gen uint64, reason string) {
	c := s.c
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	c.mu.Lock()
	if c.gen != gen || s.state == SubUnsubscribed {
		c.mu.Unlock()
		return
	}
	s.state = SubUnsubscribed
	c.mu.Unlock()

	if s.cfg.OnUnsubscribed != nil {
		c.dispatch(func() { s.cfg.OnUnsubscribed(reason) })
	}
}
