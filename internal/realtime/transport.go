package realtime

import (
	"context"

	"github.com/deskwire/deskwire/internal/transport"
)

// Transport is the connection a Client drives. *transport.Client satisfies
// it through WrapTransport; tests use in-memory fakes.
type Transport interface {
	SetHandlers(h transport.Handlers)
	Connect() error
	Close() error
	NewSubscription(channel string, cfg transport.SubscriptionConfig) (Subscription, error)
	// RemoveSubscription unsubscribes s if needed and forgets it.
	RemoveSubscription(s Subscription) error
}

// Subscription is one channel binding owned by a Transport.
type Subscription interface {
	Channel() string
	Subscribe() error
}

// TokenIssuer hands out channel tokens. *auth.Provider satisfies it.
type TokenIssuer interface {
	FetchChannelToken(ctx context.Context, channel, clientID string) (string, error)
}

// WrapTransport adapts the WebSocket client to Transport.
func WrapTransport(c *transport.Client) Transport {
	return wsTransport{c}
}

type wsTransport struct {
	*transport.Client
}

func (w wsTransport) NewSubscription(channel string, cfg transport.SubscriptionConfig) (Subscription, error) {
	s, err := w.Client.NewSubscription(channel, cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (w wsTransport) RemoveSubscription(s Subscription) error {
	ws, ok := s.(*transport.Subscription)
	if !ok {
		return nil
	}
	return w.Client.RemoveSubscription(ws)
}
