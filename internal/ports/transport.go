package ports

import (
	"context"

	"fleet-track/internal/general/contracts"
)

// Frame is one named message read off a real-time transport.
type Frame struct {
	Event   string
	Payload []byte
}

// Conn is an established real-time connection.
type Conn interface {
	// Join announces the session scope. It is called after every (re)connect.
	Join(ctx context.Context, tenantID string) error
	// Next blocks until a frame arrives, the connection fails, or ctx is done.
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// Dialer opens a Conn authenticated with the session credential.
type Dialer interface {
	Dial(ctx context.Context, credential string) (Conn, error)
}

// EventHandler consumes validated real-time events.
type EventHandler func(ctx context.Context, event contracts.Event)

// EventBus is the subscribe surface of the channel manager.
type EventBus interface {
	Subscribe(consumerID, event string, handler EventHandler) string
	Unsubscribe(token string)
}
