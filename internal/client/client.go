// Package client manages the long-lived pub/sub connection: negotiation,
// start, lifecycle events, the inbound read loop and event publishing.
package client

import (
	"context"

	"github.com/omochice/chat-bridge/internal/chat"
)

// Negotiator fetches a short-lived client access URL for the pub/sub service.
type Negotiator interface {
	Negotiate(ctx context.Context) (string, error)
}

// NegotiatorFunc adapts a function to Negotiator.
type NegotiatorFunc func(ctx context.Context) (string, error)

func (f NegotiatorFunc) Negotiate(ctx context.Context) (string, error) { return f(ctx) }

// Dialer opens the transport connection to a client access URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (chat.Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (chat.Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (chat.Conn, error) { return f(ctx, url) }

// ConnectedEvent describes the session the service assigned on connect.
type ConnectedEvent struct {
	ConnectionID string
	UserID       string
}
