package client

import (
	"github.com/omochice/chat-bridge/internal/metrics"
	"github.com/rs/zerolog"
)

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the logger used for lifecycle and frame logging.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Connection) {
		c.logger = logger.With().Str("component", "pubsub").Logger()
	}
}

// WithMetrics records connection state and inbound frames.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Connection) {
		c.metrics = m
	}
}

// OnConnected registers a handler fired when the service confirms the session.
func OnConnected(fn func(ConnectedEvent)) Option {
	return func(c *Connection) {
		c.onConnected = append(c.onConnected, fn)
	}
}

// OnDisconnected registers a handler fired once when the connection goes away.
func OnDisconnected(fn func(error)) Option {
	return func(c *Connection) {
		c.onDisconnected = append(c.onDisconnected, fn)
	}
}
