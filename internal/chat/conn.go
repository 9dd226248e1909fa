// Package chat holds the transport seam and the subscriber registry shared by
// the connection manager and the reply stream bridge.
package chat

import "context"

// Conn abstracts a bidirectional pub/sub connection.
// This interface isolates transport details from the connection manager.
type Conn interface {
	// Read reads a single text frame (JSON bytes).
	// Returns io.EOF when connection is closed.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single text frame (JSON bytes).
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
