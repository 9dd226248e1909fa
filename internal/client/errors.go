package client

import (
	"github.com/pkg/errors"
)

var (
	// ErrNotConnected is returned when publishing on a connection that is not
	// in the connected state.
	ErrNotConnected = errors.New("not connected to server")

	// ErrDisconnected is delivered to subscribers when the connection goes away.
	ErrDisconnected = errors.New("connection disconnected")

	// ErrAlreadyStarted is returned by Start on a connection that has already
	// been started once.
	ErrAlreadyStarted = errors.New("connection already started")
)

// Connection operations reported by ConnectionError.
const (
	OpNegotiate = "negotiate"
	OpDial      = "dial"
	OpStart     = "start"
)

// ConnectionError reports a failure to negotiate or start the connection.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return "connection " + e.Op + " failed: " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
