package client

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/omochice/chat-bridge/internal/chat"
	"github.com/omochice/chat-bridge/internal/metrics"
	"github.com/omochice/chat-bridge/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Connection is the single pub/sub session of a process. Create it once with
// Initialize (or New and Start) and pass it to the dispatcher and the reply
// stream bridge.
type Connection struct {
	negotiator Negotiator
	dialer     Dialer
	hub        *chat.Hub
	logger     zerolog.Logger
	metrics    *metrics.Metrics

	mu             sync.RWMutex
	state          State
	conn           chat.Conn
	connectionID   string
	onConnected    []func(ConnectedEvent)
	onDisconnected []func(error)

	ackID      atomic.Uint64
	connected  chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	cancelRead context.CancelFunc
	wg         sync.WaitGroup
}

// New creates an unstarted Connection.
func New(negotiator Negotiator, dialer Dialer, opts ...Option) *Connection {
	c := &Connection{
		negotiator: negotiator,
		dialer:     dialer,
		hub:        chat.NewHub(),
		logger:     zerolog.Nop(),
		connected:  make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.onConnected = append([]func(ConnectedEvent){c.logConnected}, c.onConnected...)
	c.onDisconnected = append([]func(error){c.logDisconnected}, c.onDisconnected...)
	return c
}

// Initialize negotiates, dials and starts a Connection. Failures are returned
// as *ConnectionError and are not retried.
func Initialize(ctx context.Context, negotiator Negotiator, dialer Dialer, opts ...Option) (*Connection, error) {
	c := New(negotiator, dialer, opts...)
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Start negotiates an access URL, opens the transport and waits until the
// service confirms the session. A Connection can only be started once.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateUninitialized {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.state = StateNegotiating
	c.mu.Unlock()
	c.metrics.ConnectionState(int(StateNegotiating))

	url, err := c.negotiator.Negotiate(ctx)
	if err != nil {
		c.disconnect(err)
		return &ConnectionError{Op: OpNegotiate, Err: err}
	}

	conn, err := c.dialer.Dial(ctx, url)
	if err != nil {
		c.disconnect(err)
		return &ConnectionError{Op: OpDial, Err: err}
	}
	c.logger.Debug().Str("remote_addr", conn.RemoteAddr()).Msg("transport open")

	readCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.cancelRead = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(readCtx, conn)

	select {
	case <-c.connected:
		return nil
	case <-c.done:
		c.wg.Wait()
		return &ConnectionError{Op: OpStart, Err: ErrDisconnected}
	case <-ctx.Done():
		c.Close()
		return &ConnectionError{Op: OpStart, Err: ctx.Err()}
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected returns whether the connection is in the connected state.
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// ConnectionID returns the id assigned by the service, if connected once.
func (c *Connection) ConnectionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectionID
}

// Done is closed once the connection is disconnected.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Subscribe registers sub for inbound server messages. On a disconnected
// connection sub is closed with ErrDisconnected instead.
func (c *Connection) Subscribe(sub *chat.Subscriber) {
	c.mu.RLock()
	if c.state == StateDisconnected {
		c.mu.RUnlock()
		if sub.Close != nil {
			sub.Close(ErrDisconnected)
		}
		return
	}
	// Registering under the read lock orders it before disconnect's CloseAll.
	c.hub.Register(sub)
	c.mu.RUnlock()
}

// Unsubscribe removes sub. It reports whether sub was registered.
func (c *Connection) Unsubscribe(sub *chat.Subscriber) bool {
	return c.hub.Unregister(sub)
}

// SubscriberCount returns the number of registered subscribers.
func (c *Connection) SubscriberCount() int {
	return c.hub.SubscriberCount()
}

// SendEvent publishes payload as a JSON event named event. Success means the
// frame was written to the transport.
func (c *Connection) SendEvent(ctx context.Context, event string, payload []byte) error {
	c.mu.RLock()
	state, conn := c.state, c.conn
	c.mu.RUnlock()

	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}

	frame := protocol.NewEventFrame(event, payload, c.ackID.Add(1))
	data, err := frame.Encode()
	if err != nil {
		return err
	}

	if err := conn.Write(ctx, data); err != nil {
		return errors.Wrap(err, "failed to send event")
	}

	c.logger.Debug().
		Str("event", event).
		Uint64("ack_id", frame.AckID).
		Int("bytes", len(payload)).
		Msg("event sent")
	return nil
}

// Close tears the session down and force-closes every subscriber. It is safe
// to call more than once but must not be called from a subscriber handler.
func (c *Connection) Close() {
	c.disconnect(errors.New("connection closed by client"))
	c.wg.Wait()
}

func (c *Connection) readLoop(ctx context.Context, conn chat.Conn) {
	defer c.wg.Done()

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.Wrap(err, "server closed the connection")
			}
			c.disconnect(err)
			return
		}
		c.handleFrame(data)
	}
}

func (c *Connection) handleFrame(data []byte) {
	var frame protocol.Frame
	if err := frame.Decode(data); err != nil {
		c.metrics.InboundFrame("invalid")
		c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping undecodable frame")
		return
	}
	c.metrics.InboundFrame(frame.Type.String())

	switch frame.Type {
	case protocol.FrameTypeSystem:
		c.handleSystem(&frame)
	case protocol.FrameTypeAck:
		if frame.Failed() {
			ev := c.logger.Warn().Uint64("ack_id", frame.AckID)
			if frame.Error != nil {
				ev = ev.Str("error_name", frame.Error.Name).Str("error", frame.Error.Message)
			}
			ev.Msg("event rejected by service")
		}
	case protocol.FrameTypeMessage:
		if frame.From != protocol.SourceServer {
			c.logger.Debug().Str("from", frame.From).Msg("ignoring non-server message")
			return
		}
		c.hub.Broadcast(frame.Data)
	default:
		c.logger.Debug().Str("type", string(frame.Type)).Msg("ignoring frame")
	}
}

func (c *Connection) handleSystem(frame *protocol.Frame) {
	switch frame.Event {
	case protocol.SystemEventConnected:
		c.mu.Lock()
		if c.state != StateNegotiating {
			c.mu.Unlock()
			return
		}
		c.state = StateConnected
		c.connectionID = frame.ConnectionID
		handlers := c.onConnected
		c.mu.Unlock()

		c.metrics.ConnectionState(int(StateConnected))
		close(c.connected)

		ev := ConnectedEvent{ConnectionID: frame.ConnectionID, UserID: frame.UserID}
		for _, fn := range handlers {
			fn(ev)
		}
	case protocol.SystemEventDisconnected:
		c.logger.Info().Str("reason", frame.Message).Msg("service is closing the connection")
	}
}

// disconnect moves the connection to Disconnected exactly once, closes the
// transport and closes all subscribers. Disconnect handlers only fire for a
// session that reached Connected.
func (c *Connection) disconnect(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		wasConnected := c.state == StateConnected
		c.state = StateDisconnected
		conn, cancel := c.conn, c.cancelRead
		var handlers []func(error)
		if wasConnected {
			handlers = c.onDisconnected
		}
		c.mu.Unlock()

		c.metrics.ConnectionState(int(StateDisconnected))
		close(c.done)

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			_ = conn.Close()
		}

		for _, fn := range handlers {
			fn(cause)
		}
		c.hub.CloseAll(ErrDisconnected)
	})
}

func (c *Connection) logConnected(ev ConnectedEvent) {
	c.logger.Info().
		Str("connection_id", ev.ConnectionID).
		Str("user_id", ev.UserID).
		Msg("connected")
}

func (c *Connection) logDisconnected(err error) {
	ev := c.logger.Info()
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("disconnected")
}
