// Package ws provides the client-side WebSocket transport for the pub/sub
// connection, built on gobwas/ws.
package ws

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/omochice/chat-bridge/internal/chat"
	"github.com/omochice/chat-bridge/pkg/protocol"
	"github.com/pkg/errors"
)

// DefaultMaxMessageSize is the inbound message limit used when none is set.
const DefaultMaxMessageSize = 4 << 20

// ErrMessageTooLarge is returned by Read when a message exceeds the limit.
var ErrMessageTooLarge = errors.New("message too large")

// Dialer opens pub/sub connections. The zero value is ready to use.
type Dialer struct {
	// Timeout bounds the TCP connect and handshake. Zero means no limit
	// beyond the context passed to Dial.
	Timeout time.Duration
	// MaxMessageSize caps a single inbound message, summed over its
	// fragments. Zero means DefaultMaxMessageSize.
	MaxMessageSize int64
}

// Dial connects to url and negotiates the pub/sub subprotocol. Dialer
// satisfies client.Dialer.
func (d Dialer) Dial(ctx context.Context, url string) (chat.Conn, error) {
	dialer := ws.Dialer{
		Protocols: []string{protocol.Subprotocol},
		Timeout:   d.Timeout,
	}
	conn, br, hs, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to server")
	}
	if hs.Protocol != protocol.Subprotocol {
		_ = conn.Close()
		return nil, errors.Errorf("server did not accept subprotocol %q", protocol.Subprotocol)
	}
	c := NewConnWithReader(conn, br)
	if d.MaxMessageSize > 0 {
		c.SetMaxMessageSize(d.MaxMessageSize)
	}
	return c, nil
}

var _ chat.Conn = (*Conn)(nil)

// Conn adapts a client-side gobwas websocket to chat.Conn.
type Conn struct {
	conn    net.Conn
	reader  *wsutil.Reader
	control wsutil.FrameHandlerFunc
	maxSize int64
	writeMu sync.Mutex
}

// NewConn wraps an upgraded client connection.
func NewConn(conn net.Conn) *Conn {
	return NewConnWithReader(conn, nil)
}

// NewConnWithReader wraps conn, reading first from br when the handshake
// left buffered frames behind.
func NewConnWithReader(conn net.Conn, br *bufio.Reader) *Conn {
	var src io.Reader = conn
	if br != nil {
		src = br
	}
	c := &Conn{conn: conn}
	c.control = wsutil.ControlFrameHandler(lockedWriter{c}, ws.StateClientSide)
	c.reader = &wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		OnIntermediate: c.control,
	}
	c.SetMaxMessageSize(DefaultMaxMessageSize)
	return c
}

// SetMaxMessageSize changes the inbound message limit. It must not be called
// concurrently with Read.
func (c *Conn) SetMaxMessageSize(n int64) {
	c.maxSize = n
	c.reader.MaxFrameSize = n
}

// Read implements chat.Conn.
// It returns the next data message, answering pings and reassembling
// fragmented messages on the way. Frames announcing more than the message
// limit are rejected before their payload is read.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_ = c.conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		hdr, err := c.reader.NextFrame()
		if err != nil {
			return nil, c.readErr(ctx, err)
		}

		if hdr.OpCode.IsControl() {
			if err := c.control(hdr, c.reader); err != nil {
				return nil, c.readErr(ctx, err)
			}
			continue
		}
		if hdr.OpCode != ws.OpText && hdr.OpCode != ws.OpBinary {
			if err := c.reader.Discard(); err != nil {
				return nil, c.readErr(ctx, err)
			}
			continue
		}

		data, err := io.ReadAll(io.LimitReader(c.reader, c.maxSize+1))
		if err != nil {
			return nil, c.readErr(ctx, err)
		}
		if int64(len(data)) > c.maxSize {
			return nil, errors.Wrapf(ErrMessageTooLarge, "message exceeds %d bytes", c.maxSize)
		}
		return data, nil
	}
}

// Write implements chat.Conn.
// Writes a text message to the WebSocket connection.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := wsutil.WriteClientText(c.conn, data); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	return nil
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *Conn) readErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		return io.EOF
	}
	return err
}

// lockedWriter serializes control replies with data frames.
type lockedWriter struct {
	c *Conn
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}
