// Package stream turns server messages from the pub/sub connection into a
// single-consumer, pull-based reply stream that can also serve as an HTTP
// response body.
package stream

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/omochice/chat-bridge/internal/chat"
	"github.com/omochice/chat-bridge/internal/metrics"
	"github.com/omochice/chat-bridge/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrCancelled is returned by Next once the consumer closed the stream or its
// context ended.
var ErrCancelled = errors.New("reply stream cancelled")

// Subscribable delivers inbound server messages to registered subscribers.
type Subscribable interface {
	Subscribe(sub *chat.Subscriber)
	Unsubscribe(sub *chat.Subscriber) bool
}

// DecodeError describes a server message that could not be decoded. It is
// logged and the message dropped; the stream stays open.
type DecodeError struct {
	Data []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return "undecodable server message: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ReplyStream buffers the fragments of one streamed reply. It is
// single-use: once closed it never accepts another fragment.
type ReplyStream struct {
	source        Subscribable
	sub           *chat.Subscriber
	correlationID string
	logger        zerolog.Logger
	metrics       *metrics.Metrics

	mu       sync.Mutex
	queue    [][]byte
	closed   bool
	closeErr error
	notify   chan struct{}

	releaseOnce sync.Once
	stopCtx     func() bool
	subscribed  bool
	released    bool

	pending []byte
}

// Option configures a ReplyStream.
type Option func(*ReplyStream)

// WithCorrelationID restricts the stream to server messages tagged with id.
// Without it every server message is accepted.
func WithCorrelationID(id string) Option {
	return func(s *ReplyStream) {
		s.correlationID = id
	}
}

// WithLogger sets the stream logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *ReplyStream) {
		s.logger = logger.With().Str("component", "stream").Logger()
	}
}

// WithMetrics records open streams and fragment counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *ReplyStream) {
		s.metrics = m
	}
}

// Open registers a new reply stream on source. The handler is registered
// before Open returns, so a request dispatched afterwards cannot lose its
// first fragment. When ctx ends the stream is cancelled.
func Open(ctx context.Context, source Subscribable, opts ...Option) *ReplyStream {
	s := &ReplyStream{
		source: source,
		logger: zerolog.Nop(),
		notify: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.correlationID != "" {
		s.logger = s.logger.With().Str("correlation_id", s.correlationID).Logger()
	}

	s.sub = &chat.Subscriber{Handle: s.handle, Close: s.interrupt}
	s.stopCtx = func() bool { return false }
	s.metrics.StreamOpened()

	// The cancel hook must exist before the first fragment can arrive, so
	// that finishing the reply also detaches it.
	stop := context.AfterFunc(ctx, s.cancel)
	s.mu.Lock()
	s.stopCtx = stop
	s.mu.Unlock()

	source.Subscribe(s.sub)

	s.mu.Lock()
	s.subscribed = true
	released := s.released
	s.mu.Unlock()
	if released {
		// Closed while subscribing; release skipped the unsubscribe.
		source.Unsubscribe(s.sub)
	}

	s.logger.Debug().Msg("reply stream opened")
	return s
}

// Next returns the next fragment. After a clean close and once the buffer is
// drained it returns io.EOF. A dropped connection yields an error wrapping the
// disconnect cause after the buffer is drained. ErrCancelled is returned once
// the stream was cancelled. If ctx ends first Next returns ctx.Err() and the
// stream stays open.
func (s *ReplyStream) Next(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			frag := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return frag, nil
		}
		if s.closed {
			err := s.closeErr
			s.mu.Unlock()
			if err == nil {
				return nil, io.EOF
			}
			return nil, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Read implements io.Reader, yielding fragments as newline-delimited JSON.
func (s *ReplyStream) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		frag, err := s.Next(context.Background())
		if err != nil {
			return 0, err
		}
		s.pending = append(frag, '\n')
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Close cancels the stream, discarding buffered fragments. It is idempotent
// and always returns nil.
func (s *ReplyStream) Close() error {
	s.cancel()
	return nil
}

// Closed reports whether the stream stopped accepting fragments.
func (s *ReplyStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Response wraps the stream as the body of a 200 response.
func (s *ReplyStream) Response() *http.Response {
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"application/x-ndjson"}},
		Body:          s,
		ContentLength: -1,
	}
}

// handle runs on the connection's read loop for every server message.
func (s *ReplyStream) handle(data []byte) {
	if s.Closed() {
		return
	}

	var msg protocol.ServerData
	if err := msg.Decode(data); err != nil {
		decodeErr := &DecodeError{Data: data, Err: err}
		s.metrics.FragmentDropped()
		s.logger.Warn().Err(decodeErr).Int("bytes", len(data)).Msg("dropping server message")
		return
	}
	if s.correlationID != "" && msg.CorrelationID != s.correlationID {
		return
	}

	frag := msg.Fragment()
	finished := msg.Finished()
	if finished {
		// Unsubscribe before the consumer can observe the close.
		s.release()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, frag)
	if finished {
		s.closed = true
	}
	s.mu.Unlock()

	s.metrics.FragmentEnqueued()
	s.signal()
	if finished {
		s.logger.Debug().Msg("reply complete")
	}
}

// interrupt is called when the connection goes away.
func (s *ReplyStream) interrupt(cause error) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.closeErr = errors.Wrap(cause, "reply stream interrupted")
	}
	s.mu.Unlock()

	s.signal()
	s.release()
}

func (s *ReplyStream) cancel() {
	s.mu.Lock()
	s.closed = true
	s.closeErr = ErrCancelled
	s.queue = nil
	s.mu.Unlock()

	s.signal()
	s.release()
}

func (s *ReplyStream) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// release unsubscribes exactly once.
func (s *ReplyStream) release() {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		s.released = true
		subscribed, stop := s.subscribed, s.stopCtx
		s.mu.Unlock()
		if subscribed {
			s.source.Unsubscribe(s.sub)
		}
		stop()
		s.metrics.StreamClosed()
		s.logger.Debug().Msg("reply stream closed")
	})
}
