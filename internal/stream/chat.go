package stream

import (
	"context"
	"net/http"
	"slices"

	"github.com/google/uuid"
	"github.com/omochice/chat-bridge/pkg/protocol"
)

// Sender publishes a chat request.
type Sender interface {
	Chat(ctx context.Context, req protocol.ChatRequest, idToken string) error
}

// Chat opens a reply stream on source, dispatches req through sender and
// returns a response whose body is the stream. If dispatch fails the stream
// is closed and the error returned. The stream is cancelled when ctx ends.
func Chat(ctx context.Context, source Subscribable, sender Sender, req protocol.ChatRequest, idToken string, opts ...Option) (*http.Response, error) {
	s := Open(ctx, source, opts...)
	if err := sender.Chat(ctx, req, idToken); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s.Response(), nil
}

// Bridge bundles what streamed chat calls need.
type Bridge struct {
	Source Subscribable
	Sender Sender
	// Correlate tags each request with a fresh correlation id and filters the
	// reply stream on it, so concurrent replies do not mix.
	Correlate bool
	Options   []Option
}

// Chat streams the reply to req.
func (b *Bridge) Chat(ctx context.Context, req protocol.ChatRequest, idToken string) (*http.Response, error) {
	opts := b.Options
	if b.Correlate {
		id := uuid.NewString()
		req = req.WithCorrelationID(id)
		opts = append(slices.Clone(opts), WithCorrelationID(id))
	}
	return Chat(ctx, b.Source, b.Sender, req, idToken, opts...)
}
