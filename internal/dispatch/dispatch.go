// Package dispatch publishes chat requests as events on the pub/sub connection.
package dispatch

import (
	"context"
	"encoding/json"

	"github.com/omochice/chat-bridge/internal/api"
	"github.com/omochice/chat-bridge/internal/client"
	"github.com/omochice/chat-bridge/internal/metrics"
	"github.com/omochice/chat-bridge/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Publisher is the part of the connection the dispatcher needs.
type Publisher interface {
	IsConnected() bool
	SendEvent(ctx context.Context, event string, payload []byte) error
}

// Error reports a request that could not be published.
type Error struct {
	Event string
	Err   error
}

func (e *Error) Error() string {
	return "dispatch " + e.Event + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

var errEmptyEvent = errors.New("event name is empty")

// Send serialises req and publishes it as eventName. Nothing is published when
// pub is not connected.
func Send(ctx context.Context, pub Publisher, eventName string, req protocol.ChatRequest) error {
	if eventName == "" {
		return &Error{Event: eventName, Err: errEmptyEvent}
	}
	if !pub.IsConnected() {
		return &Error{Event: eventName, Err: client.ErrNotConnected}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return &Error{Event: eventName, Err: errors.Wrap(err, "failed to encode request")}
	}
	if err := pub.SendEvent(ctx, eventName, payload); err != nil {
		return &Error{Event: eventName, Err: err}
	}
	return nil
}

// Dispatcher sends chat requests with the configured auth headers.
type Dispatcher struct {
	pub      Publisher
	useLogin bool
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogin attaches the bearer token to published requests.
func WithLogin(useLogin bool) Option {
	return func(d *Dispatcher) {
		d.useLogin = useLogin
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger.With().Str("component", "dispatch").Logger()
	}
}

// WithMetrics counts dispatch results.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// New creates a Dispatcher publishing on pub.
func New(pub Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{pub: pub, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send publishes req as eventName unchanged.
func (d *Dispatcher) Send(ctx context.Context, eventName string, req protocol.ChatRequest) error {
	err := Send(ctx, d.pub, eventName, req)
	switch {
	case err == nil:
		d.metrics.Dispatched(metrics.DispatchOK)
		d.logger.Debug().
			Str("event", eventName).
			Str("correlation_id", req.CorrelationID).
			Int("messages", len(req.Messages)).
			Msg("request dispatched")
	case errors.Is(err, client.ErrNotConnected):
		d.metrics.Dispatched(metrics.DispatchNotConnected)
		d.logger.Warn().Str("event", eventName).Msg("dispatch while disconnected")
	default:
		d.metrics.Dispatched(metrics.DispatchError)
		d.logger.Error().Err(err).Str("event", eventName).Msg("dispatch failed")
	}
	return err
}

// Chat injects the auth headers into req and publishes it as a chat event.
func (d *Dispatcher) Chat(ctx context.Context, req protocol.ChatRequest, idToken string) error {
	return d.Send(ctx, protocol.EventChat, req.WithHeaders(api.Headers(idToken, d.useLogin)))
}
