// Package server is a development backend for the chat bridge. It serves
// /negotiate, /ask, /chat and /content over HTTP and plays the pub/sub
// service on a websocket endpoint, echoing the user's last message back as a
// word-by-word streamed reply.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// HubPath is the websocket endpoint returned by /negotiate.
const HubPath = "/client/hubs/chat"

// Server is the development backend.
type Server struct {
	address        string
	logger         zerolog.Logger
	metricsHandler http.Handler
	wordDelay      time.Duration

	mu       sync.RWMutex
	listener net.Listener
	server   *http.Server
	clients  map[*wsClient]bool

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With().Str("component", "server").Logger()
	}
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metricsHandler = h
	}
}

// WithWordDelay sets the pause between streamed words.
func WithWordDelay(d time.Duration) Option {
	return func(s *Server) {
		s.wordDelay = d
	}
}

// New creates a new Server instance
func New(address string, opts ...Option) *Server {
	s := &Server{
		address:   address,
		logger:    zerolog.Nop(),
		wordDelay: 50 * time.Millisecond,
		clients:   make(map[*wsClient]bool),
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /negotiate", s.handleNegotiate)
	mux.HandleFunc(HubPath, s.handleWebSocket)
	mux.HandleFunc("POST /ask", s.handleAsk)
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /content/{citation...}", s.handleContent)
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	return mux
}

// Start listens on the configured address and serves until Stop is called.
// It returns nil after Stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return errors.Wrap(err, "failed to start server")
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.listener = listener
	s.server = srv
	s.mu.Unlock()

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("server started")

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return errors.Wrap(err, "server failed")
	case <-s.quit:
		return nil
	}
}

// Stop closes the listener and every websocket client, then waits for the
// client goroutines to finish.
func (s *Server) Stop() {
	s.quitOnce.Do(func() { close(s.quit) })

	s.mu.Lock()
	srv := s.server
	for client := range s.clients {
		client.close()
	}
	s.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
		}
	}

	s.wg.Wait()
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of connected websocket clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
