package client_test

import (
	"context"
	"io"
	"sync"

	"github.com/omochice/chat-bridge/internal/chat"
)

// mockConn is an in-memory chat.Conn fed through readCh.
type mockConn struct {
	readCh    chan []byte
	writtenMu sync.Mutex
	written   [][]byte
	writeErr  error
	closeOnce sync.Once
	closed    chan struct{}
}

func newMockConn() *mockConn {
	return &mockConn{
		readCh: make(chan []byte, 10),
		closed: make(chan struct{}),
	}
}

func (m *mockConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, io.EOF
	case data, ok := <-m.readCh:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	}
}

func (m *mockConn) Write(ctx context.Context, data []byte) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	copied := make([]byte, len(data))
	copy(copied, data)
	m.written = append(m.written, copied)
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return "mock"
}

func (m *mockConn) GetWritten() [][]byte {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	return m.written
}

func (m *mockConn) push(frame string) {
	m.readCh <- []byte(frame)
}

// Compile-time check that mockConn implements chat.Conn
var _ chat.Conn = (*mockConn)(nil)
