package websocket

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

func newTestContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}

// fakeConnection records writes instead of touching a socket
type fakeConnection struct {
	id       string
	mu       sync.Mutex
	open     bool
	writes   []interface{}
	writeErr error
	closed   chan struct{}
	once     sync.Once
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{id: uuid.NewString(), open: true, closed: make(chan struct{})}
}

func (f *fakeConnection) ID() string { return f.id }

func (f *fakeConnection) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return ErrConnectionClosed
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, v)
	return nil
}

func (f *fakeConnection) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeConnection) Close() error {
	f.once.Do(func() {
		f.mu.Lock()
		f.open = false
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeConnection) Writes() []interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]interface{}(nil), f.writes...)
}
