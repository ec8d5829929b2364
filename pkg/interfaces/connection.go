package interfaces

import "context"

// Connection is one live duplex channel to a client
type Connection interface {
	// ID is unique per accepted transport, not per actor
	ID() string

	// WriteJSON queues v for delivery. It must not block indefinitely on a slow peer.
	WriteJSON(v interface{}) error

	// IsOpen reports whether the transport still accepts writes
	IsOpen() bool

	// Close flushes already queued writes and closes the transport. Idempotent.
	Close() error
}

// ConnectionSession handles the frames of a single connection in arrival order
type ConnectionSession interface {
	// HandleFrame processes one raw text message. A true result asks the
	// transport to close after flushing pending writes.
	HandleFrame(ctx context.Context, data []byte) (closeAfter bool)

	// Teardown releases everything the connection holds in shared tables.
	// Safe to call more than once and concurrently with HandleFrame.
	Teardown()
}

// SessionFactory creates the per-connection protocol state machine
type SessionFactory interface {
	NewSession(conn Connection) ConnectionSession
}
