package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pushhub/internal/logging"
)

// Options tunes transport behavior of every accepted connection
type Options struct {
	PingInterval   time.Duration `yaml:"ping_interval" validate:"gt=0"`
	ReadTimeout    time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout   time.Duration `yaml:"write_timeout" validate:"gt=0"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout" validate:"gt=0"`
	SendQueueSize  int           `yaml:"send_queue_size" validate:"gt=0"`
	MaxMessageSize int64         `yaml:"max_message_size" validate:"gt=0"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// DefaultOptions returns transport defaults
func DefaultOptions() Options {
	return Options{
		PingInterval:   30 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		EnqueueTimeout: time.Second,
		SendQueueSize:  256,
		MaxMessageSize: 64 * 1024,
	}
}

// Connection wraps one websocket. All data writes go through writeLoop;
// a stalled peer fills only its own queue.
type Connection struct {
	id        string
	conn      *websocket.Conn
	writeCh   chan []byte
	opts      Options
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
	logger    zerolog.Logger
}

// NewConnection wraps conn and starts its writer
func NewConnection(conn *websocket.Conn, opts Options) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	c := &Connection{
		id:      id,
		conn:    conn,
		writeCh: make(chan []byte, opts.SendQueueSize),
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  logging.Component("websocket").With().Str("conn_id", id).Logger(),
	}

	go c.writeLoop()

	return c
}

func (c *Connection) ID() string {
	return c.id
}

// Context is cancelled when the connection starts closing
func (c *Connection) Context() context.Context {
	return c.ctx
}

func (c *Connection) IsOpen() bool {
	return c.ctx.Err() == nil
}

// writeLoop is the only data writer. On close it flushes what is already
// queued, sends a close frame and closes the socket.
func (c *Connection) writeLoop() {
	defer close(c.done)

	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.cancel()
				_ = c.conn.Close()
				return
			}
		case <-c.ctx.Done():
			c.flush()
			return
		}
	}
}

func (c *Connection) flush() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data); err != nil {
				_ = c.conn.Close()
				return
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = c.conn.Close()
			return
		}
	}
}

func (c *Connection) write(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WriteJSON queues v. It waits at most EnqueueTimeout for queue space.
func (c *Connection) WriteJSON(v interface{}) error {
	if !c.IsOpen() {
		return ErrConnectionClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	default:
	}

	timer := time.NewTimer(c.opts.EnqueueTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrSendBufferFull
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close stops accepting writes and waits for queued ones to flush. Idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
	})

	timer := time.NewTimer(c.opts.WriteTimeout + time.Second)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-timer.C:
		_ = c.conn.Close()
	}
	return nil
}

// keepAlive pings the peer until the connection closes.
// WriteControl is safe alongside writeLoop.
func (c *Connection) keepAlive() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
