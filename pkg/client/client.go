// Package client is a Go implementation of the mobile push client: it keeps
// one authenticated connection to the hub, re-subscribes technicians after
// every login and delivers server events on typed channels.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pushhub/pkg/protocol"
	"pushhub/pkg/types"
)

var (
	ErrClientClosed       = errors.New("client is closed")
	ErrNotConnected       = errors.New("client is not connected")
	ErrAuthRejected       = errors.New("authentication rejected")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// ConnectionState is the client's view of its link to the hub
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ServerError is an error frame sent by the hub
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return "server: " + e.Message }

type Options struct {
	URL   string
	Token string
	// AutoSubscribe sends subscribe_assignments after every auth_success
	AutoSubscribe        bool
	PingInterval         time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	EventBuffer          int
	Dialer               *websocket.Dialer
	OnStateChange        func(ConnectionState)
}

func DefaultOptions(url, token string) Options {
	return Options{
		URL:                  url,
		Token:                token,
		AutoSubscribe:        true,
		PingInterval:         45 * time.Second,
		ReconnectDelay:       5 * time.Second,
		MaxReconnectAttempts: 5,
		EventBuffer:          64,
		Dialer:               websocket.DefaultDialer,
	}
}

// Client is safe for concurrent use. Event channels are never closed;
// events are dropped when a channel is full.
type Client struct {
	opts   Options
	logger zerolog.Logger

	Assignments   chan types.Assignment
	Expirations   chan int64
	StatusUpdates chan protocol.OrderStatusUpdateEvent
	ChatMessages  chan protocol.ChatMessageEvent
	Errors        chan error

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	state     ConnectionState
	closed    bool
	attempts  int
	reconnect *time.Timer
}

func New(opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	return &Client{
		opts:          opts,
		logger:        log.With().Str("component", "push-client").Logger(),
		Assignments:   make(chan types.Assignment, opts.EventBuffer),
		Expirations:   make(chan int64, opts.EventBuffer),
		StatusUpdates: make(chan protocol.OrderStatusUpdateEvent, opts.EventBuffer),
		ChatMessages:  make(chan protocol.ChatMessageEvent, opts.EventBuffer),
		Errors:        make(chan error, opts.EventBuffer),
	}
}

func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	if c.state == s || (c.state == StateClosed && s != StateClosed) {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.logger.Debug().Str("state", s.String()).Msg("connection state changed")
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

// Connect dials the hub and sends the auth frame. Authentication completes
// asynchronously; watch State or OnStateChange for StateAuthenticated.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.mu.Unlock()
	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	c.setState(StateConnecting)

	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClientClosed
	}
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateConnected)

	if err := c.write(conn, protocol.AuthFrame{Token: c.opts.Token}); err != nil {
		_ = conn.Close()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		c.setState(StateDisconnected)
		return fmt.Errorf("send auth: %w", err)
	}

	stop := make(chan struct{})
	go c.pingLoop(conn, stop)
	go c.readLoop(conn, stop)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, stop chan struct{}) {
	defer func() {
		close(stop)
		_ = conn.Close()
		c.onDisconnect(conn)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Debug().Err(err).Msg("read loop ended")
			return
		}
		ev, err := protocol.DecodeEvent(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("malformed event ignored")
			continue
		}
		if !c.handleEvent(conn, ev) {
			return
		}
	}
}

// handleEvent returns false when the connection must not be used again
func (c *Client) handleEvent(conn *websocket.Conn, ev protocol.Event) bool {
	switch e := ev.(type) {
	case protocol.AuthSuccessEvent:
		c.mu.Lock()
		c.attempts = 0
		c.mu.Unlock()
		c.setState(StateAuthenticated)
		if c.opts.AutoSubscribe {
			if err := c.write(conn, protocol.SubscribeAssignmentsFrame{}); err != nil {
				c.logger.Warn().Err(err).Msg("auto subscribe failed")
			}
		}

	case protocol.AuthErrorEvent:
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.emitError(fmt.Errorf("%w: %s", ErrAuthRejected, e.Message))
		return false

	case protocol.NewAssignmentEvent:
		select {
		case c.Assignments <- e.Assignment:
		default:
			c.logger.Warn().Int64("assignment_id", e.Assignment.ID).Msg("assignment dropped, channel full")
		}

	case protocol.AssignmentExpiredEvent:
		select {
		case c.Expirations <- e.AssignmentID:
		default:
		}

	case protocol.OrderStatusUpdateEvent:
		select {
		case c.StatusUpdates <- e:
		default:
		}

	case protocol.ChatMessageEvent:
		select {
		case c.ChatMessages <- e:
		default:
		}

	case protocol.ErrorEvent:
		c.emitError(&ServerError{Message: e.Message})
	}
	return true
}

func (c *Client) emitError(err error) {
	select {
	case c.Errors <- err:
	default:
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	if c.opts.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.write(conn, protocol.PingFrame{}); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (c *Client) onDisconnect(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()

	if closed {
		c.setState(StateClosed)
		return
	}
	c.setState(StateDisconnected)
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if c.attempts >= c.opts.MaxReconnectAttempts {
		c.closed = true
		go func() {
			c.emitError(ErrReconnectExhausted)
			c.setState(StateClosed)
		}()
		return
	}
	c.attempts++
	attempt := c.attempts
	c.reconnect = time.AfterFunc(c.opts.ReconnectDelay, func() {
		c.logger.Info().Int("attempt", attempt).Msg("reconnecting")
		if err := c.connect(context.Background()); err != nil {
			if errors.Is(err, ErrClientClosed) {
				return
			}
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			c.scheduleReconnect()
		}
	})
}

func (c *Client) write(conn *websocket.Conn, f protocol.Frame) error {
	data, err := protocol.EncodeFrame(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) send(f protocol.Frame) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return ErrClientClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, f)
}

func (c *Client) SubscribeAssignments() error {
	return c.send(protocol.SubscribeAssignmentsFrame{})
}

func (c *Client) UnsubscribeAssignments() error {
	return c.send(protocol.UnsubscribeAssignmentsFrame{})
}

func (c *Client) JoinOrderChat(orderID int64) error {
	return c.send(protocol.JoinOrderChatFrame{OrderID: orderID})
}

func (c *Client) LeaveOrderChat(orderID int64) error {
	return c.send(protocol.LeaveOrderChatFrame{OrderID: orderID})
}

func (c *Client) SendChatMessage(orderID int64, text string) error {
	return c.send(protocol.ChatMessageFrame{OrderID: orderID, Message: text, MessageType: types.ChatMessageTypeText})
}

func (c *Client) SendChatImage(orderID int64, imageURL, thumbnailURL string) error {
	return c.send(protocol.ChatMessageFrame{
		OrderID:           orderID,
		MessageType:       types.ChatMessageTypeImage,
		ImageURL:          imageURL,
		ImageThumbnailURL: thumbnailURL,
	})
}

// Close disconnects and disables reconnection. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed && c.conn == nil {
		c.mu.Unlock()
		c.setState(StateClosed)
		return nil
	}
	c.closed = true
	if c.reconnect != nil {
		c.reconnect.Stop()
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.setState(StateClosed)
	return nil
}
