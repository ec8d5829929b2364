package websocket

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pushhub/internal/logging"
	"pushhub/pkg/interfaces"
)

// Handler upgrades HTTP requests and runs one read loop per connection.
// Frames are handed to the session created by the factory, in arrival order.
type Handler struct {
	factory  interfaces.SessionFactory
	opts     Options
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu     sync.Mutex
	active map[*Connection]struct{}
	wg     sync.WaitGroup
}

// NewHandler creates a websocket handler
func NewHandler(factory interfaces.SessionFactory, opts Options) *Handler {
	h := &Handler{
		factory: factory,
		opts:    opts,
		logger:  logging.Component("websocket"),
		active:  make(map[*Connection]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

// checkOrigin allows everything when no origins are configured
func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.HandleWebSocket(w, r)
}

// HandleWebSocket upgrades the request. The connection starts unauthenticated;
// the first frame is expected to be auth.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	conn := NewConnection(ws, h.opts)
	session := h.factory.NewSession(conn)

	h.mu.Lock()
	h.active[conn] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()

	conn.logger.Debug().Str("remote", r.RemoteAddr).Msg("connection accepted")

	go h.handleConnection(conn, session)
}

// handleConnection reads until the peer goes away, the session asks to
// close, or the connection is closed elsewhere. Teardown runs exactly once.
func (h *Handler) handleConnection(conn *Connection, session interfaces.ConnectionSession) {
	defer func() {
		session.Teardown()
		_ = conn.Close()

		h.mu.Lock()
		delete(h.active, conn)
		h.mu.Unlock()
		h.wg.Done()

		conn.logger.Debug().Msg("connection closed")
	}()

	conn.conn.SetReadLimit(h.opts.MaxMessageSize)
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		conn.logger.Warn().Err(err).Msg("failed to set read deadline")
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	go conn.keepAlive()

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				conn.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		// any inbound traffic proves the peer is alive
		_ = conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))

		if messageType != websocket.TextMessage {
			continue
		}
		if session.HandleFrame(conn.Context(), data) {
			return
		}
	}
}

// ActiveConnections counts accepted connections, authenticated or not
func (h *Handler) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.active)
}

// Shutdown closes every accepted connection and waits for their read loops
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.active))
	for c := range h.active {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		go func(c *Connection) { _ = c.Close() }(c)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
