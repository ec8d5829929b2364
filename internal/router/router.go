package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pushhub/internal/logging"
	"pushhub/internal/presence"
	"pushhub/internal/websocket"
	"pushhub/pkg/interfaces"
	"pushhub/pkg/protocol"
	"pushhub/pkg/types"
)

// Config tunes per-frame behavior
type Config struct {
	ChatRateLimit  int           `yaml:"chat_rate_limit" validate:"gte=0"`
	ChatRateWindow time.Duration `yaml:"chat_rate_window" validate:"gt=0"`
	FrameTimeout   time.Duration `yaml:"frame_timeout" validate:"gt=0"`
}

func DefaultConfig() Config {
	return Config{
		ChatRateLimit:  100,
		ChatRateWindow: time.Minute,
		FrameTimeout:   10 * time.Second,
	}
}

// Router owns the protocol rules shared by every connection: it creates a
// Session per connection and performs chat fan-out.
type Router struct {
	cfg      Config
	identity interfaces.IdentityResolver
	store    interfaces.ChatStore
	registry *websocket.Registry
	rooms    *presence.RoomTable
	subs     *presence.SubscriptionTable
	limiter  *RateLimiter
	logger   zerolog.Logger

	// claimMu orders registration against release so a departing
	// connection cannot clear state its replacement just created
	claimMu sync.Mutex
}

var _ interfaces.SessionFactory = (*Router)(nil)

// NewRouter wires the router to the shared tables
func NewRouter(
	cfg Config,
	identity interfaces.IdentityResolver,
	store interfaces.ChatStore,
	registry *websocket.Registry,
	rooms *presence.RoomTable,
	subs *presence.SubscriptionTable,
) *Router {
	return &Router{
		cfg:      cfg,
		identity: identity,
		store:    store,
		registry: registry,
		rooms:    rooms,
		subs:     subs,
		limiter:  NewRateLimiter(cfg.ChatRateLimit, cfg.ChatRateWindow),
		logger:   logging.Component("router"),
	}
}

// NewSession starts conn in the unauthenticated state
func (r *Router) NewSession(conn interfaces.Connection) interfaces.ConnectionSession {
	return &Session{
		router: r,
		conn:   conn,
		state:  unauthenticated{},
		logger: r.logger.With().Str("conn_id", conn.ID()).Logger(),
	}
}

// RateLimiter exposes the chat limiter for periodic cleanup
func (r *Router) RateLimiter() *RateLimiter {
	return r.limiter
}

// UseClock makes the chat limiter read time from now
func (r *Router) UseClock(now func() time.Time) {
	r.limiter.mu.Lock()
	defer r.limiter.mu.Unlock()
	r.limiter.nowFunc = now
}

// claim registers conn as actor's connection
func (r *Router) claim(actor types.ActorID, conn interfaces.Connection) error {
	r.claimMu.Lock()
	defer r.claimMu.Unlock()
	return r.registry.Register(actor, conn)
}

// authorizeOrder loads the order and checks actor is its client or assigned technician
func (r *Router) authorizeOrder(ctx context.Context, actor types.ActorID, orderID int64) (*types.OrderParticipants, error) {
	if orderID <= 0 {
		return nil, ErrOrderIDRequired
	}
	participants, err := r.identity.OrderParticipants(ctx, orderID)
	if errors.Is(err, interfaces.ErrOrderNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("order lookup: %w", err)
	}
	if !participants.HasAccess(actor) {
		return nil, ErrAccessDenied
	}
	return participants, nil
}

// PostChatMessage validates, authorizes, persists and fans out one chat
// message from actor. The row is stored before any delivery is attempted.
func (r *Router) PostChatMessage(ctx context.Context, actor types.ActorID, msg *types.ChatMessage) (int, error) {
	msg.SenderID = actor
	if err := msg.Validate(); err != nil {
		switch {
		case errors.Is(err, types.ErrMissingOrderID):
			return 0, ErrOrderIDRequired
		case errors.Is(err, types.ErrMissingChatContent):
			return 0, ErrMessageRequired
		}
		return 0, err
	}

	participants, err := r.authorizeOrder(ctx, actor, msg.OrderID)
	if err != nil {
		return 0, err
	}

	if !r.limiter.Allow(actor) {
		return 0, ErrRateLimitExceeded
	}

	if err := r.store.StoreChatMessage(ctx, msg); err != nil {
		return 0, fmt.Errorf("store chat message: %w", err)
	}

	name, err := r.identity.DisplayName(ctx, actor)
	if err != nil {
		if !errors.Is(err, interfaces.ErrActorNotFound) {
			logger := logging.FromContext(ctx)
			logger.Warn().Err(err).Str("actor_id", actor.String()).Msg("display name lookup failed")
		}
		name = types.UnknownSenderName
	}
	msg.SenderName = name

	return r.fanOut(ctx, msg, participants), nil
}

// fanOut delivers once to each member of the order's room plus the order's
// client and technician. The sender is not excluded.
func (r *Router) fanOut(ctx context.Context, msg *types.ChatMessage, participants *types.OrderParticipants) int {
	event := protocol.NewChatMessage(msg)

	seen := make(map[types.ActorID]struct{})
	delivered := 0
	deliver := func(actor types.ActorID) {
		if _, dup := seen[actor]; dup || !actor.Valid() {
			return
		}
		seen[actor] = struct{}{}
		if r.registry.SendIfOpen(actor, event) {
			delivered++
		}
	}

	for _, actor := range r.rooms.MembersOf(msg.OrderID) {
		deliver(actor)
	}
	for _, actor := range participants.Recipients() {
		deliver(actor)
	}

	logger := logging.FromContext(ctx)
	logger.Debug().
		Int64("order_id", msg.OrderID).
		Int64("message_id", msg.ID).
		Int("recipients", len(seen)).
		Int("delivered", delivered).
		Msg("chat message fanned out")
	return delivered
}

// release clears shared state for actor if conn is still its registered
// connection. A superseded connection leaves its replacement untouched.
// The chat rate window outlives the connection.
func (r *Router) release(actor types.ActorID, conn interfaces.Connection) bool {
	r.claimMu.Lock()
	defer r.claimMu.Unlock()

	if !r.registry.UnregisterConnection(actor, conn) {
		return false
	}
	r.subs.Unsubscribe(actor)
	r.rooms.RemoveActorEverywhere(actor)
	return true
}
