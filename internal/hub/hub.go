package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pushhub/internal/logging"
	"pushhub/internal/presence"
	"pushhub/internal/router"
	"pushhub/internal/websocket"
	"pushhub/pkg/interfaces"
	"pushhub/pkg/protocol"
	"pushhub/pkg/types"
)

// Config controls subscription liveness
type Config struct {
	SweepInterval  time.Duration `yaml:"sweep_interval" validate:"gt=0"`
	StaleThreshold time.Duration `yaml:"stale_threshold" validate:"gt=0"`
	ActiveWindow   time.Duration `yaml:"active_window" validate:"gt=0"`
}

func DefaultConfig() Config {
	return Config{
		SweepInterval:  60 * time.Second,
		StaleThreshold: 5 * time.Minute,
		ActiveWindow:   60 * time.Second,
	}
}

// Hub owns the routing tables of one process and the background tasks that
// maintain them. Business logic pushes events through the Notify methods.
type Hub struct {
	cfg        Config
	rateWindow time.Duration
	clock      presence.Clock
	identity   interfaces.IdentityResolver
	registry *websocket.Registry
	rooms    *presence.RoomTable
	subs     *presence.SubscriptionTable
	router   *router.Router
	sweeper  *presence.Sweeper
	logger   zerolog.Logger

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Stats is a point-in-time view of the routing tables
type Stats struct {
	Running             bool `json:"running"`
	Connections         int  `json:"connections"`
	Rooms               int  `json:"rooms"`
	Subscriptions       int  `json:"subscriptions"`
	ActiveSubscriptions int  `json:"active_subscriptions"`
	RateLimitedActors   int  `json:"rate_limited_actors"`
}

// NewHub builds fresh tables for one hub instance. A nil clock uses the system clock.
func NewHub(cfg Config, routerCfg router.Config, identity interfaces.IdentityResolver, store interfaces.ChatStore, clock presence.Clock) *Hub {
	if clock == nil {
		clock = presence.SystemClock{}
	}
	if routerCfg.ChatRateWindow <= 0 {
		routerCfg.ChatRateWindow = router.DefaultConfig().ChatRateWindow
	}
	registry := websocket.NewRegistry()
	rooms := presence.NewRoomTable()
	subs := presence.NewSubscriptionTable(clock)
	rt := router.NewRouter(routerCfg, identity, store, registry, rooms, subs)
	rt.UseClock(clock.Now)

	return &Hub{
		cfg:        cfg,
		rateWindow: routerCfg.ChatRateWindow,
		clock:      clock,
		identity:   identity,
		registry:   registry,
		rooms:      rooms,
		subs:       subs,
		router:     rt,
		sweeper:    presence.NewSweeper(subs, cfg.SweepInterval, cfg.StaleThreshold, clock),
		logger:     logging.Component("hub"),
	}
}

// Router is the session factory for the websocket handler
func (h *Hub) Router() *router.Router { return h.router }

func (h *Hub) Registry() *websocket.Registry { return h.registry }

func (h *Hub) Rooms() *presence.RoomTable { return h.rooms }

func (h *Hub) Subscriptions() *presence.SubscriptionTable { return h.subs }

// Start launches the sweeper and the rate limiter janitor. Both stop when
// ctx is cancelled or Stop is called.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.running = true

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.sweeper.Run(runCtx)
	}()
	go func() {
		defer h.wg.Done()
		h.janitor(runCtx)
	}()

	h.logger.Info().Msg("hub started")
	return nil
}

// Stop cancels the background tasks and waits for them to exit.
// Registered connections are left to the websocket handler.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()

	cancel()
	h.wg.Wait()
	h.logger.Info().Msg("hub stopped")
	return nil
}

func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// janitor drops idle chat rate windows once per window
func (h *Hub) janitor(ctx context.Context) {
	ticker := h.clock.NewTicker(h.rateWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			h.router.RateLimiter().Cleanup()
		}
	}
}

// NotifyNewAssignment pushes a job offer to the technician if they hold a
// live subscription. false means the caller should rely on polling.
func (h *Hub) NotifyNewAssignment(ctx context.Context, technicianID int64, assignment types.Assignment) bool {
	actor, ok := h.technicianActor(ctx, technicianID)
	if !ok {
		return false
	}
	if !h.subs.IsSubscribed(actor) {
		h.logger.Debug().
			Int64("technician_id", technicianID).
			Int64("assignment_id", assignment.ID).
			Msg("technician not subscribed, assignment not pushed")
		return false
	}

	delivered := h.registry.SendIfOpen(actor, protocol.NewNewAssignment(assignment))
	h.logger.Info().
		Int64("technician_id", technicianID).
		Int64("assignment_id", assignment.ID).
		Bool("delivered", delivered).
		Msg("new assignment notification")
	return delivered
}

// NotifyAssignmentExpired tells the technician an offer is gone. Only a
// registered connection is required.
func (h *Hub) NotifyAssignmentExpired(ctx context.Context, technicianID, assignmentID int64) bool {
	actor, ok := h.technicianActor(ctx, technicianID)
	if !ok {
		return false
	}

	delivered := h.registry.SendIfOpen(actor, protocol.NewAssignmentExpired(assignmentID))
	h.logger.Debug().
		Int64("technician_id", technicianID).
		Int64("assignment_id", assignmentID).
		Bool("delivered", delivered).
		Msg("assignment expired notification")
	return delivered
}

// NotifyOrderStatusUpdate sends the new status to the order's client and
// assigned technician and returns how many received it.
func (h *Hub) NotifyOrderStatusUpdate(ctx context.Context, orderID int64, status string) int {
	participants, err := h.identity.OrderParticipants(ctx, orderID)
	if err != nil {
		h.logLookupError(err, interfaces.ErrOrderNotFound, "order lookup failed").
			Int64("order_id", orderID).
			Msg("order status not pushed")
		return 0
	}

	event := protocol.NewOrderStatusUpdate(orderID, status, h.clock.Now())
	delivered := 0
	for _, actor := range participants.Recipients() {
		if h.registry.SendIfOpen(actor, event) {
			delivered++
		}
	}

	h.logger.Debug().
		Int64("order_id", orderID).
		Str("status", status).
		Int("delivered", delivered).
		Msg("order status notification")
	return delivered
}

// BroadcastToAll sends event to every registered connection
func (h *Hub) BroadcastToAll(event protocol.Event) int {
	n := h.registry.Broadcast(event)
	h.logger.Info().Str("event", event.EventType()).Int("delivered", n).Msg("broadcast")
	return n
}

func (h *Hub) ConnectedCount() int {
	return h.registry.Count()
}

func (h *Hub) SubscriptionStats() types.SubscriptionStats {
	return h.subs.Stats(h.cfg.ActiveWindow)
}

func (h *Hub) Stats() Stats {
	return Stats{
		Running:             h.IsRunning(),
		Connections:         h.registry.Count(),
		Rooms:               h.rooms.Count(),
		Subscriptions:       h.subs.Count(),
		ActiveSubscriptions: h.subs.Stats(h.cfg.ActiveWindow).ActiveSubscriptions,
		RateLimitedActors:   h.router.RateLimiter().Tracked(),
	}
}

func (h *Hub) technicianActor(ctx context.Context, technicianID int64) (types.ActorID, bool) {
	actor, err := h.identity.ActorForTechnician(ctx, technicianID)
	if err != nil {
		h.logLookupError(err, interfaces.ErrTechnicianNotFound, "technician lookup failed").
			Int64("technician_id", technicianID).
			Msg("notification dropped")
		return 0, false
	}
	return actor, true
}

// logLookupError logs expected misses at debug and everything else at warn
func (h *Hub) logLookupError(err, expected error, msg string) *zerolog.Event {
	if errors.Is(err, expected) {
		return h.logger.Debug().Err(err)
	}
	return h.logger.Warn().Err(err).Str("reason", msg)
}
