package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushhub/internal/presence"
	"pushhub/internal/router"
	"pushhub/pkg/interfaces"
	"pushhub/pkg/protocol"
	"pushhub/pkg/types"
)

// actor 7 is technician 42 on order 100 whose client is actor 1;
// actor 8 is technician 43 with no orders
type stubIdentity struct{}

func (stubIdentity) ResolveToken(ctx context.Context, token string) (types.ActorID, error) {
	switch token {
	case "client":
		return 1, nil
	case "tech42":
		return 7, nil
	case "tech43":
		return 8, nil
	}
	return 0, interfaces.ErrInvalidCredential
}

func (stubIdentity) TechnicianByActor(ctx context.Context, actor types.ActorID) (*types.Technician, error) {
	switch actor {
	case 7:
		return &types.Technician{ID: 42, ActorID: 7, OnShift: true}, nil
	case 8:
		return &types.Technician{ID: 43, ActorID: 8}, nil
	}
	return nil, interfaces.ErrNotTechnician
}

func (stubIdentity) ActorForTechnician(ctx context.Context, technicianID int64) (types.ActorID, error) {
	switch technicianID {
	case 42:
		return 7, nil
	case 43:
		return 8, nil
	}
	return 0, interfaces.ErrTechnicianNotFound
}

func (stubIdentity) OrderParticipants(ctx context.Context, orderID int64) (*types.OrderParticipants, error) {
	if orderID == 100 {
		return &types.OrderParticipants{OrderID: 100, ClientActorID: 1, TechnicianActorID: 7}, nil
	}
	return nil, interfaces.ErrOrderNotFound
}

func (stubIdentity) DisplayName(ctx context.Context, actor types.ActorID) (string, error) {
	return "", interfaces.ErrActorNotFound
}

type nopStore struct{}

func (nopStore) StoreChatMessage(ctx context.Context, m *types.ChatMessage) error { return nil }
func (nopStore) ChatHistory(ctx context.Context, orderID, afterID int64, limit int) ([]*types.ChatMessage, error) {
	return nil, nil
}
func (nopStore) HealthCheck(ctx context.Context) error { return nil }

type captureConn struct {
	id     string
	mu     sync.Mutex
	events []protocol.Event
}

func newCaptureConn() *captureConn { return &captureConn{id: uuid.NewString()} }

func (c *captureConn) ID() string   { return c.id }
func (c *captureConn) IsOpen() bool { return true }
func (c *captureConn) Close() error { return nil }

func (c *captureConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, v.(protocol.Event))
	return nil
}

func (c *captureConn) ofType(eventType string) []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Event
	for _, e := range c.events {
		if e.EventType() == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	return NewHub(DefaultConfig(), router.DefaultConfig(), stubIdentity{}, nopStore{}, nil)
}

func connectAs(t *testing.T, h *Hub, token string, frames ...string) (interfaces.ConnectionSession, *captureConn) {
	t.Helper()
	conn := newCaptureConn()
	s := h.Router().NewSession(conn)
	all := append([]string{"auth"}, frames...)
	for _, typ := range all {
		payload := map[string]string{"type": typ}
		if typ == "auth" {
			payload["token"] = token
		}
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		require.False(t, s.HandleFrame(context.Background(), data))
	}
	require.Len(t, conn.ofType(protocol.EventAuthSuccess), 1)
	return s, conn
}

func TestHub_StartStop(t *testing.T) {
	h := newTestHub(t)

	require.NoError(t, h.Start(context.Background()))
	assert.True(t, h.IsRunning())
	assert.ErrorIs(t, h.Start(context.Background()), ErrHubAlreadyRunning)

	require.NoError(t, h.Stop())
	assert.False(t, h.IsRunning())
	assert.ErrorIs(t, h.Stop(), ErrHubNotRunning)

	require.NoError(t, h.Start(context.Background()), "hub can be restarted")
	require.NoError(t, h.Stop())
}

func TestHub_StopsWithParentContext(t *testing.T) {
	h := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		_ = h.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after parent cancellation")
	}
}

// Subscribed technician 42 receives exactly one new_assignment
func TestHub_NotifyNewAssignmentDelivers(t *testing.T) {
	h := newTestHub(t)
	_, conn := connectAs(t, h, "tech42", "subscribe_assignments")

	delivered := h.NotifyNewAssignment(context.Background(), 42, types.Assignment{ID: 9, OrderID: 100})
	assert.True(t, delivered)

	got := conn.ofType(protocol.EventNewAssignment)
	require.Len(t, got, 1)
	assert.EqualValues(t, 9, got[0].(protocol.NewAssignmentEvent).Assignment.ID)
}

func TestHub_NotifyNewAssignmentRequiresSubscription(t *testing.T) {
	h := newTestHub(t)

	assert.False(t, h.NotifyNewAssignment(context.Background(), 42, types.Assignment{ID: 9}), "not connected")

	_, conn := connectAs(t, h, "tech42")
	assert.False(t, h.NotifyNewAssignment(context.Background(), 42, types.Assignment{ID: 9}), "registered, not subscribed")
	assert.Empty(t, conn.ofType(protocol.EventNewAssignment))

	assert.False(t, h.NotifyNewAssignment(context.Background(), 999, types.Assignment{ID: 9}), "unknown technician")
}

func TestHub_NotifyNewAssignmentAfterUnsubscribe(t *testing.T) {
	h := newTestHub(t)
	_, conn := connectAs(t, h, "tech42", "subscribe_assignments", "unsubscribe_assignments")

	assert.False(t, h.NotifyNewAssignment(context.Background(), 42, types.Assignment{ID: 9}))
	assert.Empty(t, conn.ofType(protocol.EventNewAssignment))
}

func TestHub_NotifyAssignmentExpired(t *testing.T) {
	h := newTestHub(t)
	assert.False(t, h.NotifyAssignmentExpired(context.Background(), 42, 9))

	_, conn := connectAs(t, h, "tech42")
	assert.True(t, h.NotifyAssignmentExpired(context.Background(), 42, 9), "no subscription needed")

	got := conn.ofType(protocol.EventAssignmentExpired)
	require.Len(t, got, 1)
	assert.EqualValues(t, 9, got[0].(protocol.AssignmentExpiredEvent).AssignmentID)
}

func TestHub_NotifyOrderStatusUpdate(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	assert.Equal(t, 0, h.NotifyOrderStatusUpdate(ctx, 100, "in_progress"))

	_, client := connectAs(t, h, "client")
	assert.Equal(t, 1, h.NotifyOrderStatusUpdate(ctx, 100, "in_progress"))

	_, tech := connectAs(t, h, "tech42")
	assert.Equal(t, 2, h.NotifyOrderStatusUpdate(ctx, 100, "completed"))

	got := tech.ofType(protocol.EventOrderStatusUpdate)
	require.Len(t, got, 1)
	ev := got[0].(protocol.OrderStatusUpdateEvent)
	assert.EqualValues(t, 100, ev.OrderID)
	assert.Equal(t, "completed", ev.NewStatus)
	assert.Len(t, client.ofType(protocol.EventOrderStatusUpdate), 2)

	assert.Equal(t, 0, h.NotifyOrderStatusUpdate(ctx, 404, "completed"))
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := newTestHub(t)
	_, a := connectAs(t, h, "client")
	_, b := connectAs(t, h, "tech42", "subscribe_assignments")
	connectAs(t, h, "tech43", "subscribe_assignments")

	assert.Equal(t, 3, h.ConnectedCount())
	assert.Equal(t, 3, h.BroadcastToAll(protocol.NewError("maintenance at 02:00")))
	assert.Len(t, a.ofType(protocol.EventError), 1)
	assert.Len(t, b.ofType(protocol.EventError), 1)

	subs := h.SubscriptionStats()
	assert.Equal(t, 2, subs.TotalSubscribed)
	assert.Equal(t, 2, subs.ActiveSubscriptions)
	assert.Equal(t, 1, subs.OnShiftSubscriptions)
	require.Len(t, subs.Subscriptions, 2)
	assert.EqualValues(t, 7, subs.Subscriptions[0].ActorID)

	stats := h.Stats()
	assert.False(t, stats.Running)
	assert.Equal(t, 3, stats.Connections)
	assert.Equal(t, 2, stats.Subscriptions)
	assert.Equal(t, 0, stats.Rooms)
}

func TestHub_TeardownClearsSubscription(t *testing.T) {
	h := newTestHub(t)
	s, _ := connectAs(t, h, "tech42", "subscribe_assignments")
	s.Teardown()

	assert.Equal(t, 0, h.ConnectedCount())
	assert.False(t, h.NotifyNewAssignment(context.Background(), 42, types.Assignment{ID: 1}))
	assert.Equal(t, 0, h.SubscriptionStats().TotalSubscribed)
}

// Separate hubs never share routing state
func TestHub_InstancesAreIsolated(t *testing.T) {
	a := newTestHub(t)
	b := newTestHub(t)
	connectAs(t, a, "tech42", "subscribe_assignments")

	assert.Equal(t, 1, a.ConnectedCount())
	assert.Equal(t, 0, b.ConnectedCount())
	assert.False(t, b.NotifyNewAssignment(context.Background(), 42, types.Assignment{ID: 1}))
}

// stepClock moves only on Advance and fires tickers whose deadline passed
type stepClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*stepTicker
}

type stepTicker struct {
	ch       chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) NewTicker(d time.Duration) presence.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &stepTicker{ch: make(chan time.Time, 1), interval: d, next: c.now.Add(d)}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var fire []*stepTicker
	for _, t := range c.tickers {
		if !t.stopped && !t.next.After(now) {
			t.next = now.Add(t.interval)
			fire = append(fire, t)
		}
	}
	c.mu.Unlock()

	for _, t := range fire {
		select {
		case t.ch <- now:
		default:
		}
	}
}

func (c *stepClock) tickerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickers)
}

func (t *stepTicker) C() <-chan time.Time { return t.ch }
func (t *stepTicker) Stop()               { t.stopped = true }

func TestHub_JanitorExpiresRateWindowsOnClock(t *testing.T) {
	clock := &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.SweepInterval = time.Hour
	cfg.StaleThreshold = 2 * time.Hour
	routerCfg := router.DefaultConfig()
	routerCfg.ChatRateWindow = time.Minute

	h := NewHub(cfg, routerCfg, stubIdentity{}, nopStore{}, clock)
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()
	require.Eventually(t, func() bool { return clock.tickerCount() == 2 }, time.Second, 5*time.Millisecond)

	limiter := h.Router().RateLimiter()
	require.True(t, limiter.Allow(1))
	assert.Equal(t, 1, h.Stats().RateLimitedActors)

	clock.Advance(30 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, limiter.Tracked(), "janitor has not ticked yet")

	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return limiter.Tracked() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_StatusUpdateUsesHubClock(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewHub(DefaultConfig(), router.DefaultConfig(), stubIdentity{}, nopStore{}, &stepClock{now: at})
	_, conn := connectAs(t, h, "client")

	require.Equal(t, 1, h.NotifyOrderStatusUpdate(context.Background(), 100, "in_progress"))
	events := conn.ofType(protocol.EventOrderStatusUpdate)
	require.Len(t, events, 1)
	assert.True(t, at.Equal(events[0].(protocol.OrderStatusUpdateEvent).Timestamp))
}
