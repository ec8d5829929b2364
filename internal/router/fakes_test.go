package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"pushhub/internal/presence"
	"pushhub/internal/websocket"
	"pushhub/pkg/interfaces"
	"pushhub/pkg/protocol"
	"pushhub/pkg/types"
)

// Fixture world: actor 1 is a client who owns order 100, actor 2 is
// technician 42 assigned to it, actor 3 is an unrelated client, actor 4 has
// no user row.
type fakeIdentity struct {
	mu     sync.Mutex
	tokens map[string]types.ActorID
	techs  map[types.ActorID]*types.Technician
	orders map[int64]*types.OrderParticipants
	names  map[types.ActorID]string
	failOn string
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{
		tokens: map[string]types.ActorID{"tok-1": 1, "tok-2": 2, "tok-3": 3, "tok-4": 4},
		techs: map[types.ActorID]*types.Technician{
			2: {ID: 42, ActorID: 2, Status: "available", OnShift: true},
		},
		orders: map[int64]*types.OrderParticipants{
			100: {OrderID: 100, ClientActorID: 1, TechnicianActorID: 2},
			101: {OrderID: 101, ClientActorID: 3},
		},
		names: map[types.ActorID]string{1: "Anna", 2: "Boris", 3: "Carl"},
	}
}

func (f *fakeIdentity) ResolveToken(ctx context.Context, token string) (types.ActorID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == "token" {
		return 0, errors.New("verifier unavailable")
	}
	if a, ok := f.tokens[token]; ok {
		return a, nil
	}
	return 0, interfaces.ErrInvalidCredential
}

func (f *fakeIdentity) TechnicianByActor(ctx context.Context, actor types.ActorID) (*types.Technician, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.techs[actor]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, interfaces.ErrNotTechnician
}

func (f *fakeIdentity) ActorForTechnician(ctx context.Context, technicianID int64) (types.ActorID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for actor, t := range f.techs {
		if t.ID == technicianID {
			return actor, nil
		}
	}
	return 0, interfaces.ErrTechnicianNotFound
}

func (f *fakeIdentity) OrderParticipants(ctx context.Context, orderID int64) (*types.OrderParticipants, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == "order" {
		return nil, errors.New("db down")
	}
	if o, ok := f.orders[orderID]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, interfaces.ErrOrderNotFound
}

func (f *fakeIdentity) DisplayName(ctx context.Context, actor types.ActorID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.names[actor]; ok {
		return n, nil
	}
	return "", interfaces.ErrActorNotFound
}

// fakeStore records stored messages and the registry size at store time
type fakeStore struct {
	mu       sync.Mutex
	messages []*types.ChatMessage
	nextID   int64
	err      error
	panicMsg string
	onStore  func()
}

func (f *fakeStore) StoreChatMessage(ctx context.Context, m *types.ChatMessage) error {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.onStore != nil {
		f.onStore()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.nextID++
	m.ID = f.nextID
	m.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cp := *m
	f.messages = append(f.messages, &cp)
	return nil
}

func (f *fakeStore) ChatHistory(ctx context.Context, orderID, afterID int64, limit int) ([]*types.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.ChatMessage
	for _, m := range f.messages {
		if m.OrderID == orderID && m.ID > afterID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeStore) count(orderID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.messages {
		if m.OrderID == orderID {
			n++
		}
	}
	return n
}

// recordingConn keeps every event written to it, in order
type recordingConn struct {
	id     string
	mu     sync.Mutex
	events []protocol.Event
	open   bool
}

func newRecordingConn() *recordingConn {
	return &recordingConn{id: uuid.NewString(), open: true}
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return websocket.ErrConnectionClosed
	}
	ev, ok := v.(protocol.Event)
	if !ok {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if ev, err = protocol.DecodeEvent(data); err != nil {
			return err
		}
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *recordingConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	return nil
}

func (c *recordingConn) Events() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Event(nil), c.events...)
}

func (c *recordingConn) Last() protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return nil
	}
	return c.events[len(c.events)-1]
}

func (c *recordingConn) OfType(eventType string) []protocol.Event {
	var out []protocol.Event
	for _, e := range c.Events() {
		if e.EventType() == eventType {
			out = append(out, e)
		}
	}
	return out
}

type testRig struct {
	router   *Router
	identity *fakeIdentity
	store    *fakeStore
	registry *websocket.Registry
	rooms    *presence.RoomTable
	subs     *presence.SubscriptionTable
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	rig := &testRig{
		identity: newFakeIdentity(),
		store:    &fakeStore{},
		registry: websocket.NewRegistry(),
		rooms:    presence.NewRoomTable(),
		subs:     presence.NewSubscriptionTable(nil),
	}
	rig.router = NewRouter(DefaultConfig(), rig.identity, rig.store, rig.registry, rig.rooms, rig.subs)
	return rig
}

// connect opens a session and, when token is non-empty, authenticates it
func (r *testRig) connect(t *testing.T, token string) (*Session, *recordingConn) {
	t.Helper()
	conn := newRecordingConn()
	s := r.router.NewSession(conn).(*Session)
	if token != "" {
		if s.HandleFrame(context.Background(), frame(map[string]interface{}{"type": "auth", "token": token})) {
			t.Fatalf("auth with %q closed the session", token)
		}
		if _, ok := conn.Last().(protocol.AuthSuccessEvent); !ok {
			t.Fatalf("expected auth_success, got %#v", conn.Last())
		}
	}
	return s, conn
}

func frame(v map[string]interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
