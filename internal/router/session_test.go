package router

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushhub/pkg/protocol"
	"pushhub/pkg/types"
)

func send(t *testing.T, s *Session, v map[string]interface{}) bool {
	t.Helper()
	return s.HandleFrame(context.Background(), frame(v))
}

func lastError(t *testing.T, c *recordingConn) string {
	t.Helper()
	ev, ok := c.Last().(protocol.ErrorEvent)
	require.True(t, ok, "expected error event, got %#v", c.Last())
	return ev.Message
}

func TestSession_AuthSuccessRegisters(t *testing.T) {
	rig := newTestRig(t)
	s, conn := rig.connect(t, "tok-2")

	actor, ok := s.Actor()
	require.True(t, ok)
	assert.EqualValues(t, 2, actor)
	assert.True(t, rig.registry.IsRegistered(2))

	reg, _ := rig.registry.Lookup(2)
	assert.Equal(t, conn.ID(), reg.ID())
}

func TestSession_AuthFailureIsTerminal(t *testing.T) {
	rig := newTestRig(t)
	s, conn := rig.connect(t, "")

	closeAfter := send(t, s, map[string]interface{}{"type": "auth", "token": "forged"})
	assert.True(t, closeAfter)

	ev, ok := conn.Last().(protocol.AuthErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "Invalid token", ev.Message)
	assert.Equal(t, 0, rig.registry.Count())

	// later frames are refused without reply
	n := len(conn.Events())
	assert.True(t, send(t, s, map[string]interface{}{"type": "auth", "token": "tok-1"}))
	assert.Len(t, conn.Events(), n)
}

func TestSession_ResolverOutageIsAuthError(t *testing.T) {
	rig := newTestRig(t)
	rig.identity.failOn = "token"
	s, conn := rig.connect(t, "")

	assert.True(t, send(t, s, map[string]interface{}{"type": "auth", "token": "tok-1"}))
	_, ok := conn.Last().(protocol.AuthErrorEvent)
	assert.True(t, ok)
}

func TestSession_UnauthenticatedRejectsOtherFrames(t *testing.T) {
	rig := newTestRig(t)
	s, conn := rig.connect(t, "")

	for _, typ := range []string{"ping", "subscribe_assignments", "join_order_chat", "chat_message", "dance"} {
		closeAfter := send(t, s, map[string]interface{}{"type": typ, "orderId": 100, "message": "x"})
		assert.False(t, closeAfter, typ)
		assert.Equal(t, "Authentication required", lastError(t, conn), typ)
	}

	_, authed := s.Actor()
	assert.False(t, authed)
	assert.Equal(t, 0, rig.subs.Count())
	assert.Equal(t, 0, rig.rooms.Count())
	assert.Equal(t, 0, rig.store.count(100))
}

func TestSession_SecondAuthRejected(t *testing.T) {
	rig := newTestRig(t)
	s, conn := rig.connect(t, "tok-1")

	assert.False(t, send(t, s, map[string]interface{}{"type": "auth", "token": "tok-2"}))
	assert.Equal(t, "Already authenticated", lastError(t, conn))

	actor, _ := s.Actor()
	assert.EqualValues(t, 1, actor)
	assert.False(t, rig.registry.IsRegistered(2))
}

func TestSession_MalformedFrameIgnored(t *testing.T) {
	rig := newTestRig(t)
	s, conn := rig.connect(t, "tok-1")
	n := len(conn.Events())

	assert.False(t, s.HandleFrame(context.Background(), []byte("{not json")))
	assert.False(t, s.HandleFrame(context.Background(), []byte(`{"type":"join_order_chat","orderId":"abc"}`)))
	assert.Len(t, conn.Events(), n)
}

func TestSession_UnknownTypeGetsError(t *testing.T) {
	rig := newTestRig(t)
	s, conn := rig.connect(t, "tok-1")

	assert.False(t, send(t, s, map[string]interface{}{"type": "dance"}))
	assert.Equal(t, "Unknown message type", lastError(t, conn))
}

func TestSession_PingHeartbeats(t *testing.T) {
	rig := newTestRig(t)
	s, conn := rig.connect(t, "tok-2")

	send(t, s, map[string]interface{}{"type": "ping"})
	_, ok := conn.Last().(protocol.PongEvent)
	assert.True(t, ok)
	assert.False(t, rig.subs.IsSubscribed(2), "ping without subscription creates nothing")

	send(t, s, map[string]interface{}{"type": "subscribe_assignments"})
	before, _ := rig.subs.Get(2)
	send(t, s, map[string]interface{}{"type": "ping"})
	after, _ := rig.subs.Get(2)
	assert.False(t, after.LastHeartbeat.Before(before.LastHeartbeat))
}

func TestSession_SubscribeTechnician(t *testing.T) {
	rig := newTestRig(t)
	s, conn := rig.connect(t, "tok-2")

	send(t, s, map[string]interface{}{"type": "subscribe_assignments"})
	_, ok := conn.Last().(protocol.SubscribedAssignmentsEvent)
	require.True(t, ok)

	rec, ok := rig.subs.Get(2)
	require.True(t, ok)
	assert.EqualValues(t, 42, rec.TechnicianID)
	assert.True(t, rec.OnShift)
}

func TestSession_SubscribeNonTechnician(t *testing.T) {
	rig := newTestRig(t)
	s, conn := rig.connect(t, "tok-1")

	send(t, s, map[string]interface{}{"type": "subscribe_assignments"})
	assert.Equal(t, "Only technicians can subscribe to assignments", lastError(t, conn))
	assert.False(t, rig.subs.IsSubscribed(1))
}

func TestSession_Unsubscribe(t *testing.T) {
	rig := newTestRig(t)
	s, conn := rig.connect(t, "tok-2")

	n := len(conn.Events())
	send(t, s, map[string]interface{}{"type": "unsubscribe_assignments"})
	assert.Len(t, conn.Events(), n, "no record means no reply")

	send(t, s, map[string]interface{}{"type": "subscribe_assignments"})
	send(t, s, map[string]interface{}{"type": "unsubscribe_assignments"})
	_, ok := conn.Last().(protocol.UnsubscribedAssignmentsEvent)
	assert.True(t, ok)
	assert.False(t, rig.subs.IsSubscribed(2))
}

func TestSession_JoinOrderChat(t *testing.T) {
	rig := newTestRig(t)
	s, conn := rig.connect(t, "tok-1")

	send(t, s, map[string]interface{}{"type": "join_order_chat", "orderId": "100"})
	ev, ok := conn.Last().(protocol.JoinedOrderChatEvent)
	require.True(t, ok)
	assert.EqualValues(t, 100, ev.OrderID)
	assert.Equal(t, []types.ActorID{1}, rig.rooms.MembersOf(100))
}

func TestSession_JoinRejections(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		payload map[string]interface{}
		want    string
	}{
		{"missing id", "tok-1", map[string]interface{}{"type": "join_order_chat"}, "Order ID required"},
		{"unknown order", "tok-1", map[string]interface{}{"type": "join_order_chat", "orderId": 999}, "Order not found"},
		{"not a participant", "tok-3", map[string]interface{}{"type": "join_order_chat", "orderId": 100}, "Access denied to this order"},
		{"client of other order", "tok-1", map[string]interface{}{"type": "join_order_chat", "orderId": 101}, "Access denied to this order"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newTestRig(t)
			s, conn := rig.connect(t, tt.token)

			assert.False(t, send(t, s, tt.payload))
			assert.Equal(t, tt.want, lastError(t, conn))
			assert.Equal(t, 0, rig.rooms.Count(), "room membership must be unchanged")
		})
	}
}

func TestSession_JoinLookupFailureIsInternal(t *testing.T) {
	rig := newTestRig(t)
	s, conn := rig.connect(t, "tok-1")
	rig.identity.failOn = "order"

	send(t, s, map[string]interface{}{"type": "join_order_chat", "orderId": 100})
	assert.Equal(t, "Internal server error", lastError(t, conn))
}

func TestSession_LeaveOrderChat(t *testing.T) {
	rig := newTestRig(t)
	s, conn := rig.connect(t, "tok-1")

	send(t, s, map[string]interface{}{"type": "join_order_chat", "orderId": 100})
	n := len(conn.Events())
	send(t, s, map[string]interface{}{"type": "leave_order_chat", "orderId": 100})
	assert.Len(t, conn.Events(), n, "leave has no reply")
	assert.Equal(t, 0, rig.rooms.Count())

	send(t, s, map[string]interface{}{"type": "leave_order_chat"})
	assert.Len(t, conn.Events(), n)
}

// Both participants joined; the client's message reaches both and one row is stored
func TestSession_ChatScenario(t *testing.T) {
	rig := newTestRig(t)
	a, connA := rig.connect(t, "tok-1")
	b, connB := rig.connect(t, "tok-2")

	send(t, a, map[string]interface{}{"type": "join_order_chat", "orderId": 100})
	send(t, b, map[string]interface{}{"type": "join_order_chat", "orderId": 100})
	send(t, a, map[string]interface{}{"type": "chat_message", "orderId": 100, "message": "hi"})

	for _, c := range []*recordingConn{connA, connB} {
		got := c.OfType(protocol.EventChatMessage)
		require.Len(t, got, 1)
		ev := got[0].(protocol.ChatMessageEvent)
		assert.EqualValues(t, 1, ev.SenderID)
		assert.Equal(t, "hi", ev.Message)
		assert.Equal(t, "Anna", ev.SenderName)
		assert.Equal(t, "text", ev.MessageType)
		assert.EqualValues(t, 100, ev.OrderID)
		assert.NotZero(t, ev.MessageID)
	}
	assert.Equal(t, 1, rig.store.count(100))
}

// Participants receive chat without ever joining the room
func TestSession_ChatReachesParticipantsWithoutJoin(t *testing.T) {
	rig := newTestRig(t)
	a, connA := rig.connect(t, "tok-1")
	_, connB := rig.connect(t, "tok-2")
	_, connC := rig.connect(t, "tok-3")

	send(t, a, map[string]interface{}{"type": "chat_message", "orderId": 100, "message": "anyone?"})

	assert.Len(t, connA.OfType(protocol.EventChatMessage), 1)
	assert.Len(t, connB.OfType(protocol.EventChatMessage), 1)
	assert.Empty(t, connC.OfType(protocol.EventChatMessage))
}

// Room member who is also a participant gets exactly one copy
func TestSession_ChatDeduplicatesRecipients(t *testing.T) {
	rig := newTestRig(t)
	a, connA := rig.connect(t, "tok-1")

	send(t, a, map[string]interface{}{"type": "join_order_chat", "orderId": 100})
	send(t, a, map[string]interface{}{"type": "chat_message", "orderId": 100, "message": "echo"})

	assert.Len(t, connA.OfType(protocol.EventChatMessage), 1)
}

// The row exists before any delivery, even with nobody else online
func TestSession_ChatPersistsBeforeFanOut(t *testing.T) {
	rig := newTestRig(t)
	b, connB := rig.connect(t, "tok-2")

	sentBeforeStore := -1
	rig.store.onStore = func() {
		sentBeforeStore = len(connB.OfType(protocol.EventChatMessage))
	}

	send(t, b, map[string]interface{}{"type": "chat_message", "orderId": 100, "message": "on my way"})
	assert.Equal(t, 0, sentBeforeStore)
	assert.Equal(t, 1, rig.store.count(100))
	assert.Len(t, connB.OfType(protocol.EventChatMessage), 1)
}

func TestSession_ChatWithNoRecipientsStillStored(t *testing.T) {
	rig := newTestRig(t)
	delivered, err := rig.router.PostChatMessage(context.Background(), 1, &types.ChatMessage{OrderID: 100, Text: "offline"})
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 1, rig.store.count(100))
}

func TestSession_ChatImage(t *testing.T) {
	rig := newTestRig(t)
	a, connA := rig.connect(t, "tok-1")

	send(t, a, map[string]interface{}{
		"type":              "chat_message",
		"orderId":           100,
		"messageType":       "image",
		"imageUrl":          "https://cdn/x.jpg",
		"imageThumbnailUrl": "https://cdn/x_t.jpg",
	})

	got := connA.OfType(protocol.EventChatMessage)
	require.Len(t, got, 1)
	ev := got[0].(protocol.ChatMessageEvent)
	assert.Equal(t, "image", ev.MessageType)
	assert.Equal(t, "https://cdn/x.jpg", ev.ImageURL)
	assert.Equal(t, "https://cdn/x_t.jpg", ev.ImageThumbnailURL)
}

func TestSession_ChatUnknownSenderName(t *testing.T) {
	rig := newTestRig(t)
	rig.identity.orders[102] = &types.OrderParticipants{OrderID: 102, ClientActorID: 4}
	s, conn := rig.connect(t, "tok-4")

	send(t, s, map[string]interface{}{"type": "chat_message", "orderId": 102, "message": "hello"})
	got := conn.OfType(protocol.EventChatMessage)
	require.Len(t, got, 1)
	assert.Equal(t, types.UnknownSenderName, got[0].(protocol.ChatMessageEvent).SenderName)
}

func TestSession_ChatRejections(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		payload map[string]interface{}
		want    string
	}{
		{"missing order", "tok-1", map[string]interface{}{"type": "chat_message", "message": "x"}, "Order ID required"},
		{"missing content", "tok-1", map[string]interface{}{"type": "chat_message", "orderId": 100}, "Message text or image required"},
		{"bad type", "tok-1", map[string]interface{}{"type": "chat_message", "orderId": 100, "message": "x", "messageType": "video"}, types.ErrInvalidMessageType.Error()},
		{"not participant", "tok-3", map[string]interface{}{"type": "chat_message", "orderId": 100, "message": "x"}, "Access denied to this order"},
		{"unknown order", "tok-1", map[string]interface{}{"type": "chat_message", "orderId": 404, "message": "x"}, "Order not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newTestRig(t)
			s, conn := rig.connect(t, tt.token)

			assert.False(t, send(t, s, tt.payload))
			assert.Equal(t, tt.want, lastError(t, conn))
			assert.Equal(t, 0, rig.store.count(100))
		})
	}
}

func TestSession_ChatStoreFailure(t *testing.T) {
	rig := newTestRig(t)
	rig.store.err = errors.New("disk full")
	s, conn := rig.connect(t, "tok-1")

	send(t, s, map[string]interface{}{"type": "chat_message", "orderId": 100, "message": "x"})
	assert.Equal(t, "Internal server error", lastError(t, conn))
	assert.Empty(t, conn.OfType(protocol.EventChatMessage))
}

func TestSession_ChatRateLimited(t *testing.T) {
	rig := newTestRig(t)
	cfg := DefaultConfig()
	cfg.ChatRateLimit = 3
	rig.router = NewRouter(cfg, rig.identity, rig.store, rig.registry, rig.rooms, rig.subs)
	s, conn := rig.connect(t, "tok-1")

	for i := 0; i < 3; i++ {
		send(t, s, map[string]interface{}{"type": "chat_message", "orderId": 100, "message": "x"})
	}
	send(t, s, map[string]interface{}{"type": "chat_message", "orderId": 100, "message": "x"})
	assert.Equal(t, "Rate limit exceeded", lastError(t, conn))
	assert.Equal(t, 3, rig.store.count(100))
}

// Reconnecting does not start a fresh chat quota, on either transport
func TestSession_RateLimitSurvivesReconnect(t *testing.T) {
	rig := newTestRig(t)
	cfg := DefaultConfig()
	cfg.ChatRateLimit = 3
	rig.router = NewRouter(cfg, rig.identity, rig.store, rig.registry, rig.rooms, rig.subs)

	var conn *recordingConn
	for round := 0; round < 5; round++ {
		var s *Session
		s, conn = rig.connect(t, "tok-1")
		for i := 0; i < 3; i++ {
			send(t, s, map[string]interface{}{"type": "chat_message", "orderId": 100, "message": "x"})
		}
		s.Teardown()
	}

	assert.Equal(t, 3, rig.store.count(100))
	assert.Equal(t, "Rate limit exceeded", lastError(t, conn))

	_, err := rig.router.PostChatMessage(context.Background(), 1, &types.ChatMessage{OrderID: 100, Text: "rest"})
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.Equal(t, 1, rig.router.RateLimiter().Tracked())
}

func TestSession_PanicRecovered(t *testing.T) {
	rig := newTestRig(t)
	rig.store.panicMsg = "boom"
	s, conn := rig.connect(t, "tok-1")

	closeAfter := send(t, s, map[string]interface{}{"type": "chat_message", "orderId": 100, "message": "x"})
	assert.False(t, closeAfter)
	assert.Equal(t, "Internal server error", lastError(t, conn))

	rig.store.panicMsg = ""
	send(t, s, map[string]interface{}{"type": "ping"})
	_, ok := conn.Last().(protocol.PongEvent)
	assert.True(t, ok, "session keeps working after a panic")
}

// After close, the actor is in no room and has no subscription
func TestSession_TeardownClearsEverything(t *testing.T) {
	rig := newTestRig(t)
	s, _ := rig.connect(t, "tok-2")

	send(t, s, map[string]interface{}{"type": "subscribe_assignments"})
	send(t, s, map[string]interface{}{"type": "join_order_chat", "orderId": 100})
	require.True(t, rig.subs.IsSubscribed(2))
	require.True(t, rig.rooms.IsMember(100, 2))

	s.Teardown()
	s.Teardown()

	assert.False(t, rig.registry.IsRegistered(2))
	assert.False(t, rig.subs.IsSubscribed(2))
	assert.Equal(t, 0, rig.rooms.Count())
	assert.True(t, s.HandleFrame(context.Background(), frame(map[string]interface{}{"type": "ping"})))
}

func TestSession_TeardownUnauthenticated(t *testing.T) {
	rig := newTestRig(t)
	s, _ := rig.connect(t, "")
	s.Teardown()
	assert.Equal(t, 0, rig.registry.Count())
}

// A superseded connection closing must not clear its replacement's state
func TestSession_SupersededTeardownKeepsReplacement(t *testing.T) {
	rig := newTestRig(t)
	old, oldConn := rig.connect(t, "tok-2")
	send(t, old, map[string]interface{}{"type": "subscribe_assignments"})

	fresh, freshConn := rig.connect(t, "tok-2")
	send(t, fresh, map[string]interface{}{"type": "join_order_chat", "orderId": 100})

	old.Teardown()

	reg, ok := rig.registry.Lookup(2)
	require.True(t, ok)
	assert.Equal(t, freshConn.ID(), reg.ID())
	assert.NotEqual(t, oldConn.ID(), reg.ID())
	assert.True(t, rig.subs.IsSubscribed(2))
	assert.True(t, rig.rooms.IsMember(100, 2))

	fresh.Teardown()
	assert.False(t, rig.subs.IsSubscribed(2))
	assert.Equal(t, 0, rig.rooms.Count())
}

// A departing connection racing its replacement never clears the
// replacement's registration, subscription or rooms
func TestSession_TeardownRacingReplacement(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		old, _ := rig.connect(t, "tok-2")
		send(t, old, map[string]interface{}{"type": "subscribe_assignments"})
		send(t, old, map[string]interface{}{"type": "join_order_chat", "orderId": 100})

		freshConn := newRecordingConn()
		fresh := rig.router.NewSession(freshConn).(*Session)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			old.Teardown()
		}()
		go func() {
			defer wg.Done()
			fresh.HandleFrame(ctx, frame(map[string]interface{}{"type": "auth", "token": "tok-2"}))
			fresh.HandleFrame(ctx, frame(map[string]interface{}{"type": "subscribe_assignments"}))
			fresh.HandleFrame(ctx, frame(map[string]interface{}{"type": "join_order_chat", "orderId": 100}))
		}()
		wg.Wait()

		reg, ok := rig.registry.Lookup(2)
		require.True(t, ok, "iteration %d", i)
		require.Equal(t, freshConn.ID(), reg.ID(), "iteration %d", i)
		require.True(t, rig.subs.IsSubscribed(2), "iteration %d", i)
		require.True(t, rig.rooms.IsMember(100, 2), "iteration %d", i)

		fresh.Teardown()
		require.False(t, rig.registry.IsRegistered(2))
		require.False(t, rig.subs.IsSubscribed(2))
	}
}
