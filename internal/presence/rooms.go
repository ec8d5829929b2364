package presence

import (
	"sort"
	"sync"

	"pushhub/internal/metrics"
	"pushhub/pkg/types"
)

// RoomTable maps an order id to the actors joined to its chat.
// Empty rooms are deleted.
type RoomTable struct {
	mu    sync.RWMutex
	rooms map[int64]map[types.ActorID]struct{}
}

func NewRoomTable() *RoomTable {
	return &RoomTable{rooms: make(map[int64]map[types.ActorID]struct{})}
}

// Join adds actor to the order's room, creating it if needed
func (t *RoomTable) Join(orderID int64, actor types.ActorID) {
	t.mu.Lock()
	members, ok := t.rooms[orderID]
	if !ok {
		members = make(map[types.ActorID]struct{})
		t.rooms[orderID] = members
	}
	members[actor] = struct{}{}
	n := len(t.rooms)
	t.mu.Unlock()

	metrics.GetMetrics().RoomsActive.Set(float64(n))
}

// Leave removes actor and deletes the room if it became empty
func (t *RoomTable) Leave(orderID int64, actor types.ActorID) {
	t.mu.Lock()
	if members, ok := t.rooms[orderID]; ok {
		delete(members, actor)
		if len(members) == 0 {
			delete(t.rooms, orderID)
		}
	}
	n := len(t.rooms)
	t.mu.Unlock()

	metrics.GetMetrics().RoomsActive.Set(float64(n))
}

// MembersOf returns a sorted snapshot of the room's members
func (t *RoomTable) MembersOf(orderID int64) []types.ActorID {
	t.mu.RLock()
	members := t.rooms[orderID]
	out := make([]types.ActorID, 0, len(members))
	for actor := range members {
		out = append(out, actor)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsMember reports whether actor is joined to the order's room
func (t *RoomTable) IsMember(orderID int64, actor types.ActorID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.rooms[orderID][actor]
	return ok
}

// RemoveActorEverywhere drops actor from every room and returns the orders it left
func (t *RoomTable) RemoveActorEverywhere(actor types.ActorID) []int64 {
	t.mu.Lock()
	var left []int64
	for orderID, members := range t.rooms {
		if _, ok := members[actor]; !ok {
			continue
		}
		delete(members, actor)
		left = append(left, orderID)
		if len(members) == 0 {
			delete(t.rooms, orderID)
		}
	}
	n := len(t.rooms)
	t.mu.Unlock()

	metrics.GetMetrics().RoomsActive.Set(float64(n))
	sort.Slice(left, func(i, j int) bool { return left[i] < left[j] })
	return left
}

// Count is the number of non-empty rooms
func (t *RoomTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms)
}
