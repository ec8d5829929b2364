package presence

import (
	"sort"
	"sync"
	"time"

	"pushhub/internal/metrics"
	"pushhub/pkg/types"
)

// SubscriptionTable holds the liveness record of every technician
// subscribed to assignment pushes. Staleness is enforced only by Sweep.
type SubscriptionTable struct {
	mu      sync.RWMutex
	records map[types.ActorID]types.SubscriptionRecord
	clock   Clock
}

func NewSubscriptionTable(clock Clock) *SubscriptionTable {
	if clock == nil {
		clock = SystemClock{}
	}
	return &SubscriptionTable{
		records: make(map[types.ActorID]types.SubscriptionRecord),
		clock:   clock,
	}
}

// Subscribe inserts or replaces the actor's record with a fresh heartbeat
func (t *SubscriptionTable) Subscribe(actor types.ActorID, technicianID int64, onShift bool) {
	t.mu.Lock()
	t.records[actor] = types.SubscriptionRecord{
		Subscribed:    true,
		LastHeartbeat: t.clock.Now(),
		TechnicianID:  technicianID,
		OnShift:       onShift,
	}
	n := len(t.records)
	t.mu.Unlock()

	metrics.GetMetrics().SubscriptionsActive.Set(float64(n))
}

// Heartbeat refreshes the record if one exists and reports whether it did
func (t *SubscriptionTable) Heartbeat(actor types.ActorID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[actor]
	if !ok {
		return false
	}
	rec.LastHeartbeat = t.clock.Now()
	t.records[actor] = rec
	return true
}

// Unsubscribe removes the record and reports whether one existed
func (t *SubscriptionTable) Unsubscribe(actor types.ActorID) bool {
	t.mu.Lock()
	_, ok := t.records[actor]
	delete(t.records, actor)
	n := len(t.records)
	t.mu.Unlock()

	metrics.GetMetrics().SubscriptionsActive.Set(float64(n))
	return ok
}

// IsSubscribed is an existence check
func (t *SubscriptionTable) IsSubscribed(actor types.ActorID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.records[actor]
	return ok
}

// Get returns a copy of the actor's record
func (t *SubscriptionTable) Get(actor types.ActorID) (types.SubscriptionRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[actor]
	return rec, ok
}

// Snapshot returns all records ordered by actor id. IsActive marks a
// heartbeat within activeWindow.
func (t *SubscriptionTable) Snapshot(activeWindow time.Duration) []types.SubscriptionEntry {
	now := t.clock.Now()

	t.mu.RLock()
	out := make([]types.SubscriptionEntry, 0, len(t.records))
	for actor, rec := range t.records {
		out = append(out, types.SubscriptionEntry{
			ActorID:            actor,
			SubscriptionRecord: rec,
			IsActive:           now.Sub(rec.LastHeartbeat) < activeWindow,
		})
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out
}

// Stats summarises the table
func (t *SubscriptionTable) Stats(activeWindow time.Duration) types.SubscriptionStats {
	entries := t.Snapshot(activeWindow)
	stats := types.SubscriptionStats{
		TotalSubscribed: len(entries),
		Subscriptions:   entries,
	}
	for _, e := range entries {
		if e.IsActive {
			stats.ActiveSubscriptions++
		}
		if e.OnShift {
			stats.OnShiftSubscriptions++
		}
	}
	return stats
}

// Sweep deletes records whose last heartbeat is more than threshold before now
func (t *SubscriptionTable) Sweep(now time.Time, threshold time.Duration) []Eviction {
	t.mu.Lock()
	var evicted []Eviction
	for actor, rec := range t.records {
		if idle := now.Sub(rec.LastHeartbeat); idle > threshold {
			delete(t.records, actor)
			evicted = append(evicted, Eviction{ActorID: actor, TechnicianID: rec.TechnicianID, Idle: idle})
		}
	}
	n := len(t.records)
	t.mu.Unlock()

	metrics.GetMetrics().SubscriptionsActive.Set(float64(n))
	sort.Slice(evicted, func(i, j int) bool { return evicted[i].ActorID < evicted[j].ActorID })
	return evicted
}

// Count is the number of records
func (t *SubscriptionTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Eviction describes one record removed by Sweep
type Eviction struct {
	ActorID      types.ActorID
	TechnicianID int64
	Idle         time.Duration
}
