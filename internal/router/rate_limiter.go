package router

import (
	"sync"
	"time"

	"pushhub/pkg/types"
)

// RateLimiter allows at most limit events per actor within any span of one
// window. Each actor keeps the timestamps of its accepted events.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	actors  map[types.ActorID][]time.Time
	nowFunc func() time.Time
}

// NewRateLimiter creates a limiter. A non-positive limit disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		actors:  make(map[types.ActorID][]time.Time),
		nowFunc: time.Now,
	}
}

// Allow records one event for actor and reports whether it is within the limit
func (rl *RateLimiter) Allow(actor types.ActorID) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	recent := rl.prune(rl.actors[actor], now)
	if len(recent) >= rl.limit {
		rl.actors[actor] = recent
		return false
	}
	rl.actors[actor] = append(recent, now)
	return true
}

// prune drops timestamps that fell out of the window ending at now
func (rl *RateLimiter) prune(stamps []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-rl.window)
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}

// Cleanup removes actors with no events inside the current window
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	for actor, stamps := range rl.actors {
		if recent := rl.prune(stamps, now); len(recent) == 0 {
			delete(rl.actors, actor)
		} else {
			rl.actors[actor] = recent
		}
	}
}

// Tracked is the number of actors with events inside the window
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.actors)
}
