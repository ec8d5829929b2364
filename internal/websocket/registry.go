package websocket

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"pushhub/internal/logging"
	"pushhub/internal/metrics"
	"pushhub/pkg/interfaces"
	"pushhub/pkg/protocol"
	"pushhub/pkg/types"
)

// Registry maps each authenticated actor to its one live connection
type Registry struct {
	mu          sync.RWMutex
	connections map[types.ActorID]interfaces.Connection
	logger      zerolog.Logger
}

// NewRegistry creates an empty connection registry
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[types.ActorID]interfaces.Connection),
		logger:      logging.Component("registry"),
	}
}

// Register makes conn the actor's connection. A previous connection for the
// same actor is closed asynchronously without any message.
func (r *Registry) Register(actor types.ActorID, conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !actor.Valid() {
		return ErrInvalidActor
	}

	r.mu.Lock()
	existing, exists := r.connections[actor]
	r.connections[actor] = conn
	count := len(r.connections)
	r.mu.Unlock()

	metrics.GetMetrics().ConnectionsActive.Set(float64(count))

	if exists && existing.ID() != conn.ID() {
		r.logger.Info().
			Str("actor_id", actor.String()).
			Str("old_conn_id", existing.ID()).
			Str("conn_id", conn.ID()).
			Msg("connection superseded")
		go func() {
			if err := existing.Close(); err != nil {
				r.logger.Debug().Err(err).Msg("failed to close superseded connection")
			}
		}()
	}
	return nil
}

// Unregister removes the actor's entry. Idempotent.
func (r *Registry) Unregister(actor types.ActorID) {
	r.mu.Lock()
	delete(r.connections, actor)
	count := len(r.connections)
	r.mu.Unlock()

	metrics.GetMetrics().ConnectionsActive.Set(float64(count))
}

// UnregisterConnection removes the entry only if conn is still the one
// registered for actor. It reports whether it removed anything.
func (r *Registry) UnregisterConnection(actor types.ActorID, conn interfaces.Connection) bool {
	if conn == nil {
		return false
	}

	r.mu.Lock()
	registered, exists := r.connections[actor]
	if !exists || registered.ID() != conn.ID() {
		r.mu.Unlock()
		return false
	}
	delete(r.connections, actor)
	count := len(r.connections)
	r.mu.Unlock()

	metrics.GetMetrics().ConnectionsActive.Set(float64(count))
	return true
}

// Lookup returns the actor's connection
func (r *Registry) Lookup(actor types.ActorID) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.connections[actor]
	return conn, ok
}

// IsRegistered reports whether actor has a registered connection
func (r *Registry) IsRegistered(actor types.ActorID) bool {
	_, ok := r.Lookup(actor)
	return ok
}

// SendIfOpen queues event on the actor's connection. It reports true only
// when the connection exists, is open and accepted the write.
func (r *Registry) SendIfOpen(actor types.ActorID, event protocol.Event) bool {
	conn, ok := r.Lookup(actor)
	delivered := false
	if ok && conn.IsOpen() {
		if err := conn.WriteJSON(event); err != nil {
			r.logger.Debug().
				Err(err).
				Str("actor_id", actor.String()).
				Str("event", event.EventType()).
				Msg("delivery failed")
		} else {
			delivered = true
		}
	}

	metrics.GetMetrics().EventsSent.WithLabelValues(event.EventType(), metrics.DeliveryResult(delivered)).Inc()
	return delivered
}

// Broadcast sends event to every registered actor and returns the number of
// successful deliveries
func (r *Registry) Broadcast(event protocol.Event) int {
	delivered := 0
	for _, actor := range r.Actors() {
		if r.SendIfOpen(actor, event) {
			delivered++
		}
	}
	return delivered
}

// Count is the number of registered actors
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// Actors returns registered actor ids in ascending order
func (r *Registry) Actors() []types.ActorID {
	r.mu.RLock()
	actors := make([]types.ActorID, 0, len(r.connections))
	for actor := range r.connections {
		actors = append(actors, actor)
	}
	r.mu.RUnlock()

	sort.Slice(actors, func(i, j int) bool { return actors[i] < actors[j] })
	return actors
}
