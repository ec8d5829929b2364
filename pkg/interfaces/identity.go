package interfaces

import (
	"context"

	"pushhub/pkg/types"
)

// IdentityResolver answers who an actor is and what they may access.
// Implementations must be safe for concurrent use.
type IdentityResolver interface {
	// ResolveToken maps a credential to a stable actor id.
	// Returns ErrInvalidCredential for bad or expired tokens.
	ResolveToken(ctx context.Context, token string) (types.ActorID, error)

	// TechnicianByActor returns ErrNotTechnician when the actor has no technician profile
	TechnicianByActor(ctx context.Context, actor types.ActorID) (*types.Technician, error)

	// ActorForTechnician maps a technician's domain id to its actor id.
	// Returns ErrTechnicianNotFound when unknown.
	ActorForTechnician(ctx context.Context, technicianID int64) (types.ActorID, error)

	// OrderParticipants returns ErrOrderNotFound when the order does not exist
	OrderParticipants(ctx context.Context, orderID int64) (*types.OrderParticipants, error)

	// DisplayName returns the actor's name or ErrActorNotFound
	DisplayName(ctx context.Context, actor types.ActorID) (string, error)
}
