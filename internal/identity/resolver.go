package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"pushhub/pkg/interfaces"
	"pushhub/pkg/types"
)

// TokenVerifier turns a credential into an actor id
type TokenVerifier interface {
	Verify(token string) (types.ActorID, error)
}

// Directory is the read side of the marketplace database
type Directory interface {
	TechnicianByActor(ctx context.Context, actor types.ActorID) (*types.Technician, error)
	ActorForTechnician(ctx context.Context, technicianID int64) (types.ActorID, error)
	OrderParticipants(ctx context.Context, orderID int64) (*types.OrderParticipants, error)
	UserName(ctx context.Context, actor types.ActorID) (string, error)
}

type cachedName struct {
	name    string
	fetched time.Time
}

// Resolver implements interfaces.IdentityResolver over a token verifier and
// the directory. Display names are cached; role and order lookups are not,
// so authorization always sees current assignments.
type Resolver struct {
	verifier  TokenVerifier
	directory Directory
	names     *lru.TwoQueueCache
	nameTTL   time.Duration
	now       func() time.Time
}

var _ interfaces.IdentityResolver = (*Resolver)(nil)

// NewResolver creates a resolver with a name cache of cacheSize entries
func NewResolver(verifier TokenVerifier, directory Directory, cacheSize int, nameTTL time.Duration) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	names, err := lru.New2Q(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create name cache: %w", err)
	}
	return &Resolver{
		verifier:  verifier,
		directory: directory,
		names:     names,
		nameTTL:   nameTTL,
		now:       time.Now,
	}, nil
}

func (r *Resolver) ResolveToken(ctx context.Context, token string) (types.ActorID, error) {
	actor, err := r.verifier.Verify(token)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", interfaces.ErrInvalidCredential, err)
	}
	return actor, nil
}

func (r *Resolver) TechnicianByActor(ctx context.Context, actor types.ActorID) (*types.Technician, error) {
	return r.directory.TechnicianByActor(ctx, actor)
}

func (r *Resolver) ActorForTechnician(ctx context.Context, technicianID int64) (types.ActorID, error) {
	return r.directory.ActorForTechnician(ctx, technicianID)
}

func (r *Resolver) OrderParticipants(ctx context.Context, orderID int64) (*types.OrderParticipants, error) {
	return r.directory.OrderParticipants(ctx, orderID)
}

// DisplayName returns the cached name while it is younger than nameTTL.
// Missing users are not cached.
func (r *Resolver) DisplayName(ctx context.Context, actor types.ActorID) (string, error) {
	if v, ok := r.names.Get(actor); ok {
		entry := v.(cachedName)
		if r.nameTTL <= 0 || r.now().Sub(entry.fetched) < r.nameTTL {
			return entry.name, nil
		}
		r.names.Remove(actor)
	}

	name, err := r.directory.UserName(ctx, actor)
	if err != nil {
		if errors.Is(err, interfaces.ErrActorNotFound) {
			return "", err
		}
		return "", fmt.Errorf("failed to resolve display name: %w", err)
	}

	r.names.Add(actor, cachedName{name: name, fetched: r.now()})
	return name, nil
}
