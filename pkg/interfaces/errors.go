package interfaces

import "errors"

// Errors shared by IdentityResolver and ChatStore implementations
var (
	ErrInvalidCredential  = errors.New("invalid credential")
	ErrNotTechnician      = errors.New("actor is not a technician")
	ErrTechnicianNotFound = errors.New("technician not found")
	ErrOrderNotFound      = errors.New("order not found")
	ErrActorNotFound      = errors.New("actor not found")
)
