package unit

import (
	"context"

	"fiscalbridge/pkg/domain"
)

// Store persists units and their sealed credentials.
// Implementations return sentinel errors; the service translates them.
type Store interface {
	// Create returns sentinel.ErrAlreadyUsed when the code is taken.
	Create(ctx context.Context, u *Unit) error
	FindByID(ctx context.Context, id domain.UnitID) (*Unit, error)
	List(ctx context.Context) ([]*Unit, error)
	// Execute validates and mutates a unit atomically. validate runs against
	// the latest committed state; apply runs only if validate succeeds.
	Execute(ctx context.Context, id domain.UnitID, validate func(*Unit) error, apply func(*Unit)) (*Unit, error)
	SaveCredentials(ctx context.Context, id domain.UnitID, env Environment, sealed []byte) error
	LoadCredentials(ctx context.Context, id domain.UnitID, env Environment) ([]byte, error)
}
