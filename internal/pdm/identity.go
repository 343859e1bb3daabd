package pdm

import (
	"context"

	"pdm-go/internal/model"
)

// IdentityProvider authenticates callers before any request reaches the
// guard. Credential issuance is outside this service.
type IdentityProvider interface {
	// Authenticate resolves a bearer token to an actor.
	// Returns ErrUnauthenticated when the token is unknown.
	Authenticate(ctx context.Context, token string) (*model.Actor, error)

	// Lookup resolves an actor by ID, used by the local CLI.
	Lookup(ctx context.Context, actorID string) (*model.Actor, error)
}
