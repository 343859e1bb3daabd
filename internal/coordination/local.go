package coordination

import (
	"context"

	"pdm-go/internal/pdm"
)

// LocalMutex is used when a single instance owns the store. The lock
// manager already serializes writers in-process and SQLite serializes
// transactions, so there is nothing left to coordinate.
type LocalMutex struct{}

var _ pdm.StoreMutex = LocalMutex{}

func (LocalMutex) Lock(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return func() {}, nil
}
