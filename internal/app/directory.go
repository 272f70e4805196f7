package app

import (
	"context"

	"whisperim/pkg/domain"
	"whisperim/pkg/store"
)

// Directory resolves account identities. Account management itself lives
// outside this service; the messaging core only reads id, username, status
// and push subscriptions through this interface.
type Directory interface {
	ByID(ctx context.Context, id string) (domain.User, bool, error)
	ByUsername(ctx context.Context, username string) (domain.User, bool, error)
}

// StoreDirectory serves directory lookups from the shared store, for
// deployments where accounts live in the same database.
type StoreDirectory struct {
	store store.Store
}

func NewStoreDirectory(s store.Store) *StoreDirectory {
	return &StoreDirectory{store: s}
}

func (d *StoreDirectory) ByID(_ context.Context, id string) (domain.User, bool, error) {
	return d.store.GetUserByID(id)
}

func (d *StoreDirectory) ByUsername(_ context.Context, username string) (domain.User, bool, error) {
	return d.store.GetUserByUsername(username)
}
