// Package store is the thin SQL layer behind the record-fetching
// interface. Postgres owns every persisted table; nothing in the control
// plane's registries is written back.
package store

import (
	"context"
	"errors"

	"github.com/fenestra/quotehub/internal/identity"
	"github.com/fenestra/quotehub/internal/resource"
)

// ErrInvalidCredentials is returned by GetUser for an unknown username or
// a wrong password. Callers must not distinguish the two cases.
var ErrInvalidCredentials = errors.New("Incorrect username/password")

// Store is the record-fetching interface the services depend on. Tests
// substitute an in-memory fake.
type Store interface {
	resource.QuoteSource

	// GetUser authenticates username/password and returns the hydrated user
	// snapshot (teams, companies, permissions included).
	GetUser(ctx context.Context, username, password string) (*identity.User, error)

	// NextID draws from the monotonic id generator.
	NextID(ctx context.Context) (int, error)

	Close()
}
