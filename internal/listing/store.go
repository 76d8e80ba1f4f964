package listing

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the requested listing does not exist.
var ErrNotFound = errors.New("listing: not found")

// Store is the catalog backend.
//
// All implementations must be safe for concurrent use.
type Store interface {
	// List returns the listings matching f, ordered by id.
	List(ctx context.Context, f Filter) ([]Listing, error)

	// Get retrieves a listing by id.
	// Returns [ErrNotFound] when no listing with that id exists.
	Get(ctx context.Context, id string) (Listing, error)

	// Cities returns the distinct city names in the catalog.
	Cities(ctx context.Context) ([]string, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}
