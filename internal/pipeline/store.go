package pipeline

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no incident has the requested id.
var ErrNotFound = errors.New("incident not found")

// Store is the persistence interface for incident views.
//
// Put must never let an older incident version replace a newer one; a
// write with a lower version than the stored one is silently ignored.
// List returns matches ordered by updated_ts descending, then id.
type Store interface {
	Get(ctx context.Context, id string) (*View, bool, error)
	Put(ctx context.Context, v *View) error
	List(ctx context.Context, f Filter) ([]*View, error)
}
