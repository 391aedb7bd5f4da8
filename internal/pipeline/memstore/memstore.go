// Package memstore provides an in-memory implementation of pipeline.Store.
package memstore

import (
	"context"
	"slices"
	"sync"

	"github.com/linnemanlabs/vantage/internal/pipeline"
)

// Store holds incident views in memory. Suitable for dev/testing.
type Store struct {
	mu    sync.RWMutex
	views map[string]*pipeline.View // incident ID -> latest view
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{views: make(map[string]*pipeline.View)}
}

// Get retrieves a view by incident ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*pipeline.View, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.views[id]
	if !ok {
		return nil, false, nil
	}
	return v.Clone(), true, nil
}

// Put stores a copy of v unless a newer version is already held.
func (s *Store) Put(_ context.Context, v *pipeline.View) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.views[v.Incident.ID]; ok && cur.Version() > v.Version() {
		return nil
	}
	s.views[v.Incident.ID] = v.Clone()
	return nil
}

// List returns copies of the views matching f, most recently updated first.
func (s *Store) List(_ context.Context, f pipeline.Filter) ([]*pipeline.View, error) {
	f = f.Normalize()

	s.mu.RLock()
	out := make([]*pipeline.View, 0, len(s.views))
	for _, v := range s.views {
		if f.Match(v) {
			out = append(out, v)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *pipeline.View) int {
		if c := b.Incident.UpdatedTS.Compare(a.Incident.UpdatedTS); c != 0 {
			return c
		}
		switch {
		case a.Incident.ID < b.Incident.ID:
			return -1
		case a.Incident.ID > b.Incident.ID:
			return 1
		}
		return 0
	})
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	for i, v := range out {
		out[i] = v.Clone()
	}
	return out, nil
}
