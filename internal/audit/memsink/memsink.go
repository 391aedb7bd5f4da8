// Package memsink provides an in-memory audit.Sink. Suitable for dev/testing.
package memsink

import (
	"context"
	"slices"
	"sync"

	"github.com/linnemanlabs/vantage/internal/audit"
)

// Sink keeps every record in memory.
type Sink struct {
	mu      sync.RWMutex
	records []audit.Record
}

// New initializes an empty Sink.
func New() *Sink {
	return &Sink{}
}

// Append stores a copy of r.
func (s *Sink) Append(_ context.Context, r audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, clone(r))
	return nil
}

// Records returns copies of the records for incidentID, oldest first.
func (s *Sink) Records(_ context.Context, incidentID string, limit int) ([]audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Record
	for _, r := range s.records {
		if r.IncidentID != incidentID {
			continue
		}
		out = append(out, clone(r))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// All returns a copy of every record in append order.
func (s *Sink) All() []audit.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.Record, len(s.records))
	for n, r := range s.records {
		out[n] = clone(r)
	}
	return out
}

// LastSeq implements audit.Sequencer.
func (s *Sink) LastSeq(context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return 0, nil
	}
	return s.records[len(s.records)-1].Seq, nil
}

func clone(r audit.Record) audit.Record {
	r.Violations = slices.Clone(r.Violations)
	r.Warnings = slices.Clone(r.Warnings)
	if r.Decision != nil {
		d := *r.Decision
		r.Decision = &d
	}
	return r
}
