// Package audit records every processing cycle, renderer fallback and
// operator decision in an append-only sink. Records are never updated or
// deleted; a Log assigns each one a sequence number and timestamp in
// arrival order before handing it to the sink.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/vantage/internal/incident"
)

// Kind distinguishes record types.
type Kind string

const (
	KindCycle            Kind = "cycle"
	KindRendererFallback Kind = "renderer_fallback"
	KindDecision         Kind = "decision"
)

// Record is one audit entry.
type Record struct {
	Seq             uint64    `json:"seq"`
	Timestamp       time.Time `json:"timestamp"`
	Kind            Kind      `json:"kind"`
	IncidentID      string    `json:"incident_id"`
	IncidentVersion int       `json:"incident_version,omitempty"`
	EventID         string    `json:"event_id,omitempty"`
	Outcome         string    `json:"outcome,omitempty"`

	PlanSummary    string   `json:"plan_summary,omitempty"`
	NextStep       string   `json:"recommended_next_step,omitempty"`
	Passed         bool     `json:"passed"`
	Violations     []string `json:"violations,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
	AlertGenerated bool     `json:"alert_generated"`

	Renderer       string `json:"renderer,omitempty"`
	FallbackReason string `json:"fallback_reason,omitempty"`
	Detail         string `json:"detail,omitempty"`

	Decision *incident.DecisionRecord `json:"decision,omitempty"`
}

// Sink stores records durably. Append is called with records in order and
// never concurrently by a Log.
type Sink interface {
	Append(ctx context.Context, r Record) error
}

// Reader is implemented by sinks that can return records for an incident,
// oldest first. limit <= 0 means no limit.
type Reader interface {
	Records(ctx context.Context, incidentID string, limit int) ([]Record, error)
}

// Sequencer is implemented by sinks that survive restarts, so a Log can
// continue numbering where the previous process stopped.
type Sequencer interface {
	LastSeq(ctx context.Context) (uint64, error)
}

// ErrNotReadable is returned by Log.Records when the sink cannot be read.
var ErrNotReadable = errors.New("audit: sink does not support reading")

// Log serializes appends to a Sink.
type Log struct {
	mu   sync.Mutex
	seq  uint64
	sink Sink
	now  func() time.Time
}

// NewLog wraps sink. If the sink implements Sequencer numbering resumes
// after its last record. It panics on a nil sink.
func NewLog(ctx context.Context, sink Sink) (*Log, error) {
	if sink == nil {
		panic(xerrors.New("audit: nil sink"))
	}
	l := &Log{sink: sink, now: time.Now}
	if s, ok := sink.(Sequencer); ok {
		last, err := s.LastSeq(ctx)
		if err != nil {
			return nil, fmt.Errorf("audit: read last sequence: %w", err)
		}
		l.seq = last
	}
	return l, nil
}

// Append stamps r and writes it. A failed write does not consume a
// sequence number.
func (l *Log) Append(ctx context.Context, r Record) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r.Seq = l.seq + 1
	r.Timestamp = l.now().UTC()
	if err := l.sink.Append(ctx, r); err != nil {
		return Record{}, fmt.Errorf("audit: append %s for %s: %w", r.Kind, r.IncidentID, err)
	}
	l.seq = r.Seq
	return r, nil
}

// Records reads back records for one incident when the sink allows it.
func (l *Log) Records(ctx context.Context, incidentID string, limit int) ([]Record, error) {
	rd, ok := l.sink.(Reader)
	if !ok {
		return nil, ErrNotReadable
	}
	return rd.Records(ctx, incidentID, limit)
}
