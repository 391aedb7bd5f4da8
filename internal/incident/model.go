// Package incident holds the Incident model, its status transition table and
// the correlation window that groups camera events into incidents.
package incident

import (
	"maps"
	"slices"
	"time"

	"github.com/linnemanlabs/vantage/internal/event"
)

// Status tracks where an incident is in its review lifecycle.
type Status string

const (
	// StatusNew means created by correlation, not yet looked at
	StatusNew Status = "new"

	// StatusTriage means an operator is reviewing it
	StatusTriage Status = "triage"

	// StatusDismissed means reviewed and dismissed (terminal)
	StatusDismissed Status = "dismissed"

	// StatusEscalated means handed over for response
	StatusEscalated Status = "escalated"

	// StatusClosed means resolved (terminal)
	StatusClosed Status = "closed"
)

// Terminal reports whether no further transitions or event appends are allowed.
func (s Status) Terminal() bool {
	return s == StatusDismissed || s == StatusClosed
}

// Decision is an operator decision supplied by the review console.
type Decision struct {
	ActionTaken string `json:"action_taken"`
	Notes       string `json:"notes,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// DecisionRecord is an applied Decision with the transition it caused.
type DecisionRecord struct {
	Decision
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
}

// Incident is a correlated group of camera events for one camera and zone.
// Events are kept in arrival order and only ever appended. Superseded maps
// the id of an event that lost a dedup contest to the id of the event that
// replaced it; superseded events stay for audit but never feed aggregation.
type Incident struct {
	ID         string              `json:"incident_id"`
	CameraID   string              `json:"camera_id"`
	ZoneID     string              `json:"zone_id"`
	Status     Status              `json:"status"`
	CreatedTS  time.Time           `json:"created_ts"`
	UpdatedTS  time.Time           `json:"updated_ts"`
	Version    int                 `json:"version"`
	Events     []event.CameraEvent `json:"events"`
	Superseded map[string]string   `json:"superseded,omitempty"`
	Decisions  []DecisionRecord    `json:"decisions,omitempty"`
}

// Eligible returns the events that contribute to aggregation, in arrival order.
func (i *Incident) Eligible() []event.CameraEvent {
	out := make([]event.CameraEvent, 0, len(i.Events))
	for _, e := range i.Events {
		if _, gone := i.Superseded[e.ID]; !gone {
			out = append(out, e)
		}
	}
	return out
}

// LastEventTS returns the latest event timestamp, regardless of arrival order.
func (i *Incident) LastEventTS() time.Time {
	var last time.Time
	for _, e := range i.Events {
		if e.TS.After(last) {
			last = e.TS
		}
	}
	return last
}

// HasEvent reports whether an event with the given id was already appended.
func (i *Incident) HasEvent(id string) bool {
	return slices.ContainsFunc(i.Events, func(e event.CameraEvent) bool { return e.ID == id })
}

// AnyWatchlist reports whether any event, superseded or not, carries the
// watchlist flag.
func (i *Incident) AnyWatchlist() bool {
	return slices.ContainsFunc(i.Events, func(e event.CameraEvent) bool { return e.Flags.WatchlistMatch })
}

// Clone returns a deep copy of the incident.
func (i *Incident) Clone() *Incident {
	cp := *i
	cp.Events = make([]event.CameraEvent, len(i.Events))
	for n, e := range i.Events {
		cp.Events[n] = e.Clone()
	}
	cp.Superseded = maps.Clone(i.Superseded)
	cp.Decisions = slices.Clone(i.Decisions)
	return &cp
}
