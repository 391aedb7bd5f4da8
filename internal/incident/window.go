package incident

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/vantage/internal/event"
	"github.com/linnemanlabs/vantage/internal/policy"
)

// Outcome describes what Ingest did with an event.
type Outcome string

const (
	// OutcomeCreated means the event seeded a new incident
	OutcomeCreated Outcome = "created"

	// OutcomeAppended means the event joined an existing incident
	OutcomeAppended Outcome = "appended"

	// OutcomeDeduplicated means the event superseded one or more earlier
	// events of the same type inside the dedup window
	OutcomeDeduplicated Outcome = "deduplicated"

	// OutcomeReplayed means an event with the same id was already applied;
	// nothing changed
	OutcomeReplayed Outcome = "replayed"
)

// ErrUnknownIncident is returned when the window holds no incident with the
// requested id, either because it never existed or because it was pruned.
var ErrUnknownIncident = errors.New("incident not in correlation window")

// CommitFunc receives the proposed incident state while the zone lock is
// held. Returning an error discards the change.
type CommitFunc func(inc *Incident, out Outcome) error

// Window groups events into incidents. State is partitioned by
// (camera_id, zone_id); each partition has its own lock, so ingestion for
// different zones never contends. The window-level lock only guards the
// partition and id maps.
type Window struct {
	mu    sync.Mutex
	zones map[event.Key]*zone
	byID  map[string]*zone

	newID func() string
}

type zone struct {
	mu        sync.Mutex
	incidents []*Incident
	highWater time.Time
}

// Option configures a Window.
type Option func(*Window)

// WithIDFunc overrides incident id generation. Ids must be unique.
func WithIDFunc(fn func() string) Option {
	return func(w *Window) {
		if fn != nil {
			w.newID = fn
		}
	}
}

// NewWindow returns an empty correlation window. Incident ids default to
// ULIDs so they sort by creation time.
func NewWindow(opts ...Option) *Window {
	w := &Window{
		zones: make(map[event.Key]*zone),
		byID:  make(map[string]*zone),
		newID: func() string { return ulid.Make().String() },
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Window) zoneFor(k event.Key) *zone {
	w.mu.Lock()
	defer w.mu.Unlock()
	z, ok := w.zones[k]
	if !ok {
		z = &zone{}
		w.zones[k] = z
	}
	return z
}

func (w *Window) lookup(id string) *zone {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.byID[id]
}

// Ingest correlates e into an incident under cfg and hands the resulting
// snapshot to commit. The proposed state is only stored once commit returns
// nil, and commit runs while the partition is locked so downstream work for
// one zone observes mutations in order. An event whose id is already
// present in the partition is reported as OutcomeReplayed without calling
// commit.
func (w *Window) Ingest(cfg *policy.Config, e event.CameraEvent, commit CommitFunc) (*Incident, Outcome, error) {
	z := w.zoneFor(e.Key())
	z.mu.Lock()
	defer z.mu.Unlock()

	for _, inc := range z.incidents {
		if inc.HasEvent(e.ID) {
			return inc.Clone(), OutcomeReplayed, nil
		}
	}

	var (
		target *Incident
		dups   []string
		out    Outcome
	)
	cands := z.candidates(cfg, e)
	for _, c := range cands {
		if d := duplicatesOf(c, e, cfg.DedupWindow()); len(d) > 0 {
			target, dups, out = c, d, OutcomeDeduplicated
			break
		}
	}
	if target == nil && len(cands) > 0 {
		target, out = cands[0], OutcomeAppended
	}

	var next *Incident
	if target == nil {
		next = &Incident{
			ID:        w.newID(),
			CameraID:  e.CameraID,
			ZoneID:    e.ZoneID,
			Status:    StatusNew,
			CreatedTS: e.TS,
			UpdatedTS: e.TS,
			Version:   1,
			Events:    []event.CameraEvent{e.Clone()},
		}
		out = OutcomeCreated
	} else {
		next = target.Clone()
		next.Events = append(next.Events, e.Clone())
		if len(dups) > 0 && next.Superseded == nil {
			next.Superseded = make(map[string]string, len(dups))
		}
		for _, id := range dups {
			next.Superseded[id] = e.ID
		}
		if e.TS.After(next.UpdatedTS) {
			next.UpdatedTS = e.TS
		}
		next.Version++
	}

	if err := commit(next.Clone(), out); err != nil {
		return nil, "", err
	}

	if target == nil {
		z.incidents = append(z.incidents, next)
		w.mu.Lock()
		w.byID[next.ID] = z
		w.mu.Unlock()
	} else {
		z.replace(next)
	}
	if e.TS.After(z.highWater) {
		z.highWater = e.TS
	}
	w.prune(z, 2*cfg.MergeWindow())
	return next.Clone(), out, nil
}

// candidates returns the active incidents e may join, ordered by creation
// time and then id.
func (z *zone) candidates(cfg *policy.Config, e event.CameraEvent) []*Incident {
	var out []*Incident
	for _, inc := range z.incidents {
		if inc.Status.Terminal() {
			continue
		}
		if absDiff(inc.LastEventTS(), e.TS) > cfg.MergeWindow() {
			continue
		}
		if !slices.ContainsFunc(inc.Events, func(x event.CameraEvent) bool { return cfg.Compatible(x.Type, e.Type) }) {
			continue
		}
		out = append(out, inc)
	}
	slices.SortFunc(out, func(a, b *Incident) int {
		if c := a.CreatedTS.Compare(b.CreatedTS); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// duplicatesOf returns the ids of the eligible events in inc that e
// supersedes: same type, within the dedup window of e.ts.
func duplicatesOf(inc *Incident, e event.CameraEvent, window time.Duration) []string {
	var ids []string
	for _, x := range inc.Eligible() {
		if x.Type == e.Type && absDiff(x.TS, e.TS) <= window {
			ids = append(ids, x.ID)
		}
	}
	return ids
}

func (z *zone) replace(inc *Incident) {
	for n, cur := range z.incidents {
		if cur.ID == inc.ID {
			z.incidents[n] = inc
			return
		}
	}
}

// prune drops incidents that can no longer accept events: terminal ones and
// those whose last event trails the zone high-water mark by more than
// horizon. Caller holds z.mu.
func (w *Window) prune(z *zone, horizon time.Duration) {
	cutoff := z.highWater.Add(-horizon)
	var dropped []string
	z.incidents = slices.DeleteFunc(z.incidents, func(inc *Incident) bool {
		if inc.Status.Terminal() || inc.LastEventTS().Before(cutoff) {
			dropped = append(dropped, inc.ID)
			return true
		}
		return false
	})
	if len(dropped) == 0 {
		return
	}
	w.mu.Lock()
	for _, id := range dropped {
		delete(w.byID, id)
	}
	w.mu.Unlock()
}

// Get returns a snapshot of a live incident.
func (w *Window) Get(id string) (*Incident, bool) {
	z := w.lookup(id)
	if z == nil {
		return nil, false
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	for _, inc := range z.incidents {
		if inc.ID == id {
			return inc.Clone(), true
		}
	}
	return nil, false
}

// Transition applies an operator decision to a live incident. The status
// change is validated against the transition table before anything is
// touched, and like Ingest the new state is only kept when commit succeeds.
func (w *Window) Transition(id string, d Decision, at time.Time, commit func(*Incident) error) (*Incident, error) {
	z := w.lookup(id)
	if z == nil {
		return nil, ErrUnknownIncident
	}
	z.mu.Lock()
	defer z.mu.Unlock()

	idx := slices.IndexFunc(z.incidents, func(inc *Incident) bool { return inc.ID == id })
	if idx < 0 {
		return nil, ErrUnknownIncident
	}
	next, err := Apply(z.incidents[idx], d, at)
	if err != nil {
		return nil, err
	}
	if err := commit(next.Clone()); err != nil {
		return nil, err
	}
	z.incidents[idx] = next
	return next.Clone(), nil
}

// Apply returns a copy of inc with the decision applied, or an
// *IllegalTransitionError. inc is never modified.
func Apply(inc *Incident, d Decision, at time.Time) (*Incident, error) {
	to, err := Next(inc.Status, d.ActionTaken)
	if err != nil {
		return nil, err
	}
	next := inc.Clone()
	next.Decisions = append(next.Decisions, DecisionRecord{
		Decision: d,
		From:     inc.Status,
		To:       to,
		At:       at.UTC(),
	})
	next.Status = to
	if at.After(next.UpdatedTS) {
		next.UpdatedTS = at.UTC()
	}
	next.Version++
	return next, nil
}

func absDiff(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}
