// Package event defines the camera detection event accepted at the ingestion
// boundary. Events are validated once, in New, and never mutated afterwards.
package event

import (
	"maps"
	"time"
)

// Recognized metadata keys. Everything else in Metadata is opaque.
const (
	MetaWatchlistMatch = "watchlist_match"
)

// Flags are the first-class metadata flags extracted at ingestion. Rule logic
// reads these and never the raw metadata map.
type Flags struct {
	WatchlistMatch bool `json:"watchlist_match"`
}

// CameraEvent is an atomic detection record from one camera at one instant.
type CameraEvent struct {
	ID          string         `json:"event_id"`
	CameraID    string         `json:"camera_id"`
	ZoneID      string         `json:"zone_id"`
	TS          time.Time      `json:"ts"`
	Type        string         `json:"event_type"`
	Confidence  float64        `json:"confidence"`
	Severity    int            `json:"severity"`
	ClipURL     string         `json:"clip_url,omitempty"`
	SnapshotURL string         `json:"snapshot_url,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Flags       Flags          `json:"flags"`
}

// Key identifies the (camera, zone) pair an event belongs to.
type Key struct {
	CameraID string
	ZoneID   string
}

// Key returns the correlation key of the event.
func (e CameraEvent) Key() Key {
	return Key{CameraID: e.CameraID, ZoneID: e.ZoneID}
}

// EvidenceRefs returns the clip and snapshot URLs that are set, clip first.
func (e CameraEvent) EvidenceRefs() []string {
	var refs []string
	if e.ClipURL != "" {
		refs = append(refs, e.ClipURL)
	}
	if e.SnapshotURL != "" {
		refs = append(refs, e.SnapshotURL)
	}
	return refs
}

// Clone returns a copy that shares no mutable state with e.
func (e CameraEvent) Clone() CameraEvent {
	cp := e
	if e.Metadata != nil {
		cp.Metadata = maps.Clone(e.Metadata)
	}
	return cp
}
