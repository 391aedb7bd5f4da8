package event

import (
	"fmt"
	"maps"
	"math"
	"net/url"
	"strings"
	"time"
)

// Scalar bounds enforced at creation.
const (
	MinSeverity   = 1
	MaxSeverity   = 5
	MinConfidence = 0.0
	MaxConfidence = 1.0
	maxIDLength   = 256
)

// Input is the raw, loosely-typed shape of an event as received on the wire.
// Pointer fields distinguish a missing key from a zero value.
type Input struct {
	EventID     *string        `json:"event_id"`
	CameraID    *string        `json:"camera_id"`
	ZoneID      *string        `json:"zone_id"`
	TS          *time.Time     `json:"ts"`
	EventType   *string        `json:"event_type"`
	Confidence  *float64       `json:"confidence"`
	Severity    *float64       `json:"severity"`
	ClipURL     *string        `json:"clip_url,omitempty"`
	SnapshotURL *string        `json:"snapshot_url,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// FieldError describes one problem with one input field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// MalformedError rejects an event before correlation. It lists every problem
// found, not just the first.
type MalformedError struct {
	Problems []FieldError
}

func (e *MalformedError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Field+": "+p.Reason)
	}
	return "malformed event: " + strings.Join(parts, "; ")
}

func (e *MalformedError) add(field, format string, args ...any) {
	e.Problems = append(e.Problems, FieldError{Field: field, Reason: fmt.Sprintf(format, args...)})
}

// New validates in and builds an immutable CameraEvent. On any violation it
// returns a *MalformedError and a zero event.
func New(in Input) (CameraEvent, error) {
	merr := &MalformedError{}

	id := requiredString(merr, "event_id", in.EventID)
	camera := requiredString(merr, "camera_id", in.CameraID)
	zone := requiredString(merr, "zone_id", in.ZoneID)
	typ := requiredString(merr, "event_type", in.EventType)

	var ts time.Time
	switch {
	case in.TS == nil:
		merr.add("ts", "required")
	case in.TS.IsZero():
		merr.add("ts", "must be a non-zero timestamp")
	default:
		ts = in.TS.UTC()
	}

	var confidence float64
	switch {
	case in.Confidence == nil:
		merr.add("confidence", "required")
	case math.IsNaN(*in.Confidence) || *in.Confidence < MinConfidence || *in.Confidence > MaxConfidence:
		merr.add("confidence", "must be within [%g,%g], got %v", MinConfidence, MaxConfidence, *in.Confidence)
	default:
		confidence = *in.Confidence
	}

	var severity int
	switch {
	case in.Severity == nil:
		merr.add("severity", "required")
	case *in.Severity != math.Trunc(*in.Severity):
		merr.add("severity", "must be an integer, got %v", *in.Severity)
	case *in.Severity < MinSeverity || *in.Severity > MaxSeverity:
		merr.add("severity", "must be within [%d,%d], got %v", MinSeverity, MaxSeverity, *in.Severity)
	default:
		severity = int(*in.Severity)
	}

	clip := optionalURL(merr, "clip_url", in.ClipURL)
	snapshot := optionalURL(merr, "snapshot_url", in.SnapshotURL)

	var flags Flags
	if raw, ok := in.Metadata[MetaWatchlistMatch]; ok {
		b, isBool := raw.(bool)
		if !isBool {
			merr.add("metadata."+MetaWatchlistMatch, "must be a boolean, got %T", raw)
		}
		flags.WatchlistMatch = b
	}

	if len(merr.Problems) > 0 {
		return CameraEvent{}, merr
	}

	return CameraEvent{
		ID:          id,
		CameraID:    camera,
		ZoneID:      zone,
		TS:          ts,
		Type:        typ,
		Confidence:  confidence,
		Severity:    severity,
		ClipURL:     clip,
		SnapshotURL: snapshot,
		Metadata:    maps.Clone(in.Metadata),
		Flags:       flags,
	}, nil
}

func requiredString(merr *MalformedError, field string, v *string) string {
	if v == nil {
		merr.add(field, "required")
		return ""
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		merr.add(field, "must not be empty")
		return ""
	}
	if len(s) > maxIDLength {
		merr.add(field, "must be at most %d bytes", maxIDLength)
		return ""
	}
	return s
}

func optionalURL(merr *MalformedError, field string, v *string) string {
	if v == nil || strings.TrimSpace(*v) == "" {
		return ""
	}
	s := strings.TrimSpace(*v)
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		merr.add(field, "must be an absolute URL")
		return ""
	}
	return s
}
