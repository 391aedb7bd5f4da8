package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// UnmarshalJSON decodes the object field by field so a value of the wrong
// type is reported against its field, together with every other such
// problem, as a *MalformedError. Syntax errors are returned unchanged.
func (in *Input) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) {
			return &MalformedError{Problems: []FieldError{{Field: "event", Reason: "must be a JSON object, got " + te.Value}}}
		}
		return err
	}

	var out Input
	fields := []struct {
		name string
		dst  any
		want string
	}{
		{"event_id", &out.EventID, "a string"},
		{"camera_id", &out.CameraID, "a string"},
		{"zone_id", &out.ZoneID, "a string"},
		{"ts", &out.TS, "an RFC 3339 timestamp"},
		{"event_type", &out.EventType, "a string"},
		{"confidence", &out.Confidence, "a number"},
		{"severity", &out.Severity, "a number"},
		{"clip_url", &out.ClipURL, "a string"},
		{"snapshot_url", &out.SnapshotURL, "a string"},
		{"metadata", &out.Metadata, "an object"},
	}

	merr := &MalformedError{}
	for _, f := range fields {
		v, ok := raw[f.name]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, f.dst); err != nil {
			merr.add(f.name, "%s", decodeReason(err, f.want))
		}
	}
	if len(merr.Problems) > 0 {
		return merr
	}
	*in = out
	return nil
}

func decodeReason(err error, want string) string {
	var (
		te *json.UnmarshalTypeError
		pe *time.ParseError
	)
	switch {
	case errors.As(err, &te):
		return fmt.Sprintf("must be %s, got %s", want, te.Value)
	case errors.As(err, &pe):
		return fmt.Sprintf("must be %s, got %q", want, pe.Value)
	default:
		return "must be " + want
	}
}
