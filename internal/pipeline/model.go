package pipeline

import (
	"slices"
	"time"

	"github.com/linnemanlabs/vantage/internal/alert"
	"github.com/linnemanlabs/vantage/internal/incident"
	"github.com/linnemanlabs/vantage/internal/plan"
	"github.com/linnemanlabs/vantage/internal/safety"
)

// View is an incident together with everything derived from it at one
// version. Stores persist Views whole.
type View struct {
	Incident   *incident.Incident `json:"incident"`
	Plan       plan.Plan          `json:"plan"`
	Validation safety.Result      `json:"validation"`
	Alert      *alert.Message     `json:"alert,omitempty"`
}

// AlertMessage lets notifiers pull the compiled alert off a bus upsert.
func (v *View) AlertMessage() *alert.Message { return v.Alert }

// Version is the incident version the view was derived from.
func (v *View) Version() int { return v.Incident.Version }

// Clone returns a deep copy of v.
func (v *View) Clone() *View {
	cp := *v
	cp.Incident = v.Incident.Clone()
	cp.Plan.RiskFlags = slices.Clone(v.Plan.RiskFlags)
	cp.Plan.EvidenceRefs = slices.Clone(v.Plan.EvidenceRefs)
	cp.Validation.Violations = slices.Clone(v.Validation.Violations)
	cp.Validation.Warnings = slices.Clone(v.Validation.Warnings)
	if v.Alert != nil {
		a := *v.Alert
		a.OperatorActions = slices.Clone(v.Alert.OperatorActions)
		a.EvidenceRefs = slices.Clone(v.Alert.EvidenceRefs)
		cp.Alert = &a
	}
	return &cp
}

// Filter selects incidents for List. Zero fields match everything.
type Filter struct {
	Status   incident.Status
	CameraID string
	ZoneID   string
	Since    time.Time // updated_ts >= Since
	Limit    int
}

// List limits.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Normalize clamps the limit into range.
func (f Filter) Normalize() Filter {
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultListLimit
	case f.Limit > MaxListLimit:
		f.Limit = MaxListLimit
	}
	return f
}

// Match reports whether v satisfies f, ignoring Limit.
func (f Filter) Match(v *View) bool {
	inc := v.Incident
	if f.Status != "" && inc.Status != f.Status {
		return false
	}
	if f.CameraID != "" && inc.CameraID != f.CameraID {
		return false
	}
	if f.ZoneID != "" && inc.ZoneID != f.ZoneID {
		return false
	}
	if !f.Since.IsZero() && inc.UpdatedTS.Before(f.Since) {
		return false
	}
	return true
}

// IngestResult is returned for every accepted event.
type IngestResult struct {
	IncidentID     string           `json:"incident_id"`
	Outcome        incident.Outcome `json:"outcome"`
	Version        int              `json:"incident_version"`
	NextStep       plan.Step        `json:"recommended_next_step"`
	Passed         bool             `json:"passed"`
	AlertGenerated bool             `json:"alert_generated"`
}
