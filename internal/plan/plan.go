// Package plan derives an IncidentPlan from an incident's events. Build is a
// pure function of the incident and the policy snapshot: the same inputs
// always produce the same plan, and nothing else is consulted.
package plan

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/linnemanlabs/vantage/internal/event"
	"github.com/linnemanlabs/vantage/internal/incident"
	"github.com/linnemanlabs/vantage/internal/policy"
	"github.com/linnemanlabs/vantage/internal/vocab"
)

// Step is a recommended next step.
type Step string

const (
	StepMonitor               Step = "monitor"
	StepNotify                Step = "notify"
	StepDispatchPendingReview Step = "dispatch_pending_review"
	StepClose                 Step = "close"
)

// Valid reports whether s is one of the known steps.
func (s Step) Valid() bool {
	switch s {
	case StepMonitor, StepNotify, StepDispatchPendingReview, StepClose:
		return true
	}
	return false
}

// NeedsEvidence reports whether the step puts the incident in front of
// someone who will act on it.
func (s Step) NeedsEvidence() bool {
	return s == StepNotify || s == StepDispatchPendingReview
}

// Risk flags. They never block, they only inform the operator.
const (
	FlagLowEvidence         = "low_evidence"
	FlagWatchlistMatch      = "watchlist_match"
	FlagNearThreshold       = "near_threshold"
	FlagDuplicateSuppressed = "duplicate_suppressed"
	FlagSingleSource        = "single_source"
)

// Plan is the recommendation derived for one incident version.
type Plan struct {
	IncidentID            string   `json:"incident_id"`
	IncidentVersion       int      `json:"incident_version"`
	Summary               string   `json:"summary_1line"`
	Severity              int      `json:"severity"`
	Confidence            float64  `json:"confidence"`
	NextStep              Step     `json:"recommended_next_step"`
	RequiresHumanApproval bool     `json:"requires_human_approval"`
	RiskFlags             []string `json:"action_risk_flags"`
	EvidenceRefs          []string `json:"evidence_refs"`
}

// Build derives the plan for inc under cfg.
//
// Step precedence: low confidence always yields monitor; otherwise high
// severity or a watchlist match yields dispatch_pending_review with
// approval; otherwise notify. Close is never recommended, only decided.
func Build(inc *incident.Incident, cfg *policy.Config) Plan {
	events := inc.Eligible()

	p := Plan{
		IncidentID:      inc.ID,
		IncidentVersion: inc.Version,
		Severity:        MaxSeverity(events),
		Confidence:      Confidence(events, cfg.ConfidenceRule),
		EvidenceRefs:    EvidenceRefs(events),
		RiskFlags:       []string{},
	}
	watchlist := inc.AnyWatchlist()
	highRisk := p.Severity >= cfg.HighSeverityThreshold || watchlist

	switch {
	case p.Confidence < cfg.MinConfidenceForNotify:
		p.NextStep = StepMonitor
	case highRisk:
		p.NextStep = StepDispatchPendingReview
	default:
		p.NextStep = StepNotify
	}
	// approval sticks to high risk even when the confidence gate wins, so a
	// later manual escalation still goes through review
	p.RequiresHumanApproval = highRisk

	p.Summary = Summary(inc, events, cfg)
	if len(p.EvidenceRefs) == 0 {
		p.Summary = p.Summary + "; " + cfg.NoEvidencePhrase
		p.RiskFlags = append(p.RiskFlags, FlagLowEvidence)
	}

	if watchlist {
		p.RiskFlags = append(p.RiskFlags, FlagWatchlistMatch)
	}
	if diff := p.Confidence - cfg.MinConfidenceForNotify; diff >= -cfg.NearThresholdMargin && diff <= cfg.NearThresholdMargin {
		p.RiskFlags = append(p.RiskFlags, FlagNearThreshold)
	}
	if len(inc.Superseded) > 0 {
		p.RiskFlags = append(p.RiskFlags, FlagDuplicateSuppressed)
	}
	if len(events) == 1 {
		p.RiskFlags = append(p.RiskFlags, FlagSingleSource)
	}
	return p
}

// MaxSeverity returns the highest severity in events, or 0 when empty.
func MaxSeverity(events []event.CameraEvent) int {
	var m int
	for _, e := range events {
		m = max(m, e.Severity)
	}
	return m
}

// EvidenceRefs returns the de-duplicated clip and snapshot urls of events in
// arrival order.
func EvidenceRefs(events []event.CameraEvent) []string {
	refs := []string{}
	for _, e := range events {
		for _, r := range e.EvidenceRefs() {
			if !slices.Contains(refs, r) {
				refs = append(refs, r)
			}
		}
	}
	return refs
}

// Summary renders the one-line summary from event type counts and the
// camera and zone ids. Every variable part goes through the forbidden-term
// filter, and so does the result.
func Summary(inc *incident.Incident, events []event.CameraEvent, cfg *policy.Config) string {
	counts := make(map[string]int)
	for _, e := range events {
		counts[vocab.Neutral(e.Type, vocab.TypeFallback, cfg.ForbiddenTerms)]++
	}
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	slices.SortFunc(types, func(a, b string) int {
		if c := cmp.Compare(counts[b], counts[a]); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})

	parts := make([]string, len(types))
	for n, t := range types {
		parts[n] = fmt.Sprintf("%d %s", counts[t], strings.ReplaceAll(t, "_", " "))
	}
	if len(parts) == 0 {
		return vocab.SummaryFallback
	}

	s := fmt.Sprintf("%s in zone %s on camera %s",
		strings.Join(parts, ", "),
		vocab.Neutral(inc.ZoneID, vocab.IDFallback, cfg.ForbiddenTerms),
		vocab.Neutral(inc.CameraID, vocab.IDFallback, cfg.ForbiddenTerms),
	)
	return vocab.Neutral(s, vocab.SummaryFallback, cfg.ForbiddenTerms)
}
