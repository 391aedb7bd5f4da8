// Package safety enforces the hard rules every plan and every rendered alert
// must satisfy. Validate is stateless: it re-derives severity, confidence and
// watchlist status from the incident itself rather than trusting the plan,
// so a plan built or edited elsewhere cannot talk its way past a gate.
package safety

import (
	"fmt"
	"slices"
	"strings"

	"github.com/linnemanlabs/vantage/internal/incident"
	"github.com/linnemanlabs/vantage/internal/plan"
	"github.com/linnemanlabs/vantage/internal/policy"
	"github.com/linnemanlabs/vantage/internal/vocab"
)

// Violation codes. Each violation string starts with its code.
const (
	CodeForbiddenTerm     = "forbidden_term"
	CodeLowConfidenceGate = "low_confidence_gate"
	CodeHighRiskGate      = "high_risk_gate"
	CodeEvidenceRequired  = "evidence_required"
	CodeInvalidStep       = "invalid_step"
)

// Warning codes.
const (
	WarnNearThreshold       = "near_threshold"
	WarnNoEvidencePhrase    = "no_evidence_phrase"
	WarnWatchlistVerify     = "watchlist_verification"
	WarnUnverifiedEvidence  = "unverified_evidence"
	WarnDuplicateSuppressed = "duplicate_suppressed"
)

// Result is the outcome of one validation call.
type Result struct {
	Passed     bool     `json:"passed"`
	Violations []string `json:"violations"`
	Warnings   []string `json:"warnings"`
}

// Has reports whether any violation carries code.
func (r Result) Has(code string) bool {
	return slices.ContainsFunc(r.Violations, func(v string) bool { return strings.HasPrefix(v, code+":") })
}

// Warned reports whether any warning carries code.
func (r Result) Warned(code string) bool {
	return slices.ContainsFunc(r.Warnings, func(v string) bool { return strings.HasPrefix(v, code+":") })
}

// Text is a named piece of operator-facing text checked for forbidden terms.
type Text struct {
	Field string
	Value string
}

// Validate checks p against inc and cfg. Any texts given (titles, bodies,
// operator actions) are scanned for forbidden terms together with the
// summary.
func Validate(inc *incident.Incident, p plan.Plan, cfg *policy.Config, texts ...Text) Result {
	r := Result{Violations: []string{}, Warnings: []string{}}
	violate := func(code, format string, args ...any) {
		r.Violations = append(r.Violations, code+": "+fmt.Sprintf(format, args...))
	}
	warn := func(code, format string, args ...any) {
		r.Warnings = append(r.Warnings, code+": "+fmt.Sprintf(format, args...))
	}

	severity := p.Severity
	confidence := p.Confidence
	watchlist := slices.Contains(p.RiskFlags, plan.FlagWatchlistMatch)
	var eventRefs []string
	if inc != nil {
		events := inc.Eligible()
		if len(events) > 0 {
			severity = max(severity, plan.MaxSeverity(events))
			confidence = min(confidence, plan.Confidence(events, cfg.ConfidenceRule))
		}
		watchlist = watchlist || inc.AnyWatchlist()
		eventRefs = plan.EvidenceRefs(inc.Events)
		if n := len(inc.Superseded); n > 0 {
			warn(WarnDuplicateSuppressed, "%d superseded event(s) excluded from aggregation", n)
		}
	}
	highRisk := severity >= cfg.HighSeverityThreshold || watchlist

	// no accusation
	all := append([]Text{{Field: "summary", Value: p.Summary}}, texts...)
	for _, t := range all {
		for _, term := range vocab.Find(t.Value, cfg.ForbiddenTerms) {
			violate(CodeForbiddenTerm, "%q in %s", term, t.Field)
		}
	}

	if !p.NextStep.Valid() {
		violate(CodeInvalidStep, "unknown step %q", p.NextStep)
	}

	switch {
	case confidence < cfg.MinConfidenceForNotify:
		if p.NextStep != plan.StepMonitor {
			violate(CodeLowConfidenceGate, "confidence %.2f below %.2f requires monitor, got %s",
				confidence, cfg.MinConfidenceForNotify, p.NextStep)
		}
	case highRisk:
		if !p.RequiresHumanApproval {
			violate(CodeHighRiskGate, "severity %d or watchlist match requires human approval", severity)
		}
		if p.NextStep != plan.StepDispatchPendingReview {
			violate(CodeHighRiskGate, "severity %d or watchlist match requires %s, got %s",
				severity, plan.StepDispatchPendingReview, p.NextStep)
		}
	}

	phrase := vocab.ContainsPhrase(p.Summary, cfg.NoEvidencePhrase)
	if p.NextStep.NeedsEvidence() && len(p.EvidenceRefs) == 0 && !phrase {
		violate(CodeEvidenceRequired, "%s needs evidence references or %q in the summary", p.NextStep, cfg.NoEvidencePhrase)
	}

	if diff := confidence - cfg.MinConfidenceForNotify; diff >= -cfg.NearThresholdMargin && diff <= cfg.NearThresholdMargin {
		warn(WarnNearThreshold, "confidence %.2f within %.2f of %.2f", confidence, cfg.NearThresholdMargin, cfg.MinConfidenceForNotify)
	}
	if phrase && len(p.EvidenceRefs) == 0 {
		warn(WarnNoEvidencePhrase, "alert has no clip or snapshot")
	}
	if watchlist {
		warn(WarnWatchlistVerify, "watchlist match is automated and must be verified by a person")
	}
	if inc != nil {
		for _, ref := range p.EvidenceRefs {
			if !slices.Contains(eventRefs, ref) {
				warn(WarnUnverifiedEvidence, "%s does not belong to any incident event", ref)
			}
		}
	}

	r.Passed = len(r.Violations) == 0
	return r
}
