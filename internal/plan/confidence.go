package plan

import (
	"github.com/linnemanlabs/vantage/internal/event"
	"github.com/linnemanlabs/vantage/internal/policy"
)

// pick reports whether candidate should replace current as the event whose
// confidence represents the incident. Ties keep the later arrival.
type pick func(current, candidate event.CameraEvent) bool

var confidenceRules = map[string]pick{
	policy.RuleSeverityThenRecent: func(cur, cand event.CameraEvent) bool {
		if cand.Severity != cur.Severity {
			return cand.Severity > cur.Severity
		}
		return !cand.TS.Before(cur.TS)
	},
	policy.RuleMaxConfidence: func(cur, cand event.CameraEvent) bool {
		return cand.Confidence >= cur.Confidence
	},
	policy.RuleMostRecent: func(cur, cand event.CameraEvent) bool {
		return !cand.TS.Before(cur.TS)
	},
}

// Confidence aggregates the confidence of events under the named rule.
// Unknown rule names fall back to severity_then_recent; an empty event list
// yields 0.
func Confidence(events []event.CameraEvent, rule string) float64 {
	if len(events) == 0 {
		return 0
	}
	better, ok := confidenceRules[rule]
	if !ok {
		better = confidenceRules[policy.RuleSeverityThenRecent]
	}
	chosen := events[0]
	for _, e := range events[1:] {
		if better(chosen, e) {
			chosen = e
		}
	}
	return chosen.Confidence
}
