package vocab

import "strings"

// Fixed wording of the plan summary and the deterministic renderer. It is
// emitted whatever the input, so no forbidden term may occur in it.
const (
	SummaryFallback = "Activity observed; operator review recommended"
	TypeFallback    = "activity"
	IDFallback      = "unnamed"

	TitleMonitor  = "Monitoring"
	TitleNotify   = "Review requested"
	TitleDispatch = "Dispatch pending review"
	TitleClose    = "Closing"
	TitleDefault  = "Activity"

	LineFallback        = "Activity observed"
	ApprovalLine        = "Human approval is required before any response is dispatched."
	EvidenceLabel       = "Evidence:"
	DisclaimerBase      = "Generated from automated detections. Verify the evidence before acting."
	DisclaimerWatchlist = "Watchlist matches are automated and must be confirmed by a person."

	ActionAcknowledge    = "acknowledge"
	ActionDismiss        = "dismiss"
	ActionReviewEvidence = "review evidence"
	ActionEscalate       = "escalate"
	ActionApprove        = "approve dispatch"
	ActionClose          = "close"
)

// format skeletons; the verbs are filled with already filtered values
var skeletons = []string{
	"[SEV ] : zone , camera ",
	"Severity of 5, confidence .",
	"- ",
	" in zone on camera ",
}

// Fixed returns every fixed string the generated text may contain.
func Fixed() []string {
	return append([]string{
		SummaryFallback, TypeFallback, IDFallback,
		TitleMonitor, TitleNotify, TitleDispatch, TitleClose, TitleDefault,
		LineFallback, ApprovalLine, EvidenceLabel, DisclaimerBase, DisclaimerWatchlist,
		ActionAcknowledge, ActionDismiss, ActionReviewEvidence, ActionEscalate, ActionApprove, ActionClose,
	}, skeletons...)
}

// Collisions returns the terms that occur in the fixed wording. Such a term
// would block every generated alert.
func Collisions(terms []string) []string {
	var hits []string
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		for _, s := range Fixed() {
			if ContainsPhrase(s, t) {
				hits = append(hits, t)
				break
			}
		}
	}
	return hits
}
