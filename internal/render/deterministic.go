package render

import (
	"context"
	"fmt"
	"strings"

	"github.com/linnemanlabs/vantage/internal/plan"
	"github.com/linnemanlabs/vantage/internal/vocab"
)

var stepTitles = map[plan.Step]string{
	plan.StepMonitor:               vocab.TitleMonitor,
	plan.StepNotify:                vocab.TitleNotify,
	plan.StepDispatchPendingReview: vocab.TitleDispatch,
	plan.StepClose:                 vocab.TitleClose,
}

var stepActions = map[plan.Step][]string{
	plan.StepMonitor:               {vocab.ActionAcknowledge, vocab.ActionDismiss},
	plan.StepNotify:                {vocab.ActionReviewEvidence, vocab.ActionEscalate, vocab.ActionDismiss},
	plan.StepDispatchPendingReview: {vocab.ActionReviewEvidence, vocab.ActionApprove, vocab.ActionDismiss},
	plan.StepClose:                 {vocab.ActionClose},
}

// Deterministic renders alerts from fixed templates. Its output for a
// given input never changes. Its fixed wording is kept free of forbidden
// terms by policy validation; variable parts go through the filter here.
type Deterministic struct{}

// Name implements Renderer.
func (Deterministic) Name() string { return "deterministic" }

// Render implements Renderer. It never fails.
func (Deterministic) Render(_ context.Context, in Input) (Text, error) {
	p := in.Plan
	terms := in.Config.ForbiddenTerms

	zone, camera := vocab.IDFallback, vocab.IDFallback
	if in.Incident != nil {
		zone = vocab.Neutral(in.Incident.ZoneID, zone, terms)
		camera = vocab.Neutral(in.Incident.CameraID, camera, terms)
	}
	title := fmt.Sprintf("[SEV %d] %s: zone %s, camera %s", p.Severity, stepTitle(p.NextStep), zone, camera)

	var body strings.Builder
	fmt.Fprintf(&body, "%s.\n", vocab.Neutral(p.Summary, vocab.LineFallback, terms))
	fmt.Fprintf(&body, "Severity %d of 5, confidence %.2f.\n", p.Severity, p.Confidence)
	if p.RequiresHumanApproval {
		body.WriteString(vocab.ApprovalLine + "\n")
	}
	if len(p.EvidenceRefs) > 0 {
		body.WriteString(vocab.EvidenceLabel + "\n")
		for _, ref := range p.EvidenceRefs {
			fmt.Fprintf(&body, "- %s\n", ref)
		}
	} else {
		fmt.Fprintf(&body, "%s %s.\n", vocab.EvidenceLabel, in.Config.NoEvidencePhrase)
	}

	disclaimer := vocab.DisclaimerBase
	if in.Incident != nil && in.Incident.AnyWatchlist() {
		disclaimer += " " + vocab.DisclaimerWatchlist
	}

	return Text{
		Title:           title,
		Body:            strings.TrimRight(body.String(), "\n"),
		OperatorActions: Actions(p.NextStep),
		Disclaimer:      disclaimer,
		Renderer:        Deterministic{}.Name(),
	}, nil
}

// Actions returns the operator actions offered for a step.
func Actions(s plan.Step) []string {
	return append([]string(nil), stepActions[s]...)
}

func stepTitle(s plan.Step) string {
	if t, ok := stepTitles[s]; ok {
		return t
	}
	return vocab.TitleDefault
}
