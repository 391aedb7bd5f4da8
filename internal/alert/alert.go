// Package alert compiles validated plans into AlertMessages. Compile is the
// send path: it only yields a message when the plan and the rendered text
// both pass validation in the same call. Preview renders regardless and
// reports what would block.
package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/vantage/internal/incident"
	"github.com/linnemanlabs/vantage/internal/plan"
	"github.com/linnemanlabs/vantage/internal/policy"
	"github.com/linnemanlabs/vantage/internal/render"
	"github.com/linnemanlabs/vantage/internal/safety"
)

// Message is a compiled alert. It is never modified after Compile returns.
type Message struct {
	IncidentID            string    `json:"incident_id"`
	IncidentVersion       int       `json:"incident_version"`
	Title                 string    `json:"title"`
	Body                  string    `json:"body"`
	OperatorActions       []string  `json:"operator_actions"`
	EvidenceRefs          []string  `json:"evidence_refs"`
	Disclaimer            string    `json:"disclaimer,omitempty"`
	NextStep              plan.Step `json:"recommended_next_step"`
	Severity              int       `json:"severity"`
	RequiresHumanApproval bool      `json:"requires_human_approval"`
	Renderer              string    `json:"renderer"`
	CompiledAt            time.Time `json:"compiled_at"`
}

// SendWorthy reports whether the alert should be pushed to people rather
// than only shown in the console.
func (m *Message) SendWorthy() bool {
	return m != nil && m.NextStep.NeedsEvidence()
}

// Result is the outcome of Compile. Alert is nil unless Validation passed.
type Result struct {
	Validation safety.Result `json:"validation"`
	Alert      *Message      `json:"alert,omitempty"`
}

// Preview is rendered text with the validation it would face on send.
type Preview struct {
	Text       render.Text   `json:"text"`
	Validation safety.Result `json:"validation"`
	Sendable   bool          `json:"sendable"`
}

// Compiler renders and gates alerts.
type Compiler struct {
	renderer render.Renderer
	now      func() time.Time
}

// NewCompiler returns a Compiler using r. It panics on a nil renderer.
func NewCompiler(r render.Renderer) *Compiler {
	if r == nil {
		panic(xerrors.New("alert: nil renderer"))
	}
	return &Compiler{renderer: r, now: time.Now}
}

// Compile validates p, renders it, validates again with the rendered text
// and only then builds the Message. A renderer error is returned as is;
// the Validation of the returned Result is still meaningful.
func (c *Compiler) Compile(ctx context.Context, inc *incident.Incident, p plan.Plan, cfg *policy.Config) (Result, error) {
	v := safety.Validate(inc, p, cfg)
	if !v.Passed {
		return Result{Validation: v}, nil
	}

	text, err := c.renderer.Render(ctx, render.Input{Incident: inc, Plan: p, Config: cfg})
	if err != nil {
		return Result{Validation: v}, fmt.Errorf("alert: render %s: %w", inc.ID, err)
	}

	v = safety.Validate(inc, p, cfg, texts(text)...)
	if !v.Passed {
		return Result{Validation: v}, nil
	}

	renderer := text.Renderer
	if renderer == "" {
		renderer = c.renderer.Name()
	}

	return Result{
		Validation: v,
		Alert: &Message{
			IncidentID:            inc.ID,
			IncidentVersion:       inc.Version,
			Title:                 text.Title,
			Body:                  text.Body,
			OperatorActions:       append([]string(nil), text.OperatorActions...),
			EvidenceRefs:          append([]string(nil), p.EvidenceRefs...),
			Disclaimer:            text.Disclaimer,
			NextStep:              p.NextStep,
			Severity:              p.Severity,
			RequiresHumanApproval: p.RequiresHumanApproval,
			Renderer:              renderer,
			CompiledAt:            c.now().UTC(),
		},
	}, nil
}

// Preview renders p whether or not it passes, and validates the plan and
// the rendered text together.
func (c *Compiler) Preview(ctx context.Context, inc *incident.Incident, p plan.Plan, cfg *policy.Config) (Preview, error) {
	text, err := c.renderer.Render(ctx, render.Input{Incident: inc, Plan: p, Config: cfg})
	if err != nil {
		return Preview{Validation: safety.Validate(inc, p, cfg)}, fmt.Errorf("alert: preview %s: %w", inc.ID, err)
	}
	v := safety.Validate(inc, p, cfg, texts(text)...)
	return Preview{Text: text, Validation: v, Sendable: v.Passed}, nil
}

func texts(t render.Text) []safety.Text {
	out := []safety.Text{
		{Field: "title", Value: t.Title},
		{Field: "body", Value: t.Body},
		{Field: "disclaimer", Value: t.Disclaimer},
	}
	for n, a := range t.OperatorActions {
		out = append(out, safety.Text{Field: fmt.Sprintf("operator_actions[%d]", n), Value: a})
	}
	return out
}
