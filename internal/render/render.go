// Package render turns a validated plan into operator-facing alert text.
//
// Two renderers exist: Deterministic, built from fixed templates and the
// shared vocabulary filter, and External, backed by a text generation
// service. Guarded composes them: it runs the primary renderer under a
// deadline, screens its output, and falls back to the secondary on any
// failure. Callers never see a renderer error from Guarded.
package render

import (
	"context"

	"github.com/linnemanlabs/vantage/internal/incident"
	"github.com/linnemanlabs/vantage/internal/plan"
	"github.com/linnemanlabs/vantage/internal/policy"
)

// Input is everything a renderer may look at.
type Input struct {
	Incident *incident.Incident
	Plan     plan.Plan
	Config   *policy.Config
}

// Text is rendered alert content.
type Text struct {
	Title           string   `json:"title"`
	Body            string   `json:"body"`
	OperatorActions []string `json:"operator_actions"`
	Disclaimer      string   `json:"disclaimer,omitempty"`
	// Renderer names the renderer that produced the text.
	Renderer        string   `json:"renderer,omitempty"`
}

// Renderer produces alert text for a plan.
type Renderer interface {
	Name() string
	Render(ctx context.Context, in Input) (Text, error)
}
