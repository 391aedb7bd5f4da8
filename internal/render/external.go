package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Generator produces free text from a prompt. The claude client satisfies it.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// ErrEmptyText is returned when a renderer produced no usable title or body.
var ErrEmptyText = errors.New("render: empty text")

const systemPrompt = `You write short alerts for security operators reviewing camera detections.
Describe only what the detections show. Never characterize people or their intent,
never guess identities, and never use accusatory words.
Reply with a single JSON object: {"title": "...", "body": "..."}. No other text.`

// External renders the title and body with a Generator. Operator actions
// and the disclaimer always come from the templates; the generator only
// phrases the description.
type External struct {
	gen Generator
}

// NewExternal returns an External renderer backed by gen.
func NewExternal(gen Generator) *External {
	return &External{gen: gen}
}

// Name implements Renderer.
func (*External) Name() string { return "external" }

// Render implements Renderer.
func (e *External) Render(ctx context.Context, in Input) (Text, error) {
	out, err := e.gen.Generate(ctx, systemPrompt, prompt(in))
	if err != nil {
		return Text{}, err
	}

	var reply struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}
	if err := json.Unmarshal([]byte(stripFence(out)), &reply); err != nil {
		return Text{}, fmt.Errorf("render: decode generator reply: %w", err)
	}
	reply.Title = strings.TrimSpace(reply.Title)
	reply.Body = strings.TrimSpace(reply.Body)
	if reply.Title == "" || reply.Body == "" {
		return Text{}, ErrEmptyText
	}

	base, _ := Deterministic{}.Render(ctx, in)
	return Text{
		Title:           reply.Title,
		Body:            reply.Body,
		OperatorActions: base.OperatorActions,
		Disclaimer:      base.Disclaimer,
		Renderer:        e.Name(),
	}, nil
}

func prompt(in Input) string {
	p := in.Plan
	var b strings.Builder
	fmt.Fprintf(&b, "Summary: %s\n", p.Summary)
	fmt.Fprintf(&b, "Severity: %d of 5\n", p.Severity)
	fmt.Fprintf(&b, "Confidence: %.2f\n", p.Confidence)
	fmt.Fprintf(&b, "Recommended next step: %s\n", p.NextStep)
	fmt.Fprintf(&b, "Human approval required: %t\n", p.RequiresHumanApproval)
	if len(p.EvidenceRefs) > 0 {
		fmt.Fprintf(&b, "Evidence: %s\n", strings.Join(p.EvidenceRefs, ", "))
	} else {
		fmt.Fprintf(&b, "Evidence: none. The body must say %q.\n", in.Config.NoEvidencePhrase)
	}
	if len(p.RiskFlags) > 0 {
		fmt.Fprintf(&b, "Flags: %s\n", strings.Join(p.RiskFlags, ", "))
	}
	if len(in.Config.ForbiddenTerms) > 0 {
		fmt.Fprintf(&b, "Do not use these words: %s\n", strings.Join(in.Config.ForbiddenTerms, ", "))
	}
	return b.String()
}

// stripFence removes a surrounding markdown code fence if the model added one.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
