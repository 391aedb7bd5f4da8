package render

import (
	"context"
	"errors"
	"time"

	"github.com/linnemanlabs/vantage/internal/vocab"
)

// Fallback reasons.
const (
	ReasonTimeout       = "timeout"
	ReasonError         = "error"
	ReasonForbiddenTerm = "forbidden_term"
	ReasonEmpty         = "empty"
)

// FallbackEvent describes one rejected primary render.
type FallbackEvent struct {
	IncidentID string
	Primary    string
	Fallback   string
	Reason     string
	Err        error
	Terms      []string
}

// FallbackFunc is told about every fallback. It must not block for long;
// it runs on the rendering path.
type FallbackFunc func(ctx context.Context, ev FallbackEvent)

// Guarded runs a primary renderer under a deadline and falls back to a
// second renderer when the primary times out, fails, returns empty text or
// uses a forbidden term.
type Guarded struct {
	primary    Renderer
	fallback   Renderer
	timeout    time.Duration
	onFallback FallbackFunc
}

// NewGuarded composes primary and fallback. A nil primary renders with the
// fallback directly. onFallback may be nil.
func NewGuarded(primary, fallback Renderer, timeout time.Duration, onFallback FallbackFunc) *Guarded {
	if onFallback == nil {
		onFallback = func(context.Context, FallbackEvent) {}
	}
	return &Guarded{primary: primary, fallback: fallback, timeout: timeout, onFallback: onFallback}
}

// Name implements Renderer. It names the configured primary; the renderer
// that produced a given text is recorded in Text.Renderer.
func (g *Guarded) Name() string {
	if g.primary == nil {
		return g.fallback.Name()
	}
	return g.primary.Name()
}

// Render implements Renderer. Errors from the primary are absorbed; only a
// failing fallback surfaces an error.
func (g *Guarded) Render(ctx context.Context, in Input) (Text, error) {
	if g.primary == nil {
		return g.renderFallback(ctx, in)
	}

	t, ev := g.tryPrimary(ctx, in)
	if ev == nil {
		if t.Renderer == "" {
			t.Renderer = g.primary.Name()
		}
		return t, nil
	}
	if in.Incident != nil {
		ev.IncidentID = in.Incident.ID
	}
	ev.Primary = g.primary.Name()
	ev.Fallback = g.fallback.Name()
	g.onFallback(ctx, *ev)
	return g.renderFallback(ctx, in)
}

func (g *Guarded) renderFallback(ctx context.Context, in Input) (Text, error) {
	t, err := g.fallback.Render(ctx, in)
	if err != nil {
		return Text{}, err
	}
	t.Renderer = g.fallback.Name()
	return t, nil
}

func (g *Guarded) tryPrimary(ctx context.Context, in Input) (Text, *FallbackEvent) {
	rctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		text Text
		err  error
	}
	done := make(chan result, 1)
	go func() {
		t, err := g.primary.Render(rctx, in)
		done <- result{t, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-rctx.Done():
		r.err = rctx.Err()
	}

	switch {
	case errors.Is(r.err, context.DeadlineExceeded):
		return Text{}, &FallbackEvent{Reason: ReasonTimeout, Err: r.err}
	case errors.Is(r.err, ErrEmptyText):
		return Text{}, &FallbackEvent{Reason: ReasonEmpty, Err: r.err}
	case r.err != nil:
		return Text{}, &FallbackEvent{Reason: ReasonError, Err: r.err}
	case r.text.Title == "" || r.text.Body == "":
		return Text{}, &FallbackEvent{Reason: ReasonEmpty, Err: ErrEmptyText}
	}

	var hits []string
	for _, s := range r.text.all() {
		hits = append(hits, vocab.Find(s, in.Config.ForbiddenTerms)...)
	}
	if len(hits) > 0 {
		return Text{}, &FallbackEvent{Reason: ReasonForbiddenTerm, Terms: hits}
	}
	return r.text, nil
}

// all returns every string in t that reaches an operator.
func (t Text) all() []string {
	out := make([]string, 0, 3+len(t.OperatorActions))
	out = append(out, t.Title, t.Body, t.Disclaimer)
	return append(out, t.OperatorActions...)
}
