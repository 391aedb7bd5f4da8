package render

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/vantage/internal/event"
	"github.com/linnemanlabs/vantage/internal/incident"
	"github.com/linnemanlabs/vantage/internal/plan"
	"github.com/linnemanlabs/vantage/internal/policy"
	"github.com/linnemanlabs/vantage/internal/vocab"
)

func input(clip string, watch bool) Input {
	c := policy.Defaults()
	inc := &incident.Incident{
		ID: "inc-1", CameraID: "cam-1", ZoneID: "lobby", Version: 1,
		Events: []event.CameraEvent{{
			ID: "e1", Type: "loitering", Severity: 4, Confidence: 0.9,
			ClipURL: clip, Flags: event.Flags{WatchlistMatch: watch},
		}},
	}
	return Input{Incident: inc, Plan: plan.Build(inc, &c), Config: &c}
}

// mockGen returns canned replies. If block is set it waits for the context.
type mockGen struct {
	mu     sync.Mutex
	reply  string
	err    error
	block  bool
	calls  int
	prompt string
}

func (m *mockGen) Generate(ctx context.Context, _, prompt string) (string, error) {
	m.mu.Lock()
	m.calls++
	m.prompt = prompt
	m.mu.Unlock()
	if m.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return m.reply, m.err
}

func TestDeterministic(t *testing.T) {
	t.Parallel()
	in := input("https://clips/1.mp4", false)

	got, err := Deterministic{}.Render(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "[SEV 4] Dispatch pending review: zone lobby, camera cam-1" {
		t.Errorf("title = %q", got.Title)
	}
	if !strings.Contains(got.Body, "- https://clips/1.mp4") || !strings.Contains(got.Body, "Human approval is required") {
		t.Errorf("body = %q", got.Body)
	}
	if strings.Join(got.OperatorActions, ",") != "review evidence,approve dispatch,dismiss" {
		t.Errorf("actions = %v", got.OperatorActions)
	}
	again, _ := Deterministic{}.Render(context.Background(), in)
	if again.Body != got.Body || again.Title != got.Title {
		t.Error("deterministic renderer is not deterministic")
	}
}

func TestDeterministic_NoEvidenceAndWatchlist(t *testing.T) {
	t.Parallel()
	in := input("", true)

	got, _ := Deterministic{}.Render(context.Background(), in)
	if !strings.Contains(got.Body, "Evidence: "+policy.DefaultNoEvidencePhrase) {
		t.Errorf("body = %q", got.Body)
	}
	if !strings.Contains(got.Disclaimer, "Watchlist") {
		t.Errorf("disclaimer = %q", got.Disclaimer)
	}
}

func TestDeterministic_NeutralizesIdentifiers(t *testing.T) {
	t.Parallel()
	in := input("https://c", false)
	in.Incident.ZoneID = "Thief-Alley"

	got, _ := Deterministic{}.Render(context.Background(), in)
	if !vocab.Clean(in.Config.ForbiddenTerms, got.all()...) {
		t.Fatalf("forbidden term leaked: %+v", got)
	}
}

func TestExternal_ParsesReply(t *testing.T) {
	t.Parallel()
	gen := &mockGen{reply: "```json\n{\"title\":\"Person lingering at lobby\",\"body\":\"Camera cam-1 shows a person.\"}\n```"}
	in := input("https://c", false)

	got, err := NewExternal(gen).Render(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Person lingering at lobby" || got.Body != "Camera cam-1 shows a person." {
		t.Errorf("got %+v", got)
	}
	if len(got.OperatorActions) == 0 || got.Disclaimer == "" {
		t.Errorf("template parts missing: %+v", got)
	}
	if !strings.Contains(gen.prompt, "Do not use these words:") {
		t.Errorf("prompt = %q", gen.prompt)
	}
}

func TestExternal_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		gen   *mockGen
		empty bool
	}{
		{"generator error", &mockGen{err: errors.New("boom")}, false},
		{"not json", &mockGen{reply: "hello"}, false},
		{"blank title", &mockGen{reply: `{"title":" ","body":"b"}`}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewExternal(tt.gen).Render(context.Background(), input("https://c", false))
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, ErrEmptyText) != tt.empty {
				t.Fatalf("err = %v", err)
			}
		})
	}
}

func TestGuarded_Fallbacks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		gen    *mockGen
		reason string
	}{
		{"timeout", &mockGen{block: true}, ReasonTimeout},
		{"error", &mockGen{err: errors.New("upstream 500")}, ReasonError},
		{"forbidden term", &mockGen{reply: `{"title":"Suspect at door","body":"b"}`}, ReasonForbiddenTerm},
		{"empty", &mockGen{reply: `{"title":"","body":""}`}, ReasonEmpty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var events []FallbackEvent
			g := NewGuarded(NewExternal(tt.gen), Deterministic{}, 30*time.Millisecond, func(_ context.Context, ev FallbackEvent) {
				events = append(events, ev)
			})
			in := input("https://c", false)

			start := time.Now()
			got, err := g.Render(context.Background(), in)
			if err != nil {
				t.Fatalf("guarded render surfaced error: %v", err)
			}
			if time.Since(start) > time.Second {
				t.Fatal("timeout not enforced")
			}
			want, _ := Deterministic{}.Render(context.Background(), in)
			if got.Title != want.Title || got.Body != want.Body {
				t.Fatalf("did not fall back: %+v", got)
			}
			if len(events) != 1 || events[0].Reason != tt.reason {
				t.Fatalf("fallback events = %+v", events)
			}
			if events[0].IncidentID != "inc-1" || events[0].Primary != "external" || events[0].Fallback != "deterministic" {
				t.Fatalf("event = %+v", events[0])
			}
		})
	}
}

func TestGuarded_PrimaryWins(t *testing.T) {
	t.Parallel()
	gen := &mockGen{reply: `{"title":"Lobby activity","body":"Loitering detected near the entrance."}`}
	called := false
	g := NewGuarded(NewExternal(gen), Deterministic{}, time.Second, func(context.Context, FallbackEvent) { called = true })

	got, err := g.Render(context.Background(), input("https://c", false))
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Lobby activity" || got.Renderer != "external" || called {
		t.Fatalf("got %+v, fallback called=%v", got, called)
	}
	if g.Name() != "external" {
		t.Errorf("name = %s", g.Name())
	}
}

type stuckRenderer struct{ release chan struct{} }

func (stuckRenderer) Name() string { return "stuck" }

func (s stuckRenderer) Render(context.Context, Input) (Text, error) {
	<-s.release
	return Text{Title: "late", Body: "late"}, nil
}

func TestGuarded_TimeoutIgnoresUncooperativePrimary(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)

	var reason string
	g := NewGuarded(stuckRenderer{release: release}, Deterministic{}, 20*time.Millisecond, func(_ context.Context, ev FallbackEvent) {
		reason = ev.Reason
	})
	got, err := g.Render(context.Background(), input("https://c", false))
	if err != nil || got.Title == "late" || reason != ReasonTimeout {
		t.Fatalf("got %+v err=%v reason=%s", got, err, reason)
	}
	if got.Renderer != "deterministic" {
		t.Errorf("renderer = %q, want deterministic", got.Renderer)
	}
}

func TestGuarded_NilPrimary(t *testing.T) {
	t.Parallel()
	g := NewGuarded(nil, Deterministic{}, time.Second, nil)
	got, err := g.Render(context.Background(), input("", false))
	if err != nil {
		t.Fatal(err)
	}
	if got.Renderer != "deterministic" {
		t.Errorf("renderer = %q", got.Renderer)
	}
	if g.Name() != "deterministic" {
		t.Errorf("name = %s", g.Name())
	}
}

func TestDeterministic_WordingIsFixed(t *testing.T) {
	t.Parallel()

	fixed := vocab.Fixed()
	for step, title := range stepTitles {
		if !slices.Contains(fixed, title) {
			t.Errorf("title %q for %s missing from fixed wording", title, step)
		}
		for _, a := range stepActions[step] {
			if !slices.Contains(fixed, a) {
				t.Errorf("action %q for %s missing from fixed wording", a, step)
			}
		}
	}
}
