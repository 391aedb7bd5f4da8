package plan

import (
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/vantage/internal/event"
	"github.com/linnemanlabs/vantage/internal/incident"
	"github.com/linnemanlabs/vantage/internal/policy"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func cfg() *policy.Config {
	c := policy.Defaults()
	return &c
}

func single(sev int, conf float64, clip string, watch bool) *incident.Incident {
	return &incident.Incident{
		ID:       "inc-1",
		CameraID: "cam-1",
		ZoneID:   "lobby",
		Status:   incident.StatusNew,
		Version:  1,
		Events: []event.CameraEvent{{
			ID: "e1", CameraID: "cam-1", ZoneID: "lobby", TS: t0, Type: "loitering",
			Severity: sev, Confidence: conf, ClipURL: clip,
			Flags: event.Flags{WatchlistMatch: watch},
		}},
	}
}

func TestBuild_ScenarioA_ConfidenceGateBeatsSeverity(t *testing.T) {
	t.Parallel()
	p := Build(single(5, 0.6, "https://clips/1.mp4", false), cfg())
	if p.NextStep != StepMonitor {
		t.Fatalf("step = %s, want monitor", p.NextStep)
	}
	if p.Severity != 5 {
		t.Fatalf("severity = %d", p.Severity)
	}
}

func TestBuild_ScenarioB_HighSeverityNeedsApproval(t *testing.T) {
	t.Parallel()
	p := Build(single(4, 0.9, "https://clips/1.mp4", false), cfg())
	if p.NextStep != StepDispatchPendingReview || !p.RequiresHumanApproval {
		t.Fatalf("got step=%s approval=%v", p.NextStep, p.RequiresHumanApproval)
	}
}

func TestBuild_WatchlistForcesReview(t *testing.T) {
	t.Parallel()
	p := Build(single(1, 0.95, "https://clips/1.mp4", true), cfg())
	if p.NextStep != StepDispatchPendingReview || !p.RequiresHumanApproval {
		t.Fatalf("got step=%s approval=%v", p.NextStep, p.RequiresHumanApproval)
	}
	if !slices.Contains(p.RiskFlags, FlagWatchlistMatch) {
		t.Fatalf("flags = %v", p.RiskFlags)
	}
}

func TestBuild_WatchlistOnSupersededEventStillCounts(t *testing.T) {
	t.Parallel()
	inc := single(1, 0.95, "https://clips/1.mp4", true)
	inc.Events = append(inc.Events, event.CameraEvent{ID: "e2", TS: t0.Add(time.Second), Type: "loitering", Severity: 1, Confidence: 0.9})
	inc.Superseded = map[string]string{"e1": "e2"}

	p := Build(inc, cfg())
	if p.NextStep != StepDispatchPendingReview || !p.RequiresHumanApproval {
		t.Fatalf("got step=%s approval=%v", p.NextStep, p.RequiresHumanApproval)
	}
}

func TestBuild_Notify(t *testing.T) {
	t.Parallel()
	p := Build(single(2, 0.9, "https://clips/1.mp4", false), cfg())
	if p.NextStep != StepNotify || p.RequiresHumanApproval {
		t.Fatalf("got step=%s approval=%v", p.NextStep, p.RequiresHumanApproval)
	}
	if !reflect.DeepEqual(p.EvidenceRefs, []string{"https://clips/1.mp4"}) {
		t.Fatalf("evidence = %v", p.EvidenceRefs)
	}
	if strings.Contains(p.Summary, policy.DefaultNoEvidencePhrase) {
		t.Fatalf("summary should not carry the no-evidence phrase: %q", p.Summary)
	}
}

func TestBuild_NoEvidenceAddsPhraseAndFlag(t *testing.T) {
	t.Parallel()
	p := Build(single(2, 0.9, "", false), cfg())
	if !strings.HasSuffix(p.Summary, policy.DefaultNoEvidencePhrase) {
		t.Fatalf("summary = %q", p.Summary)
	}
	if !slices.Contains(p.RiskFlags, FlagLowEvidence) {
		t.Fatalf("flags = %v", p.RiskFlags)
	}
	if len(p.EvidenceRefs) != 0 {
		t.Fatalf("evidence = %v", p.EvidenceRefs)
	}
}

func TestBuild_ScenarioD_DedupedConfidence(t *testing.T) {
	t.Parallel()
	c := cfg()
	c.DedupWindowSeconds = 10

	w := incident.NewWindow()
	accept := func(*incident.Incident, incident.Outcome) error { return nil }
	a := event.CameraEvent{ID: "A", CameraID: "cam-1", ZoneID: "lobby", TS: t0, Type: "person_detected", Severity: 3, Confidence: 0.80, SnapshotURL: "https://snap/a.jpg"}
	b := event.CameraEvent{ID: "B", CameraID: "cam-1", ZoneID: "lobby", TS: t0.Add(5 * time.Second), Type: "person_detected", Severity: 3, Confidence: 0.82, SnapshotURL: "https://snap/b.jpg"}

	first, _, err := w.Ingest(c, a, accept)
	if err != nil {
		t.Fatal(err)
	}
	inc, _, err := w.Ingest(c, b, accept)
	if err != nil {
		t.Fatal(err)
	}
	if inc.ID != first.ID {
		t.Fatal("duplicate opened a second incident")
	}

	p := Build(inc, c)
	if p.Confidence != 0.82 {
		t.Fatalf("confidence = %v, want 0.82", p.Confidence)
	}
	if p.NextStep != StepNotify || p.RequiresHumanApproval {
		t.Fatalf("double escalated: step=%s approval=%v", p.NextStep, p.RequiresHumanApproval)
	}
	if !reflect.DeepEqual(p.EvidenceRefs, []string{"https://snap/b.jpg"}) {
		t.Fatalf("superseded evidence leaked: %v", p.EvidenceRefs)
	}
	if !slices.Contains(p.RiskFlags, FlagDuplicateSuppressed) || !slices.Contains(p.RiskFlags, FlagSingleSource) {
		t.Fatalf("flags = %v", p.RiskFlags)
	}
	if !strings.HasPrefix(p.Summary, "1 person detected") {
		t.Fatalf("summary = %q", p.Summary)
	}
}

func TestBuild_Idempotent(t *testing.T) {
	t.Parallel()
	inc := single(4, 0.77, "", true)
	inc.Events = append(inc.Events, event.CameraEvent{ID: "e2", TS: t0.Add(time.Minute), Type: "motion", Severity: 2, Confidence: 0.9, ClipURL: "https://c/2"})
	c := cfg()

	a, b := Build(inc, c), Build(inc, c)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("plans differ:\n%+v\n%+v", a, b)
	}
}

func TestBuild_NearThreshold(t *testing.T) {
	t.Parallel()
	p := Build(single(2, 0.78, "https://c", false), cfg())
	if !slices.Contains(p.RiskFlags, FlagNearThreshold) {
		t.Fatalf("flags = %v", p.RiskFlags)
	}
	p = Build(single(2, 0.95, "https://c", false), cfg())
	if slices.Contains(p.RiskFlags, FlagNearThreshold) {
		t.Fatalf("flags = %v", p.RiskFlags)
	}
}

func TestSummary_FiltersForbiddenTerms(t *testing.T) {
	t.Parallel()
	inc := single(2, 0.9, "https://c", false)
	inc.ZoneID = "suspect-corridor"
	inc.Events[0].Type = "thief_detected"

	p := Build(inc, cfg())
	want := "1 activity in zone unnamed on camera cam-1"
	if p.Summary != want {
		t.Fatalf("summary = %q, want %q", p.Summary, want)
	}
}

func TestSummary_OrdersByCount(t *testing.T) {
	t.Parallel()
	inc := &incident.Incident{ID: "i", CameraID: "c", ZoneID: "z"}
	for _, typ := range []string{"motion", "loitering", "loitering", "door_held_open"} {
		inc.Events = append(inc.Events, event.CameraEvent{ID: typ + string(rune('a'+len(inc.Events))), Type: typ})
	}
	got := Summary(inc, inc.Events, cfg())
	want := "2 loitering, 1 door held open, 1 motion in zone z on camera c"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestConfidenceRules(t *testing.T) {
	t.Parallel()
	events := []event.CameraEvent{
		{ID: "1", TS: t0, Severity: 4, Confidence: 0.70},
		{ID: "2", TS: t0.Add(2 * time.Second), Severity: 2, Confidence: 0.95},
		{ID: "3", TS: t0.Add(time.Second), Severity: 4, Confidence: 0.60},
	}
	tests := []struct {
		rule string
		want float64
	}{
		{policy.RuleSeverityThenRecent, 0.60},
		{policy.RuleMaxConfidence, 0.95},
		{policy.RuleMostRecent, 0.95},
		{"unknown", 0.60},
	}
	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			t.Parallel()
			if got := Confidence(events, tt.rule); got != tt.want {
				t.Fatalf("Confidence(%s) = %v, want %v", tt.rule, got, tt.want)
			}
		})
	}
	if got := Confidence(nil, policy.RuleMaxConfidence); got != 0 {
		t.Fatalf("empty = %v", got)
	}
}
