package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

func TestDefaults_Valid(t *testing.T) {
	t.Parallel()

	c := Defaults().Normalize()
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(c *Config)
		errSubstr string
	}{
		{"min confidence above one", func(c *Config) { c.MinConfidenceForNotify = 1.5 }, "min_confidence_for_notify"},
		{"threshold zero", func(c *Config) { c.HighSeverityThreshold = 0 }, "high_severity_threshold"},
		{"threshold six", func(c *Config) { c.HighSeverityThreshold = 6 }, "high_severity_threshold"},
		{"merge zero", func(c *Config) { c.MergeWindowSeconds = 0 }, "merge_window_seconds"},
		{"dedup beyond merge", func(c *Config) { c.DedupWindowSeconds = c.MergeWindowSeconds + 1 }, "dedup_window_seconds"},
		{"margin one", func(c *Config) { c.NearThresholdMargin = 1 }, "near_threshold_margin"},
		{"phrase empty", func(c *Config) { c.NoEvidencePhrase = "" }, "no_evidence_phrase is required"},
		{"unknown rule", func(c *Config) { c.ConfidenceRule = "weighted" }, "confidence_rule"},
		{"phrase contains term", func(c *Config) { c.ForbiddenTerms = append(c.ForbiddenTerms, "evidence") }, "contains forbidden term"},
		{"empty group", func(c *Config) { c.CompatibleEventTypes = map[string][]string{"x": nil} }, "is empty"},
		{"term in step title", func(c *Config) { c.ForbiddenTerms = append(c.ForbiddenTerms, "dispatch") }, `forbidden term "dispatch" occurs in fixed alert wording`},
		{"term in operator action", func(c *Config) { c.ForbiddenTerms = append(c.ForbiddenTerms, "Escalate") }, "fixed alert wording"},
		{"term in title skeleton", func(c *Config) { c.ForbiddenTerms = append(c.ForbiddenTerms, "camera") }, "fixed alert wording"},
		{"term without letters", func(c *Config) { c.ForbiddenTerms = append(c.ForbiddenTerms, "42") }, "must contain a letter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := Defaults()
			tt.mutate(&c)
			err := c.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.errSubstr) {
				t.Errorf("error = %q, want substring %q", err, tt.errSubstr)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	c := Defaults()
	c.ForbiddenTerms = []string{"  Thief ", "thief", "", "ROBBER"}
	c.CompatibleEventTypes = map[string][]string{"g": {"b", "a", "a", " "}}
	c.ConfidenceRule = ""

	n := c.Normalize()
	if got := strings.Join(n.ForbiddenTerms, ","); got != "robber,thief" {
		t.Errorf("ForbiddenTerms = %q, want %q", got, "robber,thief")
	}
	if got := strings.Join(n.CompatibleEventTypes["g"], ","); got != "a,b" {
		t.Errorf("group = %q, want %q", got, "a,b")
	}
	if n.ConfidenceRule != RuleSeverityThenRecent {
		t.Errorf("ConfidenceRule = %q", n.ConfidenceRule)
	}
	// original untouched
	if c.ForbiddenTerms[0] != "  Thief " {
		t.Error("Normalize mutated its receiver")
	}
}

func TestCompatible(t *testing.T) {
	t.Parallel()

	c := Defaults()
	if !c.Compatible("motion", "motion") {
		t.Error("a type must be compatible with itself")
	}
	if !c.Compatible("loitering", "motion") {
		t.Error("loitering and motion share the presence group")
	}
	if c.Compatible("motion", "door_forced") {
		t.Error("motion and door_forced are in different groups")
	}
	if c.Compatible("unknown_a", "unknown_b") {
		t.Error("ungrouped types only match themselves")
	}
}

func TestHolder_SwapRejectsInvalid(t *testing.T) {
	t.Parallel()

	h, err := NewHolder(Defaults())
	if err != nil {
		t.Fatalf("NewHolder: %v", err)
	}
	before := h.Load()

	bad := Defaults()
	bad.HighSeverityThreshold = 9
	if err := h.Swap(bad); err == nil {
		t.Fatal("expected Swap to reject invalid config")
	}
	if h.Load() != before {
		t.Error("invalid Swap replaced the snapshot")
	}

	good := Defaults()
	good.MinConfidenceForNotify = 0.5
	if err := h.Swap(good); err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if h.Load().MinConfidenceForNotify != 0.5 {
		t.Errorf("MinConfidenceForNotify = %v, want 0.5", h.Load().MinConfidenceForNotify)
	}
	if before.MinConfidenceForNotify != 0.75 {
		t.Error("previous snapshot was mutated by Swap")
	}
}

func TestHolder_ConcurrentLoadSwap(t *testing.T) {
	t.Parallel()

	h, err := NewHolder(Defaults())
	if err != nil {
		t.Fatalf("NewHolder: %v", err)
	}

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := Defaults()
			c.HighSeverityThreshold = 1 + i%5
			_ = h.Swap(c)
		}()
		go func() {
			defer wg.Done()
			snap := h.Load()
			if snap.HighSeverityThreshold < 1 || snap.HighSeverityThreshold > 5 {
				t.Errorf("observed invalid snapshot %d", snap.HighSeverityThreshold)
			}
		}()
	}
	wg.Wait()
}

func TestParse(t *testing.T) {
	t.Parallel()

	c, err := Parse([]byte(`
min_confidence_for_notify: 0.6
high_severity_threshold: 3
compatible_event_types:
  vehicles: [vehicle_stopped, wrong_way]
forbidden_terms: [Vandal]
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.MinConfidenceForNotify != 0.6 || c.HighSeverityThreshold != 3 {
		t.Errorf("thresholds = %v/%d", c.MinConfidenceForNotify, c.HighSeverityThreshold)
	}
	if len(c.CompatibleEventTypes) != 1 {
		t.Errorf("groups = %v, want only vehicles", c.CompatibleEventTypes)
	}
	if len(c.ForbiddenTerms) != 1 || c.ForbiddenTerms[0] != "vandal" {
		t.Errorf("ForbiddenTerms = %v", c.ForbiddenTerms)
	}
	// unspecified fields keep their defaults
	if c.MergeWindowSeconds != Defaults().MergeWindowSeconds {
		t.Errorf("MergeWindowSeconds = %d", c.MergeWindowSeconds)
	}
}

func TestParse_Empty(t *testing.T) {
	t.Parallel()

	c, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil): %v", err)
	}
	if len(c.CompatibleEventTypes) != len(Defaults().CompatibleEventTypes) {
		t.Errorf("groups = %v, want defaults", c.CompatibleEventTypes)
	}
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("min_confidence_for_notfy: 0.2\n"))
	if err == nil {
		t.Fatal("expected unknown key to be rejected")
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	if err := os.WriteFile(path, []byte("high_severity_threshold: 4\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	c, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	h, err := NewHolder(c)
	if err != nil {
		t.Fatalf("NewHolder: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := Watch(ctx, path, h, log.Nop()); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	// invalid content keeps the old snapshot
	if err := os.WriteFile(path, []byte("high_severity_threshold: 42\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if got := h.Load().HighSeverityThreshold; got != 4 {
		t.Fatalf("threshold after invalid write = %d, want 4", got)
	}

	if err := os.WriteFile(path, []byte("high_severity_threshold: 2\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h.Load().HighSeverityThreshold == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("threshold = %d, want 2 after reload", h.Load().HighSeverityThreshold)
}
