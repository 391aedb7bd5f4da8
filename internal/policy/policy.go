// Package policy holds the safety settings consumed by the incident pipeline.
//
// A Config is an immutable value: it is validated and normalized once, then
// published through a Holder. Rule logic receives a *Config snapshot and
// never reads settings from anywhere else.
package policy

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/linnemanlabs/vantage/internal/vocab"
)

// Confidence aggregation rules understood by the plan builder.
const (
	// RuleSeverityThenRecent takes the confidence of the event with the
	// greatest (severity, ts) pair.
	RuleSeverityThenRecent = "severity_then_recent"
	// RuleMaxConfidence takes the highest confidence.
	RuleMaxConfidence = "max_confidence"
	// RuleMostRecent takes the confidence of the latest event by ts.
	RuleMostRecent = "most_recent"
)

// ConfidenceRules lists every accepted ConfidenceRule value.
var ConfidenceRules = []string{RuleSeverityThenRecent, RuleMaxConfidence, RuleMostRecent}

// DefaultNoEvidencePhrase is appended to summaries that have no clip or
// snapshot reference.
const DefaultNoEvidencePhrase = "no evidence attached"

// Config is one immutable snapshot of the safety settings.
type Config struct {
	MinConfidenceForNotify float64             `yaml:"min_confidence_for_notify" json:"min_confidence_for_notify"`
	HighSeverityThreshold  int                 `yaml:"high_severity_threshold" json:"high_severity_threshold"`
	MergeWindowSeconds     int                 `yaml:"merge_window_seconds" json:"merge_window_seconds"`
	DedupWindowSeconds     int                 `yaml:"dedup_window_seconds" json:"dedup_window_seconds"`
	CompatibleEventTypes   map[string][]string `yaml:"compatible_event_types" json:"compatible_event_types"`
	ForbiddenTerms         []string            `yaml:"forbidden_terms" json:"forbidden_terms"`
	NoEvidencePhrase       string              `yaml:"no_evidence_phrase" json:"no_evidence_phrase"`
	NearThresholdMargin    float64             `yaml:"near_threshold_margin" json:"near_threshold_margin"`
	ConfidenceRule         string              `yaml:"confidence_rule" json:"confidence_rule"`
}

// Defaults returns the compiled-in settings.
func Defaults() Config {
	return Config{
		MinConfidenceForNotify: 0.75,
		HighSeverityThreshold:  4,
		MergeWindowSeconds:     300,
		DedupWindowSeconds:     30,
		CompatibleEventTypes: map[string][]string{
			"presence": {"loitering", "motion", "person_detected"},
			"access":   {"door_forced", "door_held_open", "tailgating"},
		},
		ForbiddenTerms: []string{
			"burglar", "criminal", "culprit", "guilty", "intruder",
			"perpetrator", "shoplifter", "stealing", "suspect", "thief",
		},
		NoEvidencePhrase:    DefaultNoEvidencePhrase,
		NearThresholdMargin: 0.05,
		ConfidenceRule:      RuleSeverityThenRecent,
	}
}

// MergeWindow returns the merge window as a duration.
func (c *Config) MergeWindow() time.Duration {
	return time.Duration(c.MergeWindowSeconds) * time.Second
}

// DedupWindow returns the dedup window as a duration.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowSeconds) * time.Second
}

// Compatible reports whether two event types may share an incident. A type
// always matches itself; otherwise both must appear in the same named group.
func (c *Config) Compatible(a, b string) bool {
	if a == b {
		return true
	}
	for _, types := range c.CompatibleEventTypes {
		if slices.Contains(types, a) && slices.Contains(types, b) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	cp := c
	cp.ForbiddenTerms = slices.Clone(c.ForbiddenTerms)
	if c.CompatibleEventTypes != nil {
		cp.CompatibleEventTypes = make(map[string][]string, len(c.CompatibleEventTypes))
		for name, types := range c.CompatibleEventTypes {
			cp.CompatibleEventTypes[name] = slices.Clone(types)
		}
	}
	return cp
}

// Normalize trims and lowercases forbidden terms, drops blanks and
// duplicates, and sorts group members so equal settings compare equal.
func (c Config) Normalize() Config {
	out := c.Clone()

	terms := make([]string, 0, len(out.ForbiddenTerms))
	for _, t := range out.ForbiddenTerms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			terms = append(terms, t)
		}
	}
	slices.Sort(terms)
	out.ForbiddenTerms = slices.Compact(terms)

	for _, name := range slices.Collect(maps.Keys(out.CompatibleEventTypes)) {
		types := make([]string, 0, len(out.CompatibleEventTypes[name]))
		for _, t := range out.CompatibleEventTypes[name] {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
		slices.Sort(types)
		out.CompatibleEventTypes[name] = slices.Compact(types)
	}

	out.NoEvidencePhrase = strings.TrimSpace(out.NoEvidencePhrase)
	if out.ConfidenceRule == "" {
		out.ConfidenceRule = RuleSeverityThenRecent
	}
	return out
}

// Validate checks all settings for correctness and returns every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.MinConfidenceForNotify < 0 || c.MinConfidenceForNotify > 1 {
		errs = append(errs, fmt.Errorf("invalid min_confidence_for_notify %v (must be 0..1)", c.MinConfidenceForNotify))
	}
	if c.HighSeverityThreshold < 1 || c.HighSeverityThreshold > 5 {
		errs = append(errs, fmt.Errorf("invalid high_severity_threshold %d (must be 1..5)", c.HighSeverityThreshold))
	}
	if c.MergeWindowSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid merge_window_seconds %d (must be > 0)", c.MergeWindowSeconds))
	}
	if c.DedupWindowSeconds < 0 || c.DedupWindowSeconds > c.MergeWindowSeconds {
		errs = append(errs, fmt.Errorf("invalid dedup_window_seconds %d (must be 0..merge_window_seconds)", c.DedupWindowSeconds))
	}
	if c.NearThresholdMargin < 0 || c.NearThresholdMargin >= 1 {
		errs = append(errs, fmt.Errorf("invalid near_threshold_margin %v (must be 0..<1)", c.NearThresholdMargin))
	}
	if c.NoEvidencePhrase == "" {
		errs = append(errs, errors.New("no_evidence_phrase is required"))
	}
	if !slices.Contains(ConfidenceRules, c.ConfidenceRule) {
		errs = append(errs, fmt.Errorf("unknown confidence_rule %q (want one of %s)", c.ConfidenceRule, strings.Join(ConfidenceRules, ", ")))
	}

	// the no-evidence phrase is appended to summaries, it must survive the term filter
	phrase := strings.ToLower(c.NoEvidencePhrase)
	for _, t := range c.ForbiddenTerms {
		if t == "" {
			errs = append(errs, errors.New("forbidden_terms must not contain blank entries"))
			continue
		}
		if !strings.ContainsFunc(t, unicode.IsLetter) {
			errs = append(errs, fmt.Errorf("forbidden term %q must contain a letter", t))
		}
		if strings.Contains(phrase, strings.ToLower(t)) {
			errs = append(errs, fmt.Errorf("no_evidence_phrase contains forbidden term %q", t))
		}
	}
	// fixed alert wording is emitted unfiltered
	for _, t := range vocab.Collisions(c.ForbiddenTerms) {
		errs = append(errs, fmt.Errorf("forbidden term %q occurs in fixed alert wording", t))
	}

	for name, types := range c.CompatibleEventTypes {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("compatible_event_types group name must not be blank"))
		}
		if len(types) == 0 {
			errs = append(errs, fmt.Errorf("compatible_event_types group %q is empty", name))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
