// Package vocab is the forbidden-term filter shared by the plan builder, the
// renderers and the safety validator. Matching is a case-insensitive
// substring test, so "thief" also matches "THIEF" and "thiefs" but not
// "theft" or "thieves".
package vocab

import "strings"

// Find returns every term from terms that occurs in text, in the order given.
func Find(text string, terms []string) []string {
	if text == "" || len(terms) == 0 {
		return nil
	}
	lower := strings.ToLower(text)
	var hits []string
	for _, t := range terms {
		if t == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(t)) {
			hits = append(hits, t)
		}
	}
	return hits
}

// Clean reports whether none of the terms occur in any of the texts.
func Clean(terms []string, texts ...string) bool {
	for _, s := range texts {
		if len(Find(s, terms)) > 0 {
			return false
		}
	}
	return true
}

// ContainsPhrase reports whether text contains phrase, ignoring case.
func ContainsPhrase(text, phrase string) bool {
	if phrase == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(phrase))
}

// Neutral returns s when it is clean, otherwise the fallback.
func Neutral(s, fallback string, terms []string) string {
	if Clean(terms, s) {
		return s
	}
	return fallback
}
