// Package handoff moves a conversation from the automated agent to a human
// operator when the customer asks for one.
package handoff

import "strings"

// Detector decides whether text asks for a human.
type Detector interface {
	WantsHuman(text string) bool
}

// DefaultKeywords are matched case-insensitively as substrings.
var DefaultKeywords = []string{
	"human",
	"person",
	"speak to someone",
	"talk to someone",
	"representative",
	"agent",
	"need help",
	"needs human",
}

// KeywordDetector matches a fixed keyword list.
type KeywordDetector struct {
	keywords []string
}

// NewKeywordDetector returns a detector for keywords, or DefaultKeywords
// when none are given.
func NewKeywordDetector(keywords ...string) *KeywordDetector {
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	lower := make([]string, len(keywords))
	for i, k := range keywords {
		lower[i] = strings.ToLower(k)
	}
	return &KeywordDetector{keywords: lower}
}

// WantsHuman implements Detector.
func (d *KeywordDetector) WantsHuman(text string) bool {
	if text == "" {
		return false
	}
	t := strings.ToLower(text)
	for _, k := range d.keywords {
		if strings.Contains(t, k) {
			return true
		}
	}
	return false
}
