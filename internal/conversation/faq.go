package conversation

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FAQEntry is a canned answer selected by keyword overlap.
type FAQEntry struct {
	Keywords []string `yaml:"keywords"`
	Answer   string   `yaml:"answer"`
}

// FAQ answers turns when inference is unavailable.
type FAQ struct {
	Default string     `yaml:"default"`
	Entries []FAQEntry `yaml:"entries"`
}

const defaultFallback = "I can't reach the tutoring service right now. Review your most recent notes on this topic and try asking again in a minute."

// DefaultFAQ is used when no FAQ file is configured.
func DefaultFAQ() *FAQ {
	return &FAQ{
		Default: defaultFallback,
		Entries: []FAQEntry{
			{
				Keywords: []string{"review", "forget", "remember", "spaced"},
				Answer:   "Short reviews spread over several days beat one long session. Revisit this concept when your review reminder comes up.",
			},
			{
				Keywords: []string{"stuck", "confused", "understand", "hard"},
				Answer:   "Try breaking the problem into the smallest step you are sure about, then check each step against the worked example in your course material.",
			},
			{
				Keywords: []string{"quiz", "test", "exam", "grade"},
				Answer:   "Practice questions under light time pressure are the best preparation. Retake the quiz for this unit and note which questions you missed.",
			},
		},
	}
}

// LoadFAQ reads a YAML FAQ file.
func LoadFAQ(path string) (*FAQ, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read faq: %w", err)
	}
	var f FAQ
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse faq: %w", err)
	}
	if f.Default == "" {
		f.Default = defaultFallback
	}
	for i := range f.Entries {
		for j, k := range f.Entries[i].Keywords {
			f.Entries[i].Keywords[j] = strings.ToLower(k)
		}
	}
	return &f, nil
}

// Answer returns the entry with the most keyword hits, earliest entry on
// ties, or the default answer.
func (f *FAQ) Answer(message string) string {
	m := strings.ToLower(message)
	best, bestHits := "", 0
	for _, e := range f.Entries {
		hits := 0
		for _, k := range e.Keywords {
			if k != "" && strings.Contains(m, k) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = e.Answer, hits
		}
	}
	if best == "" {
		return f.Default
	}
	return best
}
