// Package entities provides EntityExtractor implementations. The capability
// is external to the pipeline; when absent it yields an empty list, never an
// error.
package entities

import (
	"regexp"

	"github.com/quarrydata/quarry/internal/pipeline"
)

// Noop is the absent-capability extractor.
type Noop struct{}

// NewNoop creates a Noop extractor.
func NewNoop() *Noop {
	return &Noop{}
}

// Extract always returns an empty list.
func (Noop) Extract(_ string) []pipeline.Entity {
	return nil
}

type pattern struct {
	label string
	re    *regexp.Regexp
}

// Pattern recognizes a small fixed set of entity shapes with regular
// expressions. It stands in for a full NLP model behind the same contract.
type Pattern struct {
	patterns []pattern
}

// NewPattern creates a Pattern extractor.
func NewPattern() *Pattern {
	return &Pattern{
		patterns: []pattern{
			{label: "EMAIL", re: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
			{label: "URL", re: regexp.MustCompile(`https?://[^\s"']+`)},
			{label: "MONEY", re: regexp.MustCompile(`\$\s?\d[\d,]*(?:\.\d+)?`)},
			{label: "DATE", re: regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)},
		},
	}
}

// Extract scans the text with every pattern and returns typed spans in
// document order per label.
func (p *Pattern) Extract(text string) []pipeline.Entity {
	var found []pipeline.Entity
	for _, pat := range p.patterns {
		for _, loc := range pat.re.FindAllStringIndex(text, -1) {
			found = append(found, pipeline.Entity{
				Text:  text[loc[0]:loc[1]],
				Label: pat.label,
				Start: loc[0],
				End:   loc[1],
			})
		}
	}
	return found
}
