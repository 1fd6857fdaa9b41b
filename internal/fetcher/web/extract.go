package web

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Strategy is one pure extraction heuristic. Strategies are tried in ranked
// order and the chain stops at the first non-empty result.
type Strategy struct {
	Name    string
	Extract func(doc *goquery.Document, target, selector string) []string
}

// DefaultStrategies returns the ranked fallback chain used when the primary
// structural rule stops matching: exact selector, tag-only, text-density,
// nearest-sibling.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: "selector", Extract: extractBySelector},
		{Name: "tag", Extract: extractByTag},
		{Name: "density", Extract: extractByDensity},
		{Name: "sibling", Extract: extractBySibling},
	}
}

// extractTarget walks the chain for one target and reports the matched
// values plus the strategy that produced them. An empty slice means every
// heuristic was exhausted; the field is recorded as absent, not an error.
func extractTarget(doc *goquery.Document, target, selector string, strategies []Strategy) ([]string, string) {
	for _, s := range strategies {
		if values := s.Extract(doc, target, selector); len(values) > 0 {
			return values, s.Name
		}
	}
	return nil, ""
}

func extractBySelector(doc *goquery.Document, _ string, selector string) []string {
	if selector == "" {
		return nil
	}
	return collectText(doc.Find(selector))
}

var selectorTag = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9]*`)

// extractByTag retries with just the tag portion of the selector, tolerating
// renamed classes and ids.
func extractByTag(doc *goquery.Document, target string, selector string) []string {
	tag := selectorTag.FindString(selector)
	if tag == "" {
		tag = strings.ToLower(target)
	}
	if tag == "" {
		return nil
	}
	return collectText(doc.Find(tag))
}

// extractByDensity returns the text of the densest block element, on the
// assumption that primary content dominates its subtree.
func extractByDensity(doc *goquery.Document, _ string, _ string) []string {
	var best string
	var bestScore float64
	doc.Find("p, article, section, td, li, div").Each(func(_ int, sel *goquery.Selection) {
		text := strings.TrimSpace(sel.Text())
		if text == "" {
			return
		}
		descendants := sel.Find("*").Length() + 1
		score := float64(len(text)) / float64(descendants)
		if score > bestScore {
			bestScore = score
			best = text
		}
	})
	if best == "" {
		return nil
	}
	return []string{best}
}

// extractBySibling looks for an element labeling the target by name and
// returns its next sibling's text.
func extractBySibling(doc *goquery.Document, target string, _ string) []string {
	if target == "" {
		return nil
	}
	label := strings.ToLower(target)
	var values []string
	doc.Find("*").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if sel.Children().Length() > 0 {
			return true
		}
		if !strings.Contains(strings.ToLower(strings.TrimSpace(sel.Text())), label) {
			return true
		}
		next := strings.TrimSpace(sel.Next().Text())
		if next != "" {
			values = append(values, next)
			return false
		}
		return true
	})
	return values
}

func collectText(sel *goquery.Selection) []string {
	var values []string
	sel.Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			values = append(values, text)
		}
	})
	return values
}
