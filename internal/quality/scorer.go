// Package quality computes batch-level completeness, uniqueness and
// consistency metrics.
package quality

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/quarrydata/quarry/internal/pipeline"
)

// Scorer computes QualityMetrics for a batch of records from one source run.
// The three metrics are independent signals; routing consults each one.
type Scorer struct{}

// New creates a Scorer.
func New() *Scorer {
	return &Scorer{}
}

// Score computes all three metrics over the batch. An empty batch scores
// zero on every signal.
func (s *Scorer) Score(source pipeline.Source, records []pipeline.StructuredRecord) pipeline.QualityMetrics {
	if len(records) == 0 {
		return pipeline.QualityMetrics{}
	}
	return pipeline.QualityMetrics{
		Completeness: completeness(source, records),
		Uniqueness:   uniqueness(records),
		Consistency:  consistency(source, records),
	}
}

// completeness is the fraction of expected field slots holding non-null
// values across the batch.
func completeness(source pipeline.Source, records []pipeline.StructuredRecord) float64 {
	var filled, expected int
	for _, record := range records {
		if len(source.Schema) > 0 {
			expected += len(source.Schema)
			for name := range source.Schema {
				if value, ok := record.Fields[name]; ok && !value.Null {
					filled++
				}
			}
			continue
		}
		expected += len(record.Fields)
		for _, value := range record.Fields {
			if !value.Null {
				filled++
			}
		}
	}
	if expected == 0 {
		return 0
	}
	return float64(filled) / float64(expected)
}

// uniqueness is the fraction of distinct records by field-value tuple.
func uniqueness(records []pipeline.StructuredRecord) float64 {
	seen := make(map[string]struct{}, len(records))
	for _, record := range records {
		seen[tupleKey(record)] = struct{}{}
	}
	return float64(len(seen)) / float64(len(records))
}

// consistency aggregates agreement between declared related-field pairs:
// |Pearson r| for numeric pairs, exact-match rate otherwise. With no
// declared pairs there is nothing to disagree, so the signal is 1.
func consistency(source pipeline.Source, records []pipeline.StructuredRecord) float64 {
	if len(source.Related) == 0 {
		return 1
	}
	var total float64
	for _, pair := range source.Related {
		total += pairScore(pair, records)
	}
	return total / float64(len(source.Related))
}

func pairScore(pair pipeline.FieldPair, records []pipeline.StructuredRecord) float64 {
	var xs, ys []float64
	numeric := true
	complete := 0
	for _, record := range records {
		a, okA := record.Fields[pair.A]
		b, okB := record.Fields[pair.B]
		if !okA || !okB || a.Null || b.Null {
			continue
		}
		complete++
		if a.Kind != pipeline.FieldTypeNumber || b.Kind != pipeline.FieldTypeNumber {
			numeric = false
			continue
		}
		xs = append(xs, a.Num)
		ys = append(ys, b.Num)
	}
	if complete == 0 {
		return 0
	}
	if numeric && len(xs) >= 2 {
		r := stat.Correlation(xs, ys, nil)
		if !math.IsNaN(r) {
			return math.Abs(r)
		}
		// Constant columns have undefined correlation; fall through to
		// the categorical match rate.
	}
	return matchRate(pair, records)
}

func matchRate(pair pipeline.FieldPair, records []pipeline.StructuredRecord) float64 {
	var matched, complete int
	for _, record := range records {
		a, okA := record.Fields[pair.A]
		b, okB := record.Fields[pair.B]
		if !okA || !okB || a.Null || b.Null {
			continue
		}
		complete++
		if renderValue(a) == renderValue(b) {
			matched++
		}
	}
	if complete == 0 {
		return 0
	}
	return float64(matched) / float64(complete)
}

func tupleKey(record pipeline.StructuredRecord) string {
	names := make([]string, 0, len(record.Fields))
	for name := range record.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(renderValue(record.Fields[name]))
		b.WriteByte('\x1f')
	}
	return b.String()
}

func renderValue(value pipeline.FieldValue) string {
	if value.Null {
		return "\x00"
	}
	switch value.Kind {
	case pipeline.FieldTypeNumber:
		return strconv.FormatFloat(value.Num, 'f', -1, 64)
	case pipeline.FieldTypeDate:
		return value.Time.Format(time.RFC3339)
	default:
		return strings.ToLower(strings.TrimSpace(value.Str))
	}
}
