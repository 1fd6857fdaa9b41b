package quality

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quarrydata/quarry/internal/pipeline"
)

func numField(v float64) pipeline.FieldValue {
	return pipeline.FieldValue{Kind: pipeline.FieldTypeNumber, Num: v}
}

func strField(s string) pipeline.FieldValue {
	return pipeline.FieldValue{Kind: pipeline.FieldTypeString, Str: s}
}

func nullField(kind pipeline.FieldType) pipeline.FieldValue {
	return pipeline.FieldValue{Kind: kind, Null: true}
}

func record(fields map[string]pipeline.FieldValue) pipeline.StructuredRecord {
	return pipeline.StructuredRecord{Fields: fields}
}

func TestScore_EmptyBatchScoresZero(t *testing.T) {
	t.Parallel()
	metrics := New().Score(pipeline.Source{}, nil)
	require.Zero(t, metrics.Completeness)
	require.Zero(t, metrics.Uniqueness)
	require.Zero(t, metrics.Consistency)
}

func TestScore_Completeness(t *testing.T) {
	t.Parallel()
	source := pipeline.Source{
		Schema: map[string]pipeline.FieldType{
			"name":  pipeline.FieldTypeString,
			"price": pipeline.FieldTypeNumber,
		},
	}
	records := []pipeline.StructuredRecord{
		record(map[string]pipeline.FieldValue{"name": strField("A"), "price": numField(1)}),
		record(map[string]pipeline.FieldValue{"name": strField("B"), "price": nullField(pipeline.FieldTypeNumber)}),
	}

	metrics := New().Score(source, records)
	// 3 of 4 schema slots filled.
	require.InDelta(t, 0.75, metrics.Completeness, 1e-9)
}

func TestScore_CompletenessWithoutSchemaUsesRecordFields(t *testing.T) {
	t.Parallel()
	records := []pipeline.StructuredRecord{
		record(map[string]pipeline.FieldValue{"a": strField("x"), "b": nullField(pipeline.FieldTypeString)}),
	}

	metrics := New().Score(pipeline.Source{}, records)
	require.InDelta(t, 0.5, metrics.Completeness, 1e-9)
}

func TestScore_UniquenessCountsDistinctTuples(t *testing.T) {
	t.Parallel()
	dup := map[string]pipeline.FieldValue{"name": strField("A"), "price": numField(1)}
	records := []pipeline.StructuredRecord{
		record(dup),
		record(map[string]pipeline.FieldValue{"name": strField("A"), "price": numField(1)}),
		record(map[string]pipeline.FieldValue{"name": strField("B"), "price": numField(2)}),
		record(map[string]pipeline.FieldValue{"name": strField("C"), "price": numField(3)}),
	}

	metrics := New().Score(pipeline.Source{}, records)
	// 3 distinct tuples over 4 records.
	require.InDelta(t, 0.75, metrics.Uniqueness, 1e-9)
}

func TestScore_ConsistencyDefaultsToOneWithoutPairs(t *testing.T) {
	t.Parallel()
	records := []pipeline.StructuredRecord{
		record(map[string]pipeline.FieldValue{"a": strField("x")}),
	}
	metrics := New().Score(pipeline.Source{}, records)
	require.Equal(t, 1.0, metrics.Consistency)
}

func TestScore_ConsistencyNumericCorrelation(t *testing.T) {
	t.Parallel()
	source := pipeline.Source{
		Related: []pipeline.FieldPair{{A: "price", B: "tax"}},
	}
	// tax is exactly 10% of price: perfect linear relationship.
	var records []pipeline.StructuredRecord
	for _, p := range []float64{10, 20, 30, 40, 50} {
		records = append(records, record(map[string]pipeline.FieldValue{
			"price": numField(p),
			"tax":   numField(p * 0.1),
		}))
	}

	metrics := New().Score(source, records)
	require.InDelta(t, 1.0, metrics.Consistency, 1e-9)
}

func TestScore_ConsistencyCategoricalMatchRate(t *testing.T) {
	t.Parallel()
	source := pipeline.Source{
		Related: []pipeline.FieldPair{{A: "shipping_country", B: "billing_country"}},
	}
	records := []pipeline.StructuredRecord{
		record(map[string]pipeline.FieldValue{"shipping_country": strField("US"), "billing_country": strField("US")}),
		record(map[string]pipeline.FieldValue{"shipping_country": strField("US"), "billing_country": strField("us")}),
		record(map[string]pipeline.FieldValue{"shipping_country": strField("US"), "billing_country": strField("DE")}),
		record(map[string]pipeline.FieldValue{"shipping_country": strField("FR"), "billing_country": strField("FR")}),
	}

	metrics := New().Score(source, records)
	// Case-insensitive compare: 3 of 4 agree.
	require.InDelta(t, 0.75, metrics.Consistency, 1e-9)
}

func TestScore_ConsistencyZeroWhenPairNeverComplete(t *testing.T) {
	t.Parallel()
	source := pipeline.Source{
		Related: []pipeline.FieldPair{{A: "a", B: "b"}},
	}
	records := []pipeline.StructuredRecord{
		record(map[string]pipeline.FieldValue{"a": strField("x"), "b": nullField(pipeline.FieldTypeString)}),
	}

	metrics := New().Score(source, records)
	require.Zero(t, metrics.Consistency)
}

func TestMeetsThreshold_EverySignalIndependent(t *testing.T) {
	t.Parallel()
	metrics := pipeline.QualityMetrics{Completeness: 1, Uniqueness: 1, Consistency: 0.79}
	require.False(t, metrics.MeetsThreshold(0.8))

	metrics.Consistency = 0.8
	require.True(t, metrics.MeetsThreshold(0.8))
}
