// Package pipeline defines core types shared across subsystems.
package pipeline

import (
	"time"
)

// SourceKind distinguishes the two fetcher variants.
type SourceKind string

// Source kinds accepted by the pipeline.
const (
	SourceKindWebsite SourceKind = "website"
	SourceKindAPI     SourceKind = "api"
)

// FieldType declares how a raw field value should be parsed.
type FieldType string

// Field types recognized by the cleaner.
const (
	FieldTypeString FieldType = "string"
	FieldTypeNumber FieldType = "number"
	FieldTypeDate   FieldType = "date"
)

// RuleKind names a validation rule family.
type RuleKind string

// Validation rule kinds.
const (
	RuleFormat       RuleKind = "format"
	RuleRange        RuleKind = "range"
	RuleTypeMismatch RuleKind = "type_mismatch"
)

// Rule is one validation constraint applied to a field.
type Rule struct {
	Kind    RuleKind `json:"kind" mapstructure:"kind"`
	Pattern string   `json:"pattern,omitempty" mapstructure:"pattern"`
	Min     float64  `json:"min,omitempty" mapstructure:"min"`
	Max     float64  `json:"max,omitempty" mapstructure:"max"`
}

// FieldPair declares two fields expected to behave consistently together.
type FieldPair struct {
	A string `json:"a" mapstructure:"a"`
	B string `json:"b" mapstructure:"b"`
}

// Source describes one ingestion target. Immutable for the duration of a run.
type Source struct {
	Kind      SourceKind           `json:"kind"`
	Locator   string               `json:"locator"`
	Params    map[string]string    `json:"params,omitempty"`
	Selectors map[string]string    `json:"selectors,omitempty"`
	Schema    map[string]FieldType `json:"schema,omitempty"`
	Rules     map[string][]Rule    `json:"rules,omitempty"`
	Related   []FieldPair          `json:"related,omitempty"`
	Casefold  []string             `json:"casefold,omitempty"`
}

// Key identifies the source for rate limiting and hash tracking.
func (s Source) Key() string {
	return s.Locator
}

// RawPayload is the output of a single successful fetch.
type RawPayload struct {
	Source      Source    `json:"source"`
	Body        []byte    `json:"body"`
	FetchedAt   time.Time `json:"fetched_at"`
	ContentHash string    `json:"content_hash"`
}

// FieldValue is one typed cell of a structured record. Null marks a value
// that could not be parsed into the declared type.
type FieldValue struct {
	Kind FieldType `json:"kind"`
	Str  string    `json:"str,omitempty"`
	Num  float64   `json:"num,omitempty"`
	Time time.Time `json:"time,omitempty"`
	Null bool      `json:"null,omitempty"`
}

// Entity is one typed span returned by the entity extractor.
type Entity struct {
	Text  string `json:"text"`
	Label string `json:"label"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// ValidationFailure records one rule violation on one field.
type ValidationFailure struct {
	Field   string   `json:"field"`
	Rule    RuleKind `json:"rule"`
	Message string   `json:"message"`
}

// StructuredRecord is the cleaned, typed form of one raw payload.
type StructuredRecord struct {
	Fields             map[string]FieldValue `json:"fields"`
	Entities           []Entity              `json:"entities,omitempty"`
	ValidationFailures []ValidationFailure   `json:"validation_failures,omitempty"`
}

// HasFailures reports whether any validation rule failed.
func (r StructuredRecord) HasFailures() bool {
	return len(r.ValidationFailures) > 0
}

// QualityMetrics carries the three batch quality signals, each in [0,1].
type QualityMetrics struct {
	Completeness float64 `json:"completeness"`
	Uniqueness   float64 `json:"uniqueness"`
	Consistency  float64 `json:"consistency"`
}

// MeetsThreshold reports whether every signal clears the auto-approve bar.
// The signals are independent; no metric may mask another.
func (m QualityMetrics) MeetsThreshold(threshold float64) bool {
	return m.Completeness >= threshold &&
		m.Uniqueness >= threshold &&
		m.Consistency >= threshold
}

// ReviewStatus is the lifecycle state of a review item.
type ReviewStatus string

// Review statuses persisted by the store. Approved, Rejected and Expired
// are terminal.
const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
	ReviewExpired  ReviewStatus = "expired"
)

// Terminal reports whether the status can never change again.
func (s ReviewStatus) Terminal() bool {
	switch s {
	case ReviewApproved, ReviewRejected, ReviewExpired:
		return true
	default:
		return false
	}
}

// ApprovedForStorage reports whether records with this status enter the
// system of record. Expiry resolves to approval by default.
func (s ReviewStatus) ApprovedForStorage() bool {
	return s == ReviewApproved || s == ReviewExpired
}

// ReviewItem tracks one record awaiting human review.
type ReviewItem struct {
	ID             string         `json:"id"`
	EntryID        string         `json:"entry_id"`
	SourceLocator  string         `json:"source_locator"`
	Metrics        QualityMetrics `json:"metrics"`
	AnomalyFlagged bool           `json:"anomaly_flagged"`
	CreatedAt      time.Time      `json:"created_at"`
	Status         ReviewStatus   `json:"status"`
	Reviewer       string         `json:"reviewer,omitempty"`
	Reason         string         `json:"reason,omitempty"`
}

// ResultStatus is the per-source outcome of one pipeline run.
type ResultStatus string

// Result statuses reported to the caller.
const (
	StatusSuccess ResultStatus = "success"
	StatusSkipped ResultStatus = "skipped"
	StatusError   ResultStatus = "error"
)

// PipelineResult is the final per-source output handed back to the caller.
type PipelineResult struct {
	Source      Source             `json:"source"`
	Status      ResultStatus       `json:"status"`
	Records     []StructuredRecord `json:"records,omitempty"`
	Metrics     QualityMetrics     `json:"metrics"`
	Flags       []bool             `json:"flags,omitempty"`
	NeedsReview bool               `json:"needs_review"`
	EntryIDs    []string           `json:"entry_ids,omitempty"`
	Err         error              `json:"-"`
	ErrText     string             `json:"error,omitempty"`
}
