// Package cleaner normalizes raw payloads into structured records and applies
// per-field validation rules.
package cleaner

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/quarrydata/quarry/internal/pipeline"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// Date layouts tried in order when a field is declared as a date.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"01/02/2006",
	"January 2, 2006",
}

// Cleaner turns one raw payload into a batch of structured records. All
// steps are deterministic given the same input.
type Cleaner struct {
	extractor pipeline.Extractor
	regexps   map[string]*regexp.Regexp
}

// New builds a Cleaner. extractor may be nil when the entity-extraction
// capability is absent.
func New(extractor pipeline.Extractor) *Cleaner {
	return &Cleaner{
		extractor: extractor,
		regexps:   make(map[string]*regexp.Regexp),
	}
}

// Clean decodes the payload and produces one record per decoded object.
// Validation failures accumulate on the records without aborting; only a
// structurally undecodable payload returns an error.
func (c *Cleaner) Clean(payload pipeline.RawPayload) ([]pipeline.StructuredRecord, error) {
	rows, err := decode(payload)
	if err != nil {
		return nil, err
	}

	records := make([]pipeline.StructuredRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, c.cleanRow(payload.Source, row))
	}
	return records, nil
}

func (c *Cleaner) cleanRow(source pipeline.Source, row map[string]any) pipeline.StructuredRecord {
	record := pipeline.StructuredRecord{
		Fields: make(map[string]pipeline.FieldValue),
	}

	for name, raw := range row {
		text := normalizeText(flatten(raw), foldCase(source, name))
		fieldType := source.Schema[name]
		if fieldType == "" {
			fieldType = pipeline.FieldTypeString
		}
		value, mismatch := typeValue(fieldType, text)
		record.Fields[name] = value
		if mismatch {
			record.ValidationFailures = append(record.ValidationFailures, pipeline.ValidationFailure{
				Field:   name,
				Rule:    pipeline.RuleTypeMismatch,
				Message: fmt.Sprintf("value %q is not a valid %s", text, fieldType),
			})
		}
	}

	// Declared fields missing from the payload become nulls, not failures.
	for name, fieldType := range source.Schema {
		if _, ok := record.Fields[name]; !ok {
			record.Fields[name] = pipeline.FieldValue{Kind: fieldType, Null: true}
		}
	}

	c.applyRules(source, &record)
	record.Entities = c.extractEntities(record)
	sortFailures(record.ValidationFailures)
	return record
}

func (c *Cleaner) applyRules(source pipeline.Source, record *pipeline.StructuredRecord) {
	for field, rules := range source.Rules {
		value, ok := record.Fields[field]
		if !ok || value.Null {
			continue
		}
		for _, rule := range rules {
			if failure, failed := c.applyRule(field, rule, value); failed {
				record.ValidationFailures = append(record.ValidationFailures, failure)
			}
		}
	}
}

func (c *Cleaner) applyRule(field string, rule pipeline.Rule, value pipeline.FieldValue) (pipeline.ValidationFailure, bool) {
	switch rule.Kind {
	case pipeline.RuleFormat:
		re, err := c.compile(rule.Pattern)
		if err != nil {
			return pipeline.ValidationFailure{
				Field:   field,
				Rule:    pipeline.RuleFormat,
				Message: fmt.Sprintf("invalid pattern %q: %v", rule.Pattern, err),
			}, true
		}
		if !re.MatchString(render(value)) {
			return pipeline.ValidationFailure{
				Field:   field,
				Rule:    pipeline.RuleFormat,
				Message: fmt.Sprintf("value %q does not match %q", render(value), rule.Pattern),
			}, true
		}
	case pipeline.RuleRange:
		if value.Kind != pipeline.FieldTypeNumber {
			return pipeline.ValidationFailure{}, false
		}
		if value.Num < rule.Min || value.Num > rule.Max {
			return pipeline.ValidationFailure{
				Field:   field,
				Rule:    pipeline.RuleRange,
				Message: fmt.Sprintf("value %v outside [%v, %v]", value.Num, rule.Min, rule.Max),
			}, true
		}
	}
	return pipeline.ValidationFailure{}, false
}

func (c *Cleaner) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := c.regexps[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	c.regexps[pattern] = re
	return re, nil
}

func (c *Cleaner) extractEntities(record pipeline.StructuredRecord) []pipeline.Entity {
	if c.extractor == nil {
		return nil
	}
	names := make([]string, 0, len(record.Fields))
	for name, value := range record.Fields {
		if value.Kind == pipeline.FieldTypeString && !value.Null {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, record.Fields[name].Str)
	}
	return c.extractor.Extract(strings.Join(parts, " "))
}

func decode(payload pipeline.RawPayload) ([]map[string]any, error) {
	if !utf8.Valid(payload.Body) {
		return nil, &pipeline.ParseError{
			SourceKey: payload.Source.Key(),
			Err:       fmt.Errorf("payload is not valid UTF-8"),
		}
	}
	trimmed := strings.TrimSpace(string(payload.Body))
	if trimmed == "" {
		return nil, &pipeline.ParseError{
			SourceKey: payload.Source.Key(),
			Err:       fmt.Errorf("payload is empty"),
		}
	}

	switch trimmed[0] {
	case '{':
		var row map[string]any
		if err := json.Unmarshal([]byte(trimmed), &row); err != nil {
			return nil, &pipeline.ParseError{SourceKey: payload.Source.Key(), Err: err}
		}
		return []map[string]any{row}, nil
	case '[':
		var rows []map[string]any
		if err := json.Unmarshal([]byte(trimmed), &rows); err != nil {
			return nil, &pipeline.ParseError{SourceKey: payload.Source.Key(), Err: err}
		}
		return rows, nil
	default:
		// Bare text payloads become a single content field.
		return []map[string]any{{"content": trimmed}}, nil
	}
}

func flatten(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if s := flatten(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

func normalizeText(text string, casefold bool) string {
	text = whitespaceRun.ReplaceAllString(strings.TrimSpace(text), " ")
	if casefold {
		text = strings.ToLower(text)
	}
	return text
}

func foldCase(source pipeline.Source, field string) bool {
	for _, name := range source.Casefold {
		if name == field {
			return true
		}
	}
	return false
}

func typeValue(fieldType pipeline.FieldType, text string) (pipeline.FieldValue, bool) {
	if text == "" {
		return pipeline.FieldValue{Kind: fieldType, Null: true}, false
	}
	switch fieldType {
	case pipeline.FieldTypeNumber:
		cleaned := strings.Map(func(r rune) rune {
			if r == '$' || r == ',' {
				return -1
			}
			return r
		}, text)
		num, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return pipeline.FieldValue{Kind: fieldType, Null: true}, true
		}
		return pipeline.FieldValue{Kind: fieldType, Num: num}, false
	case pipeline.FieldTypeDate:
		for _, layout := range dateLayouts {
			if at, err := time.Parse(layout, text); err == nil {
				return pipeline.FieldValue{Kind: fieldType, Time: at}, false
			}
		}
		return pipeline.FieldValue{Kind: fieldType, Null: true}, true
	default:
		return pipeline.FieldValue{Kind: pipeline.FieldTypeString, Str: text}, false
	}
}

func render(value pipeline.FieldValue) string {
	switch value.Kind {
	case pipeline.FieldTypeNumber:
		return strconv.FormatFloat(value.Num, 'f', -1, 64)
	case pipeline.FieldTypeDate:
		return value.Time.Format(time.RFC3339)
	default:
		return value.Str
	}
}

func sortFailures(failures []pipeline.ValidationFailure) {
	sort.Slice(failures, func(i, j int) bool {
		if failures[i].Field != failures[j].Field {
			return failures[i].Field < failures[j].Field
		}
		return failures[i].Rule < failures[j].Rule
	})
}
