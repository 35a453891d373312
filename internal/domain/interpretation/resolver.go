package interpretation

import (
	"strings"

	"github.com/ehr/clinlab/internal/domain/labschema"
)

// Strategy records which rule matched a value to a schema field.
type Strategy int

const (
	StrategyNone Strategy = iota
	StrategyExactPath
	StrategyLabel
	StrategyLabelKey
	StrategyKey
	StrategySubstring
)

func (s Strategy) String() string {
	switch s {
	case StrategyExactPath:
		return "exact_path"
	case StrategyLabel:
		return "label"
	case StrategyLabelKey:
		return "label_key"
	case StrategyKey:
		return "key"
	case StrategySubstring:
		return "substring"
	}
	return "none"
}

// Resolution is a matched schema field.
type Resolution struct {
	Path     labschema.FieldPath
	Field    *labschema.FieldDefinition
	Strategy Strategy
}

// ResolveField finds the schema field for a stored parameter key and label.
// An exact sectionKey.fieldKey path is tried first, then every field is
// scanned in schema order and the first one satisfying any predicate wins.
// No match is an expected outcome, reported with false.
func ResolveField(schema *labschema.FieldSchema, key, label string) (Resolution, bool) {
	if schema == nil {
		return Resolution{}, false
	}
	if res, ok := resolveExact(schema, key); ok {
		return res, true
	}
	for _, sec := range schema.Sections {
		for _, f := range sec.Fields {
			if s := matchField(f, key, label); s != StrategyNone {
				return Resolution{
					Path:     labschema.FieldPath{Section: sec.Key, Field: f.Key},
					Field:    f,
					Strategy: s,
				}, true
			}
		}
	}
	return Resolution{}, false
}

func resolveExact(schema *labschema.FieldSchema, key string) (Resolution, bool) {
	path, ok := labschema.ParsePath(key)
	if !ok {
		return Resolution{}, false
	}
	f := schema.Lookup(path)
	if f == nil {
		return Resolution{}, false
	}
	return Resolution{Path: path, Field: f, Strategy: StrategyExactPath}, true
}

// matchField applies the scan predicates in priority order.
func matchField(f *labschema.FieldDefinition, key, label string) Strategy {
	switch {
	case label != "" && label == f.Label:
		return StrategyLabel
	case label != "" && label == f.Key:
		return StrategyLabelKey
	case key != "" && key == f.Key:
		return StrategyKey
	case f.Key != "" && strings.Contains(key, f.Key):
		return StrategySubstring
	}
	return StrategyNone
}
