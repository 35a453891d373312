// Package labschema models the data-entry schema attached to a laboratory test
// definition: ordered sections, each holding ordered fields with their type,
// unit and reference range metadata.
package labschema

import (
	"strings"
)

// FieldType is the input type of a schema field.
type FieldType int

const (
	TypeUnknown FieldType = iota
	TypeText
	TypeNumber
	TypeSelect
	TypeTextarea
)

// ParseFieldType maps a stored type name to a FieldType. Unrecognised names
// yield TypeUnknown, which is interpreted like free text.
func ParseFieldType(s string) FieldType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text":
		return TypeText
	case "number":
		return TypeNumber
	case "select":
		return TypeSelect
	case "textarea":
		return TypeTextarea
	}
	return TypeUnknown
}

func (t FieldType) String() string {
	switch t {
	case TypeText:
		return "text"
	case TypeNumber:
		return "number"
	case TypeSelect:
		return "select"
	case TypeTextarea:
		return "textarea"
	}
	return "unknown"
}

// PatientType is the demographic bucket used to pick a reference range.
type PatientType string

const (
	PatientChild  PatientType = "child"
	PatientSenior PatientType = "senior"
	PatientMale   PatientType = "male"
	PatientFemale PatientType = "female"
)

// PatientTypes lists every bucket in a fixed order.
var PatientTypes = []PatientType{PatientChild, PatientSenior, PatientMale, PatientFemale}

// ParsePatientType returns the bucket for a stored key.
func ParsePatientType(s string) (PatientType, bool) {
	pt := PatientType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range PatientTypes {
		if pt == known {
			return pt, true
		}
	}
	return "", false
}

// Bound is one side of a numeric range. Text is kept exactly as stored so a
// range renders the way it was authored ("12.0" stays "12.0").
type Bound struct {
	Text    string
	Value   float64
	Numeric bool
}

// NewBound builds a bound from stored text. Empty text yields nil.
func NewBound(text string) *Bound {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	b := &Bound{Text: text}
	if f, ok := ParseNumber(text); ok {
		b.Value = f
		b.Numeric = true
	}
	return b
}

func (b *Bound) String() string {
	if b == nil {
		return ""
	}
	return b.Text
}

// Range is a min/max pair where either side may be absent.
type Range struct {
	Min *Bound
	Max *Bound
}

// HasAny reports whether at least one side is present.
func (r Range) HasAny() bool {
	return r.Min != nil || r.Max != nil
}

// Complete reports whether both sides are present and numeric.
func (r Range) Complete() bool {
	return r.Min != nil && r.Max != nil && r.Min.Numeric && r.Max.Numeric
}

// Contains compares inclusively on both bounds. Only meaningful when Complete.
func (r Range) Contains(v float64) bool {
	return r.Min.Value <= v && v <= r.Max.Value
}

// Format renders "{min}-{max}" with a missing side left empty.
func (r Range) Format() string {
	return FormatRange(r.Min.String(), r.Max.String())
}

// FormatRange joins the two sides with a dash and trims surrounding space.
func FormatRange(lo, hi string) string {
	return strings.TrimSpace(lo + "-" + hi)
}

// Option is a selectable value of a select field together with the status
// it implies when chosen.
type Option struct {
	Value  string
	Status string
}

// FieldDefinition describes one parameter of a test.
type FieldDefinition struct {
	Key                string
	Label              string
	Type               FieldType
	Unit               string
	Min                *Bound
	Max                *Bound
	Options            []Option
	Ranges             map[PatientType]Range
	ReferenceRangeText string

	// raw type name and range keys that did not map to a known value
	typeName      string
	unknownRanges []string
}

// GenericRange returns the range that applies regardless of patient type.
func (f *FieldDefinition) GenericRange() Range {
	return Range{Min: f.Min, Max: f.Max}
}

// RangeFor returns the patient-type specific range, if one was authored.
func (f *FieldDefinition) RangeFor(pt PatientType) (Range, bool) {
	r, ok := f.Ranges[pt]
	return r, ok
}

// Section groups fields under a title.
type Section struct {
	Key    string
	Title  string
	Fields []*FieldDefinition
}

// Field returns the field stored under key.
func (s *Section) Field(key string) *FieldDefinition {
	for _, f := range s.Fields {
		if f.Key == key {
			return f
		}
	}
	return nil
}

// FieldSchema is the full parsed schema of a test definition.
type FieldSchema struct {
	Sections []*Section
}

// Section returns the section stored under key.
func (s *FieldSchema) Section(key string) *Section {
	if s == nil {
		return nil
	}
	for _, sec := range s.Sections {
		if sec.Key == key {
			return sec
		}
	}
	return nil
}

// Field returns sections[sectionKey].fields[fieldKey].
func (s *FieldSchema) Field(sectionKey, fieldKey string) *FieldDefinition {
	sec := s.Section(sectionKey)
	if sec == nil {
		return nil
	}
	return sec.Field(fieldKey)
}

// Lookup resolves a FieldPath against the schema.
func (s *FieldSchema) Lookup(p FieldPath) *FieldDefinition {
	return s.Field(p.Section, p.Field)
}

// Walk calls fn for every field in section then field order. Returning
// false stops the walk.
func (s *FieldSchema) Walk(fn func(sec *Section, f *FieldDefinition) bool) {
	if s == nil {
		return
	}
	for _, sec := range s.Sections {
		for _, f := range sec.Fields {
			if !fn(sec, f) {
				return
			}
		}
	}
}

// FieldCount returns the number of fields across all sections.
func (s *FieldSchema) FieldCount() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, sec := range s.Sections {
		n += len(sec.Fields)
	}
	return n
}
