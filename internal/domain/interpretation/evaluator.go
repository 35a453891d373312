package interpretation

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ehr/clinlab/internal/domain/labschema"
)

// Status is the verdict for one parameter.
type Status string

const (
	StatusNormal   Status = "Normal"
	StatusAbnormal Status = "Abnormal"
	StatusNA       Status = "N/A"
)

// NotAvailable is the display text for a range or status that could not be
// determined.
const NotAvailable = "N/A"

// StatusFromOption maps a select option's stored status to a Status. Custom
// statuses keep their text with the first letter upper-cased.
func StatusFromOption(s string) Status {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "":
		return StatusNA
	case "normal":
		return StatusNormal
	case "abnormal":
		return StatusAbnormal
	}
	r, size := utf8.DecodeRuneInString(s)
	return Status(string(unicode.ToUpper(r)) + s[size:])
}

// RangeResult is a reference range that is either found or unavailable.
type RangeResult struct {
	Text  string
	Found bool
}

func rangeFound(text string) RangeResult {
	return RangeResult{Text: text, Found: true}
}

// Display returns the text, or N/A when no range was found.
func (r RangeResult) Display() string {
	if !r.Found {
		return NotAvailable
	}
	return r.Text
}

// ResultValue is one stored parameter value. Reference fields hold operator
// overrides; empty means not set.
type ResultValue struct {
	Key           string
	Label         string
	Value         string
	Unit          string
	ReferenceMin  string
	ReferenceMax  string
	ReferenceText string
}

// ReferenceRange picks the range to display for a value. Overrides stored on
// the value win over anything the schema says.
func ReferenceRange(field *labschema.FieldDefinition, v ResultValue, pt labschema.PatientType, hasPT bool) RangeResult {
	if strings.TrimSpace(v.ReferenceText) != "" {
		return rangeFound(v.ReferenceText)
	}
	lo, hi := strings.TrimSpace(v.ReferenceMin), strings.TrimSpace(v.ReferenceMax)
	if lo != "" || hi != "" {
		return rangeFound(labschema.FormatRange(lo, hi))
	}
	return SchemaRange(field, pt, hasPT)
}

// SchemaRange is the range a field defines: its reference text, then the
// patient-type range, then the generic bounds.
func SchemaRange(field *labschema.FieldDefinition, pt labschema.PatientType, hasPT bool) RangeResult {
	if field == nil {
		return RangeResult{}
	}
	if strings.TrimSpace(field.ReferenceRangeText) != "" {
		return rangeFound(field.ReferenceRangeText)
	}
	if hasPT {
		if r, ok := field.RangeFor(pt); ok && r.HasAny() {
			return rangeFound(r.Format())
		}
	}
	if r := field.GenericRange(); r.HasAny() {
		return rangeFound(r.Format())
	}
	return RangeResult{}
}

// EvaluateStatus classifies a value against its field definition.
func EvaluateStatus(field *labschema.FieldDefinition, value string, pt labschema.PatientType, hasPT bool) Status {
	value = strings.TrimSpace(value)
	if field == nil || value == "" {
		return StatusNA
	}
	switch field.Type {
	case labschema.TypeNumber:
		return numericStatus(field, value, pt, hasPT)
	case labschema.TypeSelect:
		return selectStatus(field, value)
	}
	return StatusNA
}

func numericStatus(field *labschema.FieldDefinition, value string, pt labschema.PatientType, hasPT bool) Status {
	n, ok := labschema.ParseNumber(value)
	if !ok {
		return StatusNA
	}
	r, ok := completeRange(field, pt, hasPT)
	if !ok {
		return StatusNA
	}
	if r.Contains(n) {
		return StatusNormal
	}
	return StatusAbnormal
}

// completeRange prefers a complete patient-type range over the generic one.
func completeRange(field *labschema.FieldDefinition, pt labschema.PatientType, hasPT bool) (labschema.Range, bool) {
	if hasPT {
		if r, ok := field.RangeFor(pt); ok && r.Complete() {
			return r, true
		}
	}
	if r := field.GenericRange(); r.Complete() {
		return r, true
	}
	return labschema.Range{}, false
}

// selectStatus never falls back to Normal for an unlisted value.
func selectStatus(field *labschema.FieldDefinition, value string) Status {
	for _, opt := range field.Options {
		if strings.TrimSpace(opt.Value) == value {
			return StatusFromOption(opt.Status)
		}
	}
	return StatusNA
}
