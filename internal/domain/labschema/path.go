package labschema

import (
	"regexp"
	"strconv"
	"strings"
)

// FieldPath addresses a field as sectionKey.fieldKey.
type FieldPath struct {
	Section string
	Field   string
}

func (p FieldPath) String() string {
	return p.Section + "." + p.Field
}

// ParsePath splits a dotted key and returns its first two segments. Keys
// with fewer than two segments do not form a path.
func ParsePath(key string) (FieldPath, bool) {
	parts := strings.Split(key, ".")
	if len(parts) < 2 {
		return FieldPath{}, false
	}
	return FieldPath{Section: parts[0], Field: parts[1]}, true
}

var numericPattern = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// ParseNumber parses a decimal number with optional sign, fraction and
// exponent. Surrounding whitespace is ignored; hex, NaN and Inf are rejected.
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if !numericPattern.MatchString(s) {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
