package interpretation

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ehr/clinlab/internal/domain/labschema"
)

// LegacyParameter is the parameter name of the single row emitted for a
// result stored as one nested JSON blob.
const LegacyParameter = "All Parameters"

const (
	leafSeparator  = "; "
	rangeSeparator = "; "
)

// Leaf is one scalar of a legacy blob addressed by its dotted path.
type Leaf struct {
	Path  string
	Value string
}

// LegacyLeaves walks a legacy blob depth-first in document order. A blob that
// fails to decode is returned as a single leaf holding the raw text, and ok
// is false when there is nothing to report.
func LegacyLeaves(raw []byte) (leaves []Leaf, ok bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, false
	}
	root, ok := labschema.ParseDocument(trimmed)
	if !ok {
		return []Leaf{{Value: string(trimmed)}}, true
	}
	if labschema.IsEmptyValue(root) {
		return nil, false
	}
	if !root.IsObject() && !root.IsArray() {
		text, _ := labschema.ScalarText(root)
		return []Leaf{{Value: text}}, true
	}
	return collectLeaves(root, "", nil), true
}

func collectLeaves(v gjson.Result, prefix string, out []Leaf) []Leaf {
	switch {
	case v.IsObject():
		for _, m := range labschema.Members(v) {
			out = collectLeaves(m.Value, joinPath(prefix, m.Key), out)
		}
	case v.IsArray():
		for i, item := range v.Array() {
			out = collectLeaves(item, joinPath(prefix, strconv.Itoa(i)), out)
		}
	default:
		text, _ := labschema.ScalarText(v)
		out = append(out, Leaf{Path: prefix, Value: text})
	}
	return out
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// FlattenLegacy renders a legacy blob as "path=value; path=value".
func FlattenLegacy(raw []byte) string {
	leaves, _ := LegacyLeaves(raw)
	return flattenLeaves(leaves)
}

func flattenLeaves(leaves []Leaf) string {
	parts := make([]string, 0, len(leaves))
	for _, l := range leaves {
		if l.Path == "" {
			parts = append(parts, l.Value)
			continue
		}
		parts = append(parts, l.Path+"="+l.Value)
	}
	return strings.Join(parts, leafSeparator)
}

// AggregateRange looks up each leaf by exact path only and joins the ranges
// the schema defines as "label: range". Fields without a range are skipped,
// and each field appears once however many leaves sit beneath it.
func AggregateRange(schema *labschema.FieldSchema, leaves []Leaf, pt labschema.PatientType, hasPT bool) string {
	if schema == nil {
		return ""
	}
	var parts []string
	seen := make(map[labschema.FieldPath]bool)
	for _, l := range leaves {
		path, ok := labschema.ParsePath(l.Path)
		if !ok || seen[path] {
			continue
		}
		seen[path] = true
		field := schema.Lookup(path)
		if field == nil {
			continue
		}
		r := SchemaRange(field, pt, hasPT)
		if !r.Found {
			continue
		}
		name := field.Label
		if name == "" {
			name = path.String()
		}
		parts = append(parts, name+": "+r.Text)
	}
	return strings.Join(parts, rangeSeparator)
}
