package labschema

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrNoSections is returned when a schema document has no "sections" key.
var ErrNoSections = errors.New("schema has no sections")

var errInvalidJSON = errors.New("decode schema: invalid JSON")

// Parse decodes a schema document strictly: any malformed section, field or
// attribute is an error. Section and field order follow the document.
func Parse(raw []byte) (*FieldSchema, error) {
	doc, ok := ParseDocument(raw)
	if !ok {
		return nil, errInvalidJSON
	}
	return parser{}.schema(doc)
}

// Decode is the lenient boundary used at interpretation time. Malformed
// sections, fields, options and attributes are dropped so the rest of the
// schema still applies. A document with no usable sections object yields nil,
// meaning no schema is available.
func Decode(raw []byte) *FieldSchema {
	doc, ok := ParseDocument(raw)
	if !ok {
		return nil
	}
	s, err := parser{lenient: true}.schema(doc)
	if err != nil {
		return nil
	}
	return s
}

type parser struct {
	lenient bool
}

// drop returns err when parsing strictly. A lenient parser discards the
// offending element and carries on.
func (p parser) drop(err error) error {
	if p.lenient {
		return nil
	}
	return err
}

func (p parser) schema(root gjson.Result) (*FieldSchema, error) {
	if !root.IsObject() {
		return nil, fmt.Errorf("schema must be an object")
	}
	sections, ok := member(root, "sections")
	if !ok {
		return nil, ErrNoSections
	}

	schema := &FieldSchema{}
	switch {
	case sections.IsObject():
	case (sections.IsArray() || sections.Type == gjson.Null) && IsEmptyValue(sections):
		// an empty map is commonly serialised as []
		return schema, nil
	default:
		return nil, fmt.Errorf("sections must be an object")
	}

	for _, m := range Members(sections) {
		sec, err := p.section(m.Key, m.Value)
		if err != nil {
			return nil, err
		}
		if sec != nil {
			schema.Sections = append(schema.Sections, sec)
		}
	}
	return schema, nil
}

func (p parser) section(key string, v gjson.Result) (*Section, error) {
	if !v.IsObject() {
		return nil, p.drop(fmt.Errorf("section %q must be an object", key))
	}
	sec := &Section{Key: key}

	if title, ok := member(v, "title"); ok {
		t, err := ScalarText(title)
		if err != nil {
			if err := p.drop(fmt.Errorf("section %q title: %w", key, err)); err != nil {
				return nil, err
			}
		}
		sec.Title = t
	}

	fields, ok := member(v, "fields")
	if !ok || IsEmptyValue(fields) {
		return sec, nil
	}
	if !fields.IsObject() {
		if err := p.drop(fmt.Errorf("section %q fields must be an object", key)); err != nil {
			return nil, err
		}
		return sec, nil
	}
	for _, m := range Members(fields) {
		f, err := p.field(m.Key, m.Value)
		if err != nil {
			return nil, fmt.Errorf("section %q: %w", key, err)
		}
		if f != nil {
			sec.Fields = append(sec.Fields, f)
		}
	}
	return sec, nil
}

func (p parser) field(key string, v gjson.Result) (*FieldDefinition, error) {
	if !v.IsObject() {
		return nil, p.drop(fmt.Errorf("field %q must be an object", key))
	}
	f := &FieldDefinition{Key: key, Type: TypeUnknown}

	// first malformed attribute; the attribute itself is left zero
	var failed error
	bad := func(attr string, err error) {
		if err != nil && failed == nil {
			failed = fmt.Errorf("field %q %s: %w", key, attr, err)
		}
	}

	var err error
	f.Label, err = memberText(v, "label")
	bad("label", err)
	f.typeName, err = memberText(v, "type")
	bad("type", err)
	f.Type = ParseFieldType(f.typeName)
	f.Unit, err = memberText(v, "unit")
	bad("unit", err)
	f.ReferenceRangeText, err = memberText(v, "reference_range")
	bad("reference_range", err)
	f.Min, err = memberBound(v, "min")
	bad("min", err)
	f.Max, err = memberBound(v, "max")
	bad("max", err)

	if opts, ok := member(v, "options"); ok && !IsEmptyValue(opts) {
		f.Options, err = p.options(opts)
		bad("options", err)
	}
	if ranges, ok := member(v, "ranges"); ok && !IsEmptyValue(ranges) {
		f.Ranges, f.unknownRanges, err = p.ranges(ranges)
		bad("ranges", err)
	}

	if failed != nil {
		if err := p.drop(failed); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (p parser) options(v gjson.Result) ([]Option, error) {
	if !v.IsArray() {
		return nil, fmt.Errorf("must be an array")
	}
	items := v.Array()
	opts := make([]Option, 0, len(items))
	for i, item := range items {
		opt, err := parseOption(item)
		if err != nil {
			if err := p.drop(fmt.Errorf("option %d %w", i, err)); err != nil {
				return nil, err
			}
			continue
		}
		opts = append(opts, opt)
	}
	return opts, nil
}

func parseOption(item gjson.Result) (Option, error) {
	if !item.IsObject() {
		// bare string options predate per-option status
		text, err := ScalarText(item)
		if err != nil {
			return Option{}, fmt.Errorf("must be a string or object")
		}
		return Option{Value: text, Status: "normal"}, nil
	}
	value, err := memberText(item, "value")
	if err != nil {
		return Option{}, fmt.Errorf("value: %w", err)
	}
	status, err := memberText(item, "status")
	if err != nil {
		return Option{}, fmt.Errorf("status: %w", err)
	}
	if status == "" {
		status = "normal"
	}
	return Option{Value: value, Status: status}, nil
}

// ranges keeps unknown patient-type keys out of the map and returns them
// separately so Validate can report them.
func (p parser) ranges(v gjson.Result) (map[PatientType]Range, []string, error) {
	if !v.IsObject() {
		return nil, nil, fmt.Errorf("must be an object")
	}
	members := Members(v)
	ranges := make(map[PatientType]Range, len(members))
	var unknown []string
	for _, m := range members {
		pt, ok := ParsePatientType(m.Key)
		if !ok {
			unknown = append(unknown, m.Key)
			continue
		}
		if !m.Value.IsObject() {
			if IsEmptyValue(m.Value) {
				continue
			}
			if err := p.drop(fmt.Errorf("range %q must be an object", m.Key)); err != nil {
				return nil, nil, err
			}
			continue
		}
		lo, err := memberBound(m.Value, "min")
		if err != nil {
			if err := p.drop(fmt.Errorf("range %q min: %w", m.Key, err)); err != nil {
				return nil, nil, err
			}
		}
		hi, err := memberBound(m.Value, "max")
		if err != nil {
			if err := p.drop(fmt.Errorf("range %q max: %w", m.Key, err)); err != nil {
				return nil, nil, err
			}
		}
		ranges[pt] = Range{Min: lo, Max: hi}
	}
	return ranges, unknown, nil
}

func memberText(v gjson.Result, key string) (string, error) {
	m, ok := member(v, key)
	if !ok {
		return "", nil
	}
	return ScalarText(m)
}

func memberBound(v gjson.Result, key string) (*Bound, error) {
	m, ok := member(v, key)
	if !ok {
		return nil, nil
	}
	switch m.Type {
	case gjson.Null:
		return nil, nil
	case gjson.Number:
		return NewBound(m.Raw), nil
	case gjson.String:
		return NewBound(m.Str), nil
	}
	return nil, fmt.Errorf("must be a number or string, got %s", kindName(m))
}
