package labschema

import (
	"errors"
	"fmt"
)

// Validate checks a schema for authoring mistakes. Interpretation tolerates
// all of these; they are only rejected when a test definition is saved.
// Every problem found is reported, joined into one error.
func (s *FieldSchema) Validate() error {
	if s == nil {
		return ErrNoSections
	}
	var errs []error
	s.Walk(func(sec *Section, f *FieldDefinition) bool {
		path := FieldPath{Section: sec.Key, Field: f.Key}
		if err := f.validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
		return true
	})
	return errors.Join(errs...)
}

func (f *FieldDefinition) validate() error {
	var errs []error
	if f.Type == TypeUnknown {
		if f.typeName == "" {
			errs = append(errs, fmt.Errorf("type is required"))
		} else {
			errs = append(errs, fmt.Errorf("unknown type %q", f.typeName))
		}
	}

	if err := validateRange(f.Type, f.GenericRange()); err != nil {
		errs = append(errs, err)
	}
	for _, pt := range PatientTypes {
		r, ok := f.Ranges[pt]
		if !ok {
			continue
		}
		if err := validateRange(f.Type, r); err != nil {
			errs = append(errs, fmt.Errorf("%s range: %w", pt, err))
		}
	}
	for _, key := range f.unknownRanges {
		errs = append(errs, fmt.Errorf("unknown patient type %q in ranges", key))
	}

	if f.Type == TypeSelect {
		if len(f.Options) == 0 {
			errs = append(errs, fmt.Errorf("select field requires at least one option"))
		}
		for i, opt := range f.Options {
			if opt.Value == "" {
				errs = append(errs, fmt.Errorf("option %d value is required", i))
			}
		}
	}
	return errors.Join(errs...)
}

func validateRange(t FieldType, r Range) error {
	if t == TypeNumber {
		if r.Min != nil && !r.Min.Numeric {
			return fmt.Errorf("min %q is not a number", r.Min.Text)
		}
		if r.Max != nil && !r.Max.Numeric {
			return fmt.Errorf("max %q is not a number", r.Max.Text)
		}
	}
	if r.Complete() && r.Min.Value > r.Max.Value {
		return fmt.Errorf("min %s exceeds max %s", r.Min.Text, r.Max.Text)
	}
	return nil
}
