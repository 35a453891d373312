// Package interpretation turns stored laboratory results into flat report
// rows, resolving each value against its test's field schema to find the
// applicable reference range and a Normal/Abnormal/N/A status.
//
// The engine is synchronous and holds no shared mutable state. Every input is
// passed in, including the time patient age is measured against.
package interpretation

import (
	"strings"
	"time"

	"github.com/ehr/clinlab/internal/domain/labschema"
)

const (
	childAgeLimit  = 18
	seniorAgeStart = 60
)

// Patient carries the demographic data interpretation needs.
type Patient struct {
	PatientNo string
	Name      string
	BirthDate *time.Time
	Sex       string
	Gender    string
}

// EffectiveSex returns Sex when set, otherwise Gender.
func (p Patient) EffectiveSex() string {
	if strings.TrimSpace(p.Sex) != "" {
		return p.Sex
	}
	return p.Gender
}

// Classify buckets the patient relative to asOf.
func (p Patient) Classify(asOf time.Time) (labschema.PatientType, bool) {
	return ClassifyPatient(p.BirthDate, p.EffectiveSex(), asOf)
}

// AgeAt returns the age in whole years on the given date.
func AgeAt(birthDate, asOf time.Time) int {
	years := asOf.Year() - birthDate.Year()
	if asOf.Month() < birthDate.Month() ||
		(asOf.Month() == birthDate.Month() && asOf.Day() < birthDate.Day()) {
		years--
	}
	return years
}

// ClassifyPatient derives the patient type. Without a birth date no type
// applies and generic ranges are used.
func ClassifyPatient(birthDate *time.Time, sex string, asOf time.Time) (labschema.PatientType, bool) {
	if birthDate == nil {
		return "", false
	}
	age := AgeAt(*birthDate, asOf)
	switch {
	case age < childAgeLimit:
		return labschema.PatientChild, true
	case age >= seniorAgeStart:
		return labschema.PatientSenior, true
	}
	switch strings.ToLower(strings.TrimSpace(sex)) {
	case "male", "m":
		return labschema.PatientMale, true
	}
	return labschema.PatientFemale, true
}
