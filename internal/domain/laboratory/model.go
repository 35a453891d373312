package laboratory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TestDefinition maps to the test_definition table. FieldsSchema holds the
// authoring schema the interpretation engine reads.
type TestDefinition struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	Code         string          `db:"code" json:"code"`
	Name         string          `db:"name" json:"name"`
	Price        float64         `db:"price" json:"price"`
	Active       bool            `db:"active" json:"active"`
	FieldsSchema json.RawMessage `db:"fields_schema" json:"fields_schema,omitempty"`
	VersionID    int             `db:"version_id" json:"version_id"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// Patient maps to the patient table.
type Patient struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	PatientNo string     `db:"patient_no" json:"patient_no"`
	Name      string     `db:"name" json:"name"`
	BirthDate *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Sex       *string    `db:"sex" json:"sex,omitempty"`
	Gender    *string    `db:"gender" json:"gender,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

const (
	OrderOrdered    = "ordered"
	OrderProcessing = "processing"
	OrderCompleted  = "completed"
	OrderCancelled  = "cancelled"
)

// LabOrder maps to the lab_order table. Results is populated by GetOrder.
type LabOrder struct {
	ID        uuid.UUID    `db:"id" json:"id"`
	PatientID uuid.UUID    `db:"patient_id" json:"patient_id"`
	VisitID   *string      `db:"visit_id" json:"visit_id,omitempty"`
	VisitDate *time.Time   `db:"visit_date" json:"visit_date,omitempty"`
	Status    string       `db:"status" json:"status"`
	OrderedBy *string      `db:"ordered_by" json:"ordered_by,omitempty"`
	Note      *string      `db:"note" json:"note,omitempty"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt time.Time    `db:"updated_at" json:"updated_at"`
	Results   []*LabResult `db:"-" json:"results,omitempty"`
}

// LabResult maps to the lab_result table. A result either carries Values or,
// for records captured before per-parameter storage, a RawResults document.
type LabResult struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	OrderID          uuid.UUID       `db:"order_id" json:"order_id"`
	TestDefinitionID uuid.UUID       `db:"test_definition_id" json:"test_definition_id"`
	RawResults       RawDocument     `db:"raw_results" json:"raw_results,omitempty"`
	VerifiedBy       *string         `db:"verified_by" json:"verified_by,omitempty"`
	VerifiedAt       *time.Time      `db:"verified_at" json:"verified_at,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	Values           []*ResultValue  `db:"-" json:"values,omitempty"`
}

// RawDocument is a stored legacy results document. It is usually JSON, but
// imported text that is not JSON is kept and encoded as a JSON string.
type RawDocument []byte

// IsEmpty reports whether the document is blank or JSON null.
func (d RawDocument) IsEmpty() bool {
	trimmed := bytes.TrimSpace(d)
	return len(trimmed) == 0 || string(trimmed) == "null"
}

func (d RawDocument) MarshalJSON() ([]byte, error) {
	trimmed := bytes.TrimSpace(d)
	if len(trimmed) == 0 {
		return []byte("null"), nil
	}
	if json.Valid(trimmed) {
		return trimmed, nil
	}
	return json.Marshal(string(d))
}

func (d *RawDocument) UnmarshalJSON(data []byte) error {
	*d = append((*d)[:0], data...)
	return nil
}

// ResultValue maps to the lab_result_value table.
type ResultValue struct {
	ID             uuid.UUID `db:"id" json:"id"`
	ResultID       uuid.UUID `db:"result_id" json:"result_id"`
	ParameterKey   string    `db:"parameter_key" json:"parameter_key"`
	ParameterLabel *string   `db:"parameter_label" json:"parameter_label,omitempty"`
	Value          string    `db:"value" json:"value"`
	Unit           *string   `db:"unit" json:"unit,omitempty"`
	ReferenceMin   *string   `db:"reference_min" json:"reference_min,omitempty"`
	ReferenceMax   *string   `db:"reference_max" json:"reference_max,omitempty"`
	ReferenceText  *string   `db:"reference_text" json:"reference_text,omitempty"`
	Position       int       `db:"position" json:"position"`
}

var orderTransitions = map[string][]string{
	OrderOrdered:    {OrderProcessing, OrderCancelled},
	OrderProcessing: {OrderCompleted, OrderCancelled},
	OrderCompleted:  {},
	OrderCancelled:  {},
}

// ValidateTransition checks an order status change.
func ValidateTransition(from, to string) error {
	allowed, ok := orderTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %s", ErrInvalidTransition, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
}

// IsTerminal reports whether an order can no longer change.
func IsTerminal(status string) bool {
	allowed, ok := orderTransitions[status]
	return ok && len(allowed) == 0
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
