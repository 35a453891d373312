package interpretation

import (
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/clinlab/internal/domain/labschema"
)

// Result is one test performed for an order. Either Values or Raw is set;
// Values wins when both are present.
type Result struct {
	ID         string
	TestName   string
	TestCode   string
	Schema     []byte
	Values     []ResultValue
	Raw        []byte
	VerifiedBy string
	VerifiedAt *time.Time

	// Decoded is used instead of Schema when set, so a caller can decode a
	// definition once and share it between results.
	Decoded *labschema.FieldSchema
}

// Order is the unit interpreted into rows.
type Order struct {
	ID        string
	VisitID   string
	VisitDate *time.Time
	Results   []Result
}

// Row is one line of interpretation output.
type Row struct {
	OrderID        string     `json:"order_id"`
	PatientNo      string     `json:"patient_no"`
	PatientName    string     `json:"patient_name"`
	VisitID        string     `json:"visit_id"`
	VisitDate      *time.Time `json:"visit_date,omitempty"`
	TestName       string     `json:"test_name"`
	TestCode       string     `json:"test_code"`
	Parameter      string     `json:"parameter"`
	ResultValue    string     `json:"result_value"`
	Unit           string     `json:"unit"`
	ReferenceRange string     `json:"reference_range"`
	Status         Status     `json:"status"`
	VerifiedBy     string     `json:"verified_by"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
}

// Outcome describes how a single row was produced.
type Outcome struct {
	Status        Status
	Strategy      Strategy
	Legacy        bool
	SchemaMissing bool
}

// Observer receives one Outcome per emitted row.
type Observer interface {
	ObserveParameter(Outcome)
}

// Interpreter produces rows for orders. The zero value is not usable; build
// one with NewInterpreter.
type Interpreter struct {
	logger   zerolog.Logger
	observer Observer
}

// NewInterpreter returns an Interpreter that logs degraded lookups at debug
// level.
func NewInterpreter(logger zerolog.Logger) *Interpreter {
	return &Interpreter{logger: logger}
}

// SetObserver registers an observer notified for every row.
func (in *Interpreter) SetObserver(o Observer) {
	in.observer = o
}

// Interpret is a convenience for NewInterpreter with a discarded log.
func Interpret(order Order, patient Patient, asOf time.Time) []Row {
	return NewInterpreter(zerolog.Nop()).Interpret(order, patient, asOf)
}

// Interpret builds the rows for an order in result then value order. Data
// problems degrade to N/A; nothing here returns an error.
func (in *Interpreter) Interpret(order Order, patient Patient, asOf time.Time) []Row {
	pt, hasPT := patient.Classify(asOf)
	var rows []Row
	for i := range order.Results {
		rows = in.appendResult(rows, order, patient, &order.Results[i], pt, hasPT)
	}
	return rows
}

func (in *Interpreter) appendResult(rows []Row, order Order, patient Patient, res *Result, pt labschema.PatientType, hasPT bool) []Row {
	schema := res.Decoded
	if schema == nil {
		schema = labschema.Decode(res.Schema)
	}
	log := in.logger.With().Str("order_id", order.ID).Str("result_id", res.ID).Logger()
	if schema == nil {
		log.Debug().Str("test_code", res.TestCode).Msg("no usable field schema")
	}

	base := Row{
		OrderID:     order.ID,
		PatientNo:   patient.PatientNo,
		PatientName: patient.Name,
		VisitID:     order.VisitID,
		VisitDate:   order.VisitDate,
		TestName:    res.TestName,
		TestCode:    res.TestCode,
		VerifiedBy:  res.VerifiedBy,
		VerifiedAt:  res.VerifiedAt,
	}

	if len(res.Values) > 0 {
		for _, v := range res.Values {
			row, outcome := evaluateValue(base, schema, v, pt, hasPT)
			if schema != nil && outcome.Strategy == StrategyNone {
				log.Debug().Str("parameter_key", v.Key).Msg("parameter not found in schema")
			}
			in.observe(outcome)
			rows = append(rows, row)
		}
		return rows
	}

	leaves, ok := LegacyLeaves(res.Raw)
	if !ok {
		return rows
	}
	row := base
	row.Parameter = LegacyParameter
	row.ResultValue = flattenLeaves(leaves)
	row.ReferenceRange = AggregateRange(schema, leaves, pt, hasPT)
	row.Status = StatusNA
	in.observe(Outcome{Status: StatusNA, Legacy: true, SchemaMissing: schema == nil})
	return append(rows, row)
}

func evaluateValue(base Row, schema *labschema.FieldSchema, v ResultValue, pt labschema.PatientType, hasPT bool) (Row, Outcome) {
	res, resolved := ResolveField(schema, v.Key, v.Label)

	row := base
	row.Parameter = parameterName(v, res.Field)
	row.ResultValue = v.Value
	row.Unit = v.Unit
	if strings.TrimSpace(row.Unit) == "" && resolved {
		row.Unit = res.Field.Unit
	}
	row.ReferenceRange = ReferenceRange(res.Field, v, pt, hasPT).Display()
	row.Status = EvaluateStatus(res.Field, v.Value, pt, hasPT)

	return row, Outcome{
		Status:        row.Status,
		Strategy:      res.Strategy,
		SchemaMissing: schema == nil,
	}
}

func parameterName(v ResultValue, field *labschema.FieldDefinition) string {
	if strings.TrimSpace(v.Label) != "" {
		return v.Label
	}
	if field != nil && field.Label != "" {
		return field.Label
	}
	return v.Key
}

func (in *Interpreter) observe(o Outcome) {
	if in.observer != nil {
		in.observer.ObserveParameter(o)
	}
}
