package laboratory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinlab/internal/domain/interpretation"
	"github.com/ehr/clinlab/internal/domain/labschema"
)

// Transactor runs fn atomically. Repositories pick the transaction up from
// the context passed to fn.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type noTx struct{}

func (noTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// Metrics receives interpretation outcomes.
type Metrics interface {
	interpretation.Observer
	ObserveOrder(err error)
}

type Service struct {
	defs     TestDefinitionRepository
	patients PatientRepository
	orders   OrderRepository
	results  ResultRepository

	tx          Transactor
	interpreter *interpretation.Interpreter
	metrics     Metrics
	logger      zerolog.Logger
	now         func() time.Time
}

func NewService(defs TestDefinitionRepository, patients PatientRepository, orders OrderRepository, results ResultRepository, logger zerolog.Logger) *Service {
	return &Service{
		defs:        defs,
		patients:    patients,
		orders:      orders,
		results:     results,
		tx:          noTx{},
		interpreter: interpretation.NewInterpreter(logger),
		logger:      logger,
		now:         time.Now,
	}
}

// SetTransactor makes multi-step writes atomic.
func (s *Service) SetTransactor(tx Transactor) {
	s.tx = tx
}

// SetMetrics attaches an optional metrics sink.
func (s *Service) SetMetrics(m Metrics) {
	s.metrics = m
	s.interpreter.SetObserver(m)
}

// -- Test definitions --

func validateSchema(raw []byte) error {
	if len(strings.TrimSpace(string(raw))) == 0 || string(raw) == "null" {
		return nil
	}
	schema, err := labschema.Parse(raw)
	if err != nil {
		return invalid("fields_schema: %v", err)
	}
	if err := schema.Validate(); err != nil {
		return invalid("fields_schema: %v", err)
	}
	return nil
}

func (s *Service) CreateTestDefinition(ctx context.Context, td *TestDefinition) error {
	td.Code = strings.TrimSpace(td.Code)
	td.Name = strings.TrimSpace(td.Name)
	if td.Code == "" {
		return invalid("code is required")
	}
	if td.Name == "" {
		return invalid("name is required")
	}
	if td.Price < 0 {
		return invalid("price must not be negative")
	}
	if err := validateSchema(td.FieldsSchema); err != nil {
		return err
	}
	td.VersionID = 1
	return s.defs.Create(ctx, td)
}

func (s *Service) GetTestDefinition(ctx context.Context, id uuid.UUID) (*TestDefinition, error) {
	return s.defs.GetByID(ctx, id)
}

// UpdateTestDefinition replaces the mutable fields and bumps the version.
// The code of a definition never changes.
func (s *Service) UpdateTestDefinition(ctx context.Context, td *TestDefinition) error {
	existing, err := s.defs.GetByID(ctx, td.ID)
	if err != nil {
		return err
	}
	td.Name = strings.TrimSpace(td.Name)
	if td.Name == "" {
		return invalid("name is required")
	}
	if td.Price < 0 {
		return invalid("price must not be negative")
	}
	if err := validateSchema(td.FieldsSchema); err != nil {
		return err
	}
	td.Code = existing.Code
	td.CreatedAt = existing.CreatedAt
	td.VersionID = existing.VersionID + 1
	return s.defs.Update(ctx, td)
}

func (s *Service) ListTestDefinitions(ctx context.Context, activeOnly bool, limit, offset int) ([]*TestDefinition, int, error) {
	return s.defs.List(ctx, activeOnly, limit, offset)
}

// -- Patients --

func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	p.PatientNo = strings.TrimSpace(p.PatientNo)
	p.Name = strings.TrimSpace(p.Name)
	if p.PatientNo == "" {
		return invalid("patient_no is required")
	}
	if p.Name == "" {
		return invalid("name is required")
	}
	if p.BirthDate != nil && p.BirthDate.After(s.now()) {
		return invalid("birth_date must not be in the future")
	}
	return s.patients.Create(ctx, p)
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

// -- Orders --

func (s *Service) CreateOrder(ctx context.Context, o *LabOrder) error {
	if o.PatientID == uuid.Nil {
		return invalid("patient_id is required")
	}
	if o.Status == "" {
		o.Status = OrderOrdered
	}
	if o.Status != OrderOrdered {
		return invalid("new orders must start as %s", OrderOrdered)
	}
	if _, err := s.patients.GetByID(ctx, o.PatientID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return invalid("patient %s does not exist", o.PatientID)
		}
		return err
	}
	return s.orders.Create(ctx, o)
}

// GetOrder returns the order with its results and their values.
func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*LabOrder, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	results, err := s.results.ListByOrder(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load results: %w", err)
	}
	o.Results = results
	return o, nil
}

func (s *Service) ListOrdersByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*LabOrder, int, error) {
	if _, err := s.patients.GetByID(ctx, patientID); err != nil {
		return nil, 0, err
	}
	return s.orders.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) TransitionOrder(ctx context.Context, id uuid.UUID, to string) (*LabOrder, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(o.Status, to); err != nil {
		return nil, err
	}
	if err := s.orders.UpdateStatus(ctx, id, to); err != nil {
		return nil, err
	}
	o.Status = to
	return o, nil
}

// -- Results --

// RecordResult stores a result for an open order. The first result moves an
// ordered order to processing in the same transaction.
func (s *Service) RecordResult(ctx context.Context, orderID uuid.UUID, res *LabResult) error {
	if res.TestDefinitionID == uuid.Nil {
		return invalid("test_definition_id is required")
	}
	if len(res.Values) == 0 && res.RawResults.IsEmpty() {
		return invalid("values or raw_results is required")
	}
	seen := make(map[string]bool, len(res.Values))
	for i, v := range res.Values {
		if v == nil {
			return invalid("value %d is empty", i)
		}
		v.ParameterKey = strings.TrimSpace(v.ParameterKey)
		if v.ParameterKey == "" {
			return invalid("value %d parameter_key is required", i)
		}
		if seen[v.ParameterKey] {
			return invalid("duplicate parameter_key %q", v.ParameterKey)
		}
		seen[v.ParameterKey] = true
		v.Position = i
	}

	return s.tx.InTx(ctx, func(ctx context.Context) error {
		o, err := s.orders.GetByID(ctx, orderID)
		if err != nil {
			return err
		}
		if IsTerminal(o.Status) {
			return fmt.Errorf("%w: status %s", ErrOrderClosed, o.Status)
		}
		if _, err := s.defs.GetByID(ctx, res.TestDefinitionID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return invalid("test definition %s does not exist", res.TestDefinitionID)
			}
			return err
		}

		res.OrderID = orderID
		if err := s.results.Create(ctx, res); err != nil {
			return err
		}
		if o.Status == OrderOrdered {
			return s.orders.UpdateStatus(ctx, orderID, OrderProcessing)
		}
		return nil
	})
}

// VerifyResult records who verified a result. A result is verified once.
func (s *Service) VerifyResult(ctx context.Context, resultID uuid.UUID, verifier string, at time.Time) (*LabResult, error) {
	verifier = strings.TrimSpace(verifier)
	if verifier == "" {
		return nil, invalid("verifier is required")
	}
	res, err := s.results.GetByID(ctx, resultID)
	if err != nil {
		return nil, err
	}
	if res.VerifiedAt != nil {
		return nil, ErrAlreadyVerified
	}
	if at.IsZero() {
		at = s.now()
	}
	if err := s.results.Verify(ctx, resultID, verifier, at); err != nil {
		return nil, err
	}
	res.VerifiedBy = &verifier
	res.VerifiedAt = &at
	return res, nil
}

// -- Interpretation --

// InterpretOrder loads an order with its patient and test definitions and
// turns it into report rows. Patient age is taken at asOf.
func (s *Service) InterpretOrder(ctx context.Context, orderID uuid.UUID, asOf time.Time) ([]interpretation.Row, error) {
	rows, err := s.interpretOrder(ctx, orderID, asOf)
	if s.metrics != nil {
		s.metrics.ObserveOrder(err)
	}
	return rows, err
}

func (s *Service) interpretOrder(ctx context.Context, orderID uuid.UUID, asOf time.Time) ([]interpretation.Row, error) {
	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	p, err := s.patients.GetByID(ctx, o.PatientID)
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}

	defs := make(map[uuid.UUID]*definitionView)
	order := interpretation.Order{
		ID:        o.ID.String(),
		VisitID:   deref(o.VisitID),
		VisitDate: o.VisitDate,
		Results:   make([]interpretation.Result, 0, len(o.Results)),
	}
	for _, res := range o.Results {
		def, ok := defs[res.TestDefinitionID]
		if !ok {
			def, err = s.loadDefinition(ctx, res.TestDefinitionID)
			if err != nil {
				return nil, err
			}
			defs[res.TestDefinitionID] = def
		}
		order.Results = append(order.Results, toEngineResult(res, def))
	}

	if asOf.IsZero() {
		asOf = s.now()
	}
	return s.interpreter.Interpret(order, toEnginePatient(p), asOf), nil
}

// definitionView is the part of a test definition the engine needs, with
// the schema decoded once per request.
type definitionView struct {
	name   string
	code   string
	raw    []byte
	schema *labschema.FieldSchema
}

func (s *Service) loadDefinition(ctx context.Context, id uuid.UUID) (*definitionView, error) {
	td, err := s.defs.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		s.logger.Warn().Str("test_definition_id", id.String()).Msg("result references a missing test definition")
		return &definitionView{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load test definition: %w", err)
	}
	return &definitionView{
		name:   td.Name,
		code:   td.Code,
		raw:    td.FieldsSchema,
		schema: labschema.Decode(td.FieldsSchema),
	}, nil
}

func toEngineResult(res *LabResult, def *definitionView) interpretation.Result {
	out := interpretation.Result{
		ID:         res.ID.String(),
		TestName:   def.name,
		TestCode:   def.code,
		Schema:     def.raw,
		Decoded:    def.schema,
		Raw:        res.RawResults,
		VerifiedBy: deref(res.VerifiedBy),
		VerifiedAt: res.VerifiedAt,
	}
	for _, v := range res.Values {
		out.Values = append(out.Values, interpretation.ResultValue{
			Key:           v.ParameterKey,
			Label:         deref(v.ParameterLabel),
			Value:         v.Value,
			Unit:          deref(v.Unit),
			ReferenceMin:  deref(v.ReferenceMin),
			ReferenceMax:  deref(v.ReferenceMax),
			ReferenceText: deref(v.ReferenceText),
		})
	}
	return out
}

func toEnginePatient(p *Patient) interpretation.Patient {
	return interpretation.Patient{
		PatientNo: p.PatientNo,
		Name:      p.Name,
		BirthDate: p.BirthDate,
		Sex:       deref(p.Sex),
		Gender:    deref(p.Gender),
	}
}
