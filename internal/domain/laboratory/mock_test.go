package laboratory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinlab/internal/domain/interpretation"
)

// -- Mock Repositories --

type mockTDRepo struct {
	defs map[uuid.UUID]*TestDefinition
	gets int
}

func newMockTDRepo() *mockTDRepo {
	return &mockTDRepo{defs: make(map[uuid.UUID]*TestDefinition)}
}

func (m *mockTDRepo) Create(_ context.Context, td *TestDefinition) error {
	for _, existing := range m.defs {
		if existing.Code == td.Code {
			return invalid("test code %q already exists", td.Code)
		}
	}
	td.ID = uuid.New()
	td.CreatedAt = time.Now()
	td.UpdatedAt = td.CreatedAt
	cp := *td
	m.defs[td.ID] = &cp
	return nil
}

func (m *mockTDRepo) GetByID(_ context.Context, id uuid.UUID) (*TestDefinition, error) {
	m.gets++
	td, ok := m.defs[id]
	if !ok {
		return nil, fmt.Errorf("test definition: %w", ErrNotFound)
	}
	cp := *td
	return &cp, nil
}

func (m *mockTDRepo) GetByCode(_ context.Context, code string) (*TestDefinition, error) {
	for _, td := range m.defs {
		if td.Code == code {
			cp := *td
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("test definition: %w", ErrNotFound)
}

func (m *mockTDRepo) Update(_ context.Context, td *TestDefinition) error {
	if _, ok := m.defs[td.ID]; !ok {
		return fmt.Errorf("test definition: %w", ErrNotFound)
	}
	td.UpdatedAt = time.Now()
	cp := *td
	m.defs[td.ID] = &cp
	return nil
}

func (m *mockTDRepo) List(_ context.Context, activeOnly bool, limit, offset int) ([]*TestDefinition, int, error) {
	var all []*TestDefinition
	for _, td := range m.defs {
		if activeOnly && !td.Active {
			continue
		}
		all = append(all, td)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Code < all[j].Code })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

type mockPatientRepo struct {
	patients map[uuid.UUID]*Patient
}

func newMockPatientRepo() *mockPatientRepo {
	return &mockPatientRepo{patients: make(map[uuid.UUID]*Patient)}
}

func (m *mockPatientRepo) Create(_ context.Context, p *Patient) error {
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	m.patients[p.ID] = p
	return nil
}

func (m *mockPatientRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, fmt.Errorf("patient: %w", ErrNotFound)
	}
	return p, nil
}

func (m *mockPatientRepo) GetByPatientNo(_ context.Context, patientNo string) (*Patient, error) {
	for _, p := range m.patients {
		if p.PatientNo == patientNo {
			return p, nil
		}
	}
	return nil, fmt.Errorf("patient: %w", ErrNotFound)
}

type mockOrderRepo struct {
	orders map[uuid.UUID]*LabOrder
}

func newMockOrderRepo() *mockOrderRepo {
	return &mockOrderRepo{orders: make(map[uuid.UUID]*LabOrder)}
}

func (m *mockOrderRepo) Create(_ context.Context, o *LabOrder) error {
	o.ID = uuid.New()
	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *mockOrderRepo) GetByID(_ context.Context, id uuid.UUID) (*LabOrder, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("lab order: %w", ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (m *mockOrderRepo) UpdateStatus(_ context.Context, id uuid.UUID, status string) error {
	o, ok := m.orders[id]
	if !ok {
		return fmt.Errorf("lab order: %w", ErrNotFound)
	}
	o.Status = status
	return nil
}

func (m *mockOrderRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*LabOrder, int, error) {
	var result []*LabOrder
	for _, o := range m.orders {
		if o.PatientID == patientID {
			result = append(result, o)
		}
	}
	return result, len(result), nil
}

type mockResultRepo struct {
	results []*LabResult
}

func newMockResultRepo() *mockResultRepo {
	return &mockResultRepo{}
}

func (m *mockResultRepo) Create(_ context.Context, r *LabResult) error {
	r.ID = uuid.New()
	r.CreatedAt = time.Now()
	for _, v := range r.Values {
		v.ID = uuid.New()
		v.ResultID = r.ID
	}
	m.results = append(m.results, r)
	return nil
}

func (m *mockResultRepo) GetByID(_ context.Context, id uuid.UUID) (*LabResult, error) {
	for _, r := range m.results {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("lab result: %w", ErrNotFound)
}

func (m *mockResultRepo) ListByOrder(_ context.Context, orderID uuid.UUID) ([]*LabResult, error) {
	var out []*LabResult
	for _, r := range m.results {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockResultRepo) Verify(_ context.Context, id uuid.UUID, verifier string, at time.Time) error {
	for _, r := range m.results {
		if r.ID == id {
			if r.VerifiedAt != nil {
				return ErrAlreadyVerified
			}
			r.VerifiedBy = &verifier
			r.VerifiedAt = &at
			return nil
		}
	}
	return fmt.Errorf("lab result: %w", ErrNotFound)
}

type countingTx struct {
	calls int
}

func (t *countingTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.calls++
	return fn(ctx)
}

type fakeMetrics struct {
	outcomes []interpretation.Outcome
	orders   int
	failures int
}

func (f *fakeMetrics) ObserveParameter(o interpretation.Outcome) {
	f.outcomes = append(f.outcomes, o)
}

func (f *fakeMetrics) ObserveOrder(err error) {
	f.orders++
	if err != nil {
		f.failures++
	}
}

type testDeps struct {
	defs     *mockTDRepo
	patients *mockPatientRepo
	orders   *mockOrderRepo
	results  *mockResultRepo
}

var fixedNow = time.Date(2026, time.March, 15, 9, 30, 0, 0, time.UTC)

func newTestService() (*Service, *testDeps) {
	deps := &testDeps{
		defs:     newMockTDRepo(),
		patients: newMockPatientRepo(),
		orders:   newMockOrderRepo(),
		results:  newMockResultRepo(),
	}
	svc := NewService(deps.defs, deps.patients, deps.orders, deps.results, zerolog.Nop())
	svc.now = func() time.Time { return fixedNow }
	return svc, deps
}

func strPtr(s string) *string { return &s }

func datePtr(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}
