package laboratory

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type TestDefinitionRepository interface {
	Create(ctx context.Context, td *TestDefinition) error
	GetByID(ctx context.Context, id uuid.UUID) (*TestDefinition, error)
	GetByCode(ctx context.Context, code string) (*TestDefinition, error)
	Update(ctx context.Context, td *TestDefinition) error
	List(ctx context.Context, activeOnly bool, limit, offset int) ([]*TestDefinition, int, error)
}

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByPatientNo(ctx context.Context, patientNo string) (*Patient, error)
}

type OrderRepository interface {
	Create(ctx context.Context, o *LabOrder) error
	GetByID(ctx context.Context, id uuid.UUID) (*LabOrder, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*LabOrder, int, error)
}

// ResultRepository stores results together with their values. Create writes
// both in one transaction; reads return values in position order.
type ResultRepository interface {
	Create(ctx context.Context, r *LabResult) error
	GetByID(ctx context.Context, id uuid.UUID) (*LabResult, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*LabResult, error)
	Verify(ctx context.Context, id uuid.UUID, verifier string, at time.Time) error
}
