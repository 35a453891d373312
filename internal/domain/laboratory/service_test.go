package laboratory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinlab/internal/domain/interpretation"
)

const cbcSchema = `{"sections": {
  "hema": {"title": "Hematology", "fields": {
    "hemoglobin": {"label": "Hemoglobin", "type": "number", "unit": "g/dL", "min": 12, "max": 16,
                   "ranges": {"child": {"min": 11, "max": 14}}},
    "wbc": {"label": "WBC Count", "type": "number", "unit": "x10^9/L", "min": 4, "max": 11}
  }},
  "urine": {"title": "Urinalysis", "fields": {
    "color": {"label": "Urine Color", "type": "select",
              "options": [{"value": "Yellow", "status": "normal"}, {"value": "Red", "status": "abnormal"}]}
  }}
}}`

func seedDefinition(t *testing.T, svc *Service, code string) *TestDefinition {
	t.Helper()
	td := &TestDefinition{Code: code, Name: "Complete Blood Count", Price: 350, Active: true, FieldsSchema: []byte(cbcSchema)}
	if err := svc.CreateTestDefinition(context.Background(), td); err != nil {
		t.Fatalf("CreateTestDefinition: %v", err)
	}
	return td
}

func seedPatient(t *testing.T, svc *Service, birth *time.Time, sex string) *Patient {
	t.Helper()
	p := &Patient{PatientNo: "P-" + uuid.NewString()[:8], Name: "Maria Santos", BirthDate: birth}
	if sex != "" {
		p.Sex = &sex
	}
	if err := svc.CreatePatient(context.Background(), p); err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}
	return p
}

func seedOrder(t *testing.T, svc *Service, patientID uuid.UUID) *LabOrder {
	t.Helper()
	o := &LabOrder{PatientID: patientID, VisitID: strPtr("V-100"), VisitDate: datePtr(2026, time.March, 14)}
	if err := svc.CreateOrder(context.Background(), o); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return o
}

func TestCreateTestDefinition(t *testing.T) {
	svc, _ := newTestService()
	td := seedDefinition(t, svc, "CBC")
	if td.ID == uuid.Nil {
		t.Error("expected ID to be set")
	}
	if td.VersionID != 1 {
		t.Errorf("version = %d, want 1", td.VersionID)
	}
}

func TestCreateTestDefinition_Validation(t *testing.T) {
	tests := []struct {
		name string
		td   TestDefinition
	}{
		{"missing code", TestDefinition{Name: "CBC"}},
		{"missing name", TestDefinition{Code: "CBC", Name: "  "}},
		{"negative price", TestDefinition{Code: "CBC", Name: "CBC", Price: -1}},
		{"malformed schema", TestDefinition{Code: "CBC", Name: "CBC", FieldsSchema: []byte(`{"sections":`)}},
		{"select without options", TestDefinition{Code: "UA", Name: "Urinalysis", FieldsSchema: []byte(
			`{"sections":{"u":{"fields":{"color":{"label":"Color","type":"select"}}}}}`)}},
		{"unknown type", TestDefinition{Code: "UA", Name: "Urinalysis", FieldsSchema: []byte(
			`{"sections":{"u":{"fields":{"color":{"label":"Color","type":"checkbox"}}}}}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService()
			td := tt.td
			err := svc.CreateTestDefinition(context.Background(), &td)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestCreateTestDefinition_WithoutSchema(t *testing.T) {
	svc, _ := newTestService()
	td := &TestDefinition{Code: "ESR", Name: "Erythrocyte Sedimentation Rate"}
	if err := svc.CreateTestDefinition(context.Background(), td); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestUpdateTestDefinition_BumpsVersion(t *testing.T) {
	svc, deps := newTestService()
	td := seedDefinition(t, svc, "CBC")

	update := &TestDefinition{ID: td.ID, Code: "CHANGED", Name: "CBC with Differential", Price: 400, Active: true, FieldsSchema: []byte(cbcSchema)}
	if err := svc.UpdateTestDefinition(context.Background(), update); err != nil {
		t.Fatalf("UpdateTestDefinition: %v", err)
	}
	stored := deps.defs.defs[td.ID]
	if stored.VersionID != 2 {
		t.Errorf("version = %d, want 2", stored.VersionID)
	}
	if stored.Code != "CBC" {
		t.Errorf("code = %q, want CBC unchanged", stored.Code)
	}
	if stored.Name != "CBC with Differential" {
		t.Errorf("name = %q", stored.Name)
	}

	missing := &TestDefinition{ID: uuid.New(), Name: "x"}
	if err := svc.UpdateTestDefinition(context.Background(), missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestListTestDefinitions_ActiveOnly(t *testing.T) {
	svc, _ := newTestService()
	seedDefinition(t, svc, "CBC")
	inactive := &TestDefinition{Code: "OLD", Name: "Retired Panel", Active: false}
	if err := svc.CreateTestDefinition(context.Background(), inactive); err != nil {
		t.Fatal(err)
	}

	all, total, err := svc.ListTestDefinitions(context.Background(), false, 20, 0)
	if err != nil || total != 2 || len(all) != 2 {
		t.Errorf("all = %d/%d, %v; want 2", len(all), total, err)
	}
	active, total, err := svc.ListTestDefinitions(context.Background(), true, 20, 0)
	if err != nil || total != 1 || active[0].Code != "CBC" {
		t.Errorf("active = %v/%d, %v; want only CBC", active, total, err)
	}
}

func TestCreatePatient_Validation(t *testing.T) {
	svc, _ := newTestService()
	if err := svc.CreatePatient(context.Background(), &Patient{Name: "No Number"}); !errors.Is(err, ErrValidation) {
		t.Errorf("missing patient_no: error = %v", err)
	}
	if err := svc.CreatePatient(context.Background(), &Patient{PatientNo: "P-1"}); !errors.Is(err, ErrValidation) {
		t.Errorf("missing name: error = %v", err)
	}
	future := fixedNow.AddDate(0, 0, 1)
	if err := svc.CreatePatient(context.Background(), &Patient{PatientNo: "P-1", Name: "A", BirthDate: &future}); !errors.Is(err, ErrValidation) {
		t.Errorf("future birth date: error = %v", err)
	}
}

func TestCreateOrder(t *testing.T) {
	svc, _ := newTestService()
	p := seedPatient(t, svc, datePtr(1980, time.May, 1), "female")
	o := seedOrder(t, svc, p.ID)
	if o.Status != OrderOrdered {
		t.Errorf("status = %s, want ordered", o.Status)
	}

	err := svc.CreateOrder(context.Background(), &LabOrder{PatientID: uuid.New()})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("unknown patient: error = %v, want ErrValidation", err)
	}
	err = svc.CreateOrder(context.Background(), &LabOrder{PatientID: p.ID, Status: OrderCompleted})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("completed on create: error = %v, want ErrValidation", err)
	}
}

func TestTransitionOrder(t *testing.T) {
	svc, _ := newTestService()
	p := seedPatient(t, svc, nil, "")
	o := seedOrder(t, svc, p.ID)

	got, err := svc.TransitionOrder(context.Background(), o.ID, OrderProcessing)
	if err != nil || got.Status != OrderProcessing {
		t.Fatalf("to processing = %v, %v", got, err)
	}
	if _, err := svc.TransitionOrder(context.Background(), o.ID, OrderOrdered); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("back to ordered: error = %v, want ErrInvalidTransition", err)
	}
	if _, err := svc.TransitionOrder(context.Background(), o.ID, OrderCompleted); err != nil {
		t.Fatalf("to completed: %v", err)
	}
	if _, err := svc.TransitionOrder(context.Background(), o.ID, OrderCancelled); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("completed is terminal: error = %v", err)
	}
	if _, err := svc.TransitionOrder(context.Background(), uuid.New(), OrderCompleted); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown order: error = %v, want ErrNotFound", err)
	}
}

func TestRecordResult_AssignsPositionsAndStartsProcessing(t *testing.T) {
	svc, deps := newTestService()
	tx := &countingTx{}
	svc.SetTransactor(tx)
	td := seedDefinition(t, svc, "CBC")
	p := seedPatient(t, svc, nil, "")
	o := seedOrder(t, svc, p.ID)

	res := &LabResult{TestDefinitionID: td.ID, Values: []*ResultValue{
		{ParameterKey: "hema.wbc", Value: "7"},
		{ParameterKey: " hema.hemoglobin ", Value: "13"},
	}}
	if err := svc.RecordResult(context.Background(), o.ID, res); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	if tx.calls != 1 {
		t.Errorf("transactions = %d, want 1", tx.calls)
	}
	if res.OrderID != o.ID {
		t.Errorf("order id = %s, want %s", res.OrderID, o.ID)
	}
	for i, v := range res.Values {
		if v.Position != i {
			t.Errorf("value %d position = %d", i, v.Position)
		}
	}
	if res.Values[1].ParameterKey != "hema.hemoglobin" {
		t.Errorf("key = %q, want trimmed", res.Values[1].ParameterKey)
	}
	if status := deps.orders.orders[o.ID].Status; status != OrderProcessing {
		t.Errorf("order status = %s, want processing", status)
	}
}

func TestRecordResult_Rejections(t *testing.T) {
	svc, _ := newTestService()
	td := seedDefinition(t, svc, "CBC")
	p := seedPatient(t, svc, nil, "")
	o := seedOrder(t, svc, p.ID)
	ctx := context.Background()

	tests := []struct {
		name string
		res  *LabResult
		want error
	}{
		{"no test definition id", &LabResult{Values: []*ResultValue{{ParameterKey: "a"}}}, ErrValidation},
		{"no values", &LabResult{TestDefinitionID: td.ID}, ErrValidation},
		{"null raw results", &LabResult{TestDefinitionID: td.ID, RawResults: []byte(" null ")}, ErrValidation},
		{"blank key", &LabResult{TestDefinitionID: td.ID, Values: []*ResultValue{{ParameterKey: " "}}}, ErrValidation},
		{"duplicate key", &LabResult{TestDefinitionID: td.ID, Values: []*ResultValue{{ParameterKey: "a"}, {ParameterKey: "a"}}}, ErrValidation},
		{"unknown definition", &LabResult{TestDefinitionID: uuid.New(), Values: []*ResultValue{{ParameterKey: "a"}}}, ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.RecordResult(ctx, o.ID, tt.res); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}

	if err := svc.RecordResult(ctx, uuid.New(), &LabResult{TestDefinitionID: td.ID, RawResults: []byte(`{"a":1}`)}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown order: error = %v, want ErrNotFound", err)
	}

	if _, err := svc.TransitionOrder(ctx, o.ID, OrderCancelled); err != nil {
		t.Fatal(err)
	}
	err := svc.RecordResult(ctx, o.ID, &LabResult{TestDefinitionID: td.ID, RawResults: []byte(`{"a":1}`)})
	if !errors.Is(err, ErrOrderClosed) {
		t.Errorf("cancelled order: error = %v, want ErrOrderClosed", err)
	}
}

func TestVerifyResult(t *testing.T) {
	svc, _ := newTestService()
	td := seedDefinition(t, svc, "CBC")
	p := seedPatient(t, svc, nil, "")
	o := seedOrder(t, svc, p.ID)
	res := &LabResult{TestDefinitionID: td.ID, Values: []*ResultValue{{ParameterKey: "hema.wbc", Value: "7"}}}
	if err := svc.RecordResult(context.Background(), o.ID, res); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.VerifyResult(context.Background(), res.ID, "", time.Time{}); !errors.Is(err, ErrValidation) {
		t.Errorf("blank verifier: error = %v", err)
	}
	got, err := svc.VerifyResult(context.Background(), res.ID, "Dr. Reyes", time.Time{})
	if err != nil {
		t.Fatalf("VerifyResult: %v", err)
	}
	if got.VerifiedBy == nil || *got.VerifiedBy != "Dr. Reyes" {
		t.Errorf("verified by = %v", got.VerifiedBy)
	}
	if got.VerifiedAt == nil || !got.VerifiedAt.Equal(fixedNow) {
		t.Errorf("verified at = %v, want %v", got.VerifiedAt, fixedNow)
	}
	if _, err := svc.VerifyResult(context.Background(), res.ID, "Dr. Cruz", time.Time{}); !errors.Is(err, ErrAlreadyVerified) {
		t.Errorf("re-verify: error = %v, want ErrAlreadyVerified", err)
	}
	if _, err := svc.VerifyResult(context.Background(), uuid.New(), "Dr. Cruz", time.Time{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown result: error = %v, want ErrNotFound", err)
	}
}

func TestInterpretOrder_ChildRangesAndVerification(t *testing.T) {
	svc, deps := newTestService()
	metrics := &fakeMetrics{}
	svc.SetMetrics(metrics)
	td := seedDefinition(t, svc, "CBC")
	p := seedPatient(t, svc, datePtr(2016, time.June, 1), "female")
	o := seedOrder(t, svc, p.ID)
	ctx := context.Background()

	first := &LabResult{TestDefinitionID: td.ID, Values: []*ResultValue{
		{ParameterKey: "hema.hemoglobin", Value: "15"},
		{ParameterKey: "hema.wbc", Value: "7", Unit: strPtr("K/uL")},
	}}
	second := &LabResult{TestDefinitionID: td.ID, Values: []*ResultValue{
		{ParameterKey: "urine.color", ParameterLabel: strPtr("Color"), Value: "Red"},
	}}
	for _, res := range []*LabResult{first, second} {
		if err := svc.RecordResult(ctx, o.ID, res); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := svc.VerifyResult(ctx, first.ID, "Dr. Reyes", fixedNow); err != nil {
		t.Fatal(err)
	}

	deps.defs.gets = 0
	rows, err := svc.InterpretOrder(ctx, o.ID, fixedNow)
	if err != nil {
		t.Fatalf("InterpretOrder: %v", err)
	}
	if deps.defs.gets != 1 {
		t.Errorf("definition loads = %d, want 1 per distinct definition", deps.defs.gets)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}

	hgb := rows[0]
	if hgb.Parameter != "Hemoglobin" || hgb.ReferenceRange != "11-14" || hgb.Status != interpretation.StatusAbnormal {
		t.Errorf("hemoglobin row = %+v, want child range 11-14 abnormal", hgb)
	}
	if hgb.VerifiedBy != "Dr. Reyes" || hgb.VerifiedAt == nil {
		t.Errorf("hemoglobin verification = %q/%v", hgb.VerifiedBy, hgb.VerifiedAt)
	}
	if hgb.OrderID != o.ID.String() || hgb.VisitID != "V-100" || hgb.PatientNo != p.PatientNo || hgb.TestCode != "CBC" {
		t.Errorf("hemoglobin header fields = %+v", hgb)
	}
	if wbc := rows[1]; wbc.Unit != "K/uL" || wbc.Status != interpretation.StatusNormal {
		t.Errorf("wbc row = %+v, want stored unit and Normal", wbc)
	}
	if color := rows[2]; color.Parameter != "Color" || color.Status != interpretation.StatusAbnormal || color.VerifiedBy != "" {
		t.Errorf("color row = %+v", color)
	}

	if metrics.orders != 1 || metrics.failures != 0 || len(metrics.outcomes) != 3 {
		t.Errorf("metrics = %+v", metrics)
	}
}

func TestInterpretOrder_LegacyRawResults(t *testing.T) {
	svc, _ := newTestService()
	td := seedDefinition(t, svc, "CBC")
	p := seedPatient(t, svc, datePtr(1990, time.January, 1), "male")
	o := seedOrder(t, svc, p.ID)
	raw := []byte(`{"hema": {"hemoglobin": 13.5, "wbc": 6}}`)
	if err := svc.RecordResult(context.Background(), o.ID, &LabResult{TestDefinitionID: td.ID, RawResults: raw}); err != nil {
		t.Fatal(err)
	}

	rows, err := svc.InterpretOrder(context.Background(), o.ID, fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 legacy row, got %d", len(rows))
	}
	row := rows[0]
	if row.Parameter != interpretation.LegacyParameter || row.Status != interpretation.StatusNA {
		t.Errorf("legacy row = %+v", row)
	}
	if row.ResultValue != "hema.hemoglobin=13.5; hema.wbc=6" {
		t.Errorf("value = %q", row.ResultValue)
	}
	if row.ReferenceRange != "Hemoglobin: 12-16; WBC Count: 4-11" {
		t.Errorf("range = %q", row.ReferenceRange)
	}
}

func TestInterpretOrder_MissingDefinitionDegrades(t *testing.T) {
	svc, deps := newTestService()
	td := seedDefinition(t, svc, "CBC")
	p := seedPatient(t, svc, nil, "")
	o := seedOrder(t, svc, p.ID)
	if err := svc.RecordResult(context.Background(), o.ID, &LabResult{TestDefinitionID: td.ID, Values: []*ResultValue{{ParameterKey: "hema.wbc", Value: "7"}}}); err != nil {
		t.Fatal(err)
	}
	delete(deps.defs.defs, td.ID)

	rows, err := svc.InterpretOrder(context.Background(), o.ID, fixedNow)
	if err != nil {
		t.Fatalf("InterpretOrder: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != interpretation.StatusNA || rows[0].Parameter != "hema.wbc" {
		t.Errorf("rows = %+v, want one N/A row keyed by parameter", rows)
	}
}

func TestInterpretOrder_UnknownOrder(t *testing.T) {
	svc, _ := newTestService()
	metrics := &fakeMetrics{}
	svc.SetMetrics(metrics)
	if _, err := svc.InterpretOrder(context.Background(), uuid.New(), fixedNow); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
	if metrics.failures != 1 {
		t.Errorf("failures = %d, want 1", metrics.failures)
	}
}

func TestInterpretOrder_Idempotent(t *testing.T) {
	svc, _ := newTestService()
	td := seedDefinition(t, svc, "CBC")
	p := seedPatient(t, svc, datePtr(1950, time.January, 1), "male")
	o := seedOrder(t, svc, p.ID)
	if err := svc.RecordResult(context.Background(), o.ID, &LabResult{TestDefinitionID: td.ID, Values: []*ResultValue{{ParameterKey: "hema.wbc", Value: "12"}}}); err != nil {
		t.Fatal(err)
	}
	a, err := svc.InterpretOrder(context.Background(), o.ID, fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	b, err := svc.InterpretOrder(context.Background(), o.ID, fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != len(b) || a[0] != b[0] {
		t.Errorf("repeated interpretation differs: %+v vs %+v", a, b)
	}
}
