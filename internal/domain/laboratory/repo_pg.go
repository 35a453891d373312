package laboratory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clinlab/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// conn prefers an open transaction, then the tenant connection.
func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

type pgTransactor struct{ pool *pgxpool.Pool }

// NewPGTransactor runs service writes in a transaction on the tenant
// connection.
func NewPGTransactor(pool *pgxpool.Pool) Transactor { return pgTransactor{pool: pool} }

func (t pgTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.InTx(ctx, t.pool, fn)
}

// =========== TestDefinition Repository ===========

type testDefinitionRepoPG struct{ pool *pgxpool.Pool }

func NewTestDefinitionRepoPG(pool *pgxpool.Pool) TestDefinitionRepository {
	return &testDefinitionRepoPG{pool: pool}
}

const tdCols = `id, code, name, price, active, fields_schema, version_id, created_at, updated_at`

func scanTD(row pgx.Row) (*TestDefinition, error) {
	var td TestDefinition
	var schema []byte
	err := row.Scan(&td.ID, &td.Code, &td.Name, &td.Price, &td.Active, &schema,
		&td.VersionID, &td.CreatedAt, &td.UpdatedAt)
	if len(schema) > 0 {
		td.FieldsSchema = schema
	}
	return &td, err
}

func (r *testDefinitionRepoPG) Create(ctx context.Context, td *TestDefinition) error {
	td.ID = uuid.New()
	err := conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO test_definition (id, code, name, price, active, fields_schema, version_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		td.ID, td.Code, td.Name, td.Price, td.Active, nullableJSON(td.FieldsSchema), td.VersionID,
	).Scan(&td.CreatedAt, &td.UpdatedAt)
	if isUniqueViolation(err) {
		return invalid("test code %q already exists", td.Code)
	}
	return err
}

func (r *testDefinitionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*TestDefinition, error) {
	td, err := scanTD(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+tdCols+` FROM test_definition WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "test definition")
	}
	return td, nil
}

func (r *testDefinitionRepoPG) GetByCode(ctx context.Context, code string) (*TestDefinition, error) {
	td, err := scanTD(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+tdCols+` FROM test_definition WHERE code = $1`, code))
	if err != nil {
		return nil, notFound(err, "test definition")
	}
	return td, nil
}

func (r *testDefinitionRepoPG) Update(ctx context.Context, td *TestDefinition) error {
	err := conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE test_definition SET name=$2, price=$3, active=$4, fields_schema=$5,
			version_id=$6, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		td.ID, td.Name, td.Price, td.Active, nullableJSON(td.FieldsSchema), td.VersionID,
	).Scan(&td.UpdatedAt)
	return notFound(err, "test definition")
}

func (r *testDefinitionRepoPG) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*TestDefinition, int, error) {
	where := ``
	if activeOnly {
		where = ` WHERE active`
	}
	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM test_definition`+where).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+tdCols+` FROM test_definition`+where+` ORDER BY code LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*TestDefinition
	for rows.Next() {
		td, err := scanTD(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, td)
	}
	return items, total, rows.Err()
}

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository { return &patientRepoPG{pool: pool} }

const patientCols = `id, patient_no, name, birth_date, sex, gender, created_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.PatientNo, &p.Name, &p.BirthDate, &p.Sex, &p.Gender, &p.CreatedAt)
	return &p, err
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	err := conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO patient (id, patient_no, name, birth_date, sex, gender)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		p.ID, p.PatientNo, p.Name, p.BirthDate, p.Sex, p.Gender,
	).Scan(&p.CreatedAt)
	if isUniqueViolation(err) {
		return invalid("patient_no %q already exists", p.PatientNo)
	}
	return err
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "patient")
	}
	return p, nil
}

func (r *patientRepoPG) GetByPatientNo(ctx context.Context, patientNo string) (*Patient, error) {
	p, err := scanPatient(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE patient_no = $1`, patientNo))
	if err != nil {
		return nil, notFound(err, "patient")
	}
	return p, nil
}

// =========== Order Repository ===========

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewOrderRepoPG(pool *pgxpool.Pool) OrderRepository { return &orderRepoPG{pool: pool} }

const orderCols = `id, patient_id, visit_id, visit_date, status, ordered_by, note, created_at, updated_at`

func scanOrder(row pgx.Row) (*LabOrder, error) {
	var o LabOrder
	err := row.Scan(&o.ID, &o.PatientID, &o.VisitID, &o.VisitDate, &o.Status,
		&o.OrderedBy, &o.Note, &o.CreatedAt, &o.UpdatedAt)
	return &o, err
}

func (r *orderRepoPG) Create(ctx context.Context, o *LabOrder) error {
	o.ID = uuid.New()
	return conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO lab_order (id, patient_id, visit_id, visit_date, status, ordered_by, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		o.ID, o.PatientID, o.VisitID, o.VisitDate, o.Status, o.OrderedBy, o.Note,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
}

func (r *orderRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*LabOrder, error) {
	o, err := scanOrder(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+orderCols+` FROM lab_order WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "lab order")
	}
	return o, nil
}

func (r *orderRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE lab_order SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lab order: %w", ErrNotFound)
	}
	return nil
}

func (r *orderRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*LabOrder, int, error) {
	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM lab_order WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+orderCols+` FROM lab_order WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*LabOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, o)
	}
	return items, total, rows.Err()
}

// =========== Result Repository ===========

type resultRepoPG struct{ pool *pgxpool.Pool }

func NewResultRepoPG(pool *pgxpool.Pool) ResultRepository { return &resultRepoPG{pool: pool} }

const resultCols = `id, order_id, test_definition_id, raw_results, verified_by, verified_at, created_at`

const valueCols = `id, result_id, parameter_key, parameter_label, value, unit,
	reference_min, reference_max, reference_text, position`

func scanResult(row pgx.Row) (*LabResult, error) {
	var res LabResult
	var raw []byte
	err := row.Scan(&res.ID, &res.OrderID, &res.TestDefinitionID, &raw,
		&res.VerifiedBy, &res.VerifiedAt, &res.CreatedAt)
	if len(raw) > 0 {
		res.RawResults = raw
	}
	return &res, err
}

func scanValue(row pgx.Row) (*ResultValue, error) {
	var v ResultValue
	err := row.Scan(&v.ID, &v.ResultID, &v.ParameterKey, &v.ParameterLabel, &v.Value, &v.Unit,
		&v.ReferenceMin, &v.ReferenceMax, &v.ReferenceText, &v.Position)
	return &v, err
}

func (r *resultRepoPG) Create(ctx context.Context, res *LabResult) error {
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		q := conn(ctx, r.pool)
		res.ID = uuid.New()
		if err := q.QueryRow(ctx, `
			INSERT INTO lab_result (id, order_id, test_definition_id, raw_results)
			VALUES ($1, $2, $3, $4)
			RETURNING created_at`,
			res.ID, res.OrderID, res.TestDefinitionID, nullableJSON(res.RawResults),
		).Scan(&res.CreatedAt); err != nil {
			return fmt.Errorf("insert lab result: %w", err)
		}
		for _, v := range res.Values {
			v.ID = uuid.New()
			v.ResultID = res.ID
			if _, err := q.Exec(ctx, `
				INSERT INTO lab_result_value (`+valueCols+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				v.ID, v.ResultID, v.ParameterKey, v.ParameterLabel, v.Value, v.Unit,
				v.ReferenceMin, v.ReferenceMax, v.ReferenceText, v.Position,
			); err != nil {
				return fmt.Errorf("insert value %s: %w", v.ParameterKey, err)
			}
		}
		return nil
	})
}

func (r *resultRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*LabResult, error) {
	res, err := scanResult(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+resultCols+` FROM lab_result WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "lab result")
	}
	if err := r.attachValues(ctx, []*LabResult{res}); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *resultRepoPG) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*LabResult, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+resultCols+` FROM lab_result WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	var items []*LabResult
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, res)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.attachValues(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

// attachValues loads the values of every result in one query.
func (r *resultRepoPG) attachValues(ctx context.Context, results []*LabResult) error {
	if len(results) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*LabResult, len(results))
	ids := make([]uuid.UUID, 0, len(results))
	for _, res := range results {
		byID[res.ID] = res
		ids = append(ids, res.ID)
	}

	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+valueCols+` FROM lab_result_value WHERE result_id = ANY($1) ORDER BY result_id, position`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		v, err := scanValue(rows)
		if err != nil {
			return err
		}
		if res := byID[v.ResultID]; res != nil {
			res.Values = append(res.Values, v)
		}
	}
	return rows.Err()
}

func (r *resultRepoPG) Verify(ctx context.Context, id uuid.UUID, verifier string, at time.Time) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE lab_result SET verified_by = $2, verified_at = $3
		WHERE id = $1 AND verified_at IS NULL`, id, verifier, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var verified bool
		if err := conn(ctx, r.pool).QueryRow(ctx,
			`SELECT verified_at IS NOT NULL FROM lab_result WHERE id = $1`, id).Scan(&verified); err != nil {
			return notFound(err, "lab result")
		}
		if verified {
			return ErrAlreadyVerified
		}
	}
	return nil
}

// nullableJSON stores an empty document as NULL rather than invalid JSONB.
func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
