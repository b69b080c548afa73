package laboratory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/labflow/internal/platform/db"
)

// =========== Order Repository ===========

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewOrderRepoPG(pool *pgxpool.Pool) OrderRepository {
	return &orderRepoPG{pool: pool}
}

func (r *orderRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const orderCols = `id, visit_id, patient_id, patient_name, patient_age, patient_gender, patient_phone,
	ordering_clinician, priority, clinical_history, provisional_diagnosis, special_instructions, created_at`

func scanOrder(row pgx.Row) (*LabOrder, error) {
	var o LabOrder
	var sex, phone *string
	err := row.Scan(&o.ID, &o.VisitID, &o.Patient.ID, &o.Patient.Name, &o.Patient.Age, &sex, &phone,
		&o.OrderingClinician, &o.Priority, &o.ClinicalHistory, &o.ProvisionalDiagnosis, &o.SpecialInstructions,
		&o.CreatedAt)
	o.Patient.Sex = deref(sex)
	o.Patient.Phone = deref(phone)
	return &o, err
}

func (r *orderRepoPG) Create(ctx context.Context, o *LabOrder) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO lab_orders (id, visit_id, patient_id, patient_name, patient_age, patient_gender, patient_phone,
			ordering_clinician, priority, clinical_history, provisional_diagnosis, special_instructions)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at`,
		o.ID, o.VisitID, o.Patient.ID, o.Patient.Name, o.Patient.Age, nullable(o.Patient.Sex), nullable(o.Patient.Phone),
		o.OrderingClinician, o.Priority, o.ClinicalHistory, o.ProvisionalDiagnosis, o.SpecialInstructions,
	).Scan(&o.CreatedAt)
}

func (r *orderRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*LabOrder, error) {
	o, err := scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM lab_orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lab order %s: %w", id, ErrNotFound)
	}
	return o, err
}

func (r *orderRepoPG) ListByVisit(ctx context.Context, visitID uuid.UUID, limit, offset int) ([]*LabOrder, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM lab_orders WHERE visit_id = $1`, visitID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+orderCols+` FROM lab_orders WHERE visit_id = $1
		ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, visitID, limit, offset)
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

// =========== Line Item Repository ===========

type lineItemRepoPG struct{ pool *pgxpool.Pool }

func NewLineItemRepoPG(pool *pgxpool.Pool) LineItemRepository {
	return &lineItemRepoPG{pool: pool}
}

func (r *lineItemRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const lineItemCols = `vl.id, vl.order_id, vl.visit_id, vl.lab_id, t.name, vl.status, vl.included, vl.form_state,
	vl.ordered_date, vl.collected_date, vl.completed_date, vl.result_value, vl.normal_range, vl.notes`

const lineItemFrom = ` FROM visit_labs vl JOIN lab_tests t ON t.id = vl.lab_id`

func scanLineItem(row pgx.Row) (*LabTestLineItem, error) {
	var li LabTestLineItem
	err := row.Scan(&li.ID, &li.OrderID, &li.VisitID, &li.TestID, &li.TestName, &li.Status, &li.Included, &li.FormState,
		&li.OrderedDate, &li.CollectedDate, &li.CompletedDate, &li.ResultValue, &li.NormalRange, &li.Notes)
	return &li, err
}

func (r *lineItemRepoPG) Create(ctx context.Context, li *LabTestLineItem) error {
	if li.ID == uuid.Nil {
		li.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO visit_labs (id, order_id, visit_id, lab_id, status, included, form_state, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING ordered_date`,
		li.ID, li.OrderID, li.VisitID, li.TestID, li.Status, li.Included, li.FormState, li.Notes,
	).Scan(&li.OrderedDate)
}

func (r *lineItemRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*LabTestLineItem, error) {
	li, err := scanLineItem(r.conn(ctx).QueryRow(ctx, `SELECT `+lineItemCols+lineItemFrom+` WHERE vl.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("line item %s: %w", id, ErrNotFound)
	}
	return li, err
}

func (r *lineItemRepoPG) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*LabTestLineItem, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+lineItemCols+lineItemFrom+`
		WHERE vl.order_id = $1 ORDER BY vl.ordered_date, t.name`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*LabTestLineItem
	for rows.Next() {
		li, err := scanLineItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, li)
	}
	return items, rows.Err()
}

func (r *lineItemRepoPG) Transition(ctx context.Context, id uuid.UUID, from, to CollectionStatus, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE visit_labs SET
			status = $3::text,
			collected_date = CASE
				WHEN $3::text = 'taken' THEN $4::timestamptz
				WHEN $3::text = 'not_taken' THEN NULL
				ELSE collected_date END,
			included = CASE WHEN $3::text = 'not_taken' THEN FALSE ELSE included END
		WHERE id = $1 AND status = $2`,
		id, from, to, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("line item %s is no longer %s: %w", id, from, ErrInvalidTransition)
	}
	return nil
}

func (r *lineItemRepoPG) SetIncluded(ctx context.Context, id uuid.UUID, included bool) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE visit_labs SET included = $2 WHERE id = $1 AND (NOT $2 OR status = 'saved')`, id, included)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("line item %s cannot be included: %w", id, ErrInvalidTransition)
	}
	return nil
}

// LockForm locks an editable form of a saved, included item. The service
// checks the same conditions up front; repeating them here catches an
// un-include or reopen that lands before the lock.
func (r *lineItemRepoPG) LockForm(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE visit_labs SET form_state = 'locked'
		WHERE id = $1 AND form_state = 'editable' AND included AND status = 'saved'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var (
		status   CollectionStatus
		included bool
	)
	err = r.conn(ctx).QueryRow(ctx, `
		SELECT status, included FROM visit_labs WHERE id = $1`, id).Scan(&status, &included)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("line item %s: %w", id, ErrNotFound)
		}
		return err
	}
	return lockConflict(id, status, included)
}

func (r *lineItemRepoPG) UnlockForm(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE visit_labs SET form_state = 'editable' WHERE id = $1 AND form_state = 'locked'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("line item %s form is not locked: %w", id, ErrInvalidTransition)
	}
	return nil
}

func (r *lineItemRepoPG) StampSummary(ctx context.Context, id uuid.UUID, value, normalRange string, completedAt time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE visit_labs SET result_value = $2, normal_range = $3, completed_date = $4 WHERE id = $1`,
		id, value, nullable(normalRange), completedAt)
	return err
}

// =========== Result Repository ===========

type resultRepoPG struct{ pool *pgxpool.Pool }

func NewResultRepoPG(pool *pgxpool.Pool) ResultRepository {
	return &resultRepoPG{pool: pool}
}

func (r *resultRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const resultCols = `id, visit_lab_id, main_test_name, test_name, test_category, result_value, result_unit,
	reference_range, comments, is_abnormal, result_status, technician_name, pathologist_name,
	authenticated_result, patient_name, patient_age, patient_gender, visit_id, patient_id,
	revision, degraded, created_at`

func scanResult(row pgx.Row) (*ResultRecord, error) {
	var rr ResultRecord
	var mainTest, category, value, unit, refRange, comments, status, tech, path, patient, sex *string
	err := row.Scan(&rr.ID, &rr.LineItemID, &mainTest, &rr.TestName, &category, &value, &unit,
		&refRange, &comments, &rr.IsAbnormal, &status, &tech, &path,
		&rr.Authenticated, &patient, &rr.PatientAge, &sex, &rr.VisitID, &rr.PatientID,
		&rr.Revision, &rr.Degraded, &rr.CreatedAt)
	rr.MainTestName = deref(mainTest)
	rr.Category = deref(category)
	rr.ResultValue = deref(value)
	rr.Unit = deref(unit)
	rr.ReferenceRange = deref(refRange)
	rr.Comments = deref(comments)
	rr.Status = ResultStatus(deref(status))
	rr.TechnicianName = deref(tech)
	rr.PathologistName = deref(path)
	rr.PatientName = deref(patient)
	rr.PatientSex = deref(sex)
	return &rr, err
}

func (r *resultRepoPG) NextRevision(ctx context.Context, lineItemID uuid.UUID) (int, error) {
	var rev int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(MAX(revision), 0) + 1 FROM lab_results WHERE visit_lab_id = $1`, lineItemID).Scan(&rev)
	return rev, err
}

func (r *resultRepoPG) Insert(ctx context.Context, rr *ResultRecord) error {
	if rr.ID == uuid.Nil {
		rr.ID = uuid.New()
	}
	return db.Savepoint(ctx, r.conn(ctx), func(q db.Querier) error {
		return q.QueryRow(ctx, `
			INSERT INTO lab_results (id, visit_lab_id, main_test_name, test_name, test_category, result_value,
				result_unit, reference_range, comments, is_abnormal, result_status, technician_name,
				pathologist_name, authenticated_result, patient_name, patient_age, patient_gender,
				visit_id, patient_id, revision, degraded)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,FALSE)
			RETURNING created_at`,
			rr.ID, rr.LineItemID, rr.MainTestName, rr.TestName, nullable(rr.Category), rr.ResultValue,
			nullable(rr.Unit), rr.ReferenceRange, nullable(rr.Comments), rr.IsAbnormal, string(rr.Status),
			nullable(rr.TechnicianName), nullable(rr.PathologistName), rr.Authenticated, rr.PatientName,
			rr.PatientAge, nullable(rr.PatientSex), rr.VisitID, rr.PatientID, rr.Revision,
		).Scan(&rr.CreatedAt)
	})
}

func (r *resultRepoPG) InsertReduced(ctx context.Context, rr *ResultRecord) error {
	if rr.ID == uuid.Nil {
		rr.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO lab_results (id, main_test_name, test_name, test_category, result_value, reference_range,
			patient_name, result_status, authenticated_result, revision, degraded)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,TRUE)
		RETURNING created_at`,
		rr.ID, rr.MainTestName, rr.TestName, nullable(rr.Category), rr.ResultValue, rr.ReferenceRange,
		rr.PatientName, string(rr.Status), rr.Authenticated, rr.Revision,
	).Scan(&rr.CreatedAt)
}

func (r *resultRepoPG) list(ctx context.Context, where string, arg uuid.UUID) ([]*ResultRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+resultCols+` FROM lab_results WHERE `+where+`
		ORDER BY revision, created_at, id`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ResultRecord
	for rows.Next() {
		rr, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rr)
	}
	return items, rows.Err()
}

func (r *resultRepoPG) ListByLineItem(ctx context.Context, lineItemID uuid.UUID) ([]*ResultRecord, error) {
	return r.list(ctx, `visit_lab_id = $1`, lineItemID)
}

func (r *resultRepoPG) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*ResultRecord, error) {
	return r.list(ctx, `visit_lab_id IN (SELECT id FROM visit_labs WHERE order_id = $1)`, orderID)
}

// =========== Visit Provider ===========

type visitProviderPG struct{ pool *pgxpool.Pool }

// NewVisitProviderPG reads visits and patients owned by registration.
func NewVisitProviderPG(pool *pgxpool.Pool) VisitProvider {
	return &visitProviderPG{pool: pool}
}

func (r *visitProviderPG) GetVisit(ctx context.Context, visitID uuid.UUID) (*VisitSnapshot, error) {
	var v VisitSnapshot
	var patientID uuid.UUID
	var sex, phone, doctor *string
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT v.id, p.id, p.name, p.age, p.gender, p.phone, v.doctor_name
		FROM visits v JOIN patients p ON p.id = v.patient_id
		WHERE v.id = $1`, visitID).
		Scan(&v.VisitID, &patientID, &v.Patient.Name, &v.Patient.Age, &sex, &phone, &doctor)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("visit %s: %w", visitID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	v.Patient.ID = &patientID
	v.Patient.Sex = deref(sex)
	v.Patient.Phone = deref(phone)
	v.DoctorName = deref(doctor)
	return &v, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
