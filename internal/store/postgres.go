package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/proms-analytics-server/internal/domain"
)

// Postgres implements Store over a pgx connection pool. Queries run directly
// on the pool and no transaction is opened: a method that issues several
// queries (GetQuestionnaire, ListCompositesForConstructs), and successive
// calls within one computation, can observe writes made between them.
type Postgres struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewPostgres creates a Postgres-backed store.
func NewPostgres(db *pgxpool.Pool, logger *logrus.Logger) *Postgres {
	return &Postgres{db: db, log: logger}
}

func (s *Postgres) GetPatient(ctx context.Context, id uuid.UUID) (*domain.Patient, error) {
	query := `
		SELECT id, institution_id, gender, birth_date, registered_at, display_pseudonym
		FROM patients
		WHERE id = $1`

	var p domain.Patient
	err := s.db.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.InstitutionID, &p.Gender, &p.BirthDate, &p.RegisteredAt, &p.DisplayPseudon,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("patient %s: %w", id, domain.ErrNotFound)
		}
		return nil, domain.NewStoreError("get_patient", "query_failed", err)
	}
	return &p, nil
}

func (s *Postgres) GetSubmission(ctx context.Context, id uuid.UUID) (*domain.Submission, error) {
	query := `
		SELECT id, patient_id, questionnaire_id, submitted_at
		FROM questionnaire_submissions
		WHERE id = $1`

	var sub domain.Submission
	err := s.db.QueryRow(ctx, query, id).Scan(&sub.ID, &sub.PatientID, &sub.QuestionnaireID, &sub.SubmittedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("submission %s: %w", id, domain.ErrNotFound)
		}
		return nil, domain.NewStoreError("get_submission", "query_failed", err)
	}
	return &sub, nil
}

func (s *Postgres) ListSubmissions(ctx context.Context, patientID uuid.UUID, window *domain.SubmissionWindow) ([]domain.Submission, error) {
	query := `
		SELECT id, patient_id, questionnaire_id, submitted_at
		FROM questionnaire_submissions
		WHERE patient_id = $1`
	args := []interface{}{patientID}
	if window != nil && window.UpperBound != nil {
		query += ` AND submitted_at <= $2`
		args = append(args, *window.UpperBound)
	}
	query += ` ORDER BY submitted_at DESC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, domain.NewStoreError("list_submissions", "query_failed", err)
	}
	defer rows.Close()

	var out []domain.Submission
	for rows.Next() {
		var sub domain.Submission
		if err := rows.Scan(&sub.ID, &sub.PatientID, &sub.QuestionnaireID, &sub.SubmittedAt); err != nil {
			return nil, domain.NewStoreError("list_submissions", "scan_failed", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStoreError("list_submissions", "rows_failed", err)
	}
	return out, nil
}

const itemColumns = `
	i.id, i.construct_id, i.item_number, i.name, i.response_type,
	i.likert_options, i.range_min, i.range_max, i.direction,
	i.normative_mean, i.normative_sd, i.threshold, i.mid, i.missing_value`

func scanItem(row pgx.Row) (domain.Item, error) {
	var it domain.Item
	var likertJSON []byte
	err := row.Scan(
		&it.ID, &it.ConstructID, &it.ItemNumber, &it.Name, &it.ResponseType,
		&likertJSON, &it.RangeMin, &it.RangeMax, &it.Direction,
		&it.NormativeMean, &it.NormativeSD, &it.Threshold, &it.MID, &it.MissingValue,
	)
	if err != nil {
		return it, err
	}
	if len(likertJSON) > 0 {
		if err := json.Unmarshal(likertJSON, &it.LikertOptions); err != nil {
			return it, fmt.Errorf("decoding likert options for item %s: %w", it.ID, err)
		}
	}
	return it, nil
}

func (s *Postgres) ListResponses(ctx context.Context, submissionID uuid.UUID) ([]domain.Response, error) {
	query := `
		SELECT ` + itemColumns + `, r.response_value
		FROM questionnaire_item_responses r
		JOIN items i ON i.id = r.item_id
		WHERE r.submission_id = $1
		ORDER BY i.item_number`

	rows, err := s.db.Query(ctx, query, submissionID)
	if err != nil {
		return nil, domain.NewStoreError("list_responses", "query_failed", err)
	}
	defer rows.Close()

	var out []domain.Response
	for rows.Next() {
		var it domain.Item
		var likertJSON []byte
		var value string
		err := rows.Scan(
			&it.ID, &it.ConstructID, &it.ItemNumber, &it.Name, &it.ResponseType,
			&likertJSON, &it.RangeMin, &it.RangeMax, &it.Direction,
			&it.NormativeMean, &it.NormativeSD, &it.Threshold, &it.MID, &it.MissingValue,
			&value,
		)
		if err != nil {
			return nil, domain.NewStoreError("list_responses", "scan_failed", err)
		}
		if len(likertJSON) > 0 {
			if err := json.Unmarshal(likertJSON, &it.LikertOptions); err != nil {
				return nil, domain.NewStoreError("list_responses", "decode_failed", err)
			}
		}
		out = append(out, domain.Response{Item: it, Value: value})
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStoreError("list_responses", "rows_failed", err)
	}
	return out, nil
}

func (s *Postgres) GetQuestionnaire(ctx context.Context, id uuid.UUID) (*domain.Questionnaire, error) {
	var q domain.Questionnaire
	err := s.db.QueryRow(ctx, `SELECT id, name FROM questionnaires WHERE id = $1`, id).
		Scan(&q.ID, &q.Name)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("questionnaire %s: %w", id, domain.ErrNotFound)
		}
		return nil, domain.NewStoreError("get_questionnaire", "query_failed", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+itemColumns+`
		FROM items i
		WHERE i.questionnaire_id = $1
		ORDER BY i.item_number`, id)
	if err != nil {
		return nil, domain.NewStoreError("get_questionnaire", "items_query_failed", err)
	}
	defer rows.Close()

	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, domain.NewStoreError("get_questionnaire", "items_scan_failed", err)
		}
		q.Items = append(q.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStoreError("get_questionnaire", "items_rows_failed", err)
	}
	return &q, nil
}

const constructColumns = `
	c.id, c.name, c.direction, c.normative_mean, c.normative_sd,
	c.threshold, c.mid, c.minimum_items, c.equation, c.item_numbers`

func scanConstruct(row pgx.Row) (domain.ConstructScale, error) {
	var c domain.ConstructScale
	err := row.Scan(
		&c.ID, &c.Name, &c.Direction, &c.NormativeMean, &c.NormativeSD,
		&c.Threshold, &c.MID, &c.MinimumItems, &c.Equation, &c.ItemNumbers,
	)
	return c, err
}

func (s *Postgres) GetConstructScale(ctx context.Context, id uuid.UUID) (*domain.ConstructScale, error) {
	query := `SELECT ` + constructColumns + ` FROM construct_scales c WHERE c.id = $1`
	c, err := scanConstruct(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("construct scale %s: %w", id, domain.ErrNotFound)
		}
		return nil, domain.NewStoreError("get_construct_scale", "query_failed", err)
	}
	return &c, nil
}

func (s *Postgres) GetItem(ctx context.Context, id uuid.UUID) (*domain.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items i WHERE i.id = $1`
	it, err := scanItem(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("item %s: %w", id, domain.ErrNotFound)
		}
		return nil, domain.NewStoreError("get_item", "query_failed", err)
	}
	return &it, nil
}

func (s *Postgres) ListScalesForQuestionnaire(ctx context.Context, questionnaireID uuid.UUID) ([]domain.ConstructScale, error) {
	query := `
		SELECT DISTINCT ` + constructColumns + `
		FROM construct_scales c
		JOIN items i ON i.construct_id = c.id
		WHERE i.questionnaire_id = $1
		ORDER BY c.name`

	rows, err := s.db.Query(ctx, query, questionnaireID)
	if err != nil {
		return nil, domain.NewStoreError("list_scales_for_questionnaire", "query_failed", err)
	}
	defer rows.Close()

	var out []domain.ConstructScale
	for rows.Next() {
		c, err := scanConstruct(rows)
		if err != nil {
			return nil, domain.NewStoreError("list_scales_for_questionnaire", "scan_failed", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStoreError("list_scales_for_questionnaire", "rows_failed", err)
	}
	return out, nil
}

func (s *Postgres) ListCompositesForConstructs(ctx context.Context, constructIDs []uuid.UUID) ([]domain.CompositeScale, error) {
	if len(constructIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT DISTINCT cc.id, cc.name, cc.combiner
		FROM composite_construct_scales cc
		JOIN composite_scale_members m ON m.composite_id = cc.id
		WHERE m.construct_id = ANY($1)
		ORDER BY cc.name`

	rows, err := s.db.Query(ctx, query, constructIDs)
	if err != nil {
		return nil, domain.NewStoreError("list_composites", "query_failed", err)
	}
	defer rows.Close()

	var out []domain.CompositeScale
	for rows.Next() {
		var c domain.CompositeScale
		if err := rows.Scan(&c.ID, &c.Name, &c.Combiner); err != nil {
			return nil, domain.NewStoreError("list_composites", "scan_failed", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStoreError("list_composites", "rows_failed", err)
	}

	for i := range out {
		memberRows, err := s.db.Query(ctx,
			`SELECT construct_id FROM composite_scale_members WHERE composite_id = $1`, out[i].ID)
		if err != nil {
			return nil, domain.NewStoreError("list_composites", "members_query_failed", err)
		}
		for memberRows.Next() {
			var cid uuid.UUID
			if err := memberRows.Scan(&cid); err != nil {
				memberRows.Close()
				return nil, domain.NewStoreError("list_composites", "members_scan_failed", err)
			}
			out[i].ConstructIDs = append(out[i].ConstructIDs, cid)
		}
		memberRows.Close()
		if err := memberRows.Err(); err != nil {
			return nil, domain.NewStoreError("list_composites", "members_rows_failed", err)
		}
	}
	return out, nil
}

func (s *Postgres) ListDiagnoses(ctx context.Context, patientID uuid.UUID) ([]domain.Diagnosis, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, patient_id, category, diagnosis_date
		FROM diagnoses
		WHERE patient_id = $1
		ORDER BY diagnosis_date`, patientID)
	if err != nil {
		return nil, domain.NewStoreError("list_diagnoses", "query_failed", err)
	}
	defer rows.Close()

	var out []domain.Diagnosis
	for rows.Next() {
		var d domain.Diagnosis
		if err := rows.Scan(&d.ID, &d.PatientID, &d.Category, &d.Date); err != nil {
			return nil, domain.NewStoreError("list_diagnoses", "scan_failed", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStoreError("list_diagnoses", "rows_failed", err)
	}
	return out, nil
}

func (s *Postgres) ListTreatments(ctx context.Context, patientID uuid.UUID) ([]domain.Treatment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT t.id, t.diagnosis_id, d.patient_id, t.treatment_types, t.start_date
		FROM treatments t
		JOIN diagnoses d ON d.id = t.diagnosis_id
		WHERE d.patient_id = $1
		ORDER BY t.start_date NULLS LAST`, patientID)
	if err != nil {
		return nil, domain.NewStoreError("list_treatments", "query_failed", err)
	}
	defer rows.Close()

	var out []domain.Treatment
	for rows.Next() {
		var t domain.Treatment
		if err := rows.Scan(&t.ID, &t.DiagnosisID, &t.PatientID, &t.Types, &t.StartDate); err != nil {
			return nil, domain.NewStoreError("list_treatments", "scan_failed", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStoreError("list_treatments", "rows_failed", err)
	}
	return out, nil
}

// ListCohortPatients resolves the cohort inside the institution. Age
// predicates are evaluated in SQL against the birth date so the snapshot
// stays consistent with the database clock.
func (s *Postgres) ListCohortPatients(ctx context.Context, institutionID uuid.UUID, preds domain.CohortPredicates) ([]domain.PatientSummary, error) {
	var conds []string
	args := []interface{}{institutionID}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if preds.Gender != nil {
		conds = append(conds, "p.gender = "+arg(*preds.Gender))
	}
	if preds.MinAge != nil {
		conds = append(conds, "p.birth_date IS NOT NULL AND p.birth_date <= (CURRENT_DATE - make_interval(years => "+arg(*preds.MinAge)+"::int))")
	}
	if preds.MaxAge != nil {
		conds = append(conds, "p.birth_date IS NOT NULL AND p.birth_date > (CURRENT_DATE - make_interval(years => ("+arg(*preds.MaxAge)+"::int + 1)))")
	}
	if preds.DiagnosisCategory != nil {
		conds = append(conds, "EXISTS (SELECT 1 FROM diagnoses d WHERE d.patient_id = p.id AND d.category = "+arg(*preds.DiagnosisCategory)+")")
	}
	if preds.TreatmentType != nil {
		conds = append(conds, "EXISTS (SELECT 1 FROM treatments t JOIN diagnoses d ON d.id = t.diagnosis_id WHERE d.patient_id = p.id AND "+arg(*preds.TreatmentType)+" = ANY(t.treatment_types))")
	}

	query := `
		SELECT p.id, p.institution_id, p.gender, p.birth_date, p.registered_at
		FROM patients p
		WHERE p.institution_id = $1`
	if len(conds) > 0 {
		query += " AND " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY p.id"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, domain.NewStoreError("list_cohort_patients", "query_failed", err)
	}
	defer rows.Close()

	var out []domain.PatientSummary
	for rows.Next() {
		var p domain.PatientSummary
		if err := rows.Scan(&p.ID, &p.InstitutionID, &p.Gender, &p.BirthDate, &p.RegisteredAt); err != nil {
			return nil, domain.NewStoreError("list_cohort_patients", "scan_failed", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStoreError("list_cohort_patients", "rows_failed", err)
	}

	s.log.WithFields(logrus.Fields{
		"institution_id": institutionID,
		"cohort_size":    len(out),
	}).Debug("Resolved cohort patients")

	return out, nil
}
