package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/proms-analytics-server/internal/domain"
)

// Memory is an in-memory Store used by tests and single-node deployments.
// All returned values are copies, so callers observe repeatable reads.
type Memory struct {
	mu sync.RWMutex

	patients       map[uuid.UUID]domain.Patient
	submissions    map[uuid.UUID]domain.Submission
	responses      map[uuid.UUID][]domain.Response
	questionnaires map[uuid.UUID]domain.Questionnaire
	constructs     map[uuid.UUID]domain.ConstructScale
	composites     map[uuid.UUID]domain.CompositeScale
	items          map[uuid.UUID]domain.Item
	diagnoses      map[uuid.UUID][]domain.Diagnosis
	treatments     map[uuid.UUID][]domain.Treatment

	// Now is the clock used for age predicates; tests pin it.
	Now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		patients:       map[uuid.UUID]domain.Patient{},
		submissions:    map[uuid.UUID]domain.Submission{},
		responses:      map[uuid.UUID][]domain.Response{},
		questionnaires: map[uuid.UUID]domain.Questionnaire{},
		constructs:     map[uuid.UUID]domain.ConstructScale{},
		composites:     map[uuid.UUID]domain.CompositeScale{},
		items:          map[uuid.UUID]domain.Item{},
		diagnoses:      map[uuid.UUID][]domain.Diagnosis{},
		treatments:     map[uuid.UUID][]domain.Treatment{},
		Now:            time.Now,
	}
}

// AddPatient registers a patient snapshot.
func (m *Memory) AddPatient(p domain.Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.ID] = p
}

// AddQuestionnaire registers a questionnaire and its items.
func (m *Memory) AddQuestionnaire(q domain.Questionnaire) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.questionnaires[q.ID] = q
	for _, it := range q.Items {
		m.items[it.ID] = it
	}
}

// AddConstructScale registers a construct scale.
func (m *Memory) AddConstructScale(c domain.ConstructScale) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.constructs[c.ID] = c
}

// AddCompositeScale registers a composite scale.
func (m *Memory) AddCompositeScale(c domain.CompositeScale) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.composites[c.ID] = c
}

// AddSubmission registers a submission and its responses.
func (m *Memory) AddSubmission(s domain.Submission, responses []domain.Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submissions[s.ID] = s
	m.responses[s.ID] = append([]domain.Response(nil), responses...)
}

// AddDiagnosis registers a diagnosis for its patient.
func (m *Memory) AddDiagnosis(d domain.Diagnosis) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.diagnoses[d.PatientID] = append(m.diagnoses[d.PatientID], d)
}

// AddTreatment registers a treatment for its patient.
func (m *Memory) AddTreatment(t domain.Treatment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.treatments[t.PatientID] = append(m.treatments[t.PatientID], t)
}

func (m *Memory) GetPatient(ctx context.Context, id uuid.UUID) (*domain.Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, fmt.Errorf("patient %s: %w", id, domain.ErrNotFound)
	}
	cp := p
	return &cp, nil
}

func (m *Memory) GetSubmission(ctx context.Context, id uuid.UUID) (*domain.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.submissions[id]
	if !ok {
		return nil, fmt.Errorf("submission %s: %w", id, domain.ErrNotFound)
	}
	cp := s
	return &cp, nil
}

func (m *Memory) ListSubmissions(ctx context.Context, patientID uuid.UUID, window *domain.SubmissionWindow) ([]domain.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Submission
	for _, s := range m.submissions {
		if s.PatientID != patientID {
			continue
		}
		if window != nil && window.UpperBound != nil && s.SubmittedAt.After(*window.UpperBound) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out, nil
}

func (m *Memory) ListResponses(ctx context.Context, submissionID uuid.UUID) ([]domain.Response, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.submissions[submissionID]; !ok {
		return nil, fmt.Errorf("submission %s: %w", submissionID, domain.ErrNotFound)
	}
	return append([]domain.Response(nil), m.responses[submissionID]...), nil
}

func (m *Memory) GetQuestionnaire(ctx context.Context, id uuid.UUID) (*domain.Questionnaire, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.questionnaires[id]
	if !ok {
		return nil, fmt.Errorf("questionnaire %s: %w", id, domain.ErrNotFound)
	}
	cp := q
	cp.Items = append([]domain.Item(nil), q.Items...)
	return &cp, nil
}

func (m *Memory) GetConstructScale(ctx context.Context, id uuid.UUID) (*domain.ConstructScale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.constructs[id]
	if !ok {
		return nil, fmt.Errorf("construct scale %s: %w", id, domain.ErrNotFound)
	}
	cp := c
	return &cp, nil
}

func (m *Memory) GetItem(ctx context.Context, id uuid.UUID) (*domain.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, domain.ErrNotFound)
	}
	cp := it
	return &cp, nil
}

func (m *Memory) ListScalesForQuestionnaire(ctx context.Context, questionnaireID uuid.UUID) ([]domain.ConstructScale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.questionnaires[questionnaireID]
	if !ok {
		return nil, fmt.Errorf("questionnaire %s: %w", questionnaireID, domain.ErrNotFound)
	}
	seen := map[uuid.UUID]bool{}
	var out []domain.ConstructScale
	for _, it := range q.Items {
		if it.ConstructID == nil || seen[*it.ConstructID] {
			continue
		}
		seen[*it.ConstructID] = true
		if c, ok := m.constructs[*it.ConstructID]; ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) ListCompositesForConstructs(ctx context.Context, constructIDs []uuid.UUID) ([]domain.CompositeScale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wanted := map[uuid.UUID]bool{}
	for _, id := range constructIDs {
		wanted[id] = true
	}
	var out []domain.CompositeScale
	for _, comp := range m.composites {
		for _, cid := range comp.ConstructIDs {
			if wanted[cid] {
				out = append(out, comp)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) ListDiagnoses(ctx context.Context, patientID uuid.UUID) ([]domain.Diagnosis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Diagnosis(nil), m.diagnoses[patientID]...), nil
}

func (m *Memory) ListTreatments(ctx context.Context, patientID uuid.UUID) ([]domain.Treatment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Treatment(nil), m.treatments[patientID]...), nil
}

func (m *Memory) ListCohortPatients(ctx context.Context, institutionID uuid.UUID, preds domain.CohortPredicates) ([]domain.PatientSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.Now()
	var out []domain.PatientSummary
	for _, p := range m.patients {
		if p.InstitutionID != institutionID {
			continue
		}
		if !m.matches(p, preds, now) {
			continue
		}
		out = append(out, domain.PatientSummary{
			ID:            p.ID,
			InstitutionID: p.InstitutionID,
			Gender:        p.Gender,
			BirthDate:     p.BirthDate,
			RegisteredAt:  p.RegisteredAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (m *Memory) matches(p domain.Patient, preds domain.CohortPredicates, now time.Time) bool {
	if preds.Gender != nil && p.Gender != *preds.Gender {
		return false
	}
	if preds.MinAge != nil || preds.MaxAge != nil {
		age := p.Age(now)
		if age < 0 {
			return false
		}
		if preds.MinAge != nil && age < *preds.MinAge {
			return false
		}
		if preds.MaxAge != nil && age > *preds.MaxAge {
			return false
		}
	}
	if preds.DiagnosisCategory != nil {
		found := false
		for _, d := range m.diagnoses[p.ID] {
			if d.Category == *preds.DiagnosisCategory {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if preds.TreatmentType != nil {
		found := false
		for _, t := range m.treatments[p.ID] {
			for _, tt := range t.Types {
				if tt == *preds.TreatmentType {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}
