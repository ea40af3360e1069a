package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/proms-analytics-server/internal/domain"
)

// Store is the read-only capability set the analytics core depends on.
// Implementations return read-only copies; the calls of one computation are
// not grouped into a shared snapshot, so they can observe writes made in
// between. All failures are *domain.StoreError (or wrap domain.ErrNotFound
// for missing entities).
type Store interface {
	// GetPatient returns a patient snapshot.
	GetPatient(ctx context.Context, id uuid.UUID) (*domain.Patient, error)

	// GetSubmission returns one submission.
	GetSubmission(ctx context.Context, id uuid.UUID) (*domain.Submission, error)

	// ListSubmissions returns a patient's submissions, newest first,
	// optionally clipped by the window's upper bound.
	ListSubmissions(ctx context.Context, patientID uuid.UUID, window *domain.SubmissionWindow) ([]domain.Submission, error)

	// ListResponses returns a submission's responses with item snapshots.
	ListResponses(ctx context.Context, submissionID uuid.UUID) ([]domain.Response, error)

	// GetQuestionnaire returns the questionnaire with its ordered items.
	GetQuestionnaire(ctx context.Context, id uuid.UUID) (*domain.Questionnaire, error)

	// GetConstructScale returns a construct scale definition.
	GetConstructScale(ctx context.Context, id uuid.UUID) (*domain.ConstructScale, error)

	// GetItem returns an item snapshot.
	GetItem(ctx context.Context, id uuid.UUID) (*domain.Item, error)

	// ListScalesForQuestionnaire returns the construct scales that own at
	// least one item of the questionnaire.
	ListScalesForQuestionnaire(ctx context.Context, questionnaireID uuid.UUID) ([]domain.ConstructScale, error)

	// ListCompositesForConstructs returns composite scales referencing any
	// of the given constructs.
	ListCompositesForConstructs(ctx context.Context, constructIDs []uuid.UUID) ([]domain.CompositeScale, error)

	// ListDiagnoses returns a patient's diagnoses.
	ListDiagnoses(ctx context.Context, patientID uuid.UUID) ([]domain.Diagnosis, error)

	// ListTreatments returns a patient's treatments across diagnoses.
	ListTreatments(ctx context.Context, patientID uuid.UUID) ([]domain.Treatment, error)

	// ListCohortPatients returns patient summaries within the institution
	// matching the predicates. The caller excludes the index patient.
	ListCohortPatients(ctx context.Context, institutionID uuid.UUID, preds domain.CohortPredicates) ([]domain.PatientSummary, error)
}
