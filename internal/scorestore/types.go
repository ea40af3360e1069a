// Package scorestore persists the derived rows owned by the score
// computer: construct scores and composite scores keyed by submission.
package scorestore

import (
	"context"

	"github.com/google/uuid"

	"github.com/proms-analytics-server/internal/domain"
)

// Store is the persistence contract for derived score rows. Upserts are
// idempotent: re-writing a (submission, scale) pair with the same score
// leaves the row unchanged apart from computed_at.
type Store interface {
	// UpsertConstructScores writes or overwrites the construct scores of
	// one submission.
	UpsertConstructScores(ctx context.Context, scores []domain.ConstructScore) error

	// UpsertCompositeScores writes or overwrites the composite scores of
	// one submission.
	UpsertCompositeScores(ctx context.Context, scores []domain.CompositeScore) error

	// IndexSubmission records the (patient, submitted_at) identity of a
	// submission so series listings can resolve it. Backends that can join
	// the domain schema directly treat this as a no-op.
	IndexSubmission(ctx context.Context, sub domain.Submission) error

	// DeleteForSubmission removes all derived rows of a submission.
	DeleteForSubmission(ctx context.Context, submissionID uuid.UUID) error

	// GetConstructScore returns one derived row, or domain.ErrNotFound.
	GetConstructScore(ctx context.Context, submissionID, constructID uuid.UUID) (*domain.ConstructScore, error)

	// ListConstructScores returns a patient's series for one construct,
	// oldest first, optionally clipped by the window's upper bound.
	ListConstructScores(ctx context.Context, patientID, constructID uuid.UUID, window *domain.SubmissionWindow) ([]domain.ScorePoint, error)

	// ListCompositeScores returns a patient's series for one composite,
	// oldest first.
	ListCompositeScores(ctx context.Context, patientID, compositeID uuid.UUID, window *domain.SubmissionWindow) ([]domain.ScorePoint, error)

	// Close releases the underlying connection.
	Close() error
}
