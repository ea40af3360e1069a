package scorestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proms-analytics-server/internal/domain"
)

func createSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "scorestore-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := NewSQLiteStore(filepath.Join(tmpDir, "scores.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := createSQLiteStore(t)
	ctx := context.Background()

	patientID := uuid.New()
	consID := uuid.New()
	sub1 := domain.Submission{ID: uuid.New(), PatientID: patientID, SubmittedAt: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
	sub2 := domain.Submission{ID: uuid.New(), PatientID: patientID, SubmittedAt: time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)}

	require.NoError(t, store.IndexSubmission(ctx, sub1))
	require.NoError(t, store.IndexSubmission(ctx, sub2))
	require.NoError(t, store.UpsertConstructScores(ctx, []domain.ConstructScore{
		{SubmissionID: sub1.ID, ConstructID: consID, Score: fptr(3.25), ComputedAt: time.Now()},
		{SubmissionID: sub2.ID, ConstructID: consID, Score: nil, ComputedAt: time.Now()},
	}))

	got, err := store.GetConstructScore(ctx, sub1.ID, consID)
	require.NoError(t, err)
	require.NotNil(t, got.Score)
	assert.InDelta(t, 3.25, *got.Score, 1e-9)

	points, err := store.ListConstructScores(ctx, patientID, consID, nil)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, sub1.ID, points[0].SubmissionID, "oldest first")
	assert.Nil(t, points[1].Value)
}

func TestSQLiteStoreUpsertIsIdempotent(t *testing.T) {
	store := createSQLiteStore(t)
	ctx := context.Background()

	patientID := uuid.New()
	consID := uuid.New()
	sub := domain.Submission{ID: uuid.New(), PatientID: patientID, SubmittedAt: time.Now().UTC()}
	require.NoError(t, store.IndexSubmission(ctx, sub))

	score := domain.ConstructScore{SubmissionID: sub.ID, ConstructID: consID, Score: fptr(2), ComputedAt: time.Now()}
	require.NoError(t, store.UpsertConstructScores(ctx, []domain.ConstructScore{score}))
	require.NoError(t, store.UpsertConstructScores(ctx, []domain.ConstructScore{score}))

	points, err := store.ListConstructScores(ctx, patientID, consID, nil)
	require.NoError(t, err)
	assert.Len(t, points, 1, "re-writing the same pair must not duplicate rows")
}

func TestSQLiteStoreWindowClipsSeries(t *testing.T) {
	store := createSQLiteStore(t)
	ctx := context.Background()

	patientID := uuid.New()
	consID := uuid.New()
	early := domain.Submission{ID: uuid.New(), PatientID: patientID, SubmittedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	late := domain.Submission{ID: uuid.New(), PatientID: patientID, SubmittedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, store.IndexSubmission(ctx, early))
	require.NoError(t, store.IndexSubmission(ctx, late))
	require.NoError(t, store.UpsertConstructScores(ctx, []domain.ConstructScore{
		{SubmissionID: early.ID, ConstructID: consID, Score: fptr(1), ComputedAt: time.Now()},
		{SubmissionID: late.ID, ConstructID: consID, Score: fptr(2), ComputedAt: time.Now()},
	}))

	cutoff := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	points, err := store.ListConstructScores(ctx, patientID, consID, &domain.SubmissionWindow{UpperBound: &cutoff})
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, early.ID, points[0].SubmissionID)
}

func TestSQLiteStoreDeleteForSubmission(t *testing.T) {
	store := createSQLiteStore(t)
	ctx := context.Background()

	patientID := uuid.New()
	consID := uuid.New()
	compID := uuid.New()
	sub := domain.Submission{ID: uuid.New(), PatientID: patientID, SubmittedAt: time.Now().UTC()}
	require.NoError(t, store.IndexSubmission(ctx, sub))
	require.NoError(t, store.UpsertConstructScores(ctx, []domain.ConstructScore{
		{SubmissionID: sub.ID, ConstructID: consID, Score: fptr(1), ComputedAt: time.Now()},
	}))
	require.NoError(t, store.UpsertCompositeScores(ctx, []domain.CompositeScore{
		{SubmissionID: sub.ID, CompositeID: compID, Score: fptr(1), ComputedAt: time.Now()},
	}))

	require.NoError(t, store.DeleteForSubmission(ctx, sub.ID))

	_, err := store.GetConstructScore(ctx, sub.ID, consID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	points, err := store.ListCompositeScores(ctx, patientID, compID, nil)
	require.NoError(t, err)
	assert.Empty(t, points)
}
