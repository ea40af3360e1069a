package scorestore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proms-analytics-server/internal/domain"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	mock.ExpectPing()
	store, err := NewPostgresStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store, mock
}

func fptr(f float64) *float64 { return &f }

func TestPostgresStoreUpsertConstructScores(t *testing.T) {
	store, mock := newMockStore(t)

	subID := uuid.New()
	consID := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO construct_score").
		WithArgs(subID, consID, sqlmock.AnyArg(), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.UpsertConstructScores(context.Background(), []domain.ConstructScore{
		{SubmissionID: subID, ConstructID: consID, Score: fptr(4.25), ComputedAt: now},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreUpsertEmptyIsNoop(t *testing.T) {
	store, mock := newMockStore(t)

	require.NoError(t, store.UpsertConstructScores(context.Background(), nil))
	require.NoError(t, store.UpsertCompositeScores(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreUpsertRollsBackOnFailure(t *testing.T) {
	store, mock := newMockStore(t)

	subID := uuid.New()
	consID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO construct_score").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := store.UpsertConstructScores(context.Background(), []domain.ConstructScore{
		{SubmissionID: subID, ConstructID: consID, Score: fptr(1), ComputedAt: time.Now()},
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreGetConstructScore(t *testing.T) {
	store, mock := newMockStore(t)

	subID := uuid.New()
	consID := uuid.New()
	now := time.Now()

	rows := sqlmock.NewRows([]string{"submission_id", "construct_id", "score", "computed_at"}).
		AddRow(subID, consID, 3.5, now)
	mock.ExpectQuery("SELECT submission_id, construct_id, score, computed_at").
		WithArgs(subID, consID).
		WillReturnRows(rows)

	got, err := store.GetConstructScore(context.Background(), subID, consID)
	require.NoError(t, err)
	require.NotNil(t, got.Score)
	assert.InDelta(t, 3.5, *got.Score, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreGetConstructScoreNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	subID := uuid.New()
	consID := uuid.New()

	mock.ExpectQuery("SELECT submission_id, construct_id, score, computed_at").
		WithArgs(subID, consID).
		WillReturnRows(sqlmock.NewRows([]string{"submission_id", "construct_id", "score", "computed_at"}))

	_, err := store.GetConstructScore(context.Background(), subID, consID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreListConstructScores(t *testing.T) {
	store, mock := newMockStore(t)

	patientID := uuid.New()
	consID := uuid.New()
	s1 := uuid.New()
	s2 := uuid.New()
	t1 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"submission_id", "submitted_at", "score"}).
		AddRow(s1, t1, 2.5).
		AddRow(s2, t2, nil)
	mock.ExpectQuery("SELECT cs.submission_id, sub.submitted_at, cs.score").
		WithArgs(patientID, consID).
		WillReturnRows(rows)

	points, err := store.ListConstructScores(context.Background(), patientID, consID, nil)
	require.NoError(t, err)
	require.Len(t, points, 2)
	require.NotNil(t, points[0].Value)
	assert.InDelta(t, 2.5, *points[0].Value, 1e-9)
	assert.Nil(t, points[1].Value, "null score survives the round trip as nil")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreDeleteForSubmission(t *testing.T) {
	store, mock := newMockStore(t)

	subID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM construct_score").
		WithArgs(subID).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM composite_score").
		WithArgs(subID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.DeleteForSubmission(context.Background(), subID))
	assert.NoError(t, mock.ExpectationsWereMet())
}
