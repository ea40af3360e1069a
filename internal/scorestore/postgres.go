package scorestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/proms-analytics-server/internal/domain"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL score store. It expects the schema
// to already exist (created via migrations).
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromURL creates a PostgreSQL score store from a
// connection URL.
func NewPostgresStoreFromURL(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) UpsertConstructScores(ctx context.Context, scores []domain.ConstructScore) error {
	if len(scores) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO construct_score (submission_id, construct_id, score, computed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (submission_id, construct_id) DO UPDATE SET
			score = EXCLUDED.score,
			computed_at = EXCLUDED.computed_at`

	for _, sc := range scores {
		if _, err := tx.ExecContext(ctx, query, sc.SubmissionID, sc.ConstructID, nullFloat(sc.Score), sc.ComputedAt); err != nil {
			return fmt.Errorf("upserting construct score (%s, %s): %w", sc.SubmissionID, sc.ConstructID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing construct scores: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertCompositeScores(ctx context.Context, scores []domain.CompositeScore) error {
	if len(scores) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO composite_score (submission_id, composite_id, score, computed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (submission_id, composite_id) DO UPDATE SET
			score = EXCLUDED.score,
			computed_at = EXCLUDED.computed_at`

	for _, sc := range scores {
		if _, err := tx.ExecContext(ctx, query, sc.SubmissionID, sc.CompositeID, nullFloat(sc.Score), sc.ComputedAt); err != nil {
			return fmt.Errorf("upserting composite score (%s, %s): %w", sc.SubmissionID, sc.CompositeID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing composite scores: %w", err)
	}
	return nil
}

// IndexSubmission is a no-op: the derived tables join against the domain
// schema's questionnaire_submissions directly.
func (s *PostgresStore) IndexSubmission(ctx context.Context, sub domain.Submission) error {
	return nil
}

func (s *PostgresStore) DeleteForSubmission(ctx context.Context, submissionID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM construct_score WHERE submission_id = $1`, submissionID); err != nil {
		return fmt.Errorf("deleting construct scores: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM composite_score WHERE submission_id = $1`, submissionID); err != nil {
		return fmt.Errorf("deleting composite scores: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing deletion: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConstructScore(ctx context.Context, submissionID, constructID uuid.UUID) (*domain.ConstructScore, error) {
	query := `
		SELECT submission_id, construct_id, score, computed_at
		FROM construct_score
		WHERE submission_id = $1 AND construct_id = $2`

	var out domain.ConstructScore
	var score sql.NullFloat64
	err := s.db.QueryRowContext(ctx, query, submissionID, constructID).
		Scan(&out.SubmissionID, &out.ConstructID, &score, &out.ComputedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("construct score (%s, %s): %w", submissionID, constructID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting construct score: %w", err)
	}
	if score.Valid {
		out.Score = &score.Float64
	}
	return &out, nil
}

func (s *PostgresStore) ListConstructScores(ctx context.Context, patientID, constructID uuid.UUID, window *domain.SubmissionWindow) ([]domain.ScorePoint, error) {
	query := `
		SELECT cs.submission_id, sub.submitted_at, cs.score
		FROM construct_score cs
		JOIN questionnaire_submissions sub ON sub.id = cs.submission_id
		WHERE sub.patient_id = $1 AND cs.construct_id = $2`
	args := []interface{}{patientID, constructID}
	if window != nil && window.UpperBound != nil {
		query += ` AND sub.submitted_at <= $3`
		args = append(args, *window.UpperBound)
	}
	query += ` ORDER BY sub.submitted_at ASC`

	return s.queryPoints(ctx, query, args...)
}

func (s *PostgresStore) ListCompositeScores(ctx context.Context, patientID, compositeID uuid.UUID, window *domain.SubmissionWindow) ([]domain.ScorePoint, error) {
	query := `
		SELECT cs.submission_id, sub.submitted_at, cs.score
		FROM composite_score cs
		JOIN questionnaire_submissions sub ON sub.id = cs.submission_id
		WHERE sub.patient_id = $1 AND cs.composite_id = $2`
	args := []interface{}{patientID, compositeID}
	if window != nil && window.UpperBound != nil {
		query += ` AND sub.submitted_at <= $3`
		args = append(args, *window.UpperBound)
	}
	query += ` ORDER BY sub.submitted_at ASC`

	return s.queryPoints(ctx, query, args...)
}

func (s *PostgresStore) queryPoints(ctx context.Context, query string, args ...interface{}) ([]domain.ScorePoint, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing scores: %w", err)
	}
	defer rows.Close()

	var out []domain.ScorePoint
	for rows.Next() {
		var p domain.ScorePoint
		var score sql.NullFloat64
		if err := rows.Scan(&p.SubmissionID, &p.At, &score); err != nil {
			return nil, fmt.Errorf("scanning score row: %w", err)
		}
		if score.Valid {
			p.Value = &score.Float64
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating score rows: %w", err)
	}
	return out, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
