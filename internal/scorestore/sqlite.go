package scorestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/proms-analytics-server/internal/domain"
)

// SQLiteStore implements Store using an embedded SQLite database. Because
// the domain schema lives elsewhere, it keeps its own submission index so
// series listings can resolve patient and timestamp.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore creates a SQLite score store, creating the database file
// and schema if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS submission_index (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		submitted_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_submission_index_patient ON submission_index(patient_id);

	CREATE TABLE IF NOT EXISTS construct_score (
		submission_id TEXT NOT NULL,
		construct_id TEXT NOT NULL,
		score REAL,
		computed_at TIMESTAMP NOT NULL,
		PRIMARY KEY (submission_id, construct_id)
	);

	CREATE TABLE IF NOT EXISTS composite_score (
		submission_id TEXT NOT NULL,
		composite_id TEXT NOT NULL,
		score REAL,
		computed_at TIMESTAMP NOT NULL,
		PRIMARY KEY (submission_id, composite_id)
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IndexSubmission(ctx context.Context, sub domain.Submission) error {
	query := `
		INSERT INTO submission_index (id, patient_id, submitted_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			patient_id = excluded.patient_id,
			submitted_at = excluded.submitted_at`

	if _, err := s.db.ExecContext(ctx, query, sub.ID.String(), sub.PatientID.String(), sub.SubmittedAt); err != nil {
		return fmt.Errorf("indexing submission %s: %w", sub.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpsertConstructScores(ctx context.Context, scores []domain.ConstructScore) error {
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
		VALUES (?, ?, ?, ?)
		ON CONFLICT(submission_id, construct_id) DO UPDATE SET
			score = excluded.score,
			computed_at = excluded.computed_at`

	for _, sc := range scores {
		if _, err := tx.ExecContext(ctx, query, sc.SubmissionID.String(), sc.ConstructID.String(), nullFloat(sc.Score), sc.ComputedAt); err != nil {
			return fmt.Errorf("upserting construct score (%s, %s): %w", sc.SubmissionID, sc.ConstructID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing construct scores: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertCompositeScores(ctx context.Context, scores []domain.CompositeScore) error {
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
		VALUES (?, ?, ?, ?)
		ON CONFLICT(submission_id, composite_id) DO UPDATE SET
			score = excluded.score,
			computed_at = excluded.computed_at`

	for _, sc := range scores {
		if _, err := tx.ExecContext(ctx, query, sc.SubmissionID.String(), sc.CompositeID.String(), nullFloat(sc.Score), sc.ComputedAt); err != nil {
			return fmt.Errorf("upserting composite score (%s, %s): %w", sc.SubmissionID, sc.CompositeID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing composite scores: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteForSubmission(ctx context.Context, submissionID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"construct_score", "composite_score", "submission_index"} {
		col := "submission_id"
		if table == "submission_index" {
			col = "id"
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, col), submissionID.String()); err != nil {
			return fmt.Errorf("deleting from %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing deletion: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConstructScore(ctx context.Context, submissionID, constructID uuid.UUID) (*domain.ConstructScore, error) {
	query := `
		SELECT submission_id, construct_id, score, computed_at
		FROM construct_score
		WHERE submission_id = ? AND construct_id = ?`

	var out domain.ConstructScore
	var subID, consID string
	var score sql.NullFloat64
	err := s.db.QueryRowContext(ctx, query, submissionID.String(), constructID.String()).
		Scan(&subID, &consID, &score, &out.ComputedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("construct score (%s, %s): %w", submissionID, constructID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting construct score: %w", err)
	}
	out.SubmissionID, err = uuid.Parse(subID)
	if err != nil {
		return nil, fmt.Errorf("parsing submission id: %w", err)
	}
	out.ConstructID, err = uuid.Parse(consID)
	if err != nil {
		return nil, fmt.Errorf("parsing construct id: %w", err)
	}
	if score.Valid {
		out.Score = &score.Float64
	}
	return &out, nil
}

func (s *SQLiteStore) ListConstructScores(ctx context.Context, patientID, constructID uuid.UUID, window *domain.SubmissionWindow) ([]domain.ScorePoint, error) {
	query := `
		SELECT cs.submission_id, si.submitted_at, cs.score
		FROM construct_score cs
		JOIN submission_index si ON si.id = cs.submission_id
		WHERE si.patient_id = ? AND cs.construct_id = ?`
	args := []interface{}{patientID.String(), constructID.String()}
	if window != nil && window.UpperBound != nil {
		query += ` AND si.submitted_at <= ?`
		args = append(args, *window.UpperBound)
	}
	query += ` ORDER BY si.submitted_at ASC`

	return s.queryPoints(ctx, query, args...)
}

func (s *SQLiteStore) ListCompositeScores(ctx context.Context, patientID, compositeID uuid.UUID, window *domain.SubmissionWindow) ([]domain.ScorePoint, error) {
	query := `
		SELECT cs.submission_id, si.submitted_at, cs.score
		FROM composite_score cs
		JOIN submission_index si ON si.id = cs.submission_id
		WHERE si.patient_id = ? AND cs.composite_id = ?`
	args := []interface{}{patientID.String(), compositeID.String()}
	if window != nil && window.UpperBound != nil {
		query += ` AND si.submitted_at <= ?`
		args = append(args, *window.UpperBound)
	}
	query += ` ORDER BY si.submitted_at ASC`

	return s.queryPoints(ctx, query, args...)
}

func (s *SQLiteStore) queryPoints(ctx context.Context, query string, args ...interface{}) ([]domain.ScorePoint, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing scores: %w", err)
	}
	defer rows.Close()

	var out []domain.ScorePoint
	for rows.Next() {
		var p domain.ScorePoint
		var subID string
		var score sql.NullFloat64
		if err := rows.Scan(&subID, &p.At, &score); err != nil {
			return nil, fmt.Errorf("scanning score row: %w", err)
		}
		p.SubmissionID, err = uuid.Parse(subID)
		if err != nil {
			return nil, fmt.Errorf("parsing submission id: %w", err)
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
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
