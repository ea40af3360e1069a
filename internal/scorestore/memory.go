package scorestore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/proms-analytics-server/internal/domain"
)

type scoreKey struct {
	submission uuid.UUID
	scale      uuid.UUID
}

// MemoryStore is an in-memory Store used by tests.
type MemoryStore struct {
	mu          sync.RWMutex
	constructs  map[scoreKey]domain.ConstructScore
	composites  map[scoreKey]domain.CompositeScore
	submissions map[uuid.UUID]domain.Submission
}

// NewMemoryStore creates an empty in-memory score store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		constructs:  map[scoreKey]domain.ConstructScore{},
		composites:  map[scoreKey]domain.CompositeScore{},
		submissions: map[uuid.UUID]domain.Submission{},
	}
}

func (s *MemoryStore) IndexSubmission(ctx context.Context, sub domain.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions[sub.ID] = sub
	return nil
}

func (s *MemoryStore) UpsertConstructScores(ctx context.Context, scores []domain.ConstructScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range scores {
		s.constructs[scoreKey{sc.SubmissionID, sc.ConstructID}] = sc
	}
	return nil
}

func (s *MemoryStore) UpsertCompositeScores(ctx context.Context, scores []domain.CompositeScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range scores {
		s.composites[scoreKey{sc.SubmissionID, sc.CompositeID}] = sc
	}
	return nil
}

func (s *MemoryStore) DeleteForSubmission(ctx context.Context, submissionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.constructs {
		if k.submission == submissionID {
			delete(s.constructs, k)
		}
	}
	for k := range s.composites {
		if k.submission == submissionID {
			delete(s.composites, k)
		}
	}
	delete(s.submissions, submissionID)
	return nil
}

func (s *MemoryStore) GetConstructScore(ctx context.Context, submissionID, constructID uuid.UUID) (*domain.ConstructScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.constructs[scoreKey{submissionID, constructID}]
	if !ok {
		return nil, fmt.Errorf("construct score (%s, %s): %w", submissionID, constructID, domain.ErrNotFound)
	}
	cp := sc
	return &cp, nil
}

// ConstructScoreCount reports how many construct rows exist; used by tests
// asserting the exactly-one-row invariant.
func (s *MemoryStore) ConstructScoreCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.constructs)
}

func (s *MemoryStore) ListConstructScores(ctx context.Context, patientID, constructID uuid.UUID, window *domain.SubmissionWindow) ([]domain.ScorePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ScorePoint
	for k, sc := range s.constructs {
		if k.scale != constructID {
			continue
		}
		sub, ok := s.submissions[k.submission]
		if !ok || sub.PatientID != patientID {
			continue
		}
		if window != nil && window.UpperBound != nil && sub.SubmittedAt.After(*window.UpperBound) {
			continue
		}
		out = append(out, domain.ScorePoint{SubmissionID: sc.SubmissionID, At: sub.SubmittedAt, Value: sc.Score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (s *MemoryStore) ListCompositeScores(ctx context.Context, patientID, compositeID uuid.UUID, window *domain.SubmissionWindow) ([]domain.ScorePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ScorePoint
	for k, sc := range s.composites {
		if k.scale != compositeID {
			continue
		}
		sub, ok := s.submissions[k.submission]
		if !ok || sub.PatientID != patientID {
			continue
		}
		if window != nil && window.UpperBound != nil && sub.SubmittedAt.After(*window.UpperBound) {
			continue
		}
		out = append(out, domain.ScorePoint{SubmissionID: sc.SubmissionID, At: sub.SubmittedAt, Value: sc.Score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
