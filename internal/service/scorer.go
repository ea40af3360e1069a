package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/proms-analytics-server/internal/domain"
	"github.com/proms-analytics-server/internal/scorestore"
	"github.com/proms-analytics-server/internal/store"
	"github.com/proms-analytics-server/pkg/equation"
)

// Invalidator is the cache capability the write path needs.
type Invalidator interface {
	InvalidatePatient(ctx context.Context, patientID uuid.UUID) error
	InvalidatePopulation(ctx context.Context) error
}

// Scorer recomputes derived construct and composite scores when a
// submission lands. It is idempotent under retry on identical input.
type Scorer struct {
	store      store.Store
	scores     scorestore.Store
	engine     *equation.Engine
	locks      *patientLocks
	invalidate Invalidator
	log        *logrus.Logger
	now        func() time.Time
}

// NewScorer creates a score computer.
func NewScorer(st store.Store, scores scorestore.Store, engine *equation.Engine, invalidator Invalidator, logger *logrus.Logger) *Scorer {
	return &Scorer{
		store:      st,
		scores:     scores,
		engine:     engine,
		locks:      newPatientLocks(),
		invalidate: invalidator,
		log:        logger,
		now:        time.Now,
	}
}

// ValidateConstructScale compiles a construct's equation against its item
// numbers. Invalid expressions are definition-time errors that prevent the
// scale from being registered.
func (s *Scorer) ValidateConstructScale(c domain.ConstructScale) error {
	_, err := equation.Compile(c.Equation, equation.WithAllowedItems(c.ItemNumbers))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidExpression, err)
	}
	return nil
}

// OnSubmissionWritten recomputes all derived rows for a submission and
// invalidates the patient's cache namespace. It takes the per-patient
// write lock, so construct rows are observable before composite rows and
// earlier writes' effects precede later writes'.
func (s *Scorer) OnSubmissionWritten(ctx context.Context, submissionID uuid.UUID) error {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return domain.AsUnavailable(err)
	}

	unlock := s.locks.Lock(sub.PatientID)
	defer unlock()

	if err := s.recompute(ctx, sub); err != nil {
		return err
	}

	if err := s.invalidate.InvalidatePatient(ctx, sub.PatientID); err != nil {
		// The patient TTL still bounds staleness; surface the failure.
		s.log.WithError(err).WithField("patient_id", sub.PatientID).Warn("Patient cache invalidation failed")
	}

	// Population aggregates flush fire-and-forget; the population TTL
	// bounds staleness if the flush fails.
	go func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.invalidate.InvalidatePopulation(flushCtx); err != nil {
			s.log.WithError(err).Warn("Population cache invalidation failed")
		}
	}()

	return nil
}

// OnSubmissionDeleted removes the derived rows of a destroyed submission
// and invalidates the patient's namespace.
func (s *Scorer) OnSubmissionDeleted(ctx context.Context, submissionID, patientID uuid.UUID) error {
	unlock := s.locks.Lock(patientID)
	defer unlock()

	if err := s.scores.DeleteForSubmission(ctx, submissionID); err != nil {
		return fmt.Errorf("deleting derived rows: %w", err)
	}
	if err := s.invalidate.InvalidatePatient(ctx, patientID); err != nil {
		s.log.WithError(err).WithField("patient_id", patientID).Warn("Patient cache invalidation failed")
	}
	return nil
}

func (s *Scorer) recompute(ctx context.Context, sub *domain.Submission) error {
	responses, err := s.store.ListResponses(ctx, sub.ID)
	if err != nil {
		return domain.AsUnavailable(err)
	}
	scales, err := s.store.ListScalesForQuestionnaire(ctx, sub.QuestionnaireID)
	if err != nil {
		return domain.AsUnavailable(err)
	}
	questionnaire, err := s.store.GetQuestionnaire(ctx, sub.QuestionnaireID)
	if err != nil {
		return domain.AsUnavailable(err)
	}

	if err := s.scores.IndexSubmission(ctx, *sub); err != nil {
		return fmt.Errorf("indexing submission: %w", err)
	}

	computedAt := s.now().UTC()
	computed := make(map[uuid.UUID]*float64, len(scales))
	rows := make([]domain.ConstructScore, 0, len(scales))
	scaleIDs := make([]uuid.UUID, 0, len(scales))

	for _, scale := range scales {
		score := s.evaluateScale(scale, questionnaire.Items, responses, sub)
		computed[scale.ID] = score
		scaleIDs = append(scaleIDs, scale.ID)
		rows = append(rows, domain.ConstructScore{
			SubmissionID: sub.ID,
			ConstructID:  scale.ID,
			Score:        score,
			ComputedAt:   computedAt,
		})
	}

	// Constructs persist before composites that depend on them.
	if err := s.scores.UpsertConstructScores(ctx, rows); err != nil {
		return fmt.Errorf("writing construct scores: %w", err)
	}

	composites, err := s.store.ListCompositesForConstructs(ctx, scaleIDs)
	if err != nil {
		return domain.AsUnavailable(err)
	}

	compositeRows := make([]domain.CompositeScore, 0, len(composites))
	for _, comp := range composites {
		values := make([]*float64, 0, len(comp.ConstructIDs))
		for _, cid := range comp.ConstructIDs {
			if v, ok := computed[cid]; ok {
				values = append(values, v)
				continue
			}
			row, err := s.scores.GetConstructScore(ctx, sub.ID, cid)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					continue
				}
				return fmt.Errorf("reading member construct score: %w", err)
			}
			values = append(values, row.Score)
		}
		compositeRows = append(compositeRows, domain.CompositeScore{
			SubmissionID: sub.ID,
			CompositeID:  comp.ID,
			Score:        combine(comp.Combiner, values),
			ComputedAt:   computedAt,
		})
	}
	if err := s.scores.UpsertCompositeScores(ctx, compositeRows); err != nil {
		return fmt.Errorf("writing composite scores: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"submission_id": sub.ID,
		"patient_id":    sub.PatientID,
		"constructs":    len(rows),
		"composites":    len(compositeRows),
	}).Info("Recomputed derived scores")

	return nil
}

// evaluateScale runs the scale's equation over the submission's typed
// responses. Evaluation errors reduce to null and emit an event; the
// minimum-items rule overrides whatever the expression produced.
func (s *Scorer) evaluateScale(scale domain.ConstructScale, items []domain.Item, responses []domain.Response, sub *domain.Submission) *float64 {
	// Unanswered items default to their declared missing value, or null.
	inputs := make(map[int]equation.Value, len(scale.ItemNumbers))
	for _, it := range items {
		if it.ConstructID != nil && *it.ConstructID == scale.ID {
			inputs[it.ItemNumber] = missingOrNull(it)
		}
	}

	// Answered numeric responses overwrite the defaults and count toward
	// the minimum-items rule.
	available := 0
	for _, r := range responses {
		if r.Item.ConstructID == nil || *r.Item.ConstructID != scale.ID {
			continue
		}
		v, answered := typedValue(r.Item, r.Value)
		inputs[r.Item.ItemNumber] = v
		if answered {
			available++
		}
	}

	if available < scale.MinimumItems {
		return nil
	}

	prog, err := s.engine.CompileConstruct(scale.ID.String(), scale.Equation, scale.ItemNumbers)
	if err != nil {
		// Registration validates equations; reaching this means the
		// definition changed underneath us. Score as null and report.
		s.log.WithError(err).WithFields(logrus.Fields{
			"construct_id":  scale.ID,
			"submission_id": sub.ID,
		}).Error("Equation failed to compile at evaluation time")
		return nil
	}

	result, err := prog.Evaluate(inputs)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"construct_id":  scale.ID,
			"submission_id": sub.ID,
			"event":         "evaluation_error",
		}).Warn("Equation evaluation failed, recording null score")
		return nil
	}
	if result.IsNull() {
		return nil
	}
	score := result.Num
	return &score
}

// typedValue classifies a stored response string into the evaluation input
// for its item: numeric for Number, Likert (option value) and Range items,
// null for Text and unparseable values unless the item declares a missing
// value substitute. The bool reports whether the response counts as an
// answered numeric item.
func typedValue(item domain.Item, raw string) (equation.Value, bool) {
	if item.ResponseType == domain.ResponseText {
		return equation.Null, false
	}
	if raw == "" {
		return missingOrNull(item), false
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return missingOrNull(item), false
	}
	return equation.Number(f), true
}

func missingOrNull(item domain.Item) equation.Value {
	if item.MissingValue != nil {
		return equation.Number(*item.MissingValue)
	}
	return equation.Null
}
