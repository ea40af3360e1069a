package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/proms-analytics-server/internal/cache"
	"github.com/proms-analytics-server/internal/domain"
	"github.com/proms-analytics-server/internal/scorestore"
	"github.com/proms-analytics-server/internal/store"
)

// Config carries the computation knobs of the analytics core.
type Config struct {
	AggregationDefault  domain.AggregationKind
	CohortMinSamples    int
	ChangeFallbackRatio float64
	MaxConcurrency      int
}

// Service is the stable computation API of the analytics core. All reads
// route through the cache; writes go through the scorer.
type Service struct {
	store       store.Store
	scores      scorestore.Store
	scorer      *Scorer
	bucketer    *Bucketer
	aggregator  *Aggregator
	interpreter *Interpreter
	cache       *cache.Cache
	cfg         Config
	log         *logrus.Logger
}

// New wires the analytics core together.
func New(st store.Store, scores scorestore.Store, scorer *Scorer, bucketer *Bucketer, aggregator *Aggregator, interpreter *Interpreter, c *cache.Cache, cfg Config, logger *logrus.Logger) *Service {
	if cfg.AggregationDefault == "" {
		cfg.AggregationDefault = domain.AggMedianIQR
	}
	return &Service{
		store:       st,
		scores:      scores,
		scorer:      scorer,
		bucketer:    bucketer,
		aggregator:  aggregator,
		interpreter: interpreter,
		cache:       c,
		cfg:         cfg,
		log:         logger,
	}
}

// OnSubmissionWritten is the invalidation hook invoked by the write path
// after commit. It is idempotent.
func (s *Service) OnSubmissionWritten(ctx context.Context, submissionID uuid.UUID) error {
	return s.scorer.OnSubmissionWritten(ctx, submissionID)
}

// ValidateConstructScale surfaces definition-time expression errors.
func (s *Service) ValidateConstructScale(c domain.ConstructScale) error {
	return s.scorer.ValidateConstructScale(c)
}

// GetPatientReview assembles a patient's construct scores with change
// indicators, composite scores and per-item series under a filter context.
// requesterInstitution scopes access: a cross-institution request fails
// with domain.ErrUnauthorized.
func (s *Service) GetPatientReview(ctx context.Context, requesterInstitution, patientID uuid.UUID, fc domain.FilterContext) (*domain.PatientReview, error) {
	patient, err := s.store.GetPatient(ctx, patientID)
	if err != nil {
		return nil, domain.AsUnavailable(err)
	}
	if patient.InstitutionID != requesterInstitution {
		return nil, fmt.Errorf("patient %s: %w", patientID, domain.ErrUnauthorized)
	}

	anchor, anchorErr := s.bucketer.ResolveAnchor(ctx, patientID, fc.Anchor)
	noAnchor := false
	if anchorErr != nil {
		if !errors.Is(anchorErr, domain.ErrNoAnchor) {
			return nil, anchorErr
		}
		noAnchor = true
	}

	submissions, err := s.store.ListSubmissions(ctx, patientID, &fc.Window)
	if err != nil {
		return nil, domain.AsUnavailable(err)
	}

	questionnaires, overview, err := s.questionnairesOf(ctx, submissions, fc)
	if err != nil {
		return nil, err
	}

	filterHash := cache.Hash(fc.CanonicalString())

	review := &domain.PatientReview{
		Patient: domain.PatientSummaryView{
			PatientID:     patient.ID,
			InstitutionID: patient.InstitutionID,
			Gender:        patient.Gender,
			Age:           patient.Age(time.Now().UTC()),
		},
		Questionnaires: overview,
	}

	seenConstructs := map[uuid.UUID]bool{}
	var constructIDs []uuid.UUID
	for _, q := range questionnaires {
		scales, err := s.store.ListScalesForQuestionnaire(ctx, q.ID)
		if err != nil {
			return nil, domain.AsUnavailable(err)
		}
		for _, scale := range scales {
			if seenConstructs[scale.ID] {
				continue
			}
			seenConstructs[scale.ID] = true
			constructIDs = append(constructIDs, scale.ID)

			result, err := s.constructResult(ctx, patientID, scale, fc, filterHash, anchor, noAnchor)
			if err != nil {
				return nil, err
			}
			review.ConstructScores = append(review.ConstructScores, *result)
		}
	}
	domain.SortConstructResults(review.ConstructScores)

	composites, err := s.store.ListCompositesForConstructs(ctx, constructIDs)
	if err != nil {
		return nil, domain.AsUnavailable(err)
	}
	for _, comp := range composites {
		result, err := s.compositeResult(ctx, patientID, comp, fc, filterHash, anchor, noAnchor)
		if err != nil {
			return nil, err
		}
		review.CompositeScores = append(review.CompositeScores, *result)
	}

	items, err := s.itemResults(ctx, patientID, questionnaires, submissions, fc, filterHash, anchor, noAnchor)
	if err != nil {
		return nil, err
	}
	review.Items = items

	return review, nil
}

// GetCohortAggregate computes (or returns the cached) per-bucket cohort
// statistic for a construct or item, always excluding the index patient.
func (s *Service) GetCohortAggregate(ctx context.Context, target domain.AggregateTarget, fc domain.FilterContext, preds domain.CohortPredicates, kind domain.AggregationKind, indexPatient uuid.UUID) (map[int]domain.BucketStat, error) {
	if kind == "" {
		kind = s.cfg.AggregationDefault
	}

	aggHash := cache.Hash(
		target.CanonicalString(),
		fc.CanonicalString(),
		preds.CanonicalString(),
		string(kind),
		indexPatient.String(),
	)

	data, fromCache, err := s.cache.GetOrComputeAggregate(ctx, aggHash, func(ctx context.Context) ([]byte, error) {
		stats, err := s.aggregator.Aggregate(ctx, target, fc, preds, kind, indexPatient)
		if err != nil {
			return nil, err
		}
		return json.Marshal(stats)
	})
	if err != nil {
		return nil, err
	}
	if fromCache {
		s.log.WithField("agg_hash", aggHash).Debug("Cohort aggregate served from cache")
	}

	var out map[int]domain.BucketStat
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding cached aggregate: %w", err)
	}
	return out, nil
}

// questionnairesOf resolves the distinct questionnaires behind the
// patient's submissions, honoring the questionnaire filter.
func (s *Service) questionnairesOf(ctx context.Context, submissions []domain.Submission, fc domain.FilterContext) ([]domain.Questionnaire, []domain.QuestionnaireOverview, error) {
	allowed := map[uuid.UUID]bool{}
	for _, id := range fc.QuestionnaireFilter {
		allowed[id] = true
	}

	counts := map[uuid.UUID]int{}
	var order []uuid.UUID
	for _, sub := range submissions {
		if len(allowed) > 0 && !allowed[sub.QuestionnaireID] {
			continue
		}
		if _, seen := counts[sub.QuestionnaireID]; !seen {
			order = append(order, sub.QuestionnaireID)
		}
		counts[sub.QuestionnaireID]++
	}

	var questionnaires []domain.Questionnaire
	var overview []domain.QuestionnaireOverview
	for _, qid := range order {
		q, err := s.store.GetQuestionnaire(ctx, qid)
		if err != nil {
			return nil, nil, domain.AsUnavailable(err)
		}
		questionnaires = append(questionnaires, *q)
		overview = append(overview, domain.QuestionnaireOverview{
			QuestionnaireID: q.ID,
			Name:            q.Name,
			Submissions:     counts[qid],
		})
	}
	return questionnaires, overview, nil
}

// constructResult builds one construct's cached review entry.
func (s *Service) constructResult(ctx context.Context, patientID uuid.UUID, scale domain.ConstructScale, fc domain.FilterContext, filterHash string, anchor time.Time, noAnchor bool) (*domain.ConstructResult, error) {
	data, _, err := s.cache.GetOrComputePatient(ctx, cache.FamilyPatientScores, patientID, scale.ID, filterHash, func(ctx context.Context) ([]byte, error) {
		points, err := s.scores.ListConstructScores(ctx, patientID, scale.ID, &fc.Window)
		if err != nil {
			return nil, fmt.Errorf("listing construct scores: %w", err)
		}

		current, previous := lastTwo(points)
		result := domain.ConstructResult{
			ConstructID:    scale.ID,
			Name:           scale.Name,
			Current:        current,
			Previous:       previous,
			Series:         clipSeries(points, anchor, noAnchor, fc),
			Interpretation: s.interpreter.Classify(scale, current, previous),
			NoAnchor:       noAnchor,
		}
		return json.Marshal(result)
	})
	if err != nil {
		return nil, err
	}

	var out domain.ConstructResult
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding construct result: %w", err)
	}
	return &out, nil
}

func (s *Service) compositeResult(ctx context.Context, patientID uuid.UUID, comp domain.CompositeScale, fc domain.FilterContext, filterHash string, anchor time.Time, noAnchor bool) (*domain.CompositeResult, error) {
	data, _, err := s.cache.GetOrComputePatient(ctx, cache.FamilyPatientComposite, patientID, comp.ID, filterHash, func(ctx context.Context) ([]byte, error) {
		points, err := s.scores.ListCompositeScores(ctx, patientID, comp.ID, &fc.Window)
		if err != nil {
			return nil, fmt.Errorf("listing composite scores: %w", err)
		}

		current, previous := lastTwo(points)
		result := domain.CompositeResult{
			CompositeID: comp.ID,
			Name:        comp.Name,
			Current:     current,
			Previous:    previous,
			Series:      clipSeries(points, anchor, noAnchor, fc),
			NoAnchor:    noAnchor,
		}
		return json.Marshal(result)
	})
	if err != nil {
		return nil, err
	}

	var out domain.CompositeResult
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding composite result: %w", err)
	}
	return &out, nil
}

// itemResults builds the cached per-item historical series.
func (s *Service) itemResults(ctx context.Context, patientID uuid.UUID, questionnaires []domain.Questionnaire, submissions []domain.Submission, fc domain.FilterContext, filterHash string, anchor time.Time, noAnchor bool) ([]domain.ItemResult, error) {
	allowed := map[uuid.UUID]bool{}
	for _, id := range fc.ItemFilter {
		allowed[id] = true
	}

	var out []domain.ItemResult
	seen := map[uuid.UUID]bool{}
	for _, q := range questionnaires {
		for _, item := range q.Items {
			if seen[item.ID] {
				continue
			}
			if len(allowed) > 0 && !allowed[item.ID] {
				continue
			}
			seen[item.ID] = true

			item := item
			data, _, err := s.cache.GetOrComputePatient(ctx, cache.FamilyPatientItem, patientID, item.ID, filterHash, func(ctx context.Context) ([]byte, error) {
				result, err := s.itemSeries(ctx, patientID, item, submissions, fc, anchor, noAnchor)
				if err != nil {
					return nil, err
				}
				return json.Marshal(result)
			})
			if err != nil {
				return nil, err
			}

			var result domain.ItemResult
			if err := json.Unmarshal(data, &result); err != nil {
				return nil, fmt.Errorf("decoding item result: %w", err)
			}
			out = append(out, result)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Service) itemSeries(ctx context.Context, patientID uuid.UUID, item domain.Item, submissions []domain.Submission, fc domain.FilterContext, anchor time.Time, noAnchor bool) (*domain.ItemResult, error) {
	result := &domain.ItemResult{
		ItemID:       item.ID,
		Name:         item.Name,
		ResponseType: item.ResponseType,
		NoAnchor:     noAnchor,
	}
	if noAnchor {
		return result, nil
	}
	windowEnd := windowEndFor(anchor, fc)

	scaleMax, hasMax := item.ScaleMax()

	// submissions arrive newest first; the series reads oldest first.
	for i := len(submissions) - 1; i >= 0; i-- {
		sub := submissions[i]
		if !InWindow(anchor, windowEnd, sub.SubmittedAt) {
			continue
		}
		responses, err := s.store.ListResponses(ctx, sub.ID)
		if err != nil {
			return nil, domain.AsUnavailable(err)
		}
		for _, r := range responses {
			if r.Item.ID != item.ID {
				continue
			}
			point := domain.ItemPoint{SubmissionID: sub.ID, At: sub.SubmittedAt.Unix()}
			if item.ResponseType == domain.ResponseText {
				point.Text = r.Value
			} else if v, answered := typedValue(r.Item, r.Value); answered || !v.IsNull() {
				num := v.Num
				point.Value = &num
				if hasMax && scaleMax != 0 {
					pct := num / scaleMax * 100
					point.Percent = &pct
				}
			}
			result.Series = append(result.Series, point)
		}
	}
	return result, nil
}

// lastTwo returns the newest and second-newest values of an
// oldest-first series.
func lastTwo(points []domain.ScorePoint) (current, previous *float64) {
	if len(points) == 0 {
		return nil, nil
	}
	current = points[len(points)-1].Value
	if len(points) > 1 {
		previous = points[len(points)-2].Value
	}
	return current, previous
}

// clipSeries drops pre-anchor and post-window points. With no anchor the
// bucket-dependent series is empty.
func clipSeries(points []domain.ScorePoint, anchor time.Time, noAnchor bool, fc domain.FilterContext) []domain.ScorePoint {
	if noAnchor {
		return nil
	}
	windowEnd := windowEndFor(anchor, fc)
	out := make([]domain.ScorePoint, 0, len(points))
	for _, p := range points {
		if InWindow(anchor, windowEnd, p.At) {
			out = append(out, p)
		}
	}
	return out
}

func windowEndFor(anchor time.Time, fc domain.FilterContext) *time.Time {
	if fc.Window.MaxIntervals == nil {
		if fc.Window.UpperBound != nil {
			end := fc.Window.UpperBound.Add(24 * time.Hour)
			return &end
		}
		return nil
	}
	end := WindowEnd(anchor, fc.Granularity, *fc.Window.MaxIntervals)
	if fc.Window.UpperBound != nil && fc.Window.UpperBound.Before(end) {
		end = fc.Window.UpperBound.Add(24 * time.Hour)
	}
	return &end
}
