package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/proms-analytics-server/internal/domain"
	"github.com/proms-analytics-server/internal/scorestore"
	"github.com/proms-analytics-server/internal/store"
)

// Aggregator computes per-bucket cohort statistics for a construct or item,
// always excluding the index patient. Fan-out across cohort patients runs
// under a bounded worker pool.
type Aggregator struct {
	store          store.Store
	scores         scorestore.Store
	bucketer       *Bucketer
	maxConcurrency int
	minSamples     int
	log            *logrus.Logger
}

// NewAggregator creates a cohort aggregator. minSamples is the number of
// values in a bucket below which that bucket's confidence interval is not
// computed.
func NewAggregator(st store.Store, scores scorestore.Store, bucketer *Bucketer, maxConcurrency, minSamples int, logger *logrus.Logger) *Aggregator {
	if maxConcurrency <= 0 {
		maxConcurrency = 8
	}
	if minSamples <= 0 {
		minSamples = 8
	}
	return &Aggregator{
		store:          st,
		scores:         scores,
		bucketer:       bucketer,
		maxConcurrency: maxConcurrency,
		minSamples:     minSamples,
		log:            logger,
	}
}

// Aggregate computes the requested statistic per bucket index of the index
// patient's series. A patient without the requested anchor yields an empty
// result; an empty cohort yields domain.ErrInsufficientCohort alongside an
// empty result.
func (a *Aggregator) Aggregate(ctx context.Context, target domain.AggregateTarget, fc domain.FilterContext, preds domain.CohortPredicates, kind domain.AggregationKind, indexPatient uuid.UUID) (map[int]domain.BucketStat, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unsupported aggregation kind %q", kind)
	}

	patient, err := a.store.GetPatient(ctx, indexPatient)
	if err != nil {
		return nil, domain.AsUnavailable(err)
	}

	indexAnchor, err := a.bucketer.ResolveAnchor(ctx, indexPatient, fc.Anchor)
	if err != nil {
		if errors.Is(err, domain.ErrNoAnchor) {
			return map[int]domain.BucketStat{}, nil
		}
		return nil, err
	}

	indexBuckets, err := a.indexBuckets(ctx, target, fc, indexPatient, indexAnchor)
	if err != nil {
		return nil, err
	}
	if len(indexBuckets) == 0 {
		return map[int]domain.BucketStat{}, nil
	}

	cohort, err := a.store.ListCohortPatients(ctx, patient.InstitutionID, preds)
	if err != nil {
		return nil, domain.AsUnavailable(err)
	}
	cohort = excludePatient(cohort, indexPatient)
	if len(cohort) == 0 {
		return map[int]domain.BucketStat{}, domain.ErrInsufficientCohort
	}

	// Per-bucket cohort values, collected only for index bucket indices.
	values := make(map[int][]float64, len(indexBuckets))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.maxConcurrency)
	for _, member := range cohort {
		member := member
		g.Go(func() error {
			buckets, err := a.memberBuckets(gctx, target, fc, preds, member)
			if err != nil {
				if errors.Is(err, domain.ErrNoAnchor) {
					return nil
				}
				return err
			}
			mu.Lock()
			for idx, vals := range buckets {
				if _, wanted := indexBuckets[idx]; wanted {
					values[idx] = append(values[idx], vals...)
				}
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[int]domain.BucketStat, len(indexBuckets))
	for idx := range indexBuckets {
		out[idx] = computeBucketStat(idx, values[idx], kind, a.minSamples)
	}

	a.log.WithFields(logrus.Fields{
		"target":      target.CanonicalString(),
		"cohort_size": len(cohort),
		"buckets":     len(out),
	}).Debug("Computed cohort aggregate")

	return out, nil
}

func excludePatient(cohort []domain.PatientSummary, exclude uuid.UUID) []domain.PatientSummary {
	out := cohort[:0]
	for _, p := range cohort {
		if p.ID != exclude {
			out = append(out, p)
		}
	}
	return out
}

// indexBuckets resolves the set of bucket indices at which the cohort
// curve is computed: the buckets of the index patient's own series.
// Submissions before the anchor are excluded.
func (a *Aggregator) indexBuckets(ctx context.Context, target domain.AggregateTarget, fc domain.FilterContext, patientID uuid.UUID, anchor time.Time) (map[int]struct{}, error) {
	windowEnd := windowEndFor(anchor, fc)
	out := map[int]struct{}{}

	points, err := a.seriesFor(ctx, target, fc, patientID)
	if err != nil {
		return nil, err
	}
	for _, p := range points {
		if p.Value == nil || !InWindow(anchor, windowEnd, p.At) {
			continue
		}
		idx := BucketIndex(anchor, p.At, fc.Granularity)
		if idx >= 0 {
			out[idx] = struct{}{}
		}
	}
	return out, nil
}

// memberBuckets collects one cohort patient's values per bucket index
// under their own anchor date.
func (a *Aggregator) memberBuckets(ctx context.Context, target domain.AggregateTarget, fc domain.FilterContext, preds domain.CohortPredicates, member domain.PatientSummary) (map[int][]float64, error) {
	anchor, err := a.bucketer.ResolveAnchorSummary(ctx, member, fc.Anchor, preds)
	if err != nil {
		return nil, err
	}
	windowEnd := windowEndFor(anchor, fc)

	points, err := a.seriesFor(ctx, target, fc, member.ID)
	if err != nil {
		return nil, err
	}

	out := map[int][]float64{}
	for _, p := range points {
		if p.Value == nil || !InWindow(anchor, windowEnd, p.At) {
			continue
		}
		idx := BucketIndex(anchor, p.At, fc.Granularity)
		if idx < 0 {
			continue
		}
		out[idx] = append(out[idx], *p.Value)
	}
	return out, nil
}

// seriesFor fetches a patient's observation series for the target: the
// derived construct scores, or the typed responses of one item.
func (a *Aggregator) seriesFor(ctx context.Context, target domain.AggregateTarget, fc domain.FilterContext, patientID uuid.UUID) ([]domain.ScorePoint, error) {
	if target.ConstructID != nil {
		points, err := a.scores.ListConstructScores(ctx, patientID, *target.ConstructID, &fc.Window)
		if err != nil {
			return nil, fmt.Errorf("listing construct scores: %w", err)
		}
		return points, nil
	}
	if target.ItemID == nil {
		return nil, fmt.Errorf("aggregate target names neither construct nor item")
	}

	subs, err := a.store.ListSubmissions(ctx, patientID, &fc.Window)
	if err != nil {
		return nil, domain.AsUnavailable(err)
	}
	var out []domain.ScorePoint
	for _, sub := range subs {
		responses, err := a.store.ListResponses(ctx, sub.ID)
		if err != nil {
			return nil, domain.AsUnavailable(err)
		}
		for _, r := range responses {
			if r.Item.ID != *target.ItemID {
				continue
			}
			point := domain.ScorePoint{SubmissionID: sub.ID, At: sub.SubmittedAt}
			if v, answered := typedValue(r.Item, r.Value); answered || !v.IsNull() {
				num := v.Num
				point.Value = &num
			}
			out = append(out, point)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}
