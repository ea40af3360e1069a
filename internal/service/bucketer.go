package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/proms-analytics-server/internal/domain"
	"github.com/proms-analytics-server/internal/store"
)

// Bucketer maps absolute submission timestamps to integer bucket indices
// relative to a patient's anchor date. All arithmetic is calendar-aware in
// UTC dates; month spans are counted by AddDate stepping with Go's
// end-of-month normalization.
type Bucketer struct {
	store store.Store
}

// NewBucketer creates a bucketer over the given store.
func NewBucketer(st store.Store) *Bucketer {
	return &Bucketer{store: st}
}

// ResolveAnchor returns the anchor date for a patient under the filter
// context. A missing entity or missing date yields domain.ErrNoAnchor.
func (b *Bucketer) ResolveAnchor(ctx context.Context, patientID uuid.UUID, anchor domain.Anchor) (time.Time, error) {
	switch anchor.Kind {
	case domain.AnchorRegistration:
		p, err := b.store.GetPatient(ctx, patientID)
		if err != nil {
			return time.Time{}, domain.AsUnavailable(err)
		}
		return dateOf(p.RegisteredAt), nil

	case domain.AnchorDiagnosis:
		if anchor.RefID == nil {
			return time.Time{}, fmt.Errorf("diagnosis anchor without reference: %w", domain.ErrNoAnchor)
		}
		diagnoses, err := b.store.ListDiagnoses(ctx, patientID)
		if err != nil {
			return time.Time{}, domain.AsUnavailable(err)
		}
		for _, d := range diagnoses {
			if d.ID == *anchor.RefID {
				return dateOf(d.Date), nil
			}
		}
		return time.Time{}, fmt.Errorf("diagnosis %s: %w", *anchor.RefID, domain.ErrNoAnchor)

	case domain.AnchorTreatmentStart:
		if anchor.RefID == nil {
			return time.Time{}, fmt.Errorf("treatment anchor without reference: %w", domain.ErrNoAnchor)
		}
		treatments, err := b.store.ListTreatments(ctx, patientID)
		if err != nil {
			return time.Time{}, domain.AsUnavailable(err)
		}
		for _, t := range treatments {
			if t.ID == *anchor.RefID {
				if t.StartDate == nil {
					return time.Time{}, fmt.Errorf("treatment %s has no start date: %w", t.ID, domain.ErrNoAnchor)
				}
				return dateOf(*t.StartDate), nil
			}
		}
		return time.Time{}, fmt.Errorf("treatment %s: %w", *anchor.RefID, domain.ErrNoAnchor)
	}
	return time.Time{}, fmt.Errorf("unknown anchor kind %q: %w", anchor.Kind, domain.ErrNoAnchor)
}

// ResolveAnchorSummary resolves the anchor for a cohort patient summary
// without an extra patient lookup for the registration kind. For the
// diagnosis and treatment kinds the anchor is matched by category/type
// rather than id, since cohort patients have their own entities: the
// earliest matching date is used.
func (b *Bucketer) ResolveAnchorSummary(ctx context.Context, p domain.PatientSummary, anchor domain.Anchor, preds domain.CohortPredicates) (time.Time, error) {
	switch anchor.Kind {
	case domain.AnchorRegistration:
		return dateOf(p.RegisteredAt), nil

	case domain.AnchorDiagnosis:
		diagnoses, err := b.store.ListDiagnoses(ctx, p.ID)
		if err != nil {
			return time.Time{}, domain.AsUnavailable(err)
		}
		var best *time.Time
		for i := range diagnoses {
			d := diagnoses[i]
			if preds.DiagnosisCategory != nil && d.Category != *preds.DiagnosisCategory {
				continue
			}
			if best == nil || d.Date.Before(*best) {
				best = &diagnoses[i].Date
			}
		}
		if best == nil {
			return time.Time{}, domain.ErrNoAnchor
		}
		return dateOf(*best), nil

	case domain.AnchorTreatmentStart:
		treatments, err := b.store.ListTreatments(ctx, p.ID)
		if err != nil {
			return time.Time{}, domain.AsUnavailable(err)
		}
		var best *time.Time
		for i := range treatments {
			t := treatments[i]
			if t.StartDate == nil {
				continue
			}
			if preds.TreatmentType != nil && !hasType(t.Types, *preds.TreatmentType) {
				continue
			}
			if best == nil || t.StartDate.Before(*best) {
				best = treatments[i].StartDate
			}
		}
		if best == nil {
			return time.Time{}, domain.ErrNoAnchor
		}
		return dateOf(*best), nil
	}
	return time.Time{}, domain.ErrNoAnchor
}

func hasType(types []string, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}

// dateOf truncates a timestamp to its UTC calendar date.
func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// BucketIndex computes floor((date(t) − anchor) / granularity). Negative
// indices mean the submission predates the anchor; callers exclude them.
func BucketIndex(anchor time.Time, t time.Time, g domain.Granularity) int {
	d := dateOf(t)
	a := dateOf(anchor)
	switch g {
	case domain.GranularityDay:
		return int(d.Sub(a).Hours() / 24)
	case domain.GranularityWeek:
		days := int(d.Sub(a).Hours() / 24)
		if days < 0 {
			// floor division for negative spans
			return -((-days + 6) / 7)
		}
		return days / 7
	case domain.GranularityMonth:
		return monthsBetween(a, d)
	}
	return 0
}

// monthsBetween counts whole calendar months from a to d (negative when d
// precedes a).
func monthsBetween(a, d time.Time) int {
	months := (d.Year()-a.Year())*12 + int(d.Month()) - int(a.Month())
	if months >= 0 {
		if a.AddDate(0, months, 0).After(d) {
			months--
		}
		return months
	}
	if a.AddDate(0, months, 0).After(d) {
		months--
	}
	return months
}

// WindowEnd returns the exclusive upper edge of the bucketed window,
// anchor + maxIntervals·granularity.
func WindowEnd(anchor time.Time, g domain.Granularity, maxIntervals int) time.Time {
	a := dateOf(anchor)
	switch g {
	case domain.GranularityDay:
		return a.AddDate(0, 0, maxIntervals)
	case domain.GranularityWeek:
		return a.AddDate(0, 0, 7*maxIntervals)
	case domain.GranularityMonth:
		return a.AddDate(0, maxIntervals, 0)
	}
	return a
}

// InWindow reports whether a timestamp falls inside [anchor, end), where
// end is nil for an unbounded window.
func InWindow(anchor time.Time, end *time.Time, t time.Time) bool {
	d := dateOf(t)
	if d.Before(dateOf(anchor)) {
		return false
	}
	if end != nil && !d.Before(*end) {
		return false
	}
	return true
}
