package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Anchor selects the date that bucket indices are computed against.
// RefID identifies the diagnosis or treatment for the non-registration kinds.
type Anchor struct {
	Kind  AnchorKind `json:"kind"`
	RefID *uuid.UUID `json:"ref_id,omitempty"`
}

// SubmissionWindow clips the submission universe for a review or aggregate.
type SubmissionWindow struct {
	UpperBound   *time.Time `json:"upper_bound_date,omitempty"`
	MaxIntervals *int       `json:"max_intervals,omitempty"`
}

// FilterContext carries everything a review or aggregation is parameterized
// by. Two contexts with equal canonical strings produce identical results
// for the same data snapshot, which is what makes them cache keys.
type FilterContext struct {
	Anchor              Anchor           `json:"anchor"`
	Granularity         Granularity      `json:"granularity"`
	Window              SubmissionWindow `json:"submission_window"`
	ItemFilter          []uuid.UUID      `json:"item_filter,omitempty"`
	QuestionnaireFilter []uuid.UUID      `json:"questionnaire_filter,omitempty"`
}

// CanonicalString renders the context with sorted id lists and fixed
// formatting so that equal contexts hash identically.
func (f FilterContext) CanonicalString() string {
	var b strings.Builder
	b.WriteString("anchor=")
	b.WriteString(string(f.Anchor.Kind))
	if f.Anchor.RefID != nil {
		b.WriteString(":")
		b.WriteString(f.Anchor.RefID.String())
	}
	b.WriteString(";gran=")
	b.WriteString(string(f.Granularity))
	b.WriteString(";upper=")
	if f.Window.UpperBound != nil {
		b.WriteString(f.Window.UpperBound.UTC().Format(time.RFC3339))
	}
	b.WriteString(";maxiv=")
	if f.Window.MaxIntervals != nil {
		fmt.Fprintf(&b, "%d", *f.Window.MaxIntervals)
	}
	b.WriteString(";items=")
	b.WriteString(canonicalIDs(f.ItemFilter))
	b.WriteString(";questionnaires=")
	b.WriteString(canonicalIDs(f.QuestionnaireFilter))
	return b.String()
}

func canonicalIDs(ids []uuid.UUID) string {
	if len(ids) == 0 {
		return ""
	}
	ss := make([]string, len(ids))
	for i, id := range ids {
		ss[i] = id.String()
	}
	sort.Strings(ss)
	return strings.Join(ss, ",")
}

// CohortPredicates narrow the aggregation cohort. All fields are optional
// and conjunctive. Institution scoping is not a predicate: it is always
// enforced from the index patient.
type CohortPredicates struct {
	Gender            *string `json:"gender,omitempty"`
	DiagnosisCategory *string `json:"diagnosis_category,omitempty"`
	TreatmentType     *string `json:"treatment_type,omitempty"`
	MinAge            *int    `json:"min_age,omitempty"`
	MaxAge            *int    `json:"max_age,omitempty"`
}

// CanonicalString renders predicates for cache hashing.
func (p CohortPredicates) CanonicalString() string {
	var b strings.Builder
	b.WriteString("gender=")
	if p.Gender != nil {
		b.WriteString(*p.Gender)
	}
	b.WriteString(";diagcat=")
	if p.DiagnosisCategory != nil {
		b.WriteString(*p.DiagnosisCategory)
	}
	b.WriteString(";tx=")
	if p.TreatmentType != nil {
		b.WriteString(*p.TreatmentType)
	}
	b.WriteString(";minage=")
	if p.MinAge != nil {
		fmt.Fprintf(&b, "%d", *p.MinAge)
	}
	b.WriteString(";maxage=")
	if p.MaxAge != nil {
		fmt.Fprintf(&b, "%d", *p.MaxAge)
	}
	return b.String()
}

// AggregateTarget names the scale or item a cohort aggregate is computed
// over. Exactly one of ConstructID and ItemID is set.
type AggregateTarget struct {
	ConstructID *uuid.UUID `json:"construct_id,omitempty"`
	ItemID      *uuid.UUID `json:"item_id,omitempty"`
}

// CanonicalString renders the target for cache hashing.
func (t AggregateTarget) CanonicalString() string {
	if t.ConstructID != nil {
		return "construct:" + t.ConstructID.String()
	}
	if t.ItemID != nil {
		return "item:" + t.ItemID.String()
	}
	return "none"
}
