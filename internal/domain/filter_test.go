package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestFilterContextCanonicalStringIsOrderInsensitive(t *testing.T) {
	a := uuid.New()
	b := uuid.New()
	upper := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	n := 12

	fc1 := FilterContext{
		Anchor:      Anchor{Kind: AnchorRegistration},
		Granularity: GranularityWeek,
		Window:      SubmissionWindow{UpperBound: &upper, MaxIntervals: &n},
		ItemFilter:  []uuid.UUID{a, b},
	}
	fc2 := fc1
	fc2.ItemFilter = []uuid.UUID{b, a}

	assert.Equal(t, fc1.CanonicalString(), fc2.CanonicalString(),
		"id list order must not change the canonical form")
}

func TestFilterContextCanonicalStringDistinguishesContexts(t *testing.T) {
	base := FilterContext{
		Anchor:      Anchor{Kind: AnchorRegistration},
		Granularity: GranularityWeek,
	}

	monthly := base
	monthly.Granularity = GranularityMonth
	assert.NotEqual(t, base.CanonicalString(), monthly.CanonicalString())

	ref := uuid.New()
	anchored := base
	anchored.Anchor = Anchor{Kind: AnchorDiagnosis, RefID: &ref}
	assert.NotEqual(t, base.CanonicalString(), anchored.CanonicalString())
}

func TestCohortPredicatesCanonicalString(t *testing.T) {
	g := "female"
	minAge := 18

	p1 := CohortPredicates{Gender: &g, MinAge: &minAge}
	p2 := CohortPredicates{Gender: &g, MinAge: &minAge}
	assert.Equal(t, p1.CanonicalString(), p2.CanonicalString())

	p3 := CohortPredicates{Gender: &g}
	assert.NotEqual(t, p1.CanonicalString(), p3.CanonicalString())
}

func TestAggregationKindValid(t *testing.T) {
	for _, kind := range []AggregationKind{
		AggMedianIQR, AggMeanCI95, AggMeanSD05, AggMeanSD10, AggMeanSD15, AggMeanSD20, AggMeanSD25,
	} {
		assert.True(t, kind.Valid(), "%s", kind)
	}
	assert.False(t, AggregationKind("mean_sd_3_0").Valid())
}

func TestPatientAge(t *testing.T) {
	birth := time.Date(1990, 6, 15, 0, 0, 0, 0, time.UTC)
	p := Patient{BirthDate: &birth}

	assert.Equal(t, 34, p.Age(time.Date(2025, 6, 14, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 35, p.Age(time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)))

	unknown := Patient{}
	assert.Equal(t, -1, unknown.Age(time.Now()))
}

func TestItemScaleMax(t *testing.T) {
	likert := Item{
		ResponseType: ResponseLikert,
		LikertOptions: []LikertOption{
			{Value: 1}, {Value: 5}, {Value: 3},
		},
	}
	maxVal, ok := likert.ScaleMax()
	assert.True(t, ok)
	assert.Equal(t, 5.0, maxVal)

	rmax := 10.0
	rng := Item{ResponseType: ResponseRange, RangeMax: &rmax}
	maxVal, ok = rng.ScaleMax()
	assert.True(t, ok)
	assert.Equal(t, 10.0, maxVal)

	text := Item{ResponseType: ResponseText}
	_, ok = text.ScaleMax()
	assert.False(t, ok)
}
