package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proms-analytics-server/internal/domain"
)

func TestBucketIndex(t *testing.T) {
	anchor := date(2025, 1, 15)

	tests := []struct {
		name string
		t    time.Time
		g    domain.Granularity
		want int
	}{
		{"same day", date(2025, 1, 15), domain.GranularityDay, 0},
		{"next day", date(2025, 1, 16), domain.GranularityDay, 1},
		{"day before anchor", date(2025, 1, 14), domain.GranularityDay, -1},
		{"six days is week zero", date(2025, 1, 21), domain.GranularityWeek, 0},
		{"seventh day is week one", date(2025, 1, 22), domain.GranularityWeek, 1},
		{"four weeks", date(2025, 2, 12), domain.GranularityWeek, 4},
		{"day before anchor is week minus one", date(2025, 1, 14), domain.GranularityWeek, -1},
		{"eight days before anchor is week minus two", date(2025, 1, 7), domain.GranularityWeek, -2},
		{"same month", date(2025, 2, 14), domain.GranularityMonth, 0},
		{"one month", date(2025, 2, 15), domain.GranularityMonth, 1},
		{"year boundary", date(2026, 1, 15), domain.GranularityMonth, 12},
		{"time of day is ignored", time.Date(2025, 1, 16, 23, 59, 0, 0, time.UTC), domain.GranularityDay, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BucketIndex(anchor, tt.t, tt.g))
		})
	}
}

func TestWindowEnd(t *testing.T) {
	anchor := date(2025, 1, 15)

	assert.Equal(t, date(2025, 1, 25), WindowEnd(anchor, domain.GranularityDay, 10))
	assert.Equal(t, date(2025, 2, 12), WindowEnd(anchor, domain.GranularityWeek, 4))
	assert.Equal(t, date(2025, 4, 15), WindowEnd(anchor, domain.GranularityMonth, 3))
}

func TestInWindow(t *testing.T) {
	anchor := date(2025, 1, 15)
	end := date(2025, 2, 15)

	assert.True(t, InWindow(anchor, &end, date(2025, 1, 15)))
	assert.True(t, InWindow(anchor, &end, date(2025, 2, 14)))
	assert.False(t, InWindow(anchor, &end, date(2025, 2, 15)), "end is exclusive")
	assert.False(t, InWindow(anchor, &end, date(2025, 1, 14)), "pre-anchor excluded")
	assert.True(t, InWindow(anchor, nil, date(2030, 1, 1)), "nil end is unbounded")
}

func TestResolveAnchorRegistration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := addPatient(f, uuid.New(), time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC))
	b := NewBucketer(f.store)

	anchor, err := b.ResolveAnchor(ctx, p.ID, domain.Anchor{Kind: domain.AnchorRegistration})
	require.NoError(t, err)
	assert.Equal(t, date(2025, 3, 10), anchor, "anchor is the calendar date")
}

func TestResolveAnchorDiagnosis(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := addPatient(f, uuid.New(), date(2025, 1, 1))
	diag := domain.Diagnosis{ID: uuid.New(), PatientID: p.ID, Category: "oncology", Date: date(2025, 2, 20)}
	f.store.AddDiagnosis(diag)
	b := NewBucketer(f.store)

	anchor, err := b.ResolveAnchor(ctx, p.ID, domain.Anchor{Kind: domain.AnchorDiagnosis, RefID: &diag.ID})
	require.NoError(t, err)
	assert.Equal(t, date(2025, 2, 20), anchor)

	missing := uuid.New()
	_, err = b.ResolveAnchor(ctx, p.ID, domain.Anchor{Kind: domain.AnchorDiagnosis, RefID: &missing})
	require.ErrorIs(t, err, domain.ErrNoAnchor)
}

func TestResolveAnchorTreatmentWithoutStartDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := addPatient(f, uuid.New(), date(2025, 1, 1))
	diag := domain.Diagnosis{ID: uuid.New(), PatientID: p.ID, Category: "oncology", Date: date(2025, 2, 1)}
	f.store.AddDiagnosis(diag)
	tx := domain.Treatment{ID: uuid.New(), DiagnosisID: diag.ID, PatientID: p.ID, Types: []string{"chemo"}}
	f.store.AddTreatment(tx)
	b := NewBucketer(f.store)

	_, err := b.ResolveAnchor(ctx, p.ID, domain.Anchor{Kind: domain.AnchorTreatmentStart, RefID: &tx.ID})
	require.ErrorIs(t, err, domain.ErrNoAnchor, "a treatment without a start date has no anchor")
}
