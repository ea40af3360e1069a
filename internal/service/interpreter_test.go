package service

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/proms-analytics-server/internal/domain"
)

func classifier(t *testing.T) *Interpreter {
	t.Helper()
	return NewInterpreter(0.10, testLogger())
}

func scale(dir domain.Direction, threshold, mid, mean, sd *float64) domain.ConstructScale {
	return domain.ConstructScale{
		ID:            uuid.New(),
		Name:          "scale",
		Direction:     dir,
		Threshold:     threshold,
		MID:           mid,
		NormativeMean: mean,
		NormativeSD:   sd,
	}
}

func TestCurrentSignificanceTiers(t *testing.T) {
	in := classifier(t)

	tests := []struct {
		name       string
		scale      domain.ConstructScale
		score      float64
		wantSig    bool
		wantReason domain.SignificanceReason
	}{
		{
			// threshold 3.0, MID 0.5: significant iff score <= 2.5
			name:       "HB threshold+MID significant",
			scale:      scale(domain.HigherBetter, fp(3.0), fp(0.5), nil, nil),
			score:      2.5,
			wantSig:    true,
			wantReason: domain.ReasonThresholdMID,
		},
		{
			name:       "HB threshold+MID above cut",
			scale:      scale(domain.HigherBetter, fp(3.0), fp(0.5), nil, nil),
			score:      2.6,
			wantSig:    false,
			wantReason: domain.ReasonThresholdMID,
		},
		{
			// scenario: score 4.333 against threshold 3.0 + MID is not significant
			name:       "HB scenario score above threshold",
			scale:      scale(domain.HigherBetter, fp(3.0), fp(0.5), nil, nil),
			score:      13.0 / 3.0,
			wantSig:    false,
			wantReason: domain.ReasonThresholdMID,
		},
		{
			// threshold without MID, normative mean 50 sd 10: cut at 45
			name:       "HB normative half SD with threshold present",
			scale:      scale(domain.HigherBetter, fp(48), nil, fp(50), fp(10)),
			score:      44,
			wantSig:    true,
			wantReason: domain.ReasonNormativeHalfSD,
		},
		{
			name:       "HB normative half SD without threshold",
			scale:      scale(domain.HigherBetter, nil, nil, fp(50), fp(10)),
			score:      45,
			wantSig:    true,
			wantReason: domain.ReasonNormativeHalfSD,
		},
		{
			name:       "HB threshold only",
			scale:      scale(domain.HigherBetter, fp(3.0), nil, nil, nil),
			score:      2.9,
			wantSig:    true,
			wantReason: domain.ReasonThresholdOnly,
		},
		{
			name:       "HB threshold only at threshold is not significant",
			scale:      scale(domain.HigherBetter, fp(3.0), nil, nil, nil),
			score:      3.0,
			wantSig:    false,
			wantReason: domain.ReasonThresholdOnly,
		},
		{
			name:       "HB normative mean only",
			scale:      scale(domain.HigherBetter, nil, nil, fp(50), nil),
			score:      49,
			wantSig:    true,
			wantReason: domain.ReasonNormativeMean,
		},
		{
			// Lower-Better mirrors: threshold 3.0, MID 0.5 → significant iff >= 3.5
			name:       "LB threshold+MID significant",
			scale:      scale(domain.LowerBetter, fp(3.0), fp(0.5), nil, nil),
			score:      3.5,
			wantSig:    true,
			wantReason: domain.ReasonThresholdMID,
		},
		{
			name:       "LB threshold+MID below cut",
			scale:      scale(domain.LowerBetter, fp(3.0), fp(0.5), nil, nil),
			score:      3.4,
			wantSig:    false,
			wantReason: domain.ReasonThresholdMID,
		},
		{
			// Middle-Better: both tails; threshold 5, MID 1 → <=4 or >=6
			name:       "MB low tail",
			scale:      scale(domain.MiddleBetter, fp(5), fp(1), nil, nil),
			score:      4,
			wantSig:    true,
			wantReason: domain.ReasonThresholdMID,
		},
		{
			name:       "MB high tail",
			scale:      scale(domain.MiddleBetter, fp(5), fp(1), nil, nil),
			score:      6,
			wantSig:    true,
			wantReason: domain.ReasonThresholdMID,
		},
		{
			name:       "MB center",
			scale:      scale(domain.MiddleBetter, fp(5), fp(1), nil, nil),
			score:      5,
			wantSig:    false,
			wantReason: domain.ReasonThresholdMID,
		},
		{
			name:       "no direction is not classified",
			scale:      scale(domain.NoDirection, fp(3), fp(0.5), nil, nil),
			score:      1,
			wantSig:    false,
			wantReason: domain.ReasonNotClassified,
		},
		{
			name:       "no calibration is not classified",
			scale:      scale(domain.HigherBetter, nil, nil, nil, nil),
			score:      1,
			wantSig:    false,
			wantReason: domain.ReasonNotClassified,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := in.Classify(tt.scale, fp(tt.score), nil)
			assert.Equal(t, tt.wantSig, got.CurrentSignificant)
			assert.Equal(t, tt.wantReason, got.ReasonUsed)
		})
	}
}

// Flipping direction inverts the classification on the mirrored input:
// HB(score s, threshold th, MID m) == LB(2·th − s, th, m).
func TestCurrentSignificanceMirrorProperty(t *testing.T) {
	in := classifier(t)
	th, mid := 3.0, 0.5

	for _, s := range []float64{1.0, 2.4, 2.5, 2.6, 3.0, 3.5, 4.2} {
		hb := in.Classify(scale(domain.HigherBetter, fp(th), fp(mid), nil, nil), fp(s), nil)
		mirrored := 2*th - s
		lb := in.Classify(scale(domain.LowerBetter, fp(th), fp(mid), nil, nil), fp(mirrored), nil)
		assert.Equal(t, hb.CurrentSignificant, lb.CurrentSignificant, "score %v vs mirrored %v", s, mirrored)
	}
}

// Scenario: prior 4.0, new 3.4, MID 0.5, Higher-Better. Δ=−0.6 worsening.
func TestChangeClassificationMID(t *testing.T) {
	in := classifier(t)
	c := scale(domain.HigherBetter, fp(3.0), fp(0.5), nil, nil)

	got := in.Classify(c, fp(3.4), fp(4.0))
	assert.True(t, got.ChangeSignificant)
	assert.Equal(t, domain.ChangeWorsening, got.ChangeDirection)
	assert.NotNil(t, got.Change)
	assert.InDelta(t, -0.6, *got.Change, 1e-9)
}

func TestChangeClassificationTiers(t *testing.T) {
	in := classifier(t)

	tests := []struct {
		name     string
		scale    domain.ConstructScale
		current  float64
		previous float64
		wantSig  bool
		wantDir  domain.ChangeDirection
	}{
		{
			name:     "HB improvement is not MID-significant",
			scale:    scale(domain.HigherBetter, fp(3.0), fp(0.5), nil, nil),
			current:  4.6,
			previous: 4.0,
			wantSig:  false,
			wantDir:  domain.ChangeImproving,
		},
		{
			name:     "HB worsening below MID",
			scale:    scale(domain.HigherBetter, fp(3.0), fp(0.5), nil, nil),
			current:  3.6,
			previous: 4.0,
			wantSig:  false,
			wantDir:  domain.ChangeWorsening,
		},
		{
			name:     "LB worsening is upward",
			scale:    scale(domain.LowerBetter, fp(3.0), fp(0.5), nil, nil),
			current:  3.8,
			previous: 3.0,
			wantSig:  true,
			wantDir:  domain.ChangeWorsening,
		},
		{
			name:     "SD fallback when no MID",
			scale:    scale(domain.HigherBetter, nil, nil, fp(50), fp(5)),
			current:  44,
			previous: 50,
			wantSig:  true,
			wantDir:  domain.ChangeWorsening,
		},
		{
			name:     "relative fallback ten percent",
			scale:    scale(domain.HigherBetter, fp(3.0), nil, nil, nil),
			current:  2.7,
			previous: 3.0,
			wantSig:  true,
			wantDir:  domain.ChangeWorsening,
		},
		{
			name:     "relative fallback below ten percent",
			scale:    scale(domain.HigherBetter, fp(3.0), nil, nil, nil),
			current:  2.8,
			previous: 3.0,
			wantSig:  false,
			wantDir:  domain.ChangeWorsening,
		},
		{
			name:     "unchanged",
			scale:    scale(domain.HigherBetter, fp(3.0), fp(0.5), nil, nil),
			current:  4.0,
			previous: 4.0,
			wantSig:  false,
			wantDir:  domain.ChangeUnchanged,
		},
		{
			name:     "MB crossing a tail triggers in either direction",
			scale:    scale(domain.MiddleBetter, fp(5), fp(1), nil, nil),
			current:  6.0,
			previous: 5.0,
			wantSig:  true,
			wantDir:  domain.ChangeWorsening,
		},
		{
			name:     "MB moving toward center improves",
			scale:    scale(domain.MiddleBetter, fp(5), fp(1), nil, nil),
			current:  5.2,
			previous: 5.8,
			wantSig:  false,
			wantDir:  domain.ChangeImproving,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := in.Classify(tt.scale, fp(tt.current), fp(tt.previous))
			assert.Equal(t, tt.wantSig, got.ChangeSignificant)
			assert.Equal(t, tt.wantDir, got.ChangeDirection)
		})
	}
}

// Null scores do not participate in classification.
func TestNullScoresNotClassified(t *testing.T) {
	in := classifier(t)
	c := scale(domain.HigherBetter, fp(3.0), fp(0.5), nil, nil)

	got := in.Classify(c, nil, fp(4.0))
	assert.False(t, got.CurrentSignificant)
	assert.False(t, got.ChangeSignificant)
	assert.Equal(t, domain.ChangeUnknown, got.ChangeDirection)
	assert.Equal(t, domain.ReasonNotClassified, got.ReasonUsed)

	got = in.Classify(c, fp(2.0), nil)
	assert.True(t, got.CurrentSignificant)
	assert.False(t, got.ChangeSignificant, "no prior score, no change classification")
	assert.Equal(t, domain.ChangeUnknown, got.ChangeDirection)
}

func TestTopLineOrdering(t *testing.T) {
	both := domain.Interpretation{CurrentSignificant: true, ChangeSignificant: true}
	one := domain.Interpretation{CurrentSignificant: true}

	results := []domain.ConstructResult{
		{Name: "Zeta", Interpretation: one},
		{Name: "Beta", Interpretation: both},
		{Name: "Alpha", Interpretation: one},
		{Name: "Delta", Interpretation: both},
	}
	domain.SortConstructResults(results)

	names := []string{results[0].Name, results[1].Name, results[2].Name, results[3].Name}
	assert.Equal(t, []string{"Beta", "Delta", "Alpha", "Zeta"}, names)
}
