package service

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/proms-analytics-server/internal/domain"
)

// Interpreter classifies current scores and score changes as clinically
// significant under tiered calibration rules: threshold and MID when
// present, normative statistics as fallback, a relative-change ratio last.
type Interpreter struct {
	fallbackRatio float64
	log           *logrus.Logger
}

// NewInterpreter creates an interpreter. fallbackRatio is the relative
// change that counts as significant when neither MID nor normative SD is
// known (0.10 by default).
func NewInterpreter(fallbackRatio float64, logger *logrus.Logger) *Interpreter {
	if fallbackRatio <= 0 {
		fallbackRatio = 0.10
	}
	return &Interpreter{fallbackRatio: fallbackRatio, log: logger}
}

// Classify produces the construct's interpretation from its current and
// immediately prior scores. Null scores are never classified.
func (in *Interpreter) Classify(c domain.ConstructScale, current, previous *float64) domain.Interpretation {
	out := domain.Interpretation{
		ChangeDirection: domain.ChangeUnknown,
		ReasonUsed:      domain.ReasonNotClassified,
	}

	if current == nil || c.Direction == domain.NoDirection {
		return out
	}

	significant, reason := in.classifyCurrent(c, *current)
	out.CurrentSignificant = significant
	out.ReasonUsed = reason

	if previous == nil {
		return out
	}
	change := *current - *previous
	out.Change = &change
	out.ChangeDirection = in.changeDirection(c, *current, *previous)
	out.ChangeSignificant = in.classifyChange(c, *current, *previous)

	in.log.WithFields(logrus.Fields{
		"construct_id":        c.ID,
		"current_significant": out.CurrentSignificant,
		"change_significant":  out.ChangeSignificant,
		"change_direction":    out.ChangeDirection,
		"reason":              out.ReasonUsed,
	}).Debug("Classified construct")

	return out
}

// classifyCurrent applies the tier table. Threshold rules take precedence
// over normative rules at the same tier; within the threshold-without-MID
// tier, normative mean and SD refine the cut when both are present.
func (in *Interpreter) classifyCurrent(c domain.ConstructScale, score float64) (bool, domain.SignificanceReason) {
	lowTail := func() (bool, domain.SignificanceReason, bool) {
		switch {
		case c.Threshold != nil && c.MID != nil:
			return score <= *c.Threshold-*c.MID, domain.ReasonThresholdMID, true
		case c.NormativeMean != nil && c.NormativeSD != nil:
			return score <= *c.NormativeMean-0.5**c.NormativeSD, domain.ReasonNormativeHalfSD, true
		case c.Threshold != nil:
			return score < *c.Threshold, domain.ReasonThresholdOnly, true
		case c.NormativeMean != nil:
			return score < *c.NormativeMean, domain.ReasonNormativeMean, true
		}
		return false, domain.ReasonNotClassified, false
	}
	highTail := func() (bool, domain.SignificanceReason, bool) {
		switch {
		case c.Threshold != nil && c.MID != nil:
			return score >= *c.Threshold+*c.MID, domain.ReasonThresholdMID, true
		case c.NormativeMean != nil && c.NormativeSD != nil:
			return score >= *c.NormativeMean+0.5**c.NormativeSD, domain.ReasonNormativeHalfSD, true
		case c.Threshold != nil:
			return score > *c.Threshold, domain.ReasonThresholdOnly, true
		case c.NormativeMean != nil:
			return score > *c.NormativeMean, domain.ReasonNormativeMean, true
		}
		return false, domain.ReasonNotClassified, false
	}

	switch c.Direction {
	case domain.HigherBetter:
		sig, reason, ok := lowTail()
		if !ok {
			return false, domain.ReasonNotClassified
		}
		return sig, reason
	case domain.LowerBetter:
		sig, reason, ok := highTail()
		if !ok {
			return false, domain.ReasonNotClassified
		}
		return sig, reason
	case domain.MiddleBetter:
		lowSig, reason, ok := lowTail()
		if !ok {
			return false, domain.ReasonNotClassified
		}
		highSig, _, _ := highTail()
		return lowSig || highSig, reason
	}
	return false, domain.ReasonNotClassified
}

// changeDirection classifies movement: toward the better pole is
// improving. Middle-Better measures distance to the calibration center.
func (in *Interpreter) changeDirection(c domain.ConstructScale, current, previous float64) domain.ChangeDirection {
	if current == previous {
		return domain.ChangeUnchanged
	}
	switch c.Direction {
	case domain.HigherBetter:
		if current > previous {
			return domain.ChangeImproving
		}
		return domain.ChangeWorsening
	case domain.LowerBetter:
		if current < previous {
			return domain.ChangeImproving
		}
		return domain.ChangeWorsening
	case domain.MiddleBetter:
		center := c.Threshold
		if center == nil {
			center = c.NormativeMean
		}
		if center == nil {
			return domain.ChangeUnknown
		}
		if math.Abs(current-*center) < math.Abs(previous-*center) {
			return domain.ChangeImproving
		}
		return domain.ChangeWorsening
	}
	return domain.ChangeUnknown
}

// classifyChange applies the change tiers: MID in the worsening direction,
// then normative SD, then the relative-change fallback. Middle-Better
// triggers on crossing a significance boundary in either direction.
func (in *Interpreter) classifyChange(c domain.ConstructScale, current, previous float64) bool {
	delta := current - previous

	if c.Direction == domain.MiddleBetter {
		curSig, _ := in.classifyCurrent(c, current)
		prevSig, _ := in.classifyCurrent(c, previous)
		if curSig != prevSig {
			return true
		}
		if c.MID != nil {
			return math.Abs(delta) >= *c.MID
		}
		if c.NormativeSD != nil {
			return math.Abs(delta) >= *c.NormativeSD
		}
		return delta != 0
	}

	if c.MID != nil {
		worsening := (c.Direction == domain.HigherBetter && delta < 0) ||
			(c.Direction == domain.LowerBetter && delta > 0)
		return worsening && math.Abs(delta) >= *c.MID
	}
	if c.NormativeSD != nil {
		return math.Abs(delta) >= *c.NormativeSD
	}
	if previous == 0 {
		return delta != 0
	}
	// The tolerance keeps a ratio that equals the fallback exactly (0.3/3.0)
	// from falling just short of it in floating point.
	return math.Abs(delta)/math.Abs(previous) >= in.fallbackRatio-1e-9
}
