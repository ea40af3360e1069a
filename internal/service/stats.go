package service

import (
	"math"
	"sort"

	"github.com/proms-analytics-server/internal/domain"
)

// z-score for the 95% confidence interval under the normal approximation.
const z95 = 1.96

// computeBucketStat computes one bucket's statistic over cohort values.
// Values are already null-free; an empty slice yields a null stat.
func computeBucketStat(index int, values []float64, kind domain.AggregationKind, minSamples int) domain.BucketStat {
	stat := domain.BucketStat{Index: index, N: len(values)}
	if len(values) == 0 {
		return stat
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	switch {
	case kind == domain.AggMedianIQR:
		center := quantile(sorted, 0.5)
		low := quantile(sorted, 0.25)
		high := quantile(sorted, 0.75)
		stat.Center, stat.Low, stat.High = &center, &low, &high

	case kind == domain.AggMeanCI95:
		m := mean(sorted)
		if len(sorted) < minSamples {
			stat.Center, stat.Low, stat.High = &m, &m, &m
			stat.InsufficientSamples = true
			break
		}
		sd := stddev(sorted, m)
		delta := z95 * sd / math.Sqrt(float64(len(sorted)))
		low, high := m-delta, m+delta
		stat.Center, stat.Low, stat.High = &m, &low, &high

	default:
		k, ok := kind.SDMultiplier()
		if !ok {
			return stat
		}
		m := mean(sorted)
		sd := stddev(sorted, m)
		low, high := m-k*sd, m+k*sd
		stat.Center, stat.Low, stat.High = &m, &low, &high
	}
	return stat
}

// quantile computes the q-quantile with linear interpolation between order
// statistics. A single value yields that value for every quantile.
func quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func mean(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

// stddev computes the sample standard deviation; zero for a single value.
func stddev(values []float64, m float64) float64 {
	if len(values) < 2 {
		return 0
	}
	ss := 0.0
	for _, v := range values {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)-1))
}

// combine folds non-null construct scores per the composite's combiner.
// All-null input yields nil.
func combine(combiner domain.Combiner, values []*float64) *float64 {
	var present []float64
	for _, v := range values {
		if v != nil {
			present = append(present, *v)
		}
	}
	if len(present) == 0 {
		return nil
	}

	var out float64
	switch combiner {
	case domain.CombineSum:
		for _, v := range present {
			out += v
		}
	case domain.CombineProduct:
		out = 1
		for _, v := range present {
			out *= v
		}
	case domain.CombineMean:
		out = mean(present)
	case domain.CombineMedian:
		sorted := append([]float64(nil), present...)
		sort.Float64s(sorted)
		out = quantile(sorted, 0.5)
	case domain.CombineMode:
		out = mode(present)
	case domain.CombineMin:
		out = present[0]
		for _, v := range present[1:] {
			if v < out {
				out = v
			}
		}
	case domain.CombineMax:
		out = present[0]
		for _, v := range present[1:] {
			if v > out {
				out = v
			}
		}
	default:
		return nil
	}
	return &out
}

// mode returns the most frequent value; ties break toward the smallest.
func mode(values []float64) float64 {
	counts := map[float64]int{}
	for _, v := range values {
		counts[v]++
	}
	best := values[0]
	bestCount := 0
	for v, n := range counts {
		if n > bestCount || (n == bestCount && v < best) {
			best = v
			bestCount = n
		}
	}
	return best
}
