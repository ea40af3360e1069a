package domain

// ResponseType describes how an item's stored response string is interpreted.
type ResponseType string

const (
	ResponseText   ResponseType = "text"
	ResponseNumber ResponseType = "number"
	ResponseLikert ResponseType = "likert"
	ResponseRange  ResponseType = "range"
)

// Direction is the clinical sense of a higher numeric score.
type Direction string

const (
	HigherBetter Direction = "higher_better"
	LowerBetter  Direction = "lower_better"
	MiddleBetter Direction = "middle_better"
	NoDirection  Direction = "none"
)

// Combiner selects how a composite scale folds its construct scores.
type Combiner string

const (
	CombineSum     Combiner = "sum"
	CombineProduct Combiner = "product"
	CombineMean    Combiner = "mean"
	CombineMedian  Combiner = "median"
	CombineMode    Combiner = "mode"
	CombineMin     Combiner = "min"
	CombineMax     Combiner = "max"
)

// Granularity is the unit of a time bucket.
type Granularity string

const (
	GranularityDay   Granularity = "day"
	GranularityWeek  Granularity = "week"
	GranularityMonth Granularity = "month"
)

// AnchorKind selects which patient date bucket indices are computed against.
type AnchorKind string

const (
	AnchorRegistration   AnchorKind = "registration"
	AnchorDiagnosis      AnchorKind = "diagnosis"
	AnchorTreatmentStart AnchorKind = "treatment_start"
)

// AggregationKind is the statistic computed per cohort bucket.
type AggregationKind string

const (
	AggMedianIQR AggregationKind = "median_iqr"
	AggMeanCI95  AggregationKind = "mean_ci95"
	AggMeanSD05  AggregationKind = "mean_sd_0_5"
	AggMeanSD10  AggregationKind = "mean_sd_1_0"
	AggMeanSD15  AggregationKind = "mean_sd_1_5"
	AggMeanSD20  AggregationKind = "mean_sd_2_0"
	AggMeanSD25  AggregationKind = "mean_sd_2_5"
)

// SDMultiplier returns the band width for the mean±kSD aggregations.
// The second return is false for kinds that are not SD bands.
func (a AggregationKind) SDMultiplier() (float64, bool) {
	switch a {
	case AggMeanSD05:
		return 0.5, true
	case AggMeanSD10:
		return 1.0, true
	case AggMeanSD15:
		return 1.5, true
	case AggMeanSD20:
		return 2.0, true
	case AggMeanSD25:
		return 2.5, true
	}
	return 0, false
}

// Valid reports whether the aggregation kind is one of the supported statistics.
func (a AggregationKind) Valid() bool {
	if _, ok := a.SDMultiplier(); ok {
		return true
	}
	return a == AggMedianIQR || a == AggMeanCI95
}

// ChangeDirection classifies the movement between consecutive scores.
type ChangeDirection string

const (
	ChangeImproving ChangeDirection = "improving"
	ChangeWorsening ChangeDirection = "worsening"
	ChangeUnchanged ChangeDirection = "unchanged"
	ChangeUnknown   ChangeDirection = "unknown"
)

// SignificanceReason records which calibration tier produced a classification.
type SignificanceReason string

const (
	ReasonThresholdMID    SignificanceReason = "threshold_mid"
	ReasonNormativeHalfSD SignificanceReason = "normative_half_sd"
	ReasonThresholdOnly   SignificanceReason = "threshold_only"
	ReasonNormativeMean   SignificanceReason = "normative_mean"
	ReasonMID             SignificanceReason = "mid"
	ReasonNormativeSD     SignificanceReason = "normative_sd"
	ReasonRelativeChange  SignificanceReason = "relative_change"
	ReasonNotClassified   SignificanceReason = "not_classified"
)
