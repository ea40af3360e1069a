package domain

import (
	"time"

	"github.com/google/uuid"
)

// Patient is a read-only snapshot of a patient row. PII beyond what the
// analytics need is never loaded here.
type Patient struct {
	ID             uuid.UUID  `json:"id"`
	InstitutionID  uuid.UUID  `json:"institution_id"`
	Gender         string     `json:"gender"`
	BirthDate      *time.Time `json:"birth_date,omitempty"`
	RegisteredAt   time.Time  `json:"registered_at"`
	DisplayPseudon string     `json:"display_pseudonym"`
}

// Age returns the patient's age in whole years at the reference time, or -1
// when the birth date is unknown.
func (p *Patient) Age(at time.Time) int {
	if p.BirthDate == nil {
		return -1
	}
	years := at.Year() - p.BirthDate.Year()
	anniversary := p.BirthDate.AddDate(years, 0, 0)
	if anniversary.After(at) {
		years--
	}
	return years
}

// PatientSummary is the cohort-resolution projection of a patient.
type PatientSummary struct {
	ID            uuid.UUID  `json:"id"`
	InstitutionID uuid.UUID  `json:"institution_id"`
	Gender        string     `json:"gender"`
	BirthDate     *time.Time `json:"birth_date,omitempty"`
	RegisteredAt  time.Time  `json:"registered_at"`
}

// Diagnosis belongs to a patient and carries a category and date.
type Diagnosis struct {
	ID        uuid.UUID `json:"id"`
	PatientID uuid.UUID `json:"patient_id"`
	Category  string    `json:"category"`
	Date      time.Time `json:"date"`
}

// Treatment belongs to a diagnosis. StartDate may be unset while treatment
// is being planned.
type Treatment struct {
	ID          uuid.UUID  `json:"id"`
	DiagnosisID uuid.UUID  `json:"diagnosis_id"`
	PatientID   uuid.UUID  `json:"patient_id"`
	Types       []string   `json:"types"`
	StartDate   *time.Time `json:"start_date,omitempty"`
}

// LikertOption is one choice on a Likert scale.
type LikertOption struct {
	Value int    `json:"value"`
	Text  string `json:"text"`
}

// Item is a single question. Numeric calibration fields are optional and
// drive clinical interpretation of item-level series.
type Item struct {
	ID            uuid.UUID      `json:"id"`
	ConstructID   *uuid.UUID     `json:"construct_id,omitempty"`
	ItemNumber    int            `json:"item_number"`
	Name          string         `json:"name"`
	ResponseType  ResponseType   `json:"response_type"`
	LikertOptions []LikertOption `json:"likert_options,omitempty"`
	RangeMin      *float64       `json:"range_min,omitempty"`
	RangeMax      *float64       `json:"range_max,omitempty"`
	Direction     Direction      `json:"direction"`
	NormativeMean *float64       `json:"normative_mean,omitempty"`
	NormativeSD   *float64       `json:"normative_sd,omitempty"`
	Threshold     *float64       `json:"threshold,omitempty"`
	MID           *float64       `json:"mid,omitempty"`
	MissingValue  *float64       `json:"missing_value,omitempty"`
}

// ScaleMax returns the largest value the item can take, used for
// percent-of-maximum series. The second return is false for text items and
// items without scale metadata.
func (it *Item) ScaleMax() (float64, bool) {
	switch it.ResponseType {
	case ResponseLikert:
		maxSeen := 0
		found := false
		for _, opt := range it.LikertOptions {
			if !found || opt.Value > maxSeen {
				maxSeen = opt.Value
				found = true
			}
		}
		if found {
			return float64(maxSeen), true
		}
	case ResponseRange:
		if it.RangeMax != nil {
			return *it.RangeMax, true
		}
	}
	return 0, false
}

// Questionnaire is an ordered collection of items.
type Questionnaire struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Items []Item    `json:"items"`
}

// ConstructScale is a latent-trait scale scored by an equation over its
// items' responses.
type ConstructScale struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	Direction     Direction `json:"direction"`
	NormativeMean *float64  `json:"normative_mean,omitempty"`
	NormativeSD   *float64  `json:"normative_sd,omitempty"`
	Threshold     *float64  `json:"threshold,omitempty"`
	MID           *float64  `json:"mid,omitempty"`
	MinimumItems  int       `json:"minimum_items"`
	Equation      string    `json:"equation"`
	// ItemNumbers enumerates the item numbers owned by this construct;
	// equation references outside this set are rejected at registration.
	ItemNumbers []int `json:"item_numbers"`
}

// CompositeScale combines one or more construct scales of the same
// submission into a single score.
type CompositeScale struct {
	ID           uuid.UUID   `json:"id"`
	Name         string      `json:"name"`
	Combiner     Combiner    `json:"combiner"`
	ConstructIDs []uuid.UUID `json:"construct_ids"`
}

// Submission is one completion event of a questionnaire.
type Submission struct {
	ID              uuid.UUID `json:"id"`
	PatientID       uuid.UUID `json:"patient_id"`
	QuestionnaireID uuid.UUID `json:"questionnaire_id"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

// Response pairs an item snapshot with the raw stored response string.
// Typed interpretation happens in the score computer.
type Response struct {
	Item  Item   `json:"item"`
	Value string `json:"value"`
}

// ConstructScore is a derived row owned by the score computer. Score is nil
// when fewer than MinimumItems numeric inputs were available.
type ConstructScore struct {
	SubmissionID uuid.UUID `json:"submission_id"`
	ConstructID  uuid.UUID `json:"construct_id"`
	Score        *float64  `json:"score"`
	ComputedAt   time.Time `json:"computed_at"`
}

// CompositeScore is a derived row combining construct scores of one
// submission.
type CompositeScore struct {
	SubmissionID uuid.UUID `json:"submission_id"`
	CompositeID  uuid.UUID `json:"composite_id"`
	Score        *float64  `json:"score"`
	ComputedAt   time.Time `json:"computed_at"`
}

// ScorePoint is one observation in a patient's series.
type ScorePoint struct {
	SubmissionID uuid.UUID `json:"submission_id"`
	At           time.Time `json:"t"`
	Value        *float64  `json:"v"`
}

// BucketStat is the cohort statistic for one bucket index. Center, Low and
// High are nil when the bucket held no usable cohort values.
type BucketStat struct {
	Index               int      `json:"index"`
	Center              *float64 `json:"center"`
	Low                 *float64 `json:"low"`
	High                *float64 `json:"high"`
	N                   int      `json:"n"`
	InsufficientSamples bool     `json:"insufficient_samples,omitempty"`
}

// Interpretation is the clinical classification of one construct's current
// score and latest change.
type Interpretation struct {
	CurrentSignificant bool               `json:"current_significant"`
	ChangeSignificant  bool               `json:"change_significant"`
	Change             *float64           `json:"change,omitempty"`
	ChangeDirection    ChangeDirection    `json:"change_direction"`
	ReasonUsed         SignificanceReason `json:"reason_used"`
}
