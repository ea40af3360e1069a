package domain

import (
	"sort"

	"github.com/google/uuid"
)

// ConstructResult is one construct's contribution to a patient review.
type ConstructResult struct {
	ConstructID    uuid.UUID      `json:"construct_id"`
	Name           string         `json:"name"`
	Current        *float64       `json:"current"`
	Previous       *float64       `json:"previous"`
	Series         []ScorePoint   `json:"series"`
	Interpretation Interpretation `json:"interpretation"`
	// NoAnchor flags that bucket-dependent views are empty because the
	// requested anchor date was unavailable for this patient.
	NoAnchor bool `json:"no_anchor,omitempty"`
}

// CompositeResult is one composite scale's contribution to a review.
type CompositeResult struct {
	CompositeID uuid.UUID    `json:"composite_id"`
	Name        string       `json:"name"`
	Current     *float64     `json:"current"`
	Previous    *float64     `json:"previous"`
	Series      []ScorePoint `json:"series"`
	NoAnchor    bool         `json:"no_anchor,omitempty"`
}

// ItemPoint is one observation in an item's historical series. Percent is
// the value as a share of the item's scale maximum when that is known.
type ItemPoint struct {
	SubmissionID uuid.UUID `json:"submission_id"`
	At           int64     `json:"t"`
	Value        *float64  `json:"v"`
	Text         string    `json:"text,omitempty"`
	Percent      *float64  `json:"percent,omitempty"`
}

// ItemResult is one item's historical series within a review.
type ItemResult struct {
	ItemID       uuid.UUID    `json:"item_id"`
	Name         string       `json:"name"`
	ResponseType ResponseType `json:"response_type"`
	Series       []ItemPoint  `json:"series"`
	NoAnchor     bool         `json:"no_anchor,omitempty"`
}

// QuestionnaireOverview summarizes one assigned questionnaire.
type QuestionnaireOverview struct {
	QuestionnaireID uuid.UUID `json:"questionnaire_id"`
	Name            string    `json:"name"`
	Submissions     int       `json:"submissions"`
}

// PatientSummaryView is the identifying header of a review.
type PatientSummaryView struct {
	PatientID     uuid.UUID `json:"patient_id"`
	InstitutionID uuid.UUID `json:"institution_id"`
	Gender        string    `json:"gender"`
	Age           int       `json:"age"`
}

// PatientReview is the full result of GetPatientReview.
type PatientReview struct {
	Patient         PatientSummaryView      `json:"patient_summary"`
	Questionnaires  []QuestionnaireOverview `json:"questionnaires_overview"`
	ConstructScores []ConstructResult       `json:"construct_scores"`
	CompositeScores []CompositeResult       `json:"composite_scores"`
	Items           []ItemResult            `json:"items"`
}

// SortConstructResults orders results for topline presentation: constructs
// significant on both axes first, then alphabetical by name.
func SortConstructResults(results []ConstructResult) {
	sort.SliceStable(results, func(i, j int) bool {
		bi := results[i].Interpretation.CurrentSignificant && results[i].Interpretation.ChangeSignificant
		bj := results[j].Interpretation.CurrentSignificant && results[j].Interpretation.ChangeSignificant
		if bi != bj {
			return bi
		}
		return results[i].Name < results[j].Name
	})
}
