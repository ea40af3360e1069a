package service

import (
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/proms-analytics-server/internal/cache"
	"github.com/proms-analytics-server/internal/domain"
	"github.com/proms-analytics-server/internal/scorestore"
	"github.com/proms-analytics-server/internal/store"
	"github.com/proms-analytics-server/pkg/equation"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

// fixture wires the full core over in-memory stores and cache.
type fixture struct {
	store   *store.Memory
	scores  *scorestore.MemoryStore
	cache   *cache.Cache
	backend *cache.MemoryBackend
	scorer  *Scorer
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := testLogger()

	mem := store.NewMemory()
	scores := scorestore.NewMemoryStore()
	backend := cache.NewMemoryBackend()
	c := cache.New(backend, cache.Config{
		PatientTTL:    5 * time.Minute,
		PopulationTTL: time.Hour,
	}, log)

	engine, err := equation.NewEngine(64)
	require.NoError(t, err)

	scorer := NewScorer(mem, scores, engine, c, log)
	bucketer := NewBucketer(mem)
	aggregator := NewAggregator(mem, scores, bucketer, 4, 8, log)
	interpreter := NewInterpreter(0.10, log)
	svc := New(mem, scores, scorer, bucketer, aggregator, interpreter, c, Config{}, log)

	return &fixture{
		store:   mem,
		scores:  scores,
		cache:   c,
		backend: backend,
		scorer:  scorer,
		svc:     svc,
	}
}

func fp(f float64) *float64 { return &f }
func ip(i int) *int         { return &i }
func sp(s string) *string   { return &s }

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// likertConstruct builds the four-item Likert construct used across the
// scenario tests: items q1..q4 (values 1..5), mean-over-available scoring,
// minimum three items.
func likertConstruct(f *fixture) (domain.ConstructScale, domain.Questionnaire) {
	constructID := uuid.New()
	construct := domain.ConstructScale{
		ID:           constructID,
		Name:         "Physical Function",
		Direction:    domain.HigherBetter,
		Threshold:    fp(3.0),
		MID:          fp(0.5),
		MinimumItems: 3,
		Equation:     "sum({q1},{q2},{q3},{q4})/count_available({q1},{q2},{q3},{q4})",
		ItemNumbers:  []int{1, 2, 3, 4},
	}

	options := []domain.LikertOption{
		{Value: 1, Text: "Not at all"},
		{Value: 2, Text: "A little"},
		{Value: 3, Text: "Moderately"},
		{Value: 4, Text: "Quite a bit"},
		{Value: 5, Text: "Very much"},
	}

	q := domain.Questionnaire{ID: uuid.New(), Name: "PF Questionnaire"}
	for n := 1; n <= 4; n++ {
		q.Items = append(q.Items, domain.Item{
			ID:            uuid.New(),
			ConstructID:   &constructID,
			ItemNumber:    n,
			Name:          "pf item",
			ResponseType:  domain.ResponseLikert,
			LikertOptions: options,
			Direction:     domain.HigherBetter,
		})
	}

	f.store.AddConstructScale(construct)
	f.store.AddQuestionnaire(q)
	return construct, q
}

// addPatient registers a patient with a registration date.
func addPatient(f *fixture, institutionID uuid.UUID, registered time.Time) domain.Patient {
	p := domain.Patient{
		ID:            uuid.New(),
		InstitutionID: institutionID,
		Gender:        "female",
		RegisteredAt:  registered,
	}
	f.store.AddPatient(p)
	return p
}

// submitLikert adds a submission answering the construct's items in order;
// nil entries are unanswered.
func submitLikert(f *fixture, q domain.Questionnaire, patientID uuid.UUID, at time.Time, answers []*int) domain.Submission {
	sub := domain.Submission{
		ID:              uuid.New(),
		PatientID:       patientID,
		QuestionnaireID: q.ID,
		SubmittedAt:     at,
	}
	var responses []domain.Response
	for i, a := range answers {
		if a == nil {
			continue
		}
		responses = append(responses, domain.Response{
			Item:  q.Items[i],
			Value: strconv.Itoa(*a),
		})
	}
	f.store.AddSubmission(sub, responses)
	return sub
}
