package dqi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/synaptica-ai/trialquality/pkg/records"
)

func TestSubScoresEmptyDenominatorsScoreFull(t *testing.T) {
	scores := SubScores(records.SiteCounts{Patients: 3})

	for _, c := range Components {
		assert.Equal(t, 100.0, scores.Of(c), c)
	}
	assert.Equal(t, 100.0, Weighted(scores, DefaultWeights()))
}

func TestSubScoresWorkedExample(t *testing.T) {
	counts := records.SiteCounts{
		Patients:         1,
		LabsTotal:        10,
		LabsMissing:      2,
		FormsTotal:       20,
		FormsVerified:    18,
		QueriesTotal:     4,
		QueriesOpen:      1,
		OpenQueryAges:    []int{10},
		VisitsTotal:      5,
		VisitsCompleted:  4,
		CodingTotal:      3,
		CodingUnresolved: 1,
	}

	scores := SubScores(counts)
	assert.InDelta(t, 80.0, scores.MissingData, 0.001)
	assert.InDelta(t, 82.5, scores.Query, 0.001)
	assert.InDelta(t, 80.0, scores.VisitCompletion, 0.001)
	assert.InDelta(t, 90.0, scores.Verification, 0.001)
	assert.InDelta(t, 66.67, scores.Coding, 0.001)
	assert.InDelta(t, 80.79, Weighted(scores, DefaultWeights()), 0.001)
}

func TestQueryScorePenaltiesAreCapped(t *testing.T) {
	counts := records.SiteCounts{
		QueriesTotal:  2,
		QueriesOpen:   2,
		OpenQueryAges: []int{400, 300},
	}
	assert.Equal(t, 0.0, SubScores(counts).Query)

	counts.OpenQueryAges = []int{0, 0}
	assert.Equal(t, 50.0, SubScores(counts).Query)
}

func TestMissingDataCountsIncompleteRequiredForms(t *testing.T) {
	counts := records.SiteCounts{
		LabsTotal:               2,
		LabsMissing:             1,
		RequiredForms:           2,
		IncompleteRequiredForms: 1,
	}
	assert.Equal(t, 50.0, SubScores(counts).MissingData)
}

func TestBand(t *testing.T) {
	cases := map[float64]string{
		100:   "excellent",
		90:    "excellent",
		89.99: "good",
		75:    "good",
		60:    "fair",
		59.9:  "poor",
		45:    "poor",
		44.99: "critical",
		0:     "critical",
	}
	for score, band := range cases {
		assert.Equal(t, band, Band(score), "score %v", score)
	}
}
