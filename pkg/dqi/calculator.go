package dqi

import (
	"math"

	"github.com/synaptica-ai/trialquality/pkg/records"
)

// Scores holds the five sub-scores of one computation, each in [0,100].
type Scores struct {
	MissingData     float64 `json:"missing_data"`
	Query           float64 `json:"query"`
	VisitCompletion float64 `json:"visit_completion"`
	Verification    float64 `json:"verification"`
	Coding          float64 `json:"coding"`
}

func (s Scores) Of(c Component) float64 {
	switch c {
	case MissingData:
		return s.MissingData
	case QueryBurden:
		return s.Query
	case VisitCompletion:
		return s.VisitCompletion
	case Verification:
		return s.Verification
	case Coding:
		return s.Coding
	}
	return 0
}

// SubScores derives every sub-score from site counts. A component with an
// empty denominator scores 100.
func SubScores(c records.SiteCounts) Scores {
	return Scores{
		MissingData:     missingDataScore(c),
		Query:           queryScore(c),
		VisitCompletion: ratioScore(c.VisitsCompleted, c.VisitsTotal),
		Verification:    ratioScore(c.FormsVerified, c.FormsTotal),
		Coding:          ratioScore(c.CodingTotal-c.CodingUnresolved, c.CodingTotal),
	}
}

// Weighted combines sub-scores into the overall index, rounded to 2 decimals.
func Weighted(s Scores, w Weights) float64 {
	total := 0.0
	for _, c := range Components {
		total += s.Of(c) * w.For(c) / 100
	}
	return round2(clamp(total))
}

func missingDataScore(c records.SiteCounts) float64 {
	denominator := c.LabsTotal + c.RequiredForms
	if denominator == 0 {
		return 100
	}
	rate := float64(c.LabsMissing+c.IncompleteRequiredForms) / float64(denominator)
	return round2(clamp(100 - rate*100))
}

func queryScore(c records.SiteCounts) float64 {
	if c.QueriesTotal == 0 {
		return 100
	}
	volumePenalty := math.Min(float64(c.QueriesOpen)/float64(c.QueriesTotal)*50, 50)

	avgAge := 0.0
	if len(c.OpenQueryAges) > 0 {
		sum := 0
		for _, age := range c.OpenQueryAges {
			sum += age
		}
		avgAge = float64(sum) / float64(len(c.OpenQueryAges))
	}
	agePenalty := math.Min(math.Max(avgAge, 0)/2, 50)

	return round2(clamp(100 - volumePenalty - agePenalty))
}

func ratioScore(numerator, denominator int64) float64 {
	if denominator == 0 {
		return 100
	}
	return round2(clamp(float64(numerator) / float64(denominator) * 100))
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Band classifies a score for dashboards.
func Band(score float64) string {
	switch {
	case score >= 90:
		return "excellent"
	case score >= 75:
		return "good"
	case score >= 60:
		return "fair"
	case score >= 45:
		return "poor"
	default:
		return "critical"
	}
}
