package dqi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/trialquality/pkg/records"
	"gorm.io/datatypes"
)

// Result is the outcome of one site recomputation.
type Result struct {
	SiteID       uuid.UUID `json:"site_id"`
	Score        float64   `json:"dqi_score"`
	Band         string    `json:"dqi_band"`
	Scores       Scores    `json:"scores"`
	Patients     int64     `json:"patients"`
	CalculatedAt time.Time `json:"calculated_at"`
	// Recorded is false when the site had no patients and no history row
	// was appended.
	Recorded bool `json:"recorded"`
}

type Engine struct {
	store   *records.Store
	weights Weights
}

func NewEngine(store *records.Store, weights Weights) (*Engine, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	return &Engine{store: store, weights: weights}, nil
}

func (e *Engine) Weights() Weights { return e.weights }

// Recompute scores the site from its current records, caches the score on the
// site and appends a history snapshot. A site without patients scores 0 and
// gets no snapshot.
func (e *Engine) Recompute(ctx context.Context, siteID uuid.UUID) (Result, error) {
	counts, err := e.store.SiteCounts(ctx, siteID)
	if err != nil {
		return Result{}, fmt.Errorf("loading counts for site %s: %w", siteID, err)
	}

	at := e.store.Now()
	result := Result{SiteID: siteID, Patients: counts.Patients, CalculatedAt: at}

	if counts.Patients == 0 {
		result.Band = Band(0)
		if err := e.store.SaveDQI(ctx, siteID, 0, at, nil); err != nil {
			return Result{}, fmt.Errorf("saving dqi for site %s: %w", siteID, err)
		}
		return result, nil
	}

	result.Scores = SubScores(counts)
	result.Score = Weighted(result.Scores, e.weights)
	result.Band = Band(result.Score)

	snapshot, err := json.Marshal(e.weights)
	if err != nil {
		return Result{}, fmt.Errorf("encoding weights: %w", err)
	}
	history := &records.DQIHistory{
		DQIScore:             result.Score,
		MissingDataScore:     result.Scores.MissingData,
		QueryScore:           result.Scores.Query,
		VisitCompletionScore: result.Scores.VisitCompletion,
		VerificationScore:    result.Scores.Verification,
		CodingScore:          result.Scores.Coding,
		Weights:              datatypes.JSON(snapshot),
	}
	if err := e.store.SaveDQI(ctx, siteID, result.Score, at, history); err != nil {
		return Result{}, fmt.Errorf("saving dqi for site %s: %w", siteID, err)
	}
	result.Recorded = true
	return result, nil
}
