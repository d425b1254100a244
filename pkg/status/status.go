// Package status derives a patient's clean status from its open items.
package status

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/synaptica-ai/trialquality/pkg/common/logger"
	"github.com/synaptica-ai/trialquality/pkg/records"
)

// Classify maps an issue count to a patient status.
func Classify(issues int) string {
	switch {
	case issues <= 0:
		return records.PatientClean
	case issues <= 3:
		return records.PatientMinorIssues
	case issues <= 10:
		return records.PatientMajorIssues
	default:
		return records.PatientCritical
	}
}

// Outcome is the persisted result of one recomputation.
type Outcome struct {
	PatientID uuid.UUID             `json:"patient_id"`
	Status    string                `json:"status"`
	IsClean   bool                  `json:"is_clean"`
	Issues    records.PatientIssues `json:"issues"`
	Count     int                   `json:"issues_count"`
}

type Aggregator struct {
	store *records.Store
}

func NewAggregator(store *records.Store) *Aggregator {
	return &Aggregator{store: store}
}

// RecomputeStatus recounts the patient's open queries, missing visits,
// incomplete forms and missing labs and writes status, is_clean and
// issues_count together.
func (a *Aggregator) RecomputeStatus(ctx context.Context, patientID uuid.UUID) (Outcome, error) {
	issues, err := a.store.PatientIssues(ctx, patientID)
	if err != nil {
		return Outcome{}, fmt.Errorf("counting issues for patient %s: %w", patientID, err)
	}
	count := issues.Total()
	out := Outcome{
		PatientID: patientID,
		Status:    Classify(count),
		IsClean:   count == 0,
		Issues:    issues,
		Count:     count,
	}
	if err := a.store.SavePatientStatus(ctx, patientID, out.Status, out.IsClean, count); err != nil {
		return Outcome{}, fmt.Errorf("saving status for patient %s: %w", patientID, err)
	}
	return out, nil
}

// RecomputeMany recomputes each patient in order and returns how many were
// saved. A failing patient is logged and skipped; only cancellation stops
// the batch.
func (a *Aggregator) RecomputeMany(ctx context.Context, patientIDs []uuid.UUID) (int, error) {
	done := 0
	for _, id := range patientIDs {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if _, err := a.RecomputeStatus(ctx, id); err != nil {
			logger.Log.WithError(err).WithField("patient_id", id).Error("Status recompute failed")
			continue
		}
		done++
	}
	return done, nil
}
