package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/synaptica-ai/trialquality/pkg/common/logger"
	"github.com/synaptica-ai/trialquality/pkg/records"
)

// ResolveQuery closes the query with today's date and response, then
// refreshes the patient's status and the site's DQI. Refresh failures are
// logged; the resolution stands.
func (c *Coordinator) ResolveQuery(ctx context.Context, queryID uuid.UUID, response string) (*records.Query, error) {
	query, err := c.store.GetQuery(ctx, queryID)
	if err != nil {
		return nil, err
	}
	if query.IsResolved {
		return query, nil
	}
	resolved, err := c.store.ResolveQuery(ctx, queryID, response)
	if err != nil {
		return nil, fmt.Errorf("resolving query %s: %w", queryID, err)
	}
	c.afterPatientChange(ctx, resolved.PatientID)
	return resolved, nil
}

// BulkResolveQueries resolves every open query of the patient and returns how
// many were closed.
func (c *Coordinator) BulkResolveQueries(ctx context.Context, patientID uuid.UUID, response string) (int, error) {
	if _, err := c.store.GetPatient(ctx, patientID); err != nil {
		return 0, err
	}
	ids, err := c.store.OpenQueryIDs(ctx, patientID)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, id := range ids {
		if _, err := c.store.ResolveQuery(ctx, id, response); err != nil {
			c.afterPatientChange(ctx, patientID)
			return resolved, fmt.Errorf("resolving query %s: %w", id, err)
		}
		resolved++
	}
	if resolved > 0 {
		c.afterPatientChange(ctx, patientID)
	}
	return resolved, nil
}

// RequestLabData raises a missing_lab alert for the lab result.
func (c *Coordinator) RequestLabData(ctx context.Context, labID uuid.UUID) (*records.Alert, error) {
	return c.alerts.RaiseMissingLab(ctx, labID)
}

func (c *Coordinator) afterPatientChange(ctx context.Context, patientID uuid.UUID) {
	c.recomputeStatuses(ctx, []uuid.UUID{patientID})
	patient, err := c.store.GetPatient(ctx, patientID)
	if err != nil {
		logger.Log.WithError(err).WithField("patient_id", patientID).Warn("Skipping site recompute")
		return
	}
	_, _ = c.RecomputeSite(ctx, patient.SiteID)
}
