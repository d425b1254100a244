package ingestion

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/trialquality/pkg/common/logger"
	"github.com/synaptica-ai/trialquality/pkg/records"
)

var (
	codingTypes = map[string]struct{}{
		records.CodingMedDRA: {},
		records.CodingWHODD:  {},
		records.CodingOther:  {},
	}
	severities = map[string]struct{}{
		records.SeverityLow:      {},
		records.SeverityMedium:   {},
		records.SeverityHigh:     {},
		records.SeverityCritical: {},
	}
)

func requireValues(row Row, cols ...string) error {
	for _, col := range cols {
		if row.Get(col) == "" {
			return fmt.Errorf("missing value for %s", col)
		}
	}
	return nil
}

// sitePatient resolves the row's site and patient, creating them as needed.
func sitePatient(ctx context.Context, tx *records.Store, studyID uuid.UUID, row Row) (*records.Site, *records.Patient, error) {
	if err := requireValues(row, "site_number", "patient_id"); err != nil {
		return nil, nil, err
	}
	site, err := tx.EnsureSite(ctx, studyID, row.Get("site_number"), records.SiteDefaults{
		Name:         row.Get("site_name"),
		Country:      row.Get("country"),
		Investigator: row.Get("investigator_name"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("resolving site: %w", err)
	}
	patient, err := tx.EnsurePatient(ctx, site.ID, row.Get("patient_id"))
	if err != nil {
		return nil, nil, fmt.Errorf("resolving patient: %w", err)
	}
	return site, patient, nil
}

func (p *Processor) missingLab(ctx context.Context, tx *records.Store, studyID uuid.UUID, row Row) (rowTarget, error) {
	if err := requireValues(row, "visit", "lab_name", "test_name"); err != nil {
		return rowTarget{}, err
	}
	site, patient, err := sitePatient(ctx, tx, studyID, row)
	if err != nil {
		return rowTarget{}, err
	}
	visit, err := tx.EnsureVisit(ctx, patient.ID, row.Get("visit"), "")
	if err != nil {
		return rowTarget{}, fmt.Errorf("resolving visit: %w", err)
	}
	_, err = tx.UpsertLab(ctx, records.LabData{
		PatientID:      patient.ID,
		VisitID:        &visit.ID,
		LabName:        row.Get("lab_name"),
		TestName:       row.Get("test_name"),
		TestCode:       row.Get("test_code"),
		ReferenceRange: row.Get("reference_range"),
		IsMissing:      true,
	})
	if err != nil {
		return rowTarget{}, fmt.Errorf("writing lab: %w", err)
	}
	return rowTarget{siteID: site.ID, patientID: patient.ID}, nil
}

func (p *Processor) missingVisit(ctx context.Context, tx *records.Store, studyID uuid.UUID, row Row) (rowTarget, error) {
	if err := requireValues(row, "visit_number"); err != nil {
		return rowTarget{}, err
	}
	scheduled, err := optionalDate(row.Get("scheduled_date"))
	if err != nil {
		return rowTarget{}, fmt.Errorf("scheduled_date: %w", err)
	}
	site, patient, err := sitePatient(ctx, tx, studyID, row)
	if err != nil {
		return rowTarget{}, err
	}
	_, err = tx.UpsertVisit(ctx, patient.ID, row.Get("visit_number"), records.VisitState{
		VisitName:     row.Get("visit_name"),
		ScheduledDate: scheduled,
		IsCompleted:   false,
		IsMissing:     true,
	})
	if err != nil {
		return rowTarget{}, fmt.Errorf("writing visit: %w", err)
	}
	return rowTarget{siteID: site.ID, patientID: patient.ID}, nil
}

func (p *Processor) openQuery(ctx context.Context, tx *records.Store, studyID uuid.UUID, row Row) (rowTarget, error) {
	if err := requireValues(row, "query_id", "opened_date"); err != nil {
		return rowTarget{}, err
	}
	opened, err := parseDate(row.Get("opened_date"))
	if err != nil {
		return rowTarget{}, fmt.Errorf("opened_date: %w", err)
	}
	site, patient, err := sitePatient(ctx, tx, studyID, row)
	if err != nil {
		return rowTarget{}, err
	}

	severity := strings.ToLower(row.Get("severity"))
	if _, ok := severities[severity]; !ok {
		severity = records.SeverityMedium
	}
	q := records.Query{
		PatientID:  patient.ID,
		QueryID:    row.Get("query_id"),
		QueryText:  defaultValue(row.Get("query_text"), "No description"),
		QueryType:  defaultValue(row.Get("query_type"), "missing_data"),
		Severity:   severity,
		OpenedDate: opened,
		IsResolved: false,
	}
	q.DaysOpen = q.AgeOn(tx.Today())

	_, reassigned, err := tx.UpsertQuery(ctx, q, p.scope)
	if err != nil {
		return rowTarget{}, fmt.Errorf("writing query: %w", err)
	}
	if reassigned {
		logger.Log.WithFields(logrus.Fields{
			"query_id":   q.QueryID,
			"patient_id": patient.ID,
			"row":        row.Number,
		}).Warn("Query reassigned to a different patient")
	}
	return rowTarget{siteID: site.ID, patientID: patient.ID, reassigned: reassigned}, nil
}

func (p *Processor) codingIssue(ctx context.Context, tx *records.Store, studyID uuid.UUID, row Row) (rowTarget, error) {
	if err := requireValues(row, "term"); err != nil {
		return rowTarget{}, err
	}
	site, patient, err := sitePatient(ctx, tx, studyID, row)
	if err != nil {
		return rowTarget{}, err
	}

	issueType := strings.ToLower(row.Get("issue_type"))
	if issueType == "" {
		issueType = strings.ToLower(row.Get("type"))
	}
	if _, ok := codingTypes[issueType]; !ok {
		issueType = records.CodingMedDRA
	}
	err = tx.CreateCodingIssue(ctx, &records.CodingIssue{
		PatientID:     patient.ID,
		IssueType:     issueType,
		Term:          row.Get("term"),
		SuggestedCode: row.Get("suggested_code"),
		CreatedAt:     tx.Now(),
	})
	if err != nil {
		return rowTarget{}, fmt.Errorf("writing coding issue: %w", err)
	}
	return rowTarget{siteID: site.ID, patientID: patient.ID}, nil
}

func (p *Processor) visitProjection(ctx context.Context, tx *records.Store, studyID uuid.UUID, row Row) (rowTarget, error) {
	if err := requireValues(row, "visit_number", "projected_date"); err != nil {
		return rowTarget{}, err
	}
	projected, err := parseDate(row.Get("projected_date"))
	if err != nil {
		return rowTarget{}, fmt.Errorf("projected_date: %w", err)
	}
	actual, err := optionalDate(row.Get("actual_date"))
	if err != nil {
		return rowTarget{}, fmt.Errorf("actual_date: %w", err)
	}
	site, patient, err := sitePatient(ctx, tx, studyID, row)
	if err != nil {
		return rowTarget{}, err
	}

	completed := actual != nil
	_, err = tx.UpsertVisit(ctx, patient.ID, row.Get("visit_number"), records.VisitState{
		VisitName:     row.Get("visit_name"),
		ScheduledDate: &projected,
		ActualDate:    actual,
		IsCompleted:   completed,
		IsMissing:     !completed,
	})
	if err != nil {
		return rowTarget{}, fmt.Errorf("writing visit: %w", err)
	}
	return rowTarget{siteID: site.ID, patientID: patient.ID}, nil
}

func defaultValue(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
