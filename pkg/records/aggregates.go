package records

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SiteCounts is the raw material of a site's quality score.
type SiteCounts struct {
	Patients                int64
	LabsTotal               int64
	LabsMissing             int64
	FormsTotal              int64
	FormsVerified           int64
	RequiredForms           int64
	IncompleteRequiredForms int64
	QueriesTotal            int64
	QueriesOpen             int64
	OpenQueryAges           []int
	VisitsTotal             int64
	VisitsCompleted         int64
	CodingTotal             int64
	CodingUnresolved        int64
}

func (s *Store) SiteCounts(ctx context.Context, siteID uuid.UUID) (SiteCounts, error) {
	var counts SiteCounts
	db := s.db.WithContext(ctx)

	if err := db.Model(&Patient{}).Where("site_id = ?", siteID).Count(&counts.Patients).Error; err != nil {
		return counts, fmt.Errorf("counting patients: %w", err)
	}

	var labs struct {
		Total   int64
		Missing int64
	}
	if err := db.Raw(`
		SELECT COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN l.is_missing THEN 1 ELSE 0 END), 0) AS missing
		FROM lab_data l
		JOIN patients p ON p.id = l.patient_id
		WHERE p.site_id = ?`, siteID).Scan(&labs).Error; err != nil {
		return counts, fmt.Errorf("counting labs: %w", err)
	}
	counts.LabsTotal, counts.LabsMissing = labs.Total, labs.Missing

	var forms struct {
		Total              int64
		Verified           int64
		Required           int64
		RequiredIncomplete int64
	}
	if err := db.Raw(`
		SELECT COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN f.is_verified THEN 1 ELSE 0 END), 0) AS verified,
			COALESCE(SUM(CASE WHEN f.is_required THEN 1 ELSE 0 END), 0) AS required,
			COALESCE(SUM(CASE WHEN f.is_required AND NOT f.is_complete THEN 1 ELSE 0 END), 0) AS required_incomplete
		FROM forms f
		JOIN visits v ON v.id = f.visit_id
		JOIN patients p ON p.id = v.patient_id
		WHERE p.site_id = ?`, siteID).Scan(&forms).Error; err != nil {
		return counts, fmt.Errorf("counting forms: %w", err)
	}
	counts.FormsTotal, counts.FormsVerified = forms.Total, forms.Verified
	counts.RequiredForms, counts.IncompleteRequiredForms = forms.Required, forms.RequiredIncomplete

	var visits struct {
		Total     int64
		Completed int64
	}
	if err := db.Raw(`
		SELECT COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN v.is_completed THEN 1 ELSE 0 END), 0) AS completed
		FROM visits v
		JOIN patients p ON p.id = v.patient_id
		WHERE p.site_id = ?`, siteID).Scan(&visits).Error; err != nil {
		return counts, fmt.Errorf("counting visits: %w", err)
	}
	counts.VisitsTotal, counts.VisitsCompleted = visits.Total, visits.Completed

	var coding struct {
		Total      int64
		Unresolved int64
	}
	if err := db.Raw(`
		SELECT COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN c.is_resolved THEN 0 ELSE 1 END), 0) AS unresolved
		FROM coding_issues c
		JOIN patients p ON p.id = c.patient_id
		WHERE p.site_id = ?`, siteID).Scan(&coding).Error; err != nil {
		return counts, fmt.Errorf("counting coding issues: %w", err)
	}
	counts.CodingTotal, counts.CodingUnresolved = coding.Total, coding.Unresolved

	if err := db.Model(&Query{}).
		Joins("JOIN patients ON patients.id = queries.patient_id").
		Where("patients.site_id = ?", siteID).
		Count(&counts.QueriesTotal).Error; err != nil {
		return counts, fmt.Errorf("counting queries: %w", err)
	}
	ages, err := s.OpenQueryAges(ctx, siteID)
	if err != nil {
		return counts, err
	}
	counts.QueriesOpen = int64(len(ages))
	counts.OpenQueryAges = ages

	return counts, nil
}

// OpenQueryAges derives days_open for every unresolved query of the site
// against the store clock.
func (s *Store) OpenQueryAges(ctx context.Context, siteID uuid.UUID) ([]int, error) {
	var open []Query
	if err := s.db.WithContext(ctx).
		Select("queries.id", "queries.opened_date", "queries.is_resolved").
		Joins("JOIN patients ON patients.id = queries.patient_id").
		Where("patients.site_id = ? AND queries.is_resolved = ?", siteID, false).
		Find(&open).Error; err != nil {
		return nil, fmt.Errorf("loading open queries: %w", err)
	}
	today := s.Today()
	ages := make([]int, 0, len(open))
	for _, q := range open {
		ages = append(ages, q.AgeOn(today))
	}
	return ages, nil
}

// PatientIssues counts the open items that make a patient unclean.
type PatientIssues struct {
	OpenQueries     int64
	MissingVisits   int64
	IncompleteForms int64
	MissingLabs     int64
}

func (p PatientIssues) Total() int {
	return int(p.OpenQueries + p.MissingVisits + p.IncompleteForms + p.MissingLabs)
}

func (s *Store) PatientIssues(ctx context.Context, patientID uuid.UUID) (PatientIssues, error) {
	var issues PatientIssues
	db := s.db.WithContext(ctx)
	if err := db.Model(&Query{}).Where("patient_id = ? AND is_resolved = ?", patientID, false).
		Count(&issues.OpenQueries).Error; err != nil {
		return issues, err
	}
	if err := db.Model(&Visit{}).Where("patient_id = ? AND is_missing = ?", patientID, true).
		Count(&issues.MissingVisits).Error; err != nil {
		return issues, err
	}
	if err := db.Model(&Form{}).
		Joins("JOIN visits ON visits.id = forms.visit_id").
		Where("visits.patient_id = ? AND forms.is_complete = ?", patientID, false).
		Count(&issues.IncompleteForms).Error; err != nil {
		return issues, err
	}
	if err := db.Model(&LabData{}).Where("patient_id = ? AND is_missing = ?", patientID, true).
		Count(&issues.MissingLabs).Error; err != nil {
		return issues, err
	}
	return issues, nil
}

// SavePatientStatus writes the three derived patient fields in one statement.
func (s *Store) SavePatientStatus(ctx context.Context, patientID uuid.UUID, status string, clean bool, issues int) error {
	res := s.db.WithContext(ctx).Model(&Patient{}).Where("id = ?", patientID).Updates(map[string]interface{}{
		"status":       status,
		"is_clean":     clean,
		"issues_count": issues,
		"updated_at":   s.now(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveDQI caches the score on the site and, when history is non-nil, appends
// the snapshot in the same transaction.
func (s *Store) SaveDQI(ctx context.Context, siteID uuid.UUID, score float64, at time.Time, history *DQIHistory) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Site{}).Where("id = ?", siteID).Updates(map[string]interface{}{
			"dqi_score":       score,
			"last_calculated": at,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if history == nil {
			return nil
		}
		history.ID = uuid.New()
		history.SiteID = siteID
		history.CalculatedAt = at
		return tx.Create(history).Error
	})
}

func (s *Store) DQIHistory(ctx context.Context, siteID uuid.UUID, limit int) ([]DQIHistory, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []DQIHistory
	if err := s.db.WithContext(ctx).Where("site_id = ?", siteID).
		Order("calculated_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) CountDQIHistory(ctx context.Context, siteID uuid.UUID) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&DQIHistory{}).Where("site_id = ?", siteID).Count(&n).Error
	return n, err
}

// MissingVisitGroup is the number of missing visits recorded at one site.
type MissingVisitGroup struct {
	SiteID       uuid.UUID
	MissingCount int64
}

// MissingVisitsBySite groups missing visits by site across all studies,
// keeping sites with at least minCount of them.
func (s *Store) MissingVisitsBySite(ctx context.Context, minCount int) ([]MissingVisitGroup, error) {
	var rows []MissingVisitGroup
	err := s.db.WithContext(ctx).Raw(`
		SELECT p.site_id AS site_id, COUNT(*) AS missing_count
		FROM visits v
		JOIN patients p ON p.id = v.patient_id
		WHERE v.is_missing = ?
		GROUP BY p.site_id
		HAVING COUNT(*) >= ?
		ORDER BY p.site_id`, true, minCount).Scan(&rows).Error
	return rows, err
}

func (s *Store) SiteMetrics(ctx context.Context, site *Site) (SiteMetrics, error) {
	metrics := SiteMetrics{}
	db := s.db.WithContext(ctx)
	if err := db.Model(&Patient{}).Where("site_id = ?", site.ID).Count(&metrics.TotalPatients).Error; err != nil {
		return metrics, err
	}
	if metrics.TotalPatients == 0 {
		return metrics, nil
	}
	if err := db.Model(&Patient{}).Where("site_id = ? AND is_clean = ?", site.ID, true).
		Count(&metrics.CleanPatients).Error; err != nil {
		return metrics, err
	}

	ages, err := s.OpenQueryAges(ctx, site.ID)
	if err != nil {
		return metrics, err
	}
	metrics.OpenQueries = int64(len(ages))
	if len(ages) > 0 {
		sum := 0
		for _, a := range ages {
			sum += a
		}
		metrics.AvgQueryAge = round1(float64(sum) / float64(len(ages)))
	}

	var visits struct {
		Total     int64
		Completed int64
	}
	if err := db.Raw(`
		SELECT COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN v.is_completed THEN 1 ELSE 0 END), 0) AS completed
		FROM visits v
		JOIN patients p ON p.id = v.patient_id
		WHERE p.site_id = ?`, site.ID).Scan(&visits).Error; err != nil {
		return metrics, err
	}
	if visits.Total > 0 {
		metrics.CompletionRate = round1(float64(visits.Completed) / float64(visits.Total) * 100)
	}
	return metrics, nil
}

// SiteMetrics summarises a site for dashboards and the insight collaborator.
type SiteMetrics struct {
	TotalPatients  int64
	CleanPatients  int64
	OpenQueries    int64
	AvgQueryAge    float64
	CompletionRate float64
}

// StudyOverallDQI is the mean cached score of the study's sites, 0 without sites.
func (s *Store) StudyOverallDQI(ctx context.Context, studyID uuid.UUID) (float64, error) {
	var agg struct {
		Sites int64
		Total float64
	}
	if err := s.db.WithContext(ctx).Raw(`
		SELECT COUNT(*) AS sites, COALESCE(SUM(dqi_score), 0) AS total
		FROM sites WHERE study_id = ?`, studyID).Scan(&agg).Error; err != nil {
		return 0, err
	}
	if agg.Sites == 0 {
		return 0, nil
	}
	return agg.Total / float64(agg.Sites), nil
}

func (s *Store) StudyCleanPatientPercentage(ctx context.Context, studyID uuid.UUID) (float64, error) {
	var agg struct {
		Total int64
		Clean int64
	}
	if err := s.db.WithContext(ctx).Raw(`
		SELECT COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN p.is_clean THEN 1 ELSE 0 END), 0) AS clean
		FROM patients p
		JOIN sites s ON s.id = p.site_id
		WHERE s.study_id = ?`, studyID).Scan(&agg).Error; err != nil {
		return 0, err
	}
	if agg.Total == 0 {
		return 0, nil
	}
	return float64(agg.Clean) / float64(agg.Total) * 100, nil
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
