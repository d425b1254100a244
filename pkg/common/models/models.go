package models

import (
	"time"

	"github.com/google/uuid"
)

// Event bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // extract.uploaded, extract.processed, dqi.computed, alert.raised
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

const (
	EventExtractUploaded  = "extract.uploaded"
	EventExtractProcessed = "extract.processed"
	EventDQIComputed      = "dqi.computed"
	EventAlertRaised      = "alert.raised"
)

// ExtractUploaded is the payload of an extract.uploaded event. Path points at
// storage owned by the upload collaborator.
type ExtractUploaded struct {
	StudyID  uuid.UUID `json:"study_id"`
	FileType string    `json:"file_type"`
	Path     string    `json:"path"`
	Filename string    `json:"filename"`
}

// IngestSummary is what callers of the ingestion entry point get back.
type IngestSummary struct {
	UploadID      uuid.UUID `json:"upload_id"`
	Success       bool      `json:"success"`
	RowsProcessed int       `json:"rows_processed"`
	ErrorText     string    `json:"error_text,omitempty"`
	SitesScored   int       `json:"sites_scored"`
	PatientsRated int       `json:"patients_rated"`
}

type SiteMetrics struct {
	SiteID         uuid.UUID  `json:"site_id"`
	SiteNumber     string     `json:"site_number"`
	DQIScore       float64    `json:"dqi_score"`
	DQIBand        string     `json:"dqi_band"`
	TotalPatients  int        `json:"total_patients"`
	CleanPatients  int        `json:"clean_patients"`
	OpenQueries    int        `json:"open_queries"`
	AvgQueryAge    float64    `json:"avg_query_age"`
	CompletionRate float64    `json:"completion_rate"`
	LastCalculated *time.Time `json:"last_calculated,omitempty"`
}

type ResolveAlertRequest struct {
	ResolvedBy  string `json:"resolved_by"`
	ActionTaken string `json:"action_taken,omitempty"`
}

type ResolveQueryRequest struct {
	ResponseText string `json:"response_text"`
}

// StudySummary rolls a study's site scores and patient statuses up for the
// portfolio view.
type StudySummary struct {
	StudyID             uuid.UUID     `json:"study_id"`
	Code                string        `json:"code"`
	OverallDQI          float64       `json:"overall_dqi"`
	CleanPatientPercent float64       `json:"clean_patient_percentage"`
	Sites               []SiteMetrics `json:"sites"`
}
