package records

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	SiteActive   = "active"
	SiteInactive = "inactive"
	SiteClosed   = "closed"
)

const (
	PatientClean       = "clean"
	PatientMinorIssues = "minor_issues"
	PatientMajorIssues = "major_issues"
	PatientCritical    = "critical"
)

const (
	CodingMedDRA = "meddra"
	CodingWHODD  = "whodd"
	CodingOther  = "other"
)

const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

const (
	AlertDQIDrop       = "dqi_drop"
	AlertQueryAge      = "query_age"
	AlertMissingVisits = "missing_visits"
	AlertMissingLab    = "missing_lab"
)

var ErrVerifiedIncomplete = errors.New("form cannot be verified before it is complete")

type Study struct {
	ID              uuid.UUID `json:"id" gorm:"type:uuid;primaryKey;column:id"`
	Code            string    `json:"code" gorm:"column:code;uniqueIndex"`
	Name            string    `json:"name" gorm:"column:name"`
	ProtocolNumber  string    `json:"protocol_number" gorm:"column:protocol_number"`
	Phase           string    `json:"phase" gorm:"column:phase"` // I, II, III, IV
	TherapeuticArea string    `json:"therapeutic_area" gorm:"column:therapeutic_area"`
	CreatedAt       time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt       time.Time `json:"updated_at" gorm:"column:updated_at"`
}

func (Study) TableName() string { return "studies" }

type Site struct {
	ID               uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey;column:id"`
	StudyID          uuid.UUID  `json:"study_id" gorm:"type:uuid;column:study_id;uniqueIndex:idx_sites_study_number"`
	SiteNumber       string     `json:"site_number" gorm:"column:site_number;uniqueIndex:idx_sites_study_number"`
	SiteName         string     `json:"site_name" gorm:"column:site_name"`
	Country          string     `json:"country" gorm:"column:country"`
	InvestigatorName string     `json:"investigator_name" gorm:"column:investigator_name"`
	CoordinatorName  string     `json:"coordinator_name" gorm:"column:coordinator_name"`
	CoordinatorEmail string     `json:"coordinator_email" gorm:"column:coordinator_email"`
	DQIScore         float64    `json:"dqi_score" gorm:"column:dqi_score"`
	Status           string     `json:"status" gorm:"column:status;index"`
	LastCalculated   *time.Time `json:"last_calculated,omitempty" gorm:"column:last_calculated"`
}

func (Site) TableName() string { return "sites" }

type Patient struct {
	ID              uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey;column:id"`
	SiteID          uuid.UUID  `json:"site_id" gorm:"type:uuid;column:site_id;uniqueIndex:idx_patients_site_code"`
	Code            string     `json:"patient_id" gorm:"column:code;uniqueIndex:idx_patients_site_code"`
	ScreeningNumber string     `json:"screening_number" gorm:"column:screening_number"`
	EnrollmentDate  *time.Time `json:"enrollment_date,omitempty" gorm:"column:enrollment_date;type:date"`
	Status          string     `json:"status" gorm:"column:status"`
	IsClean         bool       `json:"is_clean" gorm:"column:is_clean"`
	IssuesCount     int        `json:"issues_count" gorm:"column:issues_count"`
	UpdatedAt       time.Time  `json:"last_updated" gorm:"column:updated_at"`
}

func (Patient) TableName() string { return "patients" }

type Visit struct {
	ID            uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey;column:id"`
	PatientID     uuid.UUID  `json:"patient_id" gorm:"type:uuid;column:patient_id;uniqueIndex:idx_visits_patient_number"`
	VisitNumber   string     `json:"visit_number" gorm:"column:visit_number;uniqueIndex:idx_visits_patient_number"`
	VisitName     string     `json:"visit_name" gorm:"column:visit_name"`
	ScheduledDate *time.Time `json:"scheduled_date,omitempty" gorm:"column:scheduled_date;type:date"`
	ActualDate    *time.Time `json:"actual_date,omitempty" gorm:"column:actual_date;type:date"`
	IsCompleted   bool       `json:"is_completed" gorm:"column:is_completed"`
	IsMissing     bool       `json:"is_missing" gorm:"column:is_missing"`
	WindowStart   *time.Time `json:"window_start,omitempty" gorm:"column:window_start;type:date"`
	WindowEnd     *time.Time `json:"window_end,omitempty" gorm:"column:window_end;type:date"`
}

func (Visit) TableName() string { return "visits" }

// IsOverdue reports whether the admission window closed before today without
// the visit being completed.
func (v Visit) IsOverdue(today time.Time) bool {
	if v.WindowEnd == nil || v.IsCompleted {
		return false
	}
	return dateOnly(today).After(dateOnly(*v.WindowEnd))
}

type Form struct {
	ID            uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey;column:id"`
	VisitID       uuid.UUID  `json:"visit_id" gorm:"type:uuid;column:visit_id;index"`
	FormCode      string     `json:"form_id" gorm:"column:form_code"`
	FormName      string     `json:"form_name" gorm:"column:form_name"`
	IsRequired    bool       `json:"is_required" gorm:"column:is_required"`
	IsComplete    bool       `json:"is_complete" gorm:"column:is_complete"`
	IsVerified    bool       `json:"is_verified" gorm:"column:is_verified"`
	CompletedDate *time.Time `json:"completed_date,omitempty" gorm:"column:completed_date;type:date"`
	VerifiedDate  *time.Time `json:"verified_date,omitempty" gorm:"column:verified_date;type:date"`
}

func (Form) TableName() string { return "forms" }

func (f *Form) BeforeSave(*gorm.DB) error {
	if f.IsVerified && !f.IsComplete {
		return ErrVerifiedIncomplete
	}
	return nil
}

type Query struct {
	ID           uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey;column:id"`
	PatientID    uuid.UUID  `json:"patient_id" gorm:"type:uuid;column:patient_id;uniqueIndex:idx_queries_patient_ref"`
	QueryID      string     `json:"query_id" gorm:"column:query_id;uniqueIndex:idx_queries_patient_ref;index"`
	FormID       *uuid.UUID `json:"form_id,omitempty" gorm:"type:uuid;column:form_id"`
	QueryText    string     `json:"query_text" gorm:"column:query_text"`
	QueryType    string     `json:"query_type" gorm:"column:query_type"`
	Severity     string     `json:"severity" gorm:"column:severity"`
	OpenedDate   time.Time  `json:"opened_date" gorm:"column:opened_date;type:date"`
	ResolvedDate *time.Time `json:"resolved_date,omitempty" gorm:"column:resolved_date;type:date"`
	IsResolved   bool       `json:"is_resolved" gorm:"column:is_resolved"`
	DaysOpen     int        `json:"days_open" gorm:"column:days_open"`
	ResponseText string     `json:"response_text" gorm:"column:response_text"`
}

func (Query) TableName() string { return "queries" }

// AgeOn derives days_open: resolved − opened for resolved queries, otherwise
// today − opened.
func (q Query) AgeOn(today time.Time) int {
	end := dateOnly(today)
	if q.IsResolved && q.ResolvedDate != nil {
		end = dateOnly(*q.ResolvedDate)
	}
	return DaysBetween(q.OpenedDate, end)
}

type LabData struct {
	ID             uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey;column:id"`
	PatientID      uuid.UUID  `json:"patient_id" gorm:"type:uuid;column:patient_id;uniqueIndex:idx_lab_data_key"`
	VisitID        *uuid.UUID `json:"visit_id,omitempty" gorm:"type:uuid;column:visit_id;uniqueIndex:idx_lab_data_key"`
	LabName        string     `json:"lab_name" gorm:"column:lab_name;uniqueIndex:idx_lab_data_key"`
	TestName       string     `json:"test_name" gorm:"column:test_name;uniqueIndex:idx_lab_data_key"`
	TestCode       string     `json:"test_code" gorm:"column:test_code"`
	ResultValue    string     `json:"result_value" gorm:"column:result_value"`
	Unit           string     `json:"unit" gorm:"column:unit"`
	ReferenceRange string     `json:"reference_range" gorm:"column:reference_range"`
	IsMissing      bool       `json:"is_missing" gorm:"column:is_missing"`
	CollectionDate *time.Time `json:"collection_date,omitempty" gorm:"column:collection_date;type:date"`
}

func (LabData) TableName() string { return "lab_data" }

type CodingIssue struct {
	ID            uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey;column:id"`
	PatientID     uuid.UUID  `json:"patient_id" gorm:"type:uuid;column:patient_id;index"`
	IssueType     string     `json:"issue_type" gorm:"column:issue_type"`
	Term          string     `json:"term" gorm:"column:term"`
	SuggestedCode string     `json:"suggested_code" gorm:"column:suggested_code"`
	IsResolved    bool       `json:"is_resolved" gorm:"column:is_resolved"`
	CreatedAt     time.Time  `json:"created_at" gorm:"column:created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty" gorm:"column:resolved_at"`
}

func (CodingIssue) TableName() string { return "coding_issues" }

// Alert rows carry OpenKey ("<site>:<type>") while unresolved and deduplicated;
// the unique index on it backs the existence check against concurrent writers.
// Resolution clears the key so a later breach can raise a fresh alert.
type Alert struct {
	ID            uuid.UUID         `json:"id" gorm:"type:uuid;primaryKey;column:id"`
	SiteID        uuid.UUID         `json:"site_id" gorm:"type:uuid;column:site_id;index:idx_alerts_site_type"`
	PatientID     *uuid.UUID        `json:"patient_id,omitempty" gorm:"type:uuid;column:patient_id"`
	AlertType     string            `json:"alert_type" gorm:"column:alert_type;index:idx_alerts_site_type"`
	Severity      string            `json:"severity" gorm:"column:severity"`
	Message       string            `json:"message" gorm:"column:message"`
	ActionTaken   string            `json:"action_taken" gorm:"column:action_taken"`
	IsResolved    bool              `json:"is_resolved" gorm:"column:is_resolved;index:idx_alerts_site_type"`
	OpenKey       *string           `json:"-" gorm:"column:open_key;uniqueIndex"`
	CreatedAt     time.Time         `json:"created_at" gorm:"column:created_at"`
	ResolvedAt    *time.Time        `json:"resolved_at,omitempty" gorm:"column:resolved_at"`
	ResolvedBy    string            `json:"resolved_by" gorm:"column:resolved_by"`
	NotifiedUsers string            `json:"notified_users" gorm:"column:notified_users"`
	Metadata      datatypes.JSONMap `json:"metadata,omitempty" gorm:"column:metadata"`
}

func (Alert) TableName() string { return "alerts" }

// DQIHistory is append-only; nothing in this module updates or deletes it.
type DQIHistory struct {
	ID                   uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey;column:id"`
	SiteID               uuid.UUID      `json:"site_id" gorm:"type:uuid;column:site_id;index"`
	DQIScore             float64        `json:"dqi_score" gorm:"column:dqi_score"`
	MissingDataScore     float64        `json:"missing_data_score" gorm:"column:missing_data_score"`
	QueryScore           float64        `json:"query_score" gorm:"column:query_score"`
	VisitCompletionScore float64        `json:"visit_completion_score" gorm:"column:visit_completion_score"`
	VerificationScore    float64        `json:"verification_score" gorm:"column:verification_score"`
	CodingScore          float64        `json:"coding_score" gorm:"column:coding_score"`
	Weights              datatypes.JSON `json:"weights,omitempty" gorm:"column:weights"`
	CalculatedAt         time.Time      `json:"calculated_at" gorm:"column:calculated_at;index"`
}

func (DQIHistory) TableName() string { return "dqi_history" }

const (
	UploadAccepted  = "accepted"
	UploadProcessed = "processed"
	UploadFailed    = "failed"
)

type Upload struct {
	ID               uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey;column:id"`
	StudyID          uuid.UUID      `json:"study_id" gorm:"type:uuid;column:study_id;index"`
	OriginalFilename string         `json:"original_filename" gorm:"column:original_filename"`
	FileType         string         `json:"file_type" gorm:"column:file_type"`
	Status           string         `json:"status" gorm:"column:status"`
	UploadedAt       time.Time      `json:"uploaded_at" gorm:"column:uploaded_at"`
	Processed        bool           `json:"processed" gorm:"column:processed"`
	ProcessedAt      *time.Time     `json:"processed_at,omitempty" gorm:"column:processed_at"`
	RowsProcessed    int            `json:"rows_processed" gorm:"column:rows_processed"`
	Errors           string         `json:"errors" gorm:"column:errors"`
	RowErrors        datatypes.JSON `json:"row_errors,omitempty" gorm:"column:row_errors"`
}

func (Upload) TableName() string { return "uploads" }

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateOnly truncates t to midnight UTC of its calendar day.
func DateOnly(t time.Time) time.Time { return dateOnly(t) }

// DaysBetween counts whole calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(dateOnly(b).Sub(dateOnly(a)).Hours() / 24)
}
