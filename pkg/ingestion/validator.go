package ingestion

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownFileType = errors.New("unknown file type")
	ErrMissingColumns  = errors.New("missing required columns")
	ErrUnreadableFile  = errors.New("unreadable file")
	ErrUnknownStudy    = errors.New("unknown study")
)

// ValidationError marks a file-level failure: nothing in the file was applied.
type ValidationError struct {
	reason error
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// FileType tags the kind of extract being ingested.
type FileType string

const (
	MissingLabs      FileType = "missing_labs"
	MissingVisits    FileType = "missing_visits"
	CodingIssues     FileType = "coding_issues"
	OpenQueries      FileType = "open_queries"
	VisitProjections FileType = "visit_projections"
)

var requiredColumns = map[FileType][]string{
	MissingLabs:      {"site_number", "patient_id", "visit", "lab_name", "test_name"},
	MissingVisits:    {"site_number", "patient_id", "visit_number"},
	CodingIssues:     {"site_number", "patient_id", "term"},
	OpenQueries:      {"site_number", "patient_id", "query_id", "opened_date"},
	VisitProjections: {"site_number", "patient_id", "visit_number", "projected_date"},
}

// FileTypes lists every supported tag.
func FileTypes() []FileType {
	return []FileType{MissingLabs, MissingVisits, CodingIssues, OpenQueries, VisitProjections}
}

func ParseFileType(value string) (FileType, error) {
	ft := FileType(strings.TrimSpace(strings.ToLower(value)))
	if _, ok := requiredColumns[ft]; !ok {
		return "", ValidationError{reason: fmt.Errorf("%w: %q", ErrUnknownFileType, value)}
	}
	return ft, nil
}

// RequiredColumns returns the normalised headers a file of type ft must carry.
func RequiredColumns(ft FileType) []string {
	return append([]string(nil), requiredColumns[ft]...)
}

// ValidateColumns checks that every required column of ft is present in the
// normalised headers.
func ValidateColumns(ft FileType, headers []string) error {
	present := make(map[string]struct{}, len(headers))
	for _, h := range headers {
		present[h] = struct{}{}
	}

	var missing []string
	for _, col := range requiredColumns[ft] {
		if _, ok := present[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return ValidationError{reason: fmt.Errorf("%w: %s (required: %s)",
			ErrMissingColumns, strings.Join(missing, ", "), strings.Join(requiredColumns[ft], ", "))}
	}
	return nil
}
