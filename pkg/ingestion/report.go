package ingestion

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// RowResult is the outcome of one data row. Err is nil for applied rows.
type RowResult struct {
	Row int
	Err error
}

func (r RowResult) String() string {
	return fmt.Sprintf("Row %d: %v", r.Row, r.Err)
}

// Report is the outcome of one file.
type Report struct {
	FileType      FileType
	Success       bool
	RowsProcessed int
	RowErrors     []RowResult
	// FileError is set when the file was rejected as a whole.
	FileError error
	// Reassigned counts queries moved to another patient by a global-key upsert.
	Reassigned int

	sites    map[uuid.UUID]struct{}
	patients map[uuid.UUID]struct{}
}

func newReport(ft FileType) *Report {
	return &Report{
		FileType: ft,
		sites:    make(map[uuid.UUID]struct{}),
		patients: make(map[uuid.UUID]struct{}),
	}
}

func (r *Report) fail(err error) *Report {
	r.Success = false
	r.RowsProcessed = 0
	r.FileError = err
	return r
}

func (r *Report) touch(siteID, patientID uuid.UUID) {
	r.sites[siteID] = struct{}{}
	r.patients[patientID] = struct{}{}
}

// Sites lists the sites written by applied rows.
func (r *Report) Sites() []uuid.UUID { return sortedIDs(r.sites) }

// Patients lists the patients written by applied rows.
func (r *Report) Patients() []uuid.UUID { return sortedIDs(r.patients) }

// ErrorMessages renders the file error or each row error as "Row N: message".
func (r *Report) ErrorMessages() []string {
	if r.FileError != nil {
		return []string{r.FileError.Error()}
	}
	out := make([]string, 0, len(r.RowErrors))
	for _, res := range r.RowErrors {
		out = append(out, res.String())
	}
	return out
}

// ErrorText joins ErrorMessages with newlines.
func (r *Report) ErrorText() string {
	return strings.Join(r.ErrorMessages(), "\n")
}

func sortedIDs(set map[uuid.UUID]struct{}) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
