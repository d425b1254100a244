// Package ingestion applies tabular site extracts to the record store, one
// independent upsert per row.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/trialquality/pkg/common/logger"
	"github.com/synaptica-ai/trialquality/pkg/records"
)

type Processor struct {
	store *records.Store
	scope records.KeyScope
}

func NewProcessor(store *records.Store, scope records.KeyScope) *Processor {
	if scope == "" {
		scope = records.QueryScopeGlobal
	}
	return &Processor{store: store, scope: scope}
}

// ProcessFile reads the extract and applies every row. File-level failures
// (unknown study, unreadable input, unknown type, missing columns) come back
// in Report.FileError with nothing applied; row failures are collected in
// Report.RowErrors and never stop the file. Cancellation stops the file and
// is reported as a file-level failure; rows applied before it stay applied.
func (p *Processor) ProcessFile(ctx context.Context, r io.Reader, filename, fileType string, studyID uuid.UUID) *Report {
	ft, err := ParseFileType(fileType)
	if err != nil {
		return newReport(FileType(fileType)).fail(err)
	}
	report := newReport(ft)
	if err := ctx.Err(); err != nil {
		return report.fail(err)
	}

	if _, err := p.store.GetStudy(ctx, studyID); err != nil {
		if errors.Is(err, records.ErrNotFound) {
			return report.fail(ValidationError{reason: fmt.Errorf("%w: %s", ErrUnknownStudy, studyID)})
		}
		return report.fail(fmt.Errorf("loading study %s: %w", studyID, err))
	}

	table, err := ReadTable(r, filename)
	if err != nil {
		return report.fail(err)
	}
	if err := ValidateColumns(ft, table.Headers); err != nil {
		return report.fail(err)
	}

	handle := p.handlerFor(ft)
	for _, row := range table.Rows {
		if err := ctx.Err(); err != nil {
			report.FileError = fmt.Errorf("interrupted at row %d: %w", row.Number, err)
			break
		}
		var written rowTarget
		err := p.store.Transaction(ctx, func(tx *records.Store) error {
			var err error
			written, err = handle(ctx, tx, studyID, row)
			return err
		})
		if err != nil {
			report.RowErrors = append(report.RowErrors, RowResult{Row: row.Number, Err: err})
			continue
		}
		report.touch(written.siteID, written.patientID)
		if written.reassigned {
			report.Reassigned++
		}
		report.RowsProcessed++
	}
	report.Success = report.FileError == nil

	logger.Log.WithFields(logrus.Fields{
		"file_type":  ft,
		"filename":   filename,
		"study_id":   studyID,
		"rows":       report.RowsProcessed,
		"row_errors": len(report.RowErrors),
	}).Info("Extract processed")
	if report.FileError != nil {
		logger.Log.WithError(report.FileError).WithField("filename", filename).Warn("Extract interrupted")
	}
	return report
}

// rowTarget identifies what an applied row wrote.
type rowTarget struct {
	siteID     uuid.UUID
	patientID  uuid.UUID
	reassigned bool
}

type rowHandler func(ctx context.Context, tx *records.Store, studyID uuid.UUID, row Row) (rowTarget, error)

func (p *Processor) handlerFor(ft FileType) rowHandler {
	switch ft {
	case MissingLabs:
		return p.missingLab
	case MissingVisits:
		return p.missingVisit
	case OpenQueries:
		return p.openQuery
	case CodingIssues:
		return p.codingIssue
	case VisitProjections:
		return p.visitProjection
	}
	panic(fmt.Sprintf("ingestion: no handler for %q", ft))
}
