// Package recordstest opens throwaway record stores on in-memory SQLite and
// builds small study hierarchies for tests.
package recordstest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/trialquality/pkg/records"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// Today is the fixed clock used by fixtures.
var Today = time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC)

func Clock() time.Time { return Today.Add(9 * time.Hour) }

// Open returns a migrated store on a private in-memory database whose clock is
// pinned to Clock.
func Open(tb testing.TB) *records.Store {
	tb.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=off", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		tb.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		tb.Fatalf("failed to get sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	tb.Cleanup(func() { _ = sqlDB.Close() })

	store := records.NewStore(db).WithClock(Clock)
	if err := store.AutoMigrate(); err != nil {
		tb.Fatalf("failed to migrate: %v", err)
	}
	return store
}

// DaysAgo returns the fixture day n days before Today.
func DaysAgo(n int) time.Time {
	return Today.AddDate(0, 0, -n)
}

func Study(tb testing.TB, store *records.Store, code string) *records.Study {
	tb.Helper()
	study := &records.Study{Code: code, Name: "Study " + code, ProtocolNumber: "P-" + code}
	if err := store.CreateStudy(context.Background(), study); err != nil {
		tb.Fatalf("create study: %v", err)
	}
	return study
}

func Site(tb testing.TB, store *records.Store, studyID uuid.UUID, number string) *records.Site {
	tb.Helper()
	site, err := store.EnsureSite(context.Background(), studyID, number, records.SiteDefaults{})
	if err != nil {
		tb.Fatalf("create site: %v", err)
	}
	return site
}

func Patient(tb testing.TB, store *records.Store, siteID uuid.UUID, code string) *records.Patient {
	tb.Helper()
	patient, err := store.EnsurePatient(context.Background(), siteID, code)
	if err != nil {
		tb.Fatalf("create patient: %v", err)
	}
	return patient
}

func Visit(tb testing.TB, store *records.Store, patientID uuid.UUID, number string, completed, missing bool) *records.Visit {
	tb.Helper()
	visit, err := store.UpsertVisit(context.Background(), patientID, number, records.VisitState{
		IsCompleted: completed,
		IsMissing:   missing,
	})
	if err != nil {
		tb.Fatalf("create visit: %v", err)
	}
	return visit
}

func Form(tb testing.TB, store *records.Store, visitID uuid.UUID, required, complete, verified bool) *records.Form {
	tb.Helper()
	form := &records.Form{
		ID:         uuid.New(),
		VisitID:    visitID,
		FormCode:   uuid.NewString()[:8],
		FormName:   "CRF",
		IsRequired: required,
		IsComplete: complete,
		IsVerified: verified,
	}
	if err := store.Create(context.Background(), form); err != nil {
		tb.Fatalf("create form: %v", err)
	}
	return form
}

func Query(tb testing.TB, store *records.Store, patientID uuid.UUID, ref string, openedDaysAgo int, resolved bool) *records.Query {
	tb.Helper()
	q := &records.Query{
		ID:         uuid.New(),
		PatientID:  patientID,
		QueryID:    ref,
		QueryText:  "Please verify",
		QueryType:  "missing_data",
		Severity:   records.SeverityMedium,
		OpenedDate: DaysAgo(openedDaysAgo),
		IsResolved: resolved,
	}
	if resolved {
		r := Today
		q.ResolvedDate = &r
	}
	q.DaysOpen = q.AgeOn(Today)
	if err := store.Create(context.Background(), q); err != nil {
		tb.Fatalf("create query: %v", err)
	}
	return q
}

func Lab(tb testing.TB, store *records.Store, patientID uuid.UUID, visitID *uuid.UUID, test string, missing bool) *records.LabData {
	tb.Helper()
	lab := &records.LabData{
		ID:        uuid.New(),
		PatientID: patientID,
		VisitID:   visitID,
		LabName:   "Central",
		TestName:  test,
		IsMissing: missing,
	}
	if err := store.Create(context.Background(), lab); err != nil {
		tb.Fatalf("create lab: %v", err)
	}
	return lab
}

func CodingIssue(tb testing.TB, store *records.Store, patientID uuid.UUID, term string, resolved bool) *records.CodingIssue {
	tb.Helper()
	issue := &records.CodingIssue{
		PatientID:  patientID,
		IssueType:  records.CodingMedDRA,
		Term:       term,
		IsResolved: resolved,
		CreatedAt:  Clock(),
	}
	if err := store.CreateCodingIssue(context.Background(), issue); err != nil {
		tb.Fatalf("create coding issue: %v", err)
	}
	return issue
}
