package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("record not found")

// Store is the record store of the study hierarchy. Every method scopes its
// statements to the store's handle, so a Store obtained inside Transaction
// writes through that transaction.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock returns a copy of the store that reads the current time from now.
func (s *Store) WithClock(now func() time.Time) *Store {
	return &Store{db: s.db, now: now}
}

func (s *Store) Now() time.Time { return s.now() }

// Today is the current calendar day at midnight UTC.
func (s *Store) Today() time.Time { return dateOnly(s.now()) }

func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&Study{},
		&Site{},
		&Patient{},
		&Visit{},
		&Form{},
		&Query{},
		&LabData{},
		&CodingIssue{},
		&Alert{},
		&DQIHistory{},
		&Upload{},
	)
}

// EnsureQueryKeyIndex makes query_id unique across the study hierarchy under
// global scope and drops that constraint under patient scope. It fails when
// existing rows already repeat a query_id.
func (s *Store) EnsureQueryKeyIndex(scope KeyScope) error {
	if scope == QueryScopePatient {
		return s.db.Exec("DROP INDEX IF EXISTS idx_queries_query_id").Error
	}
	return s.db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_queries_query_id ON queries (query_id)").Error
}

func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, now: s.now})
	})
}

// isUniqueViolation recognises duplicate-key failures from both the translated
// gorm error and a raw Postgres error.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func takeByKey[T any](ctx context.Context, db *gorm.DB, key map[string]interface{}) (*T, error) {
	var row T
	err := db.WithContext(ctx).Where(key).Order("id").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// getOrCreate reads the row matching key and inserts build() only when absent.
// An insert that loses a race against a concurrent writer resolves to the
// winner's row.
func getOrCreate[T any](ctx context.Context, db *gorm.DB, key map[string]interface{}, build func() *T) (*T, bool, error) {
	existing, err := takeByKey[T](ctx, db, key)
	if err != nil || existing != nil {
		return existing, false, err
	}

	row := build()
	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil && !isUniqueViolation(res.Error) {
		return nil, false, res.Error
	}
	if res.Error == nil && res.RowsAffected > 0 {
		return row, true, nil
	}

	winner, err := takeByKey[T](ctx, db, key)
	if err != nil {
		return nil, false, err
	}
	if winner == nil {
		return nil, false, fmt.Errorf("conflicting insert left no row for key %v", key)
	}
	return winner, false, nil
}

// upsertByKey applies updates to the row matching key, inserting build() when
// no such row exists yet.
func upsertByKey[T any](ctx context.Context, db *gorm.DB, key map[string]interface{}, build func() *T, updates map[string]interface{}) (*T, bool, error) {
	row, created, err := getOrCreate(ctx, db, key, build)
	if err != nil || created {
		return row, created, err
	}
	if err := db.WithContext(ctx).Model(row).Updates(updates).Error; err != nil {
		return nil, false, err
	}
	updated, err := takeByKey[T](ctx, db, key)
	if err != nil {
		return nil, false, err
	}
	return updated, false, nil
}

func (s *Store) CreateStudy(ctx context.Context, study *Study) error {
	if study.ID == uuid.Nil {
		study.ID = uuid.New()
	}
	if study.Phase == "" {
		study.Phase = "III"
	}
	return s.db.WithContext(ctx).Create(study).Error
}

func (s *Store) GetStudy(ctx context.Context, id uuid.UUID) (*Study, error) {
	return getByID[Study](ctx, s.db, id)
}

func (s *Store) GetStudyByCode(ctx context.Context, code string) (*Study, error) {
	row, err := takeByKey[Study](ctx, s.db, map[string]interface{}{"code": code})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrNotFound
	}
	return row, nil
}

// ResolveStudy accepts either a study id or a study code.
func (s *Store) ResolveStudy(ctx context.Context, ref string) (*Study, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return s.GetStudy(ctx, id)
	}
	return s.GetStudyByCode(ctx, ref)
}

func (s *Store) GetSite(ctx context.Context, id uuid.UUID) (*Site, error) {
	return getByID[Site](ctx, s.db, id)
}

func (s *Store) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return getByID[Patient](ctx, s.db, id)
}

func (s *Store) GetQuery(ctx context.Context, id uuid.UUID) (*Query, error) {
	return getByID[Query](ctx, s.db, id)
}

func (s *Store) GetLab(ctx context.Context, id uuid.UUID) (*LabData, error) {
	return getByID[LabData](ctx, s.db, id)
}

func (s *Store) GetAlert(ctx context.Context, id uuid.UUID) (*Alert, error) {
	return getByID[Alert](ctx, s.db, id)
}

func getByID[T any](ctx context.Context, db *gorm.DB, id uuid.UUID) (*T, error) {
	var row T
	err := db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Store) ListSites(ctx context.Context, studyID uuid.UUID) ([]Site, error) {
	var rows []Site
	if err := s.db.WithContext(ctx).Where("study_id = ?", studyID).Order("site_number").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) ListSitesByStatus(ctx context.Context, status string) ([]Site, error) {
	var rows []Site
	if err := s.db.WithContext(ctx).Where("status = ?", status).Order("site_number").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) ListPatients(ctx context.Context, siteID uuid.UUID) ([]Patient, error) {
	var rows []Patient
	if err := s.db.WithContext(ctx).Where("site_id = ?", siteID).Order("code").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) ListStudyPatientIDs(ctx context.Context, studyID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Model(&Patient{}).
		Joins("JOIN sites ON sites.id = patients.site_id").
		Where("sites.study_id = ?", studyID).
		Order("patients.code").
		Pluck("patients.id", &ids).Error
	return ids, err
}

func (s *Store) ListVisits(ctx context.Context, patientID uuid.UUID) ([]Visit, error) {
	var rows []Visit
	if err := s.db.WithContext(ctx).Where("patient_id = ?", patientID).Order("visit_number").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) ListOpenQueries(ctx context.Context, patientID uuid.UUID) ([]Query, error) {
	var rows []Query
	if err := s.db.WithContext(ctx).Where("patient_id = ? AND is_resolved = ?", patientID, false).
		Order("opened_date").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// GetQueryByRef finds a query by its external query_id. When the same
// reference exists under several patients the lowest row id wins.
func (s *Store) GetQueryByRef(ctx context.Context, ref string) (*Query, error) {
	row, err := takeByKey[Query](ctx, s.db, map[string]interface{}{"query_id": ref})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrNotFound
	}
	return row, nil
}

// SiteDefaults fills descriptive fields of a site created implicitly by ingestion.
type SiteDefaults struct {
	Name         string
	Country      string
	Investigator string
}

// EnsureSite resolves the site by (study, site_number), creating it with
// defaulted descriptive fields when absent. Existing sites are not modified.
func (s *Store) EnsureSite(ctx context.Context, studyID uuid.UUID, number string, defaults SiteDefaults) (*Site, error) {
	site, _, err := getOrCreate(ctx, s.db,
		map[string]interface{}{"study_id": studyID, "site_number": number},
		func() *Site {
			return &Site{
				ID:               uuid.New(),
				StudyID:          studyID,
				SiteNumber:       number,
				SiteName:         defaultString(defaults.Name, "Site "+number),
				Country:          defaultString(defaults.Country, "Unknown"),
				InvestigatorName: defaultString(defaults.Investigator, "TBD"),
				Status:           SiteActive,
			}
		})
	return site, err
}

func (s *Store) EnsurePatient(ctx context.Context, siteID uuid.UUID, code string) (*Patient, error) {
	patient, _, err := getOrCreate(ctx, s.db,
		map[string]interface{}{"site_id": siteID, "code": code},
		func() *Patient {
			return &Patient{
				ID:     uuid.New(),
				SiteID: siteID,
				Code:   code,
				Status: PatientMinorIssues,
			}
		})
	return patient, err
}

// EnsureVisit resolves the visit by (patient, visit_number) without touching
// an existing row.
func (s *Store) EnsureVisit(ctx context.Context, patientID uuid.UUID, number, name string) (*Visit, error) {
	visit, _, err := getOrCreate(ctx, s.db,
		map[string]interface{}{"patient_id": patientID, "visit_number": number},
		func() *Visit {
			return &Visit{
				ID:          uuid.New(),
				PatientID:   patientID,
				VisitNumber: number,
				VisitName:   defaultString(name, "Visit "+number),
			}
		})
	return visit, err
}

// VisitState is the mutable part of a visit written by an upsert.
type VisitState struct {
	VisitName     string
	ScheduledDate *time.Time
	ActualDate    *time.Time
	IsCompleted   bool
	IsMissing     bool
}

func (s *Store) UpsertVisit(ctx context.Context, patientID uuid.UUID, number string, state VisitState) (*Visit, error) {
	name := defaultString(state.VisitName, "Visit "+number)
	visit, _, err := upsertByKey(ctx, s.db,
		map[string]interface{}{"patient_id": patientID, "visit_number": number},
		func() *Visit {
			return &Visit{
				ID:            uuid.New(),
				PatientID:     patientID,
				VisitNumber:   number,
				VisitName:     name,
				ScheduledDate: state.ScheduledDate,
				ActualDate:    state.ActualDate,
				IsCompleted:   state.IsCompleted,
				IsMissing:     state.IsMissing,
			}
		},
		map[string]interface{}{
			"visit_name":     name,
			"scheduled_date": state.ScheduledDate,
			"actual_date":    state.ActualDate,
			"is_completed":   state.IsCompleted,
			"is_missing":     state.IsMissing,
		})
	return visit, err
}

// UpsertLab writes lab by its (patient, visit, lab_name, test_name) key.
func (s *Store) UpsertLab(ctx context.Context, lab LabData) (*LabData, error) {
	row, _, err := upsertByKey(ctx, s.db,
		map[string]interface{}{
			"patient_id": lab.PatientID,
			"visit_id":   lab.VisitID,
			"lab_name":   lab.LabName,
			"test_name":  lab.TestName,
		},
		func() *LabData {
			created := lab
			created.ID = uuid.New()
			return &created
		},
		map[string]interface{}{
			"is_missing":      lab.IsMissing,
			"reference_range": lab.ReferenceRange,
			"test_code":       lab.TestCode,
		})
	return row, err
}

// KeyScope selects how ingestion resolves an existing query.
type KeyScope string

const (
	// QueryScopeGlobal resolves by query_id alone; a matching query filed
	// under another patient is reassigned.
	QueryScopeGlobal KeyScope = "global"
	// QueryScopePatient resolves by (patient, query_id).
	QueryScopePatient KeyScope = "patient"
)

func ParseKeyScope(value string) (KeyScope, error) {
	switch KeyScope(value) {
	case QueryScopeGlobal, "":
		return QueryScopeGlobal, nil
	case QueryScopePatient:
		return QueryScopePatient, nil
	}
	return "", fmt.Errorf("unknown query key scope %q", value)
}

// UpsertQuery writes q keyed according to scope. The returned flag reports a
// reassignment from a different patient.
func (s *Store) UpsertQuery(ctx context.Context, q Query, scope KeyScope) (*Query, bool, error) {
	key := map[string]interface{}{"query_id": q.QueryID}
	if scope == QueryScopePatient {
		key["patient_id"] = q.PatientID
	}

	previous, err := takeByKey[Query](ctx, s.db, key)
	if err != nil {
		return nil, false, err
	}
	reassigned := previous != nil && previous.PatientID != q.PatientID

	row, _, err := upsertByKey(ctx, s.db, key,
		func() *Query {
			created := q
			created.ID = uuid.New()
			return &created
		},
		map[string]interface{}{
			"patient_id":  q.PatientID,
			"query_text":  q.QueryText,
			"query_type":  q.QueryType,
			"severity":    q.Severity,
			"opened_date": q.OpenedDate,
			"is_resolved": q.IsResolved,
			"days_open":   q.DaysOpen,
		})
	return row, reassigned, err
}

func (s *Store) CreateCodingIssue(ctx context.Context, issue *CodingIssue) error {
	if issue.ID == uuid.Nil {
		issue.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Create(issue).Error
}

// Create inserts any entity whose ID has already been assigned. It backs
// fixtures and administrative tooling; ingestion goes through the upserts.
func (s *Store) Create(ctx context.Context, value interface{}) error {
	return s.db.WithContext(ctx).Create(value).Error
}

func (s *Store) ResolveQuery(ctx context.Context, id uuid.UUID, response string) (*Query, error) {
	query, err := s.GetQuery(ctx, id)
	if err != nil {
		return nil, err
	}
	today := s.Today()
	query.IsResolved = true
	query.ResolvedDate = &today
	query.ResponseText = response
	query.DaysOpen = query.AgeOn(today)
	err = s.db.WithContext(ctx).Model(&Query{}).Where("id = ?", id).Updates(map[string]interface{}{
		"is_resolved":   true,
		"resolved_date": today,
		"response_text": response,
		"days_open":     query.DaysOpen,
	}).Error
	if err != nil {
		return nil, err
	}
	return query, nil
}

func (s *Store) OpenQueryIDs(ctx context.Context, patientID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Model(&Query{}).
		Where("patient_id = ? AND is_resolved = ?", patientID, false).
		Order("opened_date").
		Pluck("id", &ids).Error
	return ids, err
}

// RefreshQueryAges rewrites days_open of every unresolved query from its
// opened date and returns how many rows were examined.
func (s *Store) RefreshQueryAges(ctx context.Context) (int, error) {
	today := s.Today()
	var open []Query
	if err := s.db.WithContext(ctx).Select("id", "opened_date", "days_open").
		Where("is_resolved = ?", false).Find(&open).Error; err != nil {
		return 0, err
	}
	for _, q := range open {
		age := q.AgeOn(today)
		if age == q.DaysOpen {
			continue
		}
		if err := s.db.WithContext(ctx).Model(&Query{}).Where("id = ?", q.ID).
			Update("days_open", age).Error; err != nil {
			return 0, fmt.Errorf("refreshing query %s: %w", q.ID, err)
		}
	}
	return len(open), nil
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
