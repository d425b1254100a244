package pipeline_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/trialquality/pkg/alerting"
	"github.com/synaptica-ai/trialquality/pkg/common/models"
	"github.com/synaptica-ai/trialquality/pkg/dqi"
	"github.com/synaptica-ai/trialquality/pkg/ingestion"
	"github.com/synaptica-ai/trialquality/pkg/pipeline"
	"github.com/synaptica-ai/trialquality/pkg/records"
	"github.com/synaptica-ai/trialquality/pkg/records/recordstest"
	"github.com/synaptica-ai/trialquality/pkg/status"
)

type recordedEvent struct {
	Type string
	Key  string
	Data map[string]interface{}
}

type fakeEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeEvents) PublishEvent(_ context.Context, eventType, _, key string, data map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{Type: eventType, Key: key, Data: data})
	return nil
}

func (f *fakeEvents) ofType(t string) []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedEvent
	for _, e := range f.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeCache struct {
	mu    sync.Mutex
	sites map[uuid.UUID]models.SiteMetrics
}

func (f *fakeCache) PutSiteMetrics(_ context.Context, m models.SiteMetrics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sites[m.SiteID] = m
	return nil
}

type harness struct {
	store  *records.Store
	coord  *pipeline.Coordinator
	events *fakeEvents
	cache  *fakeCache
	study  *records.Study
}

func newHarness(t *testing.T) harness {
	t.Helper()
	store := recordstest.Open(t)
	engine, err := dqi.NewEngine(store, dqi.DefaultWeights())
	require.NoError(t, err)

	events := &fakeEvents{}
	cache := &fakeCache{sites: map[uuid.UUID]models.SiteMetrics{}}
	coord := pipeline.NewCoordinator(
		store,
		ingestion.NewProcessor(store, records.QueryScopeGlobal),
		engine,
		status.NewAggregator(store),
		alerting.NewEngine(store, alerting.DefaultRules(), alerting.NewEventNotifier(events, "test")),
		pipeline.Options{Events: events, Cache: cache, Concurrency: 2},
	)
	return harness{store: store, coord: coord, events: events, cache: cache, study: recordstest.Study(t, store, "PIPE-1")}
}

func TestProcessFileRunsDownstreamStages(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	idle := recordstest.Site(t, h.store, h.study.ID, "900")

	csv := "site_number,patient_id,query_id,opened_date\n" +
		"101,P-001,Q-1,2024-03-05\n" +
		"101,P-002,Q-2,2024-03-14\n" +
		"102,P-003,Q-3,bad\n"
	summary, err := h.coord.ProcessUpload(ctx, strings.NewReader(csv), "queries.csv", "open_queries", "PIPE-1")
	require.NoError(t, err)

	assert.True(t, summary.Success)
	assert.Equal(t, 2, summary.RowsProcessed)
	assert.Equal(t, "Row 4: opened_date: invalid date \"bad\"", summary.ErrorText)
	assert.Equal(t, 2, summary.SitesScored)
	assert.Equal(t, 2, summary.PatientsRated)

	upload, err := h.coord.Upload(ctx, summary.UploadID)
	require.NoError(t, err)
	assert.Equal(t, records.UploadProcessed, upload.Status)
	assert.True(t, upload.Processed)
	assert.Equal(t, 2, upload.RowsProcessed)
	var rowErrors []string
	require.NoError(t, json.Unmarshal(upload.RowErrors, &rowErrors))
	assert.Len(t, rowErrors, 1)

	sites, err := h.store.ListSites(ctx, h.study.ID)
	require.NoError(t, err)
	require.Len(t, sites, 2)
	for _, site := range sites {
		require.NotNil(t, site.LastCalculated, site.SiteNumber)
	}

	idleSite, err := h.store.GetSite(ctx, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, idleSite.DQIScore)

	patients, err := h.store.ListPatients(ctx, sites[0].ID)
	require.NoError(t, err)
	require.Len(t, patients, 2)
	for _, p := range patients {
		assert.Equal(t, records.PatientMinorIssues, p.Status)
		assert.Equal(t, 1, p.IssuesCount)
	}

	assert.Len(t, h.events.ofType(models.EventExtractProcessed), 1)
	assert.Len(t, h.events.ofType(models.EventDQIComputed), 2)
	assert.Contains(t, h.cache.sites, sites[0].ID)
	assert.Equal(t, 2, h.cache.sites[sites[0].ID].TotalPatients)

	// The idle site has no patients, scores 0 and trips the DQI alert.
	raised := h.events.ofType(models.EventAlertRaised)
	require.Len(t, raised, 1)
	assert.Equal(t, idle.ID.String(), raised[0].Key)
}

func TestProcessFileRejectedFile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	summary, err := h.coord.ProcessFile(ctx, strings.NewReader("site_number\n101\n"), "labs.csv", "missing_labs", h.study.ID)
	require.NoError(t, err)
	assert.False(t, summary.Success)
	assert.Zero(t, summary.RowsProcessed)
	assert.Contains(t, summary.ErrorText, "missing required columns")

	upload, err := h.store.GetUpload(ctx, summary.UploadID)
	require.NoError(t, err)
	assert.Equal(t, records.UploadFailed, upload.Status)
	assert.False(t, upload.Processed)
	assert.Empty(t, h.events.ofType(models.EventDQIComputed))
}

func TestProcessUploadUnknownStudy(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.ProcessUpload(context.Background(), strings.NewReader(""), "x.csv", "missing_labs", "NOPE")
	assert.ErrorIs(t, err, records.ErrNotFound)
}

func TestRecomputeAllActiveSites(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	for _, number := range []string{"1", "2", "3"} {
		site := recordstest.Site(t, h.store, h.study.ID, number)
		recordstest.Patient(t, h.store, site.ID, "P-"+number)
	}
	closed := &records.Site{ID: uuid.New(), StudyID: h.study.ID, SiteNumber: "4", SiteName: "Site 4", Status: records.SiteInactive}
	require.NoError(t, h.store.Create(ctx, closed))

	n, err := h.coord.RecomputeAllActiveSites(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	sites, err := h.store.ListSitesByStatus(ctx, records.SiteActive)
	require.NoError(t, err)
	require.Len(t, sites, 3)
	for _, site := range sites {
		assert.Equal(t, 100.0, site.DQIScore)
		count, err := h.store.CountDQIHistory(ctx, site.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	}

	skipped, err := h.store.GetSite(ctx, closed.ID)
	require.NoError(t, err)
	assert.Nil(t, skipped.LastCalculated)
}

func TestResolveQueryRefreshesStatusAndScore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	site := recordstest.Site(t, h.store, h.study.ID, "1")
	patient := recordstest.Patient(t, h.store, site.ID, "P-1")
	q1 := recordstest.Query(t, h.store, patient.ID, "Q-1", 10, false)
	recordstest.Query(t, h.store, patient.ID, "Q-2", 4, false)

	_, err := h.coord.RecomputeSite(ctx, site.ID)
	require.NoError(t, err)
	before, err := h.store.GetSite(ctx, site.ID)
	require.NoError(t, err)

	resolved, err := h.coord.ResolveQuery(ctx, q1.ID, "Corrected in EDC")
	require.NoError(t, err)
	assert.True(t, resolved.IsResolved)
	assert.Equal(t, 10, resolved.DaysOpen)
	require.NotNil(t, resolved.ResolvedDate)
	assert.True(t, recordstest.Today.Equal(*resolved.ResolvedDate))

	after, err := h.store.GetSite(ctx, site.ID)
	require.NoError(t, err)
	assert.Greater(t, after.DQIScore, before.DQIScore)

	stored, err := h.store.GetPatient(ctx, patient.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.IssuesCount)

	again, err := h.coord.ResolveQuery(ctx, q1.ID, "ignored")
	require.NoError(t, err)
	assert.Equal(t, "Corrected in EDC", again.ResponseText)
}

func TestBulkResolveQueries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	site := recordstest.Site(t, h.store, h.study.ID, "1")
	patient := recordstest.Patient(t, h.store, site.ID, "P-1")
	for _, ref := range []string{"Q-1", "Q-2", "Q-3"} {
		recordstest.Query(t, h.store, patient.ID, ref, 3, false)
	}

	n, err := h.coord.BulkResolveQueries(ctx, patient.ID, "Batch closed")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	stored, err := h.store.GetPatient(ctx, patient.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsClean)
	assert.Equal(t, records.PatientClean, stored.Status)

	_, err = h.coord.BulkResolveQueries(ctx, uuid.New(), "x")
	assert.ErrorIs(t, err, records.ErrNotFound)
}

func TestRequestLabData(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	site := recordstest.Site(t, h.store, h.study.ID, "1")
	patient := recordstest.Patient(t, h.store, site.ID, "P-1")
	lab := recordstest.Lab(t, h.store, patient.ID, nil, "ALT", true)

	alert, err := h.coord.RequestLabData(ctx, lab.ID)
	require.NoError(t, err)
	assert.Equal(t, records.AlertMissingLab, alert.AlertType)
	assert.Len(t, h.events.ofType(models.EventAlertRaised), 1)
}

func TestUploadHandlerProcessesEvent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "codes.csv"),
		[]byte("site_number,patient_id,term\n101,P-1,Headache\n"), 0o600))

	handler := pipeline.NewUploadHandler(h.coord, root)
	event := models.Event{
		ID:   uuid.NewString(),
		Type: models.EventExtractUploaded,
		Data: map[string]interface{}{
			"study_id":  h.study.ID.String(),
			"file_type": "coding_issues",
			"path":      "codes.csv",
		},
	}
	require.NoError(t, handler.Handle(ctx, event))

	processed := h.events.ofType(models.EventExtractProcessed)
	require.Len(t, processed, 1)
	assert.Equal(t, "codes.csv", processed[0].Data["filename"])
	assert.Equal(t, 1, processed[0].Data["rows_processed"])

	event.Data["path"] = "../outside.csv"
	require.NoError(t, handler.Handle(ctx, event))
	assert.Len(t, h.events.ofType(models.EventExtractProcessed), 1)

	require.NoError(t, handler.Handle(ctx, models.Event{Type: models.EventDQIComputed}))
}

func TestUploadHandlerUnknownStudyCreatesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "queries.csv"),
		[]byte("site_number,patient_id,query_id,opened_date\n101,P-1,Q-1,2024-03-05\n"), 0o600))

	missing := uuid.New()
	handler := pipeline.NewUploadHandler(h.coord, root)
	require.NoError(t, handler.Handle(ctx, models.Event{
		ID:   uuid.NewString(),
		Type: models.EventExtractUploaded,
		Data: map[string]interface{}{
			"study_id":  missing.String(),
			"file_type": "open_queries",
			"path":      "queries.csv",
		},
	}))

	sites, err := h.store.ListSites(ctx, missing)
	require.NoError(t, err)
	assert.Empty(t, sites)
	_, err = h.store.GetQueryByRef(ctx, "Q-1")
	assert.ErrorIs(t, err, records.ErrNotFound)

	processed := h.events.ofType(models.EventExtractProcessed)
	require.Len(t, processed, 1)
	assert.Equal(t, false, processed[0].Data["success"])
	assert.Empty(t, h.events.ofType(models.EventDQIComputed))
}

func TestCachedMetricsReflectRecomputedStatuses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	csv := "site_number,patient_id,visit_number,projected_date,actual_date\n" +
		"101,P-001,1,2024-03-01,2024-03-01\n"
	summary, err := h.coord.ProcessFile(ctx, strings.NewReader(csv), "visits.csv", "visit_projections", h.study.ID)
	require.NoError(t, err)
	require.True(t, summary.Success)
	assert.Equal(t, 1, summary.PatientsRated)

	sites, err := h.store.ListSites(ctx, h.study.ID)
	require.NoError(t, err)
	require.Len(t, sites, 1)

	live, err := h.coord.SiteMetrics(ctx, sites[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, live.CleanPatients)

	cached, ok := h.cache.sites[sites[0].ID]
	require.True(t, ok)
	assert.Equal(t, live.CleanPatients, cached.CleanPatients)
	assert.Equal(t, live.TotalPatients, cached.TotalPatients)
}
