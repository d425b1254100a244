package pipeline_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/trialquality/pkg/pipeline"
	"github.com/synaptica-ai/trialquality/pkg/records"
	"github.com/synaptica-ai/trialquality/pkg/records/recordstest"
)

func TestSchedulerJobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sched := pipeline.NewScheduler(h.coord, pipeline.ScheduleConfig{}, nil)

	site := recordstest.Site(t, h.store, h.study.ID, "1")
	patient := recordstest.Patient(t, h.store, site.ID, "P-1")
	for _, n := range []string{"1", "2", "3", "4", "5"} {
		recordstest.Visit(t, h.store, patient.ID, n, false, true)
	}
	// Stale age as left by an extract loaded a month ago.
	q := &records.Query{
		ID:         uuid.New(),
		PatientID:  patient.ID,
		QueryID:    "Q-1",
		QueryText:  "Please verify",
		Severity:   records.SeverityMedium,
		OpenedDate: recordstest.DaysAgo(30),
	}
	require.NoError(t, h.store.Create(ctx, q))

	n, err := sched.RefreshQueryAges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	refreshed, err := h.store.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, refreshed.DaysOpen)

	n, err = sched.ScanMissingVisits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	alerts, err := h.store.ListAlerts(ctx, site.ID, false)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, records.AlertMissingVisits, alerts[0].AlertType)

	n, err = sched.SweepDQI(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	scored, err := h.store.GetSite(ctx, site.ID)
	require.NoError(t, err)
	assert.NotNil(t, scored.LastCalculated)
}

func TestSchedulerRunStopsWithContext(t *testing.T) {
	h := newHarness(t)
	sched := pipeline.NewScheduler(h.coord, pipeline.ScheduleConfig{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// No sweep has an interval, so Run returns immediately.
	sched.Run(ctx)
}
