package status_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/trialquality/pkg/records"
	"github.com/synaptica-ai/trialquality/pkg/records/recordstest"
	"github.com/synaptica-ai/trialquality/pkg/status"
)

func TestClassifyBoundaries(t *testing.T) {
	cases := []struct {
		issues int
		want   string
	}{
		{0, records.PatientClean},
		{1, records.PatientMinorIssues},
		{3, records.PatientMinorIssues},
		{4, records.PatientMajorIssues},
		{10, records.PatientMajorIssues},
		{11, records.PatientCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, status.Classify(tc.issues), "issues=%d", tc.issues)
	}
}

func TestRecomputeStatus(t *testing.T) {
	ctx := context.Background()
	store := recordstest.Open(t)
	study := recordstest.Study(t, store, "ST-1")
	site := recordstest.Site(t, store, study.ID, "1")
	agg := status.NewAggregator(store)

	cases := []struct {
		name        string
		openQueries int
		want        string
	}{
		{"clean", 0, records.PatientClean},
		{"minor", 3, records.PatientMinorIssues},
		{"major", 4, records.PatientMajorIssues},
		{"critical", 11, records.PatientCritical},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			patient := recordstest.Patient(t, store, site.ID, "P-"+tc.name)
			for i := 0; i < tc.openQueries; i++ {
				recordstest.Query(t, store, patient.ID, fmt.Sprintf("%s-%d", tc.name, i), 2, false)
			}
			recordstest.Query(t, store, patient.ID, tc.name+"-closed", 2, true)

			out, err := agg.RecomputeStatus(ctx, patient.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, out.Status)
			assert.Equal(t, tc.openQueries, out.Count)
			assert.Equal(t, tc.openQueries == 0, out.IsClean)

			stored, err := store.GetPatient(ctx, patient.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, stored.Status)
			assert.Equal(t, tc.openQueries, stored.IssuesCount)
			assert.Equal(t, tc.openQueries == 0, stored.IsClean)
		})
	}
}

func TestRecomputeStatusCountsEveryIssueKind(t *testing.T) {
	ctx := context.Background()
	store := recordstest.Open(t)
	study := recordstest.Study(t, store, "ST-2")
	site := recordstest.Site(t, store, study.ID, "1")
	patient := recordstest.Patient(t, store, site.ID, "P-1")

	visit := recordstest.Visit(t, store, patient.ID, "1", true, false)
	recordstest.Visit(t, store, patient.ID, "2", false, true)
	recordstest.Form(t, store, visit.ID, false, false, false)
	recordstest.Form(t, store, visit.ID, true, true, true)
	recordstest.Lab(t, store, patient.ID, &visit.ID, "HGB", true)
	recordstest.Query(t, store, patient.ID, "Q-1", 1, false)

	out, err := status.NewAggregator(store).RecomputeStatus(ctx, patient.ID)
	require.NoError(t, err)
	assert.Equal(t, records.PatientIssues{OpenQueries: 1, MissingVisits: 1, IncompleteForms: 1, MissingLabs: 1}, out.Issues)
	assert.Equal(t, records.PatientMajorIssues, out.Status)
}

func TestRecomputeStatusUnknownPatient(t *testing.T) {
	_, err := status.NewAggregator(recordstest.Open(t)).RecomputeStatus(context.Background(), uuid.New())
	assert.ErrorIs(t, err, records.ErrNotFound)
}

func TestRecomputeManySkipsFailingPatients(t *testing.T) {
	ctx := context.Background()
	store := recordstest.Open(t)
	study := recordstest.Study(t, store, "ST-3")
	site := recordstest.Site(t, store, study.ID, "1")
	first := recordstest.Patient(t, store, site.ID, "P-1")
	second := recordstest.Patient(t, store, site.ID, "P-2")
	recordstest.Query(t, store, second.ID, "Q-1", 1, false)

	done, err := status.NewAggregator(store).RecomputeMany(ctx, []uuid.UUID{first.ID, uuid.New(), second.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, done)

	stored, err := store.GetPatient(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, records.PatientMinorIssues, stored.Status)
}

func TestRecomputeManyStopsOnCancel(t *testing.T) {
	store := recordstest.Open(t)
	study := recordstest.Study(t, store, "ST-4")
	site := recordstest.Site(t, store, study.ID, "1")
	patient := recordstest.Patient(t, store, site.ID, "P-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done, err := status.NewAggregator(store).RecomputeMany(ctx, []uuid.UUID{patient.ID})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, done)
}
