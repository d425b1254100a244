package alerting_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/trialquality/pkg/alerting"
	"github.com/synaptica-ai/trialquality/pkg/records"
	"github.com/synaptica-ai/trialquality/pkg/records/recordstest"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []records.Alert
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, _ *records.Site, alert *records.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, *alert)
	return r.err
}

func scoredSite(t *testing.T, store *records.Store, number string, score float64) *records.Site {
	t.Helper()
	study := recordstest.Study(t, store, "AL-"+number)
	site := recordstest.Site(t, store, study.ID, number)
	require.NoError(t, store.SaveDQI(context.Background(), site.ID, score, store.Now(), nil))
	return site
}

func openAlerts(t *testing.T, store *records.Store, siteID uuid.UUID, alertType string) []records.Alert {
	t.Helper()
	all, err := store.ListAlerts(context.Background(), siteID, false)
	require.NoError(t, err)
	var out []records.Alert
	for _, a := range all {
		if a.AlertType == alertType {
			out = append(out, a)
		}
	}
	return out
}

func TestDQIDropIsDeduplicated(t *testing.T) {
	ctx := context.Background()
	store := recordstest.Open(t)
	site := scoredSite(t, store, "10", 55)
	notifier := &recordingNotifier{}
	engine := alerting.NewEngine(store, alerting.DefaultRules(), notifier)

	raised, err := engine.Evaluate(ctx, site.ID)
	require.NoError(t, err)
	require.Len(t, raised, 1)
	assert.Equal(t, records.AlertDQIDrop, raised[0].AlertType)
	assert.Equal(t, records.SeverityHigh, raised[0].Severity)
	assert.Contains(t, raised[0].Message, "55.00")

	raised, err = engine.Evaluate(ctx, site.ID)
	require.NoError(t, err)
	assert.Empty(t, raised)
	assert.Len(t, openAlerts(t, store, site.ID, records.AlertDQIDrop), 1)
	assert.Len(t, notifier.alerts, 1)
}

func TestDQIDropSeverityAndThreshold(t *testing.T) {
	ctx := context.Background()
	store := recordstest.Open(t)
	engine := alerting.NewEngine(store, alerting.DefaultRules(), nil)

	critical := scoredSite(t, store, "11", 44.99)
	raised, err := engine.Evaluate(ctx, critical.ID)
	require.NoError(t, err)
	require.Len(t, raised, 1)
	assert.Equal(t, records.SeverityCritical, raised[0].Severity)

	healthy := scoredSite(t, store, "12", 60)
	raised, err = engine.Evaluate(ctx, healthy.ID)
	require.NoError(t, err)
	assert.Empty(t, raised)
}

func TestUnscoredSiteRaisesNothing(t *testing.T) {
	store := recordstest.Open(t)
	study := recordstest.Study(t, store, "AL-NEW")
	site := recordstest.Site(t, store, study.ID, "1")

	raised, err := alerting.NewEngine(store, alerting.DefaultRules(), nil).Evaluate(context.Background(), site.ID)
	require.NoError(t, err)
	assert.Empty(t, raised)
}

func TestResolvedAlertAllowsNewOne(t *testing.T) {
	ctx := context.Background()
	store := recordstest.Open(t)
	site := scoredSite(t, store, "13", 50)
	engine := alerting.NewEngine(store, alerting.DefaultRules(), nil)

	raised, err := engine.Evaluate(ctx, site.ID)
	require.NoError(t, err)
	require.Len(t, raised, 1)

	resolved, err := engine.Resolve(ctx, raised[0].ID, "monitor@example.org")
	require.NoError(t, err)
	assert.True(t, resolved.IsResolved)
	assert.Equal(t, "monitor@example.org", resolved.ResolvedBy)

	_, err = engine.Resolve(ctx, raised[0].ID, "monitor@example.org")
	assert.ErrorIs(t, err, records.ErrAlreadyResolved)

	raised, err = engine.Evaluate(ctx, site.ID)
	require.NoError(t, err)
	assert.Len(t, raised, 1)

	all, err := store.ListAlerts(ctx, site.ID, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestQueryAgeThreshold(t *testing.T) {
	ctx := context.Background()
	store := recordstest.Open(t)
	engine := alerting.NewEngine(store, alerting.DefaultRules(), nil)

	seed := func(number string, old int) *records.Site {
		site := scoredSite(t, store, number, 95)
		patient := recordstest.Patient(t, store, site.ID, "P-"+number)
		for i := 0; i < old; i++ {
			recordstest.Query(t, store, patient.ID, fmt.Sprintf("%s-old-%d", number, i), 21, false)
		}
		recordstest.Query(t, store, patient.ID, number+"-young", 20, false)
		recordstest.Query(t, store, patient.ID, number+"-closed", 40, true)
		return site
	}

	atThreshold := seed("20", 10)
	raised, err := engine.Evaluate(ctx, atThreshold.ID)
	require.NoError(t, err)
	assert.Empty(t, raised)

	above := seed("21", 11)
	raised, err = engine.Evaluate(ctx, above.ID)
	require.NoError(t, err)
	require.Len(t, raised, 1)
	assert.Equal(t, records.AlertQueryAge, raised[0].AlertType)
	assert.Equal(t, records.SeverityHigh, raised[0].Severity)
	assert.Contains(t, raised[0].Message, "11 queries")
}

func TestEvaluateMissingVisitPatterns(t *testing.T) {
	ctx := context.Background()
	store := recordstest.Open(t)
	engine := alerting.NewEngine(store, alerting.DefaultRules(), nil)

	seed := func(number string, missing int) *records.Site {
		site := scoredSite(t, store, number, 95)
		patient := recordstest.Patient(t, store, site.ID, "P-"+number)
		for i := 0; i < missing; i++ {
			recordstest.Visit(t, store, patient.ID, fmt.Sprint(i+1), false, true)
		}
		return site
	}
	flagged := seed("30", 5)
	quiet := seed("31", 4)

	checked, err := engine.EvaluateMissingVisitPatterns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, checked)

	checked, err = engine.EvaluateMissingVisitPatterns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, checked)

	alerts := openAlerts(t, store, flagged.ID, records.AlertMissingVisits)
	require.Len(t, alerts, 1)
	assert.Equal(t, records.SeverityMedium, alerts[0].Severity)
	assert.Empty(t, openAlerts(t, store, quiet.ID, records.AlertMissingVisits))
}

func TestNotifierFailureDoesNotFailEvaluation(t *testing.T) {
	ctx := context.Background()
	store := recordstest.Open(t)
	site := scoredSite(t, store, "40", 30)
	notifier := &recordingNotifier{err: errors.New("broker down")}

	raised, err := alerting.NewEngine(store, alerting.DefaultRules(), notifier).Evaluate(ctx, site.ID)
	require.NoError(t, err)
	assert.Len(t, raised, 1)
	assert.Len(t, openAlerts(t, store, site.ID, records.AlertDQIDrop), 1)
}

func TestRecordActionRequiresAction(t *testing.T) {
	ctx := context.Background()
	store := recordstest.Open(t)
	site := scoredSite(t, store, "50", 30)
	engine := alerting.NewEngine(store, alerting.DefaultRules(), nil)

	raised, err := engine.Evaluate(ctx, site.ID)
	require.NoError(t, err)
	require.Len(t, raised, 1)

	_, err = engine.RecordAction(ctx, raised[0].ID, "cra", "")
	assert.ErrorIs(t, err, alerting.ErrActionRequired)

	resolved, err := engine.RecordAction(ctx, raised[0].ID, "cra", "Called site coordinator")
	require.NoError(t, err)
	assert.Equal(t, "Called site coordinator", resolved.ActionTaken)
	require.NotNil(t, resolved.ResolvedAt)
}

func TestResolveAllAndDeleteResolved(t *testing.T) {
	ctx := context.Background()
	store := recordstest.Open(t)
	engine := alerting.NewEngine(store, alerting.DefaultRules(), nil)
	for _, number := range []string{"60", "61", "62"} {
		site := scoredSite(t, store, number, 20)
		_, err := engine.Evaluate(ctx, site.ID)
		require.NoError(t, err)
	}

	n, err := engine.ResolveAll(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = engine.DeleteResolved(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestRaiseMissingLabIsNotDeduplicated(t *testing.T) {
	ctx := context.Background()
	store := recordstest.Open(t)
	study := recordstest.Study(t, store, "AL-LAB")
	site := recordstest.Site(t, store, study.ID, "70")
	patient := recordstest.Patient(t, store, site.ID, "P-70")
	lab := recordstest.Lab(t, store, patient.ID, nil, "HGB", true)
	engine := alerting.NewEngine(store, alerting.DefaultRules(), nil)

	first, err := engine.RaiseMissingLab(ctx, lab.ID)
	require.NoError(t, err)
	assert.Equal(t, records.SeverityHigh, first.Severity)
	require.NotNil(t, first.PatientID)
	assert.Equal(t, patient.ID, *first.PatientID)
	assert.Contains(t, first.Message, "HGB")

	_, err = engine.RaiseMissingLab(ctx, lab.ID)
	require.NoError(t, err)
	assert.Len(t, openAlerts(t, store, site.ID, records.AlertMissingLab), 2)

	_, err = engine.RaiseMissingLab(ctx, uuid.New())
	assert.ErrorIs(t, err, records.ErrNotFound)
}
