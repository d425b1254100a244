package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/trialquality/pkg/common/models"
	"github.com/synaptica-ai/trialquality/pkg/records"
)

func sampleAlert() (*records.Site, *records.Alert) {
	site := &records.Site{ID: uuid.New(), SiteNumber: "101", CoordinatorEmail: "coord@example.org"}
	alert := &records.Alert{
		ID:        uuid.New(),
		SiteID:    site.ID,
		AlertType: records.AlertDQIDrop,
		Severity:  records.SeverityHigh,
		Message:   "Site 101 DQI score dropped",
		CreatedAt: time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC),
	}
	return site, alert
}

func fastWebhook(cfg WebhookConfig) *WebhookNotifier {
	cfg.InitialInterval = time.Millisecond
	cfg.MaxElapsed = 2 * time.Second
	return NewWebhookNotifier(cfg)
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if payload["alert_type"] != records.AlertDQIDrop {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	site, alert := sampleAlert()
	err := fastWebhook(WebhookConfig{URL: srv.URL}).Notify(context.Background(), site, alert)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	site, alert := sampleAlert()
	err := fastWebhook(WebhookConfig{URL: srv.URL}).Notify(context.Background(), site, alert)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestWebhookUsesClientCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-123","token_type":"bearer","expires_in":3600}`))
	})
	var auth atomic.Value
	mux.HandleFunc("/hook", func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	site, alert := sampleAlert()
	notifier := fastWebhook(WebhookConfig{
		URL:          srv.URL + "/hook",
		TokenURL:     srv.URL + "/token",
		ClientID:     "quality",
		ClientSecret: "secret",
	})
	require.NoError(t, notifier.Notify(context.Background(), site, alert))
	assert.Equal(t, "Bearer tok-123", auth.Load())
}

type fakePublisher struct {
	eventType string
	key       string
	data      map[string]interface{}
}

func (f *fakePublisher) PublishEvent(_ context.Context, eventType, _, key string, data map[string]interface{}) error {
	f.eventType, f.key, f.data = eventType, key, data
	return nil
}

func TestEventNotifierKeysBySite(t *testing.T) {
	pub := &fakePublisher{}
	site, alert := sampleAlert()

	require.NoError(t, NewEventNotifier(pub, "quality-service").Notify(context.Background(), site, alert))
	assert.Equal(t, models.EventAlertRaised, pub.eventType)
	assert.Equal(t, site.ID.String(), pub.key)
	assert.Equal(t, "coord@example.org", pub.data["coordinator_email"])
}

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, *records.Site, *records.Alert) error {
	return errors.New("unreachable")
}

func TestNotifiersJoinErrors(t *testing.T) {
	pub := &fakePublisher{}
	site, alert := sampleAlert()

	err := Notifiers{failingNotifier{}, NewEventNotifier(pub, "svc")}.Notify(context.Background(), site, alert)
	require.Error(t, err)
	assert.Equal(t, models.EventAlertRaised, pub.eventType)
}
