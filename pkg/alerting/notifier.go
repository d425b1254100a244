package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/synaptica-ai/trialquality/pkg/common/models"
	"github.com/synaptica-ai/trialquality/pkg/records"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Notifier delivers a newly raised alert to people or systems outside the
// record store.
type Notifier interface {
	Notify(ctx context.Context, site *records.Site, alert *records.Alert) error
}

// Notifiers fans an alert out to every notifier and joins their errors.
type Notifiers []Notifier

func (n Notifiers) Notify(ctx context.Context, site *records.Site, alert *records.Alert) error {
	var errs []error
	for _, notifier := range n {
		if err := notifier.Notify(ctx, site, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EventPublisher is the slice of the Kafka producer the notifier needs.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType, source, key string, data map[string]interface{}) error
}

// EventNotifier publishes alert.raised events keyed by site.
type EventNotifier struct {
	publisher EventPublisher
	source    string
}

func NewEventNotifier(publisher EventPublisher, source string) *EventNotifier {
	return &EventNotifier{publisher: publisher, source: source}
}

func (n *EventNotifier) Notify(ctx context.Context, site *records.Site, alert *records.Alert) error {
	return n.publisher.PublishEvent(ctx, models.EventAlertRaised, n.source, site.ID.String(), alertPayload(site, alert))
}

func alertPayload(site *records.Site, alert *records.Alert) map[string]interface{} {
	payload := map[string]interface{}{
		"alert_id":    alert.ID.String(),
		"alert_type":  alert.AlertType,
		"severity":    alert.Severity,
		"message":     alert.Message,
		"site_id":     site.ID.String(),
		"site_number": site.SiteNumber,
		"created_at":  alert.CreatedAt,
	}
	if alert.PatientID != nil {
		payload["patient_id"] = alert.PatientID.String()
	}
	if site.CoordinatorEmail != "" {
		payload["coordinator_email"] = site.CoordinatorEmail
	}
	return payload
}

type WebhookConfig struct {
	URL          string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	// MaxElapsed bounds all delivery attempts of one alert.
	MaxElapsed time.Duration
	// InitialInterval is the first retry delay.
	InitialInterval time.Duration
}

// WebhookNotifier POSTs alerts as JSON. With a token URL configured it
// authenticates through the OAuth2 client-credentials flow.
type WebhookNotifier struct {
	cfg    WebhookConfig
	client *http.Client
}

func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 30 * time.Second
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}

	client := newHTTPClient(cfg.Timeout)
	if cfg.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, client)
		authed := cc.Client(ctx)
		authed.Timeout = cfg.Timeout
		client = authed
	}
	return &WebhookNotifier{cfg: cfg, client: client}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// Notify retries 5xx responses and transport errors with exponential
// backoff. Any other non-2xx response fails immediately.
func (n *WebhookNotifier) Notify(ctx context.Context, site *records.Site, alert *records.Alert) error {
	body, err := json.Marshal(alertPayload(site, alert))
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = n.cfg.InitialInterval
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = n.cfg.MaxElapsed

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
		}
	}, backoff.WithContext(bo, ctx))
}
