// Package alerting raises site alerts from quality thresholds and carries
// them through resolution.
package alerting

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/trialquality/pkg/common/logger"
	"github.com/synaptica-ai/trialquality/pkg/records"
)

var ErrActionRequired = errors.New("action taken is required")

type Engine struct {
	store    *records.Store
	rules    Rules
	notifier Notifier
}

// NewEngine builds an engine; a nil notifier disables delivery.
func NewEngine(store *records.Store, rules Rules, notifier Notifier) *Engine {
	if notifier == nil {
		notifier = Notifiers{}
	}
	return &Engine{store: store, rules: rules, notifier: notifier}
}

func (e *Engine) Rules() Rules { return e.rules }

// Evaluate applies the per-site rules to the site's cached score and open
// queries. Each rule is skipped while an unresolved alert of its type exists
// on the site. It returns the alerts it created.
func (e *Engine) Evaluate(ctx context.Context, siteID uuid.UUID) ([]records.Alert, error) {
	site, err := e.store.GetSite(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("loading site %s: %w", siteID, err)
	}

	var raised []records.Alert

	if alert := e.dqiDrop(site); alert != nil {
		created, err := e.raise(ctx, site, alert)
		if err != nil {
			return raised, err
		}
		if created {
			raised = append(raised, *alert)
		}
	}

	ages, err := e.store.OpenQueryAges(ctx, site.ID)
	if err != nil {
		return raised, err
	}
	if alert := e.queryAge(site, ages); alert != nil {
		created, err := e.raise(ctx, site, alert)
		if err != nil {
			return raised, err
		}
		if created {
			raised = append(raised, *alert)
		}
	}

	return raised, nil
}

func (e *Engine) dqiDrop(site *records.Site) *records.Alert {
	if site.LastCalculated == nil || site.DQIScore >= e.rules.DQIDropThreshold {
		return nil
	}
	severity := records.SeverityHigh
	if site.DQIScore < e.rules.DQICriticalThreshold {
		severity = records.SeverityCritical
	}
	return &records.Alert{
		SiteID:    site.ID,
		AlertType: records.AlertDQIDrop,
		Severity:  severity,
		Message: fmt.Sprintf("Site %s DQI score dropped to %.2f/100. Immediate attention required.",
			site.SiteNumber, site.DQIScore),
		Metadata: map[string]interface{}{"dqi_score": site.DQIScore},
	}
}

func (e *Engine) queryAge(site *records.Site, ages []int) *records.Alert {
	old := 0
	for _, age := range ages {
		if age >= e.rules.QueryAgeDays {
			old++
		}
	}
	if old <= e.rules.QueryAgeThreshold {
		return nil
	}
	return &records.Alert{
		SiteID:    site.ID,
		AlertType: records.AlertQueryAge,
		Severity:  records.SeverityHigh,
		Message: fmt.Sprintf("Site %s has %d queries open for more than %d days.",
			site.SiteNumber, old, e.rules.QueryAgeDays),
		Metadata: map[string]interface{}{"old_queries": old},
	}
}

// EvaluateMissingVisitPatterns groups missing visits by site across every
// study and raises missing_visits where a site reaches the minimum. It
// returns how many sites met the minimum. A failing site is logged and
// skipped.
func (e *Engine) EvaluateMissingVisitPatterns(ctx context.Context) (int, error) {
	groups, err := e.store.MissingVisitsBySite(ctx, e.rules.MissingVisitMin)
	if err != nil {
		return 0, fmt.Errorf("grouping missing visits: %w", err)
	}

	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			return len(groups), err
		}
		site, err := e.store.GetSite(ctx, group.SiteID)
		if err != nil {
			logger.Log.WithError(err).WithField("site_id", group.SiteID).Warn("Skipping missing visit pattern")
			continue
		}
		alert := &records.Alert{
			SiteID:    site.ID,
			AlertType: records.AlertMissingVisits,
			Severity:  records.SeverityMedium,
			Message: fmt.Sprintf("Site %s has a pattern of %d missing visits. Review scheduling process.",
				site.SiteNumber, group.MissingCount),
			Metadata: map[string]interface{}{"missing_count": group.MissingCount},
		}
		if _, err := e.raise(ctx, site, alert); err != nil {
			logger.Log.WithError(err).WithField("site_id", site.ID).Error("Failed to raise missing visit alert")
		}
	}
	return len(groups), nil
}

// raise stores alert unless an open one of its type exists and notifies on
// creation. Delivery failures are logged only.
func (e *Engine) raise(ctx context.Context, site *records.Site, alert *records.Alert) (bool, error) {
	created, err := e.store.CreateOpenAlert(ctx, alert)
	if err != nil {
		return false, fmt.Errorf("creating %s alert for site %s: %w", alert.AlertType, site.ID, err)
	}
	if !created {
		logger.Log.WithFields(logrus.Fields{
			"site_id":    site.ID,
			"alert_type": alert.AlertType,
		}).Debug("Open alert exists, skipping")
		return false, nil
	}

	logger.Log.WithFields(logrus.Fields{
		"site_id":    site.ID,
		"alert_id":   alert.ID,
		"alert_type": alert.AlertType,
		"severity":   alert.Severity,
	}).Info("Alert raised")
	e.deliver(ctx, site, alert)
	return true, nil
}

func (e *Engine) deliver(ctx context.Context, site *records.Site, alert *records.Alert) {
	if err := e.notifier.Notify(ctx, site, alert); err != nil {
		logger.Log.WithError(err).WithField("alert_id", alert.ID).Warn("Alert notification failed")
		return
	}
	if site.CoordinatorEmail == "" {
		return
	}
	if err := e.store.MarkAlertNotified(ctx, alert.ID, site.CoordinatorEmail); err != nil {
		logger.Log.WithError(err).WithField("alert_id", alert.ID).Warn("Failed to mark alert notified")
	}
}

// RaiseMissingLab records an explicit request for a missing lab result. Each
// request creates its own alert.
func (e *Engine) RaiseMissingLab(ctx context.Context, labID uuid.UUID) (*records.Alert, error) {
	lab, err := e.store.GetLab(ctx, labID)
	if err != nil {
		return nil, err
	}
	patient, err := e.store.GetPatient(ctx, lab.PatientID)
	if err != nil {
		return nil, err
	}
	site, err := e.store.GetSite(ctx, patient.SiteID)
	if err != nil {
		return nil, err
	}

	alert := &records.Alert{
		SiteID:    site.ID,
		PatientID: &patient.ID,
		AlertType: records.AlertMissingLab,
		Severity:  records.SeverityHigh,
		Message: fmt.Sprintf("Lab data request: %s (%s) for Patient %s",
			lab.TestName, lab.LabName, patient.Code),
		Metadata: map[string]interface{}{"lab_id": lab.ID.String()},
	}
	if err := e.store.CreateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("creating lab request alert: %w", err)
	}
	e.deliver(ctx, site, alert)
	return alert, nil
}

// Resolve marks an open alert resolved by resolver.
func (e *Engine) Resolve(ctx context.Context, alertID uuid.UUID, resolver string) (*records.Alert, error) {
	return e.resolve(ctx, alertID, resolver, "")
}

// RecordAction resolves an open alert and records the action taken.
func (e *Engine) RecordAction(ctx context.Context, alertID uuid.UUID, resolver, action string) (*records.Alert, error) {
	if action == "" {
		return nil, ErrActionRequired
	}
	return e.resolve(ctx, alertID, resolver, action)
}

func (e *Engine) resolve(ctx context.Context, alertID uuid.UUID, resolver, action string) (*records.Alert, error) {
	alert, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if alert.IsResolved {
		return nil, records.ErrAlreadyResolved
	}
	return e.store.ResolveAlert(ctx, alertID, resolver, action)
}

func (e *Engine) ResolveAll(ctx context.Context, resolver string) (int64, error) {
	return e.store.ResolveAllAlerts(ctx, resolver)
}

func (e *Engine) DeleteResolved(ctx context.Context) (int64, error) {
	return e.store.DeleteResolvedAlerts(ctx)
}
