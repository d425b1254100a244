// Package pipeline runs extracts through ingestion and the recompute stages
// that follow it: site DQI, patient status and alerts.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/trialquality/pkg/alerting"
	"github.com/synaptica-ai/trialquality/pkg/common/logger"
	"github.com/synaptica-ai/trialquality/pkg/common/models"
	"github.com/synaptica-ai/trialquality/pkg/dqi"
	"github.com/synaptica-ai/trialquality/pkg/ingestion"
	"github.com/synaptica-ai/trialquality/pkg/observability/metrics"
	"github.com/synaptica-ai/trialquality/pkg/records"
	"github.com/synaptica-ai/trialquality/pkg/status"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

const eventSource = "quality-service"

// MetricsSink receives a site's metrics snapshot after each DQI computation.
type MetricsSink interface {
	PutSiteMetrics(ctx context.Context, metrics models.SiteMetrics) error
}

type Options struct {
	// Events receives extract.processed and dqi.computed; nil disables them.
	Events alerting.EventPublisher
	// Cache receives site metrics snapshots; nil disables caching.
	Cache MetricsSink
	// Concurrency bounds the site fan-out of RecomputeAllActiveSites.
	Concurrency int
}

type Coordinator struct {
	store     *records.Store
	processor *ingestion.Processor
	dqi       *dqi.Engine
	status    *status.Aggregator
	alerts    *alerting.Engine
	events    alerting.EventPublisher
	cache     MetricsSink
	limit     int
	tracer    trace.Tracer
}

func NewCoordinator(store *records.Store, processor *ingestion.Processor, engine *dqi.Engine,
	aggregator *status.Aggregator, alerts *alerting.Engine, opts Options) *Coordinator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Coordinator{
		store:     store,
		processor: processor,
		dqi:       engine,
		status:    aggregator,
		alerts:    alerts,
		events:    opts.Events,
		cache:     opts.Cache,
		limit:     opts.Concurrency,
		tracer:    otel.Tracer("github.com/synaptica-ai/trialquality/pkg/pipeline"),
	}
}

func (c *Coordinator) Store() *records.Store { return c.store }

func (c *Coordinator) Alerts() *alerting.Engine { return c.alerts }

// ProcessUpload resolves the study by id or code and runs ProcessFile.
func (c *Coordinator) ProcessUpload(ctx context.Context, r io.Reader, filename, fileType, studyRef string) (*models.IngestSummary, error) {
	study, err := c.store.ResolveStudy(ctx, studyRef)
	if err != nil {
		return nil, fmt.Errorf("resolving study %q: %w", studyRef, err)
	}
	return c.ProcessFile(ctx, r, filename, fileType, study.ID)
}

func (c *Coordinator) Upload(ctx context.Context, id uuid.UUID) (*records.Upload, error) {
	return c.store.GetUpload(ctx, id)
}

// ProcessFile records the upload, ingests it and, when the file was
// accepted, recomputes every site of the study, the status of every patient
// the file touched and the alerts of every site. Failures after ingestion are
// logged per entity and never undo what ingestion wrote.
func (c *Coordinator) ProcessFile(ctx context.Context, r io.Reader, filename, fileType string, studyID uuid.UUID) (summary *models.IngestSummary, err error) {
	ctx, span := c.tracer.Start(ctx, "pipeline.process_file", trace.WithAttributes(
		attribute.String("study.id", studyID.String()),
		attribute.String("extract.file_type", fileType),
		attribute.String("extract.filename", filename),
	))
	defer func() { endSpan(span, err) }()

	upload := &records.Upload{StudyID: studyID, OriginalFilename: filename, FileType: fileType}
	if err := c.store.CreateUpload(ctx, upload); err != nil {
		return nil, fmt.Errorf("recording upload: %w", err)
	}
	log := logger.Log.WithFields(logrus.Fields{
		"upload_id": upload.ID,
		"study_id":  studyID,
		"file_type": fileType,
	})

	report := c.ingest(ctx, r, filename, fileType, studyID)
	metrics.ObserveUpload(report.Success, report.RowsProcessed, len(report.RowErrors))
	span.SetAttributes(attribute.Int("extract.rows_processed", report.RowsProcessed))

	rowErrors, _ := json.Marshal(report.ErrorMessages())
	if err := c.store.FinishUpload(ctx, upload.ID, report.Success, report.RowsProcessed,
		report.ErrorText(), datatypes.JSON(rowErrors)); err != nil {
		log.WithError(err).Error("Failed to finalise upload record")
	}

	summary = &models.IngestSummary{
		UploadID:      upload.ID,
		Success:       report.Success,
		RowsProcessed: report.RowsProcessed,
		ErrorText:     report.ErrorText(),
	}
	if !report.Success {
		if ingestion.IsValidationError(report.FileError) {
			log.WithError(report.FileError).Warn("Extract rejected")
		} else {
			log.WithError(report.FileError).Error("Extract failed")
		}
		c.publish(ctx, models.EventExtractProcessed, studyID.String(), extractEvent(upload, summary))
		return summary, nil
	}

	sites, err := c.store.ListSites(ctx, studyID)
	if err != nil {
		log.WithError(err).Error("Failed to list study sites for recompute")
		sites = nil
	}
	for _, site := range sites {
		if _, err := c.recomputeDQI(ctx, site.ID); err == nil {
			summary.SitesScored++
		}
	}
	summary.PatientsRated = c.recomputeStatuses(ctx, report.Patients())
	for _, site := range sites {
		c.cacheMetrics(ctx, site.ID)
		c.evaluate(ctx, site.ID)
	}

	c.publish(ctx, models.EventExtractProcessed, studyID.String(), extractEvent(upload, summary))
	log.WithFields(logrus.Fields{
		"rows":           summary.RowsProcessed,
		"row_errors":     len(report.RowErrors),
		"sites_scored":   summary.SitesScored,
		"patients_rated": summary.PatientsRated,
	}).Info("Upload processed")
	return summary, nil
}

func (c *Coordinator) ingest(ctx context.Context, r io.Reader, filename, fileType string, studyID uuid.UUID) *ingestion.Report {
	ctx, span := c.tracer.Start(ctx, "pipeline.ingest")
	defer span.End()
	report := c.processor.ProcessFile(ctx, r, filename, fileType, studyID)
	if report.FileError != nil {
		span.SetStatus(codes.Error, report.FileError.Error())
	}
	return report
}

func extractEvent(upload *records.Upload, summary *models.IngestSummary) map[string]interface{} {
	return map[string]interface{}{
		"upload_id":      upload.ID.String(),
		"study_id":       upload.StudyID.String(),
		"file_type":      upload.FileType,
		"filename":       upload.OriginalFilename,
		"success":        summary.Success,
		"rows_processed": summary.RowsProcessed,
		"sites_scored":   summary.SitesScored,
		"patients_rated": summary.PatientsRated,
	}
}

// RecomputeSite recomputes the site's DQI, refreshes its cached metrics and
// then evaluates its alerts. Patient statuses are read as stored.
func (c *Coordinator) RecomputeSite(ctx context.Context, siteID uuid.UUID) (dqi.Result, error) {
	result, err := c.recomputeDQI(ctx, siteID)
	if err != nil {
		return result, err
	}
	c.cacheMetrics(ctx, siteID)
	c.evaluate(ctx, siteID)
	return result, nil
}

func (c *Coordinator) recomputeDQI(ctx context.Context, siteID uuid.UUID) (result dqi.Result, err error) {
	ctx, span := c.tracer.Start(ctx, "pipeline.dqi", trace.WithAttributes(attribute.String("site.id", siteID.String())))
	defer func() { endSpan(span, err) }()

	result, err = c.dqi.Recompute(ctx, siteID)
	metrics.ObserveDQI(err)
	if err != nil {
		logger.Log.WithError(err).WithField("site_id", siteID).Error("DQI recompute failed")
		return result, err
	}
	span.SetAttributes(attribute.Float64("dqi.score", result.Score))

	c.publish(ctx, models.EventDQIComputed, siteID.String(), map[string]interface{}{
		"site_id":       siteID.String(),
		"dqi_score":     result.Score,
		"dqi_band":      result.Band,
		"recorded":      result.Recorded,
		"calculated_at": result.CalculatedAt,
	})
	return result, nil
}

// cacheMetrics snapshots the site once its statuses are current.
func (c *Coordinator) cacheMetrics(ctx context.Context, siteID uuid.UUID) {
	if c.cache == nil {
		return
	}
	snapshot, err := c.SiteMetrics(ctx, siteID)
	if err != nil {
		logger.Log.WithError(err).WithField("site_id", siteID).Warn("Failed to build site metrics")
		return
	}
	if err := c.cache.PutSiteMetrics(ctx, snapshot); err != nil {
		logger.Log.WithError(err).WithField("site_id", siteID).Warn("Failed to cache site metrics")
	}
}

func (c *Coordinator) recomputeStatuses(ctx context.Context, patients []uuid.UUID) int {
	ctx, span := c.tracer.Start(ctx, "pipeline.status", trace.WithAttributes(attribute.Int("patients", len(patients))))
	defer span.End()

	done, err := c.status.RecomputeMany(ctx, patients)
	if err != nil {
		span.RecordError(err)
		logger.Log.WithError(err).WithField("recomputed", done).Warn("Status recompute interrupted")
	}
	metrics.ObserveStatus(done)
	return done
}

func (c *Coordinator) evaluate(ctx context.Context, siteID uuid.UUID) {
	ctx, span := c.tracer.Start(ctx, "pipeline.alerts", trace.WithAttributes(attribute.String("site.id", siteID.String())))
	defer span.End()

	raised, err := c.alerts.Evaluate(ctx, siteID)
	metrics.ObserveAlerts(len(raised))
	if err != nil {
		span.RecordError(err)
		logger.Log.WithError(err).WithField("site_id", siteID).Error("Alert evaluation failed")
	}
}

// RecomputeAllActiveSites recomputes every active site with bounded
// concurrency and returns how many succeeded. A failing site is logged and
// the sweep moves on.
func (c *Coordinator) RecomputeAllActiveSites(ctx context.Context) (int, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline.recompute_all")
	defer span.End()

	sites, err := c.store.ListSitesByStatus(ctx, records.SiteActive)
	if err != nil {
		return 0, fmt.Errorf("listing active sites: %w", err)
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.limit)
	for _, site := range sites {
		siteID := site.ID
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if _, err := c.RecomputeSite(gctx, siteID); err == nil {
				done.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(done.Load()), err
	}

	span.SetAttributes(attribute.Int("sites", len(sites)), attribute.Int64("recomputed", done.Load()))
	logger.Log.WithFields(logrus.Fields{
		"sites":      len(sites),
		"recomputed": done.Load(),
	}).Info("Active sites recomputed")
	return int(done.Load()), nil
}

// SiteMetrics assembles the dashboard snapshot of one site.
func (c *Coordinator) SiteMetrics(ctx context.Context, siteID uuid.UUID) (models.SiteMetrics, error) {
	site, err := c.store.GetSite(ctx, siteID)
	if err != nil {
		return models.SiteMetrics{}, err
	}
	m, err := c.store.SiteMetrics(ctx, site)
	if err != nil {
		return models.SiteMetrics{}, err
	}
	return models.SiteMetrics{
		SiteID:         site.ID,
		SiteNumber:     site.SiteNumber,
		DQIScore:       site.DQIScore,
		DQIBand:        dqi.Band(site.DQIScore),
		TotalPatients:  int(m.TotalPatients),
		CleanPatients:  int(m.CleanPatients),
		OpenQueries:    int(m.OpenQueries),
		AvgQueryAge:    m.AvgQueryAge,
		CompletionRate: m.CompletionRate,
		LastCalculated: site.LastCalculated,
	}, nil
}

func (c *Coordinator) publish(ctx context.Context, eventType, key string, data map[string]interface{}) {
	if c.events == nil {
		return
	}
	if err := c.events.PublishEvent(ctx, eventType, eventSource, key, data); err != nil {
		logger.Log.WithError(err).WithField("event_type", eventType).Warn("Failed to publish event")
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
