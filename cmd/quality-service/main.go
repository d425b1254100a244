package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/trialquality/pkg/alerting"
	"github.com/synaptica-ai/trialquality/pkg/api"
	"github.com/synaptica-ai/trialquality/pkg/common/config"
	"github.com/synaptica-ai/trialquality/pkg/common/database"
	"github.com/synaptica-ai/trialquality/pkg/common/kafka"
	"github.com/synaptica-ai/trialquality/pkg/common/logger"
	"github.com/synaptica-ai/trialquality/pkg/ingestion"
	"github.com/synaptica-ai/trialquality/pkg/observability/metrics"
	"github.com/synaptica-ai/trialquality/pkg/pipeline"
	"github.com/synaptica-ai/trialquality/pkg/records"
	"github.com/synaptica-ai/trialquality/pkg/storage"
)

const serviceName = "quality-service"

func main() {
	logger.Init()
	cfg := config.Load()

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}
	defer database.ClosePostgres()

	store := records.NewStore(db)
	if err := store.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate quality tables")
	}

	producer := kafka.NewProducer(cfg.KafkaEventsTopic)
	defer producer.Close()

	notifiers := alerting.Notifiers{alerting.NewEventNotifier(producer, serviceName)}
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(alerting.WebhookConfig{
			URL:          cfg.AlertWebhookURL,
			TokenURL:     cfg.AlertWebhookTokenURL,
			ClientID:     cfg.AlertWebhookClientID,
			ClientSecret: cfg.AlertWebhookClientSecret,
			Timeout:      cfg.AlertWebhookTimeout,
		}))
	}

	redisClient := database.GetRedis()
	defer database.CloseRedis()
	cache := storage.NewMetricsCache(redisClient, cfg.MetricsCacheTTL)

	coord, err := pipeline.Build(store, cfg, notifiers, pipeline.Options{
		Events: producer,
		Cache:  cache,
	})
	if err != nil {
		logger.Log.WithError(err).Fatal("invalid quality configuration")
	}

	router := mux.NewRouter()
	router.Use(api.Recovery, api.Logging)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		if err != nil {
			http.Error(w, `{"status":"unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w)
	}).Methods(http.MethodGet)

	v1 := router.PathPrefix("/api/v1").Subrouter()
	ingestion.NewHTTPHandler(coord, cfg.MaxRequestBody).Register(v1)
	api.NewHandler(coord, cache).Register(v1)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var workers sync.WaitGroup

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Quality Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	if cfg.SchedulerEnabled {
		scheduler := pipeline.NewScheduler(coord, pipeline.ScheduleConfig{
			DQISweep:         cfg.DQISweepInterval,
			QueryAgeRefresh:  cfg.QueryAgeRefreshInterval,
			MissingVisitScan: cfg.MissingVisitScanInterval,
			LeaseTTL:         cfg.SweepLockTTL,
		}, redisClient)
		workers.Add(1)
		go func() {
			defer workers.Done()
			scheduler.Run(ctx)
		}()
	}

	if cfg.KafkaUploadTopic != "" {
		consumer := kafka.NewConsumer(cfg.KafkaUploadTopic, cfg.KafkaGroupID)
		defer consumer.Close()
		uploads := pipeline.NewUploadHandler(coord, cfg.UploadDir)
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := consumer.Consume(ctx, uploads.Handle); err != nil && !errors.Is(err, context.Canceled) {
				logger.Log.WithError(err).Error("upload consumer stopped")
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Quality Service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}
	workers.Wait()

	logger.Log.Info("Quality Service stopped")
}
