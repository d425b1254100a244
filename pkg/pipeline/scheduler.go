package pipeline

import (
	"context"
	"time"

	"github.com/synaptica-ai/trialquality/pkg/common/logger"
	"github.com/synaptica-ai/trialquality/pkg/observability/metrics"
	"github.com/synaptica-ai/trialquality/pkg/storage"
)

type ScheduleConfig struct {
	DQISweep         time.Duration
	QueryAgeRefresh  time.Duration
	MissingVisitScan time.Duration
	// LeaseTTL bounds how long a crashed replica can block the next sweep.
	LeaseTTL time.Duration
}

// Scheduler runs the periodic sweeps. With a lease client configured only one
// replica runs each sweep at a time.
type Scheduler struct {
	coord *Coordinator
	cfg   ScheduleConfig
	lease storage.Client
}

func NewScheduler(coord *Coordinator, cfg ScheduleConfig, lease storage.Client) *Scheduler {
	return &Scheduler{coord: coord, cfg: cfg, lease: lease}
}

// Run blocks until ctx is done. A zero interval disables that sweep.
func (s *Scheduler) Run(ctx context.Context) {
	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context) (int, error)
	}{
		{"dqi-sweep", s.cfg.DQISweep, s.SweepDQI},
		{"query-age-refresh", s.cfg.QueryAgeRefresh, s.RefreshQueryAges},
		{"missing-visit-scan", s.cfg.MissingVisitScan, s.ScanMissingVisits},
	}

	done := make(chan struct{}, len(jobs))
	started := 0
	for _, job := range jobs {
		if job.interval <= 0 {
			continue
		}
		started++
		go func(name string, interval time.Duration, run func(context.Context) (int, error)) {
			defer func() { done <- struct{}{} }()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					s.runLeased(ctx, name, run)
				case <-ctx.Done():
					return
				}
			}
		}(job.name, job.interval, job.run)
	}
	for i := 0; i < started; i++ {
		<-done
	}
}

func (s *Scheduler) runLeased(ctx context.Context, name string, run func(context.Context) (int, error)) {
	log := logger.Log.WithField("job", name)
	if s.lease != nil {
		lease, err := storage.AcquireLease(ctx, s.lease, name, s.cfg.LeaseTTL)
		if err != nil {
			log.WithError(err).Warn("Lease unavailable, running without it")
		} else if lease == nil {
			log.Debug("Another replica holds the lease")
			if name == "dqi-sweep" {
				metrics.ObserveSweep(0, true)
			}
			return
		} else {
			defer func() {
				if err := lease.Release(context.Background()); err != nil {
					log.WithError(err).Warn("Failed to release lease")
				}
			}()
		}
	}

	start := time.Now()
	n, err := run(ctx)
	if err != nil {
		log.WithError(err).Error("Scheduled job failed")
		return
	}
	log.WithField("count", n).WithField("duration", time.Since(start).String()).Info("Scheduled job finished")
}

// SweepDQI recomputes every active site.
func (s *Scheduler) SweepDQI(ctx context.Context) (int, error) {
	n, err := s.coord.RecomputeAllActiveSites(ctx)
	if err == nil {
		metrics.ObserveSweep(n, false)
	}
	return n, err
}

// RefreshQueryAges rewrites days_open of every open query.
func (s *Scheduler) RefreshQueryAges(ctx context.Context) (int, error) {
	n, err := s.coord.store.RefreshQueryAges(ctx)
	if err == nil {
		metrics.ObserveQueryAgeRefresh(n)
	}
	return n, err
}

// ScanMissingVisits raises missing_visits alerts across all sites.
func (s *Scheduler) ScanMissingVisits(ctx context.Context) (int, error) {
	n, err := s.coord.alerts.EvaluateMissingVisitPatterns(ctx)
	if err == nil {
		metrics.ObserveMissingVisitScan(n)
	}
	return n, err
}
