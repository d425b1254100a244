package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

var (
	uploadsProcessed   atomic.Int64
	uploadsFailed      atomic.Int64
	rowsProcessed      atomic.Int64
	rowErrors          atomic.Int64
	dqiComputations    atomic.Int64
	dqiFailures        atomic.Int64
	statusRecomputed   atomic.Int64
	alertsRaised       atomic.Int64
	sweepRuns          atomic.Int64
	sweepSkipped       atomic.Int64
	lastSweepSites     atomic.Int64
	queryAgesRefreshed atomic.Int64
	missingVisitSites  atomic.Int64
)

func ObserveUpload(success bool, rows, errors int) {
	if success {
		uploadsProcessed.Add(1)
	} else {
		uploadsFailed.Add(1)
	}
	rowsProcessed.Add(int64(rows))
	rowErrors.Add(int64(errors))
}

func ObserveDQI(err error) {
	if err != nil {
		dqiFailures.Add(1)
		return
	}
	dqiComputations.Add(1)
}

func ObserveStatus(n int) { statusRecomputed.Add(int64(n)) }

func ObserveAlerts(n int) { alertsRaised.Add(int64(n)) }

// ObserveSweep records one scheduled DQI sweep; skipped sweeps lost the lease.
func ObserveSweep(sites int, skipped bool) {
	if skipped {
		sweepSkipped.Add(1)
		return
	}
	sweepRuns.Add(1)
	lastSweepSites.Store(int64(sites))
}

func ObserveQueryAgeRefresh(n int) { queryAgesRefreshed.Add(int64(n)) }

func ObserveMissingVisitScan(sites int) { missingVisitSites.Store(int64(sites)) }

type sample struct {
	name, help, kind string
	value            int64
}

func snapshot() []sample {
	return []sample{
		{"trialquality_uploads_processed_total", "Extracts ingested without a file-level failure.", "counter", uploadsProcessed.Load()},
		{"trialquality_uploads_failed_total", "Extracts rejected at file level.", "counter", uploadsFailed.Load()},
		{"trialquality_rows_processed_total", "Extract rows applied to the record store.", "counter", rowsProcessed.Load()},
		{"trialquality_row_errors_total", "Extract rows rejected with a row-level error.", "counter", rowErrors.Load()},
		{"trialquality_dqi_computations_total", "Site DQI computations persisted.", "counter", dqiComputations.Load()},
		{"trialquality_dqi_failures_total", "Site DQI computations that failed.", "counter", dqiFailures.Load()},
		{"trialquality_patient_status_recomputed_total", "Patient status recomputations.", "counter", statusRecomputed.Load()},
		{"trialquality_alerts_raised_total", "Alerts created by the alerting engine.", "counter", alertsRaised.Load()},
		{"trialquality_sweeps_total", "Scheduled DQI sweeps run by this replica.", "counter", sweepRuns.Load()},
		{"trialquality_sweeps_skipped_total", "Scheduled DQI sweeps skipped because another replica held the lease.", "counter", sweepSkipped.Load()},
		{"trialquality_last_sweep_sites", "Sites recomputed by the latest sweep.", "gauge", lastSweepSites.Load()},
		{"trialquality_query_ages_refreshed_total", "Open queries examined by the query age refresh.", "counter", queryAgesRefreshed.Load()},
		{"trialquality_missing_visit_sites", "Sites at or above the missing visit minimum in the latest scan.", "gauge", missingVisitSites.Load()},
	}
}

func Write(w io.Writer) {
	for _, s := range snapshot() {
		fmt.Fprintf(w, "# HELP %s %s\n", s.name, s.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", s.name, s.kind)
		fmt.Fprintf(w, "%s %d\n", s.name, s.value)
	}
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	Write(w)
}
