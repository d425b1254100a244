package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/synaptica-ai/trialquality/pkg/pipeline"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one of the scheduled jobs once",
}

func init() {
	jobs := []struct {
		use, short, label string
		run               func(*pipeline.Scheduler, context.Context) (int, error)
	}{
		{"dqi", "Recompute every active site", "sites recomputed", (*pipeline.Scheduler).SweepDQI},
		{"query-ages", "Refresh days_open of open queries", "open queries refreshed", (*pipeline.Scheduler).RefreshQueryAges},
		{"missing-visits", "Raise missing visit pattern alerts", "sites over the missing visit limit", (*pipeline.Scheduler).ScanMissingVisits},
	}
	for _, job := range jobs {
		job := job
		sweepCmd.AddCommand(&cobra.Command{
			Use:   job.use,
			Short: job.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := openSession()
				if err != nil {
					return err
				}
				defer s.close()

				sched := pipeline.NewScheduler(s.coord, pipeline.ScheduleConfig{}, nil)
				n, err := job.run(sched, cmd.Context())
				if err != nil {
					return err
				}
				return printResult(map[string]int{"count": n}, fmt.Sprintf("%d %s", n, job.label))
			},
		})
	}
}
