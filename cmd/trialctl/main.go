// Package main provides trialctl, the operator CLI for one-shot data quality
// runs against the quality database.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/synaptica-ai/trialquality/pkg/alerting"
	"github.com/synaptica-ai/trialquality/pkg/common/config"
	"github.com/synaptica-ai/trialquality/pkg/common/database"
	"github.com/synaptica-ai/trialquality/pkg/common/kafka"
	"github.com/synaptica-ai/trialquality/pkg/common/logger"
	"github.com/synaptica-ai/trialquality/pkg/pipeline"
	"github.com/synaptica-ai/trialquality/pkg/records"
)

// Global flags
var (
	jsonOutput bool
	publish    bool
	rulesFile  string
)

var rootCmd = &cobra.Command{
	Use:   "trialctl",
	Short: "Run clinical trial data quality jobs from the command line",
	Long: `trialctl loads EDC extracts and runs the quality recomputations the
service otherwise performs on upload or on its schedule.

Examples:
  trialctl study create --code ONC-301 --name "Oncology 301"
  trialctl ingest --study ONC-301 --type open_queries queries.xlsx
  trialctl recompute site 5f0c...        # one site
  trialctl recompute all                 # every active site
  trialctl sweep query-ages`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&publish, "publish", false, "Publish pipeline events to Kafka")
	rootCmd.PersistentFlags().StringVar(&rulesFile, "rules", "", "Quality rules YAML (overrides QUALITY_RULES_FILE)")

	rootCmd.AddCommand(studyCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(recomputeCmd)
	rootCmd.AddCommand(sweepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}

// session holds what a command needs and releases it on close.
type session struct {
	store   *records.Store
	coord   *pipeline.Coordinator
	cleanup []func() error
}

func (s *session) close() {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		_ = s.cleanup[i]()
	}
}

func openSession() (*session, error) {
	cfg := config.Load()
	if rulesFile != "" {
		cfg.QualityRulesFile = rulesFile
	}

	db, err := database.GetPostgres()
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	s := &session{store: records.NewStore(db), cleanup: []func() error{database.ClosePostgres}}
	if err := s.store.AutoMigrate(); err != nil {
		s.close()
		return nil, fmt.Errorf("migrating: %w", err)
	}

	var opts pipeline.Options
	var notifier alerting.Notifier
	if publish {
		producer := kafka.NewProducer(cfg.KafkaEventsTopic)
		s.cleanup = append(s.cleanup, producer.Close)
		opts.Events = producer
		notifier = alerting.NewEventNotifier(producer, "trialctl")
	}

	s.coord, err = pipeline.Build(s.store, cfg, notifier, opts)
	if err != nil {
		s.close()
		return nil, err
	}
	logger.Log.WithField("rules", cfg.QualityRulesFile).Debug("Session opened")
	return s, nil
}

func printResult(v interface{}, text string) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	fmt.Println(text)
	return nil
}
