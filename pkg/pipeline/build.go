package pipeline

import (
	"fmt"

	"github.com/synaptica-ai/trialquality/pkg/alerting"
	"github.com/synaptica-ai/trialquality/pkg/common/config"
	"github.com/synaptica-ai/trialquality/pkg/dqi"
	"github.com/synaptica-ai/trialquality/pkg/ingestion"
	"github.com/synaptica-ai/trialquality/pkg/records"
	"github.com/synaptica-ai/trialquality/pkg/status"
)

// Build assembles a Coordinator from configuration: DQI weights and alert
// thresholds come from the rules file, the query key scope from the
// environment.
func Build(store *records.Store, cfg *config.Config, notifier alerting.Notifier, opts Options) (*Coordinator, error) {
	weights, err := dqi.LoadWeights(cfg.QualityRulesFile)
	if err != nil {
		return nil, err
	}
	engine, err := dqi.NewEngine(store, weights)
	if err != nil {
		return nil, err
	}
	rules, err := alerting.LoadRules(cfg.QualityRulesFile)
	if err != nil {
		return nil, err
	}
	scope, err := records.ParseKeyScope(cfg.QueryKeyScope)
	if err != nil {
		return nil, fmt.Errorf("QUERY_KEY_SCOPE: %w", err)
	}
	if err := store.EnsureQueryKeyIndex(scope); err != nil {
		return nil, fmt.Errorf("query key index for %s scope: %w", scope, err)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = cfg.SweepConcurrency
	}
	return NewCoordinator(store,
		ingestion.NewProcessor(store, scope),
		engine,
		status.NewAggregator(store),
		alerting.NewEngine(store, rules, notifier),
		opts,
	), nil
}
