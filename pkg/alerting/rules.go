package alerting

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

var ErrInvalidRules = errors.New("invalid alert rules")

// Rules holds the thresholds of every alert rule.
type Rules struct {
	// DQIDropThreshold raises dqi_drop below this score.
	DQIDropThreshold float64 `yaml:"dqi_drop_threshold"`
	// DQICriticalThreshold escalates dqi_drop to critical below this score.
	DQICriticalThreshold float64 `yaml:"dqi_critical_threshold"`
	// QueryAgeDays is the days_open at which an open query counts as old.
	QueryAgeDays int `yaml:"query_age_days"`
	// QueryAgeThreshold raises query_age when more old queries than this are open.
	QueryAgeThreshold int `yaml:"query_age_threshold"`
	// MissingVisitMin raises missing_visits at this many missing visits per site.
	MissingVisitMin int `yaml:"missing_visit_min"`
}

func DefaultRules() Rules {
	return Rules{
		DQIDropThreshold:     60,
		DQICriticalThreshold: 45,
		QueryAgeDays:         21,
		QueryAgeThreshold:    10,
		MissingVisitMin:      5,
	}
}

func (r Rules) Validate() error {
	switch {
	case r.DQIDropThreshold < 0 || r.DQIDropThreshold > 100:
		return fmt.Errorf("%w: dqi_drop_threshold %v out of range", ErrInvalidRules, r.DQIDropThreshold)
	case r.DQICriticalThreshold > r.DQIDropThreshold:
		return fmt.Errorf("%w: dqi_critical_threshold above dqi_drop_threshold", ErrInvalidRules)
	case r.QueryAgeDays <= 0:
		return fmt.Errorf("%w: query_age_days must be positive", ErrInvalidRules)
	case r.QueryAgeThreshold < 0:
		return fmt.Errorf("%w: query_age_threshold must not be negative", ErrInvalidRules)
	case r.MissingVisitMin <= 0:
		return fmt.Errorf("%w: missing_visit_min must be positive", ErrInvalidRules)
	}
	return nil
}

type rulesFile struct {
	Alerts *Rules `yaml:"alerts"`
}

// LoadRules reads the alerts section of the quality rules file. Keys absent
// from the file keep their defaults.
func LoadRules(path string) (Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Rules{}, fmt.Errorf("reading quality rules: %w", err)
	}

	rules := DefaultRules()
	cfg := rulesFile{Alerts: &rules}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Rules{}, fmt.Errorf("parsing quality rules: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return Rules{}, err
	}
	return rules, nil
}
