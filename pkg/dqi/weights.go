package dqi

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

var ErrInvalidWeights = errors.New("dqi weights must be non-negative and sum to 100")

// Component names one of the five sub-scores.
type Component string

const (
	MissingData     Component = "missing_data"
	QueryBurden     Component = "query"
	VisitCompletion Component = "visit_completion"
	Verification    Component = "verification"
	Coding          Component = "coding"
)

// Components lists the sub-scores in weighting order.
var Components = []Component{MissingData, QueryBurden, VisitCompletion, Verification, Coding}

// Weights assigns each sub-score its share of the overall index, in points
// out of 100.
type Weights struct {
	MissingData     float64 `yaml:"missing_data" json:"missing_data"`
	Query           float64 `yaml:"query" json:"query"`
	VisitCompletion float64 `yaml:"visit_completion" json:"visit_completion"`
	Verification    float64 `yaml:"verification" json:"verification"`
	Coding          float64 `yaml:"coding" json:"coding"`
}

func DefaultWeights() Weights {
	return Weights{
		MissingData:     30,
		Query:           25,
		VisitCompletion: 20,
		Verification:    15,
		Coding:          10,
	}
}

// For returns the weight bound to c. Every component has exactly one weight.
func (w Weights) For(c Component) float64 {
	switch c {
	case MissingData:
		return w.MissingData
	case QueryBurden:
		return w.Query
	case VisitCompletion:
		return w.VisitCompletion
	case Verification:
		return w.Verification
	case Coding:
		return w.Coding
	}
	panic(fmt.Sprintf("dqi: unknown component %q", c))
}

func (w Weights) Sum() float64 {
	total := 0.0
	for _, c := range Components {
		total += w.For(c)
	}
	return total
}

func (w Weights) Validate() error {
	for _, c := range Components {
		if w.For(c) < 0 {
			return fmt.Errorf("%w: %s is %v", ErrInvalidWeights, c, w.For(c))
		}
	}
	if sum := w.Sum(); sum != 100 {
		return fmt.Errorf("%w: got %v", ErrInvalidWeights, sum)
	}
	return nil
}

type rulesFile struct {
	Weights *Weights `yaml:"weights"`
}

// LoadWeights reads the weights section of the quality rules file. An empty
// path or a file without the section yields DefaultWeights.
func LoadWeights(path string) (Weights, error) {
	if path == "" {
		return DefaultWeights(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Weights{}, fmt.Errorf("reading quality rules: %w", err)
	}

	var cfg rulesFile
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Weights{}, fmt.Errorf("parsing quality rules: %w", err)
	}
	if cfg.Weights == nil {
		return DefaultWeights(), nil
	}
	if err := cfg.Weights.Validate(); err != nil {
		return Weights{}, err
	}
	return *cfg.Weights, nil
}
