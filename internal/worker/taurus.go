package worker

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/volley/internal/model"
)

// scenarioName labels the single scenario and request of every load test.
const scenarioName = "load-test"

// TaurusConfig is the subset of the bzt configuration schema a job needs.
type TaurusConfig struct {
	Execution []TaurusExecution         `yaml:"execution"`
	Scenarios map[string]TaurusScenario `yaml:"scenarios"`
	Reporting []TaurusReporter          `yaml:"reporting"`
}

type TaurusExecution struct {
	Concurrency int    `yaml:"concurrency"`
	HoldFor     string `yaml:"hold-for"`
	RampUp      string `yaml:"ramp-up"`
	Scenario    string `yaml:"scenario"`
}

type TaurusScenario struct {
	Requests []TaurusRequest `yaml:"requests"`
}

type TaurusRequest struct {
	Label  string `yaml:"label"`
	Method string `yaml:"method"`
	URL    string `yaml:"url"`
}

type TaurusReporter struct {
	Module       string `yaml:"module"`
	DumpXML      string `yaml:"dump-xml,omitempty"`
	Percentiles  bool   `yaml:"percentiles"`
	FailedLabels bool   `yaml:"failed-labels"`
	Summary      bool   `yaml:"summary"`
}

// NewTaurusConfig builds the bzt configuration for def. The final-stats
// reporter dumps its totals to resultPath as XML.
func NewTaurusConfig(def model.JobDefinition, resultPath string) TaurusConfig {
	return TaurusConfig{
		Execution: []TaurusExecution{{
			Concurrency: def.Concurrency,
			HoldFor:     taurusDuration(def.HoldFor),
			RampUp:      taurusDuration(def.RampUp),
			Scenario:    scenarioName,
		}},
		Scenarios: map[string]TaurusScenario{
			scenarioName: {
				Requests: []TaurusRequest{{
					Label:  scenarioName,
					Method: def.Method,
					URL:    def.URL,
				}},
			},
		},
		Reporting: []TaurusReporter{{
			Module:       "final-stats",
			DumpXML:      resultPath,
			Percentiles:  true,
			FailedLabels: true,
			Summary:      true,
		}},
	}
}

// taurusDuration converts a job duration to whole seconds ("90s").
func taurusDuration(s string) string {
	d, err := model.ParseDuration(s)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%ds", int64(d.Seconds()))
}

// WriteFile writes the configuration to path as YAML.
func (c TaurusConfig) WriteFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode taurus config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write taurus config: %w", err)
	}
	return nil
}
