package worker

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/volley/internal/model"
)

func TestTaurusConfigFile(t *testing.T) {
	def := model.JobDefinition{Concurrency: 5, HoldFor: "1m30s", RampUp: "10", Method: "GET", URL: "https://foo.com/health"}
	path := filepath.Join(t.TempDir(), "config.yml")

	if err := NewTaurusConfig(def, "/work/result.xml").WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("generated config is not YAML: %v\n%s", err, data)
	}

	exec := doc["execution"].([]any)[0].(map[string]any)
	if exec["concurrency"] != 5 || exec["hold-for"] != "90s" || exec["ramp-up"] != "10s" || exec["scenario"] != scenarioName {
		t.Errorf("execution = %v", exec)
	}

	scenario := doc["scenarios"].(map[string]any)[scenarioName].(map[string]any)
	req := scenario["requests"].([]any)[0].(map[string]any)
	if req["method"] != "GET" || req["url"] != "https://foo.com/health" || req["label"] != scenarioName {
		t.Errorf("request = %v", req)
	}

	rep := doc["reporting"].([]any)[0].(map[string]any)
	if rep["module"] != "final-stats" || rep["dump-xml"] != "/work/result.xml" || rep["percentiles"] != true {
		t.Errorf("reporting = %v", rep)
	}
}

func TestTaurusDuration(t *testing.T) {
	tests := map[string]string{
		"1s":    "1s",
		"60":    "60s",
		"2m":    "120s",
		"1h1s":  "3601s",
		"bogus": "bogus",
	}
	for in, want := range tests {
		if got := taurusDuration(in); got != want {
			t.Errorf("taurusDuration(%q) = %q, want %q", in, got, want)
		}
	}
}
