package worker

import (
	"strings"
	"testing"

	"github.com/seantiz/volley/internal/dispatch"
	"github.com/seantiz/volley/internal/model"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestParseEnv(t *testing.T) {
	env, err := parseEnv(envFrom(map[string]string{
		dispatch.EnvTaskToken:     "tok-1",
		dispatch.EnvExecutionID:   "job-1",
		dispatch.EnvCallbackURL:   "http://10.169.0.1:8080",
		dispatch.EnvJobDefinition: `{"concurrency":2,"holdFor":"1s","rampUp":"1s","method":"GET","url":"foo.com"}`,
	}))
	if err != nil {
		t.Fatalf("parseEnv: %v", err)
	}

	want := model.JobDefinition{Concurrency: 2, HoldFor: "1s", RampUp: "1s", Method: "GET", URL: "foo.com"}
	if env.Definition != want {
		t.Errorf("Definition = %+v, want %+v", env.Definition, want)
	}
	if env.Token != "tok-1" || env.ExecutionID != "job-1" || env.CallbackURL != "http://10.169.0.1:8080" {
		t.Errorf("env = %+v", env)
	}
}

func TestParseEnvMissing(t *testing.T) {
	_, err := parseEnv(envFrom(map[string]string{dispatch.EnvTaskToken: "tok-1"}))
	if err == nil {
		t.Fatal("parseEnv succeeded with missing variables")
	}
	for _, name := range []string{dispatch.EnvExecutionID, dispatch.EnvCallbackURL, dispatch.EnvJobDefinition} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not name %s", err, name)
		}
	}
}

func TestParseEnvBadDefinition(t *testing.T) {
	_, err := parseEnv(envFrom(map[string]string{
		dispatch.EnvTaskToken:     "tok-1",
		dispatch.EnvExecutionID:   "job-1",
		dispatch.EnvCallbackURL:   "http://localhost",
		dispatch.EnvJobDefinition: `{"concurrency":"many"}`,
	}))
	if err == nil || !strings.Contains(err.Error(), "decode") {
		t.Errorf("err = %v, want decode error", err)
	}
}
