package dispatch_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/seantiz/volley/internal/dispatch"
	"github.com/seantiz/volley/internal/model"
)

// stubDispatcher is a minimal Dispatcher for registry tests.
type stubDispatcher struct {
	name string
}

func (s *stubDispatcher) Dispatch(_ context.Context, _ dispatch.WorkerSpec) error { return nil }

func (s *stubDispatcher) Capabilities() dispatch.Capabilities {
	return dispatch.Capabilities{Name: s.name, Isolation: "none", MaxConcurrency: 4}
}

func (s *stubDispatcher) Cleanup(_ context.Context, _ string) error { return nil }

func TestRegistryRegisterAndList(t *testing.T) {
	reg := dispatch.NewRegistry()
	reg.Register("process", &stubDispatcher{name: "process"})
	reg.Register("firecracker", &stubDispatcher{name: "firecracker"})

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d dispatchers, want 2", len(list))
	}
	if list[0].Name != "firecracker" || list[1].Name != "process" {
		t.Errorf("List() not sorted by name: %v", list)
	}
	if list[1].Capabilities.Name != "process" {
		t.Errorf("capabilities = %+v", list[1].Capabilities)
	}
}

func TestRegistryResolve(t *testing.T) {
	reg := dispatch.NewRegistry()
	reg.Register("process", &stubDispatcher{name: "process"})

	d, err := reg.Resolve("process")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Capabilities().Name != "process" {
		t.Errorf("resolved %q, want process", d.Capabilities().Name)
	}

	if _, err := reg.Resolve("firecracker"); err == nil {
		t.Error("expected error for unregistered dispatcher, got nil")
	}
}

func TestRegistryEmptyList(t *testing.T) {
	reg := dispatch.NewRegistry()
	if list := reg.List(); len(list) != 0 {
		t.Errorf("List() on empty registry = %v", list)
	}
}

func TestWorkerSpecEnv(t *testing.T) {
	spec := dispatch.WorkerSpec{
		JobID: "job-1",
		Token: "tok-1",
		Definition: model.JobDefinition{
			Concurrency: 3, HoldFor: "10s", RampUp: "2s", Method: "GET", URL: "http://target",
		},
		CallbackURL: "http://127.0.0.1:8080",
	}

	env, err := spec.Env()
	if err != nil {
		t.Fatalf("Env: %v", err)
	}
	vars := make(map[string]string)
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			t.Fatalf("malformed env entry %q", kv)
		}
		vars[k] = v
	}
	if vars[dispatch.EnvTaskToken] != "tok-1" || vars[dispatch.EnvExecutionID] != "job-1" {
		t.Errorf("env = %v", vars)
	}
	if vars[dispatch.EnvCallbackURL] != "http://127.0.0.1:8080" {
		t.Errorf("CALLBACK_URL = %q", vars[dispatch.EnvCallbackURL])
	}

	var def model.JobDefinition
	if err := json.Unmarshal([]byte(vars[dispatch.EnvJobDefinition]), &def); err != nil {
		t.Fatalf("JOB_DEFINITION is not JSON: %v", err)
	}
	if def != spec.Definition {
		t.Errorf("JOB_DEFINITION = %+v, want %+v", def, spec.Definition)
	}

	m, err := spec.EnvMap()
	if err != nil {
		t.Fatalf("EnvMap: %v", err)
	}
	if len(m) != len(env) {
		t.Errorf("EnvMap has %d entries, Env has %d", len(m), len(env))
	}
}

func TestWorkerSpecEnvWithoutCallback(t *testing.T) {
	env, _ := dispatch.WorkerSpec{JobID: "j", Token: "t"}.Env()
	for _, kv := range env {
		if strings.HasPrefix(kv, dispatch.EnvCallbackURL+"=") {
			t.Errorf("unexpected %q", kv)
		}
	}
}

func TestWorkerSpecEmit(t *testing.T) {
	var got []string
	spec := dispatch.WorkerSpec{LogWriter: func(l string) { got = append(got, l) }}
	spec.Emit("a")
	spec.Emit("b")
	if len(got) != 2 || got[1] != "b" {
		t.Errorf("got %v", got)
	}

	// No writer set: must not panic.
	dispatch.WorkerSpec{}.Emit("dropped")
}
