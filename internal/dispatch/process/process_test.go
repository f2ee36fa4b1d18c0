package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/volley/internal/dispatch"
	"github.com/seantiz/volley/internal/model"
)

func newTestDispatcher(t *testing.T, script string) *Dispatcher {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	d := New(Config{WorkerBin: sh, Args: []string{"-c", script}, MaxConcurrency: 2},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(d.Close)
	return d
}

type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) write(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *lineCollector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func testSpec(jobID string, c *lineCollector) dispatch.WorkerSpec {
	return dispatch.WorkerSpec{
		JobID: jobID,
		Token: "tok-" + jobID,
		Definition: model.JobDefinition{
			Concurrency: 1, HoldFor: "1s", RampUp: "1s", Method: "GET", URL: "foo.com",
		},
		CallbackURL: "http://127.0.0.1:1",
		LogWriter:   c.write,
	}
}

func waitIdle(t *testing.T, d *Dispatcher) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for d.Active() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker did not exit")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDispatchPassesEnvAndStreamsOutput(t *testing.T) {
	d := newTestDispatcher(t, `echo "token=$TASK_TOKEN"; echo "id=$EXECUTION_ID"; echo "cb=$CALLBACK_URL"; echo "def=$JOB_DEFINITION" >&2`)
	c := &lineCollector{}

	if err := d.Dispatch(context.Background(), testSpec("job-1", c)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitIdle(t, d)

	got := strings.Join(c.snapshot(), "\n")
	for _, want := range []string{"token=tok-job-1", "id=job-1", "cb=http://127.0.0.1:1", `"concurrency":1`} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestDispatchRejectsSecondWorkerForJob(t *testing.T) {
	d := newTestDispatcher(t, "exec sleep 30")
	c := &lineCollector{}

	if err := d.Dispatch(context.Background(), testSpec("job-1", c)); err != nil {
		t.Fatalf("first Dispatch: %v", err)
	}
	err := d.Dispatch(context.Background(), testSpec("job-1", c))
	if !errors.Is(err, dispatch.ErrAlreadyDispatched) {
		t.Errorf("second Dispatch = %v, want ErrAlreadyDispatched", err)
	}
	if d.Active() != 1 {
		t.Errorf("Active() = %d, want 1", d.Active())
	}
}

func TestCleanupStopsWorker(t *testing.T) {
	d := newTestDispatcher(t, "sleep 30")
	c := &lineCollector{}

	if err := d.Dispatch(context.Background(), testSpec("job-1", c)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start := time.Now()
	if err := d.Cleanup(ctx, "job-1"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if time.Since(start) > 8*time.Second {
		t.Errorf("Cleanup took %v", time.Since(start))
	}
	if d.Active() != 0 {
		t.Errorf("Active() = %d after Cleanup, want 0", d.Active())
	}

	// Unknown and already-cleaned jobs are not errors.
	if err := d.Cleanup(ctx, "job-1"); err != nil {
		t.Errorf("second Cleanup: %v", err)
	}
	if err := d.Cleanup(ctx, "never"); err != nil {
		t.Errorf("Cleanup(unknown): %v", err)
	}
}

func TestDispatchTimeoutKillsWorker(t *testing.T) {
	d := newTestDispatcher(t, "sleep 30")
	spec := testSpec("job-1", &lineCollector{})
	spec.Timeout = 100 * time.Millisecond

	if err := d.Dispatch(context.Background(), spec); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitIdle(t, d)
}

func TestDispatchStartFailure(t *testing.T) {
	d := New(Config{WorkerBin: "/nonexistent/volley-worker"}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := d.Dispatch(context.Background(), testSpec("job-1", &lineCollector{}))
	if err == nil {
		t.Fatal("expected error for missing worker binary")
	}
	if d.Active() != 0 {
		t.Errorf("Active() = %d after failed start, want 0", d.Active())
	}
}

func TestDispatchCancelledContext(t *testing.T) {
	d := newTestDispatcher(t, "true")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := d.Dispatch(ctx, testSpec("job-1", &lineCollector{})); !errors.Is(err, context.Canceled) {
		t.Errorf("Dispatch = %v, want context.Canceled", err)
	}
}

func TestCapabilities(t *testing.T) {
	d := New(Config{MaxConcurrency: 4}, slog.Default())
	caps := d.Capabilities()
	if caps.Name != Name || caps.MaxConcurrency != 4 {
		t.Errorf("Capabilities() = %+v", caps)
	}
}
