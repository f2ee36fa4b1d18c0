package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/volley/internal/model"
	"github.com/seantiz/volley/internal/orchestrator"
	"github.com/seantiz/volley/internal/token"
)

func TestTaskSuccess(t *testing.T) {
	e := newTestEnv(t, orchestrator.Config{})
	id, spec := e.submit(t)

	var resp taskResponse
	body := taskSuccessRequest{TaskToken: spec.Token, Output: json.RawMessage(`{"testDuration":2}`)}
	if code := e.postJSON(t, "/v1/tasks/success", body, &resp); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Result != token.Redeemed {
		t.Errorf("result = %q, want redeemed", resp.Result)
	}

	job := e.waitForStatus(t, id, model.StatusSucceeded)
	if string(job.Result) != `{"testDuration":2}` {
		t.Errorf("job result = %s", job.Result)
	}
}

func TestTaskFailure(t *testing.T) {
	e := newTestEnv(t, orchestrator.Config{})
	id, spec := e.submit(t)

	var resp taskResponse
	if code := e.postJSON(t, "/v1/tasks/failure", taskFailureRequest{TaskToken: spec.Token, Cause: "bzt exited with status 1"}, &resp); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}

	job := e.waitForStatus(t, id, model.StatusFailed)
	if job.Reason != model.ReasonWorkerError || job.Detail != "bzt exited with status 1" {
		t.Errorf("job = %+v", job)
	}
}

func TestTaskCallbackDuplicate(t *testing.T) {
	e := newTestEnv(t, orchestrator.Config{})
	id, spec := e.submit(t)

	body := taskSuccessRequest{TaskToken: spec.Token, Output: json.RawMessage(`{}`)}
	e.postJSON(t, "/v1/tasks/success", body, nil)
	e.waitForStatus(t, id, model.StatusSucceeded)

	var resp taskResponse
	if code := e.postJSON(t, "/v1/tasks/failure", taskFailureRequest{TaskToken: spec.Token, Cause: "late"}, &resp); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Result != token.AlreadyRedeemed {
		t.Errorf("result = %q, want already_redeemed", resp.Result)
	}
	if job := e.waitForStatus(t, id, model.StatusSucceeded); job.Reason != "" {
		t.Errorf("duplicate changed job: %+v", job)
	}
}

func TestTaskCallbackConcurrent(t *testing.T) {
	e := newTestEnv(t, orchestrator.Config{})
	id, spec := e.submit(t)

	const callers = 6
	results := make(chan token.Result, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Go(func() {
			var resp taskResponse
			if i%2 == 0 {
				e.postJSON(t, "/v1/tasks/success", taskSuccessRequest{TaskToken: spec.Token, Output: json.RawMessage(`{}`)}, &resp)
			} else {
				e.postJSON(t, "/v1/tasks/failure", taskFailureRequest{TaskToken: spec.Token, Cause: "x"}, &resp)
			}
			results <- resp.Result
		})
	}
	wg.Wait()
	close(results)

	redeemed := 0
	for r := range results {
		if r == token.Redeemed {
			redeemed++
		}
	}
	if redeemed != 1 {
		t.Errorf("%d callers redeemed, want 1", redeemed)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var got jobResponse
		e.getJSON(t, "/v1/jobs/"+id, &got)
		if model.IsTerminal(got.Status) {
			if len(got.Transitions) != 3 {
				t.Errorf("transitions = %+v, want 3", got.Transitions)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never finished")
}

func TestTaskCallbackUnknownToken(t *testing.T) {
	e := newTestEnv(t, orchestrator.Config{})

	var resp map[string]string
	if code := e.postJSON(t, "/v1/tasks/success", taskSuccessRequest{TaskToken: "forged", Output: json.RawMessage(`{}`)}, &resp); code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
	if resp["message"] != "unknown task token" {
		t.Errorf("message = %q", resp["message"])
	}
}

func TestTaskCallbackBadRequest(t *testing.T) {
	e := newTestEnv(t, orchestrator.Config{})

	tests := []struct {
		name string
		path string
		body any
	}{
		{"success not json", "/v1/tasks/success", "nope"},
		{"success without token", "/v1/tasks/success", taskSuccessRequest{Output: json.RawMessage(`{}`)}},
		{"failure without token", "/v1/tasks/failure", taskFailureRequest{Cause: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := e.postJSON(t, tt.path, tt.body, nil); code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", code)
			}
		})
	}
}

func TestTaskCallbackAfterTimeout(t *testing.T) {
	e := newTestEnv(t, orchestrator.Config{CallbackTimeout: 50 * time.Millisecond})
	id, spec := e.submit(t)

	job := e.waitForStatus(t, id, model.StatusFailed)
	if job.Reason != model.ReasonTimeout {
		t.Fatalf("reason = %q, want timeout", job.Reason)
	}

	var resp taskResponse
	if code := e.postJSON(t, "/v1/tasks/success", taskSuccessRequest{TaskToken: spec.Token, Output: json.RawMessage(`{}`)}, &resp); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Result != token.AlreadyRedeemed {
		t.Errorf("result = %q, want already_redeemed", resp.Result)
	}
}
