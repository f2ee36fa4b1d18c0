package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/seantiz/volley/internal/model"
)

// Environment variables every worker receives.
const (
	EnvTaskToken     = "TASK_TOKEN"
	EnvExecutionID   = "EXECUTION_ID"
	EnvJobDefinition = "JOB_DEFINITION"
	EnvCallbackURL   = "CALLBACK_URL"
)

// ErrAlreadyDispatched is returned when a worker for the job is already active.
var ErrAlreadyDispatched = errors.New("worker already dispatched for job")

// Dispatcher launches workers. Dispatch is fire-and-forget: it returns once
// the worker has been started and reports only launch failures. The worker's
// result arrives later through the token callback.
type Dispatcher interface {
	Dispatch(ctx context.Context, spec WorkerSpec) error

	// Capabilities describes the dispatcher for the API.
	Capabilities() Capabilities

	// Cleanup stops the job's worker if it is still running and releases its
	// resources. Unknown jobs are not an error.
	Cleanup(ctx context.Context, jobID string) error
}

// WorkerSpec is everything a dispatcher needs to start one worker.
type WorkerSpec struct {
	JobID       string
	Token       string
	Definition  model.JobDefinition
	CallbackURL string

	// Timeout bounds how long the worker may run. Zero means no bound.
	Timeout time.Duration

	// LogWriter, when set, receives each line the worker writes.
	LogWriter func(line string)
}

// Env renders the worker contract as KEY=VALUE pairs.
func (s WorkerSpec) Env() ([]string, error) {
	def, err := json.Marshal(s.Definition)
	if err != nil {
		return nil, err
	}
	env := []string{
		EnvTaskToken + "=" + s.Token,
		EnvExecutionID + "=" + s.JobID,
		EnvJobDefinition + "=" + string(def),
	}
	if s.CallbackURL != "" {
		env = append(env, EnvCallbackURL+"="+s.CallbackURL)
	}
	return env, nil
}

// EnvMap is Env keyed by variable name.
func (s WorkerSpec) EnvMap() (map[string]string, error) {
	def, err := json.Marshal(s.Definition)
	if err != nil {
		return nil, err
	}
	m := map[string]string{
		EnvTaskToken:     s.Token,
		EnvExecutionID:   s.JobID,
		EnvJobDefinition: string(def),
	}
	if s.CallbackURL != "" {
		m[EnvCallbackURL] = s.CallbackURL
	}
	return m, nil
}

// Emit delivers line to the spec's LogWriter if one is set.
func (s WorkerSpec) Emit(line string) {
	if s.LogWriter != nil {
		s.LogWriter(line)
	}
}

// Capabilities describes a dispatcher.
type Capabilities struct {
	Name           string `json:"name"`
	Isolation      string `json:"isolation"`
	MaxConcurrency int    `json:"maxConcurrency"`
}
