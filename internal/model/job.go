package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Job status constants. These are the persisted enum strings.
const (
	StatusScheduled = "SCHEDULED"
	StatusRunning   = "RUNNING"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
)

// Failure reasons recorded on FAILED jobs.
const (
	ReasonAdmissionError = "admission-error"
	ReasonDispatchError  = "dispatch-error"
	ReasonWorkerError    = "worker-error"
	ReasonTimeout        = "timeout"
	ReasonCancelled      = "cancelled"
)

// MethodGET is the only HTTP method a load test may use.
const MethodGET = "GET"

// MaxDuration is the longest holdFor or rampUp a job may ask for.
const MaxDuration = 7 * 24 * time.Hour

// validTransitions maps each status to the set of statuses it may transition to.
// SCHEDULED→FAILED covers hard failures at intake time, before any dispatch.
var validTransitions = map[string]map[string]bool{
	StatusScheduled: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is final.
func IsTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed
}

// ErrInvalidDefinition is returned by JobDefinition.Validate.
var ErrInvalidDefinition = errors.New("invalid job definition")

// JobDefinition is the immutable description of a load test. It is the sole
// job-specific input handed to the worker.
type JobDefinition struct {
	Concurrency int    `json:"concurrency" yaml:"concurrency"`
	HoldFor     string `json:"holdFor" yaml:"hold-for"`
	RampUp      string `json:"rampUp" yaml:"ramp-up"`
	Method      string `json:"method" yaml:"method"`
	URL         string `json:"url" yaml:"url"`
}

// Validate checks the definition's field constraints.
func (d JobDefinition) Validate() error {
	if d.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be >= 1", ErrInvalidDefinition)
	}
	if d.Method != MethodGET {
		return fmt.Errorf("%w: method must be %s", ErrInvalidDefinition, MethodGET)
	}
	if strings.TrimSpace(d.URL) == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidDefinition)
	}
	if _, err := ParseDuration(d.HoldFor); err != nil {
		return fmt.Errorf("%w: holdFor: %v", ErrInvalidDefinition, err)
	}
	if _, err := ParseDuration(d.RampUp); err != nil {
		return fmt.Errorf("%w: rampUp: %v", ErrInvalidDefinition, err)
	}
	return nil
}

// ExpectedDuration is rampUp + holdFor. Invalid durations count as zero, so
// the result is never more than 2*MaxDuration.
func (d JobDefinition) ExpectedDuration() time.Duration {
	hold, _ := ParseDuration(d.HoldFor)
	ramp, _ := ParseDuration(d.RampUp)
	return hold + ramp
}

// ParseDuration accepts a Go duration ("1m30s") or a bare number of seconds
// ("90") between zero and MaxDuration.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		if n > int64(MaxDuration/time.Second) {
			return 0, fmt.Errorf("duration %q exceeds %s", s, MaxDuration)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	if d > MaxDuration {
		return 0, fmt.Errorf("duration %q exceeds %s", s, MaxDuration)
	}
	return d, nil
}

// Job is the persisted record of one submitted load test.
type Job struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	Definition JobDefinition   `json:"definition"`
	Reason     string          `json:"reason,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
}

// StatusUpdate carries the optional data attached to a status change.
type StatusUpdate struct {
	Reason string
	Detail string
	Result json.RawMessage
}

// Transition is one accepted status change in a job's history.
type Transition struct {
	Seq    int       `json:"seq"`
	From   string    `json:"from,omitempty"`
	To     string    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// LogLine represents a single persisted line of worker output.
type LogLine struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"jobId"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"createdAt"`
}
