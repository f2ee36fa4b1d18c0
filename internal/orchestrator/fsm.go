package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seantiz/volley/internal/model"
)

// State is a workflow state of a single job.
type State string

const (
	StateInit             State = "Init"
	StatePersisted        State = "Persisted"
	StateDispatched       State = "Dispatched"
	StateAwaitingCallback State = "AwaitingCallback"
	StateSucceeded        State = "Succeeded"
	StateFailed           State = "Failed"
)

// Terminal reports whether no further events are accepted in s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// stateForStatus maps a persisted job status onto the workflow state a job in
// that status is in when it has to be rebuilt from the store.
func stateForStatus(status string) State {
	switch status {
	case model.StatusScheduled:
		return StatePersisted
	case model.StatusRunning:
		return StateAwaitingCallback
	case model.StatusSucceeded:
		return StateSucceeded
	default:
		return StateFailed
	}
}

// EventKind identifies something that happened to a job.
type EventKind string

const (
	EventSubmit           EventKind = "submit"
	EventAdmissionFailed  EventKind = "admission_failed"
	EventLaunch           EventKind = "launch"
	EventLaunched         EventKind = "launched"
	EventLaunchFailed     EventKind = "launch_failed"
	EventTokenInvalidated EventKind = "token_invalidated"
	EventWatchdogFired    EventKind = "watchdog_fired"
	EventTimedOut         EventKind = "timed_out"
	EventSucceeded        EventKind = "succeeded"
	EventWorkerFailed     EventKind = "worker_failed"
	EventCancelled        EventKind = "cancelled"
	EventSettle           EventKind = "settle"
)

// Event is the input to Transition.
type Event struct {
	Kind EventKind

	// Result is the worker's success payload.
	Result json.RawMessage

	// Detail is a failure cause or error message.
	Detail string
}

// EffectKind identifies an action the orchestrator performs for a transition.
type EffectKind string

const (
	EffectCreateRecord    EffectKind = "create_record"
	EffectIssueToken      EffectKind = "issue_token"
	EffectSetStatus       EffectKind = "set_status"
	EffectArmWatchdog     EffectKind = "arm_watchdog"
	EffectDisarmWatchdog  EffectKind = "disarm_watchdog"
	EffectDispatch        EffectKind = "dispatch"
	EffectInvalidateToken EffectKind = "invalidate_token"
	EffectExpireToken     EffectKind = "expire_token"
	EffectStopWorker      EffectKind = "stop_worker"
	EffectCloseLogs       EffectKind = "close_logs"
	EffectSettle          EffectKind = "settle"
)

// Effect is one action requested by Transition. Status, Reason, Detail and
// Result are set for EffectSetStatus; Detail also travels with
// EffectInvalidateToken.
type Effect struct {
	Kind   EffectKind
	Status string
	Reason string
	Detail string
	Result json.RawMessage
}

var (
	// ErrTerminal is returned for any event delivered to a finished job.
	ErrTerminal = errors.New("job already finished")

	// ErrInvalidEvent is returned for an event the current state does not accept.
	ErrInvalidEvent = errors.New("event not accepted in current state")
)

// Transition computes the next state and the effects to perform. It has no
// side effects. Events that resolve the job (succeeded, worker_failed,
// timed_out, token_invalidated, cancelled) are only produced after the token
// registry has resolved the job's token, so at most one of them can reach a
// given job.
func Transition(s State, ev Event) (State, []Effect, error) {
	if s.Terminal() {
		return s, nil, fmt.Errorf("%w: %s in %s", ErrTerminal, ev.Kind, s)
	}

	waiting := s == StateDispatched || s == StateAwaitingCallback
	undispatched := s == StatePersisted || s == StateDispatched

	switch ev.Kind {
	case EventSubmit:
		if s == StateInit {
			return StatePersisted, []Effect{
				{Kind: EffectCreateRecord},
				{Kind: EffectIssueToken},
			}, nil
		}

	case EventAdmissionFailed:
		if s == StatePersisted {
			return StateFailed, fail(model.ReasonAdmissionError, ev.Detail), nil
		}

	case EventLaunch:
		// RUNNING is written before the dispatcher runs so a fast worker
		// never redeems against a SCHEDULED record.
		if s == StatePersisted {
			return StateDispatched, []Effect{
				{Kind: EffectSetStatus, Status: model.StatusRunning},
				{Kind: EffectArmWatchdog},
				{Kind: EffectDispatch},
			}, nil
		}

	case EventLaunched:
		if s == StateDispatched {
			return StateAwaitingCallback, nil, nil
		}

	case EventLaunchFailed:
		if undispatched {
			return s, []Effect{{Kind: EffectInvalidateToken, Detail: ev.Detail}}, nil
		}

	case EventTokenInvalidated:
		if undispatched {
			return StateFailed, fail(model.ReasonDispatchError, ev.Detail), nil
		}

	case EventWatchdogFired:
		if waiting {
			return s, []Effect{{Kind: EffectExpireToken}}, nil
		}

	case EventTimedOut:
		if waiting {
			return StateFailed, append(
				[]Effect{{Kind: EffectStopWorker}},
				fail(model.ReasonTimeout, ev.Detail)...,
			), nil
		}

	case EventSucceeded:
		if waiting {
			return StateSucceeded, []Effect{
				{Kind: EffectSetStatus, Status: model.StatusSucceeded, Result: ev.Result},
				{Kind: EffectDisarmWatchdog},
				{Kind: EffectCloseLogs},
			}, nil
		}

	case EventWorkerFailed:
		if waiting {
			return StateFailed, fail(model.ReasonWorkerError, ev.Detail), nil
		}

	case EventCancelled:
		// SCHEDULED only skips to a terminal status on an intake failure.
		if waiting {
			return StateFailed, append(
				[]Effect{{Kind: EffectStopWorker}},
				fail(model.ReasonCancelled, ev.Detail)...,
			), nil
		}

	case EventSettle:
		if s == StatePersisted || waiting {
			return s, []Effect{{Kind: EffectSettle}}, nil
		}
	}

	return s, nil, fmt.Errorf("%w: %s in %s", ErrInvalidEvent, ev.Kind, s)
}

// fail writes the status first: the watchdog stays armed until the job's
// terminal status is stored.
func fail(reason, detail string) []Effect {
	return []Effect{
		{Kind: EffectSetStatus, Status: model.StatusFailed, Reason: reason, Detail: detail},
		{Kind: EffectDisarmWatchdog},
		{Kind: EffectCloseLogs},
	}
}

// outcomeEvent converts a redeemed outcome into the event it resolves the job with.
func outcomeEvent(o model.Outcome) Event {
	switch o.Kind {
	case model.OutcomeSuccess:
		return Event{Kind: EventSucceeded, Result: o.Payload}
	case model.OutcomeCancelled:
		return Event{Kind: EventCancelled, Detail: o.Cause}
	default:
		return Event{Kind: EventWorkerFailed, Detail: o.Cause}
	}
}
