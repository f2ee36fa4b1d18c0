package model

import (
	"encoding/json"
	"time"
)

// Continuation token states.
const (
	TokenOutstanding = "outstanding"
	TokenRedeemed    = "redeemed"
	TokenExpired     = "expired"
)

// Outcome kinds a token may be redeemed with.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeCancelled = "cancelled"
)

// Outcome is the result a worker (or operator) reports when redeeming a token.
type Outcome struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Cause   string          `json:"cause,omitempty"`
}

// Success builds a successful outcome carrying the worker's result payload.
func Success(payload json.RawMessage) Outcome {
	return Outcome{Kind: OutcomeSuccess, Payload: payload}
}

// Failure builds a failed outcome with the worker's reported cause.
func Failure(cause string) Outcome {
	return Outcome{Kind: OutcomeFailure, Cause: cause}
}

// Cancelled builds the forced failure injected by an operator.
func Cancelled(cause string) Outcome {
	return Outcome{Kind: OutcomeCancelled, Cause: cause}
}

// Token is a single-use continuation token bound to one suspended job.
type Token struct {
	Value      string     `json:"-"`
	JobID      string     `json:"jobId"`
	State      string     `json:"state"`
	Outcome    *Outcome   `json:"outcome,omitempty"`
	IssuedAt   time.Time  `json:"issuedAt"`
	Deadline   *time.Time `json:"deadline,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}
