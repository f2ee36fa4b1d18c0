// Package orchestrator sequences the lifecycle of load-test jobs.
//
// Each job is a small state machine (Transition) whose effects are carried
// out by the Orchestrator: persisting the record, issuing the continuation
// token, dispatching the worker and arming the timeout watchdog. A job then
// waits, holding only its outstanding token, until the worker redeems the
// token, an operator cancels it, or the watchdog expires it.
package orchestrator
