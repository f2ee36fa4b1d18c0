// Package token implements the continuation token registry. A token is issued
// when a job is suspended waiting for its worker and is resolved exactly once:
// redeemed by the worker's callback, or expired by the timeout watchdog.
package token
