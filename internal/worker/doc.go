// Package worker is the runtime of a dispatched worker. It reads the job from
// its environment, runs the load test through Taurus (bzt), and reports the
// outcome by redeeming its continuation token against the server.
package worker
