package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/volley/internal/model"
	"github.com/seantiz/volley/internal/store"
)

// Recover rebuilds the workflows of jobs left unfinished by a previous run.
// It must run before the server accepts callbacks.
//
//   - SCHEDULED without a token: FAILED admission-error.
//   - SCHEDULED with an outstanding token: token invalidated, FAILED dispatch-error.
//   - RUNNING with an outstanding token: watchdog re-armed at the stored deadline.
//   - Any job whose token was already resolved: the stored outcome is applied.
func (o *Orchestrator) Recover(ctx context.Context) error {
	var recovered, failed int
	for _, status := range []string{model.StatusScheduled, model.StatusRunning} {
		jobs, err := o.store.ListJobsByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("list %s jobs: %w", status, err)
		}
		for _, job := range jobs {
			if err := o.recoverJob(ctx, job); err != nil {
				o.logger.Error("recover job", "job_id", job.ID, "status", job.Status, "error", err)
				failed++
				continue
			}
			recovered++
		}
	}
	if recovered+failed > 0 {
		o.logger.Info("recovery complete", "recovered", recovered, "failed", failed)
	}
	return nil
}

func (o *Orchestrator) recoverJob(ctx context.Context, job *model.Job) error {
	inst := &instance{jobID: job.ID, def: job.Definition, state: stateForStatus(job.Status)}

	tok, err := o.tokens.Lookup(ctx, job.ID)
	if errors.Is(err, store.ErrTokenNotFound) {
		if job.Status != model.StatusScheduled {
			return fmt.Errorf("%s job has no token", job.Status)
		}
		o.track(inst)
		return o.deliverTo(ctx, inst, Event{Kind: EventAdmissionFailed, Detail: "interrupted before token issue"})
	}
	if err != nil {
		return fmt.Errorf("lookup token: %w", err)
	}
	inst.token = tok.Value
	o.track(inst)

	if tok.State != model.TokenOutstanding {
		return o.deliverTo(ctx, inst, resolvedEvent(tok, inst.state))
	}

	outstandingTokens.Inc()
	if inst.state == StatePersisted {
		return o.deliverTo(ctx, inst, Event{Kind: EventLaunchFailed, Detail: "interrupted before dispatch"})
	}

	deadline := time.Now().Add(o.window(inst.def))
	if tok.Deadline != nil {
		deadline = *tok.Deadline
	}
	o.watchdog.arm(job.ID, deadline)
	o.logger.Info("watchdog re-armed", "job_id", job.ID, "deadline", deadline)
	return nil
}

// resolvedEvent is the event that finishes a job whose token was resolved
// but whose terminal status was never written.
// A job that never left SCHEDULED fails dispatch-error whatever the token
// was resolved with.
func resolvedEvent(tok *model.Token, s State) Event {
	if s == StatePersisted {
		return Event{Kind: EventTokenInvalidated, Detail: "token invalidated before dispatch"}
	}
	if tok.State == model.TokenRedeemed && tok.Outcome != nil {
		return outcomeEvent(*tok.Outcome)
	}
	return Event{Kind: EventTimedOut, Detail: "token expired before restart"}
}
