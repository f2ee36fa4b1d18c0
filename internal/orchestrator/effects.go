package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/volley/internal/dispatch"
	"github.com/seantiz/volley/internal/model"
	"github.com/seantiz/volley/internal/store"
	"github.com/seantiz/volley/internal/token"
)

// apply performs one effect for inst and returns the follow-up event it
// produced, if any. The caller holds inst.mu.
func (o *Orchestrator) apply(ctx context.Context, inst *instance, eff Effect) (*Event, error) {
	switch eff.Kind {
	case EffectCreateRecord:
		now := time.Now().UTC()
		job := &model.Job{
			ID:         inst.jobID,
			Status:     model.StatusScheduled,
			Definition: inst.def,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := o.store.CreateJob(ctx, job); err != nil {
			return nil, fmt.Errorf("%w: create job: %w", ErrAdmission, err)
		}
		return nil, nil

	case EffectIssueToken:
		tok, err := o.tokens.Issue(ctx, inst.jobID)
		if err != nil {
			return &Event{Kind: EventAdmissionFailed, Detail: err.Error()}, nil
		}
		inst.token = tok.Value
		outstandingTokens.Inc()
		return nil, nil

	case EffectSetStatus:
		return nil, o.setStatus(ctx, inst, eff)

	case EffectArmWatchdog:
		deadline := time.Now().Add(o.window(inst.def)).UTC()
		if err := o.tokens.SetDeadline(ctx, inst.token, deadline); err != nil {
			o.logger.Warn("persist token deadline", "job_id", inst.jobID, "error", err)
		}
		o.watchdog.arm(inst.jobID, deadline)
		return nil, nil

	case EffectDisarmWatchdog:
		o.watchdog.disarm(inst.jobID)
		return nil, nil

	case EffectDispatch:
		return o.dispatch(ctx, inst), nil

	case EffectInvalidateToken:
		return o.expire(ctx, inst, Event{Kind: EventTokenInvalidated, Detail: eff.Detail})

	case EffectExpireToken:
		return o.expire(ctx, inst, Event{Kind: EventTimedOut, Detail: o.timeoutDetail(inst)})

	case EffectStopWorker:
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer cancel()
		if err := o.dispatcher.Cleanup(stopCtx, inst.jobID); err != nil {
			o.logger.Warn("stop worker", "job_id", inst.jobID, "error", err)
		}
		return nil, nil

	case EffectCloseLogs:
		o.broker.Close(inst.jobID)
		return nil, nil

	case EffectSettle:
		return o.settle(ctx, inst)
	}
	return nil, fmt.Errorf("unknown effect %q", eff.Kind)
}

func (o *Orchestrator) setStatus(ctx context.Context, inst *instance, eff Effect) error {
	upd := model.StatusUpdate{Reason: eff.Reason, Detail: eff.Detail, Result: eff.Result}
	if err := o.store.UpdateJobStatus(ctx, inst.jobID, eff.Status, upd); err != nil {
		return fmt.Errorf("set status %s: %w", eff.Status, err)
	}
	inst.reason, inst.detail = eff.Reason, eff.Detail

	if model.IsTerminal(eff.Status) {
		jobsFinishedTotal.WithLabelValues(eff.Status, eff.Reason).Inc()
		o.logger.Info("job finished", "job_id", inst.jobID, "status", eff.Status, "reason", eff.Reason, "detail", eff.Detail)
	}
	return nil
}

// dispatch launches the worker. A launch failure becomes a launch_failed event.
func (o *Orchestrator) dispatch(ctx context.Context, inst *instance) *Event {
	spec := dispatch.WorkerSpec{
		JobID:       inst.jobID,
		Token:       inst.token,
		Definition:  inst.def,
		CallbackURL: o.cfg.CallbackURL,
		Timeout:     o.window(inst.def),
		LogWriter:   o.logWriter(inst),
	}

	start := time.Now()
	err := o.dispatcher.Dispatch(ctx, spec)
	dispatchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		o.logger.Error("dispatch failed", "job_id", inst.jobID, "error", err)
		return &Event{Kind: EventLaunchFailed, Detail: err.Error()}
	}
	o.logger.Info("worker dispatched", "job_id", inst.jobID, "dispatcher", o.dispatcher.Capabilities().Name)
	return &Event{Kind: EventLaunched}
}

// logWriter persists each worker line, then publishes it to live subscribers.
func (o *Orchestrator) logWriter(inst *instance) func(string) {
	return func(line string) {
		seq := int(inst.logSeq.Add(1) - 1)
		if err := o.store.InsertLogLine(context.Background(), inst.jobID, seq, line); err != nil {
			o.logger.Error("persist log line", "job_id", inst.jobID, "seq", seq, "error", err)
		}
		o.broker.Publish(inst.jobID, line)
	}
}

// expire resolves the job's token as expired. When a redemption got there
// first there is no follow-up: the redeemer delivers the job's outcome.
func (o *Orchestrator) expire(ctx context.Context, inst *instance, then Event) (*Event, error) {
	res, _, err := o.tokens.Expire(ctx, inst.token)
	if err != nil {
		return nil, fmt.Errorf("expire token: %w", err)
	}
	tokenResolutionsTotal.WithLabelValues(string(res)).Inc()

	switch res {
	case token.Expired:
		outstandingTokens.Dec()
		return &then, nil
	case token.AlreadyRedeemed:
		o.logger.Info("token resolved before expiry", "job_id", inst.jobID)
		return nil, nil
	default:
		return nil, fmt.Errorf("expire token for job %s: %s", inst.jobID, res)
	}
}

// settle picks the event that finishes a job whose last transition failed
// part-way, from what the token registry recorded for it. A job still
// awaiting its callback with an outstanding token is left to the watchdog.
func (o *Orchestrator) settle(ctx context.Context, inst *instance) (*Event, error) {
	tok, err := o.tokens.Lookup(ctx, inst.jobID)
	switch {
	case errors.Is(err, store.ErrTokenNotFound):
		if inst.state != StatePersisted {
			return nil, fmt.Errorf("%s job has no token", inst.state)
		}
		return &Event{Kind: EventAdmissionFailed, Detail: "token was never issued"}, nil
	case err != nil:
		return nil, fmt.Errorf("lookup token: %w", err)
	case tok.State != model.TokenOutstanding:
		ev := resolvedEvent(tok, inst.state)
		if ev.Kind == EventTimedOut {
			ev.Detail = o.timeoutDetail(inst)
		}
		return &ev, nil
	case inst.state == StatePersisted:
		return &Event{Kind: EventLaunchFailed, Detail: "launch interrupted"}, nil
	}
	return nil, nil
}

func (o *Orchestrator) timeoutDetail(inst *instance) string {
	return fmt.Sprintf("no callback within %s", o.window(inst.def))
}
