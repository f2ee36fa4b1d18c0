package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/volley/internal/dispatch"
	"github.com/seantiz/volley/internal/model"
	"github.com/seantiz/volley/internal/store"
	"github.com/seantiz/volley/internal/token"
)

// DefaultCallbackTimeout is how long a job waits for its worker's callback
// when Config leaves CallbackTimeout unset.
const DefaultCallbackTimeout = 15 * time.Minute

// DefaultRetryInterval is how long a job whose transition failed part-way
// waits before it is settled again.
const DefaultRetryInterval = 5 * time.Second

// stopTimeout bounds how long stopping a worker may take.
const stopTimeout = 30 * time.Second

var (
	// ErrAdmission is returned by Submit when the job could not be admitted.
	// No job is left SCHEDULED after it.
	ErrAdmission = errors.New("job admission failed")

	// ErrNotCancellable is returned by Cancel unless the job's worker has been
	// dispatched and its token is still outstanding.
	ErrNotCancellable = errors.New("job is not awaiting a callback")
)

// Config controls the timeout window and what workers are told.
type Config struct {
	// CallbackTimeout is the time a job may wait for its callback.
	CallbackTimeout time.Duration

	// ExtendTimeoutByJob adds the job's rampUp + holdFor to CallbackTimeout.
	ExtendTimeoutByJob bool

	// CallbackURL is the base URL workers redeem their token against.
	CallbackURL string

	// RetryInterval is the delay before a job whose transition failed on a
	// store or registry error is settled again.
	RetryInterval time.Duration
}

// instance is the in-memory workflow of one job. mu is held for the whole
// chain of transitions an event triggers.
type instance struct {
	mu     sync.Mutex
	jobID  string
	def    model.JobDefinition
	state  State
	token  string
	reason string
	detail string
	logSeq atomic.Int32
}

// Orchestrator drives job workflows.
type Orchestrator struct {
	store      store.JobStore
	tokens     *token.Registry
	dispatcher dispatch.Dispatcher
	cfg        Config
	logger     *slog.Logger
	broker     *LogBroker
	watchdog   *watchdog
	retries    *watchdog
	wg         sync.WaitGroup

	mu        sync.Mutex
	instances map[string]*instance
}

// New creates an orchestrator.
func New(s store.JobStore, tokens *token.Registry, d dispatch.Dispatcher, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = DefaultCallbackTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	o := &Orchestrator{
		store:      s,
		tokens:     tokens,
		dispatcher: d,
		cfg:        cfg,
		logger:     logger,
		broker:     NewLogBroker(),
		instances:  make(map[string]*instance),
	}
	o.watchdog = newWatchdog(o.onWatchdog)
	o.retries = newWatchdog(o.onRetry)
	return o
}

// Broker returns the log broker for SSE subscription.
func (o *Orchestrator) Broker() *LogBroker {
	return o.broker
}

// Submit admits a job: the record is created SCHEDULED and its token issued
// before Submit returns. The worker is dispatched in a goroutine.
//
// Once admission has started it runs to completion even if ctx is cancelled,
// so a caller that goes away never leaves a job SCHEDULED without a token.
//
// Errors wrap ErrAdmission, or model.ErrInvalidDefinition for a bad definition.
func (o *Orchestrator) Submit(ctx context.Context, def model.JobDefinition) (string, error) {
	if err := def.Validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrAdmission, err)
	}

	inst := &instance{jobID: model.NewID(), def: def, state: StateInit}
	inst.mu.Lock()
	o.track(inst)
	err := o.fire(context.WithoutCancel(ctx), inst, Event{Kind: EventSubmit})
	inst.mu.Unlock()

	if err != nil {
		o.forget(inst.jobID)
		if !errors.Is(err, ErrAdmission) {
			err = fmt.Errorf("%w: %w", ErrAdmission, err)
		}
		return "", err
	}
	if inst.state == StateFailed {
		return "", fmt.Errorf("%w: %s", ErrAdmission, inst.detail)
	}

	jobsSubmittedTotal.Inc()
	o.logger.Info("job admitted", "job_id", inst.jobID)

	o.wg.Go(func() {
		o.deliverTo(context.Background(), inst, Event{Kind: EventLaunch})
	})
	return inst.jobID, nil
}

// Redeem resolves a continuation token with the worker's outcome. The token
// registry decides the result; only the call that redeems the token moves
// the job to its terminal status. Duplicates are no-ops.
func (o *Orchestrator) Redeem(ctx context.Context, value string, outcome model.Outcome) (token.Result, error) {
	res, tok, err := o.tokens.Redeem(ctx, value, outcome)
	if err != nil {
		return "", fmt.Errorf("redeem token: %w", err)
	}
	tokenResolutionsTotal.WithLabelValues(string(res)).Inc()

	switch res {
	case token.Redeemed:
		outstandingTokens.Dec()
	case token.AlreadyRedeemed:
		o.logger.Info("duplicate redemption ignored", "job_id", tok.JobID, "token_state", tok.State, "outcome", outcome.Kind)
		return res, nil
	default:
		o.logger.Warn("redemption with unknown token")
		return res, nil
	}

	o.logger.Info("token redeemed", "job_id", tok.JobID, "outcome", outcome.Kind)
	if err := o.deliver(context.WithoutCancel(ctx), tok.JobID, outcomeEvent(outcome)); err != nil {
		return res, fmt.Errorf("apply outcome to job %s: %w", tok.JobID, err)
	}
	return res, nil
}

// Cancel fails a job on an operator's behalf by redeeming its token with a
// cancelled outcome. It returns store.ErrNotFound for an unknown job and
// ErrNotCancellable for a job that is not RUNNING with an outstanding token.
// A job still waiting to be dispatched cannot be cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, jobID, cause string) error {
	inst, err := o.instanceFor(ctx, jobID)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	state := inst.state
	inst.mu.Unlock()
	if state != StateDispatched && state != StateAwaitingCallback {
		return ErrNotCancellable
	}

	tok, err := o.tokens.OutstandingFor(ctx, jobID)
	if errors.Is(err, token.ErrNoOutstanding) {
		return ErrNotCancellable
	}
	if err != nil {
		return fmt.Errorf("lookup token: %w", err)
	}

	if cause == "" {
		cause = "cancelled by operator"
	}
	res, _, err := o.tokens.Redeem(ctx, tok.Value, model.Cancelled(cause))
	if err != nil {
		return fmt.Errorf("redeem token: %w", err)
	}
	tokenResolutionsTotal.WithLabelValues(string(res)).Inc()
	if res != token.Redeemed {
		return ErrNotCancellable
	}
	outstandingTokens.Dec()

	o.logger.Info("job cancelled", "job_id", jobID, "cause", cause)
	return o.deliver(context.WithoutCancel(ctx), jobID, Event{Kind: EventCancelled, Detail: cause})
}

// Wait blocks until every in-flight dispatch goroutine has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close waits for in-flight dispatches and stops all watchdog and retry
// timers. Jobs still awaiting a callback are re-armed by Recover on the next
// start.
func (o *Orchestrator) Close() {
	o.wg.Wait()
	o.watchdog.stop()
	o.retries.stop()
}

// onWatchdog runs when a job's timeout window has elapsed.
func (o *Orchestrator) onWatchdog(jobID string) {
	o.logger.Info("watchdog fired", "job_id", jobID)
	if err := o.deliver(context.Background(), jobID, Event{Kind: EventWatchdogFired}); err != nil && !errors.Is(err, ErrTerminal) {
		o.logger.Error("watchdog", "job_id", jobID, "error", err)
	}
}

// onRetry settles a job whose last transition failed. A job that cannot even
// be loaded is retried again later.
func (o *Orchestrator) onRetry(jobID string) {
	err := o.deliver(context.Background(), jobID, Event{Kind: EventSettle})
	switch {
	case err == nil, errors.Is(err, ErrTerminal), errors.Is(err, store.ErrNotFound):
	case errors.Is(err, ErrInvalidEvent):
		o.logger.Warn("settle", "job_id", jobID, "error", err)
	default:
		o.logger.Error("settle", "job_id", jobID, "error", err)
		if !o.retries.has(jobID) {
			o.retries.arm(jobID, time.Now().Add(o.cfg.RetryInterval))
		}
	}
}

// window is how long a job may wait for its callback.
func (o *Orchestrator) window(def model.JobDefinition) time.Duration {
	d := o.cfg.CallbackTimeout
	if o.cfg.ExtendTimeoutByJob {
		d += def.ExpectedDuration()
	}
	return d
}

// deliver feeds ev to the workflow of jobID.
func (o *Orchestrator) deliver(ctx context.Context, jobID string, ev Event) error {
	inst, err := o.instanceFor(ctx, jobID)
	if err != nil {
		return err
	}
	return o.deliverTo(ctx, inst, ev)
}

func (o *Orchestrator) deliverTo(ctx context.Context, inst *instance, ev Event) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	err := o.fire(ctx, inst, ev)
	switch {
	case err == nil:
	case errors.Is(err, ErrTerminal):
		o.logger.Debug("event dropped for finished job", "job_id", inst.jobID, "event", ev.Kind)
	default:
		o.logger.Error("job transition failed", "job_id", inst.jobID, "event", ev.Kind, "state", inst.state, "error", err)
	}
	return err
}

// fire runs ev and every follow-up event its effects produce. The caller
// holds inst.mu.
//
// A transition's next state is committed only after all of its effects have
// succeeded. When an effect fails the job keeps its previous state and a
// settle is scheduled after Config.RetryInterval.
func (o *Orchestrator) fire(ctx context.Context, inst *instance, ev Event) error {
	queue := []Event{ev}
	for len(queue) > 0 {
		ev, queue = queue[0], queue[1:]

		next, effects, err := Transition(inst.state, ev)
		if err != nil {
			return err
		}
		o.logger.Debug("transition", "job_id", inst.jobID, "event", ev.Kind, "from", inst.state, "to", next)

		for _, eff := range effects {
			follow, err := o.apply(ctx, inst, eff)
			if err != nil {
				if inst.state != StateInit {
					o.retries.arm(inst.jobID, time.Now().Add(o.cfg.RetryInterval))
				}
				return fmt.Errorf("%s: %w", eff.Kind, err)
			}
			if follow != nil {
				queue = append(queue, *follow)
			}
		}
		inst.state = next
	}

	if inst.state.Terminal() {
		o.forget(inst.jobID)
	}
	return nil
}

// instanceFor returns the live workflow of jobID, rebuilding it from the
// store when it is not in memory.
func (o *Orchestrator) instanceFor(ctx context.Context, jobID string) (*instance, error) {
	o.mu.Lock()
	inst, ok := o.instances[jobID]
	o.mu.Unlock()
	if ok {
		return inst, nil
	}

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	inst = &instance{jobID: job.ID, def: job.Definition, state: stateForStatus(job.Status)}
	if tok, err := o.tokens.Lookup(ctx, jobID); err == nil {
		inst.token = tok.Value
	}
	if inst.state.Terminal() {
		return inst, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.instances[jobID]; ok {
		return existing, nil
	}
	o.instances[jobID] = inst
	return inst, nil
}

func (o *Orchestrator) track(inst *instance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.instances[inst.jobID] = inst
}

func (o *Orchestrator) forget(jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.instances, jobID)
}

// Active returns the number of jobs with a live workflow.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.instances)
}
