package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/volley/internal/model"
	"github.com/seantiz/volley/internal/store"
)

// Result is the outcome of resolving a token.
type Result string

const (
	// Redeemed means this call resolved the token with the worker's outcome.
	Redeemed Result = "redeemed"
	// Expired means this call resolved the token as timed out.
	Expired Result = "expired"
	// AlreadyRedeemed means the token had been resolved before; nothing changed.
	AlreadyRedeemed Result = "already_redeemed"
	// Unknown means the token was never issued.
	Unknown Result = "unknown"
)

// ErrNoOutstanding is returned by OutstandingFor when the job has no token
// waiting to be resolved.
var ErrNoOutstanding = errors.New("no outstanding token")

// Registry issues and resolves continuation tokens.
//
// Redeem and Expire on the same token are serialized by a per-token lock and
// the store only resolves rows that are still outstanding, so whichever call
// takes the lock first wins and the other observes AlreadyRedeemed.
type Registry struct {
	store store.TokenStore
	locks *keyedMutex
	now   func() time.Time
}

// NewRegistry creates a registry persisting tokens in s.
func NewRegistry(s store.TokenStore) *Registry {
	return &Registry{
		store: s,
		locks: newKeyedMutex(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Issue creates the outstanding token for jobID. A job gets one token for its
// lifetime; a second Issue fails with store.ErrTokenExists.
func (r *Registry) Issue(ctx context.Context, jobID string) (*model.Token, error) {
	value, err := model.NewTokenValue()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	t := &model.Token{
		Value:    value,
		JobID:    jobID,
		State:    model.TokenOutstanding,
		IssuedAt: r.now(),
	}
	if err := r.store.CreateToken(ctx, t); err != nil {
		return nil, fmt.Errorf("issue token for job %s: %w", jobID, err)
	}
	return t, nil
}

// Redeem resolves value with the worker-supplied outcome. The returned token
// reflects its state after the call and is nil for Unknown.
func (r *Registry) Redeem(ctx context.Context, value string, outcome model.Outcome) (Result, *model.Token, error) {
	return r.resolve(ctx, value, model.TokenRedeemed, &outcome, Redeemed)
}

// Expire resolves value as timed out. Expiring a token that was already
// redeemed or expired is a no-op reporting AlreadyRedeemed.
func (r *Registry) Expire(ctx context.Context, value string) (Result, *model.Token, error) {
	return r.resolve(ctx, value, model.TokenExpired, nil, Expired)
}

func (r *Registry) resolve(ctx context.Context, value, state string, outcome *model.Outcome, won Result) (Result, *model.Token, error) {
	unlock := r.locks.Lock(value)
	defer unlock()

	t, err := r.store.GetToken(ctx, value)
	if errors.Is(err, store.ErrTokenNotFound) {
		return Unknown, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	if t.State != model.TokenOutstanding {
		return AlreadyRedeemed, t, nil
	}

	ok, err := r.store.ResolveToken(ctx, value, state, outcome)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		// Resolved by another process sharing the database.
		current, err := r.store.GetToken(ctx, value)
		if err != nil {
			return "", nil, err
		}
		return AlreadyRedeemed, current, nil
	}

	now := r.now()
	t.State = state
	t.Outcome = outcome
	t.ResolvedAt = &now
	return won, t, nil
}

// OutstandingFor returns the outstanding token of jobID, or ErrNoOutstanding.
func (r *Registry) OutstandingFor(ctx context.Context, jobID string) (*model.Token, error) {
	t, err := r.store.GetTokenByJob(ctx, jobID)
	if errors.Is(err, store.ErrTokenNotFound) {
		return nil, ErrNoOutstanding
	}
	if err != nil {
		return nil, err
	}
	if t.State != model.TokenOutstanding {
		return nil, ErrNoOutstanding
	}
	return t, nil
}

// Lookup returns the token for jobID in whatever state it is in.
func (r *Registry) Lookup(ctx context.Context, jobID string) (*model.Token, error) {
	return r.store.GetTokenByJob(ctx, jobID)
}

// SetDeadline records when the watchdog will expire value.
func (r *Registry) SetDeadline(ctx context.Context, value string, deadline time.Time) error {
	return r.store.SetTokenDeadline(ctx, value, deadline)
}

// Outstanding lists every token still waiting to be resolved.
func (r *Registry) Outstanding(ctx context.Context) ([]*model.Token, error) {
	return r.store.ListTokensByState(ctx, model.TokenOutstanding)
}
