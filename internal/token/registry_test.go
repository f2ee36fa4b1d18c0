package token

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/volley/internal/model"
	"github.com/seantiz/volley/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewRegistry(s)
}

func TestIssue(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	tok, err := r.Issue(ctx, "job-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if tok.Value == "" || tok.JobID != "job-1" || tok.State != model.TokenOutstanding {
		t.Errorf("Issue returned %+v", tok)
	}

	_, err = r.Issue(ctx, "job-1")
	if !errors.Is(err, store.ErrTokenExists) {
		t.Errorf("second Issue = %v, want ErrTokenExists", err)
	}

	other, err := r.Issue(ctx, "job-2")
	if err != nil {
		t.Fatalf("Issue(job-2): %v", err)
	}
	if other.Value == tok.Value {
		t.Error("two jobs received the same token value")
	}
}

func TestRedeemOnce(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	tok, _ := r.Issue(ctx, "job-1")

	res, got, err := r.Redeem(ctx, tok.Value, model.Success(json.RawMessage(`{"succ":5}`)))
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if res != Redeemed {
		t.Fatalf("first Redeem = %q, want %q", res, Redeemed)
	}
	if got.State != model.TokenRedeemed || got.Outcome.Kind != model.OutcomeSuccess || got.ResolvedAt == nil {
		t.Errorf("redeemed token = %+v", got)
	}

	res, got, err = r.Redeem(ctx, tok.Value, model.Failure("late"))
	if err != nil {
		t.Fatalf("duplicate Redeem: %v", err)
	}
	if res != AlreadyRedeemed {
		t.Errorf("duplicate Redeem = %q, want %q", res, AlreadyRedeemed)
	}
	if got.Outcome.Kind != model.OutcomeSuccess {
		t.Errorf("duplicate Redeem replaced outcome: %+v", got.Outcome)
	}
}

func TestRedeemUnknown(t *testing.T) {
	r := newTestRegistry(t)

	res, got, err := r.Redeem(context.Background(), "never-issued", model.Failure("x"))
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if res != Unknown || got != nil {
		t.Errorf("Redeem(unknown) = %q, %+v; want Unknown, nil", res, got)
	}

	res, _, _ = r.Expire(context.Background(), "never-issued")
	if res != Unknown {
		t.Errorf("Expire(unknown) = %q, want Unknown", res)
	}
}

func TestExpireThenRedeem(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	tok, _ := r.Issue(ctx, "job-1")

	res, _, err := r.Expire(ctx, tok.Value)
	if err != nil || res != Expired {
		t.Fatalf("Expire = %q, %v; want Expired", res, err)
	}

	res, got, err := r.Redeem(ctx, tok.Value, model.Success(nil))
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if res != AlreadyRedeemed {
		t.Errorf("Redeem after expiry = %q, want %q", res, AlreadyRedeemed)
	}
	if got.State != model.TokenExpired {
		t.Errorf("state = %q, want expired", got.State)
	}

	res, _, _ = r.Expire(ctx, tok.Value)
	if res != AlreadyRedeemed {
		t.Errorf("second Expire = %q, want %q", res, AlreadyRedeemed)
	}
}

func TestRedeemExpireRace(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		tok, err := r.Issue(ctx, model.NewID())
		if err != nil {
			t.Fatal(err)
		}

		var wg sync.WaitGroup
		results := make([]Result, 4)
		for j := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				var err error
				if j%2 == 0 {
					results[j], _, err = r.Redeem(ctx, tok.Value, model.Success(nil))
				} else {
					results[j], _, err = r.Expire(ctx, tok.Value)
				}
				if err != nil {
					t.Errorf("resolve: %v", err)
				}
			}()
		}
		wg.Wait()

		winners := 0
		for _, res := range results {
			switch res {
			case Redeemed, Expired:
				winners++
			case AlreadyRedeemed:
			default:
				t.Errorf("unexpected result %q", res)
			}
		}
		if winners != 1 {
			t.Fatalf("round %d: %d winners (%v), want exactly 1", i, winners, results)
		}
	}

	if n := r.locks.len(); n != 0 {
		t.Errorf("%d per-token locks leaked", n)
	}
}

func TestOutstandingFor(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.OutstandingFor(ctx, "job-1"); !errors.Is(err, ErrNoOutstanding) {
		t.Errorf("OutstandingFor(no token) = %v, want ErrNoOutstanding", err)
	}

	tok, _ := r.Issue(ctx, "job-1")
	got, err := r.OutstandingFor(ctx, "job-1")
	if err != nil {
		t.Fatalf("OutstandingFor: %v", err)
	}
	if got.Value != tok.Value {
		t.Errorf("OutstandingFor value = %q, want %q", got.Value, tok.Value)
	}

	_, _, _ = r.Redeem(ctx, tok.Value, model.Cancelled("operator"))
	if _, err := r.OutstandingFor(ctx, "job-1"); !errors.Is(err, ErrNoOutstanding) {
		t.Errorf("OutstandingFor(redeemed) = %v, want ErrNoOutstanding", err)
	}

	resolved, err := r.Lookup(ctx, "job-1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if resolved.Outcome == nil || resolved.Outcome.Kind != model.OutcomeCancelled {
		t.Errorf("Lookup outcome = %+v, want cancelled", resolved.Outcome)
	}
}

func TestSetDeadlineAndOutstanding(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	a, _ := r.Issue(ctx, "job-a")
	b, _ := r.Issue(ctx, "job-b")

	deadline := time.Now().Add(time.Minute).UTC().Truncate(time.Second)
	if err := r.SetDeadline(ctx, a.Value, deadline); err != nil {
		t.Fatalf("SetDeadline: %v", err)
	}
	_, _, _ = r.Expire(ctx, b.Value)

	tokens, err := r.Outstanding(ctx)
	if err != nil {
		t.Fatalf("Outstanding: %v", err)
	}
	if len(tokens) != 1 || tokens[0].JobID != "job-a" {
		t.Fatalf("Outstanding = %+v, want job-a only", tokens)
	}
	if tokens[0].Deadline == nil || !tokens[0].Deadline.Equal(deadline) {
		t.Errorf("deadline = %v, want %v", tokens[0].Deadline, deadline)
	}
}

func TestKeyedMutexSerializes(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("same")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
	if k.len() != 0 {
		t.Errorf("len = %d after all unlocks, want 0", k.len())
	}
}
