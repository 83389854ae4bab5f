package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestRegistry() *Registry {
	return NewRegistry(Options{Retention: time.Hour, MaxHistory: 100, SweepInterval: time.Hour})
}

func TestRegistry_StartDuplicate(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()

	if _, err := r.Start("s1", "user"); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if _, err := r.Start("s1", "user"); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}

	// After retirement the id can be reused.
	if !r.End("s1", StateCompleted) {
		t.Fatal("end should win")
	}
	if _, err := r.Start("s1", "user"); err != nil {
		t.Fatalf("restart after end failed: %v", err)
	}
}

func TestRegistry_EndExactlyOnce(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()

	if _, err := r.Start("s1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Race the client-close path against normal completion; exactly one wins.
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	outcomes := []State{StateCompleted, StateCancelled, StateTimedOut, StateCancelled}
	for _, o := range outcomes {
		wg.Add(1)
		go func(outcome State) {
			defer wg.Done()
			if r.End("s1", outcome) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(o)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winning End, got %d", wins)
	}

	s, ok := r.Get("s1")
	if !ok {
		t.Fatal("session missing from history")
	}
	if !s.State.Terminal() {
		t.Fatalf("expected terminal state, got %s", s.State)
	}
	if s.EndedAt.IsZero() {
		t.Fatal("ended_at not set")
	}
}

func TestRegistry_UpdateAfterEndIsNoop(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()

	if _, err := r.Start("s1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	r.Update("s1", 10, false)
	r.End("s1", StateCompleted)
	r.Update("s1", 99, true) // late call from a racing path

	s, _ := r.Get("s1")
	if s.MessageCount != 1 {
		t.Fatalf("late update mutated retired session: count=%d", s.MessageCount)
	}
	if s.ErrorCount != 0 {
		t.Fatalf("late update recorded error: %d", s.ErrorCount)
	}
}

func TestRegistry_FlagIdempotentPerReason(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()

	if _, err := r.Start("s1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	r.Flag("s1", "slow_upstream")
	r.Flag("s1", "slow_upstream")
	r.Flag("s1", "partial_output")

	s, _ := r.Get("s1")
	if !s.Flagged {
		t.Fatal("expected flagged")
	}
	if len(s.FlagReasons) != 2 {
		t.Fatalf("expected 2 distinct reasons, got %v", s.FlagReasons)
	}
}

func TestRegistry_TokenLifecycle(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()

	if _, err := r.Start("s1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	tok := NewToken(context.Background(), "s1")
	r.RegisterToken("s1", tok)

	got, ok := r.Token("s1")
	if !ok || got != tok {
		t.Fatal("token lookup failed")
	}

	r.End("s1", StateCancelled)
	if _, ok := r.Token("s1"); ok {
		t.Fatal("token should be dropped on retirement")
	}
}

func TestRegistry_Metrics(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()

	for _, tc := range []struct {
		id      string
		outcome State
		latency int64
	}{
		{"a", StateCompleted, 100},
		{"b", StateCompleted, 200},
		{"c", StateFailed, 300},
		{"d", StateCancelled, 400},
	} {
		if _, err := r.Start(tc.id, ""); err != nil {
			t.Fatalf("start %s: %v", tc.id, err)
		}
		r.Update(tc.id, tc.latency, tc.outcome == StateFailed)
		r.End(tc.id, tc.outcome)
	}

	m := r.Metrics(time.Hour)
	if m.Completed != 2 || m.Failed != 1 || m.Cancelled != 1 {
		t.Fatalf("unexpected counts: %+v", m)
	}
	if m.SuccessRate != 0.5 {
		t.Fatalf("success rate = %v, want 0.5", m.SuccessRate)
	}
	if m.LatencyP50Ms != 200 {
		t.Fatalf("p50 = %d, want 200", m.LatencyP50Ms)
	}
	if m.LatencyP99Ms != 400 {
		t.Fatalf("p99 = %d, want 400", m.LatencyP99Ms)
	}
}

func TestToken_FirstCancelWins(t *testing.T) {
	tok := NewToken(context.Background(), "s1")
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for _, reason := range []CancelReason{ReasonUserRequested, ReasonConnectionClosed, ReasonTimeout} {
		wg.Add(1)
		go func(re CancelReason) {
			defer wg.Done()
			if tok.Cancel(re) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(reason)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected one winner, got %d", wins)
	}
	if !tok.Cancelled() {
		t.Fatal("token should be cancelled")
	}
	select {
	case <-tok.Done():
	default:
		t.Fatal("context not cancelled")
	}
	if _, ok := tok.Reason(); !ok {
		t.Fatal("reason missing")
	}
}
