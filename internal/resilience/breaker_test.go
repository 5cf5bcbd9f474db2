package resilience

import (
	"errors"
	"testing"
	"time"
)

var errUpstream = errors.New("embedding api: 503")

// testBreaker returns a breaker pinned to a controllable clock.
func testBreaker(s Settings) (*Breaker, *time.Time) {
	b := New(s)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

// outage drives n consecutive failing calls.
func outage(b *Breaker, n int) {
	for range n {
		_ = b.Do(func() error { return errUpstream })
	}
}

func TestBreaker_Defaults(t *testing.T) {
	t.Parallel()

	b := New(Settings{Name: "embeddings"})
	if b.trip != 5 || b.cooldown != 30*time.Second || b.budget != 3 {
		t.Errorf("defaults = trip %d, cooldown %v, budget %d; want 5, 30s, 3",
			b.trip, b.cooldown, b.budget)
	}
	if b.State() != Closed {
		t.Errorf("new breaker state = %v, want closed", b.State())
	}
}

func TestBreaker_ClosedForwardsCalls(t *testing.T) {
	t.Parallel()

	b, _ := testBreaker(Settings{Name: "embeddings", Trip: 3})
	called := false
	if err := b.Do(func() error { called = true; return nil }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !called {
		t.Fatal("closed circuit did not forward the call")
	}
}

func TestBreaker_OpensAfterTripFailures(t *testing.T) {
	t.Parallel()

	b, _ := testBreaker(Settings{Name: "embeddings", Trip: 3, Cooldown: time.Minute})
	outage(b, 3)

	if b.State() != Open {
		t.Fatalf("state = %v, want open after 3 failures", b.State())
	}
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Fatalf("Do while open = %v, want ErrOpen", err)
	}
}

func TestBreaker_SuccessClearsFailureStreak(t *testing.T) {
	t.Parallel()

	b, _ := testBreaker(Settings{Name: "embeddings", Trip: 3})
	outage(b, 2)
	_ = b.Do(func() error { return nil })
	outage(b, 2)

	if b.State() != Closed {
		t.Errorf("state = %v, want closed: the streak never reached 3", b.State())
	}
}

func TestBreaker_CooldownAdmitsTrials(t *testing.T) {
	t.Parallel()

	b, now := testBreaker(Settings{Name: "embeddings", Trip: 1, Cooldown: time.Minute, TrialBudget: 2})
	outage(b, 1)
	if b.State() != Open {
		t.Fatalf("state = %v, want open", b.State())
	}

	// Before the cool-down elapses the upstream is left alone.
	*now = now.Add(30 * time.Second)
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Fatalf("Do mid-cooldown = %v, want ErrOpen", err)
	}

	*now = now.Add(31 * time.Second)
	if b.State() != HalfOpen {
		t.Fatalf("state after cooldown = %v, want half-open", b.State())
	}

	// A full budget of successful trials closes the circuit.
	for i := range 2 {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("trial %d: %v", i, err)
		}
	}
	if b.State() != Closed {
		t.Errorf("state after successful trials = %v, want closed", b.State())
	}
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	t.Parallel()

	b, now := testBreaker(Settings{Name: "embeddings", Trip: 1, Cooldown: time.Minute, TrialBudget: 3})
	outage(b, 1)
	*now = now.Add(2 * time.Minute)

	_ = b.Do(func() error { return errUpstream })
	if b.State() != Open {
		t.Fatalf("state after failed trial = %v, want open", b.State())
	}

	// The cool-down restarts from the failed trial.
	*now = now.Add(30 * time.Second)
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Errorf("Do after failed trial = %v, want ErrOpen", err)
	}
}

func TestBreaker_TrialBudgetBounded(t *testing.T) {
	t.Parallel()

	b, now := testBreaker(Settings{Name: "embeddings", Trip: 1, Cooldown: time.Minute, TrialBudget: 1})
	outage(b, 1)
	*now = now.Add(2 * time.Minute)

	// The single budgeted trial closes the circuit again.
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("trial: %v", err)
	}
	if b.State() != Closed {
		t.Errorf("state = %v, want closed after the budgeted trial", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()

	b, _ := testBreaker(Settings{Name: "embeddings", Trip: 1, Cooldown: time.Hour})
	outage(b, 1)
	if b.State() != Open {
		t.Fatalf("state = %v, want open", b.State())
	}

	b.Reset()
	if b.State() != Closed {
		t.Fatalf("state after Reset = %v, want closed", b.State())
	}
	if err := b.Do(func() error { return nil }); err != nil {
		t.Errorf("Do after Reset: %v", err)
	}
}

func TestBreaker_PassesErrorThrough(t *testing.T) {
	t.Parallel()

	b, _ := testBreaker(Settings{Name: "embeddings", Trip: 5})
	if err := b.Do(func() error { return errUpstream }); !errors.Is(err, errUpstream) {
		t.Errorf("Do = %v, want the upstream error unchanged", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	cases := map[State]string{Closed: "closed", Open: "open", HalfOpen: "half-open", State(9): "unknown"}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
