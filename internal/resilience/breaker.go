// Package resilience shields session teardown from a misbehaving embedding
// API. [Breaker] is a three-state circuit: closed while the upstream answers,
// open once consecutive failures cross the trip threshold, and half-open
// after a cool-down, when a small budget of trial calls decides whether the
// upstream has recovered.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the circuit refuses calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State uint8

const (
	// Closed forwards every call.
	Closed State = iota

	// Open rejects every call with [ErrOpen] until the cool-down elapses.
	Open

	// HalfOpen admits a limited budget of trial calls. All succeeding closes
	// the circuit; any failure re-opens it.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Settings tunes a [Breaker]. The zero value gets usable defaults.
type Settings struct {
	// Name labels the circuit in log lines, e.g. "embeddings/text-embedding-3-small".
	Name string

	// Trip is the consecutive-failure count that opens the circuit. Default 5.
	Trip int

	// Cooldown is how long the circuit stays open before trial calls are
	// admitted. Default 30s.
	Cooldown time.Duration

	// TrialBudget is how many calls half-open admits before deciding.
	// Default 3.
	TrialBudget int
}

// Breaker is the circuit. Create with [New].
type Breaker struct {
	name     string
	trip     int
	cooldown time.Duration
	budget   int
	log      *slog.Logger
	now      func() time.Time // swapped in tests

	mu       sync.Mutex
	state    State
	failures int       // consecutive failures while closed
	openedAt time.Time // last transition into Open
	trials   int       // calls admitted since entering half-open
}

// New creates a closed [Breaker] from s, filling defaults for zero fields.
func New(s Settings) *Breaker {
	if s.Trip <= 0 {
		s.Trip = 5
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	if s.TrialBudget <= 0 {
		s.TrialBudget = 3
	}
	return &Breaker{
		name:     s.Name,
		trip:     s.Trip,
		cooldown: s.Cooldown,
		budget:   s.TrialBudget,
		log:      slog.Default(),
		now:      time.Now,
	}
}

// Do runs fn unless the circuit refuses it. While open it returns [ErrOpen]
// without calling fn; once the cool-down elapses the call becomes a trial.
// fn's error is passed through unchanged.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = HalfOpen
		b.trials = 0
		b.log.Info("circuit half-open, trialing upstream", "name", b.name)
	case HalfOpen:
		if b.trials >= b.budget {
			// Trial budget spent; wait for the verdict of in-flight trials.
			b.mu.Unlock()
			return ErrOpen
		}
	}
	trial := b.state == HalfOpen
	if trial {
		b.trials++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.recordFailure(trial)
	} else {
		b.recordSuccess(trial)
	}
	return err
}

// recordFailure updates state after a failed call. Caller holds b.mu.
func (b *Breaker) recordFailure(trial bool) {
	b.openedAt = b.now()
	if trial {
		b.state = Open
		b.failures = b.trip
		b.log.Warn("trial call failed, circuit re-opened", "name", b.name)
		return
	}
	b.failures++
	if b.state == Closed && b.failures >= b.trip {
		b.state = Open
		b.log.Warn("circuit opened", "name", b.name, "failures", b.failures)
	}
}

// recordSuccess updates state after a successful call. Caller holds b.mu.
func (b *Breaker) recordSuccess(trial bool) {
	if !trial {
		b.failures = 0
		return
	}
	// A failed trial re-opens immediately, so every counted trial reaching
	// here succeeded; a full budget of them closes the circuit.
	if b.state == HalfOpen && b.trials >= b.budget {
		b.state = Closed
		b.failures = 0
		b.trials = 0
		b.log.Info("circuit closed, upstream recovered", "name", b.name)
	}
}

// State reports the circuit's mode. An open circuit whose cool-down has
// elapsed reports [HalfOpen]; the stored transition happens on the next Do.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Reset forces the circuit closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.trials = 0
	b.log.Info("circuit reset", "name", b.name)
}
