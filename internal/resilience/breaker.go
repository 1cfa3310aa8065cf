// Package resilience guards calls to external AI providers. A failing
// provider is cut off quickly so the gateway can fall through to the next
// one instead of burning the step timeout on a dead endpoint.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the breaker's position.
type State int32

const (
	// StateClosed: calls flow normally.
	StateClosed State = iota
	// StateOpen: calls are rejected without reaching the provider.
	StateOpen
	// StateHalfOpen: a few probe calls test whether the provider recovered.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned while the breaker rejects calls.
	ErrOpen = errors.New("provider circuit open")

	// ErrProbesSaturated is returned when the half-open probe quota is in use.
	ErrProbesSaturated = errors.New("provider circuit probing")
)

// Counts is the request tally for the current window.
type Counts struct {
	Requests             uint32
	Successes            uint32
	Failures             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Settings configures a Breaker.
type Settings struct {
	Name string

	// HalfOpenProbes is how many concurrent calls the half-open state
	// admits. That many consecutive successes close the breaker again.
	HalfOpenProbes uint32

	// Window resets closed-state counts so one bad burst long ago cannot
	// trip a healthy provider. Zero keeps counts forever.
	Window time.Duration

	// OpenFor is how long the breaker stays open before probing.
	OpenFor time.Duration

	// TripAfter decides, on each failure, whether to open the breaker.
	TripAfter func(Counts) bool

	// OnStateChange observes transitions.
	OnStateChange func(name string, from, to State)
}

// ProviderSettings are the defaults for an AI provider endpoint: trip at a
// 60% failure rate once five calls are in the window, stay open for 30s,
// close after three good probes.
func ProviderSettings(name string) Settings {
	return Settings{
		Name:           name,
		HalfOpenProbes: 3,
		Window:         60 * time.Second,
		OpenFor:        30 * time.Second,
		TripAfter: func(c Counts) bool {
			if c.Requests < 5 {
				return false
			}
			return float64(c.Failures)/float64(c.Requests) >= 0.6
		},
	}
}

// Breaker implements the circuit breaker pattern for one provider.
type Breaker struct {
	settings Settings

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
	probes     uint32
}

// New creates a breaker.
func New(s Settings) *Breaker {
	if s.HalfOpenProbes == 0 {
		s.HalfOpenProbes = 1
	}
	if s.OpenFor == 0 {
		s.OpenFor = 30 * time.Second
	}
	if s.TripAfter == nil {
		s.TripAfter = func(c Counts) bool { return c.ConsecutiveFailures > 5 }
	}
	b := &Breaker{settings: s}
	b.newGeneration(time.Now())
	return b
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	return state
}

// Counts returns the current window's tally.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Do runs fn if the breaker admits the call. A context already cancelled
// counts as neither success nor failure.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	generation, err := b.admit()
	if err != nil {
		return nil, err
	}

	if ctx.Err() != nil {
		b.settle(generation, true)
		return nil, ctx.Err()
	}

	out, err := fn(ctx)
	b.settle(generation, err == nil)
	return out, err
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	switch state {
	case StateOpen:
		return generation, ErrOpen
	case StateHalfOpen:
		if b.probes >= b.settings.HalfOpenProbes {
			return generation, ErrProbesSaturated
		}
		b.probes++
	}

	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) settle(before uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)
	// A generation change already cleared this call's counts.
	if generation != before {
		return
	}

	if success {
		b.counts.Successes++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.settings.HalfOpenProbes {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.Failures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch state {
	case StateClosed:
		if b.settings.TripAfter(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		// One bad probe reopens.
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.settings.Name, prev, state)
	}
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}
	b.probes = 0

	switch b.state {
	case StateClosed:
		if b.settings.Window > 0 {
			b.expiry = now.Add(b.settings.Window)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.settings.OpenFor)
	default:
		b.expiry = time.Time{}
	}
}
