// Package resilience provides the circuit breaker and retry primitives the
// router builds its fallback chain from.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) kept
// per provider in a [BreakerSet]. Callers decide what counts as a failure:
// a breaker only hears about the outcomes it is told about through
// [Ticket.Done]. [RetryPolicy] repeats a call a bounded number of times when
// its error is classified as retryable.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Allow] while the breaker is
// open, or half-open with its probe budget spent.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until ResetTimeout has passed since the last
	// failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax probe calls through. Any probe
	// failure re-opens the breaker; HalfOpenMax successes close it.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the probe budget in the half-open state. Default: 3.
	HalfOpenMax int

	// Now overrides the clock. Used in tests.
	Now func() time.Time
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 3
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenOK      int
}

// NewCircuitBreaker creates a closed breaker. Zero config fields get defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults(), state: StateClosed}
}

// Ticket is permission for one call. Settle it exactly once with Done.
type Ticket struct {
	cb    *CircuitBreaker
	probe bool
}

// Allow asks for permission to make a call. It returns [ErrCircuitOpen]
// when the call must be skipped.
func (cb *CircuitBreaker) Allow() (Ticket, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.lastFailure) < cb.cfg.ResetTimeout {
			return Ticket{}, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.halfOpenCalls = 0
		cb.halfOpenOK = 0
		slog.Info("circuit breaker half-open", "name", cb.cfg.Name)
	}
	if cb.state == StateHalfOpen {
		if cb.halfOpenCalls >= cb.cfg.HalfOpenMax {
			return Ticket{}, ErrCircuitOpen
		}
		cb.halfOpenCalls++
		return Ticket{cb: cb, probe: true}, nil
	}
	return Ticket{cb: cb}, nil
}

// Done settles the ticket. failed should be true only for outcomes that say
// something about the health of the protected dependency.
func (t Ticket) Done(failed bool) {
	if t.cb == nil {
		return
	}
	t.cb.mu.Lock()
	defer t.cb.mu.Unlock()
	if failed {
		t.cb.recordFailure(t.probe)
	} else {
		t.cb.recordSuccess(t.probe)
	}
}

// Execute runs fn under the breaker, counting any non-nil error as a failure.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	ticket, err := cb.Allow()
	if err != nil {
		return err
	}
	err = fn()
	ticket.Done(err != nil)
	return err
}

// recordFailure must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(probe bool) {
	cb.lastFailure = cb.cfg.Now()

	if probe || cb.state == StateHalfOpen {
		cb.state = StateOpen
		cb.consecutiveFail = cb.cfg.MaxFailures
		slog.Warn("circuit breaker re-opened", "name", cb.cfg.Name)
		return
	}

	cb.consecutiveFail++
	if cb.state == StateClosed && cb.consecutiveFail >= cb.cfg.MaxFailures {
		cb.state = StateOpen
		slog.Warn("circuit breaker opened",
			"name", cb.cfg.Name,
			"consecutive_failures", cb.consecutiveFail)
	}
}

// recordSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(probe bool) {
	if probe && cb.state == StateHalfOpen {
		cb.halfOpenOK++
		if cb.halfOpenOK >= cb.cfg.HalfOpenMax {
			cb.state = StateClosed
			cb.consecutiveFail = 0
			cb.halfOpenCalls = 0
			cb.halfOpenOK = 0
			slog.Info("circuit breaker closed", "name", cb.cfg.Name)
		}
		return
	}
	if cb.state == StateClosed {
		cb.consecutiveFail = 0
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// Allow.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.lastFailure) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.halfOpenCalls = 0
	cb.halfOpenOK = 0
	slog.Info("circuit breaker reset", "name", cb.cfg.Name)
}

// BreakerSet lazily creates one breaker per name from a shared config.
type BreakerSet struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates an empty set. cfg.Name is ignored; each breaker is
// named after its key.
func NewBreakerSet(cfg CircuitBreakerConfig) *BreakerSet {
	return &BreakerSet{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for name, creating it on first use.
func (s *BreakerSet) Get(name string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[name]
	if !ok {
		cfg := s.cfg
		cfg.Name = name
		cb = NewCircuitBreaker(cfg)
		s.breakers[name] = cb
	}
	return cb
}

// States snapshots the state of every breaker created so far.
func (s *BreakerSet) States() map[string]State {
	s.mu.Lock()
	names := make([]string, 0, len(s.breakers))
	cbs := make([]*CircuitBreaker, 0, len(s.breakers))
	for name, cb := range s.breakers {
		names = append(names, name)
		cbs = append(cbs, cb)
	}
	s.mu.Unlock()

	out := make(map[string]State, len(names))
	for i, cb := range cbs {
		out[names[i]] = cb.State()
	}
	return out
}
