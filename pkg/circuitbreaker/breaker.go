// Package circuitbreaker guards calls to flaky upstreams (premium LLM
// providers, the knowledge graph) so that a dead dependency is skipped
// quickly instead of being waited on for every query.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

var (
	ErrCircuitOpen     = eris.New("circuit breaker is open")
	ErrTooManyRequests = eris.New("too many requests in half-open state")
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

var stateNames = map[State]string{
	StateClosed:   "closed",
	StateHalfOpen: "half-open",
	StateOpen:     "open",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

type Config struct {
	// MaxRequests is the number of trial calls admitted while half-open.
	MaxRequests uint32
	// Interval resets the closed-state counters periodically. Zero keeps
	// them until the next state change.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing again.
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
	// IsFailure decides whether an error counts against the breaker.
	// Context cancellation never does.
	IsFailure     func(error) bool
	OnStateChange func(name string, from State, to State)
	Clock         clockwork.Clock
	Logger        *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Minute
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 1
	}
	if c.SuccessThreshold > c.MaxRequests {
		c.MaxRequests = c.SuccessThreshold
	}
	if c.IsFailure == nil {
		c.IsFailure = func(error) bool { return true }
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Counts are the outcomes recorded since the last state change or
// interval reset.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) record(ok bool) {
	if ok {
		c.TotalSuccesses++
		c.ConsecutiveSuccesses++
		c.ConsecutiveFailures = 0
		return
	}
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

type CircuitBreaker struct {
	name string
	cfg  Config

	mu     sync.Mutex
	state  State
	epoch  uint64
	counts Counts
	// deadline is when the current phase ends: the interval reset while
	// closed, the end of the cool-down while open. Zero means never.
	deadline time.Time
}

func New(name string, cfg Config) *CircuitBreaker {
	cb := &CircuitBreaker{name: name, cfg: cfg.withDefaults()}
	cb.beginEpoch(cb.cfg.Clock.Now())
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn if the breaker admits it and records the outcome. A
// rejected call returns ErrCircuitOpen or ErrTooManyRequests without
// invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	epoch, err := cb.admit()
	if err != nil {
		return eris.Wrapf(err, "breaker %s", cb.name)
	}

	finished := false
	defer func() {
		if !finished {
			cb.settle(epoch, false)
		}
	}()

	err = fn(ctx)
	finished = true
	cb.settle(epoch, !cb.failed(ctx, err))
	return err
}

func (cb *CircuitBreaker) failed(ctx context.Context, err error) bool {
	switch {
	case err == nil:
		return false
	case ctx.Err() != nil && eris.Is(err, ctx.Err()):
		return false
	default:
		return cb.cfg.IsFailure(err)
	}
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance(cb.cfg.Clock.Now())
	switch cb.state {
	case StateOpen:
		return cb.epoch, ErrCircuitOpen
	case StateHalfOpen:
		if cb.counts.Requests >= cb.cfg.MaxRequests {
			return cb.epoch, ErrTooManyRequests
		}
	}
	cb.counts.Requests++
	return cb.epoch, nil
}

// settle records an outcome unless the breaker moved to a new epoch while
// the call was in flight.
func (cb *CircuitBreaker) settle(epoch uint64, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.Clock.Now()
	cb.advance(now)
	if epoch != cb.epoch {
		return
	}

	cb.counts.record(ok)
	switch cb.state {
	case StateHalfOpen:
		if !ok {
			cb.transition(StateOpen, now)
		} else if cb.counts.ConsecutiveSuccesses >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed, now)
		}
	case StateClosed:
		if !ok && cb.counts.ConsecutiveFailures >= cb.cfg.FailureThreshold {
			cb.transition(StateOpen, now)
		}
	}
}

// advance applies time-driven changes: the end of the open cool-down and
// the periodic reset of closed-state counters.
func (cb *CircuitBreaker) advance(now time.Time) {
	if cb.deadline.IsZero() || now.Before(cb.deadline) {
		return
	}
	switch cb.state {
	case StateOpen:
		cb.transition(StateHalfOpen, now)
	case StateClosed:
		cb.beginEpoch(now)
	}
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	from := cb.state
	if from == to {
		return
	}
	failures := cb.counts.ConsecutiveFailures
	cb.state = to
	cb.beginEpoch(now)

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}

	log := cb.cfg.Logger.Info
	if to == StateOpen {
		log = cb.cfg.Logger.Warn
	}
	log("circuit breaker state changed",
		zap.String("name", cb.name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Uint32("consecutive_failures", failures),
	)
}

func (cb *CircuitBreaker) beginEpoch(now time.Time) {
	cb.epoch++
	cb.counts = Counts{}
	cb.deadline = time.Time{}

	switch cb.state {
	case StateOpen:
		cb.deadline = now.Add(cb.cfg.Timeout)
	case StateClosed:
		if cb.cfg.Interval > 0 {
			cb.deadline = now.Add(cb.cfg.Interval)
		}
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance(cb.cfg.Clock.Now())
	return cb.state
}

// Available reports whether a call would currently be admitted.
func (cb *CircuitBreaker) Available() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance(cb.cfg.Clock.Now())
	switch cb.state {
	case StateOpen:
		return false
	case StateHalfOpen:
		return cb.counts.Requests < cb.cfg.MaxRequests
	default:
		return true
	}
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.counts
}
