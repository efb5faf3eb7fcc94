// Package health tracks DocumentStore reachability with a circuit breaker
// and a background probe.
package health

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/surrealdb/annosync/pkg/metrics"
)

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds breaker tuning.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int
	// CoolDown is how long the breaker stays open before a trial call.
	CoolDown time.Duration
	// MaxCoolDown caps the cool-down after repeated failed trials.
	MaxCoolDown time.Duration
	// Multiplier grows the cool-down after each failed trial.
	Multiplier float64
}

// DefaultBreakerConfig returns the default tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:   3,
		CoolDown:    5 * time.Second,
		MaxCoolDown: 5 * time.Minute,
		Multiplier:  2,
	}
}

// Breaker is a circuit breaker for one backend. It is safe for
// concurrent use.
//
// Closed lets every call through and counts consecutive failures. Open
// rejects calls until the cool-down elapses; the next Allow then moves
// to HalfOpen and admits exactly one trial. A successful trial closes the
// breaker and runs the recovery callbacks; a failed one reopens it with a
// longer cool-down.
type Breaker struct {
	cfg     BreakerConfig
	clock   clock.Clock
	logger  zerolog.Logger
	metrics *metrics.Collector

	mu        sync.Mutex
	state     State
	failures  int
	coolDown  time.Duration
	openedAt  time.Time
	trial     bool
	onRecover []func()
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig, clk clock.Clock, logger zerolog.Logger, m *metrics.Collector) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = def.CoolDown
	}
	if cfg.MaxCoolDown < cfg.CoolDown {
		cfg.MaxCoolDown = cfg.CoolDown
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if clk == nil {
		clk = clock.WallClock
	}
	b := &Breaker{
		cfg:      cfg,
		clock:    clk,
		logger:   logger.With().Str("component", "breaker").Logger(),
		metrics:  m,
		coolDown: cfg.CoolDown,
	}
	m.SetBreakerState(int(Closed))
	return b
}

// OnRecover registers fn to run, outside the breaker lock, each time a
// trial succeeds and the breaker closes.
func (b *Breaker) OnRecover(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRecover = append(b.onRecover, fn)
}

// Allow reports whether a call may go to the backend. When it returns
// true the caller must report the outcome with RecordSuccess or
// RecordFailure, or hand the call back with Release.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.clock.Now().Sub(b.openedAt) < b.coolDown {
			return false
		}
		b.setState(HalfOpen)
		b.trial = true
		return true
	default:
		if b.trial {
			return false
		}
		b.trial = true
		return true
	}
}

// RecordSuccess reports a successful backend call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	if b.state != HalfOpen {
		b.mu.Unlock()
		return
	}
	b.trial = false
	b.coolDown = b.cfg.CoolDown
	b.setState(Closed)
	callbacks := append([]func(){}, b.onRecover...)
	b.mu.Unlock()

	b.logger.Info().Msg("document store recovered, breaker closed")
	for _, fn := range callbacks {
		fn()
	}
}

// RecordFailure reports a failed backend call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.Threshold {
			b.open()
			b.logger.Warn().Int("failures", b.failures).Dur("cool_down", b.coolDown).Msg("breaker opened")
		}
	case HalfOpen:
		b.trial = false
		next := time.Duration(float64(b.coolDown) * b.cfg.Multiplier)
		if next > b.cfg.MaxCoolDown {
			next = b.cfg.MaxCoolDown
		}
		b.coolDown = next
		b.open()
		b.logger.Warn().Dur("cool_down", b.coolDown).Msg("trial failed, breaker reopened")
	case Open:
		// Late report from a call admitted before the breaker opened.
	}
}

// Release returns a call admitted by Allow without reporting an outcome,
// for calls the caller abandoned before the backend answered. A pending
// trial is handed to the next Allow.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.trial = false
	}
}

// open must be called with mu held.
func (b *Breaker) open() {
	b.openedAt = b.clock.Now()
	b.setState(Open)
}

// setState must be called with mu held.
func (b *Breaker) setState(s State) {
	b.state = s
	b.metrics.SetBreakerState(int(s))
}

// State returns the current state without admitting a trial.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// CoolDown returns the current cool-down.
func (b *Breaker) CoolDown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.coolDown
}
