package health

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// Pinger is the reachability check the probe runs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Probe pings the backend on an interval and feeds the result to the
// breaker. While the breaker is open it pings only once the cool-down
// allows a trial, so a recovered backend is noticed without traffic.
type Probe struct {
	breaker  *Breaker
	pinger   Pinger
	clock    clock.Clock
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewProbe returns a probe. timeout bounds each ping.
func NewProbe(b *Breaker, p Pinger, clk clock.Clock, interval, timeout time.Duration, logger zerolog.Logger) *Probe {
	if clk == nil {
		clk = clock.WallClock
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Probe{
		breaker:  b,
		pinger:   p,
		clock:    clk,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With().Str("component", "probe").Logger(),
	}
}

// Check runs one probe cycle and returns the resulting breaker state.
func (p *Probe) Check(ctx context.Context) State {
	if !p.breaker.Allow() {
		return p.breaker.State()
	}

	pingCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.pinger.Ping(pingCtx); err != nil {
		if ctx.Err() != nil {
			// Shutting down; the ping says nothing about the backend.
			p.breaker.Release()
			return p.breaker.State()
		}
		p.logger.Debug().Err(err).Msg("document store ping failed")
		p.breaker.RecordFailure()
	} else {
		p.breaker.RecordSuccess()
	}
	return p.breaker.State()
}

// Run checks on every interval until ctx is done.
func (p *Probe) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.clock.After(p.interval):
			p.Check(ctx)
		}
	}
}
