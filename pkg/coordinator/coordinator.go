// Package coordinator keeps the MetadataStore and the DocumentStore in step.
//
// The MetadataStore write is the single commit point of every operation.
// The entity and its sync task are written in one transaction; the
// DocumentStore copy follows at least once, either inline when the
// breaker allows it or later from a reconciliation sweep. DocumentStore
// failures are never returned to the caller of a write.
package coordinator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/surrealdb/annosync/pkg/health"
	"github.com/surrealdb/annosync/pkg/metrics"
	"github.com/surrealdb/annosync/pkg/store"
	"github.com/surrealdb/annosync/pkg/validate"
)

// Config holds reconciliation tuning.
type Config struct {
	// ReconcileAttempts is how many times a sweep tries each task before
	// deferring it.
	ReconcileAttempts int
	// BaseBackoff is the deferral after the first failed sweep; it
	// doubles with every further failure up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// BatchSize bounds the tasks handled by one sweep. Zero means all.
	BatchSize int
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		ReconcileAttempts: 3,
		BaseBackoff:       time.Second,
		MaxBackoff:        10 * time.Minute,
		BatchSize:         100,
	}
}

// Coordinator runs the dual-store protocol. It is safe for concurrent use.
type Coordinator struct {
	meta      store.MetadataStore
	docs      store.DocumentStore
	breaker   *health.Breaker
	validator *validate.Validator
	clock     clock.Clock
	cfg       Config
	logger    zerolog.Logger
	metrics   *metrics.Collector

	sweeping atomic.Bool
	wake     chan struct{}
}

// New returns a coordinator and registers its recovery hook on breaker.
func New(
	meta store.MetadataStore,
	docs store.DocumentStore,
	breaker *health.Breaker,
	validator *validate.Validator,
	clk clock.Clock,
	cfg Config,
	logger zerolog.Logger,
	m *metrics.Collector,
) *Coordinator {
	def := DefaultConfig()
	if cfg.ReconcileAttempts < 1 {
		cfg.ReconcileAttempts = def.ReconcileAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if clk == nil {
		clk = clock.WallClock
	}
	c := &Coordinator{
		meta:      meta,
		docs:      docs,
		breaker:   breaker,
		validator: validator,
		clock:     clk,
		cfg:       cfg,
		logger:    logger.With().Str("component", "coordinator").Logger(),
		metrics:   m,
		wake:      make(chan struct{}, 1),
	}
	breaker.OnRecover(c.recovered)
	return c
}

// Wake delivers a value each time the DocumentStore recovers and a sweep
// should run without waiting for the next interval.
func (c *Coordinator) Wake() <-chan struct{} {
	return c.wake
}

// Breaker returns the breaker guarding the DocumentStore.
func (c *Coordinator) Breaker() *health.Breaker {
	return c.breaker
}

// recovered moves degraded entities to pending and schedules a sweep.
func (c *Coordinator) recovered() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := c.meta.PromoteDegraded(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("promoting degraded entities")
	} else if n > 0 {
		c.logger.Info().Int64("entities", n).Msg("degraded entities queued for reconciliation")
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Backoff returns the deferral after the given number of failed sweeps.
func (c *Coordinator) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := c.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= c.cfg.MaxBackoff {
			return c.cfg.MaxBackoff
		}
	}
	return d
}

// Reset removes every record from both stores.
func (c *Coordinator) Reset(ctx context.Context) error {
	if err := c.meta.Reset(ctx); err != nil {
		return store.Permanent("reset", err)
	}
	if err := c.docs.Reset(ctx); err != nil {
		return store.Transient("reset", err)
	}
	c.logger.Warn().Msg("both stores reset")
	return nil
}

// MigrateAll queues every schema and annotation and sweeps until no due
// task is left or a sweep makes no progress. It returns the number of
// entities queued.
func (c *Coordinator) MigrateAll(ctx context.Context) (int, SweepResult, error) {
	n, err := c.meta.EnqueueAll(ctx, c.clock.Now().UTC())
	if err != nil {
		return 0, SweepResult{}, store.Permanent("enqueue all", err)
	}
	var total SweepResult
	for {
		res, err := c.Reconcile(ctx)
		if err != nil {
			return n, total, err
		}
		total.add(res)
		if res.Coalesced || res.BreakerOpen || res.Synced+res.Superseded == 0 {
			return n, total, nil
		}
	}
}
