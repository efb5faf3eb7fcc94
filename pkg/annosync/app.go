package annosync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/surrealdb/annosync/pkg/config"
	"github.com/surrealdb/annosync/pkg/coordinator"
	"github.com/surrealdb/annosync/pkg/health"
	"github.com/surrealdb/annosync/pkg/inference"
	"github.com/surrealdb/annosync/pkg/metrics"
	"github.com/surrealdb/annosync/pkg/pipeline"
	"github.com/surrealdb/annosync/pkg/store"
	"github.com/surrealdb/annosync/pkg/store/memstore"
	"github.com/surrealdb/annosync/pkg/store/postgres"
	"github.com/surrealdb/annosync/pkg/store/sqlite"
	"github.com/surrealdb/annosync/pkg/store/surrealdb"
	"github.com/surrealdb/annosync/pkg/validate"
)

// MemoryURI selects the in-process DocumentStore.
const MemoryURI = "memory"

// App holds the wired components. Build it with New and release it with
// Close.
type App struct {
	config   *config.Config
	clock    clock.Clock
	logger   zerolog.Logger
	registry *prometheus.Registry

	meta      store.MetadataStore
	docs      store.DocumentStore
	breaker   *health.Breaker
	probe     *health.Probe
	inference *inference.Client
	validator *validate.Validator
	coord     *coordinator.Coordinator
	pipeline  *pipeline.Pipeline
}

// Option customises New.
type Option func(*App)

// WithClock replaces the wall clock used for breaker timing, backoff and
// the background loops.
func WithClock(clk clock.Clock) Option {
	return func(a *App) { a.clock = clk }
}

// New connects both stores and builds every component from cfg. Both
// stores must be reachable at startup; later DocumentStore outages are
// absorbed by the breaker.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*App, error) {
	a := &App{
		config:   cfg,
		clock:    clock.WallClock,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(a)
	}

	collector := metrics.NewCollector()
	if err := a.registry.Register(collector); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	meta, err := openMetadataStore(cfg.MetadataStore)
	if err != nil {
		return nil, err
	}
	a.meta = meta
	logger.Info().Str("driver", cfg.MetadataStore.Driver).Msg("connected to metadata store")

	docs, err := openDocumentStore(ctx, cfg.DocumentStore, logger)
	if err != nil {
		_ = meta.Close()
		return nil, err
	}
	a.docs = docs

	a.breaker = health.NewBreaker(health.BreakerConfig{
		Threshold:   cfg.Breaker.Threshold,
		CoolDown:    cfg.Breaker.CoolDown.D(),
		MaxCoolDown: cfg.Breaker.MaxCoolDown.D(),
		Multiplier:  cfg.Breaker.CoolDownMultiplier,
	}, a.clock, logger, collector)
	a.probe = health.NewProbe(a.breaker, docs, a.clock, cfg.Breaker.ProbeInterval.D(), cfg.Breaker.ProbeTimeout.D(), logger)

	profile, err := inference.ProfileByName(cfg.ModelProfile)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.inference = inference.NewClient(
		inference.NewOllama(cfg.Inference.BaseURL, cfg.Inference.Model, cfg.Inference.Timeout.D()),
		inference.Config{
			Timeout:    cfg.Inference.Timeout.D(),
			MaxRetries: cfg.Inference.MaxRetries,
			RetryDelay: cfg.Inference.RetryDelay.D(),
			RPS:        cfg.Inference.RPS,
			Profile:    profile,
			Sampling: inference.Sampler{
				ThresholdBytes: cfg.Sampling.ThresholdBytes,
				TargetBytes:    cfg.Sampling.TargetBytes,
			},
		}, a.clock, logger, collector)

	a.validator = validate.New(logger)
	a.coord = coordinator.New(meta, docs, a.breaker, a.validator, a.clock, coordinator.Config{
		ReconcileAttempts: cfg.Reconcile.Attempts,
		BaseBackoff:       cfg.Reconcile.BaseBackoff.D(),
		MaxBackoff:        cfg.Reconcile.MaxBackoff.D(),
		BatchSize:         cfg.Reconcile.BatchSize,
	}, logger, collector)
	a.pipeline = pipeline.New(a.coord, a.inference, a.validator, logger)
	return a, nil
}

func openMetadataStore(cfg config.MetadataStore) (store.MetadataStore, error) {
	switch strings.ToLower(cfg.Driver) {
	case "postgres":
		s, err := postgres.New(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		return s, nil
	case "sqlite":
		s, err := sqlite.New(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported metadata store driver %q", cfg.Driver)
	}
}

func openDocumentStore(ctx context.Context, cfg config.DocumentStore, logger zerolog.Logger) (store.DocumentStore, error) {
	if cfg.URI == MemoryURI {
		logger.Warn().Msg("using in-memory document store")
		return memstore.New(), nil
	}
	s, err := surrealdb.New(ctx, surrealdb.Config{
		URL:       cfg.URI,
		Namespace: cfg.Namespace,
		Database:  cfg.Database,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}
	logger.Info().Str("url", cfg.URI).Msg("connected to document store")
	return s, nil
}

// Close releases both stores.
func (a *App) Close() error {
	var errs []error
	if a.docs != nil {
		errs = append(errs, a.docs.Close())
	}
	if a.meta != nil {
		errs = append(errs, a.meta.Close())
	}
	return errors.Join(errs...)
}

// Init migrates the MetadataStore and defines the DocumentStore indexes.
// Both steps are idempotent.
func (a *App) Init(ctx context.Context) error {
	if err := a.meta.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating metadata store: %w", err)
	}
	if err := a.docs.InitIndexes(ctx); err != nil {
		return fmt.Errorf("defining document store indexes: %w", err)
	}
	return nil
}

// CheckResult is the outcome of one connection test.
type CheckResult struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
	// Error is empty when OK is set.
	Error string `json:"error,omitempty"`
}

// Check pings the MetadataStore, the DocumentStore and the inference
// endpoint. The returned error joins every failure.
func (a *App) Check(ctx context.Context) ([]CheckResult, error) {
	targets := []struct {
		name string
		ping func(context.Context) error
	}{
		{"metadata_store", a.meta.Ping},
		{"document_store", a.docs.Ping},
		{"inference", a.inference.Ping},
	}
	var (
		results []CheckResult
		errs    []error
	)
	for _, t := range targets {
		err := t.ping(ctx)
		r := CheckResult{Name: t.name, OK: err == nil}
		if err != nil {
			r.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
		}
		results = append(results, r)
	}
	return results, errors.Join(errs...)
}

func (a *App) Coordinator() *coordinator.Coordinator { return a.coord }

func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Registry returns the registry served on /metrics.
func (a *App) Registry() *prometheus.Registry { return a.registry }
