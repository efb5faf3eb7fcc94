// Package inference calls the external model that classifies documents,
// proposes annotation schemas and pre-fills annotation values.
//
// Every operation returns a [Result]. Network and parse failures are
// retried within a bounded number of attempts and then replaced by a
// documented fallback value; they are never returned as errors.
package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/surrealdb/annosync/pkg/metrics"
	"github.com/surrealdb/annosync/pkg/models"
)

// Outcome says whether a Result carries a model answer or a fallback.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFallback Outcome = "fallback"
)

// Result is the outcome of one inference operation.
type Result[T any] struct {
	Outcome Outcome
	Value   T
	// Attempts is the number of requests sent.
	Attempts int
	// Cause is the last failure when Outcome is OutcomeFallback.
	Cause error
}

// Fallback reports whether Value is the fallback rather than a model answer.
func (r Result[T]) Fallback() bool { return r.Outcome == OutcomeFallback }

// TimeoutError is an attempt that ran past its deadline.
type TimeoutError struct {
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("inference timed out after %s: %v", e.Timeout, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// InvalidResponseError is a response that could not be parsed.
type InvalidResponseError struct {
	Err error
}

func (e *InvalidResponseError) Error() string {
	return "invalid inference response: " + e.Err.Error()
}

func (e *InvalidResponseError) Unwrap() error { return e.Err }

// Config holds client tuning.
type Config struct {
	// Timeout bounds each attempt.
	Timeout time.Duration
	// MaxRetries is the total number of attempts per operation.
	MaxRetries int
	// RetryDelay is the delay before the second attempt; it doubles
	// after each further failure up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// RPS limits the request rate. Zero disables the limiter.
	RPS      float64
	Profile  Profile
	Sampling Sampler
}

// Client is the resilient inference client. It is safe for concurrent use.
type Client struct {
	gen     Generator
	cfg     Config
	clock   clock.Clock
	limiter *rate.Limiter
	logger  zerolog.Logger
	metrics *metrics.Collector
}

// NewClient returns a client sending requests through gen.
func NewClient(gen Generator, cfg Config, clk clock.Clock, logger zerolog.Logger, m *metrics.Collector) *Client {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = 30 * cfg.RetryDelay
	}
	if cfg.Profile == (Profile{}) {
		cfg.Profile = profiles["default"]
	}
	if clk == nil {
		clk = clock.WallClock
	}
	c := &Client{
		gen:     gen,
		cfg:     cfg,
		clock:   clk,
		logger:  logger.With().Str("component", "inference").Logger(),
		metrics: m,
	}
	if cfg.RPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}
	return c
}

// Ping checks that the endpoint is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.gen.Ping(ctx)
}

// AnalyzeType classifies content. The fallback is UnknownType.
func (c *Client) AnalyzeType(ctx context.Context, content string, metadata map[string]any) Result[string] {
	sampled := c.cfg.Sampling.Needed(content)
	prompt := buildAnalyzeTypePrompt(metadata, c.cfg.Sampling.Sample(content), sampled)
	return call(ctx, c, "analyze_type", prompt, 100, parseDocumentType, UnknownType)
}

// GenerateSchema proposes an annotation schema. metadata may carry the
// detected "document_type". The fallback is a schema named
// "fallback_schema" with no fields.
func (c *Client) GenerateSchema(ctx context.Context, content string, metadata map[string]any) Result[models.SchemaBody] {
	prompt := buildSchemaPrompt(metadata, c.cfg.Sampling.Sample(content))
	return call(ctx, c, "generate_schema", prompt, 3000, parseSchema, FallbackSchema())
}

// GenerateAnnotations proposes values for schema's fields. The fallback
// is an empty map.
func (c *Client) GenerateAnnotations(ctx context.Context, content string, schema models.SchemaBody) Result[models.JSONMap] {
	prompt := buildAnnotationsPrompt(schema, c.cfg.Sampling.Sample(content))
	return call(ctx, c, "generate_annotations", prompt, 2048, parseAnnotations, models.JSONMap{})
}

// FallbackSchema is the skeleton GenerateSchema returns when the model
// could not produce one.
func FallbackSchema() models.SchemaBody {
	return models.SchemaBody{
		Name:        "fallback_schema",
		Description: "Generated without model assistance",
		Fields:      models.FieldDefinitions{},
	}
}

func call[T any](ctx context.Context, c *Client, op, prompt string, maxTokens int, parse func(string) (T, error), fallback T) Result[T] {
	req := GenerateRequest{Prompt: prompt, Options: c.cfg.Profile.withMaxTokens(maxTokens)}
	logger := c.logger.With().Str("operation", op).Logger()

	var (
		value    T
		attempts int
		lastErr  error
	)
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			attempts++
			v, err := attempt(ctx, c, req, parse)
			if err != nil {
				lastErr = err
				logger.Warn().Err(err).Int("attempt", attempts).Int("max_attempts", c.cfg.MaxRetries).Msg("inference attempt failed")
				return err
			}
			value = v
			return nil
		},
		IsFatalError: func(err error) bool {
			return ctx.Err() != nil || !isTransient(err)
		},
		NotifyFunc: func(err error, n int) {
			logger.Debug().Int("attempt", n).Msg("retrying inference")
		},
		Attempts:    c.cfg.MaxRetries,
		Delay:       c.cfg.RetryDelay,
		MaxDelay:    c.cfg.MaxRetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       c.clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		c.metrics.Inference(op, string(OutcomeSuccess), attempts)
		return Result[T]{Outcome: OutcomeSuccess, Value: value, Attempts: attempts}
	}

	if lastErr == nil {
		lastErr = err
	}
	c.metrics.Inference(op, string(OutcomeFallback), attempts)
	logger.Warn().
		Err(lastErr).
		Str("outcome", string(OutcomeFallback)).
		Int("attempts", attempts).
		Msg("inference failed, returning fallback")
	return Result[T]{Outcome: OutcomeFallback, Value: fallback, Attempts: attempts, Cause: lastErr}
}

// attempt sends one request under its own deadline and parses the reply.
func attempt[T any](ctx context.Context, c *Client, req GenerateRequest, parse func(string) (T, error)) (T, error) {
	var zero T
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, err
		}
	}

	actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	raw, err := c.gen.Generate(actx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return zero, &TimeoutError{Timeout: c.cfg.Timeout, Err: err}
		}
		return zero, err
	}
	v, err := parse(raw)
	if err != nil {
		return zero, &InvalidResponseError{Err: err}
	}
	return v, nil
}

// isTransient reports whether err is worth another attempt: timeouts,
// dropped or refused connections, 5xx and 429 responses and unparsable
// replies. Other 4xx responses and request build errors are not.
func isTransient(err error) bool {
	var (
		te *TimeoutError
		ie *InvalidResponseError
		se *StatusError
		oe *net.OpError
		ne net.Error
	)
	switch {
	case errors.As(err, &te), errors.As(err, &ie):
		return true
	case errors.As(err, &se):
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests || se.StatusCode == http.StatusRequestTimeout
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EPIPE):
		return true
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return true
	case errors.As(err, &oe):
		return true
	case errors.As(err, &ne) && ne.Timeout():
		return true
	}
	return false
}

// extractJSON returns the text between the first '{' and the last '}'.
func extractJSON(raw string) (string, error) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start == -1 || end < start {
		return "", errors.New("no JSON object in response")
	}
	return raw[start : end+1], nil
}

func parseDocumentType(raw string) (string, error) {
	obj, err := extractJSON(raw)
	if err != nil {
		return "", err
	}
	var resp struct {
		DocumentType string `json:"document_type"`
	}
	if err := json.Unmarshal([]byte(obj), &resp); err != nil {
		return "", err
	}
	got := strings.ToUpper(strings.TrimSpace(resp.DocumentType))
	for _, t := range documentTypes {
		if got == t {
			return t, nil
		}
	}
	return "", fmt.Errorf("unrecognised document type %q", resp.DocumentType)
}

func parseSchema(raw string) (models.SchemaBody, error) {
	obj, err := extractJSON(raw)
	if err != nil {
		return models.SchemaBody{}, err
	}
	var resp struct {
		Name        string                   `json:"name"`
		Description string                   `json:"description"`
		Fields      *models.FieldDefinitions `json:"fields"`
	}
	if err := json.Unmarshal([]byte(obj), &resp); err != nil {
		return models.SchemaBody{}, err
	}
	if resp.Fields == nil {
		return models.SchemaBody{}, errors.New(`schema has no "fields"`)
	}
	return models.SchemaBody{Name: resp.Name, Description: resp.Description, Fields: *resp.Fields}, nil
}

func parseAnnotations(raw string) (models.JSONMap, error) {
	obj, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}
	values := models.JSONMap{}
	if err := json.Unmarshal([]byte(obj), &values); err != nil {
		return nil, err
	}
	return values, nil
}
