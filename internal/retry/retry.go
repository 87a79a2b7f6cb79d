// Package retry wraps operations with bounded exponential-backoff retry and
// terminal error reporting. It guards both broker operations and event
// handler invocations inside the router.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config controls retry behavior for a wrapped operation.
type Config struct {
	// MaxRetries is the number of additional attempts beyond the first.
	MaxRetries int

	// InitialDelay is the wait before the second attempt.
	InitialDelay time.Duration

	// BackoffFactor multiplies the delay after each failed attempt:
	// wait = InitialDelay * BackoffFactor^(attempt-1).
	BackoffFactor float64

	// RetryableFunc classifies errors. Non-retryable errors propagate
	// immediately without delay. Defaults to retrying everything not
	// marked with Permanent.
	RetryableFunc func(error) bool
}

// DefaultConfig is the standard policy for broker and handler operations.
var DefaultConfig = Config{
	MaxRetries:    3,
	InitialDelay:  500 * time.Millisecond,
	BackoffFactor: 2.0,
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultConfig.InitialDelay
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = DefaultConfig.BackoffFactor
	}
	if c.RetryableFunc == nil {
		c.RetryableFunc = func(err error) bool { return !IsPermanent(err) }
	}
	return c
}

// Reporter receives terminal errors after retry exhaustion.
type Reporter interface {
	ReportError(operation, summary string, attempts int, err error)
}

// LogReporter reports terminal errors through structured logging.
type LogReporter struct {
	Logger *slog.Logger
}

// ReportError logs the failed operation with its argument summary and the
// number of attempts made.
func (r *LogReporter) ReportError(operation, summary string, attempts int, err error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("operation failed after retries",
		slog.String("operation", operation),
		slog.String("summary", summary),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
}

// Executor applies a retry policy and reports terminal failures.
type Executor struct {
	config   Config
	reporter Reporter
}

// NewExecutor creates an executor with the given policy. A nil reporter
// falls back to slog-based reporting.
func NewExecutor(config Config, reporter Reporter) *Executor {
	if reporter == nil {
		reporter = &LogReporter{}
	}
	return &Executor{config: config.withDefaults(), reporter: reporter}
}

// Do runs fn with the executor's policy. operation names the call for
// reporting; summary describes its arguments. The final error is both
// returned and, on retry exhaustion, reported exactly once.
func (e *Executor) Do(ctx context.Context, operation, summary string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= e.config.MaxRetries+1; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !e.config.RetryableFunc(lastErr) {
			return lastErr
		}

		if attempt <= e.config.MaxRetries {
			delay := e.config.InitialDelay
			for i := 1; i < attempt; i++ {
				delay = time.Duration(float64(delay) * e.config.BackoffFactor)
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	e.reporter.ReportError(operation, summary, e.config.MaxRetries+1, lastErr)
	return lastErr
}

// permanentError marks an error as non-retryable.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as terminal: the executor propagates it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the Permanent marker.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
