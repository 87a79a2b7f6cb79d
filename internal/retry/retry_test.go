package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	reports []reportedError
}

type reportedError struct {
	operation string
	summary   string
	attempts  int
	err       error
}

func (r *recordingReporter) ReportError(operation, summary string, attempts int, err error) {
	r.reports = append(r.reports, reportedError{operation, summary, attempts, err})
}

func fastConfig(maxRetries int) Config {
	return Config{
		MaxRetries:    maxRetries,
		InitialDelay:  time.Millisecond,
		BackoffFactor: 1.5,
	}
}

func TestExecutor_SucceedsFirstAttempt(t *testing.T) {
	reporter := &recordingReporter{}
	exec := NewExecutor(fastConfig(3), reporter)

	calls := 0
	err := exec.Do(context.Background(), "publish", "channel=rooms", func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, reporter.reports)
}

func TestExecutor_RetriesThenSucceeds(t *testing.T) {
	reporter := &recordingReporter{}
	exec := NewExecutor(fastConfig(3), reporter)

	calls := 0
	err := exec.Do(context.Background(), "publish", "channel=rooms", func(ctx context.Context) error {
		calls++
		if calls <= 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 4, calls, "failing max_retries times then succeeding uses max_retries+1 invocations")
	assert.Empty(t, reporter.reports, "success must not trigger an error report")
}

func TestExecutor_ExhaustionReportsExactlyOnce(t *testing.T) {
	reporter := &recordingReporter{}
	exec := NewExecutor(fastConfig(2), reporter)

	terminal := errors.New("broker down")
	calls := 0
	err := exec.Do(context.Background(), "publish", "channel=rooms", func(ctx context.Context) error {
		calls++
		return terminal
	})

	require.ErrorIs(t, err, terminal)
	assert.Equal(t, 3, calls)
	require.Len(t, reporter.reports, 1)
	assert.Equal(t, "publish", reporter.reports[0].operation)
	assert.Equal(t, "channel=rooms", reporter.reports[0].summary)
	assert.Equal(t, 3, reporter.reports[0].attempts)
}

func TestExecutor_PermanentErrorPropagatesImmediately(t *testing.T) {
	reporter := &recordingReporter{}
	exec := NewExecutor(fastConfig(5), reporter)

	calls := 0
	cause := errors.New("bad payload")
	err := exec.Do(context.Background(), "persist", "event=cell_execution", func(ctx context.Context) error {
		calls++
		return Permanent(cause)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, calls, "non-retryable errors must not be retried")
	assert.Empty(t, reporter.reports)
}

func TestExecutor_CustomClassifier(t *testing.T) {
	exec := NewExecutor(Config{
		MaxRetries:    3,
		InitialDelay:  time.Millisecond,
		BackoffFactor: 1.0,
		RetryableFunc: func(err error) bool { return err.Error() == "again" },
	}, &recordingReporter{})

	calls := 0
	err := exec.Do(context.Background(), "op", "", func(ctx context.Context) error {
		calls++
		return errors.New("fatal")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecutor_ContextCancellationStopsBackoff(t *testing.T) {
	exec := NewExecutor(Config{
		MaxRetries:    10,
		InitialDelay:  time.Hour,
		BackoffFactor: 2.0,
	}, &recordingReporter{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := exec.Do(ctx, "op", "", func(ctx context.Context) error {
		return errors.New("transient")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second, "cancellation must interrupt the backoff wait")
}

func TestIsPermanent(t *testing.T) {
	assert.False(t, IsPermanent(errors.New("plain")))
	assert.True(t, IsPermanent(Permanent(errors.New("fatal"))))
	assert.Nil(t, Permanent(nil))
}
