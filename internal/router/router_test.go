package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classwatch/internal/retry"
	"classwatch/pkg/types"
)

type countingReporter struct {
	mu      sync.Mutex
	reports int
	last    string
}

func (c *countingReporter) ReportError(operation, summary string, attempts int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports++
	c.last = summary
}

func newTestRouter(maxRetries int, reporter retry.Reporter) *Router {
	exec := retry.NewExecutor(retry.Config{
		MaxRetries:    maxRetries,
		InitialDelay:  time.Millisecond,
		BackoffFactor: 1.0,
	}, reporter)
	return New(exec, nil)
}

func TestRouter_RoutesToRegisteredHandler(t *testing.T) {
	r := newTestRouter(0, nil)

	var handled *types.Event
	r.RegisterHandler(types.EventTypeCellExecution, func(ctx context.Context, event *types.Event) error {
		handled = event
		return nil
	})

	event := &types.Event{Type: types.EventTypeCellExecution, UserID: "student_1"}
	assert.True(t, r.Route(context.Background(), event))
	require.NotNil(t, handled)
	assert.Equal(t, "student_1", handled.UserID)
}

func TestRouter_MissingTypeReturnsFalse(t *testing.T) {
	r := newTestRouter(0, nil)

	called := false
	r.SetDefaultHandler(func(ctx context.Context, event *types.Event) error {
		called = true
		return nil
	})

	assert.False(t, r.Route(context.Background(), &types.Event{}))
	assert.False(t, r.Route(context.Background(), nil))
	assert.False(t, called, "no handler may run for a missing type")
}

func TestRouter_UnknownTypeUsesDefaultHandler(t *testing.T) {
	r := newTestRouter(0, nil)

	var fallbackType string
	r.SetDefaultHandler(func(ctx context.Context, event *types.Event) error {
		fallbackType = event.Type
		return nil
	})

	assert.True(t, r.Route(context.Background(), &types.Event{Type: "mystery"}),
		"successful fallback counts as successful handling")
	assert.Equal(t, "mystery", fallbackType)
}

func TestRouter_BuiltInDefaultAcceptsUnknownTypes(t *testing.T) {
	r := newTestRouter(0, nil)
	assert.True(t, r.Route(context.Background(), &types.Event{Type: "mystery"}))
}

func TestRouter_HandlerRetriedThenSucceeds(t *testing.T) {
	reporter := &countingReporter{}
	r := newTestRouter(2, reporter)

	calls := 0
	r.RegisterHandler("flaky", func(ctx context.Context, event *types.Event) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	assert.True(t, r.Route(context.Background(), &types.Event{Type: "flaky"}))
	assert.Equal(t, 3, calls)
	assert.Equal(t, 0, reporter.reports)
}

func TestRouter_ExhaustedHandlerReportsAndReturnsFalse(t *testing.T) {
	reporter := &countingReporter{}
	r := newTestRouter(1, reporter)

	r.RegisterHandler("broken", func(ctx context.Context, event *types.Event) error {
		return errors.New("handler failure")
	})

	event := &types.Event{
		Type:       "broken",
		UserID:     "student_1",
		NotebookID: "nb_1",
		CellID:     "cell_7",
	}
	assert.False(t, r.Route(context.Background(), event))
	assert.Equal(t, 1, reporter.reports, "exactly one report per exhausted event")
	assert.Contains(t, reporter.last, "user_id=student_1")
	assert.Contains(t, reporter.last, "notebook=nb_1")
	assert.Contains(t, reporter.last, "cell=cell_7")
}

func TestRouter_InvalidEventRejected(t *testing.T) {
	r := newTestRouter(0, nil)

	called := false
	r.RegisterHandler(types.EventTypeProgressUpdate, func(ctx context.Context, event *types.Event) error {
		called = true
		return nil
	})

	event := &types.Event{Type: types.EventTypeProgressUpdate, Room: "bad room"}
	assert.False(t, r.Route(context.Background(), event))
	assert.False(t, called)
}

func TestRouter_ReplacingHandler(t *testing.T) {
	r := newTestRouter(0, nil)

	r.RegisterHandler("ev", func(ctx context.Context, event *types.Event) error {
		return errors.New("old handler")
	})
	r.RegisterHandler("ev", func(ctx context.Context, event *types.Event) error {
		return nil
	})

	assert.True(t, r.Route(context.Background(), &types.Event{Type: "ev"}))
}
