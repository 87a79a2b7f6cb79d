// Package router dispatches inbound domain events by declared type to
// registered handlers. Handler invocation is wrapped by the retry executor;
// failures surviving retries are reported and surface only as a false
// return, never as a crash.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"classwatch/internal/retry"
	"classwatch/pkg/types"
)

// Handler processes one domain event.
type Handler func(ctx context.Context, event *types.Event) error

// Router maps event types to handlers with a default fallback.
type Router struct {
	mu             sync.RWMutex
	handlers       map[string]Handler
	defaultHandler Handler

	executor *retry.Executor
	logger   *slog.Logger
}

// New creates a router. The built-in default handler logs the unknown type
// and accepts the event; unknown kinds are not an error.
func New(executor *retry.Executor, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		handlers: make(map[string]Handler),
		executor: executor,
		logger:   logger,
	}
	r.defaultHandler = func(ctx context.Context, event *types.Event) error {
		r.logger.Debug("no handler for event type", slog.String("event_type", event.Type))
		return nil
	}
	return r
}

// RegisterHandler binds a handler to an event type, replacing any prior
// binding.
func (r *Router) RegisterHandler(eventType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = handler
}

// SetDefaultHandler replaces the fallback for unregistered event types.
func (r *Router) SetDefaultHandler(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultHandler = handler
}

// Route validates the event and invokes its handler under the retry policy.
// A missing type returns false without invoking anything; an unregistered
// type falls back to the default handler. Returns true on successful
// handling, including successful fallback.
func (r *Router) Route(ctx context.Context, event *types.Event) bool {
	if event == nil || event.Type == "" {
		return false
	}
	if err := event.Validate(); err != nil {
		r.logger.Warn("rejected invalid event",
			slog.String("event_type", event.Type),
			slog.String("error", err.Error()),
		)
		return false
	}

	r.mu.RLock()
	handler, exists := r.handlers[event.Type]
	if !exists {
		handler = r.defaultHandler
	}
	r.mu.RUnlock()

	summary := fmt.Sprintf("event_type=%s user_id=%s notebook=%s cell=%s",
		event.Type, event.UserID, event.NotebookID, event.CellID)
	err := r.executor.Do(ctx, "handle_"+event.Type, summary, func(ctx context.Context) error {
		return handler(ctx, event)
	})
	return err == nil
}
