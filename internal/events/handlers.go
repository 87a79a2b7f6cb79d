package events

import (
	"context"
	"log/slog"

	"classwatch/internal/router"
	"classwatch/pkg/types"
)

// Persister records domain events for later review.
type Persister interface {
	Persist(ctx context.Context, event *types.Event) (string, error)
}

// RegisterDomainHandlers installs the handler for each domain event type.
// Persistence failures are logged but never block fan-out; losing the
// archive copy is preferable to losing the live notification.
func RegisterDomainHandlers(r *router.Router, store Persister, publisher *GuardedPublisher, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	persist := func(ctx context.Context, event *types.Event) {
		if store == nil {
			return
		}
		if id, err := store.Persist(ctx, event); err != nil {
			logger.Warn("failed to persist event",
				slog.String("event_type", event.Type),
				slog.String("user_id", event.UserID),
				slog.String("error", err.Error()),
			)
		} else if event.ID == "" {
			event.ID = id
		}
	}

	r.RegisterHandler(types.EventTypeCellExecution, func(ctx context.Context, event *types.Event) error {
		persist(ctx, event)
		return publisher.Publish(ctx, event, types.PriorityMedium)
	})

	r.RegisterHandler(types.EventTypeProgressUpdate, func(ctx context.Context, event *types.Event) error {
		return publisher.Publish(ctx, event, types.PriorityLow)
	})

	r.RegisterHandler(types.EventTypeHelpRequest, func(ctx context.Context, event *types.Event) error {
		persist(ctx, event)
		return publisher.Publish(ctx, event, types.PriorityHigh)
	})

	// Pings only prove liveness; connection activity is tracked at the
	// transport layer.
	r.RegisterHandler(types.EventTypePing, func(ctx context.Context, event *types.Event) error {
		return nil
	})
}
