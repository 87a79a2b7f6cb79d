// Package events wires the domain event flow: breaker-guarded publishing
// with offline buffering, and the handlers registered on the router.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"classwatch/internal/breaker"
	"classwatch/internal/broker"
	"classwatch/internal/queue"
	"classwatch/pkg/types"
)

// Broker channels fanned out by the bridges.
const (
	ChannelInstructors = "instructors"
	ChannelRooms       = "rooms"
)

// ChannelForType maps a domain event type to its broker channel. Cell
// executions and help requests go to the instructor channel; everything
// else fans out by room.
func ChannelForType(eventType string) string {
	switch eventType {
	case types.EventTypeCellExecution, types.EventTypeHelpRequest:
		return ChannelInstructors
	default:
		return ChannelRooms
	}
}

// GuardedPublisher publishes through the circuit breaker and falls back to
// the offline queue when the broker is unavailable or the breaker is open.
// A publish that ends up buffered is still a success from the caller's view.
type GuardedPublisher struct {
	breaker   *breaker.Breaker
	publisher broker.Publisher
	queue     *queue.Queue
	logger    *slog.Logger
}

// NewGuardedPublisher creates a publisher. The queue is attached separately
// because its delivery function is this publisher's Deliver method.
func NewGuardedPublisher(brk *breaker.Breaker, publisher broker.Publisher, logger *slog.Logger) *GuardedPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuardedPublisher{
		breaker:   brk,
		publisher: publisher,
		logger:    logger,
	}
}

// AttachQueue sets the offline queue. Must be called before Publish.
func (g *GuardedPublisher) AttachQueue(q *queue.Queue) {
	g.queue = q
}

// Publish sends the event to its channel, consulting the breaker first.
// When the breaker is open the broker is not touched and the event goes
// straight to the queue; a failed broker call records the failure and
// buffers the event likewise. Returns an error only when the event could
// not be buffered either.
func (g *GuardedPublisher) Publish(ctx context.Context, event *types.Event, priority types.Priority) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	channel := ChannelForType(event.Type)

	if !g.breaker.Allowed() {
		g.logger.Debug("publish rejected by circuit breaker, buffering",
			slog.String("event_type", event.Type),
			slog.String("channel", channel),
		)
		return g.buffer(payload, event, priority)
	}

	if err := g.publisher.Publish(ctx, channel, payload); err != nil {
		g.breaker.RecordFailure()
		g.logger.Warn("publish failed, buffering",
			slog.String("event_type", event.Type),
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return g.buffer(payload, event, priority)
	}

	g.breaker.RecordSuccess()
	return nil
}

// buffer queues the serialized event with force set, so the queue does not
// attempt another immediate delivery through the path that just failed.
func (g *GuardedPublisher) buffer(payload []byte, event *types.Event, priority types.Priority) error {
	if _, err := g.queue.Enqueue(payload, event.Type, event.UserID, priority, true); err != nil {
		return fmt.Errorf("failed to buffer event: %w", err)
	}
	return nil
}

// Deliver is the queue's delivery function: it replays a buffered event
// through the breaker-guarded broker path. Unlike Publish it reports
// failure to the caller, so the sync engine can track retry state.
func (g *GuardedPublisher) Deliver(ctx context.Context, event *queue.QueuedEvent) error {
	if !g.breaker.Allowed() {
		return breaker.ErrOpen
	}
	channel := ChannelForType(event.EventType)
	if err := g.publisher.Publish(ctx, channel, event.Payload); err != nil {
		g.breaker.RecordFailure()
		return fmt.Errorf("failed to publish buffered event: %w", err)
	}
	g.breaker.RecordSuccess()
	return nil
}
