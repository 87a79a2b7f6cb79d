// Package bridge drives the subscriber side of the broker: one long-lived
// subscription loop per channel, decoding inbound messages and fanning them
// out through the connection registry.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"classwatch/internal/breaker"
	"classwatch/internal/broker"
	"classwatch/internal/websocket"
	"classwatch/pkg/types"
)

// Binding ties a broker channel to a fan-out strategy. When ClientType is
// set, messages go through BroadcastByType scoped by the event's class tag;
// otherwise they broadcast to the event's room (or Room as a fallback).
type Binding struct {
	Channel    string
	Room       string
	ClientType string
}

// Config tunes the subscription loop timing.
type Config struct {
	PollTimeout    time.Duration
	ReconnectDelay time.Duration
}

// Bridge runs subscription loops against the registry. Reconnects go through
// the same circuit breaker as the publish side, so a dead broker is probed
// once per recovery window rather than hammered from both directions.
type Bridge struct {
	subscriber broker.Subscriber
	breaker    *breaker.Breaker
	registry   *websocket.Registry
	config     Config
	logger     *slog.Logger
}

// New creates a bridge.
func New(subscriber broker.Subscriber, brk *breaker.Breaker, registry *websocket.Registry, config Config, logger *slog.Logger) *Bridge {
	if config.PollTimeout <= 0 {
		config.PollTimeout = time.Second
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		subscriber: subscriber,
		breaker:    brk,
		registry:   registry,
		config:     config,
		logger:     logger,
	}
}

// Run maintains the subscription for one binding until ctx is cancelled.
// Decode failures are logged and skipped; a broken subscription is closed
// and re-established through the breaker-guarded path.
func (b *Bridge) Run(ctx context.Context, binding Binding) {
	logger := b.logger.With(slog.String("channel", binding.Channel))

	for {
		if ctx.Err() != nil {
			return
		}

		if !b.breaker.Allowed() {
			if !sleepCtx(ctx, b.config.ReconnectDelay) {
				return
			}
			continue
		}

		sub, err := b.subscriber.Subscribe(ctx, binding.Channel)
		if err != nil {
			b.breaker.RecordFailure()
			logger.Warn("subscribe failed", slog.String("error", err.Error()))
			if !sleepCtx(ctx, b.config.ReconnectDelay) {
				return
			}
			continue
		}
		b.breaker.RecordSuccess()
		logger.Info("subscribed")

		b.receiveLoop(ctx, sub, binding, logger)
		_ = sub.Close()

		if ctx.Err() != nil {
			return
		}
	}
}

// receiveLoop polls the subscription with a bounded timeout so cancellation
// is observed at least once per interval. Returns when the subscription
// breaks or ctx is cancelled.
func (b *Bridge) receiveLoop(ctx context.Context, sub broker.Subscription, binding Binding, logger *slog.Logger) {
	for {
		pollCtx, cancel := context.WithTimeout(ctx, b.config.PollTimeout)
		payload, err := sub.Receive(pollCtx)
		cancel()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if isIdlePoll(err) {
				continue // idle interval, check cancellation and wait again
			}
			b.breaker.RecordFailure()
			logger.Warn("subscription lost", slog.String("error", err.Error()))
			return
		}

		b.dispatch(payload, binding, logger)
	}
}

// dispatch decodes one broker message and fans it out.
func (b *Bridge) dispatch(payload []byte, binding Binding, logger *slog.Logger) {
	var event types.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		logger.Warn("undecodable broker message", slog.String("error", err.Error()))
		return
	}

	if binding.ClientType != "" {
		sent := b.registry.BroadcastByType(binding.ClientType, &event, classPredicate(&event))
		logger.Debug("role broadcast",
			slog.String("event_type", event.Type),
			slog.Int("sent", sent),
		)
		return
	}

	room := event.Room
	if room == "" {
		room = binding.Room
	}
	sent := b.registry.Broadcast(&event, room)
	logger.Debug("room broadcast",
		slog.String("event_type", event.Type),
		slog.String("room", room),
		slog.Int("sent", sent),
	)
}

// classPredicate scopes role broadcasts to connections assigned to the
// event's class, when the event carries one. Connections without a class
// list receive everything.
func classPredicate(event *types.Event) func(metadata map[string]string) bool {
	classID, _ := event.Content["classId"].(string)
	if classID == "" {
		return nil
	}
	return func(metadata map[string]string) bool {
		assigned, ok := metadata["classes"]
		if !ok || assigned == "" {
			return true
		}
		for _, c := range strings.Split(assigned, ",") {
			if strings.TrimSpace(c) == classID {
				return true
			}
		}
		return false
	}
}

// isIdlePoll reports whether a receive error is just the bounded poll
// expiring. The memory broker surfaces context.DeadlineExceeded; a broker
// backed by a network connection can surface a read timeout instead.
func isIdlePoll(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// sleepCtx waits for d or cancellation; reports false when cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
